/**
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

/*
 * On-flash layout of the header that begins every volume:
 *
 *   - Fixed 32-byte prefix: magic, type code, counts with redundant
 *     complements, CRCs, parent reference
 *   - Map: packed one-byte map block codes, padded to 32 bits
 *   - Optional type-specific data, padded to 32 bits
 *   - Per-block erase counts
 *   - Payload, beginning at the next cache block boundary
 *
 * Volumes made of multiple map blocks store the header only in their first
 * block; the remaining blocks are pure payload.  Because the header also
 * stores erase counts, a volume is never erased in place: deletion just
 * rewrites the type code, and the recycler consumes the header block last.
 */

package flash

import (
	"encoding/binary"
	"hash/crc32"
)

const VolumeMagic = 0x5F4C4F5674666953

// Volume type codes.  T_DELETED must be zero so a volume can be deleted
// with a single in-place program operation, and T_INCOMPLETE must be the
// erased pattern so a crashed allocation reads back as incomplete.
const (
	TypeDeleted    = 0x0000
	TypeELF        = 0x4C45
	TypeLFS        = 0x4C46
	TypeEraseLog   = 0x4C47
	TypeAppBase    = 0x8000
	TypeIncomplete = 0xFFFF
)

const volumeHeaderFixedSize = 32

// Maximum type-specific data size that still fits in the header's cache
// block alongside a minimal single-entry map and its erase count.
const MaxMappableDataBytes = CacheBlockSize - volumeHeaderFixedSize - 4 - 4

type EraseCount = uint32

// VolumeHeader decodes and encodes the header structure in a pinned cache
// block.  It does not own the reference.
type VolumeHeader struct {
	ref BlockRef
}

// GetVolumeHeader returns a pinned header view for the given map block.
// The caller releases the reference.
func GetVolumeHeader(mb MapBlock) (VolumeHeader, BlockRef, error) {
	ref, err := GetBlock(mb.Address())
	if err != nil {
		return VolumeHeader{}, BlockRef{}, err
	}
	return VolumeHeader{ref: ref}, ref, nil
}

func HeaderFromRef(ref BlockRef) VolumeHeader {
	return VolumeHeader{ref: ref}
}

func (h VolumeHeader) data() []byte {
	return h.ref.Data()
}

func (h VolumeHeader) Magic() uint64 {
	return binary.LittleEndian.Uint64(h.data()[0:8])
}

func (h VolumeHeader) Type() uint16 {
	return binary.LittleEndian.Uint16(h.data()[8:10])
}

func (h VolumeHeader) PayloadBlocks() int {
	return int(binary.LittleEndian.Uint16(h.data()[10:12]))
}

func (h VolumeHeader) DataBytes() int {
	return int(binary.LittleEndian.Uint16(h.data()[12:14]))
}

func (h VolumeHeader) Parent() MapBlock {
	return MapBlock{Code: h.data()[28]}
}

func (h VolumeHeader) MapCRC() uint32 {
	return binary.LittleEndian.Uint32(h.data()[20:24])
}

func (h VolumeHeader) EraseCRC() uint32 {
	return binary.LittleEndian.Uint32(h.data()[24:28])
}

// IsValid checks the fixed prefix only: magic, redundant type copy, and
// the one's-complement twins of each count.
func (h VolumeHeader) IsValid() bool {
	d := h.data()

	typ := binary.LittleEndian.Uint16(d[8:10])
	typCopy := binary.LittleEndian.Uint16(d[18:20])
	payload := binary.LittleEndian.Uint16(d[10:12])
	payloadCpl := binary.LittleEndian.Uint16(d[14:16])
	dataBytes := binary.LittleEndian.Uint16(d[12:14])
	dataBytesCpl := binary.LittleEndian.Uint16(d[16:18])

	return h.Magic() == VolumeMagic &&
		typ == typCopy &&
		payload^payloadCpl == 0xFFFF &&
		dataBytes^dataBytesCpl == 0xFFFF &&
		d[28]^d[29] == 0xFF
}

// Init fills in everything except the CRC fields.
func (h VolumeHeader) Init(typ uint16, payloadBlocks, dataBytes int,
	parent MapBlock) {

	d := h.data()
	binary.LittleEndian.PutUint64(d[0:8], VolumeMagic)
	binary.LittleEndian.PutUint16(d[8:10], typ)
	binary.LittleEndian.PutUint16(d[10:12], uint16(payloadBlocks))
	binary.LittleEndian.PutUint16(d[12:14], uint16(dataBytes))
	binary.LittleEndian.PutUint16(d[14:16], ^uint16(payloadBlocks))
	binary.LittleEndian.PutUint16(d[16:18], ^uint16(dataBytes))
	binary.LittleEndian.PutUint16(d[18:20], typ)
	d[28] = parent.Code
	d[29] = ^parent.Code
	binary.LittleEndian.PutUint16(d[30:32], 0xFFFF)
}

// SetType rewrites only the redundant type pair.
func (h VolumeHeader) SetType(typ uint16) {
	d := h.data()
	binary.LittleEndian.PutUint16(d[8:10], typ)
	binary.LittleEndian.PutUint16(d[18:20], typ)
}

func (h VolumeHeader) SetMapCRC(crc uint32) {
	binary.LittleEndian.PutUint32(h.data()[20:24], crc)
}

func (h VolumeHeader) SetEraseCRC(crc uint32) {
	binary.LittleEndian.PutUint32(h.data()[24:28], crc)
}

func roundup4(n int) int {
	return (n + 3) &^ 3
}

func ceildiv(a, b int) int {
	return (a + b - 1) / b
}

// NumMapEntries computes how many map blocks the volume occupies.  The
// header size depends on the entry count and vice versa, so compute a
// minimal answer first and grow it by one if the real header would spill.
func (h VolumeHeader) NumMapEntries() int {
	return numMapEntries(h.PayloadBlocks(), h.DataBytes())
}

func numMapEntries(payloadBlocks, dataBytes int) int {
	minResult := ceildiv(payloadBlocks+1, CacheBlocksPerMapBlock)

	minHdrBlocks := ceildiv(
		volumeHeaderFixedSize+
			roundup4(minResult)+
			roundup4(dataBytes)+
			4*minResult,
		CacheBlockSize)

	if ceildiv(payloadBlocks+minHdrBlocks, CacheBlocksPerMapBlock) == minResult {
		return minResult
	}
	return minResult + 1
}

func mapOffsetBytes() int {
	return volumeHeaderFixedSize
}

func mapSizeBytes(numEntries int) int {
	return roundup4(numEntries)
}

func dataOffsetBytes(numEntries int) int {
	return mapOffsetBytes() + mapSizeBytes(numEntries)
}

func eraseCountOffsetBytes(numEntries, dataBytes int) int {
	return dataOffsetBytes(numEntries) + roundup4(dataBytes)
}

func payloadOffsetBytes(numEntries, dataBytes int) int {
	return eraseCountOffsetBytes(numEntries, dataBytes) + 4*numEntries
}

// PayloadOffsetBlocks is the payload's offset from the start of the
// volume, in cache blocks.
func (h VolumeHeader) PayloadOffsetBlocks() int {
	n := h.NumMapEntries()
	return ceildiv(payloadOffsetBytes(n, h.DataBytes()), CacheBlockSize)
}

// MapEntry returns map slot i.  The map always fits in the header's own
// cache block.
func (h VolumeHeader) MapEntry(i int) MapBlock {
	return MapBlock{Code: h.data()[mapOffsetBytes()+i]}
}

func (h VolumeHeader) SetMapEntry(i int, mb MapBlock) {
	h.data()[mapOffsetBytes()+i] = mb.Code
}

// InvalidateMapEntry programs slot i to zero, the one map mutation that is
// legal on already-written flash.
func (h VolumeHeader) InvalidateMapEntry(i int) {
	h.data()[mapOffsetBytes()+i] = 0
}

// TypeData returns the type-specific data area, which always fits in the
// header's cache block for mappable sizes.
func (h VolumeHeader) TypeData() []byte {
	n := h.NumMapEntries()
	off := dataOffsetBytes(n)
	return h.data()[off : off+h.DataBytes()]
}

// TypeDataAddress is the device address of the type-specific data area.
func (h VolumeHeader) TypeDataAddress(mb MapBlock) uint32 {
	return mb.Address() + uint32(dataOffsetBytes(h.NumMapEntries()))
}

// EraseCountAddress returns the device address of one erase count.  Erase
// counts may straddle into cache blocks after the header's.
func (h VolumeHeader) EraseCountAddress(mb MapBlock, index int) uint32 {
	n := h.NumMapEntries()
	return mb.Address() +
		uint32(eraseCountOffsetBytes(n, h.DataBytes())) +
		uint32(4*index)
}

func (h VolumeHeader) EraseCount(mb MapBlock, index int) (EraseCount, error) {
	addr := h.EraseCountAddress(mb, index)
	ref, err := GetBlock(addr)
	if err != nil {
		return 0, err
	}
	defer ref.Release()

	off := addr & CacheBlockMask
	return binary.LittleEndian.Uint32(ref.Data()[off : off+4]), nil
}

// CalculateMapCRC covers the in-use portion of the map, including its
// padding bytes.
func (h VolumeHeader) CalculateMapCRC() uint32 {
	n := h.NumMapEntries()
	off := mapOffsetBytes()
	return crc32.ChecksumIEEE(h.data()[off : off+mapSizeBytes(n)])
}

// CalculateEraseCountCRC covers the in-use portion of the erase count
// array, reading through the cache since it may span blocks.
func (h VolumeHeader) CalculateEraseCountCRC(mb MapBlock) (uint32, error) {
	n := h.NumMapEntries()
	buf := make([]byte, 4*n)
	for i := 0; i < n; i++ {
		ec, err := h.EraseCount(mb, i)
		if err != nil {
			return 0, err
		}
		binary.LittleEndian.PutUint32(buf[4*i:], ec)
	}
	return crc32.ChecksumIEEE(buf), nil
}
