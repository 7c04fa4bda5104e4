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

package flash

import (
	"encoding/binary"
	"hash/crc32"

	"cubefw.org/core/util"
)

// VolumeWriter tracks the multi-step process of writing a volume for the
// first time.  All blocks are allocated under the T_INCOMPLETE type, so a
// crash mid-write leaves a recyclable volume whose erase counts are
// intact; Commit flips the type to its real value as the single atomic
// step that makes the volume live.
type VolumeWriter struct {
	Volume Volume

	typ           uint16
	payloadOffset uint32
	span          Span
	payloadWriter BlockWriter
}

func (w *VolumeWriter) Begin(typ uint16, payloadBytes, hdrDataBytes int,
	parent MapBlock) error {

	// The real type isn't written until Commit.
	w.typ = typ

	if hdrDataBytes > MaxMappableDataBytes {
		return util.FmtCoreError("volume type data too large: %d",
			hdrDataBytes)
	}

	// Stage the header in an anonymous block; we don't know its address
	// until allocation decides which block has the lowest code.
	var hdrWriter BlockWriter
	if err := hdrWriter.BeginAnonymous(); err != nil {
		return err
	}
	defer hdrWriter.Ref.Release()

	hdr := HeaderFromRef(hdrWriter.Ref)
	payloadBlocks := ceildiv(payloadBytes, CacheBlockSize)
	hdr.Init(TypeIncomplete, payloadBlocks, hdrDataBytes, parent)

	numEntries := numMapEntries(payloadBlocks, hdrDataBytes)
	eraseCounts := make([]EraseCount, numEntries)

	recycler, err := NewRecycler(true)
	if err != nil {
		return err
	}

	allocated := 0
	for i := 0; i < numEntries; i++ {
		block, ec, erased, ok, err := recycler.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		if !erased {
			if err := block.Erase(); err != nil {
				return err
			}
			ec++
		}

		// The header must land in the lowest-numbered block, otherwise
		// enumeration could find a payload block first and misread its
		// contents as a volume header.
		if i > 0 && block.Code < hdr.MapEntry(0).Code {
			hdr.SetMapEntry(i, hdr.MapEntry(0))
			hdr.SetMapEntry(0, block)
			eraseCounts[i] = eraseCounts[0]
			eraseCounts[0] = ec
		} else {
			hdr.SetMapEntry(i, block)
			eraseCounts[i] = ec
		}
		allocated++
	}

	if err := recycler.Commit(); err != nil {
		return err
	}

	if allocated == 0 {
		return util.NewCoreError("flash device is full")
	}

	w.Volume = Volume{Block: hdr.MapEntry(0)}
	w.payloadOffset = 0

	// Even a failed allocation commits a well-formed T_INCOMPLETE header,
	// so the erase counts of everything we did allocate survive.
	hdrWriter.Relocate(w.Volume.Block.Address())
	hdr.SetMapCRC(hdr.CalculateMapCRC())

	// Slots we failed to allocate stay in the erased state; the CRC covers
	// them as such so the incomplete volume still enumerates.
	ecBytes := make([]byte, 4*numEntries)
	for i := range ecBytes {
		ecBytes[i] = 0xFF
	}
	for i := 0; i < allocated; i++ {
		binary.LittleEndian.PutUint32(ecBytes[4*i:], eraseCounts[i])
	}
	hdr.SetEraseCRC(crc32.ChecksumIEEE(ecBytes))

	// Erase counts may spill past the header's cache block.  Counts that
	// fit go into the staged header; the rest are programmed into the
	// freshly erased area directly, before the header commit makes the
	// volume discoverable.
	for i := 0; i < numEntries; i++ {
		addr := hdr.EraseCountAddress(w.Volume.Block, i)
		if addr < w.Volume.Block.Address()+CacheBlockSize {
			copy(hdr.data()[addr&CacheBlockMask:], ecBytes[4*i:4*i+4])
		} else {
			if err := deviceWrite(addr, ecBytes[4*i:4*i+4]); err != nil {
				return err
			}
		}
	}

	if err := hdrWriter.CommitBlock(); err != nil {
		return err
	}

	if allocated < numEntries {
		return util.FmtCoreError(
			"flash device is full (%d of %d blocks allocated)",
			allocated, numEntries)
	}

	span, err := w.Volume.Payload()
	if err != nil {
		return err
	}
	w.span = span

	return nil
}

// Append writes payload bytes sequentially.
func (w *VolumeWriter) Append(bytes []byte) error {
	for len(bytes) > 0 {
		ref, chunk, err := w.span.GetBytes(w.payloadOffset,
			uint32(len(bytes)))
		if err != nil {
			return err
		}

		if err := w.payloadWriter.BeginRef(ref); err != nil {
			ref.Release()
			return err
		}
		n := copy(chunk, bytes)
		ref.Release()

		bytes = bytes[n:]
		w.payloadOffset += uint32(n)
	}
	return nil
}

// Commit finishes the payload and rewrites the header with the real type.
func (w *VolumeWriter) Commit() error {
	if err := w.payloadWriter.CommitBlock(); err != nil {
		return err
	}

	hdr, ref, err := GetVolumeHeader(w.Volume.Block)
	if err != nil {
		return err
	}
	defer ref.Release()

	var hdrWriter BlockWriter
	if err := hdrWriter.BeginRef(ref); err != nil {
		return err
	}
	hdr.SetType(w.typ)
	return hdrWriter.CommitBlock()
}

// WriteTypeData programs bytes into the volume's type-specific data area.
// The area starts out erased and is not CRC-covered, so owners may fill it
// in incrementally; writes can only clear bits.
func (v Volume) WriteTypeData(off int, bytes []byte) error {
	hdr, ref, err := GetVolumeHeader(v.Block)
	if err != nil {
		return err
	}
	defer ref.Release()

	if off+len(bytes) > hdr.DataBytes() {
		return util.FmtCoreError("type data write out of range: %d+%d",
			off, len(bytes))
	}
	return deviceWrite(hdr.TypeDataAddress(v.Block)+uint32(off), bytes)
}
