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
 * Virtual address translation for the VM: 32 KiB of user RAM at a fixed
 * base, plus two read-only flash segments mapped from volume payloads.
 * Translation enforces read/write/execute permissions; executable
 * mappings additionally require the target to be inside the region the
 * static validator certified for its block.
 */

package svm

import (
	"encoding/binary"

	"cubefw.org/core/flash"
)

type Memory struct {
	ram [RAMSizeInBytes]byte

	seg    [NumFlashSegments]flash.Span
	segSet [NumFlashSegments]bool
}

// Reset clears RAM and drops segment mappings.
func (m *Memory) Reset() {
	for i := range m.ram {
		m.ram[i] = 0
	}
	m.segSet[0] = false
	m.segSet[1] = false
}

// SetSegment maps a volume payload span as flash segment i.
func (m *Memory) SetSegment(i int, span flash.Span) {
	m.seg[i] = span
	m.segSet[i] = true
}

// RAM exposes the backing store for tests and debugger RAM access.
func (m *Memory) RAM() []byte {
	return m.ram[:]
}

func segmentBase(i int) Reg {
	if i == 0 {
		return Segment0VA
	}
	return Segment1VA
}

// MapRAM translates a virtual address range into a mutable byte slice.
// Note that with length 0, the address just past the end of RAM is valid,
// and the extent check must hold for any possible 32-bit length.
func (m *Memory) MapRAM(va Reg, length uint32) ([]byte, bool) {
	offset := uint32(va) - VirtualRAMBase
	if offset > RAMSizeInBytes || length > RAMSizeInBytes-offset {
		return nil, false
	}
	return m.ram[offset : offset+length], true
}

// segOffset finds which flash segment covers va, if any.
func (m *Memory) segOffset(va Reg) (int, uint32, bool) {
	for i := 0; i < NumFlashSegments; i++ {
		if !m.segSet[i] {
			continue
		}
		// 32-bit virtual arithmetic: junk in the upper bits of va wraps
		// out of range rather than aliasing a segment.
		offset := uint32(va) - uint32(segmentBase(i))
		if m.seg[i].OffsetIsValid(offset) {
			return i, offset, true
		}
	}
	return 0, 0, false
}

// CheckRO reports whether the whole range is readable: RAM or either
// flash segment.
func (m *Memory) CheckRO(va Reg, length uint32) bool {
	if _, ok := m.MapRAM(va, length); ok {
		return true
	}
	i, offset, ok := m.segOffset(va)
	if !ok {
		return false
	}
	return length <= m.seg[i].SizeInBytes()-offset
}

// MapRO translates a read-only range.  For flash addresses, the returned
// slice is clamped to the covering cache block and ref is left holding a
// pin on it; the caller releases.  RAM addresses don't pin anything.
func (m *Memory) MapRO(ref *flash.BlockRef, va Reg, length uint32) ([]byte, bool) {
	if pa, ok := m.MapRAM(va, length); ok {
		return pa, true
	}

	i, offset, ok := m.segOffset(va)
	if !ok {
		return nil, false
	}

	r, chunk, err := m.seg[i].GetBytes(offset, length)
	if err != nil {
		return nil, false
	}
	ref.Release()
	*ref = r
	return chunk, true
}

// MapROCode maps one validated code location in flash segment 0.  The two
// LSBs and eight MSBs of va are ignored; real branch targets are 32-bit
// aligned and some callers use those bits for other purposes.
//
// The returned slice never extends into an unvalidated region: a literal
// pool past the certified bundles cannot be reached as code.
func (m *Memory) MapROCode(ref *flash.BlockRef, va Reg) ([]byte, bool) {
	flashOffset := uint32(va) & 0xFFFFFC

	if !m.segSet[0] {
		return nil, false
	}

	r, err := m.seg[0].GetBlockRef(flashOffset &^ BlockMask)
	if err != nil {
		return nil, false
	}

	if r.CodeBundles() < 0 {
		r.SetCodeBundles(Validate(r.Data()))
	}

	blockOffset := flashOffset & BlockMask
	if blockOffset >= uint32(r.CodeBundles())*BundleSize {
		r.Release()
		return nil, false
	}

	ref.Release()
	*ref = r
	return r.Data()[blockOffset:], true
}

// CopyRO bulk-copies from RAM or flash into a host buffer.
func (m *Memory) CopyRO(dst []byte, va Reg) bool {
	if pa, ok := m.MapRAM(va, uint32(len(dst))); ok {
		copy(dst, pa)
		return true
	}

	i, offset, ok := m.segOffset(va)
	if !ok {
		return false
	}
	if uint32(len(dst)) > m.seg[i].SizeInBytes()-offset {
		return false
	}
	return m.seg[i].CopyBytes(offset, dst) == nil
}

// StrlcpyRO copies a NUL-terminated string out of RAM or flash, bounded
// by maxLen bytes of destination.
func (m *Memory) StrlcpyRO(va Reg, maxLen int) (string, bool) {
	out := make([]byte, 0, maxLen)
	var b [1]byte

	for len(out) < maxLen-1 {
		if !m.CopyRO(b[:], va) {
			return "", false
		}
		if b[0] == 0 {
			break
		}
		out = append(out, b[0])
		va++
	}
	return string(out), true
}

// Preload hints the cache to fetch the block covering va.
func (m *Memory) Preload(va Reg) bool {
	i, offset, ok := m.segOffset(va)
	if !ok {
		return false
	}
	m.seg[i].PreloadBlock(offset)
	return true
}

// Load reads a size-byte little-endian value from RAM or flash.
func (m *Memory) Load(va Reg, size uint32) (uint32, bool) {
	if pa, ok := m.MapRAM(va, size); ok {
		return loadLE(pa, size), true
	}

	var buf [4]byte
	if !m.CheckRO(va, size) || !m.CopyRO(buf[:size], va) {
		return 0, false
	}
	return loadLE(buf[:size], size), true
}

// Store writes a size-byte little-endian value.  Stores are legal only in
// user RAM.
func (m *Memory) Store(va Reg, size uint32, value uint32) bool {
	pa, ok := m.MapRAM(va, size)
	if !ok {
		return false
	}
	switch size {
	case 1:
		pa[0] = uint8(value)
	case 2:
		binary.LittleEndian.PutUint16(pa, uint16(value))
	default:
		binary.LittleEndian.PutUint32(pa, value)
	}
	return true
}

func loadLE(b []byte, size uint32) uint32 {
	switch size {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	default:
		return binary.LittleEndian.Uint32(b)
	}
}

// IsAddrAligned reports natural alignment of va.
func IsAddrAligned(va Reg, align uint32) bool {
	return uint32(va)&(align-1) == 0
}
