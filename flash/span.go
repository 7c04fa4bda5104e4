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
	"io"

	"cubefw.org/core/util"
)

// Span is a read view over a range of cache blocks within one volume's
// discontiguous map.  Byte offsets within the span are linear; the span
// translates them through the map to device addresses.
type Span struct {
	blocks     []MapBlock
	firstBlock int // offset into the volume, in cache blocks
	numBlocks  int // length, in cache blocks
}

func NewSpan(blocks []MapBlock, firstBlock, numBlocks int) Span {
	return Span{blocks: blocks, firstBlock: firstBlock, numBlocks: numBlocks}
}

func (s Span) SizeInBytes() uint32 {
	return uint32(s.numBlocks) * CacheBlockSize
}

func (s Span) OffsetIsValid(off uint32) bool {
	return off < s.SizeInBytes()
}

// FlashAddr translates a span byte offset to a device address.
func (s Span) FlashAddr(off uint32) (uint32, error) {
	if !s.OffsetIsValid(off) {
		return 0, util.FmtCoreError("span offset 0x%x out of range", off)
	}

	cb := s.firstBlock + int(off/CacheBlockSize)
	entry := cb / CacheBlocksPerMapBlock
	within := cb % CacheBlocksPerMapBlock

	mb := s.blocks[entry]
	if !mb.IsValid() {
		return 0, util.FmtCoreError("span crosses invalidated map entry %d",
			entry)
	}

	return mb.Address() +
		uint32(within)*CacheBlockSize +
		off&CacheBlockMask, nil
}

// OffsetForAddr is the inverse of FlashAddr: given a device address, find
// the span offset it corresponds to, if any.
func (s Span) OffsetForAddr(addr uint32) (uint32, bool) {
	for entry, mb := range s.blocks {
		if !mb.IsValid() {
			continue
		}
		base := mb.Address()
		if addr >= base && addr < base+MapBlockSize {
			cb := int(addr-base) / CacheBlockSize
			off := (entry*CacheBlocksPerMapBlock + cb - s.firstBlock) * CacheBlockSize
			if off < 0 || off >= int(s.SizeInBytes()) {
				return 0, false
			}
			return uint32(off) + addr&CacheBlockMask, true
		}
	}
	return 0, false
}

// GetBytes returns a pinned reference covering the bytes at off, plus a
// slice into the block data.  The slice is clamped to the remaining bytes
// in the covering cache block and to maxLen.
func (s Span) GetBytes(off uint32, maxLen uint32) (BlockRef, []byte, error) {
	addr, err := s.FlashAddr(off)
	if err != nil {
		return BlockRef{}, nil, err
	}

	ref, err := GetBlock(addr)
	if err != nil {
		return BlockRef{}, nil, err
	}

	blockOff := addr & CacheBlockMask
	avail := uint32(CacheBlockSize) - blockOff
	if rest := s.SizeInBytes() - off; rest < avail {
		avail = rest
	}
	if maxLen < avail {
		avail = maxLen
	}

	return ref, ref.Data()[blockOff : blockOff+avail], nil
}

// GetBlockRef returns a pinned reference to the cache block covering off.
func (s Span) GetBlockRef(off uint32) (BlockRef, error) {
	addr, err := s.FlashAddr(off &^ CacheBlockMask)
	if err != nil {
		return BlockRef{}, err
	}
	return GetBlock(addr)
}

// CopyBytes reads len(dst) bytes starting at off.
func (s Span) CopyBytes(off uint32, dst []byte) error {
	for len(dst) > 0 {
		ref, chunk, err := s.GetBytes(off, uint32(len(dst)))
		if err != nil {
			return err
		}
		n := copy(dst, chunk)
		ref.Release()
		dst = dst[n:]
		off += uint32(n)
	}
	return nil
}

func (s Span) PreloadBlock(off uint32) {
	if addr, err := s.FlashAddr(off &^ CacheBlockMask); err == nil {
		Preload(addr)
	}
}

// ReadAt lets a span act as an io.ReaderAt, which is how the ELF loader
// consumes volume payloads.
func (s Span) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(s.SizeInBytes()) {
		return 0, io.EOF
	}
	n := len(p)
	if rest := int64(s.SizeInBytes()) - off; int64(n) > rest {
		n = int(rest)
	}
	if err := s.CopyBytes(uint32(off), p[:n]); err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
