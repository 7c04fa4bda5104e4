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
	"cubefw.org/core/util"
)

// Number of cache blocks in the arena.  Must cover the deepest chain of
// simultaneously held references: volume header + map + erase counts +
// payload + LFS index iteration.
const NumCacheBlocks = 32

// A block is either unused, bound to a device address, or anonymous
// (staging memory for a write whose final address isn't known yet).
type cacheBlock struct {
	addr      uint32
	data      [CacheBlockSize]byte
	refs      int
	inUse     bool
	anonymous bool

	// Count of code bundles certified by the instruction validator, or -1
	// if this block has not been validated.  Owned by the svm package.
	codeBundles int
}

var cacheBlocks [NumCacheBlocks]cacheBlock
var cacheClock int

// BlockRef is a reference-counted handle to one cache block.  A held
// reference pins the block in the cache.  The zero value is not held.
type BlockRef struct {
	b *cacheBlock
}

func (r BlockRef) IsHeld() bool {
	return r.b != nil
}

func (r BlockRef) Address() uint32 {
	return r.b.addr
}

func (r BlockRef) Data() []byte {
	return r.b.data[:]
}

func (r BlockRef) CodeBundles() int {
	return r.b.codeBundles
}

func (r BlockRef) SetCodeBundles(n int) {
	r.b.codeBundles = n
}

// Release drops the reference.  Safe to call on a zero ref, and safe to
// call more than once.
func (r *BlockRef) Release() {
	if r.b != nil {
		r.b.refs--
		r.b = nil
	}
}

func invalidateCache() {
	for i := range cacheBlocks {
		cacheBlocks[i] = cacheBlock{}
	}
	cacheClock = 0
}

// Find an existing cache entry for addr, or recycle an unpinned one.
func cacheLookup(addr uint32) (*cacheBlock, bool, error) {
	for i := range cacheBlocks {
		b := &cacheBlocks[i]
		if b.inUse && !b.anonymous && b.addr == addr {
			return b, true, nil
		}
	}

	for n := 0; n < NumCacheBlocks; n++ {
		b := &cacheBlocks[cacheClock]
		cacheClock = (cacheClock + 1) % NumCacheBlocks
		if b.refs == 0 {
			*b = cacheBlock{addr: addr, inUse: true, codeBundles: -1}
			return b, false, nil
		}
	}

	return nil, false, util.NewCoreError("flash block cache exhausted")
}

// GetBlock returns a pinned reference to the cache block covering addr.
// The address is rounded down to a cache block boundary.
func GetBlock(addr uint32) (BlockRef, error) {
	addr &^= CacheBlockMask

	b, hit, err := cacheLookup(addr)
	if err != nil {
		return BlockRef{}, err
	}

	if !hit {
		if err := dev.Read(addr, b.data[:]); err != nil {
			b.inUse = false
			return BlockRef{}, err
		}
	}

	b.refs++
	return BlockRef{b: b}, nil
}

// AnonymousBlock returns a pinned reference to a fresh block with no device
// address, initialized to the erased pattern.
func AnonymousBlock() (BlockRef, error) {
	for n := 0; n < NumCacheBlocks; n++ {
		b := &cacheBlocks[cacheClock]
		cacheClock = (cacheClock + 1) % NumCacheBlocks
		if b.refs == 0 {
			*b = cacheBlock{inUse: true, anonymous: true, codeBundles: -1}
			for i := range b.data {
				b.data[i] = 0xFF
			}
			b.refs++
			return BlockRef{b: b}, nil
		}
	}
	return BlockRef{}, util.NewCoreError("flash block cache exhausted")
}

// Preload hints that the block covering addr will be needed soon.
func Preload(addr uint32) {
	ref, err := GetBlock(addr)
	if err == nil {
		ref.Release()
	}
}

// Program bytes through the device and keep any cached copy coherent.
func deviceWrite(addr uint32, buf []byte) error {
	if err := dev.Write(addr, buf); err != nil {
		return err
	}

	for i := range cacheBlocks {
		b := &cacheBlocks[i]
		if !b.inUse || b.anonymous {
			continue
		}
		lo := int64(addr) - int64(b.addr)
		for j := range buf {
			off := lo + int64(j)
			if off >= 0 && off < CacheBlockSize {
				b.data[off] &= buf[j]
			}
		}
	}
	return nil
}

// Erase one map block and drop stale cached copies of its contents.
func eraseMapBlock(mb MapBlock) error {
	if err := dev.EraseBlock(mb.Index()); err != nil {
		return err
	}

	base := mb.Address()
	for i := range cacheBlocks {
		b := &cacheBlocks[i]
		if !b.inUse || b.anonymous {
			continue
		}
		if b.addr >= base && b.addr < base+MapBlockSize {
			if b.refs == 0 {
				b.inUse = false
			} else {
				for j := range b.data {
					b.data[j] = 0xFF
				}
				b.codeBundles = -1
			}
		}
	}
	return nil
}

// BlockWriter aggregates modifications to one cache block at a time and
// programs them to the device on commit.  Switching blocks commits the
// previous one implicitly.
type BlockWriter struct {
	Ref   BlockRef
	dirty bool
}

func (w *BlockWriter) BeginBlock(addr uint32) error {
	addr &^= CacheBlockMask
	if w.Ref.IsHeld() && !w.Ref.b.anonymous && w.Ref.Address() == addr {
		return nil
	}
	if err := w.CommitBlock(); err != nil {
		return err
	}

	ref, err := GetBlock(addr)
	if err != nil {
		return err
	}
	w.Ref = ref
	w.dirty = true
	return nil
}

// BeginRef adopts an already-held reference, taking an extra pin on it.
func (w *BlockWriter) BeginRef(ref BlockRef) error {
	if w.Ref.b == ref.b {
		w.dirty = true
		return nil
	}
	if err := w.CommitBlock(); err != nil {
		return err
	}
	ref.b.refs++
	w.Ref = BlockRef{b: ref.b}
	w.dirty = true
	return nil
}

func (w *BlockWriter) BeginAnonymous() error {
	if err := w.CommitBlock(); err != nil {
		return err
	}
	ref, err := AnonymousBlock()
	if err != nil {
		return err
	}
	w.Ref = ref
	w.dirty = true
	return nil
}

// Relocate binds an anonymous staging block to its final device address.
func (w *BlockWriter) Relocate(addr uint32) {
	w.Ref.b.addr = addr &^ CacheBlockMask
	w.Ref.b.anonymous = false
}

func (w *BlockWriter) CommitBlock() error {
	if !w.Ref.IsHeld() {
		return nil
	}
	var err error
	if w.dirty && !w.Ref.b.anonymous {
		err = dev.Write(w.Ref.Address(), w.Ref.Data())
	}
	w.dirty = false
	w.Ref.Release()
	return err
}
