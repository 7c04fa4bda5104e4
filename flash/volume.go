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
 * The Volume layer locates and allocates large discontiguous regions of
 * flash.  A volume can hold an ELF program, a log-structured filesystem,
 * or the pre-erase log.
 *
 * Volumes support enumeration (scan every map block for a valid header),
 * referencing (pin the map and read the payload through the block cache),
 * deletion (rewrite the type code in place so erase counts survive), and
 * allocation (reclaim deleted map blocks through the recycler).
 */

package flash

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"cubefw.org/core/util"
)

// Volume is one discontiguous region of flash, named by its header block.
// No volume contents are held in RAM; everything goes through the cache.
type Volume struct {
	Block MapBlock
}

// VolumeHandle is the opaque 32-bit volume identifier handed to untrusted
// programs.  The low 24 bits are a keyed hash of the block code, so stale
// or fabricated handles are rejected before they can name a real volume.
type VolumeHandle uint32

// HandleSalt keys volume handles.  Hosts may randomize it at boot; tests
// leave the default so handles are reproducible.
var HandleSalt uint64 = 0x74666953

func (v Volume) Handle() VolumeHandle {
	var seed [9]byte
	binary.LittleEndian.PutUint64(seed[:8], HandleSalt)
	seed[8] = v.Block.Code
	h := uint32(xxhash.Sum64(seed[:])) & 0xFFFFFF
	return VolumeHandle(uint32(v.Block.Code)<<24 | h)
}

// VolumeFromHandle recovers a volume from an untrusted handle.  The result
// must still be checked with IsValid.
func VolumeFromHandle(h VolumeHandle) (Volume, bool) {
	v := Volume{Block: MapBlock{Code: uint8(h >> 24)}}
	if !v.Block.IsValid() || v.Handle() != h {
		return Volume{}, false
	}
	return v, true
}

// IsValid checks the header prefix and both CRCs.  The map CRC is skipped
// for recyclable volumes, since their map entries are invalidated one at a
// time as blocks are reclaimed.
func (v Volume) IsValid() bool {
	if !v.Block.IsValid() {
		return false
	}

	hdr, ref, err := GetVolumeHeader(v.Block)
	if err != nil {
		return false
	}
	defer ref.Release()

	if !hdr.IsValid() {
		return false
	}

	typ := hdr.Type()
	if typ != TypeDeleted && typ != TypeIncomplete &&
		hdr.MapCRC() != hdr.CalculateMapCRC() {
		return false
	}

	eraseCRC, err := hdr.CalculateEraseCountCRC(v.Block)
	if err != nil || hdr.EraseCRC() != eraseCRC {
		return false
	}

	return true
}

func (v Volume) Type() (uint16, error) {
	hdr, ref, err := GetVolumeHeader(v.Block)
	if err != nil {
		return 0, err
	}
	defer ref.Release()

	if !hdr.IsValid() {
		return 0, util.FmtCoreError("bad volume header in block %d",
			v.Block.Code)
	}
	return hdr.Type(), nil
}

func (v Volume) Parent() (MapBlock, error) {
	hdr, ref, err := GetVolumeHeader(v.Block)
	if err != nil {
		return MapBlock{}, err
	}
	defer ref.Release()
	return hdr.Parent(), nil
}

// readMap copies the volume's map entries out of the header block.
func (v Volume) readMap() ([]MapBlock, VolumeHeader, BlockRef, error) {
	hdr, ref, err := GetVolumeHeader(v.Block)
	if err != nil {
		return nil, VolumeHeader{}, BlockRef{}, err
	}

	n := hdr.NumMapEntries()
	blocks := make([]MapBlock, n)
	for i := 0; i < n; i++ {
		blocks[i] = hdr.MapEntry(i)
	}
	return blocks, hdr, ref, nil
}

// Payload returns a span over the volume's payload blocks.
func (v Volume) Payload() (Span, error) {
	blocks, hdr, ref, err := v.readMap()
	if err != nil {
		return Span{}, err
	}
	defer ref.Release()

	return NewSpan(blocks, hdr.PayloadOffsetBlocks(), hdr.PayloadBlocks()), nil
}

// TypeSpecificData copies the volume's type-specific data area.
func (v Volume) TypeSpecificData() ([]byte, error) {
	hdr, ref, err := GetVolumeHeader(v.Block)
	if err != nil {
		return nil, err
	}
	defer ref.Release()

	out := make([]byte, hdr.DataBytes())
	copy(out, hdr.TypeData())
	return out, nil
}

// MarkDeleted rewrites the type pair to T_DELETED in place.  No blocks are
// erased, so every erase count survives for the recycler.
func (v Volume) MarkDeleted() error {
	hdr, ref, err := GetVolumeHeader(v.Block)
	if err != nil {
		return err
	}
	defer ref.Release()

	var w BlockWriter
	if err := w.BeginRef(ref); err != nil {
		return err
	}
	hdr.SetType(TypeDeleted)
	return w.CommitBlock()
}

// Delete marks this volume deleted along with any volumes parented to it,
// recursively.  A stored object namespace dies with its owner.
func (v Volume) Delete() error {
	if err := v.MarkDeleted(); err != nil {
		return err
	}

	var it VolumeIter
	it.Begin()
	for {
		child, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		parent, err := child.Parent()
		if err != nil {
			return err
		}
		if parent.Code == v.Block.Code {
			if err := child.Delete(); err != nil {
				return err
			}
		}
	}
}

// VolumeIter finds every valid volume on the device by scanning map blocks
// in ascending order.  Because a volume's header always occupies its
// lowest-numbered block, the header is discovered before any payload block
// could be misread as one.
type VolumeIter struct {
	remaining MapBlockSet
}

func (it *VolumeIter) Begin() {
	it.remaining.MarkAll()
}

func (it *VolumeIter) Next() (Volume, bool, error) {
	for {
		index, ok := it.remaining.ClearFirst()
		if !ok {
			return Volume{}, false, nil
		}

		v := Volume{Block: MapBlockFromIndex(index)}
		if !v.IsValid() {
			continue
		}

		// Don't visit any future blocks that are part of this volume.
		blocks, _, ref, err := v.readMap()
		if err != nil {
			return Volume{}, false, err
		}
		for _, mb := range blocks {
			if mb.IsValid() {
				it.remaining.Clear(mb.Index())
			}
		}
		ref.Release()

		return v, true, nil
	}
}

// FindVolume returns the first valid volume of the given type.
func FindVolume(typ uint16) (Volume, bool, error) {
	var it VolumeIter
	it.Begin()
	for {
		v, ok, err := it.Next()
		if err != nil || !ok {
			return Volume{}, false, err
		}
		t, err := v.Type()
		if err != nil {
			return Volume{}, false, err
		}
		if t == typ {
			return v, true, nil
		}
	}
}
