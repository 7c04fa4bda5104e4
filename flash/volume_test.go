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
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDevice(t *testing.T) *MemDevice {
	t.Helper()
	dev := NewMemDevice()
	Attach(dev)
	t.Cleanup(Detach)
	return dev
}

func writeVolume(t *testing.T, typ uint16, payload []byte) Volume {
	t.Helper()
	var vw VolumeWriter
	require.NoError(t, vw.Begin(typ, len(payload), 0, InvalidMapBlock()))
	require.NoError(t, vw.Append(payload))
	require.NoError(t, vw.Commit())
	return vw.Volume
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i*7)
	}
	return out
}

func listVolumes(t *testing.T) []Volume {
	t.Helper()
	var out []Volume
	var it VolumeIter
	it.Begin()
	for {
		v, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func TestVolumeRoundTrip(t *testing.T) {
	newTestDevice(t)

	payload := pattern(100000, 3)
	vol := writeVolume(t, TypeAppBase+1, payload)

	vols := listVolumes(t)
	require.Len(t, vols, 1)
	require.Equal(t, vol.Block, vols[0].Block)

	typ, err := vols[0].Type()
	require.NoError(t, err)
	require.Equal(t, uint16(TypeAppBase+1), typ)

	span, err := vols[0].Payload()
	require.NoError(t, err)

	got := make([]byte, len(payload))
	require.NoError(t, span.CopyBytes(0, got))
	require.Equal(t, payload, got)
}

func TestVolumeHeaderIsLowestBlock(t *testing.T) {
	newTestDevice(t)

	// Multi-block volume: the header must occupy the lowest-numbered
	// map block, so enumeration can never misread payload as a header.
	vol := writeVolume(t, TypeAppBase, pattern(3*MapBlockSize/2, 1))

	blocks, _, ref, err := vol.readMap()
	require.NoError(t, err)
	defer ref.Release()

	require.Equal(t, vol.Block.Code, blocks[0].Code)
	for _, mb := range blocks[1:] {
		if mb.IsValid() {
			require.Greater(t, mb.Code, vol.Block.Code)
		}
	}
}

func TestVolumeDeleteAndRecycle(t *testing.T) {
	dev := newTestDevice(t)

	// Create A (1 block), B (2 blocks), C (1 block), and a filler that
	// soaks up all but one of the remaining blocks, so exactly one
	// orphan is left.  Then delete B.
	a := writeVolume(t, TypeAppBase, pattern(100, 1))
	b := writeVolume(t, TypeAppBase, pattern(MapBlockSize+100, 2))
	c := writeVolume(t, TypeAppBase, pattern(100, 3))

	// The filler's header spills into a second cache block, so its
	// payload is two cache blocks short of fillBlocks map blocks.
	fillBlocks := NumMapBlocks - 4 - 1
	fill := writeVolume(t, TypeAppBase,
		pattern((fillBlocks*CacheBlocksPerMapBlock-2)*CacheBlockSize, 8))
	require.True(t, fill.IsValid())

	require.NoError(t, b.MarkDeleted())

	bBlocks, _, bRef, err := b.readMap()
	require.NoError(t, err)
	bCodes := map[uint8]bool{}
	for _, mb := range bBlocks {
		bCodes[mb.Code] = true
	}
	bRef.Release()

	ecBefore := make([]uint32, NumMapBlocks)
	copy(ecBefore, dev.EraseCounts)

	// Allocate D (3 blocks): it must occupy B's two blocks plus the one
	// orphan, each erased exactly once more.
	d := writeVolume(t, TypeAppBase, pattern(2*MapBlockSize+100, 4))
	require.True(t, d.IsValid())

	dBlocks, _, dRef, err := d.readMap()
	require.NoError(t, err)
	defer dRef.Release()

	reused := 0
	for _, mb := range dBlocks {
		require.True(t, mb.IsValid())
		if bCodes[mb.Code] {
			reused++
		}
		require.Equal(t, ecBefore[mb.Index()]+1,
			dev.EraseCounts[mb.Index()])
	}
	require.Equal(t, 2, reused)

	// A and C are untouched.
	require.True(t, a.IsValid())
	require.True(t, c.IsValid())
	typ, err := a.Type()
	require.NoError(t, err)
	require.Equal(t, uint16(TypeAppBase), typ)
}

func TestStoredEraseCountsMatchDevice(t *testing.T) {
	dev := newTestDevice(t)

	// First make every block reachable, so no block ever carries an
	// averaged orphan estimate.  Single-block volumes fill the device.
	var vols []Volume
	for {
		var vw VolumeWriter
		if err := vw.Begin(TypeAppBase, 100, 0, InvalidMapBlock()); err != nil {
			break
		}
		require.NoError(t, vw.Commit())
		vols = append(vols, vw.Volume)
	}
	require.NotEmpty(t, vols)

	// Create/delete cycles recycle tracked blocks only; stored erase
	// counts must equal the device's ground truth for the final volume.
	for i := 0; i < 4; i++ {
		require.NoError(t, vols[i].MarkDeleted())
	}
	for i := 0; i < 5; i++ {
		v := writeVolume(t, TypeAppBase, pattern(MapBlockSize, byte(i)))
		require.NoError(t, v.MarkDeleted())
	}
	v := writeVolume(t, TypeAppBase, pattern(MapBlockSize, 0xAA))

	blocks, hdr, ref, err := v.readMap()
	require.NoError(t, err)
	defer ref.Release()

	for i, mb := range blocks {
		ec, err := hdr.EraseCount(v.Block, i)
		require.NoError(t, err)
		require.Equal(t, dev.EraseCounts[mb.Index()], ec,
			"block %d", mb.Code)
	}
}

func TestCrashDuringVolumeWrite(t *testing.T) {
	// Crash the device at every possible write, from the first on.  At
	// no point may a previously committed volume be corrupted, and the
	// partial volume must read back as incomplete or not at all.
	for failAt := 0; ; failAt++ {
		dev := NewMemDevice()
		Attach(dev)

		good := writeVolume(t, TypeAppBase, pattern(1000, 9))

		writes := 0
		dev.WriteHook = func(addr uint32, buf []byte) bool {
			writes++
			return writes <= failAt
		}

		var vw VolumeWriter
		err := vw.Begin(TypeAppBase+1, MapBlockSize, 0, InvalidMapBlock())
		if err == nil {
			err = vw.Append(pattern(MapBlockSize, 7))
		}
		if err == nil {
			err = vw.Commit()
		}

		crashed := dev.Dead
		dev.WriteHook = nil

		// Re-enumerate from scratch, as after a reboot.
		invalidateCache()
		require.True(t, good.IsValid(), "failAt=%d", failAt)

		span, err := good.Payload()
		require.NoError(t, err)
		got := make([]byte, 1000)
		require.NoError(t, span.CopyBytes(0, got))
		require.Equal(t, pattern(1000, 9), got, "failAt=%d", failAt)

		for _, v := range listVolumes(t) {
			typ, err := v.Type()
			require.NoError(t, err)
			if v.Block == good.Block {
				continue
			}
			require.Contains(t,
				[]uint16{TypeDeleted, TypeIncomplete, TypeAppBase + 1},
				typ, "failAt=%d", failAt)
		}

		Detach()
		if !crashed {
			// The writer got all its writes through; nothing left to
			// test.
			return
		}
	}
}

func TestVolumeHandles(t *testing.T) {
	newTestDevice(t)

	vol := writeVolume(t, TypeAppBase, pattern(64, 1))
	h := vol.Handle()

	back, ok := VolumeFromHandle(h)
	require.True(t, ok)
	require.Equal(t, vol.Block, back.Block)

	// Tampered handles are rejected.
	_, ok = VolumeFromHandle(h ^ 0x1)
	require.False(t, ok)
	_, ok = VolumeFromHandle(h ^ 0x01000000)
	require.False(t, ok)
}

func TestDeleteCascadesToChildren(t *testing.T) {
	newTestDevice(t)

	parent := writeVolume(t, TypeAppBase, pattern(64, 1))

	var vw VolumeWriter
	require.NoError(t, vw.Begin(TypeLFS, 4096, lfsTypeDataBytes,
		parent.Block))
	require.NoError(t, vw.Commit())
	child := vw.Volume

	require.NoError(t, parent.Delete())

	typ, err := child.Type()
	require.NoError(t, err)
	require.Equal(t, uint16(TypeDeleted), typ)
}
