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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLFS(t *testing.T) *LFS {
	t.Helper()
	newTestDevice(t)
	parent := writeVolume(t, TypeAppBase, pattern(64, 0x51))
	lfs, err := OpenLFS(parent)
	require.NoError(t, err)
	return lfs
}

func fill(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestObjectWriteReadRoundTrip(t *testing.T) {
	lfs := newTestLFS(t)

	require.NoError(t, lfs.WriteObject(5, fill(16, 0xAA)))

	body, found, err := lfs.ReadObject(5)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, fill(16, 0xAA), body)

	_, found, err = lfs.ReadObject(6)
	require.NoError(t, err)
	require.False(t, found)
}

func TestNewestVersionWins(t *testing.T) {
	lfs := newTestLFS(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, lfs.WriteObject(7, fill(32, byte(i))))
	}

	body, found, err := lfs.ReadObject(7)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, fill(32, 9), body)
}

func TestTornWriteFallsBack(t *testing.T) {
	lfs := newTestLFS(t)

	require.NoError(t, lfs.WriteObject(5, fill(16, 0xAA)))

	// Begin a second version: the index record commits, but the body
	// never gets written, as after a power failure.
	_, err := lfs.NewObject(5, 16, ObjectCRC(fill(16, 0xBB)))
	require.NoError(t, err)

	// Reboot: the torn version's checksum fails, so the previous value
	// is still authoritative.
	invalidateCache()
	lfs2, err := OpenLFS(lfs.parent)
	require.NoError(t, err)

	body, found, err := lfs2.ReadObject(5)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, fill(16, 0xAA), body)
}

func TestPartialBodyFallsBack(t *testing.T) {
	lfs := newTestLFS(t)

	require.NoError(t, lfs.WriteObject(5, fill(16, 0xAA)))

	// The body gets half written before the power fails.
	addr, err := lfs.NewObject(5, 16, ObjectCRC(fill(16, 0xBB)))
	require.NoError(t, err)
	require.NoError(t, deviceWrite(addr, fill(8, 0xBB)))

	body, found, err := lfs.ReadObject(5)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, fill(16, 0xAA), body)
}

func TestObjectSizesAndKeys(t *testing.T) {
	lfs := newTestLFS(t)

	// Smallest and largest legal objects.
	require.NoError(t, lfs.WriteObject(0, fill(LFSMinObjSize, 1)))
	require.NoError(t, lfs.WriteObject(255, fill(LFSMaxObjSize, 2)))

	body, found, err := lfs.ReadObject(255)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, body, LFSMaxObjSize)

	// Unaligned and out-of-range sizes are rejected.
	_, err = lfs.NewObject(1, 17, 0)
	require.Error(t, err)
	_, err = lfs.NewObject(1, 0, 0)
	require.Error(t, err)
	_, err = lfs.NewObject(1, LFSMaxObjSize+16, 0)
	require.Error(t, err)
	_, err = lfs.NewObject(256, 16, 0)
	require.Error(t, err)
}

func TestManyKeysSurviveReopen(t *testing.T) {
	lfs := newTestLFS(t)

	for key := 0; key < 64; key++ {
		require.NoError(t, lfs.WriteObject(key, fill(16, byte(key))))
	}

	invalidateCache()
	lfs2, err := OpenLFS(lfs.parent)
	require.NoError(t, err)

	for key := 0; key < 64; key++ {
		body, found, err := lfs2.ReadObject(key)
		require.NoError(t, err)
		require.True(t, found, "key %d", key)
		require.Equal(t, fill(16, byte(key)), body, "key %d", key)
	}
}

func TestVolumeRingGrowsAndGC(t *testing.T) {
	lfs := newTestLFS(t)

	// Push enough versions through a few keys to spill into multiple
	// child volumes.
	big := LFSMaxObjSize
	for round := 0; round < 40; round++ {
		for key := 0; key < 4; key++ {
			require.NoError(t, lfs.WriteObject(key,
				fill(big, byte(round^key))))
		}
	}
	require.Greater(t, len(lfs.vols), 1,
		"expected the ring to grow past one volume")

	volsBefore := len(lfs.vols)
	require.NoError(t, lfs.CollectGarbage())
	require.Less(t, len(lfs.vols), volsBefore,
		"superseded volumes should have been collected")

	// Every key still reads its newest value.
	for key := 0; key < 4; key++ {
		body, found, err := lfs.ReadObject(key)
		require.NoError(t, err)
		require.True(t, found, "key %d", key)
		require.Equal(t, fill(big, byte(39^key)), body, "key %d", key)
	}
}

func TestMetaIndexSoundness(t *testing.T) {
	lfs := newTestLFS(t)

	for key := 0; key < 32; key += 2 {
		require.NoError(t, lfs.WriteObject(key, fill(16, byte(key))))
	}

	// Wherever a filter reports "definitely absent", the index block
	// really must not contain a valid record with that key.
	for _, child := range lfs.vols {
		raw, err := child.vol.TypeSpecificData()
		require.NoError(t, err)
		d := decodeLFSVolumeData(raw)

		span, err := child.vol.Payload()
		require.NoError(t, err)

		for row := 0; row < LFSNumRows; row++ {
			ib, err := lfs.parseIndexBlock(span, row)
			require.NoError(t, err)
			if !ib.hasAnchor {
				continue
			}
			for key := 0; key < LFSMaxKeys; key++ {
				if d.filters[row].Test(row, key) {
					continue // possibly present; no claim
				}
				for _, e := range ib.entries {
					require.NotEqual(t, key, int(e.rec.key),
						"filter claimed key %d absent from row %d", key, row)
				}
			}
		}
	}
}

func TestCheckByteRejectsErasedAndTorn(t *testing.T) {
	erased := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	require.True(t, lfsIsErased(erased))
	require.False(t, decodeLFSRecord(erased).isValid())

	rec := makeLFSRecord(5, 16, 0x1234)
	var buf [lfsRecordSize]byte
	rec.encode(buf[:])
	require.True(t, decodeLFSRecord(buf[:]).isValid())

	// A torn record with a damaged size field fails its check byte.
	buf[1] ^= 0x40
	require.False(t, decodeLFSRecord(buf[:]).isValid())
}

func TestKeyFilterBehavior(t *testing.T) {
	f := KeyFilter(0xFFFF)
	require.True(t, f.IsEmpty())

	// Before insertion: definitely absent.  After: possibly present.
	require.False(t, f.Test(3, 42))
	f = f.WithKey(3, 42)
	require.True(t, f.Test(3, 42))

	// Small counting keys get distinct buckets in every row.
	for row := 0; row < 4; row++ {
		seen := map[KeyFilter]bool{}
		for key := 0; key < 16; key++ {
			bit := filterBit(row, key)
			require.False(t, seen[bit], "row %d key %d collides", row, key)
			seen[bit] = true
		}
	}
}

func TestObjectsPackTightly(t *testing.T) {
	lfs := newTestLFS(t)

	require.NoError(t, lfs.WriteObject(1, fill(16, 0x11)))
	require.NoError(t, lfs.WriteObject(2, fill(16, 0x22)))

	a1, s1, found, err := lfs.FindObject(1)
	require.NoError(t, err)
	require.True(t, found)
	a2, s2, found, err := lfs.FindObject(2)
	require.NoError(t, err)
	require.True(t, found)

	require.Equal(t, 16, s1)
	require.Equal(t, 16, s2)
	require.Equal(t, a1+16, a2, "objects should be appended back to back")

	// Bodies land where FindObject says they are.
	var got [16]byte
	require.NoError(t, dev.Read(a1, got[:]))
	require.True(t, bytes.Equal(fill(16, 0x11), got[:]))
}
