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

func TestPreEraserFillsLog(t *testing.T) {
	dev := newTestDevice(t)

	// Leave some deleted volumes for the pre-eraser to chew on.
	v := writeVolume(t, TypeAppBase, pattern(2*MapBlockSize, 1))
	require.NoError(t, v.MarkDeleted())

	pe, err := NewPreEraser()
	require.NoError(t, err)

	logged := 0
	for i := 0; i < 8; i++ {
		more, err := pe.Next()
		require.NoError(t, err)
		if !more {
			break
		}
		logged++
	}
	require.NoError(t, pe.Close())
	require.Equal(t, 8, logged)

	// The log volume exists and its records pop back in order with
	// plausible erase counts.
	logVol, found, err := FindVolume(TypeEraseLog)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, logVol.IsValid())

	var log EraseLog
	var rec EraseLogRecord
	for i := 0; i < logged; i++ {
		ok, err := log.Pop(&rec)
		require.NoError(t, err)
		require.True(t, ok, "record %d", i)
		require.True(t, rec.Block.IsValid())
		// Orphan blocks carry an averaged estimate, never less than the
		// device's ground truth.
		require.GreaterOrEqual(t, rec.EC,
			dev.EraseCounts[rec.Block.Index()])
	}

	ok, err := log.Pop(&rec)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEraseLogFastPathInAllocation(t *testing.T) {
	dev := newTestDevice(t)

	v := writeVolume(t, TypeAppBase, pattern(3*MapBlockSize, 1))
	require.NoError(t, v.MarkDeleted())

	pe, err := NewPreEraser()
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		more, err := pe.Next()
		require.NoError(t, err)
		require.True(t, more)
	}
	require.NoError(t, pe.Close())

	erasesBefore := make([]uint32, NumMapBlocks)
	copy(erasesBefore, dev.EraseCounts)

	// A new allocation should consume pre-erased blocks without
	// erasing them again.
	nv := writeVolume(t, TypeAppBase+2, pattern(100, 5))
	require.True(t, nv.IsValid())

	totalNew := uint32(0)
	for i := range dev.EraseCounts {
		totalNew += dev.EraseCounts[i] - erasesBefore[i]
	}
	require.Equal(t, uint32(0), totalNew,
		"allocation should ride the erase log fast path")
}

func TestEraseLogRecoveryAfterReattach(t *testing.T) {
	newTestDevice(t)

	v := writeVolume(t, TypeAppBase, pattern(2*MapBlockSize, 1))
	require.NoError(t, v.MarkDeleted())

	pe, err := NewPreEraser()
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		more, err := pe.Next()
		require.NoError(t, err)
		require.True(t, more)
	}
	require.NoError(t, pe.Close())

	// Pop two, then simulate a reboot; the binary search must resume
	// reading at the third record.
	var log1 EraseLog
	var rec EraseLogRecord
	popped := map[uint8]bool{}
	for i := 0; i < 2; i++ {
		ok, err := log1.Pop(&rec)
		require.NoError(t, err)
		require.True(t, ok)
		popped[rec.Block.Code] = true
	}

	invalidateCache()

	var log2 EraseLog
	for i := 0; i < 4; i++ {
		ok, err := log2.Pop(&rec)
		require.NoError(t, err)
		require.True(t, ok, "record %d after recovery", i)
		require.False(t, popped[rec.Block.Code],
			"block %d popped twice", rec.Block.Code)
	}

	ok, err := log2.Pop(&rec)
	require.NoError(t, err)
	require.False(t, ok)
}
