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

package svm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cubefw.org/core/flash"
)

func TestMapRAMBounds(t *testing.T) {
	var m Memory

	cases := []struct {
		va     Reg
		length uint32
		ok     bool
	}{
		{VirtualRAMBase, 0, true},
		{VirtualRAMBase, RAMSizeInBytes, true},
		{VirtualRAMBase, RAMSizeInBytes + 1, false},
		{VirtualRAMBase + RAMSizeInBytes, 0, true},
		{VirtualRAMBase + RAMSizeInBytes, 1, false},
		{VirtualRAMBase + 100, RAMSizeInBytes - 100, true},
		{VirtualRAMBase + 100, RAMSizeInBytes - 99, false},
		{VirtualRAMBase - 1, 1, false},
		{0, 4, false},
		{Segment0VA, 4, false},
		// A huge length must not wrap the extent check.
		{VirtualRAMBase, 0xFFFFFFFF, false},
		// Junk in the upper 32 bits is ignored by the 32-bit
		// translation, as happens after emulated 32-bit underflow.
		{0xFFFFFFFF00000000 | VirtualRAMBase, 16, true},
	}

	for _, c := range cases {
		_, ok := m.MapRAM(c.va, c.length)
		require.Equal(t, c.ok, ok, "va=0x%x len=%d", c.va, c.length)
	}
}

func TestMapROCodeHonorsValidator(t *testing.T) {
	// One valid bundle, then garbage: only offsets inside the validated
	// region may map as code, even though the whole block is readable
	// as data.
	code := block(svc(0), invalidInstr, invalidInstr)

	rt, _ := testVM(t, code)
	m := &rt.Mem

	n := Validate(code)
	require.Equal(t, 1, n)

	var ref flash.BlockRef
	defer ref.Release()

	_, ok := m.MapROCode(&ref, 0)
	require.True(t, ok)

	for off := Reg(n * BundleSize); off < BlockSize; off += BundleSize {
		_, ok := m.MapROCode(&ref, off)
		require.False(t, ok, "offset 0x%x must not map as code", off)
	}

	// The same bytes remain readable as data.
	require.True(t, m.CheckRO(Segment0VA+8, 4))
}

func TestCopyROAndStrlcpy(t *testing.T) {
	code := block(svc(0))
	copy(code[128:], []byte("hello\x00world"))

	rt, _ := testVM(t, code)
	m := &rt.Mem

	buf := make([]byte, 5)
	require.True(t, m.CopyRO(buf, Segment0VA+128))
	require.Equal(t, []byte("hello"), buf)

	s, ok := m.StrlcpyRO(Segment0VA+128, 64)
	require.True(t, ok)
	require.Equal(t, "hello", s)

	// Bounded copy truncates and still terminates.
	s, ok = m.StrlcpyRO(Segment0VA+128, 4)
	require.True(t, ok)
	require.Equal(t, "hel", s)

	// RAM round trip through the same interface.
	ram, ok := m.MapRAM(VirtualRAMBase+64, 4)
	require.True(t, ok)
	copy(ram, []byte{1, 2, 3, 4})
	require.True(t, m.CopyRO(buf[:4], VirtualRAMBase+64))
	require.Equal(t, []byte{1, 2, 3, 4}, buf[:4])
}

func TestMapROClampsToCacheBlock(t *testing.T) {
	code := make([]byte, 2*BlockSize)
	copy(code, block(svc(0)))

	rt, _ := testVM(t, code)
	m := &rt.Mem

	var ref flash.BlockRef
	defer ref.Release()

	// A read straddling a cache block boundary is clamped at the
	// boundary, not rejected.
	chunk, ok := m.MapRO(&ref, Segment0VA+BlockSize-4, 16)
	require.True(t, ok)
	require.Equal(t, 4, len(chunk))
}
