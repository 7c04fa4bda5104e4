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
	"os"

	mmap "github.com/edsrzf/mmap-go"
	log "github.com/sirupsen/logrus"

	"cubefw.org/core/util"
)

// Device is the raw NOR flash abstraction underneath the volume layer.
//
// Write has program-only semantics: bits may transition from 1 to 0, never
// back.  EraseBlock restores one full erase block to the 0xFF state.  There
// is no read atomicity requirement beyond single bytes.
type Device interface {
	Read(addr uint32, buf []byte) error
	Write(addr uint32, buf []byte) error
	EraseBlock(index int) error
	Size() uint32
}

// The process-wide flash device and block cache.  Attach installs a device
// and resets all cached state; tests call Attach with a fresh MemDevice
// between cases.
var dev Device

func Attach(d Device) {
	dev = d
	invalidateCache()
}

func Detach() {
	dev = nil
	invalidateCache()
}

func HasDevice() bool {
	return dev != nil
}

// MemDevice is an in-memory flash device used by tests and by hosts that
// want a throwaway filesystem.  WriteHook, if set, runs before every program
// operation; it can return false to simulate power loss mid-write.
type MemDevice struct {
	data        []byte
	EraseCounts []uint32
	WriteHook   func(addr uint32, buf []byte) bool
	Dead        bool
}

func NewMemDevice() *MemDevice {
	d := &MemDevice{
		data:        make([]byte, DeviceSize),
		EraseCounts: make([]uint32, NumMapBlocks),
	}
	for i := range d.data {
		d.data[i] = 0xFF
	}
	return d
}

func (d *MemDevice) Size() uint32 {
	return uint32(len(d.data))
}

func (d *MemDevice) Read(addr uint32, buf []byte) error {
	if int(addr)+len(buf) > len(d.data) {
		return util.FmtCoreError("flash read out of range: 0x%x+%d",
			addr, len(buf))
	}
	copy(buf, d.data[addr:])
	return nil
}

func (d *MemDevice) Write(addr uint32, buf []byte) error {
	if d.Dead {
		return nil
	}
	if int(addr)+len(buf) > len(d.data) {
		return util.FmtCoreError("flash write out of range: 0x%x+%d",
			addr, len(buf))
	}
	if d.WriteHook != nil && !d.WriteHook(addr, buf) {
		d.Dead = true
		return nil
	}
	for i, b := range buf {
		d.data[int(addr)+i] &= b
	}
	return nil
}

func (d *MemDevice) EraseBlock(index int) error {
	if d.Dead {
		return nil
	}
	if index < 0 || index >= NumMapBlocks {
		return util.FmtCoreError("flash erase out of range: block %d", index)
	}
	base := index * MapBlockSize
	for i := 0; i < MapBlockSize; i++ {
		d.data[base+i] = 0xFF
	}
	d.EraseCounts[index]++
	return nil
}

// FileDevice is a flash device backed by a memory-mapped image file.  A
// missing or short file is grown to the full device size and filled with
// the erased pattern.
type FileDevice struct {
	f *os.File
	m mmap.MMap
}

func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, util.ChildCoreError(err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, util.ChildCoreError(err)
	}

	if info.Size() < DeviceSize {
		log.Debugf("initializing flash image %s (%d -> %d bytes)",
			path, info.Size(), DeviceSize)
		blank := make([]byte, DeviceSize-info.Size())
		for i := range blank {
			blank[i] = 0xFF
		}
		if _, err := f.WriteAt(blank, info.Size()); err != nil {
			f.Close()
			return nil, util.ChildCoreError(err)
		}
	}

	m, err := mmap.MapRegion(f, DeviceSize, mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, util.ChildCoreError(err)
	}

	return &FileDevice{f: f, m: m}, nil
}

func (d *FileDevice) Close() error {
	if err := d.m.Unmap(); err != nil {
		d.f.Close()
		return util.ChildCoreError(err)
	}
	return d.f.Close()
}

func (d *FileDevice) Size() uint32 {
	return DeviceSize
}

func (d *FileDevice) Read(addr uint32, buf []byte) error {
	if int(addr)+len(buf) > len(d.m) {
		return util.FmtCoreError("flash read out of range: 0x%x+%d",
			addr, len(buf))
	}
	copy(buf, d.m[addr:])
	return nil
}

func (d *FileDevice) Write(addr uint32, buf []byte) error {
	if int(addr)+len(buf) > len(d.m) {
		return util.FmtCoreError("flash write out of range: 0x%x+%d",
			addr, len(buf))
	}
	for i, b := range buf {
		d.m[int(addr)+i] &= b
	}
	return nil
}

func (d *FileDevice) EraseBlock(index int) error {
	if index < 0 || index >= NumMapBlocks {
		return util.FmtCoreError("flash erase out of range: block %d", index)
	}
	base := index * MapBlockSize
	for i := 0; i < MapBlockSize; i++ {
		d.m[base+i] = 0xFF
	}
	return d.m.Flush()
}
