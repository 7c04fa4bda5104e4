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
	"cubefw.org/core/flash"
)

// SyscallFn handles one numbered syscall.  Arguments arrive in the saved
// user registers r0-r7; the 64-bit return value lands in r0:r1.  Handlers
// must be bounded-time: arbitrary blocking inside a syscall is forbidden.
type SyscallFn func(rt *Runtime) uint64

// Syscall numbers.  The SVC exit encoding fixes _SYS_exit at 64.
const (
	SysAbort       = 0
	SysYield       = 1
	SysLog         = 2
	SysMemcpy      = 3
	SysMemset      = 4
	SysStrlcpy     = 5
	SysObjectRead  = 6
	SysObjectWrite = 7
	SysVbufPoke    = 8
	SysVolumeType  = 9
	SysExit        = 64
)

func defaultSyscallTable() map[int]SyscallFn {
	return map[int]SyscallFn{
		SysAbort:       sysAbort,
		SysYield:       sysYield,
		SysLog:         sysLog,
		SysMemcpy:      sysMemcpy,
		SysMemset:      sysMemset,
		SysStrlcpy:     sysStrlcpy,
		SysObjectRead:  sysObjectRead,
		SysObjectWrite: sysObjectWrite,
		SysVbufPoke:    sysVbufPoke,
		SysVolumeType:  sysVolumeType,
		SysExit:        sysExit,
	}
}

// SetSyscall lets hosts install or override a syscall handler.
func (rt *Runtime) SetSyscall(num int, fn SyscallFn) {
	rt.syscalls[num] = fn
}

func sysAbort(rt *Runtime) uint64 {
	rt.fault(F_ABORT)
	return 0
}

// Yield is the main thread's idle point: the host side runs, and pending
// events become eligible for delivery.
func sysYield(rt *Runtime) uint64 {
	if rt.Yield != nil {
		rt.Yield()
	}
	rt.DispatchEventsOnReturn()
	return 0
}

func sysExit(rt *Runtime) uint64 {
	rt.stopped = true
	return 0
}

func sysLog(rt *Runtime) uint64 {
	tag := LogTag(rt.CPU.UserReg(0))
	var args [7]uint32
	for i := range args {
		args[i] = uint32(rt.CPU.UserReg(1 + i))
	}
	rt.logRecord(tag, args[:tag.Arity()])
	return 0
}

func sysMemcpy(rt *Runtime) uint64 {
	dest := rt.CPU.UserReg(0)
	src := rt.CPU.UserReg(1)
	count := uint32(rt.CPU.UserReg(2))

	pa, ok := rt.Mem.MapRAM(dest, count)
	if !ok {
		rt.fault(F_SYSCALL_ADDRESS)
		return 0
	}
	if !rt.Mem.CopyRO(pa, src) {
		rt.fault(F_SYSCALL_ADDRESS)
		return 0
	}
	return uint64(uint32(dest))
}

func sysMemset(rt *Runtime) uint64 {
	dest := rt.CPU.UserReg(0)
	value := uint8(rt.CPU.UserReg(1))
	count := uint32(rt.CPU.UserReg(2))

	pa, ok := rt.Mem.MapRAM(dest, count)
	if !ok {
		rt.fault(F_SYSCALL_ADDRESS)
		return 0
	}
	for i := range pa {
		pa[i] = value
	}
	return uint64(uint32(dest))
}

func sysStrlcpy(rt *Runtime) uint64 {
	dest := rt.CPU.UserReg(0)
	src := rt.CPU.UserReg(1)
	destSize := uint32(rt.CPU.UserReg(2))

	if destSize == 0 {
		rt.fault(F_SYSCALL_PARAM)
		return 0
	}
	pa, ok := rt.Mem.MapRAM(dest, destSize)
	if !ok {
		rt.fault(F_SYSCALL_ADDRESS)
		return 0
	}

	s, ok := rt.Mem.StrlcpyRO(src, int(destSize))
	if !ok {
		rt.fault(F_SYSCALL_ADDRESS)
		return 0
	}

	n := copy(pa, s)
	pa[n] = 0
	return uint64(len(s))
}

func sysObjectRead(rt *Runtime) uint64 {
	key := int(rt.CPU.UserReg(0))
	buffer := rt.CPU.UserReg(1)
	bufSize := uint32(rt.CPU.UserReg(2))

	if rt.Store == nil || !flash.LFSKeyAllowed(key) {
		rt.fault(F_SYSCALL_PARAM)
		return 0
	}
	pa, ok := rt.Mem.MapRAM(buffer, bufSize)
	if !ok {
		rt.fault(F_SYSCALL_ADDRESS)
		return 0
	}

	body, found, err := rt.Store.ReadObject(key)
	if err != nil {
		rt.fault(F_SYSCALL_PARAM)
		return 0
	}
	if !found {
		return 0
	}
	return uint64(copy(pa, body))
}

func sysObjectWrite(rt *Runtime) uint64 {
	key := int(rt.CPU.UserReg(0))
	data := rt.CPU.UserReg(1)
	size := uint32(rt.CPU.UserReg(2))

	if rt.Store == nil || !flash.LFSKeyAllowed(key) ||
		!flash.LFSSizeAllowed(int(size)) {
		rt.fault(F_SYSCALL_PARAM)
		return 0
	}

	body := make([]byte, size)
	if !rt.Mem.CopyRO(body, data) {
		rt.fault(F_SYSCALL_ADDRESS)
		return 0
	}

	if err := rt.Store.WriteObject(key, body); err != nil {
		rt.fault(F_SYSCALL_PARAM)
		return 0
	}
	return uint64(size)
}

func sysVbufPoke(rt *Runtime) uint64 {
	addr := uint32(rt.CPU.UserReg(0))
	word := uint16(rt.CPU.UserReg(1))

	if addr >= 512 {
		rt.fault(F_SYSCALL_PARAM)
		return 0
	}
	if rt.Video != nil {
		rt.Video.PokeTile(uint16(addr), word)
	}
	return 0
}

func sysVolumeType(rt *Runtime) uint64 {
	handle := flash.VolumeHandle(rt.CPU.UserReg(0))

	vol, ok := flash.VolumeFromHandle(handle)
	if !ok || !vol.IsValid() {
		rt.fault(F_BAD_VOLUME_HANDLE)
		return 0
	}
	typ, err := vol.Type()
	if err != nil {
		rt.fault(F_BAD_VOLUME_HANDLE)
		return 0
	}
	return uint64(typ)
}
