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
 * The runtime hosts a loaded program: it owns SVC dispatch, the
 * call/return/fault discipline, branch target validation, and event
 * delivery.  Branch addresses carry an SP adjustment in bits [30:24]
 * (in words); applying it at function entry subsumes stack frame
 * allocation.  Every branch target is revalidated at runtime even when
 * the originating SVC was statically a terminator, because targets pass
 * through untrusted RAM.
 */

package svm

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"cubefw.org/core/flash"
)

// VideoSink receives tile writes from the _SYS_vbuf_poke syscall; the
// radio codec encoder implements it on the host side.
type VideoSink interface {
	PokeTile(addr uint16, word uint16)
}

// PanicHandler is notified after a fault record has been captured.
type PanicHandler interface {
	Panic(rec FaultRecord)
}

type StackInfo struct {
	Limit Reg
	Top   Reg
}

type Event struct {
	Addr Reg
	Args []Reg
}

type Runtime struct {
	CPU CPU
	Mem Memory

	Program *Program
	Store   *flash.LFS
	Video   VideoSink
	Panic   PanicHandler
	Yield   func()

	syscalls map[int]SyscallFn
	debugger *Debugger

	stackLimit    Reg
	stackTop      Reg
	stackLowWater Reg

	eventFrame        Reg
	eventDispatchFlag bool
	pendingEvent      *Event

	notResponding bool
	stopped       bool
	faultRecord   *FaultRecord
}

func NewRuntime(time TimeSource) *Runtime {
	rt := &Runtime{}
	rt.CPU.Init(&rt.Mem, rt, time)
	rt.syscalls = defaultSyscallTable()
	return rt
}

// Run begins execution at an entry vector with the given stack, and runs
// until the program exits or faults.  A fault is returned as *FaultError.
func (rt *Runtime) Run(entryFunc uint32, stack StackInfo) error {
	rt.stopped = false
	rt.faultRecord = nil
	rt.initStack(stack)

	target, ok := rt.checkBranchTarget(Reg(entryFunc))
	if !ok {
		return &FaultError{Record: FaultRecord{
			Code: F_BAD_CODE_ADDRESS, PC: entryFunc}}
	}

	sp := rt.stackTop - Reg(spAdjustBytes(Reg(entryFunc)))
	rt.CPU.Run(sp, target)

	if rt.faultRecord != nil {
		return &FaultError{Record: *rt.faultRecord}
	}
	return nil
}

// StackLowWater reports the lowest stack address seen, for diagnostics.
func (rt *Runtime) StackLowWater() uint32 {
	return uint32(rt.stackLowWater)
}

// RaiseNotResponding is called by the host watchdog when the main thread
// has failed to reach an idle syscall within its deadline.  The fault is
// delivered at the next SVC boundary.
func (rt *Runtime) RaiseNotResponding() {
	rt.notResponding = true
}

func (rt *Runtime) initStack(stack StackInfo) {
	rt.stackLimit = SquashAddr(stack.Limit)
	rt.stackTop = SquashAddr(stack.Top)
	rt.stackLowWater = rt.stackTop
}

func spAdjustWords(addr Reg) uint32 {
	// High bit is reserved
	return uint32(addr>>24) & 0x7F
}

func spAdjustBytes(addr Reg) uint32 {
	return spAdjustWords(addr) * 4
}

// checkBranchTarget validates a branch destination against the code
// validator and returns the canonical virtual PC for it.
func (rt *Runtime) checkBranchTarget(addr Reg) (Reg, bool) {
	branchVA := uint32(addr) & 0xFFFFFC

	var ref flash.BlockRef
	_, ok := rt.Mem.MapROCode(&ref, Reg(branchVA))
	ref.Release()
	if !ok {
		return 0, false
	}
	return Reg(Segment0VA + branchVA), true
}

/***************************************************************************
 * SVC dispatch
 ***************************************************************************/

// svc is the hypercall entry point, invoked by the CPU from exception
// context.  The saved user register frame is the message; handlers mutate
// it and the return path delivers the mutations.
func (rt *Runtime) svc(imm8 uint8) {
	if rt.notResponding {
		rt.notResponding = false
		rt.fault(F_NOT_RESPONDING)
		return
	}

	switch {
	case imm8 == 0:
		rt.ret()

	case imm8&0x80 == 0:
		rt.svcIndirectOperation(imm8)

	case imm8 == SvcAbort:
		rt.fault(F_ABORT)

	case imm8 == SvcBreakpoint:
		rt.breakpoint()

	case imm8 == SvcYield:
		if rt.Yield != nil {
			rt.Yield()
		}
		rt.DispatchEventsOnReturn()
		rt.dispatchEvents()

	case imm8&0xF8 == SvcCallTest:
		rt.call(rt.CPU.UserReg(int(imm8 & 0x7)))

	case imm8&0xF8 == SvcTailCallTest:
		rt.tailcall(rt.CPU.UserReg(int(imm8 & 0x7)))

	default:
		rt.fault(F_RESERVED_SVC)
	}
}

// Indirect SVCs name a literal in the current code block; the literal's
// high bits classify the operation.
func (rt *Runtime) svcIndirectOperation(imm8 uint8) {
	if int(imm8) >= BlockSize/4 {
		rt.fault(F_RESERVED_SVC)
		return
	}

	// The block containing the SVC: derived from the saved user PC.
	blockOff := uint32(rt.CPU.UserReg(RegPC)) & 0xFFFFFC &^ uint32(BlockMask)
	literalVA := Reg(Segment0VA) + Reg(blockOff) + Reg(4*uint32(imm8))

	literal, ok := rt.Mem.Load(literalVA, 4)
	if !ok {
		rt.fault(F_CODE_FETCH)
		return
	}

	switch {
	case literal&CallMask == CallTest:
		rt.call(Reg(literal))

	case literal&TailCallMask == TailCallTest:
		rt.tailcall(Reg(literal))

	case literal&IndirectSyscallMask == IndirectSyscallTest:
		num := int(literal>>16) & 0x3FFF
		rt.syscall(num)
		rt.dispatchEvents()

	case literal&TailSyscallMask == TailSyscallTest:
		num := int(literal>>16) & 0x3FFF
		rt.tailSyscall(num)

	case literal&AddropMask == AddropTest:
		rt.addrOp(uint8(literal>>24)&0x1F, Reg(literal&0xFFFFFF))

	case literal&AddropFlashMask == AddropFlashTest:
		rt.flashAddrOp(uint8(literal>>24)&0x1F, Reg(literal&0xFFFFFF))

	default:
		rt.fault(F_RESERVED_SVC)
	}
}

/***************************************************************************
 * Calls and returns
 ***************************************************************************/

func (rt *Runtime) branch(addr Reg) {
	target, ok := rt.checkBranchTarget(addr)
	if !ok {
		rt.fault(F_BAD_CODE_ADDRESS)
		return
	}
	rt.CPU.SetUserReg(RegPC, target)
}

func (rt *Runtime) setSP(sp Reg) bool {
	sp = SquashAddr(sp)
	if _, ok := rt.Mem.MapRAM(sp, 0); !ok || sp < rt.stackLimit {
		rt.fault(F_STACK_OVERFLOW)
		return false
	}
	if sp < rt.stackLowWater {
		rt.stackLowWater = sp
	}
	rt.CPU.SetUserReg(RegSP, sp)
	return true
}

// enterFunction applies the target's SP adjustment and branches.
func (rt *Runtime) enterFunction(addr Reg) {
	adjust := Reg(spAdjustBytes(addr))
	if adjust != 0 {
		sp := SquashAddr(rt.CPU.UserReg(RegSP))
		if !rt.setSP(sp - adjust) {
			return
		}
	}
	rt.branch(addr)
}

// call pushes a CallFrame and enters the target function.  The saved
// frame pointer is the frame's own address; return validates it.
func (rt *Runtime) call(addr Reg) {
	if _, ok := rt.checkBranchTarget(addr); !ok {
		rt.fault(F_BAD_CODE_ADDRESS)
		return
	}

	sp := SquashAddr(rt.CPU.UserReg(RegSP))
	frameAddr := sp - CallFrameBytes
	frame, ok := rt.Mem.MapRAM(frameAddr, CallFrameBytes)
	if !ok || frameAddr < rt.stackLimit {
		rt.fault(F_STACK_OVERFLOW)
		return
	}

	binary.LittleEndian.PutUint32(frame[0:], uint32(rt.CPU.UserReg(RegPC)))
	binary.LittleEndian.PutUint32(frame[4:], uint32(rt.CPU.UserReg(RegFP)))
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint32(frame[8+4*i:],
			uint32(rt.CPU.UserReg(2+i)))
	}

	rt.CPU.SetUserReg(RegFP, frameAddr)
	if !rt.setSP(frameAddr) {
		return
	}
	rt.enterFunction(addr)
}

// tailcall reuses the caller's CallFrame: locals are released and the
// callee returns directly to the original caller.
func (rt *Runtime) tailcall(addr Reg) {
	if !rt.setSP(rt.CPU.UserReg(RegFP)) {
		return
	}
	rt.enterFunction(addr)
}

// ret pops the CallFrame addressed by FP.  A saved frame pointer that no
// longer maps to RAM means the stack was corrupted.
func (rt *Runtime) ret() {
	fp := SquashAddr(rt.CPU.UserReg(RegFP))
	frame, ok := rt.Mem.MapRAM(fp, CallFrameBytes)
	if !ok {
		rt.fault(F_RETURN_FRAME)
		return
	}

	pc := Reg(binary.LittleEndian.Uint32(frame[0:]))
	savedFP := Reg(binary.LittleEndian.Uint32(frame[4:]))
	var saved [6]uint32
	for i := range saved {
		saved[i] = binary.LittleEndian.Uint32(frame[8+4*i:])
	}

	target, okPC := rt.checkBranchTarget(pc)
	if !okPC {
		rt.fault(F_BAD_CODE_ADDRESS)
		return
	}

	for i, v := range saved {
		rt.CPU.SetUserReg(2+i, Reg(v))
	}
	rt.CPU.SetUserReg(RegFP, savedFP)
	rt.CPU.SetUserReg(RegSP, fp+CallFrameBytes)
	rt.CPU.SetUserReg(RegPC, target)

	// Unwinding past the event frame re-arms event delivery.
	if rt.eventFrame != 0 && fp == rt.eventFrame {
		rt.eventFrame = 0
	}

	rt.dispatchEvents()
}

/***************************************************************************
 * Syscalls
 ***************************************************************************/

func (rt *Runtime) syscall(num int) {
	fn, ok := rt.syscalls[num]
	if !ok {
		rt.fault(F_BAD_SYSCALL)
		return
	}

	result := fn(rt)
	if rt.stopped {
		return
	}
	rt.CPU.SetUserReg(0, Reg(uint32(result)))
	rt.CPU.SetUserReg(1, Reg(uint32(result>>32)))
}

func (rt *Runtime) tailSyscall(num int) {
	fn, ok := rt.syscalls[num]
	if !ok {
		rt.fault(F_BAD_SYSCALL)
		return
	}

	result := fn(rt)
	if rt.stopped {
		return
	}
	rt.CPU.SetUserReg(0, Reg(uint32(result)))
	rt.CPU.SetUserReg(1, Reg(uint32(result>>32)))
	rt.ret()
}

/***************************************************************************
 * Addrops
 ***************************************************************************/

const (
	addropBranch   = 0
	addropPreload  = 1
	addropAssignSP = 2
	addropSTRBase  = 8  // ops 8..15: long stack STR of r0..r7
	addropLDRBase  = 16 // ops 16..23: long stack LDR of r0..r7
)

func (rt *Runtime) addrOp(opnum uint8, addr Reg) {
	switch {
	case opnum == addropBranch:
		rt.enterFunction(addr)

	case opnum == addropPreload:
		if !rt.Mem.Preload(addr) {
			rt.fault(F_PRELOAD_ADDRESS)
		}

	case opnum == addropAssignSP:
		rt.setSP(addr)

	case opnum >= addropSTRBase && opnum < addropSTRBase+8:
		reg := int(opnum - addropSTRBase)
		if !IsAddrAligned(addr, 4) ||
			!rt.Mem.Store(addr, 4, uint32(rt.CPU.UserReg(reg))) {
			rt.fault(F_LONG_STACK_STORE)
		}

	case opnum >= addropLDRBase && opnum < addropLDRBase+8:
		reg := int(opnum - addropLDRBase)
		v, ok := rt.Mem.Load(addr, 4)
		if !ok || !IsAddrAligned(addr, 4) {
			rt.fault(F_LONG_STACK_LOAD)
			return
		}
		rt.CPU.SetUserReg(reg, Reg(v))

	default:
		rt.fault(F_RESERVED_ADDROP)
	}
}

func (rt *Runtime) flashAddrOp(opnum uint8, addr Reg) {
	switch opnum {
	case addropBranch:
		rt.enterFunction(addr)
	default:
		rt.fault(F_RESERVED_ADDROP)
	}
}

/***************************************************************************
 * Events
 ***************************************************************************/

// CanSendEvent: delivery is only possible at a bundle-aligned PC (a
// mid-bundle return pointer would not revalidate) and when no handler is
// already in flight.
func (rt *Runtime) CanSendEvent() bool {
	return rt.eventFrame == 0 && rt.CPU.UserReg(RegPC)&3 == 0
}

// SendEvent queues a single event for delivery at the next safe point.
// At most one event is in flight at a time.
func (rt *Runtime) SendEvent(e Event) bool {
	if rt.pendingEvent != nil {
		return false
	}
	ev := e
	rt.pendingEvent = &ev
	return true
}

// DispatchEventsOnReturn requests event delivery on the way out of the
// next syscall, after its return value has been stored.
func (rt *Runtime) DispatchEventsOnReturn() {
	rt.eventDispatchFlag = true
}

// EventFrame exposes the in-flight event's frame pointer, zero when idle.
func (rt *Runtime) EventFrame() Reg {
	return rt.eventFrame
}

// Event dispatch is a call() that also slips arguments into the handler's
// registers.  One handler runs at a time; its return re-evaluates whether
// more dispatches are needed before the main thread resumes.
func (rt *Runtime) dispatchEvents() {
	if !rt.eventDispatchFlag || rt.pendingEvent == nil || !rt.CanSendEvent() {
		return
	}

	e := rt.pendingEvent
	rt.pendingEvent = nil
	rt.eventDispatchFlag = false

	rt.call(e.Addr)
	if rt.stopped {
		return
	}
	rt.eventFrame = rt.CPU.UserReg(RegFP)

	for i, arg := range e.Args {
		rt.CPU.SetUserReg(i, arg)
	}
}

/***************************************************************************
 * Faults
 ***************************************************************************/

func (rt *Runtime) breakpoint() {
	if rt.debugger != nil {
		rt.debugger.signalStop(sigTRAP)
		return
	}
	rt.fault(F_ABORT)
}

// fault records the fault, forwards it to the debug pipe, and terminates
// the current invocation.  There is no recovery within the VM.
func (rt *Runtime) fault(code FaultCode) {
	if rt.stopped {
		return
	}

	rec := FaultRecord{
		Code: code,
		PC:   uint32(rt.CPU.UserReg(RegPC)),
		SP:   uint32(rt.CPU.UserReg(RegSP)),
	}
	for i := 0; i < NumRegs; i++ {
		rec.Regs[i] = rt.CPU.UserReg(i)
	}

	rt.deliverFault(rec)
}

// severeFault stops the machine when even the exception path is unusable
// (the user stack can't hold a frame).  Registers come straight from the
// live CPU state.
func (rt *Runtime) severeFault(code FaultCode) {
	if rt.stopped {
		return
	}

	rec := FaultRecord{
		Code: code,
		PC:   uint32(rt.CPU.Reg(RegPC)),
		SP:   uint32(rt.CPU.Reg(RegSP)),
	}
	for i := 0; i < NumRegs; i++ {
		rec.Regs[i] = rt.CPU.Reg(i)
	}

	rt.deliverFault(rec)
}

func (rt *Runtime) deliverFault(rec FaultRecord) {
	rt.faultRecord = &rec
	rt.stopped = true

	location := rt.symbolize(rec.PC)
	log.Errorf("vm fault %s at %s: %s (sp=0x%08x, low water=0x%08x)",
		rec.Code, location, rec.Code.Description(), rec.SP,
		uint32(rt.stackLowWater))

	if rt.debugger != nil {
		rt.debugger.signalStop(faultSignal(rec.Code))
	}
	if rt.Panic != nil {
		rt.Panic(rec)
	}
}

// symbolize resolves a PC against the program's debug info when present.
func (rt *Runtime) symbolize(pc uint32) string {
	if rt.Program != nil {
		if s := rt.Program.Symbolize(pc); s != "" {
			return s
		}
	}
	return fmt.Sprintf("pc=0x%08x", pc)
}

// Exec retargets execution to a new entry point and stack the next time
// control returns to user code.  For use from inside syscall handlers.
func (rt *Runtime) Exec(entryFunc uint32, stack StackInfo) {
	rt.initStack(stack)
	rt.CPU.SetUserReg(RegSP, rt.stackTop-Reg(spAdjustBytes(Reg(entryFunc))))
	rt.CPU.SetUserReg(RegFP, 0)
	rt.eventFrame = 0
	rt.pendingEvent = nil
	rt.branch(Reg(entryFunc))
}
