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
 * Software emulation of the SVM instruction subset.  Exceptions mirror
 * the hardware discipline: entering an SVC or fault pushes the
 * hardware-defined frame onto the user stack and banks the remaining
 * registers into a trusted area, so SVC handlers see a canonical register
 * view and their mutations are visible to returning user code.
 */

package svm

import (
	"encoding/binary"
	"math/bits"

	log "github.com/sirupsen/logrus"

	"cubefw.org/core/flash"
)

// TimeSource receives whole elapsed ticks, batched at taken branches and
// SVCs so the emulator stays in approximate lockstep with simulated time
// without per-instruction callbacks.
type TimeSource interface {
	ElapseTicks(ticks uint32)
}

// Scaled cycle costs.  Values accumulate pre-multiplied; whole ticks are
// forwarded once the threshold is reached.
const (
	cpuRateNumerator    = 3
	cpuTickThreshold    = 300
	cycleFetch          = 2
	cycleLoadStore      = 2
	cycleDivide         = 12
	cyclePipelineReload = 3
	ticksPerSVC         = 42
)

// The frame the hardware pushes on exception entry.
type hwContext struct {
	r0, r1, r2, r3 uint32
	r12            uint32
	lr             uint32
	returnAddr     uint32
	xpsr           uint32
}

const hwContextBytes = 32

// Registers banked by software on exception entry, plus a copy of the
// hardware frame.  SVC handlers operate on this view.
type bankedRegs struct {
	hw  hwContext
	irq [8]Reg // r4-r11
	sp  Reg
}

type CPU struct {
	regs [NumRegs]Reg

	mem  *Memory
	rt   *Runtime
	time TimeSource

	Trace bool

	cyclesElapsed uint32
	codeRef       flash.BlockRef
	banked        bankedRegs
}

func (c *CPU) Init(mem *Memory, rt *Runtime, time TimeSource) {
	c.mem = mem
	c.rt = rt
	c.time = time
	c.regs = [NumRegs]Reg{}
	c.cyclesElapsed = 0
	c.codeRef.Release()
}

func (c *CPU) Reg(r int) Reg {
	return c.regs[r]
}

func (c *CPU) SetReg(r int, v Reg) {
	c.regs[r] = v
}

func (c *CPU) calculateElapsedTicks() {
	if c.cyclesElapsed >= cpuTickThreshold {
		ticks := c.cyclesElapsed / cpuRateNumerator
		c.cyclesElapsed = c.cyclesElapsed % cpuRateNumerator
		if c.time != nil {
			c.time.ElapseTicks(ticks)
		}
	}
}

/***************************************************************************
 * Flags
 ***************************************************************************/

func (c *CPU) setFlag(bit uint, f bool) {
	if f {
		c.regs[RegCPSR] |= 1 << bit
	} else {
		c.regs[RegCPSR] &^= 1 << bit
	}
}

func (c *CPU) setNeg(f bool)      { c.setFlag(31, f) }
func (c *CPU) setZero(f bool)     { c.setFlag(30, f) }
func (c *CPU) setCarry(f bool)    { c.setFlag(29, f) }
func (c *CPU) setOverflow(f bool) { c.setFlag(28, f) }

func (c *CPU) carry() Reg {
	if getCarry(c.regs[RegCPSR]) {
		return 1
	}
	return 0
}

func (c *CPU) setNZ(result int32) {
	c.setNeg(result < 0)
	c.setZero(result == 0)
}

func (c *CPU) opLSL(a, b Reg) Reg {
	// Intentionally truncates to 32-bit
	c.setCarry(b != 0 && b <= 32 && (0x80000000>>(b-1))&uint32(a) != 0)
	var result uint32
	if b < 32 {
		result = uint32(a) << b
	}
	c.setNZ(int32(result))
	return Reg(result)
}

func (c *CPU) opLSR(a, b Reg) Reg {
	// Intentionally truncates to 32-bit
	c.setCarry(b != 0 && b <= 32 && (uint32(1)<<(b-1))&uint32(a) != 0)
	var result uint32
	if b < 32 {
		result = uint32(a) >> b
	}
	c.setNZ(int32(result))
	return Reg(result)
}

func (c *CPU) opASR(a, b Reg) Reg {
	// Intentionally truncates to 32-bit
	c.setCarry(b != 0 && b <= 32 && (uint32(1)<<(b-1))&uint32(a) != 0)
	var result uint32
	if b < 32 {
		result = uint32(int32(uint32(a)) >> b)
	}
	c.setNZ(int32(result))
	return Reg(result)
}

func (c *CPU) opADD(a, b, carry Reg) Reg {
	// Based on AddWithCarry() in the ARMv7 ARM, page A2-8
	uSum := uint64(uint32(a)) + uint64(uint32(b)) + uint64(uint32(carry))
	sSum := int64(int32(uint32(a))) + int64(int32(uint32(b))) +
		int64(uint32(carry))
	c.setNZ(int32(sSum))
	c.setOverflow(int64(int32(sSum)) != sSum)
	c.setCarry(uint64(uint32(uSum)) != uSum)

	// Preserve full register width even though flags use 32-bit values
	return a + b + carry
}

func (c *CPU) opAND(a, b Reg) Reg {
	result := a & b
	c.setNZ(int32(uint32(result)))
	return result
}

func (c *CPU) opEOR(a, b Reg) Reg {
	result := a ^ b
	c.setNZ(int32(uint32(result)))
	return result
}

/***************************************************************************
 * Exception Handling
 ***************************************************************************/

// Push the hardware frame onto the user stack.  Reports false if the
// stack can't hold it, in which case the run has already been terminated.
func (c *CPU) enterException(returnAddr Reg) bool {
	sp := SquashAddr(c.regs[RegSP]) - hwContextBytes
	frame, ok := c.mem.MapRAM(sp, hwContextBytes)
	if !ok {
		c.rt.severeFault(F_STACK_OVERFLOW)
		return false
	}

	binary.LittleEndian.PutUint32(frame[0:], uint32(c.regs[0]))
	binary.LittleEndian.PutUint32(frame[4:], uint32(c.regs[1]))
	binary.LittleEndian.PutUint32(frame[8:], uint32(c.regs[2]))
	binary.LittleEndian.PutUint32(frame[12:], uint32(c.regs[3]))
	binary.LittleEndian.PutUint32(frame[16:], uint32(c.regs[12]))
	binary.LittleEndian.PutUint32(frame[20:], uint32(c.regs[RegLR]))
	binary.LittleEndian.PutUint32(frame[24:], uint32(returnAddr))
	binary.LittleEndian.PutUint32(frame[28:], uint32(c.regs[RegCPSR]))

	c.regs[RegSP] = sp
	c.regs[RegLR] = 0xFFFFFFFD // returning to user mode, user stack
	c.banked.sp = sp
	return true
}

func (c *CPU) exitException() {
	c.regs[RegSP] = c.banked.sp
	frame, ok := c.mem.MapRAM(c.regs[RegSP], hwContextBytes)
	if !ok {
		c.rt.severeFault(F_BAD_STACK)
		return
	}

	c.regs[0] = Reg(binary.LittleEndian.Uint32(frame[0:]))
	c.regs[1] = Reg(binary.LittleEndian.Uint32(frame[4:]))
	c.regs[2] = Reg(binary.LittleEndian.Uint32(frame[8:]))
	c.regs[3] = Reg(binary.LittleEndian.Uint32(frame[12:]))
	c.regs[12] = Reg(binary.LittleEndian.Uint32(frame[16:]))
	c.regs[RegLR] = Reg(binary.LittleEndian.Uint32(frame[20:]))
	c.regs[RegCPSR] = Reg(binary.LittleEndian.Uint32(frame[28:]))

	c.regs[RegSP] += hwContextBytes
	c.regs[RegPC] = Reg(binary.LittleEndian.Uint32(frame[24:]))
}

func (c *CPU) saveBankedRegs() {
	frame, ok := c.mem.MapRAM(c.banked.sp, hwContextBytes)
	if !ok {
		return
	}
	c.banked.hw.r0 = binary.LittleEndian.Uint32(frame[0:])
	c.banked.hw.r1 = binary.LittleEndian.Uint32(frame[4:])
	c.banked.hw.r2 = binary.LittleEndian.Uint32(frame[8:])
	c.banked.hw.r3 = binary.LittleEndian.Uint32(frame[12:])
	c.banked.hw.r12 = binary.LittleEndian.Uint32(frame[16:])
	c.banked.hw.lr = binary.LittleEndian.Uint32(frame[20:])
	c.banked.hw.returnAddr = binary.LittleEndian.Uint32(frame[24:])
	c.banked.hw.xpsr = binary.LittleEndian.Uint32(frame[28:])

	for i := 0; i < 8; i++ {
		c.banked.irq[i] = c.regs[4+i]
	}
}

func (c *CPU) restoreBankedRegs() {
	frame, ok := c.mem.MapRAM(c.banked.sp, hwContextBytes)
	if !ok {
		return
	}
	binary.LittleEndian.PutUint32(frame[0:], c.banked.hw.r0)
	binary.LittleEndian.PutUint32(frame[4:], c.banked.hw.r1)
	binary.LittleEndian.PutUint32(frame[8:], c.banked.hw.r2)
	binary.LittleEndian.PutUint32(frame[12:], c.banked.hw.r3)
	binary.LittleEndian.PutUint32(frame[16:], c.banked.hw.r12)
	binary.LittleEndian.PutUint32(frame[20:], c.banked.hw.lr)
	binary.LittleEndian.PutUint32(frame[24:], c.banked.hw.returnAddr)
	binary.LittleEndian.PutUint32(frame[28:], c.banked.hw.xpsr)

	for i := 0; i < 8; i++ {
		c.regs[4+i] = c.banked.irq[i]
	}
}

// UserReg reads one register from the saved user frame, the view SVC
// handlers operate on.
func (c *CPU) UserReg(r int) Reg {
	switch r {
	case 0:
		return Reg(c.banked.hw.r0)
	case 1:
		return Reg(c.banked.hw.r1)
	case 2:
		return Reg(c.banked.hw.r2)
	case 3:
		return Reg(c.banked.hw.r3)
	case 12:
		return Reg(c.banked.hw.r12)
	case RegSP:
		return c.banked.sp + hwContextBytes
	case RegLR:
		return Reg(c.banked.hw.lr)
	case RegPC:
		return Reg(c.banked.hw.returnAddr)
	case RegCPSR:
		return Reg(c.banked.hw.xpsr)
	default:
		return c.banked.irq[r-4]
	}
}

func (c *CPU) SetUserReg(r int, v Reg) {
	switch r {
	case 0:
		c.banked.hw.r0 = uint32(v)
	case 1:
		c.banked.hw.r1 = uint32(v)
	case 2:
		c.banked.hw.r2 = uint32(v)
	case 3:
		c.banked.hw.r3 = uint32(v)
	case 12:
		c.banked.hw.r12 = uint32(v)
	case RegSP:
		// The frame itself moves with the stack pointer.
		c.banked.sp = SquashAddr(v) - hwContextBytes
	case RegLR:
		c.banked.hw.lr = uint32(v)
	case RegPC:
		c.banked.hw.returnAddr = uint32(v)
	case RegCPSR:
		c.banked.hw.xpsr = uint32(v)
	default:
		c.banked.irq[r-4] = v
	}
}

func (c *CPU) emulateSVC(instr uint16) {
	nextInstruction := c.regs[RegPC] // already advanced by fetch
	if !c.enterException(nextInstruction) {
		return
	}
	c.saveBankedRegs()

	c.rt.svc(uint8(instr & 0xFF))

	c.restoreBankedRegs()
	c.exitException()
	c.calculateElapsedTicks()

	if c.time != nil {
		c.time.ElapseTicks(ticksPerSVC)
	}
}

// Deliver a fault through the same exception path as an SVC.  Instruction
// emulations must return immediately after calling this; it does not
// alter the caller's control flow.
func (c *CPU) emulateFault(code FaultCode) {
	nextInstruction := c.regs[RegPC]
	if !c.enterException(nextInstruction) {
		return
	}
	c.saveBankedRegs()

	c.rt.fault(code)

	c.restoreBankedRegs()
	c.exitException()
}

/***************************************************************************
 * Memory access helpers
 ***************************************************************************/

func (c *CPU) load(addr Reg, size uint32, signExt bool) (Reg, bool) {
	if !c.mem.CheckRO(addr, size) {
		c.emulateFault(F_LOAD_ADDRESS)
		return 0, false
	}
	if size > 1 && !IsAddrAligned(addr, size) {
		c.emulateFault(F_LOAD_ALIGNMENT)
		return 0, false
	}

	v, ok := c.mem.Load(addr, size)
	if !ok {
		c.emulateFault(F_LOAD_ADDRESS)
		return 0, false
	}

	c.cyclesElapsed += cycleLoadStore

	if signExt {
		return Reg(uint32(SignExtend(v, uint(size*8)))), true
	}
	return Reg(v), true
}

func (c *CPU) store(addr Reg, size uint32, value uint32) {
	if _, ok := c.mem.MapRAM(addr, size); !ok {
		c.emulateFault(F_STORE_ADDRESS)
		return
	}
	if size > 1 && !IsAddrAligned(addr, size) {
		c.emulateFault(F_STORE_ALIGNMENT)
		return
	}
	c.mem.Store(addr, size, value)
	c.cyclesElapsed += cycleLoadStore
}

/***************************************************************************
 * Instruction Emulation
 ***************************************************************************/

func (c *CPU) emulateLSLImm(instr uint16) {
	imm5 := Reg(instr>>6) & 0x1F
	rm := (instr >> 3) & 0x7
	rd := instr & 0x7
	c.regs[rd] = c.opLSL(c.regs[rm], imm5)
}

func (c *CPU) emulateLSRImm(instr uint16) {
	imm5 := Reg(instr>>6) & 0x1F
	rm := (instr >> 3) & 0x7
	rd := instr & 0x7
	if imm5 == 0 {
		imm5 = 32
	}
	c.regs[rd] = c.opLSR(c.regs[rm], imm5)
}

func (c *CPU) emulateASRImm(instr uint16) {
	imm5 := Reg(instr>>6) & 0x1F
	rm := (instr >> 3) & 0x7
	rd := instr & 0x7
	if imm5 == 0 {
		imm5 = 32
	}
	c.regs[rd] = c.opASR(c.regs[rm], imm5)
}

func (c *CPU) emulateADDReg(instr uint16) {
	rm := (instr >> 6) & 0x7
	rn := (instr >> 3) & 0x7
	rd := instr & 0x7
	c.regs[rd] = c.opADD(c.regs[rn], c.regs[rm], 0)
}

func (c *CPU) emulateSUBReg(instr uint16) {
	rm := (instr >> 6) & 0x7
	rn := (instr >> 3) & 0x7
	rd := instr & 0x7
	c.regs[rd] = c.opADD(c.regs[rn], ^c.regs[rm], 1)
}

func (c *CPU) emulateADD3Imm(instr uint16) {
	imm3 := Reg(instr>>6) & 0x7
	rn := (instr >> 3) & 0x7
	rd := instr & 0x7
	c.regs[rd] = c.opADD(c.regs[rn], imm3, 0)
}

func (c *CPU) emulateSUB3Imm(instr uint16) {
	imm3 := Reg(instr>>6) & 0x7
	rn := (instr >> 3) & 0x7
	rd := instr & 0x7
	c.regs[rd] = c.opADD(c.regs[rn], ^imm3, 1)
}

func (c *CPU) emulateMovImm(instr uint16) {
	rd := (instr >> 8) & 0x7
	c.regs[rd] = Reg(instr & 0xFF)
}

func (c *CPU) emulateCmpImm(instr uint16) {
	rn := (instr >> 8) & 0x7
	imm8 := Reg(instr & 0xFF)
	c.opADD(c.regs[rn], ^imm8, 1)
}

func (c *CPU) emulateADD8Imm(instr uint16) {
	rdn := (instr >> 8) & 0x7
	imm8 := Reg(instr & 0xFF)
	c.regs[rdn] = c.opADD(c.regs[rdn], imm8, 0)
}

func (c *CPU) emulateSUB8Imm(instr uint16) {
	rdn := (instr >> 8) & 0x7
	imm8 := Reg(instr & 0xFF)
	c.regs[rdn] = c.opADD(c.regs[rdn], ^imm8, 1)
}

func (c *CPU) emulateANDReg(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7
	c.regs[rdn] = c.opAND(c.regs[rdn], c.regs[rm])
}

func (c *CPU) emulateEORReg(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7
	c.regs[rdn] = c.opEOR(c.regs[rdn], c.regs[rm])
}

func (c *CPU) emulateLSLReg(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7
	shift := c.regs[rm] & 0xFF
	c.regs[rdn] = c.opLSL(c.regs[rdn], shift)
}

func (c *CPU) emulateLSRReg(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7
	shift := c.regs[rm] & 0xFF
	c.regs[rdn] = c.opLSR(c.regs[rdn], shift)
}

func (c *CPU) emulateASRReg(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7
	shift := c.regs[rm] & 0xFF
	c.regs[rdn] = c.opASR(c.regs[rdn], shift)
}

func (c *CPU) emulateADCReg(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7
	c.regs[rdn] = c.opADD(c.regs[rdn], c.regs[rm], c.carry())
}

func (c *CPU) emulateSBCReg(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7
	c.regs[rdn] = c.opADD(c.regs[rdn], ^c.regs[rm], c.carry())
}

func (c *CPU) emulateRORReg(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7
	ror := uint(c.regs[rm] & 0x1F)
	c.regs[rdn] = Reg(bits.RotateLeft32(uint32(c.regs[rdn]), -int(ror)))
}

func (c *CPU) emulateTSTReg(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7
	c.opAND(c.regs[rdn], c.regs[rm])
}

func (c *CPU) emulateRSBImm(instr uint16) {
	rn := (instr >> 3) & 0x7
	rd := instr & 0x7
	c.regs[rd] = c.opADD(^c.regs[rn], 0, 1)
}

func (c *CPU) emulateCMPReg(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7
	c.opADD(c.regs[rdn], ^c.regs[rm], 1)
}

func (c *CPU) emulateCMNReg(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7
	c.opADD(c.regs[rdn], c.regs[rm], 0)
}

func (c *CPU) emulateORRReg(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7
	result := c.regs[rdn] | c.regs[rm]
	c.regs[rdn] = result
	c.setNZ(int32(uint32(result)))
}

func (c *CPU) emulateMUL(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7

	result := uint64(c.regs[rdn]) * uint64(c.regs[rm])
	c.regs[rdn] = Reg(uint32(result))

	// Flag calculations always use the full 64-bit result
	c.setNeg(int64(result) < 0)
	c.setZero(result == 0)
}

func (c *CPU) emulateBICReg(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7
	c.regs[rdn] = Reg(uint32(c.regs[rdn] &^ c.regs[rm]))
}

func (c *CPU) emulateMVNReg(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7
	c.regs[rdn] = Reg(uint32(^c.regs[rm]))
}

func (c *CPU) emulateSXTH(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7
	c.regs[rdn] = Reg(uint32(SignExtend(uint32(c.regs[rm]), 16)))
}

func (c *CPU) emulateSXTB(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7
	c.regs[rdn] = Reg(uint32(SignExtend(uint32(c.regs[rm]), 8)))
}

func (c *CPU) emulateUXTH(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7
	c.regs[rdn] = c.regs[rm] & 0xFFFF
}

func (c *CPU) emulateUXTB(instr uint16) {
	rm := (instr >> 3) & 0x7
	rdn := instr & 0x7
	c.regs[rdn] = c.regs[rm] & 0xFF
}

func (c *CPU) emulateMOV(instr uint16) {
	// Thumb T5 encoding, does not affect flags.  This subset does not
	// support high register access.
	rs := (instr >> 3) & 0x7
	rd := instr & 0x7
	c.regs[rd] = c.regs[rs]
}

func (c *CPU) takeBranch(newPC Reg) {
	c.regs[RegPC] = newPC
	c.cyclesElapsed += cyclePipelineReload
	c.calculateElapsedTicks()
}

func (c *CPU) emulateB(instr uint16) {
	oldPC := c.regs[RegPC]
	newPC := branchTargetB(instr, oldPC)
	if newPC != oldPC {
		c.takeBranch(newPC)
	}
}

func (c *CPU) emulateCondB(instr uint16) {
	oldPC := c.regs[RegPC]
	newPC := branchTargetCondB(instr, oldPC, c.regs[RegCPSR])
	if newPC != oldPC {
		c.takeBranch(newPC)
	}
}

func (c *CPU) emulateCBZ(instr uint16) {
	rn := instr & 0x7
	oldPC := c.regs[RegPC]
	newPC := branchTargetCBZ(instr, oldPC, c.regs[rn])
	if newPC != oldPC {
		c.takeBranch(newPC)
	}
}

func (c *CPU) emulateSTRSPImm(instr uint16) {
	// encoding T2 only
	rt := (instr >> 8) & 0x7
	imm8 := Reg(instr & 0xFF)
	addr := SquashAddr(c.regs[RegSP]) + imm8<<2
	c.store(addr, 4, uint32(c.regs[rt]))
}

func (c *CPU) emulateLDRSPImm(instr uint16) {
	// encoding T2 only
	rt := (instr >> 8) & 0x7
	imm8 := Reg(instr & 0xFF)
	addr := SquashAddr(c.regs[RegSP]) + imm8<<2
	if v, ok := c.load(addr, 4, false); ok {
		c.regs[rt] = v
	}
}

func (c *CPU) emulateADDSpImm(instr uint16) {
	// encoding T1 only.
	//
	// SP must be squashed here so that usermode stack pointers stay
	// consistent: a stack address that round-tripped through 32-bit guest
	// memory must compare equal to one that only ever lived in a
	// register.
	rd := (instr >> 8) & 0x7
	imm8 := Reg(instr & 0xFF)
	sp := SquashAddr(c.regs[RegSP])
	c.regs[rd] = sp + imm8<<2
}

func (c *CPU) emulateLDRLitPool(instr uint16) {
	rt := (instr >> 8) & 0x7
	imm8 := Reg(instr & 0xFF)

	// Round up to the next 32-bit boundary
	addr := (c.regs[RegPC]+3)&^3 + imm8<<2
	if v, ok := c.load(addr, 4, false); ok {
		c.regs[rt] = v
	}
}

/***************************************************************************
 * 32-bit instructions
 ***************************************************************************/

func (c *CPU) emulateSTR(instr uint32) {
	imm12 := Reg(instr & 0xFFF)
	rn := (instr >> 16) & 0xF
	rt := (instr >> 12) & 0xF
	addr := c.regs[rn] + imm12
	c.store(addr, 4, uint32(c.regs[rt]))
}

func (c *CPU) emulateLDR(instr uint32) {
	imm12 := Reg(instr & 0xFFF)
	rn := (instr >> 16) & 0xF
	rt := (instr >> 12) & 0xF
	addr := c.regs[rn] + imm12
	if v, ok := c.load(addr, 4, false); ok {
		c.regs[rt] = v
	}
}

func (c *CPU) emulateSTRBH(instr uint32) {
	const halfwordBit = 1 << 21

	imm12 := Reg(instr & 0xFFF)
	rn := (instr >> 16) & 0xF
	rt := (instr >> 12) & 0xF
	addr := c.regs[rn] + imm12

	if instr&halfwordBit != 0 {
		c.store(addr, 2, uint32(c.regs[rt]))
	} else {
		c.store(addr, 1, uint32(c.regs[rt]))
	}
}

func (c *CPU) emulateLDRBH(instr uint32) {
	const halfwordBit = 1 << 21
	const signExtBit = 1 << 24

	imm12 := Reg(instr & 0xFFF)
	rn := (instr >> 16) & 0xF
	rt := (instr >> 12) & 0xF
	addr := c.regs[rn] + imm12

	size := uint32(1)
	if instr&halfwordBit != 0 {
		size = 2
	}
	if v, ok := c.load(addr, size, instr&signExtBit != 0); ok {
		c.regs[rt] = v
	}
}

func (c *CPU) emulateMOVWT(instr uint32) {
	const topBit = 1 << 23

	rd := (instr >> 8) & 0xF
	imm16 := Reg(instr&0x000000FF |
		instr&0x00007000>>4 |
		instr&0x04000000>>15 |
		instr&0x000F0000>>4)

	if instr&topBit != 0 {
		c.regs[rd] = c.regs[rd]&0xFFFF | imm16<<16
	} else {
		c.regs[rd] = imm16
	}
}

func (c *CPU) emulateDIV(instr uint32) {
	const unsignedBit = 1 << 21

	rn := (instr >> 16) & 0xF
	rd := (instr >> 8) & 0xF
	rm := instr & 0xF

	m32 := uint32(c.regs[rm])

	if m32 == 0 {
		// Divide by zero, defined to return 0
		c.regs[rd] = 0
	} else if instr&unsignedBit != 0 {
		c.regs[rd] = Reg(uint32(c.regs[rn]) / m32)
	} else {
		c.regs[rd] = Reg(uint32(int32(uint32(c.regs[rn])) / int32(m32)))
	}

	c.cyclesElapsed += cycleDivide
}

func (c *CPU) emulateCLZ(instr uint32) {
	rm1 := (instr >> 16) & 0xF
	rd := (instr >> 8) & 0xF
	rm2 := instr & 0xF

	// The two Rm fields must be consistent
	if rm1 != rm2 {
		c.emulateFault(F_CPU_SIM)
		return
	}
	c.regs[rd] = Reg(bits.LeadingZeros32(uint32(c.regs[rm1])))
}

/***************************************************************************
 * Instruction Dispatch
 ***************************************************************************/

func (c *CPU) traceFetch(instr uint16) {
	cpsr := c.regs[RegCPSR]
	flagChar := func(f bool, ch byte) byte {
		if f {
			return ch
		}
		return ' '
	}
	log.Debugf("[pc=%08x i=%04x] r0=%x r1=%x r2=%x r3=%x r4=%x r5=%x "+
		"r6=%x r7=%x (%c%c%c%c) sp=%x fp=%x",
		uint32(c.regs[RegPC]), instr,
		c.regs[0], c.regs[1], c.regs[2], c.regs[3],
		c.regs[4], c.regs[5], c.regs[6], c.regs[7],
		flagChar(getNeg(cpsr), 'N'), flagChar(getZero(cpsr), 'Z'),
		flagChar(getCarry(cpsr), 'C'), flagChar(getOverflow(cpsr), 'V'),
		uint32(c.regs[RegSP]), uint32(c.regs[RegFP]))
}

// Fetch the next halfword.  All instructions are Thumb, so 16 bits is
// always enough to classify the encoding width.  Every fetch goes through
// the validated-code mapping, which double-checks both the validator and
// this runtime.
func (c *CPU) fetch() uint16 {
	c.cyclesElapsed += cycleFetch

	pc := c.regs[RegPC]
	if !IsAddrAligned(pc, 2) {
		c.emulateFault(F_LOAD_ALIGNMENT)
		return NopInstr
	}

	bundle, ok := c.mem.MapROCode(&c.codeRef, pc)
	if !ok {
		c.emulateFault(F_CODE_FETCH)
		return NopInstr
	}

	instr := binary.LittleEndian.Uint16(bundle[pc&2:])
	if c.Trace {
		c.traceFetch(instr)
	}

	c.regs[RegPC] += 2
	return instr
}

func (c *CPU) execute16(instr uint16) {
	if instr&AluMask == AluTest {
		// lsl, lsr, asr, add, sub, mov, cmp: group on bits [13:11]
		switch (instr >> 11) & 0x7 {
		case 0:
			c.emulateLSLImm(instr)
		case 1:
			c.emulateLSRImm(instr)
		case 2:
			c.emulateASRImm(instr)
		case 3:
			switch (instr >> 9) & 0x3 {
			case 0:
				c.emulateADDReg(instr)
			case 1:
				c.emulateSUBReg(instr)
			case 2:
				c.emulateADD3Imm(instr)
			case 3:
				c.emulateSUB3Imm(instr)
			}
		case 4:
			c.emulateMovImm(instr)
		case 5:
			c.emulateCmpImm(instr)
		case 6:
			c.emulateADD8Imm(instr)
		case 7:
			c.emulateSUB8Imm(instr)
		}
		return
	}
	if instr&DataProcMask == DataProcTest {
		switch (instr >> 6) & 0xF {
		case 0:
			c.emulateANDReg(instr)
		case 1:
			c.emulateEORReg(instr)
		case 2:
			c.emulateLSLReg(instr)
		case 3:
			c.emulateLSRReg(instr)
		case 4:
			c.emulateASRReg(instr)
		case 5:
			c.emulateADCReg(instr)
		case 6:
			c.emulateSBCReg(instr)
		case 7:
			c.emulateRORReg(instr)
		case 8:
			c.emulateTSTReg(instr)
		case 9:
			c.emulateRSBImm(instr)
		case 10:
			c.emulateCMPReg(instr)
		case 11:
			c.emulateCMNReg(instr)
		case 12:
			c.emulateORRReg(instr)
		case 13:
			c.emulateMUL(instr)
		case 14:
			c.emulateBICReg(instr)
		case 15:
			c.emulateMVNReg(instr)
		}
		return
	}
	if instr&MiscMask == MiscTest {
		opcode := (instr >> 5) & 0x7F
		if opcode&0x78 == 0x2 {
			switch (opcode >> 1) & 0x3 {
			case 0:
				c.emulateSXTH(instr)
			case 1:
				c.emulateSXTB(instr)
			case 2:
				c.emulateUXTH(instr)
			case 3:
				c.emulateUXTB(instr)
			}
			return
		}
	}
	if instr&MovMask == MovTest {
		c.emulateMOV(instr)
		return
	}
	if instr&SvcMask == SvcTest {
		c.emulateSVC(instr)
		return
	}
	if instr&PcRelLdrMask == PcRelLdrTest {
		c.emulateLDRLitPool(instr)
		return
	}
	if instr&SpRelLdrStrMask == SpRelLdrStrTest {
		if instr&(1<<11) != 0 {
			c.emulateLDRSPImm(instr)
		} else {
			c.emulateSTRSPImm(instr)
		}
		return
	}
	if instr&SpRelAddMask == SpRelAddTest {
		c.emulateADDSpImm(instr)
		return
	}
	if instr&UncondBranchMask == UncondBranchTest {
		c.emulateB(instr)
		return
	}
	if instr&CompareBranchMask == CompareBranchTest {
		c.emulateCBZ(instr)
		return
	}
	if instr&CondBranchMask == CondBranchTest {
		c.emulateCondB(instr)
		return
	}
	if instr == NopInstr {
		return
	}

	// Only validated instructions should ever get here.
	log.Debugf("svm: invalid 16-bit instruction: 0x%04x", instr)
	c.emulateFault(F_CPU_SIM)
}

func (c *CPU) execute32(instr uint32) {
	if instr&StrMask == StrTest {
		c.emulateSTR(instr)
		return
	}
	if instr&StrBhMask == StrBhTest {
		c.emulateSTRBH(instr)
		return
	}
	if instr&LdrBhMask == LdrBhTest {
		c.emulateLDRBH(instr)
		return
	}
	if instr&LdrMask == LdrTest {
		c.emulateLDR(instr)
		return
	}
	if instr&MovWtMask == MovWtTest {
		c.emulateMOVWT(instr)
		return
	}
	if instr&DivMask == DivTest {
		c.emulateDIV(instr)
		return
	}
	if instr&ClzMask == ClzTest {
		c.emulateCLZ(instr)
		return
	}

	log.Debugf("svm: invalid 32-bit instruction: 0x%08x", instr)
	c.emulateFault(F_CPU_SIM)
}

// Run executes from the given stack pointer and entry point until the
// runtime stops the machine.
func (c *CPU) Run(sp, pc Reg) {
	c.regs[RegSP] = sp
	c.regs[RegPC] = pc

	for !c.rt.stopped {
		if c.rt.debugger != nil && c.rt.debugger.shouldStop(c) {
			// Parked: let the transport service debugger traffic.  With
			// nobody to talk to, a stop is final.
			if c.rt.debugger.OnStopped == nil {
				break
			}
			c.rt.debugger.OnStopped()
			continue
		}

		instr := c.fetch()
		if c.rt.stopped {
			break
		}
		if DecodeSize(instr) == InstrBits16 {
			c.execute16(instr)
		} else {
			low := c.fetch()
			if c.rt.stopped {
				break
			}
			c.execute32(uint32(instr)<<16 | uint32(low))
		}
	}

	c.codeRef.Release()
}
