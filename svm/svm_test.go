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
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"cubefw.org/core/flash"
)

// Hand-assembled Thumb encodings used throughout the tests.

func movImm(rd, imm uint16) uint16 { return 0x2000 | rd<<8 | imm }
func addImm8(rd, imm uint16) uint16 { return 0x3000 | rd<<8 | imm }
func subImm8(rd, imm uint16) uint16 { return 0x3800 | rd<<8 | imm }
func cmpImm(rn, imm uint16) uint16 { return 0x2800 | rn<<8 | imm }
func svc(imm uint16) uint16        { return 0xDF00 | imm }
func ldrLit(rt, imm8 uint16) uint16 { return 0x4800 | rt<<8 | imm8 }
func uncondB(imm11 uint16) uint16  { return 0xE000 | imm11&0x7FF }

// 32-bit STR Rt, [Rn, #imm12]; returns the two halfwords in fetch order.
func str32(rt, rn, imm12 uint16) (uint16, uint16) {
	return 0xF8C0 | rn, rt<<12 | imm12
}

func ldr32(rt, rn, imm12 uint16) (uint16, uint16) {
	return 0xF8D0 | rn, rt<<12 | imm12
}

// udiv rd, rn, rm
func udiv32(rd, rn, rm uint16) (uint16, uint16) {
	return 0xFBB0 | rn, 0xF0F0 | rd<<8 | rm
}

const invalidInstr = 0xB600

// block assembles halfwords into one 256-byte code block, padding with
// NOPs.
func block(halfwords ...uint16) []byte {
	out := make([]byte, BlockSize)
	for i := 0; i < BlockSize/2; i++ {
		hw := NopInstr
		if i < len(halfwords) {
			hw = halfwords[i]
		}
		binary.LittleEndian.PutUint16(out[2*i:], hw)
	}
	return out
}

// setLiteral plants a 32-bit literal at the given word index of a block.
func setLiteral(b []byte, wordIndex int, literal uint32) {
	binary.LittleEndian.PutUint32(b[4*wordIndex:], literal)
}

// testVM wires a runtime to an in-memory flash device whose first
// program volume contains the given code image.
func testVM(t *testing.T, code []byte) (*Runtime, *flash.MemDevice) {
	t.Helper()

	dev := flash.NewMemDevice()
	flash.Attach(dev)

	var vw flash.VolumeWriter
	require.NoError(t, vw.Begin(flash.TypeAppBase, len(code), 0,
		flash.InvalidMapBlock()))
	require.NoError(t, vw.Append(code))
	require.NoError(t, vw.Commit())

	span, err := vw.Volume.Payload()
	require.NoError(t, err)

	rt := NewRuntime(nil)
	rt.Mem.SetSegment(0, span)
	return rt, dev
}

func runVM(t *testing.T, rt *Runtime, entry uint32) error {
	t.Helper()
	return rt.Run(entry, StackInfo{
		Limit: VirtualRAMBase,
		Top:   VirtualRAMBase + RAMSizeInBytes,
	})
}

func faultCode(t *testing.T, err error) FaultCode {
	t.Helper()
	fe, ok := err.(*FaultError)
	require.True(t, ok, "expected a fault, got %v", err)
	return fe.Record.Code
}

// Exit the VM cleanly: indirect SVC naming an exit-classified literal.
// The literal lives at word index 62, well past the code under test.
const exitLiteralIndex = 62

func withExit(halfwords []uint16) []byte {
	b := block(halfwords...)
	setLiteral(b, exitLiteralIndex, 0x80400000)
	return b
}

func TestVMRunsAndExits(t *testing.T) {
	code := withExit([]uint16{
		movImm(0, 1),
		addImm8(0, 2),
		svc(exitLiteralIndex),
	})

	rt, _ := testVM(t, code)
	require.NoError(t, runVM(t, rt, 0))
}

func TestUnalignedStoreFaults(t *testing.T) {
	// r1 = RAM base + 1, from a literal pool entry; then STR r0, [r1].
	strLo, strHi := str32(0, 1, 0)
	code := block(
		ldrLit(1, 14), // literal at ((pc=2)+3&~3)=4 + 14*4 = word 15
		NopInstr,
		strLo, strHi,
		svc(0x80), // unreached; closes the block for the validator
	)
	setLiteral(code, 15, VirtualRAMBase+1)

	rt, _ := testVM(t, code)
	err := runVM(t, rt, 0)

	require.Equal(t, F_STORE_ALIGNMENT, faultCode(t, err))
	fe := err.(*FaultError)
	require.Equal(t, Reg(VirtualRAMBase+1), fe.Record.Regs[1])
}

func TestStoreOutsideRAMFaults(t *testing.T) {
	strLo, strHi := str32(0, 1, 0)
	code := block(
		ldrLit(1, 14),
		NopInstr,
		strLo, strHi,
		svc(0x80),
	)
	setLiteral(code, 15, 0x00001000) // below user RAM

	rt, _ := testVM(t, code)
	require.Equal(t, F_STORE_ADDRESS, faultCode(t, runVM(t, rt, 0)))
}

func TestLoadStoreRoundTrip(t *testing.T) {
	strLo, strHi := str32(0, 1, 0)
	ldrLo, ldrHi := ldr32(2, 1, 0)
	code := withExit([]uint16{
		ldrLit(1, 14), // r1 = RAM address
		movImm(0, 0x5A),
		strLo, strHi,
		ldrLo, ldrHi,
		svc(exitLiteralIndex),
	})
	setLiteral(code, 15, VirtualRAMBase+0x100)

	rt, _ := testVM(t, code)
	require.NoError(t, runVM(t, rt, 0))
	require.Equal(t, Reg(0x5A), rt.CPU.Reg(2))
	require.Equal(t, byte(0x5A), rt.Mem.RAM()[0x100])
}

func TestDivideByZeroYieldsZero(t *testing.T) {
	divLo, divHi := udiv32(2, 0, 1)
	code := withExit([]uint16{
		movImm(0, 100),
		movImm(1, 0),
		divLo, divHi,
		svc(exitLiteralIndex),
	})

	rt, _ := testVM(t, code)
	require.NoError(t, runVM(t, rt, 0))
	require.Equal(t, Reg(0), rt.CPU.Reg(2))
}

func TestArithmeticFlags(t *testing.T) {
	// 0 - 1 sets N, clears Z and C.
	code := withExit([]uint16{
		movImm(0, 0),
		subImm8(0, 1),
		svc(exitLiteralIndex),
	})

	rt, _ := testVM(t, code)
	require.NoError(t, runVM(t, rt, 0))

	cpsr := rt.CPU.Reg(RegCPSR)
	require.True(t, getNeg(cpsr))
	require.False(t, getZero(cpsr))
	require.False(t, getCarry(cpsr))
	require.Equal(t, Reg(0xFFFFFFFF), rt.CPU.Reg(0)&0xFFFFFFFF)
}

func TestConditionalBranchTaken(t *testing.T) {
	// cmp r0, #0; beq +2 (skip the abort); exit
	code := withExit([]uint16{
		movImm(0, 0),
		cmpImm(0, 0),
		0xD000 | 0x00, // beq: skip one halfword
		svc(0x80),     // aborts if the branch falls through
		svc(exitLiteralIndex),
	})

	rt, _ := testVM(t, code)
	require.NoError(t, runVM(t, rt, 0))
}

func TestAbortFault(t *testing.T) {
	code := block(svc(0x80))
	rt, _ := testVM(t, code)
	require.Equal(t, F_ABORT, faultCode(t, runVM(t, rt, 0)))
}

func TestBadSyscallFaults(t *testing.T) {
	code := block(svc(exitLiteralIndex))
	setLiteral(code, exitLiteralIndex, 0x80000000|uint32(9999)<<16)

	rt, _ := testVM(t, code)
	require.Equal(t, F_BAD_SYSCALL, faultCode(t, runVM(t, rt, 0)))
}

func TestCallAndReturn(t *testing.T) {
	// Main calls bundle 8 through a call literal; the callee sets r0 and
	// returns; main exits.  The call SVC sits in the second half of its
	// bundle so the return address is bundle-aligned, as the ABI
	// requires of return pointers.
	code := withExit([]uint16{
		NopInstr,
		svc(60), // call literal at word 60
		svc(exitLiteralIndex),
	})
	// Callee at bundle 8 (byte offset 32): mov r0, #7; return.
	binary.LittleEndian.PutUint16(code[32:], movImm(0, 7))
	binary.LittleEndian.PutUint16(code[34:], svc(0))
	setLiteral(code, 60, 32) // call, no SP adjust

	rt, _ := testVM(t, code)
	require.NoError(t, runVM(t, rt, 0))
	require.Equal(t, Reg(7), rt.CPU.Reg(0))
}

func TestEventDispatchOrdering(t *testing.T) {
	// Main yields; the yield hook queues an event.  The handler invokes
	// syscall 10 and returns; main then exits.  The yield SVC sits in
	// the second half of its bundle so the resume PC is bundle-aligned,
	// which event delivery requires.
	code := withExit([]uint16{
		NopInstr,
		svc(0x82), // yield
		svc(exitLiteralIndex),
	})
	// Event handler at bundle 8: svc #61 (indirect syscall 10), return.
	binary.LittleEndian.PutUint16(code[32:], svc(61))
	binary.LittleEndian.PutUint16(code[34:], svc(0))
	setLiteral(code, 61, 0x80000000|uint32(10)<<16)

	rt, _ := testVM(t, code)

	fired := 0
	var frameDuringHandler Reg
	rt.SetSyscall(10, func(rt *Runtime) uint64 {
		fired++
		frameDuringHandler = rt.EventFrame()
		return 0
	})
	rt.Yield = func() {
		rt.SendEvent(Event{Addr: 32, Args: []Reg{42}})
	}

	require.NoError(t, runVM(t, rt, 0))
	require.Equal(t, 1, fired)
	require.NotEqual(t, Reg(0), frameDuringHandler)
	require.Equal(t, Reg(0), rt.EventFrame())
}

func TestReturnFrameCorruptionFaults(t *testing.T) {
	// A bare return with FP pointing nowhere useful.
	code := block(svc(0))

	rt, _ := testVM(t, code)
	rt.CPU.SetReg(RegFP, 0x4) // not a RAM address
	err := runVM(t, rt, 0)
	require.Equal(t, F_RETURN_FRAME, faultCode(t, err))
}

func TestNotRespondingFault(t *testing.T) {
	code := withExit([]uint16{
		svc(0x82),
		svc(exitLiteralIndex),
	})

	rt, _ := testVM(t, code)
	rt.RaiseNotResponding()
	require.Equal(t, F_NOT_RESPONDING, faultCode(t, runVM(t, rt, 0)))
}
