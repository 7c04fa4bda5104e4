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
 * The static validator proves, one 256-byte block at a time, that code is
 * safe to execute: every instruction is in the permitted subset and every
 * reachable successor is either another proven bundle or a terminator
 * whose real target gets checked at runtime.
 *
 * The algorithm tracks a shrinking upper bound on the number of valid
 * bundles, plus the maximum successor seen among bundles below the bound.
 * Whenever a bundle's successor reaches at or past the bound, the bundle
 * itself is invalid and the bound drops to exclude it.  Iteration runs
 * backward so that trailing runs of straight-line code collapse in a
 * single pass instead of one bound-decrement per pass; convergence is
 * guaranteed because every extra pass strictly decreases the bound.
 */

package svm

import "encoding/binary"

// maxSuccessor values: -1 marks a terminator (always safe), and any value
// >= BundlesPerBlock marks an invalid bundle.
const (
	successorTerminator = -1
	successorInvalid    = BundlesPerBlock
)

// Rotate by 16 bits.  The 32-bit masks are written in data sheet order
// (halfwords swapped relative to a little-endian word load), so we swap
// the masks rather than the fetched word.
func rot16(word uint32) uint32 {
	return word<<16 | word>>16
}

// All current 32-bit instructions have no effect on control flow: if
// valid at all, they have exactly one successor.
func validate32(word uint32, bundleIndex int) int {
	if word&rot16(LdrMask) == rot16(LdrTest) ||
		word&rot16(StrMask) == rot16(StrTest) ||
		word&rot16(LdrBhMask) == rot16(LdrBhTest) ||
		word&rot16(StrBhMask) == rot16(StrBhTest) ||
		word&rot16(MovWtMask) == rot16(MovWtTest) ||
		word&rot16(ClzMask) == rot16(ClzTest) ||
		word&rot16(DivMask) == rot16(DivTest) {
		return bundleIndex + 1
	}
	return successorInvalid
}

// Convert a branch target to a max-successor: it must be bundle aligned
// and inside the block.  Reg is unsigned, so a backward underflow shows
// up as a huge offset and fails the bounds check.
func checkBranch(target Reg) int {
	if target&3 != 0 {
		return successorInvalid
	}
	if target >= BlockSize {
		return successorInvalid
	}
	return int(target >> 2)
}

// Classify an SVC.  Returns its successor and whether control also chains
// to the next instruction.
//
// Any SVC which transfers flow control is a terminator for the static
// validator, since it embodies a guarantee that the actual target will be
// validated at runtime.  This holds even for calls: the return address
// lives in untrusted RAM and must be revalidated on return anyway.
func validateSVC(word uint32, block []byte) (int, bool) {
	imm8 := word & 0xFF

	if imm8&0x80 != 0 {
		// Direct SVCs have no bundle-aligned successors.  Some of them
		// never pass control to the next instruction.
		chains := !(imm8 == SvcAbort || imm8&0xF0 == 0xF0)
		return successorTerminator, chains
	}

	if imm8 == 0 {
		// Return
		return successorTerminator, false
	}

	// Indirect SVC: load the argument literal and classify it.
	if imm8 >= BlockSize/4 {
		return successorInvalid, false
	}
	literal := binary.LittleEndian.Uint32(block[4*imm8:])

	if literal&SvcBranchMask == SvcBranchTest ||
		literal&CallMask == CallTest ||
		literal&TailCallMask == TailCallTest ||
		literal&TailSyscallMask == TailSyscallTest ||
		literal&SvcExitMask == SvcExitTest {
		return successorTerminator, false
	}

	// Ordinary syscalls transfer control to the next instruction.
	return successorTerminator, true
}

// Classify one 16-bit instruction; the upper bits of word are ignored.
// Returns its successor and whether control chains to the next
// instruction.
func validate16(word uint32, bundleIndex int, bundleOffset uint32,
	block []byte) (int, bool) {

	instr := uint16(word)

	// Easy cases: no branching or terminators, no arguments to validate.
	if instr&AluMask == AluTest ||
		instr&DataProcMask == DataProcTest ||
		instr&MiscMask == MiscTest ||
		instr&MovMask == MovTest ||
		instr&PcRelLdrMask == PcRelLdrTest ||
		instr&SpRelLdrStrMask == SpRelLdrStrTest ||
		instr&SpRelAddMask == SpRelAddTest ||
		instr == NopInstr {
		return successorTerminator, true
	}

	if instr&SvcMask == SvcTest {
		return validateSVC(word, block)
	}

	// All other permitted instructions are branches.  Fabricate the
	// program counter as it would appear while executing here.
	pc := Reg(uint32(bundleIndex)<<2|bundleOffset) + 2

	if instr&UncondBranchMask == UncondBranchTest {
		return checkBranch(branchTargetB(instr, pc)), false
	}

	if instr&CondBranchMask == CondBranchTest {
		return checkBranch(passedBranchTargetCondB(instr, pc)), true
	}

	if instr&CompareBranchMask == CompareBranchTest {
		return checkBranch(passedBranchTargetCBZ(instr, pc)), true
	}

	// Invalid instruction!
	return successorInvalid, false
}

// Max-successor for one bundle.  A bundle holds either one 32-bit
// instruction or up to two 16-bit instructions; if the first halfword is
// a terminator the second is dead space the compiler may use for data.
func validateBundle(block []byte, index int) int {
	word := binary.LittleEndian.Uint32(block[4*index:])

	if DecodeSize(uint16(word)) == InstrBits32 {
		return validate32(word, index)
	}

	s1, chains := validate16(word, index, 0, block)
	if !chains {
		return s1
	}

	s2, chains := validate16(word>>16, index, 2, block)
	if chains && index+1 > s2 {
		// Fall through to the next bundle
		s2 = index + 1
	}

	if s1 > s2 {
		return s1
	}
	return s2
}

// Validate determines how many bundles, starting from the beginning of a
// 256-byte block, are usable as branch targets.  Every bundle in that
// range is itself valid and only transfers control to other valid bundles
// or to runtime-checked terminators.  Validation never modifies memory
// and holds no state between calls.
func Validate(block []byte) int {
	upperBound := BundlesPerBlock
	sMax := 0

	for {
		sMax = -1

		for index := upperBound - 1; index >= 0; index-- {
			sBundle := validateBundle(block, index)

			if sBundle >= upperBound {
				// Definitely invalid: the last valid bundle comes before
				// this one.  Results collected so far are moot; reset
				// sMax rather than polluting it with this bundle.
				sMax = -1
				upperBound = index
			} else if sBundle > sMax {
				sMax = sBundle
			}
		}

		if sMax < upperBound {
			return upperBound
		}
	}
}
