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
 * Game binaries are ELF32 little-endian ARM images produced by the
 * toolchain, stored whole in a flash volume and executed in place: flash
 * segment 0 maps the volume payload, so a code address is just the
 * segment base plus the file offset.  Only the program headers matter at
 * runtime; section headers and everything behind the debug marker exist
 * for symbolization and log decoding on the host.
 */

package svm

import (
	"debug/elf"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"cubefw.org/core/flash"
	"cubefw.org/core/util"
)

// Program header type for the toolchain's metadata segment.
const ProgMetadata elf.ProgType = 0x70000001

// Section holding log format strings in debug builds.
const logStringSection = ".debug_logstr"

type progSymbol struct {
	value uint32
	size  uint32
	name  string
}

type Program struct {
	Volume flash.Volume
	Entry  uint32

	span flash.Span

	roOffset uint32
	roSize   uint32

	rwOffset uint32
	rwVaddr  uint32
	rwSize   uint32

	bssVaddr uint32
	bssSize  uint32

	Metadata []byte

	logStrings []byte
	symbols    []progSymbol
}

// LoadProgram parses and sanity-checks the ELF image stored in a volume.
func LoadProgram(vol flash.Volume) (*Program, error) {
	span, err := vol.Payload()
	if err != nil {
		return nil, err
	}

	f, err := elf.NewFile(span)
	if err != nil {
		return nil, util.FmtCoreError("bad ELF image: %s", err.Error())
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 || f.Data != elf.ELFDATA2LSB ||
		f.Machine != elf.EM_ARM || f.Type != elf.ET_EXEC {
		return nil, util.NewCoreError("bad ELF image: wrong machine type")
	}

	p := &Program{
		Volume: vol,
		Entry:  uint32(f.Entry),
		span:   span,
	}

	haveRO := false
	for _, ph := range f.Progs {
		switch {
		case ph.Type == ProgMetadata:
			p.Metadata = make([]byte, ph.Filesz)
			if _, err := ph.ReadAt(p.Metadata, 0); err != nil {
				return nil, util.NewCoreError("bad ELF metadata segment")
			}

		case ph.Type != elf.PT_LOAD:
			continue

		case ph.Flags&elf.PF_X != 0:
			// Read-only, executable segment: runs in place from flash,
			// and must be aligned to a whole code block.
			if ph.Off&BlockMask != 0 {
				return nil, util.NewCoreError(
					"bad ELF image: misaligned code segment")
			}
			p.roOffset = uint32(ph.Off)
			p.roSize = uint32(ph.Filesz)
			haveRO = true

		case ph.Filesz > 0:
			p.rwOffset = uint32(ph.Off)
			p.rwVaddr = uint32(ph.Vaddr)
			p.rwSize = uint32(ph.Filesz)

		default:
			p.bssVaddr = uint32(ph.Vaddr)
			p.bssSize = uint32(ph.Memsz)
		}
	}

	if !haveRO {
		return nil, util.NewCoreError("bad ELF image: no code segment")
	}

	// Debug builds carry extra sections past the runtime-required prefix;
	// grab the pieces symbolization and log decoding want.
	if sec := f.Section(logStringSection); sec != nil {
		if data, err := sec.Data(); err == nil {
			p.logStrings = data
		}
	}

	if syms, err := f.Symbols(); err == nil {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Name == "" {
				continue
			}
			p.symbols = append(p.symbols, progSymbol{
				value: uint32(s.Value) & 0xFFFFFF,
				size:  uint32(s.Size),
				name:  s.Name,
			})
		}
		sort.Slice(p.symbols, func(i, j int) bool {
			return p.symbols[i].value < p.symbols[j].value
		})
	}

	return p, nil
}

// Install maps the program into VM memory and initializes its data
// segments.  On failure the returned fault code tells the runtime what
// went wrong.
func (p *Program) Install(rt *Runtime) FaultCode {
	rt.Mem.Reset()
	rt.Mem.SetSegment(0, p.span)

	if p.rwSize > 0 {
		pa, ok := rt.Mem.MapRAM(Reg(p.rwVaddr), p.rwSize)
		if !ok {
			return F_RWDATA_SEG
		}
		if err := p.span.CopyBytes(p.rwOffset, pa); err != nil {
			return F_RWDATA_SEG
		}
	}

	if p.bssSize > 0 {
		pa, ok := rt.Mem.MapRAM(Reg(p.bssVaddr), p.bssSize)
		if !ok {
			return F_RWDATA_SEG
		}
		for i := range pa {
			pa[i] = 0
		}
	}

	rt.Program = p
	log.Debugf("svm: installed program from volume block %d, entry 0x%06x",
		p.Volume.Block.Code, p.Entry)
	return F_UNKNOWN
}

// LogString fetches a NUL-terminated format string from the debug string
// table.
func (p *Program) LogString(offset uint32) string {
	if int(offset) >= len(p.logStrings) {
		return ""
	}
	s := p.logStrings[offset:]
	if i := strings.IndexByte(string(s), 0); i >= 0 {
		return string(s[:i])
	}
	return string(s)
}

// Symbolize resolves a virtual PC to "function+offset" using the debug
// symbol table, or "" when no symbol covers it.
func (p *Program) Symbolize(pc uint32) string {
	off := pc & 0xFFFFFF
	i := sort.Search(len(p.symbols), func(i int) bool {
		return p.symbols[i].value > off
	})
	if i == 0 {
		return ""
	}
	sym := p.symbols[i-1]
	if sym.size != 0 && off >= sym.value+sym.size {
		return ""
	}

	if off == sym.value {
		return sym.name
	}
	return fmt.Sprintf("%s+0x%x", sym.name, off-sym.value)
}

// RunVolume loads, installs and executes the program in a volume,
// surfacing load failures as faults of the appropriate kind.
func (rt *Runtime) RunVolume(vol flash.Volume) error {
	prog, err := LoadProgram(vol)
	if err != nil {
		rec := FaultRecord{Code: F_BAD_ELF_HEADER}
		log.Errorf("vm fault %s: %s", rec.Code, err.Error())
		return &FaultError{Record: rec}
	}

	if code := prog.Install(rt); code != F_UNKNOWN {
		return &FaultError{Record: FaultRecord{Code: code}}
	}

	stack := StackInfo{
		Limit: VirtualRAMBase,
		Top:   VirtualRAMBase + RAMSizeInBytes,
	}
	return rt.Run(prog.Entry, stack)
}
