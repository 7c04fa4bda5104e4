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
 * Structured program logging.  A log event on the wire is one 32-bit tag
 * followed by up to seven 32-bit arguments.  Format strings are not
 * transmitted: they live in a dedicated section of the debug ELF and are
 * dereferenced by index, so release binaries stay small and logging stays
 * cheap inside the VM.
 */

package svm

import (
	"encoding/hex"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// LogTag: bits [31:27] event kind, [26:24] argument arity, [23:0] a
// kind-specific parameter (string table offset or byte length).
type LogTag uint32

type LogKind int

const (
	LogKindFmt LogKind = iota // parameter = format string table offset
	LogKindString             // r1 = RAM/flash address of a NUL string
	LogKindHexDump            // r1 = address, parameter = byte count
	LogKindScript             // parameter = script identifier
)

const maxLogDumpBytes = 64

func MakeLogTag(kind LogKind, arity int, param uint32) LogTag {
	return LogTag(uint32(kind)<<27 | uint32(arity&0x7)<<24 | param&0xFFFFFF)
}

func (t LogTag) Kind() LogKind {
	return LogKind(t >> 27 & 0x1F)
}

func (t LogTag) Arity() int {
	return int(t >> 24 & 0x7)
}

func (t LogTag) Param() uint32 {
	return uint32(t) & 0xFFFFFF
}

// logRecord decodes and emits one _SYS_log event.
func (rt *Runtime) logRecord(tag LogTag, args []uint32) {
	switch tag.Kind() {
	case LogKindFmt:
		format := ""
		if rt.Program != nil {
			format = rt.Program.LogString(tag.Param())
		}
		if format == "" {
			log.Infof("prog: <format 0x%06x> %v", tag.Param(), args)
			return
		}
		log.Infof("prog: %s", rt.expandLogFormat(format, args))

	case LogKindString:
		if len(args) < 1 {
			return
		}
		s, ok := rt.Mem.StrlcpyRO(Reg(args[0]), 256)
		if !ok {
			rt.fault(F_LOG_FETCH)
			return
		}
		log.Infof("prog: %s", s)

	case LogKindHexDump:
		if len(args) < 1 {
			return
		}
		count := tag.Param()
		if count > maxLogDumpBytes {
			count = maxLogDumpBytes
		}
		buf := make([]byte, count)
		if !rt.Mem.CopyRO(buf, Reg(args[0])) {
			rt.fault(F_LOG_FETCH)
			return
		}
		log.Infof("prog: dump %s", hex.EncodeToString(buf))

	case LogKindScript:
		log.Debugf("prog: script event %d", tag.Param())
	}
}

// expandLogFormat handles the %d/%u/%x/%c/%s subset of conversions that
// the toolchain emits into log format strings.
func (rt *Runtime) expandLogFormat(format string, args []uint32) string {
	var out strings.Builder
	argIndex := 0

	nextArg := func() uint32 {
		if argIndex < len(args) {
			v := args[argIndex]
			argIndex++
			return v
		}
		return 0
	}

	for i := 0; i < len(format); i++ {
		ch := format[i]
		if ch != '%' || i+1 >= len(format) {
			out.WriteByte(ch)
			continue
		}

		i++
		switch format[i] {
		case '%':
			out.WriteByte('%')
		case 'd':
			fmt.Fprintf(&out, "%d", int32(nextArg()))
		case 'u':
			fmt.Fprintf(&out, "%d", nextArg())
		case 'x':
			fmt.Fprintf(&out, "%x", nextArg())
		case 'c':
			out.WriteByte(byte(nextArg()))
		case 's':
			s, ok := rt.Mem.StrlcpyRO(Reg(nextArg()), 256)
			if !ok {
				rt.fault(F_LOG_FETCH)
				return out.String()
			}
			out.WriteString(s)
		default:
			out.WriteByte('%')
			out.WriteByte(format[i])
		}
	}

	return out.String()
}
