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

package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeAll(dec *Decoder, packets [][]byte) {
	for _, p := range packets {
		dec.DecodePacket(p)
	}
}

func requireSync(t *testing.T, enc *Encoder, dec *Decoder) {
	t.Helper()
	require.Equal(t, enc.model, dec.VRAM,
		"encoder model and decoder VRAM diverged")
}

func TestTileWordEncoding(t *testing.T) {
	for _, index := range []uint16{0, 1, 0x7F, 0x80, 0x1234, 0x3FFF} {
		word := TileWord(index)
		require.Equal(t, uint16(0), word&0x0101,
			"tile words keep byte LSBs clear")
		require.Equal(t, index, TileIndex(word))
	}
}

func TestRoundTripLiteralsAndCopies(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder()

	// A few scattered literals, then an identical neighbor that should
	// ride a repeat of the previous literal.
	enc.PokeTile(0, TileWord(100))
	enc.PokeTile(1, TileWord(100))
	enc.PokeTile(2, TileWord(103))
	enc.PokeTile(40, TileWord(7))
	enc.PokeTile(41, TileWord(8))

	decodeAll(dec, enc.Flush())
	requireSync(t, enc, dec)

	require.Equal(t, TileWord(100), dec.VRAM[0])
	require.Equal(t, TileWord(100), dec.VRAM[1])
	require.Equal(t, TileWord(103), dec.VRAM[2])
	require.Equal(t, TileWord(7), dec.VRAM[40])
	require.Equal(t, TileWord(8), dec.VRAM[41])
}

func TestRoundTripDenseBuffer(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder()

	for addr := 0; addr < VRAMWords; addr++ {
		enc.PokeTile(uint16(addr), TileWord(uint16(addr*3)&0x3FFF))
	}

	decodeAll(dec, enc.Flush())
	requireSync(t, enc, dec)
}

func TestRoundTripIncremental(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder()

	// Several flushes against the same decoder: the encoder's model
	// must track the cube across stream resets.
	for round := 0; round < 5; round++ {
		for addr := 0; addr < 64; addr++ {
			enc.PokeTile(uint16(addr),
				TileWord(uint16(round*37+addr)&0x3FFF))
		}
		decodeAll(dec, enc.Flush())
		requireSync(t, enc, dec)
	}
}

func TestRoundTripNonTileWords(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder()

	// Words with the reserved LSBs set can't use delta coding and go
	// through the extended 16-bit literal.
	enc.PokeTile(10, 0xBEEF)
	enc.PokeTile(11, 0x0101)

	decodeAll(dec, enc.Flush())
	requireSync(t, enc, dec)
	require.Equal(t, uint16(0xBEEF), dec.VRAM[10])
}

func TestVerticalStripeCompresses(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder()

	// A full-width stripe where each cell equals the cell above plus
	// one: after the first row, everything is a +1 diff against the
	// "above" sample, and the repeats collapse into long runs.
	rows := 16
	for y := 0; y < rows; y++ {
		for x := 0; x < VRAMStride; x++ {
			addr := uint16(y*VRAMStride + x)
			enc.PokeTile(addr, TileWord(uint16(100+y)))
		}
	}

	packets := enc.Flush()
	decodeAll(dec, packets)
	requireSync(t, enc, dec)

	total := 0
	for _, p := range packets {
		total += len(p)
	}

	// 288 tiles in well under a nybble per tile.
	require.Less(t, total, 40, "stream should compress well, got %d bytes",
		total)
}

func TestNarrowStripeRoundTrip(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder()

	// A 4-wide stripe exercises the set-address path between runs.
	for y := 0; y < 16; y++ {
		for x := 0; x < 4; x++ {
			addr := uint16(y*VRAMStride + x)
			enc.PokeTile(addr, TileWord(uint16(100+y)))
		}
	}

	decodeAll(dec, enc.Flush())
	requireSync(t, enc, dec)
	require.Equal(t, TileWord(115), dec.VRAM[15*VRAMStride+3])
}

func TestShortPacketResyncs(t *testing.T) {
	dec := NewDecoder()

	// A short packet carrying half of a 14-bit literal: the partial
	// code must be discarded, not applied.
	dec.DecodePacket([]byte{0xCF}) // literal opcode + one arg nybble
	var zero [VRAMWords]uint16
	require.Equal(t, zero, dec.VRAM)

	// A fresh stream afterward parses from clean state.
	enc := NewEncoder()
	enc.PokeTile(3, TileWord(55))
	decodeAll(dec, enc.Flush())
	require.Equal(t, TileWord(55), dec.VRAM[3])
}

func TestEscapesConsumeByteArguments(t *testing.T) {
	dec := NewDecoder()

	var gotTL, gotTH uint8
	dec.OnSensorSync = func(tl0, th0 uint8) { gotTL, gotTH = tl0, th0 }

	acks := 0
	dec.OnAckRequest = func() { acks++ }

	var hop RadioHop
	dec.OnRadioHop = func(h RadioHop) { hop = h }

	var nap uint16
	dec.OnRadioNap = func(d uint16) { nap = d }

	enc := NewEncoder()
	dec.DecodePacket(enc.EncodeSensorSync(0x12, 0x34))
	dec.DecodePacket(enc.EncodeAckRequest())
	dec.DecodePacket(enc.EncodeRadioNap(0x1234))
	dec.DecodePacket(enc.EncodeRadioHop(RadioHop{
		Channel: 42,
		HasAddr: true,
		Addr:    [5]byte{0xEC, 0x4F, 0xA9, 0x52, 0x18},
	}))

	require.Equal(t, uint8(0x12), gotTL)
	require.Equal(t, uint8(0x34), gotTH)
	require.Equal(t, 1, acks)
	require.Equal(t, uint16(0x1234), nap)
	require.Equal(t, uint8(42), hop.Channel)
	require.True(t, hop.HasAddr)
	require.Equal(t, [5]byte{0xEC, 0x4F, 0xA9, 0x52, 0x18}, hop.Addr)
	require.False(t, hop.HasSession)
}

type byteRecorder struct {
	bytes []byte
}

func (r *byteRecorder) WriteByte(b byte) {
	r.bytes = append(r.bytes, b)
}

func TestFlashEscapeFraming(t *testing.T) {
	payload := []byte{0xE1, 0x00, 0x00} // loadstream: set address 0

	run := func(packets [][]byte) []byte {
		dec := NewDecoder()
		rec := &byteRecorder{}
		dec.Loadstream = rec
		for _, p := range packets {
			dec.DecodePacket(p)
		}
		return rec.bytes
	}

	// One packet vs. split across two: the loadstream sees identical
	// bytes either way.
	one := run([][]byte{append([]byte{0x33}, payload...)})
	two := run([][]byte{
		append([]byte{0x33}, payload[:1]...),
		append([]byte{0x33}, payload[1:]...),
	})
	require.Equal(t, one, two)
	require.Equal(t, payload, one)
}

func TestFlashEscapeResetRequest(t *testing.T) {
	dec := NewDecoder()
	resets := 0
	dec.OnFlashReset = func() { resets++ }

	// A flash escape with no trailing bytes requests a decoder reset.
	dec.DecodePacket([]byte{0x33})
	require.Equal(t, 1, resets)
}
