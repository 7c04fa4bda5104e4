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
	"sort"

	log "github.com/sirupsen/logrus"

	"cubefw.org/core/util"
)

// LFS is the in-memory state for one parent volume's object store: its
// child volumes, sorted by ascending sequence number.
type LFS struct {
	parent Volume
	vols   []lfsChild
}

type lfsChild struct {
	vol Volume
	seq uint32
}

// One parsed record with its computed object-area offset.
type lfsIndexEntry struct {
	rec       lfsRecord
	objOffset uint32
}

// Parsed view of a single index block.
type lfsIndexBlock struct {
	row     int
	entries []lfsIndexEntry

	// Byte offset of the first erased record slot, or -1 if full.
	writePos int

	// Byte offset of the first erased anchor slot, meaningful only when
	// hasAnchor is false.
	anchorPos int
	hasAnchor bool

	// Object offset just past the last valid record.
	nextObjOffset uint32
}

// OpenLFS enumerates and orders the children of a parent volume.
func OpenLFS(parent Volume) (*LFS, error) {
	l := &LFS{parent: parent}

	var it VolumeIter
	it.Begin()
	for {
		v, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		typ, err := v.Type()
		if err != nil {
			return nil, err
		}
		if typ != TypeLFS {
			continue
		}

		p, err := v.Parent()
		if err != nil {
			return nil, err
		}
		if p.Code != parent.Block.Code {
			continue
		}

		raw, err := v.TypeSpecificData()
		if err != nil {
			return nil, err
		}
		d := decodeLFSVolumeData(raw)
		l.vols = append(l.vols, lfsChild{vol: v, seq: d.sequence})
	}

	sort.Slice(l.vols, func(i, j int) bool {
		return l.vols[i].seq < l.vols[j].seq
	})
	return l, nil
}

func (l *LFS) parseIndexBlock(span Span, row int) (lfsIndexBlock, error) {
	ib := lfsIndexBlock{row: row, writePos: -1}

	var buf [CacheBlockSize]byte
	if err := span.CopyBytes(lfsIndexBlockOffset(row), buf[:]); err != nil {
		return ib, err
	}

	// Zero or more torn anchors may precede the single valid one.
	pos := 0
	var objOffset uint32
	for {
		if pos+lfsAnchorSize > CacheBlockSize {
			return ib, nil
		}
		a := decodeLFSAnchor(buf[pos : pos+lfsAnchorSize])
		if lfsIsErased(buf[pos : pos+lfsAnchorSize]) {
			ib.anchorPos = pos
			return ib, nil
		}
		pos += lfsAnchorSize
		if a.isValid() {
			ib.hasAnchor = true
			objOffset = a.offsetInBytes()
			break
		}
	}

	// Records follow the anchor.  Torn records consume an index slot but
	// never allocated object space; only valid ones advance the offset.
	for pos+lfsRecordSize <= CacheBlockSize {
		slot := buf[pos : pos+lfsRecordSize]
		if lfsIsErased(slot) {
			ib.writePos = pos
			break
		}
		r := decodeLFSRecord(slot)
		if r.isValid() {
			ib.entries = append(ib.entries,
				lfsIndexEntry{rec: r, objOffset: objOffset})
			objOffset += uint32(r.sizeInBytes())
		}
		pos += lfsRecordSize
	}

	ib.nextObjOffset = objOffset
	return ib, nil
}

// FindObject locates the newest committed version of a key.  It returns
// the object's device address and size.  A version whose body checksum
// fails (a torn write) is skipped in favor of the previous good copy.
func (l *LFS) FindObject(key int) (uint32, int, bool, error) {
	if !LFSKeyAllowed(key) {
		return 0, 0, false, util.FmtCoreError("bad object key %d", key)
	}

	for vi := len(l.vols) - 1; vi >= 0; vi-- {
		v := l.vols[vi].vol

		raw, err := v.TypeSpecificData()
		if err != nil {
			return 0, 0, false, err
		}
		d := decodeLFSVolumeData(raw)

		span, err := v.Payload()
		if err != nil {
			return 0, 0, false, err
		}

		for row := LFSNumRows - 1; row >= 0; row-- {
			if !d.filters[row].Test(row, key) {
				continue
			}

			ib, err := l.parseIndexBlock(span, row)
			if err != nil {
				return 0, 0, false, err
			}
			if !ib.hasAnchor {
				continue
			}

			for i := len(ib.entries) - 1; i >= 0; i-- {
				e := ib.entries[i]
				if int(e.rec.key) != key {
					continue
				}

				body := make([]byte, e.rec.sizeInBytes())
				if err := span.CopyBytes(e.objOffset, body); err != nil {
					return 0, 0, false, err
				}
				if ObjectCRC(body) != e.rec.crc {
					// Interrupted write; fall back to an earlier version.
					continue
				}

				addr, err := span.FlashAddr(e.objOffset)
				if err != nil {
					return 0, 0, false, err
				}
				return addr, e.rec.sizeInBytes(), true, nil
			}
		}
	}

	return 0, 0, false, nil
}

// ReadObject fetches the newest committed value of a key.
func (l *LFS) ReadObject(key int) ([]byte, bool, error) {
	addr, size, ok, err := l.FindObject(key)
	if err != nil || !ok {
		return nil, ok, err
	}

	body := make([]byte, size)
	for off := 0; off < size; {
		ref, err := GetBlock(addr + uint32(off))
		if err != nil {
			return nil, false, err
		}
		blockOff := (addr + uint32(off)) & CacheBlockMask
		n := copy(body[off:], ref.Data()[blockOff:])
		ref.Release()
		off += n
	}
	return body, true, nil
}

func (l *LFS) newestSequence() uint32 {
	if len(l.vols) == 0 {
		return 0
	}
	return l.vols[len(l.vols)-1].seq
}

func (l *LFS) addVolume() error {
	seq := l.newestSequence() + 1

	var vw VolumeWriter
	if err := vw.Begin(TypeLFS, lfsPayloadBlocks*CacheBlockSize,
		lfsTypeDataBytes, l.parent.Block); err != nil {
		return err
	}
	if err := vw.Commit(); err != nil {
		return err
	}

	var seqBytes [4]byte
	seqBytes[0] = uint8(seq)
	seqBytes[1] = uint8(seq >> 8)
	seqBytes[2] = uint8(seq >> 16)
	seqBytes[3] = uint8(seq >> 24)
	if err := vw.Volume.WriteTypeData(0, seqBytes[:]); err != nil {
		return err
	}

	log.Debugf("lfs: new child volume in block %d, sequence %d",
		vw.Volume.Block.Code, seq)

	l.vols = append(l.vols, lfsChild{vol: vw.Volume, seq: seq})
	return nil
}

func (l *LFS) writeFilterBit(v Volume, row, key int) error {
	bits := ^uint16(filterBit(row, key))
	return v.WriteTypeData(4+2*row, []byte{uint8(bits), uint8(bits >> 8)})
}

// NewObject allocates space for a new version of a key and writes its
// index record.  The caller programs the body at the returned device
// address; a crash in between leaves a record whose checksum won't match,
// which FindObject skips.
func (l *LFS) NewObject(key, size int, crc uint16) (uint32, error) {
	if !LFSKeyAllowed(key) {
		return 0, util.FmtCoreError("bad object key %d", key)
	}
	if !LFSSizeAllowed(size) {
		return 0, util.FmtCoreError("bad object size %d", size)
	}

	if len(l.vols) == 0 {
		if err := l.addVolume(); err != nil {
			return 0, err
		}
	}

	for attempt := 0; attempt < 3; attempt++ {
		v := l.vols[len(l.vols)-1].vol
		span, err := v.Payload()
		if err != nil {
			return 0, err
		}

		// Find the newest index block in use.
		lastRow := -1
		var last lfsIndexBlock
		for row := 0; row < LFSNumRows; row++ {
			ib, err := l.parseIndexBlock(span, row)
			if err != nil {
				return 0, err
			}
			if !ib.hasAnchor {
				break
			}
			lastRow = row
			last = ib
		}

		var objOffset uint32
		if lastRow >= 0 {
			objOffset = last.nextObjOffset
		}
		objEnd := objOffset + uint32(size)

		// Room in the current index block and the object area?
		if lastRow >= 0 && last.writePos >= 0 &&
			objEnd <= lfsIndexBlockOffset(lastRow) {
			return l.commitRecord(v, span, lastRow, last.writePos,
				objOffset, key, size, crc)
		}

		// Start a new index block, if one fits below the object area.
		newRow := lastRow + 1
		if newRow < LFSNumRows && objEnd <= lfsIndexBlockOffset(newRow) {
			ib, err := l.parseIndexBlock(span, newRow)
			if err != nil {
				return 0, err
			}
			if !ib.hasAnchor &&
				ib.anchorPos+lfsAnchorSize+lfsRecordSize <= CacheBlockSize {

				anchor := makeLFSAnchor(objOffset)
				var ab [lfsAnchorSize]byte
				anchor.encode(ab[:])
				addr, err := span.FlashAddr(
					lfsIndexBlockOffset(newRow) + uint32(ib.anchorPos))
				if err != nil {
					return 0, err
				}
				if err := deviceWrite(addr, ab[:]); err != nil {
					return 0, err
				}

				return l.commitRecord(v, span, newRow,
					ib.anchorPos+lfsAnchorSize, objOffset, key, size, crc)
			}
		}

		// This volume is full; grow the ring.
		if err := l.addVolume(); err != nil {
			return 0, err
		}
	}

	return 0, util.NewCoreError("lfs: unable to allocate object")
}

func (l *LFS) commitRecord(v Volume, span Span, row, recordPos int,
	objOffset uint32, key, size int, crc uint16) (uint32, error) {

	rec := makeLFSRecord(key, size, crc)
	var rb [lfsRecordSize]byte
	rec.encode(rb[:])

	addr, err := span.FlashAddr(lfsIndexBlockOffset(row) + uint32(recordPos))
	if err != nil {
		return 0, err
	}
	if err := deviceWrite(addr, rb[:]); err != nil {
		return 0, err
	}

	if err := l.writeFilterBit(v, row, key); err != nil {
		return 0, err
	}

	return span.FlashAddr(objOffset)
}

// WriteObject is the all-in-one write path: index record plus body.
func (l *LFS) WriteObject(key int, body []byte) error {
	addr, err := l.NewObject(key, len(body), ObjectCRC(body))
	if err != nil {
		return err
	}
	return deviceWrite(addr, body)
}

// CollectGarbage deletes child volumes whose records are all superseded,
// and compacts a sparse oldest volume by copying its live objects forward
// into the head of the ring.  Two pad volume slots are reserved for that
// copy, which bounds the worst-case child count.
func (l *LFS) CollectGarbage() error {
	type liveObj struct {
		key  int
		size int
	}

	var seen [LFSMaxKeys]bool
	liveIn := make(map[uint8][]liveObj)
	liveBytes := make(map[uint8]int)

	// Newest volume first; within one volume, newest row and record
	// first.  The first CRC-valid record for a key is its authoritative
	// version.
	for vi := len(l.vols) - 1; vi >= 0; vi-- {
		v := l.vols[vi].vol
		span, err := v.Payload()
		if err != nil {
			return err
		}

		for row := LFSNumRows - 1; row >= 0; row-- {
			ib, err := l.parseIndexBlock(span, row)
			if err != nil {
				return err
			}
			if !ib.hasAnchor {
				continue
			}
			for i := len(ib.entries) - 1; i >= 0; i-- {
				e := ib.entries[i]
				key := int(e.rec.key)
				if seen[key] {
					continue
				}

				body := make([]byte, e.rec.sizeInBytes())
				if err := span.CopyBytes(e.objOffset, body); err != nil {
					return err
				}
				if ObjectCRC(body) != e.rec.crc {
					continue
				}

				seen[key] = true
				code := v.Block.Code
				liveIn[code] = append(liveIn[code],
					liveObj{key: key, size: e.rec.sizeInBytes()})
				liveBytes[code] += e.rec.sizeInBytes()
			}
		}
	}

	// Drop volumes with nothing live.
	kept := l.vols[:0]
	for _, c := range l.vols {
		if len(liveIn[c.vol.Block.Code]) == 0 {
			log.Debugf("lfs: collecting child volume in block %d",
				c.vol.Block.Code)
			if err := c.vol.MarkDeleted(); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, c)
	}
	l.vols = kept

	// Compact the oldest volume if it's mostly dead weight.
	if len(l.vols) >= 2 {
		oldest := l.vols[0]
		code := oldest.vol.Block.Code
		if liveBytes[code] < lfsMinObjBytes/4 {
			for _, obj := range liveIn[code] {
				body, ok, err := l.ReadObject(obj.key)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if err := l.WriteObject(obj.key, body); err != nil {
					return err
				}
			}
			if err := oldest.vol.MarkDeleted(); err != nil {
				return err
			}
			l.vols = l.vols[1:]
		}
	}

	return nil
}
