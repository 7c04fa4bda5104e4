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
 * The erase log is a queue of pre-erased blocks, stored in volumes of type
 * T_ERASE_LOG.  A background pre-eraser recycles blocks ahead of time and
 * logs them here with their new erase counts, so that synchronous volume
 * allocation can usually skip the slow block erase.
 *
 * Records live in the log volume's payload and move through three flag
 * states, each reachable from the last by programming alone:
 * erased (0xFF) -> valid (0xF0) -> popped (0x00).
 */

package flash

import (
	"encoding/binary"

	crc16 "github.com/joaojeronimo/go-crc16"
)

const (
	eraseLogRecordSize = 8

	eraseLogFlagErased = 0xFF
	eraseLogFlagValid  = 0xF0
	eraseLogFlagPopped = 0x00
)

// One log volume is a single map block; its payload is all records.
const NumEraseLogRecords = (MapBlockSize - CacheBlockSize) / eraseLogRecordSize

type EraseLogRecord struct {
	Block MapBlock
	EC    EraseCount
	flag  uint8
	check uint16
}

func eraseLogCheck(r *EraseLogRecord) uint16 {
	var buf [5]byte
	buf[0] = r.Block.Code
	binary.LittleEndian.PutUint32(buf[1:], r.EC)
	return crc16.Crc16(buf[:])
}

// EraseLog reads and appends erase-log records.  The zero value is usable;
// it binds itself to a log volume on first use.
type EraseLog struct {
	volume     Volume
	span       Span
	haveVolume bool
	readIndex  int
	writeIndex int
}

func (l *EraseLog) recordOffset(index int) uint32 {
	return uint32(index * eraseLogRecordSize)
}

func (l *EraseLog) readFlag(index int) (uint8, error) {
	var b [1]byte
	err := l.span.CopyBytes(l.recordOffset(index)+1, b[:])
	return b[0], err
}

func (l *EraseLog) readRecord(r *EraseLogRecord, index int) error {
	var buf [eraseLogRecordSize]byte
	if err := l.span.CopyBytes(l.recordOffset(index), buf[:]); err != nil {
		return err
	}
	r.Block = MapBlock{Code: buf[0]}
	r.flag = buf[1]
	r.check = binary.LittleEndian.Uint16(buf[2:4])
	r.EC = binary.LittleEndian.Uint32(buf[4:8])
	return nil
}

func (l *EraseLog) writeRecord(r *EraseLogRecord, index int) error {
	var buf [eraseLogRecordSize]byte
	buf[0] = r.Block.Code
	buf[1] = r.flag
	binary.LittleEndian.PutUint16(buf[2:4], r.check)
	binary.LittleEndian.PutUint32(buf[4:8], r.EC)

	addr, err := l.span.FlashAddr(l.recordOffset(index))
	if err != nil {
		return err
	}
	return deviceWrite(addr, buf[:])
}

func (l *EraseLog) writePopFlag(index int) error {
	addr, err := l.span.FlashAddr(l.recordOffset(index) + 1)
	if err != nil {
		return err
	}
	return deviceWrite(addr, []byte{eraseLogFlagPopped})
}

func (l *EraseLog) bind(v Volume) error {
	span, err := v.Payload()
	if err != nil {
		return err
	}
	l.volume = v
	l.span = span
	l.haveVolume = true
	return l.findIndices()
}

// Recover readIndex and writeIndex from a freshly bound volume by binary
// search: records are popped strictly in order and appended strictly in
// order, so the flag column is monotonic.
func (l *EraseLog) findIndices() error {
	begin := 0
	end := NumEraseLogRecords

	// Find the last popped record.
	for begin+1 < end {
		middle := (begin + end) >> 1
		flag, err := l.readFlag(middle)
		if err != nil {
			return err
		}
		if flag == eraseLogFlagPopped {
			begin = middle
		} else {
			end = middle
		}
	}

	// Start reading just after it.  The search leaves end at least 1, so
	// end==1 also covers the case where nothing was ever popped.
	l.readIndex = end
	if l.readIndex == 1 {
		// The search above can't distinguish "record 0 popped" from
		// "nothing popped"; look at record 0 itself.
		flag, err := l.readFlag(0)
		if err != nil {
			return err
		}
		if flag != eraseLogFlagPopped {
			l.readIndex = 0
		}
	}

	// Find the first erased record; that's where writing resumes.
	begin = l.readIndex
	end = NumEraseLogRecords
	if begin >= end {
		l.writeIndex = NumEraseLogRecords
		return nil
	}
	flag, err := l.readFlag(begin)
	if err != nil {
		return err
	}
	if flag == eraseLogFlagErased {
		l.writeIndex = begin
		return nil
	}
	for begin+1 < end {
		middle := (begin + end) >> 1
		flag, err := l.readFlag(middle)
		if err != nil {
			return err
		}
		if flag == eraseLogFlagErased {
			end = middle
		} else {
			begin = middle
		}
	}
	l.writeIndex = end
	return nil
}

// Allocate makes sure there is room to commit one more record, binding to
// an existing log volume or creating a new one.
func (l *EraseLog) Allocate() (bool, error) {
	if l.haveVolume && l.writeIndex < NumEraseLogRecords {
		return true, nil
	}

	var it VolumeIter
	it.Begin()

	for !l.haveVolume || l.writeIndex >= NumEraseLogRecords {
		v, ok, err := it.Next()
		if err != nil {
			return false, err
		}
		if !ok {
			// Out of volumes to search; allocate a fresh one.
			var vw VolumeWriter
			if err := vw.Begin(TypeEraseLog,
				NumEraseLogRecords*eraseLogRecordSize, 0,
				InvalidMapBlock()); err != nil {
				return false, nil
			}
			if err := vw.Commit(); err != nil {
				return false, err
			}

			if err := l.bind(vw.Volume); err != nil {
				return false, err
			}
			l.readIndex = 0
			l.writeIndex = 0
			return true, nil
		}

		typ, err := v.Type()
		if err != nil {
			return false, err
		}
		if typ != TypeEraseLog {
			continue
		}

		if err := l.bind(v); err != nil {
			return false, err
		}
	}

	return true, nil
}

// Commit appends one record.  Space must have been Allocated already.
func (l *EraseLog) Commit(rec *EraseLogRecord) error {
	rec.flag = eraseLogFlagValid
	rec.check = eraseLogCheck(rec)

	err := l.writeRecord(rec, l.writeIndex)
	l.writeIndex++
	return err
}

// Pop dequeues the oldest record, searching for a log volume if necessary
// and deleting fully-consumed ones.  A popped block must be used in a new
// volume (or re-logged) or it will be orphaned.
func (l *EraseLog) Pop(rec *EraseLogRecord) (bool, error) {
	var it VolumeIter
	it.Begin()

	// Loop until we get a record with a valid check.
	for {
		for !l.haveVolume || l.readIndex >= NumEraseLogRecords {
			v, ok, err := it.Next()
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}

			typ, err := v.Type()
			if err != nil {
				return false, err
			}
			if typ != TypeEraseLog {
				continue
			}

			if err := l.bind(v); err != nil {
				return false, err
			}

			if l.readIndex >= NumEraseLogRecords {
				// Every record already popped; nothing left but to
				// reclaim the volume itself.
				if err := l.volume.MarkDeleted(); err != nil {
					return false, err
				}
				l.haveVolume = false
			}
		}

		if err := l.readRecord(rec, l.readIndex); err != nil {
			return false, err
		}

		if rec.flag == eraseLogFlagErased {
			// End of the queue.
			return false, nil
		}

		if rec.flag != eraseLogFlagPopped {
			if err := l.writePopFlag(l.readIndex); err != nil {
				return false, err
			}
		}
		l.readIndex++

		// Skip bad records, only return good ones.
		if rec.flag == eraseLogFlagValid && eraseLogCheck(rec) == rec.check {
			return true, nil
		}
	}
}

// PreEraser erases blocks ahead of demand and logs them.  Its recycler
// bypasses the erase log so that filling the log always makes progress.
type PreEraser struct {
	recycler *Recycler
	log      EraseLog
}

func NewPreEraser() (*PreEraser, error) {
	r, err := NewRecycler(false)
	if err != nil {
		return nil, err
	}
	return &PreEraser{recycler: r}, nil
}

// Next recycles, erases and logs one more block.  Returns false when out
// of either log space or recyclable blocks.
func (p *PreEraser) Next() (bool, error) {
	ok, err := p.log.Allocate()
	if err != nil || !ok {
		return false, err
	}

	block, ec, erased, ok, err := p.recycler.Next()
	if err != nil || !ok {
		return false, err
	}

	if !erased {
		if err := block.Erase(); err != nil {
			return false, err
		}
		ec++
	}

	rec := EraseLogRecord{Block: block, EC: ec}
	if err := p.log.Commit(&rec); err != nil {
		return false, err
	}
	return true, nil
}

// Close flushes the pre-eraser's recycler state.
func (p *PreEraser) Close() error {
	return p.recycler.Commit()
}
