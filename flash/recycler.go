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
 * The recycler finds map blocks to reuse, biased toward low erase counts.
 *
 * Orphaned blocks (reachable from no volume at all) have an unknown true
 * erase count, so they are assigned the current average.  They must be
 * consumed before deleted blocks: if they weren't, the computed average
 * would creep upward over time and orphans would systematically look more
 * worn than they are, concentrating wear on the non-orphaned blocks.  This
 * matters most on a blank or damaged filesystem, where possibly every
 * block is orphaned.
 *
 * Deleted volumes are consumed one at a time, via a candidate set of
 * volumes owning at least one block with an erase count at or below the
 * average.  Map entries are invalidated in place as blocks are yanked, and
 * those writes are coalesced per volume; the header block goes last so its
 * erase counts stay readable until nothing else remains.
 */

package flash

import (
	log "github.com/sirupsen/logrus"
)

type Recycler struct {
	orphanBlocks      MapBlockSet
	deletedVolumes    MapBlockSet
	candidateVolumes  MapBlockSet
	averageEraseCount EraseCount

	// Coalesced map-entry invalidations for the volume currently being
	// consumed.
	dirty       BlockWriter
	dirtyVolume Volume

	// The pre-eraser runs a recycler of its own to fill the erase log; it
	// must bypass the log or it could never make forward progress.
	useEraseLog bool
	eraseLog    EraseLog
}

func NewRecycler(useEraseLog bool) (*Recycler, error) {
	r := &Recycler{useEraseLog: useEraseLog}
	if err := r.findOrphansAndDeletedVolumes(); err != nil {
		return nil, err
	}
	if err := r.findCandidateVolumes(); err != nil {
		return nil, err
	}
	return r, nil
}

// Commit flushes any pending map-entry invalidations.
func (r *Recycler) Commit() error {
	return r.dirty.CommitBlock()
}

// One pass over all volumes: compute the orphan set, the deleted volume
// set, and the average erase count of every reachable block.
func (r *Recycler) findOrphansAndDeletedVolumes() error {
	r.orphanBlocks.MarkAll()
	r.deletedVolumes = 0

	var avgNumerator uint64
	var avgDenominator uint32

	var it VolumeIter
	it.Begin()
	for {
		vol, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		blocks, hdr, ref, err := vol.readMap()
		if err != nil {
			return err
		}

		typ := hdr.Type()
		if typ == TypeDeleted || typ == TypeIncomplete {
			r.deletedVolumes.Mark(vol.Block.Index())
		}

		// Reachable at all, even by a deleted volume, means not orphaned.
		for i, mb := range blocks {
			if !mb.IsValid() {
				continue
			}
			r.orphanBlocks.Clear(mb.Index())

			ec, err := hdr.EraseCount(vol.Block, i)
			if err != nil {
				ref.Release()
				return err
			}
			avgNumerator += uint64(ec)
			avgDenominator++
		}
		ref.Release()
	}

	// If every block is orphaned, default to zero.
	if avgDenominator != 0 {
		r.averageEraseCount = EraseCount(avgNumerator / uint64(avgDenominator))
	} else {
		r.averageEraseCount = 0
	}

	log.Debugf("recycler: %d orphans, %d deleted volumes, avg erase %d",
		r.orphanBlocks.Count(), r.deletedVolumes.Count(),
		r.averageEraseCount)

	return nil
}

// Build the candidate set: deleted volumes owning at least one block with
// an erase count at or below the average.  If nothing qualifies (we've
// already consumed all the lightly-worn blocks), every deleted volume is a
// candidate.
func (r *Recycler) findCandidateVolumes() error {
	r.candidateVolumes = 0

	iterSet := r.deletedVolumes
	for {
		index, ok := iterSet.ClearFirst()
		if !ok {
			break
		}

		vol := Volume{Block: MapBlockFromIndex(index)}
		blocks, hdr, ref, err := vol.readMap()
		if err != nil {
			return err
		}

		for i, mb := range blocks {
			if !mb.IsValid() {
				continue
			}
			ec, err := hdr.EraseCount(vol.Block, i)
			if err != nil {
				ref.Release()
				return err
			}
			if ec <= r.averageEraseCount {
				r.candidateVolumes.Mark(index)
				break
			}
		}
		ref.Release()
	}

	if r.candidateVolumes.Empty() {
		r.candidateVolumes = r.deletedVolumes
	}
	return nil
}

// Next yields one reusable map block with its erase count.  'erased'
// reports whether the block is already in the erased state (true only for
// blocks served from the erase log).
func (r *Recycler) Next() (block MapBlock, ec EraseCount, erased bool, ok bool, err error) {
	// Fast path: pre-erased blocks stashed by the background eraser.
	if r.useEraseLog {
		var rec EraseLogRecord
		popped, err := r.eraseLog.Pop(&rec)
		if err != nil {
			return MapBlock{}, 0, false, false, err
		}
		if popped {
			return rec.Block, rec.EC, true, true, nil
		}
	}

	// Orphans first, tagged with the average erase count.
	if index, got := r.orphanBlocks.ClearFirst(); got {
		return MapBlockFromIndex(index), r.averageEraseCount, false, true, nil
	}

	var vol Volume
	if r.dirty.Ref.IsHeld() {
		// Keep draining the volume we've already started writing to.
		vol = r.dirtyVolume
	} else {
		index, got := r.candidateVolumes.ClearFirst()
		if !got {
			if err := r.findCandidateVolumes(); err != nil {
				return MapBlock{}, 0, false, false, err
			}
			index, got = r.candidateVolumes.ClearFirst()
			if !got {
				return MapBlock{}, 0, false, false, nil
			}
		}
		vol = Volume{Block: MapBlockFromIndex(index)}
	}

	blocks, hdr, ref, err := vol.readMap()
	if err != nil {
		return MapBlock{}, 0, false, false, err
	}
	defer ref.Release()

	// Yank an arbitrary non-header block, invalidating its map entry.
	// Wear leveling works at volume granularity, so order doesn't matter.
	for i, candidate := range blocks {
		if !candidate.IsValid() || candidate.Code == vol.Block.Code {
			continue
		}

		ec, err := hdr.EraseCount(vol.Block, i)
		if err != nil {
			return MapBlock{}, 0, false, false, err
		}

		if err := r.dirty.BeginRef(ref); err != nil {
			return MapBlock{}, 0, false, false, err
		}
		r.dirtyVolume = vol
		hdr.InvalidateMapEntry(i)

		return candidate, ec, false, true, nil
	}

	// Only the header block remains; retire the volume.
	r.deletedVolumes.Clear(vol.Block.Index())
	r.candidateVolumes.Clear(vol.Block.Index())
	if err := r.dirty.CommitBlock(); err != nil {
		return MapBlock{}, 0, false, false, err
	}

	ec, err = hdr.EraseCount(vol.Block, 0)
	if err != nil {
		return MapBlock{}, 0, false, false, err
	}
	return vol.Block, ec, false, true, nil
}
