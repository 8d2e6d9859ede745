// Per-block crash side table
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package crash

// BlockRecord is what the planner stores next to each queued block so a
// crash can tell where in the job the block came from.
type BlockRecord struct {
	SDPos         uint32
	SegmentIdx    uint16
	InhibitFlags  InhibitFlags
	Feedrate      float64
	StartPosition Position
	// EPosition is the extruder position at block start, ESteps the
	// signed extruder steps of the whole block.
	EPosition float64
	ESteps    int32
}

// BlockTable is indexed exactly like the planner's block ring. The
// planner writes a slot when it enqueues a block; capture reads it.
type BlockTable struct {
	recs []BlockRecord
}

// NewBlockTable creates a table for a ring of size blocks
func NewBlockTable(size int) *BlockTable {
	if size <= 0 {
		size = 1
	}
	return &BlockTable{recs: make([]BlockRecord, size)}
}

// Len returns the ring size
func (t *BlockTable) Len() int { return len(t.recs) }

// Record stores rec for the block at ring index
func (t *BlockTable) Record(index int, rec BlockRecord) {
	t.recs[t.slot(index)] = rec
}

// At returns the record for ring index
func (t *BlockTable) At(index int) BlockRecord {
	return t.recs[t.slot(index)]
}

func (t *BlockTable) slot(index int) int {
	n := len(t.recs)
	return ((index % n) + n) % n
}
