// Repeated crash sliding window
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package crash

import "time"

type stamp struct {
	at    time.Duration
	valid bool
}

// History is a fixed ring of crash timestamps on the print job clock.
// It is not safe for concurrent use; the trigger path is its only writer.
type History struct {
	stamps []stamp
	idx    int
	window time.Duration
}

// NewHistory creates a ring of capacity timestamps that stay valid for window
func NewHistory(capacity int, window time.Duration) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{stamps: make([]stamp, capacity), window: window}
}

// Capacity returns the ring size
func (h *History) Capacity() int { return len(h.stamps) }

// Window returns how long a crash counts towards the limit
func (h *History) Window() time.Duration { return h.window }

// Record stores now in the next slot, overwriting the oldest entry
func (h *History) Record(now time.Duration) {
	h.stamps[h.idx] = stamp{at: now, valid: true}
	h.idx = (h.idx + 1) % len(h.stamps)
}

// Clean evicts entries older than the window and returns how many
// remain. Entries later than now belong to a previous job clock and
// are evicted too.
func (h *History) Clean(now time.Duration) int {
	n := 0
	for i := range h.stamps {
		s := &h.stamps[i]
		if !s.valid {
			continue
		}
		if s.at > now || now-s.at > h.window {
			*s = stamp{}
			continue
		}
		n++
	}
	return n
}

// Reset drops every entry
func (h *History) Reset() {
	for i := range h.stamps {
		h.stamps[i] = stamp{}
	}
	h.idx = 0
}
