// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package crash

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestRepeatedCrashWindow(t *testing.T) {
	tests := []struct {
		name    string
		crashes []time.Duration
		want    bool
	}{
		{"three inside the window", []time.Duration{0, 10 * time.Second, 20 * time.Second}, true},
		{"oldest expired", []time.Duration{0, 10 * time.Second, 70 * time.Second}, false},
		{"exactly at the window edge", []time.Duration{0, 30 * time.Second, 60 * time.Second}, true},
		{"two crashes", []time.Duration{0, time.Second}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.drive(t, StatePrinting)
			for _, at := range tt.crashes {
				h.motion.now = at
				h.m.CountCrash()
			}
			if got := h.m.IsRepeatedCrash(); got != tt.want {
				t.Errorf("repeated = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHistoryEvictsFutureStamps(t *testing.T) {
	hist := NewHistory(3, time.Minute)
	hist.Record(50 * time.Second)
	if got := hist.Clean(10 * time.Second); got != 0 {
		t.Errorf("stamp from a previous job clock should be evicted, got %d", got)
	}
}

func TestHistoryNeverExceedsCapacity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(t, "capacity")
		window := time.Duration(rapid.IntRange(1, 120).Draw(t, "window_s")) * time.Second
		gaps := rapid.SliceOfN(rapid.IntRange(0, 90), 1, 40).Draw(t, "gaps_s")

		hist := NewHistory(capacity, window)
		var now time.Duration
		var stamps []time.Duration
		for _, g := range gaps {
			now += time.Duration(g) * time.Second
			hist.Record(now)
			stamps = append(stamps, now)

			got := hist.Clean(now)
			// Only the newest capacity stamps can survive in the ring.
			want := 0
			for i := len(stamps) - 1; i >= 0 && i >= len(stamps)-capacity; i-- {
				if now-stamps[i] <= window {
					want++
				}
			}
			if got != want {
				t.Fatalf("Clean(%v) = %d, want %d", now, got, want)
			}
		}
	})
}
