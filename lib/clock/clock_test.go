// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	c := Fake(start)

	if got := c.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}
	c.Advance(90 * time.Second)
	if got := Since(c, start); got != 90*time.Second {
		t.Errorf("Since = %v, want 90s", got)
	}

	c.Step = time.Second
	first := c.Now()
	second := c.Now()
	if second.Sub(first) != time.Second {
		t.Errorf("step between reads = %v, want 1s", second.Sub(first))
	}
}

func TestOrReal(t *testing.T) {
	t.Parallel()

	if _, ok := OrReal(nil).(realClock); !ok {
		t.Error("OrReal(nil) is not the real clock")
	}
	fake := Fake(time.Time{})
	if OrReal(fake) != Clock(fake) {
		t.Error("OrReal replaced a non-nil clock")
	}
}
