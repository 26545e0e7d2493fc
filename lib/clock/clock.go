// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the current time for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// Since returns the time elapsed since start according to c.
func Since(c Clock, start time.Time) time.Duration {
	return c.Now().Sub(start)
}

// OrReal returns c, or Real() when c is nil. Structs whose zero value
// must work call this instead of storing a default.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}
