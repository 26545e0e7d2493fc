// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Code that timestamps records (backup records, metadata) or measures
// phase durations takes a Clock instead of calling time.Now directly.
// In production, Real() provides the standard library behavior. In
// tests, Fake() provides a clock that moves only when told to, so
// timestamps and durations in assertions are exact.
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	c.Step = time.Second // every Now() advances one second
//	pipeline := &deploy.Pipeline{Clock: c}
package clock
