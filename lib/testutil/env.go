// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

// Env returns a getenv function that reads from values. Missing keys
// return the empty string.
//
//	prober.Getenv = testutil.Env(map[string]string{"USER": "alice"})
func Env(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}
