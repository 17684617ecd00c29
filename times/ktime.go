// Copyright The Polyrt Authors
// SPDX-License-Identifier: Apache-2.0

// Package times provides the monotonic clock used for sampling timestamps.
package times // import "github.com/polyrt/safepoint-sampler/times"

import (
	"time"
	_ "unsafe" // required to use //go:linkname for runtime.nanotime
)

// KTime stores a time value, retrieved from a monotonic clock, in nanoseconds.
type KTime int64

// GetKTime returns the current monotonic time. This relies on
// runtime.nanotime using CLOCK_MONOTONIC. Using this internal is superior in
// performance as it is able to use the vDSO to query the time without
// syscall, which matters on the sampled thread's hot path.
//
//go:noescape
//go:linkname GetKTime runtime.nanotime
func GetKTime() KTime

// Since returns the duration elapsed since t.
func Since(t KTime) time.Duration {
	return time.Duration(GetKTime() - t)
}

// Sub returns the duration t-o.
func (t KTime) Sub(o KTime) time.Duration {
	return time.Duration(t - o)
}
