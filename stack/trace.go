// Copyright The Polyrt Authors
// SPDX-License-Identifier: Apache-2.0

// Package stack holds the immutable result types produced by a sampling
// round.
package stack // import "github.com/polyrt/safepoint-sampler/stack"

import (
	"time"

	"github.com/polyrt/safepoint-sampler/engine"
)

// Tag classifies a trace entry.
type Tag uint8

const (
	// TagRoot marks entries captured for root (top-level callable) nodes.
	TagRoot Tag = 1 << iota
	// TagSynthetic marks manually pushed pseudo-frames that have no backing
	// physical frame.
	TagSynthetic
)

// Has reports whether all tags in o are set.
func (t Tag) Has(o Tag) bool {
	return t&o == o
}

// TraceEntry is one captured logical call-stack position. Immutable once
// created.
type TraceEntry struct {
	// Tags describe the entry.
	Tags Tag
	// RootName is the name of the entry's callable unit, or the rendered
	// label for synthetic entries.
	RootName string
	// SourceSection is the unit's source location, zero if none.
	SourceSection engine.SourceSection
	// Tier is the host-specific compilation tier the frame executed in.
	Tier int
	// CompilationRoot reports whether the frame was the root of its
	// compilation unit.
	CompilationRoot bool
}

// Sample is the captured result for one thread in one sampling round.
// Read-only after creation.
type Sample struct {
	// Thread the stack was captured on.
	Thread engine.Thread
	// Stack entries, innermost first.
	Stack []TraceEntry
	// Bias is the scheduling latency between round submission and the start
	// of the walk on the thread. Consumers use it to correct for skew
	// between threads captured at different wall-clock times.
	Bias time.Duration
	// Duration is the time spent walking the stack.
	Duration time.Duration
	// Overflowed reports that the stack had more frames than the configured
	// limit and the capture is truncated.
	Overflowed bool
}
