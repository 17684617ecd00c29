// Copyright The Polyrt Authors
// SPDX-License-Identifier: Apache-2.0

package sampler_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polyrt/safepoint-sampler/engine"
	"github.com/polyrt/safepoint-sampler/sampler"
	"github.com/polyrt/safepoint-sampler/testsupport"
)

var nextID atomic.Uint64

// stackOf builds a physical stack from innermost to outermost frame.
func stackOf(names ...string) []engine.FrameInstance {
	frames := make([]engine.FrameInstance, len(names))
	for i, name := range names {
		frames[i] = &testsupport.Frame{
			Tgt: &testsupport.Target{
				TargetID: nextID.Add(1),
				Name:     name,
				Section:  engine.SourceSection{Source: name + ".src"},
			},
			Tier: 1,
			Root: i == len(names)-1,
		}
	}
	return frames
}

func newSampler(t *testing.T, eng *testsupport.Engine,
	stackLimit int) *sampler.Sampler {
	t.Helper()
	s, err := sampler.New(eng, stackLimit, nil)
	require.NoError(t, err)
	return s
}

func TestSampleCapturesEveryThreadOnce(t *testing.T) {
	eng := &testsupport.Engine{}
	s := newSampler(t, eng, 16)

	ctx1 := &testsupport.Context{Threads: []*testsupport.Thread{
		{ThreadID: 1, ThreadName: "w1", Frames: stackOf("a", "main")},
		{ThreadID: 2, ThreadName: "w2", Frames: stackOf("b", "main")},
	}}
	ctx2 := &testsupport.Context{Threads: []*testsupport.Thread{
		{ThreadID: 3, ThreadName: "w3", Frames: stackOf("c", "main")},
	}}
	contexts := map[engine.Context]*sampler.ContextStats{
		ctx1: {},
		ctx2: {},
	}

	samples := s.Sample(contexts, false, time.Second)

	require.Len(t, samples, 3)
	seen := map[uint64]bool{}
	for _, sample := range samples {
		require.False(t, seen[sample.Thread.ID()],
			"duplicate sample for thread %d", sample.Thread.ID())
		seen[sample.Thread.ID()] = true
		require.Len(t, sample.Stack, 2)
		require.GreaterOrEqual(t, sample.Bias, 0*time.Second)
	}
	require.Equal(t, map[uint64]bool{1: true, 2: true, 3: true}, seen)
	for _, stats := range contexts {
		require.Zero(t, stats.MissedSamples.Load())
	}
}

func TestSampleSkipsClosedContext(t *testing.T) {
	eng := &testsupport.Engine{}
	s := newSampler(t, eng, 16)

	open := &testsupport.Context{Threads: []*testsupport.Thread{
		{ThreadID: 1, Frames: stackOf("main")},
	}}
	closed := &testsupport.Context{Threads: []*testsupport.Thread{
		{ThreadID: 2, Frames: stackOf("main")},
	}}
	closed.Close()
	contexts := map[engine.Context]*sampler.ContextStats{
		open:   {},
		closed: {},
	}

	samples := s.Sample(contexts, false, time.Second)

	require.Len(t, samples, 1)
	require.EqualValues(t, 1, samples[0].Thread.ID())
	require.Zero(t, contexts[closed].MissedSamples.Load())
}

func TestSampleTimeoutIncrementsMissCounter(t *testing.T) {
	eng := &testsupport.Engine{}
	s := newSampler(t, eng, 16)

	responsive := &testsupport.Context{Threads: []*testsupport.Thread{
		{ThreadID: 1, Frames: stackOf("main")},
	}}
	wedged := &testsupport.Context{Threads: []*testsupport.Thread{
		{ThreadID: 2, Frames: stackOf("main"), Wedged: true},
	}}
	contexts := map[engine.Context]*sampler.ContextStats{
		responsive: {},
		wedged:     {},
	}

	begin := time.Now()
	samples := s.Sample(contexts, false, 150*time.Millisecond)
	elapsed := time.Since(begin)

	// The wedged thread never reached a safepoint: its sample is absent, its
	// context recorded exactly one miss, and the round stayed bounded.
	require.Len(t, samples, 1)
	require.EqualValues(t, 1, samples[0].Thread.ID())
	require.EqualValues(t, 1, contexts[wedged].MissedSamples.Load())
	require.Zero(t, contexts[responsive].MissedSamples.Load())
	require.Less(t, elapsed, time.Second)
}

func TestSampleFailFastCancelsRemainingContexts(t *testing.T) {
	eng := &testsupport.Engine{}
	s := newSampler(t, eng, 16)

	contexts := map[engine.Context]*sampler.ContextStats{}
	for id := uint64(1); id <= 3; id++ {
		ctx := &testsupport.Context{Threads: []*testsupport.Thread{
			{ThreadID: id, Frames: stackOf("main"), Wedged: true},
		}}
		contexts[ctx] = &sampler.ContextStats{}
	}

	begin := time.Now()
	samples := s.Sample(contexts, false, 100*time.Millisecond)
	elapsed := time.Since(begin)

	require.Empty(t, samples)
	// Only the first awaited context burned budget; the rest were cancelled
	// immediately. Waiting the full timeout per context would take 300ms+.
	require.Less(t, elapsed, 250*time.Millisecond)
	var misses int64
	for _, stats := range contexts {
		misses += stats.MissedSamples.Load()
	}
	require.EqualValues(t, 1, misses)
	for _, handle := range eng.Handles() {
		require.True(t, handle.Cancelled())
	}
}

func TestSampleExecutionFailureReturnsPartialResults(t *testing.T) {
	eng := &testsupport.Engine{}
	s := newSampler(t, eng, 16)

	good := &testsupport.Context{Threads: []*testsupport.Thread{
		{ThreadID: 1, Frames: stackOf("main")},
	}}
	failing := &testsupport.Context{Threads: []*testsupport.Thread{
		// The delay keeps the failure from racing ahead of the healthy
		// context's capture when map order awaits this context first.
		{ThreadID: 2, Frames: stackOf("main"), Delay: 100 * time.Millisecond,
			PerformErr: errors.New("callback failed")},
	}}
	contexts := map[engine.Context]*sampler.ContextStats{
		good:    {},
		failing: {},
	}

	samples := s.Sample(contexts, false, time.Second)

	require.Len(t, samples, 1)
	require.EqualValues(t, 1, samples[0].Thread.ID())
	// Execution failures are not timeouts; no miss is recorded.
	require.Zero(t, contexts[failing].MissedSamples.Load())
}

func TestSampleSubmitFailure(t *testing.T) {
	eng := &testsupport.Engine{SubmitErr: errors.New("engine shutting down")}
	s := newSampler(t, eng, 16)

	ctx := &testsupport.Context{Threads: []*testsupport.Thread{
		{ThreadID: 1, Frames: stackOf("main")},
	}}
	contexts := map[engine.Context]*sampler.ContextStats{ctx: {}}

	samples := s.Sample(contexts, false, time.Second)
	require.Empty(t, samples)
}

func TestOverflowFlagIsSticky(t *testing.T) {
	eng := &testsupport.Engine{}
	s := newSampler(t, eng, 2)

	ctx := &testsupport.Context{Threads: []*testsupport.Thread{
		{ThreadID: 1, Frames: stackOf("f0", "f1", "f2", "f3")},
	}}
	contexts := map[engine.Context]*sampler.ContextStats{ctx: {}}

	require.False(t, s.HasOverflowed())
	samples := s.Sample(contexts, false, time.Second)
	require.Len(t, samples, 1)
	require.True(t, samples[0].Overflowed)
	require.True(t, s.HasOverflowed())

	// A larger limit stops new truncation, the sticky flag remains.
	s.SetStackLimit(64)
	samples = s.Sample(contexts, false, time.Second)
	require.Len(t, samples, 1)
	require.False(t, samples[0].Overflowed)
	require.True(t, s.HasOverflowed())
}
