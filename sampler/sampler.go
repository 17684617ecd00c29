// Copyright The Polyrt Authors
// SPDX-License-Identifier: Apache-2.0

// Package sampler implements a cooperative, timeout-bounded stack sampler for
// a managed execution engine hosting many concurrently running contexts.
//
// One Sample round captures at most one call-stack snapshot per live worker
// thread across all open contexts. Threads are never stopped: the sampler
// submits a thread-local action through the engine's safepoint mechanism and
// tolerates threads that never reach a safepoint within the deadline. Slow or
// wedged contexts degrade completeness of the returned sample set, they never
// extend the round past its timeout.
package sampler // import "github.com/polyrt/safepoint-sampler/sampler"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/elastic/go-freelru"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/polyrt/safepoint-sampler/engine"
	"github.com/polyrt/safepoint-sampler/metrics"
	"github.com/polyrt/safepoint-sampler/stack"
	"github.com/polyrt/safepoint-sampler/times"
	"github.com/polyrt/safepoint-sampler/xsync"
)

// entryCacheSize bounds the call-target symbolization cache. Call targets
// recur across rounds, so resolving name and source section once per target
// keeps repeated rounds off the frame-description source.
const entryCacheSize = 4096

// Filter decides at sample materialization time whether a captured frame
// becomes a trace entry. A nil Filter includes everything. Capture always
// records raw frame data; the filter only applies when entries are built, so
// changing it never requires re-walking a stack.
type Filter func(target engine.CallTarget, section engine.SourceSection) bool

// ContextStats is the mutable per-context bookkeeping owned by the context
// registry.
type ContextStats struct {
	// MissedSamples counts rounds in which the context did not reach a
	// safepoint before the deadline.
	MissedSamples atomic.Int64
}

// Sampler coordinates sampling rounds across all contexts of one engine.
//
// Concurrent Sample calls on the same Sampler must be serialized by the
// caller; the single-slot action cache is the only arbiter and a second
// concurrent round would allocate fresh state instead of failing loudly.
// PushSyntheticFrame and PopSyntheticFrame are safe to call from any worker
// thread at any time.
type Sampler struct {
	id  uuid.UUID
	eng engine.Engine

	// Configuration, read without further synchronization by visitors that
	// were constructed before a change. A change invalidates the visitor
	// pool but not already in-flight rounds.
	stackLimit   atomic.Int32
	filter       atomic.Pointer[Filter]
	includeAsync atomic.Bool

	pool         *visitorPool
	entryCache   *lru.SyncedLRU[uint64, entryInfo]
	cachedAction atomic.Pointer[sampleAction]
	sampleIndex  atomic.Int64
	overflowed   atomic.Bool

	// Synthetic frame chains keyed by thread ID. Each chain is written only
	// by its owning thread; the map itself is shared.
	syntheticFrames xsync.RWMutex[map[uint64]*syntheticFrame]
}

// New creates a Sampler on top of the given engine. stackLimit bounds the
// number of frames captured per thread and must be positive. filter may be
// nil to include every frame.
func New(eng engine.Engine, stackLimit int, filter Filter) (*Sampler, error) {
	if eng == nil {
		return nil, errors.New("engine must not be nil")
	}
	if stackLimit <= 0 {
		return nil, fmt.Errorf("stack limit must be positive, got %d",
			stackLimit)
	}
	entryCache, err := lru.NewSynced[uint64, entryInfo](entryCacheSize,
		hashTargetID)
	if err != nil {
		return nil, fmt.Errorf("failed to create entry cache: %v", err)
	}

	s := &Sampler{
		id:              uuid.New(),
		eng:             eng,
		pool:            newVisitorPool(),
		entryCache:      entryCache,
		syntheticFrames: xsync.NewRWMutex(map[uint64]*syntheticFrame{}),
	}
	s.stackLimit.Store(int32(stackLimit))
	if filter != nil {
		s.filter.Store(&filter)
	}
	log.Debugf("Created safepoint stack sampler %s (stack limit %d)",
		s.id, stackLimit)
	return s, nil
}

// xxh3 so cache efficiency doesn't depend on how the engine assigns IDs.
func hashTargetID(id uint64) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], id)
	return uint32(xxh3.Hash(buf[:]))
}

// fetchStackVisitor returns a pooled visitor or builds a new one under the
// current configuration. Pooled visitors from before a configuration change
// carry a stale generation and are discarded.
func (s *Sampler) fetchStackVisitor() *stackVisitor {
	gen := s.pool.generation()
	for {
		visitor := s.pool.poll()
		if visitor == nil {
			break
		}
		if visitor.gen == gen {
			return visitor
		}
	}

	var filter Filter
	if f := s.filter.Load(); f != nil {
		filter = *f
	}
	return newStackVisitor(int(s.stackLimit.Load()), filter,
		s.includeAsync.Load(), gen, s.pool, s.entryCache)
}

// Sample captures one stack snapshot per live thread across all open
// contexts in the registry and returns them, innermost frame first. The
// returned list never contains two samples for the same thread.
//
// useSyntheticFrames makes threads with a pushed synthetic frame report the
// eagerly captured chain head instead of walking their stack. timeout bounds
// the whole round: contexts that do not reach a safepoint in time are
// cancelled, their MissedSamples counter incremented, and every later
// context is cancelled immediately once the round is known incomplete.
func (s *Sampler) Sample(contexts map[engine.Context]*ContextStats,
	useSyntheticFrames bool, timeout time.Duration) []stack.Sample {
	action := s.cachedAction.Swap(nil)
	if action == nil {
		index := s.sampleIndex.Add(1) - 1
		if index < 0 {
			// The counter wrapped around; restart at zero.
			index = 0
			s.sampleIndex.Store(0)
		}
		action = newSampleAction(s, index)
	}
	action.useSyntheticFrames = useSyntheticFrames
	metrics.AddSamplingRound()

	type submission struct {
		stats  *ContextStats
		handle engine.Handle
	}
	submitTime := times.GetKTime()
	submissions := make([]submission, 0, len(contexts))
	incomplete := false
	for context, stats := range contexts {
		if context.IsClosed() {
			continue
		}
		handle, err := s.eng.Submit(context, action)
		if err != nil {
			if errors.Is(err, engine.ErrContextClosed) {
				// The context closed while submitting.
				continue
			}
			log.Errorf("Failed to submit %s: %v", action, err)
			incomplete = true
			continue
		}
		submissions = append(submissions, submission{stats, handle})
	}

	for _, sub := range submissions {
		budget := timeout - times.Since(submitTime)
		if incomplete || budget <= 0 {
			sub.handle.Cancel()
			continue
		}
		switch err := sub.handle.Await(budget); {
		case err == nil:
		case errors.Is(err, engine.ErrTimeout):
			sub.handle.Cancel()
			sub.stats.MissedSamples.Add(1)
			metrics.AddMissedSample()
			incomplete = true
		default:
			log.Errorf("Sampling error in %s: %v", action, err)
			incomplete = true
		}
	}
	if incomplete {
		metrics.AddIncompleteRound()
	}

	results := action.getStacks()
	perThreadSamples := make([]stack.Sample, 0, len(results))
	for _, result := range results {
		// Bias inside the sample is measured from submission to the actual
		// on-thread execution.
		sample := result.createSample(submitTime)
		if sample.Overflowed {
			s.overflowed.Store(true)
			metrics.AddStackOverflow()
		}
		perThreadSamples = append(perThreadSamples, sample)
	}
	action.reset()
	s.cachedAction.Store(action)

	return perThreadSamples
}

// HasOverflowed reports whether any sample of any round has been truncated
// at the stack limit. The flag is sticky for the lifetime of the Sampler.
func (s *Sampler) HasOverflowed() bool {
	return s.overflowed.Load()
}

// PushSyntheticFrame records a logical call point for the calling thread
// that is not backed by a physical frame. The underlying stack is captured
// eagerly so the frame carries accurate context; the label is rendered
// lazily at first read to keep string formatting off this thread.
func (s *Sampler) PushSyntheticFrame(unit, message string) {
	access := s.eng.CurrentAccess()
	submitTime := times.GetKTime()
	visitor := s.fetchStackVisitor()
	visitor.iterateFrames(access)
	sample := visitor.createSample(submitTime)

	threadID := access.Thread().ID()
	chains := s.syntheticFrames.WLock()
	defer s.syntheticFrames.WUnlock(&chains)
	(*chains)[threadID] = &syntheticFrame{
		parent:  (*chains)[threadID],
		sample:  sample,
		unit:    unit,
		message: message,
	}
	metrics.AddSyntheticPush()
}

// PopSyntheticFrame removes the calling thread's most recently pushed
// synthetic frame. Popping with an empty chain is a no-op.
func (s *Sampler) PopSyntheticFrame() {
	threadID := s.eng.CurrentAccess().Thread().ID()
	chains := s.syntheticFrames.WLock()
	defer s.syntheticFrames.WUnlock(&chains)
	toPop := (*chains)[threadID]
	if toPop == nil {
		return
	}
	if toPop.parent != nil {
		(*chains)[threadID] = toPop.parent
	} else {
		delete(*chains, threadID)
	}
}

// currentSyntheticFrame returns the head of the thread's synthetic frame
// chain, or nil.
func (s *Sampler) currentSyntheticFrame(thread engine.Thread) *syntheticFrame {
	chains := s.syntheticFrames.RLock()
	defer s.syntheticFrames.RUnlock(&chains)
	return (*chains)[thread.ID()]
}

// StackLimit returns the configured per-thread frame capacity.
func (s *Sampler) StackLimit() int {
	return int(s.stackLimit.Load())
}

// SetStackLimit changes the per-thread frame capacity and invalidates all
// pooled visitors, whose buffers were sized under the old limit. Panics if
// limit is not positive.
func (s *Sampler) SetStackLimit(limit int) {
	if limit <= 0 {
		panic(fmt.Sprintf("stack limit must be positive, got %d", limit))
	}
	s.stackLimit.Store(int32(limit))
	s.pool.invalidate()
}

// Filter returns the configured inclusion filter, nil if none.
func (s *Sampler) Filter() Filter {
	if f := s.filter.Load(); f != nil {
		return *f
	}
	return nil
}

// SetFilter changes the inclusion filter and invalidates all pooled
// visitors, which carry the filter they were built with.
func (s *Sampler) SetFilter(filter Filter) {
	if filter == nil {
		s.filter.Store(nil)
	} else {
		s.filter.Store(&filter)
	}
	s.pool.invalidate()
}

// IncludeAsyncStackTrace reports whether walks interleave logical
// predecessor chains.
func (s *Sampler) IncludeAsyncStackTrace() bool {
	return s.includeAsync.Load()
}

// SetIncludeAsyncStackTrace toggles interleaving of logical predecessor
// chains and invalidates all pooled visitors.
func (s *Sampler) SetIncludeAsyncStackTrace(include bool) {
	s.includeAsync.Store(include)
	s.pool.invalidate()
}

// ResetSampling clears the round index, the cached action, the sticky
// overflow flag and the visitor pool. The caller must serialize this with
// in-flight Sample rounds.
func (s *Sampler) ResetSampling() {
	s.sampleIndex.Store(0)
	s.cachedAction.Store(nil)
	s.overflowed.Store(false)
	s.pool.invalidate()
}
