// Copyright The Polyrt Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"fmt"
	"sync"

	"github.com/polyrt/safepoint-sampler/engine"
	"github.com/polyrt/safepoint-sampler/stack"
	"github.com/polyrt/safepoint-sampler/times"
)

// collectionResult is one thread's captured result for a round: either a
// full stack walk or a synthetic frame chain head.
type collectionResult interface {
	// createSample materializes the result. submitTime anchors the bias
	// measurement.
	createSample(submitTime times.KTime) stack.Sample
}

// sampleAction is the cooperative callback submitted to every thread of
// every open context. It is round-scoped and reused across rounds through
// the sampler's single-slot cache; the index only identifies it in
// diagnostics.
type sampleAction struct {
	sampler *Sampler
	index   int64

	// Set once per round before submission, read by all threads.
	useSyntheticFrames bool

	// completed maps thread ID to the thread's result, write-once per round.
	completed sync.Map
}

var _ engine.ThreadLocalAction = (*sampleAction)(nil)

func newSampleAction(sampler *Sampler, index int64) *sampleAction {
	return &sampleAction{sampler: sampler, index: index}
}

// Perform runs at an arbitrary safepoint of the accessed thread. It must not
// block and must not allocate beyond the result-map insert: when synthetic
// frames are enabled and the thread has a chain, recording the head is all
// that happens; otherwise a pooled visitor walks the stack.
func (a *sampleAction) Perform(access engine.ThreadAccess) {
	thread := access.Thread()
	if _, done := a.completed.Load(thread.ID()); done {
		// Spurious re-delivery within the round.
		return
	}
	if a.useSyntheticFrames {
		if frame := a.sampler.currentSyntheticFrame(thread); frame != nil {
			a.completed.Store(thread.ID(), frame)
			return
		}
	}
	visitor := a.sampler.fetchStackVisitor()
	visitor.iterateFrames(access)
	a.completed.Store(thread.ID(), visitor)
}

// getStacks returns the results recorded so far, one per thread.
func (a *sampleAction) getStacks() []collectionResult {
	var results []collectionResult
	a.completed.Range(func(_, value any) bool {
		results = append(results, value.(collectionResult))
		return true
	})
	return results
}

func (a *sampleAction) reset() {
	a.completed.Clear()
}

func (a *sampleAction) String() string {
	return fmt.Sprintf("StackSampleAction[index=%d]", a.index)
}
