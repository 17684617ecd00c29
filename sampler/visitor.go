// Copyright The Polyrt Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"sync/atomic"

	lru "github.com/elastic/go-freelru"

	"github.com/polyrt/safepoint-sampler/engine"
	"github.com/polyrt/safepoint-sampler/stack"
	"github.com/polyrt/safepoint-sampler/times"
)

// visitorPoolCapacity bounds the free list. The pool is a cache, not a
// bounded resource: fetchers that find it empty allocate, offers to a full
// pool drop the visitor.
const visitorPoolCapacity = 128

// visitorPool is a free list of reusable stack visitors. Poll and offer are
// individually non-blocking; there is no total-count invariant.
type visitorPool struct {
	gen  atomic.Uint64
	free chan *stackVisitor
}

func newVisitorPool() *visitorPool {
	return &visitorPool{
		free: make(chan *stackVisitor, visitorPoolCapacity),
	}
}

func (p *visitorPool) poll() *stackVisitor {
	select {
	case visitor := <-p.free:
		return visitor
	default:
		return nil
	}
}

func (p *visitorPool) offer(visitor *stackVisitor) {
	if visitor.gen != p.gen.Load() {
		// Built under an outdated configuration, drop it.
		return
	}
	select {
	case p.free <- visitor:
	default:
	}
}

func (p *visitorPool) generation() uint64 {
	return p.gen.Load()
}

// invalidate discards all pooled visitors. Visitors still in flight are
// dropped when they are offered back with a stale generation.
func (p *visitorPool) invalidate() {
	p.gen.Add(1)
	for {
		select {
		case <-p.free:
		default:
			return
		}
	}
}

// entryInfo is the cached symbolization of one call target.
type entryInfo struct {
	rootName string
	section  engine.SourceSection
}

// stackVisitor walks one thread's stack, innermost to outermost frame, into
// fixed-capacity parallel buffers. Stack limit, filter and async flag are
// baked in at construction; the generation ties the visitor to the
// configuration it was built under.
type stackVisitor struct {
	// Filled from top to bottom of stack, i.e. inner to outer frame.
	targets []engine.CallTarget
	tiers   []int
	roots   []bool

	filter       Filter
	includeAsync bool
	gen          uint64

	pool  *visitorPool
	cache *lru.SyncedLRU[uint64, entryInfo]

	thread engine.Thread
	// Next frame index and the number of captured entries.
	nextFrameIndex int
	startTime      times.KTime
	endTime        times.KTime
	overflowed     bool
}

var _ collectionResult = (*stackVisitor)(nil)

func newStackVisitor(stackLimit int, filter Filter, includeAsync bool,
	gen uint64, pool *visitorPool,
	cache *lru.SyncedLRU[uint64, entryInfo]) *stackVisitor {
	return &stackVisitor{
		targets:      make([]engine.CallTarget, stackLimit),
		tiers:        make([]int, stackLimit),
		roots:        make([]bool, stackLimit),
		filter:       filter,
		includeAsync: includeAsync,
		gen:          gen,
		pool:         pool,
		cache:        cache,
	}
}

// iterateFrames walks the accessed thread's stack into the buffers. Must run
// on the accessed thread; allocates nothing on that path.
func (v *stackVisitor) iterateFrames(access engine.ThreadAccess) {
	v.thread = access.Thread()
	v.startTime = times.GetKTime()
	access.IterateFrames(v.visitFrame)
	v.endTime = times.GetKTime()
}

func (v *stackVisitor) visitFrame(fi engine.FrameInstance) bool {
	if !v.addStackTraceEntry(fi.CallTarget(), fi.CompilationTier(),
		fi.IsCompilationRoot()) {
		return false
	}
	if v.includeAsync {
		return v.addAnyAsyncStackTraceEntries(fi.AsyncStackTrace())
	}
	return true
}

func (v *stackVisitor) addStackTraceEntry(target engine.CallTarget, tier int,
	compilationRoot bool) bool {
	v.targets[v.nextFrameIndex] = target
	v.tiers[v.nextFrameIndex] = tier
	v.roots[v.nextFrameIndex] = compilationRoot
	v.nextFrameIndex++
	if v.nextFrameIndex >= len(v.targets) {
		v.overflowed = true
		return false
	}
	return true
}

// addAnyAsyncStackTraceEntries mixes the frame's logical predecessor chain
// into the capture, depth-first through nested chains. E.g.
//
//	a <- b <- resume c (async trace: c <- d <- resume e)
//	c <- d <- resume e (async trace: e <- f <- start)
//	e <- f <- start
//
// is reconstructed as a <- b <- c <- d <- e <- f. A nested chain is spliced
// exactly once, immediately after the element exposing it; later siblings
// never supply a second one.
func (v *stackVisitor) addAnyAsyncStackTraceEntries(
	chain []engine.StackTraceElement) bool {
	for len(chain) > 0 {
		var next []engine.StackTraceElement
		for _, element := range chain {
			if !v.addStackTraceEntry(element.Target(), 0, true) {
				return false
			}
			if next == nil {
				if nested := element.AsyncStackTrace(); len(nested) > 0 {
					next = nested
				}
			}
		}
		chain = next
	}
	return true
}

// createSample materializes the captured frames into a Sample, then resets
// the visitor and returns it to the pool as its last action.
func (v *stackVisitor) createSample(submitTime times.KTime) stack.Sample {
	sample := stack.Sample{
		Thread:     v.thread,
		Stack:      v.createEntries(),
		Bias:       v.startTime.Sub(submitTime),
		Duration:   v.endTime.Sub(v.startTime),
		Overflowed: v.overflowed,
	}
	v.resetAndReturn()
	return sample
}

// createEntries builds the trace entries from the raw buffers. The filter
// applies here, at read time, never at capture time.
func (v *stackVisitor) createEntries() []stack.TraceEntry {
	entries := make([]stack.TraceEntry, 0, v.nextFrameIndex)
	for i := range v.nextFrameIndex {
		target := v.targets[i]
		info := v.entryInfoFor(target)
		if v.filter != nil && !v.filter(target, info.section) {
			continue
		}
		entries = append(entries, stack.TraceEntry{
			Tags:            stack.TagRoot,
			RootName:        info.rootName,
			SourceSection:   info.section,
			Tier:            v.tiers[i],
			CompilationRoot: v.roots[i],
		})
	}
	return entries
}

func (v *stackVisitor) entryInfoFor(target engine.CallTarget) entryInfo {
	if info, ok := v.cache.Get(target.ID()); ok {
		return info
	}
	info := entryInfo{
		rootName: target.RootName(),
		section:  target.SourceSection(),
	}
	v.cache.Add(target.ID(), info)
	return info
}

func (v *stackVisitor) resetAndReturn() {
	clear(v.targets[:v.nextFrameIndex])
	clear(v.tiers[:v.nextFrameIndex])
	clear(v.roots[:v.nextFrameIndex])
	v.nextFrameIndex = 0
	v.thread = nil
	v.overflowed = false
	v.startTime = 0
	v.endTime = 0
	v.pool.offer(v)
}
