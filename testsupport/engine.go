// Copyright The Polyrt Authors
// SPDX-License-Identifier: Apache-2.0

// Package testsupport provides a scripted in-process fake of the host engine
// for sampler tests: contexts with worker threads, fixed stacks with
// optional logical predecessor chains, and a deterministic safepoint
// scheduler with configurable delays and no-show threads.
package testsupport // import "github.com/polyrt/safepoint-sampler/testsupport"

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polyrt/safepoint-sampler/engine"
)

// Target is a scripted call target.
type Target struct {
	// TargetID is the stable identity handle.
	TargetID uint64
	// Name is the root name.
	Name string
	// Section is the attached source location.
	Section engine.SourceSection

	// NameCalls counts RootName invocations, for cache assertions.
	NameCalls atomic.Int32
}

var _ engine.CallTarget = (*Target)(nil)

func (t *Target) ID() uint64 { return t.TargetID }

func (t *Target) RootName() string {
	t.NameCalls.Add(1)
	return t.Name
}

func (t *Target) SourceSection() engine.SourceSection { return t.Section }

// Element is one scripted logical predecessor chain element.
type Element struct {
	// Tgt is the element's call target.
	Tgt *Target
	// Chain is the element's own predecessor chain, nil when the element
	// carries no frame state.
	Chain []engine.StackTraceElement
}

var _ engine.StackTraceElement = (*Element)(nil)

func (e *Element) Target() engine.CallTarget { return e.Tgt }

func (e *Element) AsyncStackTrace() []engine.StackTraceElement {
	return e.Chain
}

// Frame is one scripted physical frame.
type Frame struct {
	Tgt  *Target
	Tier int
	Root bool
	// Async is the frame's logical predecessor chain, nil if none.
	Async []engine.StackTraceElement
}

var _ engine.FrameInstance = (*Frame)(nil)

func (f *Frame) CallTarget() engine.CallTarget { return f.Tgt }

func (f *Frame) CompilationTier() int { return f.Tier }

func (f *Frame) IsCompilationRoot() bool { return f.Root }

func (f *Frame) AsyncStackTrace() []engine.StackTraceElement { return f.Async }

// Thread is a scripted worker thread with a fixed stack.
type Thread struct {
	ThreadID   uint64
	ThreadName string
	// Frames is the physical stack, innermost first.
	Frames []engine.FrameInstance

	// Delay postpones the safepoint callback. A cancelled submission stops
	// the wait and the callback never runs.
	Delay time.Duration
	// Wedged threads never reach a safepoint.
	Wedged bool
	// PerformErr makes the callback fail on this thread.
	PerformErr error
}

var _ engine.Thread = (*Thread)(nil)

func (t *Thread) ID() uint64 { return t.ThreadID }

func (t *Thread) Name() string { return t.ThreadName }

// Access returns the thread's safepoint access.
func (t *Thread) Access() engine.ThreadAccess {
	return &threadAccess{thread: t}
}

type threadAccess struct {
	thread *Thread
}

func (a *threadAccess) Thread() engine.Thread { return a.thread }

func (a *threadAccess) IterateFrames(visit engine.FrameVisitor) {
	for _, fi := range a.thread.Frames {
		if !visit(fi) {
			return
		}
	}
}

// Context is a scripted engine context.
type Context struct {
	Threads []*Thread

	closed atomic.Bool
}

var _ engine.Context = (*Context)(nil)

func (c *Context) IsClosed() bool { return c.closed.Load() }

// Close marks the context closed.
func (c *Context) Close() { c.closed.Store(true) }

// Handle is the fake completion handle handed out by Engine.Submit.
type Handle struct {
	done      chan error
	cancel    chan struct{}
	cancelled atomic.Bool
	once      sync.Once
}

var _ engine.Handle = (*Handle)(nil)

// Await blocks until every thread ran the action, the timeout expired or
// the handle was cancelled.
func (h *Handle) Await(timeout time.Duration) error {
	select {
	case err := <-h.done:
		return err
	case <-time.After(timeout):
		return engine.ErrTimeout
	}
}

// Cancel stops pending threads from running the action.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
	h.once.Do(func() { close(h.cancel) })
}

// Cancelled reports whether Cancel was called.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// Engine is the scripted fake engine.
type Engine struct {
	// SubmitErr, when set, fails every submission.
	SubmitErr error

	current atomic.Pointer[Thread]

	mu      sync.Mutex
	handles []*Handle
}

var _ engine.Engine = (*Engine)(nil)

// SetCurrentThread declares which scripted thread the calling goroutine
// represents for CurrentAccess.
func (e *Engine) SetCurrentThread(t *Thread) {
	e.current.Store(t)
}

func (e *Engine) CurrentAccess() engine.ThreadAccess {
	return e.current.Load().Access()
}

// Submit schedules the action on every thread of ctx. Each thread runs on
// its own goroutine, honoring Delay, Wedged and PerformErr.
func (e *Engine) Submit(ctx engine.Context,
	action engine.ThreadLocalAction) (engine.Handle, error) {
	if e.SubmitErr != nil {
		return nil, e.SubmitErr
	}
	fc := ctx.(*Context)
	if fc.IsClosed() {
		return nil, engine.ErrContextClosed
	}

	h := &Handle{
		done:   make(chan error, 1),
		cancel: make(chan struct{}),
	}
	var g errgroup.Group
	for _, thread := range fc.Threads {
		g.Go(func() error {
			if thread.Wedged {
				<-h.cancel
				return nil
			}
			if thread.Delay > 0 {
				select {
				case <-time.After(thread.Delay):
				case <-h.cancel:
					return nil
				}
			}
			if thread.PerformErr != nil {
				return thread.PerformErr
			}
			action.Perform(thread.Access())
			return nil
		})
	}
	go func() { h.done <- g.Wait() }()

	e.mu.Lock()
	e.handles = append(e.handles, h)
	e.mu.Unlock()
	return h, nil
}

// Handles returns every handle handed out so far, in submission order.
func (e *Engine) Handles() []*Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Handle(nil), e.handles...)
}
