// Copyright The Polyrt Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine defines the capability surface the sampler consumes from the
// host execution engine: context and thread identities, cooperative safepoint
// submission, and read-only frame introspection. The sampler is oblivious to
// how a concrete host implements these; everything here is injected.
package engine // import "github.com/polyrt/safepoint-sampler/engine"

import (
	"errors"
	"time"
)

var (
	// ErrContextClosed is returned by Engine.Submit when the target context
	// was closed concurrently with the submission.
	ErrContextClosed = errors.New("context is closed")

	// ErrTimeout is returned by Handle.Await when the timeout expired before
	// every thread of the context ran the submitted action.
	ErrTimeout = errors.New("await timed out")
)

// Context is an isolated execution unit owning zero or more worker threads.
// Its open/closed lifecycle is decided by its owner, not by the sampler.
type Context interface {
	// IsClosed reports whether the owner has closed the context. The answer
	// may be stale by the time the caller acts on it; submission races with
	// closing are surfaced as ErrContextClosed.
	IsClosed() bool
}

// Thread identifies one worker thread of a context.
type Thread interface {
	// ID is a process-unique identity for the thread.
	ID() uint64
	// Name is a human-readable thread name for diagnostics.
	Name() string
}

// SourceSection is a source location attached to a call target.
// The zero value means "no source available".
type SourceSection struct {
	// Source names the guest source unit, e.g. a file path or script name.
	Source string
	// StartLine and EndLine delimit the section, 1-based inclusive.
	StartLine int
	EndLine   int
}

// Valid reports whether the section refers to actual source.
func (s SourceSection) Valid() bool {
	return s.Source != ""
}

// CallTarget is the identity of one callable unit as reported by the host's
// frame-description source.
type CallTarget interface {
	// ID is a stable identity handle, unique per callable unit for the
	// lifetime of the process.
	ID() uint64
	// RootName is the name of the unit's root node.
	RootName() string
	// SourceSection is the unit's source location, zero if none is attached.
	SourceSection() SourceSection
}

// StackTraceElement is one element of a logical predecessor chain: a frame
// that logically, but not physically, precedes the point it was queried from,
// e.g. across a suspended and resumed continuation.
type StackTraceElement interface {
	// Target is the element's callable unit.
	Target() CallTarget
	// AsyncStackTrace returns the element's own logical predecessor chain,
	// or nil when the element carries no captured frame state.
	AsyncStackTrace() []StackTraceElement
}

// FrameInstance is one physical frame observed during a stack walk. It is
// only valid for the duration of the visit callback.
type FrameInstance interface {
	CallTarget() CallTarget
	// CompilationTier is the host-specific tier the frame executes in.
	CompilationTier() int
	// IsCompilationRoot reports whether the frame is the root of its
	// compilation unit.
	IsCompilationRoot() bool
	// AsyncStackTrace returns the frame's logical predecessor chain, or nil
	// if the frame exposes none.
	AsyncStackTrace() []StackTraceElement
}

// FrameVisitor is invoked for every physical frame, innermost first.
// Returning false stops the iteration.
type FrameVisitor func(fi FrameInstance) bool

// ThreadAccess is handed to a ThreadLocalAction when a thread reaches a
// safepoint, or obtained via Engine.CurrentAccess on the calling thread.
// It must only be used on the accessed thread, for the duration of the call.
type ThreadAccess interface {
	// Thread is the accessed thread's identity.
	Thread() Thread
	// IterateFrames walks the accessed thread's physical call stack,
	// innermost first.
	IterateFrames(visit FrameVisitor)
}

// ThreadLocalAction is a callback executed cooperatively on every thread of a
// context at the thread's next safepoint poll.
type ThreadLocalAction interface {
	Perform(access ThreadAccess)
}

// Handle is a cancellable completion handle for one submitted action.
type Handle interface {
	// Await blocks until every thread of the submitted context has run the
	// action, up to timeout. It returns ErrTimeout when the deadline passed
	// first; any other error indicates the action failed on some thread.
	Await(timeout time.Duration) error
	// Cancel withdraws the submission from threads that have not run the
	// action yet. Cancelling after a thread's safepoint fired is a no-op.
	Cancel()
}

// Engine is the injected host-runtime capability the sampler is built on.
type Engine interface {
	// Submit schedules action to run on every thread of ctx at the thread's
	// next safepoint. It returns ErrContextClosed if ctx was closed
	// concurrently.
	Submit(ctx Context, action ThreadLocalAction) (Handle, error)

	// CurrentAccess returns the calling thread's own access, for walks
	// performed on behalf of the current thread.
	CurrentAccess() ThreadAccess
}
