// Copyright The Polyrt Authors
// SPDX-License-Identifier: Apache-2.0

// Package xsync provides concurrency helpers for state shared between the
// sampler's coordinating thread and the instrumented worker threads.
package xsync // import "github.com/polyrt/safepoint-sampler/xsync"

import "sync"

// RWMutex is a thin wrapper around sync.RWMutex that hides away the data it
// protects to ensure it's not accidentally accessed without actually holding
// the lock.
//
// Given Go's weak type system it's not able to provide perfect safety, but it
// at least clearly communicates which resource is protected by which lock:
// there is no direct pointer to the guarded data that could be used without
// going through RLock/WLock first, and the unlock functions invalidate the
// borrowed pointer so use-after-unlock crashes immediately in tests instead
// of racing silently.
type RWMutex[T any] struct {
	guarded T
	mutex   sync.RWMutex
}

// NewRWMutex creates a new read-write mutex.
func NewRWMutex[T any](guarded T) RWMutex[T] {
	return RWMutex[T]{
		guarded: guarded,
	}
}

// RLock locks the mutex for reading, returning a pointer to the protected
// data.
//
// The caller **must not** write to the data pointed to by the returned
// pointer, and must not let the pointer escape the scope it was created in
// except for temporarily borrowing it to callees that don't save it.
func (mtx *RWMutex[T]) RLock() *T {
	mtx.mutex.RLock()
	return &mtx.guarded
}

// RUnlock unlocks the mutex after previously being locked by RLock.
//
// Pass a reference to the pointer returned from RLock here to ensure it is
// invalidated.
func (mtx *RWMutex[T]) RUnlock(ref **T) {
	*ref = nil
	mtx.mutex.RUnlock()
}

// WLock locks the mutex for writing, returning a pointer to the protected
// data.
//
// The caller must not let the returned pointer escape the scope it was
// created in, except for temporarily borrowing it to callees that don't save
// it.
func (mtx *RWMutex[T]) WLock() *T {
	mtx.mutex.Lock()
	return &mtx.guarded
}

// WUnlock unlocks the mutex after previously being locked by WLock.
//
// Pass a reference to the pointer returned from WLock here to ensure it is
// invalidated.
func (mtx *RWMutex[T]) WUnlock(ref **T) {
	*ref = nil
	mtx.mutex.Unlock()
}
