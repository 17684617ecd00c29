// Copyright The Polyrt Authors
// SPDX-License-Identifier: Apache-2.0

package xsync_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/polyrt/safepoint-sampler/xsync"
)

func TestRWMutex(t *testing.T) {
	chains := xsync.NewRWMutex(map[uint64]string{})

	m := chains.WLock()
	(*m)[42] = "worker-42"
	chains.WUnlock(&m)
	// WUnlock zeros the reference to make sure we can't accidentally use it
	// after unlocking.
	assert.Nil(t, m)

	r := chains.RLock()
	defer chains.RUnlock(&r)
	assert.Equal(t, "worker-42", (*r)[42])
}

func TestRWMutex_CrashOnUseAfterUnlock(t *testing.T) {
	mtx := xsync.NewRWMutex(uint64(0))
	p := mtx.WLock()
	*p = 123
	mtx.WUnlock(&p)

	assert.Panics(t, func() {
		*p = 345
	})
}
