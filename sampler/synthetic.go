// Copyright The Polyrt Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"fmt"

	"github.com/polyrt/safepoint-sampler/stack"
	"github.com/polyrt/safepoint-sampler/times"
)

// syntheticFrame is a manually pushed pseudo-frame representing a logical
// call point with no physical stack frame. Frames form a per-thread LIFO
// chain through parent; the underlying stack sample is captured eagerly at
// push time. Created on the instrumented thread, keep construction as cheap
// as possible.
type syntheticFrame struct {
	parent  *syntheticFrame
	sample  stack.Sample
	unit    string
	message string

	rendered bool
}

var _ collectionResult = (*syntheticFrame)(nil)

// createSample returns the sample captured at push time with the synthetic
// entry prepended. The label is rendered here, on first read, to avoid
// string formatting on the instrumented thread; repeated reads reuse it.
func (f *syntheticFrame) createSample(times.KTime) stack.Sample {
	if !f.rendered {
		entry := stack.TraceEntry{
			Tags:     stack.TagSynthetic,
			RootName: fmt.Sprintf("<<%s:%s>>", f.unit, f.message),
		}
		f.sample.Stack = append([]stack.TraceEntry{entry}, f.sample.Stack...)
		f.rendered = true
	}
	return f.sample
}
