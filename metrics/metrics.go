// Copyright The Polyrt Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes counters about sampling health: rounds started,
// rounds that missed their deadline, per-context missed samples and buffer
// overflows. The counters are registered with the global OTel meter provider;
// without a configured provider they are no-ops.
package metrics // import "github.com/polyrt/safepoint-sampler/metrics"

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/polyrt/safepoint-sampler/vc"
)

var (
	meter = otel.Meter("github.com/polyrt/safepoint-sampler",
		metric.WithInstrumentationVersion(vc.Version()))

	samplingRounds   metric.Int64Counter
	incompleteRounds metric.Int64Counter
	missedSamples    metric.Int64Counter
	stackOverflows   metric.Int64Counter
	syntheticPushes  metric.Int64Counter
)

func init() {
	for _, c := range []struct {
		name, desc string
		counter    *metric.Int64Counter
	}{
		{"sampler_rounds", "Number of sampling rounds started.",
			&samplingRounds},
		{"sampler_rounds_incomplete", "Number of sampling rounds that timed " +
			"out or failed on at least one context.", &incompleteRounds},
		{"sampler_missed_samples", "Number of per-context samples missed " +
			"because a context did not reach a safepoint in time.",
			&missedSamples},
		{"sampler_stack_overflows", "Number of captured stacks truncated at " +
			"the configured stack limit.", &stackOverflows},
		{"sampler_synthetic_pushes", "Number of synthetic frames pushed.",
			&syntheticPushes},
	} {
		var err error
		*c.counter, err = meter.Int64Counter(c.name,
			metric.WithDescription(c.desc))
		if err != nil {
			log.Errorf("Failed to register metric %s: %v", c.name, err)
		}
	}
}

// AddSamplingRound counts one started sampling round.
func AddSamplingRound() {
	samplingRounds.Add(context.Background(), 1)
}

// AddIncompleteRound counts one round that returned partial results.
func AddIncompleteRound() {
	incompleteRounds.Add(context.Background(), 1)
}

// AddMissedSample counts one context that missed the sampling deadline.
func AddMissedSample() {
	missedSamples.Add(context.Background(), 1)
}

// AddStackOverflow counts one stack capture truncated at the stack limit.
func AddStackOverflow() {
	stackOverflows.Add(context.Background(), 1)
}

// AddSyntheticPush counts one pushed synthetic frame.
func AddSyntheticPush() {
	syntheticPushes.Add(context.Background(), 1)
}
