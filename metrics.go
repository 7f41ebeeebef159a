// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics updated by the pipeline. A
// nil *Metrics discards updates.
type Metrics struct {
	BytesRead        prometheus.Counter
	ChunksRead       prometheus.Counter
	VariantsSelected prometheus.Counter
	BlocksFetched    prometheus.Counter
	PollAttempts     prometheus.Counter
	StageSeconds     *prometheus.HistogramVec
}

// NewMetrics creates the pipeline metrics and registers them with
// reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	bytesRead := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mmpmerge_bytes_read_total",
		Help: "Decompressed bytes read from local summary statistics files",
	})
	chunksRead := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mmpmerge_chunks_read_total",
		Help: "Line-aligned chunks read from local summary statistics files",
	})
	variantsSelected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mmpmerge_variants_selected_total",
		Help: "Variants with p-value below the configured threshold",
	})
	blocksFetched := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mmpmerge_blocks_fetched_total",
		Help: "Summary blocks downloaded from the merge service",
	})
	pollAttempts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mmpmerge_poll_attempts_total",
		Help: "Merge job status requests",
	})
	stageSeconds := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mmpmerge_stage_seconds",
		Help:    "Time spent in each pipeline stage",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"stage"})

	reg.MustRegister(bytesRead, chunksRead, variantsSelected, blocksFetched, pollAttempts, stageSeconds)

	return &Metrics{
		BytesRead:        bytesRead,
		ChunksRead:       chunksRead,
		VariantsSelected: variantsSelected,
		BlocksFetched:    blocksFetched,
		PollAttempts:     pollAttempts,
		StageSeconds:     stageSeconds,
	}
}

func (m *Metrics) chunk(n int) {
	if m != nil {
		m.ChunksRead.Inc()
		m.BytesRead.Add(float64(n))
	}
}

func (m *Metrics) variants(n int) {
	if m != nil {
		m.VariantsSelected.Add(float64(n))
	}
}

func (m *Metrics) blockFetched() {
	if m != nil {
		m.BlocksFetched.Inc()
	}
}

func (m *Metrics) pollAttempt() {
	if m != nil {
		m.PollAttempts.Inc()
	}
}

// timeStage returns a func that records the time elapsed since
// timeStage was called.
func (m *Metrics) timeStage(stage string) func() {
	t0 := time.Now()
	return func() {
		if m != nil {
			m.StageSeconds.WithLabelValues(stage).Observe(time.Since(t0).Seconds())
		}
	}
}
