// Package monitor samples process memory, keeps a short rolling history and
// raises warnings on absolute thresholds and on sustained growth. It only
// reports; it never changes how the dispatcher behaves.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"event-dispatcher/internal/clock"
	"event-dispatcher/internal/telemetry"
)

const mb = 1024 * 1024

// Sample is one memory reading.
type Sample struct {
	At           time.Time `json:"at"`
	HeapAllocMB  float64   `json:"heap_alloc_mb"`
	SysMB        float64   `json:"sys_mb"`
	NumGoroutine int       `json:"num_goroutine"`
}

// Stats is the read-only view served to operators.
type Stats struct {
	Current       Sample   `json:"current"`
	History       []Sample `json:"history"`
	Warnings      []string `json:"warnings,omitempty"`
	LeakSuspected bool     `json:"leak_suspected"`
	GrowthMB      float64  `json:"growth_mb"`
}

type Options struct {
	Interval     time.Duration
	HistorySize  int
	WarnHeapMB   float64
	WarnSysMB    float64
	LeakGrowthMB float64
	Clock        clock.Clock
	Logger       logrus.FieldLogger
	// Read overrides the runtime reader, for tests.
	Read func() (heapMB, sysMB float64)
}

type Monitor struct {
	opts Options
	log  logrus.FieldLogger

	mu       sync.Mutex
	history  []Sample
	warnings []string
	leak     bool
	growth   float64
}

func New(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.HistorySize < 2 {
		opts.HistorySize = 10
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Read == nil {
		opts.Read = readRuntime
	}
	return &Monitor{opts: opts, log: opts.Logger.WithField("component", "monitor")}
}

func readRuntime() (float64, float64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / mb, float64(ms.Sys) / mb
}

// Sample takes a reading, records it and evaluates thresholds.
func (m *Monitor) Sample() Sample {
	heap, sys := m.opts.Read()
	s := Sample{
		At:           m.opts.Clock.Now(),
		HeapAllocMB:  heap,
		SysMB:        sys,
		NumGoroutine: runtime.NumGoroutine(),
	}

	m.mu.Lock()
	m.history = append(m.history, s)
	if len(m.history) > m.opts.HistorySize {
		m.history = append(m.history[:0:0], m.history[len(m.history)-m.opts.HistorySize:]...)
	}
	var warnings []string
	if m.opts.WarnHeapMB > 0 && heap > m.opts.WarnHeapMB {
		warnings = append(warnings, fmt.Sprintf("heap %.1fMB above %.1fMB", heap, m.opts.WarnHeapMB))
	}
	if m.opts.WarnSysMB > 0 && sys > m.opts.WarnSysMB {
		warnings = append(warnings, fmt.Sprintf("sys %.1fMB above %.1fMB", sys, m.opts.WarnSysMB))
	}
	wasLeak := m.leak
	m.leak, m.growth = m.leakLocked()
	m.warnings = warnings
	leak, growth := m.leak, m.growth
	m.mu.Unlock()

	telemetry.HeapMB.Set(heap)
	if leak {
		telemetry.LeakSuspected.Set(1)
	} else {
		telemetry.LeakSuspected.Set(0)
	}

	for _, w := range warnings {
		m.log.WithFields(logrus.Fields{"heap_mb": heap, "sys_mb": sys}).Warn("memory threshold exceeded: " + w)
	}
	switch {
	case leak && !wasLeak:
		m.log.WithFields(logrus.Fields{"growth_mb": growth, "samples": m.opts.HistorySize}).Warn("possible memory leak: heap grew on every sample")
	case !leak && wasLeak:
		m.log.Info("memory growth no longer sustained")
	}
	return s
}

// leakLocked flags a leak only when the window is full, the heap rose on
// every sample and the total rise reaches LeakGrowthMB.
func (m *Monitor) leakLocked() (bool, float64) {
	n := len(m.history)
	if n == 0 {
		return false, 0
	}
	growth := m.history[n-1].HeapAllocMB - m.history[0].HeapAllocMB
	if n < m.opts.HistorySize {
		return false, growth
	}
	for i := 1; i < n; i++ {
		if m.history[i].HeapAllocMB <= m.history[i-1].HeapAllocMB {
			return false, growth
		}
	}
	return growth >= m.opts.LeakGrowthMB, growth
}

// Stats returns a copy of the current state.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		History:       append([]Sample(nil), m.history...),
		Warnings:      append([]string(nil), m.warnings...),
		LeakSuspected: m.leak,
		GrowthMB:      m.growth,
	}
	if n := len(m.history); n > 0 {
		st.Current = m.history[n-1]
	}
	return st
}

// Run samples immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		m.Sample()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
