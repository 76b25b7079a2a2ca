package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seedspider/seedspider/internal/progress"
)

// PrometheusSink exports run and item progress via Prometheus. It owns all
// collectors for runs started/completed and per-type item outcomes.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted prometheus.Counter
	runsActive    prometheus.Gauge

	itemsAdmitted  *prometheus.CounterVec
	itemsCompleted *prometheus.CounterVec
	itemsRunning   *prometheus.GaugeVec
	itemDuration   *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seedspider_runs_started_total",
			Help: "Total runs that have started.",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seedspider_runs_completed_total",
			Help: "Total runs that have finished.",
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seedspider_runs_active",
			Help: "Current number of active runs.",
		}),
		itemsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seedspider_items_admitted_total",
			Help: "Work items admitted partitioned by action type.",
		}, []string{"action_type"}),
		itemsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seedspider_items_completed_total",
			Help: "Attempt outcomes partitioned by action type and result.",
		}, []string{"action_type", "result"}),
		itemsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "seedspider_items_running",
			Help: "Work items currently executing per action type.",
		}, []string{"action_type"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "seedspider_item_duration_seconds",
			Help:    "Attempt duration partitioned by action type and result.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"action_type", "result"}),
		tracker: newRunTracker(),
	}
	var err error
	if s.runsStarted, err = register(reg, s.runsStarted); err != nil {
		return nil, err
	}
	if s.runsCompleted, err = register(reg, s.runsCompleted); err != nil {
		return nil, err
	}
	if s.runsActive, err = register(reg, s.runsActive); err != nil {
		return nil, err
	}
	if s.itemsAdmitted, err = register(reg, s.itemsAdmitted); err != nil {
		return nil, err
	}
	if s.itemsCompleted, err = register(reg, s.itemsCompleted); err != nil {
		return nil, err
	}
	if s.itemsRunning, err = register(reg, s.itemsRunning); err != nil {
		return nil, err
	}
	if s.itemDuration, err = register(reg, s.itemDuration); err != nil {
		return nil, err
	}
	return s, nil
}

// register adds c to reg, adopting the already-registered collector when a
// previous sink instance claimed the same metric name.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	var zero C
	return zero, fmt.Errorf("register progress collector: %w", err)
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsActive.Inc()
		}
	case progress.KindRunDone:
		s.runsCompleted.Inc()
		if s.tracker.complete(evt.RunID) {
			s.runsActive.Dec()
		}
	case progress.KindItemAdmitted:
		s.itemsAdmitted.WithLabelValues(evt.ActionType).Inc()
	case progress.KindItemStarted:
		s.itemsRunning.WithLabelValues(evt.ActionType).Inc()
	case progress.KindItemDone:
		s.observeOutcome(evt, "done")
	case progress.KindItemRetry:
		s.observeOutcome(evt, "retry")
	case progress.KindItemFailed:
		s.observeOutcome(evt, "failed")
	case progress.KindItemReclaimed:
		s.itemsCompleted.WithLabelValues(evt.ActionType, "reclaimed").Inc()
	}
}

func (s *PrometheusSink) observeOutcome(evt progress.Event, result string) {
	s.itemsCompleted.WithLabelValues(evt.ActionType, result).Inc()
	s.itemsRunning.WithLabelValues(evt.ActionType).Dec()
	if evt.Dur > 0 {
		s.itemDuration.WithLabelValues(evt.ActionType, result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{active: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}
