// Package metrics holds the prometheus collectors of the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "settingsync"

// Metrics is the set of sync collectors. A nil *Metrics records nothing.
type Metrics struct {
	Cycles        prometheus.Counter
	Pushes        *prometheus.CounterVec
	Merges        *prometheus.CounterVec
	EmptySnapshot prometheus.Counter
	LocalApplies  *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Sync cycles run by the worker.",
		}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_total",
			Help:      "Push attempts by result.",
		}, []string{"result"}),
		Merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_total",
			Help:      "Master advances by kind.",
		}, []string{"kind"}),
		EmptySnapshot: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_snapshot_total",
			Help:      "Empty snapshots that were ignored.",
		}),
		LocalApplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_apply_total",
			Help:      "Writes of the merged state to local files by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.Cycles, m.Pushes, m.Merges, m.EmptySnapshot, m.LocalApplies)
	return m
}

func (m *Metrics) Cycle() {
	if m != nil {
		m.Cycles.Inc()
	}
}

func (m *Metrics) Push(result string) {
	if m != nil {
		m.Pushes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Merge(kind string) {
	if m != nil {
		m.Merges.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Empty() {
	if m != nil {
		m.EmptySnapshot.Inc()
	}
}

func (m *Metrics) LocalApply(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	m.LocalApplies.WithLabelValues(result).Inc()
}
