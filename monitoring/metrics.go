package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are shared by every worker of a process group. All methods accept a
// nil receiver, which disables collection.
type Metrics struct {
	Cycles           *prometheus.CounterVec
	PhaseTransitions *prometheus.CounterVec
	CellsRefined     prometheus.Counter
	CellsCoarsened   prometheus.Counter
	CellsMigrated    prometheus.Counter
	ActiveCells      *prometheus.GaugeVec
	Imbalance        prometheus.Gauge
}

// unregistered lets every worker group build its own collectors when no
// registry is given; names may repeat since nothing is exported
type unregistered struct{}

func (unregistered) Register(prometheus.Collector) error  { return nil }
func (unregistered) MustRegister(...prometheus.Collector) {}
func (unregistered) Unregister(prometheus.Collector) bool { return true }

// NewMetrics registers the collectors on reg, or keeps them private when reg
// is nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = unregistered{}
	}
	return &Metrics{
		Cycles: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "dgforest",
			Name:      "cycles_total",
			Help:      "Completed refinement and repartition cycles",
		}, []string{"kind"}),
		PhaseTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "dgforest",
			Name:      "phase_transitions_total",
			Help:      "Phase transitions per worker, by target phase",
		}, []string{"phase"}),
		CellsRefined: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "dgforest",
			Name:      "cells_refined_total",
			Help:      "Owned leaves replaced by their children",
		}),
		CellsCoarsened: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "dgforest",
			Name:      "cells_coarsened_total",
			Help:      "Parents created from merged sibling families",
		}),
		CellsMigrated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "dgforest",
			Name:      "cells_migrated_total",
			Help:      "Leaves sent to another worker during migration",
		}),
		ActiveCells: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dgforest",
			Name:      "active_cells",
			Help:      "Owned leaves per rank",
		}, []string{"rank"}),
		Imbalance: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "dgforest",
			Name:      "partition_imbalance",
			Help:      "Largest rank load over the mean load after the last repartition",
		}),
	}
}

func (m *Metrics) CycleCompleted(kind string) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(kind).Inc()
}

func (m *Metrics) PhaseEntered(phase string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(phase).Inc()
}

// TopologyChanged records the leaves one worker refined and coarsened
func (m *Metrics) TopologyChanged(refined, coarsened int) {
	if m == nil {
		return
	}
	m.CellsRefined.Add(float64(refined))
	m.CellsCoarsened.Add(float64(coarsened))
}

func (m *Metrics) Migrated(sent int) {
	if m == nil {
		return
	}
	m.CellsMigrated.Add(float64(sent))
}

func (m *Metrics) SetActiveCells(rank string, n int) {
	if m == nil {
		return
	}
	m.ActiveCells.WithLabelValues(rank).Set(float64(n))
}

func (m *Metrics) SetImbalance(v float64) {
	if m == nil {
		return
	}
	m.Imbalance.Set(v)
}
