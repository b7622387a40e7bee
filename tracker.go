package shared

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time snapshot of a [Tracker].
type Stats struct {
	Allocated       int64 // control blocks created by New
	Released        int64 // values released by their last strong reference
	Freed           int64 // control blocks with no remaining strong or weak reference
	Clones          int64 // strong references added by Clone, Assign and Upgrade
	Moves           int64
	UpgradeFailures int64
	Leaked          int64 // strong handles collected without Release
}

// Live returns the number of values that have not been released yet.
func (s Stats) Live() int64 {
	return s.Allocated - s.Released
}

// Sub returns the events recorded between prev and s.
func (s Stats) Sub(prev Stats) Stats {
	return Stats{
		Allocated:       s.Allocated - prev.Allocated,
		Released:        s.Released - prev.Released,
		Freed:           s.Freed - prev.Freed,
		Clones:          s.Clones - prev.Clones,
		Moves:           s.Moves - prev.Moves,
		UpgradeFailures: s.UpgradeFailures - prev.UpgradeFailures,
		Leaked:          s.Leaked - prev.Leaked,
	}
}

// Tracker counts handle lifecycle events. It is safe for concurrent use and
// implements prometheus.Collector. The zero value is ready for use and logs to
// slog.Default. A nil *Tracker records nothing.
type Tracker struct {
	log *slog.Logger

	allocs   atomic.Int64
	releases atomic.Int64
	frees    atomic.Int64
	clones   atomic.Int64
	moves    atomic.Int64
	upgrades atomic.Int64
	leaks    atomic.Int64

	descOnce sync.Once
	descs    trackerDescs
}

type trackerDescs struct {
	allocated, released, freed, live, clones, moves, upgradeFailures, leaked *prometheus.Desc
}

// NewTracker creates a Tracker that logs to logger, or to slog.Default if
// logger is nil.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		log:   logger,
		descs: newTrackerDescs(nil),
	}
}

// NewTrackerWithLabels is like [NewTracker] but attaches constant labels to
// every exported metric, so several trackers can share one registry.
func NewTrackerWithLabels(logger *slog.Logger, labels prometheus.Labels) *Tracker {
	return &Tracker{
		log:   logger,
		descs: newTrackerDescs(labels),
	}
}

func newTrackerDescs(labels prometheus.Labels) trackerDescs {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("shared", "handle", name), help, nil, labels)
	}
	return trackerDescs{
		allocated:       desc("blocks_allocated_total", "Control blocks allocated."),
		released:        desc("values_released_total", "Values released by their last strong reference."),
		freed:           desc("blocks_freed_total", "Control blocks with no remaining references."),
		live:            desc("values_live", "Values not yet released."),
		clones:          desc("clones_total", "Strong references added to existing values."),
		moves:           desc("moves_total", "Ownership transfers between handles."),
		upgradeFailures: desc("upgrade_failures_total", "Weak upgrades attempted after release."),
		leaked:          desc("leaked_total", "Strong handles collected without Release."),
	}
}

// Stats returns a snapshot of the tracker's counters. Counters are read one
// at a time, so a snapshot taken during concurrent activity may be skewed.
func (t *Tracker) Stats() Stats {
	if t == nil {
		return Stats{}
	}
	return Stats{
		Allocated:       t.allocs.Load(),
		Released:        t.releases.Load(),
		Freed:           t.frees.Load(),
		Clones:          t.clones.Load(),
		Moves:           t.moves.Load(),
		UpgradeFailures: t.upgrades.Load(),
		Leaked:          t.leaks.Load(),
	}
}

// descriptors returns the metric descriptors, building the unlabeled set for a
// Tracker that was not created by a constructor.
func (t *Tracker) descriptors() *trackerDescs {
	t.descOnce.Do(func() {
		if t.descs.allocated == nil {
			t.descs = newTrackerDescs(nil)
		}
	})
	return &t.descs
}

// Describe implements prometheus.Collector.
func (t *Tracker) Describe(ch chan<- *prometheus.Desc) {
	d := t.descriptors()
	for _, desc := range []*prometheus.Desc{
		d.allocated, d.released, d.freed, d.live, d.clones, d.moves, d.upgradeFailures, d.leaked,
	} {
		ch <- desc
	}
}

// Collect implements prometheus.Collector.
func (t *Tracker) Collect(ch chan<- prometheus.Metric) {
	s := t.Stats()
	d := t.descriptors()
	counter := func(desc *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	counter(d.allocated, s.Allocated)
	counter(d.released, s.Released)
	counter(d.freed, s.Freed)
	counter(d.clones, s.Clones)
	counter(d.moves, s.Moves)
	counter(d.upgradeFailures, s.UpgradeFailures)
	counter(d.leaked, s.Leaked)
	ch <- prometheus.MustNewConstMetric(d.live, prometheus.GaugeValue, float64(s.Live()))
}

func (t *Tracker) logger() *slog.Logger {
	if t == nil || t.log == nil {
		return slog.Default()
	}
	return t.log
}

func (t *Tracker) allocated() {
	if t != nil {
		t.allocs.Add(1)
	}
}

func (t *Tracker) released() {
	if t != nil {
		t.releases.Add(1)
	}
}

func (t *Tracker) freed() {
	if t != nil {
		t.frees.Add(1)
	}
}

func (t *Tracker) cloned() {
	if t != nil {
		t.clones.Add(1)
	}
}

func (t *Tracker) moved() {
	if t != nil {
		t.moves.Add(1)
	}
}

func (t *Tracker) upgradeFailed() {
	if t != nil {
		t.upgrades.Add(1)
	}
}

func (t *Tracker) leaked(typ string) {
	if t != nil {
		t.leaks.Add(1)
	}
	t.logger().Warn("leaked shared handle", "type", typ)
}

var _ prometheus.Collector = (*Tracker)(nil)
