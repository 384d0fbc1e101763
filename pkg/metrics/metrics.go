// Package metrics wires the core's internal counters — chain length walked,
// versions created, fat-tuple conversions, GC slots reclaimed, TODO
// dispatch latency — to real Prometheus instrumentation. The original
// C++ access method instruments these same call sites with its own
// COUNTERS_BLOCK() macro (cc_update_chains, cc_update_versions_created,
// cc_fat_tuple_convert); this re-expresses them as client_golang metrics
// instead of ad hoc in-process counters, the way the teacher's own
// services (pkg/storage) are meant to be observed once deployed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups every metric the MVCC core emits. Callers register it
// once against a prometheus.Registerer (or prometheus.DefaultRegisterer)
// and pass it to pkg/engine, which updates it around its pkg/mvcc calls.
type Collectors struct {
	ChainWalkLength   prometheus.Histogram
	VersionsCreated   prometheus.Counter
	FatTupleConverted prometheus.Counter
	GCSlotsReclaimed  prometheus.Counter
	TODODispatched    prometheus.Counter
	TODODispatchTime  prometheus.Histogram
	AbortedTx         prometheus.Counter
	CommittedTx       prometheus.Counter
}

// New builds a fresh Collectors set under the given namespace/subsystem,
// ready to be registered.
func New(namespace string) *Collectors {
	return &Collectors{
		ChainWalkLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mvcc",
			Name:      "chain_walk_length",
			Help:      "Number of secondary versions walked per Reconstruct call.",
			Buckets:   prometheus.LinearBuckets(0, 2, 10),
		}),
		VersionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mvcc",
			Name:      "versions_created_total",
			Help:      "Secondary versions appended to a chain by update/remove.",
		}),
		FatTupleConverted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mvcc",
			Name:      "fat_tuple_conversions_total",
			Help:      "Chained primaries converted to fat tuples.",
		}),
		GCSlotsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mvcc",
			Name:      "gc_slots_reclaimed_total",
			Help:      "Slots physically removed by the garbage collector.",
		}),
		TODODispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mvcc",
			Name:      "gc_todo_dispatched_total",
			Help:      "Staged GC TODOs dispatched, via either the dangling-pointer fast path or a re-descend.",
		}),
		TODODispatchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mvcc",
			Name:      "gc_todo_dispatch_seconds",
			Help:      "Wall time spent dispatching one staged GC TODO.",
			Buckets:   prometheus.DefBuckets,
		}),
		AbortedTx: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "aborted_total",
			Help:      "Transactions that aborted (ABORT_TX or explicit rollback).",
		}),
		CommittedTx: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "committed_total",
			Help:      "Transactions that committed successfully.",
		}),
	}
}

// MustRegister registers every collector against reg, panicking on a
// duplicate registration the way prometheus' own MustRegister does —
// acceptable here since registration happens once at process startup.
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.ChainWalkLength,
		c.VersionsCreated,
		c.FatTupleConverted,
		c.GCSlotsReclaimed,
		c.TODODispatched,
		c.TODODispatchTime,
		c.AbortedTx,
		c.CommittedTx,
	)
}
