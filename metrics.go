package workitems

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ReservedTotal counts successful input reservations.
var ReservedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "workitems_reserved_total",
	Help: "Work items reserved from an input queue.",
}, []string{"adapter", "queue"})

// ReleasedTotal counts terminal releases by resulting state.
var ReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "workitems_released_total",
	Help: "Work items released to a terminal state.",
}, []string{"adapter", "queue", "state"})

// CreatedTotal counts items inserted by CreateOutput and SeedInput.
var CreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "workitems_created_total",
	Help: "Work items created.",
}, []string{"adapter", "queue"})

// RecoveredTotal counts orphaned items returned to PENDING.
var RecoveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "workitems_orphans_recovered_total",
	Help: "Orphaned work items recovered back to PENDING.",
}, []string{"adapter", "queue"})

var retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "workitems_transient_retries_total",
	Help: "Retries of operations that failed with a transient error.",
}, []string{"op"})
