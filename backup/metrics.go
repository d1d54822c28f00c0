package backup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	snapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "property_sync_snapshots_total",
			Help: "Snapshot requests by result (written, deduplicated)",
		},
		[]string{"result"},
	)

	snapshotsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "property_sync_snapshots_pruned_total",
		Help: "Snapshot files removed by retention",
	})
)
