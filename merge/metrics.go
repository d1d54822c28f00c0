package merge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fieldChanges = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "property_sync_merge_field_changes_total",
		Help: "Fields written by the merge engine, by field and policy",
	},
	[]string{"field", "policy"},
)
