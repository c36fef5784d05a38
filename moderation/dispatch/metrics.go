package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var workItemsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_dispatch_work_items_added_total",
	Help: "Total number of messages added to the dispatch pool",
}, []string{"pool"})

var workItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_dispatch_work_items_processed_total",
	Help: "Total number of messages processed by the dispatch pool",
}, []string{"pool"})

var workItemsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_dispatch_work_items_failed_total",
	Help: "Total number of messages whose handler returned an error",
}, []string{"pool"})

var workersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "warden_dispatch_workers_active",
	Help: "Number of workers currently active",
}, []string{"pool"})

var keysQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "warden_dispatch_keys_active",
	Help: "Number of keys with queued or in-flight work",
}, []string{"pool"})
