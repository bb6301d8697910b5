// Package metrics provides Prometheus metrics for the file-provider bridge.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Coordinator operations
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileprovider_operations_total",
			Help: "Coordinator operations by result kind",
		},
		[]string{"op", "result"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fileprovider_operation_duration_seconds",
			Help:    "Time from operation start to its continuation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Item cache
	cacheItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fileprovider_item_cache_items",
			Help: "Number of items held in the item cache",
		},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileprovider_item_cache_lookups_total",
			Help: "Item cache lookups",
		},
		[]string{"result"},
	)

	// Dispatch loop
	dispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fileprovider_dispatch_queue_depth",
			Help: "Tasks waiting on the owning context",
		},
	)

	// Engine
	engineOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fileprovider_engine_operation_duration_seconds",
			Help:    "Engine operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"account", "op"},
	)

	engineOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileprovider_engine_operations_total",
			Help: "Total engine operations",
		},
		[]string{"account", "op", "status"},
	)

	transferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileprovider_transfer_bytes_total",
			Help: "Bytes moved by completed transfers",
		},
		[]string{"direction"},
	)

	remoteChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileprovider_remote_changes_total",
			Help: "Change notifications received from the engine",
		},
		[]string{"account"},
	)

	// Host bridge
	hostRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileprovider_host_requests_total",
			Help: "Total host bridge requests",
		},
		[]string{"method", "status"},
	)

	hostRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fileprovider_host_request_duration_seconds",
			Help:    "Host bridge request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOperation records a coordinator operation outcome. result is a short
// classification such as "ok", "identity" or "cancelled".
func RecordOperation(op, result string, duration time.Duration) {
	operationsTotal.WithLabelValues(op, result).Inc()
	operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// SetCacheItems sets the current item cache size.
func SetCacheItems(n int) {
	cacheItems.Set(float64(n))
}

// RecordCacheLookup records an item cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// SetDispatchQueueDepth sets the number of queued dispatch tasks.
func SetDispatchQueueDepth(n int) {
	dispatchQueueDepth.Set(float64(n))
}

// RecordEngineOperation records an engine call for an account.
func RecordEngineOperation(account, op string, duration time.Duration, err error) {
	engineOperationDuration.WithLabelValues(account, op).Observe(duration.Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	engineOperationsTotal.WithLabelValues(account, op, status).Inc()
}

// RecordTransfer records bytes moved by a finished download or upload.
func RecordTransfer(direction string, bytes int64) {
	transferBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordRemoteChange records an engine change notification.
func RecordRemoteChange(account string) {
	remoteChangesTotal.WithLabelValues(account).Inc()
}

// RecordHostRequest records a host bridge request.
func RecordHostRequest(method string, status int, duration time.Duration) {
	hostRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	hostRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}
