// Package metrics collects and exposes kernel runtime observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-vat counters + time series),
//     exposed as JSON through JSONHandler and TimeSeriesHandler; kerneld
//     does not mount either handler.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.); kerneld serves it
//     on /metrics.
//
// # Concurrency — hot path
//
// RecordCrank is called from the crank loop after every run-queue item is
// processed and must be as fast as possible. It uses atomic increments for
// global counters and dispatches a lightweight event onto a buffered channel
// (tsChan) for the time-series worker to process asynchronously. This avoids
// holding any lock on the hot path.
//
// The per-vat VatMetrics struct also uses atomic operations exclusively;
// the sync.Map that stores the per-vat entries is read-heavy and
// write-once-per-new-vat, which is the ideal use case for sync.Map.
//
// # Invariants
//
//   - CranksTotal == CranksOK + CranksFailed (maintained by RecordCrank).
//   - The time-series ring buffer holds at most timeSeriesBucketCount buckets
//     (24 * 60 = 1440 for the last 24 hours at 1-minute granularity).
//   - tsChan capacity is 8192 events; events dropped when full are counted
//     in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores crank throughput for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Cranks       int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes kernel runtime metrics.
type Metrics struct {
	// Crank metrics
	CranksTotal  atomic.Int64
	CranksOK     atomic.Int64
	CranksFailed atomic.Int64

	// Crank duration metrics (in milliseconds)
	TotalDurationMs atomic.Int64
	MinDurationMs   atomic.Int64
	MaxDurationMs   atomic.Int64

	// Run queue depth (gauge, set by the crank loop after each pop)
	RunQueueDepth atomic.Int64

	// GC / promise / remote comms / supervision metrics
	GCActionsTotal          atomic.Int64
	PromiseResolutionsTotal atomic.Int64
	RemoteFramesIn          atomic.Int64
	RemoteFramesOut         atomic.Int64
	VatRestartsTotal        atomic.Int64
	VatTerminationsTotal    atomic.Int64

	// Per-GC-action-kind counters
	gcActionKinds sync.Map // domain.GCActionKind -> *atomic.Int64

	// Per-vat metrics
	vatMetrics sync.Map // domain.VatID -> *VatMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on the hot path
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// VatMetrics tracks metrics for a single vat.
type VatMetrics struct {
	Cranks       atomic.Int64
	Successes    atomic.Int64
	Failures     atomic.Int64
	Restarts     atomic.Int64
	Terminations atomic.Int64
	TotalMs      atomic.Int64
	MinMs        atomic.Int64
	MaxMs        atomic.Int64
}

// Global metrics instance
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinDurationMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized
func StartTime() time.Time {
	return global.startTime
}

// RecordCrank records the outcome of one crank — one pop-savepoint-dispatch-
// commit cycle of the run queue — for a given vat.
func (m *Metrics) RecordCrank(vatID string, durationMs int64, success bool) {
	m.CranksTotal.Add(1)

	if success {
		m.CranksOK.Add(1)
	} else {
		m.CranksFailed.Add(1)
	}

	m.TotalDurationMs.Add(durationMs)
	updateMin(&m.MinDurationMs, durationMs)
	updateMax(&m.MaxDurationMs, durationMs)

	vm := m.getVatMetrics(vatID)
	vm.Cranks.Add(1)
	if success {
		vm.Successes.Add(1)
	} else {
		vm.Failures.Add(1)
	}
	vm.TotalMs.Add(durationMs)
	updateMin(&vm.MinMs, durationMs)
	updateMax(&vm.MaxMs, durationMs)

	m.recordTimeSeries(durationMs, !success)

	RecordPrometheusCrank(vatID, durationMs, success)
}

// SetRunQueueDepth records the current run queue depth as observed by the
// crank loop right after a dequeue.
func (m *Metrics) SetRunQueueDepth(depth int64) {
	m.RunQueueDepth.Store(depth)
	SetPrometheusRunQueueDepth(depth)
}

// RecordGCAction records one GC action item (dropImports, retireImports,
// dropExports, retireExports, abandonExports) emitted by the collector.
func (m *Metrics) RecordGCAction(kind string) {
	m.GCActionsTotal.Add(1)
	v, _ := m.gcActionKinds.LoadOrStore(kind, &atomic.Int64{})
	v.(*atomic.Int64).Add(1)
	RecordPrometheusGCAction(kind)
}

// RecordPromiseResolution records a promise being resolved, rejected, or
// forwarded by the crank loop.
func (m *Metrics) RecordPromiseResolution() {
	m.PromiseResolutionsTotal.Add(1)
	RecordPrometheusPromiseResolution()
}

// RecordRemoteFrame records an inbound or outbound length-prefixed frame on
// the RemoteComms transport.
func (m *Metrics) RecordRemoteFrame(inbound bool) {
	if inbound {
		m.RemoteFramesIn.Add(1)
	} else {
		m.RemoteFramesOut.Add(1)
	}
	RecordPrometheusRemoteFrame(inbound)
}

// RecordVatRestart records the vat supervisor restarting a crashed vat.
func (m *Metrics) RecordVatRestart(vatID string) {
	m.VatRestartsTotal.Add(1)
	m.getVatMetrics(vatID).Restarts.Add(1)
	RecordPrometheusVatRestart(vatID)
}

// RecordVatTermination records a vat being permanently terminated (restart
// budget exhausted, or an explicit terminate operation).
func (m *Metrics) RecordVatTermination(vatID, reason string) {
	m.VatTerminationsTotal.Add(1)
	m.getVatMetrics(vatID).Terminations.Add(1)
	RecordPrometheusVatTermination(vatID, reason)
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the hot crank path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	// Check if we need to rotate buckets
	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	// Record to current bucket
	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Cranks++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

func (m *Metrics) getVatMetrics(vatID string) *VatMetrics {
	if v, ok := m.vatMetrics.Load(vatID); ok {
		return v.(*VatMetrics)
	}

	vm := &VatMetrics{}
	vm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.vatMetrics.LoadOrStore(vatID, vm)
	return actual.(*VatMetrics)
}

// GetVatMetrics returns the metrics for a specific vat (or nil if none recorded yet)
func (m *Metrics) GetVatMetrics(vatID string) *VatMetrics {
	if v, ok := m.vatMetrics.Load(vatID); ok {
		return v.(*VatMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.CranksTotal.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalDurationMs.Load()) / float64(total)
	}

	minLatency := m.MinDurationMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	gcByKind := make(map[string]int64)
	m.gcActionKinds.Range(func(key, value interface{}) bool {
		gcByKind[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})

	result := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"cranks": map[string]interface{}{
			"total": total,
			"ok":    m.CranksOK.Load(),
			"failed": m.CranksFailed.Load(),
		},
		"crank_duration_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxDurationMs.Load(),
		},
		"run_queue_depth":           m.RunQueueDepth.Load(),
		"gc_actions_total":          m.GCActionsTotal.Load(),
		"gc_actions_by_kind":        gcByKind,
		"promise_resolutions_total": m.PromiseResolutionsTotal.Load(),
		"remote_frames": map[string]interface{}{
			"in":  m.RemoteFramesIn.Load(),
			"out": m.RemoteFramesOut.Load(),
		},
		"vat_restarts_total":     m.VatRestartsTotal.Load(),
		"vat_terminations_total": m.VatTerminationsTotal.Load(),
		"ts_dropped_events":      m.tsDroppedEvents.Load(),
	}

	return result
}

// VatStats returns per-vat metrics
func (m *Metrics) VatStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.vatMetrics.Range(func(key, value interface{}) bool {
		vatID := key.(string)
		vm := value.(*VatMetrics)

		total := vm.Cranks.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(vm.TotalMs.Load()) / float64(total)
		}

		minMs := vm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[vatID] = map[string]interface{}{
			"cranks":       total,
			"successes":    vm.Successes.Load(),
			"failures":     vm.Failures.Load(),
			"restarts":     vm.Restarts.Load(),
			"terminations": vm.Terminations.Load(),
			"avg_ms":       avgMs,
			"min_ms":       minMs,
			"max_ms":       vm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["vats"] = m.VatStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"cranks":       bucket.Cranks,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
