// Package metrics provides Prometheus metrics for the bus simulation.
package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid everywhere it is accepted and records nothing.
type Metrics struct {
	// Registry is the Prometheus registry for this metrics instance
	Registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
	DBWaitSecondsTotal prometheus.Counter

	// Scheduler metrics
	TasksScheduledTotal prometheus.Counter
	TasksFiredTotal     prometheus.Counter
	TaskFailuresTotal   prometheus.Counter
	TasksPending        prometheus.Gauge

	// Simulation metrics
	TicksTotal           prometheus.Counter
	BusesByStatus        *prometheus.GaugeVec
	BusTransitionsTotal  *prometheus.CounterVec
	TimeSlotArrivals     prometheus.Counter
	DirectionsQueries    *prometheus.CounterVec
	PublishedTotal       *prometheus.CounterVec
	PublishFailuresTotal prometheus.Counter
	SyncFailuresTotal    *prometheus.CounterVec

	// logger for error reporting
	logger *slog.Logger

	// collectorStarted prevents spawning multiple collector goroutines
	collectorStarted atomic.Bool

	// cancel stops the DB stats collector goroutine
	cancel context.CancelFunc

	// wg tracks the DB stats collector goroutine for graceful shutdown
	wg sync.WaitGroup
}

// New creates and registers all application metrics with a new registry.
func New() *Metrics {
	return NewWithLogger(nil)
}

// NewWithLogger creates metrics with a logger for error reporting.
func NewWithLogger(logger *slog.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bussim_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bussim_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		DBConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bussim_db_connections_open",
			Help: "Number of open database connections",
		}),
		DBConnectionsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bussim_db_connections_in_use",
			Help: "Number of database connections currently in use",
		}),
		DBConnectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bussim_db_connections_idle",
			Help: "Number of idle database connections",
		}),
		DBWaitSecondsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bussim_db_wait_seconds_total",
			Help: "Total time blocked waiting for a database connection",
		}),
		TasksScheduledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bussim_scheduler_tasks_scheduled_total",
			Help: "Tasks added to the scheduler queue",
		}),
		TasksFiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bussim_scheduler_tasks_fired_total",
			Help: "Tasks removed from the queue and invoked",
		}),
		TaskFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bussim_scheduler_task_failures_total",
			Help: "Task actions that returned an error or panicked",
		}),
		TasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bussim_scheduler_tasks_pending",
			Help: "Tasks waiting in the scheduler queue",
		}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bussim_ticks_total",
			Help: "Simulation steps executed",
		}),
		BusesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bussim_buses",
			Help: "Buses per status",
		}, []string{"status"}),
		BusTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bussim_bus_transitions_total",
			Help: "Bus state machine transitions",
		}, []string{"from", "to"}),
		TimeSlotArrivals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bussim_timeslot_arrivals_total",
			Help: "Time slot occurrences that fired",
		}),
		DirectionsQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bussim_directions_queries_total",
			Help: "Directions queries by outcome",
		}, []string{"outcome"}),
		PublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bussim_published_messages_total",
			Help: "Messages handed to the publish channel by topic",
		}, []string{"topic"}),
		PublishFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bussim_publish_failures_total",
			Help: "Messages that could not be delivered",
		}),
		SyncFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bussim_sync_failures_total",
			Help: "REST bulk sync failures by operation",
		}, []string{"operation"}),
		logger: logger,
	}

	// Register all metrics with the custom registry
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
		m.DBWaitSecondsTotal,
		m.TasksScheduledTotal,
		m.TasksFiredTotal,
		m.TaskFailuresTotal,
		m.TasksPending,
		m.TicksTotal,
		m.BusesByStatus,
		m.BusTransitionsTotal,
		m.TimeSlotArrivals,
		m.DirectionsQueries,
		m.PublishedTotal,
		m.PublishFailuresTotal,
		m.SyncFailuresTotal,
	)

	return m
}

// RecordHTTPRequest counts one request against its route pattern.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// TaskScheduled records a task entering the scheduler queue.
func (m *Metrics) TaskScheduled(pending int) {
	if m == nil {
		return
	}
	m.TasksScheduledTotal.Inc()
	m.TasksPending.Set(float64(pending))
}

// TaskFired records one invoked task and whether it failed.
func (m *Metrics) TaskFired(failed bool) {
	if m == nil {
		return
	}
	m.TasksFiredTotal.Inc()
	if failed {
		m.TaskFailuresTotal.Inc()
	}
}

// SetPending updates the pending task gauge.
func (m *Metrics) SetPending(pending int) {
	if m == nil {
		return
	}
	m.TasksPending.Set(float64(pending))
}

// Tick records one simulation step.
func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
}

// BusTransition records a bus moving from one status to another.
func (m *Metrics) BusTransition(from, to string) {
	if m == nil {
		return
	}
	m.BusTransitionsTotal.WithLabelValues(from, to).Inc()
}

// SetBusCounts replaces the per-status bus gauges.
func (m *Metrics) SetBusCounts(counts map[string]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.BusesByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// TimeSlotArrived records a fired time slot occurrence.
func (m *Metrics) TimeSlotArrived() {
	if m == nil {
		return
	}
	m.TimeSlotArrivals.Inc()
}

// DirectionsQuery records a directions query outcome: ok, empty, stale or error.
func (m *Metrics) DirectionsQuery(outcome string) {
	if m == nil {
		return
	}
	m.DirectionsQueries.WithLabelValues(outcome).Inc()
}

// Published records a message handed to the publish channel.
func (m *Metrics) Published(topic string) {
	if m == nil {
		return
	}
	m.PublishedTotal.WithLabelValues(topic).Inc()
}

// PublishFailed records an undeliverable message.
func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.PublishFailuresTotal.Inc()
}

// SyncFailed records a REST bulk sync failure.
func (m *Metrics) SyncFailed(operation string) {
	if m == nil {
		return
	}
	m.SyncFailuresTotal.WithLabelValues(operation).Inc()
}

// StartDBStatsCollector starts a goroutine that periodically collects database
// connection pool statistics and updates the corresponding metrics.
// This method is idempotent - calling it multiple times has no effect after the first call.
// Call Shutdown() to stop the collector.
func (m *Metrics) StartDBStatsCollector(db *sql.DB, interval time.Duration) {
	if m == nil || db == nil {
		return
	}

	// Prevent spawning multiple collectors
	if !m.collectorStarted.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	var lastWaitDuration time.Duration

	// Add to WaitGroup BEFORE exposing cancel to avoid race with Shutdown
	m.wg.Add(1)
	m.cancel = cancel

	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				if m.logger != nil {
					m.logger.Error("panic in DB stats collector", "error", r)
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats := db.Stats()
				m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
				m.DBConnectionsInUse.Set(float64(stats.InUse))
				m.DBConnectionsIdle.Set(float64(stats.Idle))

				waitDelta := stats.WaitDuration - lastWaitDuration
				if waitDelta > 0 {
					m.DBWaitSecondsTotal.Add(waitDelta.Seconds())
				}
				lastWaitDuration = stats.WaitDuration

			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the DB stats collector goroutine and waits for it to exit.
// This method is safe to call multiple times.
func (m *Metrics) Shutdown() {
	if m == nil {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
