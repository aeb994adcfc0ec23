// Package monitoring exposes the engine's Prometheus collectors and sets up
// OpenTelemetry tracing.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alem-hub/mastery-engine/internal/application/command"
	"github.com/alem-hub/mastery-engine/internal/application/saga"
	"github.com/alem-hub/mastery-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/mastery-engine/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/mastery-engine/pkg/circuitbreaker"
)

const namespace = "mastery"

// Metrics собирает все счётчики движка в собственном реестре.
// Один экземпляр передаётся обработчикам команд, саге, диспетчеру,
// шине уведомлений и кэшу.
type Metrics struct {
	registry *prometheus.Registry

	eventsApplied  *prometheus.CounterVec
	applyLatency   *prometheus.HistogramVec
	eventsRejected *prometheus.CounterVec
	stepsCompleted *prometheus.CounterVec
	storeRetries   *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	unlocks        prometheus.Counter

	notificationsPublished *prometheus.CounterVec
	notificationsFailed    *prometheus.CounterVec

	laneTasks    *prometheus.CounterVec
	laneLatency  *prometheus.HistogramVec
	laneRetries  *prometheus.CounterVec
	deadLetters  *prometheus.CounterVec
	laneDepth    *prometheus.GaugeVec
	cacheLookups *prometheus.CounterVec
	breakerState prometheus.Gauge
}

var (
	_ command.Observer     = (*Metrics)(nil)
	_ saga.Observer        = (*Metrics)(nil)
	_ messaging.Metrics    = (*Metrics)(nil)
	_ messaging.BusMetrics = (*Metrics)(nil)
	_ redis.CacheObserver  = (*Metrics)(nil)
)

// NewMetrics creates and registers every collector, plus the Go runtime and
// process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_applied_total",
			Help: "Performance events applied to learner stats.",
		}, []string{"type"}),
		applyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "event_apply_seconds",
			Help:    "Time to apply one performance event, store round trips included.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"type"}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_rejected_total",
			Help: "Inbound events rejected by validation.",
		}, []string{"type"}),
		stepsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "steps_completed_total",
			Help: "Step completions persisted.",
		}, []string{"module_completed"}),
		storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_retries_total",
			Help: "Retries after the durable store was unavailable.",
		}, []string{"op"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "conflict_retries_total",
			Help: "Read-modify-write cycles re-run after a version conflict.",
		}, []string{"op"}),
		unlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "achievements_unlocked_total",
			Help: "Achievements unlocked and persisted.",
		}),

		notificationsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_published_total",
			Help: "Notifications handed to the bus.",
		}, []string{"type"}),
		notificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_failed_total",
			Help: "Notifications that failed to publish or whose subscriber failed.",
		}, []string{"type"}),

		laneTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lane_tasks_total",
			Help: "Tasks executed by learner lanes.",
		}, []string{"kind", "outcome"}),
		laneLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "lane_task_seconds",
			Help:    "Lane task execution time per attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		laneRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lane_retries_total",
			Help: "Lane task retries.",
		}, []string{"kind"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_letters_total",
			Help: "Tasks moved to the dead-letter queue.",
		}, []string{"kind"}),
		laneDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "lane_queue_depth",
			Help: "Tasks waiting in each lane.",
		}, []string{"lane"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_lookups_total",
			Help: "Learner cache lookups.",
		}, []string{"kind", "result"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "store_breaker_state",
			Help: "Durable store circuit: 0 closed, 1 half-open, 2 open.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsApplied, m.applyLatency, m.eventsRejected, m.stepsCompleted,
		m.storeRetries, m.conflicts, m.unlocks,
		m.notificationsPublished, m.notificationsFailed,
		m.laneTasks, m.laneLatency, m.laneRetries, m.deadLetters, m.laneDepth,
		m.cacheLookups, m.breakerState,
	)
	return m
}

// Registry returns the registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ─────────────────────────────────────────────────────────────────────────────
// command.Observer / saga.Observer
// ─────────────────────────────────────────────────────────────────────────────

func (m *Metrics) EventApplied(kind string, latency time.Duration) {
	m.eventsApplied.WithLabelValues(kind).Inc()
	m.applyLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

func (m *Metrics) EventRejected(kind string) {
	m.eventsRejected.WithLabelValues(kind).Inc()
}

func (m *Metrics) StepCompleted(moduleCompleted bool) {
	m.stepsCompleted.WithLabelValues(strconv.FormatBool(moduleCompleted)).Inc()
}

func (m *Metrics) StoreRetry(op string) {
	m.storeRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) ConflictRetry(op string) {
	m.conflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) AchievementsUnlocked(n int) {
	m.unlocks.Add(float64(n))
}

// ─────────────────────────────────────────────────────────────────────────────
// messaging.BusMetrics
// ─────────────────────────────────────────────────────────────────────────────

func (m *Metrics) NotificationPublished(eventType string) {
	m.notificationsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) NotificationFailed(eventType string) {
	m.notificationsFailed.WithLabelValues(eventType).Inc()
}

// ─────────────────────────────────────────────────────────────────────────────
// messaging.Metrics
// ─────────────────────────────────────────────────────────────────────────────

func (m *Metrics) TaskExecuted(kind string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.laneTasks.WithLabelValues(kind, outcome).Inc()
	m.laneLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) TaskRetried(kind string) {
	m.laneRetries.WithLabelValues(kind).Inc()
}

func (m *Metrics) TaskDeadLettered(kind string) {
	m.deadLetters.WithLabelValues(kind).Inc()
}

func (m *Metrics) LaneDepth(lane, depth int) {
	m.laneDepth.WithLabelValues(strconv.Itoa(lane)).Set(float64(depth))
}

// ─────────────────────────────────────────────────────────────────────────────
// redis.CacheObserver
// ─────────────────────────────────────────────────────────────────────────────

func (m *Metrics) CacheHit(kind string)  { m.cacheLookups.WithLabelValues(kind, "hit").Inc() }
func (m *Metrics) CacheMiss(kind string) { m.cacheLookups.WithLabelValues(kind, "miss").Inc() }

// BreakerStateChanged matches circuitbreaker's OnStateChange callback.
func (m *Metrics) BreakerStateChanged(_ string, _, to circuitbreaker.State) {
	switch to {
	case circuitbreaker.StateOpen:
		m.breakerState.Set(2)
	case circuitbreaker.StateHalfOpen:
		m.breakerState.Set(1)
	default:
		m.breakerState.Set(0)
	}
}
