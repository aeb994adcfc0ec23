// Package messaging carries the engine's traffic: per-learner lanes for inbound
// work, the notification bus for outbound events and the inbound event sources.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/mastery-engine/internal/domain/shared"
	"github.com/alem-hub/mastery-engine/pkg/logger"
)

var (
	// ErrEventBusClosed is returned when operations are attempted on a closed bus.
	ErrEventBusClosed = errors.New("notification bus is closed")

	errNilHandler = errors.New("handler cannot be nil")
	errNilEvent   = errors.New("event cannot be nil")
)

// BusMetrics receives notification bus counters.
type BusMetrics interface {
	NotificationPublished(eventType string)
	NotificationFailed(eventType string)
}

type nopBusMetrics struct{}

func (nopBusMetrics) NotificationPublished(string) {}
func (nopBusMetrics) NotificationFailed(string)    {}

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY NOTIFICATION BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryNotificationBus раздаёт уведомления подписчикам внутри процесса.
// В синхронном режиме Publish возвращается после всех обработчиков,
// ошибки обработчиков только логируются: для движка публикация fire-and-forget.
type InMemoryNotificationBus struct {
	mu          sync.RWMutex
	handlers    map[shared.EventType][]shared.EventHandler
	allHandlers []shared.EventHandler
	async       bool
	workers     chan struct{}
	log         *logger.Logger
	metrics     BusMetrics
	closed      bool
	closeCh     chan struct{}
	wg          sync.WaitGroup
}

// InMemoryNotificationBusConfig contains configuration for InMemoryNotificationBus.
type InMemoryNotificationBusConfig struct {
	// Async runs handlers on a bounded worker pool.
	Async bool

	// Workers bounds concurrent handlers in async mode.
	Workers int

	Logger  *logger.Logger
	Metrics BusMetrics
}

// NewInMemoryNotificationBus creates a new in-memory bus.
func NewInMemoryNotificationBus(config InMemoryNotificationBusConfig) *InMemoryNotificationBus {
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.Metrics == nil {
		config.Metrics = nopBusMetrics{}
	}
	if config.Workers <= 0 {
		config.Workers = 8
	}

	return &InMemoryNotificationBus{
		handlers: make(map[shared.EventType][]shared.EventHandler),
		async:    config.Async,
		workers:  make(chan struct{}, config.Workers),
		log:      config.Logger.With(logger.Component("notification_bus")),
		metrics:  config.Metrics,
		closeCh:  make(chan struct{}),
	}
}

// Subscribe registers a handler for one event type.
func (b *InMemoryNotificationBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	if handler == nil {
		return errNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}

// SubscribeAll registers a handler for every event type.
func (b *InMemoryNotificationBus) SubscribeAll(handler shared.EventHandler) error {
	if handler == nil {
		return errNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}

	b.allHandlers = append(b.allHandlers, handler)
	return nil
}

// Publish отдаёт событие подписчикам его типа и глобальным подписчикам.
func (b *InMemoryNotificationBus) Publish(event shared.Event) error {
	if event == nil {
		return errNilEvent
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	handlers := make([]shared.EventHandler, 0, len(b.handlers[event.EventType()])+len(b.allHandlers))
	handlers = append(handlers, b.handlers[event.EventType()]...)
	handlers = append(handlers, b.allHandlers...)
	if b.async {
		// под локом: Close не дойдёт до wg.Wait, пока задачи не учтены
		b.wg.Add(len(handlers))
	}
	b.mu.RUnlock()

	b.metrics.NotificationPublished(string(event.EventType()))

	for _, handler := range handlers {
		if b.async {
			b.runAsync(event, handler)
			continue
		}
		b.run(event, handler)
	}
	return nil
}

// runAsync expects the caller to have counted the handler in wg.
func (b *InMemoryNotificationBus) runAsync(event shared.Event, handler shared.EventHandler) {
	go func() {
		defer b.wg.Done()

		select {
		case b.workers <- struct{}{}:
			defer func() { <-b.workers }()
		case <-b.closeCh:
			return
		}
		b.run(event, handler)
	}()
}

func (b *InMemoryNotificationBus) run(event shared.Event, handler shared.EventHandler) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			b.metrics.NotificationFailed(string(event.EventType()))
			b.log.Error("notification handler panicked",
				logger.EventType(string(event.EventType())),
				logger.LearnerID(event.AggregateID()),
				logger.Any("panic", r),
			)
		}
	}()

	if err := handler(event); err != nil {
		b.metrics.NotificationFailed(string(event.EventType()))
		b.log.Warn("notification handler failed",
			logger.EventType(string(event.EventType())),
			logger.LearnerID(event.AggregateID()),
			logger.Latency(time.Since(start)),
			logger.Err(err),
		)
	}
}

// Close waits for in-flight async handlers and refuses further work.
func (b *InMemoryNotificationBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closeCh)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// REDIS NOTIFICATION BUS
// ══════════════════════════════════════════════════════════════════════════════

// RedisPublisher is the part of *redis.Client the bus needs.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotificationBusConfig contains configuration for RedisNotificationBus.
type RedisNotificationBusConfig struct {
	Client RedisPublisher

	// Channel defaults to "mastery:notifications".
	Channel string

	// InstanceID marks envelopes published by this process.
	InstanceID string

	// PublishTimeout bounds one Redis PUBLISH.
	PublishTimeout time.Duration

	Local  InMemoryNotificationBusConfig
	Logger *logger.Logger
}

// RedisNotificationBus публикует уведомления в канал Redis Pub/Sub и параллельно
// раздаёт их локальным подписчикам.
type RedisNotificationBus struct {
	client     RedisPublisher
	local      *InMemoryNotificationBus
	channel    string
	instanceID string
	timeout    time.Duration
	log        *logger.Logger
}

// NewRedisNotificationBus creates a Redis-backed notification bus.
func NewRedisNotificationBus(config RedisNotificationBusConfig) (*RedisNotificationBus, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.Channel == "" {
		config.Channel = "mastery:notifications"
	}
	if config.InstanceID == "" {
		config.InstanceID = "engine-" + uuid.NewString()
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.Local.Logger == nil {
		config.Local.Logger = config.Logger
	}

	return &RedisNotificationBus{
		client:     config.Client,
		local:      NewInMemoryNotificationBus(config.Local),
		channel:    config.Channel,
		instanceID: config.InstanceID,
		timeout:    config.PublishTimeout,
		log:        config.Logger.With(logger.Component("redis_notification_bus")),
	}, nil
}

// Subscribe registers a local handler.
func (b *RedisNotificationBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.local.Subscribe(eventType, handler)
}

// SubscribeAll registers a local handler for every event type.
func (b *RedisNotificationBus) SubscribeAll(handler shared.EventHandler) error {
	return b.local.SubscribeAll(handler)
}

// Publish отправляет конверт в Redis, затем локальным подписчикам.
// Локальная доставка происходит и при ошибке Redis; ошибка Redis возвращается.
func (b *RedisNotificationBus) Publish(event shared.Event) error {
	if event == nil {
		return errNilEvent
	}

	data, err := EncodeEnvelope(event, b.instanceID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	pubErr := b.client.Publish(ctx, b.channel, data).Err()
	if pubErr != nil {
		b.log.Warn("redis publish failed",
			logger.EventType(string(event.EventType())),
			logger.LearnerID(event.AggregateID()),
			logger.Err(pubErr),
		)
		pubErr = fmt.Errorf("publish %s: %w", event.EventType(), pubErr)
	}

	if err := b.local.Publish(event); err != nil {
		return err
	}
	return pubErr
}

// Close closes the local bus. The Redis client belongs to the caller.
func (b *RedisNotificationBus) Close() error {
	return b.local.Close()
}

// InstanceID returns the source marker written into envelopes.
func (b *RedisNotificationBus) InstanceID() string {
	return b.instanceID
}

// ══════════════════════════════════════════════════════════════════════════════
// ENVELOPE
// ══════════════════════════════════════════════════════════════════════════════

type correlated interface {
	Correlation() string
}

// NewEnvelope wraps an event for transport.
func NewEnvelope(event shared.Event, source string) (shared.EventEnvelope, error) {
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return shared.EventEnvelope{}, fmt.Errorf("marshal %s payload: %w", event.EventType(), err)
	}

	env := shared.EventEnvelope{
		ID:        uuid.NewString(),
		Type:      event.EventType(),
		LearnerID: event.AggregateID(),
		Timestamp: event.OccurredAt(),
		Source:    source,
		Payload:   payload,
	}
	if c, ok := event.(correlated); ok {
		env.CorrelationID = c.Correlation()
	}
	return env, nil
}

// EncodeEnvelope returns the JSON form of NewEnvelope.
func EncodeEnvelope(event shared.Event, source string) ([]byte, error) {
	env, err := NewEnvelope(event, source)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
