// Package messaging contains the learner-lane dispatcher, the notification
// bus and the event source adapters.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/alem-hub/mastery-engine/internal/domain/shared"
	"github.com/alem-hub/mastery-engine/pkg/logger"
	"github.com/alem-hub/mastery-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER
// Работа распределяется по N полосам: полоса = xxhash(learnerID) % N.
// Каждая полоса - одна горутина и буферизованный канал, поэтому задачи
// одного ученика выполняются строго в порядке поступления, а разные ученики
// обрабатываются параллельно.
//
// Задача, упавшая с StoreUnavailable, повторяется с backoff внутри полосы.
// Всё остальное (и исчерпанные повторы) уходит в dead letter queue.
// ══════════════════════════════════════════════════════════════════════════════

// ErrDispatcherStopped is returned by Submit after Stop.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Task is one unit of work bound to a key.
type Task struct {
	ID         string
	Key        string
	Kind       string
	Lane       int
	Attempts   int
	EnqueuedAt time.Time

	run  func(ctx context.Context) error
	done chan error
}

// Handler executes one attempt of a task.
type Handler func(ctx context.Context, t *Task) error

// Middleware wraps handler execution.
type Middleware func(Handler) Handler

// Metrics receives dispatcher measurements. monitoring.Metrics implements it.
type Metrics interface {
	TaskExecuted(kind string, d time.Duration, err error)
	TaskRetried(kind string)
	TaskDeadLettered(kind string)
	LaneDepth(lane, depth int)
}

type nopMetrics struct{}

func (nopMetrics) TaskExecuted(string, time.Duration, error) {}
func (nopMetrics) TaskRetried(string)                        {}
func (nopMetrics) TaskDeadLettered(string)                   {}
func (nopMetrics) LaneDepth(int, int)                        {}

// DispatcherConfig contains configuration for the Dispatcher.
type DispatcherConfig struct {
	// Lanes is the number of ordered lanes.
	Lanes int

	// LaneBuffer is the channel capacity of each lane. Submit blocks when full.
	LaneBuffer int

	// Retry is used for retryable failures inside a lane.
	Retry *retry.Retrier

	// TaskTimeout bounds one attempt. Zero means no timeout.
	TaskTimeout time.Duration

	// DeadLetterQueueSize is the max size of the DLQ.
	DeadLetterQueueSize int

	Logger  *logger.Logger
	Metrics Metrics
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Lanes:               16,
		LaneBuffer:          256,
		Retry:               retry.StoreRetrier(),
		TaskTimeout:         30 * time.Second,
		DeadLetterQueueSize: 1000,
	}
}

// Dispatcher runs keyed tasks on ordered lanes.
type Dispatcher struct {
	id          string
	lanes       []chan *Task
	middlewares []Middleware
	retrier     *retry.Retrier
	timeout     time.Duration
	deadLetterQ *DeadLetterQueue
	log         *logger.Logger
	metrics     Metrics

	mu       sync.RWMutex
	started  bool
	closed   bool
	stopping chan struct{}
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start before submitting.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	def := DefaultDispatcherConfig()
	if config.Lanes <= 0 {
		config.Lanes = def.Lanes
	}
	if config.LaneBuffer < 0 {
		config.LaneBuffer = 0
	}
	if config.Retry == nil {
		config.Retry = def.Retry
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.Metrics == nil {
		config.Metrics = nopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		id:          uuid.NewString(),
		lanes:       make([]chan *Task, config.Lanes),
		timeout:     config.TaskTimeout,
		deadLetterQ: NewDeadLetterQueue(config.DeadLetterQueueSize),
		log:         config.Logger.With(logger.Component("dispatcher")),
		metrics:     config.Metrics,
		stopping:    make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := range d.lanes {
		d.lanes[i] = make(chan *Task, config.LaneBuffer)
	}

	d.retrier = config.Retry.With(
		retry.WithRetryIf(shared.IsRetryable),
	)
	return d
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// Use adds middleware. Must be called before Start.
func (d *Dispatcher) Use(middleware ...Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, middleware...)
}

// RecoveryMiddleware turns a panic in a task into an error.
func RecoveryMiddleware(log *logger.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, t *Task) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("task panic recovered",
						logger.LearnerID(t.Key),
						logger.EventType(t.Kind),
						logger.Any("panic", r),
						logger.String("stack", string(debug.Stack())))
					err = fmt.Errorf("task panic: %v", r)
				}
			}()
			return next(ctx, t)
		}
	}
}

// LoggingMiddleware logs every attempt.
func LoggingMiddleware(log *logger.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, t *Task) error {
			start := time.Now()
			err := next(ctx, t)
			fields := []logger.Field{
				logger.LearnerID(t.Key),
				logger.EventType(t.Kind),
				logger.Lane(t.Lane),
				logger.Attempt(t.Attempts),
				logger.Latency(time.Since(start)),
			}
			if err != nil {
				log.Warn("task attempt failed", append(fields, logger.Err(err))...)
			} else {
				log.Debug("task completed", fields...)
			}
			return err
		}
	}
}

// MetricsMiddleware records attempt latency and outcome.
func MetricsMiddleware(m Metrics) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, t *Task) error {
			start := time.Now()
			err := next(ctx, t)
			m.TaskExecuted(t.Kind, time.Since(start), err)
			return err
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SUBMISSION
// ══════════════════════════════════════════════════════════════════════════════

// LaneOf returns the lane index for key.
func (d *Dispatcher) LaneOf(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(d.lanes)))
}

// Submit queues run on key's lane and returns once it is queued.
func (d *Dispatcher) Submit(ctx context.Context, key, kind string, run func(ctx context.Context) error) error {
	_, err := d.enqueue(ctx, key, kind, run, false)
	return err
}

// Do queues run on key's lane and waits for its final result.
func (d *Dispatcher) Do(ctx context.Context, key, kind string, run func(ctx context.Context) error) error {
	t, err := d.enqueue(ctx, key, kind, run, true)
	if err != nil {
		return err
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, key, kind string, run func(ctx context.Context) error, wait bool) (*Task, error) {
	if run == nil {
		return nil, errors.New("dispatcher: nil task")
	}

	t := &Task{
		ID:         uuid.NewString(),
		Key:        key,
		Kind:       kind,
		Lane:       d.LaneOf(key),
		EnqueuedAt: time.Now(),
		run:        run,
	}
	if wait {
		t.done = make(chan error, 1)
	}

	// Лок держится на время отправки, чтобы Stop не закрыл полосу под нами.
	// Stop сначала закрывает stopping: ожидающие отправители отпускают лок.
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrDispatcherStopped
	}

	lane := d.lanes[t.Lane]
	select {
	case lane <- t:
		d.metrics.LaneDepth(t.Lane, len(lane))
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.stopping:
		return nil, ErrDispatcherStopped
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// EXECUTION
// ══════════════════════════════════════════════════════════════════════════════

// Start launches one worker per lane.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherStopped
	}
	if d.started {
		return nil
	}
	d.started = true

	handler := d.attempt
	for i := len(d.middlewares) - 1; i >= 0; i-- {
		handler = d.middlewares[i](handler)
	}

	for i, lane := range d.lanes {
		d.wg.Add(1)
		go d.worker(i, lane, handler)
	}
	d.log.Info("dispatcher started",
		logger.String("dispatcher_id", d.id), logger.Int("lanes", len(d.lanes)))
	return nil
}

func (d *Dispatcher) worker(index int, lane <-chan *Task, handler Handler) {
	defer d.wg.Done()
	for t := range lane {
		d.execute(t, handler)
		d.metrics.LaneDepth(index, len(lane))
	}
}

func (d *Dispatcher) execute(t *Task, handler Handler) {
	retrier := d.retrier.With(retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		d.metrics.TaskRetried(t.Kind)
	}))

	err := retrier.Do(d.ctx, func(ctx context.Context) error {
		t.Attempts++
		return handler(ctx, t)
	})

	if err != nil {
		d.deadLetterQ.Add(DeadLetterEntry{
			TaskID:   t.ID,
			Key:      t.Key,
			Kind:     t.Kind,
			Error:    err,
			Attempts: t.Attempts,
			FailedAt: time.Now(),
		})
		d.metrics.TaskDeadLettered(t.Kind)
		d.log.Error("task dead-lettered",
			logger.LearnerID(t.Key), logger.EventType(t.Kind), logger.Attempt(t.Attempts), logger.Err(err))
	}

	if t.done != nil {
		t.done <- err
	}
}

// attempt is the innermost handler: one run under the task timeout.
func (d *Dispatcher) attempt(ctx context.Context, t *Task) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return t.run(ctx)
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Stop refuses new work and drains every queued task. If ctx expires first,
// in-flight retries are cancelled and Stop waits for the workers to exit.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stopping) })

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, lane := range d.lanes {
		close(lane)
	}
	started := d.started
	d.mu.Unlock()

	if !started {
		d.cancel()
		return nil
	}

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("dispatcher: drain interrupted: %w", ctx.Err())
		d.cancel()
		<-drained
	}
	d.cancel()

	d.log.Info("dispatcher stopped", logger.Int("dead_letters", d.deadLetterQ.Size()))
	return err
}

// DeadLetterQueue returns the dead letter queue.
func (d *Dispatcher) DeadLetterQueue() *DeadLetterQueue {
	return d.deadLetterQ
}

// ══════════════════════════════════════════════════════════════════════════════
// DEAD LETTER QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// DeadLetterEntry represents a task that failed for good.
type DeadLetterEntry struct {
	TaskID   string
	Key      string
	Kind     string
	Error    error
	Attempts int
	FailedAt time.Time
}

// DeadLetterQueue is a bounded FIFO of failed tasks; the oldest entry is
// dropped when full.
type DeadLetterQueue struct {
	mu      sync.RWMutex
	entries []DeadLetterEntry
	maxSize int
}

// NewDeadLetterQueue creates a new dead letter queue.
func NewDeadLetterQueue(maxSize int) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DeadLetterQueue{
		entries: make([]DeadLetterEntry, 0),
		maxSize: maxSize,
	}
}

// Add adds an entry to the queue.
func (q *DeadLetterQueue) Add(entry DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
}

// Entries returns a copy of all entries.
func (q *DeadLetterQueue) Entries() []DeadLetterEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]DeadLetterEntry, len(q.entries))
	copy(result, q.entries)
	return result
}

// Size returns the current queue size.
func (q *DeadLetterQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Pop removes and returns the oldest entry.
func (q *DeadLetterQueue) Pop() (DeadLetterEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return DeadLetterEntry{}, false
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	return entry, true
}

// ══════════════════════════════════════════════════════════════════════════════
// CONVENIENCE BUILDER
// ══════════════════════════════════════════════════════════════════════════════

// DispatcherBuilder provides fluent API for building a dispatcher.
type DispatcherBuilder struct {
	config   DispatcherConfig
	standard bool
}

// NewDispatcherBuilder creates a new builder.
func NewDispatcherBuilder() *DispatcherBuilder {
	return &DispatcherBuilder{config: DefaultDispatcherConfig()}
}

// WithLanes sets the lane count and per-lane buffer.
func (b *DispatcherBuilder) WithLanes(lanes, buffer int) *DispatcherBuilder {
	b.config.Lanes = lanes
	b.config.LaneBuffer = buffer
	return b
}

// WithRetry sets the in-lane retrier.
func (b *DispatcherBuilder) WithRetry(r *retry.Retrier) *DispatcherBuilder {
	b.config.Retry = r
	return b
}

// WithTaskTimeout sets the per-attempt timeout.
func (b *DispatcherBuilder) WithTaskTimeout(d time.Duration) *DispatcherBuilder {
	b.config.TaskTimeout = d
	return b
}

// WithDeadLetterQueue sets the DLQ size.
func (b *DispatcherBuilder) WithDeadLetterQueue(size int) *DispatcherBuilder {
	b.config.DeadLetterQueueSize = size
	return b
}

// WithLogger sets the logger.
func (b *DispatcherBuilder) WithLogger(log *logger.Logger) *DispatcherBuilder {
	b.config.Logger = log
	return b
}

// WithMetrics sets the metrics sink.
func (b *DispatcherBuilder) WithMetrics(m Metrics) *DispatcherBuilder {
	b.config.Metrics = m
	return b
}

// WithStandardMiddleware installs recovery, logging and metrics.
func (b *DispatcherBuilder) WithStandardMiddleware() *DispatcherBuilder {
	b.standard = true
	return b
}

// Build creates the dispatcher.
func (b *DispatcherBuilder) Build() *Dispatcher {
	d := NewDispatcher(b.config)
	if b.standard {
		d.Use(RecoveryMiddleware(d.log), LoggingMiddleware(d.log), MetricsMiddleware(d.metrics))
	}
	return d
}
