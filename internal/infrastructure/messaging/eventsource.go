package messaging

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/alem-hub/mastery-engine/internal/domain/shared"
	"github.com/alem-hub/mastery-engine/pkg/logger"
)

// InboundHandler принимает одно сырое входящее сообщение (JSON).
// Ошибка валидации означает, что сообщение отклонено и повторять его бессмысленно.
type InboundHandler func(ctx context.Context, data []byte) error

// SourceReport summarises what a source consumed.
type SourceReport struct {
	Read     int `json:"read"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Failed   int `json:"failed"`
}

func (r *SourceReport) count(err error) {
	r.Read++
	switch {
	case err == nil:
		r.Accepted++
	case shared.IsValidation(err):
		r.Rejected++
	default:
		r.Failed++
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// REDIS EVENT SOURCE
// ══════════════════════════════════════════════════════════════════════════════

// RedisSubscriber is the part of *redis.Client the source needs.
type RedisSubscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisEventSourceConfig contains configuration for RedisEventSource.
type RedisEventSourceConfig struct {
	Client RedisSubscriber

	// Channel defaults to "mastery:events".
	Channel string

	// RatePerSecond limits intake; zero means unlimited.
	RatePerSecond float64
	Burst         int

	Logger *logger.Logger
}

// RedisEventSource читает события обучения из канала Redis Pub/Sub
// и передаёт их обработчику с ограничением скорости.
type RedisEventSource struct {
	client  RedisSubscriber
	channel string
	limiter *rate.Limiter
	handle  InboundHandler
	log     *logger.Logger
	report  SourceReport
}

// NewRedisEventSource creates a source. handle is usually the intake router.
func NewRedisEventSource(config RedisEventSourceConfig, handle InboundHandler) (*RedisEventSource, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if handle == nil {
		return nil, errNilHandler
	}
	if config.Channel == "" {
		config.Channel = "mastery:events"
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}

	return &RedisEventSource{
		client:  config.Client,
		channel: config.Channel,
		limiter: newLimiter(config.RatePerSecond, config.Burst),
		handle:  handle,
		log:     config.Logger.With(logger.Component("redis_event_source")),
	}, nil
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Run blocks until ctx is cancelled or the subscription closes.
func (s *RedisEventSource) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	// Подписка подтверждается первым ответом сервера
	if _, err := pubsub.Receive(ctx); err != nil {
		return shared.StoreUnavailable("Subscribe", fmt.Errorf("subscribe %s: %w", s.channel, err))
	}
	s.log.Info("subscribed", logger.String("channel", s.channel))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := s.consume(ctx, []byte(msg.Payload)); err != nil {
				return nil
			}
		}
	}
}

// consume returns an error only when ctx ends while waiting for the limiter.
func (s *RedisEventSource) consume(ctx context.Context, data []byte) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	err := s.handle(ctx, data)
	s.report.count(err)
	switch {
	case err == nil:
	case shared.IsValidation(err):
		s.log.Warn("event rejected", logger.Err(err))
	default:
		s.log.Error("event failed", logger.Err(err))
	}
	return nil
}

// Report returns the counters. Not safe to call concurrently with Run.
func (s *RedisEventSource) Report() SourceReport {
	return s.report
}

// ══════════════════════════════════════════════════════════════════════════════
// JSONL EVENT SOURCE (replay)
// ══════════════════════════════════════════════════════════════════════════════

const maxLineSize = 1 << 20

// ReadLines передаёт обработчику каждую непустую строку r, кроме комментариев (#).
// Ошибки обработчика считаются в отчёте и не прерывают чтение.
func ReadLines(ctx context.Context, r io.Reader, handle InboundHandler) (SourceReport, error) {
	var report SourceReport

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		report.count(handle(ctx, append([]byte(nil), line...)))
	}
	if err := scanner.Err(); err != nil {
		return report, fmt.Errorf("read events: %w", err)
	}
	return report, nil
}
