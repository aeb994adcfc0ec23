package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/mastery-engine/internal/domain/shared"
)

var at = time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)

type busCounters struct {
	mu        sync.Mutex
	published []string
	failed    []string
}

func (c *busCounters) NotificationPublished(t string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, t)
}

func (c *busCounters) NotificationFailed(t string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, t)
}

func TestInMemoryNotificationBus_Delivers(t *testing.T) {
	counters := &busCounters{}
	bus := NewInMemoryNotificationBus(InMemoryNotificationBusConfig{Metrics: counters})

	var typed, all []shared.EventType
	require.NoError(t, bus.Subscribe(shared.EventStepAdvanced, func(e shared.Event) error {
		typed = append(typed, e.EventType())
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		all = append(all, e.EventType())
		return errors.New("subscriber down")
	}))

	require.NoError(t, bus.Publish(shared.NewStepAdvancedEvent("learner-1", "algebra", 1, false, at)))
	require.NoError(t, bus.Publish(shared.NewAchievementUnlockedEvent("learner-1", "first_steps", 10, "common", at)))

	assert.Equal(t, []shared.EventType{shared.EventStepAdvanced}, typed)
	assert.Equal(t, []shared.EventType{shared.EventStepAdvanced, shared.EventAchievementUnlocked}, all)
	assert.Equal(t, []string{"step_advanced", "achievement_unlocked"}, counters.published)
	assert.Len(t, counters.failed, 2)
}

func TestInMemoryNotificationBus_Closed(t *testing.T) {
	bus := NewInMemoryNotificationBus(InMemoryNotificationBusConfig{Async: true, Workers: 2})

	var mu sync.Mutex
	got := 0
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		mu.Lock()
		got++
		mu.Unlock()
		return nil
	}))
	require.NoError(t, bus.Publish(shared.NewStepAdvancedEvent("learner-1", "algebra", 1, false, at)))
	require.NoError(t, bus.Close())

	assert.Equal(t, 1, got)
	assert.ErrorIs(t, bus.Publish(shared.NewStepAdvancedEvent("learner-1", "algebra", 2, false, at)), ErrEventBusClosed)
	assert.ErrorIs(t, bus.SubscribeAll(func(shared.Event) error { return nil }), ErrEventBusClosed)
}

func TestInMemoryNotificationBus_CloseWaitsForConcurrentPublishes(t *testing.T) {
	bus := NewInMemoryNotificationBus(InMemoryNotificationBusConfig{Async: true, Workers: 4})

	var mu sync.Mutex
	started, finished := 0, 0
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		mu.Lock()
		started++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		finished++
		mu.Unlock()
		return nil
	}))

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 20 {
				_ = bus.Publish(shared.NewStepAdvancedEvent("learner-1", "algebra", i*20+j, false, at))
			}
		}()
	}
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, bus.Close())

	// после Close ни один обработчик не работает
	mu.Lock()
	assert.Equal(t, started, finished)
	mu.Unlock()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, started, finished)
}

func TestInMemoryNotificationBus_HandlerPanicIsContained(t *testing.T) {
	counters := &busCounters{}
	bus := NewInMemoryNotificationBus(InMemoryNotificationBusConfig{Metrics: counters})

	delivered := false
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { panic("boom") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { delivered = true; return nil }))

	require.NoError(t, bus.Publish(shared.NewStepAdvancedEvent("learner-1", "algebra", 1, false, at)))
	assert.True(t, delivered)
	assert.Equal(t, []string{"step_advanced"}, counters.failed)
}

type fakeRedis struct {
	channel string
	payload []byte
	err     error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisNotificationBus_PublishesEnvelope(t *testing.T) {
	client := &fakeRedis{}
	bus, err := NewRedisNotificationBus(RedisNotificationBusConfig{Client: client, InstanceID: "engine-a"})
	require.NoError(t, err)

	local := 0
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { local++; return nil }))

	event := shared.NewAchievementUnlockedEvent("learner-1", "first_steps", 10, "common", at)
	event.BaseEvent = event.WithCorrelationID("corr-1")
	require.NoError(t, bus.Publish(event))

	assert.Equal(t, "mastery:notifications", client.channel)
	assert.Equal(t, 1, local)

	var env shared.EventEnvelope
	require.NoError(t, json.Unmarshal(client.payload, &env))
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, shared.EventAchievementUnlocked, env.Type)
	assert.Equal(t, "learner-1", env.LearnerID)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, "engine-a", env.Source)
	assert.True(t, env.Timestamp.Equal(at))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "first_steps", payload["achievementId"])
}

func TestRedisNotificationBus_RedisDownStillDeliversLocally(t *testing.T) {
	client := &fakeRedis{err: errors.New("connection refused")}
	bus, err := NewRedisNotificationBus(RedisNotificationBusConfig{Client: client})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(bus.InstanceID(), "engine-"))

	local := 0
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { local++; return nil }))

	err = bus.Publish(shared.NewStepAdvancedEvent("learner-1", "algebra", 3, true, at))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 1, local)
}

func TestNewRedisNotificationBus_RequiresClient(t *testing.T) {
	_, err := NewRedisNotificationBus(RedisNotificationBusConfig{})
	assert.Error(t, err)
}
