package main

import (
	"context"

	"github.com/alem-hub/mastery-engine/config"
	"github.com/alem-hub/mastery-engine/internal/application/command"
	"github.com/alem-hub/mastery-engine/internal/application/eventhandler"
	"github.com/alem-hub/mastery-engine/internal/application/saga"
	"github.com/alem-hub/mastery-engine/internal/domain/learner"
	"github.com/alem-hub/mastery-engine/internal/domain/metrics"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
	catalogfile "github.com/alem-hub/mastery-engine/internal/infrastructure/catalog"
	"github.com/alem-hub/mastery-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/mastery-engine/internal/infrastructure/monitoring"
	"github.com/alem-hub/mastery-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENGINE
// Сборка обработчиков поверх любого learner.Store. Используется и serve
// (PostgreSQL + Redis), и replay (память).
// ══════════════════════════════════════════════════════════════════════════════

type engineDeps struct {
	cfg       *config.Config
	store     learner.Store
	bundle    *catalogfile.Bundle
	publisher shared.EventPublisher
	obs       *monitoring.Metrics
	log       *logger.Logger
}

type engine struct {
	dispatcher *messaging.Dispatcher
	router     *eventhandler.IntakeRouter
	obs        *monitoring.Metrics
	log        *logger.Logger
}

func newEngine(d engineDeps) *engine {
	cfg := d.cfg
	commandConfig := command.Config{
		StoreRetry:         cfg.StoreRetrier(),
		MaxConflictRetries: cfg.Engine.MaxConflictRetries,
		DefaultMode:        cfg.DifficultyMode(),
	}

	flow := saga.NewAchievementFlowSaga(d.store, d.bundle.Evaluator, d.publisher, d.log, saga.AchievementFlowConfig{
		StoreRetry:         cfg.StoreRetrier(),
		MaxConflictRetries: cfg.Engine.MaxConflictRetries,
	}).WithObserver(d.obs)

	record := command.NewRecordEventHandler(d.store, d.store, metrics.NewAggregator(cfg.Location()), flow, d.log, commandConfig).
		WithObserver(d.obs)
	start := command.NewStartModuleHandler(d.store, d.bundle.Catalog, d.log, commandConfig).
		WithObserver(d.obs)
	step := command.NewCompleteStepHandler(d.store, d.bundle.Catalog, record, d.publisher, d.log, commandConfig).
		WithObserver(d.obs)

	dispatcher := messaging.NewDispatcherBuilder().
		WithLanes(cfg.Engine.Lanes, cfg.Engine.LaneBuffer).
		WithRetry(cfg.StoreRetrier()).
		WithTaskTimeout(cfg.Engine.TaskTimeout).
		WithDeadLetterQueue(cfg.Engine.DeadLetterSize).
		WithLogger(d.log).
		WithMetrics(d.obs).
		WithStandardMiddleware().
		Build()

	router := eventhandler.NewIntakeRouter(dispatcher, record, start, step, d.log).
		OnRejected(d.obs.EventRejected)

	return &engine{
		dispatcher: dispatcher,
		router:     router,
		obs:        d.obs,
		log:        d.log,
	}
}

// handle is the event source callback: decode one raw message and queue it.
func (e *engine) handle(ctx context.Context, data []byte) error {
	msg, err := eventhandler.Decode(data)
	if err != nil {
		e.obs.EventRejected("malformed")
		return err
	}
	return e.router.Route(ctx, msg)
}
