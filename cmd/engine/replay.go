package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/alem-hub/mastery-engine/config"
	"github.com/alem-hub/mastery-engine/internal/application/eventhandler"
	"github.com/alem-hub/mastery-engine/internal/application/query"
	"github.com/alem-hub/mastery-engine/internal/domain/metrics"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
	catalogfile "github.com/alem-hub/mastery-engine/internal/infrastructure/catalog"
	"github.com/alem-hub/mastery-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/mastery-engine/internal/infrastructure/monitoring"
	"github.com/alem-hub/mastery-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/mastery-engine/pkg/logger"
)

func newReplayCmd() *cobra.Command {
	var eventsFile, catalogPath string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run a JSONL events file through the engine in memory and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if catalogPath != "" {
				cfg.Catalog.Path = catalogPath
			}
			log := logger.New(cfg.LoggerOptions())
			defer func() { _ = log.Sync() }()

			in, err := os.Open(eventsFile)
			if err != nil {
				return fmt.Errorf("open events: %w", err)
			}
			defer in.Close()
			return replay(cmd.Context(), cfg, in, cmd.OutOrStdout(), log)
		},
	}
	cmd.Flags().StringVar(&eventsFile, "events", "", "JSONL file with one inbound message per line")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "catalog file (overrides catalog.path)")
	_ = cmd.MarkFlagRequired("events")
	return cmd
}

// ══════════════════════════════════════════════════════════════════════════════
// REPLAY OUTPUT
// ══════════════════════════════════════════════════════════════════════════════

type replayOutput struct {
	Report        messaging.SourceReport `json:"report"`
	Learners      []learnerOutput        `json:"learners"`
	Notifications []shared.EventEnvelope `json:"notifications"`
	DeadLetters   []replayDeadLetter     `json:"deadLetters"`
}

type learnerOutput struct {
	LearnerID    string                 `json:"learnerId"`
	Stats        metrics.Stats          `json:"stats"`
	BestStreak   int                    `json:"bestStreak"`
	Achievements []string               `json:"achievements"`
	Modules      []*query.ModuleViewDTO `json:"modules"`
}

type replayDeadLetter struct {
	Key   string `json:"key"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// notificationLog collects published notifications; lanes publish concurrently.
type notificationLog struct {
	mu   sync.Mutex
	list []shared.EventEnvelope
}

func (n *notificationLog) record(event shared.Event) error {
	env, err := messaging.NewEnvelope(event, "replay")
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.list = append(n.list, env)
	n.mu.Unlock()
	return nil
}

// sorted orders by learner; within a learner the lane order is kept.
func (n *notificationLog) sorted() []shared.EventEnvelope {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := append([]shared.EventEnvelope(nil), n.list...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].LearnerID < out[j].LearnerID })
	return out
}

// replay runs every message of in through a fresh in-memory engine and
// writes the resulting state as indented JSON.
func replay(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, log *logger.Logger) error {
	bundle, err := catalogfile.Load(cfg.Catalog.Path)
	if err != nil {
		return err
	}

	store := memory.New()
	bus := messaging.NewInMemoryNotificationBus(messaging.InMemoryNotificationBusConfig{Logger: log})
	defer bus.Close()
	notes := &notificationLog{}
	if err := bus.SubscribeAll(notes.record); err != nil {
		return err
	}

	eng := newEngine(engineDeps{
		cfg:       cfg,
		store:     store,
		bundle:    bundle,
		publisher: bus,
		obs:       monitoring.NewMetrics(),
		log:       log,
	})
	if err := eng.dispatcher.Start(); err != nil {
		return err
	}

	var (
		mu      sync.Mutex
		touched = map[string]map[string]struct{}{}
	)
	handle := func(ctx context.Context, data []byte) error {
		msg, err := eventhandler.Decode(data)
		if err != nil {
			return err
		}
		if err := eng.router.Route(ctx, msg); err != nil {
			return err
		}
		if msg.ModuleID != "" {
			mu.Lock()
			if touched[msg.LearnerID] == nil {
				touched[msg.LearnerID] = map[string]struct{}{}
			}
			touched[msg.LearnerID][msg.ModuleID] = struct{}{}
			mu.Unlock()
		}
		return nil
	}

	report, readErr := messaging.ReadLines(ctx, in, handle)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := eng.dispatcher.Stop(stopCtx); err != nil {
		return err
	}
	if readErr != nil {
		return readErr
	}

	result := replayOutput{
		Report:        report,
		Learners:      []learnerOutput{},
		Notifications: notes.sorted(),
		DeadLetters:   []replayDeadLetter{},
	}
	if result.Notifications == nil {
		result.Notifications = []shared.EventEnvelope{}
	}
	for _, e := range eng.dispatcher.DeadLetterQueue().Entries() {
		dl := replayDeadLetter{Key: e.Key, Kind: e.Kind}
		if e.Error != nil {
			dl.Error = e.Error.Error()
		}
		result.DeadLetters = append(result.DeadLetters, dl)
	}

	view := query.NewGetModuleViewHandler(store, bundle.Evaluator, bundle.Rules)
	learnerIDs := lo.Uniq(append(store.LearnerIDs(), lo.Keys(touched)...))
	sort.Strings(learnerIDs)
	for _, id := range learnerIDs {
		state, err := learnerState(ctx, store, view, id, touched[id])
		if err != nil {
			return err
		}
		result.Learners = append(result.Learners, state)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func learnerState(ctx context.Context, store *memory.Store, view *query.GetModuleViewHandler, learnerID string, modules map[string]struct{}) (learnerOutput, error) {
	out := learnerOutput{LearnerID: learnerID, Achievements: []string{}, Modules: []*query.ModuleViewDTO{}}

	ledger, err := store.GetStats(ctx, learnerID)
	switch {
	case err == nil:
		out.Stats = ledger.Stats
		out.BestStreak = ledger.Streak.Best
	case !shared.IsNotFound(err):
		return out, err
	}

	unlocked, err := store.GetUnlocked(ctx, learnerID)
	switch {
	case err == nil && len(unlocked.Achievements) > 0:
		out.Achievements = unlocked.Achievements.IDs()
	case err == nil:
	case !shared.IsNotFound(err):
		return out, err
	}

	ids := make([]string, 0, len(modules))
	for m := range modules {
		ids = append(ids, m)
	}
	sort.Strings(ids)
	for _, moduleID := range ids {
		v, err := view.Handle(ctx, query.GetModuleViewQuery{LearnerID: learnerID, ModuleID: moduleID})
		if shared.IsNotFound(err) {
			continue
		}
		if err != nil {
			return out, err
		}
		out.Modules = append(out.Modules, v)
	}
	return out, nil
}
