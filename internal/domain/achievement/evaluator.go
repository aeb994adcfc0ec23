// Package achievement вычисляет прогресс и разблокировку достижений по
// накопительной статистике и находит дельту новых разблокировок.
package achievement

import (
	"maps"
	"slices"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/alem-hub/mastery-engine/internal/domain/catalog"
	"github.com/alem-hub/mastery-engine/internal/domain/metrics"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// UNLOCKED SET
// ══════════════════════════════════════════════════════════════════════════════

// Unlocked maps an achievement id to the moment it was unlocked.
// Ids are only ever added.
type Unlocked map[string]time.Time

// Has reports whether id is unlocked.
func (u Unlocked) Has(id string) bool {
	_, ok := u[id]
	return ok
}

// IDs returns unlocked ids in sorted order.
func (u Unlocked) IDs() []string {
	return slices.Sorted(maps.Keys(u))
}

// Union returns u plus every instance in delta. Existing timestamps win.
func (u Unlocked) Union(delta []Instance) Unlocked {
	out := make(Unlocked, len(u)+len(delta))
	maps.Copy(out, u)
	for _, inst := range delta {
		if _, ok := out[inst.ID]; !ok && inst.UnlockedAt != nil {
			out[inst.ID] = *inst.UnlockedAt
		}
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// INSTANCES
// ══════════════════════════════════════════════════════════════════════════════

// Instance - шаблон достижения плюс вычисленное состояние.
type Instance struct {
	catalog.AchievementTemplate
	ProgressPercent float64    `json:"progressPercent"`
	IsUnlocked      bool       `json:"isUnlocked"`
	UnlockedAt      *time.Time `json:"unlockedAt,omitempty"`
}

// Result is the output of one evaluation.
type Result struct {
	Instances     []Instance
	NewlyUnlocked []Instance
}

// NewlyUnlockedIDs returns the ids of the delta.
func (r Result) NewlyUnlockedIDs() []string {
	return lo.Map(r.NewlyUnlocked, func(i Instance, _ int) string { return i.ID })
}

// Points sums the points of the delta.
func (r Result) Points() int {
	return lo.SumBy(r.NewlyUnlocked, func(i Instance) int { return i.Points })
}

// ══════════════════════════════════════════════════════════════════════════════
// EVALUATOR
// ══════════════════════════════════════════════════════════════════════════════

// Evaluator is bound to one catalog. Expression requirements are compiled once in
// NewEvaluator, so a catalog with a broken expression is rejected up front.
type Evaluator struct {
	catalog  *catalog.Catalog
	programs map[string]cel.Program
}

// NewEvaluator compiles every expression requirement of the catalog.
func NewEvaluator(cat *catalog.Catalog) (*Evaluator, error) {
	env, err := newPredicateEnv()
	if err != nil {
		return nil, err
	}

	programs := make(map[string]cel.Program)
	var errs error
	for _, tpl := range cat.Achievements() {
		if tpl.Requirement.Type != catalog.ReqExpression {
			continue
		}
		prg, err := compilePredicate(env, tpl.ID, tpl.Requirement.Expression)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		programs[tpl.ID] = prg
	}
	if errs != nil {
		return nil, errs
	}

	return &Evaluator{catalog: cat, programs: programs}, nil
}

// Evaluate computes every instance and the delta against prev.
//
// It has no side effects. With the same stats and the same prev it returns the
// same result, so the delta is empty again only once the caller has stored it
// into prev. Ids in prev stay unlocked whatever the stats say.
func (e *Evaluator) Evaluate(stats metrics.Stats, prev Unlocked, at time.Time) (Result, error) {
	templates := e.catalog.Achievements()
	res := Result{Instances: make([]Instance, 0, len(templates))}

	vars := activation(stats, e.catalog.ModuleCount())
	for _, tpl := range templates {
		progress, reached, err := e.measure(tpl, stats, vars)
		if err != nil {
			return Result{}, err
		}

		inst := Instance{AchievementTemplate: tpl, ProgressPercent: progress}
		switch {
		case prev.Has(tpl.ID):
			unlockedAt := prev[tpl.ID]
			inst.IsUnlocked = true
			inst.UnlockedAt = &unlockedAt
			inst.ProgressPercent = 100
		case reached:
			unlockedAt := at
			inst.IsUnlocked = true
			inst.UnlockedAt = &unlockedAt
			res.NewlyUnlocked = append(res.NewlyUnlocked, inst)
		}
		res.Instances = append(res.Instances, inst)
	}

	return res, nil
}

// measure returns the progress percent and whether the requirement is met.
func (e *Evaluator) measure(tpl catalog.AchievementTemplate, s metrics.Stats, vars map[string]any) (float64, bool, error) {
	req := tpl.Requirement

	var value, threshold float64
	switch req.Type {
	case catalog.ReqExpression:
		prg, ok := e.programs[tpl.ID]
		if !ok {
			return 0, false, shared.Validationf("achievement", "Evaluate", "achievement %q has no compiled expression", tpl.ID)
		}
		met, err := evalPredicate(prg, tpl.ID, vars)
		if err != nil {
			return 0, false, err
		}
		if met {
			return 100, true, nil
		}
		return 0, false, nil

	case catalog.ReqAllModules:
		value, threshold = float64(s.ModulesCompleted), float64(e.catalog.ModuleCount())
	default:
		value, threshold = StatValue(s, req.Type), req.Threshold
	}

	if threshold <= 0 {
		return 0, false, nil
	}
	return shared.Percent(value, threshold), value >= threshold, nil
}

// StatValue selects the counter a requirement type refers to.
func StatValue(s metrics.Stats, t catalog.RequirementType) float64 {
	switch t {
	case catalog.ReqModulesCompleted, catalog.ReqAllModules:
		return float64(s.ModulesCompleted)
	case catalog.ReqQuizzesPassed:
		return float64(s.QuizzesPassed)
	case catalog.ReqPerfectQuizzes:
		return float64(s.PerfectQuizzes)
	case catalog.ReqStreakDays:
		return float64(s.StreakDays)
	case catalog.ReqTotalTime:
		return s.TotalTimeSpentMinutes
	case catalog.ReqNotesCount:
		return float64(s.NotesCount)
	case catalog.ReqBookmarksCount:
		return float64(s.BookmarksCount)
	default:
		return 0
	}
}
