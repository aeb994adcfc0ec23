// Package catalog описывает неизменяемый каталог: модули с шагами, шаблоны
// достижений и таблицу рекомендаций. Каталог загружается один раз за сессию.
package catalog

import (
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/alem-hub/mastery-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STEPS AND MODULES
// ══════════════════════════════════════════════════════════════════════════════

// StepType - тип шага модуля.
type StepType string

const (
	StepContent         StepType = "content"
	StepAssessment      StepType = "assessment"
	StepInteractive     StepType = "interactive"
	StepScenarios       StepType = "scenarios"
	StepFinalAssessment StepType = "final_assessment"
)

// IsValid проверяет, что тип шага известен.
func (t StepType) IsValid() bool {
	switch t {
	case StepContent, StepAssessment, StepInteractive, StepScenarios, StepFinalAssessment:
		return true
	default:
		return false
	}
}

// IsAssessment reports whether completing the step moves mastery.
func (t StepType) IsAssessment() bool {
	return t == StepAssessment || t == StepFinalAssessment
}

// StepDef - определение шага в каталоге.
type StepDef struct {
	ID      string         `yaml:"id" json:"id"`
	Title   string         `yaml:"title" json:"title"`
	Type    StepType       `yaml:"type" json:"type"`
	Topic   string         `yaml:"topic,omitempty" json:"topic,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// Module - учебный модуль: упорядоченный список шагов.
type Module struct {
	ID          string    `yaml:"id" json:"id"`
	Title       string    `yaml:"title" json:"title"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []StepDef `yaml:"steps" json:"steps"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT TEMPLATES
// ══════════════════════════════════════════════════════════════════════════════

// Rarity - редкость достижения.
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// IsValid проверяет, что редкость известна.
func (r Rarity) IsValid() bool {
	switch r {
	case RarityCommon, RarityRare, RarityEpic, RarityLegendary:
		return true
	default:
		return false
	}
}

// RequirementType selects the statistic a requirement is measured against.
type RequirementType string

const (
	ReqModulesCompleted RequirementType = "modules_completed"
	ReqQuizzesPassed    RequirementType = "quizzes_passed"
	ReqPerfectQuizzes   RequirementType = "perfect_quizzes"
	ReqStreakDays       RequirementType = "streak_days"
	ReqTotalTime        RequirementType = "total_time_minutes"
	ReqNotesCount       RequirementType = "notes_count"
	ReqBookmarksCount   RequirementType = "bookmarks_count"
	// ReqAllModules uses the catalog's module count as threshold.
	ReqAllModules RequirementType = "all_modules"
	// ReqExpression evaluates a CEL boolean expression over the stats.
	ReqExpression RequirementType = "expression"
)

// IsValid проверяет, что тип требования известен.
func (t RequirementType) IsValid() bool {
	switch t {
	case ReqModulesCompleted, ReqQuizzesPassed, ReqPerfectQuizzes, ReqStreakDays,
		ReqTotalTime, ReqNotesCount, ReqBookmarksCount, ReqAllModules, ReqExpression:
		return true
	default:
		return false
	}
}

// Requirement - условие получения достижения.
type Requirement struct {
	Type        RequirementType `yaml:"type" json:"type"`
	Threshold   float64         `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Description string          `yaml:"description" json:"description"`
	Expression  string          `yaml:"expression,omitempty" json:"expression,omitempty"`
}

// AchievementTemplate - неизменяемое описание достижения.
type AchievementTemplate struct {
	ID          string      `yaml:"id" json:"id"`
	Title       string      `yaml:"title" json:"title"`
	Category    string      `yaml:"category" json:"category"`
	Rarity      Rarity      `yaml:"rarity" json:"rarity"`
	Points      int         `yaml:"points" json:"points"`
	Requirement Requirement `yaml:"requirement" json:"requirement"`
}

// ══════════════════════════════════════════════════════════════════════════════
// RECOMMENDATIONS
// ══════════════════════════════════════════════════════════════════════════════

// RecommendationTemplate - шаблон рекомендации; "{topic}" подставляется.
type RecommendationTemplate struct {
	Title string `yaml:"title" json:"title"`
	Body  string `yaml:"body" json:"body"`
}

// RecommendationRules - таблица "тема -> шаблон" с шаблоном по умолчанию.
type RecommendationRules struct {
	Default RecommendationTemplate            `yaml:"default" json:"default"`
	Topics  map[string]RecommendationTemplate `yaml:"topics,omitempty" json:"topics,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// CATALOG
// ══════════════════════════════════════════════════════════════════════════════

// Document is the serialized catalog as it appears on disk.
type Document struct {
	Version         string                `yaml:"version" json:"version"`
	Modules         []Module              `yaml:"modules" json:"modules"`
	Achievements    []AchievementTemplate `yaml:"achievements" json:"achievements"`
	Recommendations RecommendationRules   `yaml:"recommendations" json:"recommendations"`
}

// Catalog is a validated, indexed Document. It is read-only after New.
type Catalog struct {
	doc          Document
	modules      map[string]Module
	achievements map[string]AchievementTemplate
}

// New validates doc and indexes it by id.
func New(doc Document) (*Catalog, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &Catalog{
		doc:          doc,
		modules:      lo.KeyBy(doc.Modules, func(m Module) string { return m.ID }),
		achievements: lo.KeyBy(doc.Achievements, func(a AchievementTemplate) string { return a.ID }),
	}, nil
}

// Version returns the catalog document version string.
func (c *Catalog) Version() string { return c.doc.Version }

// Module returns a module definition by id.
func (c *Catalog) Module(id string) (Module, error) {
	m, ok := c.modules[id]
	if !ok {
		return Module{}, shared.NewDomainError("catalog", "Module", shared.ErrNotFound, fmt.Sprintf("module %q", id))
	}
	return m, nil
}

// Modules returns module definitions in catalog order.
func (c *Catalog) Modules() []Module { return c.doc.Modules }

// ModuleCount is the threshold for all_modules requirements.
func (c *Catalog) ModuleCount() int { return len(c.doc.Modules) }

// Achievement returns an achievement template by id.
func (c *Catalog) Achievement(id string) (AchievementTemplate, bool) {
	a, ok := c.achievements[id]
	return a, ok
}

// Achievements returns templates in catalog order.
func (c *Catalog) Achievements() []AchievementTemplate { return c.doc.Achievements }

// Recommendations returns the recommendation rule table.
func (c *Catalog) Recommendations() RecommendationRules { return c.doc.Recommendations }

// Validate collects every structural problem in the document.
func (d Document) Validate() error {
	const op = "Validate"
	var errs error

	if len(d.Modules) == 0 {
		errs = multierr.Append(errs, shared.Validationf("catalog", op, "catalog has no modules"))
	}

	seenModules := make(map[string]struct{}, len(d.Modules))
	for i, m := range d.Modules {
		if err := shared.ValidateID("catalog", op, fmt.Sprintf("modules[%d].id", i), m.ID); err != nil {
			errs = multierr.Append(errs, err)
		}
		if _, dup := seenModules[m.ID]; dup {
			errs = multierr.Append(errs, shared.Validationf("catalog", op, "duplicate module id %q", m.ID))
		}
		seenModules[m.ID] = struct{}{}

		if len(m.Steps) == 0 {
			errs = multierr.Append(errs, shared.Validationf("catalog", op, "module %q has no steps", m.ID))
		}
		seenSteps := make(map[string]struct{}, len(m.Steps))
		for j, s := range m.Steps {
			if err := shared.ValidateID("catalog", op, fmt.Sprintf("%s.steps[%d].id", m.ID, j), s.ID); err != nil {
				errs = multierr.Append(errs, err)
			}
			if _, dup := seenSteps[s.ID]; dup {
				errs = multierr.Append(errs, shared.Validationf("catalog", op, "module %q: duplicate step id %q", m.ID, s.ID))
			}
			seenSteps[s.ID] = struct{}{}
			if !s.Type.IsValid() {
				errs = multierr.Append(errs, shared.Validationf("catalog", op, "module %q step %q: unknown type %q", m.ID, s.ID, s.Type))
			}
		}
	}

	seenAch := make(map[string]struct{}, len(d.Achievements))
	for i, a := range d.Achievements {
		if err := shared.ValidateID("catalog", op, fmt.Sprintf("achievements[%d].id", i), a.ID); err != nil {
			errs = multierr.Append(errs, err)
		}
		if _, dup := seenAch[a.ID]; dup {
			errs = multierr.Append(errs, shared.Validationf("catalog", op, "duplicate achievement id %q", a.ID))
		}
		seenAch[a.ID] = struct{}{}

		if !a.Rarity.IsValid() {
			errs = multierr.Append(errs, shared.Validationf("catalog", op, "achievement %q: unknown rarity %q", a.ID, a.Rarity))
		}
		if a.Points < 0 {
			errs = multierr.Append(errs, shared.Validationf("catalog", op, "achievement %q: negative points", a.ID))
		}

		r := a.Requirement
		switch {
		case !r.Type.IsValid():
			errs = multierr.Append(errs, shared.Validationf("catalog", op, "achievement %q: unknown requirement type %q", a.ID, r.Type))
		case r.Type == ReqExpression:
			if r.Expression == "" {
				errs = multierr.Append(errs, shared.Validationf("catalog", op, "achievement %q: expression is empty", a.ID))
			}
		case r.Type == ReqAllModules:
			// threshold comes from the module count
		case r.Threshold <= 0:
			errs = multierr.Append(errs, shared.Validationf("catalog", op, "achievement %q: threshold must be positive", a.ID))
		}
	}

	return errs
}
