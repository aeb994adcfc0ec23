package achievement

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/alem-hub/mastery-engine/internal/domain/metrics"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
)

// Variables visible to requirement expressions.
const (
	varModulesCompleted = "modules_completed"
	varQuizzesPassed    = "quizzes_passed"
	varPerfectQuizzes   = "perfect_quizzes"
	varStreakDays       = "streak_days"
	varTotalTime        = "total_time_minutes"
	varNotesCount       = "notes_count"
	varBookmarksCount   = "bookmarks_count"
	varCatalogModules   = "catalog_modules"
)

func newPredicateEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable(varModulesCompleted, cel.IntType),
		cel.Variable(varQuizzesPassed, cel.IntType),
		cel.Variable(varPerfectQuizzes, cel.IntType),
		cel.Variable(varStreakDays, cel.IntType),
		cel.Variable(varTotalTime, cel.DoubleType),
		cel.Variable(varNotesCount, cel.IntType),
		cel.Variable(varBookmarksCount, cel.IntType),
		cel.Variable(varCatalogModules, cel.IntType),
		cel.CrossTypeNumericComparisons(true),
	)
}

// compilePredicate type-checks expr and requires a bool result.
func compilePredicate(env *cel.Env, id, expr string) (cel.Program, error) {
	const op = "compilePredicate"

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, shared.WrapError("achievement", op, shared.ErrValidation,
			fmt.Sprintf("achievement %q: invalid expression", id), issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, shared.Validationf("achievement", op,
			"achievement %q: expression must be boolean, got %s", id, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, shared.WrapError("achievement", op, shared.ErrValidation,
			fmt.Sprintf("achievement %q: program", id), err)
	}
	return prg, nil
}

func activation(s metrics.Stats, catalogModules int) map[string]any {
	return map[string]any{
		varModulesCompleted: int64(s.ModulesCompleted),
		varQuizzesPassed:    int64(s.QuizzesPassed),
		varPerfectQuizzes:   int64(s.PerfectQuizzes),
		varStreakDays:       int64(s.StreakDays),
		varTotalTime:        s.TotalTimeSpentMinutes,
		varNotesCount:       int64(s.NotesCount),
		varBookmarksCount:   int64(s.BookmarksCount),
		varCatalogModules:   int64(catalogModules),
	}
}

func evalPredicate(prg cel.Program, id string, vars map[string]any) (bool, error) {
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("achievement %q: eval: %w", id, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("achievement %q: expression returned %T", id, out.Value())
	}
	return b, nil
}
