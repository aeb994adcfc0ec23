package shared

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ═══════════════════════════════════════════════════════════════════════════
// IDs
// ═══════════════════════════════════════════════════════════════════════════

// Learner, module, step and achievement ids are opaque strings supplied by the
// catalog or the event source. They must be non-empty and free of whitespace.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]{0,127}$`)

// ValidateID checks an opaque identifier and returns a ValidationError naming the field.
func ValidateID(domain, op, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return Validationf(domain, op, "%s is required", field)
	}
	if !idRegex.MatchString(value) {
		return Validationf(domain, op, "%s %q has invalid format", field, value)
	}
	return nil
}

// NewID returns a random identifier for notifications and correlation.
func NewID() string {
	return uuid.New().String()
}

// ═══════════════════════════════════════════════════════════════════════════
// Bounded scalars
// ═══════════════════════════════════════════════════════════════════════════

const (
	// MinLevel and MaxLevel bound both mastery and engagement.
	MinLevel = 0
	MaxLevel = 100
)

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampInt bounds v to [lo, hi].
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Percent returns part/whole*100 bounded to [0, 100]. A non-positive whole yields 0.
func Percent(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return Clamp(part*100/whole, 0, 100)
}
