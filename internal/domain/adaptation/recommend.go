package adaptation

import (
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/alem-hub/mastery-engine/internal/domain/catalog"
	"github.com/alem-hub/mastery-engine/internal/domain/profile"
)

const topicPlaceholder = "{topic}"

// Recommendation - рекомендация по одной слабой теме.
type Recommendation struct {
	Topic string `json:"topic"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// RuleTable maps a topic to its recommendation template with a default fallback.
type RuleTable struct {
	def    catalog.RecommendationTemplate
	topics map[string]catalog.RecommendationTemplate
}

// NewRuleTable builds a rule table from the catalog section.
func NewRuleTable(rules catalog.RecommendationRules) *RuleTable {
	return &RuleTable{
		def:    rules.Default,
		topics: lo.Assign(map[string]catalog.RecommendationTemplate{}, rules.Topics),
	}
}

// Recommend returns one recommendation per knowledge gap, ordered by topic.
func (rt *RuleTable) Recommend(p profile.Profile) []Recommendation {
	gaps := slices.Clone(p.KnowledgeGaps)
	slices.Sort(gaps)

	return lo.Map(lo.Uniq(gaps), func(topic string, _ int) Recommendation {
		return rt.render(topic)
	})
}

func (rt *RuleTable) render(topic string) Recommendation {
	tpl, ok := rt.topics[topic]
	if !ok {
		tpl = rt.def
	}
	return Recommendation{
		Topic: topic,
		Title: strings.ReplaceAll(tpl.Title, topicPlaceholder, topic),
		Body:  strings.ReplaceAll(tpl.Body, topicPlaceholder, topic),
	}
}
