package intent

import (
	"context"
	"strings"

	"datagate/pkg/models"
)

// Classifier produces an advisory Intent for a query. Implementations are
// given no identity-scoped data and no handle to any data source.
type Classifier interface {
	Classify(ctx context.Context, text string, turns []models.Turn) models.Intent
}

var categories = map[string]struct{}{
	models.CategorySafeKnowledge: {},
	models.CategoryDataQuery:     {},
	models.CategoryAnalysis:      {},
	models.CategoryOutOfScope:    {},
}

// FailClosed is the intent used whenever classification cannot be trusted.
func FailClosed(rationale string) models.Intent {
	return models.Intent{Category: models.CategoryOutOfScope, Confidence: 0, Rationale: rationale}
}

// Sanitize coerces a raw classifier output into the closed category set.
// Out-of-range categories become OUT_OF_SCOPE with confidence 0; confidence
// is clamped to [0,1].
func Sanitize(raw models.Intent) models.Intent {
	category := strings.ToUpper(strings.TrimSpace(raw.Category))
	if _, ok := categories[category]; !ok {
		return FailClosed("category outside closed set")
	}
	confidence := raw.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return models.Intent{Category: category, Confidence: confidence, Rationale: raw.Rationale}
}

// BoundContext truncates conversation context to the most recent maxTurns
// turns, each capped at maxTurnBytes. The classifier never sees unbounded
// history.
func BoundContext(turns []models.Turn, maxTurns, maxTurnBytes int) []models.Turn {
	if maxTurns <= 0 {
		return nil
	}
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	out := make([]models.Turn, 0, len(turns))
	for _, turn := range turns {
		if maxTurnBytes > 0 && len(turn.Text) > maxTurnBytes {
			turn.Text = turn.Text[:maxTurnBytes]
		}
		out = append(out, turn)
	}
	return out
}
