package synth

import (
	"strings"
	"testing"

	"datagate/pkg/models"
	"datagate/pkg/policy"
)

func TestSynthesizeAllowNoData(t *testing.T) {
	t.Parallel()

	text := Synthesize(models.PolicyDecision{Outcome: models.OutcomeAllowNoData}, nil)
	if !strings.Contains(text, "do not reference or retrieve any enterprise data") {
		t.Fatalf("expected no-enterprise-data instruction, got %q", text)
	}
}

func TestSynthesizeDenyByReason(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		policy.ReasonOutOfScope:              "outside the scope",
		policy.ReasonLowConfidence:           "rephrase",
		policy.ReasonInsufficientEntitlement: "not authorized",
		"SOMETHING_ELSE":                     "can't help",
	}
	for reason, want := range cases {
		text := Synthesize(models.PolicyDecision{Outcome: models.OutcomeDeny, ReasonCode: reason}, nil)
		if !strings.Contains(text, want) {
			t.Fatalf("reason %s: expected %q in %q", reason, want, text)
		}
		if strings.Contains(text, "employees") || strings.Contains(text, "column") {
			t.Fatalf("refusal leaked schema detail: %q", text)
		}
	}
}

func TestSynthesizeFormatsRows(t *testing.T) {
	t.Parallel()

	result := &models.ExecutionResult{
		Columns:       []string{"id", "salary"},
		Rows:          []map[string]any{{"id": "e1", "salary": "[MASKED]"}},
		RowCount:      1,
		Truncated:     true,
		MaskedColumns: []string{"salary"},
	}
	text := Synthesize(models.PolicyDecision{Outcome: models.OutcomeAllowWithAuth}, result)
	for _, want := range []string{"Found 1 record(s)", "id | salary", "e1 | [MASKED]", "truncated", "masked: salary"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in %q", want, text)
		}
	}
}

func TestSynthesizeEmptyResult(t *testing.T) {
	t.Parallel()

	result := &models.ExecutionResult{RowCount: 0}
	text := Synthesize(models.PolicyDecision{Outcome: models.OutcomeAllowWithAuth}, result)
	if !strings.Contains(text, "No matching records") {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestSynthesizeMissingResultFallsBack(t *testing.T) {
	t.Parallel()

	text := Synthesize(models.PolicyDecision{Outcome: models.OutcomeAllowWithAuth}, nil)
	if text != GenericFailureText {
		t.Fatalf("expected generic failure text, got %q", text)
	}
}
