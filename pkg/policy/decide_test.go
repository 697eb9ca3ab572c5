package policy

import (
	"testing"

	"datagate/pkg/models"
)

func testTable() Table {
	return Table{
		Version: "pt-7",
		Entries: map[string]Entry{
			models.CategorySafeKnowledge: {MinConfidence: 0.5},
			models.CategoryDataQuery:     {RequiredRoles: []string{"analyst"}, ResourceClasses: []string{"cost_center"}, MinConfidence: 0.6},
			models.CategoryAnalysis:      {RequiredRoles: []string{"analyst", "modeler"}, ResourceClasses: []string{"cost_center", "forecast"}, MinConfidence: 0.6},
			models.CategoryOutOfScope:    {OutOfScope: true},
		},
	}
}

func TestDecideTable(t *testing.T) {
	analyst := models.Identity{Subject: "u1", Roles: []string{"analyst"}}
	guest := models.Identity{Subject: "u2", Roles: []string{"guest"}}
	admin := models.Identity{Subject: "u3", Roles: []string{"analyst", "modeler", "securityadmin"}}

	cases := []struct {
		name       string
		in         models.Intent
		identity   models.Identity
		outcome    string
		reason     string
		scopeCount int
	}{
		{"safe knowledge", models.Intent{Category: models.CategorySafeKnowledge, Confidence: 0.9}, guest, models.OutcomeAllowNoData, ReasonOK, 0},
		{"data query with role", models.Intent{Category: models.CategoryDataQuery, Confidence: 0.8}, analyst, models.OutcomeAllowWithAuth, ReasonOK, 1},
		{"data query without role", models.Intent{Category: models.CategoryDataQuery, Confidence: 0.8}, guest, models.OutcomeDeny, ReasonInsufficientEntitlement, 0},
		{"analysis needs all roles", models.Intent{Category: models.CategoryAnalysis, Confidence: 0.9}, analyst, models.OutcomeDeny, ReasonInsufficientEntitlement, 0},
		{"analysis with all roles", models.Intent{Category: models.CategoryAnalysis, Confidence: 0.9}, admin, models.OutcomeAllowWithAuth, ReasonOK, 2},
		{"low confidence", models.Intent{Category: models.CategoryDataQuery, Confidence: 0.3}, analyst, models.OutcomeDeny, ReasonLowConfidence, 0},
		{"unknown category", models.Intent{Category: "WEATHER", Confidence: 1}, admin, models.OutcomeDeny, ReasonUnknownIntent, 0},
		{"out of scope beats roles", models.Intent{Category: models.CategoryOutOfScope, Confidence: 1}, admin, models.OutcomeDeny, ReasonOutOfScope, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Decide(tc.in, tc.identity, testTable(), "v3")
			if got.Outcome != tc.outcome {
				t.Fatalf("outcome: expected %s, got %s", tc.outcome, got.Outcome)
			}
			if got.ReasonCode != tc.reason {
				t.Fatalf("reason: expected %s, got %s", tc.reason, got.ReasonCode)
			}
			if len(got.ResourceClasses) != tc.scopeCount {
				t.Fatalf("scope: expected %d classes, got %v", tc.scopeCount, got.ResourceClasses)
			}
			if got.PolicyVersion != "pt-7" || got.SchemaVersion != "v3" {
				t.Fatalf("version binding missing: %+v", got)
			}
		})
	}
}

func TestDecideDeterministic(t *testing.T) {
	in := models.Intent{Category: models.CategoryDataQuery, Confidence: 0.8}
	identity := models.Identity{Subject: "u1", Roles: []string{"analyst"}}
	first := Decide(in, identity, testTable(), "v3")
	for i := 0; i < 10; i++ {
		if got := Decide(in, identity, testTable(), "v3"); got.Outcome != first.Outcome || got.ReasonCode != first.ReasonCode {
			t.Fatalf("non-deterministic decision: %+v vs %+v", got, first)
		}
	}
}

func TestInScope(t *testing.T) {
	d := models.PolicyDecision{ResourceClasses: []string{"cost_center"}}
	if !InScope(d, "Cost_Center") {
		t.Fatal("expected case-insensitive scope match")
	}
	if InScope(d, "payroll") {
		t.Fatal("unexpected scope match")
	}
}
