package policy

import (
	"strings"

	"datagate/pkg/models"
)

// Reason codes carried on PolicyDecision. Full detail is audit-only; the
// synthesizer maps these to user-facing refusals.
const (
	ReasonOK                      = "OK"
	ReasonUnknownIntent           = "UNKNOWN_INTENT"
	ReasonLowConfidence           = "LOW_CONFIDENCE_INTENT"
	ReasonOutOfScope              = "OUT_OF_SCOPE"
	ReasonInsufficientEntitlement = "INSUFFICIENT_ENTITLEMENT"
)

// Decide maps an advisory intent and an identity onto a deterministic policy
// decision. Pure and total: no I/O, defined for every input combination, and
// identical inputs always yield the identical decision.
func Decide(in models.Intent, identity models.Identity, table Table, schemaVersion string) models.PolicyDecision {
	decision := models.PolicyDecision{
		Category:      in.Category,
		PolicyVersion: table.Version,
		SchemaVersion: schemaVersion,
	}

	entry, registered := table.Entries[in.Category]
	if !registered {
		decision.Outcome = models.OutcomeDeny
		decision.ReasonCode = ReasonUnknownIntent
		return decision
	}
	// No role can escalate an out-of-scope classification.
	if entry.OutOfScope || in.Category == models.CategoryOutOfScope {
		decision.Outcome = models.OutcomeDeny
		decision.ReasonCode = ReasonOutOfScope
		return decision
	}
	if in.Confidence < entry.MinConfidence {
		decision.Outcome = models.OutcomeDeny
		decision.ReasonCode = ReasonLowConfidence
		return decision
	}
	if in.Category == models.CategorySafeKnowledge {
		decision.Outcome = models.OutcomeAllowNoData
		decision.ReasonCode = ReasonOK
		return decision
	}
	if !hasAllRoles(identity.Roles, entry.RequiredRoles) {
		decision.Outcome = models.OutcomeDeny
		decision.ReasonCode = ReasonInsufficientEntitlement
		return decision
	}
	decision.Outcome = models.OutcomeAllowWithAuth
	decision.ReasonCode = ReasonOK
	decision.ResourceClasses = append([]string{}, entry.ResourceClasses...)
	return decision
}

func hasAllRoles(held, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range held {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(r))]; !ok {
			return false
		}
	}
	return true
}

// InScope reports whether a resource class is inside the decision's
// authorized scope.
func InScope(decision models.PolicyDecision, class string) bool {
	class = strings.ToLower(strings.TrimSpace(class))
	for _, c := range decision.ResourceClasses {
		if c == class {
			return true
		}
	}
	return false
}
