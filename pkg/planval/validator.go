package planval

import (
	"fmt"
	"strings"

	"datagate/pkg/models"
	"datagate/pkg/policy"
)

// Validation error kinds. Detail is written to the audit trail only; users
// see a generic failure so schema structure never leaks to unauthorized
// callers.
const (
	KindUnknownResource      = "UnknownResource"
	KindScopeViolation       = "ScopeViolation"
	KindEntitlementMissing   = "EntitlementMissing"
	KindUnsupportedOperation = "UnsupportedOperation"
)

// ValidationError rejects a candidate plan with a specific kind.
type ValidationError struct {
	Kind   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plan rejected (%s): %s", e.Kind, e.Detail)
}

// ValidatedPlan proves that every referenced resource exists in the pinned
// schema snapshot, lies inside the decision's authorized scope, and is
// covered by the identity's entitlements. Only Validate constructs values of
// this type; the execution gateway accepts nothing else.
type ValidatedPlan struct {
	plan          models.ExecutionPlan
	sourceID      string
	family        string
	schemaVersion string
}

func (v ValidatedPlan) Plan() models.ExecutionPlan { return v.plan }
func (v ValidatedPlan) SourceID() string           { return v.sourceID }
func (v ValidatedPlan) Family() string             { return v.family }
func (v ValidatedPlan) SchemaVersion() string      { return v.schemaVersion }

var readVerbs = map[string]struct{}{
	"select":    {},
	"aggregate": {},
}

// MaxRows caps any plan limit; plans without a limit are clamped to it.
const MaxRows = 1000

// Validate checks a candidate plan against a pinned snapshot, the policy
// decision's authorized scope, and the identity's entitlements. This boundary
// must hold even if the policy engine or the generator misbehaves.
func Validate(plan models.ExecutionPlan, snapshot models.SchemaSnapshot, decision models.PolicyDecision, identity models.Identity) (ValidatedPlan, error) {
	if decision.Outcome != models.OutcomeAllowWithAuth {
		return ValidatedPlan{}, &ValidationError{Kind: KindScopeViolation, Detail: "decision does not authorize data access"}
	}
	op := strings.ToLower(strings.TrimSpace(plan.Operation))
	if _, ok := readVerbs[op]; !ok {
		return ValidatedPlan{}, &ValidationError{Kind: KindUnsupportedOperation, Detail: fmt.Sprintf("operation %q is not read-only", plan.Operation)}
	}
	if plan.SourceID != snapshot.SourceID {
		return ValidatedPlan{}, &ValidationError{Kind: KindUnknownResource, Detail: fmt.Sprintf("source %q not in pinned snapshot %q", plan.SourceID, snapshot.SourceID)}
	}
	resource, ok := snapshot.FindResource(plan.Resource)
	if !ok {
		return ValidatedPlan{}, &ValidationError{Kind: KindUnknownResource, Detail: fmt.Sprintf("resource %q not in snapshot version %s", plan.Resource, snapshot.Version)}
	}
	if !policy.InScope(decision, resource.Class) {
		return ValidatedPlan{}, &ValidationError{Kind: KindScopeViolation, Detail: fmt.Sprintf("resource class %q outside authorized scope", resource.Class)}
	}
	// Aggregate plans may reference data through Aggregate and GroupBy
	// alone; anything else must name its columns.
	if op != "aggregate" && len(plan.Columns) == 0 {
		return ValidatedPlan{}, &ValidationError{Kind: KindUnknownResource, Detail: "plan references no columns"}
	}
	entitled := entitlementSet(identity.Entitlements)
	for _, name := range plan.Columns {
		col, ok := resource.FindColumn(name)
		if !ok {
			return ValidatedPlan{}, &ValidationError{Kind: KindUnknownResource, Detail: fmt.Sprintf("column %q not in resource %q", name, resource.Name)}
		}
		if tag, ok := uncovered(col, entitled); ok {
			return ValidatedPlan{}, &ValidationError{Kind: KindEntitlementMissing, Detail: fmt.Sprintf("column %q requires %s entitlement", name, tag)}
		}
	}
	for _, filter := range plan.Filters {
		col, ok := resource.FindColumn(filter.Column)
		if !ok {
			return ValidatedPlan{}, &ValidationError{Kind: KindUnknownResource, Detail: fmt.Sprintf("filter column %q not in resource %q", filter.Column, resource.Name)}
		}
		// Filtering on a column observes it as surely as selecting it.
		if tag, ok := uncovered(col, entitled); ok {
			return ValidatedPlan{}, &ValidationError{Kind: KindEntitlementMissing, Detail: fmt.Sprintf("filter column %q requires %s entitlement", filter.Column, tag)}
		}
		if !validFilterOp(filter.Op) {
			return ValidatedPlan{}, &ValidationError{Kind: KindUnsupportedOperation, Detail: fmt.Sprintf("filter op %q not supported", filter.Op)}
		}
	}
	for _, name := range plan.GroupBy {
		col, ok := resource.FindColumn(name)
		if !ok {
			return ValidatedPlan{}, &ValidationError{Kind: KindUnknownResource, Detail: fmt.Sprintf("group_by column %q not in resource %q", name, resource.Name)}
		}
		// Grouping exposes the column's distinct values through group keys
		// and counts even when the key itself is masked.
		if tag, ok := uncovered(col, entitled); ok {
			return ValidatedPlan{}, &ValidationError{Kind: KindEntitlementMissing, Detail: fmt.Sprintf("group_by column %q requires %s entitlement", name, tag)}
		}
	}
	if op == "aggregate" && !validAggregate(plan.Aggregate) {
		return ValidatedPlan{}, &ValidationError{Kind: KindUnsupportedOperation, Detail: fmt.Sprintf("aggregate %q not supported", plan.Aggregate)}
	}
	if plan.Limit <= 0 || plan.Limit > MaxRows {
		plan.Limit = MaxRows
	}
	return ValidatedPlan{
		plan:          plan,
		sourceID:      snapshot.SourceID,
		family:        snapshot.Family,
		schemaVersion: snapshot.Version,
	}, nil
}

func entitlementSet(entitlements []string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, e := range entitlements {
		e = strings.ToUpper(strings.TrimSpace(e))
		if e != "" {
			set[e] = struct{}{}
		}
	}
	return set
}

func uncovered(col models.Column, entitled map[string]struct{}) (string, bool) {
	for _, tag := range col.Sensitivity {
		tag = strings.ToUpper(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := entitled[tag]; !ok {
			return tag, true
		}
	}
	return "", false
}

func validFilterOp(op string) bool {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "eq", "neq", "lt", "lte", "gt", "gte", "contains":
		return true
	default:
		return false
	}
}

func validAggregate(agg string) bool {
	switch strings.ToLower(strings.TrimSpace(agg)) {
	case "count", "sum", "avg", "min", "max", "variance", "stddev":
		return true
	default:
		return false
	}
}
