package models

import (
	"encoding/json"
	"time"
)

// Query is the raw request entering the pipeline. Immutable once received.
type Query struct {
	RequestID string    `json:"request_id"`
	Text      string    `json:"text"`
	Context   []Turn    `json:"context,omitempty"`
	Identity  Identity  `json:"identity"`
	Received  time.Time `json:"received"`
}

// Turn is one prior exchange of the conversation context.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Identity is the requesting principal as resolved by the auth layer.
type Identity struct {
	Subject      string   `json:"subject"`
	Roles        []string `json:"roles"`
	Entitlements []string `json:"entitlements"`
	Tenant       string   `json:"tenant"`
}

// Intent categories form a closed set. Anything else is coerced to
// CategoryOutOfScope at the classifier boundary.
const (
	CategorySafeKnowledge = "SAFE_KNOWLEDGE"
	CategoryDataQuery     = "DATA_QUERY"
	CategoryAnalysis      = "ANALYSIS"
	CategoryOutOfScope    = "OUT_OF_SCOPE"
)

// Intent is the advisory classification of a query. It carries no capability;
// downstream logic trusts only its category and confidence, and only via the
// policy engine.
type Intent struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// PolicyDecision outcomes.
const (
	OutcomeAllowNoData   = "ALLOW_NO_DATA"
	OutcomeAllowWithAuth = "ALLOW_WITH_AUTH"
	OutcomeDeny          = "DENY"
)

// PolicyDecision is the deterministic verdict for one query. One per request,
// never cached across requests.
type PolicyDecision struct {
	Category        string   `json:"category"`
	Outcome         string   `json:"outcome"`
	ResourceClasses []string `json:"resource_classes,omitempty"`
	ReasonCode      string   `json:"reason_code"`
	PolicyVersion   string   `json:"policy_version"`
	SchemaVersion   string   `json:"schema_version,omitempty"`
}

// ExecutionPlan is the candidate plan produced by the generator. Untrusted:
// it may reference resources that do not exist or are not authorized.
type ExecutionPlan struct {
	SourceID  string       `json:"source_id"`
	Operation string       `json:"operation"`
	Resource  string       `json:"resource"`
	Columns   []string     `json:"columns"`
	Filters   []PlanFilter `json:"filters,omitempty"`
	Aggregate string       `json:"aggregate,omitempty"`
	GroupBy   []string     `json:"group_by,omitempty"`
	Limit     int          `json:"limit,omitempty"`
}

type PlanFilter struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  string `json:"value"`
}

// SchemaSnapshot is a versioned, immutable view of one data source.
type SchemaSnapshot struct {
	SourceID  string     `json:"source_id"`
	Family    string     `json:"family"`
	Version   string     `json:"version"`
	Resources []Resource `json:"resources"`
	CreatedAt string     `json:"created_at"`
}

// Resource is a table or collection in a schema snapshot.
type Resource struct {
	Name    string   `json:"name"`
	Class   string   `json:"class"`
	Owner   string   `json:"owner,omitempty"`
	Columns []Column `json:"columns"`
}

type Column struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Sensitivity []string `json:"sensitivity,omitempty"`
}

// FindResource returns the named resource, if present.
func (s SchemaSnapshot) FindResource(name string) (Resource, bool) {
	for _, res := range s.Resources {
		if res.Name == name {
			return res, true
		}
	}
	return Resource{}, false
}

// FindColumn returns the named column, if present.
func (r Resource) FindColumn(name string) (Column, bool) {
	for _, col := range r.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// ExecutionResult holds masked rows returned by the gateway.
type ExecutionResult struct {
	SourceID      string           `json:"source_id"`
	SchemaVersion string           `json:"schema_version"`
	Columns       []string         `json:"columns"`
	Rows          []map[string]any `json:"rows"`
	RowCount      int              `json:"row_count"`
	Truncated     bool             `json:"truncated"`
	MaskedColumns []string         `json:"masked_columns,omitempty"`
}

// GatewayResponse is returned by the upstream request interface.
type GatewayResponse struct {
	RequestID    string          `json:"request_id"`
	Outcome      string          `json:"outcome"`
	ReasonCode   string          `json:"reason_code"`
	ResponseText string          `json:"response_text"`
	Result       json.RawMessage `json:"result,omitempty"`
	AuditID      string          `json:"audit_id"`
}

// DecisionSummary is the audit listing row for one pipeline run.
type DecisionSummary struct {
	RequestID  string    `json:"request_id"`
	Category   string    `json:"category"`
	Outcome    string    `json:"outcome"`
	ReasonCode string    `json:"reason_code"`
	CreatedAt  time.Time `json:"created_at"`
}
