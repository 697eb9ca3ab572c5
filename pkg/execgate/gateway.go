package execgate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"datagate/pkg/models"
	"datagate/pkg/planval"
)

// MaskedValue replaces cell values the caller is not entitled to see.
const MaskedValue = "[MASKED]"

// Error is a runtime execution failure. It is deliberately distinct from
// the validation error types: by the time the gateway runs, authorization
// questions are settled, so an Error never signals a policy problem.
// Transient marks failures from the backend itself, the only kind worth
// retrying; translation and wiring failures repeat identically.
type Error struct {
	Detail    string
	Cause     error
	Transient bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("execution failed: %s: %v", e.Detail, e.Cause)
	}
	return fmt.Sprintf("execution failed: %s", e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsTransient reports whether err is an execution failure that may clear
// on retry.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Transient
}

// NativeQuery is the source-specific form of a validated plan. For
// relational sources Statement is SQL and Args its parameters; for
// document sources Statement carries the encoded find request.
type NativeQuery struct {
	Statement string
	Args      []any
}

// Adapter is the only capability surface a data source exposes to the
// gateway. There is no escape hatch for arbitrary statements: Translate
// only accepts plans and Run only accepts what Translate produced.
type Adapter interface {
	Translate(plan models.ExecutionPlan) (NativeQuery, error)
	Run(ctx context.Context, q NativeQuery) ([]map[string]any, error)
}

// Gateway executes validated plans through per-family adapters with a
// hard timeout, a row cap, and column masking against the snapshot the
// plan was validated under.
type Gateway struct {
	Adapters map[string]Adapter
	Timeout  time.Duration
	MaxRows  int
}

// Execute runs one validated plan. The snapshot must be the same pinned
// snapshot the plan was validated against; a mismatch is refused rather
// than revalidated.
func (g *Gateway) Execute(ctx context.Context, vp planval.ValidatedPlan, identity models.Identity, snap models.SchemaSnapshot) (models.ExecutionResult, error) {
	if vp.SourceID() != snap.SourceID || vp.SchemaVersion() != snap.Version {
		return models.ExecutionResult{}, &Error{Detail: "plan and snapshot disagree on source or version"}
	}
	adapter, ok := g.Adapters[vp.Family()]
	if !ok {
		return models.ExecutionResult{}, &Error{Detail: fmt.Sprintf("no adapter for source family %q", vp.Family())}
	}
	plan := vp.Plan()
	q, err := adapter.Translate(plan)
	if err != nil {
		return models.ExecutionResult{}, &Error{Detail: "plan translation", Cause: err}
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := adapter.Run(runCtx, q)
	if err != nil {
		return models.ExecutionResult{}, &Error{Detail: "adapter run", Cause: err, Transient: true}
	}

	rowCap := plan.Limit
	maxRows := g.MaxRows
	if maxRows <= 0 {
		maxRows = planval.MaxRows
	}
	if rowCap <= 0 || rowCap > maxRows {
		rowCap = maxRows
	}
	truncated := false
	if len(rows) > rowCap {
		rows = rows[:rowCap]
		truncated = true
	}

	masked := maskRows(rows, plan.Resource, snap, identity)

	return models.ExecutionResult{
		SourceID:      snap.SourceID,
		SchemaVersion: snap.Version,
		Columns:       resultColumns(plan, rows),
		Rows:          rows,
		RowCount:      len(rows),
		Truncated:     truncated,
		MaskedColumns: masked,
	}, nil
}

// maskRows overwrites every cell whose column sensitivity is not covered
// by the identity's entitlements, and every cell whose column is unknown
// to the snapshot. The validator already rejects plans that select such
// columns; masking guards against adapters returning more than asked.
func maskRows(rows []map[string]any, resourceName string, snap models.SchemaSnapshot, identity models.Identity) []string {
	resource, _ := snap.FindResource(resourceName)
	entitled := map[string]struct{}{}
	for _, e := range identity.Entitlements {
		entitled[strings.ToUpper(strings.TrimSpace(e))] = struct{}{}
	}
	maskedSet := map[string]struct{}{}
	for _, row := range rows {
		for name := range row {
			if !shouldMask(name, resource, entitled) {
				continue
			}
			row[name] = MaskedValue
			maskedSet[name] = struct{}{}
		}
	}
	if len(maskedSet) == 0 {
		return nil
	}
	masked := make([]string, 0, len(maskedSet))
	for name := range maskedSet {
		masked = append(masked, name)
	}
	sort.Strings(masked)
	return masked
}

func shouldMask(name string, resource models.Resource, entitled map[string]struct{}) bool {
	col, ok := resource.FindColumn(name)
	if !ok {
		// Aggregate outputs are derived, not schema columns.
		if name == aggregateAlias {
			return false
		}
		return true
	}
	for _, tag := range col.Sensitivity {
		tag = strings.ToUpper(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, has := entitled[tag]; !has {
			return true
		}
	}
	return false
}

const aggregateAlias = "value"

func resultColumns(plan models.ExecutionPlan, rows []map[string]any) []string {
	if plan.Operation == "aggregate" {
		cols := append([]string(nil), plan.GroupBy...)
		return append(cols, aggregateAlias)
	}
	if len(plan.Columns) > 0 {
		return append([]string(nil), plan.Columns...)
	}
	if len(rows) == 0 {
		return nil
	}
	cols := make([]string, 0, len(rows[0]))
	for name := range rows[0] {
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return cols
}
