package execgate

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"datagate/pkg/models"
)

type relationalDB interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// RelationalAdapter translates plans to parameterized SQL and runs them
// inside a read-only transaction. Identifiers come from the validated plan
// only, and are still quoted; values are always bind parameters.
type RelationalAdapter struct {
	DB relationalDB
}

var filterOps = map[string]string{
	"eq":  "=",
	"neq": "<>",
	"lt":  "<",
	"lte": "<=",
	"gt":  ">",
	"gte": ">=",
}

var aggregateFuncs = map[string]string{
	"count":    "COUNT",
	"sum":      "SUM",
	"avg":      "AVG",
	"min":      "MIN",
	"max":      "MAX",
	"variance": "VARIANCE",
	"stddev":   "STDDEV",
}

func (a *RelationalAdapter) Translate(plan models.ExecutionPlan) (NativeQuery, error) {
	var sb strings.Builder
	var args []any

	switch plan.Operation {
	case "select":
		if len(plan.Columns) == 0 {
			return NativeQuery{}, fmt.Errorf("select without columns")
		}
		quoted := make([]string, len(plan.Columns))
		for i, col := range plan.Columns {
			quoted[i] = quoteIdent(col)
		}
		fmt.Fprintf(&sb, "SELECT %s FROM %s", strings.Join(quoted, ", "), quoteIdent(plan.Resource))
	case "aggregate":
		fn, ok := aggregateFuncs[strings.ToLower(plan.Aggregate)]
		if !ok {
			return NativeQuery{}, fmt.Errorf("unsupported aggregate %q", plan.Aggregate)
		}
		target := "*"
		if fn != "COUNT" {
			if len(plan.Columns) == 0 {
				return NativeQuery{}, fmt.Errorf("aggregate %s needs a column", plan.Aggregate)
			}
			target = quoteIdent(plan.Columns[0])
		} else if len(plan.Columns) > 0 {
			target = quoteIdent(plan.Columns[0])
		}
		selected := make([]string, 0, len(plan.GroupBy)+1)
		for _, col := range plan.GroupBy {
			selected = append(selected, quoteIdent(col))
		}
		selected = append(selected, fmt.Sprintf("%s(%s) AS %s", fn, target, quoteIdent(aggregateAlias)))
		fmt.Fprintf(&sb, "SELECT %s FROM %s", strings.Join(selected, ", "), quoteIdent(plan.Resource))
	default:
		return NativeQuery{}, fmt.Errorf("unsupported operation %q", plan.Operation)
	}

	for i, f := range plan.Filters {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		op := strings.ToLower(f.Op)
		if op == "contains" {
			args = append(args, "%"+f.Value+"%")
			fmt.Fprintf(&sb, "%s ILIKE $%d", quoteIdent(f.Column), len(args))
			continue
		}
		sqlOp, ok := filterOps[op]
		if !ok {
			return NativeQuery{}, fmt.Errorf("unsupported filter op %q", f.Op)
		}
		args = append(args, f.Value)
		fmt.Fprintf(&sb, "%s %s $%d", quoteIdent(f.Column), sqlOp, len(args))
	}

	if plan.Operation == "aggregate" && len(plan.GroupBy) > 0 {
		grouped := make([]string, len(plan.GroupBy))
		for i, col := range plan.GroupBy {
			grouped[i] = quoteIdent(col)
		}
		fmt.Fprintf(&sb, " GROUP BY %s", strings.Join(grouped, ", "))
	}
	if plan.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", plan.Limit)
	}
	return NativeQuery{Statement: sb.String(), Args: args}, nil
}

func (a *RelationalAdapter) Run(ctx context.Context, q NativeQuery) ([]map[string]any, error) {
	tx, err := a.DB.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, q.Statement, q.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			if i < len(values) {
				row[fd.Name] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
