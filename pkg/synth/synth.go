// Package synth turns pipeline outcomes into response text. It never
// invents data: rows come from the execution gateway already masked, and
// refusals name only the reason category, never schema detail.
package synth

import (
	"fmt"
	"sort"
	"strings"

	"datagate/pkg/models"
	"datagate/pkg/policy"
)

// GenericFailureText is returned for validation and execution failures.
// Deliberately unspecific: internal detail goes to the audit trail, not
// the caller.
const GenericFailureText = "I cannot complete this request."

// Synthesize renders the final response text for one decided query.
// result is nil for every outcome except ALLOW_WITH_AUTH with a
// successful execution.
func Synthesize(decision models.PolicyDecision, result *models.ExecutionResult) string {
	switch decision.Outcome {
	case models.OutcomeAllowNoData:
		return "This is a general-knowledge question. Answer from general knowledge only; do not reference or retrieve any enterprise data."
	case models.OutcomeAllowWithAuth:
		if result == nil {
			return GenericFailureText
		}
		return formatResult(result)
	case models.OutcomeDeny:
		return refusalText(decision.ReasonCode)
	default:
		return GenericFailureText
	}
}

func refusalText(reasonCode string) string {
	switch reasonCode {
	case policy.ReasonOutOfScope:
		return "I can't help with that request. It falls outside the scope of questions this assistant handles."
	case policy.ReasonLowConfidence:
		return "I wasn't able to understand that request clearly enough to act on it. Please rephrase it."
	case policy.ReasonInsufficientEntitlement:
		return "You are not authorized to access the data this request requires."
	default:
		return "I can't help with that request."
	}
}

func formatResult(result *models.ExecutionResult) string {
	var sb strings.Builder
	if result.RowCount == 0 {
		sb.WriteString("No matching records were found.")
	} else {
		fmt.Fprintf(&sb, "Found %d record(s):\n", result.RowCount)
		cols := result.Columns
		if len(cols) == 0 && len(result.Rows) > 0 {
			cols = make([]string, 0, len(result.Rows[0]))
			for name := range result.Rows[0] {
				cols = append(cols, name)
			}
			sort.Strings(cols)
		}
		sb.WriteString(strings.Join(cols, " | "))
		sb.WriteString("\n")
		for _, row := range result.Rows {
			cells := make([]string, len(cols))
			for i, col := range cols {
				cells[i] = cellText(row[col])
			}
			sb.WriteString(strings.Join(cells, " | "))
			sb.WriteString("\n")
		}
	}
	if result.Truncated {
		sb.WriteString("The result was truncated at the row limit.\n")
	}
	if len(result.MaskedColumns) > 0 {
		fmt.Fprintf(&sb, "Some columns were masked: %s.\n", strings.Join(result.MaskedColumns, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func cellText(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
