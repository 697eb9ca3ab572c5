// Package audit records every pipeline stage transition in an append-only
// trail. Records are written as facts and never updated or deleted here;
// retention is handled outside the pipeline.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"datagate/pkg/models"
)

// Pipeline stages, in order. One record per stage per request.
const (
	StageClassification = "classification"
	StageDecision       = "decision"
	StageValidation     = "validation"
	StageExecution      = "execution"
	StageResponse       = "response"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one stage transition. Payload is a stage-specific JSON summary;
// PayloadHash is the canonical hash of what the stage actually saw, so the
// trail stays verifiable even when the payload itself is redacted.
type Record struct {
	AuditID     string          `json:"audit_id"`
	RequestID   string          `json:"request_id"`
	Stage       string          `json:"stage"`
	Tenant      string          `json:"tenant"`
	SubjectHash string          `json:"subject_hash"`
	Outcome     string          `json:"outcome"`
	ReasonCode  string          `json:"reason_code"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadHash string          `json:"payload_hash"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (w *Writer) Append(ctx context.Context, rec Record) (string, error) {
	if rec.AuditID == "" {
		rec.AuditID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.PayloadHash == "" && len(rec.Payload) > 0 {
		rec.PayloadHash = models.PayloadHash(rec.Payload)
	}
	if w.Redact {
		rec.Payload = redactPayload(rec.Payload, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(audit_id, request_id, stage, tenant, subject_hash, outcome, reason_code, payload, payload_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.AuditID, rec.RequestID, rec.Stage, rec.Tenant, rec.SubjectHash, rec.Outcome, rec.ReasonCode, rec.Payload, rec.PayloadHash, rec.CreatedAt)
	if err != nil {
		return "", err
	}
	return rec.AuditID, nil
}

// SubjectHash is the stable salted identity hash stored on records.
func (w *Writer) SubjectHash(subject string) string {
	return hashString(subject, w.HashSalt)
}

// List returns the stage records of one request in stage order. When tenant
// is set, records from other tenants are invisible rather than forbidden.
func (w *Writer) List(ctx context.Context, requestID, tenant string) ([]Record, error) {
	const base = `
		SELECT audit_id, request_id, stage, tenant, subject_hash, outcome, reason_code, payload, payload_hash, created_at
		FROM audit_records WHERE request_id=$1`
	var (
		rows pgx.Rows
		err  error
	)
	if tenant != "" {
		rows, err = w.DB.Query(ctx, base+` AND tenant=$2 ORDER BY created_at ASC`, requestID, tenant)
	} else {
		rows, err = w.DB.Query(ctx, base+` ORDER BY created_at ASC`, requestID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.AuditID, &rec.RequestID, &rec.Stage, &rec.Tenant, &rec.SubjectHash, &rec.Outcome, &rec.ReasonCode, &rec.Payload, &rec.PayloadHash, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListDecisions returns recent policy-decision records as summaries.
func (w *Writer) ListDecisions(ctx context.Context, tenant string, limit int) ([]models.DecisionSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const base = `
		SELECT request_id, payload, outcome, reason_code, created_at
		FROM audit_records WHERE stage=$1`
	var (
		rows pgx.Rows
		err  error
	)
	if tenant != "" {
		rows, err = w.DB.Query(ctx, base+` AND tenant=$2 ORDER BY created_at DESC LIMIT $3`, StageDecision, tenant, limit)
	} else {
		rows, err = w.DB.Query(ctx, base+` ORDER BY created_at DESC LIMIT $2`, StageDecision, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DecisionSummary
	for rows.Next() {
		var (
			summary models.DecisionSummary
			payload json.RawMessage
		)
		if err := rows.Scan(&summary.RequestID, &payload, &summary.Outcome, &summary.ReasonCode, &summary.CreatedAt); err != nil {
			return nil, err
		}
		var decision models.PolicyDecision
		if len(payload) > 0 && json.Unmarshal(payload, &decision) == nil {
			summary.Category = decision.Category
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}
