package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"datagate/pkg/audit"
	"datagate/pkg/auth"
	"datagate/pkg/execgate"
	"datagate/pkg/httpx"
	"datagate/pkg/models"
	"datagate/pkg/planner"
	"datagate/pkg/planval"
	"datagate/pkg/policy"
	"datagate/pkg/stream"
	"datagate/pkg/synth"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxQueryChars = 8192

// Pipeline-internal reason codes. Policy reasons come from the policy
// package; these cover failures after the decision was made.
const (
	reasonRateLimited         = "RATE_LIMITED"
	reasonSnapshotUnavailable = "SNAPSHOT_UNAVAILABLE"
	reasonPlanGeneration      = "PLAN_GENERATION_FAILED"
	reasonPlanRejected        = "PLAN_REJECTED"
	reasonExecutionFailed     = "EXECUTION_FAILED"
)

type queryRequest struct {
	QueryText string        `json:"query_text"`
	Context   []models.Turn `json:"conversation_context,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	identity := principal.Identity()

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid request body")
		return
	}
	req.QueryText = strings.TrimSpace(req.QueryText)
	if req.QueryText == "" {
		httpx.Error(w, 400, "query_text is required")
		return
	}
	if len(req.QueryText) > maxQueryChars {
		httpx.Error(w, 400, "query_text too long")
		return
	}

	if s.RateLimiter != nil {
		key := identity.Subject
		if key == "" {
			key = s.clientIP(r)
		}
		if d := s.RateLimiter.Allow(key, s.RateLimitPerMinute); !d.Allowed {
			retryAfter := int(time.Until(d.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httpx.Error(w, 429, "rate limit exceeded")
			return
		}
	}

	ctx := r.Context()
	requestID := uuid.NewString()

	// Stage 1: classification. The classifier is advisory and never fails
	// the request; malformed or unreachable upstream coerces to OUT_OF_SCOPE
	// inside Classify.
	start := time.Now()
	in := s.Classifier.Classify(ctx, req.QueryText, req.Context)
	s.Metrics.ObserveStage("classification", time.Since(start))
	s.auditStage(ctx, requestID, identity, audit.StageClassification, in.Category, "", map[string]any{
		"query_text": req.QueryText,
		"category":   in.Category,
		"confidence": in.Confidence,
		"rationale":  in.Rationale,
	})

	// Stage 2: deterministic policy decision.
	start = time.Now()
	decision := policy.Decide(in, identity, s.Policy, "")
	s.Metrics.ObserveStage("decision", time.Since(start))
	s.Metrics.IncOutcome(decision.Outcome, decision.ReasonCode)

	if decision.Outcome != models.OutcomeAllowWithAuth {
		s.auditStage(ctx, requestID, identity, audit.StageDecision, decision.Outcome, decision.ReasonCode, decision)
		s.respond(ctx, w, requestID, identity, decision, nil, synth.Synthesize(decision, nil))
		return
	}

	// Pin one schema snapshot for the rest of the request. Validation and
	// execution both see this exact version even if the catalog moves on.
	snap, err := s.Snapshots.Pin(ctx, s.DefaultSourceID)
	if err != nil {
		s.auditStage(ctx, requestID, identity, audit.StageDecision, decision.Outcome, reasonSnapshotUnavailable, decision)
		s.failQuery(ctx, w, requestID, identity, decision, reasonSnapshotUnavailable)
		return
	}
	decision.SchemaVersion = snap.Version
	s.auditStage(ctx, requestID, identity, audit.StageDecision, decision.Outcome, decision.ReasonCode, decision)

	// Stage 3: untrusted plan generation.
	start = time.Now()
	plan, err := s.Planner.Generate(ctx, req.QueryText, in, decision.ResourceClasses)
	s.Metrics.ObserveStage("generation", time.Since(start))
	if err != nil {
		if !errors.Is(err, planner.ErrUnavailable) {
			log.Printf("plan generation failed request=%s: %v", requestID, err)
		}
		s.auditStage(ctx, requestID, identity, audit.StageValidation, "ERROR", reasonPlanGeneration, map[string]any{
			"error": err.Error(),
		})
		s.failQuery(ctx, w, requestID, identity, decision, reasonPlanGeneration)
		return
	}
	if plan.SourceID == "" {
		plan.SourceID = snap.SourceID
	}

	// Stage 4: validation against the pinned snapshot.
	start = time.Now()
	vp, err := planval.Validate(plan, snap, decision, identity)
	s.Metrics.ObserveStage("validation", time.Since(start))
	if err != nil {
		reason := reasonPlanRejected
		var ve *planval.ValidationError
		if errors.As(err, &ve) {
			reason = ve.Kind
		}
		s.auditStage(ctx, requestID, identity, audit.StageValidation, "REJECTED", reason, map[string]any{
			"resource": plan.Resource,
			"columns":  plan.Columns,
			"filters":  plan.Filters,
			"error":    err.Error(),
		})
		s.failQuery(ctx, w, requestID, identity, decision, reason)
		return
	}
	s.auditStage(ctx, requestID, identity, audit.StageValidation, "OK", "", map[string]any{
		"resource":       plan.Resource,
		"columns":        plan.Columns,
		"filters":        plan.Filters,
		"source_id":      vp.SourceID(),
		"schema_version": vp.SchemaVersion(),
	})

	// Stage 5: capability-restricted execution. One retry for transient
	// backend failures; translation failures and timeouts are not retried.
	start = time.Now()
	result, err := s.Gateway.Execute(ctx, vp, identity, snap)
	if execgate.IsTransient(err) && ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
		select {
		case <-ctx.Done():
		case <-time.After(s.ExecRetryDelay):
			result, err = s.Gateway.Execute(ctx, vp, identity, snap)
		}
	}
	s.Metrics.ObserveStage("execution", time.Since(start))
	if err != nil {
		log.Printf("execution failed request=%s: %v", requestID, err)
		s.auditStage(ctx, requestID, identity, audit.StageExecution, "ERROR", reasonExecutionFailed, map[string]any{
			"source_id": vp.SourceID(),
			"error":     err.Error(),
		})
		s.failQuery(ctx, w, requestID, identity, decision, reasonExecutionFailed)
		return
	}
	s.Metrics.AddRowsReturned(result.RowCount)
	s.Metrics.AddMaskedColumns(len(result.MaskedColumns))
	if result.Truncated {
		s.Metrics.IncTruncated()
	}
	s.auditStage(ctx, requestID, identity, audit.StageExecution, "OK", "", map[string]any{
		"source_id":      result.SourceID,
		"schema_version": result.SchemaVersion,
		"row_count":      result.RowCount,
		"truncated":      result.Truncated,
		"masked_columns": result.MaskedColumns,
	})

	s.respond(ctx, w, requestID, identity, decision, &result, synth.Synthesize(decision, &result))
}

// failQuery ends an ALLOW_WITH_AUTH pipeline that could not produce data.
// The user sees a generic failure; the audit trail carries the real reason.
func (s *Server) failQuery(ctx context.Context, w http.ResponseWriter, requestID string, identity models.Identity, decision models.PolicyDecision, reason string) {
	auditID := s.auditStage(ctx, requestID, identity, audit.StageResponse, decision.Outcome, reason, map[string]any{
		"response_chars": len(synth.GenericFailureText),
	})
	httpx.WriteJSON(w, 200, models.GatewayResponse{
		RequestID:    requestID,
		Outcome:      decision.Outcome,
		ReasonCode:   reason,
		ResponseText: synth.GenericFailureText,
		AuditID:      auditID,
	})
}

func (s *Server) respond(ctx context.Context, w http.ResponseWriter, requestID string, identity models.Identity, decision models.PolicyDecision, result *models.ExecutionResult, text string) {
	auditID := s.auditStage(ctx, requestID, identity, audit.StageResponse, decision.Outcome, decision.ReasonCode, map[string]any{
		"response_chars": len(text),
	})
	resp := models.GatewayResponse{
		RequestID:    requestID,
		Outcome:      decision.Outcome,
		ReasonCode:   decision.ReasonCode,
		ResponseText: text,
		AuditID:      auditID,
	}
	if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			resp.Result = raw
		}
	}
	httpx.WriteJSON(w, 200, resp)
}

// auditStage appends one record and publishes the stage on the event hub.
// Audit failures are logged, never surfaced; the pipeline is not allowed to
// leak storage errors to callers.
func (s *Server) auditStage(ctx context.Context, requestID string, identity models.Identity, stage, outcome, reason string, payload any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	auditID, err := s.Audit.Append(ctx, audit.Record{
		RequestID:   requestID,
		Stage:       stage,
		Tenant:      identity.Tenant,
		SubjectHash: s.Audit.SubjectHash(identity.Subject),
		Outcome:     outcome,
		ReasonCode:  reason,
		Payload:     raw,
	})
	if err != nil {
		log.Printf("audit append failed request=%s stage=%s: %v", requestID, stage, err)
	}
	s.Events.Publish(stream.StageEvent(requestID, stage, map[string]any{
		"outcome":     outcome,
		"reason_code": reason,
	}))
	return auditID
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	requestID := strings.TrimSpace(chi.URLParam(r, "request_id"))
	if requestID == "" {
		httpx.Error(w, 400, "request_id is required")
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	records, err := s.Audit.List(r.Context(), requestID, principal.Tenant)
	if err != nil {
		httpx.Error(w, 500, "audit lookup failed")
		return
	}
	if len(records) == 0 {
		httpx.Error(w, 404, "unknown request")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": requestID,
		"records":    records,
	})
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpx.Error(w, 400, "invalid limit")
			return
		}
		limit = n
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	decisions, err := s.Audit.ListDecisions(r.Context(), principal.Tenant, limit)
	if err != nil {
		httpx.Error(w, 500, "decision lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"decisions": decisions})
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, s.Policy)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
