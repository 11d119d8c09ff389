// Package orchestrator runs the decision pipeline a /verify request
// passes through: anti-replay, hard invariants, the send_sms rate
// limit, the external policy engine, audit append, and the best-effort
// replay-cache write — in that fixed order.
package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/casf/verifier/internal/canon"
	"github.com/casf/verifier/internal/metrics"
	"github.com/casf/verifier/internal/policyclient"
	"github.com/casf/verifier/internal/ratelimit"
	"github.com/casf/verifier/internal/replay"
	"github.com/casf/verifier/internal/rules"
	"github.com/casf/verifier/models"
	"go.uber.org/zap"
)

// AuditWriter appends a draft audit event to the tamper-evident chain
// and returns it with Ts/PrevHash/Hash filled in.
type AuditWriter interface {
	Append(ctx context.Context, draft *models.AuditEvent) (*models.AuditEvent, error)
}

// Config bounds the orchestrator's behavior with the gateway's runtime
// settings.
type Config struct {
	AntiReplayEnabled bool
	AntiReplayTTL     time.Duration
	SmsRateLimit      int
	SmsRateWindow     time.Duration
}

// Orchestrator wires the pipeline's collaborators and runs Decide for
// each inbound request.
type Orchestrator struct {
	replayGate   *replay.Gate
	limiter      *ratelimit.Limiter
	policyClient *policyclient.Client
	auditWriter  AuditWriter
	metrics      *metrics.Registry
	logger       *zap.Logger
	cfg          Config
}

// New constructs an Orchestrator from its collaborators.
func New(
	replayGate *replay.Gate,
	limiter *ratelimit.Limiter,
	policyClient *policyclient.Client,
	auditWriter AuditWriter,
	reg *metrics.Registry,
	logger *zap.Logger,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		replayGate:   replayGate,
		limiter:      limiter,
		policyClient: policyClient,
		auditWriter:  auditWriter,
		metrics:      reg,
		logger:       logger,
		cfg:          cfg,
	}
}

// fingerprintBody excludes request_id: the fingerprint identifies the
// request's content, not its claim key.
type fingerprintBody struct {
	Tool    models.Tool            `json:"tool"`
	Mode    models.Mode            `json:"mode"`
	Role    models.Role            `json:"role"`
	Subject models.Subject         `json:"subject"`
	Args    map[string]interface{} `json:"args"`
	Context models.RequestContext  `json:"context"`
}

// Decide runs req through the full pipeline and returns the terminal
// decision. It returns a non-nil error only for conditions the pipeline
// itself cannot classify into a violation tag.
func (o *Orchestrator) Decide(ctx context.Context, req *models.VerifyRequest) (*models.VerifyResponse, error) {
	o.metrics.Inc("casf_verify_total", nil, 1)

	start := time.Now()
	o.metrics.GaugeAdd("casf_verify_in_flight", nil, 1)
	defer func() {
		o.metrics.GaugeAdd("casf_verify_in_flight", nil, -1)
		o.metrics.Observe("casf_verify_duration_seconds", nil, time.Since(start).Seconds())
	}()

	fingerprint, err := canon.Fingerprint(fingerprintBody{
		Tool:    req.Tool,
		Mode:    req.Mode,
		Role:    req.Role,
		Subject: req.Subject,
		Args:    req.Args,
		Context: req.Context,
	})
	if err != nil {
		return nil, err
	}

	requestID := req.RequestID.String()

	// Stage 1: ReplayCheck.
	if o.cfg.AntiReplayEnabled {
		outcome, cachedDecision, err := o.replayGate.Claim(ctx, requestID, fingerprint)
		if err != nil {
			return nil, err
		}
		switch outcome {
		case replay.Mismatch:
			o.metrics.Inc("casf_replay_mismatch_total", nil, 1)
			resp := o.terminal(models.DecisionDeny, []string{"Inv_ReplayPayloadMismatch"})
			o.auditAndReturn(ctx, req, resp, fingerprint, false, "REPLAY_DETECTED")
			return resp, nil
		case replay.InFlight:
			o.metrics.Inc("casf_replay_concurrent_total", nil, 1)
			resp := o.terminal(models.DecisionDeny, []string{"Inv_ReplayConcurrent"})
			o.auditAndReturn(ctx, req, resp, fingerprint, false, "")
			return resp, nil
		case replay.Replayed:
			if resp, ok := decodeCachedResponse(cachedDecision); ok {
				o.metrics.Inc("casf_replay_hit_total", nil, 1)
				return resp, nil
			}
			// Fall through and recompute if the cache held an
			// unreadable payload.
		case replay.Unavailable:
			if req.Tool.IsWrite() {
				o.metrics.Inc("casf_fail_closed_total", metrics.Labels{"trigger": "replay_unavailable"}, 1)
				resp := o.terminal(models.DecisionDeny, []string{"FAIL_CLOSED", "Inv_ReplayCheckUnavailable"})
				o.auditAndReturn(ctx, req, resp, fingerprint, false, "")
				return resp, nil
			}
			// Read tools: bypass the gate, fail-open.
		case replay.FirstSeen:
			// Continue the pipeline; Commit runs after Assemble.
		}
	}

	// Stage 2: hard invariants.
	invariantDecision := rules.Evaluate(req)
	if !invariantDecision.Allowed {
		resp := o.terminal(models.DecisionDeny, invariantDecision.Violations)
		o.auditAndReturn(ctx, req, resp, fingerprint, true, "")
		return resp, nil
	}
	if len(invariantDecision.Outputs) > 0 {
		resp := &models.VerifyResponse{
			Decision:       models.DecisionAllow,
			Violations:     []string{},
			Reason:         invariantDecision.Reason,
			AllowedOutputs: invariantDecision.Outputs,
		}
		o.auditAndReturn(ctx, req, resp, fingerprint, true, "")
		return resp, nil
	}

	// Stage 3: send_sms rate limit.
	if req.Tool == models.ToolSendSMS {
		key := "casf:ratelimit:sms:" + req.Subject.PatientID
		window := o.cfg.SmsRateWindow
		if window <= 0 {
			window = time.Hour
		}
		limit := o.cfg.SmsRateLimit
		if limit <= 0 {
			limit = 1
		}
		outcome := o.limiter.CheckAndConsume(ctx, key, window, limit)
		if violations, _, ok := rules.SmsRateLimitViolation(outcome); !ok {
			o.metrics.Inc("casf_rate_limit_deny_total", nil, 1)
			if outcome == ratelimit.Unavailable {
				o.metrics.Inc("casf_fail_closed_total", metrics.Labels{"trigger": "rate_limit_unavailable"}, 1)
			}
			resp := o.terminal(models.DecisionDeny, violations)
			o.auditAndReturn(ctx, req, resp, fingerprint, true, "")
			return resp, nil
		}
	}

	// Stage 4: external policy engine.
	var policyViolations []string
	policyResult := o.policyClient.Evaluate(ctx, req)
	if policyResult.Failure != policyclient.FailureNone {
		o.metrics.Inc("casf_opa_error_total", metrics.Labels{"kind": string(policyResult.Failure)}, 1)
		if req.Tool.IsWrite() {
			tag := "OPA_Unavailable"
			if policyResult.Failure == policyclient.FailureTimeout {
				tag = "OPA_Timeout"
			}
			o.metrics.Inc("casf_fail_closed_total", metrics.Labels{"trigger": strings.ToLower(tag)}, 1)
			resp := o.terminal(models.DecisionDeny, []string{"FAIL_CLOSED", tag})
			o.auditAndReturn(ctx, req, resp, fingerprint, true, "")
			return resp, nil
		}
		// Read tools fail open on policy-engine failure: proceed on the
		// rules layer's verdict alone.
	} else if !policyResult.Allow {
		policyViolations = policyResult.Violations
	}

	// Stage 5: assemble.
	var resp *models.VerifyResponse
	if len(policyViolations) > 0 {
		resp = o.terminal(models.DecisionDeny, policyViolations)
	} else {
		resp = &models.VerifyResponse{
			Decision:       models.DecisionAllow,
			Violations:     []string{},
			Reason:         "OK",
			AllowedOutputs: outputsFor(req.Tool),
		}
	}

	o.auditAndReturn(ctx, req, resp, fingerprint, true, "")
	return resp, nil
}

// terminal builds a DENY response from an accumulated violation set,
// using the stable lexicographic join as reason. Mode_KillSwitch
// subsumes other mode-derived violations in spirit but all are still
// reported.
func (o *Orchestrator) terminal(decision models.Decision, violations []string) *models.VerifyResponse {
	sorted := append([]string(nil), violations...)
	sort.Strings(sorted)
	return &models.VerifyResponse{
		Decision:       decision,
		Violations:     sorted,
		Reason:         strings.Join(sorted, "|"),
		AllowedOutputs: []string{},
	}
}

func outputsFor(tool models.Tool) []string {
	if info, ok := models.ToolRegistry[tool]; ok {
		return info.Outputs
	}
	return []string{}
}

// auditAndReturn appends the audit event for resp, retrying once on
// failure before downgrading resp to a fail-closed DENY, then best-
// effort commits the replay claim. actionOverride, if non-empty, tags
// the audit row's Action with something other than the tool identifier
// (e.g. "REPLAY_DETECTED").
func (o *Orchestrator) auditAndReturn(ctx context.Context, req *models.VerifyRequest, resp *models.VerifyResponse, fingerprint string, commitReplay bool, actionOverride string) {
	o.metrics.Inc("casf_verify_decision_total", metrics.Labels{"decision": string(resp.Decision)}, 1)

	payload := map[string]interface{}{
		"request":  req,
		"response": resp,
	}
	action := actionOverride
	if action == "" {
		action = string(req.Tool)
	}
	draft := models.NewAuditDraftWithAction(req.RequestID, req.Role, req.Tool, action, resp.Decision, payload)

	if _, err := o.auditWriter.Append(ctx, draft); err != nil {
		o.logger.Warn("audit append failed, retrying once", zap.Error(err))
		if _, err2 := o.auditWriter.Append(ctx, draft); err2 != nil {
			o.logger.Error("audit append failed after retry", zap.Error(err2))
			o.metrics.Inc("casf_fail_closed_total", metrics.Labels{"trigger": "audit_unavailable"}, 1)
			resp.Decision = models.DecisionDeny
			if !containsString(resp.Violations, "FAIL_CLOSED") {
				resp.Violations = append(resp.Violations, "FAIL_CLOSED", "Audit_Unavailable")
				sort.Strings(resp.Violations)
			}
			resp.Reason = resp.Reason + " | audit_append_failed"
		}
	}

	if o.cfg.AntiReplayEnabled && commitReplay {
		cached, err := canon.JSON(resp)
		if err != nil {
			return
		}
		if err := o.replayGate.Commit(ctx, req.RequestID.String(), fingerprint, cached); err != nil {
			o.logger.Warn("replay cache commit failed", zap.Error(err))
		}
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func decodeCachedResponse(raw string) (*models.VerifyResponse, bool) {
	if raw == "" {
		return nil, false
	}
	var resp models.VerifyResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, false
	}
	return &resp, true
}
