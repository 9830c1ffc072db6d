// Package orchestrator threads a request through anti-replay, the hard
// invariants, the rate limiter, the external policy engine, and the audit
// writer, assembling the single terminal decision returned to the caller.
// Dependencies are injected through explicit setters after construction,
// the same wiring style the teacher lineage's decision-signing component
// uses, so tests can substitute any subset of collaborators.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/casf-io/verigate/pkg/antireplay"
	"github.com/casf-io/verigate/pkg/audit"
	"github.com/casf-io/verigate/pkg/metrics"
	"github.com/casf-io/verigate/pkg/policy"
	"github.com/casf-io/verigate/pkg/ratelimit"
	"github.com/casf-io/verigate/pkg/rules"
)

// Violation tags owned by the orchestrator itself (as opposed to the rules
// or policy packages), per the documented taxonomy.
const (
	TagFailClosed               = "FAIL_CLOSED"
	TagInvReplayPayloadMismatch = "Inv_ReplayPayloadMismatch"
	TagInvReplayConcurrent      = "Inv_ReplayConcurrent"
	TagInvReplayCheckUnavail    = "Inv_ReplayCheckUnavailable"
	TagInvNoSmsBurst            = "Inv_NoSmsBurst"
	TagAuditUnavailable         = "Audit_Unavailable"
)

const smsBurstTool = "send_sms"

// Orchestrator wires every collaborator for one gateway process.
type Orchestrator struct {
	registry     *rules.Registry
	gate         *antireplay.Gate
	limiter      *ratelimit.Limiter
	policyClient *policy.Client
	writer       audit.Writer
	metrics      *metrics.Registry
	logger       *slog.Logger
}

// New constructs an Orchestrator. Any collaborator may be nil and wired
// later via the Set* methods; a nil gate is treated as disabled, a nil
// metrics registry simply skips instrumentation.
func New(registry *rules.Registry) *Orchestrator {
	return &Orchestrator{registry: registry, logger: slog.Default()}
}

func (o *Orchestrator) SetGate(g *antireplay.Gate)              { o.gate = g }
func (o *Orchestrator) SetLimiter(l *ratelimit.Limiter)          { o.limiter = l }
func (o *Orchestrator) SetPolicyClient(c *policy.Client)         { o.policyClient = c }
func (o *Orchestrator) SetWriter(w audit.Writer)                 { o.writer = w }
func (o *Orchestrator) SetMetrics(m *metrics.Registry)           { o.metrics = m }
func (o *Orchestrator) SetLogger(l *slog.Logger)                 { o.logger = l }

// Process runs the full decision pipeline for req.
func (o *Orchestrator) Process(ctx context.Context, req VerifyRequest) VerifyResponse {
	start := time.Now()
	if o.metrics != nil {
		o.metrics.VerifyInFlight.Inc()
		defer o.metrics.VerifyInFlight.Dec()
		defer func() {
			o.metrics.VerifyDuration.Observe(time.Since(start).Seconds())
			o.metrics.VerifyTotal.Inc()
		}()
	}

	isWrite := o.registry.IsWriteTool(req.Tool)

	// --- Stage 1: ReplayCheck ---
	var (
		fingerprint   string
		gateClaimed   bool
		gateBypassed  bool
	)
	if o.gate != nil && o.gate.Enabled() {
		fp, err := antireplay.Fingerprint(requestFingerprintBody(req))
		if err == nil {
			fingerprint = fp
			claim, _ := o.gate.Claim(ctx, req.RequestID, fingerprint)
			switch claim.State {
			case antireplay.Hit:
				if o.metrics != nil {
					o.metrics.ReplayHitTotal.Inc()
				}
				return decodeCachedResponse(claim.CachedDecision)
			case antireplay.Mismatch:
				if o.metrics != nil {
					o.metrics.ReplayMismatchTotal.Inc()
				}
				resp := o.finish(ctx, req, []string{TagInvReplayPayloadMismatch}, true, isWrite, false, "")
				return resp
			case antireplay.Concurrent:
				if o.metrics != nil {
					o.metrics.ReplayConcurrent.Inc()
				}
				return o.finish(ctx, req, []string{TagInvReplayConcurrent}, false, isWrite, false, "")
			case antireplay.Unavailable:
				if isWrite {
					if o.metrics != nil {
						o.metrics.FailClosedTotal.WithLabelValues(metrics.TriggerRedis).Inc()
					}
					return o.finish(ctx, req, []string{TagFailClosed, TagInvReplayCheckUnavail}, false, isWrite, false, "")
				}
				gateBypassed = true
			case antireplay.Fresh:
				gateClaimed = true
			}
		} else {
			o.logger.Error("anti-replay fingerprint failed", "request_id", logSafeRequestID(req.RequestID), "error", err)
			if isWrite {
				if o.metrics != nil {
					o.metrics.FailClosedTotal.WithLabelValues(metrics.TriggerRedis).Inc()
				}
				return o.finish(ctx, req, []string{TagFailClosed, TagInvReplayCheckUnavail}, false, isWrite, false, "")
			}
			gateBypassed = true
		}
	}

	if gateBypassed {
		o.logger.Debug("anti-replay gate bypassed for read path", "request_id", logSafeRequestID(req.RequestID))
	}

	// --- Stage 2: Invariants ---
	violations := rules.Evaluate(o.registry, rules.Input{
		TenantID: req.Context.TenantID,
		PatientID: req.Subject.PatientID,
		Tool:      req.Tool,
		Mode:      rules.Mode(req.Mode),
		RawMode:   req.Mode,
		Role:      req.Role,
	}, rules.RateLimitNotApplicable)

	if len(violations) > 0 {
		return o.finish(ctx, req, violations, false, isWrite, gateClaimed, fingerprintOrEmpty(gateClaimed, fingerprint))
	}

	// --- Stage 3: RateLimit (only send_sms) ---
	if req.Tool == smsBurstTool && o.limiter != nil {
		outcome, _ := o.limiter.CheckAndConsume(ctx, ratelimit.SmsBurstKey(req.Subject.PatientID), ratelimit.SmsBurstWindowSeconds, ratelimit.SmsBurstLimit)
		switch outcome {
		case ratelimit.Unavailable:
			if o.metrics != nil {
				o.metrics.FailClosedTotal.WithLabelValues(metrics.TriggerRedis).Inc()
			}
			violations = append(violations, TagFailClosed, TagInvNoSmsBurst)
			return o.finish(ctx, req, violations, false, isWrite, gateClaimed, fingerprintOrEmpty(gateClaimed, fingerprint))
		case ratelimit.Exceeded:
			if o.metrics != nil {
				o.metrics.RateLimitDenyTotal.Inc()
			}
			violations = append(violations, TagInvNoSmsBurst)
			return o.finish(ctx, req, violations, false, isWrite, gateClaimed, fingerprintOrEmpty(gateClaimed, fingerprint))
		}
	}

	// --- Stage 4: Policy ---
	if o.policyClient != nil {
		resp := o.policyClient.Evaluate(ctx, policy.Request{
			RequestID: req.RequestID,
			Tool:      req.Tool,
			Mode:      req.Mode,
			Role:      req.Role,
			TenantID:  req.Context.TenantID,
			PatientID: req.Subject.PatientID,
			Args:      req.Args,
		})
		if resp.Failure != policy.FailureNone {
			if o.metrics != nil {
				o.metrics.OPAErrorTotal.WithLabelValues(failureKindLabel(resp.Failure)).Inc()
			}
			if isWrite {
				if o.metrics != nil {
					o.metrics.FailClosedTotal.WithLabelValues(metrics.TriggerOPA).Inc()
				}
				violations = append(violations, TagFailClosed, resp.Failure.ViolationTag())
			}
			// read tools: bypass, rely on rules layer alone (fail-open read path)
		} else {
			violations = append(violations, resp.Violations...)
		}
	}

	// --- Stage 5/6/7: Assemble, Audit, ReplayCacheWrite ---
	return o.finish(ctx, req, violations, false, isWrite, gateClaimed, fingerprintOrEmpty(gateClaimed, fingerprint))
}

// encodeCachedResponse serializes the full terminal response into the
// opaque string stored by the anti-replay cache write, so a replay hit
// reproduces violations/reason/allowed_outputs byte-for-byte (P1) rather
// than only the bare decision.
func encodeCachedResponse(resp VerifyResponse) string {
	raw, err := json.Marshal(resp)
	if err != nil {
		return string(resp.Decision)
	}
	return string(raw)
}

// decodeCachedResponse reverses encodeCachedResponse. A value that does
// not parse as JSON is treated as a bare decision string.
func decodeCachedResponse(cached string) VerifyResponse {
	var resp VerifyResponse
	if err := json.Unmarshal([]byte(cached), &resp); err == nil && resp.Decision != "" {
		return resp
	}
	return VerifyResponse{Decision: Decision(cached)}
}

func fingerprintOrEmpty(have bool, fp string) string {
	if have {
		return fp
	}
	return ""
}

// finish assembles the terminal decision, appends the audit event, and
// attempts the anti-replay cache write. replayDetected, when true, tags the
// audit payload with REPLAY_DETECTED.
func (o *Orchestrator) finish(ctx context.Context, req VerifyRequest, violations []string, replayDetected bool, isWrite bool, gateClaimed bool, fingerprint string) VerifyResponse {
	decision := DecisionAllow
	if len(violations) > 0 {
		decision = DecisionDeny
	}

	var allowedOutputs []string
	if decision == DecisionAllow {
		allowedOutputs = o.registry.AllowedOutputs(req.Tool)
	}

	reason := stableReason(violations)
	resp := VerifyResponse{
		Decision:       decision,
		Violations:     dedupe(violations),
		Reason:         reason,
		AllowedOutputs: allowedOutputs,
	}

	if o.metrics != nil {
		o.metrics.VerifyDecisionTotal.WithLabelValues(string(decision)).Inc()
	}

	resp = o.appendAudit(ctx, req, resp, replayDetected)

	if (gateClaimed || fingerprint != "") && o.gate != nil {
		if err := o.gate.CacheWrite(ctx, req.RequestID, fingerprint, encodeCachedResponse(resp)); err != nil {
			o.logger.Error("anti-replay cache write failed", "request_id", logSafeRequestID(req.RequestID), "error", err)
		}
	}

	return resp
}

func (o *Orchestrator) appendAudit(ctx context.Context, req VerifyRequest, resp VerifyResponse, replayDetected bool) VerifyResponse {
	if o.writer == nil {
		return resp
	}

	payload := map[string]interface{}{
		"request": map[string]interface{}{
			"tool":      req.Tool,
			"mode":      req.Mode,
			"role":      req.Role,
			"tenant_id": req.Context.TenantID,
			"patient_id": req.Subject.PatientID,
			"args":      req.Args,
		},
		"response": map[string]interface{}{
			"decision":        resp.Decision,
			"violations":      resp.Violations,
			"allowed_outputs": resp.AllowedOutputs,
		},
	}
	if replayDetected {
		payload["tag"] = "REPLAY_DETECTED"
	}

	draft := audit.Draft{
		EventID:   uuid.NewString(),
		RequestID: req.RequestID,
		Actor:     "role:" + req.Role,
		Action:    req.Tool,
		Decision:  string(resp.Decision),
		Payload:   payload,
	}

	_, err := o.writer.Append(ctx, draft)
	if err == nil {
		return resp
	}

	o.logger.Error("audit append failed, retrying once", "request_id", logSafeRequestID(req.RequestID), "error", err)
	if o.metrics != nil {
		o.metrics.FailClosedTotal.WithLabelValues(metrics.TriggerPostgres).Inc()
	}

	resp.Decision = DecisionDeny
	resp.Violations = dedupe(append(resp.Violations, TagFailClosed, TagAuditUnavailable))
	resp.Reason = stableReason(resp.Violations)
	resp.AllowedOutputs = nil
	draft.Decision = string(resp.Decision)
	payload["response"] = map[string]interface{}{
		"decision":        resp.Decision,
		"violations":      resp.Violations,
		"allowed_outputs": resp.AllowedOutputs,
	}

	_, retryErr := o.writer.Append(ctx, draft)
	if retryErr == nil {
		return resp
	}

	o.logger.Error("audit append retry failed", "request_id", logSafeRequestID(req.RequestID), "error", retryErr)
	resp.Reason += " | audit_append_failed"
	return resp
}

// requestFingerprintBody renders the fields that matter for replay
// detection into a generic map; request_id is deliberately absent since
// Fingerprint also strips it defensively.
func requestFingerprintBody(req VerifyRequest) map[string]interface{} {
	return map[string]interface{}{
		"tool":       req.Tool,
		"mode":       req.Mode,
		"role":       req.Role,
		"subject":    map[string]interface{}{"patient_id": req.Subject.PatientID},
		"args":       req.Args,
		"context":    map[string]interface{}{"tenant_id": req.Context.TenantID},
	}
}

// stableReason concatenates violation tags in stable lexicographic order,
// per the documented tie-break rule.
func stableReason(violations []string) string {
	if len(violations) == 0 {
		return ""
	}
	sorted := dedupe(violations)
	return strings.Join(sorted, " | ")
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func failureKindLabel(k policy.FailureKind) string {
	switch k {
	case policy.FailureTimeout:
		return metrics.KindTimeout
	case policy.FailureUnavailable:
		return metrics.KindUnavailable
	case policy.FailureBadStatus:
		return metrics.KindBadStatus
	case policy.FailureBadResponse:
		return metrics.KindBadResponse
	default:
		return metrics.KindUnavailable
	}
}

// logSafeRequestID exists to make explicit, at the call site, that
// request_id is the one caller-supplied identifier this package logs
// directly (it is never used as a metrics label, where it is forbidden
// like patient/tenant/role values).
func logSafeRequestID(id string) string { return id }
