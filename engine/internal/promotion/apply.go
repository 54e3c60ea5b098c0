package promotion

import (
	"errors"
	"fmt"
	"time"

	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/models"
)

// Apply intents.
const (
	IntentExpand   = "expand"
	IntentResume   = "resume"
	IntentRollback = "rollback"
)

// Orchestrator modes.
const (
	ModeDryRun   = "dry_run"
	ModeApply    = "apply"
	ModeRollback = "rollback"
)

// ErrDecisionMismatch is returned when apply is requested against a hold
// decision; the CLI maps it to exit code 7.
var ErrDecisionMismatch = errors.New("promotion decision does not permit apply")

// ErrGovernanceIncomplete rejects a mutation missing any of the required
// governance fields.
var ErrGovernanceIncomplete = errors.New("registry mutation requires --by, --approval-ref, --rationale and --review-by")

// ApplyRequest is one registry mutation request.
type ApplyRequest struct {
	Intent         string
	ExpandStep     int
	By             string
	ApprovalRef    string
	Rationale      string
	ReviewBy       time.Time
	IdempotencyKey string
	TraceID        string
}

// ApplyResult reports what a mutation did.
type ApplyResult struct {
	Intent        string `json:"intent"`
	CanaryPercent int    `json:"canaryPercent"`
	ManualPause   bool   `json:"manualPause"`
	Replayed      bool   `json:"replayed"`
	TraceID       string `json:"traceId"`
}

// applyState is the persisted promotion-apply-state.json idempotency map.
type applyState struct {
	SchemaVersion string                 `json:"schemaVersion"`
	Applied       map[string]ApplyResult `json:"applied"`
}

// Apply mutates the policy registry's rollout/governance blocks. Replays of
// a seen idempotency key return the stored result with Replayed=true and
// append no telemetry.
func Apply(r *repo.Repo, req ApplyRequest, now time.Time) (ApplyResult, error) {
	if req.By == "" || req.ApprovalRef == "" || req.Rationale == "" || req.ReviewBy.IsZero() {
		return ApplyResult{}, ErrGovernanceIncomplete
	}

	st := applyState{SchemaVersion: models.SchemaVersion, Applied: map[string]ApplyResult{}}
	if err := repo.ReadJSON(r.PromotionApplyStateFile(), &st); err != nil && !errors.Is(err, repo.ErrAbsent) {
		return ApplyResult{}, err
	}
	if st.Applied == nil {
		st.Applied = map[string]ApplyResult{}
	}
	if req.IdempotencyKey != "" {
		if prior, ok := st.Applied[req.IdempotencyKey]; ok {
			prior.Replayed = true
			return prior, nil
		}
	}

	var reg models.FleetRegistry
	if err := repo.ReadJSON(r.FleetRegistryFile(), &reg); err != nil {
		return ApplyResult{}, fmt.Errorf("load fleet registry: %w", err)
	}
	auto := reg.PolicyConfig.Autonomous
	if auto == nil {
		return ApplyResult{}, errors.New("registry has no autonomous policy block to mutate")
	}
	if auto.Rollout == nil {
		auto.Rollout = &models.Rollout{}
	}

	switch req.Intent {
	case IntentExpand:
		step := req.ExpandStep
		if step <= 0 {
			step = 10
		}
		auto.Rollout.CanaryPercent += step
		if auto.Rollout.CanaryPercent > 100 {
			auto.Rollout.CanaryPercent = 100
		}
		auto.Rollout.Pause.Manual = false
	case IntentResume:
		auto.Rollout.Pause.Manual = false
	case IntentRollback:
		auto.Rollout.Pause.Manual = true
	default:
		return ApplyResult{}, fmt.Errorf("unknown apply intent %q", req.Intent)
	}

	auto.Governance = models.Governance{
		Actor:            req.By,
		ApprovalRef:      req.ApprovalRef,
		Rationale:        req.Rationale,
		ChangedAt:        now.UTC(),
		ReviewBy:         req.ReviewBy,
		AuthorityContext: auto.Governance.AuthorityContext,
	}

	if err := repo.WriteJSON(r.FleetRegistryFile(), reg); err != nil {
		return ApplyResult{}, err
	}

	result := ApplyResult{
		Intent:        req.Intent,
		CanaryPercent: auto.Rollout.CanaryPercent,
		ManualPause:   auto.Rollout.Pause.Manual,
		TraceID:       req.TraceID,
	}
	if req.IdempotencyKey != "" {
		st.Applied[req.IdempotencyKey] = result
		if err := repo.WriteJSON(r.PromotionApplyStateFile(), st); err != nil {
			return ApplyResult{}, err
		}
	}
	if err := repo.AppendJSONL(r.PromotionApplyTelemetryFile(), map[string]any{
		"schemaVersion":  models.SchemaVersion,
		"timestamp":      now.UTC().Format(time.RFC3339),
		"intent":         req.Intent,
		"canaryPercent":  result.CanaryPercent,
		"manualPause":    result.ManualPause,
		"by":             req.By,
		"approvalRef":    req.ApprovalRef,
		"idempotencyKey": req.IdempotencyKey,
		"traceId":        req.TraceID,
	}); err != nil {
		return ApplyResult{}, err
	}
	return result, nil
}

// Orchestrate runs gates then, depending on mode, the apply step. apply
// refuses on hold; rollback always proceeds; dry_run never mutates.
func Orchestrate(r *repo.Repo, reg models.FleetRegistry, cfg GatesConfig, mode string, req ApplyRequest, now time.Time) (PromotionState, *ApplyResult, error) {
	state, err := EvaluateGates(r, reg, cfg, req.TraceID, now)
	if err != nil {
		return PromotionState{}, nil, err
	}
	switch mode {
	case ModeDryRun:
		return state, nil, nil
	case ModeApply:
		if state.Decision != DecisionPromote {
			return state, nil, fmt.Errorf("%w: decision is %s", ErrDecisionMismatch, state.Decision)
		}
		result, err := Apply(r, req, now)
		if err != nil {
			return state, nil, err
		}
		return state, &result, nil
	case ModeRollback:
		req.Intent = IntentRollback
		result, err := Apply(r, req, now)
		if err != nil {
			return state, nil, err
		}
		return state, &result, nil
	default:
		return PromotionState{}, nil, fmt.Errorf("unknown orchestrator mode %q", mode)
	}
}
