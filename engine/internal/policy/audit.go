package policy

import (
	"encoding/json"
	"time"

	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/models"
)

// Governance audit event types, appended to telemetry/policy-governance.jsonl.
const (
	AuditPolicyInitialized = "autonomous_policy_initialized"
	AuditPolicyMutated     = "autonomous_policy_mutated"
	AuditModeToggled       = "autonomous_mode_toggled"
)

// auditEvent is one immutable line of the governance audit log.
type auditEvent struct {
	SchemaVersion      string             `json:"schemaVersion"`
	EventType          string             `json:"eventType"`
	Timestamp          string             `json:"timestamp"`
	TraceID            string             `json:"traceId"`
	Mode               models.PolicyMode  `json:"mode"`
	PreviousMode       models.PolicyMode  `json:"previousMode,omitempty"`
	Governance         *models.Governance `json:"governance,omitempty"`
	Controls           *controls          `json:"controls,omitempty"`
	PreviousGovernance *models.Governance `json:"previousGovernance,omitempty"`
	PreviousControls   *controls          `json:"previousControls,omitempty"`
}

// controls is the non-governance half of the autonomous block, normalized
// for comparison.
type controls struct {
	Allow      models.Allow              `json:"allow"`
	Thresholds models.AutonomyThresholds `json:"thresholds"`
	Safety     models.Safety             `json:"safety"`
	Rollout    *models.Rollout           `json:"rollout,omitempty"`
}

// normalizeSnapshot canonicalizes the autonomous block (mode is compared
// separately, so a bare mode toggle emits only the toggle event).
func normalizeSnapshot(reg models.FleetRegistry) (string, error) {
	doc := map[string]any{}
	if auto := reg.PolicyConfig.Autonomous; auto != nil {
		doc["governance"] = auto.Governance
		doc["controls"] = controls{
			Allow:      auto.Allow,
			Thresholds: auto.Thresholds,
			Safety:     auto.Safety,
			Rollout:    auto.Rollout,
		}
	}
	canon, err := repo.CanonicalJSON(doc)
	if err != nil {
		return "", err
	}
	return string(canon), nil
}

// audit appends governance events for this pass: initialization on the first
// pass, one mutation event when the normalized autonomous block changed, one
// toggle event when the mode changed. Identical consecutive passes append
// nothing.
func audit(r *repo.Repo, prior State, state *State, reg models.FleetRegistry, traceID string, now time.Time) error {
	snapshot, err := normalizeSnapshot(reg)
	if err != nil {
		return err
	}
	state.GovernanceSnapshot = snapshot
	state.PreviousMode = prior.Mode

	var gov *models.Governance
	var ctl *controls
	if auto := reg.PolicyConfig.Autonomous; auto != nil {
		g := auto.Governance
		gov = &g
		ctl = &controls{Allow: auto.Allow, Thresholds: auto.Thresholds, Safety: auto.Safety, Rollout: auto.Rollout}
	}

	appendEvent := func(eventType string, previousMode models.PolicyMode) error {
		return repo.AppendJSONL(r.PolicyGovernanceFile(), auditEvent{
			SchemaVersion: models.SchemaVersion,
			EventType:     eventType,
			Timestamp:     now.Format(time.RFC3339),
			TraceID:       traceID,
			Mode:          reg.PolicyConfig.Mode,
			PreviousMode:  previousMode,
			Governance:    gov,
			Controls:      ctl,
		})
	}

	if prior.GovernanceSnapshot == "" {
		return appendEvent(AuditPolicyInitialized, "")
	}
	if prior.Mode != "" && prior.Mode != reg.PolicyConfig.Mode {
		if err := appendEvent(AuditModeToggled, prior.Mode); err != nil {
			return err
		}
	}
	if prior.GovernanceSnapshot != snapshot {
		// The mutation event carries the previous block for diffing.
		ev := auditEvent{
			SchemaVersion: models.SchemaVersion,
			EventType:     AuditPolicyMutated,
			Timestamp:     now.Format(time.RFC3339),
			TraceID:       traceID,
			Mode:          reg.PolicyConfig.Mode,
			Governance:    gov,
			Controls:      ctl,
		}
		if prior.Mode != reg.PolicyConfig.Mode {
			ev.PreviousMode = prior.Mode
		}
		var prev struct {
			Governance *models.Governance `json:"governance"`
			Controls   *controls          `json:"controls"`
		}
		if err := json.Unmarshal([]byte(prior.GovernanceSnapshot), &prev); err == nil {
			ev.PreviousGovernance = prev.Governance
			ev.PreviousControls = prev.Controls
		}
		return repo.AppendJSONL(r.PolicyGovernanceFile(), ev)
	}
	return nil
}
