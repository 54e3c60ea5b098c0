// Package promotion decides whether autonomy may expand, resume or roll
// back, and applies the resulting registry mutations under governance.
package promotion

import (
	"errors"
	"fmt"
	"time"

	"github.com/opsmgr/control-plane/engine/internal/policy"
	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/models"
)

// Decisions.
const (
	DecisionPromote = "promote"
	DecisionHold    = "hold"
)

// Gate group names.
const (
	GateGovernance         = "governance"
	GateOutcomeReliability = "outcome_reliability"
	GateSafetySuppression  = "safety_suppression"
	GateDrillRecency       = "drill_recency"
)

// Required operational drills.
var RequiredDrills = []string{"kill_switch", "sprite_service_outage", "ambiguous_retry_guard"}

// GatesConfig tunes the promotion gate evaluation.
type GatesConfig struct {
	LookbackExecutions      int     `yaml:"lookback_executions" json:"lookbackExecutions"`
	MinSampleSize           int     `yaml:"min_sample_size" json:"minSampleSize"`
	MaxAmbiguityRate        float64 `yaml:"max_ambiguity_rate" json:"maxAmbiguityRate"`
	MaxFailureRate          float64 `yaml:"max_failure_rate" json:"maxFailureRate"`
	MaxDrillAgeHours        int     `yaml:"max_drill_age_hours" json:"maxDrillAgeHours"`
	RequireAuthorityContext bool    `yaml:"require_authority_context" json:"requireAuthorityContext"`
}

// ApplyDefaults fills zero fields with the balanced defaults.
func (c *GatesConfig) ApplyDefaults() {
	if c.LookbackExecutions <= 0 {
		c.LookbackExecutions = 50
	}
	if c.MinSampleSize <= 0 {
		c.MinSampleSize = 10
	}
	if c.MaxAmbiguityRate <= 0 {
		c.MaxAmbiguityRate = 0.05
	}
	if c.MaxFailureRate <= 0 {
		c.MaxFailureRate = 0.10
	}
	if c.MaxDrillAgeHours <= 0 {
		c.MaxDrillAgeHours = 24 * 14
	}
}

// GateResult is one gate group's verdict.
type GateResult struct {
	Group   string   `json:"group"`
	Status  string   `json:"status"` // pass | fail
	Reasons []string `json:"reasons,omitempty"`
}

// PromotionState is the persisted promotion-state.json document.
type PromotionState struct {
	SchemaVersion string       `json:"schemaVersion"`
	Decision      string       `json:"decision"`
	Gates         []GateResult `json:"gates"`
	EvaluatedAt   time.Time    `json:"evaluatedAt"`
	TraceID       string       `json:"traceId"`
}

// drillState is the drill tracker artifact (written by operational drill
// tooling, read here).
type drillState struct {
	Drills []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		CompletedAt string `json:"completedAt"`
	} `json:"drills"`
}

// handoffSample is the reduced handoff telemetry view the reliability gate
// consumes.
type handoffSample struct {
	Mode   string `json:"mode"`
	Reason string `json:"reason"`
}

// EvaluateGates runs the four gate groups and persists promotion-state.json.
func EvaluateGates(r *repo.Repo, reg models.FleetRegistry, cfg GatesConfig, traceID string, now time.Time) (PromotionState, error) {
	cfg.ApplyDefaults()

	var policyState policy.State
	if err := repo.ReadJSON(r.PolicyStateFile(), &policyState); err != nil && !errors.Is(err, repo.ErrAbsent) {
		return PromotionState{}, err
	}

	samples, err := loadSamples(r, cfg.LookbackExecutions)
	if err != nil {
		return PromotionState{}, err
	}

	gates := []GateResult{
		governanceGate(reg, cfg, now),
		reliabilityGate(samples, cfg),
		suppressionGate(policyState),
		drillGate(r, cfg, now),
	}

	decision := DecisionPromote
	for _, g := range gates {
		if g.Status != "pass" {
			decision = DecisionHold
		}
	}

	state := PromotionState{
		SchemaVersion: models.SchemaVersion,
		Decision:      decision,
		Gates:         gates,
		EvaluatedAt:   now.UTC(),
		TraceID:       traceID,
	}
	if err := repo.WriteJSON(r.PromotionStateFile(), state); err != nil {
		return PromotionState{}, err
	}
	return state, nil
}

func governanceGate(reg models.FleetRegistry, cfg GatesConfig, now time.Time) GateResult {
	g := GateResult{Group: GateGovernance, Status: "pass"}
	auto := reg.PolicyConfig.Autonomous
	if auto == nil {
		return fail(g, "no autonomous policy configured")
	}
	if auto.Safety.KillSwitch {
		g = fail(g, "kill switch engaged: posture blocks autonomy")
	}
	if cfg.RequireAuthorityContext && auto.Governance.AuthorityContext == "" {
		g = fail(g, "authority context required but absent")
	}
	if !auto.Governance.ReviewBy.After(now) {
		g = fail(g, fmt.Sprintf("governance review expired at %s", auto.Governance.ReviewBy.Format(time.RFC3339)))
	}
	return g
}

func reliabilityGate(samples []handoffSample, cfg GatesConfig) GateResult {
	g := GateResult{Group: GateOutcomeReliability, Status: "pass"}
	attempted := len(samples)
	if attempted < cfg.MinSampleSize {
		return fail(g, fmt.Sprintf("autonomous sample %d below minimum %d", attempted, cfg.MinSampleSize))
	}
	var failed, ambiguous int
	for _, s := range samples {
		switch s.Reason {
		case models.ControlFailedCommand:
			failed++
		case models.ControlAmbiguous:
			ambiguous++
		}
	}
	if rate := float64(ambiguous) / float64(attempted); rate > cfg.MaxAmbiguityRate {
		g = fail(g, fmt.Sprintf("ambiguity rate %.3f exceeds %.3f", rate, cfg.MaxAmbiguityRate))
	}
	if rate := float64(failed) / float64(attempted); rate > cfg.MaxFailureRate {
		g = fail(g, fmt.Sprintf("failure rate %.3f exceeds %.3f", rate, cfg.MaxFailureRate))
	}
	return g
}

// suppressionGate demands evidence that every gating path has actually
// blocked something, and that autopause is not currently active.
func suppressionGate(policyState policy.State) GateResult {
	g := GateResult{Group: GateSafetySuppression, Status: "pass"}
	byReason := policyState.Summary.ByAutonomyReason

	for _, code := range policyState.ReasonCodes {
		if code == policy.ReasonAutoAutopauseTriggered {
			g = fail(g, "autopause is active")
		}
	}

	paths := map[string][]string{
		"policyGated": {policy.GateCategoryNotAllowlisted, policy.GateIntentNotAllowlisted,
			policy.GateSeverityBelow, policy.GateConfidenceBelow},
		"rolloutGated": {policy.GateRolloutScope, policy.GateRolloutCanary,
			policy.GateRolloutPausedManual, policy.GateRolloutPausedAuto},
		"governanceGated": {policy.GateKillSwitch, policy.GateCooldown,
			policy.GateMaxPerLoop, policy.GateMaxPerRun},
		"transportGated": {policy.GateRetryGuard},
	}
	for _, name := range []string{"policyGated", "rolloutGated", "governanceGated", "transportGated"} {
		var blocked int
		for _, reason := range paths[name] {
			blocked += byReason[reason]
		}
		if blocked == 0 {
			g = fail(g, fmt.Sprintf("suppression path %s has no observed blocks", name))
		}
	}
	return g
}

func drillGate(r *repo.Repo, cfg GatesConfig, now time.Time) GateResult {
	g := GateResult{Group: GateDrillRecency, Status: "pass"}
	var ds drillState
	if err := repo.ReadJSON(r.DrillStateFile(), &ds); err != nil {
		return fail(g, "drill state unavailable: "+err.Error())
	}
	maxAge := time.Duration(cfg.MaxDrillAgeHours) * time.Hour
	byID := map[string]struct {
		status      string
		completedAt time.Time
	}{}
	for _, d := range ds.Drills {
		t, _ := time.Parse(time.RFC3339, d.CompletedAt)
		byID[d.ID] = struct {
			status      string
			completedAt time.Time
		}{d.Status, t}
	}
	for _, id := range RequiredDrills {
		d, ok := byID[id]
		switch {
		case !ok:
			g = fail(g, fmt.Sprintf("drill %s never run", id))
		case d.status != "pass":
			g = fail(g, fmt.Sprintf("drill %s status %s", id, d.status))
		case now.Sub(d.completedAt) > maxAge:
			g = fail(g, fmt.Sprintf("drill %s stale: completed %s", id, d.completedAt.Format(time.RFC3339)))
		}
	}
	return g
}

func loadSamples(r *repo.Repo, lookback int) ([]handoffSample, error) {
	var all []handoffSample
	err := repo.ReadJSONLFrom(r.HandoffTelemetryFile(), 0, func() any { return &handoffSample{} },
		func(_ int64, v any) error {
			s := *v.(*handoffSample)
			if s.Mode == "autonomous" {
				all = append(all, s)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	if lookback > 0 && len(all) > lookback {
		all = all[len(all)-lookback:]
	}
	return all, nil
}

func fail(g GateResult, reason string) GateResult {
	g.Status = "fail"
	g.Reasons = append(g.Reasons, reason)
	return g
}
