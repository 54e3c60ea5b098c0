// Package policy turns fleet reconcile results into ordered, suppressed,
// cooldown-deduped and autonomy-gated candidates, with an immutable
// governance audit trail.
package policy

import (
	"errors"
	"sort"
	"time"

	"github.com/opsmgr/control-plane/engine/internal/fleet"
	"github.com/opsmgr/control-plane/engine/internal/reconciler"
	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/models"
)

// Fleet-level policy reason codes (closed set, persisted in
// policy-state.json reasonCodes).
const (
	ReasonActionRequired            = "fleet_action_required"
	ReasonActionsSuppressed         = "fleet_actions_suppressed"
	ReasonActionsDeduped            = "fleet_actions_deduped"
	ReasonAutoEligible              = "fleet_auto_candidates_eligible"
	ReasonAutoSafetyBlocked         = "fleet_auto_candidates_safety_blocked"
	ReasonAutoRolloutGated          = "fleet_auto_candidates_rollout_gated"
	ReasonAutoPaused                = "fleet_auto_candidates_paused"
	ReasonAutoAutopauseTriggered    = "fleet_auto_candidates_autopause_triggered"
	ReasonAutoKillSwitchEnabled     = "fleet_auto_kill_switch_enabled"
	ReasonHandoffRetryGuarded       = "fleet_handoff_retry_guarded"
)

// Per-candidate autonomy disqualification reasons.
const (
	GateCategoryNotAllowlisted = "category_not_allowlisted"
	GateIntentNotAllowlisted   = "intent_not_allowlisted"
	GateSeverityBelow          = "severity_below_threshold"
	GateConfidenceBelow        = "confidence_below_threshold"
	GateKillSwitch             = "autonomous_kill_switch_enabled"
	GateMaxPerLoop             = "autonomous_max_actions_per_loop_exceeded"
	GateMaxPerRun              = "autonomous_max_actions_per_run_exceeded"
	GateCooldown               = "autonomous_cooldown_active"
	GateRolloutScope           = "autonomous_rollout_scope_excluded"
	GateRolloutCanary          = "autonomous_rollout_canary_excluded"
	GateRolloutPausedManual    = "autonomous_rollout_paused_manual"
	GateRolloutPausedAuto      = "autonomous_rollout_paused_auto"
	GateAutopauseFailure       = "autonomous_autopause_failure_spike"
	GateAutopauseAmbiguous     = "autonomous_autopause_ambiguous_spike"
	GateRetryGuard             = "autonomous_retry_guard_ambiguous"
)

// SuppressionReasonCooldown is stamped on cooldown-suppressed candidates.
const SuppressionReasonCooldown = "advisory_cooldown_active"

// DefaultIntent is the recommended intent when candidate generation has no
// stronger signal.
const DefaultIntent = "cancel"

// State is the persisted policy-state.json document.
type State struct {
	SchemaVersion string                   `json:"schemaVersion"`
	FleetID       string                   `json:"fleetId"`
	Mode          models.PolicyMode        `json:"mode"`
	Candidates    []models.PolicyCandidate `json:"candidates"`
	Counts        Counts                   `json:"counts"`
	Summary       Summary                  `json:"summary"`
	ReasonCodes   []string                 `json:"reasonCodes"`
	TraceID       string                   `json:"traceId"`
	UpdatedAt     time.Time                `json:"updatedAt"`

	// GovernanceSnapshot is the normalized autonomous block of this pass,
	// compared against on the next pass to detect mutations.
	GovernanceSnapshot string `json:"governanceSnapshot,omitempty"`
	PreviousMode       models.PolicyMode `json:"previousMode,omitempty"`
}

// Counts aggregates the candidate list.
type Counts struct {
	CandidateCount   int `json:"candidateCount"`
	UnsuppressedCount int `json:"unsuppressedCount"`
	SuppressedCount  int `json:"suppressedCount"`
	AutoEligibleCount int `json:"autoEligibleCount"`
	ManualOnlyCount  int `json:"manualOnlyCount"`
}

// Summary breaks manual-only candidates down by disqualifying reason.
type Summary struct {
	ByAutonomyReason map[string]int `json:"byAutonomyReason"`
}

// Options configures one policy pass.
type Options struct {
	TraceID string
	Now     func() time.Time
}

// Run executes the policy pipeline over the latest fleet state and persists
// policy-state.json. The registry must already be validated.
func Run(r *repo.Repo, reg models.FleetRegistry, fleetState fleet.State, opts Options) (State, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	now := opts.Now().UTC()

	var prior State
	if err := repo.ReadJSON(r.PolicyStateFile(), &prior); err != nil && !errors.Is(err, repo.ErrAbsent) {
		return State{}, err
	}

	candidates := generate(fleetState.Results)
	suppress(candidates, reg.PolicyConfig.Suppressions)

	history, err := loadHistory(r)
	if err != nil {
		return State{}, err
	}
	applyCooldown(candidates, history, reg.PolicyConfig.NoiseControls.DedupeWindowSeconds, now)

	handoffRows, err := loadHandoffTelemetry(r)
	if err != nil {
		return State{}, err
	}

	var gateCodes []string
	if reg.PolicyConfig.Mode == models.ModeGuardedAuto && reg.PolicyConfig.Autonomous != nil {
		gateCodes = gateAutonomy(candidates, *reg.PolicyConfig.Autonomous, history, handoffRows, now)
	} else {
		for i := range candidates {
			candidates[i].Autonomous = models.AutonomousClassification{ManualOnly: true, Reasons: []string{}}
		}
	}

	state := assemble(reg, candidates, gateCodes, opts.TraceID, now)

	if err := audit(r, prior, &state, reg, opts.TraceID, now); err != nil {
		return State{}, err
	}

	if err := appendHistory(r, state.Candidates, opts.TraceID, now); err != nil {
		return State{}, err
	}
	if err := repo.WriteJSON(r.PolicyStateFile(), state); err != nil {
		return State{}, err
	}
	return state, nil
}

// generate maps per-loop results onto the fixed category set, ordered
// lexicographically by candidateId.
func generate(results []reconciler.Result) []models.PolicyCandidate {
	var out []models.PolicyCandidate
	for _, res := range results {
		for _, c := range candidatesForResult(res) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CandidateID < out[j].CandidateID })
	return out
}

func candidatesForResult(res reconciler.Result) []models.PolicyCandidate {
	type seed struct {
		category  string
		severity  models.Severity
		rationale string
	}
	var seeds []seed
	if res.Status == "failed" {
		seeds = append(seeds, seed{models.CategoryReconcileFailed, models.SeverityCritical,
			"loop reconcile failed: " + res.ReasonCode})
	}
	switch res.HealthStatus {
	case models.HealthCritical:
		seeds = append(seeds, seed{models.CategoryHealthCritical, models.SeverityCritical,
			"loop health is critical"})
	case models.HealthDegraded:
		seeds = append(seeds, seed{models.CategoryHealthDegraded, models.SeverityWarning,
			"loop health is degraded"})
	}
	for _, code := range res.HealthReasonCodes {
		switch code {
		case models.ReasonDivergenceDetected:
			seeds = append(seeds, seed{models.CategoryDivergenceDetected, models.SeverityWarning,
				"projector detected divergence between loop artifacts"})
		case models.ReasonOrderingDriftDetected:
			seeds = append(seeds, seed{models.CategoryOrderingDriftDetected, models.SeverityWarning,
				"sequence monotonicity violated"})
		case models.ReasonControlAmbiguous:
			seeds = append(seeds, seed{models.CategoryControlAmbiguous, models.SeverityWarning,
				"last control outcome was ambiguous"})
		}
	}

	out := make([]models.PolicyCandidate, 0, len(seeds))
	for _, s := range seeds {
		confidence := models.ConfidenceMedium
		if s.severity == models.SeverityCritical {
			confidence = models.ConfidenceHigh
		}
		out = append(out, models.PolicyCandidate{
			CandidateID:       res.LoopID + ":" + s.category,
			LoopID:            res.LoopID,
			Category:          s.category,
			Severity:          s.severity,
			Confidence:        confidence,
			Rationale:         s.rationale,
			RecommendedIntent: DefaultIntent,
			Autonomous:        models.AutonomousClassification{Reasons: []string{}},
		})
	}
	return out
}

// suppress applies registry suppressions; loop scope strictly dominates the
// global "*" scope.
func suppress(candidates []models.PolicyCandidate, suppressions map[string][]string) {
	contains := func(scope, category string) bool {
		for _, c := range suppressions[scope] {
			if c == category {
				return true
			}
		}
		return false
	}
	for i := range candidates {
		c := &candidates[i]
		switch {
		case contains(c.LoopID, c.Category):
			scope := models.ScopeLoop
			c.Suppressed = true
			c.SuppressionScope = &scope
			c.SuppressionReason = "suppressed by loop-scoped registry entry"
		case contains("*", c.Category):
			scope := models.ScopeGlobal
			c.Suppressed = true
			c.SuppressionScope = &scope
			c.SuppressionReason = "suppressed by global registry entry"
		}
	}
}

// applyCooldown suppresses candidates that fired within the dedupe window.
func applyCooldown(candidates []models.PolicyCandidate, history []historyRow, windowSeconds int64, now time.Time) {
	if windowSeconds <= 0 {
		return
	}
	cutoff := now.Add(-time.Duration(windowSeconds) * time.Second)
	for i := range candidates {
		c := &candidates[i]
		if c.Suppressed {
			continue
		}
		if lastFired, ok := latestFiring(history, c.CandidateID); ok && lastFired.After(cutoff) {
			scope := models.ScopeCooldown
			c.Suppressed = true
			c.SuppressionScope = &scope
			c.SuppressionReason = SuppressionReasonCooldown
		}
	}
}

// assemble computes counts, summary and the fleet reason-code rollup.
func assemble(reg models.FleetRegistry, candidates []models.PolicyCandidate, gateCodes []string, traceID string, now time.Time) State {
	counts := Counts{CandidateCount: len(candidates)}
	byReason := map[string]int{}
	deduped := false
	for _, c := range candidates {
		if c.Suppressed {
			counts.SuppressedCount++
			if c.SuppressionScope != nil && *c.SuppressionScope == models.ScopeCooldown {
				deduped = true
			}
			continue
		}
		counts.UnsuppressedCount++
		if c.Autonomous.Eligible {
			counts.AutoEligibleCount++
		} else {
			counts.ManualOnlyCount++
			for _, reason := range c.Autonomous.Reasons {
				byReason[reason]++
			}
		}
	}

	codeSet := map[string]bool{}
	if counts.UnsuppressedCount > 0 {
		codeSet[ReasonActionRequired] = true
	}
	if counts.SuppressedCount > 0 {
		codeSet[ReasonActionsSuppressed] = true
	}
	if deduped {
		codeSet[ReasonActionsDeduped] = true
	}
	if counts.AutoEligibleCount > 0 {
		codeSet[ReasonAutoEligible] = true
	}
	for _, code := range gateCodes {
		codeSet[code] = true
	}
	codes := make([]string, 0, len(codeSet))
	for code := range codeSet {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	return State{
		SchemaVersion: models.SchemaVersion,
		FleetID:       reg.FleetID,
		Mode:          reg.PolicyConfig.Mode,
		Candidates:    candidates,
		Counts:        counts,
		Summary:       Summary{ByAutonomyReason: byReason},
		ReasonCodes:   codes,
		TraceID:       traceID,
		UpdatedAt:     now,
	}
}
