package policy

import (
	"hash/fnv"
	"time"

	"github.com/opsmgr/control-plane/engine/models"
)

var severityRank = map[models.Severity]int{
	models.SeverityWarning:  1,
	models.SeverityCritical: 2,
}

var confidenceRank = map[models.Confidence]int{
	models.ConfidenceLow:    1,
	models.ConfidenceMedium: 2,
	models.ConfidenceHigh:   3,
}

// CohortBucket is the deterministic canary bucket for a loop: FNV-1a 64-bit
// over "<loopId>|<salt>", reduced mod 100. FNV keeps the bucketing stable
// across runs and platforms without pulling in a hashing dependency.
func CohortBucket(loopID, salt string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(loopID + "|" + salt))
	return int(h.Sum64() % 100)
}

// autopauseState is the rolling-window evaluation shared by every candidate
// in one pass.
type autopauseState struct {
	active         bool
	failureSpike   bool
	ambiguousSpike bool
}

func evaluateAutopause(cfg *models.AutoPause, rows []handoffRow) autopauseState {
	if cfg == nil || !cfg.Enabled {
		return autopauseState{}
	}
	var window []handoffRow
	for _, row := range rows {
		if row.Mode == "autonomous" {
			window = append(window, row)
		}
	}
	if cfg.LookbackExecutions > 0 && len(window) > cfg.LookbackExecutions {
		window = window[len(window)-cfg.LookbackExecutions:]
	}
	attempted := len(window)
	if attempted < cfg.MinSampleSize || attempted == 0 {
		return autopauseState{}
	}
	var failed, ambiguous int
	for _, row := range window {
		switch row.Reason {
		case models.ControlFailedCommand:
			failed++
		case models.ControlAmbiguous:
			ambiguous++
		}
	}
	st := autopauseState{
		failureSpike:   float64(failed)/float64(attempted) >= cfg.FailureRateThreshold,
		ambiguousSpike: float64(ambiguous)/float64(attempted) >= cfg.AmbiguityRateThreshold,
	}
	st.active = st.failureSpike || st.ambiguousSpike
	return st
}

// gateAutonomy classifies every unsuppressed candidate for guarded_auto
// eligibility, evaluating allowlists, thresholds, kill switch, safety caps,
// cooldown, rollout gating and the retry guard in that order. All applicable
// disqualifiers are collected; eligibility requires an empty reason list.
// The returned codes are the fleet-level rollup reason codes the gating
// produced.
func gateAutonomy(candidates []models.PolicyCandidate, auto models.AutonomousPolicy, history []historyRow, handoffRows []handoffRow, now time.Time) []string {
	codes := map[string]bool{}
	autopause := evaluateAutopause(autopauseConfig(auto.Rollout), handoffRows)

	perLoop := map[string]int{}
	perRun := 0

	for i := range candidates {
		c := &candidates[i]
		if c.Suppressed {
			c.Autonomous = models.AutonomousClassification{ManualOnly: true, Reasons: []string{}}
			continue
		}

		var head, tail []string

		// (a) allowlists
		if !containsString(auto.Allow.Categories, c.Category) {
			head = append(head, GateCategoryNotAllowlisted)
		}
		if !containsString(auto.Allow.Intents, c.RecommendedIntent) {
			head = append(head, GateIntentNotAllowlisted)
		}

		// (b) thresholds
		if min := models.Severity(auto.Thresholds.MinSeverity); min != "" && severityRank[c.Severity] < severityRank[min] {
			head = append(head, GateSeverityBelow)
		}
		if min := models.Confidence(auto.Thresholds.MinConfidence); min != "" && confidenceRank[c.Confidence] < confidenceRank[min] {
			head = append(head, GateConfidenceBelow)
		}

		// (c) kill switch
		if auto.Safety.KillSwitch {
			head = append(head, GateKillSwitch)
			codes[ReasonAutoKillSwitchEnabled] = true
		}

		// (e) autonomous cooldown against candidate history
		if auto.Safety.CooldownSeconds > 0 {
			cutoff := now.Add(-time.Duration(auto.Safety.CooldownSeconds) * time.Second)
			if lastFired, ok := latestFiring(history, c.CandidateID); ok && lastFired.After(cutoff) {
				tail = append(tail, GateCooldown)
			}
		}

		// (f) rollout
		var decision *models.RolloutDecision
		if rollout := auto.Rollout; rollout != nil {
			decision = &models.RolloutDecision{}
			if len(rollout.Scope.LoopIDs) > 0 && !containsString(rollout.Scope.LoopIDs, c.LoopID) {
				tail = append(tail, GateRolloutScope)
				codes[ReasonAutoRolloutGated] = true
			} else {
				decision.Bucket = CohortBucket(c.LoopID, rollout.Selector.Salt)
				decision.InCohort = decision.Bucket < rollout.CanaryPercent
				if !decision.InCohort {
					tail = append(tail, GateRolloutCanary)
					codes[ReasonAutoRolloutGated] = true
				}
			}
			if rollout.Pause.Manual {
				decision.PausedManual = true
				tail = append(tail, GateRolloutPausedManual)
				codes[ReasonAutoPaused] = true
			}
			if autopause.active {
				decision.PausedAuto = true
				if autopause.failureSpike {
					tail = append(tail, GateAutopauseFailure)
				}
				if autopause.ambiguousSpike {
					tail = append(tail, GateAutopauseAmbiguous)
				}
				tail = append(tail, GateRolloutPausedAuto)
				codes[ReasonAutoPaused] = true
				codes[ReasonAutoAutopauseTriggered] = true
			}
		}

		// Retry guard: an unresolved ambiguous autonomous outcome for this
		// (loopId, category, intent) forces a manual operator touch.
		if retryGuarded(handoffRows, c.LoopID, c.Category, c.RecommendedIntent) {
			tail = append(tail, GateRetryGuard)
			codes[ReasonHandoffRetryGuarded] = true
		}

		// (d) safety caps, counted over already-eligible candidates in
		// stable iteration order; only a candidate clean on every other
		// check consumes cap budget.
		reasons := append(head, tail...)
		if len(reasons) == 0 {
			capped := false
			if auto.Safety.MaxActionsPerLoop > 0 && perLoop[c.LoopID] >= auto.Safety.MaxActionsPerLoop {
				reasons = append(reasons, GateMaxPerLoop)
				capped = true
			}
			if auto.Safety.MaxActionsPerRun > 0 && perRun >= auto.Safety.MaxActionsPerRun {
				reasons = append(reasons, GateMaxPerRun)
				capped = true
			}
			if !capped {
				perLoop[c.LoopID]++
				perRun++
			}
		}

		if len(reasons) > 0 && containsAnySafety(reasons) {
			codes[ReasonAutoSafetyBlocked] = true
		}

		c.Autonomous = models.AutonomousClassification{
			Eligible:   len(reasons) == 0,
			ManualOnly: len(reasons) > 0,
			Reasons:    reasons,
			Rollout:    decision,
		}
	}

	out := make([]string, 0, len(codes))
	for code := range codes {
		out = append(out, code)
	}
	return out
}

func autopauseConfig(rollout *models.Rollout) *models.AutoPause {
	if rollout == nil {
		return nil
	}
	return rollout.Pause.Auto
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsAnySafety(reasons []string) bool {
	for _, r := range reasons {
		switch r {
		case GateKillSwitch, GateMaxPerLoop, GateMaxPerRun, GateCooldown:
			return true
		}
	}
	return false
}

// retryGuarded reports whether the most recent handoff outcome for the key
// ended execution_ambiguous with no manual operator execution after it.
func retryGuarded(rows []handoffRow, loopID, category, intent string) bool {
	guarded := false
	for _, row := range rows {
		if row.LoopID != loopID || row.Category != category || row.Intent != intent {
			continue
		}
		switch {
		case row.Reason == models.ControlAmbiguous:
			guarded = true
		case row.Mode == "manual":
			// any explicit operator touch counts as intervention
			guarded = false
		}
	}
	return guarded
}
