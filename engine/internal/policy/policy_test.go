package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsmgr/control-plane/engine/internal/fleet"
	"github.com/opsmgr/control-plane/engine/internal/reconciler"
	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/models"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func advisoryRegistry() models.FleetRegistry {
	return models.FleetRegistry{
		SchemaVersion: models.SchemaVersion,
		FleetID:       "fleet-1",
		Loops: []models.LoopRegistration{
			{LoopID: "loop-a", Transport: models.TransportLocal, Enabled: true},
			{LoopID: "loop-b", Transport: models.TransportLocal, Enabled: true},
		},
		PolicyConfig: models.Policy{
			Mode:          models.ModeAdvisory,
			Suppressions:  map[string][]string{},
			NoiseControls: models.NoiseControls{},
		},
	}
}

func guardedRegistry() models.FleetRegistry {
	reg := advisoryRegistry()
	reg.PolicyConfig.Mode = models.ModeGuardedAuto
	reg.PolicyConfig.Autonomous = &models.AutonomousPolicy{
		Governance: models.Governance{
			Actor:       "ops",
			ApprovalRef: "CHG-1",
			Rationale:   "bounded autonomy",
			ChangedAt:   testNow.Add(-time.Hour),
			ReviewBy:    testNow.Add(30 * 24 * time.Hour),
		},
		Allow: models.Allow{
			Categories: []string{models.CategoryReconcileFailed, models.CategoryHealthCritical},
			Intents:    []string{"cancel"},
		},
		Thresholds: models.AutonomyThresholds{MinSeverity: "warning", MinConfidence: "medium"},
		Safety:     models.Safety{MaxActionsPerRun: 10, MaxActionsPerLoop: 5},
	}
	return reg
}

func failedResult(loopID string) reconciler.Result {
	return reconciler.Result{LoopID: loopID, Status: "failed", ReasonCode: models.ReasonTransportUnreachable}
}

func degradedResult(loopID string) reconciler.Result {
	return reconciler.Result{
		LoopID:            loopID,
		Status:            "success",
		HealthStatus:      models.HealthDegraded,
		HealthReasonCodes: []string{models.ReasonIngestStale},
	}
}

func fleetState(results ...reconciler.Result) fleet.State {
	return fleet.State{FleetID: "fleet-1", Results: results}
}

func runPolicy(t *testing.T, r *repo.Repo, reg models.FleetRegistry, fs fleet.State) State {
	t.Helper()
	st, err := Run(r, reg, fs, Options{TraceID: "trace-1", Now: func() time.Time { return testNow }})
	require.NoError(t, err)
	return st
}

func TestCandidateGenerationAndOrdering(t *testing.T) {
	r := repo.New(t.TempDir())
	st := runPolicy(t, r, advisoryRegistry(), fleetState(degradedResult("loop-b"), failedResult("loop-a")))

	require.Len(t, st.Candidates, 2)
	require.Equal(t, "loop-a:reconcile_failed", st.Candidates[0].CandidateID)
	require.Equal(t, "loop-b:health_degraded", st.Candidates[1].CandidateID)
}

func TestCandidateSeverityDerivation(t *testing.T) {
	r := repo.New(t.TempDir())
	st := runPolicy(t, r, advisoryRegistry(), fleetState(failedResult("loop-a"), degradedResult("loop-b")))
	for _, c := range st.Candidates {
		switch c.Category {
		case models.CategoryReconcileFailed:
			require.Equal(t, models.SeverityCritical, c.Severity)
		case models.CategoryHealthDegraded:
			require.Equal(t, models.SeverityWarning, c.Severity)
		}
	}
	require.Contains(t, st.ReasonCodes, ReasonActionRequired)
}

func TestLoopSuppressionDominatesGlobal(t *testing.T) {
	r := repo.New(t.TempDir())
	reg := advisoryRegistry()
	reg.PolicyConfig.Suppressions = map[string][]string{
		"*":      {models.CategoryHealthDegraded},
		"loop-b": {models.CategoryHealthDegraded},
	}
	st := runPolicy(t, r, reg, fleetState(degradedResult("loop-b")))

	c := st.Candidates[0]
	require.True(t, c.Suppressed)
	require.NotNil(t, c.SuppressionScope)
	require.Equal(t, models.ScopeLoop, *c.SuppressionScope)
	require.Contains(t, st.ReasonCodes, ReasonActionsSuppressed)
}

func TestGlobalSuppressionApplies(t *testing.T) {
	r := repo.New(t.TempDir())
	reg := advisoryRegistry()
	reg.PolicyConfig.Suppressions = map[string][]string{"*": {models.CategoryHealthDegraded}}
	st := runPolicy(t, r, reg, fleetState(degradedResult("loop-b")))

	c := st.Candidates[0]
	require.True(t, c.Suppressed)
	require.Equal(t, models.ScopeGlobal, *c.SuppressionScope)
}

func TestCooldownDedupe(t *testing.T) {
	r := repo.New(t.TempDir())
	reg := advisoryRegistry()
	reg.PolicyConfig.NoiseControls.DedupeWindowSeconds = 3600

	first := runPolicy(t, r, reg, fleetState(failedResult("loop-a")))
	require.False(t, first.Candidates[0].Suppressed)

	second := runPolicy(t, r, reg, fleetState(failedResult("loop-a")))
	c := second.Candidates[0]
	require.True(t, c.Suppressed)
	require.Equal(t, models.ScopeCooldown, *c.SuppressionScope)
	require.Equal(t, SuppressionReasonCooldown, c.SuppressionReason)
	require.Contains(t, second.ReasonCodes, ReasonActionsDeduped)
}

func TestGuardedAutoEligibility(t *testing.T) {
	r := repo.New(t.TempDir())
	st := runPolicy(t, r, guardedRegistry(), fleetState(failedResult("loop-a")))

	c := st.Candidates[0]
	require.True(t, c.Autonomous.Eligible)
	require.False(t, c.Autonomous.ManualOnly)
	require.Empty(t, c.Autonomous.Reasons)
	require.Equal(t, 1, st.Counts.AutoEligibleCount)
	require.Contains(t, st.ReasonCodes, ReasonAutoEligible)
}

func TestEligibleIffReasonsEmpty(t *testing.T) {
	r := repo.New(t.TempDir())
	reg := guardedRegistry()
	reg.PolicyConfig.Autonomous.Allow.Categories = []string{models.CategoryHealthCritical}
	st := runPolicy(t, r, reg, fleetState(failedResult("loop-a"), degradedResult("loop-b")))

	for _, c := range st.Candidates {
		if c.Suppressed {
			continue
		}
		require.Equal(t, len(c.Autonomous.Reasons) == 0, c.Autonomous.Eligible, c.CandidateID)
		require.Equal(t, !c.Autonomous.Eligible, c.Autonomous.ManualOnly, c.CandidateID)
	}
}

func TestAllowlistGates(t *testing.T) {
	r := repo.New(t.TempDir())
	reg := guardedRegistry()
	reg.PolicyConfig.Autonomous.Allow.Categories = []string{models.CategoryHealthCritical}
	reg.PolicyConfig.Autonomous.Allow.Intents = []string{"pause"}
	st := runPolicy(t, r, reg, fleetState(failedResult("loop-a")))

	c := st.Candidates[0]
	require.True(t, c.Autonomous.ManualOnly)
	require.Contains(t, c.Autonomous.Reasons, GateCategoryNotAllowlisted)
	require.Contains(t, c.Autonomous.Reasons, GateIntentNotAllowlisted)
}

func TestSeverityThresholdGate(t *testing.T) {
	r := repo.New(t.TempDir())
	reg := guardedRegistry()
	reg.PolicyConfig.Autonomous.Allow.Categories = append(reg.PolicyConfig.Autonomous.Allow.Categories, models.CategoryHealthDegraded)
	reg.PolicyConfig.Autonomous.Thresholds.MinSeverity = "critical"
	st := runPolicy(t, r, reg, fleetState(degradedResult("loop-b")))

	c := st.Candidates[0]
	require.Contains(t, c.Autonomous.Reasons, GateSeverityBelow)
}

func TestKillSwitchGatesEverything(t *testing.T) {
	r := repo.New(t.TempDir())
	reg := guardedRegistry()
	reg.PolicyConfig.Autonomous.Safety.KillSwitch = true
	st := runPolicy(t, r, reg, fleetState(failedResult("loop-a")))

	require.Contains(t, st.Candidates[0].Autonomous.Reasons, GateKillSwitch)
	require.Contains(t, st.ReasonCodes, ReasonAutoKillSwitchEnabled)
	require.Contains(t, st.ReasonCodes, ReasonAutoSafetyBlocked)
}

func TestMaxActionsPerRunCap(t *testing.T) {
	r := repo.New(t.TempDir())
	reg := guardedRegistry()
	reg.PolicyConfig.Autonomous.Safety.MaxActionsPerRun = 1
	st := runPolicy(t, r, reg, fleetState(failedResult("loop-a"), failedResult("loop-b")))

	require.True(t, st.Candidates[0].Autonomous.Eligible)
	require.Contains(t, st.Candidates[1].Autonomous.Reasons, GateMaxPerRun)
	require.Contains(t, st.ReasonCodes, ReasonAutoSafetyBlocked)
}

func TestCohortBucketIsStable(t *testing.T) {
	b1 := CohortBucket("loop-a", "salt-1")
	for range 10 {
		require.Equal(t, b1, CohortBucket("loop-a", "salt-1"))
	}
	require.GreaterOrEqual(t, b1, 0)
	require.Less(t, b1, 100)
}

func TestRolloutCanaryExclusion(t *testing.T) {
	r := repo.New(t.TempDir())
	reg := guardedRegistry()
	bucket := CohortBucket("loop-a", "s")
	reg.PolicyConfig.Autonomous.Rollout = &models.Rollout{
		CanaryPercent: bucket, // bucket < percent is false, so excluded
		Selector:      models.RolloutSelector{Salt: "s"},
	}
	st := runPolicy(t, r, reg, fleetState(failedResult("loop-a")))

	c := st.Candidates[0]
	require.Contains(t, c.Autonomous.Reasons, GateRolloutCanary)
	require.NotNil(t, c.Autonomous.Rollout)
	require.Equal(t, bucket, c.Autonomous.Rollout.Bucket)
	require.False(t, c.Autonomous.Rollout.InCohort)
	require.Contains(t, st.ReasonCodes, ReasonAutoRolloutGated)
}

func TestRolloutScopeExclusion(t *testing.T) {
	r := repo.New(t.TempDir())
	reg := guardedRegistry()
	reg.PolicyConfig.Autonomous.Rollout = &models.Rollout{
		CanaryPercent: 100,
		Scope:         models.RolloutScope{LoopIDs: []string{"loop-z"}},
		Selector:      models.RolloutSelector{Salt: "s"},
	}
	st := runPolicy(t, r, reg, fleetState(failedResult("loop-a")))
	require.Contains(t, st.Candidates[0].Autonomous.Reasons, GateRolloutScope)
}

func TestRolloutManualPause(t *testing.T) {
	r := repo.New(t.TempDir())
	reg := guardedRegistry()
	reg.PolicyConfig.Autonomous.Rollout = &models.Rollout{
		CanaryPercent: 100,
		Selector:      models.RolloutSelector{Salt: "s"},
		Pause:         models.Pause{Manual: true},
	}
	st := runPolicy(t, r, reg, fleetState(failedResult("loop-a")))
	require.Contains(t, st.Candidates[0].Autonomous.Reasons, GateRolloutPausedManual)
	require.Contains(t, st.ReasonCodes, ReasonAutoPaused)
}

func TestAutopauseFromHandoffTelemetry(t *testing.T) {
	r := repo.New(t.TempDir())
	for range 5 {
		require.NoError(t, repo.AppendJSONL(r.HandoffTelemetryFile(), map[string]any{
			"mode":   "autonomous",
			"reason": models.ControlFailedCommand,
			"loopId": "loop-a", "category": models.CategoryReconcileFailed, "intent": "pause",
		}))
	}
	reg := guardedRegistry()
	reg.PolicyConfig.Autonomous.Rollout = &models.Rollout{
		CanaryPercent: 100,
		Selector:      models.RolloutSelector{Salt: "s"},
		Pause: models.Pause{Auto: &models.AutoPause{
			Enabled:              true,
			LookbackExecutions:   10,
			MinSampleSize:        3,
			FailureRateThreshold: 0.5,
			AmbiguityRateThreshold: 0.9,
		}},
	}
	st := runPolicy(t, r, reg, fleetState(failedResult("loop-a")))

	c := st.Candidates[0]
	require.Contains(t, c.Autonomous.Reasons, GateAutopauseFailure)
	require.Contains(t, c.Autonomous.Reasons, GateRolloutPausedAuto)
	require.Contains(t, st.ReasonCodes, ReasonAutoAutopauseTriggered)
	require.Contains(t, st.ReasonCodes, ReasonAutoPaused)
}

func TestRetryGuardDemotesToManualOnly(t *testing.T) {
	r := repo.New(t.TempDir())
	require.NoError(t, repo.AppendJSONL(r.HandoffTelemetryFile(), map[string]any{
		"mode":     "autonomous",
		"reason":   models.ControlAmbiguous,
		"loopId":   "loop-a",
		"category": models.CategoryReconcileFailed,
		"intent":   "cancel",
	}))
	st := runPolicy(t, repo.New(r.Root()), guardedRegistry(), fleetState(failedResult("loop-a")))

	c := st.Candidates[0]
	require.True(t, c.Autonomous.ManualOnly)
	require.Contains(t, c.Autonomous.Reasons, GateRetryGuard)
	require.Contains(t, st.ReasonCodes, ReasonHandoffRetryGuarded)
}

func TestRetryGuardClearedByManualIntervention(t *testing.T) {
	r := repo.New(t.TempDir())
	for _, row := range []map[string]any{
		{"mode": "autonomous", "reason": models.ControlAmbiguous},
		{"mode": "manual", "reason": models.ControlConfirmed},
	} {
		row["loopId"] = "loop-a"
		row["category"] = models.CategoryReconcileFailed
		row["intent"] = "cancel"
		require.NoError(t, repo.AppendJSONL(r.HandoffTelemetryFile(), row))
	}
	st := runPolicy(t, r, guardedRegistry(), fleetState(failedResult("loop-a")))
	require.True(t, st.Candidates[0].Autonomous.Eligible)
}
