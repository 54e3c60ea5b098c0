package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsmgr/control-plane/engine/models"
)

var now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func baseInput(t models.Thresholds) Input {
	return Input{
		State: models.ProjectedState{
			Projection: models.LoopRunSnapshot{LastEventAt: now.Add(-2 * time.Second)},
		},
		Thresholds: t,
		Now:        now,
	}
}

func TestResolveThresholdProfiles(t *testing.T) {
	strict := ResolveThresholds(models.ProfileStrict, models.Thresholds{})
	balanced := ResolveThresholds(models.ProfileBalanced, models.Thresholds{})
	relaxed := ResolveThresholds(models.ProfileRelaxed, models.Thresholds{})

	require.Less(t, strict.IngestStaleLagSeconds, balanced.IngestStaleLagSeconds)
	require.Less(t, balanced.IngestStaleLagSeconds, relaxed.IngestStaleLagSeconds)
	require.Equal(t, models.ProfileBalanced, balanced.Profile)
}

func TestResolveThresholdOverridesWin(t *testing.T) {
	got := ResolveThresholds(models.ProfileBalanced, models.Thresholds{
		IngestStaleLagSeconds:          7,
		CriticalTransportFailureStreak: 9,
	})
	require.EqualValues(t, 7, got.IngestStaleLagSeconds)
	require.Equal(t, 9, got.CriticalTransportFailureStreak)
	// untouched fields keep the profile value
	require.Equal(t, 2, got.DegradedTransportFailureStreak)
}

func TestEvaluateHealthy(t *testing.T) {
	in := baseInput(ResolveThresholds(models.ProfileBalanced, models.Thresholds{}))
	h := Evaluate(in)
	require.Equal(t, models.HealthHealthy, h.Status)
	require.Empty(t, h.ReasonCodes)
}

func TestEvaluateIngestStale(t *testing.T) {
	th := ResolveThresholds(models.ProfileBalanced, models.Thresholds{IngestStaleLagSeconds: 1})
	in := baseInput(th)
	in.State.Projection.LastEventAt = now.Add(-time.Hour)
	h := Evaluate(in)
	require.Equal(t, models.HealthDegraded, h.Status)
	require.Equal(t, []string{models.ReasonIngestStale}, h.ReasonCodes)
}

func TestEvaluateHeartbeatStale(t *testing.T) {
	th := ResolveThresholds(models.ProfileBalanced, models.Thresholds{HeartbeatStaleLagSeconds: 10})
	in := baseInput(th)
	in.RuntimeHeartbeat = &models.Heartbeat{ObservedAt: now.Add(-time.Minute)}
	h := Evaluate(in)
	require.Equal(t, models.HealthDegraded, h.Status)
	require.Contains(t, h.ReasonCodes, models.ReasonRuntimeHeartbeatStale)
}

func TestEvaluateTransportStreaks(t *testing.T) {
	th := ResolveThresholds(models.ProfileBalanced, models.Thresholds{
		DegradedTransportFailureStreak: 1,
		CriticalTransportFailureStreak: 2,
	})

	in := baseInput(th)
	in.TransportFailureStreak = 1
	h := Evaluate(in)
	require.Equal(t, models.HealthDegraded, h.Status)
	require.Contains(t, h.ReasonCodes, models.ReasonTransportUnreachable)

	in.TransportFailureStreak = 2
	h = Evaluate(in)
	require.Equal(t, models.HealthCritical, h.Status)
	require.Equal(t, []string{models.ReasonTransportUnreachable}, h.ReasonCodes)
}

func TestEvaluateCriticalDominatesDegraded(t *testing.T) {
	th := ResolveThresholds(models.ProfileBalanced, models.Thresholds{
		IngestStaleLagSeconds:          1,
		CriticalTransportFailureStreak: 1,
	})
	in := baseInput(th)
	in.State.Projection.LastEventAt = now.Add(-time.Hour)
	in.TransportFailureStreak = 5
	h := Evaluate(in)
	require.Equal(t, models.HealthCritical, h.Status)
	require.Contains(t, h.ReasonCodes, models.ReasonIngestStale)
	require.Contains(t, h.ReasonCodes, models.ReasonTransportUnreachable)
}

func TestEvaluateDivergenceAndDrift(t *testing.T) {
	in := baseInput(ResolveThresholds(models.ProfileRelaxed, models.Thresholds{}))
	in.State.Divergence = models.Divergence{
		AnyFlag: true,
		Flags:   models.DivergenceFlags{ApprovalCompletionConflict: true},
	}
	in.Sequence = models.SequenceState{DriftActive: true}
	in.ControlAmbiguous = true
	h := Evaluate(in)
	require.Equal(t, models.HealthDegraded, h.Status)
	require.ElementsMatch(t, []string{
		models.ReasonApprovalCompletionConf,
		models.ReasonDivergenceDetected,
		models.ReasonOrderingDriftDetected,
		models.ReasonControlAmbiguous,
	}, h.ReasonCodes)
}

func TestEvaluateReasonCodesSorted(t *testing.T) {
	in := baseInput(ResolveThresholds(models.ProfileBalanced, models.Thresholds{IngestStaleLagSeconds: 1}))
	in.State.Projection.LastEventAt = now.Add(-time.Hour)
	in.Sequence = models.SequenceState{DriftActive: true}
	h := Evaluate(in)
	require.Equal(t, []string{models.ReasonIngestStale, models.ReasonOrderingDriftDetected}, h.ReasonCodes)
}
