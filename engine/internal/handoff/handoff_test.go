package handoff

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsmgr/control-plane/engine/internal/policy"
	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/internal/transport"
	"github.com/opsmgr/control-plane/engine/models"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// recordingTransport counts control calls and returns a scripted outcome.
type recordingTransport struct {
	mu      sync.Mutex
	calls   []transport.ControlRequest
	outcome models.ControlOutcome
}

func (rt *recordingTransport) Kind() models.TransportKind { return models.TransportLocal }
func (rt *recordingTransport) Snapshot(context.Context, string) (models.LoopRunSnapshot, error) {
	return models.LoopRunSnapshot{}, nil
}
func (rt *recordingTransport) Events(context.Context, string, models.Cursor, int) (transport.EventsResult, error) {
	return transport.EventsResult{OK: true}, nil
}
func (rt *recordingTransport) Control(_ context.Context, req transport.ControlRequest) (models.ControlOutcome, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.calls = append(rt.calls, req)
	return rt.outcome, nil
}

func registry() models.FleetRegistry {
	return models.FleetRegistry{
		SchemaVersion: models.SchemaVersion,
		FleetID:       "fleet-1",
		Loops: []models.LoopRegistration{
			{LoopID: "loop-a", Transport: models.TransportLocal, Enabled: true},
			{LoopID: "loop-red", Transport: models.TransportLocal, Enabled: true},
		},
		PolicyConfig: models.Policy{Mode: models.ModeGuardedAuto},
	}
}

func candidate(loopID string, eligible bool, reasons ...string) models.PolicyCandidate {
	if reasons == nil {
		reasons = []string{}
	}
	return models.PolicyCandidate{
		CandidateID:       loopID + ":" + models.CategoryReconcileFailed,
		LoopID:            loopID,
		Category:          models.CategoryReconcileFailed,
		Severity:          models.SeverityCritical,
		Confidence:        models.ConfidenceHigh,
		RecommendedIntent: "cancel",
		Autonomous: models.AutonomousClassification{
			Eligible:   eligible,
			ManualOnly: !eligible,
			Reasons:    reasons,
		},
	}
}

func policyState(candidates ...models.PolicyCandidate) policy.State {
	return policy.State{FleetID: "fleet-1", Candidates: candidates}
}

func testOpts(rt *recordingTransport) Options {
	return Options{
		TraceID: "trace-1",
		Now:     func() time.Time { return testNow },
		Dial: func(r *repo.Repo, loop models.LoopRegistration) transport.Transport {
			return rt
		},
	}
}

func TestPlanEmitsOneIntentPerUnsuppressedCandidate(t *testing.T) {
	r := repo.New(t.TempDir())
	suppressed := candidate("loop-a", false)
	scope := models.ScopeGlobal
	suppressed.Suppressed = true
	suppressed.SuppressionScope = &scope

	state, err := Plan(r, registry(), policyState(candidate("loop-red", true), suppressed), Options{TraceID: "trace-1"})
	require.NoError(t, err)
	require.Len(t, state.Intents, 1)

	hi := state.Intents[0]
	require.Equal(t, "loop-red:reconcile_failed:cancel", hi.IntentID)
	require.Equal(t, models.IntentPendingConfirmation, hi.Status)
	require.Equal(t, IdempotencyKey("trace-1", hi.IntentID), hi.IdempotencyKey)
	require.Equal(t, models.TransportLocal, hi.Transport)
}

func TestIdempotencyKeyIsStable(t *testing.T) {
	k1 := IdempotencyKey("t", "loop-a:reconcile_failed:cancel")
	k2 := IdempotencyKey("t", "loop-a:reconcile_failed:cancel")
	require.Equal(t, k1, k2)
	require.Contains(t, k1, "fleet-handoff-t-")
	require.NotEqual(t, k1, IdempotencyKey("t", "loop-b:reconcile_failed:cancel"))
}

func TestExecuteManualRequiresConfirm(t *testing.T) {
	r := repo.New(t.TempDir())
	state, err := Plan(r, registry(), policyState(candidate("loop-a", false)), Options{TraceID: "t"})
	require.NoError(t, err)

	_, err = ExecuteManual(context.Background(), r, registry(), state,
		[]string{state.Intents[0].IntentID}, false, Options{TraceID: "t"})
	require.ErrorIs(t, err, ErrConfirmationRequired)
}

func TestExecuteManualRejectsUnknownIntent(t *testing.T) {
	r := repo.New(t.TempDir())
	state, err := Plan(r, registry(), policyState(candidate("loop-a", false)), Options{TraceID: "t"})
	require.NoError(t, err)

	_, err = ExecuteManual(context.Background(), r, registry(), state,
		[]string{"nope"}, true, Options{TraceID: "t"})
	require.Error(t, err)
}

func TestExecuteManualDispatchesOnlyListed(t *testing.T) {
	r := repo.New(t.TempDir())
	rt := &recordingTransport{outcome: models.ControlOutcome{Reason: models.ControlConfirmed}}
	state, err := Plan(r, registry(), policyState(candidate("loop-a", false), candidate("loop-red", false)), Options{TraceID: "t"})
	require.NoError(t, err)

	state, err = ExecuteManual(context.Background(), r, registry(), state,
		[]string{"loop-a:reconcile_failed:cancel"}, true, testOpts(rt))
	require.NoError(t, err)

	require.Len(t, rt.calls, 1)
	require.Equal(t, "loop-a", rt.calls[0].LoopID)
	require.Equal(t, models.IntentExecuted, findIntent(state.Intents, "loop-a:reconcile_failed:cancel").Status)
	require.Equal(t, models.IntentPendingConfirmation, findIntent(state.Intents, "loop-red:reconcile_failed:cancel").Status)
}

func TestExecuteAutonomousRequiresGuardedAuto(t *testing.T) {
	r := repo.New(t.TempDir())
	reg := registry()
	reg.PolicyConfig.Mode = models.ModeAdvisory
	_, err := ExecuteAutonomous(context.Background(), r, reg, State{}, Options{TraceID: "t"})
	require.ErrorIs(t, err, ErrAutonomousModeRequired)
}

func TestExecuteAutonomousDispatchesEligibleOnly(t *testing.T) {
	r := repo.New(t.TempDir())
	rt := &recordingTransport{outcome: models.ControlOutcome{Reason: models.ControlConfirmed}}
	state, err := Plan(r, registry(), policyState(candidate("loop-a", true), candidate("loop-red", false)), Options{TraceID: "t"})
	require.NoError(t, err)

	state, err = ExecuteAutonomous(context.Background(), r, registry(), state, testOpts(rt))
	require.NoError(t, err)

	require.Len(t, rt.calls, 1)
	require.Equal(t, "loop-a", rt.calls[0].LoopID)
	require.Equal(t, models.IntentExecuted, findIntent(state.Intents, "loop-a:reconcile_failed:cancel").Status)
	require.Equal(t, models.IntentPendingConfirmation, findIntent(state.Intents, "loop-red:reconcile_failed:cancel").Status)

	// one telemetry row, autonomous mode, confirmed
	n, err := repo.CountLines(r.HandoffTelemetryFile())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestRetryGuardedCandidateDispatchesNothing(t *testing.T) {
	r := repo.New(t.TempDir())
	rt := &recordingTransport{outcome: models.ControlOutcome{Reason: models.ControlConfirmed}}
	guarded := candidate("loop-red", false, policy.GateRetryGuard)

	state, err := Plan(r, registry(), policyState(guarded), Options{TraceID: "t"})
	require.NoError(t, err)
	require.Contains(t, state.Intents[0].ReasonCodes, models.ControlDroppedRetryGuard)
	require.Contains(t, state.ReasonCodes, policy.ReasonHandoffRetryGuarded)

	state, err = ExecuteAutonomous(context.Background(), r, registry(), state, testOpts(rt))
	require.NoError(t, err)
	require.Empty(t, rt.calls)
	require.Equal(t, models.IntentPendingConfirmation, state.Intents[0].Status)
}

func TestAmbiguousOutcomeMapsToAmbiguousStatus(t *testing.T) {
	r := repo.New(t.TempDir())
	rt := &recordingTransport{outcome: models.ControlOutcome{Reason: models.ControlAmbiguous}}
	state, err := Plan(r, registry(), policyState(candidate("loop-a", true)), Options{TraceID: "t"})
	require.NoError(t, err)

	state, err = ExecuteAutonomous(context.Background(), r, registry(), state, testOpts(rt))
	require.NoError(t, err)
	require.Equal(t, models.IntentAmbiguous, state.Intents[0].Status)
	require.Contains(t, state.Intents[0].ReasonCodes, models.ControlAmbiguous)
}
