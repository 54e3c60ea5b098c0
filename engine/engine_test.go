package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsmgr/control-plane/engine/config"
	"github.com/opsmgr/control-plane/engine/models"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func seedLoop(t *testing.T, root, loopID string) {
	t.Helper()
	loopDir := filepath.Join(root, ".superloop", "loops", loopID)
	require.NoError(t, os.MkdirAll(loopDir, 0o755))
	summary := `{"status":"running","last_event_at":"2026-08-01T11:59:55Z","iteration":1,"run_id":"run-1",` +
		`"gate":{"approved":true,"completion_ok":true}}`
	require.NoError(t, os.WriteFile(filepath.Join(loopDir, "run-summary.json"), []byte(summary), 0o644))
	events := `{"run_id":"run-1","iteration":1,"name":"run_started","at":"2026-08-01T11:59:55Z"}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(loopDir, "events.jsonl"), []byte(events), 0o644))
}

func writeRegistry(t *testing.T, root string, reg models.FleetRegistry) {
	t.Helper()
	path := filepath.Join(root, ".superloop", "ops-manager", "fleet", "registry.v1.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := json.Marshal(reg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func newEngine(t *testing.T, root string) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Telemetry.MetricsBackend = "noop"
	cfg.Reconcile.IngestStaleLagSeconds = 999999
	eng, err := New(root, Options{Config: cfg, Now: func() time.Time { return testNow }})
	require.NoError(t, err)
	return eng
}

func TestEngineEndToEndAdvisoryFlow(t *testing.T) {
	root := t.TempDir()
	seedLoop(t, root, "loop-b") // loop-a artifacts missing: partial failure
	writeRegistry(t, root, models.FleetRegistry{
		SchemaVersion: models.SchemaVersion,
		FleetID:       "fleet-1",
		Loops: []models.LoopRegistration{
			{LoopID: "loop-a", Transport: models.TransportLocal, Enabled: true},
			{LoopID: "loop-b", Transport: models.TransportLocal, Enabled: true},
		},
		PolicyConfig: models.Policy{Mode: models.ModeAdvisory},
	})
	eng := newEngine(t, root)
	ctx := context.Background()

	reg, err := eng.LoadRegistry()
	require.NoError(t, err)

	fleetState, err := eng.FleetReconcile(ctx, reg, "trace-1", true)
	require.NoError(t, err)
	require.Equal(t, "partial_failure", fleetState.Status)

	policyState, err := eng.PolicyRun(ctx, reg, fleetState, "trace-1")
	require.NoError(t, err)
	require.NotEmpty(t, policyState.Candidates)
	require.Equal(t, "loop-a:reconcile_failed", policyState.Candidates[0].CandidateID)

	handoffState, err := eng.HandoffPlan(reg, policyState, "trace-1")
	require.NoError(t, err)
	require.NotEmpty(t, handoffState.Intents)
	require.Equal(t, models.IntentPendingConfirmation, handoffState.Intents[0].Status)

	// read-back paths
	_, err = eng.FleetStatus()
	require.NoError(t, err)
	_, err = eng.HandoffStatus()
	require.NoError(t, err)
	_, err = eng.Status("loop-b")
	require.NoError(t, err)
}

func TestEngineHorizonRoundTrip(t *testing.T) {
	root := t.TempDir()
	eng := newEngine(t, root)

	pkt, err := eng.HorizonCreatePacket(HorizonCreate{
		HorizonRef: "horizon-1",
		Sender:     "ops",
		Recipient:  models.HorizonRecipient{Type: models.RecipientLocalAgent, ID: "agent-1"},
		Intent:     "review_handoff",
	})
	require.NoError(t, err)

	res, err := eng.HorizonOrchestrate("trace-1", "dispatch", "filesystem_outbox")
	require.NoError(t, err)
	require.Equal(t, 1, res.DispatchedCount)

	// the recipient acknowledges
	receipts := filepath.Join(root, "receipts.jsonl")
	line, err := json.Marshal(map[string]string{
		"packetId": pkt.PacketID, "traceId": pkt.TraceID, "status": "acknowledged",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(receipts, append(line, '\n'), 0o644))

	ack, err := eng.HorizonAckIngest(receipts)
	require.NoError(t, err)
	require.Equal(t, 1, ack.ProcessedCount)

	got, err := eng.HorizonShow(pkt.PacketID)
	require.NoError(t, err)
	require.Equal(t, models.HorizonAcknowledged, got.Status)

	// replaying the same receipt only counts a duplicate
	ack, err = eng.HorizonAckIngest(receipts)
	require.NoError(t, err)
	require.Equal(t, 1, ack.DuplicateCount)
}

func TestEngineBridgeFeedsHandoffQueue(t *testing.T) {
	root := t.TempDir()
	eng := newEngine(t, root)

	_, err := eng.HorizonCreatePacket(HorizonCreate{
		HorizonRef: "horizon-1",
		Sender:     "ops",
		Recipient:  models.HorizonRecipient{Type: models.RecipientLocalAgent, ID: "agent-1"},
		Intent:     "review_handoff",
	})
	require.NoError(t, err)
	_, err = eng.HorizonOrchestrate("trace-1", "dispatch", "filesystem_outbox")
	require.NoError(t, err)

	res, err := eng.BridgeRun("trace-2")
	require.NoError(t, err)
	require.Equal(t, 1, res.IngestedCount)
}

func TestEngineMetricsHandlerByBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.MetricsBackend = "prometheus"
	eng, err := New(t.TempDir(), Options{Config: cfg})
	require.NoError(t, err)
	require.NotNil(t, eng.MetricsHandler())

	cfg.Telemetry.MetricsBackend = "noop"
	eng, err = New(t.TempDir(), Options{Config: cfg})
	require.NoError(t, err)
	require.Nil(t, eng.MetricsHandler())
}
