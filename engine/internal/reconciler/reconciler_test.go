package reconciler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsmgr/control-plane/engine/internal/health"
	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/internal/transport"
	"github.com/opsmgr/control-plane/engine/models"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func seedLoop(t *testing.T, root, loopID string, eventLines []string) {
	t.Helper()
	loopDir := filepath.Join(root, ".superloop", "loops", loopID)
	require.NoError(t, os.MkdirAll(loopDir, 0o755))
	summary := `{"status":"running","last_event_at":"2026-08-01T11:59:55Z","iteration":1,"run_id":"run-1","stuck_streak":0,` +
		`"gate":{"approved":true,"completion_ok":true}}`
	require.NoError(t, os.WriteFile(filepath.Join(loopDir, "run-summary.json"), []byte(summary), 0o644))
	state := `{"current_loop_id":"` + loopID + `"}`
	require.NoError(t, os.WriteFile(filepath.Join(root, ".superloop", "state.json"), []byte(state), 0o644))
	content := ""
	for _, l := range eventLines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(loopDir, "events.jsonl"), []byte(content), 0o644))
}

func healthyThresholds() models.Thresholds {
	return health.ResolveThresholds(models.ProfileBalanced, models.Thresholds{
		IngestStaleLagSeconds: 999999,
	})
}

func newTestReconciler(t *testing.T, root string, th models.Thresholds) (*Reconciler, *repo.Repo) {
	t.Helper()
	r := repo.New(root)
	rc := New(r, transport.NewLocal(r), Options{
		Thresholds: th,
		Now:        func() time.Time { return testNow },
	})
	return rc, r
}

func countRows(t *testing.T, path string) int {
	t.Helper()
	n, err := repo.CountLines(path)
	require.NoError(t, err)
	return int(n)
}

func TestReconcileHealthy(t *testing.T) {
	root := t.TempDir()
	seedLoop(t, root, "loop-a", []string{
		`{"run_id":"run-1","iteration":1,"name":"run_started","at":"2026-08-01T11:59:55Z"}`,
		`{"run_id":"run-1","iteration":1,"name":"iteration_started","at":"2026-08-01T11:59:56Z"}`,
	})
	rc, r := newTestReconciler(t, root, healthyThresholds())

	res, err := rc.Reconcile(context.Background(), "loop-a", "trace-1")
	require.NoError(t, err)
	require.Equal(t, "success", res.Status)
	require.Equal(t, models.HealthHealthy, res.HealthStatus)
	require.Empty(t, res.HealthReasonCodes)
	require.EqualValues(t, 2, res.Cursor.EventLineOffset)

	var cursor models.Cursor
	require.NoError(t, repo.ReadJSON(r.CursorFile("loop-a"), &cursor))
	require.EqualValues(t, 2, cursor.EventLineOffset)
	require.Equal(t, 1, countRows(t, r.ReconcileTelemetryFile("loop-a")))
	require.Equal(t, 0, countRows(t, r.EscalationsFile("loop-a")))
}

func TestReconcileIdempotentOnUnchangedInputs(t *testing.T) {
	root := t.TempDir()
	seedLoop(t, root, "loop-a", []string{
		`{"run_id":"run-1","iteration":1,"name":"run_started","at":"2026-08-01T11:59:55Z"}`,
	})
	rc, r := newTestReconciler(t, root, healthyThresholds())

	first, err := rc.Reconcile(context.Background(), "loop-a", "trace-1")
	require.NoError(t, err)
	second, err := rc.Reconcile(context.Background(), "loop-a", "trace-2")
	require.NoError(t, err)

	require.Equal(t, first.Cursor, second.Cursor)
	require.True(t, second.Unchanged)
	// a replayed pass appends nothing
	require.Equal(t, 1, countRows(t, r.ReconcileTelemetryFile("loop-a")))
	require.Equal(t, 0, countRows(t, r.EscalationsFile("loop-a")))
}

func TestReconcileStaleIngestEscalates(t *testing.T) {
	root := t.TempDir()
	seedLoop(t, root, "loop-a", []string{
		`{"run_id":"run-1","iteration":1,"name":"run_started","at":"2026-08-01T10:00:00Z"}`,
	})
	th := health.ResolveThresholds(models.ProfileBalanced, models.Thresholds{IngestStaleLagSeconds: 1})
	rc, r := newTestReconciler(t, root, th)

	res, err := rc.Reconcile(context.Background(), "loop-a", "trace-1")
	require.NoError(t, err)
	require.Equal(t, models.HealthDegraded, res.HealthStatus)
	require.Equal(t, []string{models.ReasonIngestStale}, res.HealthReasonCodes)

	var esc struct {
		Category string `json:"category"`
		TraceID  string `json:"traceId"`
	}
	require.NoError(t, repo.ReadJSONLFrom(r.EscalationsFile("loop-a"), 0,
		func() any {
			return &struct {
				Category string `json:"category"`
				TraceID  string `json:"traceId"`
			}{}
		},
		func(_ int64, v any) error {
			esc = *v.(*struct {
				Category string `json:"category"`
				TraceID  string `json:"traceId"`
			})
			return nil
		}))
	require.Equal(t, EscalationHealthDegraded, esc.Category)
	require.Equal(t, "trace-1", esc.TraceID)
}

// failingTransport always refuses.
type failingTransport struct{}

func (failingTransport) Kind() models.TransportKind { return models.TransportService }
func (failingTransport) Snapshot(context.Context, string) (models.LoopRunSnapshot, error) {
	return models.LoopRunSnapshot{}, fmt.Errorf("%w: connection refused", transport.ErrUnreachable)
}
func (failingTransport) Events(context.Context, string, models.Cursor, int) (transport.EventsResult, error) {
	return transport.EventsResult{}, transport.ErrUnreachable
}
func (failingTransport) Control(context.Context, transport.ControlRequest) (models.ControlOutcome, error) {
	return models.ControlOutcome{}, transport.ErrUnreachable
}

func TestReconcileTransportOutageStreaks(t *testing.T) {
	root := t.TempDir()
	r := repo.New(root)
	th := health.ResolveThresholds(models.ProfileBalanced, models.Thresholds{
		DegradedTransportFailureStreak: 1,
		CriticalTransportFailureStreak: 2,
	})
	rc := New(r, failingTransport{}, Options{Thresholds: th, Now: func() time.Time { return testNow }})

	first, err := rc.Reconcile(context.Background(), "loop-a", "t1")
	require.NoError(t, err)
	require.Equal(t, "failed", first.Status)
	require.Equal(t, models.HealthDegraded, first.HealthStatus)

	second, err := rc.Reconcile(context.Background(), "loop-a", "t2")
	require.NoError(t, err)
	require.Equal(t, "failed", second.Status)
	require.Equal(t, models.HealthCritical, second.HealthStatus)
	require.Equal(t, []string{models.ReasonTransportUnreachable}, second.HealthReasonCodes)

	require.Equal(t, 2, countRows(t, r.ReconcileTelemetryFile("loop-a")))
	// the cursor never moved
	var cursor models.Cursor
	require.ErrorIs(t, repo.ReadJSON(r.CursorFile("loop-a"), &cursor), repo.ErrAbsent)
}

func TestReconcileStreakResetsOnSuccess(t *testing.T) {
	root := t.TempDir()
	seedLoop(t, root, "loop-a", []string{
		`{"run_id":"run-1","iteration":1,"name":"run_started","at":"2026-08-01T11:59:55Z"}`,
	})
	r := repo.New(root)
	th := health.ResolveThresholds(models.ProfileBalanced, models.Thresholds{
		IngestStaleLagSeconds:          999999,
		DegradedTransportFailureStreak: 1,
	})
	now := func() time.Time { return testNow }

	failing := New(r, failingTransport{}, Options{Thresholds: th, Now: now})
	_, err := failing.Reconcile(context.Background(), "loop-a", "t1")
	require.NoError(t, err)

	working := New(r, transport.NewLocal(r), Options{Thresholds: th, Now: now})
	res, err := working.Reconcile(context.Background(), "loop-a", "t2")
	require.NoError(t, err)
	require.Equal(t, "success", res.Status)
	require.Equal(t, models.HealthHealthy, res.HealthStatus)
}

func TestReconcileCursorRegressionFlagsDivergence(t *testing.T) {
	root := t.TempDir()
	seedLoop(t, root, "loop-a", []string{
		`{"run_id":"run-1","iteration":1,"name":"run_started","at":"2026-08-01T11:59:55Z"}`,
		`{"run_id":"run-1","iteration":1,"name":"iteration_started","at":"2026-08-01T11:59:56Z"}`,
	})
	rc, r := newTestReconciler(t, root, healthyThresholds())
	_, err := rc.Reconcile(context.Background(), "loop-a", "t1")
	require.NoError(t, err)

	// the runtime truncates its event stream
	require.NoError(t, os.WriteFile(filepath.Join(root, ".superloop", "loops", "loop-a", "events.jsonl"), nil, 0o644))

	res, err := rc.Reconcile(context.Background(), "loop-a", "t2")
	require.NoError(t, err)
	require.Contains(t, res.HealthReasonCodes, models.ReasonDivergenceDetected)
	var cursor models.Cursor
	require.NoError(t, repo.ReadJSON(r.CursorFile("loop-a"), &cursor))
	require.EqualValues(t, 2, cursor.EventLineOffset)
}
