package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/models"
)

// ControlScriptEnv names the environment variable pointing at the injected
// control actuator. Tests point it at a stub; production deployments point it
// at the superloop runtime's control entrypoint.
const ControlScriptEnv = "OPS_MANAGER_CONTROL_SCRIPT"

// runSummary is the external runtime's run-summary.json wire shape. The
// superloop runtime owns this file; only the fields the projection needs are
// decoded.
type runSummary struct {
	Status      string `json:"status"`
	LastEventAt string `json:"last_event_at"`
	Iteration   int    `json:"iteration"`
	RunID       string `json:"run_id"`
	StuckStreak int    `json:"stuck_streak"`
	Gate        struct {
		Name          string `json:"name"`
		Approved      bool   `json:"approved"`
		CompletionOK  bool   `json:"completion_ok"`
		LastUpdatedAt string `json:"last_updated_at"`
	} `json:"gate"`
}

// loopState is the external runtime's state.json wire shape.
type loopState struct {
	CurrentLoopID string `json:"current_loop_id"`
}

// runtimeHeartbeat is the external runtime's heartbeat.v1.json wire shape.
type runtimeHeartbeat struct {
	ObservedAt string `json:"observed_at"`
	PID        int    `json:"pid"`
}

// Local reads loop artifacts directly from the repository tree.
type Local struct {
	repo *repo.Repo

	// controlMu serializes all control writers so the on-disk idempotency
	// map never sees interleaved read-modify-write.
	controlMu sync.Mutex
}

// NewLocal returns the direct-filesystem adapter for r.
func NewLocal(r *repo.Repo) *Local {
	return &Local{repo: r}
}

func (l *Local) Kind() models.TransportKind { return models.TransportLocal }

// Snapshot implements Transport. The snapshot's cursor claim is the current
// line count of events.jsonl; a shrinking stream therefore surfaces as
// cursorRegression in the projector.
func (l *Local) Snapshot(_ context.Context, loopID string) (models.LoopRunSnapshot, error) {
	var summary runSummary
	err := repo.ReadJSON(l.repo.RunSummaryFile(loopID), &summary)
	if errors.Is(err, repo.ErrAbsent) {
		return models.LoopRunSnapshot{}, fmt.Errorf("%w: %s", ErrNotFound, loopID)
	}
	if err != nil {
		return models.LoopRunSnapshot{}, err
	}

	var st loopState
	if err := repo.ReadJSON(l.repo.StateFile(), &st); err != nil && !errors.Is(err, repo.ErrAbsent) {
		return models.LoopRunSnapshot{}, err
	}

	lines, err := repo.CountLines(l.repo.EventsFile(loopID))
	if err != nil {
		return models.LoopRunSnapshot{}, err
	}

	snap := models.LoopRunSnapshot{
		SchemaVersion: models.SchemaVersion,
		EnvelopeType:  models.EnvelopeLoopRunSnapshot,
		RepoPath:      l.repo.Root(),
		LoopID:        loopID,
		Status:        parseLoopStatus(summary.Status),
		Iteration:     summary.Iteration,
		RunID:         summary.RunID,
		StuckStreak:   summary.StuckStreak,
		Cursor:        models.Cursor{EventLineOffset: lines},
		CurrentLoopID: st.CurrentLoopID,
		Gate: models.GateSummary{
			Name:          summary.Gate.Name,
			Approved:      summary.Gate.Approved,
			CompletionOK:  summary.Gate.CompletionOK,
			LastUpdatedAt: summary.Gate.LastUpdatedAt,
		},
	}
	if t, err := time.Parse(time.RFC3339, summary.LastEventAt); err == nil {
		snap.LastEventAt = t.UTC()
	}

	var hb runtimeHeartbeat
	err = repo.ReadJSON(l.repo.RuntimeHeartbeatFile(loopID), &hb)
	if err == nil {
		if t, perr := time.Parse(time.RFC3339, hb.ObservedAt); perr == nil {
			snap.Heartbeat = &models.Heartbeat{ObservedAt: t.UTC(), PID: hb.PID}
		}
	} else if !errors.Is(err, repo.ErrAbsent) {
		return models.LoopRunSnapshot{}, err
	}

	return snap, nil
}

// rawEvent is one line of the runtime's events.jsonl. The sequence value the
// envelope carries is always the 1-indexed line offset, regardless of what
// the line itself claims.
type rawEvent struct {
	RunID         string `json:"run_id"`
	Iteration     int    `json:"iteration"`
	Name          string `json:"name"`
	At            string `json:"at"`
	ApprovalState string `json:"approval_state"`
	CompletionOK  *bool  `json:"completion_ok"`
}

// Events implements Transport.
func (l *Local) Events(_ context.Context, loopID string, cursor models.Cursor, maxEvents int) (EventsResult, error) {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	res := EventsResult{NextCursor: cursor, OK: true}
	path := l.repo.EventsFile(loopID)
	err := repo.ReadJSONLFrom(path, cursor.EventLineOffset, func() any { return &rawEvent{} },
		func(line int64, v any) error {
			if len(res.Events) >= maxEvents {
				return errStopScan
			}
			raw := v.(*rawEvent)
			ev := models.LoopRunEvent{
				SchemaVersion: models.SchemaVersion,
				EnvelopeType:  models.EnvelopeLoopRunEvent,
				LoopID:        loopID,
				RunID:         raw.RunID,
				Iteration:     raw.Iteration,
				Name:          raw.Name,
				Sequence:      models.Sequence{Source: "events.jsonl", Value: line},
				ApprovalState: raw.ApprovalState,
				CompletionOK:  raw.CompletionOK,
			}
			if t, perr := time.Parse(time.RFC3339, raw.At); perr == nil {
				ev.At = t.UTC()
			}
			res.Events = append(res.Events, ev)
			res.NextCursor.EventLineOffset = line
			return nil
		})
	if err != nil && !errors.Is(err, errStopScan) {
		return EventsResult{OK: false}, err
	}
	return res, nil
}

var errStopScan = errors.New("stop scan")

// idempotencyStore is the on-disk {idempotencyKey -> outcome} map shared with
// the sprite service.
type idempotencyStore struct {
	Outcomes map[string]models.ControlOutcome `json:"outcomes"`
}

// Control implements Transport by invoking the injected control actuator.
// The actuator prints a JSON {"reason": ..., "detail": ...} document on
// stdout; a non-zero exit maps to control_failed_command and an unparseable
// zero-exit response to control_ambiguous.
func (l *Local) Control(ctx context.Context, req ControlRequest) (models.ControlOutcome, error) {
	l.controlMu.Lock()
	defer l.controlMu.Unlock()

	idemPath := l.repo.ServiceIdempotencyFile(req.LoopID)
	store := idempotencyStore{Outcomes: map[string]models.ControlOutcome{}}
	if err := repo.ReadJSON(idemPath, &store); err != nil && !errors.Is(err, repo.ErrAbsent) {
		return models.ControlOutcome{}, err
	}
	if store.Outcomes == nil {
		store.Outcomes = map[string]models.ControlOutcome{}
	}
	if prior, ok := store.Outcomes[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		prior.Replayed = true
		return prior, nil
	}

	_ = repo.AppendJSONL(l.repo.IntentsFile(req.LoopID), map[string]any{
		"schemaVersion":  models.SchemaVersion,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"loopId":         req.LoopID,
		"intent":         req.Intent,
		"idempotencyKey": req.IdempotencyKey,
		"traceId":        req.TraceID,
	})

	outcome := l.invokeActuator(ctx, req)

	if req.IdempotencyKey != "" {
		store.Outcomes[req.IdempotencyKey] = outcome
		if err := repo.WriteJSON(idemPath, store); err != nil {
			return models.ControlOutcome{}, err
		}
	}

	_ = repo.AppendJSONL(l.repo.ControlInvocationsFile(req.LoopID), map[string]any{
		"schemaVersion":  models.SchemaVersion,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"loopId":         req.LoopID,
		"intent":         req.Intent,
		"idempotencyKey": req.IdempotencyKey,
		"traceId":        req.TraceID,
		"reason":         outcome.Reason,
	})
	return outcome, nil
}

func (l *Local) invokeActuator(ctx context.Context, req ControlRequest) models.ControlOutcome {
	script := os.Getenv(ControlScriptEnv)
	if script == "" {
		// Without an actuator the control path cannot confirm the runtime
		// acted; the honest answer is ambiguous, not success.
		return models.ControlOutcome{
			Reason: models.ControlAmbiguous,
			Detail: "no control actuator configured",
		}
	}

	payload, _ := json.Marshal(req)
	cmd := exec.CommandContext(ctx, script, req.LoopID, req.Intent)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"OPS_MANAGER_TRACE_ID="+req.TraceID,
		"OPS_MANAGER_IDEMPOTENCY_KEY="+req.IdempotencyKey,
	)
	out, err := cmd.Output()
	if err != nil {
		return models.ControlOutcome{
			Reason: models.ControlFailedCommand,
			Detail: fmt.Sprintf("actuator: %v", err),
		}
	}

	var parsed models.ControlOutcome
	if jerr := json.Unmarshal(bytes.TrimSpace(out), &parsed); jerr != nil || parsed.Reason == "" {
		return models.ControlOutcome{
			Reason: models.ControlAmbiguous,
			Detail: "actuator exited 0 without a parseable outcome",
		}
	}
	return parsed
}

func parseLoopStatus(s string) models.LoopStatus {
	switch models.LoopStatus(s) {
	case models.LoopIdle, models.LoopRunning, models.LoopCompleted, models.LoopFailed, models.LoopCancelled:
		return models.LoopStatus(s)
	default:
		return models.LoopIdle
	}
}
