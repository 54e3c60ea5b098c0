// Package reconciler drives one loop's observe/project/evaluate/persist
// cycle: fetch artifacts through a transport, project state, evaluate
// health, detect sequence drift, and persist cursors plus telemetry.
package reconciler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/opsmgr/control-plane/engine/internal/health"
	"github.com/opsmgr/control-plane/engine/internal/projector"
	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/internal/telemetry/logging"
	"github.com/opsmgr/control-plane/engine/internal/transport"
	"github.com/opsmgr/control-plane/engine/models"
)

// Escalation categories appended to escalations.jsonl.
const (
	EscalationHealthDegraded     = "health_degraded"
	EscalationHealthCritical     = "health_critical"
	EscalationDivergenceDetected = "divergence_detected"
)

// persistedState is the on-disk shape of ops-manager/<loopId>/state.json: the
// projected state plus the bookkeeping the next pass needs to stay
// idempotent.
type persistedState struct {
	SchemaVersion          string                `json:"schemaVersion"`
	EnvelopeType           string                `json:"envelopeType"`
	UpdatedAt              time.Time             `json:"updatedAt"`
	State                  models.ProjectedState `json:"state"`
	Fingerprint            string                `json:"fingerprint"`
	TransportFailureStreak int                   `json:"transportFailureStreak"`
}

// Result is one reconcile's summary, consumed by the fleet reconciler and
// mirrored into reconcile.jsonl.
type Result struct {
	LoopID            string        `json:"loopId"`
	Status            string        `json:"status"` // success | failed
	HealthStatus      models.HealthStatus `json:"healthStatus"`
	HealthReasonCodes []string      `json:"healthReasonCodes"`
	ReasonCode        string        `json:"reasonCode,omitempty"`
	DurationSeconds   float64       `json:"durationSeconds"`
	TraceID           string        `json:"traceId"`
	Cursor            models.Cursor `json:"cursor"`
	Unchanged         bool          `json:"unchanged"`
}

// Options configures a Reconciler.
type Options struct {
	Thresholds models.Thresholds
	MaxEvents  int
	Logger     logging.Logger
	Now        func() time.Time
}

// Reconciler reconciles loops of one repository through one transport.
type Reconciler struct {
	repo      *repo.Repo
	transport transport.Transport
	opts      Options
}

// New builds a Reconciler. Zero-value option fields get defaults: balanced
// thresholds, 500 events per poll, wall-clock time.
func New(r *repo.Repo, t transport.Transport, opts Options) *Reconciler {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = 500
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(nil)
	}
	if opts.Thresholds.Profile == "" {
		opts.Thresholds = health.ResolveThresholds(models.ProfileBalanced, models.Thresholds{})
	}
	return &Reconciler{repo: r, transport: t, opts: opts}
}

// Reconcile runs one pass for loopID. Transport failures yield a failed
// Result (never an error return for per-loop issues the fleet should absorb);
// only local persistence failures surface as errors.
func (rc *Reconciler) Reconcile(ctx context.Context, loopID, traceID string) (Result, error) {
	started := rc.opts.Now()

	prior := persistedState{SchemaVersion: models.SchemaVersion}
	if err := repo.ReadJSON(rc.repo.LoopStateFile(loopID), &prior); err != nil && !errors.Is(err, repo.ErrAbsent) {
		return Result{}, err
	}
	var priorCursor models.Cursor
	if err := repo.ReadJSON(rc.repo.CursorFile(loopID), &priorCursor); err != nil && !errors.Is(err, repo.ErrAbsent) {
		return Result{}, err
	}

	snap, err := rc.transport.Snapshot(ctx, loopID)
	if err != nil {
		return rc.failedPass(loopID, traceID, started, prior, priorCursor, err)
	}
	events, err := rc.transport.Events(ctx, loopID, priorCursor, rc.opts.MaxEvents)
	if err != nil {
		return rc.failedPass(loopID, traceID, started, prior, priorCursor, err)
	}

	projected, err := projector.Project(projector.Input{
		Snapshot:    snap,
		Events:      events.Events,
		Prior:       prior.State,
		PriorCursor: priorCursor,
		TraceID:     traceID,
	})
	if err != nil {
		// Schema-invalid envelopes are fatal to the pass: no projection
		// advance, no cursor movement.
		return Result{}, err
	}

	seqState, seqChanged, err := rc.updateSequenceState(loopID, traceID, snap, events.Events)
	if err != nil {
		return Result{}, err
	}

	controlAmbiguous, err := rc.lastControlAmbiguous(loopID)
	if err != nil {
		return Result{}, err
	}

	h := health.Evaluate(health.Input{
		State:                  projected,
		Sequence:               seqState,
		RuntimeHeartbeat:       snap.Heartbeat,
		TransportFailureStreak: 0, // first success resets the streak
		ControlAmbiguous:       controlAmbiguous,
		Thresholds:             rc.opts.Thresholds,
		Now:                    rc.opts.Now(),
		TraceID:                traceID,
	})

	fp, err := fingerprint(projected, h)
	if err != nil {
		return Result{}, err
	}
	unchanged := fp == prior.Fingerprint && prior.Fingerprint != "" && !seqChanged

	next := persistedState{
		SchemaVersion: models.SchemaVersion,
		EnvelopeType:  "projected_state",
		UpdatedAt:     rc.opts.Now().UTC(),
		State:         projected,
		Fingerprint:   fp,
	}
	if err := repo.WriteJSON(rc.repo.LoopStateFile(loopID), next); err != nil {
		return Result{}, err
	}
	if err := repo.WriteJSON(rc.repo.HealthFile(loopID), h); err != nil {
		return Result{}, err
	}
	if err := repo.WriteJSON(rc.repo.CursorFile(loopID), projected.Cursor); err != nil {
		return Result{}, err
	}
	if err := rc.persistHeartbeat(loopID, traceID, snap.Heartbeat); err != nil {
		return Result{}, err
	}

	res := Result{
		LoopID:            loopID,
		Status:            "success",
		HealthStatus:      h.Status,
		HealthReasonCodes: h.ReasonCodes,
		DurationSeconds:   rc.opts.Now().Sub(started).Seconds(),
		TraceID:           traceID,
		Cursor:            projected.Cursor,
		Unchanged:         unchanged,
	}

	// Idempotence: an unchanged pass appends no telemetry and no
	// escalations, so replaying a reconcile is observationally free.
	if !unchanged {
		if err := rc.appendTelemetry(loopID, res); err != nil {
			return Result{}, err
		}
		if err := rc.appendEscalations(loopID, traceID, projected, h); err != nil {
			return Result{}, err
		}
	}

	rc.opts.Logger.InfoCtx(ctx, "reconcile complete",
		"loop_id", loopID, "health", string(h.Status), "cursor", projected.Cursor.EventLineOffset)
	return res, nil
}

// failedPass records a transport failure: streak increments, cursor stays,
// the reconcile row is failed, and health is re-evaluated against the new
// streak so transport_unreachable can surface.
func (rc *Reconciler) failedPass(loopID, traceID string, started time.Time, prior persistedState, priorCursor models.Cursor, cause error) (Result, error) {
	streak := prior.TransportFailureStreak + 1

	h := health.Evaluate(health.Input{
		State:                  prior.State,
		TransportFailureStreak: streak,
		Thresholds:             rc.opts.Thresholds,
		Now:                    rc.opts.Now(),
		TraceID:                traceID,
	})

	next := prior
	next.SchemaVersion = models.SchemaVersion
	next.EnvelopeType = "projected_state"
	next.UpdatedAt = rc.opts.Now().UTC()
	next.TransportFailureStreak = streak
	if err := repo.WriteJSON(rc.repo.LoopStateFile(loopID), next); err != nil {
		return Result{}, err
	}
	if err := repo.WriteJSON(rc.repo.HealthFile(loopID), h); err != nil {
		return Result{}, err
	}

	reason := models.ReasonTransportUnreachable
	if errors.Is(cause, transport.ErrNotFound) {
		reason = "loop_artifacts_missing"
	}

	res := Result{
		LoopID:            loopID,
		Status:            "failed",
		HealthStatus:      h.Status,
		HealthReasonCodes: h.ReasonCodes,
		ReasonCode:        reason,
		DurationSeconds:   rc.opts.Now().Sub(started).Seconds(),
		TraceID:           traceID,
		Cursor:            priorCursor,
	}
	if err := rc.appendTelemetry(loopID, res); err != nil {
		return Result{}, err
	}
	if err := rc.appendEscalations(loopID, traceID, prior.State, h); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (rc *Reconciler) appendTelemetry(loopID string, res Result) error {
	return repo.AppendJSONL(rc.repo.ReconcileTelemetryFile(loopID), map[string]any{
		"schemaVersion":     models.SchemaVersion,
		"timestamp":         rc.opts.Now().UTC().Format(time.RFC3339),
		"status":            res.Status,
		"healthStatus":      string(res.HealthStatus),
		"healthReasonCodes": res.HealthReasonCodes,
		"durationSeconds":   res.DurationSeconds,
		"traceId":           res.TraceID,
	})
}

func (rc *Reconciler) appendEscalations(loopID, traceID string, state models.ProjectedState, h models.Health) error {
	type esc struct {
		category string
		severity models.Severity
	}
	var escs []esc
	switch h.Status {
	case models.HealthDegraded:
		escs = append(escs, esc{EscalationHealthDegraded, models.SeverityWarning})
	case models.HealthCritical:
		escs = append(escs, esc{EscalationHealthCritical, models.SeverityCritical})
	}
	if state.Divergence.AnyFlag {
		escs = append(escs, esc{EscalationDivergenceDetected, models.SeverityWarning})
	}
	for _, e := range escs {
		row := map[string]any{
			"schemaVersion": models.SchemaVersion,
			"timestamp":     rc.opts.Now().UTC().Format(time.RFC3339),
			"loopId":        loopID,
			"category":      e.category,
			"severity":      string(e.severity),
			"reasonCodes":   h.ReasonCodes,
			"traceId":       traceID,
		}
		if err := repo.AppendJSONL(rc.repo.EscalationsFile(loopID), row); err != nil {
			return err
		}
	}
	return nil
}

// updateSequenceState folds the pass's observed sequences into the stored
// SequenceState, recording monotonicity violations.
func (rc *Reconciler) updateSequenceState(loopID, traceID string, snap models.LoopRunSnapshot, events []models.LoopRunEvent) (models.SequenceState, bool, error) {
	var stored models.SequenceState
	if err := repo.ReadJSON(rc.repo.SequenceStateFile(loopID), &stored); err != nil && !errors.Is(err, repo.ErrAbsent) {
		return models.SequenceState{}, false, err
	}

	next := models.SequenceState{
		LastSnapshotSequence: stored.LastSnapshotSequence,
		LastEventSequence:    stored.LastEventSequence,
		TraceID:              traceID,
	}
	violations := map[string]bool{}
	for _, v := range stored.Violations {
		violations[v] = true
	}

	if snap.Cursor.EventLineOffset < stored.LastSnapshotSequence {
		violations[models.ViolationSnapshotSequenceRegression] = true
	} else {
		next.LastSnapshotSequence = snap.Cursor.EventLineOffset
	}
	for _, ev := range events {
		if ev.Sequence.Value <= next.LastEventSequence {
			violations[models.ViolationEventSequenceRegression] = true
		} else {
			next.LastEventSequence = ev.Sequence.Value
		}
	}

	next.Violations = sortedKeys(violations)
	next.DriftActive = len(next.Violations) > 0

	changed := next.DriftActive != stored.DriftActive ||
		next.LastSnapshotSequence != stored.LastSnapshotSequence ||
		next.LastEventSequence != stored.LastEventSequence ||
		len(next.Violations) != len(stored.Violations)

	if changed {
		if err := repo.WriteJSON(rc.repo.SequenceStateFile(loopID), next); err != nil {
			return models.SequenceState{}, false, err
		}
		if err := repo.AppendJSONL(rc.repo.SequenceTelemetryFile(loopID), map[string]any{
			"schemaVersion":        models.SchemaVersion,
			"timestamp":            rc.opts.Now().UTC().Format(time.RFC3339),
			"loopId":               loopID,
			"lastSnapshotSequence": next.LastSnapshotSequence,
			"lastEventSequence":    next.LastEventSequence,
			"violations":           next.Violations,
			"driftActive":          next.DriftActive,
			"traceId":              traceID,
		}); err != nil {
			return models.SequenceState{}, false, err
		}
	}
	return next, changed, nil
}

// persistHeartbeat mirrors the runtime heartbeat into the ops-manager tree
// and appends heartbeat telemetry when the observation moved.
func (rc *Reconciler) persistHeartbeat(loopID, traceID string, hb *models.Heartbeat) error {
	if hb == nil {
		return nil
	}
	var stored models.Heartbeat
	err := repo.ReadJSON(rc.repo.HeartbeatFile(loopID), &stored)
	if err != nil && !errors.Is(err, repo.ErrAbsent) {
		return err
	}
	if err == nil && stored.ObservedAt.Equal(hb.ObservedAt) {
		return nil
	}
	if err := repo.WriteJSON(rc.repo.HeartbeatFile(loopID), hb); err != nil {
		return err
	}
	return repo.AppendJSONL(rc.repo.HeartbeatTelemetryFile(loopID), map[string]any{
		"schemaVersion": models.SchemaVersion,
		"timestamp":     rc.opts.Now().UTC().Format(time.RFC3339),
		"loopId":        loopID,
		"observedAt":    hb.ObservedAt.UTC().Format(time.RFC3339),
		"traceId":       traceID,
	})
}

// lastControlAmbiguous reports whether the most recent control invocation
// ended ambiguous.
func (rc *Reconciler) lastControlAmbiguous(loopID string) (bool, error) {
	var last struct {
		Reason string `json:"reason"`
	}
	found := false
	err := repo.ReadJSONLFrom(rc.repo.ControlInvocationsFile(loopID), 0,
		func() any {
			return &struct {
				Reason string `json:"reason"`
			}{}
		},
		func(_ int64, v any) error {
			last = *v.(*struct {
				Reason string `json:"reason"`
			})
			found = true
			return nil
		})
	if err != nil {
		return false, err
	}
	return found && last.Reason == models.ControlAmbiguous, nil
}

// fingerprint hashes the projection and health with trace ids and the
// triggering signal blanked, so replaying a reconcile under a fresh trace with
// no new events still reads as unchanged.
func fingerprint(state models.ProjectedState, h models.Health) (string, error) {
	state.TraceID = ""
	state.Transition.TriggeringSignal = ""
	state.Projection.TraceID = ""
	h.TraceID = ""
	canon, err := repo.CanonicalJSON(map[string]any{
		"state":  state,
		"health": h,
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
