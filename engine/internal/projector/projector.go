// Package projector folds a loop snapshot plus its new event envelopes into
// the durable ProjectedState, detecting divergence between the artifacts as
// it goes.
package projector

import (
	"errors"
	"fmt"

	"github.com/opsmgr/control-plane/engine/models"
)

// ErrInvalidEvent is wrapped around every event envelope schema failure. A
// projection pass that hits one does not advance at all.
var ErrInvalidEvent = errors.New("invalid event envelope")

// Input bundles everything one projection pass consumes.
type Input struct {
	Snapshot models.LoopRunSnapshot
	Events   []models.LoopRunEvent

	// Prior is the previously persisted state; the zero value means this is
	// the loop's first projection.
	Prior models.ProjectedState

	// PriorCursor is the reconciler-owned cursor as stored on disk. The
	// snapshot carries its own cursor claim; disagreement backwards flags
	// cursorRegression.
	PriorCursor models.Cursor

	TraceID string
}

// Project produces the next ProjectedState. Divergence flags are additive
// within the pass: every conflict observed is recorded, and a low-confidence
// transition never clears a flag raised earlier in the same pass.
func Project(in Input) (models.ProjectedState, error) {
	if err := validateSnapshot(in.Snapshot); err != nil {
		return models.ProjectedState{}, err
	}
	if err := validateEvents(in.Snapshot.LoopID, in.Events); err != nil {
		return models.ProjectedState{}, err
	}

	flags := models.DivergenceFlags{}
	confidence := models.ConfidenceHigh

	// Cursor regression: the snapshot claiming an offset behind the stored
	// cursor means someone rewound or replaced the event stream.
	if in.Snapshot.Cursor.EventLineOffset < in.PriorCursor.EventLineOffset {
		flags.CursorRegression = true
		confidence = models.ConfidenceLow
	}

	// state.json's current loop disagreeing with the run summary.
	if in.Snapshot.CurrentLoopID != "" && in.Snapshot.CurrentLoopID != in.Snapshot.LoopID {
		flags.StateLoopRunMismatch = true
	}

	state := in.Snapshot.Status
	signal := "snapshot"
	approval := in.Snapshot.Gate.Approved
	completionOK := in.Snapshot.Gate.CompletionOK

	cursor := in.PriorCursor
	for _, ev := range in.Events {
		state = stateForEvent(ev, state)
		signal = "event:" + ev.Name
		if ev.ApprovalState != "" {
			approval = ev.ApprovalState == "approved"
		}
		if ev.CompletionOK != nil {
			completionOK = *ev.CompletionOK
		}
		if ev.Sequence.Value > cursor.EventLineOffset {
			cursor.EventLineOffset = ev.Sequence.Value
		}
	}

	if approval && !completionOK {
		flags.ApprovalCompletionConflict = true
	}

	projection := in.Snapshot
	projection.Status = state
	projection.Cursor = cursor
	projection.TraceID = in.TraceID

	return models.ProjectedState{
		Projection: projection,
		Transition: models.Transition{
			CurrentState:     state,
			TriggeringSignal: signal,
			Confidence:       confidence,
		},
		Divergence: models.Divergence{AnyFlag: flags.Any(), Flags: flags},
		Cursor:     cursor,
		TraceID:    in.TraceID,
	}, nil
}

func validateSnapshot(s models.LoopRunSnapshot) error {
	if s.SchemaVersion != models.SchemaVersion {
		return fmt.Errorf("%w: snapshot schemaVersion %q", ErrInvalidEvent, s.SchemaVersion)
	}
	if s.LoopID == "" {
		return fmt.Errorf("%w: snapshot missing loopId", ErrInvalidEvent)
	}
	return nil
}

func validateEvents(loopID string, events []models.LoopRunEvent) error {
	var prev int64
	for i, ev := range events {
		if ev.SchemaVersion != models.SchemaVersion {
			return fmt.Errorf("%w: event %d schemaVersion %q", ErrInvalidEvent, i, ev.SchemaVersion)
		}
		if ev.EnvelopeType != models.EnvelopeLoopRunEvent {
			return fmt.Errorf("%w: event %d envelopeType %q", ErrInvalidEvent, i, ev.EnvelopeType)
		}
		if ev.LoopID != loopID {
			return fmt.Errorf("%w: event %d loopId %q does not match %q", ErrInvalidEvent, i, ev.LoopID, loopID)
		}
		if ev.Name == "" {
			return fmt.Errorf("%w: event %d missing name", ErrInvalidEvent, i)
		}
		if ev.Sequence.Value <= prev {
			return fmt.Errorf("%w: event %d sequence %d not strictly increasing after %d",
				ErrInvalidEvent, i, ev.Sequence.Value, prev)
		}
		prev = ev.Sequence.Value
	}
	return nil
}

// stateForEvent maps a runtime event name onto the loop status it implies;
// unrecognized names keep the current state (the event still advances the
// cursor and triggering signal).
func stateForEvent(ev models.LoopRunEvent, current models.LoopStatus) models.LoopStatus {
	switch ev.Name {
	case "run_started", "iteration_started", "iteration_completed":
		return models.LoopRunning
	case "run_completed":
		return models.LoopCompleted
	case "run_failed":
		return models.LoopFailed
	case "run_cancelled":
		return models.LoopCancelled
	case "run_idle":
		return models.LoopIdle
	default:
		return current
	}
}
