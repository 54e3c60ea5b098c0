// Package transport defines the three-operation loop access contract and its
// two adapters: direct filesystem (local) and the sprite HTTP service
// bridge. Both produce bytewise-identical canonical projections for the same
// repo contents.
package transport

import (
	"context"
	"errors"

	"github.com/opsmgr/control-plane/engine/models"
)

// ErrUnreachable marks transport failures the reconciler classifies into the
// transport_unreachable reason code: timeouts, connection failures, auth
// rejections and HTTP >= 400 other than 404 from the service.
var ErrUnreachable = errors.New("transport unreachable")

// ErrNotFound marks a loop the transport's backing store has no artifacts
// for.
var ErrNotFound = errors.New("loop not found")

// EventsResult is the Events operation's return envelope.
type EventsResult struct {
	Events     []models.LoopRunEvent `json:"events"`
	NextCursor models.Cursor         `json:"nextCursor"`
	OK         bool                  `json:"ok"`
}

// ControlRequest is the Control operation's input envelope.
type ControlRequest struct {
	LoopID         string         `json:"loopId"`
	Intent         string         `json:"intent"`
	IdempotencyKey string         `json:"idempotencyKey"`
	TraceID        string         `json:"traceId"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// Transport is the loop access contract shared by both adapters.
type Transport interface {
	// Snapshot projects the loop's current runtime state from its artifacts.
	Snapshot(ctx context.Context, loopID string) (models.LoopRunSnapshot, error)

	// Events returns up to maxEvents event envelopes after cursor, with the
	// cursor position the caller should persist once projection succeeds.
	Events(ctx context.Context, loopID string, cursor models.Cursor, maxEvents int) (EventsResult, error)

	// Control dispatches an operator intent to the loop runtime. Replays of
	// a previously seen idempotencyKey return the stored outcome with
	// Replayed=true.
	Control(ctx context.Context, req ControlRequest) (models.ControlOutcome, error)

	// Kind reports which adapter this is, for telemetry rows.
	Kind() models.TransportKind
}
