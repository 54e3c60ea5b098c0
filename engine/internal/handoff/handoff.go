// Package handoff materializes policy candidates into operator or autonomous
// action intents and dispatches them through the loop control pathway with
// idempotency and retry-guard semantics.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/opsmgr/control-plane/engine/internal/policy"
	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/internal/telemetry/logging"
	"github.com/opsmgr/control-plane/engine/internal/transport"
	"github.com/opsmgr/control-plane/engine/models"
)

// ErrConfirmationRequired rejects a manual execute without both the execute
// and confirm flags.
var ErrConfirmationRequired = errors.New("manual execution requires --execute and --confirm")

// ErrAutonomousModeRequired rejects an autonomous execute when policy mode is
// not guarded_auto.
var ErrAutonomousModeRequired = errors.New("autonomous execution requires policy mode guarded_auto")

// State is the persisted handoff-state.json document.
type State struct {
	SchemaVersion string                 `json:"schemaVersion"`
	FleetID       string                 `json:"fleetId"`
	Intents       []models.HandoffIntent `json:"intents"`
	ReasonCodes   []string               `json:"reasonCodes"`
	TraceID       string                 `json:"traceId"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

// Options configures handoff passes.
type Options struct {
	TraceID     string
	MaxParallel int
	Logger      logging.Logger
	Now         func() time.Time
	Dial        func(r *repo.Repo, loop models.LoopRegistration) transport.Transport
}

func (o *Options) defaults() {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
	if o.Logger == nil {
		o.Logger = logging.New(nil)
	}
}

// IdempotencyKey derives the stable per-intent idempotency key.
func IdempotencyKey(traceID, intentID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(intentID))
	return fmt.Sprintf("fleet-handoff-%s-%016x", traceID, h.Sum64())
}

// Plan emits one pending intent per unsuppressed policy candidate, in
// candidate order, and persists handoff-state.json.
func Plan(r *repo.Repo, reg models.FleetRegistry, policyState policy.State, opts Options) (State, error) {
	opts.defaults()

	transports := map[string]models.TransportKind{}
	for _, loop := range reg.Loops {
		transports[loop.LoopID] = loop.Transport
	}

	var intents []models.HandoffIntent
	reasonCodes := map[string]bool{}
	for _, c := range policyState.Candidates {
		if c.Suppressed {
			continue
		}
		intent := c.RecommendedIntent
		if intent == "" {
			intent = policy.DefaultIntent
		}
		intentID := c.CandidateID + ":" + intent
		hi := models.HandoffIntent{
			IntentID:       intentID,
			CandidateID:    c.CandidateID,
			LoopID:         c.LoopID,
			Intent:         intent,
			Status:         models.IntentPendingConfirmation,
			Autonomous:     c.Autonomous,
			IdempotencyKey: IdempotencyKey(opts.TraceID, intentID),
			Transport:      transports[c.LoopID],
		}
		for _, reason := range c.Autonomous.Reasons {
			if reason == policy.GateRetryGuard {
				hi.ReasonCodes = append(hi.ReasonCodes, models.ControlDroppedRetryGuard)
				reasonCodes[policy.ReasonHandoffRetryGuarded] = true
			}
		}
		intents = append(intents, hi)
	}

	state := State{
		SchemaVersion: models.SchemaVersion,
		FleetID:       reg.FleetID,
		Intents:       intents,
		ReasonCodes:   sortedCodes(reasonCodes),
		TraceID:       opts.TraceID,
		UpdatedAt:     opts.Now().UTC(),
	}
	if err := repo.WriteJSON(r.HandoffStateFile(), state); err != nil {
		return State{}, err
	}
	return state, nil
}

// ExecuteManual dispatches only the explicitly listed intent ids. The confirm
// acknowledgement and a non-empty list of known intent ids are required;
// anything else is a hard error before any control call happens.
func ExecuteManual(ctx context.Context, r *repo.Repo, reg models.FleetRegistry, state State, intentIDs []string, confirm bool, opts Options) (State, error) {
	opts.defaults()
	if !confirm {
		return State{}, ErrConfirmationRequired
	}
	if len(intentIDs) == 0 {
		return State{}, fmt.Errorf("%w: no intent ids listed", ErrConfirmationRequired)
	}
	listed := map[string]bool{}
	for _, id := range intentIDs {
		listed[id] = true
	}
	for _, id := range intentIDs {
		if findIntent(state.Intents, id) == nil {
			return State{}, fmt.Errorf("unknown intent id %q", id)
		}
	}
	return dispatch(ctx, r, reg, state, opts, "manual", func(hi models.HandoffIntent) bool {
		return listed[hi.IntentID]
	})
}

// ExecuteAutonomous dispatches every intent whose autonomous classification
// is eligible; manual-only intents stay pending.
func ExecuteAutonomous(ctx context.Context, r *repo.Repo, reg models.FleetRegistry, state State, opts Options) (State, error) {
	opts.defaults()
	if reg.PolicyConfig.Mode != models.ModeGuardedAuto {
		return State{}, ErrAutonomousModeRequired
	}
	return dispatch(ctx, r, reg, state, opts, "autonomous", func(hi models.HandoffIntent) bool {
		return hi.Autonomous.Eligible
	})
}

func dispatch(ctx context.Context, r *repo.Repo, reg models.FleetRegistry, state State, opts Options, mode string, selected func(models.HandoffIntent) bool) (State, error) {
	byLoop := map[string]models.LoopRegistration{}
	for _, loop := range reg.Loops {
		byLoop[loop.LoopID] = loop
	}
	if opts.Dial == nil {
		opts.Dial = defaultDial
	}

	sem := semaphore.NewWeighted(int64(opts.MaxParallel))
	var g errgroup.Group
	for i := range state.Intents {
		hi := &state.Intents[i]
		if !selected(*hi) || hi.Status != models.IntentPendingConfirmation {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return State{}, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			loop, ok := byLoop[hi.LoopID]
			if !ok {
				hi.Status = models.IntentSkipped
				hi.ReasonCodes = append(hi.ReasonCodes, "loop_not_registered")
				return nil
			}
			t := opts.Dial(r, loop)
			outcome, err := t.Control(ctx, transport.ControlRequest{
				LoopID:         hi.LoopID,
				Intent:         hi.Intent,
				IdempotencyKey: hi.IdempotencyKey,
				TraceID:        opts.TraceID,
			})
			if err != nil {
				outcome = models.ControlOutcome{Reason: models.ControlFailedCommand, Detail: err.Error()}
			}
			applyOutcome(hi, outcome)
			return appendTelemetry(r, *hi, mode, outcome, opts)
		})
	}
	if err := g.Wait(); err != nil {
		return State{}, err
	}

	state.UpdatedAt = opts.Now().UTC()
	if err := repo.WriteJSON(r.HandoffStateFile(), state); err != nil {
		return State{}, err
	}
	return state, nil
}

func applyOutcome(hi *models.HandoffIntent, outcome models.ControlOutcome) {
	switch outcome.Reason {
	case models.ControlConfirmed:
		hi.Status = models.IntentExecuted
	case models.ControlAmbiguous:
		hi.Status = models.IntentAmbiguous
	default:
		hi.Status = models.IntentFailed
	}
	hi.ReasonCodes = append(hi.ReasonCodes, outcome.Reason)
}

func appendTelemetry(r *repo.Repo, hi models.HandoffIntent, mode string, outcome models.ControlOutcome, opts Options) error {
	category := hi.CandidateID
	if len(hi.LoopID)+1 < len(hi.CandidateID) {
		category = hi.CandidateID[len(hi.LoopID)+1:]
	}
	return repo.AppendJSONL(r.HandoffTelemetryFile(), map[string]any{
		"schemaVersion":  models.SchemaVersion,
		"timestamp":      opts.Now().UTC().Format(time.RFC3339),
		"loopId":         hi.LoopID,
		"category":       category,
		"intent":         hi.Intent,
		"mode":           mode,
		"status":         string(hi.Status),
		"reason":         outcome.Reason,
		"idempotencyKey": hi.IdempotencyKey,
		"traceId":        opts.TraceID,
		"replayed":       outcome.Replayed,
	})
}

func defaultDial(r *repo.Repo, loop models.LoopRegistration) transport.Transport {
	if loop.Transport == models.TransportService && loop.Service != nil {
		return transport.NewServiceClient(*loop.Service, transport.ServiceClientOptions{})
	}
	return transport.NewLocal(r)
}

func findIntent(intents []models.HandoffIntent, id string) *models.HandoffIntent {
	for i := range intents {
		if intents[i].IntentID == id {
			return &intents[i]
		}
	}
	return nil
}

func sortedCodes(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for code := range set {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
