package fleet

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/opsmgr/control-plane/engine/internal/reconciler"
	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/internal/telemetry/logging"
	"github.com/opsmgr/control-plane/engine/internal/transport"
	"github.com/opsmgr/control-plane/engine/models"
)

// Rollup statuses for a fleet pass.
const (
	StatusSuccess        = "success"
	StatusPartialFailure = "partial_failure"
	StatusFailed         = "failed"
)

// ReasonPartialFailure surfaces in reasonCodes whenever at least one loop
// failed while others succeeded.
const ReasonPartialFailure = "fleet_partial_failure"

// State is the persisted fleet state.json document.
type State struct {
	SchemaVersion string              `json:"schemaVersion"`
	FleetID       string              `json:"fleetId"`
	Status        string              `json:"status"`
	SuccessCount  int                 `json:"successCount"`
	FailedCount   int                 `json:"failedCount"`
	Results       []reconciler.Result `json:"results"`
	ReasonCodes   []string            `json:"reasonCodes"`
	Execution     Execution           `json:"execution"`
}

// Execution records the immutable invocation metadata of one fleet pass.
type Execution struct {
	TraceID     string    `json:"traceId"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	MaxParallel int       `json:"maxParallel"`
}

// Options configures one fleet reconcile pass.
type Options struct {
	TraceID            string
	DeterministicOrder bool
	MaxParallel        int
	Thresholds         models.Thresholds
	Logger             logging.Logger
	Now                func() time.Time

	// Dial maps a registry entry onto its transport. Tests inject fakes; the
	// default wires Local and ServiceClient.
	Dial func(r *repo.Repo, loop models.LoopRegistration) transport.Transport
}

// DefaultDial is the production transport factory.
func DefaultDial(r *repo.Repo, loop models.LoopRegistration) transport.Transport {
	if loop.Transport == models.TransportService && loop.Service != nil {
		return transport.NewServiceClient(*loop.Service, transport.ServiceClientOptions{})
	}
	return transport.NewLocal(r)
}

// Reconcile validates the registry and fans per-loop reconciles out under a
// semaphore of size MaxParallel, emitting results in sorted loop order
// regardless of completion order. One loop's failure never aborts its
// siblings.
func Reconcile(ctx context.Context, r *repo.Repo, reg models.FleetRegistry, opts Options) (State, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(nil)
	}
	if opts.Dial == nil {
		opts.Dial = DefaultDial
	}
	if err := ValidateRegistry(reg, opts.Now()); err != nil {
		return State{}, err
	}
	started := opts.Now().UTC()

	loops := make([]models.LoopRegistration, 0, len(reg.Loops))
	for _, loop := range reg.Loops {
		if loop.Enabled {
			loops = append(loops, loop)
		}
	}
	if opts.DeterministicOrder {
		sort.Slice(loops, func(i, j int) bool { return loops[i].LoopID < loops[j].LoopID })
	}

	results := make([]reconciler.Result, len(loops))
	sem := semaphore.NewWeighted(int64(opts.MaxParallel))
	var g errgroup.Group
	for i, loop := range loops {
		if err := sem.Acquire(ctx, 1); err != nil {
			return State{}, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			loopTrace := opts.TraceID + "-" + loop.LoopID
			rc := reconciler.New(r, opts.Dial(r, loop), reconciler.Options{
				Thresholds: opts.Thresholds,
				Logger:     opts.Logger,
				Now:        opts.Now,
			})
			res, err := rc.Reconcile(ctx, loop.LoopID, loopTrace)
			if err != nil {
				// Local persistence or projection failures become a failed
				// loop result; the fan-out continues.
				res = reconciler.Result{
					LoopID:     loop.LoopID,
					Status:     "failed",
					ReasonCode: models.CategoryReconcileFailed,
					TraceID:    loopTrace,
				}
				opts.Logger.ErrorCtx(ctx, "loop reconcile errored", "loop_id", loop.LoopID, "error", err.Error())
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return State{}, err
	}

	var success, failed int
	for _, res := range results {
		if res.Status == "failed" {
			failed++
		} else {
			success++
		}
	}
	status := StatusSuccess
	var reasonCodes []string
	switch {
	case failed > 0 && success > 0:
		status = StatusPartialFailure
		reasonCodes = append(reasonCodes, ReasonPartialFailure)
	case failed > 0:
		status = StatusFailed
	}

	state := State{
		SchemaVersion: models.SchemaVersion,
		FleetID:       reg.FleetID,
		Status:        status,
		SuccessCount:  success,
		FailedCount:   failed,
		Results:       results,
		ReasonCodes:   reasonCodes,
		Execution: Execution{
			TraceID:     opts.TraceID,
			StartedAt:   started,
			CompletedAt: opts.Now().UTC(),
			MaxParallel: opts.MaxParallel,
		},
	}
	if err := repo.WriteJSON(r.FleetStateFile(), state); err != nil {
		return State{}, err
	}
	if err := repo.AppendJSONL(r.FleetReconcileTelemetryFile(), map[string]any{
		"schemaVersion": models.SchemaVersion,
		"timestamp":     opts.Now().UTC().Format(time.RFC3339),
		"fleetId":       reg.FleetID,
		"status":        status,
		"successCount":  success,
		"failedCount":   failed,
		"traceId":       opts.TraceID,
	}); err != nil {
		return State{}, err
	}
	return state, nil
}
