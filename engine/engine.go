// Package engine composes the ops-manager subsystems behind a single
// facade: per-loop reconciliation, fleet fan-out, policy, handoff, alert
// dispatch, promotion and the horizon packet bus, all rooted at one
// repository handle.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/opsmgr/control-plane/engine/config"
	"github.com/opsmgr/control-plane/engine/internal/alerts"
	"github.com/opsmgr/control-plane/engine/internal/bridge"
	"github.com/opsmgr/control-plane/engine/internal/fleet"
	"github.com/opsmgr/control-plane/engine/internal/handoff"
	"github.com/opsmgr/control-plane/engine/internal/health"
	"github.com/opsmgr/control-plane/engine/internal/horizon"
	"github.com/opsmgr/control-plane/engine/internal/policy"
	"github.com/opsmgr/control-plane/engine/internal/promotion"
	"github.com/opsmgr/control-plane/engine/internal/reconciler"
	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/internal/retrypolicy"
	"github.com/opsmgr/control-plane/engine/internal/telemetry/logging"
	"github.com/opsmgr/control-plane/engine/internal/telemetry/metrics"
	"github.com/opsmgr/control-plane/engine/internal/telemetry/tracing"
	"github.com/opsmgr/control-plane/engine/internal/transport"
	"github.com/opsmgr/control-plane/engine/models"
)

// Aliases re-export the subsystem result and state types so callers outside
// engine/ (the CLI binaries) can name them without importing internal
// packages.
type (
	ReconcileResult   = reconciler.Result
	FleetState        = fleet.State
	PolicyState       = policy.State
	HandoffState      = handoff.State
	AlertResult       = alerts.Result
	AlertConfig       = alerts.Config
	PromotionState    = promotion.PromotionState
	ApplyRequest      = promotion.ApplyRequest
	ApplyResult       = promotion.ApplyResult
	GatesConfig       = promotion.GatesConfig
	HorizonCreate     = horizon.CreateInput
	OrchestrateResult = horizon.OrchestrateResult
	AckResult         = horizon.IngestResult
	RetryResult       = horizon.RetryResult
	BridgeResult      = bridge.Result
)

// Re-exported sentinel errors the CLI maps to exit codes.
var (
	ErrDecisionMismatch       = promotion.ErrDecisionMismatch
	ErrContractValidation     = bridge.ErrContractValidation
	ErrConfirmationRequired   = handoff.ErrConfirmationRequired
	ErrAutonomousModeRequired = handoff.ErrAutonomousModeRequired
)

// Options configures an Engine.
type Options struct {
	Config config.Config
	Logger logging.Logger
	Now    func() time.Time
}

// Engine is the facade over one repository's control plane.
type Engine struct {
	repo    *repo.Repo
	cfg     config.Config
	logger  logging.Logger
	metrics metrics.Provider
	tracer  tracing.Tracer
	now     func() time.Time
}

// New builds an Engine rooted at the repository path.
func New(root string, opts Options) (*Engine, error) {
	if root == "" {
		return nil, fmt.Errorf("repository root is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(nil)
	}
	e := &Engine{
		repo:    repo.New(root),
		cfg:     opts.Config,
		logger:  opts.Logger,
		metrics: selectMetricsProvider(opts.Config.Telemetry.MetricsBackend),
		tracer:  tracing.NewTracer("opsmgr"),
		now:     opts.Now,
	}
	return e, nil
}

// selectMetricsProvider maps the configured backend name onto a Provider.
func selectMetricsProvider(backend string) metrics.Provider {
	switch backend {
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "opsmgr"})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

// NewTraceID mints a trace id for invocations that were not handed one.
func NewTraceID() string { return tracing.NewTraceID() }

func (e *Engine) thresholds() models.Thresholds {
	return health.ResolveThresholds(
		models.ThresholdProfile(e.cfg.Reconcile.ThresholdProfile),
		e.cfg.Thresholds(),
	)
}

func (e *Engine) localTransport() transport.Transport { return transport.NewLocal(e.repo) }

// Reconcile runs one reconcile pass for loopID over the local transport.
func (e *Engine) Reconcile(ctx context.Context, loopID, traceID string) (ReconcileResult, error) {
	ctx, span := e.tracer.Start(ctx, "reconcile")
	defer span.End()
	rc := reconciler.New(e.repo, e.localTransport(), reconciler.Options{
		Thresholds: e.thresholds(),
		MaxEvents:  e.cfg.Reconcile.MaxEvents,
		Logger:     e.logger,
		Now:        e.now,
	})
	return rc.Reconcile(ctx, loopID, tracing.TraceIDFromSpan(ctx, traceID))
}

// Status returns the persisted projected state and health for loopID.
func (e *Engine) Status(loopID string) (map[string]any, error) {
	var state, healthDoc map[string]any
	if err := repo.ReadJSON(e.repo.LoopStateFile(loopID), &state); err != nil {
		return nil, fmt.Errorf("loop %s has no reconciled state: %w", loopID, err)
	}
	if err := repo.ReadJSON(e.repo.HealthFile(loopID), &healthDoc); err != nil {
		return nil, fmt.Errorf("loop %s has no health: %w", loopID, err)
	}
	return map[string]any{"state": state, "health": healthDoc}, nil
}

// Control dispatches a single operator intent to loopID over the local
// transport.
func (e *Engine) Control(ctx context.Context, loopID, intent, idempotencyKey, traceID string) (models.ControlOutcome, error) {
	ctx, span := e.tracer.Start(ctx, "control")
	defer span.End()
	traceID = tracing.TraceIDFromSpan(ctx, traceID)
	outcome, err := e.localTransport().Control(ctx, transport.ControlRequest{
		LoopID:         loopID,
		Intent:         intent,
		IdempotencyKey: idempotencyKey,
		TraceID:        traceID,
	})
	if err != nil {
		return models.ControlOutcome{}, err
	}
	if err := repo.AppendJSONL(e.repo.ControlTelemetryFile(loopID), map[string]any{
		"schemaVersion": models.SchemaVersion,
		"timestamp":     e.now().UTC().Format(time.RFC3339),
		"loopId":        loopID,
		"intent":        intent,
		"reason":        outcome.Reason,
		"replayed":      outcome.Replayed,
		"traceId":       traceID,
	}); err != nil {
		return models.ControlOutcome{}, err
	}
	return outcome, nil
}

// LoadRegistry reads and validates the fleet registry.
func (e *Engine) LoadRegistry() (models.FleetRegistry, error) {
	return fleet.LoadRegistry(e.repo, e.now())
}

// FleetReconcile fans reconciles out across the registry's enabled loops.
func (e *Engine) FleetReconcile(ctx context.Context, reg models.FleetRegistry, traceID string, deterministic bool) (FleetState, error) {
	ctx, span := e.tracer.Start(ctx, "fleet_reconcile")
	defer span.End()
	return fleet.Reconcile(ctx, e.repo, reg, fleet.Options{
		TraceID:            tracing.TraceIDFromSpan(ctx, traceID),
		DeterministicOrder: deterministic,
		MaxParallel:        e.cfg.Fleet.MaxParallel,
		Thresholds:         e.thresholds(),
		Logger:             e.logger,
		Now:                e.now,
	})
}

// FleetStatus reads the persisted fleet state.
func (e *Engine) FleetStatus() (FleetState, error) {
	var st FleetState
	if err := repo.ReadJSON(e.repo.FleetStateFile(), &st); err != nil {
		return FleetState{}, fmt.Errorf("no fleet state: run fleet-reconcile first: %w", err)
	}
	return st, nil
}

// PolicyRun executes the policy pipeline over the latest fleet state.
func (e *Engine) PolicyRun(ctx context.Context, reg models.FleetRegistry, fleetState FleetState, traceID string) (PolicyState, error) {
	ctx, span := e.tracer.Start(ctx, "fleet_policy")
	defer span.End()
	return policy.Run(e.repo, reg, fleetState, policy.Options{
		TraceID: tracing.TraceIDFromSpan(ctx, traceID),
		Now:     e.now,
	})
}

// HandoffPlan materializes pending intents from the latest policy state.
func (e *Engine) HandoffPlan(reg models.FleetRegistry, policyState PolicyState, traceID string) (HandoffState, error) {
	return handoff.Plan(e.repo, reg, policyState, handoff.Options{
		TraceID:     traceID,
		MaxParallel: e.cfg.Fleet.MaxParallel,
		Logger:      e.logger,
		Now:         e.now,
	})
}

// HandoffExecuteManual dispatches the listed intents after explicit
// confirmation.
func (e *Engine) HandoffExecuteManual(ctx context.Context, reg models.FleetRegistry, state HandoffState, intentIDs []string, confirm bool, traceID string) (HandoffState, error) {
	ctx, span := e.tracer.Start(ctx, "fleet_handoff_manual")
	defer span.End()
	return handoff.ExecuteManual(ctx, e.repo, reg, state, intentIDs, confirm, handoff.Options{
		TraceID:     tracing.TraceIDFromSpan(ctx, traceID),
		MaxParallel: e.cfg.Fleet.MaxParallel,
		Logger:      e.logger,
		Now:         e.now,
	})
}

// HandoffExecuteAutonomous dispatches every eligible intent under
// guarded_auto.
func (e *Engine) HandoffExecuteAutonomous(ctx context.Context, reg models.FleetRegistry, state HandoffState, traceID string) (HandoffState, error) {
	ctx, span := e.tracer.Start(ctx, "fleet_handoff_autonomous")
	defer span.End()
	return handoff.ExecuteAutonomous(ctx, e.repo, reg, state, handoff.Options{
		TraceID:     tracing.TraceIDFromSpan(ctx, traceID),
		MaxParallel: e.cfg.Fleet.MaxParallel,
		Logger:      e.logger,
		Now:         e.now,
	})
}

// HandoffStatus reads the persisted handoff state.
func (e *Engine) HandoffStatus() (HandoffState, error) {
	var st HandoffState
	if err := repo.ReadJSON(e.repo.HandoffStateFile(), &st); err != nil {
		return HandoffState{}, fmt.Errorf("no handoff state: run fleet-handoff first: %w", err)
	}
	return st, nil
}

// AlertDispatch routes new escalations for loopID to the configured sinks.
func (e *Engine) AlertDispatch(ctx context.Context, loopID string, cfg AlertConfig) (AlertResult, error) {
	ctx, span := e.tracer.Start(ctx, "alert_dispatch")
	defer span.End()
	return alerts.Dispatch(ctx, e.repo, loopID, cfg, alerts.Options{
		Logger: e.logger,
		Now:    e.now,
	})
}

// LoadAlertConfig loads the alert sinks declaration, defaulting to the
// config's sinks_file then the environment.
func (e *Engine) LoadAlertConfig(path string) (AlertConfig, error) {
	if path == "" {
		path = e.cfg.Alerts.SinksFile
	}
	return alerts.LoadConfig(path)
}

// PromotionGates evaluates the four promotion gate groups.
func (e *Engine) PromotionGates(reg models.FleetRegistry, traceID string) (PromotionState, error) {
	return promotion.EvaluateGates(e.repo, reg, e.gatesConfig(), traceID, e.now())
}

// PromotionApply mutates the registry's rollout and governance blocks.
func (e *Engine) PromotionApply(req ApplyRequest) (ApplyResult, error) {
	return promotion.Apply(e.repo, req, e.now())
}

// PromotionOrchestrate runs gates then apply per the requested mode.
func (e *Engine) PromotionOrchestrate(reg models.FleetRegistry, mode string, req ApplyRequest) (PromotionState, *ApplyResult, error) {
	return promotion.Orchestrate(e.repo, reg, e.gatesConfig(), mode, req, e.now())
}

func (e *Engine) gatesConfig() GatesConfig {
	return GatesConfig{
		LookbackExecutions:      e.cfg.Promotion.LookbackExecutions,
		MinSampleSize:           e.cfg.Promotion.MinSampleSize,
		MaxAmbiguityRate:        e.cfg.Promotion.MaxAmbiguityRate,
		MaxFailureRate:          e.cfg.Promotion.MaxFailureRate,
		MaxDrillAgeHours:        e.cfg.Promotion.MaxDrillAgeHours,
		RequireAuthorityContext: e.cfg.Promotion.RequireAuthorityContext,
	}
}

func (e *Engine) horizonStore() *horizon.Store { return horizon.NewStore(e.repo, e.now) }

func (e *Engine) horizonDirectory() horizon.Directory {
	dir := horizon.Directory{Mode: e.cfg.Horizon.DirectoryMode}
	for _, c := range e.cfg.Horizon.Directory {
		dir.Contacts = append(dir.Contacts, horizon.DirectoryContact{Type: c.Type, ID: c.ID})
	}
	return dir
}

// HorizonCreatePacket mints a queued packet.
func (e *Engine) HorizonCreatePacket(in HorizonCreate) (models.HorizonPacket, error) {
	return e.horizonStore().Create(in)
}

// HorizonTransition moves a packet through the FSM.
func (e *Engine) HorizonTransition(packetID string, to models.HorizonStatus, note string) (models.HorizonPacket, error) {
	return e.horizonStore().Transition(packetID, to, note)
}

// HorizonList returns every packet sorted by (horizonRef, createdAt).
func (e *Engine) HorizonList() ([]models.HorizonPacket, error) {
	return e.horizonStore().List()
}

// HorizonShow loads one packet.
func (e *Engine) HorizonShow(packetID string) (models.HorizonPacket, error) {
	return e.horizonStore().Get(packetID)
}

// HorizonOrchestrate plans (and optionally dispatches) queued packets.
func (e *Engine) HorizonOrchestrate(traceID, mode, adapter string) (OrchestrateResult, error) {
	o := horizon.NewOrchestrator(e.repo, e.horizonStore(), e.horizonDirectory(), e.now)
	switch mode {
	case "plan":
		return o.Plan(traceID)
	case "dispatch":
		return o.Dispatch(traceID, adapter, false)
	case "dry_run":
		return o.Dispatch(traceID, adapter, true)
	default:
		return OrchestrateResult{}, fmt.Errorf("unknown horizon orchestrate mode %q", mode)
	}
}

// HorizonAckIngest applies a receipts file with {packetId, traceId} dedupe.
func (e *Engine) HorizonAckIngest(path string) (AckResult, error) {
	return horizon.NewIngester(e.repo, e.horizonStore()).IngestFile(path)
}

// HorizonRetryReconcile re-drives unacknowledged dispatched packets.
func (e *Engine) HorizonRetryReconcile(traceID string) (RetryResult, error) {
	rt := horizon.NewRetrier(e.repo, e.horizonStore(), retrypolicy.Policy{
		AckTimeout: e.cfg.HorizonAckTimeout(),
		Backoff:    e.cfg.HorizonBackoff(),
		MaxRetries: e.cfg.Horizon.MaxRetries,
	}, e.now)
	return rt.Reconcile(traceID)
}

// BridgeRun claims horizon envelopes into the handoff queue.
func (e *Engine) BridgeRun(traceID string) (BridgeResult, error) {
	return bridge.Run(e.repo, traceID, e.now)
}

// MetricsHandler exposes the Prometheus scrape endpoint when the configured
// backend supports one, else nil.
func (e *Engine) MetricsHandler() http.Handler {
	type handlerProvider interface{ MetricsHandler() http.Handler }
	if hp, ok := e.metrics.(handlerProvider); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// MetricsProvider exposes the engine's metrics provider to sibling packages
// (the service binary registers its own instruments against it).
func (e *Engine) MetricsProvider() metrics.Provider { return e.metrics }

// Repo exposes the repository handle for packages under engine/ (the
// service constructor takes it).
func (e *Engine) Repo() *repo.Repo { return e.repo }
