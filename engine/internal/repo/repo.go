// Package repo owns every on-disk path the ops-manager touches. Subsystems
// receive a *Repo and never reconstruct paths from strings; the directory
// layout under .superloop/ lives here and nowhere else.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
)

// Root directory names under the repository being managed.
const (
	superloopDir = ".superloop"
	opsDir       = "ops-manager"
	fleetDir     = "fleet"
	horizonsDir  = "horizons"
)

// Repo is the handle to one managed repository tree. All methods return
// absolute paths; none of them touch the filesystem except the Ensure*
// helpers.
type Repo struct {
	root string
}

// New returns a Repo rooted at path. The path is cleaned but not required to
// exist yet; writers create directories defensively.
func New(path string) *Repo {
	return &Repo{root: filepath.Clean(path)}
}

// Root returns the repository root this handle was created with.
func (r *Repo) Root() string { return r.root }

func (r *Repo) superloop(parts ...string) string {
	return filepath.Join(append([]string{r.root, superloopDir}, parts...)...)
}

// StateFile is the loop runtime's own state.json (owned by the external
// superloop runtime; the ops-manager only reads it).
func (r *Repo) StateFile() string { return r.superloop("state.json") }

// ActiveRunFile is the runtime's active-run pointer.
func (r *Repo) ActiveRunFile() string { return r.superloop("active-run.json") }

// Per-loop runtime artifacts (read-only from the ops-manager's viewpoint).

func (r *Repo) RunSummaryFile(loopID string) string {
	return r.superloop("loops", loopID, "run-summary.json")
}

func (r *Repo) EventsFile(loopID string) string {
	return r.superloop("loops", loopID, "events.jsonl")
}

func (r *Repo) RuntimeHeartbeatFile(loopID string) string {
	return r.superloop("loops", loopID, "heartbeat.v1.json")
}

// Per-loop ops-manager artifacts.

func (r *Repo) opsLoop(loopID string, parts ...string) string {
	return r.superloop(append([]string{opsDir, loopID}, parts...)...)
}

func (r *Repo) LoopStateFile(loopID string) string  { return r.opsLoop(loopID, "state.json") }
func (r *Repo) HealthFile(loopID string) string     { return r.opsLoop(loopID, "health.json") }
func (r *Repo) CursorFile(loopID string) string     { return r.opsLoop(loopID, "cursor.json") }
func (r *Repo) HeartbeatFile(loopID string) string  { return r.opsLoop(loopID, "heartbeat.json") }
func (r *Repo) SequenceStateFile(loopID string) string {
	return r.opsLoop(loopID, "sequence-state.json")
}
func (r *Repo) IntentsFile(loopID string) string     { return r.opsLoop(loopID, "intents.jsonl") }
func (r *Repo) EscalationsFile(loopID string) string { return r.opsLoop(loopID, "escalations.jsonl") }
func (r *Repo) AlertDispatchStateFile(loopID string) string {
	return r.opsLoop(loopID, "alert-dispatch-state.json")
}
func (r *Repo) ServiceIdempotencyFile(loopID string) string {
	return r.opsLoop(loopID, "service-idempotency.json")
}

// Per-loop telemetry streams.

func (r *Repo) ReconcileTelemetryFile(loopID string) string {
	return r.opsLoop(loopID, "telemetry", "reconcile.jsonl")
}
func (r *Repo) ControlTelemetryFile(loopID string) string {
	return r.opsLoop(loopID, "telemetry", "control.jsonl")
}
func (r *Repo) ControlInvocationsFile(loopID string) string {
	return r.opsLoop(loopID, "telemetry", "control-invocations.jsonl")
}
func (r *Repo) HeartbeatTelemetryFile(loopID string) string {
	return r.opsLoop(loopID, "telemetry", "heartbeat.jsonl")
}
func (r *Repo) SequenceTelemetryFile(loopID string) string {
	return r.opsLoop(loopID, "telemetry", "sequence.jsonl")
}
func (r *Repo) AlertsTelemetryFile(loopID string) string {
	return r.opsLoop(loopID, "telemetry", "alerts.jsonl")
}

// Fleet-level artifacts.

func (r *Repo) fleet(parts ...string) string {
	return r.superloop(append([]string{opsDir, fleetDir}, parts...)...)
}

func (r *Repo) FleetRegistryFile() string   { return r.fleet("registry.v1.json") }
func (r *Repo) FleetStateFile() string      { return r.fleet("state.json") }
func (r *Repo) PolicyStateFile() string     { return r.fleet("policy-state.json") }
func (r *Repo) HandoffStateFile() string    { return r.fleet("handoff-state.json") }
func (r *Repo) PromotionStateFile() string  { return r.fleet("promotion-state.json") }
func (r *Repo) PromotionApplyStateFile() string {
	return r.fleet("promotion-apply-state.json")
}
func (r *Repo) DrillStateFile() string         { return r.fleet("drill-state.json") }
func (r *Repo) HorizonBridgeQueueFile() string { return r.fleet("horizon-bridge-queue.json") }
func (r *Repo) HorizonBridgeStateFile() string { return r.fleet("horizon-bridge-state.json") }
func (r *Repo) HorizonBridgeClaimsDir(kind string) string {
	return r.fleet("horizon-bridge-claims", kind)
}

func (r *Repo) FleetReconcileTelemetryFile() string {
	return r.fleet("telemetry", "reconcile.jsonl")
}
func (r *Repo) HandoffTelemetryFile() string { return r.fleet("telemetry", "handoff.jsonl") }
func (r *Repo) PolicyHistoryFile() string    { return r.fleet("telemetry", "policy-history.jsonl") }
func (r *Repo) PolicyGovernanceFile() string {
	return r.fleet("telemetry", "policy-governance.jsonl")
}
func (r *Repo) PromotionApplyTelemetryFile() string {
	return r.fleet("telemetry", "promotion-apply.jsonl")
}
func (r *Repo) HorizonBridgeTelemetryFile() string {
	return r.fleet("telemetry", "horizon-bridge.jsonl")
}

// Horizon bus artifacts.

func (r *Repo) horizons(parts ...string) string {
	return r.superloop(append([]string{horizonsDir}, parts...)...)
}

func (r *Repo) HorizonPacketFile(packetID string) string {
	return r.horizons("packets", packetID+".json")
}
func (r *Repo) HorizonPacketsDir() string { return r.horizons("packets") }
func (r *Repo) HorizonOutboxFile(recipientType, recipientID string) string {
	return r.horizons("outbox", recipientType, recipientID+".jsonl")
}
func (r *Repo) HorizonOutboxDir() string { return r.horizons("outbox") }
func (r *Repo) HorizonPacketsTelemetryFile() string {
	return r.horizons("telemetry", "packets.jsonl")
}
func (r *Repo) HorizonOrchestratorTelemetryFile() string {
	return r.horizons("telemetry", "orchestrator.jsonl")
}
func (r *Repo) HorizonDeadLetterFile() string {
	return r.horizons("telemetry", "dead-letter.jsonl")
}
func (r *Repo) HorizonRetryStateFile() string { return r.horizons("retry-state.json") }
func (r *Repo) HorizonAckStateFile() string   { return r.horizons("ack-state.json") }

// EnsureDir creates dir (and parents) if missing.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", dir, err)
	}
	return nil
}

// EnsureParent creates the parent directory of path if missing.
func EnsureParent(path string) error {
	return EnsureDir(filepath.Dir(path))
}
