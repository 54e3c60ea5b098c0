// Package health maps a loop's projected state, transport history, runtime
// heartbeat and sequence state onto the {healthy, degraded, critical} rollup
// with its closed reason-code set.
package health

import (
	"fmt"
	"sort"
	"time"

	"github.com/opsmgr/control-plane/engine/models"
)

// registeredReasonCodes is the closed reason-code set. It is populated during
// package init and sealed before any evaluation runs; Evaluate refuses to
// emit a code that is not in it.
var (
	registeredReasonCodes = map[string]bool{}
	reasonCodesSealed     bool
)

func init() {
	for _, code := range []string{
		models.ReasonIngestStale,
		models.ReasonRuntimeHeartbeatStale,
		models.ReasonTransportUnreachable,
		models.ReasonOrderingDriftDetected,
		models.ReasonControlAmbiguous,
		models.ReasonApprovalCompletionConf,
		models.ReasonDivergenceDetected,
	} {
		registeredReasonCodes[code] = true
	}
}

// RegisterReasonCode extends the closed set. It exists so future in-module
// evaluators (e.g. per-role runner heartbeats) can add codes during their own
// package init; once the first Evaluate call seals the set, registration
// panics — dynamic extension is not supported.
func RegisterReasonCode(code string) {
	if reasonCodesSealed {
		panic(fmt.Sprintf("health: reason code %q registered after seal", code))
	}
	registeredReasonCodes[code] = true
}

// ResolveThresholds maps a named profile onto its concrete threshold values.
// Explicit overrides (non-zero fields on the override argument) win over the
// profile.
func ResolveThresholds(profile models.ThresholdProfile, override models.Thresholds) models.Thresholds {
	var t models.Thresholds
	switch profile {
	case models.ProfileStrict:
		t = models.Thresholds{
			Profile:                        models.ProfileStrict,
			IngestStaleLagSeconds:          60,
			HeartbeatStaleLagSeconds:       90,
			DegradedTransportFailureStreak: 1,
			CriticalTransportFailureStreak: 2,
		}
	case models.ProfileRelaxed:
		t = models.Thresholds{
			Profile:                        models.ProfileRelaxed,
			IngestStaleLagSeconds:          1800,
			HeartbeatStaleLagSeconds:       3600,
			DegradedTransportFailureStreak: 5,
			CriticalTransportFailureStreak: 10,
		}
	default:
		t = models.Thresholds{
			Profile:                        models.ProfileBalanced,
			IngestStaleLagSeconds:          300,
			HeartbeatStaleLagSeconds:       600,
			DegradedTransportFailureStreak: 2,
			CriticalTransportFailureStreak: 4,
		}
	}
	if override.IngestStaleLagSeconds > 0 {
		t.IngestStaleLagSeconds = override.IngestStaleLagSeconds
	}
	if override.HeartbeatStaleLagSeconds > 0 {
		t.HeartbeatStaleLagSeconds = override.HeartbeatStaleLagSeconds
	}
	if override.DegradedTransportFailureStreak > 0 {
		t.DegradedTransportFailureStreak = override.DegradedTransportFailureStreak
	}
	if override.CriticalTransportFailureStreak > 0 {
		t.CriticalTransportFailureStreak = override.CriticalTransportFailureStreak
	}
	return t
}

// Input is everything one health evaluation consumes. Evaluate is a pure
// function of it.
type Input struct {
	State            models.ProjectedState
	Sequence         models.SequenceState
	RuntimeHeartbeat *models.Heartbeat

	// TransportFailureStreak counts consecutive transport failures; reset to
	// zero by the reconciler on the first subsequent success.
	TransportFailureStreak int

	// ControlAmbiguous reports whether the loop's last control outcome was
	// ambiguous (from control telemetry).
	ControlAmbiguous bool

	Thresholds models.Thresholds
	Now        time.Time
	TraceID    string
}

// Evaluate rolls Input up into a Health. Precedence is critical > degraded >
// healthy; the worst level any reason implies wins.
func Evaluate(in Input) models.Health {
	reasonCodesSealed = true

	degraded := map[string]bool{}
	critical := map[string]bool{}

	lastEvent := in.State.Projection.LastEventAt
	if !lastEvent.IsZero() && in.Now.Sub(lastEvent) > time.Duration(in.Thresholds.IngestStaleLagSeconds)*time.Second {
		degraded[models.ReasonIngestStale] = true
	}

	if in.RuntimeHeartbeat != nil && !in.RuntimeHeartbeat.ObservedAt.IsZero() {
		if in.Now.Sub(in.RuntimeHeartbeat.ObservedAt) > time.Duration(in.Thresholds.HeartbeatStaleLagSeconds)*time.Second {
			degraded[models.ReasonRuntimeHeartbeatStale] = true
		}
	}

	if in.TransportFailureStreak >= in.Thresholds.CriticalTransportFailureStreak {
		critical[models.ReasonTransportUnreachable] = true
	} else if in.TransportFailureStreak >= in.Thresholds.DegradedTransportFailureStreak {
		degraded[models.ReasonTransportUnreachable] = true
	}

	if in.Sequence.DriftActive {
		degraded[models.ReasonOrderingDriftDetected] = true
	}

	if in.ControlAmbiguous {
		degraded[models.ReasonControlAmbiguous] = true
	}

	if in.State.Divergence.Flags.ApprovalCompletionConflict {
		degraded[models.ReasonApprovalCompletionConf] = true
	}
	if in.State.Divergence.AnyFlag {
		degraded[models.ReasonDivergenceDetected] = true
	}

	status := models.HealthHealthy
	if len(degraded) > 0 {
		status = models.HealthDegraded
	}
	if len(critical) > 0 {
		status = models.HealthCritical
	}

	codes := make([]string, 0, len(degraded)+len(critical))
	for code := range degraded {
		codes = append(codes, code)
	}
	for code := range critical {
		if !degraded[code] {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	for _, code := range codes {
		if !registeredReasonCodes[code] {
			panic(fmt.Sprintf("health: reason code %q outside the closed set", code))
		}
	}

	return models.Health{
		Status:      status,
		ReasonCodes: codes,
		Thresholds:  in.Thresholds,
		TraceID:     in.TraceID,
	}
}
