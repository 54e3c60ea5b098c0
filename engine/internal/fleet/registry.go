// Package fleet validates the fleet registry and fans per-loop reconciles
// out across the fleet with deterministic result ordering and
// partial-failure rollup.
package fleet

import (
	"errors"
	"fmt"
	"time"

	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/models"
)

// ErrInvalidRegistry wraps every registry validation failure. Validation is
// all-or-nothing: one bad entry rejects the whole artifact.
var ErrInvalidRegistry = errors.New("invalid fleet registry")

// knownCategories is the closed candidate category set suppressions may
// reference.
var knownCategories = map[string]bool{
	models.CategoryReconcileFailed:       true,
	models.CategoryHealthCritical:        true,
	models.CategoryHealthDegraded:        true,
	models.CategoryDivergenceDetected:    true,
	models.CategoryOrderingDriftDetected: true,
	models.CategoryControlAmbiguous:      true,
}

// KnownCategory reports whether c is in the closed candidate category set.
func KnownCategory(c string) bool { return knownCategories[c] }

// LoadRegistry reads and validates registry.v1.json.
func LoadRegistry(r *repo.Repo, now time.Time) (models.FleetRegistry, error) {
	var reg models.FleetRegistry
	if err := repo.ReadJSON(r.FleetRegistryFile(), &reg); err != nil {
		return models.FleetRegistry{}, fmt.Errorf("load fleet registry: %w", err)
	}
	if err := ValidateRegistry(reg, now); err != nil {
		return models.FleetRegistry{}, err
	}
	return reg, nil
}

// ValidateRegistry checks the registry invariants: service loops carry a
// baseUrl, suppression categories are in the closed set, and guarded_auto
// carries complete, unexpired governance.
func ValidateRegistry(reg models.FleetRegistry, now time.Time) error {
	if reg.SchemaVersion != "" && reg.SchemaVersion != models.SchemaVersion {
		return fmt.Errorf("%w: schemaVersion %q", ErrInvalidRegistry, reg.SchemaVersion)
	}
	if reg.FleetID == "" {
		return fmt.Errorf("%w: missing fleetId", ErrInvalidRegistry)
	}

	seen := map[string]bool{}
	for i, loop := range reg.Loops {
		if loop.LoopID == "" {
			return fmt.Errorf("%w: loops[%d] missing loopId", ErrInvalidRegistry, i)
		}
		if seen[loop.LoopID] {
			return fmt.Errorf("%w: duplicate loopId %q", ErrInvalidRegistry, loop.LoopID)
		}
		seen[loop.LoopID] = true
		switch loop.Transport {
		case models.TransportLocal:
		case models.TransportService:
			if loop.Service == nil || loop.Service.BaseURL == "" {
				return fmt.Errorf("%w: loop %q uses sprite_service without service.baseUrl", ErrInvalidRegistry, loop.LoopID)
			}
		default:
			return fmt.Errorf("%w: loop %q transport %q", ErrInvalidRegistry, loop.LoopID, loop.Transport)
		}
	}

	for scope, categories := range reg.PolicyConfig.Suppressions {
		if scope != "*" && !seen[scope] {
			return fmt.Errorf("%w: suppression scope %q names no configured loop", ErrInvalidRegistry, scope)
		}
		for _, c := range categories {
			if !knownCategories[c] {
				return fmt.Errorf("%w: suppression category %q is not in the closed set", ErrInvalidRegistry, c)
			}
		}
	}

	switch reg.PolicyConfig.Mode {
	case models.ModeAdvisory:
	case models.ModeGuardedAuto:
		auto := reg.PolicyConfig.Autonomous
		if auto == nil {
			return fmt.Errorf("%w: guarded_auto requires an autonomous policy block", ErrInvalidRegistry)
		}
		if err := validateGovernance(auto.Governance, now); err != nil {
			return err
		}
		for _, c := range auto.Allow.Categories {
			if !knownCategories[c] {
				return fmt.Errorf("%w: allow.categories entry %q is not in the closed set", ErrInvalidRegistry, c)
			}
		}
		if rollout := auto.Rollout; rollout != nil {
			if rollout.CanaryPercent < 0 || rollout.CanaryPercent > 100 {
				return fmt.Errorf("%w: rollout.canaryPercent %d out of range", ErrInvalidRegistry, rollout.CanaryPercent)
			}
		}
	default:
		return fmt.Errorf("%w: policy.mode %q", ErrInvalidRegistry, reg.PolicyConfig.Mode)
	}
	return nil
}

func validateGovernance(g models.Governance, now time.Time) error {
	if g.Actor == "" || g.ApprovalRef == "" || g.Rationale == "" {
		return fmt.Errorf("%w: guarded_auto governance requires actor, approvalRef and rationale", ErrInvalidRegistry)
	}
	if g.ChangedAt.IsZero() {
		return fmt.Errorf("%w: guarded_auto governance requires changedAt", ErrInvalidRegistry)
	}
	if g.ReviewBy.IsZero() {
		return fmt.Errorf("%w: guarded_auto governance requires reviewBy", ErrInvalidRegistry)
	}
	if !g.ReviewBy.After(now) {
		return fmt.Errorf("%w: governance reviewBy %s is not in the future", ErrInvalidRegistry, g.ReviewBy.Format(time.RFC3339))
	}
	return nil
}
