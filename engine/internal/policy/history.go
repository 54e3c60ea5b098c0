package policy

import (
	"time"

	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/models"
)

// historyRow is one line of telemetry/policy-history.jsonl: a candidate that
// fired (survived suppression) in some prior pass.
type historyRow struct {
	SchemaVersion string `json:"schemaVersion"`
	Timestamp     string `json:"timestamp"`
	CandidateID   string `json:"candidateId"`
	LoopID        string `json:"loopId"`
	Category      string `json:"category"`
	Severity      string `json:"severity"`
	TraceID       string `json:"traceId"`
}

func loadHistory(r *repo.Repo) ([]historyRow, error) {
	var rows []historyRow
	err := repo.ReadJSONLFrom(r.PolicyHistoryFile(), 0, func() any { return &historyRow{} },
		func(_ int64, v any) error {
			rows = append(rows, *v.(*historyRow))
			return nil
		})
	return rows, err
}

// latestFiring returns the most recent firing time recorded for candidateID.
func latestFiring(rows []historyRow, candidateID string) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, row := range rows {
		if row.CandidateID != candidateID {
			continue
		}
		if t, err := time.Parse(time.RFC3339, row.Timestamp); err == nil && t.After(latest) {
			latest = t
			found = true
		}
	}
	return latest, found
}

// appendHistory records this pass's fired (unsuppressed) candidates so the
// next pass can enforce cooldowns against them.
func appendHistory(r *repo.Repo, candidates []models.PolicyCandidate, traceID string, now time.Time) error {
	for _, c := range candidates {
		if c.Suppressed {
			continue
		}
		row := historyRow{
			SchemaVersion: models.SchemaVersion,
			Timestamp:     now.Format(time.RFC3339),
			CandidateID:   c.CandidateID,
			LoopID:        c.LoopID,
			Category:      c.Category,
			Severity:      string(c.Severity),
			TraceID:       traceID,
		}
		if err := repo.AppendJSONL(r.PolicyHistoryFile(), row); err != nil {
			return err
		}
	}
	return nil
}

// handoffRow is one line of telemetry/handoff.jsonl, shared with the handoff
// engine (which writes it) and the promotion gates (which read it).
type handoffRow struct {
	SchemaVersion  string `json:"schemaVersion"`
	Timestamp      string `json:"timestamp"`
	LoopID         string `json:"loopId"`
	Category       string `json:"category"`
	Intent         string `json:"intent"`
	Mode           string `json:"mode"` // manual | autonomous
	Status         string `json:"status"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotencyKey"`
	TraceID        string `json:"traceId"`
	Replayed       bool   `json:"replayed,omitempty"`
}

func loadHandoffTelemetry(r *repo.Repo) ([]handoffRow, error) {
	var rows []handoffRow
	err := repo.ReadJSONLFrom(r.HandoffTelemetryFile(), 0, func() any { return &handoffRow{} },
		func(_ int64, v any) error {
			rows = append(rows, *v.(*handoffRow))
			return nil
		})
	return rows, err
}
