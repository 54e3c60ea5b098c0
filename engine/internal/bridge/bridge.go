// Package bridge claims horizon envelope files from the outbox root and
// turns them into pending operator-confirmation intents on the handoff
// queue. Claiming by rename is the only mutating step against the outbox.
package bridge

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/models"
)

// ReasonContractValidationFailed is surfaced (and mapped to a non-zero
// exit) when any claimed envelope violates the bridge contract.
const ReasonContractValidationFailed = "horizon_bridge_contract_validation_failed"

// ErrContractValidation wraps every contract violation.
var ErrContractValidation = errors.New(ReasonContractValidationFailed)

// bridgeState is the persisted horizon-bridge-state.json dedupe set.
type bridgeState struct {
	SchemaVersion string   `json:"schemaVersion"`
	ProcessedKeys []string `json:"processedKeys"`
}

// QueuedIntent is one bridged entry on the handoff queue. The envelope's
// unknown keys ride along opaquely in Envelope.
type QueuedIntent struct {
	IntentID   string                   `json:"intentId"`
	PacketID   string                   `json:"packetId"`
	TraceID    string                   `json:"traceId"`
	Intent     string                   `json:"intent"`
	Recipient  models.HorizonRecipient  `json:"recipient"`
	Status     models.IntentStatus      `json:"status"`
	Autonomous models.AutonomousClassification `json:"autonomous"`
	Envelope   map[string]any           `json:"envelope"`
	BridgedAt  time.Time                `json:"bridgedAt"`
}

// Queue is the persisted horizon-bridge-queue.json document.
type Queue struct {
	SchemaVersion string         `json:"schemaVersion"`
	Intents       []QueuedIntent `json:"intents"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Result summarizes one bridge pass.
type Result struct {
	ClaimedFiles   int      `json:"claimedFiles"`
	IngestedCount  int      `json:"ingestedCount"`
	DuplicateCount int      `json:"duplicateCount"`
	RejectedCount  int      `json:"rejectedCount"`
	ReasonCodes    []string `json:"reasonCodes,omitempty"`
}

// Run claims every envelope file under the outbox root, validates, dedupes
// and enqueues. Contract violations move the claim to rejected/ and surface
// ErrContractValidation after the pass completes, so valid envelopes in
// other files are never lost to one bad neighbor.
func Run(r *repo.Repo, traceID string, now func() time.Time) (Result, error) {
	if now == nil {
		now = time.Now
	}

	st := bridgeState{SchemaVersion: models.SchemaVersion}
	if err := repo.ReadJSON(r.HorizonBridgeStateFile(), &st); err != nil && !errors.Is(err, repo.ErrAbsent) {
		return Result{}, err
	}
	processed := map[string]bool{}
	for _, k := range st.ProcessedKeys {
		processed[k] = true
	}

	queue := Queue{SchemaVersion: models.SchemaVersion}
	if err := repo.ReadJSON(r.HorizonBridgeQueueFile(), &queue); err != nil && !errors.Is(err, repo.ErrAbsent) {
		return Result{}, err
	}

	claims, err := claimOutboxFiles(r)
	if err != nil {
		return Result{}, err
	}

	var res Result
	res.ClaimedFiles = len(claims)
	violation := false

	for _, claim := range claims {
		envelopes, err := readEnvelopes(claim)
		if err != nil {
			violation = true
			res.RejectedCount++
			if rerr := reject(r, claim); rerr != nil {
				return Result{}, rerr
			}
			_ = appendTelemetry(r, now(), traceID, "rejected", filepath.Base(claim), err.Error())
			continue
		}
		rejectedFile := false
		for _, env := range envelopes {
			if verr := validateContract(env); verr != nil {
				violation = true
				rejectedFile = true
				res.RejectedCount++
				_ = appendTelemetry(r, now(), traceID, "rejected", filepath.Base(claim), verr.Error())
				break
			}
		}
		if rejectedFile {
			if rerr := reject(r, claim); rerr != nil {
				return Result{}, rerr
			}
			continue
		}
		for _, env := range envelopes {
			packetID, _ := env["packetId"].(string)
			envTrace, _ := env["traceId"].(string)
			key := packetID + "|" + envTrace
			if processed[key] {
				res.DuplicateCount++
				continue
			}
			intent, _ := env["intent"].(string)
			queue.Intents = append(queue.Intents, QueuedIntent{
				IntentID:  packetID + ":" + intent,
				PacketID:  packetID,
				TraceID:   envTrace,
				Intent:    intent,
				Recipient: recipientFrom(env),
				Status:    models.IntentPendingConfirmation,
				Autonomous: models.AutonomousClassification{
					Eligible:   false,
					ManualOnly: true,
					Reasons:    []string{"bridged_from_horizon"},
				},
				Envelope:  env,
				BridgedAt: now().UTC(),
			})
			processed[key] = true
			st.ProcessedKeys = append(st.ProcessedKeys, key)
			res.IngestedCount++
			_ = appendTelemetry(r, now(), traceID, "ingested", packetID, "")
		}
	}

	queue.UpdatedAt = now().UTC()
	if err := repo.WriteJSON(r.HorizonBridgeQueueFile(), queue); err != nil {
		return Result{}, err
	}
	if err := repo.WriteJSON(r.HorizonBridgeStateFile(), st); err != nil {
		return Result{}, err
	}

	if violation {
		res.ReasonCodes = append(res.ReasonCodes, ReasonContractValidationFailed)
		return res, fmt.Errorf("%w: %d envelope file(s) rejected", ErrContractValidation, res.RejectedCount)
	}
	return res, nil
}

// claimOutboxFiles renames every outbox file into the processed claims
// directory, returning the claim paths. Rename is atomic within one
// filesystem, so an envelope file is owned by exactly one bridge pass.
func claimOutboxFiles(r *repo.Repo) ([]string, error) {
	claimDir := r.HorizonBridgeClaimsDir("processed")
	if err := repo.EnsureDir(claimDir); err != nil {
		return nil, err
	}
	var claims []string
	root := r.HorizonOutboxDir()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".jsonl" {
			return nil
		}
		claim := filepath.Join(claimDir, uuid.NewString()+"-"+filepath.Base(path))
		if err := os.Rename(path, claim); err != nil {
			return fmt.Errorf("claim %s: %w", path, err)
		}
		claims = append(claims, claim)
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return claims, nil
}

func readEnvelopes(path string) ([]map[string]any, error) {
	var out []map[string]any
	err := repo.ReadJSONLFrom(path, 0, func() any { return &map[string]any{} },
		func(_ int64, v any) error {
			out = append(out, *v.(*map[string]any))
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContractValidation, err)
	}
	return out, nil
}

// validateContract enforces the required envelope fields. Unknown
// recipient.type values fail closed.
func validateContract(env map[string]any) error {
	for _, field := range []string{"packetId", "traceId", "intent"} {
		if s, ok := env[field].(string); !ok || s == "" {
			return fmt.Errorf("%w: missing %s", ErrContractValidation, field)
		}
	}
	rcpt, ok := env["recipient"].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: missing recipient", ErrContractValidation)
	}
	rtype, _ := rcpt["type"].(string)
	switch models.HorizonRecipientType(rtype) {
	case models.RecipientLocalAgent, models.RecipientHuman:
	default:
		return fmt.Errorf("%w: unknown recipient.type %q", ErrContractValidation, rtype)
	}
	if id, _ := rcpt["id"].(string); id == "" {
		return fmt.Errorf("%w: missing recipient.id", ErrContractValidation)
	}
	return nil
}

func recipientFrom(env map[string]any) models.HorizonRecipient {
	rcpt, _ := env["recipient"].(map[string]any)
	rtype, _ := rcpt["type"].(string)
	id, _ := rcpt["id"].(string)
	return models.HorizonRecipient{Type: models.HorizonRecipientType(rtype), ID: id}
}

func reject(r *repo.Repo, claim string) error {
	dir := r.HorizonBridgeClaimsDir("rejected")
	if err := repo.EnsureDir(dir); err != nil {
		return err
	}
	return os.Rename(claim, filepath.Join(dir, filepath.Base(claim)))
}

func appendTelemetry(r *repo.Repo, at time.Time, traceID, action, subject, detail string) error {
	row := map[string]any{
		"schemaVersion": models.SchemaVersion,
		"timestamp":     at.UTC().Format(time.RFC3339),
		"action":        action,
		"subject":       subject,
		"traceId":       traceID,
	}
	if detail != "" {
		row["detail"] = detail
	}
	return repo.AppendJSONL(r.HorizonBridgeTelemetryFile(), row)
}
