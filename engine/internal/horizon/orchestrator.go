package horizon

import (
	"fmt"
	"time"

	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/models"
)

// Plan/dispatch block reasons.
const (
	BlockTTLExpired         = "packet_ttl_expired"
	BlockContactNotFound    = "directory_contact_not_found"
)

// Dispatch adapter names.
const (
	AdapterFilesystemOutbox = "filesystem_outbox"
	AdapterStdout           = "stdout"
)

// Directory resolves recipients to contacts. Mode "required" blocks
// dispatching to recipients with no contact entry; any other mode is
// advisory.
type Directory struct {
	Mode     string             `yaml:"mode" json:"mode"`
	Contacts []DirectoryContact `yaml:"contacts" json:"contacts"`
}

// DirectoryContact is one known recipient.
type DirectoryContact struct {
	Type string `yaml:"type" json:"type"`
	ID   string `yaml:"id" json:"id"`
}

func (d Directory) has(rcpt models.HorizonRecipient) bool {
	for _, c := range d.Contacts {
		if c.Type == string(rcpt.Type) && c.ID == rcpt.ID {
			return true
		}
	}
	return false
}

// PlanItem is one packet's orchestration verdict.
type PlanItem struct {
	PacketID      string   `json:"packetId"`
	HorizonRef    string   `json:"horizonRef"`
	Status        string   `json:"status"`
	Eligible      bool     `json:"eligible"`
	BlockedReasons []string `json:"blockedReasons,omitempty"`
}

// Envelope is the wire document an adapter hands to a recipient.
type Envelope struct {
	SchemaVersion string                  `json:"schemaVersion"`
	EnvelopeType  string                  `json:"envelopeType"`
	PacketID      string                  `json:"packetId"`
	TraceID       string                  `json:"traceId"`
	HorizonRef    string                  `json:"horizonRef"`
	Sender        string                  `json:"sender"`
	Recipient     models.HorizonRecipient `json:"recipient"`
	Intent        string                  `json:"intent"`
	EvidenceRefs  []string                `json:"evidenceRefs,omitempty"`
	DispatchedAt  time.Time               `json:"dispatchedAt"`
}

// OrchestrateResult summarizes one plan or dispatch invocation.
type OrchestrateResult struct {
	Mode            string     `json:"mode"` // plan | dispatch | dry_run
	Items           []PlanItem `json:"items"`
	DispatchedCount int        `json:"dispatchedCount"`
	BlockedCount    int        `json:"blockedCount"`
	Envelopes       []Envelope `json:"envelopes,omitempty"`
	TraceID         string     `json:"traceId"`
}

// Orchestrator plans and dispatches queued packets.
type Orchestrator struct {
	repo      *repo.Repo
	store     *Store
	directory Directory
	now       func() time.Time
}

// NewOrchestrator builds an Orchestrator over the given store.
func NewOrchestrator(r *repo.Repo, store *Store, directory Directory, now func() time.Time) *Orchestrator {
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{repo: r, store: store, directory: directory, now: now}
}

// Plan filters and sorts queued packets by (horizonRef, createdAt) and
// reports which are dispatchable. Nothing is mutated.
func (o *Orchestrator) Plan(traceID string) (OrchestrateResult, error) {
	packets, err := o.store.List()
	if err != nil {
		return OrchestrateResult{}, err
	}
	res := OrchestrateResult{Mode: "plan", TraceID: traceID}
	now := o.now().UTC()
	for _, pkt := range packets {
		if pkt.Status != models.HorizonQueued {
			continue
		}
		item := PlanItem{
			PacketID:   pkt.PacketID,
			HorizonRef: pkt.HorizonRef,
			Status:     string(pkt.Status),
			Eligible:   true,
		}
		if pkt.TTLSeconds != nil && now.Sub(pkt.CreatedAt) > time.Duration(*pkt.TTLSeconds)*time.Second {
			item.Eligible = false
			item.BlockedReasons = append(item.BlockedReasons, BlockTTLExpired)
		}
		if o.directory.Mode == "required" && !o.directory.has(pkt.Recipient) {
			item.Eligible = false
			item.BlockedReasons = append(item.BlockedReasons, BlockContactNotFound)
		}
		if !item.Eligible {
			res.BlockedCount++
		}
		res.Items = append(res.Items, item)
	}
	return res, nil
}

// Dispatch plans and then pushes every eligible packet through the named
// adapter. dry_run plans only: packets stay queued and no outbox is written.
func (o *Orchestrator) Dispatch(traceID, adapter string, dryRun bool) (OrchestrateResult, error) {
	res, err := o.Plan(traceID)
	if err != nil {
		return OrchestrateResult{}, err
	}
	if dryRun {
		res.Mode = "dry_run"
		return res, o.appendTelemetry(res)
	}
	res.Mode = "dispatch"

	for i := range res.Items {
		item := &res.Items[i]
		if !item.Eligible {
			continue
		}
		pkt, err := o.store.Get(item.PacketID)
		if err != nil {
			return OrchestrateResult{}, err
		}
		env := Envelope{
			SchemaVersion: models.SchemaVersion,
			EnvelopeType:  "horizon_packet_envelope",
			PacketID:      pkt.PacketID,
			TraceID:       pkt.TraceID,
			HorizonRef:    pkt.HorizonRef,
			Sender:        pkt.Sender,
			Recipient:     pkt.Recipient,
			Intent:        pkt.Intent,
			EvidenceRefs:  pkt.EvidenceRefs,
			DispatchedAt:  o.now().UTC(),
		}
		switch adapter {
		case AdapterStdout:
			// Result-only adapter: the envelope surfaces to the caller and
			// no artifact, packet state included, changes.
			res.Envelopes = append(res.Envelopes, env)
		case AdapterFilesystemOutbox, "":
			path := o.repo.HorizonOutboxFile(string(pkt.Recipient.Type), pkt.Recipient.ID)
			if err := repo.AppendJSONL(path, env); err != nil {
				return OrchestrateResult{}, err
			}
			if _, err := o.store.Transition(pkt.PacketID, models.HorizonDispatched, "dispatched via filesystem_outbox"); err != nil {
				return OrchestrateResult{}, err
			}
			item.Status = string(models.HorizonDispatched)
			res.DispatchedCount++
		default:
			return OrchestrateResult{}, fmt.Errorf("unknown dispatch adapter %q", adapter)
		}
	}
	return res, o.appendTelemetry(res)
}

func (o *Orchestrator) appendTelemetry(res OrchestrateResult) error {
	return repo.AppendJSONL(o.repo.HorizonOrchestratorTelemetryFile(), map[string]any{
		"schemaVersion":   models.SchemaVersion,
		"timestamp":       o.now().UTC().Format(time.RFC3339),
		"mode":            res.Mode,
		"dispatchedCount": res.DispatchedCount,
		"blockedCount":    res.BlockedCount,
		"itemCount":       len(res.Items),
		"traceId":         res.TraceID,
	})
}
