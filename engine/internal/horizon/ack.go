package horizon

import (
	"errors"
	"fmt"
	"time"

	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/models"
)

// Receipt is one acknowledgement document a recipient writes back.
type Receipt struct {
	PacketID string               `json:"packetId"`
	TraceID  string               `json:"traceId"`
	Status   models.HorizonStatus `json:"status"`
	Note     string               `json:"note,omitempty"`
}

// ackState is the persisted ack-state.json: processed {packetId, traceId}
// keys plus the duplicate counter.
type ackState struct {
	SchemaVersion  string   `json:"schemaVersion"`
	ProcessedKeys  []string `json:"processedKeys"`
	DuplicateCount int      `json:"duplicateCount"`
}

// IngestResult summarizes one ACK ingest pass.
type IngestResult struct {
	ProcessedCount int `json:"processedCount"`
	DuplicateCount int `json:"duplicateCount"`
	TotalProcessed int `json:"totalProcessed"`
}

// Ingester applies receipts to packets with {packetId, traceId} dedupe.
type Ingester struct {
	repo  *repo.Repo
	store *Store
}

// NewIngester builds an Ingester over the given store.
func NewIngester(r *repo.Repo, store *Store) *Ingester {
	return &Ingester{repo: r, store: store}
}

func ackKey(packetID, traceID string) string { return packetID + "|" + traceID }

// IngestFile reads a JSONL receipts file and applies each receipt.
func (in *Ingester) IngestFile(path string) (IngestResult, error) {
	var receipts []Receipt
	err := repo.ReadJSONLFrom(path, 0, func() any { return &Receipt{} },
		func(_ int64, v any) error {
			receipts = append(receipts, *v.(*Receipt))
			return nil
		})
	if err != nil {
		return IngestResult{}, err
	}
	return in.Ingest(receipts)
}

// Ingest applies receipts in order. A receipt whose {packetId, traceId} key
// was already processed increments the duplicate counter and changes
// nothing else; a receipt naming an illegal transition is a hard error.
func (in *Ingester) Ingest(receipts []Receipt) (IngestResult, error) {
	st := ackState{SchemaVersion: models.SchemaVersion}
	if err := repo.ReadJSON(in.repo.HorizonAckStateFile(), &st); err != nil && !errors.Is(err, repo.ErrAbsent) {
		return IngestResult{}, err
	}
	processed := map[string]bool{}
	for _, k := range st.ProcessedKeys {
		processed[k] = true
	}

	var res IngestResult
	for _, rcpt := range receipts {
		if rcpt.PacketID == "" || rcpt.TraceID == "" {
			return IngestResult{}, fmt.Errorf("receipt requires packetId and traceId")
		}
		key := ackKey(rcpt.PacketID, rcpt.TraceID)
		if processed[key] {
			st.DuplicateCount++
			res.DuplicateCount++
			continue
		}
		if _, err := in.store.Transition(rcpt.PacketID, rcpt.Status, "receipt: "+rcpt.Note); err != nil {
			return IngestResult{}, err
		}
		processed[key] = true
		st.ProcessedKeys = append(st.ProcessedKeys, key)
		res.ProcessedCount++
	}

	if err := repo.WriteJSON(in.repo.HorizonAckStateFile(), st); err != nil {
		return IngestResult{}, err
	}
	res.TotalProcessed = len(st.ProcessedKeys)
	return res, nil
}

// retryState is the persisted retry-state.json backoff bookkeeping.
type retryState struct {
	SchemaVersion string                       `json:"schemaVersion"`
	Packets       map[string]retryStateEntry   `json:"packets"`
}

type retryStateEntry struct {
	LastRetryAt    time.Time `json:"lastRetryAt"`
	NextEligibleAt time.Time `json:"nextEligibleAt"`
}
