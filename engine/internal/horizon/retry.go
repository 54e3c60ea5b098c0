package horizon

import (
	"errors"
	"time"

	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/internal/retrypolicy"
	"github.com/opsmgr/control-plane/engine/models"
)

// RetryResult summarizes one retry reconciliation pass.
type RetryResult struct {
	EscalatedCount    int `json:"escalatedCount"`
	RedispatchedCount int `json:"redispatchedCount"`
	DeadLetteredCount int `json:"deadLetteredCount"`
}

// Retrier re-drives dispatched packets whose acknowledgement never arrived.
type Retrier struct {
	repo   *repo.Repo
	store  *Store
	policy retrypolicy.Policy
	now    func() time.Time
}

// NewRetrier builds a Retrier; a zero policy gets the horizon defaults.
func NewRetrier(r *repo.Repo, store *Store, policy retrypolicy.Policy, now func() time.Time) *Retrier {
	if policy.AckTimeout <= 0 {
		policy = retrypolicy.HorizonDefaults()
	}
	if now == nil {
		now = time.Now
	}
	return &Retrier{repo: r, store: store, policy: policy, now: now}
}

// Reconcile escalates ack-timed-out dispatched packets, re-dispatches
// escalated packets whose backoff elapsed, and dead-letters packets that
// exhausted their retry budget.
func (rt *Retrier) Reconcile(traceID string) (RetryResult, error) {
	st := retryState{SchemaVersion: models.SchemaVersion, Packets: map[string]retryStateEntry{}}
	if err := repo.ReadJSON(rt.repo.HorizonRetryStateFile(), &st); err != nil && !errors.Is(err, repo.ErrAbsent) {
		return RetryResult{}, err
	}
	if st.Packets == nil {
		st.Packets = map[string]retryStateEntry{}
	}

	packets, err := rt.store.List()
	if err != nil {
		return RetryResult{}, err
	}
	now := rt.now().UTC()

	var res RetryResult
	for _, pkt := range packets {
		switch pkt.Status {
		case models.HorizonDispatched:
			if now.Sub(pkt.UpdatedAt) <= rt.policy.AckTimeout {
				continue
			}
			if rt.policy.Exhausted(pkt.RetryCount) {
				if err := rt.deadLetter(pkt, traceID, "retry budget exhausted after ack timeout"); err != nil {
					return RetryResult{}, err
				}
				delete(st.Packets, pkt.PacketID)
				res.DeadLetteredCount++
				continue
			}
			if _, err := rt.store.Transition(pkt.PacketID, models.HorizonEscalated, "ack timeout"); err != nil {
				return RetryResult{}, err
			}
			st.Packets[pkt.PacketID] = retryStateEntry{
				LastRetryAt:    now,
				NextEligibleAt: now.Add(rt.policy.Delay(pkt.RetryCount + 1)),
			}
			res.EscalatedCount++

		case models.HorizonEscalated:
			entry, ok := st.Packets[pkt.PacketID]
			if ok && now.Before(entry.NextEligibleAt) {
				continue
			}
			if err := rt.redispatch(pkt); err != nil {
				return RetryResult{}, err
			}
			res.RedispatchedCount++
		}
	}

	if err := repo.WriteJSON(rt.repo.HorizonRetryStateFile(), st); err != nil {
		return RetryResult{}, err
	}
	return res, nil
}

func (rt *Retrier) redispatch(pkt models.HorizonPacket) error {
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
		DispatchedAt:  rt.now().UTC(),
	}
	path := rt.repo.HorizonOutboxFile(string(pkt.Recipient.Type), pkt.Recipient.ID)
	if err := repo.AppendJSONL(path, env); err != nil {
		return err
	}
	updated, err := rt.store.Transition(pkt.PacketID, models.HorizonDispatched, "re-dispatched after retry backoff")
	if err != nil {
		return err
	}
	updated.RetryCount++
	return repo.WriteJSON(rt.repo.HorizonPacketFile(updated.PacketID), updated)
}

func (rt *Retrier) deadLetter(pkt models.HorizonPacket, traceID, note string) error {
	if _, err := rt.store.Transition(pkt.PacketID, models.HorizonDeadLetter, note); err != nil {
		return err
	}
	return repo.AppendJSONL(rt.repo.HorizonDeadLetterFile(), map[string]any{
		"schemaVersion": models.SchemaVersion,
		"timestamp":     rt.now().UTC().Format(time.RFC3339),
		"packetId":      pkt.PacketID,
		"horizonRef":    pkt.HorizonRef,
		"recipient":     pkt.Recipient,
		"retryCount":    pkt.RetryCount,
		"note":          note,
		"traceId":       traceID,
	})
}
