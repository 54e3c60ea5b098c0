package horizon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/models"
)

// ErrPacketNotFound is returned when no packet file exists for an id.
var ErrPacketNotFound = errors.New("horizon packet not found")

// Store persists packets under horizons/packets/ and appends transition
// telemetry.
type Store struct {
	repo *repo.Repo
	now  func() time.Time
}

// NewStore builds a Store; now defaults to wall-clock time.
func NewStore(r *repo.Repo, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{repo: r, now: now}
}

// CreateInput seeds a new packet.
type CreateInput struct {
	TraceID      string
	HorizonRef   string
	Sender       string
	Recipient    models.HorizonRecipient
	Intent       string
	TTLSeconds   *int64
	EvidenceRefs []string
}

// Create mints a queued packet and persists it.
func (s *Store) Create(in CreateInput) (models.HorizonPacket, error) {
	if in.HorizonRef == "" || in.Intent == "" || in.Recipient.ID == "" {
		return models.HorizonPacket{}, errors.New("horizon packet requires horizonRef, intent and recipient.id")
	}
	switch in.Recipient.Type {
	case models.RecipientLocalAgent, models.RecipientHuman:
	default:
		return models.HorizonPacket{}, fmt.Errorf("unknown recipient type %q", in.Recipient.Type)
	}
	now := s.now().UTC()
	traceID := in.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	pkt := models.HorizonPacket{
		PacketID:     "pkt-" + uuid.NewString(),
		TraceID:      traceID,
		HorizonRef:   in.HorizonRef,
		Sender:       in.Sender,
		Recipient:    in.Recipient,
		Intent:       in.Intent,
		Status:       models.HorizonQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
		TTLSeconds:   in.TTLSeconds,
		EvidenceRefs: in.EvidenceRefs,
		Transitions:  []models.HorizonTransition{},
	}
	if err := repo.WriteJSON(s.repo.HorizonPacketFile(pkt.PacketID), pkt); err != nil {
		return models.HorizonPacket{}, err
	}
	if err := s.appendPacketTelemetry(pkt, "created", ""); err != nil {
		return models.HorizonPacket{}, err
	}
	return pkt, nil
}

// Get loads one packet.
func (s *Store) Get(packetID string) (models.HorizonPacket, error) {
	var pkt models.HorizonPacket
	err := repo.ReadJSON(s.repo.HorizonPacketFile(packetID), &pkt)
	if errors.Is(err, repo.ErrAbsent) {
		return models.HorizonPacket{}, fmt.Errorf("%w: %s", ErrPacketNotFound, packetID)
	}
	if err != nil {
		return models.HorizonPacket{}, err
	}
	return pkt, nil
}

// List returns every packet, sorted by (horizonRef, createdAt).
func (s *Store) List() ([]models.HorizonPacket, error) {
	entries, err := os.ReadDir(s.repo.HorizonPacketsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []models.HorizonPacket
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		pkt, err := s.Get(strings.TrimSuffix(filepath.Base(e.Name()), ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, pkt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HorizonRef != out[j].HorizonRef {
			return out[i].HorizonRef < out[j].HorizonRef
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Transition moves a packet through the FSM, persisting the hop and its
// telemetry. Disallowed transitions return a *TransitionError and mutate
// nothing.
func (s *Store) Transition(packetID string, to models.HorizonStatus, note string) (models.HorizonPacket, error) {
	pkt, err := s.Get(packetID)
	if err != nil {
		return models.HorizonPacket{}, err
	}
	if !ValidStatus(to) {
		return models.HorizonPacket{}, fmt.Errorf("unknown horizon status %q", to)
	}
	if !CanTransition(pkt.Status, to) {
		return models.HorizonPacket{}, &TransitionError{From: pkt.Status, To: to}
	}
	now := s.now().UTC()
	pkt.Transitions = append(pkt.Transitions, models.HorizonTransition{
		From: pkt.Status, To: to, At: now, Note: note,
	})
	pkt.Status = to
	pkt.UpdatedAt = now
	if to == models.HorizonCompleted {
		pkt.CompletedAt = &now
	} else {
		pkt.CompletedAt = nil
	}
	if err := repo.WriteJSON(s.repo.HorizonPacketFile(pkt.PacketID), pkt); err != nil {
		return models.HorizonPacket{}, err
	}
	if err := s.appendPacketTelemetry(pkt, "transition", note); err != nil {
		return models.HorizonPacket{}, err
	}
	return pkt, nil
}

func (s *Store) appendPacketTelemetry(pkt models.HorizonPacket, action, note string) error {
	return repo.AppendJSONL(s.repo.HorizonPacketsTelemetryFile(), map[string]any{
		"schemaVersion": models.SchemaVersion,
		"timestamp":     s.now().UTC().Format(time.RFC3339),
		"action":        action,
		"packetId":      pkt.PacketID,
		"status":        string(pkt.Status),
		"horizonRef":    pkt.HorizonRef,
		"recipient":     pkt.Recipient,
		"note":          note,
		"traceId":       pkt.TraceID,
	})
}
