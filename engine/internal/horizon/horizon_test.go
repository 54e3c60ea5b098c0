package horizon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/internal/retrypolicy"
	"github.com/opsmgr/control-plane/engine/models"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func newStore(t *testing.T, now *time.Time) (*Store, *repo.Repo) {
	t.Helper()
	r := repo.New(t.TempDir())
	return NewStore(r, fixedClock(now)), r
}

func createPacket(t *testing.T, s *Store, ref string) models.HorizonPacket {
	t.Helper()
	pkt, err := s.Create(CreateInput{
		TraceID:    "trace-1",
		HorizonRef: ref,
		Sender:     "ops-manager",
		Recipient:  models.HorizonRecipient{Type: models.RecipientLocalAgent, ID: "agent-1"},
		Intent:     "review_handoff",
	})
	require.NoError(t, err)
	return pkt
}

func TestFSMTable(t *testing.T) {
	all := []models.HorizonStatus{
		models.HorizonQueued, models.HorizonDispatched, models.HorizonAcknowledged,
		models.HorizonInProgress, models.HorizonCompleted, models.HorizonEscalated,
		models.HorizonDeadLetter,
	}
	allowed := map[models.HorizonStatus][]models.HorizonStatus{
		models.HorizonQueued:       {models.HorizonDispatched, models.HorizonDeadLetter},
		models.HorizonDispatched:   {models.HorizonAcknowledged, models.HorizonEscalated, models.HorizonDeadLetter},
		models.HorizonAcknowledged: {models.HorizonInProgress, models.HorizonDeadLetter},
		models.HorizonInProgress:   {models.HorizonCompleted, models.HorizonEscalated, models.HorizonDeadLetter},
		models.HorizonCompleted:    {},
		models.HorizonEscalated:    {models.HorizonDispatched},
	}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			require.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTransitionRejectionNamesStates(t *testing.T) {
	now := testNow
	s, _ := newStore(t, &now)
	pkt := createPacket(t, s, "horizon-1")

	_, err := s.Transition(pkt.PacketID, models.HorizonCompleted, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), string(models.HorizonQueued))
	require.Contains(t, err.Error(), string(models.HorizonCompleted))

	// the packet is untouched
	got, gerr := s.Get(pkt.PacketID)
	require.NoError(t, gerr)
	require.Equal(t, models.HorizonQueued, got.Status)
}

func TestCompletedAtSetOnlyWhenCompleted(t *testing.T) {
	now := testNow
	s, _ := newStore(t, &now)
	pkt := createPacket(t, s, "horizon-1")

	for _, to := range []models.HorizonStatus{
		models.HorizonDispatched, models.HorizonAcknowledged, models.HorizonInProgress,
	} {
		var err error
		pkt, err = s.Transition(pkt.PacketID, to, "")
		require.NoError(t, err)
		require.Nil(t, pkt.CompletedAt)
	}
	pkt, err := s.Transition(pkt.PacketID, models.HorizonCompleted, "")
	require.NoError(t, err)
	require.NotNil(t, pkt.CompletedAt)
	require.Equal(t, testNow, pkt.CompletedAt.UTC())
	require.Len(t, pkt.Transitions, 4)
}

func TestListSortsByHorizonRefThenCreatedAt(t *testing.T) {
	now := testNow
	s, _ := newStore(t, &now)
	createPacket(t, s, "horizon-b")
	now = now.Add(time.Minute)
	first := createPacket(t, s, "horizon-a")
	now = now.Add(time.Minute)
	second := createPacket(t, s, "horizon-a")

	packets, err := s.List()
	require.NoError(t, err)
	require.Len(t, packets, 3)
	require.Equal(t, "horizon-a", packets[0].HorizonRef)
	require.Equal(t, first.PacketID, packets[0].PacketID)
	require.Equal(t, second.PacketID, packets[1].PacketID)
	require.Equal(t, "horizon-b", packets[2].HorizonRef)
}

func TestDispatchFilesystemOutbox(t *testing.T) {
	now := testNow
	s, r := newStore(t, &now)
	pkt := createPacket(t, s, "horizon-1")

	o := NewOrchestrator(r, s, Directory{}, fixedClock(&now))
	res, err := o.Dispatch("trace-1", AdapterFilesystemOutbox, false)
	require.NoError(t, err)
	require.Equal(t, 1, res.DispatchedCount)

	got, err := s.Get(pkt.PacketID)
	require.NoError(t, err)
	require.Equal(t, models.HorizonDispatched, got.Status)

	n, err := repo.CountLines(r.HorizonOutboxFile("local_agent", "agent-1"))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestDispatchDryRunMutatesNothing(t *testing.T) {
	now := testNow
	s, r := newStore(t, &now)
	pkt := createPacket(t, s, "horizon-1")

	o := NewOrchestrator(r, s, Directory{}, fixedClock(&now))
	res, err := o.Dispatch("trace-1", AdapterFilesystemOutbox, true)
	require.NoError(t, err)
	require.Equal(t, "dry_run", res.Mode)
	require.Equal(t, 0, res.DispatchedCount)

	got, err := s.Get(pkt.PacketID)
	require.NoError(t, err)
	require.Equal(t, models.HorizonQueued, got.Status)

	n, err := repo.CountLines(r.HorizonOutboxFile("local_agent", "agent-1"))
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestPlanBlocksExpiredTTL(t *testing.T) {
	now := testNow
	s, r := newStore(t, &now)
	ttl := int64(60)
	_, err := s.Create(CreateInput{
		HorizonRef: "horizon-1",
		Recipient:  models.HorizonRecipient{Type: models.RecipientHuman, ID: "ops"},
		Intent:     "escalate",
		TTLSeconds: &ttl,
	})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	o := NewOrchestrator(r, s, Directory{}, fixedClock(&now))
	res, err := o.Plan("trace-1")
	require.NoError(t, err)
	require.Equal(t, 1, res.BlockedCount)
	require.Contains(t, res.Items[0].BlockedReasons, BlockTTLExpired)
}

func TestPlanBlocksMissingDirectoryContact(t *testing.T) {
	now := testNow
	s, r := newStore(t, &now)
	createPacket(t, s, "horizon-1")

	dir := Directory{Mode: "required", Contacts: []DirectoryContact{{Type: "human", ID: "ops"}}}
	o := NewOrchestrator(r, s, dir, fixedClock(&now))
	res, err := o.Plan("trace-1")
	require.NoError(t, err)
	require.Contains(t, res.Items[0].BlockedReasons, BlockContactNotFound)
}

func TestAckIngestAndDedupe(t *testing.T) {
	now := testNow
	s, r := newStore(t, &now)
	pkt := createPacket(t, s, "horizon-1")
	o := NewOrchestrator(r, s, Directory{}, fixedClock(&now))
	_, err := o.Dispatch("trace-1", AdapterFilesystemOutbox, false)
	require.NoError(t, err)

	in := NewIngester(r, s)
	receipt := Receipt{PacketID: pkt.PacketID, TraceID: "trace-1", Status: models.HorizonAcknowledged}

	res, err := in.Ingest([]Receipt{receipt})
	require.NoError(t, err)
	require.Equal(t, 1, res.ProcessedCount)
	require.Equal(t, 1, res.TotalProcessed)

	got, err := s.Get(pkt.PacketID)
	require.NoError(t, err)
	require.Equal(t, models.HorizonAcknowledged, got.Status)

	// same receipt again: duplicate, state untouched
	res, err = in.Ingest([]Receipt{receipt})
	require.NoError(t, err)
	require.Equal(t, 0, res.ProcessedCount)
	require.Equal(t, 1, res.DuplicateCount)
	require.Equal(t, 1, res.TotalProcessed)

	got, err = s.Get(pkt.PacketID)
	require.NoError(t, err)
	require.Equal(t, models.HorizonAcknowledged, got.Status)
}

func TestRetryEscalatesThenRedispatches(t *testing.T) {
	now := testNow
	s, r := newStore(t, &now)
	pkt := createPacket(t, s, "horizon-1")
	o := NewOrchestrator(r, s, Directory{}, fixedClock(&now))
	_, err := o.Dispatch("trace-1", AdapterFilesystemOutbox, false)
	require.NoError(t, err)

	policy := retrypolicy.Policy{AckTimeout: time.Minute, Backoff: time.Minute, MaxRetries: 2}
	rt := NewRetrier(r, s, policy, fixedClock(&now))

	// past the ack timeout: escalate
	now = now.Add(2 * time.Minute)
	res, err := rt.Reconcile("trace-1")
	require.NoError(t, err)
	require.Equal(t, 1, res.EscalatedCount)

	// past the backoff: re-dispatch with an incremented retry count
	now = now.Add(2 * time.Minute)
	res, err = rt.Reconcile("trace-1")
	require.NoError(t, err)
	require.Equal(t, 1, res.RedispatchedCount)

	got, err := s.Get(pkt.PacketID)
	require.NoError(t, err)
	require.Equal(t, models.HorizonDispatched, got.Status)
	require.Equal(t, 1, got.RetryCount)

	n, err := repo.CountLines(r.HorizonOutboxFile("local_agent", "agent-1"))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestRetryDeadLettersWhenBudgetExhausted(t *testing.T) {
	now := testNow
	s, r := newStore(t, &now)
	pkt := createPacket(t, s, "horizon-1")
	o := NewOrchestrator(r, s, Directory{}, fixedClock(&now))
	_, err := o.Dispatch("trace-1", AdapterFilesystemOutbox, false)
	require.NoError(t, err)

	policy := retrypolicy.Policy{AckTimeout: time.Minute, Backoff: time.Second, MaxRetries: 1}
	rt := NewRetrier(r, s, policy, fixedClock(&now))

	// first timeout: escalate + redispatch (retryCount 1)
	now = now.Add(2 * time.Minute)
	_, err = rt.Reconcile("trace-1")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = rt.Reconcile("trace-1")
	require.NoError(t, err)

	// second timeout: budget exhausted, dead-letter
	now = now.Add(2 * time.Minute)
	res, err := rt.Reconcile("trace-1")
	require.NoError(t, err)
	require.Equal(t, 1, res.DeadLetteredCount)

	got, err := s.Get(pkt.PacketID)
	require.NoError(t, err)
	require.Equal(t, models.HorizonDeadLetter, got.Status)

	n, err := repo.CountLines(r.HorizonDeadLetterFile())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestCreateRejectsUnknownRecipientType(t *testing.T) {
	now := testNow
	s, _ := newStore(t, &now)
	_, err := s.Create(CreateInput{
		HorizonRef: "horizon-1",
		Recipient:  models.HorizonRecipient{Type: "carrier_pigeon", ID: "x"},
		Intent:     "escalate",
	})
	require.Error(t, err)
}
