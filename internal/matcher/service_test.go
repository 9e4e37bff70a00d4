package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/automation-engine/internal/appointment"
	"github.com/clinicops/automation-engine/internal/audit"
	"github.com/clinicops/automation-engine/internal/invitation"
	"github.com/clinicops/automation-engine/internal/metrics"
	redisclient "github.com/clinicops/automation-engine/internal/redis"
	"github.com/clinicops/automation-engine/internal/waitlist"
)

// ---------- Fakes ----------

type fakeSlots struct {
	slots   map[uuid.UUID]*invitation.FreedSlot
	invited map[uuid.UUID][]uuid.UUID // slot -> entry IDs already offered
}

func newFakeSlots() *fakeSlots {
	return &fakeSlots{
		slots:   make(map[uuid.UUID]*invitation.FreedSlot),
		invited: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (r *fakeSlots) CreateSlot(ctx context.Context, s *invitation.FreedSlot) error {
	cp := *s
	r.slots[s.ID] = &cp
	return nil
}

func (r *fakeSlots) GetSlot(ctx context.Context, id uuid.UUID) (*invitation.FreedSlot, error) {
	s, ok := r.slots[id]
	if !ok {
		return nil, invitation.ErrSlotNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeSlots) ClaimSlot(ctx context.Context, slotID, invitationID uuid.UUID) (bool, error) {
	return false, nil
}

func (r *fakeSlots) ReleaseSlot(ctx context.Context, slotID, invitationID uuid.UUID) error {
	return nil
}

func (r *fakeSlots) AdvanceRound(ctx context.Context, slotID uuid.UUID) (int, error) {
	s, ok := r.slots[slotID]
	if !ok {
		return 0, invitation.ErrSlotNotFound
	}
	s.Round++
	return s.Round, nil
}

func (r *fakeSlots) CloseSlot(ctx context.Context, slotID uuid.UUID, at time.Time) error {
	s, ok := r.slots[slotID]
	if !ok {
		return invitation.ErrSlotNotFound
	}
	if s.ClosedAt == nil {
		t := at
		s.ClosedAt = &t
	}
	return nil
}

func (r *fakeSlots) SlotsAwaitingRound(ctx context.Context, now time.Time) ([]invitation.FreedSlot, error) {
	return nil, nil
}

func (r *fakeSlots) CreateInvitation(ctx context.Context, inv *invitation.Invitation) error {
	return nil
}

func (r *fakeSlots) GetInvitation(ctx context.Context, id uuid.UUID) (*invitation.Invitation, error) {
	return nil, invitation.ErrInvitationNotFound
}

func (r *fakeSlots) UpdateStatus(ctx context.Context, id uuid.UUID, from, to invitation.Status, reason string, at time.Time) (bool, error) {
	return false, nil
}

func (r *fakeSlots) DeclineSiblings(ctx context.Context, slotID, winnerID uuid.UUID, reason string, at time.Time) ([]uuid.UUID, error) {
	return nil, nil
}

func (r *fakeSlots) FindExpired(ctx context.Context, now time.Time, limit int) ([]invitation.Invitation, error) {
	return nil, nil
}

func (r *fakeSlots) InvitedEntryIDs(ctx context.Context, slotID uuid.UUID) ([]uuid.UUID, error) {
	return r.invited[slotID], nil
}

func (r *fakeSlots) List(ctx context.Context, f invitation.ListFilter) ([]invitation.Invitation, error) {
	return nil, nil
}

type candidateCall struct {
	n       int
	exclude map[uuid.UUID]bool
}

type fakeCandidates struct {
	queue [][]waitlist.Entry // one element per call
	calls []candidateCall
}

func (f *fakeCandidates) Candidates(ctx context.Context, slot waitlist.Slot, n int, exclude map[uuid.UUID]bool) ([]waitlist.Entry, error) {
	f.calls = append(f.calls, candidateCall{n: n, exclude: exclude})
	if len(f.queue) == 0 {
		return nil, nil
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	return next, nil
}

type fakeOfferer struct {
	issued [][]waitlist.Entry
}

func (f *fakeOfferer) Issue(ctx context.Context, slot *invitation.FreedSlot, candidates []waitlist.Entry) (metrics.Counts, error) {
	f.issued = append(f.issued, candidates)
	n := len(candidates)
	return metrics.Counts{Processed: n, Succeeded: n}, nil
}

// inlineLocker runs the section directly; lock contention is covered by
// the scheduler tests.
type inlineLocker struct {
	held []string
}

func (l *inlineLocker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	l.held = append(l.held, key)
	return fn(ctx)
}

// ---------- Helpers ----------

var testNow = time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

func newTestService(slots *fakeSlots, cands *fakeCandidates, offers *fakeOfferer, locker redisclient.Locker) *Service {
	svc := NewService(slots, cands, offers, locker, Config{
		CandidatesPerRound: 2,
		MaxOfferRounds:     3,
		LockTTL:            5 * time.Second,
	}, audit.Nop{}, zerolog.Nop())
	svc.SetClock(func() time.Time { return testNow })
	return svc
}

func futureEvent() appointment.SlotFreed {
	return appointment.SlotFreed{
		AppointmentID: uuid.New(),
		ClinicID:      uuid.New(),
		ServiceType:   "checkup",
		StartTime:     testNow.Add(72 * time.Hour),
		Duration:      30 * time.Minute,
		Reason:        "cancelled",
	}
}

func entriesN(n int) []waitlist.Entry {
	out := make([]waitlist.Entry, n)
	for i := range out {
		out[i] = waitlist.Entry{ID: uuid.New(), Status: waitlist.StatusWaiting}
	}
	return out
}

// ---------- HandleSlotFreed ----------

func TestHandleSlotFreed_StartsFirstRound(t *testing.T) {
	slots := newFakeSlots()
	cands := &fakeCandidates{queue: [][]waitlist.Entry{entriesN(2)}}
	offers := &fakeOfferer{}
	locker := &inlineLocker{}
	svc := newTestService(slots, cands, offers, locker)

	if err := svc.HandleSlotFreed(context.Background(), futureEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(slots.slots) != 1 {
		t.Fatalf("expected the slot recorded, got %d", len(slots.slots))
	}
	for _, s := range slots.slots {
		if s.Round != 1 {
			t.Errorf("expected round 1, got %d", s.Round)
		}
		if s.ClosedAt != nil {
			t.Error("expected the slot still open")
		}
	}
	if len(offers.issued) != 1 || len(offers.issued[0]) != 2 {
		t.Error("expected one round of 2 invitations")
	}
	if len(locker.held) != 1 {
		t.Errorf("expected the round to run under the slot lock, got %d acquisitions", len(locker.held))
	}
}

func TestHandleSlotFreed_PastSlotRecordedAndClosed(t *testing.T) {
	slots := newFakeSlots()
	offers := &fakeOfferer{}
	svc := newTestService(slots, &fakeCandidates{}, offers, &inlineLocker{})

	ev := futureEvent()
	ev.StartTime = testNow.Add(-time.Hour)
	ev.Past = true
	ev.Reason = "no_show"

	if err := svc.HandleSlotFreed(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, s := range slots.slots {
		if s.ClosedAt == nil {
			t.Error("expected a past slot closed immediately")
		}
	}
	if len(offers.issued) != 0 {
		t.Error("a past slot must never be offered")
	}
}

// ---------- OfferRound ----------

func TestOfferRound_NoCandidatesLeavesUnfilled(t *testing.T) {
	slots := newFakeSlots()
	svc := newTestService(slots, &fakeCandidates{}, &fakeOfferer{}, &inlineLocker{})

	id := uuid.New()
	slots.slots[id] = &invitation.FreedSlot{ID: id, StartTime: testNow.Add(time.Hour)}

	if _, err := svc.OfferRound(context.Background(), id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slots.slots[id].ClosedAt == nil {
		t.Error("expected the slot closed unfilled")
	}
	if slots.slots[id].Round != 0 {
		t.Error("an empty round must not advance the counter")
	}
}

func TestOfferRound_MaxRoundsLeavesUnfilled(t *testing.T) {
	slots := newFakeSlots()
	cands := &fakeCandidates{queue: [][]waitlist.Entry{entriesN(1)}}
	offers := &fakeOfferer{}
	svc := newTestService(slots, cands, offers, &inlineLocker{})

	id := uuid.New()
	slots.slots[id] = &invitation.FreedSlot{ID: id, StartTime: testNow.Add(time.Hour), Round: 3}

	if _, err := svc.OfferRound(context.Background(), id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slots.slots[id].ClosedAt == nil {
		t.Error("expected the slot closed after the round budget")
	}
	if len(offers.issued) != 0 {
		t.Error("no further invitations after the round budget")
	}
}

func TestOfferRound_SlotStartPassedCloses(t *testing.T) {
	slots := newFakeSlots()
	offers := &fakeOfferer{}
	svc := newTestService(slots, &fakeCandidates{queue: [][]waitlist.Entry{entriesN(1)}}, offers, &inlineLocker{})

	id := uuid.New()
	slots.slots[id] = &invitation.FreedSlot{ID: id, StartTime: testNow.Add(-time.Minute)}

	if _, err := svc.OfferRound(context.Background(), id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slots.slots[id].ClosedAt == nil {
		t.Error("expected an elapsed slot closed")
	}
	if len(offers.issued) != 0 {
		t.Error("an elapsed slot must not be offered")
	}
}

func TestOfferRound_ClaimedSlotIsNoop(t *testing.T) {
	slots := newFakeSlots()
	offers := &fakeOfferer{}
	svc := newTestService(slots, &fakeCandidates{queue: [][]waitlist.Entry{entriesN(1)}}, offers, &inlineLocker{})

	winner := uuid.New()
	id := uuid.New()
	slots.slots[id] = &invitation.FreedSlot{ID: id, StartTime: testNow.Add(time.Hour), ClaimedBy: &winner}

	if _, err := svc.OfferRound(context.Background(), id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(offers.issued) != 0 {
		t.Error("a claimed slot must not start another round")
	}
	if slots.slots[id].ClosedAt != nil {
		t.Error("a claimed slot is not re-closed by the matcher")
	}
}

func TestOfferRound_ExcludesPriorInvitees(t *testing.T) {
	slots := newFakeSlots()
	cands := &fakeCandidates{queue: [][]waitlist.Entry{entriesN(1)}}
	svc := newTestService(slots, cands, &fakeOfferer{}, &inlineLocker{})

	prior := uuid.New()
	id := uuid.New()
	slots.slots[id] = &invitation.FreedSlot{ID: id, StartTime: testNow.Add(time.Hour), Round: 1}
	slots.invited[id] = []uuid.UUID{prior}

	if _, err := svc.OfferRound(context.Background(), id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cands.calls) != 1 {
		t.Fatalf("expected one candidate query, got %d", len(cands.calls))
	}
	if !cands.calls[0].exclude[prior] {
		t.Error("expected prior invitees excluded from the next round")
	}
	if cands.calls[0].n != 2 {
		t.Errorf("expected the configured round size, got %d", cands.calls[0].n)
	}
}

// ---------- Cascade ----------

func TestCascade_RunsEachSlotAndSurvivesFailures(t *testing.T) {
	slots := newFakeSlots()
	cands := &fakeCandidates{queue: [][]waitlist.Entry{entriesN(1), entriesN(1)}}
	offers := &fakeOfferer{}
	svc := newTestService(slots, cands, offers, &inlineLocker{})

	good := &invitation.FreedSlot{ID: uuid.New(), StartTime: testNow.Add(time.Hour), Round: 1}
	slots.slots[good.ID] = good
	missing := invitation.FreedSlot{ID: uuid.New()} // not in the repo

	counts := svc.Cascade(context.Background(), []invitation.FreedSlot{*good, missing})

	if len(offers.issued) != 1 {
		t.Errorf("expected the healthy slot offered, got %d rounds", len(offers.issued))
	}
	if counts.Failed != 1 {
		t.Errorf("expected the missing slot booked failed, got %+v", counts)
	}
}
