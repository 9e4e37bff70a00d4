package invitation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/automation-engine/internal/audit"
	"github.com/clinicops/automation-engine/internal/notify"
	"github.com/clinicops/automation-engine/internal/waitlist"
)

// ---------- Fakes ----------

// fakeRepo keeps slot claiming atomic under its mutex, mirroring the
// conditional UPDATE in Postgres.
type fakeRepo struct {
	mu          sync.Mutex
	slots       map[uuid.UUID]*FreedSlot
	invitations map[uuid.UUID]*Invitation
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		slots:       make(map[uuid.UUID]*FreedSlot),
		invitations: make(map[uuid.UUID]*Invitation),
	}
}

func (r *fakeRepo) CreateSlot(ctx context.Context, s *FreedSlot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.slots[s.ID] = &cp
	return nil
}

func (r *fakeRepo) GetSlot(ctx context.Context, id uuid.UUID) (*FreedSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeRepo) ClaimSlot(ctx context.Context, slotID, invitationID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok {
		return false, ErrSlotNotFound
	}
	if s.ClaimedBy != nil || s.ClosedAt != nil {
		return false, nil
	}
	id := invitationID
	s.ClaimedBy = &id
	return true, nil
}

func (r *fakeRepo) ReleaseSlot(ctx context.Context, slotID, invitationID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok {
		return ErrSlotNotFound
	}
	if s.ClaimedBy != nil && *s.ClaimedBy == invitationID {
		s.ClaimedBy = nil
	}
	return nil
}

func (r *fakeRepo) AdvanceRound(ctx context.Context, slotID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok {
		return 0, ErrSlotNotFound
	}
	s.Round++
	return s.Round, nil
}

func (r *fakeRepo) CloseSlot(ctx context.Context, slotID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok {
		return ErrSlotNotFound
	}
	if s.ClosedAt == nil {
		t := at
		s.ClosedAt = &t
	}
	return nil
}

func (r *fakeRepo) SlotsAwaitingRound(ctx context.Context, now time.Time) ([]FreedSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []FreedSlot
	for _, s := range r.slots {
		if !s.Open() || !s.StartTime.After(now) {
			continue
		}
		pending := false
		for _, inv := range r.invitations {
			if inv.SlotID == s.ID && inv.Status == StatusSent {
				pending = true
				break
			}
		}
		if !pending {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *fakeRepo) CreateInvitation(ctx context.Context, inv *Invitation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *inv
	r.invitations[inv.ID] = &cp
	return nil
}

func (r *fakeRepo) GetInvitation(ctx context.Context, id uuid.UUID) (*Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invitations[id]
	if !ok {
		return nil, ErrInvitationNotFound
	}
	cp := *inv
	return &cp, nil
}

func (r *fakeRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, reason string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invitations[id]
	if !ok {
		return false, ErrInvitationNotFound
	}
	if inv.Status != from {
		return false, nil
	}
	inv.Status = to
	inv.Reason = reason
	t := at
	inv.RespondedAt = &t
	return true, nil
}

func (r *fakeRepo) DeclineSiblings(ctx context.Context, slotID, winnerID uuid.UUID, reason string, at time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []uuid.UUID
	for _, inv := range r.invitations {
		if inv.SlotID != slotID || inv.ID == winnerID || inv.Status != StatusSent {
			continue
		}
		inv.Status = StatusDeclined
		inv.Reason = reason
		t := at
		inv.RespondedAt = &t
		entries = append(entries, inv.EntryID)
	}
	return entries, nil
}

func (r *fakeRepo) FindExpired(ctx context.Context, now time.Time, limit int) ([]Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Invitation
	for _, inv := range r.invitations {
		if inv.Status == StatusSent && now.After(inv.ExpiresAt) {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (r *fakeRepo) InvitedEntryIDs(ctx context.Context, slotID uuid.UUID) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uuid.UUID
	for _, inv := range r.invitations {
		if inv.SlotID == slotID {
			out = append(out, inv.EntryID)
		}
	}
	return out, nil
}

func (r *fakeRepo) List(ctx context.Context, f ListFilter) ([]Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Invitation
	for _, inv := range r.invitations {
		if f.SlotID != uuid.Nil && inv.SlotID != f.SlotID {
			continue
		}
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		out = append(out, *inv)
	}
	return out, nil
}

// fakeEntries is a minimal waitlist.Repository for entry state moves.
type fakeEntries struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*waitlist.Entry
}

func newFakeEntries() *fakeEntries {
	return &fakeEntries{entries: make(map[uuid.UUID]*waitlist.Entry)}
}

func (r *fakeEntries) Add(ctx context.Context, e *waitlist.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.entries[e.ID] = &cp
	return nil
}

func (r *fakeEntries) Get(ctx context.Context, id uuid.UUID) (*waitlist.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, waitlist.ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *fakeEntries) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	return nil
}

func (r *fakeEntries) List(ctx context.Context, f waitlist.ListFilter) ([]waitlist.Entry, error) {
	return nil, nil
}

func (r *fakeEntries) ListEligible(ctx context.Context, clinicID uuid.UUID) ([]waitlist.Entry, error) {
	return nil, nil
}

func (r *fakeEntries) UpdatePriority(ctx context.Context, id uuid.UUID, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return waitlist.ErrEntryNotFound
	}
	e.Priority = priority
	return nil
}

func (r *fakeEntries) UpdateStatus(ctx context.Context, id uuid.UUID, from []waitlist.Status, to waitlist.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false, waitlist.ErrEntryNotFound
	}
	for _, f := range from {
		if e.Status == f {
			e.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeEntries) FlagNeedsReview(ctx context.Context, id uuid.UUID, note string) error {
	return nil
}

func (r *fakeEntries) SyncRecall(ctx context.Context, now time.Time, minLead time.Duration, moveForwardDays int) (int, int, error) {
	return 0, 0, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent int
	err  error
}

func (s *fakeSender) Send(ctx context.Context, channel notify.Channel, recipient, templateKey string, vars map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent++
	return nil
}

// ---------- Helpers ----------

var testNow = time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

func newTestService(repo *fakeRepo, entries *fakeEntries, sender *fakeSender) *Service {
	svc := NewService(repo, entries, sender, 2*time.Hour, audit.Nop{}, zerolog.Nop())
	svc.SetClock(func() time.Time { return testNow })
	return svc
}

func seedSlot(repo *fakeRepo) *FreedSlot {
	s := &FreedSlot{
		ID:            uuid.New(),
		AppointmentID: uuid.New(),
		ClinicID:      uuid.New(),
		ServiceType:   "checkup",
		StartTime:     testNow.Add(72 * time.Hour),
		Duration:      30 * time.Minute,
		FreedAt:       testNow,
	}
	repo.slots[s.ID] = s
	return s
}

func seedEntry(entries *fakeEntries, status waitlist.Status) waitlist.Entry {
	e := waitlist.Entry{
		ID:       uuid.New(),
		ClinicID: uuid.New(),
		Kind:     waitlist.KindNewClient,
		Status:   status,
		Name:     "Pat",
		Email:    "pat@example.com",
		AddedAt:  testNow,
	}
	entries.entries[e.ID] = &e
	return e
}

// issueRound seeds candidates and issues invitations for them, returning
// the created invitation IDs.
func issueRound(t *testing.T, svc *Service, repo *fakeRepo, entries *fakeEntries, slot *FreedSlot, n int) []uuid.UUID {
	t.Helper()
	var candidates []waitlist.Entry
	for i := 0; i < n; i++ {
		candidates = append(candidates, seedEntry(entries, waitlist.StatusWaiting))
	}
	counts, err := svc.Issue(context.Background(), slot, candidates)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if counts.Succeeded != n {
		t.Fatalf("expected %d invitations issued, got %+v", n, counts)
	}

	var ids []uuid.UUID
	for id := range repo.invitations {
		ids = append(ids, id)
	}
	return ids
}

// ---------- Issue ----------

func TestIssue_MarksEntriesInvited(t *testing.T) {
	repo := newFakeRepo()
	entries := newFakeEntries()
	sender := &fakeSender{}
	svc := newTestService(repo, entries, sender)
	slot := seedSlot(repo)

	e := seedEntry(entries, waitlist.StatusWaiting)
	counts, err := svc.Issue(context.Background(), slot, []waitlist.Entry{e})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.Succeeded != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}
	if entries.entries[e.ID].Status != waitlist.StatusInvited {
		t.Errorf("expected invited, got %s", entries.entries[e.ID].Status)
	}
	if sender.sent != 1 {
		t.Errorf("expected one offer notification, got %d", sender.sent)
	}

	for _, inv := range repo.invitations {
		if inv.ExpiresAt != testNow.Add(2*time.Hour) {
			t.Errorf("expected offer TTL applied, got expiry %s", inv.ExpiresAt)
		}
	}
}

func TestIssue_SkipsEntryGrabbedConcurrently(t *testing.T) {
	repo := newFakeRepo()
	entries := newFakeEntries()
	svc := newTestService(repo, entries, &fakeSender{})
	slot := seedSlot(repo)

	e := seedEntry(entries, waitlist.StatusInvited) // already holds another offer
	counts, err := svc.Issue(context.Background(), slot, []waitlist.Entry{e})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.Processed != 1 || counts.Succeeded != 0 || counts.Failed != 0 {
		t.Errorf("expected a silent skip, got %+v", counts)
	}
	if len(repo.invitations) != 0 {
		t.Error("expected no invitation for a grabbed entry")
	}
}

func TestIssue_NotifyFailureKeepsInvitation(t *testing.T) {
	repo := newFakeRepo()
	entries := newFakeEntries()
	sender := &fakeSender{err: errors.New("gateway down")}
	svc := newTestService(repo, entries, sender)
	slot := seedSlot(repo)

	e := seedEntry(entries, waitlist.StatusWaiting)
	counts, err := svc.Issue(context.Background(), slot, []waitlist.Entry{e})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.Failed != 1 {
		t.Errorf("expected the item booked failed, got %+v", counts)
	}
	// The invitation stands; the expiry sweep reclaims it if the patient
	// never hears about it.
	if len(repo.invitations) != 1 {
		t.Errorf("expected the invitation kept, got %d", len(repo.invitations))
	}
}

// ---------- Accept ----------

func TestAccept_WinnerTakesSlot(t *testing.T) {
	repo := newFakeRepo()
	entries := newFakeEntries()
	svc := newTestService(repo, entries, &fakeSender{})
	slot := seedSlot(repo)

	ids := issueRound(t, svc, repo, entries, slot, 2)

	winner, err := svc.Accept(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if winner.Status != StatusAccepted {
		t.Errorf("expected accepted, got %s", winner.Status)
	}

	s := repo.slots[slot.ID]
	if s.ClaimedBy == nil || *s.ClaimedBy != ids[0] {
		t.Error("expected the slot claimed by the winning invitation")
	}
	if s.ClosedAt == nil {
		t.Error("expected the slot closed")
	}

	sibling := repo.invitations[ids[1]]
	if sibling.Status != StatusDeclined || sibling.Reason != ReasonSlotTaken {
		t.Errorf("expected sibling declined with slot-taken reason, got %s %q",
			sibling.Status, sibling.Reason)
	}

	// The winner's entry is accepted; the sibling's entry is eligible
	// again with a courtesy priority bump.
	winnerEntry := entries.entries[winner.EntryID]
	if winnerEntry.Status != waitlist.StatusAccepted {
		t.Errorf("expected winner entry accepted, got %s", winnerEntry.Status)
	}
	siblingEntry := entries.entries[sibling.EntryID]
	if siblingEntry.Status != waitlist.StatusWaiting {
		t.Errorf("expected sibling entry back to waiting, got %s", siblingEntry.Status)
	}
	if siblingEntry.Priority != 1 {
		t.Errorf("expected priority bumped to 1, got %d", siblingEntry.Priority)
	}
}

func TestAccept_ConcurrentAcceptsExactlyOneWins(t *testing.T) {
	repo := newFakeRepo()
	entries := newFakeEntries()
	svc := newTestService(repo, entries, &fakeSender{})
	slot := seedSlot(repo)

	ids := issueRound(t, svc, repo, entries, slot, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var accepted, taken, other int

	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := svc.Accept(context.Background(), id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrSlotTaken):
				taken++
			default:
				other++
			}
		}(id)
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("expected exactly one acceptance, got %d", accepted)
	}
	if taken != 4 {
		t.Errorf("expected 4 slot-taken losers, got %d (other errors: %d)", taken, other)
	}

	resolved := 0
	for _, inv := range repo.invitations {
		if inv.Status == StatusAccepted {
			resolved++
		}
	}
	if resolved != 1 {
		t.Errorf("expected exactly one accepted invitation, got %d", resolved)
	}
}

func TestAccept_AfterResolutionRejected(t *testing.T) {
	repo := newFakeRepo()
	entries := newFakeEntries()
	svc := newTestService(repo, entries, &fakeSender{})
	slot := seedSlot(repo)

	ids := issueRound(t, svc, repo, entries, slot, 1)
	if _, err := svc.Accept(context.Background(), ids[0]); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if _, err := svc.Accept(context.Background(), ids[0]); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestAccept_ExpiredInvitation(t *testing.T) {
	repo := newFakeRepo()
	entries := newFakeEntries()
	svc := newTestService(repo, entries, &fakeSender{})
	slot := seedSlot(repo)

	ids := issueRound(t, svc, repo, entries, slot, 1)

	// Move the clock past the offer TTL.
	svc.SetClock(func() time.Time { return testNow.Add(3 * time.Hour) })

	if _, err := svc.Accept(context.Background(), ids[0]); !errors.Is(err, ErrInvitationExpired) {
		t.Errorf("expected ErrInvitationExpired, got %v", err)
	}

	inv := repo.invitations[ids[0]]
	if inv.Status != StatusExpired {
		t.Errorf("expected the invitation marked expired, got %s", inv.Status)
	}
	if entries.entries[inv.EntryID].Status != waitlist.StatusWaiting {
		t.Error("expected the entry back to waiting after expiry")
	}
	if repo.slots[slot.ID].ClaimedBy != nil {
		t.Error("an expired accept must not claim the slot")
	}
}

// raceRepo runs a hook right before the slot claim, to interleave the
// expiry sweep with an in-flight accept.
type raceRepo struct {
	*fakeRepo
	beforeClaim func()
}

func (r *raceRepo) ClaimSlot(ctx context.Context, slotID, invitationID uuid.UUID) (bool, error) {
	if r.beforeClaim != nil {
		r.beforeClaim()
	}
	return r.fakeRepo.ClaimSlot(ctx, slotID, invitationID)
}

func TestAccept_SweepWinsRaceReleasesClaim(t *testing.T) {
	base := newFakeRepo()
	entries := newFakeEntries()
	repo := &raceRepo{fakeRepo: base}
	svc := NewService(repo, entries, &fakeSender{}, 2*time.Hour, audit.Nop{}, zerolog.Nop())
	svc.SetClock(func() time.Time { return testNow })

	slot := seedSlot(base)
	ids := issueRound(t, svc, base, entries, slot, 1)

	// The sweep resolves the invitation between the accept's status check
	// and its slot claim, right at the TTL boundary.
	repo.beforeClaim = func() {
		if _, _, err := svc.ExpireSweep(context.Background(), testNow.Add(3*time.Hour)); err != nil {
			t.Errorf("sweep: %v", err)
		}
	}

	if _, err := svc.Accept(context.Background(), ids[0]); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}

	if base.invitations[ids[0]].Status != StatusExpired {
		t.Errorf("expected the invitation expired, got %s", base.invitations[ids[0]].Status)
	}
	s := base.slots[slot.ID]
	if s.ClaimedBy != nil {
		t.Error("expected the claim released after the lost race")
	}
	if s.ClosedAt != nil {
		t.Error("expected the slot still open for the next round")
	}

	// The released slot must come back through the sweep, not vanish.
	repo.beforeClaim = nil
	_, slots, err := svc.ExpireSweep(context.Background(), testNow.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 1 || slots[0].ID != slot.ID {
		t.Errorf("expected the slot handed back for a cascade, got %d slots", len(slots))
	}
}

// ---------- Decline ----------

func TestDecline_RevertsEntryWithoutBump(t *testing.T) {
	repo := newFakeRepo()
	entries := newFakeEntries()
	svc := newTestService(repo, entries, &fakeSender{})
	slot := seedSlot(repo)

	ids := issueRound(t, svc, repo, entries, slot, 1)

	inv, err := svc.Decline(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.Status != StatusDeclined {
		t.Errorf("expected declined, got %s", inv.Status)
	}

	entry := entries.entries[inv.EntryID]
	if entry.Status != waitlist.StatusWaiting {
		t.Errorf("expected the entry eligible again, got %s", entry.Status)
	}
	if entry.Priority != 0 {
		t.Errorf("a voluntary decline earns no bump, got priority %d", entry.Priority)
	}
	if repo.slots[slot.ID].ClaimedBy != nil {
		t.Error("a decline must leave the slot unclaimed")
	}
}

func TestDecline_Twice(t *testing.T) {
	repo := newFakeRepo()
	entries := newFakeEntries()
	svc := newTestService(repo, entries, &fakeSender{})
	slot := seedSlot(repo)

	ids := issueRound(t, svc, repo, entries, slot, 1)
	if _, err := svc.Decline(context.Background(), ids[0]); err != nil {
		t.Fatalf("first decline: %v", err)
	}
	if _, err := svc.Decline(context.Background(), ids[0]); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}

// ---------- ExpireSweep ----------

func TestExpireSweep_ExpiresAndReportsCascadeSlots(t *testing.T) {
	repo := newFakeRepo()
	entries := newFakeEntries()
	svc := newTestService(repo, entries, &fakeSender{})
	slot := seedSlot(repo)
	slot.Round = 1

	ids := issueRound(t, svc, repo, entries, slot, 2)

	later := testNow.Add(3 * time.Hour)
	counts, slots, err := svc.ExpireSweep(context.Background(), later)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.Processed != 2 || counts.Succeeded != 2 {
		t.Errorf("unexpected counts: %+v", counts)
	}

	for _, id := range ids {
		inv := repo.invitations[id]
		if inv.Status != StatusExpired {
			t.Errorf("expected expired, got %s", inv.Status)
		}
		if entries.entries[inv.EntryID].Status != waitlist.StatusWaiting {
			t.Error("expected the entry eligible again after expiry")
		}
	}

	if len(slots) != 1 || slots[0].ID != slot.ID {
		t.Errorf("expected the slot reported for cascade, got %d slots", len(slots))
	}
}

func TestExpireSweep_ReportsSlotWhoseFirstRoundNeverIssued(t *testing.T) {
	repo := newFakeRepo()
	entries := newFakeEntries()
	svc := newTestService(repo, entries, &fakeSender{})

	// Recorded but never offered: the first round failed before any
	// invitation went out, so the slot sits open at round zero.
	slot := seedSlot(repo)

	_, slots, err := svc.ExpireSweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 1 || slots[0].ID != slot.ID {
		t.Fatalf("expected the round-zero slot handed back for a round, got %d slots", len(slots))
	}
}

func TestExpireSweep_LeavesLiveOffersAlone(t *testing.T) {
	repo := newFakeRepo()
	entries := newFakeEntries()
	svc := newTestService(repo, entries, &fakeSender{})
	slot := seedSlot(repo)
	slot.Round = 1

	issueRound(t, svc, repo, entries, slot, 1)

	counts, slots, err := svc.ExpireSweep(context.Background(), testNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.Processed != 0 {
		t.Errorf("expected nothing expired, got %+v", counts)
	}
	if len(slots) != 0 {
		t.Error("a slot with a live offer must not cascade")
	}
}
