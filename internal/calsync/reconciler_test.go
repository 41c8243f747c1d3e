package calsync

import (
	"context"
	"errors"
	"testing"
)

func TestExtractDealID(t *testing.T) {
	cases := []struct {
		description string
		want        string
		ok          bool
	}{
		{"Kickoff [DEAL:D-123] notes", "D-123", true},
		{"[DEAL: D-9 ]", "D-9", true},
		{"two tags [DEAL:first] and [DEAL:second]", "first", true},
		{"no tag here", "", false},
		{"[DEAL:]", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ExtractDealID(tc.description)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ExtractDealID(%q) = (%q, %v), want (%q, %v)", tc.description, got, ok, tc.want, tc.ok)
		}
	}
}

type reconcilerFixture struct {
	store      *MemoryStore
	calendar   *fakeCalendarGateway
	deals      *fakeDealGateway
	reconciler *Reconciler
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	store := NewMemoryStore()
	calendar := &fakeCalendarGateway{events: map[string]*CalendarEvent{}}
	deals := &fakeDealGateway{}
	reconciler, err := NewReconciler(ReconcilerOptions{
		Store:     store,
		Calendars: staticCalendarFactory(calendar),
		Deals:     staticDealFactory(deals),
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return &reconcilerFixture{store: store, calendar: calendar, deals: deals, reconciler: reconciler}
}

func (f *reconcilerFixture) seedScenarioA(t *testing.T, active bool) InboundNotification {
	t.Helper()
	seedUser(t, f.store, "u1")
	err := f.store.UpsertMapping(context.Background(), Mapping{
		UserID:     "u1",
		CalendarID: "cal1",
		PipelineID: "P1",
		StageID:    "S9",
		Active:     active,
	})
	if err != nil {
		t.Fatalf("seed mapping: %v", err)
	}
	f.calendar.mu.Lock()
	f.calendar.events["evt1"] = &CalendarEvent{
		ID:          "evt1",
		Summary:     "Kickoff",
		Description: "Kickoff [DEAL:D-123] notes",
		Organizer:   EventOrganizer{Email: "cal1"},
	}
	f.calendar.mu.Unlock()
	return InboundNotification{
		ChannelID:  EncodeChannelID("u1", "tok"),
		ResourceID: "res_evt1",
		State:      StateExists,
	}
}

func TestReconcileMovesDealToMappedStage(t *testing.T) {
	f := newReconcilerFixture(t)
	n := f.seedScenarioA(t, true)

	outcome := f.reconciler.Reconcile(context.Background(), n)
	if !outcome.Synced() {
		t.Fatalf("expected synced outcome, got %q (err %v)", outcome.Reason, outcome.Err)
	}
	if got := f.deals.lastSet(); got != [2]string{"D-123", "S9"} {
		t.Fatalf("expected deal gateway call (D-123, S9), got %v", got)
	}
}

func TestReconcileInactiveMappingNeverCallsDealGateway(t *testing.T) {
	f := newReconcilerFixture(t)
	n := f.seedScenarioA(t, false)

	outcome := f.reconciler.Reconcile(context.Background(), n)
	if outcome.Reason != ReasonNoActiveMapping {
		t.Fatalf("expected no_active_mapping, got %q", outcome.Reason)
	}
	if f.deals.setCount() != 0 {
		t.Fatalf("inactive mapping must not reach the deal gateway, got %d calls", f.deals.setCount())
	}
}

func TestReconcileSyncHandshakeDoesNothing(t *testing.T) {
	f := newReconcilerFixture(t)
	f.seedScenarioA(t, true)

	outcome := f.reconciler.Reconcile(context.Background(), InboundNotification{
		ChannelID:  EncodeChannelID("u1", "tok"),
		ResourceID: "res_evt1",
		State:      StateSync,
		RawState:   "sync",
	})
	if outcome.Reason != ReasonHandshake {
		t.Fatalf("expected handshake outcome, got %q", outcome.Reason)
	}
	if f.calendar.getEventCount() != 0 {
		t.Fatalf("sync handshake must not fetch events, got %d fetches", f.calendar.getEventCount())
	}
	if f.deals.setCount() != 0 {
		t.Fatalf("sync handshake must not touch deals, got %d calls", f.deals.setCount())
	}
}

func TestReconcileUnknownStateIsIgnored(t *testing.T) {
	f := newReconcilerFixture(t)
	f.seedScenarioA(t, true)

	outcome := f.reconciler.Reconcile(context.Background(), InboundNotification{
		ChannelID:  EncodeChannelID("u1", "tok"),
		ResourceID: "res_evt1",
		State:      StateUnknown,
		RawState:   "trashed",
	})
	if outcome.Reason != ReasonIgnoredState {
		t.Fatalf("expected ignored_state, got %q", outcome.Reason)
	}
	if f.calendar.getEventCount() != 0 || f.deals.setCount() != 0 {
		t.Fatal("unknown states must make zero external calls")
	}
}

func TestReconcileUnparseableChannelIDMakesZeroCalls(t *testing.T) {
	f := newReconcilerFixture(t)
	f.seedScenarioA(t, true)

	outcome := f.reconciler.Reconcile(context.Background(), InboundNotification{
		ChannelID:  "calendar-webhook-",
		ResourceID: "res_evt1",
		State:      StateExists,
	})
	if outcome.Reason != ReasonBadChannelID {
		t.Fatalf("expected bad_channel_id, got %q", outcome.Reason)
	}
	if f.calendar.getEventCount() != 0 || f.deals.setCount() != 0 {
		t.Fatal("unattributable notifications must make zero external calls")
	}
}

func TestReconcileUserDeletedAfterChannelCreation(t *testing.T) {
	f := newReconcilerFixture(t)

	outcome := f.reconciler.Reconcile(context.Background(), InboundNotification{
		ChannelID:  EncodeChannelID("ghost", "tok"),
		ResourceID: "res_evt1",
		State:      StateExists,
	})
	if outcome.Reason != ReasonUserNotFound {
		t.Fatalf("expected user_not_found, got %q", outcome.Reason)
	}
	if f.calendar.getEventCount() != 0 {
		t.Fatal("missing user must short-circuit before the event fetch")
	}
}

func TestReconcileMissingEventAbandons(t *testing.T) {
	f := newReconcilerFixture(t)
	seedUser(t, f.store, "u1")

	outcome := f.reconciler.Reconcile(context.Background(), InboundNotification{
		ChannelID:  EncodeChannelID("u1", "tok"),
		ResourceID: "res_gone",
		State:      StateExists,
	})
	if outcome.Reason != ReasonEventNotFound {
		t.Fatalf("expected event_not_found, got %q", outcome.Reason)
	}
	if f.deals.setCount() != 0 {
		t.Fatal("missing event must never reach the deal gateway")
	}
}

func TestReconcileUntaggedEventSkipsSilently(t *testing.T) {
	f := newReconcilerFixture(t)
	n := f.seedScenarioA(t, true)
	f.calendar.mu.Lock()
	f.calendar.events["evt1"].Description = "regular 1:1, nothing to sync"
	f.calendar.mu.Unlock()

	outcome := f.reconciler.Reconcile(context.Background(), n)
	if outcome.Reason != ReasonNoDealTag {
		t.Fatalf("expected no_deal_tag, got %q", outcome.Reason)
	}
	if f.deals.setCount() != 0 {
		t.Fatal("untagged events must never reach the deal gateway")
	}
}

func TestReconcileDealGatewayFailureIsTerminal(t *testing.T) {
	f := newReconcilerFixture(t)
	n := f.seedScenarioA(t, true)
	f.deals.setErr = errors.New("salesmap 500")

	outcome := f.reconciler.Reconcile(context.Background(), n)
	if outcome.Reason != ReasonDealUpdateError {
		t.Fatalf("expected deal_update_error, got %q", outcome.Reason)
	}
	if f.deals.setCount() != 1 {
		t.Fatalf("expected exactly one attempt, no retries, got %d", f.deals.setCount())
	}
}

func TestReconcileDuplicateDeliveryConverges(t *testing.T) {
	f := newReconcilerFixture(t)
	n := f.seedScenarioA(t, true)

	first := f.reconciler.Reconcile(context.Background(), n)
	second := f.reconciler.Reconcile(context.Background(), n)
	if !first.Synced() || !second.Synced() {
		t.Fatalf("expected both deliveries to sync, got %q / %q", first.Reason, second.Reason)
	}
	if f.deals.setCount() != 2 {
		t.Fatalf("expected two gateway calls, got %d", f.deals.setCount())
	}
	f.deals.mu.Lock()
	defer f.deals.mu.Unlock()
	if f.deals.setCalls[0] != f.deals.setCalls[1] {
		t.Fatalf("duplicate deliveries must write the same target stage, got %v vs %v", f.deals.setCalls[0], f.deals.setCalls[1])
	}
}

func TestReconcileResolvesCalendarFromOrganizer(t *testing.T) {
	f := newReconcilerFixture(t)
	seedUser(t, f.store, "u1")
	// Mapping exists for the organizer's calendar, not the watched one.
	if err := f.store.UpsertMapping(context.Background(), Mapping{
		UserID: "u1", CalendarID: "team@company.com", StageID: "S2", Active: true,
	}); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}
	f.calendar.mu.Lock()
	f.calendar.events["evt9"] = &CalendarEvent{
		ID:          "evt9",
		Description: "[DEAL:D-9]",
		Organizer:   EventOrganizer{Email: "team@company.com"},
	}
	f.calendar.mu.Unlock()

	outcome := f.reconciler.Reconcile(context.Background(), InboundNotification{
		ChannelID:  EncodeChannelID("u1", "tok"),
		ResourceID: "x_evt9",
		State:      StateExists,
	})
	if !outcome.Synced() {
		t.Fatalf("expected sync, got %q", outcome.Reason)
	}
	if got := f.deals.lastSet(); got != [2]string{"D-9", "S2"} {
		t.Fatalf("expected (D-9, S2), got %v", got)
	}
}

func TestReconcilePublishesActivity(t *testing.T) {
	store := NewMemoryStore()
	calendar := &fakeCalendarGateway{events: map[string]*CalendarEvent{}}
	deals := &fakeDealGateway{}
	hub := NewActivityHub()
	reconciler, err := NewReconciler(ReconcilerOptions{
		Store:     store,
		Calendars: staticCalendarFactory(calendar),
		Deals:     staticDealFactory(deals),
		Logger:    testLogger(),
		Activity:  hub,
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	events, cancel := hub.Subscribe(4)
	defer cancel()

	reconciler.Reconcile(context.Background(), InboundNotification{
		ChannelID: "calendar-webhook-",
		State:     StateExists,
	})

	select {
	case event := <-events:
		if event.Kind != "reconcile" || event.Reason != string(ReasonBadChannelID) {
			t.Fatalf("unexpected activity event: %+v", event)
		}
	default:
		t.Fatal("expected an activity event to be published")
	}
}
