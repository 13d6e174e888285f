package client

import (
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/lalithlochan/beacon/internal/event"
)

var epoch0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func note(id string, minute int, read bool) event.Notification {
	return event.Notification{
		ID:        id,
		UserID:    "u1",
		Title:     "title " + id,
		Type:      event.TypeServiceAssigned,
		Read:      read,
		CreatedAt: epoch0.Add(time.Duration(minute) * time.Minute),
	}
}

func heldIDs(s *State) []string {
	ns := s.Notifications()
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}

func countHeldUnread(s *State) int {
	n := 0
	for _, item := range s.Notifications() {
		if !item.Read {
			n++
		}
	}
	return n
}

func expectIDs(t *testing.T, s *State, want ...string) {
	t.Helper()
	if want == nil {
		want = []string{}
	}
	if got := heldIDs(s); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected held %v, got %v", want, got)
	}
}

func expectUnread(t *testing.T, s *State, want int) {
	t.Helper()
	if got := s.UnreadCount(); got != want {
		t.Fatalf("expected unread %d, got %d", want, got)
	}
}

func TestState_CreatedIsIdempotent(t *testing.T) {
	s := NewState()
	n := note("n1", 1, false)

	if !s.ApplyCreated(n) {
		t.Fatal("first create must apply")
	}
	if s.ApplyCreated(n) {
		t.Fatal("second create must be a no-op")
	}
	expectIDs(t, s, "n1")
	expectUnread(t, s, 1)
}

func TestState_DeleteTwiceDecrementsOnce(t *testing.T) {
	s := NewState()
	s.ApplyCreated(note("n1", 1, false))
	s.ApplyCreated(note("n2", 2, false))

	if !s.ApplyDeleted("n1") {
		t.Fatal("first delete must apply")
	}
	if s.ApplyDeleted("n1") {
		t.Fatal("second delete must be a no-op")
	}
	expectUnread(t, s, 1)
	expectIDs(t, s, "n2")
}

func TestState_TombstonedIDNeverReturns(t *testing.T) {
	s := NewState()
	s.ApplyDeleted("n1")

	if s.ApplyCreated(note("n1", 1, false)) {
		t.Fatal("tombstoned id must not be recreated")
	}

	epoch := s.BeginFetch()
	if !s.ApplySnapshot(epoch, []event.Notification{note("n1", 1, false), note("n2", 2, false)}) {
		t.Fatal("snapshot must apply")
	}
	expectIDs(t, s, "n2")
	expectUnread(t, s, 1)
}

func TestState_MarkedReadCountsTransitionsOnly(t *testing.T) {
	s := NewState()
	s.ApplyCreated(note("n1", 1, false))
	s.ApplyCreated(note("n2", 2, true))

	if got := s.ApplyMarkedRead([]string{"n1", "n2", "missing"}); got != 1 {
		t.Errorf("expected 1 transition, got %d", got)
	}
	if got := s.ApplyMarkedRead([]string{"n1"}); got != 0 {
		t.Errorf("expected no transition, got %d", got)
	}
	expectUnread(t, s, 0)
}

func TestState_MarkAllRead(t *testing.T) {
	s := NewState()
	s.ApplyCreated(note("n1", 1, false))
	s.ApplyCreated(note("n2", 2, true))
	s.ApplyCreated(note("n3", 3, false))

	changed := s.MarkAllRead()
	sort.Strings(changed)
	if !reflect.DeepEqual(changed, []string{"n1", "n3"}) {
		t.Errorf("expected [n1 n3], got %v", changed)
	}
	if again := s.MarkAllRead(); len(again) != 0 {
		t.Errorf("second mark-all must change nothing, got %v", again)
	}
	expectUnread(t, s, 0)
}

func TestState_SnapshotNeverUnreadsHeldEntries(t *testing.T) {
	s := NewState()
	s.ApplyCreated(note("n1", 1, false))
	s.ApplyMarkedRead([]string{"n1"})

	epoch := s.BeginFetch()
	if !s.ApplySnapshot(epoch, []event.Notification{note("n1", 1, false)}) {
		t.Fatal("snapshot must apply")
	}

	ns := s.Notifications()
	if len(ns) != 1 || !ns[0].Read {
		t.Fatalf("expected n1 to stay read, got %+v", ns)
	}
	expectUnread(t, s, 0)
}

func TestState_ReadDuringFetchSurvivesStaleSnapshot(t *testing.T) {
	s := NewState()
	epoch := s.BeginFetch()

	// mark-read of an id the client does not hold yet
	s.ApplyMarkedRead([]string{"n1"})

	if !s.ApplySnapshot(epoch, []event.Notification{note("n1", 1, false), note("n2", 2, false)}) {
		t.Fatal("snapshot must apply")
	}
	expectUnread(t, s, 1)
	for _, n := range s.Notifications() {
		if n.ID == "n1" && !n.Read {
			t.Error("n1 was marked read during the fetch and must stay read")
		}
	}
}

func TestState_PushDuringFetchIsKept(t *testing.T) {
	s := NewState()
	epoch := s.BeginFetch()
	s.ApplyCreated(note("n3", 3, false))

	if !s.ApplySnapshot(epoch, []event.Notification{note("n2", 2, false), note("n1", 1, true)}) {
		t.Fatal("snapshot must apply")
	}
	expectIDs(t, s, "n3", "n2", "n1")
	expectUnread(t, s, 2)
}

func TestState_SupersededSnapshotIsDiscarded(t *testing.T) {
	s := NewState()
	s.ApplyCreated(note("n1", 1, false))

	epoch := s.BeginFetch()
	s.Invalidate()
	if s.ApplySnapshot(epoch, nil) {
		t.Fatal("snapshot after Invalidate must be discarded")
	}
	expectIDs(t, s, "n1")

	first := s.BeginFetch()
	second := s.BeginFetch()
	if s.ApplySnapshot(first, nil) {
		t.Fatal("older fetch must be discarded")
	}
	if !s.ApplySnapshot(second, []event.Notification{note("n2", 2, false)}) {
		t.Fatal("latest fetch must apply")
	}
	expectIDs(t, s, "n2")
}

func TestState_SnapshotOrderAndDuplicates(t *testing.T) {
	s := NewState()
	epoch := s.BeginFetch()
	same := epoch0.Add(time.Minute)

	a := note("a", 0, false)
	a.CreatedAt = same
	b := note("b", 0, false)
	b.CreatedAt = same

	if !s.ApplySnapshot(epoch, []event.Notification{a, note("old", -5, false), b, a}) {
		t.Fatal("snapshot must apply")
	}
	expectIDs(t, s, "b", "a", "old")
	expectUnread(t, s, 3)
}

func TestState_AbortFetchKeepsHeldSet(t *testing.T) {
	s := NewState()
	s.ApplyCreated(note("n1", 1, false))
	epoch := s.BeginFetch()
	s.AbortFetch(epoch)

	if s.ApplySnapshot(epoch, nil) {
		t.Fatal("aborted fetch must not apply")
	}
	expectIDs(t, s, "n1")
}

func TestState_UnreadMatchesHeldUnderRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := NewState()
	var epoch uint64

	for step := 0; step < 5000; step++ {
		id := fmt.Sprintf("n%d", rng.Intn(40))
		switch rng.Intn(8) {
		case 0, 1:
			s.ApplyCreated(note(id, rng.Intn(1000), rng.Intn(3) == 0))
		case 2:
			s.ApplyDeleted(id)
		case 3:
			s.ApplyMarkedRead([]string{id, fmt.Sprintf("n%d", rng.Intn(40))})
		case 4:
			if rng.Intn(10) == 0 {
				s.MarkAllRead()
			}
		case 5:
			epoch = s.BeginFetch()
		case 6:
			snap := make([]event.Notification, 0, 10)
			for i := 0; i < rng.Intn(10); i++ {
				snap = append(snap, note(fmt.Sprintf("n%d", rng.Intn(40)), rng.Intn(1000), rng.Intn(2) == 0))
			}
			s.ApplySnapshot(epoch, snap)
		case 7:
			s.Invalidate()
		}

		if got, want := s.UnreadCount(), countHeldUnread(s); got != want {
			t.Fatalf("step %d: unread %d, held unread %d", step, got, want)
		}

		seen := make(map[string]bool)
		for _, held := range heldIDs(s) {
			if seen[held] {
				t.Fatalf("step %d: duplicate %s", step, held)
			}
			seen[held] = true
			if _, dead := s.tombstones[held]; dead {
				t.Fatalf("step %d: tombstoned %s is held", step, held)
			}
		}
	}
}

func seeded(ids ...string) *State {
	s := NewState()
	epoch := s.BeginFetch()
	snap := make([]event.Notification, len(ids))
	for i, id := range ids {
		snap[i] = note(id, len(ids)-i, false)
	}
	s.ApplySnapshot(epoch, snap)
	return s
}

func TestScenario_MarkedReadPartial(t *testing.T) {
	s := seeded("n3", "n2", "n1")
	expectUnread(t, s, 3)

	s.ApplyMarkedRead([]string{"n1", "n2"})

	expectUnread(t, s, 1)
	for _, n := range s.Notifications() {
		if n.Read != (n.ID != "n3") {
			t.Errorf("%s: unexpected read=%v", n.ID, n.Read)
		}
	}
}

func TestScenario_NewNotificationPrepends(t *testing.T) {
	s := seeded("n3", "n2", "n1")

	n4 := note("n4", 10, false)
	n4.Type = event.TypeServiceAssigned
	s.ApplyCreated(n4)

	if first := s.Notifications()[0].ID; first != "n4" {
		t.Errorf("expected n4 first, got %s", first)
	}
	expectUnread(t, s, 4)
}

func TestScenario_LocalDeleteRacesServerEvent(t *testing.T) {
	s := seeded("n3", "n2", "n1")

	s.ApplyDeleted("n2") // optimistic local delete
	s.ApplyDeleted("n2") // server notification_deleted echo

	expectIDs(t, s, "n3", "n1")
	expectUnread(t, s, 2)
}
