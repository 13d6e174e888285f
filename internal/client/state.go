package client

import (
	"sort"

	"github.com/lalithlochan/beacon/internal/event"
)

// State is the client-side notification set. Every method keeps unread equal to the
// number of unread entries held, and every method is idempotent for a given input.
// State is not safe for concurrent use; the Controller guards it.
type State struct {
	items  []event.Notification // newest first
	unread int

	// ids deleted locally or by the server; they never come back
	tombstones map[string]struct{}

	// bookkeeping for the snapshot fetch in flight, nil when none is
	fetchEpoch uint64
	fetching   bool
	pushed     map[string]struct{}
	readSince  map[string]struct{}
}

// NewState returns an empty set.
func NewState() *State {
	return &State{tombstones: make(map[string]struct{})}
}

// Notifications returns a copy of the held entries, newest first.
func (s *State) Notifications() []event.Notification {
	out := make([]event.Notification, len(s.items))
	copy(out, s.items)
	return out
}

// UnreadCount is the number of held entries not yet read.
func (s *State) UnreadCount() int { return s.unread }

func (s *State) find(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

// ApplyCreated prepends n unless it is already held or was deleted.
func (s *State) ApplyCreated(n event.Notification) bool {
	if _, dead := s.tombstones[n.ID]; dead {
		return false
	}
	if s.find(n.ID) >= 0 {
		return false
	}

	s.items = append([]event.Notification{n}, s.items...)
	if !n.Read {
		s.unread++
	}
	if s.fetching {
		s.pushed[n.ID] = struct{}{}
	}
	return true
}

// ApplyDeleted removes id and tombstones it. Deleting twice decrements once.
func (s *State) ApplyDeleted(id string) bool {
	s.tombstones[id] = struct{}{}

	i := s.find(id)
	if i < 0 {
		return false
	}
	if !s.items[i].Read && s.unread > 0 {
		s.unread--
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return true
}

// ApplyMarkedRead flips the given ids to read and returns how many actually changed.
func (s *State) ApplyMarkedRead(ids []string) int {
	changed := 0
	for _, id := range ids {
		if s.fetching {
			s.readSince[id] = struct{}{}
		}
		i := s.find(id)
		if i < 0 || s.items[i].Read {
			continue
		}
		s.items[i].Read = true
		if s.unread > 0 {
			s.unread--
		}
		changed++
	}
	return changed
}

// MarkAllRead flips every held entry and returns the ids that changed.
func (s *State) MarkAllRead() []string {
	changed := make([]string, 0, s.unread)
	for i := range s.items {
		if s.items[i].Read {
			continue
		}
		s.items[i].Read = true
		changed = append(changed, s.items[i].ID)
		if s.fetching {
			s.readSince[s.items[i].ID] = struct{}{}
		}
	}
	s.unread = 0
	return changed
}

// BeginFetch starts tracking pushes so a later snapshot does not drop them.
// Starting a new fetch supersedes any earlier one.
func (s *State) BeginFetch() uint64 {
	s.fetchEpoch++
	s.fetching = true
	s.pushed = make(map[string]struct{})
	s.readSince = make(map[string]struct{})
	return s.fetchEpoch
}

// AbortFetch ends tracking for epoch without touching the held set.
func (s *State) AbortFetch(epoch uint64) {
	if epoch != s.fetchEpoch {
		return
	}
	s.endFetch()
}

// Invalidate supersedes whatever fetch is in flight.
func (s *State) Invalidate() {
	s.fetchEpoch++
	s.endFetch()
}

func (s *State) endFetch() {
	s.fetching = false
	s.pushed = nil
	s.readSince = nil
}

// ApplySnapshot replaces the held set with snapshot, which must come from the fetch
// started at epoch. Tombstoned ids are dropped, entries pushed since the fetch began
// are kept, and read is OR-merged so it never goes back to false.
// It returns false when the fetch was superseded and nothing changed.
func (s *State) ApplySnapshot(epoch uint64, snapshot []event.Notification) bool {
	if !s.fetching || epoch != s.fetchEpoch {
		return false
	}

	held := make(map[string]event.Notification, len(s.items))
	for _, n := range s.items {
		held[n.ID] = n
	}

	merged := make([]event.Notification, 0, len(snapshot)+len(s.pushed))
	seen := make(map[string]struct{}, len(snapshot))
	for _, n := range snapshot {
		if _, dead := s.tombstones[n.ID]; dead {
			continue
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}

		if prev, ok := held[n.ID]; ok && prev.Read {
			n.Read = true
		}
		if _, ok := s.readSince[n.ID]; ok {
			n.Read = true
		}
		merged = append(merged, n)
	}

	for id := range s.pushed {
		if _, ok := seen[id]; ok {
			continue
		}
		if n, ok := held[id]; ok {
			merged = append(merged, n)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].ID > merged[j].ID
		}
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})

	s.items = merged
	s.unread = 0
	for _, n := range merged {
		if !n.Read {
			s.unread++
		}
	}
	s.endFetch()
	return true
}
