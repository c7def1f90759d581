package notify

import (
	"sort"
	"sync"
)

// Change is what observers receive after every store mutation. For bulk
// operations (SetAll, MarkAllRead, Clear) the Notification is zero-valued
// and the Action alone describes what happened.
type Change struct {
	Notification Notification
	Action       Action
}

// Observer receives store changes in registration order, after the mutation
// has fully committed. Observers run outside the store lock, so they may
// call back into read accessors.
type Observer func(Change)

// Store is the authoritative in-memory ordered collection of notifications.
// Newly pushed entries are prepended; a snapshot reconciliation replaces the
// order wholesale with the server's order. The unread counter is derived
// inside every mutating action, never maintained independently.
type Store struct {
	mu        sync.RWMutex
	items     []Notification
	index     map[string]int
	unread    int
	loading   bool
	lastErr   error
	obsMu     sync.Mutex
	observers []registeredObserver
	nextObsID int64
}

type registeredObserver struct {
	id int64
	fn Observer
}

func NewStore() *Store {
	return &Store{
		index: map[string]int{},
	}
}

// Subscribe registers an observer and returns a cancel function that removes
// exactly that registration. Unsubscribing during a notification is safe.
func (s *Store) Subscribe(fn Observer) func() {
	if fn == nil {
		return func() {}
	}
	s.obsMu.Lock()
	s.nextObsID++
	id := s.nextObsID
	s.observers = append(s.observers, registeredObserver{id: id, fn: fn})
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		for i, reg := range s.observers {
			if reg.id == id {
				s.observers = append(s.observers[:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notify(change Change) {
	s.obsMu.Lock()
	observers := make([]registeredObserver, len(s.observers))
	copy(observers, s.observers)
	s.obsMu.Unlock()
	for _, reg := range observers {
		reg.fn(change)
	}
}

// SetAll replaces the collection wholesale with the server's list, keeping
// the server's order. Duplicate ids in the incoming list keep the first
// occurrence. Used by reconciliation and the initial load.
func (s *Store) SetAll(list []Notification) {
	s.mu.Lock()
	items := make([]Notification, 0, len(list))
	index := make(map[string]int, len(list))
	for _, n := range list {
		if n.ID == "" {
			continue
		}
		if _, seen := index[n.ID]; seen {
			continue
		}
		index[n.ID] = len(items)
		items = append(items, n)
	}
	s.items = items
	s.index = index
	s.recountLocked()
	s.mu.Unlock()
	s.notify(Change{Action: ActionBulkUpdate})
}

// Add prepends a notification. A redelivered id (e.g. a replay after
// reconnect) updates the existing entity in place instead of duplicating it;
// the entity keeps its position in that case.
func (s *Store) Add(n Notification) {
	if n.ID == "" {
		return
	}
	s.mu.Lock()
	action := ActionNew
	if pos, ok := s.index[n.ID]; ok {
		s.items[pos] = n
		action = ActionUpdated
	} else {
		s.items = append([]Notification{n}, s.items...)
		s.reindexLocked()
	}
	s.recountLocked()
	s.mu.Unlock()
	s.notify(Change{Notification: n, Action: action})
}

// MarkRead flips the read flag on the matching entity, preserving its
// position. Returns false when the id is unknown.
func (s *Store) MarkRead(id string) bool {
	s.mu.Lock()
	pos, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.items[pos].Read = true
	updated := s.items[pos]
	s.recountLocked()
	s.mu.Unlock()
	s.notify(Change{Notification: updated, Action: ActionUpdated})
	return true
}

// MarkAllRead flips every unread entity and returns how many changed.
func (s *Store) MarkAllRead() int {
	s.mu.Lock()
	changed := 0
	for i := range s.items {
		if !s.items[i].Read {
			s.items[i].Read = true
			changed++
		}
	}
	s.recountLocked()
	s.mu.Unlock()
	if changed > 0 {
		s.notify(Change{Action: ActionBulkUpdate})
	}
	return changed
}

// Delete removes the matching entity. Deleting an unknown id is a no-op and
// returns false; the collection and counter are untouched.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	pos, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	removed := s.items[pos]
	s.items = append(s.items[:pos], s.items[pos+1:]...)
	s.reindexLocked()
	s.recountLocked()
	s.mu.Unlock()
	s.notify(Change{Notification: removed, Action: ActionDeleted})
	return true
}

// Clear empties the collection.
func (s *Store) Clear() {
	s.mu.Lock()
	s.items = nil
	s.index = map[string]int{}
	s.unread = 0
	s.mu.Unlock()
	s.notify(Change{Action: ActionBulkUpdate})
}

// List returns a copy of the collection in its current order.
func (s *Store) List() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notification, len(s.items))
	copy(out, s.items)
	return out
}

// Get looks up a single entity by id.
func (s *Store) Get(id string) (Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.index[id]
	if !ok {
		return Notification{}, false
	}
	return s.items[pos], true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// UnreadCount is the derived count of entities with Read == false.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// SetLoading records whether an authoritative fetch is in flight; exposed to
// the host UI through Loading.
func (s *Store) SetLoading(loading bool) {
	s.mu.Lock()
	s.loading = loading
	s.mu.Unlock()
}

func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// SetErr records the outcome of the last background synchronization. A nil
// value clears it.
func (s *Store) SetErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// SortedByCreatedAt returns a copy ordered newest-first by CreatedAt, with
// arrival order as the tiebreak. Display helper only; the store's own order
// is insertion/reconciliation order.
func (s *Store) SortedByCreatedAt() []Notification {
	out := s.List()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *Store) recountLocked() {
	unread := 0
	for i := range s.items {
		if !s.items[i].Read {
			unread++
		}
	}
	s.unread = unread
}

func (s *Store) reindexLocked() {
	index := make(map[string]int, len(s.items))
	for i := range s.items {
		index[s.items[i].ID] = i
	}
	s.index = index
}
