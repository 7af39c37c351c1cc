package sync

import (
	gosync "sync"

	"github.com/matheus3301/hsync/internal/bus"
	"github.com/matheus3301/hsync/internal/model"
)

// ThreadUpdate is the payload of thread.updated events.
type ThreadUpdate struct {
	Key      string          `json:"key"`
	Messages []model.Message `json:"messages"`
}

// State holds the reconciled view and the local (pending or failed) entries
// of every thread the engine has seen, keyed by model.Conversation.ThreadKey.
// It is the only place thread views are written.
type State struct {
	mu         gosync.RWMutex
	threads    map[string]*thread
	reconciler Reconciler
	bus        *bus.Bus
}

type thread struct {
	view  []model.Message
	local []model.Message

	// seq counts applied server snapshots. A local entry only claims a
	// confirmed message first seen after the entry was added, and each
	// confirmed id absorbs at most one local entry over the thread's life.
	seq      uint64
	seen     map[string]uint64 // confirmed id -> seq it first appeared in
	added    map[string]uint64 // local id -> seq when it was added
	absorbed map[string]bool   // confirmed ids that already claimed an entry
	links    map[string]string // local id -> server id from the send receipt
}

func newThread() *thread {
	return &thread{
		seen:     make(map[string]uint64),
		added:    make(map[string]uint64),
		absorbed: make(map[string]bool),
		links:    make(map[string]string),
	}
}

// NewState creates an empty thread store.
func NewState(r Reconciler, b *bus.Bus) *State {
	if r.Window <= 0 {
		r.Window = DefaultMatchWindow
	}
	return &State{
		threads:    make(map[string]*thread),
		reconciler: r,
		bus:        b,
	}
}

func (s *State) threadLocked(key string) *thread {
	t, ok := s.threads[key]
	if !ok {
		t = newThread()
		s.threads[key] = t
	}
	return t
}

// ApplyFetched reconciles a thread poll result and publishes the new view.
func (s *State) ApplyFetched(key string, fetched []model.Message) []model.Message {
	s.mu.Lock()
	t := s.threadLocked(key)
	t.observe(fetched)
	t.reconcile(s.reconciler, t.view, fetched)
	t.prune()
	view := clone(t.view)
	s.mu.Unlock()

	s.bus.Emit(bus.KindThreadUpdated, ThreadUpdate{Key: key, Messages: view})
	return view
}

// Seed installs a cached view for a thread that has not been polled yet.
func (s *State) Seed(key string, msgs []model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.threads[key]; ok && (len(t.view) > 0 || len(t.local) > 0) {
		return false
	}
	t := s.threadLocked(key)
	t.observe(msgs)
	t.view = s.reconciler.Reconcile(nil, msgs, nil)
	return true
}

// AddLocal inserts an optimistic entry and publishes the new view.
func (s *State) AddLocal(key string, m model.Message) {
	s.mutate(key, func(t *thread) bool {
		t.local = append(t.local, m)
		t.added[m.ID] = t.seq
		return true
	})
}

// Link records the server id a send receipt assigned to a pending entry, so
// the entry is confirmed by that id rather than by content.
func (s *State) Link(key, localID, serverID string) {
	if serverID == "" {
		return
	}
	s.mutate(key, func(t *thread) bool {
		for _, m := range t.local {
			if m.ID == localID {
				t.links[localID] = serverID
				return true
			}
		}
		return false
	})
}

// MarkFailed flags a pending entry as failed.
func (s *State) MarkFailed(key, id string) (model.Message, bool) {
	var out model.Message
	ok := s.mutate(key, func(t *thread) bool {
		for i := range t.local {
			if t.local[i].ID == id {
				t.local[i].Pending = false
				t.local[i].Failed = true
				out = t.local[i]
				return true
			}
		}
		return false
	})
	return out, ok
}

// RemoveLocal drops a local entry, returning it.
func (s *State) RemoveLocal(key, id string) (model.Message, bool) {
	var out model.Message
	ok := s.mutate(key, func(t *thread) bool {
		for i := range t.local {
			if t.local[i].ID == id {
				out = t.local[i]
				t.local = append(t.local[:i], t.local[i+1:]...)
				t.forget(id)
				return true
			}
		}
		return false
	})
	return out, ok
}

// FindLocal locates a local entry by id across all threads.
func (s *State) FindLocal(id string) (string, model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, t := range s.threads {
		for _, m := range t.local {
			if m.ID == id {
				return key, m, true
			}
		}
	}
	return "", model.Message{}, false
}

// Rekey moves a thread to a new key once the server assigned the
// conversation id, stamping the id on its local entries.
func (s *State) Rekey(from, to, conversationID string) {
	if from == to {
		return
	}
	s.mu.Lock()
	src, ok := s.threads[from]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.threads, from)
	dst := s.threadLocked(to)
	for _, m := range src.local {
		m.ConversationID = conversationID
		dst.local = append(dst.local, m)
		// A moved entry may match anything the new thread has seen.
		dst.added[m.ID] = 0
		if id, ok := src.links[m.ID]; ok {
			dst.links[m.ID] = id
		}
	}
	dst.reconcile(s.reconciler, nil, confirmedOnly(dst.view))
	dst.prune()
	view := clone(dst.view)
	s.mu.Unlock()

	s.bus.Emit(bus.KindThreadUpdated, ThreadUpdate{Key: to, Messages: view})
}

// Thread returns a copy of the current view of a thread.
func (s *State) Thread(key string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[key]
	if !ok {
		return nil
	}
	return clone(t.view)
}

// Failed returns every failed entry across threads.
func (s *State) Failed() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Message
	for _, t := range s.threads {
		for _, m := range t.local {
			if m.Failed {
				out = append(out, m)
			}
		}
	}
	sortMessages(out)
	return out
}

// Clear drops all threads, e.g. after the session changed.
func (s *State) Clear() {
	s.mu.Lock()
	s.threads = make(map[string]*thread)
	s.mu.Unlock()
}

// mutate runs fn on a thread and, when it reports a change, recomputes the
// view without new server data and publishes it. t.local already holds every
// failed entry, so the old view is not passed as existing.
func (s *State) mutate(key string, fn func(*thread) bool) bool {
	s.mu.Lock()
	t := s.threadLocked(key)
	if !fn(t) {
		s.mu.Unlock()
		return false
	}
	t.reconcile(s.reconciler, nil, confirmedOnly(t.view))
	t.prune()
	view := clone(t.view)
	s.mu.Unlock()

	s.bus.Emit(bus.KindThreadUpdated, ThreadUpdate{Key: key, Messages: view})
	return true
}

// observe stamps the ids of a server snapshot and forgets the matching state
// of ids the server no longer returns.
func (t *thread) observe(fetched []model.Message) {
	t.seq++
	present := make(map[string]bool, len(fetched))
	for _, m := range fetched {
		present[m.ID] = true
		if _, ok := t.seen[m.ID]; !ok {
			t.seen[m.ID] = t.seq
		}
	}
	for id := range t.seen {
		if !present[id] {
			delete(t.seen, id)
			delete(t.absorbed, id)
		}
	}
}

func (t *thread) reconcile(r Reconciler, existing, fetched []model.Message) {
	view, claims := r.merge(existing, fetched, t.local, claimRules{
		linked: func(id string) string { return t.links[id] },
		eligible: func(p, c model.Message) bool {
			if t.absorbed[c.ID] {
				return false
			}
			first, ok := t.seen[c.ID]
			return !ok || first > t.added[p.ID]
		},
	})
	for _, id := range claims {
		t.absorbed[id] = true
	}
	t.view = view
}

func (t *thread) forget(localID string) {
	delete(t.added, localID)
	delete(t.links, localID)
}

// prune forgets local entries that the last reconcile matched to a
// confirmed message.
func (t *thread) prune() {
	inView := make(map[string]bool, len(t.view))
	for _, m := range t.view {
		inView[m.ID] = local(m)
	}
	kept := t.local[:0]
	for _, m := range t.local {
		if inView[m.ID] {
			kept = append(kept, m)
		} else {
			t.forget(m.ID)
		}
	}
	t.local = kept
}

func confirmedOnly(msgs []model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if !local(m) {
			out = append(out, m)
		}
	}
	return out
}

func clone(msgs []model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}
