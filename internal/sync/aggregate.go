package sync

import (
	"sort"
	gosync "sync"
	"time"

	"github.com/matheus3301/hsync/internal/model"
)

// Aggregation is the derived view of one conversation-list poll.
type Aggregation struct {
	Conversations   []model.Conversation
	TotalUnread     int
	UnreadIncreased bool
}

// Aggregate merges a conversation-list snapshot. Conversations are
// deduplicated by id (later entries win), negative unread counts are treated
// as zero, and the list is ordered by last message time, newest first.
// UnreadIncreased is set only when the new total exceeds a non-zero previous
// total, so a first snapshot of pre-existing unread messages stays silent.
func Aggregate(previousTotal int, fetched []model.Conversation) Aggregation {
	convs := make([]model.Conversation, 0, len(fetched))
	index := make(map[string]int, len(fetched))
	for _, c := range fetched {
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		key := c.ThreadKey()
		if i, ok := index[key]; ok {
			convs[i] = c
			continue
		}
		index[key] = len(convs)
		convs = append(convs, c)
	}
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})

	total := 0
	for _, c := range convs {
		total += c.UnreadCount
	}
	return Aggregation{
		Conversations:   convs,
		TotalUnread:     total,
		UnreadIncreased: previousTotal > 0 && total > previousTotal,
	}
}

// Aggregator carries the previous total between aggregation cycles.
type Aggregator struct {
	mu    gosync.Mutex
	total int
	last  []model.Conversation
	// read holds, per conversation read locally, the last message time the
	// read covered. Unread counts not backed by a newer message are stale.
	read map[string]time.Time
}

// NewAggregator starts from a zero previous total.
func NewAggregator() *Aggregator {
	return &Aggregator{read: make(map[string]time.Time)}
}

// Apply aggregates fetched against the previous cycle and records the result.
func (a *Aggregator) Apply(fetched []model.Conversation) Aggregation {
	a.mu.Lock()
	defer a.mu.Unlock()
	agg := Aggregate(a.total, a.maskRead(fetched))
	a.total = agg.TotalUnread
	a.last = agg.Conversations
	return agg
}

// MarkRead zeroes the unread count of a conversation after the server
// confirmed a read covering messages up to through. Returns the adjusted
// aggregation and whether anything changed. The lowered total becomes the
// baseline for the next cycle, and later snapshots that still count the
// read messages as unread are treated as zero for that conversation.
func (a *Aggregator) MarkRead(conversationID string, through time.Time) (Aggregation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	changed := false
	convs := make([]model.Conversation, len(a.last))
	copy(convs, a.last)
	total := 0
	for i := range convs {
		if convs[i].ID == conversationID {
			if convs[i].LastMessageAt.After(through) {
				through = convs[i].LastMessageAt
			}
			if convs[i].UnreadCount > 0 {
				convs[i].UnreadCount = 0
				changed = true
			}
		}
		total += convs[i].UnreadCount
	}
	if conversationID != "" {
		if w, ok := a.read[conversationID]; !ok || through.After(w) {
			a.read[conversationID] = through
		}
	}
	if changed {
		a.last = convs
		a.total = total
	}
	return Aggregation{Conversations: convs, TotalUnread: total}, changed
}

// Snapshot returns the last known conversations and their unread total.
func (a *Aggregator) Snapshot() ([]model.Conversation, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	convs := make([]model.Conversation, len(a.last))
	copy(convs, a.last)
	total := 0
	for _, c := range convs {
		total += c.UnreadCount
	}
	return convs, total
}

// Seed installs cached conversations for display before the first poll.
// The previous total stays zero so the first real snapshot is silent.
func (a *Aggregator) Seed(convs []model.Conversation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last != nil {
		return
	}
	agg := Aggregate(0, convs)
	a.last = agg.Conversations
}

// Find returns the last known conversation matching id, or peer when id is empty.
func (a *Aggregator) Find(id, peer string) (model.Conversation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.last {
		if (id != "" && c.ID == id) || (id == "" && peer != "" && c.PeerID == peer) {
			return c, true
		}
	}
	return model.Conversation{}, false
}

// Reset forgets the previous total, e.g. after re-authentication.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.total = 0
	a.last = nil
	a.read = make(map[string]time.Time)
	a.mu.Unlock()
}

// maskRead returns fetched with read conversations zeroed while their count
// predates the local read. A newer last message or a server-side zero ends
// the masking.
func (a *Aggregator) maskRead(fetched []model.Conversation) []model.Conversation {
	if len(a.read) == 0 {
		return fetched
	}
	out := make([]model.Conversation, len(fetched))
	copy(out, fetched)
	for i := range out {
		w, ok := a.read[out[i].ID]
		if !ok || out[i].ID == "" {
			continue
		}
		switch {
		case out[i].LastMessageAt.After(w), out[i].UnreadCount <= 0:
			delete(a.read, out[i].ID)
		default:
			out[i].UnreadCount = 0
		}
	}
	return out
}
