package sync

import (
	"sort"
	"time"

	"github.com/matheus3301/hsync/internal/model"
)

// DefaultMatchWindow is how far apart the local and server timestamps of the
// same send may be.
const DefaultMatchWindow = 5 * time.Second

// Reconciler merges server-fetched and optimistic messages into the
// canonical thread view. Reconcile never mutates its inputs.
type Reconciler struct {
	// Window bounds the createdAt distance for content-based matching.
	Window time.Duration
}

// Reconcile merges with DefaultMatchWindow.
func Reconcile(existing, fetched, pending []model.Message) []model.Message {
	return Reconciler{Window: DefaultMatchWindow}.Reconcile(existing, fetched, pending)
}

// SameMessage reports whether a and b represent the same logical send: equal
// ids, or a local (pending or failed) entry and a confirmed one from the same
// sender with equal content and kind created within window of each other. Two
// confirmed messages with different ids are always distinct, as are two local
// ones.
func SameMessage(a, b model.Message, window time.Duration) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	if local(a) == local(b) {
		return false
	}
	if a.SenderID != b.SenderID || a.Content != b.Content || a.Kind != b.Kind || a.MediaRef != b.MediaRef {
		return false
	}
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// Reconcile builds the thread view:
//   - fetched is authoritative for confirmed messages (deduplicated by id,
//     later entries win);
//   - each pending message is dropped when it matches a not yet claimed
//     fetched message, otherwise it is kept (still in flight);
//   - failed optimistic entries from existing are carried over so the retry
//     affordance survives polls; other existing entries are not, since absence
//     from fetched is how server-side deletion surfaces;
//   - the result is sorted by (createdAt, id).
func (r Reconciler) Reconcile(existing, fetched, pending []model.Message) []model.Message {
	out, _ := r.merge(existing, fetched, pending, claimRules{})
	return out
}

// claimRules narrow which confirmed message a local entry may claim across
// successive reconciles of the same thread.
type claimRules struct {
	// linked returns the server id a local entry is known to have been
	// assigned, or "".
	linked func(localID string) string
	// eligible reports whether a content match of p against c is allowed.
	eligible func(p, c model.Message) bool
}

// merge is Reconcile returning, per claiming local id, the confirmed id it
// was matched to.
func (r Reconciler) merge(existing, fetched, pending []model.Message, rules claimRules) ([]model.Message, map[string]string) {
	confirmed := make([]model.Message, 0, len(fetched))
	byID := make(map[string]int, len(fetched))
	for _, m := range fetched {
		m.Pending = false
		m.Failed = false
		if i, ok := byID[m.ID]; ok {
			confirmed[i] = m
			continue
		}
		byID[m.ID] = len(confirmed)
		confirmed = append(confirmed, m)
	}

	out := make([]model.Message, 0, len(confirmed)+len(pending))
	out = append(out, confirmed...)

	locals := make([]model.Message, 0, len(pending))
	seenLocal := make(map[string]bool, len(pending))
	for _, m := range pending {
		if seenLocal[m.ID] {
			continue
		}
		seenLocal[m.ID] = true
		m.Pending = !m.Failed
		locals = append(locals, m)
	}
	for _, m := range existing {
		if !m.Failed || seenLocal[m.ID] {
			continue
		}
		seenLocal[m.ID] = true
		m.Pending = false
		locals = append(locals, m)
	}
	sortMessages(locals)

	claimed := make([]bool, len(confirmed))
	claims := make(map[string]string)
	// Linked entries claim their server id before any content match runs.
	var unlinked []model.Message
	for _, p := range locals {
		if _, ok := byID[p.ID]; ok {
			continue
		}
		id := ""
		if rules.linked != nil {
			id = rules.linked(p.ID)
		}
		if id == "" {
			unlinked = append(unlinked, p)
			continue
		}
		if i, ok := byID[id]; ok && !claimed[i] {
			claimed[i] = true
			claims[p.ID] = id
			continue
		}
		out = append(out, p)
	}
	for _, p := range unlinked {
		matched := false
		for i, c := range confirmed {
			if claimed[i] || !SameMessage(p, c, r.Window) {
				continue
			}
			if rules.eligible != nil && !rules.eligible(p, c) {
				continue
			}
			claimed[i] = true
			claims[p.ID] = c.ID
			matched = true
			break
		}
		if !matched {
			out = append(out, p)
		}
	}

	sortMessages(out)
	return out, claims
}

func local(m model.Message) bool { return m.Pending || m.Failed }

func sortMessages(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
