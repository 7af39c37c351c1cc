package sync

import (
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/matheus3301/hsync/internal/model"
)

func conv(id string, unread, sec int) model.Conversation {
	return model.Conversation{ID: id, PeerID: "p-" + id, UnreadCount: unread, LastMessageAt: at(sec)}
}

func convIDs(convs []model.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func TestAggregateColdStartThenIncrease(t *testing.T) {
	a := NewAggregator()

	first := a.Apply([]model.Conversation{conv("a", 1, 1), conv("b", 2, 2)})
	if first.TotalUnread != 3 || first.UnreadIncreased {
		t.Fatalf("first cycle = total %d increased %v, want 3/false", first.TotalUnread, first.UnreadIncreased)
	}

	second := a.Apply([]model.Conversation{conv("a", 3, 5), conv("b", 2, 2)})
	if second.TotalUnread != 5 || !second.UnreadIncreased {
		t.Errorf("second cycle = total %d increased %v, want 5/true", second.TotalUnread, second.UnreadIncreased)
	}

	third := a.Apply([]model.Conversation{conv("a", 3, 5), conv("b", 2, 2)})
	if third.UnreadIncreased {
		t.Error("unchanged total reported as increase")
	}
}

func TestAggregateOrderingAndDedup(t *testing.T) {
	got := Aggregate(0, []model.Conversation{
		conv("a", 1, 1),
		conv("b", 0, 9),
		conv("c", 0, 5),
		conv("a", 4, 7),
	})
	if !slices.Equal(convIDs(got.Conversations), []string{"b", "a", "c"}) {
		t.Errorf("order = %v, want [b a c]", convIDs(got.Conversations))
	}
	if got.TotalUnread != 4 {
		t.Errorf("total = %d, want 4 (later duplicate wins)", got.TotalUnread)
	}
}

func TestAggregateClampsNegativeUnread(t *testing.T) {
	got := Aggregate(1, []model.Conversation{conv("a", -3, 1), conv("b", 2, 2)})
	if got.TotalUnread != 2 {
		t.Errorf("total = %d, want 2", got.TotalUnread)
	}
	for _, c := range got.Conversations {
		if c.UnreadCount < 0 {
			t.Errorf("conversation %s unread = %d", c.ID, c.UnreadCount)
		}
	}
}

func TestAggregateNewConversationKeyedByPeer(t *testing.T) {
	got := Aggregate(0, []model.Conversation{
		{PeerID: "u1", LastMessageAt: at(1)},
		{PeerID: "u2", LastMessageAt: at(2)},
	})
	if len(got.Conversations) != 2 {
		t.Errorf("len = %d, want 2 id-less conversations kept apart", len(got.Conversations))
	}
}

// Property: a zero previous total never reports an increase.
func TestAggregateColdStartProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	for range 500 {
		var fetched []model.Conversation
		for i := range rng.IntN(10) {
			fetched = append(fetched, conv(string(rune('a'+i)), rng.IntN(20)-2, rng.IntN(100)))
		}
		if got := Aggregate(0, fetched); got.UnreadIncreased {
			t.Fatalf("Aggregate(0, %v) reported an increase", fetched)
		}
	}
}

func TestAggregatorMarkRead(t *testing.T) {
	a := NewAggregator()
	a.Apply([]model.Conversation{conv("a", 2, 1), conv("b", 3, 2)})

	agg, changed := a.MarkRead("b", time.Time{})
	if !changed || agg.TotalUnread != 2 {
		t.Fatalf("MarkRead = total %d changed %v, want 2/true", agg.TotalUnread, changed)
	}
	if _, changed := a.MarkRead("b", time.Time{}); changed {
		t.Error("second MarkRead reported a change")
	}
	if _, changed := a.MarkRead("zzz", time.Time{}); changed {
		t.Error("MarkRead of an unknown conversation reported a change")
	}

	// The lowered total is the new baseline.
	next := a.Apply([]model.Conversation{conv("a", 3, 1), conv("b", 0, 2)})
	if !next.UnreadIncreased {
		t.Error("increase over the marked-read baseline not reported")
	}
}

func TestAggregatorReset(t *testing.T) {
	a := NewAggregator()
	a.Apply([]model.Conversation{conv("a", 2, 1)})
	a.Reset()
	if got := a.Apply([]model.Conversation{conv("a", 9, 1)}); got.UnreadIncreased {
		t.Error("first cycle after Reset reported an increase")
	}
	convs, total := a.Snapshot()
	if len(convs) != 1 || total != 9 {
		t.Errorf("Snapshot = %d convs total %d", len(convs), total)
	}
}

func TestAggregatorIgnoresStaleCountAfterRead(t *testing.T) {
	a := NewAggregator()
	a.Apply([]model.Conversation{conv("a", 0, 1), conv("b", 1, 1)})
	if got := a.Apply([]model.Conversation{conv("a", 1, 5), conv("b", 1, 1)}); !got.UnreadIncreased {
		t.Fatal("new message in a not reported")
	}
	if agg, changed := a.MarkRead("a", at(5)); !changed || agg.TotalUnread != 1 {
		t.Fatalf("MarkRead = total %d changed %v, want 1/true", agg.TotalUnread, changed)
	}

	// A list fetched before the server applied the read.
	stale := a.Apply([]model.Conversation{conv("a", 1, 5), conv("b", 1, 1)})
	if stale.UnreadIncreased || stale.TotalUnread != 1 {
		t.Fatalf("stale snapshot = total %d increased %v, want 1/false", stale.TotalUnread, stale.UnreadIncreased)
	}

	next := a.Apply([]model.Conversation{conv("a", 1, 9), conv("b", 1, 1)})
	if !next.UnreadIncreased || next.TotalUnread != 2 {
		t.Errorf("newer message = total %d increased %v, want 2/true", next.TotalUnread, next.UnreadIncreased)
	}
}
