package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/matheus3301/hsync/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != SchemaVersion {
		t.Errorf("version = %d, want %d", result.Version, SchemaVersion)
	}
}

func TestResetDropsCachedRows(t *testing.T) {
	db := testDB(t)
	if err := db.ReplaceConversations([]model.Conversation{{ID: "c1", PeerID: "u1", LastMessageAt: t0}}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveDraft(&Draft{TempID: "tmp-1", ThreadKey: "c1", PeerID: "u1", Content: "x", Kind: model.KindText, CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}

	res, err := db.Reset()
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if res.Version != SchemaVersion || res.Dirty {
		t.Errorf("result = %+v", res)
	}
	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	drafts, err := db.ListDrafts()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 || len(drafts) != 0 {
		t.Errorf("after reset: %d conversations, %d drafts, want none", len(convs), len(drafts))
	}
}

func TestOpenMigrated(t *testing.T) {
	db, res, err := OpenMigrated(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if !res.Changed || res.Dirty {
		t.Errorf("result = %+v, want a clean fresh migration", res)
	}
}

func TestReplaceConversations(t *testing.T) {
	db := testDB(t)

	first := []model.Conversation{
		{ID: "c1", PeerID: "u1", PeerName: "Ana", UnreadCount: 2, LastMessageAt: t0},
		{ID: "c2", PeerID: "u2", PeerName: "Bo", LastMessageAt: t0.Add(time.Minute)},
	}
	if err := db.ReplaceConversations(first); err != nil {
		t.Fatal(err)
	}
	if err := db.ReplaceThread("c1", []model.Message{{ID: "m1", ConversationID: "c1", Content: "hi", Kind: model.KindText, CreatedAt: t0}}); err != nil {
		t.Fatal(err)
	}

	// c1 disappears from the server; its messages go with it.
	second := []model.Conversation{{ID: "c2", PeerID: "u2", PeerName: "Bo B", UnreadCount: 1, LastMessageAt: t0.Add(time.Hour)}}
	if err := db.ReplaceConversations(second); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].PeerName != "Bo B" || convs[0].UnreadCount != 1 {
		t.Fatalf("conversations = %+v", convs)
	}
	if !convs[0].LastMessageAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("last_message_at = %v", convs[0].LastMessageAt)
	}
	msgs, err := db.ListThread("c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages for removed conversation, want 0", len(msgs))
	}
}

func TestReplaceThreadSkipsLocalEntries(t *testing.T) {
	db := testDB(t)
	msgs := []model.Message{
		{ID: "2", Content: "second", Kind: model.KindText, CreatedAt: t0.Add(time.Second)},
		{ID: "1", Content: "first", Kind: model.KindImage, MediaRef: "img://1", CreatedAt: t0},
		{ID: "tmp-a", Content: "pending", Pending: true, CreatedAt: t0.Add(2 * time.Second)},
		{ID: "tmp-b", Content: "failed", Failed: true, CreatedAt: t0.Add(3 * time.Second)},
	}
	if err := db.ReplaceThread("c1", msgs); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListThread("c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "2" {
		t.Fatalf("thread = %+v, want [1 2]", got)
	}
	if got[0].Kind != model.KindImage || got[0].MediaRef != "img://1" {
		t.Errorf("message 1 = %+v", got[0])
	}

	limited, err := db.ListThread("c1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].ID != "2" {
		t.Errorf("limit 1 = %+v, want newest message", limited)
	}
}

func TestDrafts(t *testing.T) {
	db := testDB(t)
	m := model.Message{ID: "tmp-1", SenderID: "me", Content: "lost", Kind: model.KindText, CreatedAt: t0, Failed: true}
	if err := db.SaveDraft(DraftFromMessage(m, "peer:u2", "u2", "timeout")); err != nil {
		t.Fatal(err)
	}
	// Saving again updates rather than duplicates.
	if err := db.SaveDraft(DraftFromMessage(m, "c9", "u2", "503")); err != nil {
		t.Fatal(err)
	}

	drafts, err := db.ListDrafts()
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 1 {
		t.Fatalf("got %d drafts, want 1", len(drafts))
	}
	d := drafts[0]
	if d.ThreadKey != "c9" || d.ErrorMessage != "503" || d.PeerID != "u2" {
		t.Errorf("draft = %+v", d)
	}
	if got := d.Message(); !got.Failed || got.Content != "lost" || !got.CreatedAt.Equal(t0) {
		t.Errorf("draft message = %+v", got)
	}

	if err := db.DeleteDraft("tmp-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteDraft("tmp-1"); err != nil {
		t.Errorf("deleting a missing draft: %v", err)
	}
	drafts, _ = db.ListDrafts()
	if len(drafts) != 0 {
		t.Errorf("got %d drafts after delete", len(drafts))
	}
}

func TestCallLog(t *testing.T) {
	db := testDB(t)
	r := &CallRecord{
		SessionID: "s1", PeerID: "u2", PeerName: "Ana", Kind: model.CallVideo,
		Direction: "incoming", Reason: "hangup",
		StartedAt: t0, ConnectedAt: t0.Add(5 * time.Second), EndedAt: t0.Add(65 * time.Second),
	}
	if err := db.RecordCall(r); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordCall(&CallRecord{SessionID: "s2", PeerID: "u3", Direction: "outgoing", Reason: "no answer", StartedAt: t0.Add(time.Hour), EndedAt: t0.Add(time.Hour + 30*time.Second)}); err != nil {
		t.Fatal(err)
	}

	calls, err := db.ListCalls(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 || calls[0].SessionID != "s2" {
		t.Fatalf("calls = %+v, want newest first", calls)
	}
	if calls[1].Duration() != time.Minute {
		t.Errorf("duration = %s, want 1m", calls[1].Duration())
	}
	if calls[0].Duration() != 0 {
		t.Errorf("unanswered call duration = %s, want 0", calls[0].Duration())
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)
	got, err := db.Checkpoint("conversations")
	if err != nil || !got.IsZero() {
		t.Fatalf("Checkpoint() = %v, %v, want zero", got, err)
	}
	if err := db.SetCheckpoint("conversations", t0); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint("conversations", t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	got, err = db.Checkpoint("conversations")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(t0.Add(time.Second)) {
		t.Errorf("checkpoint = %v, want %v", got, t0.Add(time.Second))
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)
	if err := db.ReplaceThread("c1", []model.Message{
		{ID: "m1", Content: "Hello world", Kind: model.KindText, CreatedAt: t0},
		{ID: "m2", Content: "goodbye world", Kind: model.KindText, CreatedAt: t0.Add(time.Second)},
		{ID: "m3", Content: "100% sure", Kind: model.KindText, CreatedAt: t0.Add(2 * time.Second)},
	}); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages("hello", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Message.ID != "m1" || results[0].ThreadKey != "c1" {
		t.Errorf("result = %+v", results[0])
	}
	if results[0].Snippet != "<<Hello>> world" {
		t.Errorf("snippet = %q", results[0].Snippet)
	}

	results, err = db.SearchMessages("world", "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Message.ID != "m2" {
		t.Errorf("results = %+v, want newest first", results)
	}

	results, _ = db.SearchMessages("0%", "", 10)
	if len(results) != 1 || results[0].Message.ID != "m3" {
		t.Errorf("literal %% search = %+v", results)
	}
	results, _ = db.SearchMessages("  ", "", 10)
	if len(results) != 0 {
		t.Error("blank query returned results")
	}
}

func TestSnippetKeepsRunesWhole(t *testing.T) {
	content := strings.Repeat("€", 40) + "match" + strings.Repeat("€", 40)
	got := snippet(content, "match")
	if !utf8.ValidString(got) {
		t.Fatalf("snippet split a rune: %q", got)
	}
	if !strings.Contains(got, "<<match>>") || !strings.HasPrefix(got, "...€") || !strings.HasSuffix(got, "€...") {
		t.Errorf("snippet = %q", got)
	}
}
