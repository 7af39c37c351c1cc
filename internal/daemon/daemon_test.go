package daemon

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/hsync/internal/api"
	"github.com/matheus3301/hsync/internal/client"
	"github.com/matheus3301/hsync/internal/config"
	"github.com/matheus3301/hsync/internal/lock"
)

// fakeRemote serves the REST collaborator with one conversation.
type fakeRemote struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer tok" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/messages":
		_, _ = io.WriteString(w, `{"success":true,"conversations":[
			{"conversation_id":"c1","user_id":"u2","name":"Ana","last_message":"hello there","last_message_at":"2026-03-01T12:00:00Z","unread_count":2}
		]}`)
	case r.Method == http.MethodGet && r.URL.Path == "/api/messages/c1":
		_, _ = io.WriteString(w, `{"success":true,"messages":[
			{"message_id":"m1","conversation_id":"c1","sender_id":"u2","content":"hello there","message_type":"text","created_at":"2026-03-01T12:00:00Z"}
		]}`)
	case r.Method == http.MethodPost && r.URL.Path == "/api/messages":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.sent = append(f.sent, string(body))
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"success":true,"conversationId":"c1","messageId":"m2"}`)
	case r.URL.Path == "/api/calls":
		_, _ = io.WriteString(w, `{"success":true,"signals":[]}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// testProfile writes a profile config into a short /tmp dir (Unix socket
// paths are limited to about 104 chars on macOS).
func testProfile(t *testing.T, baseURL, token string) Params {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "hsync-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.API.BaseURL = baseURL
	cfg.API.Token = token
	cfg.API.RequestsPerSecond = 0
	if token != "" {
		cfg.API.UserID = "u1"
	}
	cfg.Poll = config.PollConfig{
		Conversations: 50 * time.Millisecond,
		Thread:        50 * time.Millisecond,
		CallSignals:   50 * time.Millisecond,
		ActiveCall:    50 * time.Millisecond,
	}
	if err := config.Save(filepath.Join(dir, "config.toml"), cfg); err != nil {
		t.Fatal(err)
	}
	return Params{Profile: "test", Dir: dir, LogLevel: zapcore.WarnLevel}
}

func startDaemon(t *testing.T, p Params) *client.Client {
	t.Helper()
	app := fx.New(fx.NopLogger, Module(p))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("app.Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.Stop(ctx); err != nil {
			t.Errorf("app.Stop() error = %v", err)
		}
	})

	c, err := client.New(p.socketPath())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFxModuleWiring(t *testing.T) {
	p := testProfile(t, "http://127.0.0.1:1", "")
	if err := fx.ValidateApp(Module(p)); err != nil {
		t.Fatalf("fx graph invalid: %v", err)
	}
}

func TestDaemonRoundTrip(t *testing.T) {
	remote := &fakeRemote{}
	srv := httptest.NewServer(remote)
	defer srv.Close()

	c := startDaemon(t, testProfile(t, srv.URL, "tok"))
	ctx := context.Background()

	eventually(t, "READY with conversations", func() bool {
		st, err := c.Status(ctx)
		if err != nil || st.State != "READY" {
			return false
		}
		convs, err := c.Conversations(ctx)
		return err == nil && len(convs.Conversations) == 1
	})

	convs, err := c.Conversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if convs.Conversations[0].PeerName != "Ana" {
		t.Errorf("peer name = %q, want Ana", convs.Conversations[0].PeerName)
	}
	if convs.TotalUnread != 2 {
		t.Errorf("total unread = %d, want 2", convs.TotalUnread)
	}

	opened, err := c.OpenThread(ctx, api.ConversationRef{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("OpenThread() error = %v", err)
	}
	if opened.ThreadKey != "c1" || opened.Conversation == nil || opened.Conversation.PeerID != "u2" {
		t.Errorf("opened = %+v", opened)
	}
	eventually(t, "thread poll", func() bool {
		th, err := c.Thread(ctx, "")
		return err == nil && len(th.Messages) == 1 && th.Messages[0].ID == "m1"
	})

	events := make(chan api.EventEnvelope, 16)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		_ = c.Watch(watchCtx, "send.", func(env api.EventEnvelope) error {
			events <- env
			return nil
		})
	}()
	// Give the stream time to subscribe.
	time.Sleep(100 * time.Millisecond)

	sent, err := c.Send(ctx, api.SendRequest{ConversationRef: api.ConversationRef{ConversationID: "c1"}, Content: "hi back"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if sent.Error != "" || !sent.Message.Pending || !strings.HasPrefix(sent.Message.ID, "tmp-") {
		t.Errorf("sent = %+v, want pending tmp entry", sent)
	}

	select {
	case env := <-events:
		if env.Kind != "send.accepted" || env.EventID == "" || env.OccurredAtUnixMs == 0 {
			t.Errorf("event = %+v", env)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no send.accepted event on the watch stream")
	}

	remote.mu.Lock()
	n := len(remote.sent)
	remote.mu.Unlock()
	if n != 1 {
		t.Errorf("remote received %d sends, want 1", n)
	}

	eventually(t, "cache search", func() bool {
		res, err := c.Search(ctx, api.SearchRequest{Query: "hello"})
		return err == nil && len(res.Results) == 1 && res.Results[0].ThreadKey == "c1"
	})

	calls, err := c.Calls(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls.Calls) != 0 {
		t.Errorf("calls = %d, want 0", len(calls.Calls))
	}

	if _, err := c.Accept(ctx); grpcstatus.Code(err) != codes.FailedPrecondition {
		t.Errorf("Accept() without a call code = %v, want FailedPrecondition", grpcstatus.Code(err))
	}
	if _, err := c.Search(ctx, api.SearchRequest{}); grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("empty search code = %v, want InvalidArgument", grpcstatus.Code(err))
	}

	st, err := c.Suspend(ctx)
	if err != nil || st.State != "SUSPENDED" {
		t.Fatalf("Suspend() = %+v, %v", st, err)
	}
	st, err = c.Resume(ctx)
	if err != nil || st.State != "READY" {
		t.Fatalf("Resume() = %+v, %v", st, err)
	}
}

func TestDaemonWaitsForLogin(t *testing.T) {
	srv := httptest.NewServer(&fakeRemote{})
	defer srv.Close()

	p := testProfile(t, srv.URL, "")
	c := startDaemon(t, p)
	ctx := context.Background()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != "AUTH_REQUIRED" {
		t.Fatalf("state = %s, want AUTH_REQUIRED", st.State)
	}

	if _, err := c.Login(ctx, api.LoginRequest{}); grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("empty login code = %v, want InvalidArgument", grpcstatus.Code(err))
	}
	reply, err := c.Login(ctx, api.LoginRequest{Token: "tok", UserID: "u1"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if reply.State != "READY" {
		t.Errorf("state after login = %s, want READY", reply.State)
	}

	saved, err := config.Load(p.configPath())
	if err != nil {
		t.Fatal(err)
	}
	if saved.API.Token != "tok" || saved.API.UserID != "u1" {
		t.Errorf("persisted credentials = %q/%q", saved.API.Token, saved.API.UserID)
	}

	eventually(t, "conversations after login", func() bool {
		convs, err := c.Conversations(ctx)
		return err == nil && len(convs.Conversations) == 1
	})
}

func TestSecondDaemonRefused(t *testing.T) {
	srv := httptest.NewServer(&fakeRemote{})
	defer srv.Close()

	p := testProfile(t, srv.URL, "tok")
	c := startDaemon(t, p)

	second := fx.New(fx.NopLogger, Module(p))
	var held *lock.LockHeldError
	if err := second.Err(); !errors.As(err, &held) {
		t.Fatalf("second daemon error = %v, want LockHeldError", err)
	}

	// The first daemon's socket must survive.
	if _, err := c.Status(context.Background()); err != nil {
		t.Errorf("first daemon unreachable: %v", err)
	}
}
