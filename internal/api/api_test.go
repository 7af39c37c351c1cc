package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/hsync/internal/bus"
	"github.com/matheus3301/hsync/internal/call"
	"github.com/matheus3301/hsync/internal/model"
	"github.com/matheus3301/hsync/internal/outbox"
	"github.com/matheus3301/hsync/internal/remote"
	hsync "github.com/matheus3301/hsync/internal/sync"
)

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("poll: %w", remote.ErrUnauthorized), codes.Unauthenticated},
		{outbox.ErrEmptyMessage, codes.InvalidArgument},
		{outbox.ErrUnknownMessage, codes.NotFound},
		{hsync.ErrUnknownConversation, codes.NotFound},
		{call.ErrCallInProgress, codes.AlreadyExists},
		{call.ErrNoCall, codes.FailedPrecondition},
		{hsync.ErrNoThread, codes.FailedPrecondition},
		{&remote.StatusError{Code: 500}, codes.Unavailable},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		if got := grpcstatus.Code(toStatus(tt.err)); got != tt.want {
			t.Errorf("toStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestMessageReplyKeepsFailedEntry(t *testing.T) {
	failed := model.Message{ID: "tmp-1", Content: "hi", Failed: true}
	out, err := messageReply(model.Message{}, &outbox.SendError{Message: failed, Err: remote.ErrRejected})
	if err != nil {
		t.Fatalf("messageReply() error = %v", err)
	}
	var got MessageReply
	if err := Decode(out, &got); err != nil {
		t.Fatal(err)
	}
	if got.Message.ID != "tmp-1" || !got.Message.Failed || got.Error == "" {
		t.Errorf("reply = %+v", got)
	}

	_, err = messageReply(model.Message{}, &outbox.SendError{Message: failed, Err: remote.ErrUnauthorized})
	if grpcstatus.Code(err) != codes.Unauthenticated {
		t.Errorf("unauthorized send code = %v", grpcstatus.Code(err))
	}
}

func TestCallReplySignalError(t *testing.T) {
	sess := call.Session{ID: "s1", State: call.Ringing}
	out, err := callReply(sess, &call.SignalError{Type: model.SignalIncomingCall, Err: errors.New("offline")})
	if err != nil {
		t.Fatal(err)
	}
	var got CallReply
	if err := Decode(out, &got); err != nil {
		t.Fatal(err)
	}
	if got.Session == nil || got.Session.ID != "s1" || got.SignalError == "" {
		t.Errorf("reply = %+v", got)
	}
}

func TestEnvelopeCarriesPayload(t *testing.T) {
	evt := bus.NewEvent(bus.KindNotify, bus.Notification{Kind: bus.NotifyMessage, Count: 4})
	out, err := envelope(evt)
	if err != nil {
		t.Fatal(err)
	}
	var env EventEnvelope
	if err := Decode(out, &env); err != nil {
		t.Fatal(err)
	}
	if env.Kind != bus.KindNotify || env.EventID == "" {
		t.Errorf("envelope = %+v", env)
	}
	if env.OccurredAtUnixMs != evt.Timestamp.UnixMilli() {
		t.Errorf("occurred_at = %d, want %d", env.OccurredAtUnixMs, evt.Timestamp.UnixMilli())
	}
	var n bus.Notification
	if err := json.Unmarshal(env.Payload, &n); err != nil {
		t.Fatal(err)
	}
	if n.Count != 4 || n.Kind != bus.NotifyMessage {
		t.Errorf("payload = %+v", n)
	}
}

func TestDecodeTimes(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out, err := Encode(ThreadReply{ThreadKey: "c1", Messages: []model.Message{{ID: "m1", CreatedAt: at}}})
	if err != nil {
		t.Fatal(err)
	}
	var got ThreadReply
	if err := Decode(out, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 1 || !got.Messages[0].CreatedAt.Equal(at) {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestClampLimit(t *testing.T) {
	for in, want := range map[int]int{0: defaultListLimit, -3: defaultListLimit, 10: 10, 10000: maxListLimit} {
		if got := clampLimit(in); got != want {
			t.Errorf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
