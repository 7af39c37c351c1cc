package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/hsync/internal/bus"
	"github.com/matheus3301/hsync/internal/call"
	"github.com/matheus3301/hsync/internal/model"
	"github.com/matheus3301/hsync/internal/outbox"
	"github.com/matheus3301/hsync/internal/remote"
	"github.com/matheus3301/hsync/internal/store"
	hsync "github.com/matheus3301/hsync/internal/sync"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Service exposes an engine over gRPC.
type Service struct {
	profile   string
	startedAt time.Time
	engine    *hsync.Engine
	db        *store.DB
	bus       *bus.Bus
	logger    *zap.Logger
	onLogin   func(req LoginRequest, userChanged bool) error
}

// NewService creates the control service. db may be nil, in which case the
// call log and search are unavailable.
func NewService(profile string, engine *hsync.Engine, db *store.DB, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		profile:   profile,
		startedAt: time.Now(),
		engine:    engine,
		db:        db,
		bus:       b,
		logger:    logger.Named("api"),
	}
}

// OnLogin registers a hook run before a new token is installed, used to
// persist credentials and to drop the cache of a previous user.
func (s *Service) OnLogin(fn func(req LoginRequest, userChanged bool) error) {
	s.onLogin = fn
}

func (s *Service) status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap := s.engine.Snapshot()
	return reply(StatusReply{
		Profile:      s.profile,
		State:        string(snap.State),
		Since:        snap.Since,
		UptimeMs:     time.Since(s.startedAt).Milliseconds(),
		Tasks:        snap.Tasks,
		ActiveThread: snap.ActiveThread,
		Call:         snap.Call,
		TotalUnread:  snap.TotalUnread,
		Failed:       snap.Failed,
	})
}

func (s *Service) listConversations(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	convs, total := s.engine.Conversations()
	if convs == nil {
		convs = []model.Conversation{}
	}
	return reply(ConversationsReply{Conversations: convs, TotalUnread: total})
}

func (s *Service) openThread(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ConversationRef
	if err := request(in, &req); err != nil {
		return nil, err
	}
	msgs, err := s.engine.OpenThread(req.conversation())
	if err != nil {
		return nil, toStatus(err)
	}
	conv, _ := s.engine.ActiveThread()
	return reply(ThreadReply{Conversation: &conv, ThreadKey: conv.ThreadKey(), Messages: nonNil(msgs)})
}

func (s *Service) closeThread(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.engine.CloseThread()
	return reply(struct{}{})
}

func (s *Service) getThread(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ThreadRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	out := ThreadReply{ThreadKey: req.ThreadKey}
	if conv, ok := s.engine.ActiveThread(); ok && (req.ThreadKey == "" || req.ThreadKey == conv.ThreadKey()) {
		out.Conversation = &conv
		out.ThreadKey = conv.ThreadKey()
	}
	if out.ThreadKey == "" {
		return nil, toStatus(hsync.ErrNoThread)
	}
	out.Messages = nonNil(s.engine.Thread(out.ThreadKey))
	return reply(out)
}

func (s *Service) send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	msg, err := s.engine.Send(ctx, req.conversation(), req.Content, req.Kind, req.MediaRef)
	return messageReply(msg, err)
}

func (s *Service) retry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RetryRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message id required")
	}
	msg, err := s.engine.Retry(ctx, req.ID)
	return messageReply(msg, err)
}

// messageReply reports a failed submission in the reply, since the failed
// entry is the result the caller needs to render.
func messageReply(msg model.Message, err error) (*structpb.Struct, error) {
	var sendErr *outbox.SendError
	switch {
	case err == nil:
		return reply(MessageReply{Message: msg})
	case errors.As(err, &sendErr) && !errors.Is(err, remote.ErrUnauthorized):
		return reply(MessageReply{Message: sendErr.Message, Error: sendErr.Err.Error()})
	default:
		return nil, toStatus(err)
	}
}

func (s *Service) placeCall(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PlaceCallRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if req.PeerID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "peer_id required")
	}
	peer := call.Peer{ID: req.PeerID, Name: req.PeerName, Picture: req.PeerPicture}
	sess, err := s.engine.Calls().PlaceCall(ctx, peer, req.Kind)
	return callReply(sess, err)
}

func (s *Service) accept(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return callReply(s.engine.Calls().Accept(ctx))
}

func (s *Service) reject(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return callReply(s.engine.Calls().Reject(ctx))
}

func (s *Service) hangup(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return callReply(s.engine.Calls().Hangup(ctx))
}

func callReply(sess call.Session, err error) (*structpb.Struct, error) {
	var sigErr *call.SignalError
	switch {
	case err == nil:
		return reply(CallReply{Session: &sess})
	case errors.As(err, &sigErr):
		return reply(CallReply{Session: &sess, SignalError: sigErr.Error()})
	default:
		return nil, toStatus(err)
	}
}

func (s *Service) listCalls(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.db == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "cache not available")
	}
	var req LimitRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	records, err := s.db.ListCalls(clampLimit(req.Limit))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list calls: %v", err)
	}
	out := CallsReply{Calls: make([]CallLogEntry, 0, len(records))}
	for _, r := range records {
		out.Calls = append(out.Calls, callLogEntry(r))
	}
	return reply(out)
}

func (s *Service) search(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.db == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "cache not available")
	}
	var req SearchRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query required")
	}
	results, err := s.db.SearchMessages(req.Query, req.ThreadKey, clampLimit(req.Limit))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "search: %v", err)
	}
	out := SearchReply{Results: make([]SearchHit, 0, len(results))}
	for _, r := range results {
		out.Results = append(out.Results, SearchHit{ThreadKey: r.ThreadKey, Message: r.Message, Snippet: r.Snippet})
	}
	return reply(out)
}

func (s *Service) login(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req LoginRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "token required")
	}
	changed := false
	if req.UserID != "" {
		changed = s.engine.SetSelf(call.Identity{ID: req.UserID, Name: req.Name})
	} else if s.engine.Self().ID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "user_id required")
	}
	if s.onLogin != nil {
		if err := s.onLogin(req, changed); err != nil {
			s.logger.Warn("login hook failed", zap.Error(err))
		}
	}
	if err := s.engine.Authenticate(req.Token); err != nil {
		return nil, toStatus(err)
	}
	return s.stateReply()
}

func (s *Service) suspend(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.Suspend(); err != nil {
		return nil, toStatus(err)
	}
	return s.stateReply()
}

func (s *Service) resume(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.Resume(); err != nil {
		return nil, toStatus(err)
	}
	return s.stateReply()
}

func (s *Service) stateReply() (*structpb.Struct, error) {
	return reply(StateReply{State: string(s.engine.Status().Current())})
}

func (s *Service) watchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	var req WatchRequest
	if err := request(in, &req); err != nil {
		return err
	}
	ch, unsub := s.bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			env, err := envelope(evt)
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func envelope(evt bus.Event) (*structpb.Struct, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, err
	}
	return Encode(EventEnvelope{
		EventID:          uuid.NewString(),
		Kind:             evt.Kind,
		OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
		Payload:          payload,
	})
}

func request(in *structpb.Struct, v any) error {
	if err := Decode(in, v); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	return nil
}

func reply(v any) (*structpb.Struct, error) {
	out, err := Encode(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	}
	return n
}

func nonNil(msgs []model.Message) []model.Message {
	if msgs == nil {
		return []model.Message{}
	}
	return msgs
}
