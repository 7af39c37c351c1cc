package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/hsync/internal/api"
)

// Client talks to a profile daemon over its Unix domain socket.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, out any) error {
	if req == nil {
		req = struct{}{}
	}
	in, err := api.Encode(req)
	if err != nil {
		return err
	}
	reply := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, reply); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return api.Decode(reply, out)
}

// Status returns the daemon and engine status.
func (c *Client) Status(ctx context.Context) (*api.StatusReply, error) {
	var out api.StatusReply
	return &out, c.invoke(ctx, api.MethodStatus, nil, &out)
}

// Conversations returns the aggregated conversation list.
func (c *Client) Conversations(ctx context.Context) (*api.ConversationsReply, error) {
	var out api.ConversationsReply
	return &out, c.invoke(ctx, api.MethodListConversations, nil, &out)
}

// OpenThread makes a conversation the polled thread.
func (c *Client) OpenThread(ctx context.Context, ref api.ConversationRef) (*api.ThreadReply, error) {
	var out api.ThreadReply
	return &out, c.invoke(ctx, api.MethodOpenThread, ref, &out)
}

// CloseThread stops polling the open thread.
func (c *Client) CloseThread(ctx context.Context) error {
	return c.invoke(ctx, api.MethodCloseThread, nil, nil)
}

// Thread returns a reconciled thread. An empty key selects the open thread.
func (c *Client) Thread(ctx context.Context, key string) (*api.ThreadReply, error) {
	var out api.ThreadReply
	return &out, c.invoke(ctx, api.MethodGetThread, api.ThreadRequest{ThreadKey: key}, &out)
}

// Send submits a message.
func (c *Client) Send(ctx context.Context, req api.SendRequest) (*api.MessageReply, error) {
	var out api.MessageReply
	return &out, c.invoke(ctx, api.MethodSend, req, &out)
}

// Retry resubmits a failed message.
func (c *Client) Retry(ctx context.Context, id string) (*api.MessageReply, error) {
	var out api.MessageReply
	return &out, c.invoke(ctx, api.MethodRetry, api.RetryRequest{ID: id}, &out)
}

// PlaceCall starts an outgoing call.
func (c *Client) PlaceCall(ctx context.Context, req api.PlaceCallRequest) (*api.CallReply, error) {
	var out api.CallReply
	return &out, c.invoke(ctx, api.MethodPlaceCall, req, &out)
}

// Accept answers the ringing incoming call.
func (c *Client) Accept(ctx context.Context) (*api.CallReply, error) {
	return c.callAction(ctx, api.MethodAccept)
}

// Reject declines the ringing incoming call.
func (c *Client) Reject(ctx context.Context) (*api.CallReply, error) {
	return c.callAction(ctx, api.MethodReject)
}

// Hangup ends or cancels the live call.
func (c *Client) Hangup(ctx context.Context) (*api.CallReply, error) {
	return c.callAction(ctx, api.MethodHangup)
}

func (c *Client) callAction(ctx context.Context, method string) (*api.CallReply, error) {
	var out api.CallReply
	return &out, c.invoke(ctx, method, nil, &out)
}

// Calls returns the call log.
func (c *Client) Calls(ctx context.Context, limit int) (*api.CallsReply, error) {
	var out api.CallsReply
	return &out, c.invoke(ctx, api.MethodListCalls, api.LimitRequest{Limit: limit}, &out)
}

// Search searches cached messages.
func (c *Client) Search(ctx context.Context, req api.SearchRequest) (*api.SearchReply, error) {
	var out api.SearchReply
	return &out, c.invoke(ctx, api.MethodSearch, req, &out)
}

// Login installs a session token.
func (c *Client) Login(ctx context.Context, req api.LoginRequest) (*api.StateReply, error) {
	var out api.StateReply
	return &out, c.invoke(ctx, api.MethodLogin, req, &out)
}

// Suspend stops polling.
func (c *Client) Suspend(ctx context.Context) (*api.StateReply, error) {
	var out api.StateReply
	return &out, c.invoke(ctx, api.MethodSuspend, nil, &out)
}

// Resume restarts polling after Suspend.
func (c *Client) Resume(ctx context.Context) (*api.StateReply, error) {
	var out api.StateReply
	return &out, c.invoke(ctx, api.MethodResume, nil, &out)
}

// Watch streams engine events whose kind starts with prefix until ctx is
// cancelled or fn returns an error.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(api.EventEnvelope) error) error {
	stream, err := c.conn.NewStream(ctx, &api.WatchStreamDesc, api.FullMethod(api.StreamWatchEvents))
	if err != nil {
		return err
	}
	in, err := api.Encode(api.WatchRequest{Prefix: prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var env api.EventEnvelope
		if err := api.Decode(msg, &env); err != nil {
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}
