// Package remote is the REST client for the messaging service.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/hsync/internal/model"
)

var (
	// ErrUnauthorized means the session token was rejected. Polling must stop
	// until the user authenticates again.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRejected means the server answered with success=false.
	ErrRejected = errors.New("request rejected by server")
	// ErrMalformed means the response body could not be decoded.
	ErrMalformed = errors.New("malformed response")
)

// StatusError is returned for non-2xx responses other than 401.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("http %d", e.Code)
}

// Options configures a Client.
type Options struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client talks to the messaging service. It is safe for concurrent use; all
// requests share one rate limiter so concurrent poll tasks cannot flood the
// server.
type Client struct {
	base    string
	token   atomic.Pointer[string]
	timeout time.Duration
	http    *fasthttp.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a client.
func New(opts Options, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		timeout: opts.Timeout,
		http: &fasthttp.Client{
			Name:                "hsync",
			ReadTimeout:         opts.Timeout,
			WriteTimeout:        opts.Timeout,
			MaxIdleConnDuration: time.Minute,
		},
		limiter: rate.NewLimiter(limit, opts.Burst),
		logger:  logger.Named("remote"),
	}
	c.SetToken(opts.Token)
	return c, nil
}

// SetToken replaces the bearer token used by subsequent requests.
func (c *Client) SetToken(token string) {
	c.token.Store(&token)
}

// HasToken reports whether a token is configured.
func (c *Client) HasToken() bool {
	return *c.token.Load() != ""
}

// Conversations fetches the conversation list.
func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var resp conversationsResponse
	if err := c.do(ctx, fasthttp.MethodGet, "/api/messages", nil, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, rejected(resp.Error)
	}
	out := make([]model.Conversation, 0, len(resp.Conversations))
	for _, w := range resp.Conversations {
		out = append(out, w.model())
	}
	return out, nil
}

// Messages fetches a thread. The server marks the thread read as a side effect.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id required")
	}
	var resp messagesResponse
	if err := c.do(ctx, fasthttp.MethodGet, "/api/messages/"+url.PathEscape(conversationID), nil, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, rejected(resp.Error)
	}
	out := make([]model.Message, 0, len(resp.Messages))
	for _, w := range resp.Messages {
		m := w.model()
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		out = append(out, m)
	}
	return out, nil
}

// SendMessage submits a message. A success=false answer is returned as an
// unaccepted receipt, not as an error.
func (c *Client) SendMessage(ctx context.Context, out model.Outgoing) (model.SendReceipt, error) {
	body := sendRequest{
		RecipientID: out.PeerID,
		Content:     out.Content,
		MessageType: string(out.Kind),
		MediaURL:    out.MediaRef,
	}
	var resp sendResponse
	if err := c.do(ctx, fasthttp.MethodPost, "/api/messages", nil, body, &resp); err != nil {
		return model.SendReceipt{}, err
	}
	if !resp.Success && resp.Error != "" {
		c.logger.Warn("message not accepted", zap.String("error", resp.Error))
	}
	return model.SendReceipt{
		ConversationID: string(resp.ConversationID),
		MessageID:      string(resp.MessageID),
		Accepted:       resp.Success,
	}, nil
}

// CallSignals reads the caller's signal queue. Preview leaves the queue
// intact; consume drains it.
func (c *Client) CallSignals(ctx context.Context, mode model.SignalMode) ([]model.CallSignal, error) {
	if mode == "" {
		mode = model.ModePreview
	}
	var resp signalsResponse
	if err := c.do(ctx, fasthttp.MethodGet, "/api/calls", map[string]string{"mode": string(mode)}, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, rejected(resp.Error)
	}
	out := make([]model.CallSignal, 0, len(resp.Signals))
	for _, w := range resp.Signals {
		out = append(out, w.model())
	}
	return out, nil
}

// SendCallSignal enqueues a signal for a peer.
func (c *Client) SendCallSignal(ctx context.Context, sig model.OutboundSignal) error {
	body := signalRequest{Type: string(sig.Type), Target: sig.Target, Data: sig.Payload}
	var resp ackResponse
	if err := c.do(ctx, fasthttp.MethodPost, "/api/calls", nil, body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return rejected(resp.Error)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query map[string]string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	for k, v := range query {
		req.URI().QueryArgs().Add(k, v)
	}
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if token := *c.token.Load(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(b)
	}

	start := time.Now()
	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = c.http.DoDeadline(req, resp, deadline)
	} else {
		err = c.http.DoTimeout(req, resp, c.timeout)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	code := resp.StatusCode()
	c.logger.Debug("request done",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", code),
		zap.Duration("took", time.Since(start)),
	)
	switch {
	case code == fasthttp.StatusUnauthorized:
		return ErrUnauthorized
	case code < 200 || code > 299:
		var ack ackResponse
		_ = json.Unmarshal(resp.Body(), &ack)
		return &StatusError{Code: code, Message: ack.Error}
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrMalformed, method, path, err)
	}
	return nil
}

func rejected(msg string) error {
	if msg == "" {
		return ErrRejected
	}
	return fmt.Errorf("%w: %s", ErrRejected, msg)
}
