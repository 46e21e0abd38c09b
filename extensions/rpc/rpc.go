// Package rpc provides request/response on top of a gnats client.
// All requests of a Handler share one wildcard inbox subscription and are
// matched to their replies by the last token of the reply subject.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vitalvas/gnats"
)

var (
	// ErrTimeout is returned when a request times out waiting for a response.
	ErrTimeout = errors.New("rpc: request timeout")

	// ErrClientClosed is returned when the client is closed during a request.
	ErrClientClosed = errors.New("rpc: client closed")

	// ErrHandlerClosed is returned when the handler is closed during a request.
	ErrHandlerClosed = errors.New("rpc: handler closed")
)

// Request represents an RPC request.
type Request struct {
	// Payload is the request body.
	Payload []byte
}

// Response represents an RPC response.
type Response struct {
	// Payload is the response body.
	Payload []byte

	// Subject is the reply subject the response arrived on.
	Subject string
}

// Client defines the interface required for RPC operations.
type Client interface {
	// NewInbox returns a unique reply subject.
	NewInbox() string

	// Subscribe expresses interest in a subject.
	Subscribe(subject string, handler gnats.MsgHandler) (*gnats.Subscription, error)

	// QueueSubscribe joins a queue group on a subject.
	QueueSubscribe(subject, queue string, handler gnats.MsgHandler) (*gnats.Subscription, error)

	// PublishMsg sends a message.
	PublishMsg(msg *gnats.Msg) error

	// IsConnected returns true if the client is connected.
	IsConnected() bool
}

// Handler multiplexes requests over one inbox subscription.
type Handler struct {
	mu      sync.Mutex
	client  Client
	sub     *gnats.Subscription
	inbox   string
	pending map[string]chan *Response
	nextID  atomic.Uint64
	closed  bool
	serving []*gnats.Subscription
}

// HandlerOptions configures the RPC handler.
type HandlerOptions struct {
	// InboxPrefix is the subject prefix replies are received on.
	// If empty, defaults to a fresh client inbox.
	InboxPrefix string
}

// NewHandler creates a new RPC handler and subscribes to its inbox.
func NewHandler(client Client, opts *HandlerOptions) (*Handler, error) {
	if client == nil {
		return nil, errors.New("rpc: client is required")
	}

	if opts == nil {
		opts = &HandlerOptions{}
	}

	inbox := opts.InboxPrefix
	if inbox == "" {
		inbox = client.NewInbox()
	}

	h := &Handler{
		client:  client,
		inbox:   inbox,
		pending: make(map[string]chan *Response),
	}

	sub, err := client.Subscribe(inbox+".*", h.handleResponse)
	if err != nil {
		return nil, fmt.Errorf("rpc: failed to subscribe to inbox: %w", err)
	}
	h.sub = sub

	return h, nil
}

// Inbox returns the subject prefix replies are received on.
func (h *Handler) Inbox() string {
	return h.inbox
}

// Call sends an RPC request and waits for a response. The method blocks
// until a response is received or the context is cancelled.
func (h *Handler) Call(ctx context.Context, subject string, req *Request) (*Response, error) {
	if !h.client.IsConnected() {
		return nil, ErrClientClosed
	}

	if req == nil {
		req = &Request{}
	}

	token := strconv.FormatUint(h.nextID.Add(1), 36)

	respChan := make(chan *Response, 1)
	if !h.addPending(token, respChan) {
		return nil, ErrHandlerClosed
	}
	defer h.removePending(token)

	msg := &gnats.Msg{
		Subject: subject,
		Reply:   h.inbox + "." + token,
		Data:    req.Payload,
	}
	if err := h.client.PublishMsg(msg); err != nil {
		return nil, fmt.Errorf("rpc: failed to publish request: %w", err)
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrHandlerClosed
		}
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// CallWithTimeout is a convenience method that creates a context with timeout.
func (h *Handler) CallWithTimeout(subject string, req *Request, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.Call(ctx, subject, req)
}

// Request sends a payload and waits for a response.
func (h *Handler) Request(ctx context.Context, subject string, payload []byte) (*Response, error) {
	return h.Call(ctx, subject, &Request{Payload: payload})
}

// RequestWithTimeout is a convenience method that creates a context with timeout.
func (h *Handler) RequestWithTimeout(subject string, payload []byte, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.Request(ctx, subject, payload)
}

// ServeFunc answers one request. A returned error is sent back as the
// reply payload.
type ServeFunc func(msg *gnats.Msg) ([]byte, error)

// Serve answers requests on subject. With a non-empty queue the responders
// share the load as a queue group.
func (h *Handler) Serve(subject, queue string, fn ServeFunc) error {
	handler := func(msg *gnats.Msg) {
		if msg.Reply == "" {
			return
		}
		data, err := fn(msg)
		if err != nil {
			data = []byte("error: " + err.Error())
		}
		_ = msg.Respond(data)
	}

	var (
		sub *gnats.Subscription
		err error
	)
	if queue == "" {
		sub, err = h.client.Subscribe(subject, handler)
	} else {
		sub, err = h.client.QueueSubscribe(subject, queue, handler)
	}
	if err != nil {
		return fmt.Errorf("rpc: failed to serve %s: %w", subject, err)
	}

	h.mu.Lock()
	h.serving = append(h.serving, sub)
	h.mu.Unlock()
	return nil
}

// Close unsubscribes from the inbox and stops serving.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for token, ch := range h.pending {
		close(ch)
		delete(h.pending, token)
	}
	serving := h.serving
	h.serving = nil
	h.mu.Unlock()

	var errs []error
	for _, sub := range serving {
		errs = append(errs, sub.Unsubscribe())
	}
	if h.sub != nil {
		errs = append(errs, h.sub.Unsubscribe())
	}
	return errors.Join(errs...)
}

func (h *Handler) addPending(token string, ch chan *Response) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.pending[token] = ch
	return true
}

func (h *Handler) removePending(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, token)
}

// handleResponse processes incoming reply messages.
func (h *Handler) handleResponse(msg *gnats.Msg) {
	if msg == nil {
		return
	}

	token, ok := strings.CutPrefix(msg.Subject, h.inbox+".")
	if !ok || token == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.pending[token]
	if ch == nil {
		return
	}

	// Non-blocking send, only the first reply counts.
	select {
	case ch <- &Response{Payload: msg.Data, Subject: msg.Subject}:
	default:
	}
}
