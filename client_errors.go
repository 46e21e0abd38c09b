package gnats

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventHandler receives every lifecycle event and error the client emits.
type EventHandler func(client *Client, event error)

// Sentinel events for client lifecycle - check with errors.Is().
var (
	// ErrConnected is emitted when the client establishes a session.
	ErrConnected = errors.New("connected")

	// ErrDisconnected is the base of every DisconnectError.
	ErrDisconnected = errors.New("disconnected")

	// ErrReconnecting is emitted before each reconnection attempt.
	ErrReconnecting = errors.New("reconnecting")

	// ErrReconnected is emitted when a reconnection attempt succeeds.
	ErrReconnected = errors.New("reconnected")

	// ErrClosed is emitted once when the client reaches the closed state.
	ErrClosed = errors.New("closed")
)

// Error taxonomy bases - check with errors.Is().
var (
	// ErrConnectFailed is the base of every ConnectError.
	ErrConnectFailed = errors.New("could not connect to server")

	// ErrAuthorization is the base of every AuthError.
	ErrAuthorization = errors.New("authorization violation")

	// ErrClient is the base of every ClientError.
	ErrClient = errors.New("client error")

	// ErrTimeout is the base of every TimeoutError.
	ErrTimeout = errors.New("timeout")

	// ErrServer is the base of every ServerError.
	ErrServer = errors.New("server error")
)

// Sentinel errors for operations - check with errors.Is().
var (
	ErrClientClosed       = errors.New("client closed")
	ErrNotConnected       = errors.New("not connected")
	ErrNoServers          = errors.New("no servers available for connection")
	ErrMaxReconnects      = errors.New("maximum reconnect attempts exceeded")
	ErrStaleConnection    = errors.New("stale connection")
	ErrSlowConsumer       = errors.New("slow consumer, messages dropped")
	ErrBadSubscription    = errors.New("invalid subscription")
	ErrMaxPayload         = errors.New("maximum payload exceeded")
	ErrPendingBufferFull  = errors.New("pending buffer is full")
	ErrSecureConnRequired = errors.New("TLS/SSL required by server")
	ErrSecureConnWanted   = errors.New("TLS/SSL not supported by server")
	ErrProtocol           = errors.New("protocol error")
	ErrNoCredentials      = errors.New("credentials not available")
	ErrNoReply            = errors.New("message has no reply subject")
	ErrNotBound           = errors.New("message is not bound to a subscription")
)

// ConnectedEvent describes an established session.
// Extract with errors.As().
type ConnectedEvent struct {
	err    error
	Server string
	Info   ServerInfo
}

func (e *ConnectedEvent) Error() string { return e.err.Error() + " to " + e.Server }
func (e *ConnectedEvent) Unwrap() error { return e.err }

// NewConnectedEvent creates a new ConnectedEvent.
func NewConnectedEvent(server string, info ServerInfo) *ConnectedEvent {
	return &ConnectedEvent{err: ErrConnected, Server: server, Info: info}
}

// DisconnectError describes the loss of a live session.
// Extract with errors.As().
type DisconnectError struct {
	err    error
	Server string
	Cause  error
}

func (e *DisconnectError) Error() string {
	return "Client disconnected from server on " + e.Server
}

func (e *DisconnectError) Unwrap() error { return e.err }

// NewDisconnectError creates a new DisconnectError.
func NewDisconnectError(server string, cause error) *DisconnectError {
	return &DisconnectError{err: ErrDisconnected, Server: server, Cause: cause}
}

// ReconnectEvent describes a reconnection attempt or its success.
// Extract with errors.As().
type ReconnectEvent struct {
	err      error
	Server   string
	Attempt  int
	Delay    time.Duration
	cancelFn func()
}

func (e *ReconnectEvent) Error() string {
	if e.Server != "" {
		return e.err.Error() + " to " + e.Server
	}
	return e.err.Error()
}

func (e *ReconnectEvent) Unwrap() error { return e.err }

// Cancel stops further reconnection attempts and closes the client.
func (e *ReconnectEvent) Cancel() {
	if e.cancelFn != nil {
		e.cancelFn()
	}
}

// NewReconnectEvent creates a new ReconnectEvent for an upcoming attempt.
func NewReconnectEvent(server string, attempt int, delay time.Duration, cancelFn func()) *ReconnectEvent {
	return &ReconnectEvent{
		err:      ErrReconnecting,
		Server:   server,
		Attempt:  attempt,
		Delay:    delay,
		cancelFn: cancelFn,
	}
}

// NewReconnectedEvent creates a ReconnectEvent for a restored session.
func NewReconnectedEvent(server string, attempt int) *ReconnectEvent {
	return &ReconnectEvent{err: ErrReconnected, Server: server, Attempt: attempt}
}

// ConnectError reports that no session could be established within policy.
// Extract with errors.As().
type ConnectError struct {
	err    error
	Server string
	Cause  error
}

func (e *ConnectError) Error() string {
	msg := e.err.Error()
	if e.Server != "" {
		msg += " " + e.Server
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the taxonomy base and the underlying cause.
func (e *ConnectError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.err}
	}
	return []error{e.err, e.Cause}
}

// NewConnectError creates a new ConnectError.
func NewConnectError(server string, cause error) *ConnectError {
	return &ConnectError{err: ErrConnectFailed, Server: server, Cause: cause}
}

// AuthError reports an explicit credential rejection or unusable credentials.
// Extract with errors.As().
type AuthError struct {
	err    error
	Server string
	Reason string
	Cause  error
}

func (e *AuthError) Error() string {
	msg := e.err.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.err}
	}
	return []error{e.err, e.Cause}
}

// NewAuthError creates a new AuthError.
func NewAuthError(server, reason string, cause error) *AuthError {
	return &AuthError{err: ErrAuthorization, Server: server, Reason: reason, Cause: cause}
}

// ClientError reports local misuse: bad subjects, oversized payloads,
// TLS mismatches and a full pending buffer.
// Extract with errors.As().
type ClientError struct {
	err   error
	Op    string
	Cause error
}

func (e *ClientError) Error() string {
	if e.Op == "" {
		return e.Cause.Error()
	}
	return e.Op + ": " + e.Cause.Error()
}

func (e *ClientError) Unwrap() []error { return []error{e.err, e.Cause} }

// NewClientError creates a new ClientError.
func NewClientError(op string, cause error) *ClientError {
	return &ClientError{err: ErrClient, Op: op, Cause: cause}
}

// TimeoutError reports an exceeded flush, request or ping deadline.
// Extract with errors.As().
type TimeoutError struct {
	err   error
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s timeout after %s", e.Op, e.After)
	}
	return e.Op + " timeout"
}

func (e *TimeoutError) Unwrap() error { return e.err }

// Timeout makes TimeoutError satisfy net.Error style checks.
func (e *TimeoutError) Timeout() bool { return true }

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(op string, after time.Duration) *TimeoutError {
	return &TimeoutError{err: ErrTimeout, Op: op, After: after}
}

// ServerError carries an -ERR line sent by the server.
// Extract with errors.As().
type ServerError struct {
	err  error
	Text string
}

func (e *ServerError) Error() string { return "server: " + e.Text }
func (e *ServerError) Unwrap() error { return e.err }

// NewServerError creates a new ServerError from the raw -ERR text.
func NewServerError(text string) *ServerError {
	return &ServerError{err: ErrServer, Text: text}
}

// IsPermissionViolation reports whether the server rejected a single
// publish or subscribe without closing the connection.
func (e *ServerError) IsPermissionViolation() bool {
	return hasPrefixFold(e.Text, "permissions violation")
}

// IsAuthorizationViolation reports whether the server rejected the credentials.
func (e *ServerError) IsAuthorizationViolation() bool {
	return hasPrefixFold(e.Text, "authorization violation") ||
		hasPrefixFold(e.Text, "authentication timeout") ||
		hasPrefixFold(e.Text, "user authentication expired")
}

// IsStaleConnection reports whether the server gave up on our pings.
func (e *ServerError) IsStaleConnection() bool {
	return hasPrefixFold(e.Text, "stale connection")
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
