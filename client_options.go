package gnats

import (
	"context"
	"crypto/tls"
	"time"
)

// ServerResolver is a function that returns a list of server addresses.
// It is called once when the client is created and its result is added to the
// server pool after the configured servers.
// The addresses should be in URI format: scheme://host:port (e.g., "nats://node1:4222").
type ServerResolver func(ctx context.Context) ([]string, error)

// Client defaults.
const (
	DefaultConnectTimeout      = 2 * time.Second
	DefaultReconnectWait       = 2 * time.Second
	DefaultMaxReconnectWait    = 2 * time.Minute
	DefaultMaxReconnects       = 10
	DefaultPingInterval        = 2 * time.Minute
	DefaultMaxPingsOutstanding = 2
	DefaultFlushTimeout        = 10 * time.Second
	DefaultWriteTimeout        = 5 * time.Second
	DefaultMaxPayload          = 1024 * 1024
	DefaultInboxPrefix         = "_INBOX"
	DefaultRequestTimeout      = 5 * time.Second
)

// clientOptions is the immutable configuration snapshot of a Client.
type clientOptions struct {
	// Connection settings
	name     string
	verbose  bool
	pedantic bool
	noEcho   bool

	// Authentication and TLS
	credentials       Credentials
	tls               TLSSettings
	tlsHandshakeFirst bool

	// Timeouts
	connectTimeout time.Duration
	writeTimeout   time.Duration
	flushTimeout   time.Duration

	// Reconnect settings
	autoReconnect        bool
	retryOnFailedConnect bool
	maxReconnects        int // -1 means unlimited
	reconnectWait        time.Duration
	maxReconnectWait     time.Duration
	backoffStrategy      BackoffStrategy
	dontRandomize        bool
	ignoreDiscovered     bool
	pendingBufferSize    int

	// Keep-alive
	pingInterval time.Duration
	maxPingsOut  int

	// Limits
	maxPayload      int64 // used until the server announces its own
	subPendingMsgs  int
	subPendingBytes int

	inboxPrefix string

	// Observability
	logger  Logger
	metrics Metrics

	// Event handlers
	onEvent      EventHandler
	onError      []func(error)
	onClose      []func()
	onDisconnect []func(error)
	onReconnect  []func(*Client)
	onDiscovered []func([]string)
	onLameDuck   []func()

	// Proxy
	proxyConfig  *ProxyConfig
	proxyFromEnv bool

	// Interceptors
	producerInterceptors []ProducerInterceptor
	consumerInterceptors []ConsumerInterceptor

	// Multi-server support
	servers        []string       // Static server list
	serverResolver ServerResolver // Dynamic server discovery
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		credentials:       NoAuth{},
		tls:               NoTLS{},
		connectTimeout:    DefaultConnectTimeout,
		writeTimeout:      DefaultWriteTimeout,
		flushTimeout:      DefaultFlushTimeout,
		autoReconnect:     true,
		maxReconnects:     DefaultMaxReconnects,
		reconnectWait:     DefaultReconnectWait,
		maxReconnectWait:  DefaultMaxReconnectWait,
		pendingBufferSize: DefaultPendingBufferSize,
		pingInterval:      DefaultPingInterval,
		maxPingsOut:       DefaultMaxPingsOutstanding,
		maxPayload:        DefaultMaxPayload,
		subPendingMsgs:    DefaultSubPendingMsgsLimit,
		subPendingBytes:   DefaultSubPendingBytesLimit,
		inboxPrefix:       DefaultInboxPrefix,
		logger:            NewNoOpLogger(),
		metrics:           &NoOpMetrics{},
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithName sets the client name reported to the server.
func WithName(name string) Option {
	return func(o *clientOptions) {
		o.name = name
	}
}

// WithVerbose asks the server to acknowledge every protocol message with +OK.
func WithVerbose(enabled bool) Option {
	return func(o *clientOptions) {
		o.verbose = enabled
	}
}

// WithPedantic asks the server to perform extra protocol checks.
func WithPedantic(enabled bool) Option {
	return func(o *clientOptions) {
		o.pedantic = enabled
	}
}

// WithNoEcho stops the server from delivering the client's own publishes
// to its own subscriptions.
func WithNoEcho() Option {
	return func(o *clientOptions) {
		o.noEcho = true
	}
}

// WithCredentials sets the authentication mode.
func WithCredentials(creds Credentials) Option {
	return func(o *clientOptions) {
		if creds != nil {
			o.credentials = creds
		}
	}
}

// WithUserInfo authenticates with a username and password.
func WithUserInfo(user, password string) Option {
	return WithCredentials(UserPass{User: user, Password: password})
}

// WithToken authenticates with a bearer token.
func WithToken(token string) Option {
	return WithCredentials(Token{Token: token})
}

// WithNKeySeedFile authenticates by signing the server nonce with the seed in path.
func WithNKeySeedFile(path string) Option {
	return WithCredentials(NKeySeed{SeedFile: path})
}

// WithUserCredentials authenticates with a decorated JWT credentials file.
func WithUserCredentials(path string) Option {
	return WithCredentials(JWTCreds{CredsFile: path})
}

// WithTLS sets the TLS settings for secure connections.
func WithTLS(settings TLSSettings) Option {
	return func(o *clientOptions) {
		if settings != nil {
			o.tls = settings
		}
	}
}

// WithTLSConfig sets a ready-made TLS configuration.
func WithTLSConfig(config *tls.Config) Option {
	return WithTLS(ContextTLS{Config: config})
}

// WithTLSHandshakeFirst performs the TLS handshake before the server sends
// INFO. The server must be configured for it.
func WithTLSHandshakeFirst() Option {
	return func(o *clientOptions) {
		o.tlsHandshakeFirst = true
	}
}

// WithConnectTimeout bounds each dial and handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithWriteTimeout sets the timeout for socket writes.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.writeTimeout = d
	}
}

// WithFlushTimeout sets the default timeout used by Flush.
func WithFlushTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.flushTimeout = d
	}
}

// WithAutoReconnect enables automatic reconnection on connection loss.
func WithAutoReconnect(enabled bool) Option {
	return func(o *clientOptions) {
		o.autoReconnect = enabled
	}
}

// WithRetryOnFailedConnect keeps the client reconnecting in the background
// when the initial connect fails, instead of returning an error.
func WithRetryOnFailedConnect(enabled bool) Option {
	return func(o *clientOptions) {
		o.retryOnFailedConnect = enabled
	}
}

// WithMaxReconnects sets how many reconnection rounds each server gets.
// Use -1 for unlimited attempts.
func WithMaxReconnects(n int) Option {
	return func(o *clientOptions) {
		o.maxReconnects = n
	}
}

// WithReconnectWait sets the base wait between attempts against the same server.
func WithReconnectWait(d time.Duration) Option {
	return func(o *clientOptions) {
		o.reconnectWait = d
	}
}

// WithMaxReconnectWait caps the wait computed by the default backoff.
func WithMaxReconnectWait(d time.Duration) Option {
	return func(o *clientOptions) {
		o.maxReconnectWait = d
	}
}

// WithBackoffStrategy sets a custom backoff strategy for reconnection attempts.
// If not set, uses LinearBackoff(reconnectWait, maxReconnectWait).
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(o *clientOptions) {
		o.backoffStrategy = strategy
	}
}

// WithDontRandomize keeps the server pool in insertion order.
func WithDontRandomize() Option {
	return func(o *clientOptions) {
		o.dontRandomize = true
	}
}

// WithIgnoreDiscoveredServers stops the pool from growing from INFO connect_urls.
func WithIgnoreDiscoveredServers() Option {
	return func(o *clientOptions) {
		o.ignoreDiscovered = true
	}
}

// WithPendingBufferSize bounds the bytes published while reconnecting.
func WithPendingBufferSize(size int) Option {
	return func(o *clientOptions) {
		o.pendingBufferSize = size
	}
}

// WithPingInterval sets how often the client pings the server.
func WithPingInterval(d time.Duration) Option {
	return func(o *clientOptions) {
		o.pingInterval = d
	}
}

// WithMaxPingsOutstanding sets how many pings may go unanswered before the
// connection is considered stale.
func WithMaxPingsOutstanding(n int) Option {
	return func(o *clientOptions) {
		o.maxPingsOut = n
	}
}

// WithMaxPayload sets the payload limit used until the server announces one.
func WithMaxPayload(size int64) Option {
	return func(o *clientOptions) {
		o.maxPayload = size
	}
}

// WithSubPendingLimits sets the default pending limits for new subscriptions.
func WithSubPendingLimits(msgs, bytes int) Option {
	return func(o *clientOptions) {
		o.subPendingMsgs = msgs
		o.subPendingBytes = bytes
	}
}

// WithInboxPrefix sets the prefix of subjects created by NewInbox.
func WithInboxPrefix(prefix string) Option {
	return func(o *clientOptions) {
		if prefix != "" {
			o.inboxPrefix = prefix
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics Metrics) Option {
	return func(o *clientOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// OnEvent sets the event handler for client lifecycle events and errors.
func OnEvent(handler EventHandler) Option {
	return func(o *clientOptions) {
		o.onEvent = handler
	}
}

// WithErrorHandler registers an error observer before the first connect attempt.
func WithErrorHandler(fn func(error)) Option {
	return func(o *clientOptions) {
		o.onError = append(o.onError, fn)
	}
}

// WithCloseHandler registers a close observer before the first connect attempt.
func WithCloseHandler(fn func()) Option {
	return func(o *clientOptions) {
		o.onClose = append(o.onClose, fn)
	}
}

// WithDisconnectHandler registers a disconnect observer before the first connect attempt.
func WithDisconnectHandler(fn func(error)) Option {
	return func(o *clientOptions) {
		o.onDisconnect = append(o.onDisconnect, fn)
	}
}

// WithReconnectHandler registers a reconnect observer before the first connect attempt.
func WithReconnectHandler(fn func(*Client)) Option {
	return func(o *clientOptions) {
		o.onReconnect = append(o.onReconnect, fn)
	}
}

// WithDiscoveredServersHandler registers an observer for servers learned from the cluster.
func WithDiscoveredServersHandler(fn func([]string)) Option {
	return func(o *clientOptions) {
		o.onDiscovered = append(o.onDiscovered, fn)
	}
}

// WithLameDuckHandler registers an observer for the server entering lame duck mode.
func WithLameDuckHandler(fn func()) Option {
	return func(o *clientOptions) {
		o.onLameDuck = append(o.onLameDuck, fn)
	}
}

// WithProxy dials TCP servers through an HTTP CONNECT or SOCKS5 proxy.
func WithProxy(proxyURL string) Option {
	return WithProxyAuth(proxyURL, "", "")
}

// WithProxyAuth dials through a proxy that requires credentials.
func WithProxyAuth(proxyURL, username, password string) Option {
	return func(o *clientOptions) {
		o.proxyConfig = &ProxyConfig{URL: proxyURL, Username: username, Password: password}
	}
}

// WithProxyFromEnvironment picks the proxy from HTTP_PROXY, HTTPS_PROXY and NO_PROXY.
func WithProxyFromEnvironment(enabled bool) Option {
	return func(o *clientOptions) {
		o.proxyFromEnv = enabled
	}
}

// WithProducerInterceptors sets the producer interceptors for outgoing messages.
// Interceptors are called in order before a message is published.
// Each interceptor can modify the message before passing it to the next.
func WithProducerInterceptors(interceptors ...ProducerInterceptor) Option {
	return func(o *clientOptions) {
		o.producerInterceptors = append(o.producerInterceptors, interceptors...)
	}
}

// WithConsumerInterceptors sets the consumer interceptors for incoming messages.
// Interceptors are called in order before a message is delivered to handlers.
// Each interceptor can modify the message before passing it to the next.
func WithConsumerInterceptors(interceptors ...ConsumerInterceptor) Option {
	return func(o *clientOptions) {
		o.consumerInterceptors = append(o.consumerInterceptors, interceptors...)
	}
}

// WithServers sets a static list of server addresses.
// Addresses may be full URIs (nats://host:4222, tls://host, ws://host/path)
// or bare host[:port] entries, which use the nats scheme.
// Multiple calls append to the existing list.
func WithServers(servers ...string) Option {
	return func(o *clientOptions) {
		o.servers = append(o.servers, servers...)
	}
}

// WithServerResolver sets a dynamic server resolver for service discovery.
// If the resolver returns an error, only static servers are used.
func WithServerResolver(resolver ServerResolver) Option {
	return func(o *clientOptions) {
		o.serverResolver = resolver
	}
}

// applyOptions applies all options to the default options.
func applyOptions(opts ...Option) *clientOptions {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}

func (o *clientOptions) backoff() BackoffStrategy {
	if o.backoffStrategy != nil {
		return o.backoffStrategy
	}
	return LinearBackoff(o.reconnectWait, o.maxReconnectWait)
}
