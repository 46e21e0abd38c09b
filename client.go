package gnats

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	readBufferSize  = 32 * 1024
	writeBufferSize = 32 * 1024
)

// Client is a NATS client bound to one server of a cluster at a time.
// It discovers the rest of the cluster from INFO updates and moves to
// another server when the current one fails, replaying its subscriptions.
type Client struct {
	options   *clientOptions
	auth      *authMaterial
	tlsConfig *tls.Config
	pool      *ServerPool
	subs      *subRegistry
	bus       *eventBus
	logger    Logger
	metrics   *ClientMetrics

	// Throttles repeated reconnect failure warnings.
	attemptLog rate.Sometimes

	maxPayload atomic.Int64

	// Connection state, guarded by mu.
	mu       sync.Mutex
	status   Status
	conn     Conn
	br       *bufio.Reader
	bw       *bufio.Writer
	current  *ServerEndpoint
	info     ServerInfo
	pending  *pendingBuffer
	pongs    []chan error // one entry per PING in flight, nil for keep-alive pings
	pingsOut int
	gen      uint64 // bumped whenever the session changes
	sessDone chan struct{}
	kick     chan struct{}

	// set between the interest replay and the pending flush of a reconnect
	replaying bool

	stats struct {
		inMsgs     atomic.Uint64
		inBytes    atomic.Uint64
		outMsgs    atomic.Uint64
		outBytes   atomic.Uint64
		reconnects atomic.Uint64
	}

	// Lifecycle control
	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
}

// Statistics are the traffic counters of a Client.
type Statistics struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
}

// session is a handshaken connection that is not yet live.
type session struct {
	conn Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	info ServerInfo
	ep   *ServerEndpoint
}

// Dial connects to a NATS server and returns a client.
// Use WithServers() or WithServerResolver() to configure server addresses.
func Dial(opts ...Option) (*Client, error) {
	return DialContext(context.Background(), opts...)
}

// Connect connects to the servers in a comma separated URL list.
func Connect(urls string, opts ...Option) (*Client, error) {
	var servers []string
	for _, u := range strings.Split(urls, ",") {
		if u = strings.TrimSpace(u); u != "" {
			servers = append(servers, u)
		}
	}
	return DialContext(context.Background(), append([]Option{WithServers(servers...)}, opts...)...)
}

// DialContext connects to a NATS server with a context.
// The context controls the client's lifecycle - when canceled, the client will close.
func DialContext(ctx context.Context, opts ...Option) (*Client, error) {
	options := applyOptions(opts...)

	servers := slices.Clone(options.servers)
	if options.serverResolver != nil {
		resolveCtx, cancel := context.WithTimeout(ctx, options.connectTimeout)
		resolved, err := options.serverResolver(resolveCtx)
		cancel()
		if err != nil {
			options.logger.Warn("server resolver failed", LogFields{LogFieldError: err.Error()})
		} else {
			servers = append(servers, resolved...)
		}
	}
	if len(servers) == 0 {
		return nil, NewConnectError("", ErrNoServers)
	}

	auth, err := options.credentials.resolve()
	if err != nil {
		return nil, err
	}

	tlsConfig, err := options.tls.clientConfig()
	if err != nil {
		return nil, NewClientError("tls", err)
	}

	pool, err := NewServerPool(servers, !options.dontRandomize, options.maxReconnects)
	if err != nil {
		return nil, NewConnectError("", err)
	}

	logger := options.logger
	if options.name != "" {
		logger = logger.WithFields(LogFields{LogFieldClientName: options.name})
	}

	c := &Client{
		options:    options,
		auth:       auth,
		tlsConfig:  tlsConfig,
		pool:       pool,
		subs:       newSubRegistry(),
		bus:        newEventBus(logger, options.onEvent),
		logger:     logger,
		metrics:    NewClientMetrics(options.metrics, options.name),
		attemptLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
		status:     StatusConnecting,
		pending:    newPendingBuffer(options.pendingBufferSize),
		parentCtx:  ctx,
		done:       make(chan struct{}),
	}
	c.bus.client = c
	c.maxPayload.Store(options.maxPayload)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	for _, fn := range options.onError {
		c.OnError(fn)
	}
	for _, fn := range options.onClose {
		c.OnClose(fn)
	}
	for _, fn := range options.onDisconnect {
		c.OnDisconnect(fn)
	}
	for _, fn := range options.onReconnect {
		c.OnReconnect(fn)
	}
	for _, fn := range options.onDiscovered {
		c.OnDiscoveredServers(fn)
	}
	for _, fn := range options.onLameDuck {
		c.OnLameDuck(fn)
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	go c.watchParentContext()

	return c, nil
}

// watchParentContext closes the client when the context given to
// DialContext is canceled.
func (c *Client) watchParentContext() {
	if c.parentCtx == nil {
		return
	}

	select {
	case <-c.parentCtx.Done():
		c.Close()
	case <-c.done:
	}
}

// connect runs the initial round over the pool.
func (c *Client) connect(ctx context.Context) error {
	var (
		lastErr    error
		lastServer string
	)

	for _, ep := range c.pool.Endpoints() {
		if c.Status() == StatusClosed {
			return ErrClientClosed
		}

		c.pool.Touch(ep)
		s, err := c.handshake(ctx, ep)
		if err != nil {
			lastErr, lastServer = err, ep.String()
			c.logger.Warn("connect attempt failed", LogFields{
				LogFieldServer: ep.String(),
				LogFieldError:  err.Error(),
			})
			c.reportAttemptError(err)
			continue
		}

		c.mu.Lock()
		if c.status == StatusClosed {
			c.mu.Unlock()
			s.conn.Close()
			return ErrClientClosed
		}
		c.installLocked(s)
		c.bus.enqueue(event{kind: eventConnected, err: NewConnectedEvent(ep.String(), s.info)})
		flushErr := c.startLocked()
		gen := c.gen
		c.mu.Unlock()
		c.bus.drain()

		c.metrics.Connected(ep.String())
		c.logger.Info("connected", LogFields{LogFieldServer: ep.String()})

		if flushErr != nil {
			c.handleConnLoss(gen, flushErr)
		}
		return nil
	}

	if lastErr == nil {
		lastErr = ErrNoServers
	}

	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.options.retryOnFailedConnect && c.options.autoReconnect {
		c.status = StatusReconnecting
		c.startReconnectLocked()
		c.mu.Unlock()
		c.logger.Warn("initial connect failed, retrying in background", LogFields{LogFieldError: lastErr.Error()})
		return nil
	}

	connErr := NewConnectError(lastServer, lastErr)
	c.closeLocked(connErr)
	c.mu.Unlock()
	c.bus.drain()

	return connErr
}

// reportAttemptError surfaces per-endpoint failures the application can act on.
// Plain I/O failures are only logged.
func (c *Client) reportAttemptError(err error) {
	var (
		clientErr *ClientError
		authErr   *AuthError
	)
	if errors.As(err, &clientErr) || errors.As(err, &authErr) {
		c.bus.publish(event{kind: eventError, err: err})
	}
}

// handshake dials ep and runs INFO, the optional TLS upgrade, CONNECT and
// the first PING/PONG round trip.
func (c *Client) handshake(ctx context.Context, ep *ServerEndpoint) (*session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.options.connectTimeout)
	defer cancel()

	proxy, err := c.resolveProxy(ep.URL)
	if err != nil {
		return nil, fmt.Errorf("proxy configuration error: %w", err)
	}

	dialer, addr, err := dialerFor(ep.URL, dialParams{
		tlsConfig:      c.tlsConfig,
		proxy:          proxy,
		timeout:        c.options.connectTimeout,
		handshakeFirst: c.options.tlsHandshakeFirst,
	})
	if err != nil {
		return nil, err
	}

	conn, err := dialer.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep, err)
	}

	ok := false
	defer func() {
		if !ok {
			conn.Close()
		}
	}()

	if deadline, has := ctx.Deadline(); has {
		conn.SetDeadline(deadline)
	}
	raw := conn
	stop := context.AfterFunc(ctx, func() { raw.SetDeadline(time.Now()) })
	defer stop()

	br := bufio.NewReaderSize(conn, readBufferSize)
	f, err := readFrame(br, 0)
	if err != nil {
		return nil, fmt.Errorf("read INFO from %s: %w", ep, err)
	}
	if f.kind != OpInfo {
		return nil, fmt.Errorf("%w: expected INFO from %s, got %s", ErrProtocol, ep, f.kind)
	}
	info, err := parseServerInfo(f.info)
	if err != nil {
		return nil, err
	}

	secure := secureScheme(ep.URL.Scheme) || c.options.tlsHandshakeFirst
	if inbandTLS(ep.URL.Scheme) && !c.options.tlsHandshakeFirst {
		wantTLS := c.tlsConfig != nil || ep.URL.Scheme == "tls"
		switch {
		case wantTLS && !info.TLSRequired && !info.TLSAvailable:
			return nil, NewClientError("connect "+ep.String(), ErrSecureConnWanted)
		case info.TLSRequired && !wantTLS:
			return nil, NewClientError("connect "+ep.String(), ErrSecureConnRequired)
		}

		if wantTLS {
			tlsConn := tls.Client(conn, tlsConfigFor(c.tlsConfig, ep.URL.Hostname()))
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				return nil, fmt.Errorf("TLS handshake with %s: %w", ep, err)
			}
			conn = tlsConn
			br = bufio.NewReaderSize(conn, readBufferSize)
			secure = true
		}
	}

	ci := connectInfo{
		Verbose:     c.options.verbose,
		Pedantic:    c.options.pedantic,
		TLSRequired: secure,
		Name:        c.options.name,
		Lang:        clientLang,
		Version:     clientVersion,
		Protocol:    clientProtocol,
		Echo:        !c.options.noEcho,
	}
	if err := c.auth.negotiate(&ci, ep.URL, info.Nonce); err != nil {
		return nil, err
	}

	buf, err := appendConnect(nil, ci)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(conn, writeBufferSize)
	if _, err := bw.Write(buf); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("write CONNECT to %s: %w", ep, err)
	}

	for {
		f, err := readFrame(br, 0)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, authRejection(ep.String(), err)
			}
			return nil, fmt.Errorf("await PONG from %s: %w", ep, err)
		}

		switch f.kind {
		case OpPong:
			conn.SetDeadline(time.Time{})
			ok = true
			return &session{conn: conn, br: br, bw: bw, info: info, ep: ep}, nil
		case OpErr:
			se := NewServerError(f.err)
			if isAuthRejection(se) {
				return nil, authRejection(ep.String(), se)
			}
			return nil, se
		case OpInfo:
			if updated, err := parseServerInfo(f.info); err == nil {
				info = updated
			}
		}
	}
}

// inbandTLS reports whether TLS is negotiated after the plaintext INFO.
func inbandTLS(scheme string) bool {
	switch scheme {
	case "nats", "tcp", "tls":
		return true
	default:
		return false
	}
}

// resolveProxy returns a ProxyDialer based on client configuration.
// Returns nil if no proxy should be used.
func (c *Client) resolveProxy(target *url.URL) (*ProxyDialer, error) {
	if target.Scheme == "quic" {
		return nil, nil
	}

	if c.options.proxyConfig != nil {
		return NewProxyDialer(
			c.options.proxyConfig.URL,
			c.options.proxyConfig.Username,
			c.options.proxyConfig.Password,
		)
	}

	if c.options.proxyFromEnv {
		proxyURL, err := ProxyFromEnvironment(redactURL(target))
		if err != nil {
			return nil, err
		}
		if proxyURL != nil {
			return NewProxyDialer(proxyURL.String(), "", "")
		}
	}

	return nil, nil
}

// installLocked makes s the client's connection without starting it.
func (c *Client) installLocked(s *session) {
	c.gen++
	c.conn, c.br, c.bw = s.conn, s.br, s.bw
	c.info = s.info
	c.current = s.ep
	c.pingsOut = 0
	if s.info.MaxPayload > 0 {
		c.maxPayload.Store(s.info.MaxPayload)
	}

	c.pool.SetCurrent(s.ep)
	c.pool.ResetAttempts(s.ep)
	c.addDiscoveredLocked(s.info)
}

// startLocked replays the interests, the pending publishes and the PINGs of
// waiting flushes in that order, then starts the session goroutines.
func (c *Client) startLocked() error {
	err := c.replayInterestsLocked()
	c.status = StatusConnected
	if err != nil {
		c.startSessionLocked()
		return err
	}
	return c.finishStartLocked()
}

// replayInterestsLocked writes one SUB per registered interest and flushes
// them to the socket.
func (c *Client) replayInterestsLocked() error {
	if c.options.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.options.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	buf := getFrameBuffer()
	for _, in := range c.subs.wireInterests() {
		*buf = appendSub(*buf, in.subject, in.queue, in.sid)
	}
	_, err := c.bw.Write(*buf)
	putFrameBuffer(buf)

	if err == nil {
		err = c.flushLocked()
	}
	return err
}

// finishStartLocked sends the pending publishes and the PINGs of waiting
// flushes, then starts the session goroutines.
func (c *Client) finishStartLocked() error {
	c.replaying = false
	if c.options.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.options.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	err := c.pending.drainTo(c.bw)
	c.pending.reset()
	c.metrics.PendingBytes(0)

	// Waiting flushes cover the replayed publishes.
	for range c.pongs {
		if err != nil {
			break
		}
		_, err = c.bw.Write(pingFrame)
	}

	if err == nil {
		err = c.flushLocked()
	}
	c.startSessionLocked()
	return err
}

func (c *Client) startSessionLocked() {
	gen := c.gen
	done := make(chan struct{})
	kick := make(chan struct{}, 1)
	c.sessDone, c.kick = done, kick

	c.wg.Add(2)
	go c.readLoop(gen, c.br)
	go c.flusher(gen, kick, done)

	if c.options.pingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop(gen, done)
	}
}

// teardownLocked drops the current connection and stops its goroutines.
func (c *Client) teardownLocked() {
	c.gen++
	if c.sessDone != nil {
		close(c.sessDone)
		c.sessDone, c.kick = nil, nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.br, c.bw = nil, nil
	c.pingsOut = 0
	c.replaying = false
	// Keep-alive pings die with the connection, flush waiters get a new PING.
	c.pongs = slices.DeleteFunc(c.pongs, func(ch chan error) bool { return ch == nil })
}

// addDiscoveredLocked grows the pool from the INFO connect URLs and returns
// the URLs that were new.
func (c *Client) addDiscoveredLocked(info ServerInfo) []string {
	if c.options.ignoreDiscovered {
		return nil
	}

	urls := info.ConnectURLs
	if c.current != nil && (c.current.URL.Scheme == "ws" || c.current.URL.Scheme == "wss") {
		urls = info.WSConnectURL
	}

	var added []string
	for _, u := range urls {
		ok, err := c.pool.Add(u, true)
		if err != nil {
			c.logger.Debug("ignoring discovered server", LogFields{LogFieldServer: u, LogFieldError: err.Error()})
			continue
		}
		if ok {
			added = append(added, u)
		}
	}

	if len(added) > 0 {
		c.logger.Debug("discovered servers", LogFields{LogFieldCount: len(added)})
	}
	return added
}

// readLoop reads frames from the connection of generation gen.
func (c *Client) readLoop(gen uint64, br *bufio.Reader) {
	defer c.wg.Done()

	for {
		f, err := readFrame(br, c.maxPayload.Load())
		if err != nil {
			c.handleConnLoss(gen, err)
			return
		}

		if !c.processFrame(gen, f) {
			return
		}
	}
}

// processFrame handles one inbound frame. It returns false when the
// connection was given up.
func (c *Client) processFrame(gen uint64, f frame) bool {
	switch f.kind {
	case OpMsg:
		c.deliver(f)
	case OpPing:
		c.mu.Lock()
		if c.gen == gen {
			c.writeLocked(pongFrame)
		}
		c.mu.Unlock()
	case OpPong:
		c.mu.Lock()
		if c.gen == gen {
			c.pingsOut = 0
			if len(c.pongs) > 0 {
				ch := c.pongs[0]
				c.pongs[0] = nil
				c.pongs = c.pongs[1:]
				if ch != nil {
					ch <- nil
				}
			}
		}
		c.mu.Unlock()
	case OpOK:
	case OpInfo:
		c.processInfo(gen, f.info)
	case OpErr:
		se := NewServerError(f.err)
		if se.IsPermissionViolation() {
			c.logger.Warn("permission violation", LogFields{LogFieldError: se.Text})
			c.bus.publish(event{kind: eventError, err: se})
			return true
		}
		if se.IsStaleConnection() {
			c.handleConnLoss(gen, fmt.Errorf("%w: %w", ErrStaleConnection, se))
			return false
		}
		c.bus.publish(event{kind: eventError, err: se})
		c.handleConnLoss(gen, se)
		return false
	}
	return true
}

func (c *Client) processInfo(gen uint64, raw []byte) {
	info, err := parseServerInfo(raw)
	if err != nil {
		c.logger.Warn("ignoring malformed INFO", LogFields{LogFieldError: err.Error()})
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.info = info
	if info.MaxPayload > 0 {
		c.maxPayload.Store(info.MaxPayload)
	}
	if added := c.addDiscoveredLocked(info); len(added) > 0 {
		c.bus.enqueue(event{kind: eventDiscovered, servers: added})
	}
	if info.LameDuckMode {
		c.logger.Info("server entered lame duck mode", LogFields{LogFieldServer: c.current.String()})
		c.bus.enqueue(event{kind: eventLameDuck})
	}
	c.mu.Unlock()

	c.bus.drain()
}

// deliver routes a MSG frame to the local subscriptions of its interest.
func (c *Client) deliver(f frame) {
	c.stats.inMsgs.Add(1)
	c.stats.inBytes.Add(uint64(len(f.payload)))

	subs := c.subs.route(f.sid, f.subject)
	for i, sub := range subs {
		data := f.payload
		if i > 0 {
			data = slices.Clone(f.payload)
		}
		msg := &Msg{Subject: f.subject, Reply: f.reply, Data: data, Sub: sub}

		switch sub.enqueue(msg) {
		case enqueuedLast:
			c.unsubscribe(sub, true)
		case droppedSlowFirst:
			c.metrics.SlowConsumerDropped()
			c.logger.Warn("slow consumer, dropping messages", LogFields{
				LogFieldSubject: sub.subject,
				LogFieldSID:     sub.sid,
			})
			c.bus.publish(event{
				kind: eventError,
				err:  fmt.Errorf("%w: subscription %d on %q", ErrSlowConsumer, sub.sid, sub.subject),
			})
		case droppedSlow:
			c.metrics.SlowConsumerDropped()
		}
	}
}

// flusher writes buffered frames to the socket whenever it is kicked.
func (c *Client) flusher(gen uint64, kick <-chan struct{}, done <-chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-done:
			return
		case <-kick:
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		err := c.flushLocked()
		c.mu.Unlock()

		if err != nil {
			c.handleConnLoss(gen, err)
			return
		}
	}
}

// pingLoop sends keep-alive PINGs and detects a stale connection.
func (c *Client) pingLoop(gen uint64, done <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.options.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.pingsOut++
		if c.pingsOut > c.options.maxPingsOut {
			c.mu.Unlock()
			c.handleConnLoss(gen, ErrStaleConnection)
			return
		}
		c.pongs = append(c.pongs, nil)
		c.writeLocked(pingFrame)
		c.mu.Unlock()
	}
}

// flushLocked writes the buffered frames to the socket.
func (c *Client) flushLocked() error {
	if c.bw == nil || c.bw.Buffered() == 0 {
		return nil
	}
	if c.options.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.options.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.bw.Flush()
}

// writeLocked buffers a frame and wakes the flusher. A failed write closes
// the socket so the read loop reports the loss.
func (c *Client) writeLocked(b []byte) error {
	if c.bw == nil {
		return ErrNotConnected
	}

	if c.bw.Available() < len(b) && c.options.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.options.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	if _, err := c.bw.Write(b); err != nil {
		c.conn.Close()
		return err
	}

	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

// handleConnLoss moves a live connection of generation gen to RECONNECTING,
// or to CLOSED when reconnecting is disabled.
func (c *Client) handleConnLoss(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.status != StatusConnected {
		c.mu.Unlock()
		return
	}

	server := c.current.String()
	c.teardownLocked()
	c.metrics.Disconnected(disconnectReason(cause))
	c.logger.Warn("disconnected", LogFields{
		LogFieldServer: server,
		LogFieldError:  cause.Error(),
	})
	c.bus.enqueue(event{kind: eventDisconnect, err: NewDisconnectError(server, cause)})

	if !c.options.autoReconnect {
		c.closeLocked(nil)
		c.mu.Unlock()
		c.bus.drain()
		return
	}

	c.status = StatusReconnecting
	c.startReconnectLocked()
	c.mu.Unlock()

	c.bus.drain()
}

func disconnectReason(err error) string {
	var se *ServerError
	switch {
	case errors.Is(err, ErrStaleConnection):
		return "stale_connection"
	case errors.As(err, &se):
		return "server_error"
	case errors.Is(err, io.EOF):
		return "eof"
	default:
		return "io_error"
	}
}

func (c *Client) startReconnectLocked() {
	c.wg.Add(1)
	go c.reconnectLoop(c.ctx)
}

// reconnectLoop walks the pool round after round until a server accepts the
// session, every endpoint used up its attempts, or the client is closed.
func (c *Client) reconnectLoop(ctx context.Context) {
	defer c.wg.Done()

	var (
		lastErr    error
		lastServer string
		delay      time.Duration
		attempt    int
	)
	backoff := c.options.backoff()

	for {
		round := c.pool.Round()
		if len(round) == 0 {
			cause := ErrMaxReconnects
			if lastErr != nil {
				cause = fmt.Errorf("%w: %w", ErrMaxReconnects, lastErr)
			}
			c.logger.Error("giving up reconnecting", LogFields{LogFieldAttempt: attempt})
			c.fail(NewConnectError(lastServer, cause))
			return
		}

		for _, ep := range round {
			if ctx.Err() != nil {
				return
			}

			attempt++
			delay = waitBeforeAttempt(backoff, c.pool.Snapshot(ep), delay, lastErr)
			c.bus.publish(event{
				kind: eventReconnecting,
				err:  NewReconnectEvent(ep.String(), attempt, delay, func() { c.Close() }),
			})

			if delay > 0 {
				c.logger.Debug("waiting before reconnect attempt", LogFields{
					LogFieldServer:  ep.String(),
					LogFieldAttempt: attempt,
					LogFieldDelay:   delay.String(),
				})
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			if ctx.Err() != nil {
				return
			}

			c.pool.MarkAttempt(ep)
			c.metrics.ReconnectAttempt()

			s, err := c.handshake(ctx, ep)
			if err != nil {
				lastErr, lastServer = err, ep.String()
				c.logger.Debug("reconnect attempt failed", LogFields{
					LogFieldServer:  ep.String(),
					LogFieldAttempt: attempt,
					LogFieldError:   err.Error(),
				})
				c.attemptLog.Do(func() {
					c.logger.Warn("reconnect attempt failed", LogFields{
						LogFieldServer:  ep.String(),
						LogFieldAttempt: attempt,
						LogFieldError:   err.Error(),
					})
				})
				c.reportAttemptError(err)
				continue
			}

			c.resume(s, attempt)
			return
		}
	}
}

// resume makes s live after a reconnect. Interests are on the wire and the
// client is CONNECTED before the reconnect observers run. Until they return
// the client is replaying: publishes and flushes queue behind the ones
// buffered while disconnected, and go out once the observers are done.
func (c *Client) resume(s *session, attempt int) {
	c.mu.Lock()
	if c.status != StatusReconnecting {
		c.mu.Unlock()
		s.conn.Close()
		return
	}
	c.installLocked(s)
	gen := c.gen
	err := c.replayInterestsLocked()
	c.status = StatusConnected
	if err != nil {
		c.startSessionLocked()
		c.mu.Unlock()
		c.handleConnLoss(gen, err)
		return
	}
	c.replaying = true
	c.bus.enqueue(event{kind: eventReconnect, err: NewReconnectedEvent(s.ep.String(), attempt)})
	c.mu.Unlock()

	c.stats.reconnects.Add(1)
	c.metrics.Reconnected(s.ep.String())
	c.logger.Info("reconnected", LogFields{
		LogFieldServer:  s.ep.String(),
		LogFieldAttempt: attempt,
	})

	c.bus.drain()

	c.mu.Lock()
	if c.gen != gen || c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	err = c.finishStartLocked()
	c.mu.Unlock()

	if err != nil {
		c.handleConnLoss(gen, err)
	}
}

// fail closes the client after a fatal error. It is called from the
// client's own goroutines, so it does not wait for them.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	c.closeLocked(err)
	c.mu.Unlock()
	c.bus.drain()
}

// closeLocked moves the client to CLOSED and queues the terminal events.
func (c *Client) closeLocked(fatal error) {
	if c.status == StatusConnected && c.bw != nil {
		c.flushLocked()
	}

	c.status = StatusClosed
	c.cancel()
	c.teardownLocked()

	c.pending.reset()
	c.metrics.PendingBytes(0)
	c.metrics.Closed()
	for _, ch := range c.pongs {
		if ch != nil {
			ch <- ErrClientClosed
		}
	}
	c.pongs = nil

	for _, sub := range c.subs.clear() {
		sub.close()
		c.metrics.SubscriptionRemoved()
	}

	if fatal != nil {
		c.logger.Error("client closed", LogFields{LogFieldError: fatal.Error()})
		c.bus.enqueue(event{kind: eventError, err: fatal})
	}
	c.bus.enqueue(event{kind: eventClose, err: ErrClosed})
	close(c.done)
}

// Close closes the connection and releases resources. Pending publishes are
// discarded and subscriptions are invalidated. Calling Close again is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return nil
	}
	c.closeLocked(nil)
	c.mu.Unlock()

	c.bus.drain()

	// Called from an observer: the goroutine delivering events may be
	// one of those we would wait for.
	if c.bus.inCallback() {
		return nil
	}

	waitDone := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(time.Second):
		c.logger.Warn("timed out waiting for client goroutines", nil)
	}

	return nil
}

// Status returns the connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected returns true if the client has a live connection.
func (c *Client) IsConnected() bool {
	return c.Status() == StatusConnected
}

// IsClosed returns true once the client reached CLOSED.
func (c *Client) IsClosed() bool {
	return c.Status() == StatusClosed
}

// IsReconnecting returns true while the client looks for a server.
func (c *Client) IsReconnecting() bool {
	return c.Status() == StatusReconnecting
}

// ConnectedServer returns the URI of the current server, or "" when not connected.
func (c *Client) ConnectedServer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected || c.current == nil {
		return ""
	}
	return c.current.String()
}

// ServerPool returns a snapshot of the known servers.
// While connected, the first entry is the connected server.
func (c *Client) ServerPool() []ServerEndpoint {
	return c.pool.Servers()
}

// DiscoveredServers returns the servers learned from the cluster.
func (c *Client) DiscoveredServers() []string {
	return c.pool.Discovered()
}

// PendingDataSize returns the bytes buffered while reconnecting.
func (c *Client) PendingDataSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}

// ServerInfo returns the latest INFO of the current server.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// MaxPayload returns the payload limit in effect.
func (c *Client) MaxPayload() int64 {
	return c.maxPayload.Load()
}

// Stats returns the traffic counters.
func (c *Client) Stats() Statistics {
	return Statistics{
		InMsgs:     c.stats.inMsgs.Load(),
		OutMsgs:    c.stats.outMsgs.Load(),
		InBytes:    c.stats.inBytes.Load(),
		OutBytes:   c.stats.outBytes.Load(),
		Reconnects: c.stats.reconnects.Load(),
	}
}

// Publish sends data to subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.PublishMsg(&Msg{Subject: subject, Data: data})
}

// PublishRequest sends data to subject with a reply subject.
func (c *Client) PublishRequest(subject, reply string, data []byte) error {
	return c.PublishMsg(&Msg{Subject: subject, Reply: reply, Data: data})
}

// PublishMsg sends msg. It does not wait for the server: while connected the
// frame is buffered and flushed in the background, while reconnecting it is
// kept in the pending buffer.
func (c *Client) PublishMsg(msg *Msg) error {
	if msg == nil {
		return NewClientError("publish", ErrInvalidSubject)
	}

	msg = applyProducerInterceptors(c.logger, c.options.producerInterceptors, msg)
	if msg == nil {
		return nil
	}

	if err := ValidateSubject(msg.Subject); err != nil {
		return NewClientError("publish", err)
	}
	if msg.Reply != "" {
		if err := ValidateSubject(msg.Reply); err != nil {
			return NewClientError("publish", err)
		}
	}
	if limit := c.maxPayload.Load(); limit > 0 && int64(len(msg.Data)) > limit {
		return NewClientError("publish", fmt.Errorf("%w: %d bytes exceeds %d", ErrMaxPayload, len(msg.Data), limit))
	}

	buf := getFrameBuffer()
	defer putFrameBuffer(buf)
	*buf = appendPub(*buf, msg.Subject, msg.Reply, msg.Data)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.status == StatusClosed:
		return ErrClientClosed
	case c.status == StatusConnected && !c.replaying:
		if err := c.writeLocked(*buf); err != nil {
			return err
		}
	case c.replaying, c.status == StatusConnecting, c.status == StatusReconnecting:
		if err := c.pending.write(*buf); err != nil {
			return NewClientError("publish", err)
		}
		c.metrics.PendingBytes(c.pending.Len())
	default:
		return ErrNotConnected
	}

	c.stats.outMsgs.Add(1)
	c.stats.outBytes.Add(uint64(len(msg.Data)))
	c.metrics.MessageSent(len(msg.Data))
	return nil
}

// Subscribe expresses interest in subject. The handler runs on a goroutine
// owned by the subscription and never concurrently with itself.
func (c *Client) Subscribe(subject string, handler MsgHandler) (*Subscription, error) {
	if handler == nil {
		return nil, NewClientError("subscribe", fmt.Errorf("%w: nil handler", ErrBadSubscription))
	}
	return c.subscribe(subject, "", handler)
}

// QueueSubscribe joins queue group queue on subject. Each message is
// delivered to one member of the group.
func (c *Client) QueueSubscribe(subject, queue string, handler MsgHandler) (*Subscription, error) {
	if handler == nil {
		return nil, NewClientError("subscribe", fmt.Errorf("%w: nil handler", ErrBadSubscription))
	}
	if err := ValidateQueueName(queue); err != nil {
		return nil, NewClientError("subscribe", err)
	}
	return c.subscribe(subject, queue, handler)
}

// SubscribeSync expresses interest in subject. Messages are read with NextMsg.
func (c *Client) SubscribeSync(subject string) (*Subscription, error) {
	return c.subscribe(subject, "", nil)
}

// QueueSubscribeSync joins queue group queue. Messages are read with NextMsg.
func (c *Client) QueueSubscribeSync(subject, queue string) (*Subscription, error) {
	if err := ValidateQueueName(queue); err != nil {
		return nil, NewClientError("subscribe", err)
	}
	return c.subscribe(subject, queue, nil)
}

func (c *Client) subscribe(subject, queue string, handler MsgHandler) (*Subscription, error) {
	if err := ValidateSubjectPattern(subject); err != nil {
		return nil, NewClientError("subscribe", err)
	}

	sub := newSubscription(c, subject, queue, handler)

	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}

	in := c.subs.add(sub)
	if in != nil && c.status == StatusConnected {
		buf := getFrameBuffer()
		*buf = appendSub(*buf, in.subject, in.queue, in.sid)
		if err := c.writeLocked(*buf); err != nil {
			// The interest stays registered and is replayed on reconnect.
			c.logger.Debug("deferring SUB until reconnect", LogFields{
				LogFieldSubject: subject,
				LogFieldError:   err.Error(),
			})
		}
		putFrameBuffer(buf)
	}
	c.mu.Unlock()

	c.metrics.SubscriptionAdded()
	c.logger.Debug("subscribed", LogFields{
		LogFieldSubject: subject,
		LogFieldQueue:   queue,
		LogFieldSID:     sub.sid,
	})

	if handler != nil {
		go sub.deliverLoop()
	}
	return sub, nil
}

// Unsubscribe removes the subscription with sid. Unknown sids are ignored.
func (c *Client) Unsubscribe(sid uint64) error {
	sub, ok := c.subs.get(sid)
	if !ok {
		return nil
	}
	return c.unsubscribe(sub, false)
}

// unsubscribe removes sub from the registry and sends UNSUB when its
// interest has no members left. With drain, queued messages are still
// delivered before the subscription closes.
func (c *Client) unsubscribe(sub *Subscription, drain bool) error {
	c.mu.Lock()
	removed, wireSID, needUnsub := c.subs.remove(sub.sid)
	if removed != nil && needUnsub && c.status == StatusConnected {
		buf := getFrameBuffer()
		*buf = appendUnsub(*buf, wireSID, 0)
		c.writeLocked(*buf)
		putFrameBuffer(buf)
	}
	c.mu.Unlock()

	if removed == nil {
		return nil
	}

	c.metrics.SubscriptionRemoved()
	if drain {
		sub.finish()
	} else {
		sub.close()
	}
	return nil
}

// Flush sends a PING and waits for the matching PONG, which guarantees the
// server processed everything written before it. While reconnecting the
// PING is sent once a server accepts the session.
func (c *Client) Flush(ctx context.Context) error {
	return c.flush(ctx, 0)
}

// FlushTimeout is Flush with a timeout. A non-positive timeout uses the
// configured flush timeout.
func (c *Client) FlushTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.options.flushTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.flush(ctx, timeout)
}

func (c *Client) flush(ctx context.Context, after time.Duration) error {
	ch := make(chan error, 1)
	start := time.Now()

	c.mu.Lock()
	switch c.status {
	case StatusClosed:
		c.mu.Unlock()
		return ErrClientClosed
	case StatusConnected:
		c.pongs = append(c.pongs, ch)
		if c.replaying {
			break
		}
		if err := c.writeLocked(pingFrame); err != nil {
			c.mu.Unlock()
			return err
		}
	default:
		c.pongs = append(c.pongs, ch)
	}
	c.mu.Unlock()

	select {
	case err := <-ch:
		if err == nil {
			c.metrics.FlushLatency(time.Since(start))
		}
		return err
	case <-ctx.Done():
		c.abandonPong(ch)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return NewTimeoutError("flush", after)
		}
		return ctx.Err()
	}
}

// abandonPong forgets a flush waiter. Its slot stays in the queue so later
// PONGs still line up with their PINGs.
func (c *Client) abandonPong(ch chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pongs {
		if p == ch {
			c.pongs[i] = nil
			return
		}
	}
}

// NewInbox returns a unique reply subject.
func (c *Client) NewInbox() string {
	return c.options.inboxPrefix + "." + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Request publishes data to subject and waits for the first reply.
// Without a context deadline the default request timeout applies.
func (c *Client) Request(ctx context.Context, subject string, data []byte) (*Msg, error) {
	timeout := DefaultRequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	inbox := c.NewInbox()
	sub, err := c.SubscribeSync(inbox)
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := c.PublishRequest(subject, inbox, data); err != nil {
		return nil, err
	}

	msg, err := sub.NextMsg(ctx)
	if err != nil {
		var te *TimeoutError
		if errors.As(err, &te) {
			return nil, NewTimeoutError("request", timeout)
		}
		return nil, err
	}
	return msg, nil
}

// OnError registers an observer for errors. The returned function removes it.
func (c *Client) OnError(fn func(error)) func() {
	return addObserver(c.bus, c.bus.errors, fn)
}

// OnClose registers an observer for the client reaching CLOSED.
func (c *Client) OnClose(fn func()) func() {
	return addObserver(c.bus, c.bus.closes, fn)
}

// OnDisconnect registers an observer for the loss of a live connection.
func (c *Client) OnDisconnect(fn func(error)) func() {
	return addObserver(c.bus, c.bus.disconnects, fn)
}

// OnReconnect registers an observer for a restored connection.
func (c *Client) OnReconnect(fn func(*Client)) func() {
	return addObserver(c.bus, c.bus.reconnects, fn)
}

// OnDiscoveredServers registers an observer for servers learned from the cluster.
func (c *Client) OnDiscoveredServers(fn func([]string)) func() {
	return addObserver(c.bus, c.bus.discoveries, fn)
}

// OnLameDuck registers an observer for the server entering lame duck mode.
func (c *Client) OnLameDuck(fn func()) func() {
	return addObserver(c.bus, c.bus.lameDucks, fn)
}
