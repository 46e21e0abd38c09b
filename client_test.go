package gnats

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// eventRecorder collects the callbacks a client fires.
type eventRecorder struct {
	mu          sync.Mutex
	errs        []error
	disconnects []error
	reconnects  int
	closes      int
	order       []string
}

func (r *eventRecorder) options() []Option {
	return []Option{
		WithErrorHandler(func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.order = append(r.order, "error")
			r.mu.Unlock()
		}),
		WithDisconnectHandler(func(err error) {
			r.mu.Lock()
			r.disconnects = append(r.disconnects, err)
			r.order = append(r.order, "disconnect")
			r.mu.Unlock()
		}),
		WithReconnectHandler(func(*Client) {
			r.mu.Lock()
			r.reconnects++
			r.order = append(r.order, "reconnect")
			r.mu.Unlock()
		}),
		WithCloseHandler(func() {
			r.mu.Lock()
			r.closes++
			r.order = append(r.order, "close")
			r.mu.Unlock()
		}),
	}
}

func (r *eventRecorder) errorList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *eventRecorder) disconnectErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.disconnects...)
}

func (r *eventRecorder) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *eventRecorder) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

func (r *eventRecorder) reconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconnects
}

// silentHandler completes the handshake and then never answers anything.
func silentHandler(c *mockConn) {
	if _, err := c.handshake(ServerInfo{}); err != nil {
		return
	}
	for {
		if _, err := c.readLine(); err != nil {
			return
		}
	}
}

func dialMock(t *testing.T, server *mockServer, opts ...Option) *Client {
	t.Helper()
	client, err := Dial(append([]Option{WithServers(server.URL()), WithDontRandomize()}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func nextMsg(t *testing.T, sub *Subscription) *Msg {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := sub.NextMsg(ctx)
	require.NoError(t, err)
	return msg
}

func TestDialHandshake(t *testing.T) {
	connects := make(chan map[string]any, 1)
	server := newMockServer(t, func(c *mockConn) {
		connect, err := c.handshake(ServerInfo{ServerName: "n1", MaxPayload: 2048})
		if err != nil {
			return
		}
		connects <- connect
		c.serve(nil)
	})

	client := dialMock(t, server, WithName("orders"), WithUserInfo("alice", "pw"))

	connect := <-connects
	assert.Equal(t, "orders", connect["name"])
	assert.Equal(t, "go", connect["lang"])
	assert.Equal(t, float64(1), connect["protocol"])
	assert.Equal(t, "alice", connect["user"])
	assert.Equal(t, "pw", connect["pass"])
	assert.Equal(t, false, connect["verbose"])
	assert.Equal(t, false, connect["pedantic"])
	assert.Equal(t, false, connect["tls_required"])
	assert.Equal(t, true, connect["echo"])

	assert.Equal(t, StatusConnected, client.Status())
	assert.True(t, client.IsConnected())
	assert.Equal(t, server.URL(), client.ConnectedServer())
	assert.Equal(t, "n1", client.ServerInfo().ServerName)
	assert.Equal(t, int64(2048), client.MaxPayload())
}

func TestDialCredentialsFromURL(t *testing.T) {
	connects := make(chan map[string]any, 1)
	server := newMockServer(t, func(c *mockConn) {
		connect, err := c.handshake(ServerInfo{AuthRequired: true})
		if err != nil {
			return
		}
		connects <- connect
		c.serve(nil)
	})

	client, err := Dial(WithServers("nats://bob:s3cret@" + server.HostPort()))
	require.NoError(t, err)
	defer client.Close()

	connect := <-connects
	assert.Equal(t, "bob", connect["user"])
	assert.Equal(t, "s3cret", connect["pass"])
	assert.NotContains(t, client.ConnectedServer(), "s3cret")
}

func TestDialNoEcho(t *testing.T) {
	connects := make(chan map[string]any, 1)
	server := newMockServer(t, func(c *mockConn) {
		connect, err := c.handshake(ServerInfo{})
		if err != nil {
			return
		}
		connects <- connect
		c.serve(nil)
	})

	dialMock(t, server, WithNoEcho(), WithVerbose(true))

	connect := <-connects
	assert.Equal(t, false, connect["echo"])
	assert.Equal(t, true, connect["verbose"])
}

func TestDialTLSMismatch(t *testing.T) {
	tests := []struct {
		name    string
		info    ServerInfo
		opts    []Option
		wantErr error
	}{
		{
			name:    "client wants TLS",
			info:    ServerInfo{},
			opts:    []Option{WithTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})},
			wantErr: ErrSecureConnWanted,
		},
		{
			name:    "server requires TLS",
			info:    ServerInfo{TLSRequired: true},
			wantErr: ErrSecureConnRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newMockServer(t, func(c *mockConn) {
				if c.sendInfo(tt.info) != nil {
					return
				}
				c.serve(nil)
			})

			rec := &eventRecorder{}
			opts := append([]Option{WithServers(server.URL()), WithMaxReconnects(0)}, rec.options()...)
			client, err := Dial(append(opts, tt.opts...)...)
			require.Error(t, err)
			assert.Nil(t, client)

			var connErr *ConnectError
			require.ErrorAs(t, err, &connErr)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrClient)

			errs := rec.errorList()
			require.Len(t, errs, 2)
			var clientErr *ClientError
			assert.ErrorAs(t, errs[0], &clientErr)
			assert.ErrorAs(t, errs[1], &connErr)

			assert.Equal(t, []string{"error", "error", "close"}, rec.sequence())
			assert.Empty(t, rec.disconnectErrors())
		})
	}
}

func TestDialInBandTLS(t *testing.T) {
	cert := generateTestCertificate(t)
	connects := make(chan map[string]any, 1)

	server := newMockServer(t, func(c *mockConn) {
		if c.sendInfo(ServerInfo{TLSRequired: true}) != nil {
			return
		}
		tlsConn := tls.Server(c.conn, cert.serverConfig())
		if tlsConn.Handshake() != nil {
			return
		}
		sc := &mockConn{conn: tlsConn, r: bufio.NewReader(tlsConn)}

		line, err := sc.readLine()
		if err != nil {
			return
		}
		var connect map[string]any
		if json.Unmarshal([]byte(strings.TrimPrefix(line, "CONNECT ")), &connect) != nil {
			return
		}
		if line, err := sc.readLine(); err != nil || line != "PING" {
			return
		}
		if sc.send("PONG\r\n") != nil {
			return
		}
		connects <- connect
		sc.serve(nil)
	})

	client := dialMock(t, server, WithTLSConfig(&tls.Config{RootCAs: cert.pool, MinVersion: tls.VersionTLS12}))

	connect := <-connects
	assert.Equal(t, true, connect["tls_required"])
	assert.True(t, client.IsConnected())
	assert.NoError(t, client.FlushTimeout(time.Second))
}

func TestDialAuthorizationViolation(t *testing.T) {
	t.Run("explicit rejection", func(t *testing.T) {
		server := newMockServer(t, func(c *mockConn) {
			if c.sendInfo(ServerInfo{AuthRequired: true}) != nil {
				return
			}
			c.readLine()
			c.readLine()
			c.send("-ERR 'Authorization Violation'\r\n")
			c.serve(nil)
		})

		rec := &eventRecorder{}
		opts := append([]Option{WithServers(server.URL()), WithUserInfo("bad", "creds")}, rec.options()...)
		client, err := Dial(opts...)
		require.Error(t, err)
		assert.Nil(t, client)

		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "Authorization Violation", authErr.Reason)
		assert.ErrorIs(t, err, ErrAuthorization)
		assert.ErrorIs(t, err, ErrConnectFailed)

		errs := rec.errorList()
		require.NotEmpty(t, errs)
		assert.ErrorAs(t, errs[0], &authErr)
		assert.Equal(t, 1, rec.closeCount())
	})

	t.Run("connection closed after CONNECT", func(t *testing.T) {
		server := newMockServer(t, func(c *mockConn) {
			if c.sendInfo(ServerInfo{AuthRequired: true}) != nil {
				return
			}
			c.readLine()
			c.readLine()
		})

		_, err := Dial(WithServers(server.URL()), WithToken("nope"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAuthorization)
	})

	t.Run("other server error is not an auth error", func(t *testing.T) {
		server := newMockServer(t, func(c *mockConn) {
			if c.sendInfo(ServerInfo{}) != nil {
				return
			}
			c.readLine()
			c.readLine()
			c.send("-ERR 'Maximum Connections Exceeded'\r\n")
			c.serve(nil)
		})

		_, err := Dial(WithServers(server.URL()))
		require.Error(t, err)

		var se *ServerError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "Maximum Connections Exceeded", se.Text)
		assert.NotErrorIs(t, err, ErrAuthorization)
	})
}

func TestDialConnectTimeout(t *testing.T) {
	server := newMockServer(t, func(c *mockConn) {
		c.serve(nil)
	})

	start := time.Now()
	_, err := Dial(WithServers(server.URL()), WithConnectTimeout(100*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDialContextCancelClosesClient(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))

	ctx, cancel := context.WithCancel(context.Background())
	client, err := DialContext(ctx, WithServers(server.URL()))
	require.NoError(t, err)

	cancel()
	require.Eventually(t, client.IsClosed, 2*time.Second, 5*time.Millisecond)
}

func TestPublishSubscribeOrdering(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	client := dialMock(t, server)

	const total = 200
	received := make(chan *Msg, total)
	sub, err := client.Subscribe("events.*", func(msg *Msg) {
		received <- msg
	})
	require.NoError(t, err)
	assert.Equal(t, "events.*", sub.Subject())
	assert.Empty(t, sub.Queue())

	for i := range total {
		require.NoError(t, client.Publish(fmt.Sprintf("events.%d", i%3), []byte(fmt.Sprint(i))))
	}
	require.NoError(t, client.FlushTimeout(2*time.Second))

	for i := range total {
		select {
		case msg := <-received:
			assert.Equal(t, fmt.Sprint(i), string(msg.Data))
			assert.Equal(t, fmt.Sprintf("events.%d", i%3), msg.Subject)
			assert.Same(t, sub, msg.Sub)
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}

	stats := client.Stats()
	assert.Equal(t, uint64(total), stats.OutMsgs)
	assert.Equal(t, uint64(total), stats.InMsgs)
	assert.Equal(t, stats.OutBytes, stats.InBytes)
	require.Eventually(t, func() bool { return sub.Delivered() == total }, time.Second, 5*time.Millisecond)
}

func TestLocalSubscriptionsShareInterest(t *testing.T) {
	log := &lineLog{}
	server := newMockServer(t, echoHandlerWithHook(ServerInfo{}, log.add))
	client := dialMock(t, server)

	a, err := client.SubscribeSync("prices.>")
	require.NoError(t, err)
	b, err := client.SubscribeSync("prices.>")
	require.NoError(t, err)
	assert.NotEqual(t, a.SID(), b.SID())

	require.NoError(t, client.Publish("prices.eur", []byte("1.08")))
	require.NoError(t, client.FlushTimeout(time.Second))

	assert.Equal(t, "1.08", string(nextMsg(t, a).Data))
	assert.Equal(t, "1.08", string(nextMsg(t, b).Data))
	assert.Len(t, log.withPrefix("SUB "), 1)

	require.NoError(t, a.Unsubscribe())
	require.NoError(t, client.FlushTimeout(time.Second))
	assert.Empty(t, log.withPrefix("UNSUB "), "interest still has a member")

	require.NoError(t, b.Unsubscribe())
	require.NoError(t, client.FlushTimeout(time.Second))
	assert.Len(t, log.withPrefix("UNSUB "), 1)
}

func TestLocalQueueGroupRoundRobin(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	client := dialMock(t, server)

	var counts [3]atomic.Int32
	for i := range counts {
		sub, err := client.QueueSubscribe("jobs", "workers", func(*Msg) {
			counts[i].Add(1)
		})
		require.NoError(t, err)
		assert.Equal(t, "workers", sub.Queue())
	}

	for range 30 {
		require.NoError(t, client.Publish("jobs", []byte("x")))
	}
	require.NoError(t, client.FlushTimeout(time.Second))

	require.Eventually(t, func() bool {
		return counts[0].Load()+counts[1].Load()+counts[2].Load() == 30
	}, 2*time.Second, 5*time.Millisecond)
	for i := range counts {
		assert.Equal(t, int32(10), counts[i].Load(), "member %d", i)
	}
}

func TestSubscribeValidation(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	client := dialMock(t, server)

	tests := []struct {
		name    string
		call    func() (*Subscription, error)
		wantErr error
	}{
		{"empty subject", func() (*Subscription, error) { return client.SubscribeSync("") }, ErrInvalidSubject},
		{"empty token", func() (*Subscription, error) { return client.SubscribeSync("a..b") }, ErrInvalidSubject},
		{"misplaced full wildcard", func() (*Subscription, error) { return client.SubscribeSync("a.>.b") }, ErrInvalidSubject},
		{"nil handler", func() (*Subscription, error) { return client.Subscribe("a", nil) }, ErrBadSubscription},
		{"queue with space", func() (*Subscription, error) { return client.QueueSubscribeSync("a", "bad queue") }, ErrBadQueueName},
		{"empty queue", func() (*Subscription, error) { return client.QueueSubscribe("a", "", func(*Msg) {}) }, ErrBadQueueName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := tt.call()
			assert.Nil(t, sub)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrClient)
		})
	}
}

func TestPublishValidation(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{MaxPayload: 16}))
	client := dialMock(t, server)

	assert.ErrorIs(t, client.Publish("", nil), ErrInvalidSubject)
	assert.ErrorIs(t, client.Publish("a.*", nil), ErrInvalidSubject)
	assert.ErrorIs(t, client.Publish("a b", nil), ErrInvalidSubject)
	assert.ErrorIs(t, client.PublishRequest("a", "reply.>", nil), ErrInvalidSubject)
	assert.ErrorIs(t, client.PublishMsg(nil), ErrClient)

	err := client.Publish("a", make([]byte, 17))
	assert.ErrorIs(t, err, ErrMaxPayload)
	assert.ErrorIs(t, err, ErrClient)
	assert.NoError(t, client.Publish("a", make([]byte, 16)))
	assert.Equal(t, uint64(1), client.Stats().OutMsgs)
}

func TestUnsubscribe(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	client := dialMock(t, server)

	sub, err := client.SubscribeSync("a")
	require.NoError(t, err)
	require.NoError(t, client.Publish("a", []byte("queued")))
	require.NoError(t, client.FlushTimeout(time.Second))

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, sub.Unsubscribe(), "second unsubscribe is a no-op")
	require.NoError(t, client.Unsubscribe(sub.SID()), "unknown sid is ignored")

	_, err = sub.NextMsg(context.Background())
	assert.ErrorIs(t, err, ErrBadSubscription)
}

func TestAutoUnsubscribe(t *testing.T) {
	t.Run("synchronous drains queued messages", func(t *testing.T) {
		server := newMockServer(t, echoHandler(ServerInfo{}))
		client := dialMock(t, server)

		sub, err := client.SubscribeSync("ticks")
		require.NoError(t, err)
		require.NoError(t, sub.AutoUnsubscribe(3))

		for i := range 5 {
			require.NoError(t, client.Publish("ticks", []byte(fmt.Sprint(i))))
		}
		require.NoError(t, client.FlushTimeout(time.Second))

		for i := range 3 {
			assert.Equal(t, fmt.Sprint(i), string(nextMsg(t, sub).Data))
		}
		_, err = sub.NextMsg(context.Background())
		assert.ErrorIs(t, err, ErrBadSubscription)
		assert.Equal(t, uint64(3), sub.Delivered())
	})

	t.Run("asynchronous", func(t *testing.T) {
		server := newMockServer(t, echoHandler(ServerInfo{}))
		client := dialMock(t, server)

		var n atomic.Int32
		sub, err := client.Subscribe("ticks", func(*Msg) { n.Add(1) })
		require.NoError(t, err)
		require.NoError(t, sub.AutoUnsubscribe(2))

		for range 4 {
			require.NoError(t, client.Publish("ticks", nil))
		}
		require.NoError(t, client.FlushTimeout(time.Second))

		require.Eventually(t, func() bool { return n.Load() == 2 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(2), n.Load())
		assert.False(t, sub.IsValid())
	})

	t.Run("already reached", func(t *testing.T) {
		server := newMockServer(t, echoHandler(ServerInfo{}))
		client := dialMock(t, server)

		sub, err := client.SubscribeSync("ticks")
		require.NoError(t, err)
		require.NoError(t, client.Publish("ticks", nil))
		require.NoError(t, client.Publish("ticks", nil))
		require.NoError(t, client.FlushTimeout(time.Second))

		require.NoError(t, sub.AutoUnsubscribe(1))
		assert.False(t, sub.IsValid())
	})

	t.Run("invalid max", func(t *testing.T) {
		server := newMockServer(t, echoHandler(ServerInfo{}))
		client := dialMock(t, server)

		sub, err := client.SubscribeSync("ticks")
		require.NoError(t, err)
		assert.ErrorIs(t, sub.AutoUnsubscribe(0), ErrBadSubscription)
	})
}

func TestNextMsgOnAsyncSubscription(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	client := dialMock(t, server)

	sub, err := client.Subscribe("a", func(*Msg) {})
	require.NoError(t, err)

	_, err = sub.NextMsg(context.Background())
	assert.ErrorIs(t, err, ErrBadSubscription)
}

func TestNextMsgTimeout(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	client := dialMock(t, server)

	sub, err := client.SubscribeSync("quiet")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = sub.NextMsg(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSlowConsumer(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	rec := &eventRecorder{}
	client := dialMock(t, server, rec.options()...)

	sub, err := client.SubscribeSync("firehose")
	require.NoError(t, err)
	sub.SetPendingLimits(2, 0)

	for range 5 {
		require.NoError(t, client.Publish("firehose", []byte("x")))
	}
	require.NoError(t, client.FlushTimeout(time.Second))

	msgs, bytes := sub.Pending()
	assert.Equal(t, 2, msgs)
	assert.Equal(t, 2, bytes)
	assert.Equal(t, uint64(3), sub.Dropped())

	require.Eventually(t, func() bool { return len(rec.errorList()) > 0 }, time.Second, 5*time.Millisecond)
	errs := rec.errorList()
	assert.Len(t, errs, 1, "one report per slow episode")
	assert.ErrorIs(t, errs[0], ErrSlowConsumer)
	assert.True(t, client.IsConnected())
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	client := dialMock(t, server)

	var calls atomic.Int32
	_, err := client.Subscribe("boom", func(*Msg) {
		if calls.Add(1) == 1 {
			panic("first message")
		}
	})
	require.NoError(t, err)

	require.NoError(t, client.Publish("boom", nil))
	require.NoError(t, client.Publish("boom", nil))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestFlush(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		server := newMockServer(t, echoHandler(ServerInfo{}))
		client := dialMock(t, server)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, client.Flush(ctx))
	})

	t.Run("timeout", func(t *testing.T) {
		server := newMockServer(t, silentHandler)
		client := dialMock(t, server)

		err := client.FlushTimeout(50 * time.Millisecond)
		var te *TimeoutError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "flush", te.Op)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("context canceled", func(t *testing.T) {
		server := newMockServer(t, silentHandler)
		client := dialMock(t, server)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, client.Flush(ctx), context.Canceled)
	})
}

func TestRequestReply(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	client := dialMock(t, server, WithInboxPrefix("_R"))

	_, err := client.Subscribe("svc.greet", func(msg *Msg) {
		msg.Respond(append([]byte("hello "), msg.Data...))
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.Request(ctx, "svc.greet", []byte("bob"))
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(reply.Data))
	assert.True(t, strings.HasPrefix(reply.Subject, "_R."))

	t.Run("no responder", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := client.Request(ctx, "svc.nobody", nil)
		var te *TimeoutError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "request", te.Op)
	})
}

func TestMsgRespondErrors(t *testing.T) {
	assert.ErrorIs(t, (&Msg{Subject: "a"}).Respond(nil), ErrNoReply)
	assert.ErrorIs(t, (&Msg{Subject: "a", Reply: "b"}).Respond(nil), ErrNotBound)

	orig := &Msg{Subject: "a", Data: []byte("xy")}
	clone := orig.Clone()
	clone.Data[0] = 'z'
	assert.Equal(t, "xy", string(orig.Data))
	assert.Equal(t, 2, orig.Size())
}

func TestNewInbox(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	client := dialMock(t, server)

	a, b := client.NewInbox(), client.NewInbox()
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^_INBOX\.[0-9a-f]{32}$`, a)
	assert.NoError(t, ValidateSubject(a))
}

func TestServerPingAnswered(t *testing.T) {
	pong := make(chan string, 1)
	server := newMockServer(t, func(c *mockConn) {
		if _, err := c.handshake(ServerInfo{}); err != nil {
			return
		}
		if c.send("PING\r\n") != nil {
			return
		}
		line, err := c.readLine()
		if err != nil {
			return
		}
		pong <- line
		c.serve(nil)
	})
	dialMock(t, server)

	select {
	case line := <-pong:
		assert.Equal(t, "PONG", line)
	case <-time.After(2 * time.Second):
		t.Fatal("no PONG")
	}
}

func TestStaleConnection(t *testing.T) {
	server := newMockServer(t, silentHandler)
	rec := &eventRecorder{}
	opts := append([]Option{
		WithAutoReconnect(false),
		WithPingInterval(20 * time.Millisecond),
		WithMaxPingsOutstanding(1),
	}, rec.options()...)
	client := dialMock(t, server, opts...)

	require.Eventually(t, client.IsClosed, 2*time.Second, 5*time.Millisecond)

	disconnects := rec.disconnectErrors()
	require.Len(t, disconnects, 1)
	var de *DisconnectError
	require.ErrorAs(t, disconnects[0], &de)
	assert.ErrorIs(t, de.Cause, ErrStaleConnection)
	assert.Equal(t, server.URL(), de.Server)
	assert.Equal(t, []string{"disconnect", "close"}, rec.sequence())
}

func TestPermissionViolationKeepsConnection(t *testing.T) {
	server := newMockServer(t, func(c *mockConn) {
		if _, err := c.handshake(ServerInfo{}); err != nil {
			return
		}
		c.serve(func(line string, _ []byte) {
			if strings.HasPrefix(line, "SUB secret") {
				c.send("-ERR 'Permissions Violation for Subscription to \"secret\"'\r\n")
			}
		})
	})
	rec := &eventRecorder{}
	client := dialMock(t, server, rec.options()...)

	_, err := client.SubscribeSync("secret")
	require.NoError(t, err)
	require.NoError(t, client.FlushTimeout(time.Second))

	require.Eventually(t, func() bool { return len(rec.errorList()) == 1 }, time.Second, 5*time.Millisecond)
	var se *ServerError
	require.ErrorAs(t, rec.errorList()[0], &se)
	assert.True(t, se.IsPermissionViolation())
	assert.True(t, client.IsConnected())
	assert.Empty(t, rec.disconnectErrors())
}

func TestFatalServerErrorDisconnects(t *testing.T) {
	server := newMockServer(t, func(c *mockConn) {
		if _, err := c.handshake(ServerInfo{}); err != nil {
			return
		}
		c.send("-ERR 'Unknown Protocol Operation'\r\n")
		c.serve(nil)
	})
	rec := &eventRecorder{}
	client := dialMock(t, server, append([]Option{WithAutoReconnect(false)}, rec.options()...)...)

	require.Eventually(t, client.IsClosed, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"error", "disconnect", "close"}, rec.sequence())

	var se *ServerError
	require.ErrorAs(t, rec.errorList()[0], &se)
	assert.Equal(t, "Unknown Protocol Operation", se.Text)
}

func TestOversizedMsgDropsConnection(t *testing.T) {
	server := newMockServer(t, func(c *mockConn) {
		if _, err := c.handshake(ServerInfo{MaxPayload: 1024}); err != nil {
			return
		}
		c.send("MSG orders 1 9223372036854775807\r\n")
		c.serve(nil)
	})
	rec := &eventRecorder{}
	client := dialMock(t, server, append([]Option{WithAutoReconnect(false)}, rec.options()...)...)

	require.Eventually(t, client.IsClosed, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"disconnect", "close"}, rec.sequence())
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	log := &lineLog{}
	server := newMockServer(t, echoHandlerWithHook(ServerInfo{}, log.add))
	rec := &eventRecorder{}
	client := dialMock(t, server, append([]Option{WithReconnectWait(10 * time.Millisecond)}, rec.options()...)...)

	sub, err := client.SubscribeSync("orders.>")
	require.NoError(t, err)
	qsub, err := client.QueueSubscribeSync("jobs", "workers")
	require.NoError(t, err)
	require.NoError(t, client.FlushTimeout(time.Second))

	server.DropAll()
	require.Eventually(t, func() bool { return rec.reconnectCount() == 1 }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, client.IsConnected, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Publish("orders.new", []byte("o1")))
	require.NoError(t, client.Publish("jobs", []byte("j1")))
	assert.Equal(t, "o1", string(nextMsg(t, sub).Data))
	assert.Equal(t, "j1", string(nextMsg(t, qsub).Data))

	subs := log.withPrefix("SUB ")
	assert.Equal(t, []string{
		fmt.Sprintf("SUB orders.> %d", sub.SID()),
		fmt.Sprintf("SUB jobs workers %d", qsub.SID()),
		fmt.Sprintf("SUB orders.> %d", sub.SID()),
		fmt.Sprintf("SUB jobs workers %d", qsub.SID()),
	}, subs)

	assert.Equal(t, []string{"disconnect", "reconnect"}, rec.sequence())
	assert.Equal(t, uint64(1), client.Stats().Reconnects)
}

func TestConnectedGaugeFollowsLifecycle(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	m := NewMemoryMetrics()
	rec := &eventRecorder{}
	client := dialMock(t, server, append([]Option{
		WithMetrics(m),
		WithReconnectWait(10 * time.Millisecond),
	}, rec.options()...)...)

	connected := func() float64 { return m.GetGauge(MetricConnected, nil).Value() }
	assert.Equal(t, float64(1), connected())

	server.DropAll()
	require.Eventually(t, func() bool { return rec.reconnectCount() == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), connected())

	require.NoError(t, client.Close())
	assert.Zero(t, connected())
}

// recordingLogger keeps every line it is given.
type recordingLogger struct {
	NoOpLogger

	mu    sync.Mutex
	lines []recordedLine
}

type recordedLine struct {
	msg    string
	fields LogFields
}

func (l *recordingLogger) add(msg string, fields LogFields) {
	l.mu.Lock()
	l.lines = append(l.lines, recordedLine{msg: msg, fields: fields})
	l.mu.Unlock()
}

func (l *recordingLogger) Debug(msg string, fields LogFields) { l.add(msg, fields) }
func (l *recordingLogger) Info(msg string, fields LogFields)  { l.add(msg, fields) }
func (l *recordingLogger) Warn(msg string, fields LogFields)  { l.add(msg, fields) }
func (l *recordingLogger) Error(msg string, fields LogFields) { l.add(msg, fields) }
func (l *recordingLogger) WithFields(LogFields) Logger        { return l }
func (l *recordingLogger) Level() LogLevel                    { return LogLevelDebug }

// find returns the first line logged with msg.
func (l *recordingLogger) find(msg string) (recordedLine, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if line.msg == msg {
			return line, true
		}
	}
	return recordedLine{}, false
}

func TestReconnectWaitIsLogged(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	logger := &recordingLogger{}
	rec := &eventRecorder{}
	dialMock(t, server, append([]Option{
		WithLogger(logger),
		WithReconnectWait(200 * time.Millisecond),
	}, rec.options()...)...)

	server.DropAll()
	require.Eventually(t, func() bool { return rec.reconnectCount() == 1 }, 3*time.Second, 5*time.Millisecond)

	line, ok := logger.find("waiting before reconnect attempt")
	require.True(t, ok)
	assert.Equal(t, server.URL(), line.fields[LogFieldServer])
	assert.Equal(t, 1, line.fields[LogFieldAttempt])

	delay, err := time.ParseDuration(line.fields[LogFieldDelay].(string))
	require.NoError(t, err)
	assert.Positive(t, delay)
	assert.LessOrEqual(t, delay, 200*time.Millisecond)
}

// gatedServer accepts the first connection normally and holds every later
// one until release is called.
func gatedServer(t *testing.T, handle func(*mockConn)) (*mockServer, func()) {
	t.Helper()

	var (
		conns atomic.Int32
		once  sync.Once
	)
	gate := make(chan struct{})
	release := func() { once.Do(func() { close(gate) }) }

	server := newMockServer(t, func(c *mockConn) {
		if conns.Add(1) > 1 {
			<-gate
		}
		handle(c)
	})
	t.Cleanup(release)
	return server, release
}

func TestPublishWhileReconnecting(t *testing.T) {
	server, release := gatedServer(t, echoHandler(ServerInfo{}))
	client := dialMock(t, server,
		WithReconnectWait(10*time.Millisecond),
		WithConnectTimeout(5*time.Second),
	)

	sub, err := client.SubscribeSync("orders.>")
	require.NoError(t, err)
	require.NoError(t, client.FlushTimeout(time.Second))

	server.DropAll()
	require.Eventually(t, client.IsReconnecting, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, client.ConnectedServer())

	require.NoError(t, client.Publish("orders.1", []byte("a")))
	require.NoError(t, client.Publish("orders.2", []byte("b")))
	assert.Positive(t, client.PendingDataSize())

	flushed := make(chan error, 1)
	go func() { flushed <- client.FlushTimeout(5 * time.Second) }()

	release()

	require.NoError(t, <-flushed)
	assert.Equal(t, "a", string(nextMsg(t, sub).Data))
	assert.Equal(t, "b", string(nextMsg(t, sub).Data))
	assert.Zero(t, client.PendingDataSize())
}

func TestPendingBufferOverflow(t *testing.T) {
	server, _ := gatedServer(t, echoHandler(ServerInfo{}))
	client := dialMock(t, server,
		WithReconnectWait(10*time.Millisecond),
		WithPendingBufferSize(64),
	)

	server.DropAll()
	require.Eventually(t, client.IsReconnecting, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Publish("a", []byte("small")))
	before := client.PendingDataSize()

	err := client.Publish("a", make([]byte, 100))
	assert.ErrorIs(t, err, ErrPendingBufferFull)
	assert.ErrorIs(t, err, ErrClient)
	assert.Equal(t, before, client.PendingDataSize(), "accepted frames are kept")
}

func TestReconnectHandlerSeesLiveConnection(t *testing.T) {
	log := &lineLog{}
	server, release := gatedServer(t, echoHandlerWithHook(ServerInfo{}, log.add))

	type observed struct {
		server    string
		connected bool
		replayed  bool
	}
	seen := make(chan observed, 1)
	client := dialMock(t, server,
		WithReconnectWait(10*time.Millisecond),
		WithConnectTimeout(5*time.Second),
		WithReconnectHandler(func(c *Client) {
			replayed := assert.Eventually(t, func() bool { return len(log.withPrefix("SUB ")) == 2 },
				time.Second, 5*time.Millisecond)
			c.Publish("orders.2", []byte("from handler"))
			seen <- observed{server: c.ConnectedServer(), connected: c.IsConnected(), replayed: replayed}
		}),
	)

	sub, err := client.SubscribeSync("orders.>")
	require.NoError(t, err)
	require.NoError(t, client.FlushTimeout(time.Second))
	require.Len(t, log.withPrefix("SUB "), 1)

	server.DropAll()
	require.Eventually(t, client.IsReconnecting, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, client.Publish("orders.1", []byte("buffered")))
	release()

	var got observed
	select {
	case got = <-seen:
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect handler not called")
	}
	assert.Equal(t, server.URL(), got.server)
	assert.True(t, got.connected)
	assert.True(t, got.replayed, "SUB replayed before the handler ran")

	assert.Equal(t, "buffered", string(nextMsg(t, sub).Data))
	assert.Equal(t, "from handler", string(nextMsg(t, sub).Data))
	assert.Zero(t, client.PendingDataSize())
}

func TestSubscribeFromReconnectHandler(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))

	subs := make(chan *Subscription, 1)
	client := dialMock(t, server,
		WithReconnectWait(10*time.Millisecond),
		WithReconnectHandler(func(c *Client) {
			sub, err := c.SubscribeSync("late")
			if err == nil {
				subs <- sub
			}
			c.Publish("late", []byte("hi"))
		}),
	)

	server.DropAll()

	var sub *Subscription
	select {
	case sub = <-subs:
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect handler not called")
	}
	assert.Equal(t, "hi", string(nextMsg(t, sub).Data))
	assert.True(t, client.IsConnected())
}

func TestFailoverToNextServer(t *testing.T) {
	first := newMockServer(t, echoHandler(ServerInfo{ServerName: "first"}))
	second := newMockServer(t, echoHandler(ServerInfo{ServerName: "second"}))

	rec := &eventRecorder{}
	opts := append([]Option{
		WithServers(first.URL(), second.URL()),
		WithDontRandomize(),
		WithReconnectWait(10 * time.Millisecond),
	}, rec.options()...)
	client, err := Dial(opts...)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, first.URL(), client.ConnectedServer())

	first.Close()
	require.Eventually(t, func() bool { return client.ConnectedServer() == second.URL() }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, "second", client.ServerInfo().ServerName)

	pool := client.ServerPool()
	require.Len(t, pool, 2)
	assert.Equal(t, second.URL(), pool[0].String(), "connected server leads the pool")
}

func TestInitialConnectSkipsDeadServer(t *testing.T) {
	dead := newMockServer(t, func(*mockConn) {})
	deadURL := dead.URL()
	dead.Close()

	live := newMockServer(t, echoHandler(ServerInfo{}))

	client, err := Dial(WithServers(deadURL, live.URL()), WithDontRandomize(), WithMaxReconnects(0))
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, live.URL(), client.ConnectedServer())
}

func TestMaxReconnectsClosesClient(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	rec := &eventRecorder{}
	client := dialMock(t, server, append([]Option{
		WithMaxReconnects(2),
		WithReconnectWait(5 * time.Millisecond),
	}, rec.options()...)...)

	server.Close()
	require.Eventually(t, client.IsClosed, 3*time.Second, 5*time.Millisecond)

	errs := rec.errorList()
	require.NotEmpty(t, errs)
	last := errs[len(errs)-1]
	assert.ErrorIs(t, last, ErrMaxReconnects)
	assert.ErrorIs(t, last, ErrConnectFailed)

	seq := rec.sequence()
	assert.Equal(t, "disconnect", seq[0])
	assert.Equal(t, "close", seq[len(seq)-1])
	assert.Equal(t, 1, rec.closeCount())
}

func TestAutoReconnectDisabled(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	rec := &eventRecorder{}
	client := dialMock(t, server, append([]Option{WithAutoReconnect(false)}, rec.options()...)...)

	server.DropAll()
	require.Eventually(t, client.IsClosed, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"disconnect", "close"}, rec.sequence())
}

func TestReconnectEventCancel(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	client := dialMock(t, server,
		WithReconnectWait(10*time.Millisecond),
		OnEvent(func(_ *Client, event error) {
			var re *ReconnectEvent
			if errors.As(event, &re) && errors.Is(event, ErrReconnecting) {
				re.Cancel()
			}
		}),
	)

	server.DropAll()
	require.Eventually(t, client.IsClosed, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, client.Stats().Reconnects)
}

func TestRetryOnFailedConnect(t *testing.T) {
	var conns atomic.Int32
	echo := echoHandler(ServerInfo{})
	server := newMockServer(t, func(c *mockConn) {
		if conns.Add(1) == 1 {
			return
		}
		echo(c)
	})

	rec := &eventRecorder{}
	opts := append([]Option{
		WithServers(server.URL()),
		WithRetryOnFailedConnect(true),
		WithReconnectWait(10 * time.Millisecond),
	}, rec.options()...)
	client, err := Dial(opts...)
	require.NoError(t, err)
	defer client.Close()

	// Publishes made before the first session are buffered.
	require.NoError(t, client.Publish("early", []byte("x")))

	require.Eventually(t, client.IsConnected, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.reconnectCount())
	assert.Empty(t, rec.disconnectErrors())
	assert.Zero(t, client.PendingDataSize())
}

func TestDiscoveredServers(t *testing.T) {
	handler := func(c *mockConn) {
		if _, err := c.handshake(ServerInfo{}); err != nil {
			return
		}
		c.sendInfo(ServerInfo{ConnectURLs: []string{"127.0.0.1:4333", "127.0.0.1:4334"}})
		c.serve(nil)
	}

	t.Run("pool grows", func(t *testing.T) {
		server := newMockServer(t, handler)

		found := make(chan []string, 1)
		client := dialMock(t, server, WithDiscoveredServersHandler(func(urls []string) {
			found <- urls
		}))

		select {
		case urls := <-found:
			assert.Equal(t, []string{"127.0.0.1:4333", "127.0.0.1:4334"}, urls)
		case <-time.After(2 * time.Second):
			t.Fatal("discovered servers not reported")
		}

		assert.Equal(t, []string{"nats://127.0.0.1:4333", "nats://127.0.0.1:4334"}, client.DiscoveredServers())
		assert.Len(t, client.ServerPool(), 3)
	})

	t.Run("ignored", func(t *testing.T) {
		server := newMockServer(t, handler)
		client := dialMock(t, server, WithIgnoreDiscoveredServers())

		require.NoError(t, client.FlushTimeout(time.Second))
		assert.Empty(t, client.DiscoveredServers())
		assert.Len(t, client.ServerPool(), 1)
	})
}

func TestLameDuckNotification(t *testing.T) {
	server := newMockServer(t, func(c *mockConn) {
		if _, err := c.handshake(ServerInfo{}); err != nil {
			return
		}
		c.sendInfo(ServerInfo{LameDuckMode: true})
		c.serve(nil)
	})

	lameDuck := make(chan struct{}, 1)
	dialMock(t, server, WithLameDuckHandler(func() { lameDuck <- struct{}{} }))

	select {
	case <-lameDuck:
	case <-time.After(2 * time.Second):
		t.Fatal("lame duck not reported")
	}
}

func TestAsyncInfoUpdatesMaxPayload(t *testing.T) {
	server := newMockServer(t, func(c *mockConn) {
		if _, err := c.handshake(ServerInfo{}); err != nil {
			return
		}
		c.sendInfo(ServerInfo{MaxPayload: 8})
		c.serve(nil)
	})
	client := dialMock(t, server)

	require.NoError(t, client.FlushTimeout(time.Second))
	assert.Equal(t, int64(8), client.MaxPayload())
	assert.ErrorIs(t, client.Publish("a", make([]byte, 9)), ErrMaxPayload)
}

func TestObservers(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	client := dialMock(t, server)

	var kept, removed atomic.Int32
	client.OnClose(func() { panic("observer panic is contained") })
	client.OnClose(func() { kept.Add(1) })
	remove := client.OnClose(func() { removed.Add(1) })
	remove()

	require.NoError(t, client.Close())
	assert.Equal(t, int32(1), kept.Load())
	assert.Zero(t, removed.Load())
}

func TestEventHandlerSeesLifecycle(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))

	var (
		mu     sync.Mutex
		events []error
	)
	client := dialMock(t, server, OnEvent(func(_ *Client, event error) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}))
	require.NoError(t, client.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)

	var ce *ConnectedEvent
	require.ErrorAs(t, events[0], &ce)
	assert.Equal(t, server.URL(), ce.Server)
	assert.ErrorIs(t, events[1], ErrClosed)
}

func TestCloseSemantics(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	rec := &eventRecorder{}
	client := dialMock(t, server, rec.options()...)

	sub, err := client.SubscribeSync("a")
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	assert.Equal(t, StatusClosed, client.Status())
	assert.Equal(t, 1, rec.closeCount())
	assert.Empty(t, rec.disconnectErrors(), "an explicit close is not a disconnect")
	assert.False(t, sub.IsValid())
	assert.Empty(t, client.ConnectedServer())

	assert.ErrorIs(t, client.Publish("a", nil), ErrClientClosed)
	_, err = client.SubscribeSync("a")
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, client.FlushTimeout(time.Second), ErrClientClosed)
}

func TestCloseFromHandler(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	client := dialMock(t, server)

	done := make(chan struct{})
	_, err := client.Subscribe("stop", func(msg *Msg) {
		msg.Sub.client.Close()
		close(done)
	})
	require.NoError(t, err)
	require.NoError(t, client.Publish("stop", nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not close the client")
	}
	assert.True(t, client.IsClosed())
}

func TestCloseWhileObserverRuns(t *testing.T) {
	t.Run("from another goroutine waits for the client", func(t *testing.T) {
		server := newMockServer(t, echoHandler(ServerInfo{}))
		ignore := goleak.IgnoreCurrent()

		entered := make(chan struct{})
		release := make(chan struct{})
		client, err := Dial(
			WithServers(server.URL()),
			WithReconnectWait(time.Second),
			WithDisconnectHandler(func(error) {
				close(entered)
				<-release
			}),
		)
		require.NoError(t, err)

		server.DropAll()
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("disconnect handler not called")
		}

		closed := make(chan struct{})
		go func() {
			client.Close()
			close(closed)
		}()

		select {
		case <-closed:
			t.Fatal("Close returned while the read loop was inside a handler")
		case <-time.After(100 * time.Millisecond):
		}

		close(release)
		select {
		case <-closed:
		case <-time.After(2 * time.Second):
			t.Fatal("Close did not return")
		}
		goleak.VerifyNone(t, ignore)
	})

	t.Run("from the observer itself returns at once", func(t *testing.T) {
		server := newMockServer(t, echoHandler(ServerInfo{}))

		var self atomic.Pointer[Client]
		took := make(chan time.Duration, 1)
		client := dialMock(t, server,
			WithReconnectWait(time.Second),
			WithDisconnectHandler(func(error) {
				start := time.Now()
				self.Load().Close()
				took <- time.Since(start)
			}),
		)
		self.Store(client)

		server.DropAll()
		select {
		case d := <-took:
			assert.Less(t, d, 500*time.Millisecond)
		case <-time.After(2 * time.Second):
			t.Fatal("disconnect handler not called")
		}
		assert.True(t, client.IsClosed())
	})
}

func TestCloseReleasesGoroutines(t *testing.T) {
	server := newMockServer(t, echoHandler(ServerInfo{}))
	ignore := goleak.IgnoreCurrent()

	client, err := Dial(WithServers(server.URL()), WithPingInterval(10*time.Millisecond))
	require.NoError(t, err)

	_, err = client.Subscribe("a", func(*Msg) {})
	require.NoError(t, err)
	_, err = client.SubscribeSync("b")
	require.NoError(t, err)
	require.NoError(t, client.Publish("a", []byte("x")))
	require.NoError(t, client.FlushTimeout(time.Second))

	require.NoError(t, client.Close())
	goleak.VerifyNone(t, ignore)
}

func TestStatusString(t *testing.T) {
	tests := map[Status]string{
		StatusDisconnected: "DISCONNECTED",
		StatusConnecting:   "CONNECTING",
		StatusConnected:    "CONNECTED",
		StatusReconnecting: "RECONNECTING",
		StatusClosed:       "CLOSED",
		Status(42):         "UNKNOWN",
	}
	for status, want := range tests {
		assert.Equal(t, want, status.String())
	}
}

func BenchmarkPublish(b *testing.B) {
	server := newMockServer(b, func(c *mockConn) {
		if _, err := c.handshake(ServerInfo{}); err != nil {
			return
		}
		c.serve(nil)
	})
	client, err := Dial(WithServers(server.URL()))
	require.NoError(b, err)
	defer client.Close()

	payload := make([]byte, 128)
	b.ReportAllocs()
	b.SetBytes(int64(len(payload)))
	for b.Loop() {
		if err := client.Publish("bench.subject", payload); err != nil {
			b.Fatal(err)
		}
	}
}
