package gnats

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
)

// QUICProtocol is the ALPN protocol negotiated for NATS over QUIC.
const QUICProtocol = "nats"

// QUICConn is one bidirectional stream of a QUIC connection. Stream methods
// (Read, Write and the deadlines) are promoted; closing it closes the
// whole connection.
type QUICConn struct {
	*quic.Stream
	conn      *quic.Conn
	closeOnce sync.Once
	closeErr  error
}

func newQUICConn(conn *quic.Conn, stream *quic.Stream) *QUICConn {
	return &QUICConn{Stream: stream, conn: conn}
}

func (c *QUICConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.Stream.Close(), c.conn.CloseWithError(0, ""))
	})
	return c.closeErr
}

func (c *QUICConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *QUICConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// QUICDialer reaches servers over quic:// endpoints. QUIC mandates TLS 1.3
// and the "nats" ALPN protocol; both are enforced on whatever TLSConfig is
// given. The server speaks first, so it opens the stream and Dial accepts it.
type QUICDialer struct {
	TLSConfig  *tls.Config
	QUICConfig *quic.Config
}

func quicTLS(cfg *tls.Config) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if len(cfg.NextProtos) > 0 && cfg.MinVersion >= tls.VersionTLS13 {
		return cfg
	}
	cfg = cfg.Clone()
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{QUICProtocol}
	}
	cfg.MinVersion = tls.VersionTLS13
	return cfg
}

// Dial connects to address, given as host:port.
func (d *QUICDialer) Dial(ctx context.Context, address string) (Conn, error) {
	qc, err := quic.DialAddr(ctx, address, quicTLS(d.TLSConfig), d.QUICConfig)
	if err != nil {
		return nil, err
	}

	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		qc.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("accept stream from %s: %w", address, err)
	}
	return newQUICConn(qc, stream), nil
}

func NewQUICDialer(tlsConfig *tls.Config) *QUICDialer {
	return &QUICDialer{TLSConfig: quicTLS(tlsConfig)}
}
