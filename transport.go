package gnats

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Conn represents a network connection to a NATS server.
type Conn interface {
	net.Conn
}

// Dialer establishes connections to NATS servers.
type Dialer interface {
	// Dial connects to the address with the given context.
	Dial(ctx context.Context, address string) (Conn, error)
}

// TCPDialer connects to NATS servers over TCP.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration

	// Proxy tunnels the connection when set.
	Proxy *ProxyDialer
}

// Dial connects to the address.
func (d *TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	if d.Proxy != nil {
		return d.Proxy.DialContext(ctx, "tcp", address)
	}
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", address)
}

// TLSDialer connects to NATS servers with TLS from the first byte.
type TLSDialer struct {
	// Config is the TLS configuration.
	Config *tls.Config

	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration

	// Proxy tunnels the connection when set.
	Proxy *ProxyDialer
}

// Dial connects to the address and completes the TLS handshake.
func (d *TLSDialer) Dial(ctx context.Context, address string) (Conn, error) {
	raw, err := (&TCPDialer{Timeout: d.Timeout, Proxy: d.Proxy}).Dial(ctx, address)
	if err != nil {
		return nil, err
	}

	host, _, _ := net.SplitHostPort(address)
	tlsConn := tls.Client(raw, tlsConfigFor(d.Config, host))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	return tlsConn, nil
}

// secureScheme reports whether the transport itself encrypts the session,
// which makes the in-band TLS upgrade after INFO unnecessary.
func secureScheme(scheme string) bool {
	switch scheme {
	case "wss", "quic":
		return true
	default:
		return false
	}
}

// dialParams are the per-client inputs of dialerFor.
type dialParams struct {
	tlsConfig      *tls.Config // nil when TLS is not configured
	proxy          *ProxyDialer
	timeout        time.Duration
	handshakeFirst bool
}

// dialerFor picks the transport for an endpoint URL and the address to dial.
func dialerFor(u *url.URL, p dialParams) (Dialer, string, error) {
	switch u.Scheme {
	case "nats", "tcp", "tls":
		if p.handshakeFirst {
			return &TLSDialer{Config: p.tlsConfig, Timeout: p.timeout, Proxy: p.proxy}, u.Host, nil
		}
		// The server speaks plaintext INFO first, the upgrade happens in-band.
		return &TCPDialer{Timeout: p.timeout, Proxy: p.proxy}, u.Host, nil
	case "ws", "wss":
		d := NewWSDialer()
		if p.tlsConfig != nil {
			d.Dialer.TLSClientConfig = tlsConfigFor(p.tlsConfig, u.Hostname())
		}
		if p.proxy != nil {
			d.SetProxy(p.proxy.URL())
		}
		d.Dialer.HandshakeTimeout = p.timeout
		return d, redactURL(u), nil
	case "quic":
		return NewQUICDialer(tlsConfigFor(p.tlsConfig, u.Hostname())), u.Host, nil
	default:
		return nil, "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
}
