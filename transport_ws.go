package gnats

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn presents a WebSocket as a byte stream. Each binary frame is read
// incrementally, so protocol lines may span frames and frames may hold
// several lines.
type WSConn struct {
	ws  *websocket.Conn
	cur io.Reader
}

func newWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

func (c *WSConn) Read(p []byte) (int, error) {
	for {
		if c.cur == nil {
			kind, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				return 0, fmt.Errorf("%w: websocket message type %d", ErrProtocol, kind)
			}
			c.cur = r
		}

		n, err := c.cur.Read(p)
		if errors.Is(err, io.EOF) {
			c.cur = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

// Write sends b as one binary frame.
func (c *WSConn) Write(b []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *WSConn) Close() error                       { return c.ws.Close() }
func (c *WSConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *WSConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *WSConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *WSConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func (c *WSConn) SetDeadline(t time.Time) error {
	return errors.Join(c.ws.SetReadDeadline(t), c.ws.SetWriteDeadline(t))
}

// WSDialer reaches servers over ws:// and wss:// endpoints.
type WSDialer struct {
	Dialer *websocket.Dialer
	Header http.Header // sent with the upgrade request
}

func (d *WSDialer) Dial(ctx context.Context, address string) (Conn, error) {
	wd := cmp.Or(d.Dialer, websocket.DefaultDialer)

	ws, resp, err := wd.DialContext(ctx, address, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket upgrade to %s: %s: %w", address, resp.Status, err)
		}
		return nil, err
	}
	return newWSConn(ws), nil
}

// NewWSDialer returns a WSDialer with 32KiB frame buffers.
func NewWSDialer() *WSDialer {
	return &WSDialer{
		Dialer: &websocket.Dialer{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},
	}
}

// SetProxy tunnels the WebSocket handshake through proxyURL.
func (d *WSDialer) SetProxy(proxyURL *url.URL) {
	d.Dialer.Proxy = http.ProxyURL(proxyURL)
}

// SetProxyFromEnvironment picks the proxy from HTTP_PROXY, HTTPS_PROXY and NO_PROXY.
func (d *WSDialer) SetProxyFromEnvironment() {
	d.Dialer.Proxy = http.ProxyFromEnvironment
}
