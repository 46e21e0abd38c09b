package gnats

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"
)

// testCert bundles a self-signed certificate with its PEM files on disk.
type testCert struct {
	cert     tls.Certificate
	pool     *x509.CertPool
	certFile string
	keyFile  string
	caFile   string
}

func generateTestCertificate(t testing.TB) testCert {
	t.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	certPool := x509.NewCertPool()
	certPool.AppendCertsFromPEM(certPEM)

	dir := t.TempDir()
	tc := testCert{
		cert:     cert,
		pool:     certPool,
		certFile: filepath.Join(dir, "cert.pem"),
		keyFile:  filepath.Join(dir, "key.pem"),
		caFile:   filepath.Join(dir, "ca.pem"),
	}
	require.NoError(t, os.WriteFile(tc.certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(tc.keyFile, keyPEM, 0o600))
	require.NoError(t, os.WriteFile(tc.caFile, certPEM, 0o600))

	return tc
}

func (tc testCert) serverConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{tc.cert},
		MinVersion:   tls.VersionTLS12,
	}
}

// mockServer is a scripted NATS server on a raw TCP socket.
// Each accepted connection runs handle on its own goroutine.
type mockServer struct {
	t        testing.TB
	listener net.Listener
	handle   func(*mockConn)

	mu    sync.Mutex
	conns []*mockConn
	wg    sync.WaitGroup
}

func newMockServer(t testing.TB, handle func(*mockConn)) *mockServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &mockServer{t: t, listener: ln, handle: handle}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

func (s *mockServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		mc := &mockConn{conn: conn, r: bufio.NewReader(conn)}
		s.mu.Lock()
		s.conns = append(s.conns, mc)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handle(mc)
		}()
	}
}

func (s *mockServer) URL() string {
	return "nats://" + s.listener.Addr().String()
}

func (s *mockServer) HostPort() string {
	return s.listener.Addr().String()
}

// DropAll closes every accepted connection.
func (s *mockServer) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.conn.Close()
	}
	s.conns = nil
}

func (s *mockServer) Close() {
	s.listener.Close()
	s.DropAll()
	s.wg.Wait()
}

// mockConn is the server side of one client connection.
type mockConn struct {
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

func (c *mockConn) send(s string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write([]byte(s))
	return err
}

func (c *mockConn) sendInfo(info ServerInfo) error {
	if info.ServerID == "" {
		info.ServerID = "MOCK"
	}
	if info.MaxPayload == 0 {
		info.MaxPayload = 1024 * 1024
	}
	info.Proto = 1
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return c.send("INFO " + string(data) + "\r\n")
}

func (c *mockConn) sendMsg(subject string, sid uint64, reply string, payload []byte) error {
	if reply != "" {
		return c.send(fmt.Sprintf("MSG %s %d %s %d\r\n%s\r\n", subject, sid, reply, len(payload), payload))
	}
	return c.send(fmt.Sprintf("MSG %s %d %d\r\n%s\r\n", subject, sid, len(payload), payload))
}

// readLine returns the next control line without CRLF.
func (c *mockConn) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readPayload reads the payload announced by a PUB line already read.
func (c *mockConn) readPayload(line string) ([]byte, error) {
	fields := strings.Fields(line)
	size, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size+2)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf[:size], nil
}

// handshake sends INFO, reads CONNECT and answers the first PING.
// It returns the decoded CONNECT payload.
func (c *mockConn) handshake(info ServerInfo) (map[string]any, error) {
	if err := c.sendInfo(info); err != nil {
		return nil, err
	}
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "CONNECT ") {
		return nil, fmt.Errorf("expected CONNECT, got %q", line)
	}
	var connect map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "CONNECT ")), &connect); err != nil {
		return nil, err
	}
	line, err = c.readLine()
	if err != nil {
		return nil, err
	}
	if line != "PING" {
		return nil, fmt.Errorf("expected PING, got %q", line)
	}
	return connect, c.send("PONG\r\n")
}

// serve answers PINGs and reports every other line to onLine until the
// connection closes. PUB payloads are consumed and passed along.
func (c *mockConn) serve(onLine func(line string, payload []byte)) {
	for {
		line, err := c.readLine()
		if err != nil {
			return
		}
		switch {
		case line == "PING":
			if c.send("PONG\r\n") != nil {
				return
			}
		case strings.HasPrefix(line, "PUB "):
			payload, err := c.readPayload(line)
			if err != nil {
				return
			}
			if onLine != nil {
				onLine(line, payload)
			}
		default:
			if onLine != nil {
				onLine(line, nil)
			}
		}
	}
}

// echoHandler completes the handshake and echoes every PUB back as MSG to
// each SUB whose pattern matches.
func echoHandler(info ServerInfo) func(*mockConn) {
	return echoHandlerWithHook(info, nil)
}

// lineLog collects the protocol lines a mock server received.
type lineLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLog) add(line string) {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
}

// withPrefix returns the recorded lines starting with prefix.
func (l *lineLog) withPrefix(prefix string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, line := range l.lines {
		if strings.HasPrefix(line, prefix) {
			out = append(out, line)
		}
	}
	return out
}

// echoHandlerWithHook is echoHandler that reports every line after the
// handshake to hook before acting on it.
func echoHandlerWithHook(info ServerInfo, hook func(line string)) func(*mockConn) {
	return func(c *mockConn) {
		if _, err := c.handshake(info); err != nil {
			return
		}

		type sub struct {
			subject string
			sid     uint64
		}
		var subs []sub

		c.serve(func(line string, payload []byte) {
			if hook != nil {
				hook(line)
			}
			fields := strings.Fields(line)
			switch fields[0] {
			case "SUB":
				var sid uint64
				fmt.Sscanf(fields[len(fields)-1], "%d", &sid)
				subs = append(subs, sub{subject: fields[1], sid: sid})
			case "UNSUB":
				var sid uint64
				fmt.Sscanf(fields[1], "%d", &sid)
				for i, s := range subs {
					if s.sid == sid {
						subs = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			case "PUB":
				reply := ""
				if len(fields) == 4 {
					reply = fields[2]
				}
				for _, s := range subs {
					if SubjectMatch(s.subject, fields[1]) {
						c.sendMsg(fields[1], s.sid, reply, payload)
					}
				}
			}
		})
	}
}

// startNATSServer runs an embedded nats-server for integration tests.
func startNATSServer(t testing.TB, opts *server.Options) *server.Server {
	t.Helper()

	if testing.Short() {
		t.Skip("embedded server tests skipped in short mode")
	}

	if opts == nil {
		opts = &server.Options{}
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = -1
	}
	opts.NoLog = true
	opts.NoSigs = true

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded server not ready")
	}

	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

// startNATSCluster runs n routed embedded servers and waits for the routes.
func startNATSCluster(t testing.TB, n int) []*server.Server {
	t.Helper()

	seed := startNATSServer(t, &server.Options{
		ServerName: "node-0",
		Cluster:    server.ClusterOpts{Name: "test", Host: "127.0.0.1", Port: -1},
	})
	servers := []*server.Server{seed}

	routes := server.RoutesFromStr(fmt.Sprintf("nats://127.0.0.1:%d", seed.ClusterAddr().Port))
	for i := 1; i < n; i++ {
		servers = append(servers, startNATSServer(t, &server.Options{
			ServerName: fmt.Sprintf("node-%d", i),
			Cluster:    server.ClusterOpts{Name: "test", Host: "127.0.0.1", Port: -1},
			Routes:     routes,
		}))
	}

	require.Eventually(t, func() bool {
		for _, s := range servers {
			if s.NumRoutes() < n-1 {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond, "cluster routes not established")

	return servers
}
