package gnats

import (
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultPort is the standard NATS client port.
const DefaultPort = "4222"

// ServerEndpoint is one known server address and its connection history.
type ServerEndpoint struct {
	URL         *url.URL
	Discovered  bool
	Reconnects  int
	LastAttempt time.Time
}

// String returns the endpoint URI without credentials.
func (e *ServerEndpoint) String() string {
	return redactURL(e.URL)
}

// HostPort returns the identity of the endpoint.
func (e *ServerEndpoint) HostPort() string {
	return e.URL.Host
}

// ServerPool is the ordered set of known servers.
// Configured servers come first, discovered servers are appended in the
// order they are announced. The connected server is moved to the front.
type ServerPool struct {
	mu          sync.Mutex
	endpoints   []*ServerEndpoint
	current     *ServerEndpoint
	randomize   bool
	maxAttempts int // -1 means unlimited
}

// NewServerPool creates a pool from configured server URIs.
func NewServerPool(uris []string, randomize bool, maxAttempts int) (*ServerPool, error) {
	p := &ServerPool{
		randomize:   randomize,
		maxAttempts: maxAttempts,
	}

	for _, uri := range uris {
		if _, err := p.Add(uri, false); err != nil {
			return nil, err
		}
	}

	if len(p.endpoints) == 0 {
		return nil, ErrNoServers
	}

	// Shuffling configured servers once spreads clients across the cluster.
	if randomize && len(p.endpoints) > 1 {
		rand.Shuffle(len(p.endpoints), func(i, j int) {
			p.endpoints[i], p.endpoints[j] = p.endpoints[j], p.endpoints[i]
		})
	}

	return p, nil
}

// Add inserts a server unless one with the same host:port is already known.
// It reports whether the endpoint was added.
func (p *ServerPool) Add(uri string, discovered bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	scheme := "nats"
	if p.current != nil {
		scheme = p.current.URL.Scheme
	}

	u, err := parseServerURL(uri, scheme)
	if err != nil {
		return false, err
	}

	for _, ep := range p.endpoints {
		if ep.URL.Host == u.Host {
			return false, nil
		}
	}

	p.endpoints = append(p.endpoints, &ServerEndpoint{URL: u, Discovered: discovered})
	return true, nil
}

// Round returns the endpoints to try during one reconnection round.
// The current endpoint is tried last. Endpoints that used up their
// reconnect attempts are skipped. An empty result means the pool is exhausted.
func (p *ServerPool) Round() []*ServerEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	round := make([]*ServerEndpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if ep == p.current || !p.reachable(ep) {
			continue
		}
		round = append(round, ep)
	}

	if p.randomize && len(round) > 1 {
		rand.Shuffle(len(round), func(i, j int) {
			round[i], round[j] = round[j], round[i]
		})
	}

	if p.current != nil && p.reachable(p.current) {
		round = append(round, p.current)
	}

	return round
}

// Endpoints returns every endpoint in pool order, ignoring attempt counts.
// The initial connect walks this list once.
func (p *ServerPool) Endpoints() []*ServerEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ServerEndpoint(nil), p.endpoints...)
}

func (p *ServerPool) reachable(ep *ServerEndpoint) bool {
	return p.maxAttempts < 0 || ep.Reconnects < p.maxAttempts
}

// MarkAttempt records a reconnection attempt against an endpoint.
func (p *ServerPool) MarkAttempt(ep *ServerEndpoint) {
	p.mu.Lock()
	ep.Reconnects++
	ep.LastAttempt = time.Now()
	p.mu.Unlock()
}

// Touch records an attempt time without counting it against the ceiling.
func (p *ServerPool) Touch(ep *ServerEndpoint) {
	p.mu.Lock()
	ep.LastAttempt = time.Now()
	p.mu.Unlock()
}

// ResetAttempts clears the reconnect counter after a successful connect.
func (p *ServerPool) ResetAttempts(ep *ServerEndpoint) {
	p.mu.Lock()
	ep.Reconnects = 0
	p.mu.Unlock()
}

// SetCurrent marks ep as the connected endpoint and rotates the pool so it
// comes first. The cyclic order of the other endpoints is kept.
func (p *ServerPool) SetCurrent(ep *ServerEndpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i := slices.Index(p.endpoints, ep); i > 0 {
		p.endpoints = slices.Concat(p.endpoints[i:], p.endpoints[:i])
	}
	p.current = ep
}

// Snapshot returns a copy of ep taken under the pool lock.
func (p *ServerPool) Snapshot(ep *ServerEndpoint) ServerEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *ep
}

// Servers returns a snapshot of the pool in order.
func (p *ServerPool) Servers() []ServerEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ServerEndpoint, len(p.endpoints))
	for i, ep := range p.endpoints {
		out[i] = *ep
	}
	return out
}

// Discovered returns the URIs learned from the cluster.
func (p *ServerPool) Discovered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []string
	for _, ep := range p.endpoints {
		if ep.Discovered {
			out = append(out, ep.String())
		}
	}
	return out
}

// Len returns the number of known endpoints.
func (p *ServerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// parseServerURL normalizes "host", "host:port" and full URIs.
func parseServerURL(uri, defaultScheme string) (*url.URL, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, fmt.Errorf("%w: empty server URL", ErrNoServers)
	}

	if !strings.Contains(uri, "://") {
		uri = defaultScheme + "://" + uri
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", uri, err)
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid server URL %q: missing host", uri)
	}

	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), defaultPortForScheme(u.Scheme))
	}

	return u, nil
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "ws":
		return "80"
	case "wss":
		return "443"
	default:
		return DefaultPort
	}
}

// redactURL drops credentials from a server URL.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.User == nil {
		return u.String()
	}
	clean := *u
	clean.User = nil
	return clean.String()
}
