package router

import (
	"regexp"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/vitalvas/gnats"
)

// Match results are cached per subject.
const (
	matchCacheSize = 1024
	matchCacheTTL  = 10 * time.Minute
)

// Handler processes a NATS message.
type Handler func(msg *gnats.Msg)

// Condition defines filtering criteria for message routing.
type Condition struct {
	subjectFilter *string
	subjectRegexp *regexp.Regexp
	replyRegexp   *regexp.Regexp
	requestOnly   bool
}

// ConditionOption configures a Condition.
type ConditionOption func(*Condition)

// WithSubjectFilter sets the subject pattern for message matching.
// Supports NATS wildcards: * (single token) and > (remaining tokens).
func WithSubjectFilter(filter string) ConditionOption {
	return func(c *Condition) {
		c.subjectFilter = &filter
	}
}

// WithSubjectRegexp filters messages by subject regexp pattern.
func WithSubjectRegexp(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.subjectRegexp = pattern
	}
}

// WithReplyRegexp filters messages by reply subject regexp pattern.
func WithReplyRegexp(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.replyRegexp = pattern
	}
}

// WithRequestOnly matches only messages that carry a reply subject.
func WithRequestOnly() ConditionOption {
	return func(c *Condition) {
		c.requestOnly = true
	}
}

// registration holds a handler with its conditions.
type registration struct {
	handler   Handler
	condition Condition
}

// Router dispatches messages to handlers based on conditions.
type Router struct {
	mu       sync.RWMutex
	handlers []registration

	// subject -> indexes of handlers whose subject conditions match
	cache *expirable.LRU[string, []int]
}

// New creates a new Router.
func New() *Router {
	return &Router{
		handlers: make([]registration, 0),
		cache:    expirable.NewLRU[string, []int](matchCacheSize, nil, matchCacheTTL),
	}
}

// Handle registers a handler with optional conditions.
//
// Examples:
//
//	r.Handle(handler, WithSubjectFilter("orders.>"))
//	r.Handle(handler, WithSubjectFilter("orders.*"), WithRequestOnly())
//	r.Handle(handler, WithSubjectRegexp(regexp.MustCompile(`^orders\.[0-9]+$`)))
func (r *Router) Handle(handler Handler, opts ...ConditionOption) {
	var cond Condition
	for _, opt := range opts {
		opt(&cond)
	}

	r.mu.Lock()
	r.handlers = append(r.handlers, registration{
		handler:   handler,
		condition: cond,
	})
	r.cache.Purge()
	r.mu.Unlock()
}

// matchesSubject checks the conditions that depend on the subject only.
func (c *Condition) matchesSubject(subject string) bool {
	if c.subjectFilter != nil && !gnats.SubjectMatch(*c.subjectFilter, subject) {
		return false
	}
	if c.subjectRegexp != nil && !c.subjectRegexp.MatchString(subject) {
		return false
	}
	return true
}

// matchesMsg checks the per-message conditions.
func (c *Condition) matchesMsg(msg *gnats.Msg) bool {
	if c.requestOnly && msg.Reply == "" {
		return false
	}
	if c.replyRegexp != nil && !c.replyRegexp.MatchString(msg.Reply) {
		return false
	}
	return true
}

// candidates returns the handlers whose subject conditions match.
// Callers hold r.mu.
func (r *Router) candidates(subject string) []int {
	if idx, ok := r.cache.Get(subject); ok {
		return idx
	}

	var idx []int
	for i, reg := range r.handlers {
		if reg.condition.matchesSubject(subject) {
			idx = append(idx, i)
		}
	}
	r.cache.Add(subject, idx)
	return idx
}

// Route dispatches a message to all matching handlers.
// Multiple handlers may be called if multiple conditions match.
func (r *Router) Route(msg *gnats.Msg) {
	if msg == nil {
		return
	}

	r.mu.RLock()
	var matched []Handler
	for _, i := range r.candidates(msg.Subject) {
		reg := r.handlers[i]
		if reg.condition.matchesMsg(msg) {
			matched = append(matched, reg.handler)
		}
	}
	r.mu.RUnlock()

	for _, handler := range matched {
		handler(msg)
	}
}

// Filters returns all unique registered subject filters.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, reg := range r.handlers {
		if reg.condition.subjectFilter != nil {
			seen[*reg.condition.subjectFilter] = struct{}{}
		}
	}

	filters := make([]string, 0, len(seen))
	for filter := range seen {
		filters = append(filters, filter)
	}
	return filters
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Clear removes all handlers.
func (r *Router) Clear() {
	r.mu.Lock()
	r.handlers = r.handlers[:0]
	r.cache.Purge()
	r.mu.Unlock()
}

// MessageHandler returns a handler function compatible with gnats.MsgHandler.
// Use this with client.Subscribe() or as a general message dispatcher.
func (r *Router) MessageHandler() gnats.MsgHandler {
	return func(msg *gnats.Msg) {
		r.Route(msg)
	}
}
