package gnats

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// MsgHandler handles messages delivered to a subscription.
type MsgHandler func(msg *Msg)

// Default per-subscription pending limits.
const (
	DefaultSubPendingMsgsLimit  = 65536
	DefaultSubPendingBytesLimit = 64 * 1024 * 1024
)

// Subscription is one local interest in a subject.
// Messages are queued per subscription and handed to the handler on a
// dedicated goroutine, one at a time and in arrival order.
type Subscription struct {
	client  *Client
	sid     uint64
	subject string
	queue   string
	handler MsgHandler

	mu           sync.Mutex
	pending      []*Msg
	pendingBytes int
	msgsLimit    int
	bytesLimit   int
	signal       chan struct{}
	done         chan struct{}
	closed       bool
	draining     bool // deliver what is queued, then close
	slow         bool
	received     uint64
	delivered    uint64
	dropped      uint64
	max          uint64
}

func newSubscription(c *Client, subject, queue string, handler MsgHandler) *Subscription {
	return &Subscription{
		client:     c,
		subject:    subject,
		queue:      queue,
		handler:    handler,
		msgsLimit:  c.options.subPendingMsgs,
		bytesLimit: c.options.subPendingBytes,
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// SID returns the subscription id. It does not change across reconnects.
func (s *Subscription) SID() uint64 { return s.sid }

// Subject returns the subject pattern.
func (s *Subscription) Subject() string { return s.subject }

// Queue returns the queue group, or "" for a plain subscription.
func (s *Subscription) Queue() string { return s.queue }

// IsValid reports whether the subscription still receives messages.
func (s *Subscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.draining
}

// Delivered returns the number of messages handed to the application.
func (s *Subscription) Delivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Dropped returns the number of messages dropped because the subscription
// exceeded its pending limits.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Pending returns the queued message count and bytes.
func (s *Subscription) Pending() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), s.pendingBytes
}

// SetPendingLimits sets the queue limits. Zero or less disables a limit.
func (s *Subscription) SetPendingLimits(msgs, bytes int) {
	s.mu.Lock()
	s.msgsLimit, s.bytesLimit = msgs, bytes
	s.mu.Unlock()
}

// Unsubscribe removes the subscription. Queued messages are discarded.
// Calling it again is a no-op.
func (s *Subscription) Unsubscribe() error {
	if s.client == nil {
		return ErrBadSubscription
	}
	return s.client.unsubscribe(s, false)
}

// AutoUnsubscribe removes the subscription after max messages in total have
// been received. If max were already received, it is removed immediately.
func (s *Subscription) AutoUnsubscribe(max int) error {
	if max <= 0 {
		return NewClientError("auto unsubscribe", fmt.Errorf("%w: max must be positive", ErrBadSubscription))
	}

	s.mu.Lock()
	if s.closed || s.draining {
		s.mu.Unlock()
		return ErrBadSubscription
	}
	s.max = uint64(max)
	reached := s.received >= s.max
	if reached {
		s.draining = true
		s.wake()
	}
	s.mu.Unlock()

	if reached {
		return s.client.unsubscribe(s, true)
	}
	return nil
}

// NextMsg waits for the next message of a subscription created with SubscribeSync.
func (s *Subscription) NextMsg(ctx context.Context) (*Msg, error) {
	if s.handler != nil {
		return nil, fmt.Errorf("%w: asynchronous subscription", ErrBadSubscription)
	}

	for {
		msg, err := s.next(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, NewTimeoutError("next message", 0)
			}
			return nil, err
		}
		s.client.metrics.MessageReceived(len(msg.Data))
		if msg = applyConsumerInterceptors(s.client.logger, s.client.options.consumerInterceptors, msg); msg != nil {
			return msg, nil
		}
	}
}

type enqueueResult uint8

const (
	enqueued enqueueResult = iota
	enqueuedLast
	droppedClosed
	droppedSlow
	droppedSlowFirst
)

// enqueue queues msg for delivery without blocking.
func (s *Subscription) enqueue(msg *Msg) enqueueResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.draining {
		return droppedClosed
	}

	if (s.msgsLimit > 0 && len(s.pending) >= s.msgsLimit) ||
		(s.bytesLimit > 0 && s.pendingBytes+len(msg.Data) > s.bytesLimit) {
		s.dropped++
		if s.slow {
			return droppedSlow
		}
		s.slow = true
		return droppedSlowFirst
	}

	s.slow = false
	s.received++
	s.pending = append(s.pending, msg)
	s.pendingBytes += len(msg.Data)
	s.wake()

	if s.max > 0 && s.received >= s.max {
		s.draining = true
		return enqueuedLast
	}
	return enqueued
}

// wake signals the consumer. Callers hold s.mu.
func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// next pops the next queued message, waiting until one arrives.
func (s *Subscription) next(ctx context.Context) (*Msg, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrBadSubscription
		}
		if len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
			s.pendingBytes -= len(msg.Data)
			s.delivered++
			s.mu.Unlock()
			return msg, nil
		}
		if s.draining {
			s.closeLocked()
			s.mu.Unlock()
			return nil, ErrBadSubscription
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// deliverLoop runs the handler for every queued message.
func (s *Subscription) deliverLoop() {
	for {
		msg, err := s.next(context.Background())
		if err != nil {
			return
		}

		s.client.metrics.MessageReceived(len(msg.Data))
		msg = applyConsumerInterceptors(s.client.logger, s.client.options.consumerInterceptors, msg)
		if msg == nil {
			continue
		}
		s.invoke(msg)
	}
}

func (s *Subscription) invoke(msg *Msg) {
	defer func() {
		if r := recover(); r != nil {
			s.client.logger.Error("message handler panicked", LogFields{
				LogFieldSubject: msg.Subject,
				LogFieldSID:     s.sid,
				LogFieldError:   fmt.Sprint(r),
			})
		}
	}()
	s.handler(msg)
}

// finish stops accepting messages and closes once the queue is drained.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.draining = true
	s.wake()
	s.mu.Unlock()
}

// close stops delivery and discards queued messages.
func (s *Subscription) close() {
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.pending = nil
	s.pendingBytes = 0
	close(s.done)
}

// interest is one wire-level SUB shared by the local subscriptions with
// the same subject and queue group.
type interest struct {
	sid     uint64
	subject string
	queue   string
	members []*Subscription
	cursor  atomic.Uint64
}

type interestKey struct {
	subject string
	queue   string
}

// subRegistry maps sids to subscriptions and wire sids to interests.
type subRegistry struct {
	mu        sync.RWMutex
	nextSID   atomic.Uint64
	subs      map[uint64]*Subscription
	interests map[uint64]*interest
	byKey     map[interestKey]*interest
}

func newSubRegistry() *subRegistry {
	return &subRegistry{
		subs:      make(map[uint64]*Subscription),
		interests: make(map[uint64]*interest),
		byKey:     make(map[interestKey]*interest),
	}
}

// add assigns a sid to sub and attaches it to the interest for its subject
// and queue. It returns the interest when a new wire SUB is needed.
func (r *subRegistry) add(sub *Subscription) *interest {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub.sid = r.nextSID.Add(1)
	r.subs[sub.sid] = sub

	key := interestKey{subject: sub.subject, queue: sub.queue}
	if in, ok := r.byKey[key]; ok {
		in.members = append(in.members, sub)
		return nil
	}

	in := &interest{
		sid:     sub.sid,
		subject: sub.subject,
		queue:   sub.queue,
		members: []*Subscription{sub},
	}
	r.interests[in.sid] = in
	r.byKey[key] = in
	return in
}

// remove detaches the subscription with sid. It returns the interest's wire
// sid and true when the interest has no members left and needs an UNSUB.
func (r *subRegistry) remove(sid uint64) (*Subscription, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[sid]
	if !ok {
		return nil, 0, false
	}
	delete(r.subs, sid)

	key := interestKey{subject: sub.subject, queue: sub.queue}
	in := r.byKey[key]
	if in == nil {
		return sub, 0, false
	}

	in.members = slices.DeleteFunc(in.members, func(m *Subscription) bool { return m == sub })
	if len(in.members) > 0 {
		return sub, 0, false
	}

	delete(r.byKey, key)
	delete(r.interests, in.sid)
	return sub, in.sid, true
}

// get returns the subscription with sid.
func (r *subRegistry) get(sid uint64) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[sid]
	return sub, ok
}

// route returns the local subscriptions that receive a message sent to the
// interest with wire sid. Plain interests deliver to every member, queue
// interests to exactly one member chosen round-robin.
func (r *subRegistry) route(wireSID uint64, subject string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in, ok := r.interests[wireSID]
	if !ok || len(in.members) == 0 || !SubjectMatch(in.subject, subject) {
		return nil
	}

	if in.queue == "" {
		return slices.Clone(in.members)
	}

	n := in.cursor.Add(1) - 1
	return []*Subscription{in.members[n%uint64(len(in.members))]}
}

// wireInterests returns the interests ordered by wire sid.
func (r *subRegistry) wireInterests() []*interest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*interest, 0, len(r.interests))
	for _, in := range r.interests {
		out = append(out, in)
	}
	slices.SortFunc(out, func(a, b *interest) int { return cmp.Compare(a.sid, b.sid) })
	return out
}

// sids returns the registered subscription ids in ascending order.
func (r *subRegistry) sids() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]uint64, 0, len(r.subs))
	for sid := range r.subs {
		out = append(out, sid)
	}
	slices.Sort(out)
	return out
}

func (r *subRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// clear removes every subscription and returns them.
func (r *subRegistry) clear() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	clear(r.subs)
	clear(r.interests)
	clear(r.byKey)
	return out
}
