package gnats

import (
	"bytes"
	"cmp"
	"fmt"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

type eventKind uint8

const (
	eventError eventKind = iota + 1
	eventClose
	eventDisconnect
	eventReconnect
	eventConnected
	eventReconnecting
	eventDiscovered
	eventLameDuck
)

// event is one queued notification. err is what the catch-all handler sees.
type event struct {
	kind    eventKind
	err     error
	servers []string
}

type observer[F any] struct {
	id uint64
	fn F
}

// observerSet is a set of callbacks delivered in registration order.
type observerSet[F any] struct {
	m *xsync.Map[uint64, F]
}

func newObserverSet[F any]() observerSet[F] {
	return observerSet[F]{m: xsync.NewMap[uint64, F]()}
}

func (s observerSet[F]) snapshot() []observer[F] {
	out := make([]observer[F], 0, s.m.Size())
	s.m.Range(func(id uint64, fn F) bool {
		out = append(out, observer[F]{id: id, fn: fn})
		return true
	})
	slices.SortFunc(out, func(a, b observer[F]) int { return cmp.Compare(a.id, b.id) })
	return out
}

// eventBus serializes lifecycle notifications.
// Events are queued while the client state lock is held and delivered in
// queue order by whichever goroutine drains first. A callback that triggers
// another event only queues it, so callbacks never nest or deadlock.
type eventBus struct {
	client *Client
	logger Logger
	nextID atomic.Uint64

	onEvent     EventHandler
	errors      observerSet[func(error)]
	closes      observerSet[func()]
	disconnects observerSet[func(error)]
	reconnects  observerSet[func(*Client)]
	discoveries observerSet[func([]string)]
	lameDucks   observerSet[func()]

	mu       sync.Mutex
	queue    []event
	draining bool
	drainer  uint64 // goroutine delivering events while draining
}

func newEventBus(logger Logger, onEvent EventHandler) *eventBus {
	return &eventBus{
		logger:      logger,
		onEvent:     onEvent,
		errors:      newObserverSet[func(error)](),
		closes:      newObserverSet[func()](),
		disconnects: newObserverSet[func(error)](),
		reconnects:  newObserverSet[func(*Client)](),
		discoveries: newObserverSet[func([]string)](),
		lameDucks:   newObserverSet[func()](),
	}
}

func addObserver[F any](b *eventBus, set observerSet[F], fn F) func() {
	id := b.nextID.Add(1)
	set.m.Store(id, fn)
	return func() { set.m.Delete(id) }
}

func (b *eventBus) enqueue(ev event) {
	b.mu.Lock()
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
}

// inCallback reports whether the calling goroutine is the one delivering
// events, that is whether it runs inside an observer.
func (b *eventBus) inCallback() bool {
	id := goroutineID()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.draining && b.drainer == id
}

// drain delivers queued events until the queue is empty.
// It returns immediately when another goroutine is already draining.
func (b *eventBus) drain() {
	b.mu.Lock()
	if b.draining || len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	id := goroutineID()
	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining, b.drainer = true, id

	for len(b.queue) > 0 {
		ev := b.queue[0]
		b.queue[0] = event{}
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.deliver(ev)

		b.mu.Lock()
	}

	b.queue = nil
	b.draining = false
	b.drainer = 0
	b.mu.Unlock()
}

// publish queues and delivers in one step. Use it only when no state
// transition has to be ordered against the event.
func (b *eventBus) publish(ev event) {
	b.enqueue(ev)
	b.drain()
}

func (b *eventBus) deliver(ev event) {
	switch ev.kind {
	case eventError:
		for _, o := range b.errors.snapshot() {
			b.safely("error", func() { o.fn(ev.err) })
		}
	case eventClose:
		for _, o := range b.closes.snapshot() {
			b.safely("close", o.fn)
		}
	case eventDisconnect:
		for _, o := range b.disconnects.snapshot() {
			b.safely("disconnect", func() { o.fn(ev.err) })
		}
	case eventReconnect:
		for _, o := range b.reconnects.snapshot() {
			b.safely("reconnect", func() { o.fn(b.client) })
		}
	case eventDiscovered:
		for _, o := range b.discoveries.snapshot() {
			b.safely("discovered servers", func() { o.fn(ev.servers) })
		}
	case eventLameDuck:
		for _, o := range b.lameDucks.snapshot() {
			b.safely("lame duck", o.fn)
		}
	}

	if b.onEvent != nil && ev.err != nil {
		b.safely("event", func() { b.onEvent(b.client, ev.err) })
	}
}

// goroutineID returns the id of the calling goroutine as printed in its
// stack trace header.
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// safely runs an observer and logs instead of crashing on panic.
func (b *eventBus) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("callback panicked", LogFields{
				"callback":    name,
				LogFieldError: fmt.Sprint(r),
			})
		}
	}()
	fn()
}
