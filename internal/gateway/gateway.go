package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/agrivision-core/internal/infrastructure/logging"
)

// Policy decides what Send does when a subscriber queue is full.
type Policy string

const (
	// PolicyDropOldest evicts the oldest queued message to make room.
	PolicyDropOldest Policy = "drop_oldest"

	// PolicyBlock waits for room, up to BlockTimeout, then drops the new
	// message.
	PolicyBlock Policy = "block"
)

const (
	defaultInboundSize  = 64
	defaultOutboundSize = 10
	defaultBlockTimeout = time.Second
)

// Options configure a Gateway. Zero values select the defaults.
type Options struct {
	InboundSize  int
	OutboundSize int
	Policy       Policy
	BlockTimeout time.Duration
	Logger       *logging.Logger
}

// Gateway is the message bus between transports and the orchestrator.
//
// Requests flow through one bounded FIFO that the orchestrator drains with
// Recv. Reports are broadcast to every Subscription, each with its own
// bounded queue, so a slow consumer never stalls the others.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Gateway struct {
	inbound chan Incoming
	opts    Options
	logger  *logging.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	dropped atomic.Uint64
}

// New creates a gateway.
func New(opts Options) *Gateway {
	if opts.InboundSize <= 0 {
		opts.InboundSize = defaultInboundSize
	}
	if opts.OutboundSize <= 0 {
		opts.OutboundSize = defaultOutboundSize
	}
	if opts.Policy == "" {
		opts.Policy = PolicyDropOldest
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = defaultBlockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	return &Gateway{
		inbound: make(chan Incoming, opts.InboundSize),
		opts:    opts,
		logger:  opts.Logger.Component("gateway"),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Push queues a request from an external transport. It never blocks.
//
// Returns:
//   - error: ErrInboundFull when the queue has no room
func (g *Gateway) Push(msg Incoming) error {
	select {
	case g.inbound <- msg:
		return nil
	default:
		g.logger.Warn("inbound queue full, request rejected", "type", msg.Type())
		return ErrInboundFull
	}
}

// SendMyself queues a request from the orchestrator to itself. It shares
// the inbound queue with Push and likewise never blocks, so the consumer
// cannot deadlock on its own queue.
func (g *Gateway) SendMyself(msg Incoming) error {
	select {
	case g.inbound <- msg:
		return nil
	default:
		return ErrInboundFull
	}
}

// Recv blocks until a request is queued or ctx is done. Requests are
// returned in the order they were queued.
func (g *Gateway) Recv(ctx context.Context) (Incoming, error) {
	select {
	case msg := <-g.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send broadcasts msg to every subscriber.
func (g *Gateway) Send(msg Outgoing) {
	g.mu.RLock()
	subs := make([]*Subscription, 0, len(g.subs))
	for s := range g.subs {
		subs = append(subs, s)
	}
	g.mu.RUnlock()

	for _, s := range subs {
		if !s.deliver(msg, g.opts.Policy, g.opts.BlockTimeout) {
			g.dropped.Add(1)
		}
	}
}

// Subscribe registers a new report consumer.
func (g *Gateway) Subscribe() *Subscription {
	s := &Subscription{
		ch:   make(chan Outgoing, g.opts.OutboundSize),
		done: make(chan struct{}),
	}
	g.mu.Lock()
	g.subs[s] = struct{}{}
	g.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its channel. Calling it twice is a no-op.
func (g *Gateway) Unsubscribe(s *Subscription) {
	g.mu.Lock()
	delete(g.subs, s)
	g.mu.Unlock()
	s.close()
}

// SubscriberCount returns the number of registered subscribers.
func (g *Gateway) SubscriberCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.subs)
}

// Dropped returns how many reports were discarded because a subscriber
// queue was full.
func (g *Gateway) Dropped() uint64 {
	return g.dropped.Load()
}

// Pending returns the number of queued requests.
func (g *Gateway) Pending() int {
	return len(g.inbound)
}

// Subscription is one consumer's view of the report stream.
type Subscription struct {
	ch   chan Outgoing
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	closed bool
}

// C returns the report channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan Outgoing {
	return s.ch
}

// Recv waits for the next report. ok is false once the subscription is
// closed or ctx is done.
func (s *Subscription) Recv(ctx context.Context) (msg Outgoing, ok bool) {
	select {
	case msg, ok = <-s.ch:
		return msg, ok
	case <-ctx.Done():
		return nil, false
	}
}

// deliver reports whether msg was queued without dropping anything.
func (s *Subscription) deliver(msg Outgoing, policy Policy, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}

	select {
	case s.ch <- msg:
		return true
	default:
	}

	if policy == PolicyBlock {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case s.ch <- msg:
			return true
		case <-timer.C:
			return false
		case <-s.done:
			return true
		}
	}

	// Drop oldest. The consumer may drain concurrently, so retry until the
	// send lands.
	for {
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- msg:
			return false
		default:
		}
	}
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
