// Package logstream fans human-readable run narration out to live
// subscribers. Every subscriber owns its own FIFO queue, so concurrent
// streams never steal lines from each other, and subscribers may scope
// themselves to a single run.
package logstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultBacklog = 256

// ErrClosed is returned by Next once a subscription is closed and drained.
var ErrClosed = errors.New("subscription closed")

// Line is one narration entry.
type Line struct {
	RunID string
	Text  string
	At    time.Time
}

// Config controls broker behavior.
//   - Backlog: number of recent lines replayed to new subscribers (default 256, negative disables).
//   - Logger: optional structured logger for subscription lifecycle.
type Config struct {
	Backlog int
	Logger  *zap.Logger
}

// Broker distributes published lines to every matching subscription. It is
// safe for concurrent use.
type Broker struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	backlog *ring
	logger  *zap.Logger
	now     func() time.Time
}

// NewBroker constructs an idle broker. No goroutines are started; delivery
// happens inline on Publish.
func NewBroker(cfg Config) *Broker {
	size := cfg.Backlog
	if size == 0 {
		size = defaultBacklog
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		subs:    make(map[uint64]*Subscription),
		backlog: newRing(size),
		logger:  logger,
		now:     time.Now,
	}
}

// Publish appends text to the backlog and to the queue of every subscription
// watching runID (or watching all runs). It never blocks on consumers.
func (b *Broker) Publish(runID, text string) {
	if b == nil {
		return
	}
	line := Line{RunID: runID, Text: text, At: b.now().UTC()}
	b.mu.Lock()
	b.backlog.add(line)
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(runID) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.push(line)
	}
}

// Subscribe registers a new subscription. An empty runID receives lines from
// every run. Recent backlog lines matching the scope are queued first.
func (b *Broker) Subscribe(runID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		broker: b,
		id:     b.nextID,
		runID:  runID,
		notify: make(chan struct{}, 1),
	}
	for _, line := range b.backlog.snapshot() {
		if sub.matches(line.RunID) {
			sub.queue = append(sub.queue, line)
		}
	}
	if len(sub.queue) > 0 {
		sub.notify <- struct{}{}
	}
	b.subs[sub.id] = sub
	b.logger.Debug("log stream subscribed",
		zap.Uint64("subscription", sub.id),
		zap.String("run_id", runID),
		zap.Int("replayed", len(sub.queue)),
		zap.Int("subscribers", len(b.subs)),
	)
	return sub
}

// SubscriberCount returns the number of open subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	_, ok := b.subs[id]
	delete(b.subs, id)
	remaining := len(b.subs)
	b.mu.Unlock()
	if ok {
		b.logger.Debug("log stream unsubscribed", zap.Uint64("subscription", id), zap.Int("subscribers", remaining))
	}
}

// Subscription is one consumer's unbounded FIFO view of the broker.
type Subscription struct {
	broker *Broker
	id     uint64
	runID  string

	mu     sync.Mutex
	queue  []Line
	closed bool
	notify chan struct{}
}

func (s *Subscription) matches(runID string) bool {
	return s.runID == "" || s.runID == runID
}

func (s *Subscription) push(line Line) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, line)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a line is available, the subscription is closed, or ctx ends.
func (s *Subscription) Next(ctx context.Context) (Line, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			line := s.queue[0]
			s.queue[0] = Line{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return line, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Line{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return Line{}, fmt.Errorf("wait for log line: %w", ctx.Err())
		case <-s.notify:
		}
	}
}

// Pending returns the number of queued lines.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close detaches the subscription from the broker. Queued lines stay
// readable; Next returns ErrClosed once they are drained.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	s.broker.remove(s.id)
}

// ring keeps the most recent lines in insertion order.
type ring struct {
	entries []Line
	head    int
	count   int
}

func newRing(size int) *ring {
	if size < 0 {
		size = 0
	}
	return &ring{entries: make([]Line, size)}
}

func (r *ring) add(line Line) {
	size := len(r.entries)
	if size == 0 {
		return
	}
	if r.count < size {
		r.entries[(r.head+r.count)%size] = line
		r.count++
		return
	}
	r.entries[r.head] = line
	r.head = (r.head + 1) % size
}

func (r *ring) snapshot() []Line {
	out := make([]Line, r.count)
	for i := range r.count {
		out[i] = r.entries[(r.head+i)%len(r.entries)]
	}
	return out
}
