package transmit

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pingsantohq/monitor/internal/logging"
	"github.com/pingsantohq/monitor/internal/metrics"
	"github.com/pingsantohq/monitor/pkg/types"
)

// DefaultInterval is the cadence at which snapshots are pushed to subscribers.
const DefaultInterval = 500 * time.Millisecond

// Source provides the statistics snapshot to broadcast.
type Source interface {
	Snapshot() []types.PingStat
}

// Sink defines a downstream consumer of snapshots (e.g. a connected client).
type Sink interface {
	Send(ctx context.Context, records []types.StatRecord) error
}

// Observer is notified after every completed push.
type Observer interface {
	ObserveBroadcast(at time.Time)
}

// Option configures a Broadcaster instance.
type Option func(*Broadcaster)

// WithInterval overrides the push cadence.
func WithInterval(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.interval = d
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithMetrics(rec metrics.TransportRecorder) Option {
	return func(b *Broadcaster) {
		if rec != nil {
			b.metrics = rec
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(b *Broadcaster) {
		b.observer = obs
	}
}

func WithNow(now func() time.Time) Option {
	return func(b *Broadcaster) {
		if now != nil {
			b.now = now
		}
	}
}

// Broadcaster periodically reads the statistics snapshot and hands the same
// record list to every subscribed sink. Each sink is written by its own
// goroutine through a single-slot outbox, so a slow client only ever misses
// intermediate snapshots and never delays the others.
type Broadcaster struct {
	source   Source
	interval time.Duration
	logger   *log.Logger
	metrics  metrics.TransportRecorder
	observer Observer
	now      func() time.Time

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	id     string
	sink   Sink
	outbox chan []types.StatRecord
	ctx    context.Context
	cancel context.CancelFunc
}

// offer queues records, replacing a batch the sink has not picked up yet.
func (s *subscriber) offer(records []types.StatRecord) bool {
	select {
	case s.outbox <- records:
		return true
	default:
	}
	select {
	case <-s.outbox:
	default:
	}
	select {
	case s.outbox <- records:
		return true
	default:
		return false
	}
}

// New constructs a Broadcaster reading from source.
func New(source Source, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		source:   source,
		interval: DefaultInterval,
		logger:   logging.Discard(),
		metrics:  metrics.NoopTransportRecorder{},
		now:      time.Now,
		subs:     make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers sink under id, replacing any sink already using it.
func (b *Broadcaster) Subscribe(id string, sink Sink) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{
		id:     id,
		sink:   sink,
		outbox: make(chan []types.StatRecord, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	b.mu.Lock()
	prev := b.subs[id]
	b.subs[id] = sub
	b.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
	go b.deliver(sub)
}

func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Run pushes a snapshot every interval until ctx is cancelled. Remaining
// subscribers are released on return.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	defer b.unsubscribeAll()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}

// Flush queues the current snapshot for every sink and returns the number of
// sinks it was queued for. Delivery happens asynchronously.
func (b *Broadcaster) Flush(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	records := types.Records(b.source.Snapshot())

	b.mu.RLock()
	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	subs := make([]*subscriber, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, b.subs[id])
	}
	b.mu.RUnlock()

	queued := 0
	for _, sub := range subs {
		if sub.offer(records) {
			queued++
		}
	}
	if b.observer != nil {
		b.observer.ObserveBroadcast(b.now())
	}
	return queued
}

func (b *Broadcaster) deliver(sub *subscriber) {
	for {
		select {
		case <-sub.ctx.Done():
			return
		case records := <-sub.outbox:
			if err := sub.sink.Send(sub.ctx, records); err != nil {
				if sub.ctx.Err() != nil {
					return
				}
				b.metrics.IncWriteErrors()
				b.logger.Printf("push snapshot to %s: %v", sub.id, err)
				continue
			}
			b.metrics.ObserveBroadcast(len(records))
		}
	}
}

func (b *Broadcaster) unsubscribeAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
}
