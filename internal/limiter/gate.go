package limiter

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/pingsantohq/monitor/internal/metrics"
)

// DefaultCapacity bounds concurrent probes when no capacity is configured.
const DefaultCapacity = 50

// Gate bounds how many probes may be in flight process-wide. Waiters are
// served in FIFO order by the underlying semaphore.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int
	rate     *rate.Limiter
	metrics  metrics.ProbeRecorder

	mu       sync.Mutex
	inFlight int
	peak     int
}

type Option func(*Gate)

// WithRate caps probe starts per second across all tasks.
func WithRate(perSecond float64, burst int) Option {
	return func(g *Gate) {
		if perSecond <= 0 {
			return
		}
		if burst <= 0 {
			burst = int(perSecond)
			if burst < 1 {
				burst = 1
			}
		}
		g.rate = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithMetrics(rec metrics.ProbeRecorder) Option {
	return func(g *Gate) {
		if rec != nil {
			g.metrics = rec
		}
	}
}

func New(capacity int, opts ...Option) *Gate {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	g := &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		metrics:  metrics.NoopProbeRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.metrics.ObserveCapacity(capacity)
	return g
}

// Acquire suspends until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if g.rate != nil {
		if err := g.rate.Wait(ctx); err != nil {
			return err
		}
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.peak {
		g.peak = g.inFlight
	}
	n := g.inFlight
	g.mu.Unlock()
	g.metrics.ObserveInFlight(n)
	return nil
}

// Release returns a slot taken by Acquire.
func (g *Gate) Release() {
	g.mu.Lock()
	g.inFlight--
	n := g.inFlight
	g.mu.Unlock()
	g.sem.Release(1)
	g.metrics.ObserveInFlight(n)
}

func (g *Gate) Capacity() int {
	return g.capacity
}

func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Peak reports the highest number of concurrently held slots.
func (g *Gate) Peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}
