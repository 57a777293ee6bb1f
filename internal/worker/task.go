package worker

import (
	"context"
	"log"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingsantohq/monitor/internal/logging"
	"github.com/pingsantohq/monitor/internal/metrics"
	"github.com/pingsantohq/monitor/internal/probe"
	"github.com/pingsantohq/monitor/internal/stats"
	"github.com/pingsantohq/monitor/pkg/types"
)

// Limiter bounds concurrent probes across all tasks.
type Limiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// Committer receives the task's stat after every completed probe.
type Committer interface {
	Commit(lease stats.Lease, stat types.PingStat) bool
}

type State int32

const (
	StateRunning State = iota
	StateStopped
)

func (s State) String() string {
	if s == StateStopped {
		return "stopped"
	}
	return "running"
}

type Config struct {
	Addr       netip.Addr
	Lease      stats.Lease
	Interval   time.Duration
	StartDelay time.Duration
	Timeout    time.Duration
}

type Dependencies struct {
	Prober  probe.Prober
	Limiter Limiter
	Store   Committer
	Now     func() time.Time
	Logger  *log.Logger
	Metrics metrics.ProbeRecorder
}

// Task probes a single target on its own ticker until stopped.
type Task struct {
	cfg  Config
	deps Dependencies

	interval  atomic.Int64
	intervals chan time.Duration
	state     atomic.Int32
	done      chan struct{}

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc

	// owned by the run loop
	stat        types.PingStat
	failing     bool
	lastFailure time.Time
}

func New(cfg Config, deps Dependencies) *Task {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = probe.DefaultTimeout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopProbeRecorder{}
	}
	t := &Task{
		cfg:       cfg,
		deps:      deps,
		intervals: make(chan time.Duration, 1),
		done:      make(chan struct{}),
		stat:      types.PingStat{Target: cfg.Lease.Target},
	}
	t.interval.Store(int64(cfg.Interval))
	return t
}

// Run executes the probe loop until Stop is called or ctx ends. It must be
// called at most once.
func (t *Task) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.mu.Lock()
	t.cancel = cancel
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		cancel()
	}
	t.run(runCtx)
}

// SetInterval replaces the ticking period. Only the latest pending value is kept.
func (t *Task) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case t.intervals <- d:
		return
	default:
	}
	select {
	case <-t.intervals:
	default:
	}
	select {
	case t.intervals <- d:
	default:
	}
}

// Stop asks the loop to exit. It never blocks and is safe to call repeatedly.
func (t *Task) Stop() {
	t.mu.Lock()
	t.stopped = true
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed once the loop has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) Target() string {
	return t.cfg.Lease.Target
}

func (t *Task) Interval() time.Duration {
	return time.Duration(t.interval.Load())
}

func (t *Task) State() State {
	return State(t.state.Load())
}

func (t *Task) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Task) run(ctx context.Context) {
	defer close(t.done)
	defer t.state.Store(int32(StateStopped))

	if t.cfg.StartDelay > 0 {
		timer := time.NewTimer(t.cfg.StartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	// first probe fires as soon as the start delay is over
	t.tick(ctx)
	if ctx.Err() != nil {
		return
	}

	ticker := time.NewTicker(t.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-t.intervals:
			if d != t.Interval() {
				t.interval.Store(int64(d))
				ticker.Reset(d)
			}
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Task) tick(ctx context.Context) {
	if t.isStopped() {
		return
	}
	now := t.deps.Now()
	if err := t.deps.Limiter.Acquire(ctx); err != nil {
		return
	}
	// in-flight probes are bounded by their own timeout, not by Stop
	ok, err := probe.Check(context.WithoutCancel(ctx), t.deps.Prober, t.cfg.Addr, t.cfg.Timeout)
	t.deps.Limiter.Release()
	if err != nil && !ok {
		t.deps.Logger.Printf("probe %s failed: %v", t.Target(), err)
	}
	t.deps.Metrics.IncProbe(ok)

	stat := t.record(now, ok)
	if t.isStopped() {
		return
	}
	if !t.deps.Store.Commit(t.cfg.Lease, stat) {
		t.deps.Logger.Printf("stat entry for %s no longer registered", t.Target())
	}
}

// record folds one probe outcome into the counters. Downtime accrues between
// consecutive failures of the same run.
func (t *Task) record(now time.Time, ok bool) types.PingStat {
	if ok {
		t.stat.Pass++
		t.failing = false
	} else {
		t.stat.Fail++
		if t.failing {
			if elapsed := now.Sub(t.lastFailure); elapsed > 0 {
				t.stat.DowntimeMs += uint64(elapsed.Milliseconds())
			}
		}
		t.failing = true
		t.lastFailure = now
	}
	t.stat.LastProbe = now
	return t.stat
}
