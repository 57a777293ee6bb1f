package runtime

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pingsantohq/monitor/internal/events"
	"github.com/pingsantohq/monitor/internal/limiter"
	"github.com/pingsantohq/monitor/internal/logging"
	"github.com/pingsantohq/monitor/internal/metrics"
	"github.com/pingsantohq/monitor/internal/probe"
	"github.com/pingsantohq/monitor/internal/scheduler"
	"github.com/pingsantohq/monitor/internal/stats"
	"github.com/pingsantohq/monitor/internal/transmit"
)

type Option func(*config)

type config struct {
	limiterCapacity int
	globalPPS       int
	prober          probe.Prober
	statsInterval   time.Duration
	metricsStore    *metrics.Store
	events          events.Recorder
	logger          *log.Logger
	schedulerOpts   []scheduler.Option
	broadcastOpts   []transmit.Option
}

func WithLimiterCapacity(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.limiterCapacity = n
		}
	}
}

// WithGlobalRate caps probes started per second across all targets.
func WithGlobalRate(pps int) Option {
	return func(c *config) {
		if pps > 0 {
			c.globalPPS = pps
		}
	}
}

func WithProber(p probe.Prober) Option {
	return func(c *config) {
		c.prober = p
	}
}

func WithStatsInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.statsInterval = d
		}
	}
}

func WithMetricsStore(store *metrics.Store) Option {
	return func(c *config) {
		c.metricsStore = store
	}
}

func WithEventRecorder(rec events.Recorder) Option {
	return func(c *config) {
		c.events = rec
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(c *config) {
		c.schedulerOpts = append(c.schedulerOpts, opts...)
	}
}

func WithBroadcastOptions(opts ...transmit.Option) Option {
	return func(c *config) {
		c.broadcastOpts = append(c.broadcastOpts, opts...)
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return WithSchedulerOptions(scheduler.WithProbeTimeout(d))
}

func WithDefaultInterval(d time.Duration) Option {
	return WithSchedulerOptions(scheduler.WithDefaultInterval(d))
}

func WithStaggerStep(d time.Duration) Option {
	return WithSchedulerOptions(scheduler.WithStaggerStep(d))
}

func WithNow(now func() time.Time) Option {
	return func(c *config) {
		c.schedulerOpts = append(c.schedulerOpts, scheduler.WithNow(now))
		c.broadcastOpts = append(c.broadcastOpts, transmit.WithNow(now))
	}
}

// Runtime owns the shared statistics store, the probe limiter, the
// orchestrator and the snapshot broadcaster.
type Runtime struct {
	store       *stats.Store
	gate        *limiter.Gate
	scheduler   *scheduler.Scheduler
	broadcaster *transmit.Broadcaster
}

func New(opts ...Option) *Runtime {
	cfg := config{
		limiterCapacity: limiter.DefaultCapacity,
		statsInterval:   transmit.DefaultInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logging.Discard()
	}
	if cfg.prober == nil {
		cfg.prober = probe.NewExecProber(probe.Dependencies{})
	}

	probeMetrics := metrics.ProbeRecorder(metrics.NoopProbeRecorder{})
	schedMetrics := metrics.SchedulerRecorder(metrics.NoopSchedulerRecorder{})
	transportMetrics := metrics.TransportRecorder(metrics.NoopTransportRecorder{})
	recorders := []events.Recorder{events.NewLogRecorder(logging.Component(cfg.logger, "events"))}
	if cfg.metricsStore != nil {
		probeMetrics = cfg.metricsStore.ProbeRecorder()
		schedMetrics = cfg.metricsStore.SchedulerRecorder()
		transportMetrics = cfg.metricsStore.TransportRecorder()
		recorders = append(recorders, cfg.metricsStore)
	}
	if cfg.events != nil {
		recorders = append(recorders, cfg.events)
	}

	gateOpts := []limiter.Option{limiter.WithMetrics(probeMetrics)}
	if cfg.globalPPS > 0 {
		gateOpts = append(gateOpts, limiter.WithRate(float64(cfg.globalPPS), cfg.globalPPS))
	}
	gate := limiter.New(cfg.limiterCapacity, gateOpts...)

	store := stats.NewStore()
	sched := scheduler.New(scheduler.Dependencies{
		Store:        store,
		Limiter:      gate,
		Prober:       cfg.prober,
		Logger:       logging.Component(cfg.logger, "scheduler"),
		Metrics:      schedMetrics,
		ProbeMetrics: probeMetrics,
		Events:       events.NewMulti(recorders...),
	}, cfg.schedulerOpts...)

	broadcastOpts := append([]transmit.Option{
		transmit.WithInterval(cfg.statsInterval),
		transmit.WithLogger(logging.Component(cfg.logger, "stream")),
		transmit.WithMetrics(transportMetrics),
	}, cfg.broadcastOpts...)

	return &Runtime{
		store:       store,
		gate:        gate,
		scheduler:   sched,
		broadcaster: transmit.New(store, broadcastOpts...),
	}
}

// Start launches the orchestrator and the broadcaster. The returned func
// blocks until both have exited and every probe task has stopped; call it
// after cancelling ctx.
func (r *Runtime) Start(ctx context.Context) func() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = r.broadcaster.Run(ctx)
	}()

	return func() {
		wg.Wait()
		r.scheduler.Wait()
	}
}

func (r *Runtime) Scheduler() *scheduler.Scheduler {
	return r.scheduler
}

func (r *Runtime) Store() *stats.Store {
	return r.store
}

func (r *Runtime) Limiter() *limiter.Gate {
	return r.gate
}

func (r *Runtime) Broadcaster() *transmit.Broadcaster {
	return r.broadcaster
}
