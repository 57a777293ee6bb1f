package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/pingsantohq/monitor/internal/events"
	"github.com/pingsantohq/monitor/internal/limiter"
	"github.com/pingsantohq/monitor/internal/logging"
	"github.com/pingsantohq/monitor/internal/metrics"
	"github.com/pingsantohq/monitor/internal/probe"
	"github.com/pingsantohq/monitor/internal/stats"
	"github.com/pingsantohq/monitor/internal/worker"
	"github.com/pingsantohq/monitor/pkg/types"
)

// ErrClosed is returned when a command is submitted after Run has exited.
var ErrClosed = errors.New("scheduler closed")

const (
	DefaultInterval    = time.Second
	DefaultStaggerStep = 10 * time.Millisecond
)

// State is a point-in-time view of the orchestrator.
type State struct {
	Interval time.Duration
	Targets  []string
}

type Dependencies struct {
	Store        *stats.Store
	Limiter      worker.Limiter
	Prober       probe.Prober
	Logger       *log.Logger
	Metrics      metrics.SchedulerRecorder
	ProbeMetrics metrics.ProbeRecorder
	Events       events.Recorder
}

type Option func(*Scheduler)

func WithDefaultInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.defaultInterval = d
		}
	}
}

func WithStaggerStep(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.staggerStep = d
		}
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.probeTimeout = d
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

type op int

const (
	opStart op = iota
	opSetInterval
	opStop
	opExport
	opState
)

func (o op) command() string {
	switch o {
	case opStart:
		return string(types.CommandStart)
	case opSetInterval:
		return string(types.CommandSetInterval)
	case opStop:
		return string(types.CommandStop)
	case opExport:
		return string(types.CommandExport)
	default:
		return "state"
	}
}

type request struct {
	op       op
	targets  []string
	interval time.Duration
	reply    chan response
}

type response struct {
	stats []types.PingStat
	state State
}

// Scheduler owns the running probe tasks. All reconfiguration happens on the
// goroutine executing Run, one command at a time.
type Scheduler struct {
	deps            Dependencies
	defaultInterval time.Duration
	staggerStep     time.Duration
	probeTimeout    time.Duration
	now             func() time.Time

	requests chan request
	closed   chan struct{}
	exited   chan struct{}
	once     sync.Once
	tasks    sync.WaitGroup

	// owned by Run
	running  map[string]*worker.Task
	interval time.Duration
}

func New(deps Dependencies, opts ...Option) *Scheduler {
	if deps.Store == nil {
		deps.Store = stats.NewStore()
	}
	if deps.Limiter == nil {
		deps.Limiter = limiter.New(limiter.DefaultCapacity)
	}
	if deps.Prober == nil {
		deps.Prober = probe.NewExecProber(probe.Dependencies{})
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopSchedulerRecorder{}
	}
	if deps.ProbeMetrics == nil {
		deps.ProbeMetrics = metrics.NoopProbeRecorder{}
	}
	if deps.Events == nil {
		deps.Events = events.NoopRecorder{}
	}
	s := &Scheduler{
		deps:            deps,
		defaultInterval: DefaultInterval,
		staggerStep:     DefaultStaggerStep,
		probeTimeout:    probe.DefaultTimeout,
		now:             time.Now,
		requests:        make(chan request),
		closed:          make(chan struct{}),
		exited:          make(chan struct{}),
		running:         make(map[string]*worker.Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.interval = s.defaultInterval
	return s
}

// Run processes commands until ctx ends, then stops every task.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.exited)
	defer s.once.Do(func() { close(s.closed) })

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case req := <-s.requests:
			req.reply <- s.handle(ctx, req)
		}
	}
}

// Wait blocks until Run has returned and every task goroutine has exited.
func (s *Scheduler) Wait() {
	<-s.exited
	s.tasks.Wait()
}

// Start reconciles the running set against targets. A zero interval selects
// the default interval.
func (s *Scheduler) Start(ctx context.Context, targets []string, interval time.Duration) error {
	_, err := s.submit(ctx, request{op: opStart, targets: targets, interval: interval})
	return err
}

func (s *Scheduler) SetInterval(ctx context.Context, interval time.Duration) error {
	_, err := s.submit(ctx, request{op: opSetInterval, interval: interval})
	return err
}

// Stop halts every task and clears the statistics. Calling it with nothing
// running is a no-op.
func (s *Scheduler) Stop(ctx context.Context) error {
	_, err := s.submit(ctx, request{op: opStop})
	return err
}

// Export returns a snapshot of all statistics sorted by target.
func (s *Scheduler) Export(ctx context.Context) ([]types.PingStat, error) {
	resp, err := s.submit(ctx, request{op: opExport})
	if err != nil {
		return nil, err
	}
	return resp.stats, nil
}

func (s *Scheduler) State(ctx context.Context) (State, error) {
	resp, err := s.submit(ctx, request{op: opState})
	if err != nil {
		return State{}, err
	}
	return resp.state, nil
}

func (s *Scheduler) submit(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case s.requests <- req:
	case <-s.closed:
		return response{}, ErrClosed
	case <-ctx.Done():
		return response{}, fmt.Errorf("submit %s: %w", req.op.command(), ctx.Err())
	}
	// Run replies before it can observe cancellation, so the reply is always delivered.
	resp := <-req.reply
	return resp, nil
}

func (s *Scheduler) handle(ctx context.Context, req request) response {
	if req.op != opState {
		s.deps.Metrics.IncCommand(req.op.command())
	}
	switch req.op {
	case opStart:
		s.start(ctx, req.targets, req.interval)
	case opSetInterval:
		s.setInterval(req.interval)
	case opStop:
		s.stopAll()
	case opExport:
		snapshot := s.deps.Store.Snapshot()
		s.emit(types.Event{
			Type:    types.EventExport,
			Details: map[string]any{"records": len(snapshot)},
		})
		return response{stats: snapshot}
	case opState:
		return response{state: s.state()}
	}
	return response{}
}

func (s *Scheduler) start(ctx context.Context, targets []string, interval time.Duration) {
	if interval <= 0 {
		interval = s.defaultInterval
	}
	desired := Normalize(targets)
	plan := Reconcile(s.running, desired)
	if plan.Empty() {
		s.deps.Logger.Printf("start without targets; nothing to monitor")
	}

	for _, target := range plan.Stop {
		s.stopTask(target)
	}

	accepted := 0
	for _, target := range plan.Start {
		addr, err := netip.ParseAddr(target)
		if err != nil {
			s.deps.Logger.Printf("skipping invalid target %q: %v", target, err)
			s.deps.Metrics.IncRejectedTargets()
			s.emit(types.Event{
				Type:    types.EventTargetRejected,
				Target:  target,
				Details: map[string]any{"reason": err.Error()},
			})
			continue
		}
		s.spawn(ctx, target, addr, interval, time.Duration(accepted)*s.staggerStep)
		accepted++
	}

	for _, target := range plan.Update {
		s.running[target].SetInterval(interval)
	}

	if interval != s.interval {
		s.emit(types.Event{
			Type:    types.EventIntervalChanged,
			Details: map[string]any{"interval_ms": interval.Milliseconds()},
		})
	}
	s.interval = interval
	s.deps.Metrics.ObserveRunningTasks(len(s.running))
}

func (s *Scheduler) spawn(ctx context.Context, target string, addr netip.Addr, interval, delay time.Duration) {
	lease := s.deps.Store.Register(target)
	task := worker.New(worker.Config{
		Addr:       addr,
		Lease:      lease,
		Interval:   interval,
		StartDelay: delay,
		Timeout:    s.probeTimeout,
	}, worker.Dependencies{
		Prober:  s.deps.Prober,
		Limiter: s.deps.Limiter,
		Store:   s.deps.Store,
		Now:     s.now,
		Logger:  s.deps.Logger,
		Metrics: s.deps.ProbeMetrics,
	})
	s.running[target] = task
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		task.Run(ctx)
	}()
	s.emit(types.Event{
		Type:   types.EventTaskStarted,
		Target: target,
		Details: map[string]any{
			"interval_ms": interval.Milliseconds(),
			"delay_ms":    delay.Milliseconds(),
		},
	})
}

func (s *Scheduler) stopTask(target string) {
	task, ok := s.running[target]
	if !ok {
		return
	}
	task.Stop()
	delete(s.running, target)
	s.deps.Store.Remove(target)
	s.emit(types.Event{Type: types.EventTaskStopped, Target: target})
}

func (s *Scheduler) setInterval(interval time.Duration) {
	if interval <= 0 {
		interval = s.defaultInterval
	}
	for _, task := range s.running {
		task.SetInterval(interval)
	}
	if interval != s.interval {
		s.emit(types.Event{
			Type:    types.EventIntervalChanged,
			Details: map[string]any{"interval_ms": interval.Milliseconds()},
		})
	}
	s.interval = interval
}

func (s *Scheduler) stopAll() {
	if len(s.running) == 0 && s.deps.Store.Len() == 0 {
		return
	}
	count := len(s.running)
	for target, task := range s.running {
		task.Stop()
		delete(s.running, target)
	}
	s.deps.Store.Clear()
	s.deps.Metrics.ObserveRunningTasks(0)
	s.emit(types.Event{
		Type:    types.EventMonitoringStopped,
		Details: map[string]any{"tasks": count},
	})
}

func (s *Scheduler) state() State {
	targets := make([]string, 0, len(s.running))
	for target := range s.running {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	return State{Interval: s.interval, Targets: targets}
}

func (s *Scheduler) emit(event types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	s.deps.Events.Record(event)
}
