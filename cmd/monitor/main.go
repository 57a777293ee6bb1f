package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/pingsantohq/monitor/internal/client"
	"github.com/pingsantohq/monitor/internal/config"
	"github.com/pingsantohq/monitor/internal/diag"
	"github.com/pingsantohq/monitor/internal/events"
	"github.com/pingsantohq/monitor/internal/export"
	"github.com/pingsantohq/monitor/internal/health"
	"github.com/pingsantohq/monitor/internal/logging"
	"github.com/pingsantohq/monitor/internal/metrics"
	"github.com/pingsantohq/monitor/internal/probe"
	"github.com/pingsantohq/monitor/internal/runtime"
	"github.com/pingsantohq/monitor/internal/server"
	"github.com/pingsantohq/monitor/internal/transmit"
	"github.com/pingsantohq/monitor/internal/transport"
	"github.com/pingsantohq/monitor/pkg/types"
)

const defaultIntervalMs = 1000

// streamStaleFactor scales stats_interval into the readiness staleness bound.
const streamStaleFactor = 10

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = run(ctx, os.Args[2:])
	case "ctl":
		err = ctl(ctx, os.Args[2:], os.Stdin, os.Stdout)
	case "diag":
		err = diag.Run(ctx, os.Args[2:], diag.Dependencies{})
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("PingSanto Monitor CLI")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  pingsanto-monitor run [--config pingsanto-monitor.yaml]")
	fmt.Println("  pingsanto-monitor ctl [--addr 127.0.0.1:7878] start --ips a,b [--interval 1000] [--count N]")
	fmt.Println("  pingsanto-monitor ctl [--addr 127.0.0.1:7878] session [--count N]")
	fmt.Println("  pingsanto-monitor ctl [--addr 127.0.0.1:7878] stop")
	fmt.Println("  pingsanto-monitor diag [--monitor-url http://127.0.0.1:9310] [--output diag.tar.gz] [--logs DIR]")
	fmt.Println()
	fmt.Println("Inside start/session, stdin accepts one command per line:")
	fmt.Println("  start <ip,ip,...> [interval_ms] | set-interval <ms> | stop | export | quit")
	fmt.Println()
	fmt.Println("Closing a control connection stops all monitoring.")
}

func loadConfig(ctx context.Context, path string) (config.Config, error) {
	if path != "" {
		return config.Load(ctx, path)
	}
	return config.LoadFromEnv(ctx)
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to monitor configuration file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	prober, err := probe.New(cfg.Probes.Method, probe.Dependencies{})
	if err != nil {
		return fmt.Errorf("init prober: %w", err)
	}

	logger := logging.New()
	logger.Printf("monitor starting (listen=%s, method=%s, max_in_flight=%d)", cfg.Monitor.Listen, cfg.Probes.Method, cfg.Probes.MaxInFlight)

	metricsStore := metrics.NewStore()
	checker := health.NewChecker(metricsStore, cfg.Monitor.StatsInterval*streamStaleFactor)

	rt := runtime.New(
		runtime.WithProber(prober),
		runtime.WithLogger(logger),
		runtime.WithMetricsStore(metricsStore),
		runtime.WithLimiterCapacity(cfg.Probes.MaxInFlight),
		runtime.WithGlobalRate(cfg.GlobalPPSCap()),
		runtime.WithProbeTimeout(cfg.Probes.Timeout),
		runtime.WithDefaultInterval(cfg.Probes.DefaultInterval),
		runtime.WithStaggerStep(cfg.Stagger()),
		runtime.WithStatsInterval(cfg.Monitor.StatsInterval),
		runtime.WithBroadcastOptions(transmit.WithObserver(checker)),
	)

	control, err := transport.New(
		transport.Config{
			ExportPath: cfg.Monitor.ExportPath,
		},
		transport.Dependencies{
			Controller: rt.Scheduler(),
			Hub:        rt.Broadcaster(),
			Logger:     logging.Component(logger, "control"),
			Metrics:    metricsStore.TransportRecorder(),
			Events:     events.NewMulti(events.NewLogRecorder(logging.Component(logger, "events")), metricsStore),
			Observer:   checker,
		},
	)
	if err != nil {
		return fmt.Errorf("init control server: %w", err)
	}

	controlLn, err := net.Listen("tcp", cfg.Monitor.Listen)
	if err != nil {
		return fmt.Errorf("listen control %s: %w", cfg.Monitor.Listen, err)
	}
	metricsLn, err := net.Listen("tcp", cfg.Monitor.MetricsAddr)
	if err != nil {
		controlLn.Close()
		return fmt.Errorf("listen metrics %s: %w", cfg.Monitor.MetricsAddr, err)
	}

	httpServer := server.New(
		server.Config{Addr: cfg.Monitor.MetricsAddr},
		server.Dependencies{
			Logger:  logger,
			Metrics: metricsStore,
			Checker: checker,
			Monitor: rt.Scheduler(),
			Clients: control,
		},
	)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	grp, groupCtx := errgroup.WithContext(runCtx)
	wait := rt.Start(groupCtx)

	grp.Go(func() error {
		return control.Serve(groupCtx, controlLn)
	})

	grp.Go(func() error {
		return httpServer.Run(groupCtx, metricsLn)
	})

	grp.Go(func() error {
		<-groupCtx.Done()
		wait()
		return nil
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		return err
	}

	logger.Printf("monitor stopped")
	return nil
}

func ctl(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("ctl", flag.ContinueOnError)
	addr := fs.String("addr", transport.DefaultAddr, "Monitor control address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return errors.New("ctl requires a subcommand: start, session, stop")
	}
	sub, subArgs := rest[0], rest[1:]
	switch sub {
	case "start", "session", "stop":
	case "set-interval", "export", "watch":
		// a one-shot connection would stop monitoring when it closes
		return fmt.Errorf("%s must be issued inside `ctl start` or `ctl session`", sub)
	default:
		return fmt.Errorf("unknown ctl subcommand: %s", sub)
	}

	sfs := flag.NewFlagSet(sub, flag.ContinueOnError)
	ips := sfs.String("ips", "", "Comma separated target IPs")
	interval := sfs.Uint64("interval", defaultIntervalMs, "Probe interval in milliseconds")
	count := sfs.Int("count", 0, "End the session after printing this many records (0 runs until quit)")
	if err := sfs.Parse(subArgs); err != nil {
		return err
	}

	var first *types.Command
	if sub == "start" {
		targets := splitList(*ips)
		if len(targets) == 0 {
			return errors.New("start requires --ips")
		}
		cmd := types.StartCommand(targets, *interval)
		first = &cmd
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(runCtx, *addr, client.Dependencies{})
	if err != nil {
		return err
	}
	defer c.Close()

	if sub == "stop" {
		return c.Stop(runCtx)
	}
	if first != nil {
		if err := c.Send(runCtx, *first); err != nil {
			return err
		}
	}
	return session(runCtx, c, in, out, *count)
}

// session keeps one connection open: snapshot records and replies go to out
// while commands read from in are sent over the same connection. It ends on
// quit, after count records, or when the monitor closes the connection.
func session(ctx context.Context, c *client.Client, in io.Reader, out io.Writer, count int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := &syncWriter{w: out}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	grp, groupCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		defer cancel()
		return watch(groupCtx, c, w, count)
	})
	grp.Go(func() error {
		return sendCommands(groupCtx, c, lines, w, cancel)
	})
	return grp.Wait()
}

func sendCommands(ctx context.Context, c *client.Client, lines <-chan string, out io.Writer, quit func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// input closed; keep streaming until the session ends
				lines = nil
				continue
			}
			cmd, done, err := parseSessionCommand(line)
			switch {
			case err != nil:
				fmt.Fprintf(out, "error: %v\n", err)
			case done:
				quit()
				return nil
			case cmd != nil:
				if err := c.Send(ctx, *cmd); err != nil {
					return err
				}
			}
		}
	}
}

// parseSessionCommand reads one interactive line:
//
//	start <ip,ip,...> [interval_ms] | set-interval <ms> | stop | export | quit
func parseSessionCommand(line string) (*types.Command, bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, false, nil
	}
	var cmd types.Command
	switch fields[0] {
	case "quit", "exit":
		return nil, true, nil
	case "stop":
		cmd = types.Command{Cmd: types.CommandStop}
	case "export":
		cmd = types.Command{Cmd: types.CommandExport}
	case "set-interval":
		if len(fields) != 2 {
			return nil, false, errors.New("usage: set-interval <ms>")
		}
		ms, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("invalid interval %q", fields[1])
		}
		cmd = types.SetIntervalCommand(ms)
	case "start":
		if len(fields) < 2 || len(fields) > 3 {
			return nil, false, errors.New("usage: start <ip,ip,...> [interval_ms]")
		}
		ms := uint64(defaultIntervalMs)
		if len(fields) == 3 {
			v, err := strconv.ParseUint(fields[2], 10, 64)
			if err != nil {
				return nil, false, fmt.Errorf("invalid interval %q", fields[2])
			}
			ms = v
		}
		cmd = types.StartCommand(splitList(fields[1]), ms)
	default:
		return nil, false, fmt.Errorf("unknown command %q", fields[0])
	}
	return &cmd, false, nil
}

func watch(ctx context.Context, c *client.Client, out io.Writer, count int) error {
	printed := 0
	err := c.Stream(ctx, func(rec types.StatRecord) bool {
		fmt.Fprintln(out, formatRecord(rec))
		printed++
		return count <= 0 || printed < count
	}, func(line string) {
		fmt.Fprintln(out, line)
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func formatRecord(rec types.StatRecord) string {
	last := export.FormatTime(rec.Stat().LastProbe)
	return fmt.Sprintf("%-39s pass=%d fail=%d disconnected_ms=%d last_probe=%s", rec.IP, rec.Pass, rec.Fail, rec.DisconnectedTime, last)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
