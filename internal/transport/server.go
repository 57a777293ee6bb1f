package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pingsantohq/monitor/internal/events"
	"github.com/pingsantohq/monitor/internal/export"
	"github.com/pingsantohq/monitor/internal/logging"
	"github.com/pingsantohq/monitor/internal/metrics"
	"github.com/pingsantohq/monitor/internal/transmit"
	"github.com/pingsantohq/monitor/pkg/types"
)

const (
	DefaultAddr         = "127.0.0.1:7878"
	defaultWriteTimeout = 2 * time.Second
	maxLineBytes        = 1 << 20
)

// Controller executes decoded commands.
type Controller interface {
	Start(ctx context.Context, targets []string, interval time.Duration) error
	SetInterval(ctx context.Context, interval time.Duration) error
	Stop(ctx context.Context) error
	Export(ctx context.Context) ([]types.PingStat, error)
}

// Hub fans snapshots out to connected clients.
type Hub interface {
	Subscribe(id string, sink transmit.Sink)
	Unsubscribe(id string)
}

// ListenObserver is told the bound address once the listener is up.
type ListenObserver interface {
	ObserveListener(addr string)
}

type Config struct {
	ExportPath   string
	WriteTimeout time.Duration
}

type Dependencies struct {
	Controller Controller
	Hub        Hub
	Logger     *log.Logger
	Metrics    metrics.TransportRecorder
	Events     events.Recorder
	Observer   ListenObserver
	Now        func() time.Time
	// WriteExport persists an export; defaults to export.WriteFile.
	WriteExport func(path string, stats []types.PingStat) error
}

// Server accepts control connections. Every connection is subscribed to the
// snapshot stream and may issue commands; closing any connection stops
// monitoring.
type Server struct {
	cfg     Config
	deps    Dependencies
	clients atomic.Int64

	mu   sync.Mutex
	addr net.Addr
}

func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Controller == nil {
		return nil, errors.New("transport controller is required")
	}
	if cfg.ExportPath == "" {
		cfg.ExportPath = export.DefaultPath
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopTransportRecorder{}
	}
	if deps.Events == nil {
		deps.Events = events.NoopRecorder{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.WriteExport == nil {
		deps.WriteExport = export.WriteFile
	}
	return &Server{cfg: cfg, deps: deps}, nil
}

// Addr returns the bound address, or nil before the listener is up.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Clients reports the number of connected control clients.
func (s *Server) Clients() int {
	return int(s.clients.Load())
}

// Serve accepts connections on ln until ctx is cancelled, then waits for
// every connection handler to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	if s.deps.Observer != nil {
		s.deps.Observer.ObserveListener(ln.Addr().String())
	}
	s.deps.Logger.Printf("control listening on %s", ln.Addr())

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	grp, groupCtx := errgroup.WithContext(serveCtx)
	grp.Go(func() error {
		<-groupCtx.Done()
		_ = ln.Close()
		return nil
	})

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if groupCtx.Err() == nil {
				acceptErr = fmt.Errorf("accept: %w", err)
			}
			break
		}
		grp.Go(func() error {
			s.handle(groupCtx, conn)
			return nil
		})
	}
	cancel()
	_ = grp.Wait()
	return acceptErr
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	id := uuid.NewString()
	sink := newConnSink(conn, s.cfg.WriteTimeout)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.deps.Metrics.ObserveClients(int(s.clients.Add(1)))
	s.emit(types.EventClientConnected, id, conn.RemoteAddr())
	if s.deps.Hub != nil {
		s.deps.Hub.Subscribe(id, sink)
	}

	defer func() {
		if s.deps.Hub != nil {
			s.deps.Hub.Unsubscribe(id)
		}
		_ = conn.Close()
		s.deps.Metrics.ObserveClients(int(s.clients.Add(-1)))
		s.emit(types.EventClientDisconnected, id, conn.RemoteAddr())
		if ctx.Err() != nil {
			return
		}
		// a departing client takes monitoring down with it
		if err := s.deps.Controller.Stop(ctx); err != nil {
			s.deps.Logger.Printf("stop after disconnect %s: %v", id, err)
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		cmd, err := types.DecodeCommand(line)
		if err != nil {
			s.deps.Logger.Printf("client %s: ignoring command: %v", id, err)
			continue
		}
		if err := s.dispatch(ctx, sink, cmd); err != nil {
			s.deps.Logger.Printf("client %s: %s: %v", id, cmd.Cmd, err)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		s.deps.Logger.Printf("client %s: read: %v", id, err)
	}
}

func (s *Server) dispatch(ctx context.Context, sink *connSink, cmd types.Command) error {
	interval := time.Duration(cmd.Interval()) * time.Millisecond
	switch cmd.Cmd {
	case types.CommandStart:
		return s.deps.Controller.Start(ctx, cmd.IPs, interval)
	case types.CommandSetInterval:
		return s.deps.Controller.SetInterval(ctx, interval)
	case types.CommandStop:
		return s.deps.Controller.Stop(ctx)
	case types.CommandExport:
		return s.export(ctx, sink)
	}
	return fmt.Errorf("%w %q", types.ErrUnknownCommand, cmd.Cmd)
}

func (s *Server) export(ctx context.Context, sink *connSink) error {
	snapshot, err := s.deps.Controller.Export(ctx)
	if err == nil {
		err = s.deps.WriteExport(s.cfg.ExportPath, snapshot)
	}
	if err != nil {
		if werr := sink.WriteLine("Export failed: " + err.Error()); werr != nil {
			s.deps.Metrics.IncWriteErrors()
		}
		return fmt.Errorf("export: %w", err)
	}
	s.deps.Metrics.IncExports()
	s.deps.Logger.Printf("exported %d records to %s", len(snapshot), s.cfg.ExportPath)
	if err := sink.WriteLine(types.ExportAck); err != nil {
		s.deps.Metrics.IncWriteErrors()
		return fmt.Errorf("acknowledge export: %w", err)
	}
	return nil
}

func (s *Server) emit(kind types.EventType, session string, remote net.Addr) {
	event := types.Event{
		Type:      kind,
		Timestamp: s.deps.Now().UTC(),
		Labels:    map[string]string{"session": session},
	}
	if remote != nil {
		event.Details = map[string]any{"remote": remote.String()}
	}
	s.deps.Events.Record(event)
}
