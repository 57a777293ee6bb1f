package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pingsantohq/monitor/pkg/types"
)

const exportFailedPrefix = "Export failed: "

// ErrExportFailed is returned when the monitor could not write its export.
var ErrExportFailed = errors.New("export failed")

// Dependencies allow test overrides for dialing and logging.
type Dependencies struct {
	Dialer *net.Dialer
	Logger *log.Logger
}

// Client speaks the line protocol of the monitor's control port.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	logger *log.Logger

	writeMu sync.Mutex
	readMu  sync.Mutex
}

// Dial connects to the control port at addr.
func Dial(ctx context.Context, addr string, deps Dependencies) (*Client, error) {
	dialer := deps.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: 5 * time.Second}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial monitor %s: %w", addr, err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn), logger: logger}, nil
}

// Close drops the connection. The monitor stops all probing when any client leaves.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send writes one command line.
func (c *Client) Send(ctx context.Context, cmd types.Command) error {
	line, err := types.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if d, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(d)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := c.conn.Write(line); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Cmd, err)
	}
	return nil
}

func (c *Client) Start(ctx context.Context, ips []string, intervalMs uint64) error {
	return c.Send(ctx, types.StartCommand(ips, intervalMs))
}

func (c *Client) SetInterval(ctx context.Context, intervalMs uint64) error {
	return c.Send(ctx, types.SetIntervalCommand(intervalMs))
}

func (c *Client) Stop(ctx context.Context) error {
	return c.Send(ctx, types.Command{Cmd: types.CommandStop})
}

// Export requests a CSV export and waits for the monitor's reply, skipping
// any snapshot lines that arrive first.
func (c *Client) Export(ctx context.Context) error {
	if err := c.Send(ctx, types.Command{Cmd: types.CommandExport}); err != nil {
		return err
	}
	line, err := c.WaitLine(ctx, func(line string) bool {
		return line == types.ExportAck || strings.HasPrefix(line, exportFailedPrefix)
	})
	if err != nil {
		return err
	}
	if reason, ok := strings.CutPrefix(line, exportFailedPrefix); ok {
		return fmt.Errorf("%w: %s", ErrExportFailed, reason)
	}
	return nil
}

// ReadLine returns the next line without its terminator.
func (c *Client) ReadLine(ctx context.Context) (string, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if d, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(d)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	line, err := c.reader.ReadString('\n')
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
			return "", context.DeadlineExceeded
		}
		return "", fmt.Errorf("read line: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// WaitLine reads until a line satisfies match and returns it.
func (c *Client) WaitLine(ctx context.Context, match func(string) bool) (string, error) {
	for {
		line, err := c.ReadLine(ctx)
		if err != nil {
			return "", err
		}
		if match(line) {
			return line, nil
		}
	}
}

// Records decodes snapshot lines and passes them to fn until fn returns
// false, ctx ends or the connection closes. Other lines are skipped.
func (c *Client) Records(ctx context.Context, fn func(types.StatRecord) bool) error {
	return c.Stream(ctx, fn, nil)
}

// Stream is Records with a second callback receiving every non-snapshot line,
// such as export acknowledgements.
func (c *Client) Stream(ctx context.Context, onRecord func(types.StatRecord) bool, onReply func(string)) error {
	for {
		line, err := c.ReadLine(ctx)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(line, "{") {
			if onReply != nil && line != "" {
				onReply(line)
			}
			continue
		}
		rec, err := types.DecodeRecord([]byte(line))
		if err != nil {
			c.logger.Printf("skipping line: %v", err)
			continue
		}
		if !onRecord(rec) {
			return nil
		}
	}
}
