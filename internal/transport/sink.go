package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pingsantohq/monitor/pkg/types"
)

// connSink serializes writes to one client connection. Snapshot batches and
// command replies never interleave.
type connSink struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
	buf     bytes.Buffer
}

func newConnSink(conn net.Conn, timeout time.Duration) *connSink {
	return &connSink{conn: conn, timeout: timeout}
}

// Send implements transmit.Sink, writing one JSON line per record.
func (c *connSink) Send(ctx context.Context, records []types.StatRecord) error {
	if len(records) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.Reset()
	for _, rec := range records {
		line, err := types.EncodeRecord(rec)
		if err != nil {
			return err
		}
		c.buf.Write(line)
	}
	return c.write(ctx, c.buf.Bytes())
}

func (c *connSink) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(context.Background(), []byte(line+"\n"))
}

func (c *connSink) write(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
