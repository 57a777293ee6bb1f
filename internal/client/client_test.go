package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pingsantohq/monitor/pkg/types"
)

// fakeMonitor accepts one connection, hands received lines to the test and
// writes whatever the test queues.
type fakeMonitor struct {
	ln       net.Listener
	received chan string
	replies  chan string
}

func newFakeMonitor(t *testing.T) *fakeMonitor {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	m := &fakeMonitor{ln: ln, received: make(chan string, 16), replies: make(chan string, 16)}
	go m.serve()
	t.Cleanup(func() { ln.Close() })
	return m
}

func (m *fakeMonitor) serve() {
	conn, err := m.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	go func() {
		for reply := range m.replies {
			if _, err := conn.Write([]byte(reply + "\n")); err != nil {
				return
			}
		}
	}()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		m.received <- scanner.Text()
	}
}

func (m *fakeMonitor) next(t *testing.T) string {
	t.Helper()
	select {
	case line := <-m.received:
		return line
	case <-time.After(2 * time.Second):
		t.Fatalf("monitor received nothing")
		return ""
	}
}

func dialFake(t *testing.T, m *fakeMonitor) *Client {
	t.Helper()
	c, err := Dial(context.Background(), m.ln.Addr().String(), Dependencies{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientSendsCommands(t *testing.T) {
	m := newFakeMonitor(t)
	c := dialFake(t, m)
	ctx := context.Background()

	if err := c.Start(ctx, []string{"10.0.0.1"}, 1000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := m.next(t); got != `{"cmd":"start","ips":["10.0.0.1"],"interval":1000}` {
		t.Fatalf("unexpected start line %s", got)
	}
	if err := c.SetInterval(ctx, 250); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}
	if got := m.next(t); got != `{"cmd":"set_interval","interval":250}` {
		t.Fatalf("unexpected set_interval line %s", got)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := m.next(t); got != `{"cmd":"stop"}` {
		t.Fatalf("unexpected stop line %s", got)
	}
}

func TestClientExportSkipsSnapshotLines(t *testing.T) {
	m := newFakeMonitor(t)
	c := dialFake(t, m)

	m.replies <- `{"ip":"10.0.0.1","pass":1,"fail":0,"disconnected_time":0,"last_probe_time":0}`
	m.replies <- types.ExportAck

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Export(ctx); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if got := m.next(t); got != `{"cmd":"export"}` {
		t.Fatalf("unexpected export line %s", got)
	}
}

func TestClientExportFailure(t *testing.T) {
	m := newFakeMonitor(t)
	c := dialFake(t, m)
	m.replies <- "Export failed: disk full"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Export(ctx)
	if !errors.Is(err, ErrExportFailed) || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected export failure got %v", err)
	}
}

func TestClientRecords(t *testing.T) {
	m := newFakeMonitor(t)
	c := dialFake(t, m)
	m.replies <- `{"ip":"10.0.0.1","pass":3,"fail":1,"disconnected_time":0,"last_probe_time":1735787045}`
	m.replies <- types.ExportAck
	m.replies <- `{"ip":"10.0.0.2","pass":0,"fail":2,"disconnected_time":1000,"last_probe_time":0}`

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []types.StatRecord
	err := c.Records(ctx, func(rec types.StatRecord) bool {
		got = append(got, rec)
		return len(got) < 2
	})
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(got) != 2 || got[0].LastProbeTime != 1735787045 || got[1].DisconnectedTime != 1000 {
		t.Fatalf("unexpected records %+v", got)
	}
}

func TestClientStreamPassesReplies(t *testing.T) {
	m := newFakeMonitor(t)
	c := dialFake(t, m)
	m.replies <- types.ExportAck
	m.replies <- `{"ip":"10.0.0.1","pass":1,"fail":0,"disconnected_time":0,"last_probe_time":0}`

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var replies []string
	var records int
	err := c.Stream(ctx, func(rec types.StatRecord) bool {
		records++
		return false
	}, func(line string) {
		replies = append(replies, line)
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if records != 1 || len(replies) != 1 || replies[0] != types.ExportAck {
		t.Fatalf("unexpected stream: records=%d replies=%v", records, replies)
	}
}

func TestClientReadHonoursContext(t *testing.T) {
	m := newFakeMonitor(t)
	c := dialFake(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := c.ReadLine(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error got %v", err)
	}
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	if _, err := Dial(context.Background(), addr, Dependencies{}); err == nil {
		t.Fatalf("expected dial error")
	}
}
