package probe

import (
	"context"
	"errors"
	"net/netip"
	"os/exec"
	"reflect"
	"testing"
	"time"
)

func TestPingCommandPerPlatform(t *testing.T) {
	v4 := netip.MustParseAddr("10.0.0.1")
	v6 := netip.MustParseAddr("2001:db8::1")

	cases := []struct {
		goos     string
		addr     netip.Addr
		wantName string
		wantArgs []string
	}{
		{"linux", v4, "ping", []string{"-c", "1", "-W", "1", "10.0.0.1"}},
		{"linux", v6, "ping", []string{"-c", "1", "-W", "1", "-6", "2001:db8::1"}},
		{"windows", v4, "ping", []string{"-n", "1", "-w", "1000", "10.0.0.1"}},
		{"darwin", v4, "ping", []string{"-c", "1", "-W", "1000", "10.0.0.1"}},
		{"darwin", v6, "ping6", []string{"-c", "1", "2001:db8::1"}},
	}
	for _, tc := range cases {
		name, args := pingCommand(tc.goos, tc.addr, 2*time.Second)
		if name != tc.wantName || !reflect.DeepEqual(args, tc.wantArgs) {
			t.Fatalf("%s %s: got %s %v want %s %v", tc.goos, tc.addr, name, args, tc.wantName, tc.wantArgs)
		}
	}

	_, args := pingCommand("windows", v4, 300*time.Millisecond)
	if args[3] != "300" {
		t.Fatalf("expected wait capped by timeout, got %v", args)
	}
}

func TestExecProberOutcomes(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.1")
	var runErr error
	var gotName string
	p := NewExecProber(Dependencies{
		GOOS: "linux",
		RunCommand: func(ctx context.Context, name string, args ...string) error {
			gotName = name
			return runErr
		},
	})

	ok, err := p.Probe(context.Background(), addr, time.Second)
	if !ok || err != nil {
		t.Fatalf("expected reachable, got ok=%t err=%v", ok, err)
	}
	if gotName != "ping" {
		t.Fatalf("unexpected command %q", gotName)
	}

	runErr = &exec.ExitError{}
	ok, err = p.Probe(context.Background(), addr, time.Second)
	if ok || err != nil {
		t.Fatalf("non-zero exit must be a plain failure, got ok=%t err=%v", ok, err)
	}

	runErr = exec.ErrNotFound
	ok, err = p.Probe(context.Background(), addr, time.Second)
	if ok || !errors.Is(err, exec.ErrNotFound) {
		t.Fatalf("expected wrapped runner error, got ok=%t err=%v", ok, err)
	}
}
