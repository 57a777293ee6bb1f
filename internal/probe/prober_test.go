package probe

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"
)

func TestCheckSuccessAndFailure(t *testing.T) {
	addr := netip.MustParseAddr("192.0.2.10")

	ok, err := Check(context.Background(), ProberFunc(func(ctx context.Context, a netip.Addr, timeout time.Duration) (bool, error) {
		if a != addr {
			t.Errorf("unexpected addr %s", a)
		}
		return true, nil
	}), addr, time.Second)
	if err != nil || !ok {
		t.Fatalf("expected success, got ok=%t err=%v", ok, err)
	}

	probeErr := errors.New("network unreachable")
	ok, err = Check(context.Background(), ProberFunc(func(ctx context.Context, a netip.Addr, timeout time.Duration) (bool, error) {
		return true, probeErr
	}), addr, time.Second)
	if ok {
		t.Fatalf("an erroring probe must count as failure")
	}
	if !errors.Is(err, probeErr) {
		t.Fatalf("expected probe error, got %v", err)
	}
}

func TestCheckBoundsSlowProber(t *testing.T) {
	addr := netip.MustParseAddr("192.0.2.11")
	release := make(chan struct{})
	defer close(release)

	slow := ProberFunc(func(ctx context.Context, a netip.Addr, timeout time.Duration) (bool, error) {
		<-release
		return true, nil
	})

	start := time.Now()
	ok, err := Check(context.Background(), slow, addr, 30*time.Millisecond)
	elapsed := time.Since(start)
	if ok {
		t.Fatalf("timed out probe must count as failure")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("check blocked past its timeout: %s", elapsed)
	}
}

func TestCheckDefaultTimeout(t *testing.T) {
	var got time.Duration
	_, _ = Check(context.Background(), ProberFunc(func(ctx context.Context, a netip.Addr, timeout time.Duration) (bool, error) {
		got = timeout
		return true, nil
	}), netip.MustParseAddr("192.0.2.12"), 0)
	if got != DefaultTimeout {
		t.Fatalf("expected default timeout %s got %s", DefaultTimeout, got)
	}
}

func TestNewSelectsMethod(t *testing.T) {
	cases := map[string]bool{
		"":            true,
		MethodExec:    true,
		MethodICMP:    true,
		MethodICMPUDP: true,
		"arp":         false,
	}
	for method, valid := range cases {
		p, err := New(method, Dependencies{})
		if valid && (err != nil || p == nil) {
			t.Fatalf("method %q: expected prober, got err=%v", method, err)
		}
		if !valid && err == nil {
			t.Fatalf("method %q: expected error", method)
		}
	}
}
