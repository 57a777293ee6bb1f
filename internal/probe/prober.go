package probe

import (
	"context"
	"fmt"
	"net/netip"
	"time"
)

// DefaultTimeout is the hard bound applied to every probe.
const DefaultTimeout = 2 * time.Second

const (
	MethodExec    = "exec"
	MethodICMP    = "icmp"
	MethodICMPUDP = "icmp-udp"
)

// Prober performs one reachability check. Implementations should return
// within timeout; Check enforces it regardless.
type Prober interface {
	Probe(ctx context.Context, addr netip.Addr, timeout time.Duration) (bool, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, addr netip.Addr, timeout time.Duration) (bool, error)

func (f ProberFunc) Probe(ctx context.Context, addr netip.Addr, timeout time.Duration) (bool, error) {
	return f(ctx, addr, timeout)
}

// Check runs p against addr and never blocks past timeout. An error or an
// expired timeout reports false together with the cause.
func Check(ctx context.Context, p Prober, addr netip.Addr, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		ok  bool
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ok, err := p.Probe(ctx, addr, timeout)
		done <- outcome{ok: ok, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return false, res.err
		}
		return res.ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Dependencies carries optional overrides used when building a prober.
type Dependencies struct {
	RunCommand func(ctx context.Context, name string, args ...string) error
	GOOS       string
}

// New returns the prober registered for method.
func New(method string, deps Dependencies) (Prober, error) {
	switch method {
	case "", MethodExec:
		return NewExecProber(deps), nil
	case MethodICMP:
		return NewICMPProber(true), nil
	case MethodICMPUDP:
		return NewICMPProber(false), nil
	default:
		return nil, fmt.Errorf("unknown probe method %q", method)
	}
}
