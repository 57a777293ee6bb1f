package probe

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"runtime"
	"strconv"
	"time"
)

// execWait is the per-reply wait handed to the ping utility.
const execWait = time.Second

// ExecProber shells out to the operating system's ping utility and treats a
// zero exit status as reachable.
type ExecProber struct {
	run  func(ctx context.Context, name string, args ...string) error
	goos string
}

func NewExecProber(deps Dependencies) *ExecProber {
	p := &ExecProber{
		run:  deps.RunCommand,
		goos: deps.GOOS,
	}
	if p.run == nil {
		p.run = func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		}
	}
	if p.goos == "" {
		p.goos = runtime.GOOS
	}
	return p
}

func (p *ExecProber) Probe(ctx context.Context, addr netip.Addr, timeout time.Duration) (bool, error) {
	name, args := pingCommand(p.goos, addr, timeout)
	err := p.run(ctx, name, args...)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	return false, fmt.Errorf("run %s: %w", name, err)
}

func pingCommand(goos string, addr netip.Addr, timeout time.Duration) (string, []string) {
	wait := execWait
	if timeout > 0 && timeout < wait {
		wait = timeout
	}
	ip := addr.String()
	switch goos {
	case "windows":
		return "ping", []string{"-n", "1", "-w", strconv.FormatInt(wait.Milliseconds(), 10), ip}
	case "darwin", "freebsd", "openbsd", "netbsd":
		if addr.Is6() && !addr.Is4In6() {
			return "ping6", []string{"-c", "1", ip}
		}
		return "ping", []string{"-c", "1", "-W", strconv.FormatInt(wait.Milliseconds(), 10), ip}
	default:
		secs := int64((wait + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		args := []string{"-c", "1", "-W", strconv.FormatInt(secs, 10)}
		if addr.Is6() && !addr.Is4In6() {
			args = append(args, "-6")
		}
		return "ping", append(args, ip)
	}
}
