package health

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pingsantohq/monitor/internal/metrics"
)

const defaultStreamStale = 5 * time.Second

const (
	categoryTransportPending = "TRANSPORT_PENDING"
	categoryLimiterSaturated = "LIMITER_SATURATED"
	categoryStreamStale      = "STREAM_STALE"
)

const (
	severityInfo    = "info"
	severityWarning = "warning"
)

// Checker evaluates readiness conditions for the monitor.
type Checker struct {
	metrics    *metrics.Store
	staleAfter time.Duration

	mu            sync.RWMutex
	listenAddr    string
	lastBroadcast time.Time
}

// NewChecker constructs a readiness checker bound to the provided metrics
// store. staleAfter bounds the gap between snapshot pushes while clients are
// connected.
func NewChecker(store *metrics.Store, staleAfter time.Duration) *Checker {
	if staleAfter <= 0 {
		staleAfter = defaultStreamStale
	}
	return &Checker{
		metrics:    store,
		staleAfter: staleAfter,
	}
}

// ObserveListener records that the control port is accepting connections.
func (c *Checker) ObserveListener(addr string) {
	c.mu.Lock()
	c.listenAddr = addr
	c.mu.Unlock()
}

// ObserveBroadcast records the time of the latest snapshot push.
func (c *Checker) ObserveBroadcast(at time.Time) {
	c.mu.Lock()
	c.lastBroadcast = at
	c.mu.Unlock()
}

// Ready evaluates all readiness conditions and returns the overall status and reasons for failure.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	reasons := make([]string, 0, 3)
	categories := make([]metrics.ReadinessCategory, 0, 3)
	appendCategory := func(name, severity string) {
		categories = append(categories, metrics.ReadinessCategory{
			Name:     name,
			Severity: severity,
		})
	}

	c.mu.RLock()
	listenAddr := c.listenAddr
	lastBroadcast := c.lastBroadcast
	staleAfter := c.staleAfter
	c.mu.RUnlock()

	if listenAddr == "" {
		reasons = append(reasons, "control port not listening")
		appendCategory(categoryTransportPending, severityInfo)
	}

	if c.metrics != nil {
		snap := c.metrics.Snapshot()
		if snap.LimiterCapacity > 0 && snap.ProbesInFlight >= snap.LimiterCapacity {
			reasons = append(reasons, fmt.Sprintf("probe limiter saturated (%d/%d)", snap.ProbesInFlight, snap.LimiterCapacity))
			appendCategory(categoryLimiterSaturated, severityWarning)
		}
		if snap.ClientsConnected > 0 && !lastBroadcast.IsZero() && now.Sub(lastBroadcast) > staleAfter {
			reasons = append(reasons, fmt.Sprintf("snapshot stream stale (%s)", now.Sub(lastBroadcast).Round(time.Second)))
			appendCategory(categoryStreamStale, severityWarning)
		}
	}

	ready := len(reasons) == 0
	if c.metrics != nil {
		if ready {
			c.metrics.ObserveReadiness(true, "", nil)
		} else {
			c.metrics.ObserveReadiness(false, strings.Join(reasons, "; "), categories)
		}
	}
	if !ready {
		return false, reasons
	}
	return true, nil
}
