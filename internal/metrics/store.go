package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pingsantohq/monitor/pkg/types"
)

// Store maintains in-memory gauges and counters for monitor telemetry.
type Store struct {
	probeSuccess        atomic.Uint64
	probeFailure        atomic.Uint64
	probesInFlight      atomic.Int64
	probesInFlightPeak  atomic.Int64
	limiterCapacity     atomic.Int64
	tasksRunning        atomic.Int64
	targetsRejected     atomic.Uint64
	clientsConnected    atomic.Int64
	streamWriteErrors   atomic.Uint64
	streamedRecords     atomic.Uint64
	exportsTotal        atomic.Uint64
	readinessState      atomic.Int64
	readinessReason     atomic.Value
	readinessCategories atomic.Value
	readyTransitions    atomic.Uint64
	notReadyTransitions atomic.Uint64
	commandTotals       sync.Map // command name -> *atomic.Uint64
	eventTotals         sync.Map // types.EventType -> *atomic.Uint64
	categoryTotals      sync.Map // categoryKey -> *atomic.Uint64
}

// ReadinessCategory captures a categorized readiness reason with severity.
type ReadinessCategory struct {
	Name     string
	Severity string
}

type categoryKey struct {
	Name     string
	Severity string
}

// NewStore constructs a Store with zeroed metrics.
func NewStore() *Store {
	store := &Store{}
	store.readinessReason.Store("")
	store.readinessCategories.Store([]ReadinessCategory(nil))
	return store
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	ProbeSuccessTotal   uint64
	ProbeFailureTotal   uint64
	ProbesInFlight      int64
	ProbesInFlightPeak  int64
	LimiterCapacity     int64
	TasksRunning        int64
	TargetsRejected     uint64
	ClientsConnected    int64
	StreamWriteErrors   uint64
	StreamedRecords     uint64
	ExportsTotal        uint64
	Ready               bool
	ReadyReason         string
	ReadyTransitions    uint64
	NotReadyTransitions uint64
	ReadyCategories     []ReadinessCategory
	Commands            []NamedCount
	Events              []NamedCount
	CategoryTransitions []CategoryCount
}

// NamedCount is a counter keyed by a single label value.
type NamedCount struct {
	Name  string
	Count uint64
}

// CategoryCount captures accumulated transition counts per category/severity.
type CategoryCount struct {
	Category string
	Severity string
	Count    uint64
}

// Snapshot returns a point-in-time copy of the metrics.
func (s *Store) Snapshot() Snapshot {
	readyReason, _ := s.readinessReason.Load().(string)
	rawCategories, _ := s.readinessCategories.Load().([]ReadinessCategory)
	categories := make([]ReadinessCategory, len(rawCategories))
	copy(categories, rawCategories)

	categoryCounts := make([]CategoryCount, 0)
	s.categoryTotals.Range(func(key, value any) bool {
		ckey, ok := key.(categoryKey)
		if !ok {
			return true
		}
		counter, ok := value.(*atomic.Uint64)
		if !ok || counter == nil {
			return true
		}
		categoryCounts = append(categoryCounts, CategoryCount{
			Category: ckey.Name,
			Severity: ckey.Severity,
			Count:    counter.Load(),
		})
		return true
	})
	sort.Slice(categoryCounts, func(i, j int) bool {
		if categoryCounts[i].Category == categoryCounts[j].Category {
			return categoryCounts[i].Severity < categoryCounts[j].Severity
		}
		return categoryCounts[i].Category < categoryCounts[j].Category
	})

	return Snapshot{
		ProbeSuccessTotal:   s.probeSuccess.Load(),
		ProbeFailureTotal:   s.probeFailure.Load(),
		ProbesInFlight:      s.probesInFlight.Load(),
		ProbesInFlightPeak:  s.probesInFlightPeak.Load(),
		LimiterCapacity:     s.limiterCapacity.Load(),
		TasksRunning:        s.tasksRunning.Load(),
		TargetsRejected:     s.targetsRejected.Load(),
		ClientsConnected:    s.clientsConnected.Load(),
		StreamWriteErrors:   s.streamWriteErrors.Load(),
		StreamedRecords:     s.streamedRecords.Load(),
		ExportsTotal:        s.exportsTotal.Load(),
		Ready:               s.readinessState.Load() == 1,
		ReadyReason:         readyReason,
		ReadyTransitions:    s.readyTransitions.Load(),
		NotReadyTransitions: s.notReadyTransitions.Load(),
		ReadyCategories:     categories,
		Commands:            namedCounts(&s.commandTotals),
		Events:              namedCounts(&s.eventTotals),
		CategoryTransitions: categoryCounts,
	}
}

func namedCounts(m *sync.Map) []NamedCount {
	out := make([]NamedCount, 0)
	m.Range(func(key, value any) bool {
		counter, ok := value.(*atomic.Uint64)
		if !ok || counter == nil {
			return true
		}
		out = append(out, NamedCount{Name: fmt.Sprint(key), Count: counter.Load()})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func counterFor(m *sync.Map, key any) *atomic.Uint64 {
	if value, ok := m.Load(key); ok {
		if counter, ok := value.(*atomic.Uint64); ok && counter != nil {
			return counter
		}
	}
	counter := &atomic.Uint64{}
	actual, _ := m.LoadOrStore(key, counter)
	if existing, ok := actual.(*atomic.Uint64); ok && existing != nil {
		return existing
	}
	return counter
}

// ProbeRecorder returns an implementation of ProbeRecorder backed by the store.
func (s *Store) ProbeRecorder() ProbeRecorder {
	return probeRecorder{store: s}
}

// SchedulerRecorder returns an implementation of SchedulerRecorder backed by the store.
func (s *Store) SchedulerRecorder() SchedulerRecorder {
	return schedulerRecorder{store: s}
}

// TransportRecorder returns an implementation of TransportRecorder backed by the store.
func (s *Store) TransportRecorder() TransportRecorder {
	return transportRecorder{store: s}
}

// Record counts lifecycle events by type, satisfying events.Recorder.
func (s *Store) Record(event types.Event) {
	counterFor(&s.eventTotals, event.Type).Add(1)
}

type probeRecorder struct {
	store *Store
}

func (r probeRecorder) ObserveInFlight(n int) {
	v := int64(n)
	r.store.probesInFlight.Store(v)
	for {
		peak := r.store.probesInFlightPeak.Load()
		if v <= peak || r.store.probesInFlightPeak.CompareAndSwap(peak, v) {
			return
		}
	}
}

func (r probeRecorder) ObserveCapacity(n int) {
	r.store.limiterCapacity.Store(int64(n))
}

func (r probeRecorder) IncProbe(success bool) {
	if success {
		r.store.probeSuccess.Add(1)
		return
	}
	r.store.probeFailure.Add(1)
}

type schedulerRecorder struct {
	store *Store
}

func (r schedulerRecorder) ObserveRunningTasks(n int) {
	r.store.tasksRunning.Store(int64(n))
}

func (r schedulerRecorder) IncCommand(name string) {
	counterFor(&r.store.commandTotals, name).Add(1)
}

func (r schedulerRecorder) IncRejectedTargets() {
	r.store.targetsRejected.Add(1)
}

type transportRecorder struct {
	store *Store
}

func (r transportRecorder) ObserveClients(n int) {
	if n < 0 {
		n = 0
	}
	r.store.clientsConnected.Store(int64(n))
}

func (r transportRecorder) IncWriteErrors() {
	r.store.streamWriteErrors.Add(1)
}

func (r transportRecorder) IncExports() {
	r.store.exportsTotal.Add(1)
}

func (r transportRecorder) ObserveBroadcast(records int) {
	if records > 0 {
		r.store.streamedRecords.Add(uint64(records))
	}
}

func (s *Store) ObserveReadiness(ready bool, reason string, categories []ReadinessCategory) {
	prev := s.readinessState.Load()
	if ready {
		if prev == 0 {
			s.readyTransitions.Add(1)
		}
		s.readinessState.Store(1)
		s.readinessReason.Store("")
		s.readinessCategories.Store([]ReadinessCategory(nil))
		return
	}
	if prev == 1 {
		s.notReadyTransitions.Add(1)
	}
	s.readinessState.Store(0)
	s.readinessReason.Store(reason)
	deduped := dedupeCategories(categories)
	s.readinessCategories.Store(deduped)
	if prev == 1 {
		for _, cat := range deduped {
			counterFor(&s.categoryTotals, categoryKey{Name: cat.Name, Severity: cat.Severity}).Add(1)
		}
	}
}

func dedupeCategories(categories []ReadinessCategory) []ReadinessCategory {
	if len(categories) == 0 {
		return nil
	}
	seen := make(map[categoryKey]struct{}, len(categories))
	result := make([]ReadinessCategory, 0, len(categories))
	for _, c := range categories {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		key := categoryKey{Name: strings.TrimSpace(c.Name), Severity: normalizeSeverity(c.Severity)}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, ReadinessCategory{Name: key.Name, Severity: key.Severity})
	}
	return result
}

func normalizeSeverity(severity string) string {
	severity = strings.TrimSpace(strings.ToLower(severity))
	switch severity {
	case "":
		return "unknown"
	case "info", "informational":
		return "info"
	case "warn", "warning":
		return "warning"
	case "critical", "crit":
		return "critical"
	default:
		return severity
	}
}

// WritePrometheus renders the current metrics using the Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	readyValue := 0
	if snap.Ready {
		readyValue = 1
	}
	reason := snap.ReadyReason
	if reason == "" {
		reason = "ready"
		if !snap.Ready {
			reason = "unknown"
		}
	}
	lines := []string{
		"# HELP pingsanto_monitor_probes_total Completed probes by outcome.",
		"# TYPE pingsanto_monitor_probes_total counter",
		fmt.Sprintf("pingsanto_monitor_probes_total{outcome=%q} %d", "success", snap.ProbeSuccessTotal),
		fmt.Sprintf("pingsanto_monitor_probes_total{outcome=%q} %d", "failure", snap.ProbeFailureTotal),
		"# HELP pingsanto_monitor_probes_in_flight Probes currently holding a limiter slot.",
		"# TYPE pingsanto_monitor_probes_in_flight gauge",
		fmt.Sprintf("pingsanto_monitor_probes_in_flight %d", snap.ProbesInFlight),
		"# HELP pingsanto_monitor_probes_in_flight_peak Highest observed number of concurrent probes.",
		"# TYPE pingsanto_monitor_probes_in_flight_peak gauge",
		fmt.Sprintf("pingsanto_monitor_probes_in_flight_peak %d", snap.ProbesInFlightPeak),
		"# HELP pingsanto_monitor_limiter_capacity Configured limiter capacity.",
		"# TYPE pingsanto_monitor_limiter_capacity gauge",
		fmt.Sprintf("pingsanto_monitor_limiter_capacity %d", snap.LimiterCapacity),
		"# HELP pingsanto_monitor_tasks_running Probe tasks currently running.",
		"# TYPE pingsanto_monitor_tasks_running gauge",
		fmt.Sprintf("pingsanto_monitor_tasks_running %d", snap.TasksRunning),
		"# HELP pingsanto_monitor_targets_rejected_total Targets rejected at admission.",
		"# TYPE pingsanto_monitor_targets_rejected_total counter",
		fmt.Sprintf("pingsanto_monitor_targets_rejected_total %d", snap.TargetsRejected),
		"# HELP pingsanto_monitor_clients_connected Connected control clients.",
		"# TYPE pingsanto_monitor_clients_connected gauge",
		fmt.Sprintf("pingsanto_monitor_clients_connected %d", snap.ClientsConnected),
		"# HELP pingsanto_monitor_stream_write_errors_total Failed writes to clients.",
		"# TYPE pingsanto_monitor_stream_write_errors_total counter",
		fmt.Sprintf("pingsanto_monitor_stream_write_errors_total %d", snap.StreamWriteErrors),
		"# HELP pingsanto_monitor_streamed_records_total Snapshot records pushed to subscribers.",
		"# TYPE pingsanto_monitor_streamed_records_total counter",
		fmt.Sprintf("pingsanto_monitor_streamed_records_total %d", snap.StreamedRecords),
		"# HELP pingsanto_monitor_exports_total Completed CSV exports.",
		"# TYPE pingsanto_monitor_exports_total counter",
		fmt.Sprintf("pingsanto_monitor_exports_total %d", snap.ExportsTotal),
		"# HELP pingsanto_monitor_ready Whether the monitor considers itself ready (1=ready).",
		"# TYPE pingsanto_monitor_ready gauge",
		fmt.Sprintf("pingsanto_monitor_ready %d", readyValue),
		"# HELP pingsanto_monitor_ready_info Reason associated with the most recent readiness evaluation.",
		"# TYPE pingsanto_monitor_ready_info gauge",
		fmt.Sprintf("pingsanto_monitor_ready_info{reason=%q} 1", reason),
		"# HELP pingsanto_monitor_ready_transitions_total Count of readiness state transitions by resulting state.",
		"# TYPE pingsanto_monitor_ready_transitions_total counter",
		fmt.Sprintf("pingsanto_monitor_ready_transitions_total{state=%q} %d", "ready", snap.ReadyTransitions),
		fmt.Sprintf("pingsanto_monitor_ready_transitions_total{state=%q} %d", "not_ready", snap.NotReadyTransitions),
		"# HELP pingsanto_monitor_commands_total Control commands processed by type.",
		"# TYPE pingsanto_monitor_commands_total counter",
	}
	for _, c := range snap.Commands {
		lines = append(lines, fmt.Sprintf("pingsanto_monitor_commands_total{cmd=%q} %d", c.Name, c.Count))
	}
	lines = append(lines,
		"# HELP pingsanto_monitor_events_total Lifecycle events by type.",
		"# TYPE pingsanto_monitor_events_total counter",
	)
	for _, e := range snap.Events {
		lines = append(lines, fmt.Sprintf("pingsanto_monitor_events_total{type=%q} %d", e.Name, e.Count))
	}
	lines = append(lines,
		"# HELP pingsanto_monitor_ready_category_transitions_total Count of readiness degradations annotated by category.",
		"# TYPE pingsanto_monitor_ready_category_transitions_total counter",
	)
	if len(snap.CategoryTransitions) == 0 {
		lines = append(lines, fmt.Sprintf("pingsanto_monitor_ready_category_transitions_total{category=%q,severity=%q} %d", "none", "none", 0))
	}
	for _, cc := range snap.CategoryTransitions {
		lines = append(lines, fmt.Sprintf("pingsanto_monitor_ready_category_transitions_total{category=%q,severity=%q} %d", cc.Category, cc.Severity, cc.Count))
	}
	lines = append(lines, "")
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// NewHTTPHandler returns an http.Handler that serves Prometheus formatted metrics.
func NewHTTPHandler(store *Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if r.Method == http.MethodHead {
			return
		}
		if err := store.WritePrometheus(w); err != nil {
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		}
	})
}
