package metrics

// ProbeRecorder observes limiter occupancy and probe outcomes.
type ProbeRecorder interface {
	ObserveInFlight(n int)
	ObserveCapacity(n int)
	IncProbe(success bool)
}

type NoopProbeRecorder struct{}

func (NoopProbeRecorder) ObserveInFlight(n int) {}
func (NoopProbeRecorder) ObserveCapacity(n int) {}
func (NoopProbeRecorder) IncProbe(success bool) {}

// SchedulerRecorder observes the orchestrator's command handling.
type SchedulerRecorder interface {
	ObserveRunningTasks(n int)
	IncCommand(name string)
	IncRejectedTargets()
}

type NoopSchedulerRecorder struct{}

func (NoopSchedulerRecorder) ObserveRunningTasks(n int) {}
func (NoopSchedulerRecorder) IncCommand(name string)    {}
func (NoopSchedulerRecorder) IncRejectedTargets()       {}

// TransportRecorder observes client connections and the snapshot stream.
type TransportRecorder interface {
	ObserveClients(n int)
	IncWriteErrors()
	IncExports()
	ObserveBroadcast(records int)
}

type NoopTransportRecorder struct{}

func (NoopTransportRecorder) ObserveClients(n int)         {}
func (NoopTransportRecorder) IncWriteErrors()              {}
func (NoopTransportRecorder) IncExports()                  {}
func (NoopTransportRecorder) ObserveBroadcast(records int) {}
