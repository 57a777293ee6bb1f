package types

import "time"

type EventType string

const (
	EventTaskStarted        EventType = "TaskStarted"
	EventTaskStopped        EventType = "TaskStopped"
	EventTargetRejected     EventType = "TargetRejected"
	EventIntervalChanged    EventType = "IntervalChanged"
	EventMonitoringStopped  EventType = "MonitoringStopped"
	EventExport             EventType = "Export"
	EventClientConnected    EventType = "ClientConnected"
	EventClientDisconnected EventType = "ClientDisconnected"
)

type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"ts"`
	Target    string            `json:"target,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Details   map[string]any    `json:"details,omitempty"`
}
