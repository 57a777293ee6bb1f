package events

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/pingsantohq/monitor/pkg/types"
)

type Recorder interface {
	Record(event types.Event)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(event types.Event) {}

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(event types.Event) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(event)
		}
	}
}

// LogRecorder writes each event as a single log line.
type LogRecorder struct {
	logger *log.Logger
}

func NewLogRecorder(logger *log.Logger) LogRecorder {
	return LogRecorder{logger: logger}
}

func (r LogRecorder) Record(event types.Event) {
	if r.logger == nil {
		return
	}
	r.logger.Print(Format(event))
}

// Format renders an event as "event=<type> target=<t> k=v ..." with labels
// then details, each in key order.
func Format(event types.Event) string {
	var sb strings.Builder
	sb.WriteString("event=")
	sb.WriteString(string(event.Type))
	if event.Target != "" {
		sb.WriteString(" target=")
		sb.WriteString(event.Target)
	}
	labels := make([]string, 0, len(event.Labels))
	for k := range event.Labels {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	for _, k := range labels {
		fmt.Fprintf(&sb, " %s=%s", k, event.Labels[k])
	}
	keys := make([]string, 0, len(event.Details))
	for k := range event.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, event.Details[k])
	}
	return sb.String()
}
