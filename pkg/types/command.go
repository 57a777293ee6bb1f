package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommandName identifies a control command on the wire.
type CommandName string

const (
	CommandStart       CommandName = "start"
	CommandSetInterval CommandName = "set_interval"
	CommandStop        CommandName = "stop"
	CommandExport      CommandName = "export"
)

// ExportAck is the line written back to a client once an export completed.
const ExportAck = "Exported"

// Command is a single line of the control protocol.
type Command struct {
	Cmd        CommandName `json:"cmd" yaml:"cmd"`
	IPs        []string    `json:"ips,omitempty" yaml:"ips,omitempty"`
	IntervalMs *uint64     `json:"interval,omitempty" yaml:"interval,omitempty"`
}

var (
	ErrUnknownCommand  = errors.New("unknown command")
	ErrMissingInterval = errors.New("interval is required")
)

// Interval returns the interval in milliseconds, or 0 when it was omitted.
func (c Command) Interval() uint64 {
	if c.IntervalMs == nil {
		return 0
	}
	return *c.IntervalMs
}

// StartCommand builds a start command for the given targets.
func StartCommand(ips []string, intervalMs uint64) Command {
	return Command{Cmd: CommandStart, IPs: append([]string{}, ips...), IntervalMs: &intervalMs}
}

// SetIntervalCommand builds a set_interval command.
func SetIntervalCommand(intervalMs uint64) Command {
	return Command{Cmd: CommandSetInterval, IntervalMs: &intervalMs}
}

// Validate checks the command name and the fields it requires.
func (c Command) Validate() error {
	switch c.Cmd {
	case CommandStart:
		if c.IntervalMs == nil {
			return fmt.Errorf("start: %w", ErrMissingInterval)
		}
	case CommandSetInterval:
		if c.IntervalMs == nil {
			return fmt.Errorf("set_interval: %w", ErrMissingInterval)
		}
	case CommandStop, CommandExport:
	default:
		return fmt.Errorf("%w %q", ErrUnknownCommand, c.Cmd)
	}
	return nil
}

// EncodeCommand serializes a command to a single JSON line terminated by a newline.
func EncodeCommand(cmd Command) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("serialize command: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeCommand parses and validates a single command line.
func DecodeCommand(line []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return cmd, fmt.Errorf("deserialize command: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return cmd, err
	}
	return cmd, nil
}

// EncodeRecord serializes a snapshot record as a JSON line.
func EncodeRecord(rec StatRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("serialize record: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeRecord parses a snapshot line.
func DecodeRecord(line []byte) (StatRecord, error) {
	var rec StatRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return rec, fmt.Errorf("deserialize record: %w", err)
	}
	return rec, nil
}
