// Package remote implements the command channel: text messages received
// from a remote controller are queued for the recorder, and replies are
// sent back on a separate queue drained by the channel's own goroutine.
package remote

import (
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/forcedaq/forcedaq/internal/daq"
	"github.com/forcedaq/forcedaq/internal/errors"
)

// Wire prefixes and fixed messages.
const (
	CommandPrefix  = "$cmd"
	FeedbackPrefix = "$fb"
	ValuePrefix    = "$pv"

	CmdStart      = CommandPrefix + "start"
	CmdPause      = CommandPrefix + "pause"
	CmdQuit       = CommandPrefix + "quit"
	CmdFilename   = CommandPrefix + "fn"
	CmdThresholds = CommandPrefix + "thresholds"
	CmdGetValue   = CommandPrefix + "get"

	// Channel-level handshake, answered by the channel itself.
	ControlConnect = "$connect"
	ControlPing    = "$ping"
	ControlAck     = "$ok"

	// Recording states reported through Feedback.
	StatusStarted = "started"
	StatusPaused  = "paused"

	FeedbackStarted = FeedbackPrefix + StatusStarted
	FeedbackPaused  = FeedbackPrefix + StatusPaused
)

// CommandKind identifies a parsed remote command.
type CommandKind int

const (
	CommandStart CommandKind = iota + 1
	CommandPause
	CommandQuit
	CommandFilename
	CommandThresholds
	CommandGetValue
)

// Command is a recognized remote command.
type Command struct {
	Kind CommandKind
	// Filename is set for CommandFilename.
	Filename string
	// Thresholds is set for CommandThresholds; empty stops level detection.
	Thresholds []float64
	// Axis is set for CommandGetValue ("Fx" … "Tz").
	Axis string
}

var (
	// ErrNotCommand is returned for messages without the command prefix.
	ErrNotCommand = errors.NewStd("not a remote command")

	// ErrUnknownCommand is returned for prefixed messages that match no command.
	ErrUnknownCommand = errors.NewStd("unknown remote command")
)

// ParseCommand parses a raw message. Threshold lists that are not a JSON
// array of numbers parse as an empty list, which stops level detection.
func ParseCommand(raw string) (Command, error) {
	if !strings.HasPrefix(raw, CommandPrefix) {
		return Command{}, ErrNotCommand
	}

	switch {
	case raw == CmdStart:
		return Command{Kind: CommandStart}, nil
	case raw == CmdPause:
		return Command{Kind: CommandPause}, nil
	case raw == CmdQuit:
		return Command{Kind: CommandQuit}, nil
	case strings.HasPrefix(raw, CmdFilename):
		name := strings.TrimSpace(strings.TrimPrefix(raw, CmdFilename))
		if name == "" {
			return Command{}, unknownCommand(raw, "empty filename")
		}
		return Command{Kind: CommandFilename, Filename: name}, nil
	case strings.HasPrefix(raw, CmdThresholds):
		var thresholds []float64
		arg := strings.TrimSpace(strings.TrimPrefix(raw, CmdThresholds))
		if err := json.Unmarshal([]byte(arg), &thresholds); err != nil {
			thresholds = nil
		}
		return Command{Kind: CommandThresholds, Thresholds: thresholds}, nil
	case strings.HasPrefix(raw, CmdGetValue):
		axis := strings.TrimPrefix(raw, CmdGetValue)
		if !slices.Contains(daq.AxisNames[:], axis) {
			return Command{}, unknownCommand(raw, "unknown axis")
		}
		return Command{Kind: CommandGetValue, Axis: axis}, nil
	default:
		return Command{}, unknownCommand(raw, "")
	}
}

func unknownCommand(raw, reason string) error {
	b := errors.New(ErrUnknownCommand).
		Component("remote").
		Category(errors.CategoryCommandParse).
		Context("message", raw)
	if reason != "" {
		b = b.Context("reason", reason)
	}
	return b.Build()
}

// Feedback formats a status reply such as "$fbpaused".
func Feedback(status string) string {
	return FeedbackPrefix + status
}

// EncodeValue formats a value reply: the value prefix followed by JSON.
func EncodeValue(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.New(err).
			Component("remote").
			Category(errors.CategoryValidation).
			Build()
	}
	return ValuePrefix + string(b), nil
}

// DecodeValue parses a value reply produced by EncodeValue into v.
func DecodeValue(msg string, v any) error {
	if !strings.HasPrefix(msg, ValuePrefix) {
		return errors.Newf("message %q is not a value reply", msg).
			Component("remote").
			Category(errors.CategoryCommandParse).
			Build()
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(msg, ValuePrefix)), v); err != nil {
		return errors.New(err).
			Component("remote").
			Category(errors.CategoryCommandParse).
			Build()
	}
	return nil
}
