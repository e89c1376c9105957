// Package daq implements force/torque sensor acquisition: the event types
// flowing through the pipeline, analog drivers, calibration and the
// per-sensor sampling worker.
package daq

// NumChannels is the number of analog channels of a six-axis sensor.
const NumChannels = 6

// Kind identifies the concrete type of an Event.
type Kind string

const (
	KindForce   Kind = "force"
	KindTrigger Kind = "trigger"
	KindCommand Kind = "command"
)

// Event is one entry of the merged recording stream. The set of
// implementations is closed: ForceSample, SoftTrigger and CommandEvent.
type Event interface {
	// Timestamp returns milliseconds since the shared timer's epoch.
	Timestamp() int64
	Kind() Kind
	isEvent()
}

// Forces holds calibrated forces (N) and torques (Nm).
type Forces struct {
	Fx, Fy, Fz float64
	Tx, Ty, Tz float64
}

// Axis returns the value of a named axis ("Fx" … "Tz").
func (f Forces) Axis(name string) (float64, bool) {
	switch name {
	case "Fx":
		return f.Fx, true
	case "Fy":
		return f.Fy, true
	case "Fz":
		return f.Fz, true
	case "Tx":
		return f.Tx, true
	case "Ty":
		return f.Ty, true
	case "Tz":
		return f.Tz, true
	default:
		return 0, false
	}
}

// AxisNames lists axes in output order.
var AxisNames = [NumChannels]string{"Fx", "Fy", "Fz", "Tx", "Ty", "Tz"}

// ForceSample is one calibrated reading of one sensor.
type ForceSample struct {
	DeviceID int
	Time     int64
	Forces
}

func (s ForceSample) Timestamp() int64 { return s.Time }
func (ForceSample) Kind() Kind         { return KindForce }
func (ForceSample) isEvent()           {}

// SoftTrigger is an operator marker with an integer code.
type SoftTrigger struct {
	Time int64
	Code int
}

func (s SoftTrigger) Timestamp() int64 { return s.Time }
func (SoftTrigger) Kind() Kind         { return KindTrigger }
func (SoftTrigger) isEvent()           {}

// CommandEvent is a message received on the command channel.
type CommandEvent struct {
	Time int64
	Raw  string
}

func (c CommandEvent) Timestamp() int64 { return c.Time }
func (CommandEvent) Kind() Kind         { return KindCommand }
func (CommandEvent) isEvent()           {}

// CountByKind tallies events per kind.
func CountByKind(events []Event) map[string]int {
	counts := make(map[string]int, 3)
	for _, e := range events {
		counts[string(e.Kind())]++
	}
	return counts
}
