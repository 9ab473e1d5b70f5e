// Package signal defines the fixed set of staff signals and their
// translation into light commands. Signals are static configuration:
// the set is compiled in and never changes at runtime.
package signal

// Signal IDs. Exactly one of these (SignalClear) turns lights off.
const (
	SignalRoomReady  = "room-ready"
	SignalAssistance = "assistance"
	SignalDoctor     = "doctor"
	SignalEmergency  = "emergency"
	SignalClear      = "clear"
)

// ColorPoint is a CIE xy chromaticity coordinate. Both components are
// in [0,1]; the bridge interpolates within each fixture's native gamut.
type ColorPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Signal is one staff-visible signal. Color is nil for the clear
// signal, meaning "no color, lights off". Priority is reserved; nothing
// enforces it yet.
type Signal struct {
	ID         string      `json:"id"`
	Label      string      `json:"label"`
	Color      *ColorPoint `json:"color,omitempty"`
	Brightness int         `json:"brightness"`
	Priority   int         `json:"priority"`
}

// IsClear reports whether this is the clear signal.
func (s Signal) IsClear() bool {
	return s.Color == nil
}

// Command is the normalized state change sent to a light or group.
// Brightness stays in percent; protocol adapters rescale where the wire
// format needs a different range.
type Command struct {
	On         bool
	Brightness int
	XY         *ColorPoint
}

var registry = []Signal{
	{ID: SignalRoomReady, Label: "Room Ready", Color: &ColorPoint{X: 0.17, Y: 0.70}, Brightness: 80, Priority: 1},
	{ID: SignalAssistance, Label: "Assistance Needed", Color: &ColorPoint{X: 0.52, Y: 0.43}, Brightness: 90, Priority: 2},
	{ID: SignalDoctor, Label: "Doctor Requested", Color: &ColorPoint{X: 0.16, Y: 0.10}, Brightness: 90, Priority: 3},
	{ID: SignalEmergency, Label: "Emergency", Color: &ColorPoint{X: 0.67, Y: 0.32}, Brightness: 100, Priority: 4},
	{ID: SignalClear, Label: "Clear", Color: nil, Brightness: 0, Priority: 0},
}

// All returns the signal set in display order. The returned slice is a
// copy; callers may not mutate the registry.
func All() []Signal {
	out := make([]Signal, len(registry))
	copy(out, registry)
	return out
}

// ByID looks up a signal by its identifier.
func ByID(id string) (Signal, bool) {
	for _, s := range registry {
		if s.ID == id {
			return s, true
		}
	}
	return Signal{}, false
}

// Encode maps a signal to the command that realizes it. Pure: the same
// signal always yields the same command. Clear turns the light off and
// carries no color or brightness.
func Encode(s Signal) Command {
	if s.IsClear() {
		return Command{On: false}
	}
	return Command{
		On:         true,
		Brightness: s.Brightness,
		XY:         s.Color,
	}
}
