package ledger

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/cuelight/cuelight/internal/eventbus"
)

// Recorder mirrors the event stream into the activity log. Handlers run
// on the bus worker pool, so a slow disk never blocks signal handling.
type Recorder struct {
	ledger *Ledger
}

// NewRecorder creates a recorder and subscribes it to every event type.
func NewRecorder(l *Ledger, bus *eventbus.Bus) *Recorder {
	r := &Recorder{ledger: l}
	bus.SubscribeAll(r.record)
	return r
}

func (r *Recorder) record(ev eventbus.Event) {
	entry := Entry{
		EventType: string(ev.Type),
		RoomID:    stringField(ev.Data, "room_id"),
		SignalID:  stringField(ev.Data, "signal_id"),
		Source:    stringField(ev.Data, "source"),
	}
	if entry.Source == "" {
		entry.Source = "system"
	}

	switch ev.Type {
	case eventbus.EventBridgeConnected:
		entry.Detail = fmt.Sprintf("connected to %s using the %s protocol",
			stringField(ev.Data, "host"), stringField(ev.Data, "version"))
	case eventbus.EventBridgeDisconnected:
		entry.Detail = fmt.Sprintf("disconnected from %s", stringField(ev.Data, "host"))
	case eventbus.EventCommandFailed:
		entry.Detail = stringField(ev.Data, "error")
	case eventbus.EventRoomsCleared:
		entry.Detail = fmt.Sprintf("cleared %d rooms", intField(ev.Data, "count"))
	}

	if err := r.ledger.Append(entry); err != nil {
		log.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("Failed to record activity entry")
	}
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

func intField(data map[string]interface{}, key string) int {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
