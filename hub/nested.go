package hub

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/errors"
	"github.com/weftlabs/weft/forward"
	"github.com/weftlabs/weft/history"
)

// KindNested marks live events relayed from a nested execution rather
// than emitted by the run's own step chain.
const KindNested = "nested"

// NestedSink returns a forwarder sink that publishes tagged
// nested-execution events to the hub. The emitter becomes the event's
// execution id and the owning run its parent, so a subscriber filtered
// to the run receives the nested stream through the parent-id rule.
func NestedSink(h *Hub) forward.Sink {
	return func(ctx context.Context, ev forward.Event) error {
		payload, err := json.Marshal(ev.Data)
		if err != nil {
			return errors.Wrap(err, "encode forwarded payload")
		}

		level := history.LevelInfo
		if raw, ok := ev.Data["level"].(string); ok && raw != "" {
			level = history.Level(raw)
		}

		h.Publish(Event{
			ID:                uuid.NewString(),
			ExecutionID:       ev.EmitterID,
			ParentExecutionID: ev.RunID,
			Kind:              KindNested,
			Name:              ev.Type,
			Level:             level,
			Timestamp:         ev.Timestamp,
			Payload:           payload,
		})
		return nil
	}
}
