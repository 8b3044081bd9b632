// Package forward relays events produced by nested executions into the
// owning run's event stream. It filters high-volume types, stamps emitter
// attribution onto each payload, and hands the result to a configured
// sink. Forwarding failures never reach the caller.
package forward

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weftlabs/weft/errors"
)

// Event types whose tool display name is rewritten with the emitter name
// so overlapping tool names across nested executions stay distinguishable.
const (
	TypeToolCall   = "tool_call"
	TypeToolResult = "tool_result"
)

// DefaultExcludedTypes are high-volume, low-value types dropped unless
// the owner opts them back in with Allow.
var DefaultExcludedTypes = []string{
	"token_delta",
	"heartbeat",
	"progress_tick",
}

// Event is a raw event emitted by a nested execution. All fields except
// RunID are required; events missing any of them are logged and dropped.
type Event struct {
	Type        string         `json:"type"`
	Data        map[string]any `json:"data"`
	Timestamp   time.Time      `json:"timestamp"`
	EmitterID   string         `json:"emitter_id"`
	EmitterName string         `json:"emitter_name"`

	// RunID optionally names the owning run. Cross-process emitters set
	// it so the sink can attribute the event to the run that delegated
	// to them.
	RunID string `json:"run_id,omitempty"`
}

// Sink delivers a tagged event. It may be asynchronous internally; the
// forwarder treats a returned error as a local delivery failure.
type Sink func(ctx context.Context, ev Event) error

// Forwarder filters, tags, and relays nested-execution events. A nil
// sink makes it a dry-run pass-through that only filters and logs.
type Forwarder struct {
	mu       sync.RWMutex
	excluded map[string]struct{}

	sink   Sink
	logger *zap.SugaredLogger
}

// NewForwarder creates a forwarder with the default exclusion set.
func NewForwarder(sink Sink, logger *zap.SugaredLogger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	f := &Forwarder{
		excluded: make(map[string]struct{}, len(DefaultExcludedTypes)),
		sink:     sink,
		logger:   logger,
	}
	for _, t := range DefaultExcludedTypes {
		f.excluded[t] = struct{}{}
	}
	return f
}

// Exclude adds event types to the exclusion set.
func (f *Forwarder) Exclude(types ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range types {
		f.excluded[t] = struct{}{}
	}
}

// SetExcludedTypes replaces the exclusion set wholesale. Config reloads
// call this with the freshly loaded list.
func (f *Forwarder) SetExcludedTypes(types []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.excluded = make(map[string]struct{}, len(types))
	for _, t := range types {
		f.excluded[t] = struct{}{}
	}
}

// Allow removes event types from the exclusion set.
func (f *Forwarder) Allow(types ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range types {
		delete(f.excluded, t)
	}
}

// Excluded reports whether eventType is currently filtered out.
func (f *Forwarder) Excluded(eventType string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.excluded[eventType]
	return ok
}

// Forward relays one event. It never returns an error and never panics:
// malformed events are dropped with a log line, excluded types are
// skipped, and sink failures are logged locally.
func (f *Forwarder) Forward(ctx context.Context, ev Event) {
	if reason := missingField(ev); reason != "" {
		f.logger.Warnw("Dropping malformed nested event",
			"missing", reason,
			"type", ev.Type,
			"emitter_id", ev.EmitterID,
		)
		return
	}
	if f.Excluded(ev.Type) {
		return
	}

	tagged := tag(ev)

	if f.sink == nil {
		f.logger.Debugw("No sink configured, event not forwarded",
			"type", tagged.Type,
			"emitter_name", tagged.EmitterName,
		)
		return
	}

	if err := f.deliver(ctx, tagged); err != nil {
		f.logger.Warnw("Failed to forward nested event",
			"type", tagged.Type,
			"emitter_id", tagged.EmitterID,
			"error", err,
		)
	}
}

// deliver invokes the sink, converting a panic into an error so a broken
// sink cannot abort the owning execution.
func (f *Forwarder) deliver(ctx context.Context, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("sink panic: %v", p)
		}
	}()
	return f.sink(ctx, ev)
}

// tag stamps emitter attribution onto a copy of the payload and rewrites
// the tool display name for tool-invocation and tool-result events.
func tag(ev Event) Event {
	data := make(map[string]any, len(ev.Data)+2)
	for k, v := range ev.Data {
		data[k] = v
	}
	data["emitter_id"] = ev.EmitterID
	data["emitter_name"] = ev.EmitterName

	if ev.Type == TypeToolCall || ev.Type == TypeToolResult {
		if name, ok := data["tool_name"].(string); ok && name != "" {
			data["tool_name"] = ev.EmitterName + ": " + name
		}
	}

	ev.Data = data
	return ev
}

func missingField(ev Event) string {
	switch {
	case ev.Type == "":
		return "type"
	case ev.Data == nil:
		return "data"
	case ev.Timestamp.IsZero():
		return "timestamp"
	case ev.EmitterID == "":
		return "emitterId"
	case ev.EmitterName == "":
		return "emitterName"
	}
	return ""
}
