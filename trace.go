package signalr

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// TraceLevels selects which diagnostic categories are written to Config.TraceWriter.
type TraceLevels uint8

const (
	TraceNone     TraceLevels = 0
	TraceMessages TraceLevels = 1 << (iota - 1)
	TraceEvents
	TraceStateChanges
	TraceAll = TraceMessages | TraceEvents | TraceStateChanges
)

func (tl TraceLevels) String() string {
	if tl == TraceNone {
		return "None"
	}
	if tl == TraceAll {
		return "All"
	}

	var parts []string
	if tl&TraceMessages != 0 {
		parts = append(parts, "Messages")
	}
	if tl&TraceEvents != 0 {
		parts = append(parts, "Events")
	}
	if tl&TraceStateChanges != 0 {
		parts = append(parts, "StateChanges")
	}

	return strings.Join(parts, "|")
}

// ParseTraceLevels accepts a comma or pipe separated list of level names, case-insensitive.
func ParseTraceLevels(raw string) (TraceLevels, error) {
	var levels TraceLevels
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '|' }) {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "none", "":
		case "messages":
			levels |= TraceMessages
		case "events":
			levels |= TraceEvents
		case "statechanges", "state":
			levels |= TraceStateChanges
		case "all":
			levels |= TraceAll
		default:
			return TraceNone, InvalidOperationError("unknown trace level " + part)
		}
	}

	return levels, nil
}

// tracer writes diagnostic lines to the trace sink, filtered by level.
type tracer struct {
	levels TraceLevels
	logger *slog.Logger
}

func newTracer(w io.Writer, levels TraceLevels) *tracer {
	if w == nil || levels == TraceNone {
		return &tracer{}
	}

	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})

	return &tracer{levels: levels, logger: slog.New(h)}
}

func (t *tracer) enabled(level TraceLevels) bool {
	return t.logger != nil && t.levels&level != 0
}

func (t *tracer) trace(level TraceLevels, msg string, args ...any) {
	if !t.enabled(level) {
		return
	}
	t.logger.Log(context.Background(), slog.LevelDebug, msg, append(args, "category", level.String())...)
}
