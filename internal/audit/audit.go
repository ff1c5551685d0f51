package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event records one login, logout or session fetch outcome of a browser.
type Event struct {
	// Seq orders events of one relay; assigned on Emit.
	Seq        uint64            `json:"seq"`
	Timestamp  time.Time         `json:"timestamp"`
	EventType  string            `json:"event_type"`
	ClientID   string            `json:"client_id,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Role       string            `json:"role,omitempty"`
	Generation uint64            `json:"generation"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Sink receives events from the relay goroutine, one at a time.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink hands events to a reader through a buffered channel.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{events: make(chan Event, max(buffer, 1))}
}

// Emit blocks while the channel is full, until ctx is done.
func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	failed atomic.Uint64
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{w: w}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.w == nil {
		return
	}
	line, err := json.Marshal(event)
	if err != nil {
		s.failed.Add(1)
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		s.failed.Add(1)
	}
}

// Failed counts events that could not be encoded or written.
func (s *JSONWriterSink) Failed() uint64 {
	return s.failed.Load()
}

// SlogSink writes events as structured log records under the "audit" message.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(ctx context.Context, event Event) {
	attrs := []slog.Attr{
		slog.Uint64("seq", event.Seq),
		slog.String("event_type", event.EventType),
		slog.Bool("success", event.Success),
		slog.Uint64("generation", event.Generation),
	}
	for _, kv := range [...][2]string{
		{"client_id", event.ClientID},
		{"request_id", event.RequestID},
		{"user_id", event.UserID},
		{"role", event.Role},
		{"error", event.Error},
	} {
		if kv[1] != "" {
			attrs = append(attrs, slog.String(kv[0], kv[1]))
		}
	}
	if event.Attempts > 0 {
		attrs = append(attrs, slog.Int("attempts", event.Attempts))
	}

	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "audit", attrs...)
}
