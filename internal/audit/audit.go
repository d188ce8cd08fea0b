package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/IMQS/log"
)

// Event types emitted by the engine.
const (
	TypeLoginStarted     = "login_started"
	TypeStageVerified    = "stage_verified"
	TypeStageFailed      = "stage_failed"
	TypeLoginComplete    = "login_complete"
	TypeLoginAbandoned   = "login_abandoned"
	TypeRateLimited      = "rate_limited"
	TypeRefresh          = "token_refresh"
	TypeRefreshReuse     = "refresh_reuse"
	TypeLogout           = "logout"
	TypePasswordChange   = "password_change"
	TypeProviderRejected = "provider_rejected"
)

// Event is one audit record. Metadata never carries secrets or codes.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	FlowID    string            `json:"flow_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Sink interface {
	Emit(ctx context.Context, event Event)
}

type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink hands events to a reader; tests drain Events().
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{events: make(chan Event, max(buffer, 1))}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event { return s.events }

// JSONWriterSink writes newline-delimited JSON.
type JSONWriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{enc: json.NewEncoder(w)}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.enc == nil {
		return
	}
	s.mu.Lock()
	_ = s.enc.Encode(event)
	s.mu.Unlock()
}

// LogSink writes one line per event to an IMQS logger. Failures go out at
// warning level.
type LogSink struct {
	Log *log.Logger
}

func (s LogSink) Emit(_ context.Context, e Event) {
	if s.Log == nil {
		return
	}
	if e.Success {
		s.Log.Infof("audit %v user=%v flow=%v ip=%v %v", e.EventType, e.UserID, e.FlowID, e.IP, e.Metadata)
		return
	}
	s.Log.Warnf("audit %v user=%v flow=%v ip=%v error=%v %v", e.EventType, e.UserID, e.FlowID, e.IP, e.Error, e.Metadata)
}
