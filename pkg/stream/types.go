package stream

import "time"

type EventType string

const (
	EventTypeThinking        EventType = "THINKING"
	EventTypeGenerating      EventType = "GENERATING"
	EventTypeCodeChunk       EventType = "CODE_CHUNK"
	EventTypeBuildStarted    EventType = "BUILD_STARTED"
	EventTypeBuildSuccess    EventType = "BUILD_SUCCESS"
	EventTypeBuildFailed     EventType = "BUILD_FAILED"
	EventTypeFixingStarted   EventType = "FIXING_STARTED"
	EventTypeFixingProgress  EventType = "FIXING_PROGRESS"
	EventTypeFixingSuccess   EventType = "FIXING_SUCCESS"
	EventTypeFixingFailed    EventType = "FIXING_FAILED"
	EventTypeProjectComplete EventType = "PROJECT_COMPLETE"
	EventTypeError           EventType = "ERROR"
	EventTypeInfo            EventType = "INFO"
)

// EventTypes lists every type the server may emit, in protocol order.
var EventTypes = []EventType{
	EventTypeThinking,
	EventTypeGenerating,
	EventTypeCodeChunk,
	EventTypeBuildStarted,
	EventTypeBuildSuccess,
	EventTypeBuildFailed,
	EventTypeFixingStarted,
	EventTypeFixingProgress,
	EventTypeFixingSuccess,
	EventTypeFixingFailed,
	EventTypeProjectComplete,
	EventTypeError,
	EventTypeInfo,
}

func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Terminal reports whether the event ends a generation session.
func (t EventType) Terminal() bool {
	return t == EventTypeProjectComplete || t == EventTypeError
}

// StreamEvent is one server-pushed frame. Timestamp is kept exactly as the
// producer sent it; duplicate detection compares it verbatim.
type StreamEvent struct {
	Type        EventType `json:"type"`
	SessionID   string    `json:"sessionId"`
	Message     string    `json:"message,omitempty"`
	Data        string    `json:"data,omitempty"`
	Attempt     *int      `json:"attempt,omitempty"`
	MaxAttempts *int      `json:"maxAttempts,omitempty"`
	Timestamp   string    `json:"timestamp"`
}

// Key identifies an event for duplicate suppression.
type Key struct {
	SessionID string
	Timestamp string
	Type      EventType
	Message   string
	Data      string
}

func (e StreamEvent) Key() Key {
	return Key{
		SessionID: e.SessionID,
		Timestamp: e.Timestamp,
		Type:      e.Type,
		Message:   e.Message,
		Data:      e.Data,
	}
}

// timestampLayouts are tried in order by ParseTimestamp. The second one is
// what the generation server actually emits.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp interprets the producer timestamp. Zone-less layouts are read
// as local time.
func (e StreamEvent) ParseTimestamp() (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, e.Timestamp, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ConnectionStatus describes the transport connection, not a generation.
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// NewEvent builds an event stamped with the current time in RFC 3339 form.
func NewEvent(eventType EventType, sessionID, message, data string) StreamEvent {
	return StreamEvent{
		Type:      eventType,
		SessionID: sessionID,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339Nano),
	}
}

func IntPtr(v int) *int {
	return &v
}
