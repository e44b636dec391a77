package stream

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// MalformedEventError is returned for a frame that does not match the event
// schema. The frame is meant to be dropped, not to end the stream.
type MalformedEventError struct {
	Reason string
	Raw    []byte
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: %s", e.Reason)
}

func malformed(raw []byte, format string, args ...any) error {
	return &MalformedEventError{Reason: fmt.Sprintf(format, args...), Raw: raw}
}

// DecodeEvent parses and checks a single JSON event frame.
func DecodeEvent(raw []byte) (StreamEvent, error) {
	if !gjson.ValidBytes(raw) {
		return StreamEvent{}, malformed(raw, "invalid json")
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return StreamEvent{}, malformed(raw, "expected object, got %s", doc.Type)
	}

	var ev StreamEvent

	typ := doc.Get("type")
	if typ.Type != gjson.String {
		return StreamEvent{}, malformed(raw, "missing type")
	}
	ev.Type = EventType(typ.Str)
	if !ev.Type.Valid() {
		return StreamEvent{}, malformed(raw, "unknown type %q", typ.Str)
	}

	sid := doc.Get("sessionId")
	if sid.Type != gjson.String || sid.Str == "" {
		return StreamEvent{}, malformed(raw, "missing sessionId")
	}
	ev.SessionID = sid.Str

	ts := doc.Get("timestamp")
	if ts.Type != gjson.String || ts.Str == "" {
		return StreamEvent{}, malformed(raw, "missing timestamp")
	}
	ev.Timestamp = ts.Str

	var err error
	if ev.Message, err = optionalString(doc, "message"); err != nil {
		return StreamEvent{}, malformed(raw, "%v", err)
	}
	if ev.Data, err = optionalString(doc, "data"); err != nil {
		return StreamEvent{}, malformed(raw, "%v", err)
	}
	if ev.Attempt, err = optionalInt(doc, "attempt"); err != nil {
		return StreamEvent{}, malformed(raw, "%v", err)
	}
	if ev.MaxAttempts, err = optionalInt(doc, "maxAttempts"); err != nil {
		return StreamEvent{}, malformed(raw, "%v", err)
	}

	return ev, nil
}

func optionalString(doc gjson.Result, field string) (string, error) {
	v := doc.Get(field)
	switch v.Type {
	case gjson.Null:
		return "", nil
	case gjson.String:
		return v.Str, nil
	default:
		return "", fmt.Errorf("%s: expected string, got %s", field, v.Type)
	}
}

func optionalInt(doc gjson.Result, field string) (*int, error) {
	v := doc.Get(field)
	switch v.Type {
	case gjson.Null:
		return nil, nil
	case gjson.Number:
		if v.Num != float64(int(v.Num)) {
			return nil, fmt.Errorf("%s: expected integer, got %v", field, v.Num)
		}
		n := int(v.Num)
		return &n, nil
	default:
		return nil, fmt.Errorf("%s: expected number, got %s", field, v.Type)
	}
}
