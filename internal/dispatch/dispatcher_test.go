package dispatch

import (
	"bytes"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"

	"github.com/ricochet1k/leostream/pkg/stream"
)

func TestDispatcher_OrderAcrossHandlers(t *testing.T) {
	d := NewDispatcher(nil)

	var calls []string
	d.OnEvent(func(ev stream.StreamEvent) { calls = append(calls, "a:"+ev.Message) })
	d.OnEvent(func(ev stream.StreamEvent) { calls = append(calls, "b:"+ev.Message) })

	d.PublishEvent(stream.StreamEvent{Type: stream.EventTypeInfo, SessionID: "S1", Message: "1"})
	d.PublishEvent(stream.StreamEvent{Type: stream.EventTypeInfo, SessionID: "S1", Message: "2"})

	want := "a:1,b:1,a:2,b:2"
	if got := strings.Join(calls, ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
}

func TestDispatcher_SameHandlerRegisteredTwice(t *testing.T) {
	d := NewDispatcher(nil)

	count := 0
	h := func(stream.StreamEvent) { count++ }
	unsubFirst := d.OnEvent(h)
	d.OnEvent(h)

	d.PublishEvent(stream.StreamEvent{})
	if count != 2 {
		t.Fatalf("expected 2 calls, got %d", count)
	}

	unsubFirst()
	unsubFirst()
	if d.EventHandlerCount() != 1 {
		t.Fatalf("expected 1 handler after detaching one registration, got %d", d.EventHandlerCount())
	}

	d.PublishEvent(stream.StreamEvent{})
	if count != 3 {
		t.Errorf("expected 3 calls, got %d", count)
	}
}

func TestDispatcher_PanickingHandlerIsIsolated(t *testing.T) {
	var buf bytes.Buffer
	logger := hclog.New(&hclog.LoggerOptions{Output: &buf, Level: hclog.Error})
	d := NewDispatcher(logger)

	var seen []string
	d.OnEvent(func(ev stream.StreamEvent) {
		if ev.Message == "boom" {
			panic("handler exploded")
		}
		seen = append(seen, "first:"+ev.Message)
	})
	d.OnEvent(func(ev stream.StreamEvent) { seen = append(seen, "second:"+ev.Message) })

	d.PublishEvent(stream.StreamEvent{Message: "boom"})
	d.PublishEvent(stream.StreamEvent{Message: "after"})

	want := "second:boom,first:after,second:after"
	if got := strings.Join(seen, ","); got != want {
		t.Errorf("seen = %s, want %s", got, want)
	}
	if !strings.Contains(buf.String(), "handler exploded") {
		t.Errorf("expected panic to be logged, got %q", buf.String())
	}
}

func TestDispatcher_StatusHandlers(t *testing.T) {
	d := NewDispatcher(nil)

	var got []stream.ConnectionStatus
	unsub := d.OnStatusChange(func(s stream.ConnectionStatus) { got = append(got, s) })

	d.PublishStatus(stream.ConnectionStatus{Connected: true})
	d.PublishStatus(stream.ConnectionStatus{Connected: false, Error: "gone"})
	unsub()
	d.PublishStatus(stream.ConnectionStatus{Connected: true})

	if len(got) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(got))
	}
	if !got[0].Connected || got[1].Connected || got[1].Error != "gone" {
		t.Errorf("unexpected statuses %+v", got)
	}
	if d.StatusHandlerCount() != 0 {
		t.Errorf("expected no status handlers, got %d", d.StatusHandlerCount())
	}
}

func TestFanout_UnsubscribeDuringPublish(t *testing.T) {
	f := NewFanout[int]("int", nil)

	var calls []int
	var unsub func()
	unsub = f.Subscribe(func(v int) {
		calls = append(calls, v)
		unsub()
	})
	f.Subscribe(func(v int) { calls = append(calls, v*10) })

	f.Publish(1)
	f.Publish(2)

	want := []int{1, 10, 20}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestHandlerError_Message(t *testing.T) {
	err := &HandlerError{Kind: "event", Index: 2, Value: "nil map"}
	if err.Error() != "event handler 2 panicked: nil map" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
