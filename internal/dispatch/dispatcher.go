// Package dispatch fans incoming stream events and connection status changes
// out to in-process consumers.
package dispatch

import (
	"github.com/hashicorp/go-hclog"

	"github.com/ricochet1k/leostream/pkg/stream"
)

type EventHandler func(stream.StreamEvent)

type StatusHandler func(stream.ConnectionStatus)

type Dispatcher struct {
	events   *Fanout[stream.StreamEvent]
	statuses *Fanout[stream.ConnectionStatus]
}

func NewDispatcher(logger hclog.Logger) *Dispatcher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Dispatcher{
		events:   NewFanout[stream.StreamEvent]("event", logger),
		statuses: NewFanout[stream.ConnectionStatus]("status", logger),
	}
}

func (d *Dispatcher) OnEvent(h EventHandler) (unsubscribe func()) {
	return d.events.Subscribe(h)
}

func (d *Dispatcher) OnStatusChange(h StatusHandler) (unsubscribe func()) {
	return d.statuses.Subscribe(h)
}

func (d *Dispatcher) PublishEvent(ev stream.StreamEvent) {
	d.events.Publish(ev)
}

func (d *Dispatcher) PublishStatus(status stream.ConnectionStatus) {
	d.statuses.Publish(status)
}

func (d *Dispatcher) EventHandlerCount() int {
	return d.events.Len()
}

func (d *Dispatcher) StatusHandlerCount() int {
	return d.statuses.Len()
}
