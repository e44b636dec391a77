package session

import (
	"github.com/ricochet1k/leostream/internal/reconcile"
	"github.com/ricochet1k/leostream/pkg/stream"
)

type UpdateKind string

const (
	// An event arrived; Event and Outcome are set.
	UpdateEvent UpdateKind = "event"

	// The connection status changed; Status is set.
	UpdateStatus UpdateKind = "status"

	// The controller itself moved the generation (start, activate, fail, reset).
	UpdatePhase UpdateKind = "phase"
)

// Update is delivered to watchers after every change. Snapshot is taken right
// after the change was applied.
type Update struct {
	Kind     UpdateKind
	Event    stream.StreamEvent
	Outcome  reconcile.Outcome
	Status   stream.ConnectionStatus
	Snapshot reconcile.Snapshot
}
