// Package reconcile turns the raw dispatched event stream into the event log,
// the generated artifact and the generation phase.
package reconcile

import (
	"errors"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/ricochet1k/leostream/internal/domain"
	"github.com/ricochet1k/leostream/pkg/stream"
)

// ErrStaleRound is returned when a round was superseded by a reset or a
// newer request.
var ErrStaleRound = errors.New("reconcile: generation round superseded")

// Round identifies one requested generation. Reset and Request start a new one.
type Round uint64

type Outcome int

const (
	// OutcomeDuplicate: the exact event is already in the log; nothing changed.
	OutcomeDuplicate Outcome = iota
	// OutcomeStray: logged, but it belongs to another session.
	OutcomeStray
	// OutcomeApplied: logged and applied to the active generation.
	OutcomeApplied
	// OutcomeLate: logged for the active session after it reached a terminal phase.
	OutcomeLate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeStray:
		return "stray"
	case OutcomeApplied:
		return "applied"
	case OutcomeLate:
		return "late"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent copy of the derived state.
type Snapshot struct {
	SessionID  string
	Phase      domain.GenerationPhase
	Artifact   string
	EventCount int
	Watermark  int
	Chunks     int
}

type Reconciler struct {
	logger hclog.Logger

	mu         sync.Mutex
	log        []stream.StreamEvent
	seen       map[stream.Key]struct{}
	artifact   strings.Builder
	chunks     int
	watermark  int
	generation *domain.Generation
	outcomes   []Outcome
	round      Round
}

func New(generation *domain.Generation, logger hclog.Logger) *Reconciler {
	if generation == nil {
		generation = domain.NewGeneration()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Reconciler{
		logger:     logger,
		seen:       make(map[stream.Key]struct{}),
		generation: generation,
	}
}

// Ingest records ev and applies everything past the watermark. The event is
// fully applied, watermark included, before Ingest returns.
func (r *Reconciler) Ingest(ev stream.StreamEvent) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ev.Key()
	if _, dup := r.seen[key]; dup {
		r.logger.Warn("duplicate event ignored", "type", ev.Type, "session_id", ev.SessionID, "timestamp", ev.Timestamp)
		return OutcomeDuplicate
	}
	r.seen[key] = struct{}{}
	r.log = append(r.log, ev)
	r.outcomes = r.outcomes[:0]
	r.reconcileLocked()
	return r.outcomes[len(r.outcomes)-1]
}

func (r *Reconciler) reconcileLocked() {
	if r.watermark >= len(r.log) {
		return
	}
	for _, ev := range r.log[r.watermark:] {
		r.outcomes = append(r.outcomes, r.applyLocked(ev))
	}
	r.watermark = len(r.log)
}

func (r *Reconciler) applyLocked(ev stream.StreamEvent) Outcome {
	g := r.generation
	if g.SessionID == "" || ev.SessionID != g.SessionID {
		r.logger.Debug("event for inactive session", "type", ev.Type, "session_id", ev.SessionID, "active", g.SessionID)
		return OutcomeStray
	}

	outcome := OutcomeApplied
	if g.Phase.Terminal() {
		outcome = OutcomeLate
	}

	if ev.Type == stream.EventTypeCodeChunk && ev.Data != "" {
		r.artifact.WriteString(ev.Data)
		r.chunks++
		r.logger.Trace("chunk applied", "chunk", r.chunks, "size", len(ev.Data), "total", r.artifact.Len())
	}

	if outcome == OutcomeLate {
		r.logger.Debug("late event for finished session", "type", ev.Type, "session_id", ev.SessionID, "phase", g.Phase)
		return outcome
	}

	if g.Phase == domain.PhaseRequested {
		r.transitionLocked(domain.PhaseStreaming, string(ev.Type))
	}
	switch ev.Type {
	case stream.EventTypeProjectComplete:
		r.transitionLocked(domain.PhaseComplete, ev.Message)
	case stream.EventTypeError:
		reason := ev.Data
		if reason == "" {
			reason = ev.Message
		}
		r.transitionLocked(domain.PhaseFailed, reason)
	}
	return outcome
}

func (r *Reconciler) transitionLocked(to domain.GenerationPhase, reason string) {
	from := r.generation.Phase
	if err := r.generation.TransitionTo(to, reason); err != nil {
		r.logger.Warn("phase transition rejected", "error", err)
		return
	}
	r.logger.Debug("phase changed", "session_id", r.generation.SessionID, "from", from, "to", to)
}

// Reset clears the log, artifact, watermark and phase in one step.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	r.generation.Reset()
	r.round++
}

func (r *Reconciler) resetLocked() {
	r.log = nil
	r.seen = make(map[stream.Key]struct{})
	r.artifact.Reset()
	r.chunks = 0
	r.watermark = 0
}

// Request resets the derived state and marks a generation as submitted. The
// returned round must be passed to Activate and Fail.
func (r *Reconciler) Request() (Round, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	r.generation.Reset()
	r.round++
	if err := r.generation.TransitionTo(domain.PhaseRequested, "submitted"); err != nil {
		return r.round, err
	}
	return r.round, nil
}

// Activate makes sessionID the active session and re-derives the artifact and
// phase from every event already in the log. It does nothing and returns false
// when round is no longer current.
func (r *Reconciler) Activate(round Round, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if round != r.round {
		r.logger.Debug("activate for superseded round", "session_id", sessionID)
		return false
	}
	r.generation.SessionID = sessionID
	r.artifact.Reset()
	r.chunks = 0
	r.watermark = 0
	r.reconcileLocked()
	return true
}

// Fail moves a requested or streaming generation to failed.
func (r *Reconciler) Fail(round Round, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if round != r.round {
		return ErrStaleRound
	}
	return r.generation.TransitionTo(domain.PhaseFailed, reason)
}

func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		SessionID:  r.generation.SessionID,
		Phase:      r.generation.Phase,
		Artifact:   r.artifact.String(),
		EventCount: len(r.log),
		Watermark:  r.watermark,
		Chunks:     r.chunks,
	}
}

// Events returns a copy of the log in receipt order.
func (r *Reconciler) Events() []stream.StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.StreamEvent, len(r.log))
	copy(out, r.log)
	return out
}

func (r *Reconciler) Artifact() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.artifact.String()
}

func (r *Reconciler) Phase() domain.GenerationPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation.Phase
}

func (r *Reconciler) Watermark() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watermark
}
