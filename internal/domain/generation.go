package domain

import (
	"errors"
	"fmt"
	"time"
)

type GenerationPhase int

const (
	PhaseIdle GenerationPhase = iota
	PhaseRequested
	PhaseStreaming
	PhaseComplete
	PhaseFailed
)

func (p GenerationPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRequested:
		return "requested"
	case PhaseStreaming:
		return "streaming"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition other than a reset is allowed.
func (p GenerationPhase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// InProgress is true while the user is waiting on output.
func (p GenerationPhase) InProgress() bool {
	return p == PhaseRequested || p == PhaseStreaming
}

var ErrInvalidTransition = errors.New("invalid phase transition")

func NewInvalidTransitionError(from, to GenerationPhase) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

var validTransitions = map[GenerationPhase][]GenerationPhase{
	PhaseIdle:      {PhaseRequested},
	PhaseRequested: {PhaseStreaming, PhaseFailed},
	PhaseStreaming: {PhaseComplete, PhaseFailed},
}

func CanTransition(from, to GenerationPhase) bool {
	for _, p := range validTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

type PhaseTransition struct {
	From      GenerationPhase
	To        GenerationPhase
	Reason    string
	Timestamp time.Time
}

// Generation tracks one user-initiated generation. It is not safe for
// concurrent use; the reconciler guards it with its own lock.
type Generation struct {
	SessionID   string
	Phase       GenerationPhase
	Transitions []PhaseTransition
}

func NewGeneration() *Generation {
	return &Generation{Phase: PhaseIdle}
}

func (g *Generation) TransitionTo(to GenerationPhase, reason string) error {
	if !CanTransition(g.Phase, to) {
		return NewInvalidTransitionError(g.Phase, to)
	}
	g.Transitions = append(g.Transitions, PhaseTransition{
		From:      g.Phase,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	g.Phase = to
	return nil
}

// Reset returns to idle from any phase and forgets the active session.
func (g *Generation) Reset() {
	g.SessionID = ""
	g.Phase = PhaseIdle
	g.Transitions = nil
}
