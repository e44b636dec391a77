package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/ricochet1k/leostream/pkg/stream"
)

// ErrNotConnected means no transport identity is available to bind.
var ErrNotConnected = errors.New("not connected")

// SubscriptionError reports a failed binding of a transport identity to a
// generation session. The generation itself keeps going.
type SubscriptionError struct {
	SessionID   string
	TransportID string
	Err         error
}

func (e *SubscriptionError) Error() string {
	if e.TransportID == "" {
		return fmt.Sprintf("subscribe to session %s: %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("subscribe to session %s as %s: %v", e.SessionID, e.TransportID, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// Registrar registers a transport identity as a listener for a session.
type Registrar interface {
	Subscribe(ctx context.Context, sessionID, transportID string) (*stream.SubscriptionResponse, error)
}

type IdentitySource interface {
	Identity() string
}

type Subscriber struct {
	identity  IdentitySource
	registrar Registrar
	log       hclog.Logger
}

func NewSubscriber(identity IdentitySource, registrar Registrar, logger hclog.Logger) *Subscriber {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Subscriber{identity: identity, registrar: registrar, log: logger}
}

// SubscribeToSession asks the server to route events for sessionID to the
// current connection. Every failure is a *SubscriptionError.
func (s *Subscriber) SubscribeToSession(ctx context.Context, sessionID string) (*stream.SubscriptionResponse, error) {
	transportID := s.identity.Identity()
	if transportID == "" {
		return nil, &SubscriptionError{SessionID: sessionID, Err: ErrNotConnected}
	}

	s.log.Debug("subscribing", "session_id", sessionID, "transport_id", transportID)
	resp, err := s.registrar.Subscribe(ctx, sessionID, transportID)
	if err != nil {
		return nil, &SubscriptionError{SessionID: sessionID, TransportID: transportID, Err: err}
	}
	if !resp.Success {
		reason := resp.Error
		if reason == "" {
			reason = resp.Message
		}
		return resp, &SubscriptionError{SessionID: sessionID, TransportID: transportID, Err: errors.New(reason)}
	}

	s.log.Info("subscribed", "session_id", sessionID, "transport_id", transportID)
	return resp, nil
}
