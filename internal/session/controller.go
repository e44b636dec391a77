// Package session drives one user-visible generation: it submits the request,
// binds the live connection to the returned session and exposes the
// reconciled state to watchers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/ricochet1k/leostream/internal/dispatch"
	"github.com/ricochet1k/leostream/internal/domain"
	"github.com/ricochet1k/leostream/internal/reconcile"
	"github.com/ricochet1k/leostream/pkg/stream"
)

// DefaultSettleDelay is how long Start waits after connecting before it
// submits the generation request.
const DefaultSettleDelay = time.Second

// ErrGenerationRejected is returned when the server answers a start request
// without accepting it.
var ErrGenerationRejected = errors.New("generation rejected")

// ErrSuperseded is returned by Start when Reset ran before the server answered.
// The returned session is not bound.
var ErrSuperseded = errors.New("generation reset before it started")

type Connection interface {
	Connect(ctx context.Context) error
	IsConnected() bool
}

type GenerationStarter interface {
	StartGeneration(ctx context.Context, req stream.GenerationRequest) (*stream.GenerationResponse, error)
}

type ControllerOptions struct {
	Connection  Connection
	Dispatcher  *dispatch.Dispatcher
	Starter     GenerationStarter
	Subscriber  *Subscriber
	SettleDelay time.Duration
	Logger      hclog.Logger
}

type StartResult struct {
	SessionID    string
	Response     *stream.GenerationResponse
	Subscription *stream.SubscriptionResponse
	// SubscribeErr is set when the session could not be bound to the
	// connection. The generation still runs.
	SubscribeErr error
}

type Controller struct {
	conn       Connection
	starter    GenerationStarter
	subscriber *Subscriber
	settle     time.Duration
	log        hclog.Logger

	reconciler *reconcile.Reconciler
	watchers   *dispatch.Fanout[Update]

	startMu   sync.Mutex
	detach    []func()
	closeOnce sync.Once
}

func NewController(opts ControllerOptions) *Controller {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	c := &Controller{
		conn:       opts.Connection,
		starter:    opts.Starter,
		subscriber: opts.Subscriber,
		settle:     opts.SettleDelay,
		log:        opts.Logger,
		reconciler: reconcile.New(domain.NewGeneration(), opts.Logger.Named("reconcile")),
		watchers:   dispatch.NewFanout[Update]("update", opts.Logger),
	}
	if opts.Dispatcher != nil {
		c.detach = append(c.detach,
			opts.Dispatcher.OnEvent(c.HandleEvent),
			opts.Dispatcher.OnStatusChange(c.HandleStatus),
		)
	}
	return c
}

// HandleEvent feeds one inbound event through the reconciler.
func (c *Controller) HandleEvent(ev stream.StreamEvent) {
	outcome := c.reconciler.Ingest(ev)
	c.publish(Update{Kind: UpdateEvent, Event: ev, Outcome: outcome})
}

func (c *Controller) HandleStatus(status stream.ConnectionStatus) {
	if status.Error != "" {
		c.log.Warn("connection status", "connected", status.Connected, "error", status.Error)
	}
	c.publish(Update{Kind: UpdateStatus, Status: status})
}

func (c *Controller) publish(u Update) {
	u.Snapshot = c.reconciler.Snapshot()
	c.watchers.Publish(u)
}

// Start submits req and binds the connection to the session the server
// returns. A failed subscription is reported in the result, not as an error.
func (c *Controller) Start(ctx context.Context, req stream.GenerationRequest) (*StartResult, error) {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	round, err := c.reconciler.Request()
	if err != nil {
		return nil, err
	}
	c.publish(Update{Kind: UpdatePhase})
	c.log.Info("generation requested", "project", req.ProjectName)

	if !c.conn.IsConnected() {
		if err := c.conn.Connect(ctx); err != nil {
			c.log.Warn("connect before start failed", "error", err)
		}
	}

	timer := time.NewTimer(c.settle)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		c.fail(round, ctx.Err().Error())
		return nil, ctx.Err()
	}

	resp, err := c.starter.StartGeneration(ctx, req)
	if err != nil {
		c.fail(round, err.Error())
		return nil, fmt.Errorf("start generation: %w", err)
	}
	if !resp.Success || resp.SessionID == "" {
		reason := resp.Error
		if reason == "" {
			reason = resp.Message
		}
		if reason == "" {
			reason = "no session id"
		}
		c.fail(round, reason)
		return &StartResult{Response: resp}, fmt.Errorf("%w: %s", ErrGenerationRejected, reason)
	}

	if !c.reconciler.Activate(round, resp.SessionID) {
		c.log.Info("generation reset while starting, not binding", "session_id", resp.SessionID)
		return &StartResult{SessionID: resp.SessionID, Response: resp}, ErrSuperseded
	}
	c.publish(Update{Kind: UpdatePhase})
	c.log.Info("generation started", "session_id", resp.SessionID, "project_path", resp.ProjectPath)

	result := &StartResult{SessionID: resp.SessionID, Response: resp}
	sub, err := c.subscriber.SubscribeToSession(ctx, resp.SessionID)
	result.Subscription = sub
	if err != nil {
		c.log.Warn("subscription failed, generation continues", "session_id", resp.SessionID, "error", err)
		result.SubscribeErr = err
	}
	return result, nil
}

func (c *Controller) fail(round reconcile.Round, reason string) {
	if err := c.reconciler.Fail(round, reason); err != nil {
		if errors.Is(err, reconcile.ErrStaleRound) {
			c.log.Debug("fail for superseded generation ignored", "reason", reason)
		} else {
			c.log.Warn("fail ignored", "reason", reason, "error", err)
		}
		return
	}
	c.log.Error("generation failed", "reason", reason)
	c.publish(Update{Kind: UpdatePhase})
}

// Reset discards the log, artifact and phase.
func (c *Controller) Reset() {
	c.reconciler.Reset()
	c.publish(Update{Kind: UpdatePhase})
}

func (c *Controller) Snapshot() reconcile.Snapshot {
	return c.reconciler.Snapshot()
}

func (c *Controller) Events() []stream.StreamEvent {
	return c.reconciler.Events()
}

// Watch calls fn synchronously after every change. The returned function
// detaches it.
func (c *Controller) Watch(fn func(Update)) (unsubscribe func()) {
	return c.watchers.Subscribe(fn)
}

// Wait blocks until the generation reaches a terminal phase.
func (c *Controller) Wait(ctx context.Context) (reconcile.Snapshot, error) {
	done := make(chan reconcile.Snapshot, 1)
	unsubscribe := c.Watch(func(u Update) {
		if u.Snapshot.Phase.Terminal() {
			select {
			case done <- u.Snapshot:
			default:
			}
		}
	})
	defer unsubscribe()

	if snap := c.Snapshot(); snap.Phase.Terminal() {
		return snap, nil
	}
	select {
	case snap := <-done:
		return snap, nil
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}
}

// Close detaches from the dispatcher.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		for _, detach := range c.detach {
			detach()
		}
	})
}
