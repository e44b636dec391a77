// Package app wires the streaming client together from a Config.
package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/ricochet1k/leostream/internal/api"
	"github.com/ricochet1k/leostream/internal/config"
	"github.com/ricochet1k/leostream/internal/dispatch"
	"github.com/ricochet1k/leostream/internal/realtime"
	"github.com/ricochet1k/leostream/internal/reconcile"
	"github.com/ricochet1k/leostream/internal/session"
	"github.com/ricochet1k/leostream/internal/transport"
	"github.com/ricochet1k/leostream/pkg/stream"
)

// Options override pieces New would otherwise build from the config.
type Options struct {
	Logger     hclog.Logger
	Dialer     transport.Dialer
	HTTPClient *http.Client
	AfterFunc  func(d time.Duration, f func()) realtime.Timer
}

type App struct {
	Config     *config.Config
	Logger     hclog.Logger
	Dispatcher *dispatch.Dispatcher
	Manager    *realtime.Manager
	API        *api.Client
	Subscriber *session.Subscriber
	Controller *session.Controller
}

func New(cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewWebSocketDialer(transport.WebSocketOptions{
			SockJS:       cfg.Server.SockJS,
			PingInterval: 30 * time.Second,
			Logger:       logger.Named("transport"),
		})
	}

	disp := dispatch.NewDispatcher(logger.Named("dispatch"))
	mgr := realtime.NewManager(realtime.Options{
		URL:         cfg.WebSocketURL(),
		BaseDelay:   cfg.Reconnect.BaseDelay.Std(),
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		Dialer:      dialer,
		Dispatcher:  disp,
		Logger:      logger.Named("realtime"),
		AfterFunc:   opts.AfterFunc,
	})

	apiOpts := []api.Option{api.WithLogger(logger.Named("api"))}
	if opts.HTTPClient != nil {
		apiOpts = append(apiOpts, api.WithHTTPClient(opts.HTTPClient))
	}
	apiOpts = append(apiOpts, api.WithTimeout(cfg.HTTP.Timeout.Std()))
	rest := api.NewClient(cfg.Server.BaseURL, apiOpts...)

	sub := session.NewSubscriber(mgr, rest, logger.Named("session"))
	ctrl := session.NewController(session.ControllerOptions{
		Connection:  mgr,
		Dispatcher:  disp,
		Starter:     rest,
		Subscriber:  sub,
		SettleDelay: cfg.Generation.SettleDelay.Std(),
		Logger:      logger.Named("session"),
	})

	return &App{
		Config:     cfg,
		Logger:     logger,
		Dispatcher: disp,
		Manager:    mgr,
		API:        rest,
		Subscriber: sub,
		Controller: ctrl,
	}, nil
}

// Close detaches the controller and drops the connection without scheduling
// a reconnect.
func (a *App) Close() {
	a.Controller.Close()
	a.Manager.Disconnect()
}

// Diagnostics is a point-in-time view of the wiring, for tests and the CLI.
type Diagnostics struct {
	Status            stream.ConnectionStatus
	Connected         bool
	Identity          string
	ReconnectAttempts int
	ReconnectPending  bool
	EventHandlers     int
	StatusHandlers    int
	Generation        reconcile.Snapshot
}

func (a *App) Diagnostics() Diagnostics {
	return Diagnostics{
		Status:            a.Manager.Status(),
		Connected:         a.Manager.IsConnected(),
		Identity:          a.Manager.Identity(),
		ReconnectAttempts: a.Manager.Attempts(),
		ReconnectPending:  a.Manager.ReconnectPending(),
		EventHandlers:     a.Dispatcher.EventHandlerCount(),
		StatusHandlers:    a.Dispatcher.StatusHandlerCount(),
		Generation:        a.Controller.Snapshot(),
	}
}
