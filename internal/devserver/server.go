// Package devserver is a local implementation of the generation server: the
// REST endpoints that start and subscribe to generations, and the websocket
// endpoint that streams their events, in raw and SockJS framing.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/ricochet1k/leostream/internal/transport"
	"github.com/ricochet1k/leostream/pkg/stream"
)

const defaultWorkspace = "/workspace"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Options struct {
	Generator Generator
	// SubscribeWait bounds how long a generation waits for a subscriber
	// before every connected client is subscribed to it.
	SubscribeWait time.Duration
	Heartbeat     time.Duration
	Logger        hclog.Logger
}

type Server struct {
	hub   *Hub
	gen   Generator
	opts  Options
	log   hclog.Logger
	ctx   context.Context
	stop  context.CancelFunc
	clock func() time.Time

	mu     sync.Mutex // guards closed and jobs.Add
	closed bool
	jobs   sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.Generator == nil {
		opts.Generator = ScriptedGenerator{ChunkDelay: 50 * time.Millisecond}
	}
	if opts.SubscribeWait <= 0 {
		opts.SubscribeWait = 10 * time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 25 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Server{
		hub:   NewHub(),
		gen:   opts.Generator,
		opts:  opts,
		log:   opts.Logger,
		ctx:   ctx,
		stop:  stop,
		clock: time.Now,
	}
}

// Mount registers all routes on the provided router.
func (s *Server) Mount(r chi.Router) {
	r.Post("/api/generation/start", s.startGeneration)
	r.Get("/api/generation/status/{sessionId}", s.generationStatus)
	r.Get("/api/generation/connections", s.connections)
	r.Get("/api/generation/health", s.health)
	r.Post("/api/websocket/subscribe/{sessionId}", s.subscribe)
	r.Get("/api/websocket/stats", s.websocketStats)
	r.Get("/ws/generation", s.rawWebSocket)
	r.Get("/ws/generation/{server}/{session}/websocket", s.sockJSWebSocket)
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	s.Mount(r)
	return r
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves on addr until ctx is cancelled, then shuts down and waits for
// running generations.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.Close()
		return err
	})
	return g.Wait()
}

// Close cancels running generations, waits for them and drops all clients.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	s.jobs.Wait()
	s.hub.Close()
}

func (s *Server) startGeneration(w http.ResponseWriter, r *http.Request) {
	var req stream.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, stream.GenerationResponse{Success: false, Error: "invalid request body"})
		return
	}
	if req.ProjectName == "" {
		writeJSON(w, http.StatusBadRequest, stream.GenerationResponse{Success: false, Error: "projectName is required"})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	workspace := req.WorkspacePath
	if workspace == "" {
		workspace = defaultWorkspace
	}
	job := Job{
		SessionID:   sessionID,
		Request:     req,
		ProjectPath: path.Join(workspace, ProgramName(req.ProjectName)),
		clock:       &eventClock{},
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, stream.GenerationResponse{Success: false, Error: "server is shutting down"})
		return
	}
	s.jobs.Add(1)
	s.mu.Unlock()

	s.log.Info("starting generation", "project", req.ProjectName, "session_id", sessionID)
	go s.run(job)

	writeJSON(w, http.StatusOK, stream.GenerationResponse{
		Success:     true,
		Message:     "Generation started",
		SessionID:   sessionID,
		ProjectPath: job.ProjectPath,
	})
}

func (s *Server) run(job Job) {
	defer s.jobs.Done()
	log := s.log.With("session_id", job.SessionID)

	if !s.awaitSubscriber(job.SessionID) {
		n := s.hub.SubscribeAll(job.SessionID)
		log.Warn("no subscriber in time, subscribed all connections", "connections", n)
	}

	emit := func(ev stream.StreamEvent) {
		if n := s.hub.Publish(job.SessionID, ev); n == 0 {
			log.Warn("no websocket sessions for generation", "type", ev.Type)
		}
	}
	if err := s.gen.Generate(s.ctx, job, emit); err != nil {
		if s.ctx.Err() != nil {
			log.Info("generation cancelled")
			return
		}
		log.Error("generation failed", "error", err)
		emit(job.Event(stream.EventTypeError, "Error occurred", "Generation failed: "+err.Error()))
		return
	}
	log.Info("generation finished")
}

func (s *Server) awaitSubscriber(sessionID string) bool {
	deadline := time.NewTimer(s.opts.SubscribeWait)
	defer deadline.Stop()
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()
	for {
		if s.hub.SubscriberCount(sessionID) > 0 {
			return true
		}
		select {
		case <-poll.C:
		case <-deadline.C:
			return false
		case <-s.ctx.Done():
			return false
		}
	}
}

func (s *Server) generationStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	count := s.hub.SubscriberCount(sessionID)
	status := "inactive"
	if count > 0 {
		status = "active"
	}
	writeJSON(w, http.StatusOK, stream.StatusResponse{SessionID: sessionID, SubscriberCount: count, Status: status})
}

func (s *Server) connections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stream.ConnectionsResponse{ActiveConnections: s.hub.Count()})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stream.HealthResponse{
		Status:            "UP",
		Timestamp:         s.clock().UnixMilli(),
		ActiveConnections: s.hub.Count(),
	})
}

func (s *Server) websocketStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stream.WebSocketStatsResponse{
		ActiveConnections: s.hub.Count(),
		Timestamp:         s.clock().UnixMilli(),
	})
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	wsID := r.URL.Query().Get("webSocketSessionId")
	if wsID == "" {
		writeJSON(w, http.StatusBadRequest, stream.SubscriptionResponse{
			Success: false, SessionID: sessionID, Error: "webSocketSessionId is required",
		})
		return
	}

	bound, ok := s.hub.Subscribe(wsID, sessionID)
	if !ok {
		s.log.Warn("subscribe: websocket session not found", "session_id", sessionID, "ws_session_id", wsID)
		writeJSON(w, http.StatusBadRequest, stream.SubscriptionResponse{
			Success: false, SessionID: sessionID, WebSocketSessionID: wsID, Error: "WebSocket session not found",
		})
		return
	}
	if bound != wsID {
		s.log.Info("subscribe: bound the only connection instead", "requested", wsID, "bound", bound)
	}
	s.log.Info("subscribed", "session_id", sessionID, "ws_session_id", bound)
	writeJSON(w, http.StatusOK, stream.SubscriptionResponse{
		Success:            true,
		Message:            "Subscribed to generation session",
		SessionID:          sessionID,
		WebSocketSessionID: bound,
	})
}

func (s *Server) rawWebSocket(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	hdr := http.Header{}
	hdr.Set(transport.IdentityHeader, id)
	conn, err := upgrader.Upgrade(w, r, hdr)
	if err != nil {
		return
	}
	s.serveClient(NewClient(id, conn, false))
}

func (s *Server) sockJSWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session")
	if s.hub.Has(id) {
		http.Error(w, "session id in use", http.StatusConflict)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, transport.SockJSOpenFrame()); err != nil {
		_ = conn.Close()
		return
	}
	s.serveClient(NewClient(id, conn, true))
}

func (s *Server) serveClient(client *Client) {
	if !s.hub.Register(client) {
		s.log.Warn("duplicate websocket session id", "ws_session_id", client.ID())
		client.Close()
		return
	}
	defer s.hub.Unregister(client.ID())
	s.log.Info("websocket connected", "ws_session_id", client.ID(), "sockjs", client.sockJS)

	go client.WriteLoop(s.opts.Heartbeat)
	client.Queue(stream.NewEvent(stream.EventTypeInfo, client.ID(), "Connected to Leo Generation Stream", ""))

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			s.log.Info("websocket closed", "ws_session_id", client.ID(), "error", err)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
