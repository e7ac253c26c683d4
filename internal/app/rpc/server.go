package rpc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/paychan/internal/app/metrics"
	"github.com/R3E-Network/paychan/internal/app/system"
	"github.com/R3E-Network/paychan/internal/errors"
	"github.com/R3E-Network/paychan/internal/httputil"
	"github.com/R3E-Network/paychan/internal/middleware"
	"github.com/R3E-Network/paychan/pkg/logger"
)

// Handler processes one inbound RPC method call.
type Handler func(ctx context.Context, args []json.RawMessage) (interface{}, error)

// Server listens for the peer's RPC calls and dispatches them by method
// name. It also exposes /health, /metrics and the /events websocket feed.
type Server struct {
	listen  string
	log     *logger.Logger
	hub     *Hub
	limiter *middleware.RateLimiter
	auth    *middleware.AuthMiddleware

	mu       sync.RWMutex
	handlers map[string]Handler

	server      *http.Server
	addr        string
	stopCleanup func()
}

var _ system.Service = (*Server)(nil)

// NewServer creates a server bound to listen, authenticating against token.
func NewServer(listen string, token middleware.TokenSource, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("rpc-server")
	}
	s := &Server{
		listen:   listen,
		log:      log,
		hub:      NewHub(log),
		handlers: make(map[string]Handler),
		limiter:  middleware.NewRateLimiter(100, 200, log),
	}
	s.auth = middleware.NewAuthMiddleware(middleware.TokenSource(token), log, []string{"/health", "/metrics"})
	return s
}

// Register installs the handler for an RPC method name. Registration after
// Start is allowed; dispatch reads under a lock.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Hub returns the websocket event hub for broadcasting engine events.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Name() string { return "rpc-server" }

// Start begins serving. The listener is opened synchronously so a bad
// address fails fast; serving continues in the background.
func (s *Server) Start(_ context.Context) error {
	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.Handle("/events", s.hub).Methods(http.MethodGet)
	router.HandleFunc("/rpc", s.dispatch).Methods(http.MethodPost)

	handler := metrics.InstrumentHandler(s.limiter.Handler(s.auth.Handler(router)))

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.addr = ln.Addr().String()
	s.stopCleanup = s.limiter.StartCleanup(time.Minute)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("rpc listener stopped")
		}
	}()

	s.log.Infof("rpc server listening on %s", ln.Addr())
	return nil
}

// Stop shuts the listener down and closes the event hub.
func (s *Server) Stop(ctx context.Context) error {
	if s.stopCleanup != nil {
		s.stopCleanup()
		s.stopCleanup = nil
	}
	s.hub.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address once started, for tests using port 0.
func (s *Server) Addr() string {
	if s.addr != "" {
		return s.addr
	}
	return s.listen
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, errors.InvalidFields("malformed rpc request: %v", err))
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		metrics.RecordRPC(req.Method, "unknown", 0)
		httputil.WriteError(w, errors.MethodNotFound(req.Method))
		return
	}

	start := time.Now()
	result, err := handler(r.Context(), req.Args)
	if err != nil {
		metrics.RecordRPC(req.Method, "error", time.Since(start))
		s.log.WithError(err).Debugf("rpc %s rejected", req.Method)
		httputil.WriteError(w, err)
		return
	}
	metrics.RecordRPC(req.Method, "ok", time.Since(start))
	httputil.WriteResult(w, result)
}
