// Package http serves the session status page, the pending QR code and a
// live websocket feed of session state.
package http

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roelfdiedericks/askbot/internal/bus"
	. "github.com/roelfdiedericks/askbot/internal/logging"
	"github.com/roelfdiedericks/askbot/internal/supervisor"
)

//go:embed html/*.html
var htmlFS embed.FS

// StatusSource provides the current session state
type StatusSource interface {
	Snapshot() supervisor.Snapshot
}

// Server represents the status HTTP server
type Server struct {
	server    *http.Server
	templates *template.Template
	source    StatusSource
	events    *bus.Bus
	subID     bus.SubscriptionID
	botName   string

	upgrader websocket.Upgrader
	hub      *hub

	listener net.Listener
	wg       sync.WaitGroup
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Listen  string // Address to listen on (e.g., ":3000", "127.0.0.1:3000")
	BotName string
}

// NewServer creates the status server. When events is non-nil, session state
// changes are pushed to websocket clients.
func NewServer(cfg *ServerConfig, source StatusSource, events *bus.Bus) (*Server, error) {
	listen := cfg.Listen
	if listen == "" {
		listen = ":3000"
	}

	s := &Server{
		source:  source,
		events:  events,
		botName: cfg.BotName,
		hub:     newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	if s.botName == "" {
		s.botName = "Askbot"
	}

	if err := s.loadTemplates(); err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	s.server = &http.Server{
		Addr:              listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler, for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(h))
	}

	mux.HandleFunc("/api/status", wrap(s.handleStatus))
	mux.HandleFunc("/qr", wrap(s.handleQR))
	mux.HandleFunc("/ws", s.stripHeaders(s.handleWS))
	mux.HandleFunc("/", wrap(s.handleIndex))

	return mux
}

// loadTemplates loads the embedded HTML templates
func (s *Server) loadTemplates() error {
	htmlDir, err := fs.Sub(htmlFS, "html")
	if err != nil {
		return fmt.Errorf("failed to get html subdirectory: %w", err)
	}

	tmpl, err := template.ParseFS(htmlDir, "*.html")
	if err != nil {
		return fmt.Errorf("failed to parse templates: %w", err)
	}

	s.templates = tmpl
	L_debug("http: loaded embedded templates")
	return nil
}

// Start binds the listen address and serves in the background. Bind errors
// are returned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	if s.events != nil {
		s.subID = s.events.Subscribe(bus.TopicSessionState, s.onSessionState)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("http: server starting", "addr", ln.Addr().String())

		err := s.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			L_error("http: server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server and closes websocket clients
func (s *Server) Stop() error {
	if s.events != nil && s.subID != 0 {
		s.events.Unsubscribe(s.subID)
	}
	s.hub.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		L_error("http: shutdown error", "error", err)
		return err
	}

	s.wg.Wait()
	L_info("http: server stopped")
	return nil
}

// logRequest wraps an HTTP handler to log requests
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lw, r)

		L_trace("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start))
	}
}

// loggingResponseWriter wraps ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// stripHeaders removes fingerprinting headers
func (s *Server) stripHeaders(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")

		handler(w, r)
	}
}
