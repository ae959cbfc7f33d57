// Package api exposes the connection manager over HTTP.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/chaz8081/syncble/internal/ble"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager is the part of *ble.Manager the API drives.
type Manager interface {
	Available() bool
	State() ble.State
	Connected() (ble.DeviceRecord, bool)
	IsScanning() bool
	QueueLen() int

	Devices() []ble.DeviceRecord
	PreviousDevices() []ble.DeviceRecord
	ResetDevices()
	SetScanning(enable, continuous bool) error

	Connect(address string, autoReconnect bool) error
	Disconnect()
	DisconnectDevice(address string) error
	Reconnect() error
	RefreshCache() bool

	SubmitContext(ctx context.Context, t *ble.Task) error
}

// Subscriber is the part of *events.Bus the event stream uses.
type Subscriber interface {
	Subscribe(buffer int) <-chan ble.Event
	Unsubscribe(<-chan ble.Event)
}

// maxResults bounds how many async task results are kept for lookup.
const maxResults = 128

// Server is the HTTP control API.
type Server struct {
	mgr         Manager
	events      Subscriber
	log         zerolog.Logger
	router      chi.Router
	server      *http.Server
	taskTimeout time.Duration

	mu      sync.Mutex
	results map[uuid.UUID]taskResponse
	order   []uuid.UUID
}

// NewServer returns a server for mgr. events may be nil, in which case the
// event stream endpoint is not registered.
func NewServer(mgr Manager, events Subscriber, logger zerolog.Logger) *Server {
	s := &Server{
		mgr:         mgr,
		events:      events,
		log:         logger.With().Str("component", "api").Logger(),
		router:      chi.NewRouter(),
		taskTimeout: 30 * time.Second,
		results:     make(map[uuid.UUID]taskResponse),
	}

	s.setupRoutes()

	// No WriteTimeout: the event stream is long-lived.
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/devices", s.handleListDevices)
		r.Delete("/devices", s.handleResetDevices)

		r.Post("/scan", s.handleStartScan)
		r.Delete("/scan", s.handleStopScan)

		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/reconnect", s.handleReconnect)
		r.Post("/refresh-cache", s.handleRefreshCache)

		r.Post("/tasks", s.handleSubmitTask)
		r.Get("/tasks/{id}", s.handleGetTask)

		if s.events != nil {
			r.Get("/events", s.handleEvents)
		}
	})
}

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.server.Addr = addr
	s.log.Info().Str("addr", addr).Msg("starting HTTP API")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
