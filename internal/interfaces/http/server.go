package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/pixybroker/internal/broker"
	"github.com/sawpanic/pixybroker/internal/interfaces/http/handlers"
)

// Server is pixybroker's HTTP surface: health/metrics/demo-keys are
// public, /api/* requires a demo API key (spec.md §6 treats real
// API-key auth as an external collaborator; this package carries only
// the minimal stand-in needed to exercise the authenticated routes).
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *handlers.Handlers
	config   ServerConfig
	keys     *demoKeyStore
	ws       *WSHandler
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewServer creates a new HTTP server bound to b (used directly by the
// authenticated REST handlers through the BrokerAPI interface, and by
// the WebSocket handler for its Subscribe/Publish/Request calls),
// ready to accept connections once Start is called. metricsHandler
// serves the public /metrics Prometheus exposition; pass nil to fall
// back to the default global registry.
func NewServer(config ServerConfig, b *broker.Broker, metricsHandler http.Handler) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", config.Port, err)
	}
	listener.Close()

	router := mux.NewRouter()
	handlerManager := handlers.NewHandlers(b)
	keys := newDemoKeyStore()

	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	server := &Server{
		router:   router,
		handlers: handlerManager,
		config:   config,
		keys:     keys,
		ws:       NewWSHandler(b, keys),
	}

	server.setupRoutes(metricsHandler)

	server.server = &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return server, nil
}

func (s *Server) setupRoutes(metricsHandler http.Handler) {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.timeoutMiddleware)
	s.router.Use(s.corsMiddleware)

	// Public surface.
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.Handle("/metrics", metricsHandler).Methods("GET")
	s.router.HandleFunc("/demo-keys", s.handleDemoKeys).Methods("GET")
	if s.ws != nil {
		s.router.HandleFunc("/ws", s.ws.ServeHTTP)
	}

	// Authenticated JSON surface.
	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)
	api.Use(s.authMiddleware)

	api.HandleFunc("/topics", s.handlers.ListTopics).Methods("GET")
	api.HandleFunc("/topics", s.handlers.CreateTopic).Methods("POST")
	api.HandleFunc("/topics/{name}", s.handlers.DeleteTopic).Methods("DELETE")
	api.HandleFunc("/messages/{topic}", s.handlers.TopicMessages).Methods("GET")
	api.HandleFunc("/publish", s.handlers.Publish).Methods("POST")
	api.HandleFunc("/subscribers", s.handlers.ListSubscribers).Methods("GET")
	api.HandleFunc("/dlq", s.handlers.ListDeadLetters).Methods("GET")
	api.HandleFunc("/dlq/retry-all", s.handlers.RetryAllDeadLetters).Methods("POST")
	api.HandleFunc("/dlq/{id}/retry", s.handlers.RetryDeadLetter).Methods("POST")
	api.HandleFunc("/dlq/{id}", s.handlers.DeleteDeadLetter).Methods("DELETE")
	api.HandleFunc("/groups", s.handlers.ListGroups).Methods("GET")
	api.HandleFunc("/groups", s.handlers.CreateGroup).Methods("POST")
	api.HandleFunc("/groups/{name}", s.handlers.GetGroup).Methods("GET")
	api.HandleFunc("/metrics", s.handlers.Metrics).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

func (s *Server) handleDemoKeys(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"keys":["` + strings.Join(s.keys.all(), `","`) + `"]}`))
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if !s.keys.valid(key) {
			s.handlers.Unauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(r.Context()))
	})
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), RequestIDKey{}, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: 200}
		next.ServeHTTP(wrapper, r)

		log.Info().
			Str("request_id", fmt.Sprintf("%v", r.Context().Value(RequestIDKey{}))).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start begins serving. Blocks until the server stops or errors.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("starting http server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down http server")
	return s.server.Shutdown(ctx)
}

// Address returns the bound host:port.
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
