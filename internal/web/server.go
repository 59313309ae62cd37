// Package web serves the HTTP surface: health, metrics, the event stream
// and the task API.
package web

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskqueue/internal/config"
	"taskqueue/internal/events"
	"taskqueue/internal/queue"
	"taskqueue/internal/ratelimit"
)

const authMaxEntries = 1000

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg       config.HTTPConfig
	backend   Pinger
	producer  *queue.Producer
	events    *events.Broker
	logger    *slog.Logger
	authFails *ratelimit.Window
	clients   *clientLimiter
	allow     hostAllowlist
	tls       *tls.Config
	now       func() time.Time
}

func NewServer(cfg config.HTTPConfig, backend Pinger, producer *queue.Producer, broker *events.Broker, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	allow, err := parseAllowlist(cfg.AllowCIDRs)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := serverTLS(cfg)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg,
		backend:   backend,
		producer:  producer,
		events:    broker,
		logger:    logger.With("component", "http"),
		authFails: ratelimit.New(cfg.AuthLimit, cfg.AuthWindow, ratelimit.WithMaxKeys(authMaxEntries)),
		clients:   newClientLimiter(cfg.RateLimit, cfg.RateBurst),
		allow:     allow,
		tls:       tlsConfig,
		now:       time.Now,
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(s.authorize)

		r.Get("/healthz", s.handleHealth)
		r.Head("/healthz", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
		r.Get("/events", s.handleEvents)

		if s.producer != nil {
			r.Route("/api/tasks", func(r chi.Router) {
				r.Use(s.throttle)
				r.Post("/", s.createTask)
				r.Get("/", s.listTasks)
				r.Get("/{id}", s.getTask)
				r.Delete("/{id}", s.deleteTask)
				r.Post("/{id}/replay", s.replayTask)
			})
		}
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	if s.tls != nil {
		server.TLSConfig = s.tls
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http server shutdown error", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", s.cfg.Addr, "tls", s.tls != nil)
	var err error
	if s.tls != nil {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.backend != nil {
		if err := s.backend.Ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unhealthy"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
