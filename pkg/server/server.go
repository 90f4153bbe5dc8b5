// Package server is the HTTP and WebSocket gateway to the supervisor.
//
// Every API response is a bridge.Result envelope. Robot failures are
// reported with HTTP 200 and ok=false; only malformed requests get a 4xx.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/gwillem/spotweb/pkg/bridge"
	"github.com/gwillem/spotweb/pkg/logbuf"
	"github.com/gwillem/spotweb/pkg/metrics"
	"github.com/gwillem/spotweb/pkg/robot"
)

// Bridge is the supervisor as seen by the gateway.
type Bridge interface {
	Connected() bool
	Connect(ctx context.Context, t bridge.Target) bridge.Result
	Disconnect(ctx context.Context) bridge.Result
	Status(ctx context.Context) bridge.Result
	PowerOn(ctx context.Context) bridge.Result
	PowerOff(ctx context.Context) bridge.Result
	Stand(ctx context.Context) bridge.Result
	Sit(ctx context.Context) bridge.Result
	Stop(ctx context.Context) bridge.Result
	SendVelocity(ctx context.Context, cmd bridge.VelocityCommand) bridge.Result
	SetBodyPose(ctx context.Context, p robot.Pose) bridge.Result
	EstopStop(ctx context.Context) bridge.Result
	EstopRelease(ctx context.Context) bridge.Result
	Diagnose(ctx context.Context, host string) bridge.Result
	TestConnection(ctx context.Context, t bridge.Target) bridge.Result
}

const (
	DefaultTelemetryInterval = time.Second
	shutdownTimeout          = 5 * time.Second
)

// Config configures the gateway.
type Config struct {
	Addr   string
	Target bridge.Target

	// Settings is the redacted configuration shown by /api/health.
	Settings map[string]any

	FrontendDir       string
	LogFile           string
	TelemetryInterval time.Duration
}

// Server serves the operator API.
type Server struct {
	cfg     Config
	bridge  Bridge
	logs    *logbuf.Buffer
	metrics *metrics.Collector
	log     zerolog.Logger
	router  chi.Router
}

// New builds the gateway. logs and m may be nil.
func New(cfg Config, b Bridge, logs *logbuf.Buffer, m *metrics.Collector, log zerolog.Logger) *Server {
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = DefaultTelemetryInterval
	}
	s := &Server{
		cfg:     cfg,
		bridge:  b,
		logs:    logs,
		metrics: m,
		log:     log.With().Str("component", "server").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/connect", s.op(func(ctx context.Context) bridge.Result { return s.bridge.Connect(ctx, s.cfg.Target) }))
		r.Post("/disconnect", s.op(s.bridge.Disconnect))
		r.Get("/status", s.op(s.bridge.Status))
		r.Post("/power/on", s.op(s.bridge.PowerOn))
		r.Post("/power/off", s.op(s.bridge.PowerOff))
		r.Route("/command", func(r chi.Router) {
			r.Post("/stand", s.op(s.bridge.Stand))
			r.Post("/sit", s.op(s.bridge.Sit))
			r.Post("/stop", s.op(s.bridge.Stop))
			r.Post("/velocity", s.handleVelocity)
			r.Post("/body-pose", s.handleBodyPose)
		})
		r.Post("/estop/stop", s.op(s.bridge.EstopStop))
		r.Post("/estop/release", s.op(s.bridge.EstopRelease))
		r.Get("/diagnose", s.op(func(ctx context.Context) bridge.Result { return s.bridge.Diagnose(ctx, s.cfg.Target.Host) }))
		r.Get("/test-connection", s.op(func(ctx context.Context) bridge.Result { return s.bridge.TestConnection(ctx, s.cfg.Target) }))
		r.Get("/logs/download", s.handleLogDownload)
	})

	r.Get("/ws/telemetry", s.handleTelemetry)
	r.Get("/ws/logs", s.handleLogs)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	if dir := s.cfg.FrontendDir; dir != "" {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			r.Handle("/*", http.FileServer(http.Dir(dir)))
		} else {
			s.log.Warn().Str("dir", dir).Msg("frontend directory not found, not serving static files")
		}
	}
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// Run serves until ctx is cancelled, then shuts down and disconnects the
// robot.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		s.log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	}

	if s.bridge.Connected() {
		s.log.Info().Msg("disconnecting from robot")
		s.bridge.Disconnect(context.WithoutCancel(ctx))
	}
	return err
}
