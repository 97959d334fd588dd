package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/zoff-tech/go-webhooks/pkg/telemetry"
)

func NewRouter(h *Handler) *httprouter.Router {
	router := httprouter.New()

	router.GET("/healthz", h.Health)
	router.Handler(http.MethodGet, "/metrics", telemetry.Handler())
	router.GET("/deliveries", h.RecentDeliveries)
	router.POST("/endpoints/:id/test", h.TestEndpoint)

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "route not found")
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v interface{}) {
		hlog.FromRequest(r).Error().Interface("panic", v).Msg("Recovered from handler panic")
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}

	return router
}

// Server is the operational HTTP surface of the worker process.
type Server struct {
	srv *http.Server
}

func NewServer(addr string, h *Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           withLogging(otelhttp.NewHandler(NewRouter(h), "ops")),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves until Shutdown is called. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.srv.Addr).Msg("Starting ops server")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func withLogging(next http.Handler) http.Handler {
	access := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("ops request")
	})
	return hlog.NewHandler(log.Logger)(hlog.RequestIDHandler("request_id", "X-Request-ID")(access(next)))
}
