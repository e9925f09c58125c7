// Package server exposes the catalog, discovery, subsetting and alignment
// operations over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/atlaseo/eogrid/internal/cache"
	"github.com/atlaseo/eogrid/internal/discovery"
	"github.com/atlaseo/eogrid/internal/metrics"
)

// Deps carries the server's collaborators. MetricsHandler may be nil to
// disable the /metrics route.
type Deps struct {
	Log            zerolog.Logger
	Catalog        *cache.Catalog
	Tier           cache.Interface
	Index          *discovery.Index
	Obs            *metrics.Metrics
	MetricsHandler http.Handler

	DiscoveryTTL     time.Duration
	AlignWorkers     int
	CoarsenThreshold float64
}

type Server struct {
	deps Deps
}

func New(deps Deps) *Server {
	if deps.DiscoveryTTL <= 0 {
		deps.DiscoveryTTL = 5 * time.Minute
	}
	return &Server{deps: deps}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer(s.deps.Log))
	r.Use(requestLogger(s.deps.Log, s.deps.Obs))
	r.Use(cors())

	r.Get("/healthz", s.handleHealthz)
	r.Get("/collections", s.handleCollections)
	r.Get("/collections/{id}/items", s.handleItems)
	r.Post("/discover", s.handleDiscover)
	r.Post("/subset", s.handleSubset)
	r.Post("/align", s.handleAlign)

	if s.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.MetricsHandler)
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http listen")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
