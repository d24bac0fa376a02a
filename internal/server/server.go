// Package server exposes the archive over loopback HTTP: an
// HMAC-authenticated save endpoint, the gallery manifest, a paginated
// item listing, and static file serving for the archived images.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/solarigin/sia/internal/config"
	"github.com/solarigin/sia/internal/fetch"
	"github.com/solarigin/sia/internal/gallery"
	"github.com/solarigin/sia/internal/naming"
	"github.com/solarigin/sia/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Server handles the loopback HTTP API.
type Server struct {
	holder     *config.Holder
	engine     *naming.Engine
	store      store.Store
	downloader *fetch.Downloader
	indexer    *gallery.Indexer
	logger     *slog.Logger
}

// New wires a Server over its collaborators.
func New(holder *config.Holder, engine *naming.Engine, st store.Store,
	downloader *fetch.Downloader, indexer *gallery.Indexer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		holder:     holder,
		engine:     engine,
		store:      st,
		downloader: downloader,
		indexer:    indexer,
		logger:     logger,
	}
}

// Router builds the route table. Every route is registered here so the
// full HTTP surface is visible in one place.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Post("/save", s.handleSave)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/images.json", s.handleManifest)
	r.Get("/api/items", s.handleListItems)
	r.Get("/*", s.handleStatic)

	return r
}

// Run serves on the loopback interface until ctx is canceled, then
// drains in-flight requests with a bounded shutdown.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.holder.Config().Port))

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}

		return nil

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("server: %w", err)
	}
}

// requestLogger logs each request with method, path, status, and
// duration.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
