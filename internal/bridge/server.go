// Package bridge serves the workspace to a local front end: a JSON API for
// connection, windows, files and logs, and a WebSocket carrying the event
// stream out and raw input in.
package bridge

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/claworc/tether/internal/sshfiles"
	"github.com/gluk-w/claworc/tether/internal/workspace"
)

const (
	maxBodySize = 16 << 20

	defaultInputRateLimit = 200
	defaultInputRateBurst = 200
)

type Options struct {
	Workspace *workspace.Workspace
	// Files runs file commands; usually the connection manager.
	Files sshfiles.Runner

	InputRateLimit int
	InputRateBurst int
}

type Server struct {
	ws    *workspace.Workspace
	files sshfiles.Runner

	rateLimit int
	rateBurst int
}

func NewServer(opts Options) *Server {
	s := &Server{
		ws:        opts.Workspace,
		files:     opts.Files,
		rateLimit: opts.InputRateLimit,
		rateBurst: opts.InputRateBurst,
	}
	if s.rateLimit <= 0 {
		s.rateLimit = defaultInputRateLimit
	}
	if s.rateBurst <= 0 {
		s.rateBurst = defaultInputRateBurst
	}
	return s
}

// Router returns the HTTP handler for every route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/connect", s.connect)
		r.Post("/disconnect", s.disconnect)
		r.Get("/connection/history", s.history)

		r.Get("/windows", s.listWindows)
		r.Post("/windows", s.createWindow)
		r.Post("/windows/{windowId}/select", s.selectWindow)
		r.Delete("/windows/{windowId}", s.closeWindow)
		r.Get("/windows/{windowId}/scrollback", s.scrollback)

		r.Get("/multiplexer", s.multiplexerStatus)
		r.Post("/multiplexer/install", s.installMultiplexer)
		r.Post("/multiplexer/detach", s.detach)
		r.Post("/multiplexer/reattach", s.reattach)
		r.Post("/multiplexer/kill", s.killSession)

		r.Get("/files", s.browseFiles)
		r.Get("/files/read", s.readFile)
		r.Post("/files/write", s.writeFile)
		r.Post("/files/mkdir", s.createDirectory)

		r.Get("/logs", s.serverLogs)
		r.Delete("/logs", s.clearLogs)
		r.Get("/terminal", s.terminal)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[bridge] listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[bridge] shutdown: %v", err)
		return err
	}
	log.Printf("[bridge] stopped")
	return nil
}
