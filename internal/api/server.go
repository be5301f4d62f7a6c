// Package api serves the HTTP and websocket surface of medconsult.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/zulandar/medconsult/internal/auth"
	"github.com/zulandar/medconsult/internal/chat"
	"github.com/zulandar/medconsult/internal/consult"
	"github.com/zulandar/medconsult/internal/ledger"
	"github.com/zulandar/medconsult/internal/realtime"
)

// Deps are the services the routes call into.
type Deps struct {
	Verifier    auth.Verifier
	Ledger      *ledger.Ledger
	Coordinator *consult.Coordinator
	Chat        *chat.Gateway
	Hub         *realtime.Hub
	WS          realtime.WSOpts
	Logger      *slog.Logger
}

func (d *Deps) check() error {
	switch {
	case d.Verifier == nil:
		return fmt.Errorf("api: verifier is required")
	case d.Ledger == nil:
		return fmt.Errorf("api: ledger is required")
	case d.Coordinator == nil:
		return fmt.Errorf("api: coordinator is required")
	case d.Chat == nil:
		return fmt.Errorf("api: chat gateway is required")
	case d.Hub == nil:
		return fmt.Errorf("api: realtime hub is required")
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return nil
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if err := deps.check(); err != nil {
		return nil, err
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(deps.Logger))
	registerRoutes(router, &handlers{Deps: deps, upgrader: websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}})
	return router, nil
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Deps Deps
	Port int
	Out  io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	router, err := NewRouter(opts.Deps)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
