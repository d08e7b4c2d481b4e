package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPService runs an http.Server under the tree. The listener is bound
// before serving so a taken port fails the service at once, and ":0"
// addresses report the port actually chosen.
type HTTPService struct {
	server *http.Server
	drain  time.Duration
	logger *slog.Logger
	bound  atomic.Pointer[string]
}

func NewHTTPService(server *http.Server, drain time.Duration, logger *slog.Logger) *HTTPService {
	if drain <= 0 {
		drain = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPService{server: server, drain: drain, logger: logger.With("component", "http")}
}

// Addr is the bound listen address, or "" while not listening.
func (h *HTTPService) Addr() string {
	if p := h.bound.Load(); p != nil {
		return *p
	}
	return ""
}

func (h *HTTPService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.server.Addr, err)
	}
	addr := ln.Addr().String()
	h.bound.Store(&addr)
	defer h.bound.Store(nil)
	h.logger.Info("listening", "addr", addr)

	served := make(chan error, 1)
	go func() { served <- h.server.Serve(ln) }()

	select {
	case err := <-served:
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), h.drain)
	defer cancel()
	if err := h.server.Shutdown(drainCtx); err != nil {
		// In-flight requests outlived the drain window.
		h.server.Close()
		<-served
		return fmt.Errorf("drain %s: %w", addr, err)
	}
	if err := <-served; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	h.logger.Info("stopped", "addr", addr)
	return ctx.Err()
}

func (h *HTTPService) String() string {
	return "http-server"
}
