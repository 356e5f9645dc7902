package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// httpService runs an http.Server under the supervisor.
type httpService struct {
	server          httpServer
	shutdownTimeout time.Duration
}

func newHTTPService(server httpServer, shutdownTimeout time.Duration) *httpService {
	return &httpService{server: server, shutdownTimeout: shutdownTimeout}
}

func (h *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (h *httpService) String() string {
	return "http-server"
}

// eventHook logs supervisor events.
func eventHook(logger zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		evt := logger.Warn()
		if e.Type() == suture.EventTypeResume {
			evt = logger.Info()
		}
		evt.Fields(e.Map()).Msg(e.String())
	}
}
