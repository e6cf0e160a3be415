// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/lausan029/event-processor/internal/logging"
)

// HTTPService runs an *http.Server under suture supervision. Serve blocks
// until the supervisor cancels the context, then shuts the server down
// gracefully within the drain timeout.
type HTTPService struct {
	server *http.Server
	drain  time.Duration
}

// NewHTTPService wraps the server. drain bounds the graceful shutdown.
func NewHTTPService(server *http.Server, drain time.Duration) *HTTPService {
	if drain <= 0 {
		drain = 10 * time.Second
	}
	return &HTTPService{server: server, drain: drain}
}

// Serve implements suture.Service.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.drain)
	defer cancel()

	logging.Info().Str("addr", s.server.Addr).Msg("draining HTTP server")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("HTTP server drain incomplete, closing")
		_ = s.server.Close()
	}
	<-errCh
	return ctx.Err()
}

func (s *HTTPService) String() string {
	return "http-server(" + s.server.Addr + ")"
}
