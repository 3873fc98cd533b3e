package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/andrebq/challenged/internal/logutil"
)

const (
	shutdownTimeout = 10 * time.Second
)

// Serve binds to bind and serves handler until ctx is cancelled.
func Serve(ctx context.Context, bind string, handler http.Handler) error {
	l, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("httpserver: unable to bind %v, cause %w", bind, err)
	}
	return ServeListener(ctx, l, handler)
}

// ServeListener serves handler on l until ctx is cancelled, then shuts the
// server down. A clean shutdown returns nil.
func ServeListener(ctx context.Context, l net.Listener, handler http.Handler) error {
	server := &http.Server{
		Handler:           handler,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute * 5,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	log := logutil.GetOrDefault(ctx).With().Str("server.addr", l.Addr().String()).Logger()
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		log.Info().Msg("Starting HTTP server")
		err := server.Serve(l)
		if errors.Is(err, http.ErrServerClosed) {
			log.Info().Msg("Server closed")
			// shutdown called,
			// ignore the error
			return
		}
		errc <- err
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		log.Info().Msg("Initiating shutdown process")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		err := server.Shutdown(shutdownCtx)
		<-errc
		log.Info().Msg("Shutdown completed")
		return err
	}
}
