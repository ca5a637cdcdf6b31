package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/cutover/pkg/metrics"
	"github.com/cuemby/cutover/pkg/types"
)

type targetKey struct{}

// Handler returns the HTTP handler that forwards a listener's traffic to
// its active pool
func (r *Router) Handler(listenerName string) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			t := pr.In.Context().Value(targetKey{}).(types.Target)
			pr.SetURL(&url.URL{Scheme: "http", Host: t.Address})
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			t, _ := req.Context().Value(targetKey{}).(types.Target)
			r.logger.Error().
				Err(err).
				Str("listener", listenerName).
				Str("target", t.ID).
				Msg("Proxy error")
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		t, poolName, release, err := r.pick(listenerName)
		if err != nil {
			r.logger.Warn().Err(err).Str("listener", listenerName).Msg("No backend for request")
			metrics.ProxyRequestsTotal.WithLabelValues(listenerName, strconv.Itoa(http.StatusServiceUnavailable)).Inc()
			http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		defer release()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		ctx := context.WithValue(req.Context(), targetKey{}, t)
		proxy.ServeHTTP(rec, req.WithContext(ctx))

		metrics.ProxyRequestsTotal.WithLabelValues(listenerName, strconv.Itoa(rec.status)).Inc()
		r.logger.Debug().
			Str("listener", listenerName).
			Str("pool", poolName).
			Str("target", t.ID).
			Int("status", rec.status).
			Msg("Proxied request")
	})
}

// Serve runs an HTTP server for every listener with an address until ctx
// is done, then shuts them down gracefully
func (r *Router) Serve(ctx context.Context) error {
	var servers []*http.Server
	errCh := make(chan error, len(r.listeners))

	for name, l := range r.listeners {
		if l.addr == "" {
			continue
		}

		lis, err := net.Listen("tcp", l.addr)
		if err != nil {
			for _, srv := range servers {
				_ = srv.Close()
			}
			return fmt.Errorf("failed to listen on %s for listener %s: %w", l.addr, name, err)
		}

		srv := &http.Server{
			Handler:      r.Handler(name),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		servers = append(servers, srv)

		r.logger.Info().Str("listener", name).Str("addr", lis.Addr().String()).Msg("Listener serving")

		go func() {
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listener %s: %w", name, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		r.logger.Error().Err(err).Msg("Listener server failed")
	}

	r.logger.Info().Msg("Shutting down listeners")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error().Err(err).Msg("Failed to shutdown listener")
			}
		}(srv)
	}
	wg.Wait()

	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
