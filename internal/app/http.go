package app

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/valyala/fasthttp"

	"collabsync/pkg/history"
	"collabsync/pkg/httpx"
	"collabsync/pkg/logger"
	"collabsync/pkg/telemetry"
)

// setupHTTPHandlers sets up all HTTP handlers on the provided mux.
func (a *App) setupHTTPHandlers(mux *http.ServeMux) {
	mux.Handle("/v1/", a.apiRouter())
	mux.HandleFunc("/v1/realtime", a.realtimeHandler)
	mux.Handle("/healthz", httpx.NetHTTPAdapter(healthzHandler))
	mux.Handle("/readyz", httpx.NetHTTPAdapter(a.readyzHandler))
	mux.Handle("/docs/", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	mux.Handle("/openapi.yaml", http.FileServer(http.Dir("./docs")))
	mux.Handle("/metrics", promhttp.Handler())
}

// readyzHandler handles the /readyz endpoint. Engine-neutral so the
// fasthttp listener can serve the identical probe.
func (a *App) readyzHandler(w httpx.ResponseWriter, r *httpx.Request) {
	if !history.Ready() {
		httpx.JSONError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	_ = httpx.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok", "version": ver})
}

// healthzHandler handles the /healthz endpoint.
func healthzHandler(w httpx.ResponseWriter, r *httpx.Request) {
	_ = httpx.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
}

// probeHandler dispatches the two probe paths for the fasthttp listener.
func (a *App) probeHandler(w httpx.ResponseWriter, r *httpx.Request) {
	switch r.Path {
	case "/healthz":
		healthzHandler(w, r)
	case "/readyz":
		a.readyzHandler(w, r)
	default:
		httpx.JSONError(w, http.StatusNotFound, "not found")
	}
}

// startHTTP builds the handler, starts the HTTP listeners in goroutines and
// returns a channel that will contain any server error. The fasthttp
// listener, when configured, serves the health and readiness probes for
// lightweight sidecar checks; the API, websocket, metrics and docs stay on
// net/http.
func (a *App) startHTTP(_ context.Context) <-chan error {
	mux := http.NewServeMux()
	a.setupHTTPHandlers(mux)

	wrapped := telemetry.Middleware(mux)
	a.srv = &http.Server{Addr: a.cfg.Addr(), Handler: wrapped}

	errCh := make(chan error, 2)
	go func() {
		cert := a.cfg.Server.TLS.CertFile
		key := a.cfg.Server.TLS.KeyFile
		logger.Info("http_listening", "addr", a.cfg.Addr(), "tls", cert != "" && key != "")
		if cert != "" && key != "" {
			errCh <- a.srv.ListenAndServeTLS(cert, key)
		} else {
			errCh <- a.srv.ListenAndServe()
		}
	}()

	if addr := a.cfg.Server.FastHTTPAddress; addr != "" {
		handler := httpx.FastHTTPAdapter(a.probeHandler)
		go func() {
			logger.Info("fasthttp_listening", "addr", addr)
			errCh <- fasthttp.ListenAndServe(addr, handler)
		}()
	}
	return errCh
}
