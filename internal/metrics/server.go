package metrics

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /metrics on its own listener, separate from the proxy
// traffic itself. Grounded on the teacher's churn.Config.MetricsAddr
// idiom (a dedicated exporter server rather than sharing the proxy's
// listener).
type Server struct {
	http *http.Server
}

// NewServer builds a metrics server bound to addr. If token is
// non-empty, requests must carry it as a bearer token; this is the
// same opaque-token shape config.generateOpaqueToken produces.
func NewServer(addr, token string) *Server {
	mux := http.NewServeMux()
	handler := promhttp.Handler()
	if token != "" {
		handler = requireBearerToken(token, handler)
	}
	mux.Handle("/metrics", handler)

	return &Server{http: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// ListenAndServe blocks serving metrics until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requireBearerToken(token string, next http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if len(got) != len(want) || subtle.ConstantTimeCompare(got, want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
