package main

import (
	"log/slog"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/ffly-stream/internal/auth"
	"github.com/rickgao/ffly-stream/internal/connection"
	"github.com/rickgao/ffly-stream/internal/subscription"
	"github.com/rickgao/ffly-stream/internal/version"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// sessionView is what the HTTP endpoints read from the session.
type sessionView interface {
	Stats() connection.Stats
	Subscriptions() []subscription.Subscription
}

func newServer(addr, metricsPath string, session sessionView, gatherer prometheus.Gatherer, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           newHandler(metricsPath, session, gatherer, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// newHandler creates the HTTP handler for health, metrics and debug endpoints.
func newHandler(metricsPath string, session sessionView, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		st := session.Stats()
		health := struct {
			Status        string       `json:"status"`
			State         string       `json:"state"`
			Subscriptions int          `json:"subscriptions"`
			Epochs        int64        `json:"epochs"`
			Reconnects    int64        `json:"reconnects"`
			Version       version.Info `json:"version"`
		}{
			Status:        "healthy",
			State:         st.State.String(),
			Subscriptions: st.Subscriptions,
			Epochs:        st.Epochs,
			Reconnects:    st.Reconnects,
			Version:       version.Get(),
		}

		if st.State != connection.Open {
			health.Status = "unhealthy"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Debug("write health response", "error", err)
		}
	})

	mux.HandleFunc("/debug/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		type entry struct {
			Kind string `json:"kind"`
			Key  string `json:"key"`
		}
		subs := session.Subscriptions()
		out := make([]entry, 0, len(subs))
		for _, s := range subs {
			key := s.Key
			if s.Kind == subscription.UserChannel {
				key = auth.Redact(key)
			}
			out = append(out, entry{Kind: s.Kind.String(), Key: key})
		}
		if err := json.NewEncoder(w).Encode(out); err != nil {
			logger.Debug("write subscriptions response", "error", err)
		}
	})

	mux.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return mux
}
