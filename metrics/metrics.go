// Package metrics exposes Prometheus counters for the trust engine and the
// server that publishes them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsServer struct {
	registry *prometheus.Registry
	srv      *http.Server
}

var (
	FetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetches_total",
		Help: "Change feed fetches by outcome",
	}, []string{"outcome"})

	RevisionsAppliedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "revisions_applied_total",
		Help: "Peer revisions that changed the local trust model",
	})

	TrustUpdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trust_updates_total",
		Help: "Stable or dynamic info updates pushed to the change feed",
	})

	AdmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admissions_total",
		Help: "Voucher admission operations by step and outcome",
	}, []string{"step", "outcome"})

	FeedRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_requests_total",
		Help: "Change feed RPCs served by method and status",
	}, []string{"method", "status"})

	StateTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "state_transitions_total",
		Help: "Octagon state machine transitions by target state",
	}, []string{"state"})
)

// New creates a metrics server with all collectors registered under the
// given namespace.
func New(namespace string, listenAddr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	wrapped := prometheus.WrapRegistererWithPrefix(namespace+"_", registry)

	for _, c := range []prometheus.Collector{FetchesTotal, RevisionsAppliedTotal, TrustUpdatesTotal, AdmissionsTotal, FeedRequestsTotal, StateTransitionsTotal} {
		if err := wrapped.Register(c); err != nil {
			return nil, err
		}
	}
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		registry: registry,
		srv: &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// Outcome maps an error to a label value.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
