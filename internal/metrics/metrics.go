// Package metrics exposes gateway counters and gauges in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "beegate"

// Metrics holds every collector on its own registry. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive      prometheus.Gauge
	SessionsStarted     prometheus.Counter
	Transitions         *prometheus.CounterVec
	Faults              *prometheus.CounterVec
	Acquisitions        prometheus.Counter
	AcquisitionDuration prometheus.Histogram
	PacketsDropped      *prometheus.CounterVec
	Scans               prometheus.Counter
	Discovered          *prometheus.CounterVec
	RegistryErrors      prometheus.Counter
	SinkErrors          prometheus.Counter
}

// New creates and registers the gateway collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Device sessions currently running.",
		}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Device sessions spawned by the discovery loop.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state.",
		}, []string{"state"}),
		Faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_faults_total",
			Help:      "Sessions torn down by a fault, by reason.",
		}, []string{"reason"}),
		Acquisitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_total",
			Help:      "Completed acquisition cycles.",
		}),
		AcquisitionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "acquisition_duration_seconds",
			Help:      "Time to complete one acquisition cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Received packets dropped before reaching a session worker.",
		}, []string{"reason"}),
		Scans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Discovery scan windows run.",
		}),
		Discovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_discovered_total",
			Help:      "Matching advertisements, by registry outcome.",
		}, []string{"known"}),
		RegistryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_errors_total",
			Help:      "Registry lookups that failed.",
		}),
		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisition_log_errors_total",
			Help:      "Readings the acquisition log failed to record.",
		}),
	}

	m.registry.MustRegister(
		m.SessionsActive,
		m.SessionsStarted,
		m.Transitions,
		m.Faults,
		m.Acquisitions,
		m.AcquisitionDuration,
		m.PacketsDropped,
		m.Scans,
		m.Discovered,
		m.RegistryErrors,
		m.SinkErrors,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionFinished() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Fault(reason string) {
	if m == nil {
		return
	}
	m.Faults.WithLabelValues(reason).Inc()
}

func (m *Metrics) Acquired(d time.Duration) {
	if m == nil {
		return
	}
	m.Acquisitions.Inc()
	m.AcquisitionDuration.Observe(d.Seconds())
}

func (m *Metrics) PacketDropped(reason string) {
	if m == nil {
		return
	}
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Scanned() {
	if m == nil {
		return
	}
	m.Scans.Inc()
}

func (m *Metrics) DeviceDiscovered(known bool) {
	if m == nil {
		return
	}
	label := "false"
	if known {
		label = "true"
	}
	m.Discovered.WithLabelValues(label).Inc()
}

func (m *Metrics) RegistryError() {
	if m == nil {
		return
	}
	m.RegistryErrors.Inc()
}

func (m *Metrics) SinkError() {
	if m == nil {
		return
	}
	m.SinkErrors.Inc()
}

// Handler serves /metrics and /health.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Serve runs the metrics HTTP server on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *logrus.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("Metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
