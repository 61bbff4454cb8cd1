package metrics

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drand/ceremony/common"
	"github.com/drand/ceremony/common/log"
)

var (
	// PrivateMetrics about the internal world (go process, private stuff)
	PrivateMetrics = prometheus.NewRegistry()
	// HTTPMetrics about the public surface area (http requests)
	HTTPMetrics = prometheus.NewRegistry()
	// CoordinatorMetrics about the ceremony itself (queues, locks, uploads)
	CoordinatorMetrics = prometheus.NewRegistry()
	// ClientMetrics about the calls a contributor makes
	ClientMetrics = prometheus.NewRegistry()

	// LocksGranted counts grants per circuit, including hand-overs.
	LocksGranted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locks_granted",
		Help: "Number of circuit locks granted",
	}, []string{"circuit"})

	// Evictions counts attempts evicted after their deadline.
	Evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "evictions",
		Help: "Number of attempts evicted after timeout",
	}, []string{"circuit"})

	// Contributions counts verified contributions by outcome.
	Contributions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contributions",
		Help: "Number of contributions that went through verification",
	}, []string{"circuit", "verification"})

	// QueueLength is the number of contributors waiting on a circuit.
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Number of contributors waiting for a circuit",
	}, []string{"circuit"})

	// CompletedContributions mirrors the completed counter of each queue.
	CompletedContributions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "completed_contributions",
		Help: "Number of valid contributions of a circuit",
	}, []string{"circuit"})

	// UploadSessions counts session transitions.
	UploadSessions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upload_sessions",
		Help: "Number of upload sessions reaching a state",
	}, []string{"state"})

	// StorageRetries counts retried object storage calls.
	StorageRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_retries",
		Help: "Number of object storage calls retried after a transient failure",
	}, []string{"op"})

	// VerificationLatency is how long the verification gate takes.
	VerificationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "verification_duration_seconds",
		Help:    "Duration of artifact verification",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"circuit"})

	// CeremonyState is the lifecycle state of each ceremony.
	CeremonyState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ceremony_state",
		Help: "Lifecycle state of a ceremony (0 scheduled, 1 opened, 2 closed, 3 finalized)",
	}, []string{"ceremony"})

	// HTTPCallCounter (HTTP) how many http requests
	HTTPCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_call_counter",
		Help: "Number of HTTP calls received",
	}, []string{"code", "method"})
	// HTTPLatency (HTTP) how long http request handling takes
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "http_response_duration",
		Help:        "histogram of request latencies",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: prometheus.Labels{"handler": "http"},
	}, []string{"method"})
	// HTTPInFlight (HTTP) how many http requests exist
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight",
		Help: "A gauge of requests currently being served.",
	})

	// ClientRequests (client) how many requests went out, by status code
	ClientRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "client_requests",
		Help: "Number of requests sent to the coordinator",
	}, []string{"code", "method"})
	// ClientLatency (client) how long requests to the coordinator take
	ClientLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "client_request_duration",
		Help:    "histogram of coordinator request latencies",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	// ClientInFlight (client) requests currently waiting for an answer
	ClientInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "client_in_flight",
		Help: "A gauge of requests currently sent to the coordinator.",
	})
	// ClientUploadedBytes (client) bytes of artifact parts uploaded
	ClientUploadedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "client_uploaded_bytes",
		Help: "Number of artifact bytes uploaded",
	})

	buildTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ceremony_build_time",
		Help: "Timestamp when the binary was built in seconds since the Epoch",
	})

	// StorageBackend is set to 1 for the metadata store in use.
	StorageBackend = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storage_backend",
		Help: "Metadata store in use",
	}, []string{"backend"})

	metricsBound sync.Once
)

func bindMetrics(l log.Logger) {
	if err := PrivateMetrics.Register(collectors.NewGoCollector()); err != nil {
		l.Errorw("error in bindMetrics", "metrics", "goCollector", "err", err)
		return
	}
	if err := PrivateMetrics.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		l.Errorw("error in bindMetrics", "metrics", "processCollector", "err", err)
		return
	}

	coordinator := []prometheus.Collector{
		LocksGranted,
		Evictions,
		Contributions,
		QueueLength,
		CompletedContributions,
		UploadSessions,
		StorageRetries,
		VerificationLatency,
		CeremonyState,
		StorageBackend,
		buildTime,
	}
	httpMetrics := []prometheus.Collector{
		HTTPCallCounter,
		HTTPLatency,
		HTTPInFlight,
	}
	groups := []struct {
		reg        *prometheus.Registry
		collectors []prometheus.Collector
	}{
		{CoordinatorMetrics, coordinator},
		{HTTPMetrics, httpMetrics},
		{ClientMetrics, []prometheus.Collector{ClientRequests, ClientLatency, ClientInFlight, ClientUploadedBytes}},
	}
	for _, g := range groups {
		for _, c := range g.collectors {
			if err := g.reg.Register(c); err != nil {
				l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
				return
			}
			if err := PrivateMetrics.Register(c); err != nil {
				l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
				return
			}
		}
	}

	buildTime.Set(float64(getBuildTimestamp(common.BUILDDATE)))
}

// Bind registers every collector once. Start calls it; tests and the HTTP
// server may call it without starting a listener.
func Bind(l log.Logger) {
	metricsBound.Do(func() {
		bindMetrics(l)
	})
}

// Start starts a prometheus metrics server with debug endpoints. If metricsBind
// is only a port the server listens on localhost.
func Start(logger log.Logger, metricsBind string, pprof http.Handler) net.Listener {
	logger.Infow("metrics starting", "desired_port", metricsBind)

	Bind(logger)

	if !strings.Contains(metricsBind, ":") {
		metricsBind = "127.0.0.1:" + metricsBind
	}
	//nolint:noctx
	l, err := net.Listen("tcp", metricsBind)
	if err != nil {
		logger.Warnw("", "metrics", "listen failed", "err", err)
		return nil
	}
	logger.Infow("metric listener started", "addr", l.Addr())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))
	mux.Handle("/metrics/coordinator", promhttp.HandlerFor(CoordinatorMetrics, promhttp.HandlerOpts{}))

	if pprof != nil {
		mux.Handle("/debug/pprof/", pprof)
	}

	mux.HandleFunc("/debug/gc", func(w http.ResponseWriter, _ *http.Request) {
		runtime.GC()
		fmt.Fprintf(w, "GC run complete")
	})

	s := http.Server{Addr: l.Addr().String(), ReadHeaderTimeout: 3 * time.Second, Handler: mux}
	go func() {
		logger.Warnw("", "metrics", "listen finished", "err", s.Serve(l))
	}()
	return l
}

func getBuildTimestamp(buildDate string) int64 {
	if buildDate == "" {
		return 0
	}

	layout := "02/01/2006@15:04:05"
	t, err := time.Parse(layout, buildDate)
	if err != nil {
		return 0
	}
	return t.Unix()
}

// LockGranted records a grant on a circuit.
func LockGranted(circuitID string) {
	LocksGranted.WithLabelValues(circuitID).Inc()
}

// QueueChanged publishes the size and progress of a queue.
func QueueChanged(circuitID string, waiting int, completed uint64) {
	QueueLength.WithLabelValues(circuitID).Set(float64(waiting))
	CompletedContributions.WithLabelValues(circuitID).Set(float64(completed))
}

// ContributionVerified records the outcome of a verification.
func ContributionVerified(circuitID, verification string, took time.Duration) {
	Contributions.WithLabelValues(circuitID, verification).Inc()
	VerificationLatency.WithLabelValues(circuitID).Observe(took.Seconds())
}

// CeremonyStateChange publishes the lifecycle state of a ceremony.
func CeremonyStateChange(ceremonyID string, state uint32) {
	CeremonyState.WithLabelValues(ceremonyID).Set(float64(state))
}
