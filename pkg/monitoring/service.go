package monitoring

import (
	"net/http"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	prometheus_metrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"

	"github.com/proofcaptcha/proofcaptcha/pkg/common"
)

const (
	metricsNamespaceAPI      = "api"
	challengeMetricsSubsystem = "challenge"
	platformMetricsSubsystem  = "platform"
	resultLabel               = "result"
	kindLabel                 = "kind"
)

// Service owns the prometheus registry and the HTTP metrics middleware.
type Service struct {
	Registry         *prometheus.Registry
	httpMiddleware   middleware.Middleware
	challengeCounter prometheus.Counter
	verifyCounter    *prometheus.CounterVec
	threatCounter    *prometheus.CounterVec
	storageGauge     prometheus.Gauge
}

func traceID() string {
	return xid.New().String()
}

// Traced assigns every request a trace id, propagated through the context
// and echoed in the response headers.
func Traced(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, tid := common.TraceContextFunc(r.Context(), traceID)
		headers := w.Header()
		headers[common.HeaderTraceID] = []string{tid}
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

func Logged(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := time.Now()
		ctx, _ := common.TraceContextFunc(r.Context(), traceID)

		slog.Log(ctx, common.LevelTrace, "Started request", "path", r.URL.Path, "method", r.Method)
		defer func() {
			slog.Log(ctx, common.LevelTrace, "Finished request", "path", r.URL.Path, "method", r.Method,
				"duration", time.Since(t).Milliseconds())
		}()

		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

func NewService() *Service {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	challengeCounter := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespaceAPI,
			Subsystem: challengeMetricsSubsystem,
			Name:      "create_total",
			Help:      "Total number of challenges created",
		},
	)
	reg.MustRegister(challengeCounter)

	verifyCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespaceAPI,
			Subsystem: challengeMetricsSubsystem,
			Name:      "verify_total",
			Help:      "Total number of challenge verifications",
		},
		[]string{resultLabel},
	)
	reg.MustRegister(verifyCounter)

	threatCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespaceAPI,
			Subsystem: platformMetricsSubsystem,
			Name:      "threat_total",
			Help:      "Total number of blocked threats",
		},
		[]string{kindLabel},
	)
	reg.MustRegister(threatCounter)

	storageGauge := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespaceAPI,
			Subsystem: platformMetricsSubsystem,
			Name:      "storage_up",
			Help:      "Whether the storage backend is reachable",
		},
	)
	reg.MustRegister(storageGauge)

	httpMiddleware := middleware.New(middleware.Config{
		Recorder: prometheus_metrics.NewRecorder(prometheus_metrics.Config{
			Registry: reg,
			Prefix:   metricsNamespaceAPI,
		}),
		DisableMeasureSize: true,
	})

	return &Service{
		Registry:         reg,
		httpMiddleware:   httpMiddleware,
		challengeCounter: challengeCounter,
		verifyCounter:    verifyCounter,
		threatCounter:    threatCounter,
		storageGauge:     storageGauge,
	}
}

// Handler wraps an http.Handler with request metrics.
func (s *Service) Handler(h http.Handler) http.Handler {
	return std.Handler("", s.httpMiddleware, h)
}

// MetricsHandler exposes the registry for scraping.
func (s *Service) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})
}

func (s *Service) ObserveChallengeCreated() {
	s.challengeCounter.Inc()
}

func (s *Service) ObserveVerification(result string) {
	s.verifyCounter.WithLabelValues(result).Inc()
}

func (s *Service) ObserveThreat(kind EventKind) {
	s.threatCounter.WithLabelValues(string(kind)).Inc()
}

func (s *Service) ObserveStorageHealth(up bool) {
	if up {
		s.storageGauge.Set(1)
	} else {
		s.storageGauge.Set(0)
	}
}
