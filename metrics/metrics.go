// Package metrics exposes Prometheus instrumentation on a dedicated port.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Outcome string

const (
	Success                  Outcome       = "success"
	Error                    Outcome       = "error"
	MetricRequestTimeout     time.Duration = 5 * time.Second
	MetricRequestIdleTimeout time.Duration = 10 * time.Second
)

func (o Outcome) String() string {
	return string(o)
}

var (
	once                     sync.Once
	metricsRouter            *chi.Mux
	escrowTransitionsCounter *prometheus.CounterVec
	disputeResolvedCounter   *prometheus.CounterVec
	slashedUnitsCounter      *prometheus.CounterVec
	outboxPublishErrCounter  prometheus.Counter
	outboxDeadCounter        prometheus.Counter
	requestDuration          *prometheus.HistogramVec
	lockedStakeGauge         prometheus.Gauge
)

// Init initializes the metrics package.
func Init(metricsPort int) {
	once.Do(func() {
		initMetricsRouter(metricsPort)
		registerMetrics()
	})
}

func initMetricsRouter(metricsPort int) {
	metricsRouter = chi.NewRouter()
	metricsRouter.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})
	metricsAddr := fmt.Sprintf(":%d", metricsPort)
	server := &http.Server{
		Addr:         metricsAddr,
		Handler:      metricsRouter,
		ReadTimeout:  MetricRequestTimeout,
		WriteTimeout: MetricRequestTimeout,
		IdleTimeout:  MetricRequestIdleTimeout,
	}

	go func() {
		log.Printf("Starting metrics server on %s", metricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msgf("Error starting metrics server on %s", metricsAddr)
		}
	}()
}

func registerMetrics() {
	defaultHistogramBucketsSeconds := []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5}

	escrowTransitionsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_transitions_total",
			Help: "Escrow state transitions by resulting status.",
		},
		[]string{"status"},
	)

	disputeResolvedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disputes_resolved_total",
			Help: "Disputes settled, labelled by how the decision was reached.",
		},
		[]string{"method"},
	)

	slashedUnitsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slashed_units_total",
			Help: "Stake units forfeited to the treasury by slash reason.",
		},
		[]string{"reason"},
	)

	outboxPublishErrCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_publish_error_count",
			Help: "The total number of errors when publishing outbox messages",
		},
	)

	outboxDeadCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_dead_count",
			Help: "Outbox messages parked after exhausting publish attempts",
		},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of API request durations in seconds.",
			Buckets: defaultHistogramBucketsSeconds,
		},
		[]string{"method", "path", "status"},
	)

	lockedStakeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "locked_stake_units",
			Help: "Stake units currently locked as escrow collateral",
		},
	)

	prometheus.MustRegister(
		escrowTransitionsCounter,
		disputeResolvedCounter,
		slashedUnitsCounter,
		outboxPublishErrCounter,
		outboxDeadCounter,
		requestDuration,
		lockedStakeGauge,
	)
}

// Record functions are no-ops before Init so library code can call them
// unconditionally.

func RecordEscrowTransition(status string) {
	if escrowTransitionsCounter == nil {
		return
	}
	escrowTransitionsCounter.WithLabelValues(status).Inc()
}

func RecordDisputeResolved(method string) {
	if disputeResolvedCounter == nil {
		return
	}
	disputeResolvedCounter.WithLabelValues(method).Inc()
}

func RecordSlash(reason string, amount int64) {
	if slashedUnitsCounter == nil {
		return
	}
	slashedUnitsCounter.WithLabelValues(reason).Add(float64(amount))
}

func RecordOutboxPublishError() {
	if outboxPublishErrCounter == nil {
		return
	}
	outboxPublishErrCounter.Inc()
}

func RecordOutboxDead() {
	if outboxDeadCounter == nil {
		return
	}
	outboxDeadCounter.Inc()
}

// AddLockedStake moves the locked-collateral gauge by delta; negative deltas
// release.
func AddLockedStake(delta int64) {
	if lockedStakeGauge == nil {
		return
	}
	lockedStakeGauge.Add(float64(delta))
}

// StartRequestDurationTimer measures one API request; call the returned
// function with the response status code.
func StartRequestDurationTimer(method, path string) func(statusCode int) {
	startTime := time.Now()
	return func(statusCode int) {
		if requestDuration == nil {
			return
		}
		duration := time.Since(startTime).Seconds()
		requestDuration.WithLabelValues(
			method,
			path,
			fmt.Sprintf("%d", statusCode),
		).Observe(duration)
	}
}
