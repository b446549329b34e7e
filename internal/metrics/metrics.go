package metrics

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cobrabft/cobra/common/log"
)

var (
	// PrivateMetrics about the internal world (go process, private stuff)
	PrivateMetrics = prometheus.NewRegistry()
	// ProtocolMetrics about the confidentiality protocols (rounds, recovery)
	ProtocolMetrics = prometheus.NewRegistry()

	// ProposalsValidated (Protocol) how many peer proposals were checked, by
	// outcome
	ProposalsValidated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proposals_validated",
		Help: "Number of polynomial proposals validated, by outcome",
	}, []string{"outcome"})
	// RoundsFinished (Protocol) how many polynomial rounds ended, by final
	// state
	RoundsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polynomial_rounds",
		Help: "Number of polynomial creation rounds that ended, by state",
	}, []string{"purpose", "state"})
	// RunningRounds (Protocol) how many rounds are in progress
	RunningRounds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "polynomial_rounds_running",
		Help: "Number of polynomial creation rounds in progress",
	})

	// RecoveryFrames (Protocol) how many recovery frames were received, by
	// kind of payload
	RecoveryFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recovery_frames",
		Help: "Number of recovery frames received",
	}, []string{"payload"})
	// RecoveryBytes (Protocol) how many bytes of state were streamed
	RecoveryBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recovery_bytes",
		Help: "Number of recovery state bytes streamed",
	}, []string{"direction"})
	// RejectedConnections (Protocol) how many connections came from outside
	// the allow-list
	RejectedConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recovery_rejected_connections",
		Help: "Number of recovery connections rejected because of their address",
	})
	// UnreliableSenders (Protocol) how many recovery senders were flagged
	UnreliableSenders = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recovery_unreliable_senders",
		Help: "Number of recovery senders flagged as unreliable",
	})
	// ReconstructionLatency (Protocol) how long a recovery took from the
	// first frame to the reconstructed state
	ReconstructionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "recovery_reconstruction_duration",
		Help:    "Duration between the first recovery frame and reconstruction",
		Buckets: prometheus.DefBuckets,
	})

	bindOnce sync.Once
)

func bindMetrics() {
	bindOnce.Do(func() {
		// The private go-level metrics live in private.
		_ = PrivateMetrics.Register(prometheus.NewGoCollector())
		_ = PrivateMetrics.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

		protocol := []prometheus.Collector{
			ProposalsValidated,
			RoundsFinished,
			RunningRounds,
			RecoveryFrames,
			RecoveryBytes,
			RejectedConnections,
			UnreliableSenders,
			ReconstructionLatency,
		}
		for _, c := range protocol {
			_ = ProtocolMetrics.Register(c)
			_ = PrivateMetrics.Register(c)
		}
	})
}

// ObserveSince records the time elapsed since start in h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Start starts a prometheus metrics server on metricsBind. It returns nil when
// the address can't be bound.
func Start(l log.Logger, metricsBind string) net.Listener {
	l.Debugw("metrics listener starting", "at", metricsBind)
	bindMetrics()

	lis, err := net.Listen("tcp", metricsBind)
	if err != nil {
		l.Warnw("metrics listen failed", "err", err)
		return nil
	}
	s := http.Server{Addr: lis.Addr().String(), ReadHeaderTimeout: 3 * time.Second}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))
	mux.Handle("/protocol", ProtocolHandler())
	mux.HandleFunc("/debug/gc", func(w http.ResponseWriter, req *http.Request) {
		runtime.GC()
		fmt.Fprintf(w, "GC run complete")
	})
	s.Handler = mux
	go func() {
		l.Warnw("metrics listen finished", "err", s.Serve(lis))
	}()
	return lis
}

// ProtocolHandler exposes ProtocolMetrics only.
func ProtocolHandler() http.Handler {
	bindMetrics()
	return promhttp.HandlerFor(ProtocolMetrics, promhttp.HandlerOpts{Registry: ProtocolMetrics})
}
