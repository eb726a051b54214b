package seqnet

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xlog "github.com/leesper/seqnet/internal/log"
)

var (
	sequencerTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seqnet_sequencer_tasks_total",
		Help: "Total number of callbacks submitted to a sequencer",
	}, []string{"sequencer", "mode"})

	sequencerPanicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seqnet_sequencer_callback_panics_total",
		Help: "Total number of callbacks that panicked",
	}, []string{"sequencer"})

	sequencerOutstanding = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "seqnet_sequencer_outstanding",
		Help: "Callbacks submitted but not yet completed",
	}, []string{"sequencer"})

	sequencerTaskSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seqnet_sequencer_task_duration_seconds",
		Help:    "Time spent running a single callback",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"sequencer"})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seqnet_frames_total",
		Help: "Total number of frames by direction",
	}, []string{"direction"})

	frameBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seqnet_frame_bytes_total",
		Help: "Total number of body bytes by direction",
	}, []string{"direction"})

	stopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seqnet_stage_stops_total",
		Help: "Total number of pipeline stage stops by stage and kind",
	}, []string{"stage", "kind"})

	connsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seqnet_connections",
		Help: "Currently open connections",
	})
)

const (
	dirIn  = "in"
	dirOut = "out"
)

func addFrame(direction string, bodyBytes int64) {
	framesTotal.WithLabelValues(direction).Inc()
	frameBytesTotal.WithLabelValues(direction).Add(float64(bodyBytes))
}

func addStop(stage string, kind Kind) {
	stopsTotal.WithLabelValues(stage, kind.String()).Inc()
}

func addTotalConn(delta float64) {
	connsGauge.Add(delta)
}

func observeTask(sequencer string, d time.Duration) {
	sequencerTaskSeconds.WithLabelValues(sequencer).Observe(d.Seconds())
}

// MonitorOn serves the prometheus registry on addr under /metrics. The
// returned server is already listening in the background; shut it down with
// its Shutdown method.
func MonitorOn(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l := xlog.WithComponent("metrics")
			l.Error().Err(err).Str("addr", addr).Msg("metrics endpoint stopped")
		}
	}()
	return srv
}
