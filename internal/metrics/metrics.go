// Package metrics exposes frame loop counters in the Prometheus text format.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kmstouch/internal/errors"
)

const namespace = "kmstouch"

type Metrics struct {
	reg *prometheus.Registry

	presented   prometheus.Counter
	skipped     *prometheus.CounterVec
	frameTime   prometheus.Histogram
	presentTime prometheus.Histogram
	touch       *prometheus.CounterVec
	pointers    prometheus.Gauge
	inputErrors prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		presented: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_presented_total",
			Help: "Frames that reached the screen.",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_skipped_total",
			Help: "Frames dropped before or during present, by reason.",
		}, []string{"reason"}),
		frameTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "frame_seconds",
			Help:    "Tick duration excluding the corrective sleep.",
			Buckets: []float64{.002, .004, .008, .012, .016, .020, .033, .050, .100},
		}),
		presentTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "present_seconds",
			Help:    "Rasterize plus page flip wait.",
			Buckets: []float64{.001, .002, .004, .008, .016, .033, .050, .100},
		}),
		touch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "touch_events_total",
			Help: "Touch events delivered to the UI, by kind.",
		}, []string{"kind"}),
		pointers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_pointers",
			Help: "Pointers pressed in the last frame.",
		}),
		inputErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "input_errors_total",
			Help: "Errors returned by the touch source.",
		}),
	}
	m.reg.MustRegister(m.presented, m.skipped, m.frameTime, m.presentTime, m.touch, m.pointers, m.inputErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) FramePresented(present time.Duration) {
	if m == nil {
		return
	}
	m.presented.Inc()
	m.presentTime.Observe(present.Seconds())
}

func (m *Metrics) FrameSkipped(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) FrameTime(d time.Duration) {
	if m == nil {
		return
	}
	m.frameTime.Observe(d.Seconds())
}

func (m *Metrics) TouchEvent(kind string) {
	if m == nil {
		return
	}
	m.touch.WithLabelValues(kind).Inc()
}

func (m *Metrics) Pointers(n int) {
	if m == nil {
		return
	}
	m.pointers.Set(float64(n))
}

func (m *Metrics) InputError() {
	if m == nil {
		return
	}
	m.inputErrors.Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errC := make(chan error, 1)
	go func() { errC <- srv.ListenAndServe() }()
	select {
	case err := <-errC:
		return errors.WrapPrefix(err, "metrics listen "+addr, 0)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	}
}
