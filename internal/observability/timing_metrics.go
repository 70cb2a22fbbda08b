package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TimingCollector exposes metrics for the timer-driven producers: the dish
// pointing coordinator and the delay-model publisher.
type TimingCollector struct {
	PointingSamples      *prometheus.CounterVec
	PointingRefill       prometheus.Histogram
	ElevationRejections  prometheus.Counter
	DelayModelsPublished prometheus.Counter
	DelayModelsSkipped   prometheus.Counter
	DelayModelCompute    prometheus.Histogram
	ActiveTracks         prometheus.Gauge
}

// NewTimingCollector registers timing metrics against reg.
func NewTimingCollector(reg prometheus.Registerer) (*TimingCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	samples, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tmc_pointing_samples_total",
		Help: "Az/El samples written to dishes, labeled by dish.",
	}, []string{"dish"}), "tmc_pointing_samples_total")
	if err != nil {
		return nil, err
	}

	refill, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tmc_pointing_refill_duration_seconds",
		Help:    "Time taken to compute and write one pointing horizon for all tracked dishes.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}), "tmc_pointing_refill_duration_seconds")
	if err != nil {
		return nil, err
	}

	rejections, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tmc_pointing_elevation_rejections_total",
		Help: "Track requests rejected because the target was outside the elevation limits.",
	}), "tmc_pointing_elevation_rejections_total")
	if err != nil {
		return nil, err
	}

	published, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tmc_delay_models_published_total",
		Help: "Delay models published to the CSP subarray.",
	}), "tmc_delay_models_published_total")
	if err != nil {
		return nil, err
	}

	skipped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tmc_delay_models_skipped_total",
		Help: "Delay-model ticks skipped because the epoch did not increase or the computation failed.",
	}), "tmc_delay_models_skipped_total")
	if err != nil {
		return nil, err
	}

	compute, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tmc_delay_model_compute_duration_seconds",
		Help:    "Duration of one delay-model computation.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}), "tmc_delay_model_compute_duration_seconds")
	if err != nil {
		return nil, err
	}

	tracks, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tmc_pointing_active_tracks",
		Help: "Dishes currently receiving pointing samples.",
	}), "tmc_pointing_active_tracks")
	if err != nil {
		return nil, err
	}

	return &TimingCollector{
		PointingSamples:      samples,
		PointingRefill:       refill,
		ElevationRejections:  rejections,
		DelayModelsPublished: published,
		DelayModelsSkipped:   skipped,
		DelayModelCompute:    compute,
		ActiveTracks:         tracks,
	}, nil
}

// ObservePointingRefill records one refill pass that wrote samples to each dish.
func (c *TimingCollector) ObservePointingRefill(d time.Duration, samplesPerDish map[string]int) {
	if c == nil {
		return
	}
	c.PointingRefill.Observe(d.Seconds())
	for dish, n := range samplesPerDish {
		c.PointingSamples.WithLabelValues(dish).Add(float64(n))
	}
}

// IncElevationRejections counts a rejected track.
func (c *TimingCollector) IncElevationRejections() {
	if c == nil {
		return
	}
	c.ElevationRejections.Inc()
}

// TrackStarted and TrackStopped move the tracked-dish gauge.
func (c *TimingCollector) TrackStarted() {
	if c == nil {
		return
	}
	c.ActiveTracks.Inc()
}

func (c *TimingCollector) TrackStopped() {
	if c == nil {
		return
	}
	c.ActiveTracks.Dec()
}

// ObserveDelayModel records a published delay model and its compute time.
func (c *TimingCollector) ObserveDelayModel(d time.Duration) {
	if c == nil {
		return
	}
	c.DelayModelsPublished.Inc()
	c.DelayModelCompute.Observe(d.Seconds())
}

// IncDelayModelSkipped counts a skipped delay-model tick.
func (c *TimingCollector) IncDelayModelSkipped() {
	if c == nil {
		return
	}
	c.DelayModelsSkipped.Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
