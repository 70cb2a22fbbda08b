// Package pointing keeps a dish supplied with a rolling table of future
// horizon-frame pointings for its current target.
package pointing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/telescope-mc/core"
	"github.com/signalsfoundry/telescope-mc/internal/logging"
	"github.com/signalsfoundry/telescope-mc/internal/observability"
	"github.com/signalsfoundry/telescope-mc/internal/sched"
	"github.com/signalsfoundry/telescope-mc/model"
)

// Sample is one commanded pointing.
type Sample struct {
	TimestampMs int64
	AzDeg       float64
	ElDeg       float64
}

// Triple renders the sample as [timestamp_ms, az, el].
func (s Sample) Triple() []float64 {
	return []float64{float64(s.TimestampMs), s.AzDeg, s.ElDeg}
}

// FlattenTable renders samples as [ts, az, el, ts, az, el, ...].
func FlattenTable(samples []Sample) []float64 {
	out := make([]float64, 0, 3*len(samples))
	for _, s := range samples {
		out = append(out, s.Triple()...)
	}
	return out
}

// ParseTable parses a flattened [ts, az, el, ...] table.
func ParseTable(v []float64) ([]Sample, error) {
	if len(v) == 0 || len(v)%3 != 0 {
		return nil, model.InvalidArgument("pointing table length %d is not a positive multiple of 3", len(v))
	}
	out := make([]Sample, 0, len(v)/3)
	for i := 0; i < len(v); i += 3 {
		out = append(out, Sample{TimestampMs: int64(v[i]), AzDeg: v[i+1], ElDeg: v[i+2]})
	}
	for i := 1; i < len(out); i++ {
		if out[i].TimestampMs <= out[i-1].TimestampMs {
			return nil, model.InvalidArgument("pointing table timestamps are not strictly increasing")
		}
	}
	return out, nil
}

// Config parameterises a Coordinator.
type Config struct {
	// Refill is the timer cadence.
	Refill time.Duration
	// Horizon is how many refill periods ahead the table reaches.
	Horizon int
	// Steps is the number of samples per refill period.
	Steps int

	MinElevationDeg float64
	MaxElevationDeg float64
	Observer        core.Geodetic
}

// ApplyDefaults fills zero fields: 1 s refill, 50 periods, one sample per period.
func (c *Config) ApplyDefaults() {
	if c.Refill <= 0 {
		c.Refill = time.Second
	}
	if c.Horizon <= 0 {
		c.Horizon = 50
	}
	if c.Steps <= 0 {
		c.Steps = 1
	}
	if c.MaxElevationDeg == 0 && c.MinElevationDeg == 0 {
		c.MaxElevationDeg = 90
	}
}

func (c Config) step() time.Duration    { return c.Refill / time.Duration(c.Steps) }
func (c Config) horizon() time.Duration { return c.Refill * time.Duration(c.Horizon) }

// Sink receives the pointing outputs after every refill.
type Sink interface {
	PublishPointing(ctx context.Context, desired Sample, table []Sample) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, desired Sample, table []Sample) error

func (f SinkFunc) PublishPointing(ctx context.Context, desired Sample, table []Sample) error {
	return f(ctx, desired, table)
}

// Coordinator owns the desired-pointing buffer of one dish.
type Coordinator struct {
	name    string
	cfg     Config
	conv    core.Converter
	timers  *sched.TimerGroup
	sink    Sink
	log     logging.Logger
	metrics *observability.TimingCollector

	mu            sync.Mutex
	target        *core.Target
	buffer        []Sample
	periodic      *sched.Periodic
	lastDesiredMs int64
	lastOfferMs   int64
	onFault       func(error)
	// gen numbers buffer generations; only the newest one is published.
	gen uint64

	pubMu sync.Mutex
}

// NewCoordinator creates an idle coordinator for the dish called name.
func NewCoordinator(name string, cfg Config, conv core.Converter, timers *sched.TimerGroup, sink Sink, log logging.Logger, metrics *observability.TimingCollector) *Coordinator {
	cfg.ApplyDefaults()
	if conv == nil {
		conv = core.SiderealConverter{}
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Coordinator{
		name:    name,
		cfg:     cfg,
		conv:    conv,
		timers:  timers,
		sink:    sink,
		log:     log.With(logging.String("component", "pointing")),
		metrics: metrics,
	}
}

// OnFault registers fn, called when a refill stops the track.
func (c *Coordinator) OnFault(fn func(error)) {
	c.mu.Lock()
	c.onFault = fn
	c.mu.Unlock()
}

// Track replaces the active target, fills the buffer for the current time and
// arms the refill timer. A target outside the elevation limits is rejected
// with model.ErrElevationLimit and leaves the coordinator stopped.
func (c *Coordinator) Track(ctx context.Context, target core.Target) error {
	now := c.timers.Scheduler().Now()

	c.mu.Lock()
	c.disarmLocked()
	t := target
	c.target = &t
	c.buffer = nil
	desired, table, err := c.refillLocked(now)
	if err != nil {
		c.stopLocked()
		c.mu.Unlock()
		c.metrics.IncElevationRejections()
		return err
	}
	c.periodic = c.timers.Every(now.Add(c.cfg.Refill), c.cfg.Refill, c.tick)
	gen := c.nextGenLocked()
	c.mu.Unlock()

	c.metrics.TrackStarted()
	c.log.Info(ctx, "tracking target",
		logging.Device(c.name),
		logging.String("target", target.Name),
		logging.String("frame", target.Frame),
	)
	return c.publish(ctx, gen, desired, table)
}

// Stop disarms the timer and clears the target. The dish keeps its last
// commanded position.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	was := c.target != nil
	c.stopLocked()
	c.mu.Unlock()
	if was {
		c.metrics.TrackStopped()
	}
}

func (c *Coordinator) stopLocked() {
	c.nextGenLocked()
	c.disarmLocked()
	c.target = nil
	c.buffer = nil
}

func (c *Coordinator) disarmLocked() {
	if c.periodic != nil {
		c.timers.Release(c.periodic)
		c.periodic = nil
	}
}

// Active reports whether a target is being tracked.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target != nil
}

// Target returns the active target.
func (c *Coordinator) Target() (core.Target, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target == nil {
		return core.Target{}, false
	}
	return *c.target, true
}

// Buffer returns a copy of the desired-pointing buffer.
func (c *Coordinator) Buffer() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sample(nil), c.buffer...)
}

func (c *Coordinator) tick(at time.Time) {
	ctx, span := observability.StartChildSpan(context.Background(), "pointing/refill",
		attribute.String("tmc.device", c.name))
	defer span.End()

	begin := time.Now()
	c.mu.Lock()
	if c.target == nil {
		c.mu.Unlock()
		return
	}
	desired, table, err := c.refillLocked(at)
	var onFault func(error)
	if err != nil {
		c.stopLocked()
		onFault = c.onFault
	}
	gen := c.nextGenLocked()
	c.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		c.metrics.IncElevationRejections()
		c.metrics.TrackStopped()
		c.log.Warn(ctx, "track stopped", logging.Device(c.name), logging.Err(err))
		if onFault != nil {
			onFault(err)
		}
		return
	}
	c.metrics.ObservePointingRefill(time.Since(begin), map[string]int{c.name: len(table)})
	if err := c.publish(ctx, gen, desired, table); err != nil {
		c.log.Warn(ctx, "pointing publish failed", logging.Device(c.name), logging.Err(err))
	}
}

// refillLocked drops past samples and extends the buffer to now + horizon.
// On error the buffer is left as it was.
func (c *Coordinator) refillLocked(now time.Time) (Sample, []Sample, error) {
	nowMs := now.UnixMilli()
	stepMs := c.cfg.step().Milliseconds()
	if stepMs <= 0 {
		stepMs = 1
	}
	endMs := now.Add(c.cfg.horizon()).UnixMilli()

	kept := make([]Sample, 0, len(c.buffer)+c.cfg.Horizon*c.cfg.Steps+1)
	for _, s := range c.buffer {
		if s.TimestampMs >= nowMs {
			kept = append(kept, s)
		}
	}

	next := nowMs
	if n := len(kept); n > 0 {
		next = kept[n-1].TimestampMs + stepMs
	} else if next <= c.lastDesiredMs {
		next = c.lastDesiredMs + stepMs
	}
	for ts := next; ts <= endMs; ts += stepMs {
		az, el, err := c.conv.AzEl(*c.target, time.UnixMilli(ts).UTC(), c.cfg.Observer)
		if err != nil {
			return Sample{}, nil, err
		}
		if el < c.cfg.MinElevationDeg || el > c.cfg.MaxElevationDeg {
			return Sample{}, nil, fmt.Errorf("%w: %s at %s would need el %.2f outside [%.1f, %.1f]",
				model.ErrElevationLimit, c.target.Name, time.UnixMilli(ts).UTC().Format(time.RFC3339), el,
				c.cfg.MinElevationDeg, c.cfg.MaxElevationDeg)
		}
		kept = append(kept, Sample{TimestampMs: ts, AzDeg: az, ElDeg: el})
	}
	if len(kept) == 0 {
		return Sample{}, nil, fmt.Errorf("%w: empty pointing horizon", model.ErrInvalidArgument)
	}

	c.buffer = kept
	return c.pickDesiredLocked(), append([]Sample(nil), kept...), nil
}

// pickDesiredLocked returns the first buffered sample newer than the last
// published desired pointing, keeping the desiredPointing history strictly
// increasing.
func (c *Coordinator) pickDesiredLocked() Sample {
	desired := c.buffer[len(c.buffer)-1]
	for _, s := range c.buffer {
		if s.TimestampMs > c.lastDesiredMs {
			desired = s
			break
		}
	}
	if desired.TimestampMs > c.lastDesiredMs {
		c.lastDesiredMs = desired.TimestampMs
	}
	return desired
}

// Offer applies an externally written pointing table. It is accepted only if
// its first timestamp is strictly newer than both the previous external write
// and the last desired pointing, and not in the past; the buffer from that
// timestamp on is replaced.
func (c *Coordinator) Offer(ctx context.Context, samples []Sample) bool {
	if len(samples) == 0 {
		return false
	}
	nowMs := c.timers.Scheduler().Now().UnixMilli()
	first := samples[0].TimestampMs

	c.mu.Lock()
	if first <= c.lastOfferMs || first <= c.lastDesiredMs || first < nowMs {
		c.mu.Unlock()
		c.log.Debug(ctx, "ignoring stale pointing update", logging.Device(c.name), logging.Any("timestamp_ms", first))
		return false
	}
	c.lastOfferMs = first
	kept := make([]Sample, 0, len(c.buffer)+len(samples))
	for _, s := range c.buffer {
		if s.TimestampMs >= nowMs && s.TimestampMs < first {
			kept = append(kept, s)
		}
	}
	kept = append(kept, samples...)
	c.buffer = kept
	desired := c.pickDesiredLocked()
	table := append([]Sample(nil), kept...)
	gen := c.nextGenLocked()
	c.mu.Unlock()

	if err := c.publish(ctx, gen, desired, table); err != nil {
		c.log.Warn(ctx, "pointing publish failed", logging.Device(c.name), logging.Err(err))
	}
	return true
}

func (c *Coordinator) nextGenLocked() uint64 {
	c.gen++
	return c.gen
}

// publish hands one buffer generation to the sink. Publications are
// serialised, and a generation superseded by a later refill, offer or stop is
// dropped, so desiredPointing never goes backwards.
func (c *Coordinator) publish(ctx context.Context, gen uint64, desired Sample, table []Sample) error {
	if c.sink == nil {
		return nil
	}
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.mu.Lock()
	current := c.gen == gen
	c.mu.Unlock()
	if !current {
		return nil
	}
	return c.sink.PublishPointing(ctx, desired, table)
}
