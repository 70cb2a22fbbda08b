// Package delaymodel periodically computes the geometric delay polynomials of
// a configured subarray and publishes them as a JSON document.
package delaymodel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/telescope-mc/core"
	"github.com/signalsfoundry/telescope-mc/internal/logging"
	"github.com/signalsfoundry/telescope-mc/internal/observability"
	"github.com/signalsfoundry/telescope-mc/internal/sched"
	"github.com/signalsfoundry/telescope-mc/model"
)

// DefaultCadence is the publication interval.
const DefaultCadence = 10 * time.Second

// Sink receives each serialised document together with its decoded form.
type Sink func(ctx context.Context, doc string, dm model.DelayModel) error

// Publisher owns the delay-model timer of one CSP subarray leaf.
type Publisher struct {
	name    string
	cadence time.Duration
	calc    core.DelayCalculator
	timers  *sched.TimerGroup
	sink    Sink
	log     logging.Logger
	metrics *observability.TimingCollector

	mu        sync.Mutex
	receptors []model.ReceptorID
	fsids     []int
	target    core.Target
	periodic  *sched.Periodic
	lastEpoch float64
	last      *model.DelayModel
}

// NewPublisher creates a stopped publisher. A non-positive cadence selects
// DefaultCadence.
func NewPublisher(name string, cadence time.Duration, calc core.DelayCalculator, timers *sched.TimerGroup, sink Sink, log logging.Logger, metrics *observability.TimingCollector) *Publisher {
	if cadence <= 0 {
		cadence = DefaultCadence
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Publisher{
		name:    name,
		cadence: cadence,
		calc:    calc,
		timers:  timers,
		sink:    sink,
		log:     log.With(logging.String("component", "delaymodel")),
		metrics: metrics,
	}
}

// Start validates the inputs, publishes a first document immediately and arms
// the periodic timer. A running publisher is restarted with the new inputs.
func (p *Publisher) Start(ctx context.Context, receptors []model.ReceptorID, fsids []int, target core.Target) error {
	if len(receptors) == 0 {
		return model.InvalidArgument("delay model needs at least one receptor")
	}
	if len(fsids) == 0 {
		return model.InvalidArgument("delay model needs at least one fsp")
	}
	rs := model.SortReceptors(append([]model.ReceptorID(nil), receptors...))
	for _, r := range rs {
		if n := r.Number(); n < 1 || n > model.MaxReceptorNumber {
			return model.InvalidArgument("receptor %q out of range", r)
		}
	}
	fs := uniqueSorted(fsids)
	for _, f := range fs {
		if f < model.MinFSPID || f > model.MaxFSPID {
			return model.InvalidArgument("fsid %d out of range [%d, %d]", f, model.MinFSPID, model.MaxFSPID)
		}
	}

	now := p.timers.Scheduler().Now()
	p.mu.Lock()
	if p.periodic != nil {
		p.timers.Release(p.periodic)
		p.periodic = nil
	}
	p.receptors, p.fsids, p.target = rs, fs, target
	p.mu.Unlock()

	if _, err := p.PublishAt(ctx, now); err != nil {
		return err
	}

	p.mu.Lock()
	p.periodic = p.timers.Every(now.Add(p.cadence), p.cadence, p.tick)
	p.mu.Unlock()
	p.log.Info(ctx, "delay model publisher started",
		logging.Device(p.name),
		logging.Int("receptors", len(rs)),
		logging.Int("fsps", len(fs)),
		logging.Duration("cadence", p.cadence),
	)
	return nil
}

// Stop disarms the timer. It is safe to call on a stopped publisher.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.periodic != nil {
		p.timers.Release(p.periodic)
		p.periodic = nil
	}
	p.receptors = nil
	p.fsids = nil
}

// Running reports whether the timer is armed.
func (p *Publisher) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.periodic != nil
}

// Last returns the most recently published document.
func (p *Publisher) Last() (model.DelayModel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return model.DelayModel{}, false
	}
	return *p.last, true
}

func (p *Publisher) tick(at time.Time) {
	ctx, span := observability.StartChildSpan(context.Background(), "delaymodel/publish",
		attribute.String("tmc.device", p.name))
	defer span.End()
	if _, err := p.PublishAt(ctx, at); err != nil {
		span.RecordError(err)
		p.log.Warn(ctx, "delay model not published", logging.Device(p.name), logging.Err(err))
	}
}

// PublishAt computes and publishes the document for epoch at. An epoch that
// is not newer than the last published one is skipped and reported with
// ok == false.
func (p *Publisher) PublishAt(ctx context.Context, at time.Time) (ok bool, err error) {
	epoch := Epoch(at)

	p.mu.Lock()
	if len(p.receptors) == 0 {
		p.mu.Unlock()
		return false, nil
	}
	if epoch <= p.lastEpoch {
		p.mu.Unlock()
		p.metrics.IncDelayModelSkipped()
		return false, nil
	}
	receptors, fsids, target := p.receptors, p.fsids, p.target
	p.mu.Unlock()

	begin := time.Now()
	dm, err := Build(p.calc, receptors, fsids, target, at)
	if err != nil {
		return false, err
	}
	doc, err := model.Encode(dm)
	if err != nil {
		return false, fmt.Errorf("encode delay model: %w", err)
	}

	p.mu.Lock()
	// Stop or a newer publication may have raced the computation.
	if len(p.receptors) == 0 || epoch <= p.lastEpoch {
		p.mu.Unlock()
		p.metrics.IncDelayModelSkipped()
		return false, nil
	}
	p.lastEpoch = epoch
	p.last = &dm
	p.mu.Unlock()

	p.metrics.ObserveDelayModel(time.Since(begin))
	if p.sink != nil {
		if err := p.sink(ctx, doc, dm); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Build assembles the document for one epoch, ordered by receptor then fsid.
func Build(calc core.DelayCalculator, receptors []model.ReceptorID, fsids []int, target core.Target, at time.Time) (model.DelayModel, error) {
	dm := model.DelayModel{
		Epoch:        Epoch(at),
		DelayDetails: make([]model.ReceptorDelay, 0, len(receptors)),
	}
	for _, r := range receptors {
		rd := model.ReceptorDelay{
			Receptor:             r.Number(),
			ReceptorDelayDetails: make([]model.FSPDelay, 0, len(fsids)),
		}
		for _, f := range fsids {
			coeffs, err := calc.DelayPoly(r, f, target, at)
			if err != nil {
				return model.DelayModel{}, fmt.Errorf("receptor %s fsid %d: %w", r, f, err)
			}
			if len(coeffs) != model.DelayCoeffCount {
				return model.DelayModel{}, fmt.Errorf("receptor %s fsid %d: %d coefficients, want %d",
					r, f, len(coeffs), model.DelayCoeffCount)
			}
			rd.ReceptorDelayDetails = append(rd.ReceptorDelayDetails, model.FSPDelay{FSID: f, DelayCoeff: coeffs})
		}
		dm.DelayDetails = append(dm.DelayDetails, rd)
	}
	return dm, nil
}

// Epoch renders t as fractional seconds since the Unix epoch.
func Epoch(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

func uniqueSorted(in []int) []int {
	out := append([]int(nil), in...)
	sort.Ints(out)
	n := 0
	for i, v := range out {
		if i == 0 || v != out[n-1] {
			out[n] = v
			n++
		}
	}
	return out[:n]
}
