package sim

import (
	"context"
	"strings"

	"github.com/signalsfoundry/telescope-mc/internal/logging"
	"github.com/signalsfoundry/telescope-mc/internal/tango"
	"github.com/signalsfoundry/telescope-mc/model"
)

// Profile names the element-specific commands of a subarray simulator.
type Profile struct {
	Kind           string
	AssignCommand  string
	ReleaseCommand string
	EndCommand     string
}

var (
	CSPProfile  = Profile{Kind: "csp", AssignCommand: model.CmdAddReceptors, ReleaseCommand: model.CmdRemoveAllReceptors, EndCommand: model.CmdGoToIdle}
	SDPProfile  = Profile{Kind: "sdp", AssignCommand: model.CmdAssignResources, ReleaseCommand: model.CmdReleaseAllResources, EndCommand: model.CmdEnd}
	MCCSProfile = Profile{Kind: "mccs", AssignCommand: model.CmdAssignResources, ReleaseCommand: model.CmdReleaseAllResources, EndCommand: model.CmdEnd}
)

// Subarray simulates an element subarray with an obsState machine.
type Subarray struct {
	*element
	profile Profile
	resolve func(fqdn string) tango.Client

	obs        model.ObsState
	resources  any
	config     string
	delaySub   tango.SubscriptionID
	delayFrom  tango.Client
	delayCount int
}

// NewSubarray creates a subarray simulator in EMPTY and opState OFF.
// resolve, when set, lets a CSP subarray subscribe to the delay model
// attribute named in its Configure argin.
func NewSubarray(name string, profile Profile, opts Options, resolve func(fqdn string) tango.Client) *Subarray {
	s := &Subarray{
		element: newElement(name, opts, model.OpStateOff),
		profile: profile,
		resolve: resolve,
		obs:     model.ObsStateEmpty,
	}
	s.attrs.Set(model.AttrObsState, model.ObsStateEmpty)
	if profile.Kind == CSPProfile.Kind {
		s.attrs.Set(model.AttrDelayModelsSeen, 0)
	}

	s.opStateCommands()
	s.handle(profile.AssignCommand, s.assign)
	s.handle(profile.ReleaseCommand, s.release)
	s.handle(model.CmdConfigure, s.configure)
	s.handle(model.CmdScan, s.step(model.CmdScan, []model.ObsState{model.ObsStateReady}, model.ObsStateScanning))
	s.handle(model.CmdEndScan, s.step(model.CmdEndScan, []model.ObsState{model.ObsStateScanning}, model.ObsStateReady))
	s.handle(profile.EndCommand, s.end)
	s.handle(model.CmdAbort, s.abort)
	s.handle(model.CmdObsReset, s.transient(model.CmdObsReset,
		[]model.ObsState{model.ObsStateAborted, model.ObsStateFault}, model.ObsStateResetting, model.ObsStateIdle))
	s.handle(model.CmdRestart, s.restart)
	return s
}

// ObsState returns the current observation state.
func (s *Subarray) ObsState() model.ObsState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.obs
}

// Resources returns the argin of the last accepted assignment.
func (s *Subarray) Resources() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resources
}

// LastConfiguration returns the last Configure argin.
func (s *Subarray) LastConfiguration() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// DelayModelsReceived counts delay-model events seen since Configure.
func (s *Subarray) DelayModelsReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delayCount
}

// InjectFault moves the subarray to FAULT as if the element failed on its own.
func (s *Subarray) InjectFault(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.log.Warn(context.Background(), "injected fault", logging.String("reason", reason))
	s.health = model.HealthFailed
	s.attrs.Set(model.AttrHealthState, model.HealthFailed)
	s.setObsLocked(model.ObsStateFault)
}

func (s *Subarray) setObsLocked(o model.ObsState) {
	s.obs = o
	s.attrs.Set(model.AttrObsState, o)
}

func (s *Subarray) allowedLocked(cmd string, from []model.ObsState) error {
	for _, o := range from {
		if s.obs == o {
			return nil
		}
	}
	return model.NotAllowed(cmd, s.obs)
}

func (s *Subarray) transient(cmd string, from []model.ObsState, via, to model.ObsState) handlerFunc {
	return func(ctx context.Context, argin any) (model.CommandResult, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.allowedLocked(cmd, from); err != nil {
			return model.CommandResult{}, err
		}
		if cmd == model.CmdObsReset && s.health == model.HealthFailed {
			s.health = model.HealthOK
			s.attrs.Set(model.AttrHealthState, model.HealthOK)
		}
		s.setObsLocked(via)
		s.laterLocked(cmd, func() { s.setObsLocked(to) })
		return model.Started("", ""), nil
	}
}

func (s *Subarray) step(cmd string, from []model.ObsState, to model.ObsState) handlerFunc {
	return func(ctx context.Context, argin any) (model.CommandResult, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.allowedLocked(cmd, from); err != nil {
			return model.CommandResult{}, err
		}
		s.laterLocked(cmd, func() { s.setObsLocked(to) })
		return model.Started("", ""), nil
	}
}

func (s *Subarray) assign(ctx context.Context, argin any) (model.CommandResult, error) {
	if s.profile.Kind == CSPProfile.Kind {
		ids, err := model.AsStrings(argin)
		if err != nil {
			return model.CommandResult{}, err
		}
		if len(ids) == 0 {
			return model.CommandResult{}, model.InvalidArgument("no receptors to add")
		}
		argin = ids
	} else if _, err := model.ArginString(argin); err != nil {
		return model.CommandResult{}, model.InvalidArgument("%v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.allowedLocked(s.profile.AssignCommand, []model.ObsState{model.ObsStateEmpty, model.ObsStateIdle}); err != nil {
		return model.CommandResult{}, err
	}
	s.resources = argin
	if ids, ok := argin.([]string); ok {
		s.attrs.Set(model.AttrReceptors, ids)
	}
	s.setObsLocked(model.ObsStateResourcing)
	s.laterLocked(s.profile.AssignCommand, func() { s.setObsLocked(model.ObsStateIdle) })
	return model.Started("", ""), nil
}

func (s *Subarray) release(ctx context.Context, _ any) (model.CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.allowedLocked(s.profile.ReleaseCommand, []model.ObsState{model.ObsStateIdle}); err != nil {
		return model.CommandResult{}, err
	}
	s.setObsLocked(model.ObsStateResourcing)
	s.laterLocked(s.profile.ReleaseCommand, func() {
		s.resources = nil
		if s.profile.Kind == CSPProfile.Kind {
			s.attrs.Set(model.AttrReceptors, []string{})
		}
		s.setObsLocked(model.ObsStateEmpty)
	})
	return model.Started("", ""), nil
}

func (s *Subarray) configure(ctx context.Context, argin any) (model.CommandResult, error) {
	doc, err := model.ArginString(argin)
	if err != nil || strings.TrimSpace(doc) == "" {
		return model.CommandResult{}, model.InvalidArgument("Configure needs a JSON argin")
	}
	var cfg map[string]any
	if err := model.Decode(doc, &cfg); err != nil {
		return model.CommandResult{}, err
	}
	if _, hasPointing := cfg["pointing"]; hasPointing && s.profile.Kind == CSPProfile.Kind {
		return model.CommandResult{}, model.InvalidArgument("csp Configure must not carry pointing")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.allowedLocked(model.CmdConfigure, []model.ObsState{model.ObsStateIdle, model.ObsStateReady}); err != nil {
		return model.CommandResult{}, err
	}
	s.config = doc
	if point, ok := cfg["delay_model_subscription_point"].(string); ok {
		s.subscribeDelayModelLocked(ctx, point)
	}
	s.setObsLocked(model.ObsStateConfiguring)
	s.laterLocked(model.CmdConfigure, func() { s.setObsLocked(model.ObsStateReady) })
	return model.Started("", ""), nil
}

// subscribeDelayModelLocked follows "<device fqdn>/<attribute>".
func (s *Subarray) subscribeDelayModelLocked(ctx context.Context, point string) {
	if s.resolve == nil {
		return
	}
	i := strings.LastIndex(point, "/")
	if i <= 0 || i == len(point)-1 {
		s.log.Warn(ctx, "bad delay model subscription point", logging.String("point", point))
		return
	}
	if s.delayFrom != nil {
		s.delayFrom.Unsubscribe(s.delaySub)
	}
	s.delayFrom = s.resolve(point[:i])
	id, err := s.delayFrom.Subscribe(ctx, point[i+1:], func(ev tango.Event) {
		if ev.Err != nil || ev.Value == nil {
			return
		}
		if doc, ok := ev.Value.(string); ok && doc == "" {
			return
		}
		s.mu.Lock()
		s.delayCount++
		s.attrs.Set(model.AttrDelayModelsSeen, s.delayCount)
		s.mu.Unlock()
	})
	if err != nil {
		s.log.Warn(ctx, "delay model subscription failed", logging.Err(err))
		s.delayFrom = nil
		return
	}
	s.delaySub = id
}

func (s *Subarray) end(ctx context.Context, _ any) (model.CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.allowedLocked(s.profile.EndCommand, []model.ObsState{model.ObsStateReady}); err != nil {
		return model.CommandResult{}, err
	}
	s.config = ""
	s.laterLocked(s.profile.EndCommand, func() { s.setObsLocked(model.ObsStateIdle) })
	return model.Started("", ""), nil
}

func (s *Subarray) abort(ctx context.Context, _ any) (model.CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.allowedLocked(model.CmdAbort, []model.ObsState{
		model.ObsStateIdle, model.ObsStateReady, model.ObsStateScanning,
		model.ObsStateConfiguring, model.ObsStateResetting, model.ObsStateResourcing,
	}); err != nil {
		return model.CommandResult{}, err
	}
	s.gen++
	s.setObsLocked(model.ObsStateAborting)
	s.laterLocked(model.CmdAbort, func() { s.setObsLocked(model.ObsStateAborted) })
	return model.Started("", ""), nil
}

func (s *Subarray) restart(ctx context.Context, _ any) (model.CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.allowedLocked(model.CmdRestart, []model.ObsState{model.ObsStateAborted, model.ObsStateFault}); err != nil {
		return model.CommandResult{}, err
	}
	s.gen++
	s.health = model.HealthOK
	s.attrs.Set(model.AttrHealthState, model.HealthOK)
	s.setObsLocked(model.ObsStateRestarting)
	s.laterLocked(model.CmdRestart, func() {
		s.resources = nil
		s.config = ""
		if s.profile.Kind == CSPProfile.Kind {
			s.attrs.Set(model.AttrReceptors, []string{})
		}
		s.setObsLocked(model.ObsStateEmpty)
	})
	return model.Started("", ""), nil
}
