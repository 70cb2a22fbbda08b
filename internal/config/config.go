// Package config loads the deployment description of a control system: the
// receptor layout, the subarrays, the device name prefixes and the timing
// knobs of the nodes. Values come from a YAML file and may be overridden by
// TMC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/telescope-mc/core"
	"github.com/signalsfoundry/telescope-mc/model"
)

// Receptor is one dish in the deployment file.
type Receptor struct {
	ID              string        `yaml:"id"`
	Location        core.Geodetic `yaml:"location"`
	MinElevationDeg float64       `yaml:"min_elevation_deg"`
	MaxElevationDeg float64       `yaml:"max_elevation_deg"`
}

// Prefixes are the FQDN stems every device name is built from.
type Prefixes struct {
	Central       string `yaml:"central"`
	Subarray      string `yaml:"subarray"`
	DishLeaf      string `yaml:"dish_leaf"`
	CSPMasterLeaf string `yaml:"csp_master_leaf"`
	SDPMasterLeaf string `yaml:"sdp_master_leaf"`
	MCCSLeaf      string `yaml:"mccs_master_leaf"`
	CSPLeaf       string `yaml:"csp_subarray_leaf"`
	SDPLeaf       string `yaml:"sdp_subarray_leaf"`
	MCCSSubLeaf   string `yaml:"mccs_subarray_leaf"`
	Dish          string `yaml:"dish"`
	CSP           string `yaml:"csp"`
	SDP           string `yaml:"sdp"`
	MCCS          string `yaml:"mccs"`
}

// Timing holds the cadences and timeouts shared by the nodes.
type Timing struct {
	CommandTimeout  time.Duration `yaml:"command_timeout" env:"TMC_COMMAND_TIMEOUT"`
	ResponseTimeout time.Duration `yaml:"response_timeout" env:"TMC_RESPONSE_TIMEOUT"`
	PointingCadence time.Duration `yaml:"pointing_cadence" env:"TMC_POINTING_CADENCE"`
	PointingHorizon int           `yaml:"pointing_horizon" env:"TMC_POINTING_HORIZON"`
	DelayCadence    time.Duration `yaml:"delay_cadence" env:"TMC_DELAY_CADENCE"`
	DelayValidity   time.Duration `yaml:"delay_validity" env:"TMC_DELAY_VALIDITY"`
	// SimLatency is how long simulated elements take per transition.
	SimLatency time.Duration `yaml:"sim_latency" env:"TMC_SIM_LATENCY"`
	// Tick is how often due timers are run.
	Tick time.Duration `yaml:"tick" env:"TMC_TICK"`
}

// Config is a whole deployment.
type Config struct {
	Site      core.Geodetic `yaml:"site"`
	Receptors []Receptor    `yaml:"receptors"`
	Subarrays []int         `yaml:"subarrays"`
	// MCCS adds the station beamformer master and one MCCS leaf per subarray.
	MCCS     bool     `yaml:"mccs" env:"TMC_MCCS"`
	Prefixes Prefixes `yaml:"prefixes"`
	Timing   Timing   `yaml:"timing"`

	GRPCAddr    string `yaml:"grpc_addr" env:"TMC_GRPC_ADDR"`
	MetricsAddr string `yaml:"metrics_addr" env:"TMC_METRICS_ADDR"`
}

// Defaults.
const (
	DefaultGRPCAddr        = ":50070"
	DefaultMetricsAddr     = ":9090"
	DefaultCommandTimeout  = 30 * time.Second
	DefaultResponseTimeout = 3 * time.Second
	DefaultPointingCadence = time.Second
	DefaultPointingHorizon = 50
	DefaultDelayCadence    = 10 * time.Second
	DefaultDelayValidity   = 10 * time.Second
	DefaultSimLatency      = 200 * time.Millisecond
	DefaultTick            = 100 * time.Millisecond
)

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.GRPCAddr == "" {
		c.GRPCAddr = DefaultGRPCAddr
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = DefaultMetricsAddr
	}
	if len(c.Subarrays) == 0 {
		c.Subarrays = []int{1}
	}
	c.Prefixes.applyDefaults()
	c.Timing.applyDefaults()
}

func (p *Prefixes) applyDefaults() {
	set := func(field *string, v string) {
		if *field == "" {
			*field = v
		}
	}
	set(&p.Central, "mid-tmc/central-node/0")
	set(&p.Subarray, "mid-tmc/subarray/")
	set(&p.DishLeaf, "mid-tmc/leaf-node-dish/")
	set(&p.CSPMasterLeaf, "mid-tmc/leaf-node-csp/0")
	set(&p.SDPMasterLeaf, "mid-tmc/leaf-node-sdp/0")
	set(&p.MCCSLeaf, "mid-tmc/leaf-node-mccs/0")
	set(&p.CSPLeaf, "mid-tmc/subarray-leaf-node-csp/")
	set(&p.SDPLeaf, "mid-tmc/subarray-leaf-node-sdp/")
	set(&p.MCCSSubLeaf, "mid-tmc/subarray-leaf-node-mccs/")
	set(&p.Dish, "ska")
	set(&p.CSP, "mid-csp/")
	set(&p.SDP, "mid-sdp/")
	set(&p.MCCS, "low-mccs/")
}

func (t *Timing) applyDefaults() {
	if t.CommandTimeout <= 0 {
		t.CommandTimeout = DefaultCommandTimeout
	}
	if t.ResponseTimeout <= 0 {
		t.ResponseTimeout = DefaultResponseTimeout
	}
	if t.PointingCadence <= 0 {
		t.PointingCadence = DefaultPointingCadence
	}
	if t.PointingHorizon <= 0 {
		t.PointingHorizon = DefaultPointingHorizon
	}
	if t.DelayCadence <= 0 {
		t.DelayCadence = DefaultDelayCadence
	}
	if t.DelayValidity <= 0 {
		t.DelayValidity = DefaultDelayValidity
	}
	if t.SimLatency <= 0 {
		t.SimLatency = DefaultSimLatency
	}
	if t.Tick <= 0 {
		t.Tick = DefaultTick
	}
}

// Validate reports the first structural problem of a defaulted config.
func (c *Config) Validate() error {
	if len(c.Receptors) == 0 {
		return errors.New("config: no receptors")
	}
	seen := make(map[model.ReceptorID]bool, len(c.Receptors))
	for i, r := range c.Receptors {
		id, err := model.ParseReceptorID(r.ID)
		if err != nil {
			return fmt.Errorf("config: receptors[%d]: %w", i, err)
		}
		if seen[id] {
			return fmt.Errorf("config: receptor %s listed twice", id)
		}
		seen[id] = true
		if r.MaxElevationDeg != 0 && r.MinElevationDeg >= r.MaxElevationDeg {
			return fmt.Errorf("config: receptor %s: min elevation %.1f not below max %.1f", id, r.MinElevationDeg, r.MaxElevationDeg)
		}
	}
	subs := make(map[int]bool, len(c.Subarrays))
	for _, id := range c.Subarrays {
		if id < 1 || id > 16 {
			return fmt.Errorf("config: subarray id %d outside 1..16", id)
		}
		if subs[id] {
			return fmt.Errorf("config: subarray %d listed twice", id)
		}
		subs[id] = true
	}
	return nil
}

// Parse decodes a YAML document, applies environment overrides and defaults,
// and validates the result.
func Parse(doc []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(doc, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return finish(cfg)
}

// Load reads the deployment file at path. An empty path yields Demo().
func Load(path string) (Config, error) {
	if path == "" {
		return finish(Demo())
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(doc)
}

func finish(cfg Config) (Config, error) {
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Demo is a small four-dish layout with two subarrays.
func Demo() Config {
	site := core.Geodetic{LatDeg: -30.7130, LonDeg: 21.4430, HeightM: 1050}
	offsets := [][2]float64{{0, 0}, {0.0010, 0.0005}, {-0.0008, 0.0012}, {0.0004, -0.0011}}
	cfg := Config{Site: site, Subarrays: []int{1, 2}}
	for i, off := range offsets {
		cfg.Receptors = append(cfg.Receptors, Receptor{
			ID:              string(model.FormatReceptorID(i + 1)),
			Location:        core.Geodetic{LatDeg: site.LatDeg + off[0], LonDeg: site.LonDeg + off[1], HeightM: site.HeightM},
			MinElevationDeg: 15,
			MaxElevationDeg: 90,
		})
	}
	return cfg
}

// SubarrayName is the FQDN of subarray node id.
func (c *Config) SubarrayName(id int) string { return fmt.Sprintf("%s%02d", c.Prefixes.Subarray, id) }

// DishName is the element FQDN of a receptor, e.g. ska001/elt/master.
func (c *Config) DishName(id model.ReceptorID) string {
	return fmt.Sprintf("%s%03d/elt/master", c.Prefixes.Dish, id.Number())
}

// DishLeafName is the dish leaf FQDN of a receptor.
func (c *Config) DishLeafName(id model.ReceptorID) string {
	return fmt.Sprintf("%s%s%03d", c.Prefixes.DishLeaf, c.Prefixes.Dish, id.Number())
}
