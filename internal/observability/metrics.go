// Package observability holds the Prometheus collectors and OpenTelemetry
// setup shared by every node of the control hierarchy.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// NodeCollector bundles the metrics of control nodes and of the remote
// device proxy. All methods are safe on a nil receiver.
type NodeCollector struct {
	gatherer prometheus.Gatherer

	Commands         *prometheus.CounterVec
	CommandDurations *prometheus.HistogramVec
	ObsState         *prometheus.GaugeVec
	HealthState      *prometheus.GaugeVec
	Events           *prometheus.CounterVec

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewNodeCollector registers node metrics against reg, defaulting to the
// global Prometheus registry when nil.
func NewNodeCollector(reg prometheus.Registerer) (*NodeCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	commands, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tmc_commands_total",
		Help: "Commands completed by control nodes, labeled by device, command and result code.",
	}, []string{"device", "command", "result"}), "tmc_commands_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tmc_command_duration_seconds",
		Help:    "Time from command acceptance to its final result.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"device", "command"}), "tmc_command_duration_seconds")
	if err != nil {
		return nil, err
	}

	obsState, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tmc_obs_state",
		Help: "Current observation state of a node, as the numeric ObsState value.",
	}, []string{"device"}), "tmc_obs_state")
	if err != nil {
		return nil, err
	}

	health, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tmc_health_state",
		Help: "Current health of a node, as the numeric HealthState value.",
	}, []string{"device"}), "tmc_health_state")
	if err != nil {
		return nil, err
	}

	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tmc_change_events_total",
		Help: "Attribute change events published, labeled by device and attribute.",
	}, []string{"device", "attribute"}), "tmc_change_events_total")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tmc_rpc_requests_total",
		Help: "Total number of handled device-proxy RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "tmc_rpc_requests_total")
	if err != nil {
		return nil, err
	}

	rpcDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tmc_rpc_request_duration_seconds",
		Help:    "Device-proxy RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "tmc_rpc_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &NodeCollector{
		gatherer:         gatherer,
		Commands:         commands,
		CommandDurations: durations,
		ObsState:         obsState,
		HealthState:      health,
		Events:           events,
		RPCRequests:      requests,
		RPCDurations:     rpcDurations,
	}, nil
}

// ObserveCommand records the final result of one command.
func (c *NodeCollector) ObserveCommand(device, command, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.Commands.WithLabelValues(device, command, result).Inc()
	c.CommandDurations.WithLabelValues(device, command).Observe(d.Seconds())
}

// SetObsState publishes the numeric obsState of device.
func (c *NodeCollector) SetObsState(device string, value int) {
	if c == nil {
		return
	}
	c.ObsState.WithLabelValues(device).Set(float64(value))
}

// SetHealthState publishes the numeric healthState of device.
func (c *NodeCollector) SetHealthState(device string, value int) {
	if c == nil {
		return
	}
	c.HealthState.WithLabelValues(device).Set(float64(value))
}

// IncEvent counts one change event.
func (c *NodeCollector) IncEvent(device, attribute string) {
	if c == nil {
		return
	}
	c.Events.WithLabelValues(device, attribute).Inc()
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *NodeCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if c == nil {
			return resp, err
		}
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		c.observeRPC(fullMethod, err, time.Since(start))
		return resp, err
	}
}

// StreamServerInterceptor records counts and durations for streaming RPCs,
// measured over the lifetime of the stream.
func (c *NodeCollector) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		if c == nil {
			return err
		}
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		c.observeRPC(fullMethod, err, time.Since(start))
		return err
	}
}

func (c *NodeCollector) observeRPC(fullMethod string, err error, d time.Duration) {
	service, method := SplitMethod(fullMethod)
	c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
	c.RPCDurations.WithLabelValues(service, method).Observe(d.Seconds())
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *NodeCollector) Gatherer() prometheus.Gatherer {
	if c == nil || c.gatherer == nil {
		return prometheus.DefaultGatherer
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *NodeCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Gatherer(), promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
