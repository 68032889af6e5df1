package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SAS call outcomes used as the "outcome" label.
const (
	OutcomeSuccess     = "success"
	OutcomeTimeout     = "timeout"
	OutcomeUnreachable = "unreachable"
	OutcomeProtocol    = "protocol_fault"
)

// FleetCollector exposes SAS traffic and fleet state metrics.
type FleetCollector struct {
	gatherer prometheus.Gatherer

	SASRequests          *prometheus.CounterVec
	SASDurations         *prometheus.HistogramVec
	Devices              *prometheus.GaugeVec
	Grants               *prometheus.GaugeVec
	Transitions          *prometheus.CounterVec
	ComplianceSuspension *prometheus.CounterVec
}

// NewFleetCollector registers fleet metrics against the provided registerer.
func NewFleetCollector(reg prometheus.Registerer) (*FleetCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sas_requests_total",
		Help: "Outbound SAS requests, labeled by provider, operation, and outcome.",
	}, []string{"provider", "operation", "outcome"}), "sas_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sas_request_duration_seconds",
		Help:    "Outbound SAS request latency in seconds.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"provider", "operation"}), "sas_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	devices, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_cbsds",
		Help: "Number of managed CBSDs by effective state.",
	}, []string{"state"}), "fleet_cbsds")
	if err != nil {
		return nil, err
	}

	grants, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_grants",
		Help: "Number of active grants by grant state.",
	}, []string{"state"}), "fleet_grants")
	if err != nil {
		return nil, err
	}

	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cbsd_transitions_total",
		Help: "Applied device and grant transitions, labeled by transition kind.",
	}, []string{"kind"}), "cbsd_transitions_total")
	if err != nil {
		return nil, err
	}

	compliance, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grant_compliance_suspensions_total",
		Help: "Grants suspended locally without SAS instruction, labeled by reason.",
	}, []string{"reason"}), "grant_compliance_suspensions_total")
	if err != nil {
		return nil, err
	}

	return &FleetCollector{
		gatherer:             gathererFor(reg),
		SASRequests:          requests,
		SASDurations:         durations,
		Devices:              devices,
		Grants:               grants,
		Transitions:          transitions,
		ComplianceSuspension: compliance,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *FleetCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveSASRequest records one outbound SAS call.
func (c *FleetCollector) ObserveSASRequest(provider, operation, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	if c.SASRequests != nil {
		c.SASRequests.WithLabelValues(provider, operation, outcome).Inc()
	}
	if c.SASDurations != nil {
		c.SASDurations.WithLabelValues(provider, operation).Observe(d.Seconds())
	}
}

// SetDeviceCounts replaces the per-state device gauge values.
func (c *FleetCollector) SetDeviceCounts(byState map[string]int) {
	if c == nil || c.Devices == nil {
		return
	}
	c.Devices.Reset()
	for state, n := range byState {
		c.Devices.WithLabelValues(state).Set(float64(n))
	}
}

// SetGrantCounts replaces the per-state grant gauge values.
func (c *FleetCollector) SetGrantCounts(byState map[string]int) {
	if c == nil || c.Grants == nil {
		return
	}
	c.Grants.Reset()
	for state, n := range byState {
		c.Grants.WithLabelValues(state).Set(float64(n))
	}
}

// IncTransition counts one applied transition.
func (c *FleetCollector) IncTransition(kind string) {
	if c == nil || c.Transitions == nil {
		return
	}
	c.Transitions.WithLabelValues(kind).Inc()
}

// IncComplianceSuspension counts a locally forced suspension.
func (c *FleetCollector) IncComplianceSuspension(reason string) {
	if c == nil || c.ComplianceSuspension == nil {
		return
	}
	c.ComplianceSuspension.WithLabelValues(reason).Inc()
}
