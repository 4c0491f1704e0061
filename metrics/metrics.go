// Package metrics exports gate activity as Prometheus metrics.
package metrics

import (
	"github.com/parkerroan/rategate"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Collector is a gate listener counting decisions, violations and fail-open
// events per resource.
type Collector struct {
	decisions        *prometheus.CounterVec
	violations       *prometheus.CounterVec
	remoteViolations *prometheus.CounterVec
	failOpens        *prometheus.CounterVec
}

// NewCollector creates the collector's metrics under namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "rategate"
	}
	return &Collector{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Rate limit decisions by resource and outcome",
		}, []string{"resource", "outcome"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Requests denied for exceeding their limit",
		}, []string{"resource"}),
		remoteViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_violations_total",
			Help:      "Violations reported by other instances",
		}, []string{"resource"}),
		failOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fail_open_total",
			Help:      "Requests allowed because the backend was unavailable",
		}, []string{"resource"}),
	}
}

// Register registers the metrics with r, or the default registerer when r is nil.
func (c *Collector) Register(r prometheus.Registerer) error {
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	var mErr error
	for _, col := range []prometheus.Collector{c.decisions, c.violations, c.remoteViolations, c.failOpens} {
		if err := r.Register(col); err != nil {
			mErr = multierr.Append(mErr, err)
		}
	}
	return mErr
}

func (c *Collector) OnViolation(_, resource string) {
	c.violations.WithLabelValues(resource).Inc()
}

func (c *Collector) OnRemoteViolation(_, resource string) {
	c.remoteViolations.WithLabelValues(resource).Inc()
}

func (c *Collector) OnFailOpen(_, resource string, _ error) {
	c.failOpens.WithLabelValues(resource).Inc()
}

func (c *Collector) ObserveDecision(resource string, d rategate.Decision) {
	c.decisions.WithLabelValues(resource, outcome(d)).Inc()
}

func outcome(d rategate.Decision) string {
	switch {
	case d.Reason != rategate.ReasonNone:
		return string(d.Reason)
	case d.Allowed:
		return "allowed"
	default:
		return "denied"
	}
}

var (
	_ rategate.Listener                = (*Collector)(nil)
	_ rategate.FailOpenListener        = (*Collector)(nil)
	_ rategate.RemoteViolationListener = (*Collector)(nil)
	_ rategate.DecisionObserver        = (*Collector)(nil)
)
