// Package metrics exposes prometheus collectors for gates, the interaction ledger and ingress.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Interaction outcomes as recorded by the ledger.
const (
	OutcomeInserted = "inserted"
	OutcomeRetry    = "retry"
	OutcomeConflict = "conflict"
)

// Collector groups the gate metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	gatesOpened      prometheus.Counter
	gateResults      *prometheus.CounterVec
	interactions     *prometheus.CounterVec
	escalations      prometheus.Counter
	ingressRejected  *prometheus.CounterVec
	workflowsSettled *prometheus.CounterVec
}

// NewCollector registers the gate metrics on registerer under namespace.
func NewCollector(namespace string, registerer prometheus.Registerer) *Collector {
	factory := promauto.With(registerer)

	return &Collector{
		gatesOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gates_opened_total",
			Help:      "Total number of gates registered for the first time",
		}),
		gateResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_results_total",
			Help:      "Total number of gate results written, by state",
		}, []string{"state"}),
		interactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interactions_total",
			Help:      "Total number of ledger deliveries, by outcome",
		}, []string{"outcome"}),
		escalations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Total number of timed out gates escalated",
		}),
		ingressRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_rejected_total",
			Help:      "Total number of ingress requests rejected before any write, by error code",
		}, []string{"code"}),
		workflowsSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_settled_total",
			Help:      "Total number of durable workflows reaching a final status, by workflow and status",
		}, []string{"workflow", "status"}),
	}
}

func (c *Collector) GateOpened() {
	if c == nil {
		return
	}

	c.gatesOpened.Inc()
}

func (c *Collector) GateResolved(state string) {
	if c == nil {
		return
	}

	c.gateResults.WithLabelValues(state).Inc()
}

func (c *Collector) InteractionRecorded(outcome string) {
	if c == nil {
		return
	}

	c.interactions.WithLabelValues(outcome).Inc()
}

func (c *Collector) Escalated() {
	if c == nil {
		return
	}

	c.escalations.Inc()
}

func (c *Collector) IngressRejected(code string) {
	if c == nil {
		return
	}

	c.ingressRejected.WithLabelValues(code).Inc()
}

func (c *Collector) WorkflowSettled(workflow, status string) {
	if c == nil {
		return
	}

	c.workflowsSettled.WithLabelValues(workflow, status).Inc()
}
