// Package metrics exposes the control plane's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hydrocontrol"

var (
	CommandsIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_issued_total",
		Help:      "Relay commands persisted, by command type.",
	}, []string{"command_type"})

	IssueFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "command_issue_failures_total",
		Help:      "Rejected command issuances, by error code.",
	}, []string{"code"})

	AcksApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "acks_applied_total",
		Help:      "Acknowledgments matched to tracked commands, by status.",
	}, []string{"status"})

	RuleExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_executions_total",
		Help:      "Rule executions, by outcome.",
	}, []string{"outcome"})

	DosedMl = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dosed_ml_total",
		Help:      "Nutrient volume dispatched by dosing plans.",
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Open device reconciliation sessions.",
	})
)

func init() {
	prometheus.MustRegister(CommandsIssued, IssueFailures, AcksApplied, RuleExecutions, DosedMl, ActiveSessions)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
