// Package metrics holds the Prometheus collectors for authentication outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoginAttempts counts login calls by outcome (success or failure reason).
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waitlist",
		Subsystem: "auth",
		Name:      "login_attempts_total",
		Help:      "Login attempts by outcome.",
	}, []string{"outcome"})

	// PinVerifications counts ledger PIN checks by outcome.
	PinVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waitlist",
		Subsystem: "auth",
		Name:      "pin_verifications_total",
		Help:      "PIN verifications by outcome.",
	}, []string{"outcome"})

	// PinLocks counts PIN records that crossed the failure threshold.
	PinLocks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "waitlist",
		Subsystem: "auth",
		Name:      "pin_locks_total",
		Help:      "PIN records locked after too many failures.",
	})

	// SecureActions counts step-up guard decisions.
	SecureActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waitlist",
		Subsystem: "auth",
		Name:      "secure_actions_total",
		Help:      "Secure action outcomes.",
	}, []string{"outcome"})

	// ActiveSessions tracks client instances holding a session.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "waitlist",
		Subsystem: "auth",
		Name:      "active_sessions",
		Help:      "Client instances with an active session.",
	})

	// MaintenanceRuns counts background job executions by job and result.
	MaintenanceRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waitlist",
		Subsystem: "auth",
		Name:      "maintenance_runs_total",
		Help:      "Background job runs by job and result.",
	}, []string{"job", "result"})
)
