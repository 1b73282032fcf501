// Package metrics registers the session engine's prometheus counters:
// commands processed, reply codes sent, TLS usage, and AUTH outcomes.
//
// This replaces the teacher's internal/expvarom bridge (expvar-backed
// counters shimmed onto /varz) with a direct prometheus.CounterVec
// registration, in the style used elsewhere in the retrieved example pack
// for process and activity metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CommandCount counts commands processed, labeled by verb.
	CommandCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpsessd_command_count",
			Help: "Count of commands processed, by verb.",
		},
		[]string{"verb"})

	// ResponseCodeCount counts replies sent, labeled by SMTP status code.
	ResponseCodeCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpsessd_response_code_count",
			Help: "Count of replies sent, by status code.",
		},
		[]string{"code"})

	// TLSCount counts STARTTLS outcomes, labeled "success" or "failure".
	TLSCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpsessd_tls_count",
			Help: "Count of STARTTLS negotiations, by outcome.",
		},
		[]string{"result"})

	// AuthCount counts AUTH attempts, labeled by mechanism and outcome
	// ("success" or "failure").
	AuthCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpsessd_auth_count",
			Help: "Count of AUTH attempts, by mechanism and outcome.",
		},
		[]string{"mechanism", "result"})

	// SessionCount counts accepted connections.
	SessionCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "smtpsessd_session_count",
			Help: "Count of accepted connections.",
		})

	// LoopsDetected counts sessions closed for repeated command errors or
	// cross-protocol smuggling probes.
	LoopsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpsessd_abusive_session_count",
			Help: "Count of sessions closed early due to repeated errors or protocol smuggling probes.",
		},
		[]string{"reason"})
)

// Register adds all of this package's collectors to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		CommandCount,
		ResponseCodeCount,
		TLSCount,
		AuthCount,
		SessionCount,
		LoopsDetected,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
