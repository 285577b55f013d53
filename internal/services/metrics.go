package services

import "github.com/prometheus/client_golang/prometheus"

var (
	matchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairing_matches_total",
		Help: "Matches created by profile submissions.",
	})
	raceOutcomesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairing_race_outcomes_total",
		Help: "Selections lost to a concurrent submission.",
	})
	recordsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_records_sent_total",
		Help: "Mailbox records inserted, by policy.",
	}, []string{"policy"})
	recordsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_records_received_total",
		Help: "Mailbox records handed out, by policy.",
	}, []string{"policy"})
	signalsPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_signals_purged_total",
		Help: "Expired signals removed by the janitor.",
	})
)

func init() {
	prometheus.MustRegister(matchesTotal, raceOutcomesTotal, recordsSent, recordsReceived, signalsPurged)
}
