package metrics

import (
	"time"

	"github.com/flowpbx/bridgeconnect/internal/bridge"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsProvider exposes the orchestrator counters and per-state session counts.
type StatsProvider interface {
	Stats() bridge.Stats
	SessionCounts() map[bridge.SessionState]int
}

// sessionStates are always reported, so a state with no sessions reads 0
// instead of disappearing from the scrape.
var sessionStates = []bridge.SessionState{
	bridge.SessionDialing,
	bridge.SessionAwaitingWinner,
	bridge.SessionBridged,
	bridge.SessionAbandoned,
}

// Collector is a prometheus.Collector that gathers orchestrator metrics at scrape time.
type Collector struct {
	provider  StatsProvider
	startTime time.Time

	sessionsDesc        *prometheus.Desc
	sessionsOpenedDesc  *prometheus.Desc
	bridgedDesc         *prometheus.Desc
	abandonedDesc       *prometheus.Desc
	dialFailuresDesc    *prometheus.Desc
	hangupsDesc         *prometheus.Desc
	eventsDroppedDesc   *prometheus.Desc
	commandFailuresDesc *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a collector reading from provider.
func NewCollector(provider StatsProvider, startTime time.Time) *Collector {
	counter := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("bridgeconnect_"+name, help, nil, nil)
	}
	return &Collector{
		provider:  provider,
		startTime: startTime,

		sessionsDesc: prometheus.NewDesc(
			"bridgeconnect_sessions",
			"Number of tracked sessions by state",
			[]string{"state"}, nil,
		),
		sessionsOpenedDesc:  counter("sessions_opened_total", "Inbound calls that opened a session"),
		bridgedDesc:         counter("bridged_total", "Sessions whose winner was bridged to the caller"),
		abandonedDesc:       counter("abandoned_total", "Sessions that ended without a winner"),
		dialFailuresDesc:    counter("dial_failures_total", "Candidate dials the provider rejected"),
		hangupsDesc:         counter("hangups_total", "Hangup commands issued"),
		eventsDroppedDesc:   counter("events_dropped_total", "Webhook events that matched no session or leg"),
		commandFailuresDesc: counter("command_failures_total", "Provider commands that returned an error"),
		uptimeDesc: prometheus.NewDesc(
			"bridgeconnect_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.sessionsOpenedDesc
	ch <- c.bridgedDesc
	ch <- c.abandonedDesc
	ch <- c.dialFailuresDesc
	ch <- c.hangupsDesc
	ch <- c.eventsDroppedDesc
	ch <- c.commandFailuresDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.provider != nil {
		counts := c.provider.SessionCounts()
		for _, state := range sessionStates {
			ch <- prometheus.MustNewConstMetric(
				c.sessionsDesc, prometheus.GaugeValue,
				float64(counts[state]), string(state),
			)
		}

		s := c.provider.Stats()
		for _, m := range []struct {
			desc *prometheus.Desc
			v    int64
		}{
			{c.sessionsOpenedDesc, s.SessionsOpened},
			{c.bridgedDesc, s.Bridged},
			{c.abandonedDesc, s.Abandoned},
			{c.dialFailuresDesc, s.DialFailures},
			{c.hangupsDesc, s.Hangups},
			{c.eventsDroppedDesc, s.EventsDropped},
			{c.commandFailuresDesc, s.CommandFailures},
		} {
			ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, float64(m.v))
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
