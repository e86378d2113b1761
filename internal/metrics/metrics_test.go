package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/bridgeconnect/internal/bridge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeProvider struct {
	stats  bridge.Stats
	counts map[bridge.SessionState]int
}

func (f *fakeProvider) Stats() bridge.Stats { return f.stats }
func (f *fakeProvider) SessionCounts() map[bridge.SessionState]int { return f.counts }

func TestCollectorCounters(t *testing.T) {
	p := &fakeProvider{
		stats: bridge.Stats{
			SessionsOpened: 5,
			Bridged:        3,
			Abandoned:      1,
			DialFailures:   2,
			Hangups:        9,
			EventsDropped:  4,
		},
		counts: map[bridge.SessionState]int{
			bridge.SessionAwaitingWinner: 1,
			bridge.SessionBridged:        3,
		},
	}
	c := NewCollector(p, time.Now())

	expected := `
# HELP bridgeconnect_bridged_total Sessions whose winner was bridged to the caller
# TYPE bridgeconnect_bridged_total counter
bridgeconnect_bridged_total 3
# HELP bridgeconnect_hangups_total Hangup commands issued
# TYPE bridgeconnect_hangups_total counter
bridgeconnect_hangups_total 9
# HELP bridgeconnect_sessions Number of tracked sessions by state
# TYPE bridgeconnect_sessions gauge
bridgeconnect_sessions{state="abandoned"} 0
bridgeconnect_sessions{state="awaiting_winner"} 1
bridgeconnect_sessions{state="bridged"} 3
bridgeconnect_sessions{state="dialing"} 0
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"bridgeconnect_bridged_total",
		"bridgeconnect_hangups_total",
		"bridgeconnect_sessions",
	)
	if err != nil {
		t.Fatal(err)
	}
}

func TestCollectorRegisters(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector(&fakeProvider{}, time.Now())); err != nil {
		t.Fatalf("register: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"bridgeconnect_sessions",
		"bridgeconnect_sessions_opened_total",
		"bridgeconnect_abandoned_total",
		"bridgeconnect_dial_failures_total",
		"bridgeconnect_events_dropped_total",
		"bridgeconnect_command_failures_total",
		"bridgeconnect_uptime_seconds",
	} {
		if !names[want] {
			t.Errorf("missing metric %s", want)
		}
	}
}

func TestCollectorWithoutProvider(t *testing.T) {
	c := NewCollector(nil, time.Now().Add(-time.Minute))
	if n := testutil.CollectAndCount(c); n != 1 {
		t.Errorf("expected only uptime, got %d metrics", n)
	}
	if v := testutil.ToFloat64(c); v < 60 {
		t.Errorf("expected uptime >= 60s, got %v", v)
	}
}
