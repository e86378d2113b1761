package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/flowpbx/bridgeconnect/internal/callcontrol"
)

const (
	testInbound = "v3:in-1"
	testFrom    = "+15555550100"
	testTo      = "+15555550101"
)

var testNumbers = []string{"+15555550201", "+15555550202", "+15555550203"}

// legFor is the leg id fakeCallControl assigns to a dialed number.
func legFor(number string) string {
	return "v3:out" + number
}

// fakeCallControl records every command and fails the ones it is told to.
type fakeCallControl struct {
	mu sync.Mutex

	dialErr     map[string]error
	answerErr   error
	gatherErr   error
	bridgeErr   error
	transferErr error
	hangupErr   error

	// beforeDialReturn runs after a leg id is assigned but before CreateCall
	// returns, so events can be delivered while the dial is still pending.
	beforeDialReturn func(number, legID string)

	dials     []callcontrol.CreateCallRequest
	answers   []string
	playbacks []string
	gathers   map[string]int
	bridges   [][2]string
	hangups   map[string]int
	transfers []callcontrol.TransferRequest
	commands  map[string]int
}

func newFakeCallControl() *fakeCallControl {
	return &fakeCallControl{
		dialErr:  make(map[string]error),
		gathers:  make(map[string]int),
		hangups:  make(map[string]int),
		commands: make(map[string]int),
	}
}

func (f *fakeCallControl) track(commandID string) {
	if commandID != "" {
		f.commands[commandID]++
	}
}

func (f *fakeCallControl) CreateCall(_ context.Context, req callcontrol.CreateCallRequest) (callcontrol.Call, error) {
	f.mu.Lock()
	f.dials = append(f.dials, req)
	f.track(req.CommandID)
	err := f.dialErr[req.To]
	hook := f.beforeDialReturn
	f.mu.Unlock()

	if err != nil {
		return callcontrol.Call{}, err
	}
	legID := legFor(req.To)
	if hook != nil {
		hook(req.To, legID)
	}
	return callcontrol.Call{CallControlID: legID}, nil
}

func (f *fakeCallControl) Answer(_ context.Context, legID, commandID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, legID)
	f.track(commandID)
	return f.answerErr
}

func (f *fakeCallControl) PlaybackStart(_ context.Context, legID string, req callcontrol.PlaybackRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playbacks = append(f.playbacks, legID)
	f.track(req.CommandID)
	return nil
}

func (f *fakeCallControl) GatherUsingSpeak(_ context.Context, legID string, req callcontrol.GatherRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gathers[legID]++
	f.track(req.CommandID)
	return f.gatherErr
}

func (f *fakeCallControl) Bridge(_ context.Context, legID, otherLegID, commandID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridges = append(f.bridges, [2]string{legID, otherLegID})
	f.track(commandID)
	return f.bridgeErr
}

func (f *fakeCallControl) Hangup(_ context.Context, legID, commandID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups[legID]++
	f.track(commandID)
	return f.hangupErr
}

func (f *fakeCallControl) Transfer(_ context.Context, legID string, req callcontrol.TransferRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, req)
	f.track(req.CommandID)
	return f.transferErr
}

func (f *fakeCallControl) hangupCount(legID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hangups[legID]
}

func (f *fakeCallControl) gatherCount(legID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gathers[legID]
}

func (f *fakeCallControl) bridgeCalls() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.bridges...)
}

// duplicateCommands returns command ids that were sent more than once.
func (f *fakeCallControl) duplicateCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var dups []string
	for id, n := range f.commands {
		if n > 1 {
			dups = append(dups, id)
		}
	}
	return dups
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, cc CallControl, mutate func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{
		ConnectionID: "conn-1",
		Candidates:   testNumbers,
		PublicURL:    "https://bridge.example",
		Prompt:       "Press 1 to accept this call.",
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(cc, opts, testLogger())
}

func event(typ, legID string) callcontrol.Event {
	return callcontrol.Event{
		ID:    fmt.Sprintf("%s/%s", typ, legID),
		Type:  typ,
		LegID: legID,
		From:  testFrom,
		To:    testTo,
	}
}

func gatherEvent(legID, digits, status string) callcontrol.Event {
	ev := event(callcontrol.EventGatherEnded, legID)
	ev.Digits = digits
	ev.GatherStatus = status
	return ev
}

// startCall delivers call.initiated and call.answered for the inbound leg,
// which completes the fan-out before returning.
func startCall(t *testing.T, o *Orchestrator) *Session {
	t.Helper()
	ctx := context.Background()
	o.Route(ctx, event(callcontrol.EventCallInitiated, testInbound), "")
	o.Route(ctx, event(callcontrol.EventCallAnswered, testInbound), "")
	sess := o.Store().Get(testInbound)
	if sess == nil {
		t.Fatal("session was not opened")
	}
	return sess
}

// answerLeg delivers call.answered for a candidate leg.
func answerLeg(o *Orchestrator, legID string) {
	o.Route(context.Background(), event(callcontrol.EventCallAnswered, legID), testInbound)
}

func pressDigit(o *Orchestrator, legID, digits string) {
	o.Route(context.Background(), gatherEvent(legID, digits, callcontrol.GatherValid), testInbound)
}
