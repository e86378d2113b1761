// Package bridge races one inbound call against several dialed candidates.
// Every candidate that answers is asked to press an accept digit; the first
// to accept claims the caller and is bridged, and every other candidate is
// hung up. Webhook events may arrive concurrently, duplicated, or out of
// order; all handling is idempotent per leg and per session.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/flowpbx/bridgeconnect/internal/callcontrol"
	"github.com/google/uuid"
)

var (
	// ErrNoCandidates is returned by DialOut when there is nothing to dial.
	ErrNoCandidates = errors.New("no candidate numbers to dial")

	// ErrAllDialsFailed is returned by DialOut when no candidate could be dialed.
	ErrAllDialsFailed = errors.New("every dial-out attempt failed")

	// ErrUnknownSession is returned when an event names an inbound session
	// that is not tracked.
	ErrUnknownSession = errors.New("unknown inbound session")
)

// CallControl is the subset of the provider API the orchestrator drives.
type CallControl interface {
	CreateCall(ctx context.Context, req callcontrol.CreateCallRequest) (callcontrol.Call, error)
	Answer(ctx context.Context, legID, commandID string) error
	PlaybackStart(ctx context.Context, legID string, req callcontrol.PlaybackRequest) error
	GatherUsingSpeak(ctx context.Context, legID string, req callcontrol.GatherRequest) error
	Bridge(ctx context.Context, legID, otherLegID, commandID string) error
	Hangup(ctx context.Context, legID, commandID string) error
	Transfer(ctx context.Context, legID string, req callcontrol.TransferRequest) error
}

// Options configures an Orchestrator.
type Options struct {
	// ConnectionID is the provider application outbound calls are placed on.
	ConnectionID string
	// Candidates are dialed for every inbound call.
	Candidates []string
	// PublicURL is the base URL outbound webhooks are sent to. When empty
	// it is derived from the delivery URL of the inbound webhook.
	PublicURL string

	RingbackURL    string
	Prompt         string
	InvalidPrompt  string
	Voice          string
	Language       string
	AcceptDigit    string
	GatherTimeout  time.Duration
	FallbackNumber string

	// MaxParallelDials bounds concurrent dial requests per session; zero
	// dials every candidate at once.
	MaxParallelDials int

	SessionRetention time.Duration
	PendingEventWait time.Duration
	MaxSessionAge    time.Duration
}

func (o *Options) setDefaults() {
	if o.AcceptDigit == "" {
		o.AcceptDigit = "1"
	}
	if o.GatherTimeout <= 0 {
		o.GatherTimeout = 10 * time.Second
	}
	if o.SessionRetention <= 0 {
		o.SessionRetention = 2 * time.Minute
	}
	if o.PendingEventWait <= 0 {
		o.PendingEventWait = 5 * time.Second
	}
	if o.MaxSessionAge <= 0 {
		o.MaxSessionAge = time.Hour
	}
}

// Stats are cumulative orchestrator counters.
type Stats struct {
	SessionsOpened  int64
	Bridged         int64
	Abandoned       int64
	DialFailures    int64
	Hangups         int64
	EventsDropped   int64
	CommandFailures int64
}

type counters struct {
	sessionsOpened  atomic.Int64
	bridged         atomic.Int64
	abandoned       atomic.Int64
	dialFailures    atomic.Int64
	hangups         atomic.Int64
	eventsDropped   atomic.Int64
	commandFailures atomic.Int64
}

// Orchestrator owns the session store and reacts to call-control webhooks.
type Orchestrator struct {
	cc     CallControl
	store  *Store
	opts   Options
	logger *slog.Logger
	stats  counters
	now    func() time.Time
}

// New creates an orchestrator issuing commands through cc.
func New(cc CallControl, opts Options, logger *slog.Logger) *Orchestrator {
	opts.setDefaults()
	opts.Candidates = append([]string(nil), opts.Candidates...)
	return &Orchestrator{
		cc:     cc,
		store:  NewStore(opts.SessionRetention, opts.MaxSessionAge),
		opts:   opts,
		logger: logger.With("subsystem", "bridge"),
		now:    time.Now,
	}
}

// Store exposes the session store for read-only inspection.
func (o *Orchestrator) Store() *Store {
	return o.store
}

// Stats returns a snapshot of the cumulative counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		SessionsOpened:  o.stats.sessionsOpened.Load(),
		Bridged:         o.stats.bridged.Load(),
		Abandoned:       o.stats.abandoned.Load(),
		DialFailures:    o.stats.dialFailures.Load(),
		Hangups:         o.stats.hangups.Load(),
		EventsDropped:   o.stats.eventsDropped.Load(),
		CommandFailures: o.stats.commandFailures.Load(),
	}
}

// Sessions returns a view of every tracked session.
func (o *Orchestrator) Sessions() []SessionView {
	return o.store.Snapshot()
}

// SessionCounts returns the number of tracked sessions per state.
func (o *Orchestrator) SessionCounts() map[SessionState]int {
	return o.store.CountByState()
}

// commandSpace namespaces the name-based UUIDs used as provider command ids.
var commandSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/flowpbx/bridgeconnect/command"))

// commandID derives a deterministic idempotency token for a command. The same
// decision always yields the same token, so a redelivered webhook that
// re-triggers it is discarded by the provider.
func commandID(inboundID string, parts ...string) string {
	name := inboundID + "\x00" + strings.Join(parts, "\x00")
	return uuid.NewSHA1(commandSpace, []byte(name)).String()
}

// command runs one provider call. Failures are logged and returned but are
// never fatal; a leg that is already gone is logged at debug only.
func (o *Orchestrator) command(ctx context.Context, sess *Session, legID, name string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, callcontrol.ErrCallEnded) {
		o.logger.Debug("call-control command target already ended",
			"inbound_id", sess.InboundID,
			"leg_id", legID,
			"command", name,
		)
		return err
	}
	o.stats.commandFailures.Add(1)
	o.logger.Warn("call-control command failed",
		"inbound_id", sess.InboundID,
		"leg_id", legID,
		"command", name,
		"error", err,
	)
	return err
}

// hangup issues an idempotent hangup for legID. A leg that already ended
// counts as hung up.
func (o *Orchestrator) hangup(ctx context.Context, sess *Session, legID string) {
	o.stats.hangups.Add(1)
	token := commandID(sess.InboundID, "hangup", legID)
	_ = o.command(ctx, sess, legID, "hangup", func(ctx context.Context) error {
		return o.cc.Hangup(ctx, legID, token)
	})
}

// outboundWebhookURL returns the webhook URL for legs dialed on behalf of
// sess. The provider's application default is used when it returns "".
func (o *Orchestrator) outboundWebhookURL(sess *Session, deliveredTo string) string {
	path := "/call-control/outbound/" + sess.InboundID
	if o.opts.PublicURL != "" {
		return o.opts.PublicURL + path
	}
	if i := strings.Index(deliveredTo, "/call-control/inbound"); i >= 0 {
		return deliveredTo[:i] + path
	}
	return ""
}
