package bridge

import (
	"context"

	"github.com/flowpbx/bridgeconnect/internal/callcontrol"
)

// validDigits are the keys a candidate may press; anything other than the
// accept digit rejects the call.
const validDigits = "0123456789*#"

// handleOutbound applies one event to a registered candidate leg.
func (o *Orchestrator) handleOutbound(ctx context.Context, sess *Session, ev callcontrol.Event) {
	switch ev.Type {
	case callcontrol.EventCallInitiated:
		o.apply(ctx, sess, ev.LegID, sess.legRinging(ev.LegID))

	case callcontrol.EventCallAnswered:
		o.apply(ctx, sess, ev.LegID, sess.legAnswered(ev.LegID))

	case callcontrol.EventGatherEnded:
		accepted := o.accepts(ev)
		o.logger.Debug("candidate responded",
			"inbound_id", sess.InboundID,
			"leg_id", ev.LegID,
			"digits", ev.Digits,
			"status", ev.GatherStatus,
			"accepted", accepted,
		)
		o.apply(ctx, sess, ev.LegID, sess.legGathered(ev.LegID, accepted, o.now()))

	case callcontrol.EventCallHangup:
		o.logger.Debug("candidate leg ended",
			"inbound_id", sess.InboundID,
			"leg_id", ev.LegID,
			"cause", ev.HangupCause,
		)
		if sess.legEnded(ev.LegID, o.now()) {
			o.abandon(ctx, sess, "every candidate declined")
		}

	default:
		o.logger.Debug("ignoring candidate event",
			"inbound_id", sess.InboundID,
			"leg_id", ev.LegID,
			"event_type", ev.Type,
		)
	}
}

// accepts reports whether a gather result is the accept keypress.
func (o *Orchestrator) accepts(ev callcontrol.Event) bool {
	if ev.GatherStatus != "" && ev.GatherStatus != callcontrol.GatherValid {
		return false
	}
	return ev.Digits == o.opts.AcceptDigit
}

// apply issues the command a leg transition asked for.
func (o *Orchestrator) apply(ctx context.Context, sess *Session, legID string, v verdict) {
	switch v {
	case verdictPrompt:
		o.prompt(ctx, sess, legID)

	case verdictHangup:
		o.hangup(ctx, sess, legID)
		if sess.finishHangup(legID, o.now()) {
			o.abandon(ctx, sess, "every candidate declined")
		}

	case verdictWon:
		o.bridgeWinner(ctx, sess, legID)

	case verdictLost:
		o.logger.Info("candidate accepted after the race was decided",
			"inbound_id", sess.InboundID,
			"leg_id", legID,
			"winner_id", sess.WinnerID(),
		)
		o.hangup(ctx, sess, legID)
	}
}

// prompt asks an answered candidate to press the accept digit.
func (o *Orchestrator) prompt(ctx context.Context, sess *Session, legID string) {
	req := callcontrol.GatherRequest{
		Payload:        o.opts.Prompt,
		InvalidPayload: o.opts.InvalidPrompt,
		Voice:          o.opts.Voice,
		Language:       o.opts.Language,
		MinimumDigits:  1,
		MaximumDigits:  1,
		ValidDigits:    validDigits,
		TimeoutMillis:  o.opts.GatherTimeout.Milliseconds(),
		CommandID:      commandID(sess.InboundID, "gather", legID),
	}
	err := o.command(ctx, sess, legID, "gather_using_speak", func(ctx context.Context) error {
		return o.cc.GatherUsingSpeak(ctx, legID, req)
	})
	if err != nil {
		o.apply(ctx, sess, legID, sess.promptFailed(legID))
		return
	}
	sess.promptIssued(legID)
}

// bridgeWinner connects the caller to the leg that claimed the race and then
// hangs up every other candidate. If the bridge is refused both legs are
// torn down.
func (o *Orchestrator) bridgeWinner(ctx context.Context, sess *Session, winnerID string) {
	o.stats.bridged.Add(1)
	o.logger.Info("candidate won the race",
		"inbound_id", sess.InboundID,
		"winner_id", winnerID,
	)

	err := o.command(ctx, sess, winnerID, "bridge", func(ctx context.Context) error {
		return o.cc.Bridge(ctx, sess.InboundID, winnerID, commandID(sess.InboundID, "bridge"))
	})
	if err != nil {
		winnerHangup, inboundHangup := sess.bridgeFailed()
		if winnerHangup {
			o.hangup(ctx, sess, winnerID)
		}
		if inboundHangup {
			o.hangup(ctx, sess, sess.InboundID)
		}
	}
	o.Settle(ctx, sess)
}

// startRingback plays the configured ringback to the caller while the
// candidates are being dialed.
func (o *Orchestrator) startRingback(ctx context.Context, sess *Session) {
	if o.opts.RingbackURL == "" {
		return
	}
	req := callcontrol.PlaybackRequest{
		AudioURL:  o.opts.RingbackURL,
		Loop:      "infinity",
		CommandID: commandID(sess.InboundID, "ringback"),
	}
	_ = o.command(ctx, sess, sess.InboundID, "playback_start", func(ctx context.Context) error {
		return o.cc.PlaybackStart(ctx, sess.InboundID, req)
	})
}
