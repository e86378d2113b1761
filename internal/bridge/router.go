package bridge

import (
	"context"
	"errors"

	"github.com/flowpbx/bridgeconnect/internal/callcontrol"
)

// Route dispatches one webhook event. sessionID is the inbound leg id carried
// by the delivery URL of outbound webhooks, or "" for events posted to the
// inbound endpoint. Route never fails: an event that cannot be attributed to
// a tracked session and leg is logged and dropped without side effects.
func (o *Orchestrator) Route(ctx context.Context, ev callcontrol.Event, sessionID string) {
	// A leg we dialed is a candidate wherever its events are delivered.
	if owner := o.store.Owner(ev.LegID); owner != nil {
		o.routeOutbound(ctx, owner, ev)
		return
	}
	if sessionID == "" || sessionID == ev.LegID {
		o.handleInbound(ctx, ev)
		return
	}

	sess := o.store.Get(sessionID)
	if sess == nil {
		o.drop(ev, sessionID, ErrUnknownSession.Error())
		return
	}
	o.routeOutbound(ctx, sess, ev)
}

// routeOutbound hands ev to the candidate handlers, parking it if the leg's
// dial request has not returned yet.
func (o *Orchestrator) routeOutbound(ctx context.Context, sess *Session, ev callcontrol.Event) {
	switch sess.park(ev, o.now().Add(o.opts.PendingEventWait)) {
	case parkLegKnown:
		o.handleOutbound(ctx, sess, ev)
	case parkHeld:
		o.logger.Debug("parked event for pending leg",
			"inbound_id", sess.InboundID,
			"leg_id", ev.LegID,
			"event_type", ev.Type,
		)
	default:
		o.drop(ev, sess.InboundID, "leg is not a candidate of this session")
	}
}

func (o *Orchestrator) drop(ev callcontrol.Event, sessionID, reason string) {
	o.stats.eventsDropped.Add(1)
	o.logger.Warn("dropping webhook event",
		"reason", reason,
		"inbound_id", sessionID,
		"leg_id", ev.LegID,
		"event_type", ev.Type,
		"event_id", ev.ID,
	)
}

// handleInbound drives the caller's leg: answer it, start the fan-out once
// it is answered, and abandon the race if the caller leaves first.
func (o *Orchestrator) handleInbound(ctx context.Context, ev callcontrol.Event) {
	switch ev.Type {
	case callcontrol.EventCallInitiated:
		if ev.Direction == "outgoing" {
			o.drop(ev, "", "outgoing leg is not a candidate of any session")
			return
		}
		sess, created := o.store.Open(ev.LegID, ev.From, ev.To, o.now())
		if sess == nil {
			o.drop(ev, ev.LegID, "session already finished")
			return
		}
		if !created {
			o.logger.Debug("duplicate call.initiated", "inbound_id", ev.LegID)
			return
		}
		o.stats.sessionsOpened.Add(1)
		o.logger.Info("inbound call",
			"inbound_id", sess.InboundID,
			"from", sess.From,
			"to", sess.To,
		)
		err := o.command(ctx, sess, sess.InboundID, "answer", func(ctx context.Context) error {
			return o.cc.Answer(ctx, sess.InboundID, commandID(sess.InboundID, "answer"))
		})
		if err == nil {
			return
		}
		var abandoned bool
		if errors.Is(err, callcontrol.ErrCallEnded) {
			abandoned = sess.inboundHungUp(o.now())
		} else {
			abandoned = sess.abandonNow(o.now())
		}
		if abandoned {
			o.abandon(ctx, sess, "inbound call could not be answered")
		}

	case callcontrol.EventCallAnswered:
		sess := o.store.Get(ev.LegID)
		if sess == nil {
			o.drop(ev, ev.LegID, ErrUnknownSession.Error())
			return
		}
		if !sess.beginFanOut() {
			o.logger.Debug("fan-out already started", "inbound_id", sess.InboundID)
			return
		}
		o.startRingback(ctx, sess)
		if _, err := o.DialOut(ctx, sess, sess.To, o.opts.Candidates, o.outboundWebhookURL(sess, ev.DeliveredTo)); err != nil {
			o.logger.Warn("fan-out produced no candidates",
				"inbound_id", sess.InboundID,
				"error", err,
			)
		}

	case callcontrol.EventCallHangup:
		sess := o.store.Get(ev.LegID)
		if sess == nil {
			o.drop(ev, ev.LegID, ErrUnknownSession.Error())
			return
		}
		if sess.inboundHungUp(o.now()) {
			o.abandon(ctx, sess, "caller hung up")
			return
		}
		o.logger.Info("inbound call ended",
			"inbound_id", sess.InboundID,
			"state", sess.State(),
			"cause", ev.HangupCause,
		)
		o.Settle(ctx, sess)

	default:
		o.logger.Debug("ignoring inbound event",
			"inbound_id", ev.LegID,
			"event_type", ev.Type,
		)
	}
}
