package bridge

import (
	"context"

	"github.com/flowpbx/bridgeconnect/internal/callcontrol"
	"golang.org/x/sync/errgroup"
)

// DialOut dials every number concurrently on behalf of sess. Each leg is
// registered as a candidate as soon as its own dial request returns, so
// events for early legs are handled while slower dials are still pending.
// A failed dial is logged and skipped. When the last dial has returned the
// candidate set is sealed; if nothing could be dialed the session is
// abandoned and ErrAllDialsFailed is returned.
func (o *Orchestrator) DialOut(ctx context.Context, sess *Session, from string, numbers []string, webhookURL string) ([]string, error) {
	if len(numbers) == 0 {
		o.sealFanOut(ctx, sess)
		return nil, ErrNoCandidates
	}

	var g errgroup.Group
	if o.opts.MaxParallelDials > 0 {
		g.SetLimit(o.opts.MaxParallelDials)
	}
	for _, number := range numbers {
		g.Go(func() error {
			o.dial(ctx, sess, from, number, webhookURL)
			return nil
		})
	}
	_ = g.Wait()

	ids := sess.CandidateIDs()
	o.logger.Info("fan-out complete",
		"inbound_id", sess.InboundID,
		"dialed", len(numbers),
		"candidates", len(ids),
	)
	o.sealFanOut(ctx, sess)
	if len(ids) == 0 {
		return nil, ErrAllDialsFailed
	}
	return ids, nil
}

// dial places one outbound call and registers the resulting leg.
func (o *Orchestrator) dial(ctx context.Context, sess *Session, from, number, webhookURL string) {
	call, err := o.cc.CreateCall(ctx, callcontrol.CreateCallRequest{
		ConnectionID: o.opts.ConnectionID,
		To:           number,
		From:         from,
		WebhookURL:   webhookURL,
		CommandID:    commandID(sess.InboundID, "dial", number),
	})
	if err != nil {
		o.stats.dialFailures.Add(1)
		o.logger.Warn("dial-out failed",
			"inbound_id", sess.InboundID,
			"number", number,
			"error", err,
		)
		return
	}

	leg := &Leg{
		ID:        call.CallControlID,
		Role:      RoleOutbound,
		Number:    number,
		State:     LegCreated,
		CreatedAt: o.now(),
	}
	o.store.index(leg.ID, sess.InboundID)

	replay, hangup, ok := sess.register(leg)
	if !ok {
		o.logger.Warn("dialed leg arrived after fan-out was sealed",
			"inbound_id", sess.InboundID,
			"leg_id", leg.ID,
		)
		o.hangup(ctx, sess, leg.ID)
		return
	}

	o.logger.Info("candidate dialed",
		"inbound_id", sess.InboundID,
		"leg_id", leg.ID,
		"number", number,
	)
	if hangup {
		o.hangup(ctx, sess, leg.ID)
		return
	}
	for _, ev := range replay {
		o.handleOutbound(ctx, sess, ev)
	}
}

// sealFanOut freezes the candidate set and abandons the session if no
// candidate is left that could still accept.
func (o *Orchestrator) sealFanOut(ctx context.Context, sess *Session) {
	dropped, abandoned := sess.seal(o.now())
	if dropped > 0 {
		o.stats.eventsDropped.Add(int64(dropped))
		o.logger.Warn("dropped events for legs that were never dialed",
			"inbound_id", sess.InboundID,
			"events", dropped,
		)
	}
	if abandoned {
		o.abandon(ctx, sess, "no candidate left to accept")
	}
}
