package bridge

import (
	"context"

	"github.com/flowpbx/bridgeconnect/internal/callcontrol"
	"golang.org/x/sync/errgroup"
)

// Settle hangs up every candidate other than the winner once the race is
// over. It runs at most once per session; later calls are no-ops, and legs
// that were already hung up individually are skipped.
func (o *Orchestrator) Settle(ctx context.Context, sess *Session) {
	losers, ok := sess.beginSettle()
	if !ok {
		return
	}

	var g errgroup.Group
	for _, legID := range losers {
		g.Go(func() error {
			o.hangup(ctx, sess, legID)
			return nil
		})
	}
	_ = g.Wait()

	o.logger.Info("session settled",
		"inbound_id", sess.InboundID,
		"state", sess.State(),
		"winner_id", sess.WinnerID(),
		"hung_up", len(losers),
	)
}

// abandon finishes a session that ended without a winner. Callers invoke it
// only after the session transitioned to ABANDONED, which happens once.
func (o *Orchestrator) abandon(ctx context.Context, sess *Session, reason string) {
	o.stats.abandoned.Add(1)
	o.logger.Info("session abandoned",
		"inbound_id", sess.InboundID,
		"reason", reason,
	)
	o.Settle(ctx, sess)
	o.releaseInbound(ctx, sess)
}

// releaseInbound hands a caller nobody accepted to the fallback number, or
// hangs up when there is none or the transfer is refused.
func (o *Orchestrator) releaseInbound(ctx context.Context, sess *Session) {
	if !sess.beginRelease() {
		return
	}

	if o.opts.FallbackNumber != "" {
		req := callcontrol.TransferRequest{
			To:        o.opts.FallbackNumber,
			From:      sess.To,
			CommandID: commandID(sess.InboundID, "transfer"),
		}
		err := o.command(ctx, sess, sess.InboundID, "transfer", func(ctx context.Context) error {
			return o.cc.Transfer(ctx, sess.InboundID, req)
		})
		if err == nil {
			o.logger.Info("caller transferred to fallback",
				"inbound_id", sess.InboundID,
				"to", o.opts.FallbackNumber,
			)
			return
		}
	}
	o.hangup(ctx, sess, sess.InboundID)
}
