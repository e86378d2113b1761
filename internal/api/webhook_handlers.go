package api

import (
	"context"
	"net/http"

	"github.com/flowpbx/bridgeconnect/internal/callcontrol"
	"github.com/go-chi/chi/v5"
)

// ackBody is returned for every webhook, whatever became of it.
var ackBody = map[string]string{"status": "ok"}

// handleInboundWebhook receives events for inbound legs. Events of legs we
// dialed may also arrive here when the provider falls back to the
// application webhook; the orchestrator resolves those by leg id.
func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, "")
}

// handleOutboundWebhook receives events for candidate legs dialed on behalf
// of the inbound leg named in the path.
func (s *Server) handleOutboundWebhook(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, chi.URLParam(r, "inboundLegID"))
}

// dispatch decodes the webhook and routes it. Routing runs on a context
// detached from the request so a provider that drops the connection does
// not abort half-issued commands.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, sessionID string) {
	ev, err := callcontrol.ParseWebhook(r.Body)
	if err != nil {
		s.logger.Warn("ignoring malformed webhook",
			"path", r.URL.Path,
			"error", err,
		)
		writeJSON(w, http.StatusOK, ackBody)
		return
	}

	s.logger.Debug("webhook received",
		"event_type", ev.Type,
		"event_id", ev.ID,
		"leg_id", ev.LegID,
		"inbound_id", sessionID,
		"attempt", ev.Attempt,
	)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.opts.RouteTimeout)
	defer cancel()
	s.orch.Route(ctx, ev, sessionID)

	writeJSON(w, http.StatusOK, ackBody)
}
