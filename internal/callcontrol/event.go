package callcontrol

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Webhook event types delivered by the provider.
const (
	EventCallInitiated   = "call.initiated"
	EventCallAnswered    = "call.answered"
	EventGatherEnded     = "call.gather.ended"
	EventCallHangup      = "call.hangup"
	EventCallBridged     = "call.bridged"
	EventPlaybackStarted = "call.playback.started"
	EventPlaybackEnded   = "call.playback.ended"
)

// Gather completion statuses reported in call.gather.ended.
const (
	GatherValid     = "valid"
	GatherInvalid   = "invalid"
	GatherTimeout   = "timeout"
	GatherHangup    = "call_hangup"
	GatherCancelled = "cancelled"
)

// maxWebhookSize bounds the webhook body we are willing to decode.
const maxWebhookSize = 1 << 20

// Event is one decoded webhook delivery.
type Event struct {
	ID         string
	Type       string
	OccurredAt time.Time

	// LegID is the call_control_id of the leg the event belongs to.
	LegID         string
	CallLegID     string
	CallSessionID string
	Direction     string
	From          string
	To            string

	// Digits and GatherStatus are set on call.gather.ended.
	Digits       string
	GatherStatus string

	// HangupCause is set on call.hangup.
	HangupCause string

	// Attempt is the provider's delivery attempt counter.
	Attempt int
	// DeliveredTo is the URL the provider posted this event to.
	DeliveredTo string
}

type webhookEnvelope struct {
	Data struct {
		RecordType string    `json:"record_type"`
		EventType  string    `json:"event_type"`
		ID         string    `json:"id"`
		OccurredAt time.Time `json:"occurred_at"`
		Payload    struct {
			CallControlID string `json:"call_control_id"`
			CallLegID     string `json:"call_leg_id"`
			CallSessionID string `json:"call_session_id"`
			Direction     string `json:"direction"`
			From          string `json:"from"`
			To            string `json:"to"`
			Digits        string `json:"digits"`
			Status        string `json:"status"`
			HangupCause   string `json:"hangup_cause"`
		} `json:"payload"`
	} `json:"data"`
	Meta struct {
		Attempt     int    `json:"attempt"`
		DeliveredTo string `json:"delivered_to"`
	} `json:"meta"`
}

// ParseWebhook decodes a webhook request body.
func ParseWebhook(r io.Reader) (Event, error) {
	var env webhookEnvelope
	if err := json.NewDecoder(io.LimitReader(r, maxWebhookSize)).Decode(&env); err != nil {
		return Event{}, fmt.Errorf("decoding webhook: %w", err)
	}
	if env.Data.EventType == "" {
		return Event{}, fmt.Errorf("webhook has no event_type")
	}
	if env.Data.Payload.CallControlID == "" {
		return Event{}, fmt.Errorf("webhook %s has no call_control_id", env.Data.EventType)
	}

	p := env.Data.Payload
	return Event{
		ID:            env.Data.ID,
		Type:          env.Data.EventType,
		OccurredAt:    env.Data.OccurredAt,
		LegID:         p.CallControlID,
		CallLegID:     p.CallLegID,
		CallSessionID: p.CallSessionID,
		Direction:     p.Direction,
		From:          p.From,
		To:            p.To,
		Digits:        p.Digits,
		GatherStatus:  p.Status,
		HangupCause:   p.HangupCause,
		Attempt:       env.Meta.Attempt,
		DeliveredTo:   env.Meta.DeliveredTo,
	}, nil
}
