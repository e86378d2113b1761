package callcontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// ErrCallEnded is matched (via errors.Is) by provider errors reporting that
// the target leg no longer exists. Hangup and bridge callers treat it as an
// already-satisfied command.
var ErrCallEnded = errors.New("call has already ended")

// codeCallEnded is the provider error code for commands sent to a leg that
// has already hung up.
const codeCallEnded = "90018"

// APIError is a non-2xx response from the call-control API.
type APIError struct {
	StatusCode int
	Code       string
	Title      string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("callcontrol: status %d: %s (%s)", e.StatusCode, e.Title, e.Code)
	}
	return fmt.Sprintf("callcontrol: status %d", e.StatusCode)
}

// Is reports whether the error means the leg is already gone.
func (e *APIError) Is(target error) bool {
	if target != ErrCallEnded {
		return false
	}
	return e.Code == codeCallEnded || e.StatusCode == http.StatusNotFound
}

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string

	// Rate and Burst pace every outgoing command. Zero Rate disables pacing.
	Rate  float64
	Burst int

	// Timeout bounds a single request. Defaults to 10s.
	Timeout time.Duration

	// Transport overrides the underlying round tripper (tests).
	Transport http.RoundTripper
}

// Client issues call-control commands over the provider's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a call-control API client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(base),
		},
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("subsystem", "callcontrol"),
	}
}

// CreateCallRequest dials a new outbound leg.
type CreateCallRequest struct {
	ConnectionID string `json:"connection_id"`
	To           string `json:"to"`
	From         string `json:"from"`
	WebhookURL   string `json:"webhook_url,omitempty"`
	CommandID    string `json:"command_id,omitempty"`
}

// Call identifies a leg created by CreateCall.
type Call struct {
	CallControlID string `json:"call_control_id"`
	CallLegID     string `json:"call_leg_id"`
	CallSessionID string `json:"call_session_id"`
}

// PlaybackRequest starts audio playback on a leg.
type PlaybackRequest struct {
	AudioURL  string `json:"audio_url"`
	Loop      string `json:"loop,omitempty"`
	CommandID string `json:"command_id,omitempty"`
}

// GatherRequest speaks a prompt and collects DTMF digits.
type GatherRequest struct {
	Payload        string `json:"payload"`
	InvalidPayload string `json:"invalid_payload,omitempty"`
	Voice          string `json:"voice,omitempty"`
	Language       string `json:"language,omitempty"`
	MinimumDigits  int    `json:"minimum_digits,omitempty"`
	MaximumDigits  int    `json:"maximum_digits,omitempty"`
	ValidDigits    string `json:"valid_digits,omitempty"`
	TimeoutMillis  int64  `json:"timeout_millis,omitempty"`
	CommandID      string `json:"command_id,omitempty"`
}

// TransferRequest moves a leg to a new destination.
type TransferRequest struct {
	To         string `json:"to"`
	From       string `json:"from,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
	CommandID  string `json:"command_id,omitempty"`
}

type commandIDBody struct {
	CommandID string `json:"command_id,omitempty"`
}

type bridgeBody struct {
	CallControlID string `json:"call_control_id"`
	CommandID     string `json:"command_id,omitempty"`
}

// dataEnvelope wraps successful provider responses.
type dataEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// errorEnvelope wraps failed provider responses.
type errorEnvelope struct {
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// CreateCall dials req.To and returns the new leg's identifiers.
func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) (Call, error) {
	var call Call
	if err := c.post(ctx, "/calls", req, &call); err != nil {
		return Call{}, err
	}
	if call.CallControlID == "" {
		return Call{}, fmt.Errorf("callcontrol: create call to %s: response has no call_control_id", req.To)
	}
	return call, nil
}

// Answer answers an inbound leg.
func (c *Client) Answer(ctx context.Context, legID, commandID string) error {
	return c.action(ctx, legID, "answer", commandIDBody{CommandID: commandID})
}

// PlaybackStart plays an audio file on a leg.
func (c *Client) PlaybackStart(ctx context.Context, legID string, req PlaybackRequest) error {
	return c.action(ctx, legID, "playback_start", req)
}

// GatherUsingSpeak prompts a leg and collects digits. The outcome arrives
// later as a call.gather.ended webhook.
func (c *Client) GatherUsingSpeak(ctx context.Context, legID string, req GatherRequest) error {
	return c.action(ctx, legID, "gather_using_speak", req)
}

// Bridge connects the media of legID and otherLegID.
func (c *Client) Bridge(ctx context.Context, legID, otherLegID, commandID string) error {
	return c.action(ctx, legID, "bridge", bridgeBody{CallControlID: otherLegID, CommandID: commandID})
}

// Hangup ends a leg. The provider discards repeated commands with the same
// commandID for the same leg.
func (c *Client) Hangup(ctx context.Context, legID, commandID string) error {
	return c.action(ctx, legID, "hangup", commandIDBody{CommandID: commandID})
}

// Transfer sends a leg to another number.
func (c *Client) Transfer(ctx context.Context, legID string, req TransferRequest) error {
	return c.action(ctx, legID, "transfer", req)
}

func (c *Client) action(ctx context.Context, legID, name string, body any) error {
	if legID == "" {
		return fmt.Errorf("callcontrol: %s: empty leg id", name)
	}
	path := "/calls/" + url.PathEscape(legID) + "/actions/" + name
	if err := c.post(ctx, path, body, nil); err != nil {
		return fmt.Errorf("%s %s: %w", name, legID, err)
	}
	return nil
}

// post sends a JSON request and decodes the "data" member of the response
// into out when out is non-nil.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("callcontrol: waiting for rate limiter: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("callcontrol: marshalling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("callcontrol: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("callcontrol: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("callcontrol: reading response: %w", err)
	}

	c.logger.Debug("call-control request",
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var env errorEnvelope
		if json.Unmarshal(respBody, &env) == nil && len(env.Errors) > 0 {
			apiErr.Code = env.Errors[0].Code
			apiErr.Title = env.Errors[0].Title
			apiErr.Detail = env.Errors[0].Detail
		}
		return apiErr
	}

	if out == nil {
		return nil
	}

	var env dataEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("callcontrol: decoding response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("callcontrol: decoding response data: %w", err)
	}
	return nil
}
