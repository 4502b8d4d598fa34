package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"signalgw/internal/metrics"
)

// sendTimeout bounds every send attempt. There is no retry at this layer;
// retry policy, if any, belongs to the caller.
const sendTimeout = 30 * time.Second

// SendOptions are the optional fields of one send call.
type SendOptions struct {
	// Attachments is the ordered list of base64 blobs to attach.
	Attachments []string
	// TextMode selects plain ("normal") or lightweight-markup ("styled")
	// rendering. Empty means the field is omitted and the service default
	// applies.
	TextMode string
}

// SendClient issues outbound send requests against signal-cli-rest-api.
// See https://github.com/bbernhard/signal-cli-rest-api
type SendClient struct {
	apiURL string
	number string
	client *http.Client
	logger *slog.Logger
}

// SendClientConfig configures a SendClient.
type SendClientConfig struct {
	APIURL string
	Number string
	Client *http.Client // optional; a pooled client is created when nil
	Logger *slog.Logger
}

// NewSendClient creates a send client for one account on one service.
func NewSendClient(cfg SendClientConfig) *SendClient {
	client := cfg.Client
	if client == nil {
		client = SharedHTTPClient(sendTimeout)
	}
	return &SendClient{
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
		number: cfg.Number,
		client: client,
		logger: cfg.Logger,
	}
}

// Send delivers one message to one recipient (phone number or group ID).
// A status below 300 is success; the body is decoded as JSON when possible
// and wrapped in a synthetic success envelope otherwise. A status of 300 or
// above returns an *APIError carrying the status and body verbatim.
func (c *SendClient) Send(ctx context.Context, recipient, message string, opts SendOptions) (*SendResponse, error) {
	payload := sendRequest{
		Recipients:        []string{recipient},
		Message:           message,
		Number:            c.number,
		Base64Attachments: opts.Attachments,
		TextMode:          opts.TextMode,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode send payload: %w", err)
	}

	c.logger.Debug("sending message",
		"recipient", recipient,
		"message_len", len(message),
		"attachments", len(opts.Attachments),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/v2/send", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.Error("error connecting to signal api", "err", err)
		metrics.SendErrors.Inc()
		return nil, fmt.Errorf("signal api request: %w", err)
	}
	defer resp.Body.Close()

	respText, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read signal api response: %w", err)
	}

	if resp.StatusCode >= 300 {
		c.logger.Error("signal api error",
			"status", resp.StatusCode,
			"body", string(respText),
			"recipient", recipient,
		)
		metrics.SendErrors.Inc()
		return nil, &APIError{Status: resp.StatusCode, Body: string(respText)}
	}

	metrics.MessagesSent.Inc()

	var result SendResponse
	if err := json.Unmarshal(respText, &result); err != nil {
		// The service answers with plain text on some code paths; that is
		// still a successful send.
		c.logger.Warn("response is not valid JSON", "body", string(respText))
		return &SendResponse{Success: true, Raw: string(respText)}, nil
	}
	return &result, nil
}

// About probes the service for version information. Used by connectivity
// checks; failures mean the service is unreachable or not signal-cli-rest-api.
func (c *SendClient) About(ctx context.Context) (*AboutInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/v1/about", nil)
	if err != nil {
		return nil, fmt.Errorf("build about request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signal api request: %w", err)
	}
	defer resp.Body.Close()

	respText, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read signal api response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(respText)}
	}

	var info AboutInfo
	if err := json.Unmarshal(respText, &info); err != nil {
		return nil, fmt.Errorf("parse about response: %w", err)
	}
	return &info, nil
}
