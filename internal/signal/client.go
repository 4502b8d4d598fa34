// Package signal talks to a signal-cli-rest-api service: outbound sends
// over HTTP, inbound messages over a self-healing websocket subscription,
// and attachment encoding for both local files and remote URLs.
package signal

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// Client binds one send client and one listener under a shared identity
// (service URL + account number). The HTTP client is created once and
// borrowed by both sides; the listener owns only its own socket.
type Client struct {
	apiURL string
	number string

	send     *SendClient
	listener *Listener
}

// ClientConfig configures a Client.
type ClientConfig struct {
	APIURL     string
	Number     string
	HTTPClient *http.Client // optional, shared connection pool
	Logger     *slog.Logger
}

// NewClient creates a unified client for one account.
func NewClient(cfg ClientConfig) *Client {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		apiURL: apiURL,
		number: cfg.Number,
		send: NewSendClient(SendClientConfig{
			APIURL: apiURL,
			Number: cfg.Number,
			Client: cfg.HTTPClient,
			Logger: cfg.Logger,
		}),
		listener: NewListener(ListenerConfig{
			APIURL: apiURL,
			Number: cfg.Number,
			Logger: cfg.Logger,
		}),
	}
}

// Number returns the account identifier this client is bound to.
func (c *Client) Number() string { return c.number }

// APIURL returns the service base URL this client is bound to.
func (c *Client) APIURL() string { return c.apiURL }

// Send delivers one message to one recipient.
func (c *Client) Send(ctx context.Context, recipient, message string, opts SendOptions) (*SendResponse, error) {
	return c.send.Send(ctx, recipient, message, opts)
}

// About probes the remote service.
func (c *Client) About(ctx context.Context) (*AboutInfo, error) {
	return c.send.About(ctx)
}

// SetMessageHandler registers the callback for inbound messages.
func (c *Client) SetMessageHandler(h Handler) {
	c.listener.SetMessageHandler(h)
}

// SetStopHandler registers the callback for a terminal listener stop.
func (c *Client) SetStopHandler(h StopHandler) {
	c.listener.SetStopHandler(h)
}

// StartListening starts the websocket subscription.
func (c *Client) StartListening() {
	c.listener.Start()
}

// StopListening stops the websocket subscription.
func (c *Client) StopListening() {
	c.listener.Stop()
}

// Listening reports whether the websocket subscription is active.
func (c *Client) Listening() bool {
	return c.listener.IsRunning()
}
