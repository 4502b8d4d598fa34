// Package gateway wires one signal client, one notification service, and
// the event bus into a host-manageable unit, and tracks the set of active
// units in a registry.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"signalgw/internal/bus"
	"signalgw/internal/config"
	"signalgw/internal/domain"
	"signalgw/internal/notify"
	"signalgw/internal/signal"
)

// Gateway is one configured bridge between the event bus and a
// signal-cli-rest-api account.
type Gateway struct {
	id     string
	cfg    config.GatewayConfig
	client *signal.Client
	events domain.Bus
	logger *slog.Logger

	notifier *notify.Service
}

var _ domain.Gateway = (*Gateway)(nil)

// Config configures a Gateway.
type Config struct {
	Gateway     config.GatewayConfig
	Attachments config.AttachmentsConfig
	HTTPClient  *http.Client // optional shared pool
	Logger      *slog.Logger
}

// New builds a gateway from its config entry. The notification service is
// available immediately; the listener starts with Start.
func New(cfg Config) *Gateway {
	logger := cfg.Logger.With("gateway", cfg.Gateway.Name)
	client := signal.NewClient(signal.ClientConfig{
		APIURL:     cfg.Gateway.APIURL,
		Number:     cfg.Gateway.Number,
		HTTPClient: cfg.HTTPClient,
		Logger:     logger,
	})
	pipeline := signal.NewPipeline(signal.PipelineConfig{
		MaxSize: cfg.Attachments.MaxSizeBytes,
		Client:  cfg.HTTPClient,
		Logger:  logger,
	})
	return &Gateway{
		id:     uuid.NewString(),
		cfg:    cfg.Gateway,
		client: client,
		logger: logger,
		notifier: notify.New(notify.Config{
			Name:            cfg.Gateway.Name,
			Client:          client,
			Pipeline:        pipeline,
			Recipients:      cfg.Gateway.Recipients,
			DefaultTextMode: cfg.Gateway.TextMode,
			Logger:          logger,
		}),
	}
}

// ID returns the unique instance ID assigned at construction.
func (g *Gateway) ID() string { return g.id }

// Name returns the configured gateway name.
func (g *Gateway) Name() string { return g.cfg.Name }

// Notifier returns the outbound notification service.
func (g *Gateway) Notifier() *notify.Service { return g.notifier }

// Client returns the underlying signal client.
func (g *Gateway) Client() *signal.Client { return g.client }

// Start registers the inbound handler on the bus and, when enabled in
// config, starts the websocket subscription.
func (g *Gateway) Start(ctx context.Context, events domain.Bus) error {
	g.events = events
	g.notifier.SetBus(events)

	g.client.SetMessageHandler(func(msg *signal.Message) {
		g.publishInbound(msg)
	})
	g.client.SetStopHandler(func(err error) {
		g.publishListenerStopped(err)
	})

	if g.cfg.WebsocketEnabled {
		g.client.StartListening()
		g.logger.Info("signal listener started", "api_url", g.cfg.APIURL, "number", g.cfg.Number)
	} else {
		g.logger.Info("signal listener disabled by config")
	}
	return nil
}

// Stop shuts the listener down. Safe to call if Start never ran.
func (g *Gateway) Stop() error {
	g.client.StopListening()
	return nil
}

// Notify sends one outbound notification through this gateway.
func (g *Gateway) Notify(ctx context.Context, req notify.Request) error {
	return g.notifier.Send(ctx, req)
}

// publishInbound forwards one qualifying inbound message to the bus as a
// signal.received event carrying the raw frame payload.
func (g *Gateway) publishInbound(msg *signal.Message) {
	var payload map[string]any
	if err := json.Unmarshal(msg.Raw, &payload); err != nil {
		// The listener already decoded this frame once, so this should
		// not happen; keep the typed fields if it does.
		payload = map[string]any{
			"envelope": map[string]any{
				"dataMessage": map[string]any{"message": msg.Envelope.DataMessage.Message},
			},
		}
	}
	g.events.EmitAsync(domain.Event{
		Type:    bus.EventSignalReceived,
		Source:  g.cfg.Name,
		Payload: payload,
	})
}

// publishListenerStopped surfaces a retry-exhausted listener death to the
// bus, so the host can tell silence from a dead subscription.
func (g *Gateway) publishListenerStopped(err error) {
	g.logger.Error("signal listener stopped permanently", "err", err)
	g.events.EmitAsync(domain.Event{
		Type:   bus.EventListenerStopped,
		Source: g.cfg.Name,
		Payload: map[string]any{
			"error": err.Error(),
		},
	})
}
