// Package notify composes outbound messages and fans them out to one or
// more recipients through a signal client.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"signalgw/internal/bus"
	"signalgw/internal/domain"
	"signalgw/internal/signal"
)

var (
	// ErrEmptyMessage means the caller supplied no message body.
	ErrEmptyMessage = errors.New("message is required")
	// ErrNoRecipients means no target was given and no default recipients
	// are configured.
	ErrNoRecipients = errors.New("no target and no default recipients configured")
)

// Sender is the slice of the signal client the service needs; tests inject
// a recording fake instead of a live client.
type Sender interface {
	Send(ctx context.Context, recipient, message string, opts signal.SendOptions) (*signal.SendResponse, error)
}

// Request is one outbound notification.
type Request struct {
	Message     string   // required body
	Title       string   // optional, prepended with a newline
	Targets     []string // phone numbers or group IDs; defaults apply when empty
	Attachments []string // local file paths (file:// prefix allowed)
	URLs        []string // remote files to download and attach
	InsecureSSL bool     // skip TLS verification for URL downloads
	TextMode    string   // "normal" or "styled"; empty uses the configured default
}

// Service resolves recipients and attachments for a send call and delivers
// the composed message to each recipient independently.
type Service struct {
	name            string
	client          Sender
	pipeline        *signal.Pipeline
	defaults        []string
	defaultTextMode string
	events          domain.Bus
	logger          *slog.Logger
}

// Config configures a Service.
type Config struct {
	Name            string   // gateway name, used as event source
	Client          Sender
	Pipeline        *signal.Pipeline
	Recipients      []string // default recipient list
	DefaultTextMode string
	Bus             domain.Bus // optional
	Logger          *slog.Logger
}

// New creates a notification service.
func New(cfg Config) *Service {
	return &Service{
		name:            cfg.Name,
		client:          cfg.Client,
		pipeline:        cfg.Pipeline,
		defaults:        cfg.Recipients,
		defaultTextMode: cfg.DefaultTextMode,
		events:          cfg.Bus,
		logger:          cfg.Logger,
	}
}

// SetBus attaches the event bus that delivery outcomes are published to.
func (s *Service) SetBus(b domain.Bus) { s.events = b }

// Send composes and delivers one notification. Usage and attachment errors
// abort the whole call before any network delivery; per-recipient send
// failures are logged and isolated so the remaining recipients still get
// the message.
func (s *Service) Send(ctx context.Context, req Request) error {
	if req.Message == "" {
		s.logger.Error("message is required")
		return ErrEmptyMessage
	}

	targets, err := s.resolveTargets(req.Targets)
	if err != nil {
		s.logger.Error("target is required and no default recipients configured")
		return err
	}

	message := req.Message
	if req.Title != "" {
		message = req.Title + "\n" + req.Message
	}

	// Attachments are resolved once and shared by every recipient.
	attachments, err := s.pipeline.Resolve(ctx, req.Attachments, req.URLs, !req.InsecureSSL)
	if err != nil {
		return err
	}

	textMode := req.TextMode
	if textMode == "" {
		textMode = s.defaultTextMode
	}

	for _, target := range targets {
		s.sendTo(ctx, target, message, attachments, textMode)
	}
	return nil
}

// sendTo delivers to a single recipient. Failures are logged, not returned,
// so one bad recipient cannot abort the fan-out.
func (s *Service) sendTo(ctx context.Context, recipient, message string, attachments []string, textMode string) {
	recipient = fixPhoneNumber(recipient)
	result, err := s.client.Send(ctx, recipient, message, signal.SendOptions{
		Attachments: attachments,
		TextMode:    textMode,
	})
	if err != nil {
		s.logger.Error("failed to send notification", "recipient", recipient, "err", err)
		s.emit(bus.EventSendFailed, map[string]any{
			"recipient": recipient,
			"error":     err.Error(),
		})
		return
	}
	s.logger.Info("notification sent", "recipient", recipient)
	s.emit(bus.EventMessageSent, map[string]any{
		"recipient": recipient,
		"timestamp": result.Timestamp.String(),
	})
}

func (s *Service) resolveTargets(targets []string) ([]string, error) {
	if len(targets) > 0 {
		return targets, nil
	}
	if len(s.defaults) == 0 {
		return nil, ErrNoRecipients
	}
	return s.defaults, nil
}

func (s *Service) emit(eventType string, payload map[string]any) {
	if s.events == nil {
		return
	}
	s.events.EmitAsync(domain.Event{Type: eventType, Source: s.name, Payload: payload})
}

// fixPhoneNumber restores the leading + on digit-only recipients. Config
// layers that treat phone numbers as integers strip it; a fully numeric
// string is assumed to be such a casualty. Digit-only group IDs would be
// mis-repaired here, which is accepted as existing behavior.
func fixPhoneNumber(recipient string) string {
	if recipient == "" || strings.HasPrefix(recipient, "+") {
		return recipient
	}
	for _, r := range recipient {
		if r < '0' || r > '9' {
			return recipient
		}
	}
	return "+" + recipient
}
