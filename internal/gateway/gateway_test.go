package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"signalgw/internal/bus"
	"signalgw/internal/config"
	"signalgw/internal/domain"
	"signalgw/internal/notify"
	"signalgw/internal/signal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestGateway(name, apiURL string) *Gateway {
	return New(Config{
		Gateway: config.GatewayConfig{
			Name:   name,
			APIURL: apiURL,
			Number: "+4915112345678",
		},
		Attachments: config.AttachmentsConfig{MaxSizeBytes: 1024},
		Logger:      testLogger(),
	})
}

func TestGateway_Identity(t *testing.T) {
	g := newTestGateway("home", "http://localhost:8080")
	if g.Name() != "home" {
		t.Errorf("expected name home, got %s", g.Name())
	}
	if g.ID() == "" {
		t.Error("expected a generated instance ID")
	}
	other := newTestGateway("home", "http://localhost:8080")
	if g.ID() == other.ID() {
		t.Error("instance IDs must be unique per construction")
	}
}

func TestGateway_NotifyThroughSendEndpoint(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{"timestamp": 42}`))
	}))
	defer srv.Close()

	g := newTestGateway("home", srv.URL)
	err := g.Notify(context.Background(), notify.Request{
		Message: "hello",
		Targets: []string{"+15551230000"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if captured["message"] != "hello" {
		t.Errorf("expected message to reach /v2/send, got %v", captured)
	}
}

func TestGateway_PublishesInboundToBus(t *testing.T) {
	g := newTestGateway("home", "http://localhost:8080")
	eb := bus.New(testLogger())

	events := make(chan domain.Event, 1)
	eb.On(bus.EventSignalReceived, func(e domain.Event) { events <- e })

	// Listener disabled: Start only wires the handler and the bus.
	if err := g.Start(context.Background(), eb); err != nil {
		t.Fatal(err)
	}
	defer g.Stop()

	frame := `{"envelope": {"source": "+111", "dataMessage": {"message": "ping"}}}`
	g.publishInbound(&signal.Message{
		Envelope: signal.Envelope{
			Source:      "+111",
			DataMessage: &signal.DataMessage{Message: "ping"},
		},
		Raw: json.RawMessage(frame),
	})

	select {
	case e := <-events:
		if e.Source != "home" {
			t.Errorf("expected source home, got %s", e.Source)
		}
		env, _ := e.Payload["envelope"].(map[string]any)
		dm, _ := env["dataMessage"].(map[string]any)
		if dm["message"] != "ping" {
			t.Errorf("payload lost the message: %+v", e.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message never reached the bus")
	}
}

func TestGateway_PublishesListenerStoppedToBus(t *testing.T) {
	g := newTestGateway("home", "http://localhost:8080")
	eb := bus.New(testLogger())

	events := make(chan domain.Event, 1)
	eb.On(bus.EventListenerStopped, func(e domain.Event) { events <- e })

	if err := g.Start(context.Background(), eb); err != nil {
		t.Fatal(err)
	}
	defer g.Stop()

	g.publishListenerStopped(errors.New("dial tcp: connection refused"))

	select {
	case e := <-events:
		if e.Source != "home" {
			t.Errorf("expected source home, got %s", e.Source)
		}
		if e.Payload["error"] != "dial tcp: connection refused" {
			t.Errorf("terminal error lost: %+v", e.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener.stopped never reached the bus")
	}
}

func TestRegistry_RejectsDuplicateNames(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(newTestGateway("home", "http://localhost:8080")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(newTestGateway("home", "http://localhost:8081")); err == nil {
		t.Error("expected duplicate name rejection")
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 registered gateway, got %d", r.Len())
	}
}

func TestRegistry_GetAndNames(t *testing.T) {
	r := NewRegistry()
	r.Register(newTestGateway("beta", "http://localhost:8080"))
	r.Register(newTestGateway("alpha", "http://localhost:8081"))

	if g := r.Get("alpha"); g == nil || g.Name() != "alpha" {
		t.Error("Get(alpha) failed")
	}
	if g := r.Get("missing"); g != nil {
		t.Error("Get on an unknown name must return nil")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("expected sorted [alpha beta], got %v", names)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	r.Register(newTestGateway("home", "http://localhost:8080"))
	r.Unregister("home")
	r.Unregister("home") // no-op
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistry_StartAllStopAll(t *testing.T) {
	r := NewRegistry()
	r.Register(newTestGateway("a", "http://localhost:8080"))
	r.Register(newTestGateway("b", "http://localhost:8081"))

	eb := bus.New(testLogger())
	if err := r.StartAll(context.Background(), eb); err != nil {
		t.Fatal(err)
	}
	r.StopAll()
}
