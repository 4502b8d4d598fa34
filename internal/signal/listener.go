package signal

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"signalgw/internal/metrics"
)

const (
	// DefaultMaxRetries is the number of consecutive failed connection
	// attempts tolerated before the listener gives up for good.
	DefaultMaxRetries = 10
	// DefaultRetryDelay is the wait between connection attempts.
	DefaultRetryDelay = 5 * time.Second

	// stopTimeout bounds how long Stop waits for the listen goroutine
	// before abandoning it.
	stopTimeout = 5 * time.Second
)

// Handler receives one qualifying inbound message. Invocations happen on the
// listener goroutine, strictly in frame arrival order.
type Handler func(msg *Message)

// StopHandler is notified when the listener gives up permanently after
// exhausting its retry budget. It is not invoked for an owner-requested Stop.
type StopHandler func(err error)

// Listener owns a single logical subscription to the receive websocket of
// one account. On connection failure it retries with a fixed delay up to a
// bounded count, then stops permanently until restarted by its owner.
type Listener struct {
	apiURL string
	number string
	dialer *websocket.Dialer
	logger *slog.Logger

	maxRetries int
	retryDelay time.Duration

	mu      sync.Mutex
	running bool
	handler Handler
	onStop  StopHandler
	conn    *websocket.Conn
	stopCh  chan struct{}
	done    chan struct{}
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	APIURL     string
	Number     string
	Logger     *slog.Logger
	MaxRetries int           // 0 means DefaultMaxRetries
	RetryDelay time.Duration // 0 means DefaultRetryDelay
}

// NewListener creates a listener. It does not connect until Start is called.
func NewListener(cfg ListenerConfig) *Listener {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	retryDelay := cfg.RetryDelay
	if retryDelay == 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Listener{
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		number:     cfg.Number,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:     cfg.Logger,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// SetMessageHandler registers the callback for qualifying inbound messages.
func (l *Listener) SetMessageHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// SetStopHandler registers the callback for a terminal, retry-exhausted stop.
func (l *Listener) SetStopHandler(h StopHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onStop = h
}

// IsRunning reports whether the listen loop is active.
func (l *Listener) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Start spawns the listen loop and returns immediately. Calling Start on a
// running listener is a no-op.
func (l *Listener) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		l.logger.Warn("websocket listener is already running")
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.done = make(chan struct{})
	go l.listen(l.stopCh, l.done)
}

// Stop shuts the listener down. It is idempotent and safe to call on a
// listener that was never started, including mid-connect and mid-backoff.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running && l.stopCh == nil {
		l.mu.Unlock()
		return
	}
	l.running = false
	if l.stopCh != nil {
		close(l.stopCh)
		l.stopCh = nil
	}
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	done := l.done
	l.done = nil
	l.mu.Unlock()

	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(stopTimeout):
		l.logger.Warn("timed out waiting for websocket listener to stop")
	}
}

func (l *Listener) wsURL() string {
	url := l.apiURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/v1/receive/" + l.number
}

// listen runs the retry state machine. The retry counter only accumulates
// across consecutive failed connection attempts: any completed connection
// cycle resets it, so a transient outage does not eat the budget of the next.
//
// The loop is gated on this generation's stop channel, never on the shared
// running flag: a goroutine that Stop abandoned after its timeout must stay
// dead even when a later Start flips the flag back on.
func (l *Listener) listen(stop, done chan struct{}) {
	metrics.ActiveListeners.Inc()
	defer metrics.ActiveListeners.Dec()
	defer close(done)
	defer l.logger.Info("websocket listener stopped")

	wsURL := l.wsURL()
	retryCount := 0

	for {
		select {
		case <-stop:
			return
		default:
		}

		err := l.connectAndListen(wsURL, stop)
		if err == nil {
			retryCount = 0
			continue
		}
		select {
		case <-stop:
			return
		default:
		}

		retryCount++
		metrics.ListenerRetries.Inc()
		if retryCount > l.maxRetries {
			l.logger.Error("failed to connect to signal websocket, giving up",
				"retries", l.maxRetries,
				"err", err,
			)
			l.mu.Lock()
			current := l.stopCh == stop
			if current {
				l.running = false
				l.stopCh = nil
			}
			onStop := l.onStop
			l.mu.Unlock()
			if current && onStop != nil {
				onStop(err)
			}
			return
		}

		l.logger.Warn("failed to connect to signal websocket",
			"attempt", retryCount,
			"max_retries", l.maxRetries,
			"retry_in", l.retryDelay,
			"err", err,
		)
		select {
		case <-stop:
			return
		case <-time.After(l.retryDelay):
		}
	}
}

// connectAndListen runs one connection cycle. A non-nil return means the
// dial itself failed; read errors and server-initiated closes end the cycle
// cleanly and are handled by reconnecting.
func (l *Listener) connectAndListen(wsURL string, stop chan struct{}) error {
	conn, resp, err := l.dialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}
	l.mu.Lock()
	if l.stopCh != stop {
		// This generation was stopped (or superseded) while the dial was
		// in flight; the socket belongs to no one.
		l.mu.Unlock()
		conn.Close()
		return nil
	}
	l.conn = conn
	l.mu.Unlock()
	defer func() {
		conn.Close()
		l.mu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		l.mu.Unlock()
	}()

	l.logger.Info("connected to signal websocket")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Info("websocket connection closed")
			} else {
				l.logger.Error("websocket read error", "err", err)
			}
			return nil
		}
		// An externally requested stop interrupts mid-stream rather than
		// draining whatever frames are still queued.
		select {
		case <-stop:
			return nil
		default:
		}
		if msgType != websocket.TextMessage {
			continue
		}
		l.handleFrame(data)
	}
}

// handleFrame decodes one text frame, applies the data-message gate, and
// dispatches to the handler. Malformed frames and handler panics are logged
// and dropped; neither kills the session.
func (l *Listener) handleFrame(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		l.logger.Error("failed to parse websocket frame", "err", err)
		metrics.FramesDropped.Inc()
		return
	}
	if !msg.IsDataMessage() {
		l.logger.Debug("ignoring non-data frame")
		metrics.FramesDropped.Inc()
		return
	}
	msg.Raw = append(json.RawMessage(nil), data...)

	l.mu.Lock()
	handler := l.handler
	l.mu.Unlock()
	if handler == nil {
		return
	}

	metrics.MessagesReceived.Inc()
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("message handler panic", "panic", r)
		}
	}()
	handler(&msg)
}
