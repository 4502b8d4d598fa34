package signal

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newWSServer starts an HTTP server that upgrades every request to a
// websocket and hands the connection to fn on its own goroutine.
func newWSServer(t *testing.T, fn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestListener(url string, maxRetries int) *Listener {
	return NewListener(ListenerConfig{
		APIURL:     url,
		Number:     "+4915112345678",
		Logger:     testLogger(),
		MaxRetries: maxRetries,
		RetryDelay: 10 * time.Millisecond,
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestListener_URLScheme(t *testing.T) {
	l := newTestListener("https://signal.example.org/", 1)
	if got := l.wsURL(); got != "wss://signal.example.org/v1/receive/+4915112345678" {
		t.Errorf("unexpected wss url: %s", got)
	}
	l = newTestListener("http://localhost:8080", 1)
	if got := l.wsURL(); got != "ws://localhost:8080/v1/receive/+4915112345678" {
		t.Errorf("unexpected ws url: %s", got)
	}
}

func TestListener_DeliversDataMessages(t *testing.T) {
	frames := []string{
		`{"envelope": {"source": "+111", "timestamp": 1, "dataMessage": {"message": "first"}}}`,
		`{"envelope": {"source": "+111", "timestamp": 2, "receiptMessage": {"isDelivery": true}}}`,
		`{"envelope": {"source": "+111", "timestamp": 3, "dataMessage": {"message": ""}}}`,
		`not even json`,
		`{"envelope": {"source": "+222", "timestamp": 4, "dataMessage": {"message": "second"}}}`,
	}
	srv := newWSServer(t, func(conn *websocket.Conn) {
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		// Keep the connection open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var mu sync.Mutex
	var got []string
	l := newTestListener(srv.URL, 1)
	l.SetMessageHandler(func(msg *Message) {
		mu.Lock()
		got = append(got, msg.Envelope.DataMessage.Message)
		mu.Unlock()
	})
	l.Start()
	defer l.Stop()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("expected [first second], got %v", got)
	}
}

func TestListener_PreservesRawFrame(t *testing.T) {
	frame := `{"envelope": {"source": "+111", "dataMessage": {"message": "hi", "groupInfo": {"groupId": "abc="}}}, "account": "+999"}`
	srv := newWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(frame))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rawCh := make(chan string, 1)
	l := newTestListener(srv.URL, 1)
	l.SetMessageHandler(func(msg *Message) {
		select {
		case rawCh <- string(msg.Raw):
		default:
		}
	})
	l.Start()
	defer l.Stop()

	select {
	case raw := <-rawCh:
		if raw != frame {
			t.Errorf("raw frame mutated:\nwant %s\ngot  %s", frame, raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
}

func TestListener_ReconnectsAfterClose(t *testing.T) {
	var conns atomic.Int64
	srv := newWSServer(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"envelope": {"dataMessage": {"message": "msg"}}}`))
		if n == 1 {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			conn.Close()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var received atomic.Int64
	// MaxRetries of 1: a second successful connection proves the close
	// completed the cycle instead of burning the retry budget.
	l := newTestListener(srv.URL, 1)
	l.SetMessageHandler(func(msg *Message) { received.Add(1) })
	l.Start()
	defer l.Stop()

	waitFor(t, 2*time.Second, func() bool { return received.Load() >= 2 })
	if conns.Load() < 2 {
		t.Errorf("expected at least 2 connections, got %d", conns.Load())
	}
	if !l.IsRunning() {
		t.Error("listener should still be running after a reconnect")
	}
}

func TestListener_GivesUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "no", http.StatusInternalServerError)
	}))
	defer srv.Close()

	l := newTestListener(srv.URL, 3)
	l.Start()

	waitFor(t, 2*time.Second, func() bool { return !l.IsRunning() })
	// Initial attempt plus three retries.
	if got := attempts.Load(); got != 4 {
		t.Errorf("expected exactly 4 connection attempts, got %d", got)
	}

	// Give any stray retry loop a chance to fire, then re-check.
	time.Sleep(50 * time.Millisecond)
	if got := attempts.Load(); got != 4 {
		t.Errorf("attempts kept accumulating after giving up: %d", got)
	}
	l.Stop()
}

func TestListener_StopDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusInternalServerError)
	}))
	defer srv.Close()

	l := NewListener(ListenerConfig{
		APIURL:     srv.URL,
		Number:     "+1",
		Logger:     testLogger(),
		MaxRetries: 10,
		RetryDelay: time.Hour,
	})
	l.Start()
	waitFor(t, 2*time.Second, func() bool { return l.IsRunning() })

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked during backoff wait")
	}
	if l.IsRunning() {
		t.Error("listener still running after Stop")
	}
}

func TestListener_StopIsIdempotent(t *testing.T) {
	l := newTestListener("http://localhost:1", 1)
	l.Stop()
	l.Stop()

	srv := newWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	l = newTestListener(srv.URL, 1)
	l.Start()
	l.Start() // no-op on a running listener
	l.Stop()
	l.Stop()
	if l.IsRunning() {
		t.Error("listener still running after Stop")
	}
}

func TestListener_AbandonedGenerationStaysDead(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	l := newTestListener(srv.URL, 1)

	// A generation whose stop channel is already closed models a goroutine
	// that Stop abandoned. Even with the running flag flipped back on by a
	// later Start, the loop must exit on its own channel without dialing.
	stale := make(chan struct{})
	close(stale)
	staleDone := make(chan struct{})
	l.mu.Lock()
	l.running = true
	l.mu.Unlock()
	go l.listen(stale, staleDone)

	select {
	case <-staleDone:
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned listen goroutine kept running after its stop channel closed")
	}
}

func TestListener_StaleDialDoesNotClobberCurrentConn(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	l := newTestListener(srv.URL, 1)
	l.Start()
	defer l.Stop()

	waitFor(t, 2*time.Second, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.conn != nil
	})
	l.mu.Lock()
	current := l.conn
	l.mu.Unlock()

	// A dial finishing on behalf of a stopped generation must discard its
	// socket instead of stealing the slot of the live one.
	stale := make(chan struct{})
	close(stale)
	if err := l.connectAndListen(l.wsURL(), stale); err != nil {
		t.Fatalf("stale connect cycle should end cleanly: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != current {
		t.Error("stale generation replaced the live connection")
	}
}

func TestListener_StopHandlerFiresOnRetryExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusInternalServerError)
	}))
	defer srv.Close()

	terminal := make(chan error, 1)
	l := newTestListener(srv.URL, 2)
	l.SetStopHandler(func(err error) { terminal <- err })
	l.Start()

	select {
	case err := <-terminal:
		if err == nil {
			t.Error("terminal stop must carry the final dial error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop handler never fired after retry exhaustion")
	}
	if l.IsRunning() {
		t.Error("listener still running after terminal stop")
	}
	l.Stop()
}

func TestListener_StopHandlerNotFiredOnRequestedStop(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var fired atomic.Int64
	l := newTestListener(srv.URL, 1)
	l.SetStopHandler(func(err error) { fired.Add(1) })
	l.Start()
	waitFor(t, 2*time.Second, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.conn != nil
	})
	l.Stop()

	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("owner-requested Stop must not look like a terminal failure")
	}
}

func TestListener_HandlerPanicDoesNotKillSession(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"envelope": {"dataMessage": {"message": "boom"}}}`))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"envelope": {"dataMessage": {"message": "after"}}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var calls atomic.Int64
	l := newTestListener(srv.URL, 1)
	l.SetMessageHandler(func(msg *Message) {
		if calls.Add(1) == 1 {
			panic("handler exploded")
		}
	})
	l.Start()
	defer l.Stop()

	waitFor(t, 2*time.Second, func() bool { return calls.Load() >= 2 })
	if !l.IsRunning() {
		t.Error("listener died after a handler panic")
	}
}
