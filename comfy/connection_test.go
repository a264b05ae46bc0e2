package comfy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"imageflow/core"
	"imageflow/logging"
)

// newEventServer starts a WebSocket server that sends the given text
// frames after the handshake, then stays open until the client closes.
func newEventServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		for _, frame := range frames {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// TestAwaitReadyOpens verifies readiness resolves promptly once the
// transport opens.
func TestAwaitReadyOpens(t *testing.T) {
	srv := newEventServer(t)

	conn := Connect(wsURL(srv), "client-1", logging.NewNop())
	defer conn.Close()

	if err := conn.AwaitReady(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("AwaitReady() error = %v", err)
	}
	if got := conn.State(); got != StateConnected {
		t.Errorf("State() = %v, want %v", got, StateConnected)
	}
}

// TestAwaitReadyTimesOut verifies a never-opening endpoint returns
// CONNECTION_TIMEOUT within the deadline, never blocking indefinitely.
func TestAwaitReadyTimesOut(t *testing.T) {
	// Handshake never completes: the handler stalls without upgrading.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	conn := Connect(wsURL(srv), "client-1", logging.NewNop())
	defer conn.Close()

	start := time.Now()
	err := conn.AwaitReady(context.Background(), 50*time.Millisecond)
	elapsed := time.Since(start)

	if !core.IsCode(err, core.CodeConnectionTimeout) {
		t.Fatalf("AwaitReady() error = %v, want CONNECTION_TIMEOUT", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("AwaitReady() took %v, want prompt timeout", elapsed)
	}
	if got := conn.State(); got != StateTimeout {
		t.Errorf("State() = %v, want %v", got, StateTimeout)
	}
}

// TestAwaitReadyDialFailure verifies a refused dial surfaces as
// CONNECTION_ERROR before the deadline.
func TestAwaitReadyDialFailure(t *testing.T) {
	srv := newEventServer(t)
	endpoint := wsURL(srv)
	srv.Close() // nothing is listening anymore

	conn := Connect(endpoint, "client-1", logging.NewNop())
	defer conn.Close()

	err := conn.AwaitReady(context.Background(), 5*time.Second)
	if !core.IsCode(err, core.CodeConnectionError) {
		t.Fatalf("AwaitReady() error = %v, want CONNECTION_ERROR", err)
	}
}

// TestEventDispatchOrder verifies events reach subscribers in transport
// order.
func TestEventDispatchOrder(t *testing.T) {
	srv := newEventServer(t,
		`{"type":"progress","data":{"value":1,"max":3,"prompt_id":"p1"}}`,
		`{"type":"progress","data":{"value":2,"max":3,"prompt_id":"p1"}}`,
		`{"type":"execution_success","data":{"prompt_id":"p1"}}`,
	)

	conn := Connect(wsURL(srv), "client-1", logging.NewNop())
	defer conn.Close()

	var mu sync.Mutex
	var values []int
	done := make(chan struct{})

	conn.On(EventProgress, func(evt Event) {
		mu.Lock()
		values = append(values, evt.Value)
		mu.Unlock()
	})
	conn.On(EventExecutionSuccess, func(evt Event) {
		close(done)
	})

	if err := conn.AwaitReady(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("AwaitReady() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execution_success never delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(values) != 2 || values[0] != 1 || values[1] != 2 {
		t.Errorf("progress values = %v, want [1 2]", values)
	}
}

// TestCloseIdempotent verifies Close is safe repeatedly and on a
// never-opened connection.
func TestCloseIdempotent(t *testing.T) {
	srv := newEventServer(t)

	conn := Connect(wsURL(srv), "client-1", logging.NewNop())
	conn.Close()
	conn.Close()
	if got := conn.State(); got != StateClosed {
		t.Errorf("State() = %v, want %v", got, StateClosed)
	}

	// Never-opened handle.
	neverOpened := Connect("ws://127.0.0.1:1/ws", "client-1", logging.NewNop())
	neverOpened.Close()
	if got := neverOpened.State(); got != StateClosed {
		t.Errorf("State() = %v, want %v", got, StateClosed)
	}
}

// TestNoDeliveryAfterClose verifies handlers never fire once the
// connection is closed.
func TestNoDeliveryAfterClose(t *testing.T) {
	srv := newEventServer(t)

	conn := Connect(wsURL(srv), "client-1", logging.NewNop())
	if err := conn.AwaitReady(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("AwaitReady() error = %v", err)
	}

	fired := make(chan struct{}, 1)
	conn.On(EventConnectionError, func(Event) {
		fired <- struct{}{}
	})

	conn.Close()

	// The server side tears down after Close; any resulting read error
	// must not be dispatched.
	select {
	case <-fired:
		t.Error("handler fired after Close()")
	case <-time.After(200 * time.Millisecond):
	}
}
