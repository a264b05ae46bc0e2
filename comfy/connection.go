package comfy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"imageflow/core"
	"imageflow/logging"
)

// State is the connection lifecycle state. Owned exclusively by the
// Connection; read-only elsewhere.
type State int

// Lifecycle states. Transitions are driven by transport events and by the
// readiness deadline.
const (
	StateConnecting State = iota
	StateConnected
	StateError
	StateTimeout
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateTimeout:
		return "timeout"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Connection is the persistent WebSocket to the generation server.
//
// Connect returns immediately; the dial happens on a goroutine and
// AwaitReady is the blocking point. A single read pump dispatches events
// to subscribers in transport order. After Close, no events are delivered.
type Connection struct {
	endpoint string
	clientID string
	logger   *logging.Logger

	mu       sync.Mutex
	state    State
	ws       *websocket.Conn
	handlers map[EventKind][]Handler

	ready  chan struct{} // closed once the transport reports open
	failed chan error    // receives the dial/transport error before open
	done   chan struct{} // closed by Close

	closeOnce sync.Once
}

// Connect opens a transport to the WebSocket endpoint. Never blocks: the
// returned handle starts in StateConnecting and settles via AwaitReady.
func Connect(endpoint, clientID string, logger *logging.Logger) *Connection {
	c := &Connection{
		endpoint: endpoint,
		clientID: clientID,
		logger:   logger.Named("connection"),
		state:    StateConnecting,
		handlers: make(map[EventKind][]Handler),
		ready:    make(chan struct{}),
		failed:   make(chan error, 1),
		done:     make(chan struct{}),
	}

	go c.dial()
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On subscribes handler to events of the given kind. Handlers may be added
// before or after the transport opens; they are detached by Close.
func (c *Connection) On(kind EventKind, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.handlers[kind] = append(c.handlers[kind], handler)
}

// AwaitReady blocks until the transport reports open, or fails after
// timeout. Two racing waits: the open signal and a timer; the loser is
// discarded. A transport failure before open surfaces as CONNECTION_ERROR,
// a deadline miss as CONNECTION_TIMEOUT. Both are recoverable by closing
// and reconnecting.
func (c *Connection) AwaitReady(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = core.DefaultReadyTimeout
	}

	wait := make(chan error, 1)
	go func() {
		select {
		case <-c.ready:
			wait <- nil
		case err := <-c.failed:
			wait <- err
		case <-c.done:
			wait <- core.ErrConnectionError("connection closed before ready", nil)
		}
	}()

	err := core.First(ctx, timeout, wait, core.ErrConnectionTimeout(
		fmt.Sprintf("no open event within %s", timeout)))

	if core.IsCode(err, core.CodeConnectionTimeout) {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateTimeout
		}
		c.mu.Unlock()
	}
	return err
}

// Close tears the connection down. Idempotent: safe on an already-closed
// or never-opened connection. Always ends in StateClosed with all
// listeners detached; events arriving afterwards are not delivered.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.handlers = nil
		ws := c.ws
		c.mu.Unlock()

		close(c.done)
		if ws != nil {
			if err := ws.Close(); err != nil {
				c.logger.Debug("transport close", zap.Error(err))
			}
		}
		c.logger.Debug("connection closed", zap.String("endpoint", c.endpoint))
	})
}

// dial opens the transport and hands it to the read pump.
func (c *Connection) dial() {
	ws, resp, err := websocket.DefaultDialer.Dial(c.endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		settled := c.state != StateConnecting
		if !settled {
			c.state = StateError
		}
		c.mu.Unlock()
		if settled {
			// Close or the readiness deadline already decided the outcome.
			return
		}

		c.logger.Warn("dial failed", zap.String("endpoint", c.endpoint), zap.Error(err))
		c.failed <- core.ErrConnectionError("failed to open transport", err)
		return
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.ws = ws
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("transport open",
		zap.String("endpoint", c.endpoint),
		zap.String("client_id", c.clientID))
	close(c.ready)

	c.readPump(ws)
}

// readPump delivers frames in transport order until the connection ends.
// Binary frames carry in-progress preview images and are skipped.
func (c *Connection) readPump(ws *websocket.Conn) {
	for {
		messageType, frame, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}

			c.mu.Lock()
			if c.state == StateConnected {
				c.state = StateError
			}
			c.mu.Unlock()

			c.logger.Warn("read pump stopped", zap.Error(err))
			c.dispatch(Event{
				Kind:    EventConnectionError,
				Message: err.Error(),
			})
			return
		}

		if messageType == websocket.BinaryMessage {
			c.logger.Debug("preview frame skipped", zap.Int("bytes", len(frame)))
			continue
		}

		evt, err := parseEvent(frame)
		if err != nil {
			c.logger.Warn("unparseable event frame", zap.Error(err))
			continue
		}
		c.dispatch(evt)
	}
}

// dispatch invokes subscribers in registration order. Nothing is delivered
// once the connection is closed.
func (c *Connection) dispatch(evt Event) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	subscribers := make([]Handler, len(c.handlers[evt.Kind]))
	copy(subscribers, c.handlers[evt.Kind])
	c.mu.Unlock()

	for _, handler := range subscribers {
		handler(evt)
	}
}
