package comfy

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"imageflow/core"
	"imageflow/logging"
)

// Manager owns the connection to the generation server: it opens and
// closes the WebSocket, re-attaches subscriptions across reconnects, and
// exposes the request-side client. The connection handle is exclusively
// owned here; consumers call Manager methods rather than touching
// transport state.
type Manager struct {
	baseURL      string
	clientID     string
	readyTimeout time.Duration
	client       *Client
	logger       *logging.Logger

	mu   sync.Mutex
	conn *Connection
	subs []subscription
}

type subscription struct {
	kind    EventKind
	handler Handler
}

// NewManager creates a Manager for the configured server.
func NewManager(cfg *core.Config, logger *logging.Logger) *Manager {
	return &Manager{
		baseURL:      cfg.ServerBaseURL,
		clientID:     cfg.ClientID,
		readyTimeout: cfg.ReadyTimeout,
		client:       NewClient(cfg.ServerBaseURL, logger),
		logger:       logger.Named("manager"),
	}
}

// Client returns the request-side HTTP client.
func (m *Manager) Client() *Client {
	return m.client
}

// On subscribes handler to pushed events. Subscriptions survive
// reconnects: every new connection gets the full handler set, so all
// consumers observe the same ordered event stream.
func (m *Manager) On(kind EventKind, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subs = append(m.subs, subscription{kind: kind, handler: handler})
	if m.conn != nil {
		m.conn.On(kind, handler)
	}
}

// Connect returns the live connection, opening a new one when none exists
// or the previous one has ended.
func (m *Manager) Connect() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked()
}

func (m *Manager) connectLocked() *Connection {
	if m.conn != nil {
		switch m.conn.State() {
		case StateConnecting, StateConnected:
			return m.conn
		}
	}

	endpoint := wsEndpoint(m.baseURL, m.clientID)
	m.logger.Info("opening connection", zap.String("endpoint", endpoint))

	conn := Connect(endpoint, m.clientID, m.logger)
	for _, sub := range m.subs {
		conn.On(sub.kind, sub.handler)
	}
	m.conn = conn
	return conn
}

// EnsureReady returns a ready connection, reusing the existing one when it
// is already open and otherwise dialing and awaiting readiness. On
// failure the dead connection is closed so the next call starts fresh.
func (m *Manager) EnsureReady(ctx context.Context) (*Connection, error) {
	m.mu.Lock()
	conn := m.connectLocked()
	m.mu.Unlock()

	if err := conn.AwaitReady(ctx, m.readyTimeout); err != nil {
		conn.Close()
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

// Interrupt asks the server to abort server-side work. Best effort: a
// failure (server does not support it, connection not open) is logged,
// never propagated.
func (m *Manager) Interrupt(ctx context.Context) {
	if err := m.client.Interrupt(ctx); err != nil {
		m.logger.Warn("interrupt not delivered", zap.Error(err))
	}
}

// Free asks the server to release memory or unload models.
func (m *Manager) Free(ctx context.Context, opts FreeOptions) error {
	return m.client.Free(ctx, opts)
}

// Close tears down the live connection. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// wsEndpoint derives the event-stream URL from the HTTP base URL.
func wsEndpoint(baseURL, clientID string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		// Config validation rejects unparseable URLs before this point.
		return baseURL
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = fmt.Sprintf("clientId=%s", url.QueryEscape(clientID))
	return u.String()
}
