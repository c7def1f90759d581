// Package realtime maintains the persistent push channel: at most one live
// websocket per authenticated session, an authenticate handshake after every
// connect, and bounded exponential reconnection.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/hireloop/notisync/internal/credential"
)

// Status is the channel lifecycle state. Disconnected is the terminal state
// after an explicit Disconnect or reconnection exhaustion; both are
// recoverable by calling Connect again.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// Frame is the wire shape of every message on the channel: a named event
// with an opaque JSON payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Conn abstracts the websocket so tests can inject failing or scripted
// connections.
type Conn interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

// Dialer opens a Conn. The default dials a websocket with the bearer token
// in the Authorization header.
type Dialer func(ctx context.Context, url, token string) (Conn, error)

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadFrame(ctx context.Context) (Frame, error) {
	var f Frame
	err := wsjson.Read(ctx, w.c, &f)
	return f, err
}

func (w *wsConn) WriteFrame(ctx context.Context, f Frame) error {
	return wsjson.Write(ctx, w.c, f)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

func websocketDialer(ctx context.Context, url, token string) (Conn, error) {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + token},
		}
	}
	c, _, err := websocket.Dial(ctx, url, opts) //nolint:bodyclose
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

// EventHandler receives every inbound frame from the channel.
type EventHandler func(event string, payload json.RawMessage)

// StatusHandler receives channel lifecycle transitions. Handlers run
// synchronously and must return promptly; they must not call back into
// Connect, Disconnect, or ForceReconnect.
type StatusHandler func(Status)

const (
	defaultMaxAttempts  = 5
	defaultBaseDelay    = time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

type Options struct {
	URL         string
	Credentials credential.Provider
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Dialer      Dialer
	Logger      *logrus.Logger
}

// Manager owns the lifecycle of zero-or-one live realtime channel.
type Manager struct {
	url         string
	creds       credential.Provider
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	dialer      Dialer
	log         *logrus.Entry

	mu       sync.Mutex
	status   Status
	conn     Conn
	cancel   context.CancelFunc
	attempts int
	// gen identifies the current connection sequence. A run goroutine from
	// a previous sequence compares its own generation before committing a
	// connection or a status, so a Disconnect racing a slow dial can never
	// leave the manager stuck reporting Connected.
	gen int64
	wg  sync.WaitGroup

	handlerMu      sync.Mutex
	nextHandlerID  int64
	eventHandlers  map[int64]EventHandler
	statusHandlers map[int64]StatusHandler
}

func NewManager(opts Options) *Manager {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocketDialer
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		url:            opts.URL,
		creds:          opts.Credentials,
		maxAttempts:    maxAttempts,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
		dialer:         dialer,
		log:            log.WithField("component", "realtime"),
		status:         StatusDisconnected,
		eventHandlers:  map[int64]EventHandler{},
		statusHandlers: map[int64]StatusHandler{},
	}
}

// OnEvent registers a handler for inbound frames and returns a function that
// removes exactly that registration.
func (m *Manager) OnEvent(fn EventHandler) func() {
	if fn == nil {
		return func() {}
	}
	m.handlerMu.Lock()
	m.nextHandlerID++
	id := m.nextHandlerID
	m.eventHandlers[id] = fn
	m.handlerMu.Unlock()
	return func() {
		m.handlerMu.Lock()
		delete(m.eventHandlers, id)
		m.handlerMu.Unlock()
	}
}

// OnStatus registers a handler for lifecycle transitions.
func (m *Manager) OnStatus(fn StatusHandler) func() {
	if fn == nil {
		return func() {}
	}
	m.handlerMu.Lock()
	m.nextHandlerID++
	id := m.nextHandlerID
	m.statusHandlers[id] = fn
	m.handlerMu.Unlock()
	return func() {
		m.handlerMu.Lock()
		delete(m.statusHandlers, id)
		m.handlerMu.Unlock()
	}
}

// Connect establishes the channel. It is a no-op when a channel is already
// live or being established, and silently does nothing when no credential is
// available; that is a recoverable precondition, not an error.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.status != StatusDisconnected {
		m.mu.Unlock()
		return
	}
	creds, err := m.resolveCredentials()
	if err != nil {
		m.mu.Unlock()
		m.log.Debug("no credentials available; staying idle")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.attempts = 0
	m.gen++
	gen := m.gen
	handlers := m.setStatusLocked(StatusConnecting)
	m.wg.Add(1)
	m.mu.Unlock()
	m.notifyStatus(handlers, StatusConnecting)

	go func() {
		defer m.wg.Done()
		m.run(ctx, gen, creds)
	}()
}

// Disconnect tears the channel down and clears all registered listeners.
// Idempotent.
func (m *Manager) Disconnect() {
	handlers := m.teardown()
	m.notifyStatus(handlers, StatusDisconnected)

	m.handlerMu.Lock()
	m.eventHandlers = map[int64]EventHandler{}
	m.statusHandlers = map[int64]StatusHandler{}
	m.handlerMu.Unlock()
}

// ForceReconnect restarts the connection sequence after reconnection
// exhaustion, keeping registered listeners.
func (m *Manager) ForceReconnect() {
	handlers := m.teardown()
	m.notifyStatus(handlers, StatusDisconnected)
	m.Connect()
}

// teardown cancels the current sequence and settles on Disconnected. Bumping
// the generation orphans the running goroutine: whatever it does afterwards
// is discarded by the generation checks.
func (m *Manager) teardown() []StatusHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.gen++
	return m.setStatusLocked(StatusDisconnected)
}

// Emit writes a frame to the channel. Returns false without error when no
// channel is connected; emission is strictly best-effort.
func (m *Manager) Emit(event string, data any) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.status == StatusConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return false
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	if err := conn.WriteFrame(ctx, Frame{Event: event, Data: payload}); err != nil {
		m.log.Debugf("emit %s failed: %v", event, err)
		return false
	}
	return true
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempts reports how many dials the current (or last) connection sequence
// has used.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) resolveCredentials() (credential.Credentials, error) {
	if m.creds == nil {
		return credential.Credentials{}, credential.ErrNoCredentials
	}
	creds, err := m.creds.Credentials()
	if err != nil {
		return credential.Credentials{}, err
	}
	if creds.Token == "" {
		return credential.Credentials{}, credential.ErrNoCredentials
	}
	return creds, nil
}

func (m *Manager) run(ctx context.Context, gen int64, creds credential.Credentials) {
	for {
		conn := m.dialWithBackoff(ctx, gen, creds)
		if conn == nil {
			m.mu.Lock()
			if m.gen != gen {
				m.mu.Unlock()
				return
			}
			if ctx.Err() == nil {
				m.log.Warnf("reconnection attempts exhausted after %d tries", m.attempts)
			}
			handlers := m.setStatusLocked(StatusDisconnected)
			m.mu.Unlock()
			m.notifyStatus(handlers, StatusDisconnected)
			return
		}

		m.mu.Lock()
		// A teardown may have raced the dial; a connection from a stale
		// sequence is closed, never committed.
		if ctx.Err() != nil || m.gen != gen {
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		m.conn = conn
		handlers := m.setStatusLocked(StatusConnected)
		m.mu.Unlock()
		m.notifyStatus(handlers, StatusConnected)

		m.authenticate(ctx, conn, creds)
		m.readLoop(ctx, conn)

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}

		// Connection dropped; re-resolve credentials and start a fresh
		// bounded reconnection sequence.
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		refreshed, err := m.resolveCredentials()
		if err != nil {
			handlers := m.setStatusLocked(StatusDisconnected)
			m.mu.Unlock()
			m.notifyStatus(handlers, StatusDisconnected)
			return
		}
		creds = refreshed
		m.attempts = 0
		handlers = m.setStatusLocked(StatusReconnecting)
		m.mu.Unlock()
		m.notifyStatus(handlers, StatusReconnecting)
	}
}

func (m *Manager) dialWithBackoff(ctx context.Context, gen int64, creds credential.Credentials) Conn {
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return nil
		}
		m.attempts = attempt
		m.mu.Unlock()

		conn, err := m.dialer(ctx, m.url, creds.Token)
		if err == nil {
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		m.log.Debugf("dial attempt %d/%d failed: %v", attempt, m.maxAttempts, err)
		if attempt == m.maxAttempts {
			return nil
		}

		m.mu.Lock()
		var handlers []StatusHandler
		if m.gen == gen {
			handlers = m.setStatusLocked(StatusReconnecting)
		}
		m.mu.Unlock()
		m.notifyStatus(handlers, StatusReconnecting)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.backoffDelay(attempt)):
		}
	}
	return nil
}

func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.maxDelay {
			return m.maxDelay
		}
	}
	if delay > m.maxDelay {
		return m.maxDelay
	}
	return delay
}

// authenticate sends the user identifier over the channel exactly once per
// connection. Without a resolvable identifier the connection stays open but
// unauthenticated and will not receive user-scoped events.
func (m *Manager) authenticate(ctx context.Context, conn Conn, creds credential.Credentials) {
	if creds.UserID == "" {
		m.log.Debug("no user id in credentials; channel stays unauthenticated")
		return
	}
	payload, err := json.Marshal(map[string]string{"userId": creds.UserID})
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if err := conn.WriteFrame(writeCtx, Frame{Event: "authenticate", Data: payload}); err != nil {
		m.log.Warnf("authenticate handshake failed: %v", err)
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Debugf("channel read failed: %v", err)
			}
			return
		}
		if frame.Event == "" {
			continue
		}
		m.dispatch(frame)
	}
}

func (m *Manager) dispatch(frame Frame) {
	m.handlerMu.Lock()
	handlers := make([]EventHandler, 0, len(m.eventHandlers))
	for _, fn := range m.eventHandlers {
		handlers = append(handlers, fn)
	}
	m.handlerMu.Unlock()
	for _, fn := range handlers {
		fn(frame.Event, frame.Data)
	}
}

// setStatusLocked requires m.mu held. It records the transition and returns
// the handlers to notify; the caller invokes notifyStatus after releasing
// the lock so transitions reach observers in commit order.
func (m *Manager) setStatusLocked(status Status) []StatusHandler {
	if m.status == status {
		return nil
	}
	m.status = status
	m.handlerMu.Lock()
	handlers := make([]StatusHandler, 0, len(m.statusHandlers))
	for _, fn := range m.statusHandlers {
		handlers = append(handlers, fn)
	}
	m.handlerMu.Unlock()
	return handlers
}

func (m *Manager) notifyStatus(handlers []StatusHandler, status Status) {
	for _, fn := range handlers {
		fn(status)
	}
}
