package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hireloop/notisync/internal/credential"
)

// scriptedConn feeds frames to the read loop and records writes. Reading
// past the script blocks until the connection is closed.
type scriptedConn struct {
	frames chan Frame

	mu     sync.Mutex
	writes []Frame
	closed chan struct{}
	once   sync.Once
}

func newScriptedConn(frames ...Frame) *scriptedConn {
	ch := make(chan Frame, len(frames))
	for _, f := range frames {
		ch <- f
	}
	return &scriptedConn{frames: ch, closed: make(chan struct{})}
}

func (c *scriptedConn) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return Frame{}, errors.New("connection closed")
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *scriptedConn) WriteFrame(_ context.Context, f Frame) error {
	c.mu.Lock()
	c.writes = append(c.writes, f)
	c.mu.Unlock()
	return nil
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptedConn) writtenFrames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.writes))
	copy(out, c.writes)
	return out
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
	t.Fatalf("condition not met within %s", timeout)
}

func testCreds() credential.Provider {
	return credential.Static{Token: "opaque-token", UserID: "user-1"}
}

func TestManagerConnectAuthenticatesOnce(t *testing.T) {
	conn := newScriptedConn()
	m := NewManager(Options{
		URL:         "ws://test",
		Credentials: testCreds(),
		Dialer: func(context.Context, string, string) (Conn, error) {
			return conn, nil
		},
	})
	defer m.Disconnect()

	m.Connect()
	waitFor(t, time.Second, func() bool { return m.Status() == StatusConnected })

	waitFor(t, time.Second, func() bool { return len(conn.writtenFrames()) == 1 })
	frames := conn.writtenFrames()
	if frames[0].Event != "authenticate" {
		t.Fatalf("expected authenticate handshake, got %q", frames[0].Event)
	}
	var data map[string]string
	if err := json.Unmarshal(frames[0].Data, &data); err != nil {
		t.Fatalf("decoding handshake payload: %v", err)
	}
	if data["userId"] != "user-1" {
		t.Fatalf("expected userId user-1, got %q", data["userId"])
	}
}

func TestManagerConnectWithoutCredentialsStaysIdle(t *testing.T) {
	dialed := int32(0)
	m := NewManager(Options{
		URL:         "ws://test",
		Credentials: credential.Static{},
		Dialer: func(context.Context, string, string) (Conn, error) {
			atomic.AddInt32(&dialed, 1)
			return newScriptedConn(), nil
		},
	})
	m.Connect()
	time.Sleep(20 * time.Millisecond)
	if m.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", m.Status())
	}
	if atomic.LoadInt32(&dialed) != 0 {
		t.Fatalf("no dial must happen without credentials")
	}
}

func TestManagerConnectIsNoOpWhileLive(t *testing.T) {
	dialed := int32(0)
	m := NewManager(Options{
		URL:         "ws://test",
		Credentials: testCreds(),
		Dialer: func(context.Context, string, string) (Conn, error) {
			atomic.AddInt32(&dialed, 1)
			return newScriptedConn(), nil
		},
	})
	defer m.Disconnect()

	m.Connect()
	waitFor(t, time.Second, func() bool { return m.Status() == StatusConnected })
	m.Connect()
	m.Connect()
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&dialed); got != 1 {
		t.Fatalf("expected exactly one dial, got %d", got)
	}
}

func TestManagerStopsAfterMaxAttempts(t *testing.T) {
	dialed := int32(0)
	m := NewManager(Options{
		URL:         "ws://test",
		Credentials: testCreds(),
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Dialer: func(context.Context, string, string) (Conn, error) {
			atomic.AddInt32(&dialed, 1)
			return nil, errors.New("refused")
		},
	})
	m.Connect()
	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&dialed) == 5 && m.Status() == StatusDisconnected
	})
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&dialed); got != 5 {
		t.Fatalf("expected exactly 5 attempts, got %d", got)
	}
	if m.Attempts() != 5 {
		t.Fatalf("expected recorded attempts 5, got %d", m.Attempts())
	}
}

func TestManagerReconnectsAfterDrop(t *testing.T) {
	conns := make(chan *scriptedConn, 2)
	first := newScriptedConn()
	second := newScriptedConn()
	conns <- first
	conns <- second
	m := NewManager(Options{
		URL:         "ws://test",
		Credentials: testCreds(),
		BaseDelay:   time.Millisecond,
		Dialer: func(context.Context, string, string) (Conn, error) {
			select {
			case c := <-conns:
				return c, nil
			default:
				return nil, errors.New("no more connections")
			}
		},
	})
	defer m.Disconnect()

	m.Connect()
	waitFor(t, time.Second, func() bool { return m.Status() == StatusConnected })

	// Drop the live connection; the manager starts a fresh bounded sequence.
	_ = first.Close()
	waitFor(t, 2*time.Second, func() bool {
		return m.Status() == StatusConnected && len(second.writtenFrames()) == 1
	})
	if second.writtenFrames()[0].Event != "authenticate" {
		t.Fatalf("expected authenticate after reconnect")
	}
}

func TestManagerDispatchesFrames(t *testing.T) {
	conn := newScriptedConn(Frame{Event: "notification:new", Data: json.RawMessage(`{"id":"n1"}`)})
	m := NewManager(Options{
		URL:         "ws://test",
		Credentials: testCreds(),
		Dialer: func(context.Context, string, string) (Conn, error) {
			return conn, nil
		},
	})
	defer m.Disconnect()

	var mu sync.Mutex
	var events []string
	m.OnEvent(func(event string, _ json.RawMessage) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	m.Connect()
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if events[0] != "notification:new" {
		t.Fatalf("expected notification:new, got %q", events[0])
	}
}

func TestManagerEmitRequiresConnection(t *testing.T) {
	m := NewManager(Options{URL: "ws://test", Credentials: testCreds()})
	if m.Emit("ping", map[string]string{}) {
		t.Fatalf("emit must report false when disconnected")
	}
}

func TestManagerEmitWritesFrame(t *testing.T) {
	conn := newScriptedConn()
	m := NewManager(Options{
		URL:         "ws://test",
		Credentials: testCreds(),
		Dialer: func(context.Context, string, string) (Conn, error) {
			return conn, nil
		},
	})
	defer m.Disconnect()

	m.Connect()
	waitFor(t, time.Second, func() bool { return m.Status() == StatusConnected })
	if !m.Emit("notification:ack", map[string]string{"id": "n1"}) {
		t.Fatalf("expected emit to succeed while connected")
	}
	waitFor(t, time.Second, func() bool {
		for _, f := range conn.writtenFrames() {
			if f.Event == "notification:ack" {
				return true
			}
		}
		return false
	})
}

func TestManagerDisconnectClearsListeners(t *testing.T) {
	conn := newScriptedConn()
	dialCount := int32(0)
	m := NewManager(Options{
		URL:         "ws://test",
		Credentials: testCreds(),
		Dialer: func(context.Context, string, string) (Conn, error) {
			if atomic.AddInt32(&dialCount, 1) == 1 {
				return conn, nil
			}
			return newScriptedConn(Frame{Event: "notification:new", Data: json.RawMessage(`{"id":"n2"}`)}), nil
		},
	})

	received := int32(0)
	m.OnEvent(func(string, json.RawMessage) { atomic.AddInt32(&received, 1) })

	m.Connect()
	waitFor(t, time.Second, func() bool { return m.Status() == StatusConnected })
	m.Disconnect()
	if m.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", m.Status())
	}

	// Reconnect delivers a frame, but the old registration is gone.
	m.Connect()
	waitFor(t, time.Second, func() bool { return m.Status() == StatusConnected })
	time.Sleep(50 * time.Millisecond)
	m.Disconnect()
	if got := atomic.LoadInt32(&received); got != 0 {
		t.Fatalf("cleared listener received %d frames", got)
	}
}

func TestManagerDisconnectDuringDialSettlesDisconnected(t *testing.T) {
	released := make(chan struct{})
	stale := newScriptedConn()
	dialCount := int32(0)
	m := NewManager(Options{
		URL:         "ws://test",
		Credentials: testCreds(),
		Dialer: func(context.Context, string, string) (Conn, error) {
			if atomic.AddInt32(&dialCount, 1) == 1 {
				// Held open until after Disconnect has completed, so the
				// dial result lands on a torn-down sequence.
				<-released
				return stale, nil
			}
			return newScriptedConn(), nil
		},
	})

	m.Connect()
	m.Disconnect()
	close(released)

	time.Sleep(50 * time.Millisecond)
	if m.Status() != StatusDisconnected {
		t.Fatalf("after Disconnect, status = %q, want %q", m.Status(), StatusDisconnected)
	}
	waitFor(t, time.Second, func() bool {
		select {
		case <-stale.closed:
			return true
		default:
			return false
		}
	})

	// The channel must be re-establishable after the race.
	m.Connect()
	waitFor(t, time.Second, func() bool { return m.Status() == StatusConnected })
	m.Disconnect()
}

func TestManagerForceReconnectDuringDial(t *testing.T) {
	released := make(chan struct{})
	dialCount := int32(0)
	m := NewManager(Options{
		URL:         "ws://test",
		Credentials: testCreds(),
		Dialer: func(context.Context, string, string) (Conn, error) {
			if atomic.AddInt32(&dialCount, 1) == 1 {
				<-released
				return newScriptedConn(), nil
			}
			return newScriptedConn(), nil
		},
	})
	defer m.Disconnect()

	m.Connect()
	m.ForceReconnect()
	close(released)

	waitFor(t, time.Second, func() bool { return m.Status() == StatusConnected })
	time.Sleep(50 * time.Millisecond)
	if m.Status() != StatusConnected {
		t.Fatalf("stale dial result disturbed the new sequence, status = %q", m.Status())
	}
}

func TestManagerStatusTransitionsInOrder(t *testing.T) {
	conn := newScriptedConn()
	m := NewManager(Options{
		URL:         "ws://test",
		Credentials: testCreds(),
		Dialer: func(context.Context, string, string) (Conn, error) {
			return conn, nil
		},
	})

	var mu sync.Mutex
	var seen []Status
	m.OnStatus(func(status Status) {
		mu.Lock()
		seen = append(seen, status)
		mu.Unlock()
	})

	m.Connect()
	waitFor(t, time.Second, func() bool { return m.Status() == StatusConnected })
	m.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusConnecting, StatusConnected, StatusDisconnected}
	if len(seen) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, seen)
	}
	for i, status := range want {
		if seen[i] != status {
			t.Fatalf("transition %d: expected %q, got %q (all: %v)", i, status, seen[i], seen)
		}
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	m := NewManager(Options{BaseDelay: time.Second, MaxDelay: 10 * time.Second})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for i, expected := range want {
		if got := m.backoffDelay(i + 1); got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, expected, got)
		}
	}
}
