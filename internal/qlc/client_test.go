package qlc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/lawnchairsociety/qlcbridge/internal/simulator"
)

// startDesk serves sim on a loopback port and returns an endpoint for it.
func startDesk(t *testing.T, sim *simulator.Server) Endpoint {
	t.Helper()

	ts := httptest.NewServer(sim)
	t.Cleanup(func() {
		sim.CloseConnections()
		ts.Close()
	})

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("Failed to parse test server URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("Failed to split host: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	return Endpoint{Host: host, Port: port, Timeout: time.Second}
}

func newTestClient(t *testing.T, endpoint Endpoint) *Client {
	t.Helper()

	c, err := NewClient(endpoint)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func testDesk() *simulator.Desk {
	return simulator.NewDesk(
		simulator.Widget{ID: "1", Name: "Alpha", Value: 255},
		simulator.Widget{ID: "2", Name: "Beta", Value: 0},
		simulator.Widget{ID: "3", Name: "Gamma", Value: 42},
	)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countFrames(frames []string, want string) int {
	n := 0
	for _, f := range frames {
		if f == want {
			n++
		}
	}
	return n
}

func TestNewClient_RequiresHost(t *testing.T) {
	_, err := NewClient(Endpoint{})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSendCommand_ReturnsMatchingReply(t *testing.T) {
	sim := simulator.New(testDesk())
	sim.SetNoise("QLC+API|getFunctionsList|4|Chase", "2|255", "QLC+API|getWidgetStatus|0")
	c := newTestClient(t, startDesk(t, sim))

	reply, err := c.SendCommand(context.Background(), "QLC+API|getWidgetsList")
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}

	want := "QLC+API|getWidgetsList|1|Alpha|2|Beta|3|Gamma"
	if reply != want {
		t.Errorf("reply = %q, want %q", reply, want)
	}
	if !c.Connected() {
		t.Error("client should be connected after a successful call")
	}
}

func TestSendCommand_ConnectsLazily(t *testing.T) {
	sim := simulator.New(testDesk())
	c := newTestClient(t, startDesk(t, sim))

	if c.Connected() {
		t.Fatal("new client should start disconnected")
	}
	if _, err := c.SendCommand(context.Background(), "QLC+API|getGMValue"); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if _, err := c.SendCommand(context.Background(), "QLC+API|getGMValue"); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if sim.Connections() != 1 {
		t.Errorf("expected one session to be reused, got %d", sim.Connections())
	}
}

func TestSendCommand_TimeoutDoesNotRetry(t *testing.T) {
	sim := simulator.New(testDesk())
	endpoint := startDesk(t, sim)
	endpoint.Timeout = 150 * time.Millisecond
	c := newTestClient(t, endpoint)

	sim.SetSilent(true)

	start := time.Now()
	_, err := c.SendCommand(context.Background(), "QLC+API|getWidgetsList")
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, ErrConnection) {
		t.Error("timeout should also be a connection-class error")
	}
	if !IsRetryable(err) {
		t.Error("timeout should be retryable by the caller")
	}
	var qerr *Error
	if !errors.As(err, &qerr) || qerr.Op != "send command" {
		t.Errorf("expected op %q, got %v", "send command", err)
	}
	if elapsed > time.Second {
		t.Errorf("timeout took %v, expected about 150ms", elapsed)
	}

	waitFor(t, "command to reach desk", func() bool { return len(sim.Received()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := countFrames(sim.Received(), "QLC+API|getWidgetsList"); n != 1 {
		t.Errorf("command sent %d times, want exactly 1", n)
	}

	// The next call gets a fresh session.
	sim.SetSilent(false)
	if _, err := c.SendCommand(context.Background(), "QLC+API|getWidgetsList"); err != nil {
		t.Fatalf("call after timeout failed: %v", err)
	}
	if sim.Connections() != 2 {
		t.Errorf("expected reconnect after timeout, got %d sessions", sim.Connections())
	}
}

func TestSendCommand_ReconnectsOnceOnClosedSession(t *testing.T) {
	sim := simulator.New(testDesk())
	c := newTestClient(t, startDesk(t, sim))

	sim.DropNext(1)

	reply, err := c.SendCommand(context.Background(), "QLC+API|getWidgetStatus|1")
	if err != nil {
		t.Fatalf("SendCommand should recover from one closed session: %v", err)
	}
	if reply != "QLC+API|getWidgetStatus|255" {
		t.Errorf("reply = %q", reply)
	}
	if sim.Connections() != 2 {
		t.Errorf("expected 2 sessions, got %d", sim.Connections())
	}
	if n := countFrames(sim.Received(), "QLC+API|getWidgetStatus|1"); n != 2 {
		t.Errorf("command sent %d times, want 2", n)
	}
}

func TestSendCommand_FailsAfterSecondClosure(t *testing.T) {
	sim := simulator.New(testDesk())
	c := newTestClient(t, startDesk(t, sim))

	sim.DropNext(5)

	_, err := c.SendCommand(context.Background(), "QLC+API|getWidgetsList")
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("closure should not be reported as a timeout")
	}
	if c.Connected() {
		t.Error("client should be disconnected after the retry failed")
	}
	if sim.Connections() != 2 {
		t.Errorf("expected exactly 2 sessions (no third attempt), got %d", sim.Connections())
	}
}

func TestSendCommand_PeerClosedBetweenCalls(t *testing.T) {
	sim := simulator.New(testDesk())
	c := newTestClient(t, startDesk(t, sim))

	if _, err := c.ListWidgets(context.Background()); err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	sim.CloseConnections()

	widgets, err := c.ListWidgets(context.Background())
	if err != nil {
		t.Fatalf("call after peer close failed: %v", err)
	}
	if len(widgets) != 3 {
		t.Errorf("expected 3 widgets, got %d", len(widgets))
	}
	if sim.Connections() != 2 {
		t.Errorf("expected 2 sessions, got %d", sim.Connections())
	}
}

func TestSendCommand_ContextCanceled(t *testing.T) {
	sim := simulator.New(testDesk())
	endpoint := startDesk(t, sim)
	endpoint.Timeout = 5 * time.Second
	c := newTestClient(t, endpoint)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	sim.SetSilent(true)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := c.SendCommand(ctx, "QLC+API|getWidgetsList")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation did not interrupt the wait")
	}
}

func TestSendCommand_CallAfterCancelSucceeds(t *testing.T) {
	sim := simulator.New(testDesk())
	endpoint := startDesk(t, sim)
	endpoint.Timeout = 5 * time.Second
	c := newTestClient(t, endpoint)

	for i := 0; i < 5; i++ {
		sim.SetSilent(true)
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)
		if _, err := c.SendCommand(ctx, "QLC+API|getWidgetsList"); !errors.Is(err, context.Canceled) {
			t.Fatalf("round %d: expected context.Canceled, got %v", i, err)
		}

		sim.SetSilent(false)
		reply, err := c.SendCommand(context.Background(), "QLC+API|getWidgetStatus|3")
		if err != nil {
			t.Fatalf("round %d: call after cancel failed: %v", i, err)
		}
		if reply != "QLC+API|getWidgetStatus|42" {
			t.Errorf("round %d: reply = %q", i, reply)
		}
	}
}

func TestSendCommand_IdleFramesAreDiscarded(t *testing.T) {
	sim := simulator.New(testDesk())
	c := newTestClient(t, startDesk(t, sim))
	ctx := context.Background()

	// Replies nobody waits for pile up past the buffer.
	for i := 0; i < frameBuffer+10; i++ {
		if err := c.Send(ctx, "QLC+API|getGMValue"); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	waitFor(t, "desk to read every frame", func() bool {
		return countFrames(sim.Received(), "QLC+API|getGMValue") == frameBuffer+10
	})

	reply, err := c.SendCommand(ctx, "QLC+API|getWidgetStatus|3")
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if reply != "QLC+API|getWidgetStatus|42" {
		t.Errorf("reply = %q, want the answer for widget 3", reply)
	}
}

func TestSendCommand_ContextDeadlineIsTimeout(t *testing.T) {
	sim := simulator.New(testDesk())
	endpoint := startDesk(t, sim)
	endpoint.Timeout = 5 * time.Second
	c := newTestClient(t, endpoint)
	sim.SetSilent(true)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.SendCommand(ctx, "QLC+API|getWidgetsList")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestConnect_AuthRejected(t *testing.T) {
	sim := simulator.New(testDesk(), simulator.WithCredentials("admin", "s3cret"))
	endpoint := startDesk(t, sim)
	endpoint.Username = "admin"
	endpoint.Password = "wrong"
	c := newTestClient(t, endpoint)

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if errors.Is(err, ErrConnection) {
		t.Error("auth failure should not be a connection error")
	}
	if IsRetryable(err) {
		t.Error("auth failure must not be retryable")
	}
	if c.Connected() {
		t.Error("auth failure must not leave the client connected")
	}
}

func TestSendCommand_AuthRejectedIsNotRetried(t *testing.T) {
	sim := simulator.New(testDesk(), simulator.WithCredentials("admin", "s3cret"))
	endpoint := startDesk(t, sim)
	c := newTestClient(t, endpoint)

	_, err := c.SendCommand(context.Background(), "QLC+API|getWidgetsList")
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if sim.Attempts() != 1 {
		t.Errorf("expected a single handshake, got %d", sim.Attempts())
	}
}

func TestConnect_SendsCredentials(t *testing.T) {
	sim := simulator.New(testDesk(), simulator.WithCredentials("admin", "s3cret"))
	endpoint := startDesk(t, sim)
	endpoint.Username = "admin"
	endpoint.Password = "s3cret"
	c := newTestClient(t, endpoint)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got, want := sim.LastAuthorization(), endpoint.Header().Get("Authorization"); got != want {
		t.Errorf("Authorization = %q, want %q", got, want)
	}
}

func TestConnect_NoCredentialsWhenPartial(t *testing.T) {
	sim := simulator.New(testDesk())
	endpoint := startDesk(t, sim)
	endpoint.Username = "admin"
	c := newTestClient(t, endpoint)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := sim.LastAuthorization(); got != "" {
		t.Errorf("expected no Authorization header, got %q", got)
	}
}

func TestConnect_Refused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	c := newTestClient(t, Endpoint{Host: "127.0.0.1", Port: addr.Port, Timeout: time.Second})

	err = c.Connect(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if errors.Is(err, ErrAuth) {
		t.Error("refused connection should not be an auth error")
	}
	if !IsRetryable(err) {
		t.Error("refused connection should be retryable")
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	sim := simulator.New(testDesk())
	c := newTestClient(t, startDesk(t, sim))

	if err := c.Disconnect(); err != nil {
		t.Errorf("Disconnect on fresh client: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	c.Disconnect()
	if err := c.Disconnect(); err != nil {
		t.Errorf("second Disconnect: %v", err)
	}
	if c.Connected() {
		t.Error("client should be disconnected")
	}
}

func TestSendCommand_ConcurrentCallsAreSerialized(t *testing.T) {
	widgets := make([]simulator.Widget, 0, 20)
	for i := 0; i < 20; i++ {
		widgets = append(widgets, simulator.Widget{ID: strconv.Itoa(i), Name: fmt.Sprintf("W%d", i), Value: i * 10})
	}
	sim := simulator.New(simulator.NewDesk(widgets...))
	c := newTestClient(t, startDesk(t, sim))

	var wg sync.WaitGroup
	errs := make(chan error, len(widgets))
	for _, w := range widgets {
		wg.Add(1)
		go func(w simulator.Widget) {
			defer wg.Done()
			status, err := c.WidgetStatus(context.Background(), w.ID)
			if err != nil {
				errs <- err
				return
			}
			if status != strconv.Itoa(w.Value) {
				errs <- fmt.Errorf("widget %s: status %q, want %d", w.ID, status, w.Value)
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
