package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"wabridge/internal/kv"
	"wabridge/internal/wa"
	"wabridge/internal/wire"
)

type fakeClient struct {
	mu      sync.Mutex
	events  chan wa.Event
	closed  bool
	sent    []string
	sendErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan wa.Event, 16)}
}

func (c *fakeClient) SendMessage(_ context.Context, to, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, to+"|"+text)
	return "MSG-1", nil
}

func (c *fakeClient) Events() <-chan wa.Event { return c.events }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeClient) emit(ev wa.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.events <- ev
	}
}

func (c *fakeClient) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// scriptedDialer hands out fake clients and runs an optional script
// against each one.
type scriptedDialer struct {
	mu     sync.Mutex
	calls  int
	client *fakeClient
	auth   *wa.AuthState
	script func(*fakeClient)
}

func (d *scriptedDialer) dial(_ context.Context, auth *wa.AuthState) (wa.Client, error) {
	c := newFakeClient()
	d.mu.Lock()
	d.calls++
	d.client = c
	d.auth = auth
	script := d.script
	d.mu.Unlock()
	if script != nil {
		go script(c)
	}
	return c, nil
}

func (d *scriptedDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *scriptedDialer) lastClient() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

func openImmediately(c *fakeClient) {
	c.emit(wa.CredsEvent{})
	c.emit(wa.ConnectionEvent{Phase: wa.PhaseOpen, User: "1555000@s.whatsapp.net"})
}

func testConfig() Config {
	return Config{
		WarmWindow:       30 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		QRPollInterval:   10 * time.Millisecond,
		QRWaitDeadline:   2 * time.Second,
	}
}

func newTestManager(t *testing.T, d *scriptedDialer, cfg Config) (*Manager, *kv.Memory) {
	t.Helper()
	mem := kv.NewMemory()
	return NewManager(mem, d.dial, discardLogger(), cfg), mem
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", within)
}

func TestConnectCollapsesConcurrentCalls(t *testing.T) {
	d := &scriptedDialer{script: func(c *fakeClient) {
		time.Sleep(50 * time.Millisecond)
		openImmediately(c)
	}}
	m, _ := newTestManager(t, d, testConfig())
	ctx := context.Background()

	const callers = 8
	clients := make([]wa.Client, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i], errs[i] = m.Connect(ctx)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if clients[i] != clients[0] {
			t.Fatalf("caller %d got a different handle", i)
		}
	}
	if got := d.dialCount(); got != 1 {
		t.Fatalf("expected exactly one handshake, got %d", got)
	}
	if got := countEvents(m.Logs(ctx), "socket_created"); got != 1 {
		t.Fatalf("expected one socket_created event, got %d", got)
	}
}

func TestColdPairingFlow(t *testing.T) {
	d := &scriptedDialer{script: func(c *fakeClient) {
		c.emit(wa.ConnectionEvent{Phase: wa.PhaseConnecting})
		c.emit(wa.ConnectionEvent{QR: "CHALLENGE-1"})
	}}
	m, mem := newTestManager(t, d, testConfig())
	ctx := context.Background()

	qr, err := m.QRCode(ctx)
	if err != nil {
		t.Fatalf("qr code: %v", err)
	}
	if qr != "CHALLENGE-1" {
		t.Fatalf("got qr %q want CHALLENGE-1", qr)
	}

	// Operator scans; the handshake completes.
	client := d.lastClient()
	client.emit(wa.CredsEvent{})
	client.emit(wa.ConnectionEvent{Phase: wa.PhaseOpen, User: "1555000@s.whatsapp.net"})

	waitFor(t, time.Second, func() bool { return m.IsLikelyConnected(ctx) })

	// The open transition invalidates the challenge even though its own
	// TTL has not elapsed.
	waitFor(t, time.Second, func() bool { return m.qr.Current(ctx) == "" })

	if _, err := mem.Get(ctx, "wa:creds"); err != nil {
		t.Fatalf("expected credentials persisted after pairing: %v", err)
	}
	st := m.Status(ctx)
	if !st.IsConnected || st.User != "1555000@s.whatsapp.net" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestWarmSendSkipsHandshake(t *testing.T) {
	d := &scriptedDialer{script: openImmediately}
	m, _ := newTestManager(t, d, testConfig())
	ctx := context.Background()

	if _, err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	id, err := m.SendMessage(ctx, "group@g.us", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "MSG-1" {
		t.Fatalf("got message id %q", id)
	}
	if got := d.dialCount(); got != 1 {
		t.Fatalf("send re-ran the handshake: %d dials", got)
	}
	if got := countEvents(m.Logs(ctx), "socket_created"); got != 1 {
		t.Fatalf("expected one socket_created event, got %d", got)
	}
}

func TestStaleRecordFailsFast(t *testing.T) {
	d := &scriptedDialer{script: openImmediately}
	m, _ := newTestManager(t, d, testConfig())
	ctx := context.Background()

	// A record from two hours ago, still claiming connected.
	base := time.Now().Add(-2 * time.Hour)
	m.state.now = func() time.Time { return base }
	m.state.MarkOpen(ctx, "user")
	m.state.now = time.Now

	_, err := m.SendMessage(ctx, "group@g.us", "hi")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if got := d.dialCount(); got != 0 {
		t.Fatalf("stale send must not dial, got %d dials", got)
	}
}

func TestCorruptedCredentialsWipeDropsOldKeyTable(t *testing.T) {
	d := &scriptedDialer{script: openImmediately}
	m, mem := newTestManager(t, d, testConfig())
	ctx := context.Background()

	// Decodes but is missing every key, so it reads as corrupted.
	partial, err := json.Marshal(map[string]any{"registrationId": 123})
	if err != nil {
		t.Fatalf("marshal partial bundle: %v", err)
	}
	if err := mem.Set(ctx, "wa:creds", partial, 0); err != nil {
		t.Fatalf("seed creds: %v", err)
	}
	stale, err := json.Marshal(map[string]wire.Binary{
		"session:peer1": {0xde, 0xad},
	})
	if err != nil {
		t.Fatalf("marshal stale table: %v", err)
	}
	if err := mem.Set(ctx, "wa:keys", stale, 0); err != nil {
		t.Fatalf("seed key table: %v", err)
	}

	if _, err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, err := mem.Get(ctx, "wa:creds")
		return err == nil
	})

	// The wipe deleted the old peer records; the re-pair's first save
	// must not bring them back.
	raw, err := mem.Get(ctx, "wa:keys")
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("read key table: %v", err)
	}
	if err == nil {
		var records map[string]wire.Binary
		if err := json.Unmarshal(raw, &records); err != nil {
			t.Fatalf("decode key table: %v", err)
		}
		if _, ok := records["session:peer1"]; ok {
			t.Fatalf("stale peer record survived the wipe: %x", records["session:peer1"])
		}
	}
}

func TestTerminalCloseWipesSession(t *testing.T) {
	d := &scriptedDialer{script: openImmediately}
	m, mem := newTestManager(t, d, testConfig())
	ctx := context.Background()

	if _, err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, err := mem.Get(ctx, "wa:creds")
		return err == nil
	})

	d.lastClient().emit(wa.ConnectionEvent{
		Phase:  wa.PhaseClose,
		Code:   wa.CodeLoggedOut,
		Reason: "logged out",
	})

	waitFor(t, time.Second, func() bool {
		_, err := mem.Get(ctx, "wa:creds")
		return errors.Is(err, kv.ErrNotFound)
	})
	if m.IsLikelyConnected(ctx) {
		t.Fatalf("expected disconnected after logout")
	}
	waitFor(t, time.Second, func() bool { return m.cachedClient() == nil })
}

func TestTransientCloseDropsHandleKeepsCreds(t *testing.T) {
	d := &scriptedDialer{script: openImmediately}
	m, mem := newTestManager(t, d, testConfig())
	ctx := context.Background()

	if _, err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, err := mem.Get(ctx, "wa:creds")
		return err == nil
	})

	d.lastClient().emit(wa.ConnectionEvent{
		Phase:  wa.PhaseClose,
		Code:   wa.CodeRestartRequired,
		Reason: "restart required",
	})

	waitFor(t, time.Second, func() bool { return m.cachedClient() == nil })
	if _, err := mem.Get(ctx, "wa:creds"); err != nil {
		t.Fatalf("transient close must keep credentials: %v", err)
	}
	rec, ok := m.CurrentState(ctx)
	if !ok || rec.Connected || rec.DisconnectReason != "restart required" {
		t.Fatalf("unexpected record after transient close: %+v", rec)
	}
}

func TestHandshakeTimeoutLeavesConsistentState(t *testing.T) {
	d := &scriptedDialer{} // never emits open
	cfg := testConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	m, _ := newTestManager(t, d, cfg)
	ctx := context.Background()

	_, err := m.Connect(ctx)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	if m.IsLikelyConnected(ctx) {
		t.Fatalf("expected not connected after timeout")
	}
	rec, ok := m.CurrentState(ctx)
	if !ok || rec.Connected {
		t.Fatalf("expected a connecting-shaped record, got %+v ok=%v", rec, ok)
	}
}

func TestSendFailureDistinctFromNotConnected(t *testing.T) {
	d := &scriptedDialer{script: openImmediately}
	m, _ := newTestManager(t, d, testConfig())
	ctx := context.Background()

	if _, err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	d.lastClient().mu.Lock()
	d.lastClient().sendErr = errors.New("stream reset")
	d.lastClient().mu.Unlock()

	_, err := m.SendMessage(ctx, "group@g.us", "hi")
	if err == nil || errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected a transport send error distinct from ErrNotConnected, got %v", err)
	}
}

func TestClassifyClose(t *testing.T) {
	cases := []struct {
		code wa.DisconnectCode
		want closeClass
	}{
		{wa.CodeLoggedOut, closeTerminal},
		{wa.CodeTimedOut, closeTransient},
		{wa.CodeConnectionClosed, closeTransient},
		{wa.CodeRestartRequired, closeTransient},
		{wa.DisconnectCode(499), closeUnknown},
		{wa.DisconnectCode(0), closeUnknown},
	}
	for _, c := range cases {
		if got := classifyClose(c.code); got != c.want {
			t.Fatalf("classifyClose(%d): got %v want %v", c.code, got, c.want)
		}
	}
}
