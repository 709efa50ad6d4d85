package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/internal/eventloop"
)

var errServerClosed = errors.New("server closed")

type fakeConn struct {
	in     chan []byte
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	writes []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte), done: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, errServerClosed
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  error
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type harness struct {
	loop   *eventloop.Manual
	dialer *fakeDialer
	client *Client
	states []State
	casts  []Broadcast
	cmds   []Command
	blocks int
}

func newHarness(t *testing.T, cfg Config, credential string) *harness {
	t.Helper()
	h := &harness{
		loop:   eventloop.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		dialer: &fakeDialer{},
	}
	c, err := NewClient(cfg, h.loop, h.dialer, credential, Handlers{
		OnBroadcast:   func(b Broadcast) { h.casts = append(h.casts, b) },
		OnCommand:     func(c Command) { h.cmds = append(h.cmds, c) },
		OnBlocked:     func() { h.blocks++ },
		OnStateChange: func(s State) { h.states = append(h.states, s) },
	}, zap.NewNop())
	require.NoError(t, err)
	h.client = c
	return h
}

func (h *harness) open(t *testing.T) *fakeConn {
	t.Helper()
	h.client.Connect()
	h.loop.Drain()
	require.Equal(t, Open, h.client.State())
	return h.dialer.last()
}

// push delivers a frame through the reader goroutine and runs the loop until
// cond holds.
func (h *harness) push(t *testing.T, conn *fakeConn, frame string, cond func() bool) {
	t.Helper()
	conn.in <- []byte(frame)
	require.Eventually(t, func() bool {
		h.loop.Drain()
		return cond()
	}, time.Second, time.Millisecond)
}

func (h *harness) serverClose(t *testing.T, conn *fakeConn) {
	t.Helper()
	_ = conn.Close()
	require.Eventually(t, func() bool {
		h.loop.Drain()
		return h.client.State() != Open
	}, time.Second, time.Millisecond)
}

func TestClient_ConnectSendsAuthFrame(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "cred-1")
	conn := h.open(t)

	require.Len(t, conn.Writes(), 1)
	assert.JSONEq(t, `{"code":"cred-1"}`, conn.Writes()[0])
	assert.Equal(t, []State{Connecting, Open}, h.states)
}

func TestClient_AuthFrameCarriesTokenWhenSecretSet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuthSecret = "s3cret"
	h := newHarness(t, cfg, "cred-1")
	conn := h.open(t)

	var frame authFrame
	require.NoError(t, json.Unmarshal([]byte(conn.Writes()[0]), &frame))
	assert.Equal(t, "cred-1", frame.Code)

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(frame.Token, claims, func(*jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	}, jwt.WithTimeFunc(func() time.Time { return h.loop.Now() }))
	require.NoError(t, err)
	assert.Equal(t, "cred-1", claims.Subject)
}

func TestClient_ConnectIsNoopWithoutCredentialOrWhenActive(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "")
	h.client.Connect()
	h.loop.Drain()
	assert.Equal(t, Disconnected, h.client.State())
	assert.Equal(t, 0, h.dialer.dialCount())

	h = newHarness(t, DefaultConfig(), "cred")
	h.client.Connect()
	h.client.Connect()
	h.loop.Drain()
	h.client.Connect()
	h.loop.Drain()
	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestClient_HeartbeatAndPong(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "cred")
	conn := h.open(t)

	h.loop.Advance(30 * time.Second)
	require.Len(t, conn.Writes(), 2)
	assert.JSONEq(t, `{"type":"ping"}`, conn.Writes()[1])

	h.push(t, conn, `{"type":"pong"}`, func() bool { return h.client.pong == nil })

	h.loop.Advance(15 * time.Second)
	assert.Equal(t, Open, h.client.State(), "answered ping keeps the channel open")
}

func TestClient_PongTimeoutClosesAndReconnects(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "cred")
	conn := h.open(t)

	h.loop.Advance(30 * time.Second)
	h.loop.Advance(10 * time.Second)
	assert.Equal(t, Disconnected, h.client.State())
	assert.True(t, h.client.Reconnecting())
	require.Eventually(t, conn.isClosed, time.Second, time.Millisecond)

	h.loop.Advance(5 * time.Second)
	assert.Equal(t, Open, h.client.State())
	assert.Equal(t, 2, h.dialer.dialCount())
}

func TestClient_ServerCloseReconnectsAfterFlatDelay(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "cred")
	conn := h.open(t)

	h.serverClose(t, conn)
	assert.Equal(t, Disconnected, h.client.State())

	h.loop.Advance(4 * time.Second)
	assert.Equal(t, 1, h.dialer.dialCount())
	h.loop.Advance(time.Second)
	assert.Equal(t, 2, h.dialer.dialCount())
	assert.Equal(t, Open, h.client.State())
}

func TestClient_BlockedIsTerminal(t *testing.T) {
	for _, frame := range []string{"blocked", `{"type":"blocked"}`, `{"status":"blocked"}`} {
		t.Run(frame, func(t *testing.T) {
			h := newHarness(t, DefaultConfig(), "cred")
			conn := h.open(t)

			h.push(t, conn, frame, func() bool { return h.client.State() == Blocked })
			assert.Equal(t, 1, h.blocks)
			assert.Equal(t, 0, h.loop.ActiveTimers())

			h.loop.Advance(time.Minute)
			h.client.Connect()
			h.loop.Drain()
			assert.Equal(t, Blocked, h.client.State())
			assert.Equal(t, 1, h.dialer.dialCount())
		})
	}
}

func TestClient_DisconnectIsIntentional(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "cred")
	conn := h.open(t)

	h.client.Disconnect()
	assert.Equal(t, Disconnected, h.client.State())
	assert.Equal(t, 0, h.loop.ActiveTimers())
	require.Eventually(t, func() bool {
		h.loop.Drain()
		return conn.isClosed()
	}, time.Second, time.Millisecond)

	h.loop.Advance(time.Minute)
	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestClient_DeliversBroadcastsAndCommands(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "cred")
	conn := h.open(t)

	h.push(t, conn, `{"link":"https://x.test/a/b/REF/KEY1234","gr":"g1","co":"AB12","cap":"c-1"}`,
		func() bool { return len(h.casts) == 1 })
	assert.Equal(t, Broadcast{Link: "https://x.test/a/b/REF/KEY1234", Group: "g1", Solution: "AB12", ChallengeID: "c-1"}, h.casts[0])

	h.push(t, conn, "4911", func() bool { return len(h.cmds) == 1 })
	assert.Equal(t, Command{Code: "4911", Category: "491", Subcategory: "1"}, h.cmds[0])

	h.push(t, conn, "99999", func() bool { return true })
	h.push(t, conn, `{"weird":true}`, func() bool { return true })
	assert.Len(t, h.cmds, 1)
	assert.Len(t, h.casts, 1)
}

func TestClient_StaleGenerationEventsIgnored(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "cred")
	h.open(t)
	oldGen := h.client.gen

	h.client.Dispatch(Event{Kind: EventClose, Gen: oldGen - 1})
	assert.Equal(t, Open, h.client.State())

	stale := newFakeConn()
	h.client.Dispatch(Event{Kind: EventOpen, Gen: oldGen + 5, Conn: stale})
	assert.True(t, stale.isClosed())
}

func TestClient_DialFailureUsesBackoffAndGivesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconnect = ReconnectConfig{Policy: "backoff", InitialInterval: time.Second, MaxInterval: 4 * time.Second, Multiplier: 2, MaxAttempts: 3}
	h := newHarness(t, cfg, "cred")
	h.dialer.fail = errors.New("refused")

	h.client.Connect()
	h.loop.Drain()
	for i := 0; i < 10; i++ {
		h.loop.Advance(10 * time.Second)
	}
	assert.Equal(t, 4, h.dialer.dialCount(), "initial dial plus three retries")
	assert.True(t, h.client.Exhausted())
	assert.Equal(t, 0, h.loop.ActiveTimers())
	assert.Equal(t, Disconnected, h.states[len(h.states)-1], "observers are told reconnection stopped")
}

func TestReconnectPolicies(t *testing.T) {
	flat, err := NewReconnectPolicy(ReconnectConfig{Policy: "flat", Delay: 5 * time.Second, MaxAttempts: 2})
	require.NoError(t, err)
	d, ok := flat.Next()
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
	_, ok = flat.Next()
	assert.True(t, ok)
	_, ok = flat.Next()
	assert.False(t, ok)
	flat.Reset()
	_, ok = flat.Next()
	assert.True(t, ok)

	_, err = NewReconnectPolicy(ReconnectConfig{Policy: "nope"})
	assert.Error(t, err)
}

func TestBackoffPolicy_CapsDelayAndAttempts(t *testing.T) {
	p, err := NewReconnectPolicy(ReconnectConfig{Policy: "backoff", InitialInterval: time.Second, MaxInterval: 3 * time.Second, Multiplier: 2})
	require.NoError(t, err)

	allowed := 0
	for i := 0; i < 1000; i++ {
		d, ok := p.Next()
		if !ok {
			break
		}
		allowed++
		assert.LessOrEqual(t, d, 3*time.Second, "delay never exceeds MaxInterval")
		assert.Greater(t, d, time.Duration(0))
	}
	assert.Equal(t, DefaultBackoffAttempts, allowed, "unset max_attempts falls back to a finite cap")

	_, ok := p.Next()
	assert.False(t, ok, "exhausted policy stays stopped")

	p.Reset()
	_, ok = p.Next()
	assert.True(t, ok)
}

func TestBackoffPolicy_ExplicitAttempts(t *testing.T) {
	p := NewBackoffPolicy(ReconnectConfig{MaxAttempts: 2, MaxInterval: 100 * time.Millisecond})
	for i := 0; i < 2; i++ {
		d, ok := p.Next()
		require.True(t, ok)
		assert.LessOrEqual(t, d, 100*time.Millisecond)
	}
	_, ok := p.Next()
	assert.False(t, ok)
}

func TestParseMessage(t *testing.T) {
	vocab := DefaultVocabulary()
	cases := []struct {
		in   string
		kind MessageKind
	}{
		{"blocked", KindBlocked},
		{" blocked\n", KindBlocked},
		{`{"type":"pong"}`, KindPong},
		{`{"status":"blocked"}`, KindBlocked},
		{`{"link":"l","gr":"g"}`, KindBroadcast},
		{"46111", KindCommand},
		{"{not json", KindUnknown},
		{`{"gr":"g"}`, KindUnknown},
		{"hello", KindUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, ParseMessage([]byte(tc.in), vocab).Kind, tc.in)
	}
}
