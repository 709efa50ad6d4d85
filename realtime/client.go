package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/internal/eventloop"
	"github.com/BaSui01/formrelay/internal/metrics"
)

// State is the channel connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	// Blocked is terminal for the lifetime of the client.
	Blocked
)

var stateNames = []string{"disconnected", "connecting", "open", "blocked"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// EventKind identifies an external channel event.
type EventKind int

const (
	EventOpen EventKind = iota
	EventMessage
	EventClose
	EventError
)

// Event is delivered to Client.Dispatch. Gen is the connection generation the
// event belongs to; events from an older generation are ignored.
type Event struct {
	Kind EventKind
	Gen  uint64
	Conn Conn
	Data []byte
	Err  error
}

// Config configures a Client.
type Config struct {
	URL               string          `yaml:"url" json:"url" env:"URL"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	PongTimeout       time.Duration   `yaml:"pong_timeout" json:"pong_timeout"`
	WriteTimeout      time.Duration   `yaml:"write_timeout" json:"write_timeout"`
	Reconnect         ReconnectConfig `yaml:"reconnect" json:"reconnect"`
	// AuthSecret enables the signed token in the auth frame.
	AuthSecret string        `yaml:"auth_secret" json:"-" env:"AUTH_SECRET"`
	TokenTTL   time.Duration `yaml:"token_ttl" json:"token_ttl"`
	Commands   Vocabulary    `yaml:"commands" json:"commands"`
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		PongTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		Reconnect:         DefaultReconnectConfig(),
		TokenTTL:          5 * time.Minute,
		Commands:          DefaultVocabulary(),
	}
}

// Handlers receive client callbacks on the loop. Any field may be nil.
type Handlers struct {
	OnOpen        func()
	OnBroadcast   func(Broadcast)
	OnCommand     func(Command)
	OnBlocked     func()
	OnStateChange func(State)
}

// Client is the reconnecting realtime channel. All methods must be called on
// the event loop.
type Client struct {
	cfg        Config
	loop       eventloop.Loop
	dialer     Dialer
	policy     ReconnectPolicy
	credential string
	handlers   Handlers
	metrics    *metrics.Collector
	logger     *zap.Logger

	state       State
	gen         uint64
	conn        Conn
	intentional bool
	exhausted   bool

	heartbeat eventloop.Timer
	pong      eventloop.Timer
	reconnect eventloop.Timer
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithPolicy overrides the reconnect policy built from the config.
func WithPolicy(p ReconnectPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// NewClient creates a disconnected client. An empty credential makes Connect a
// no-op.
func NewClient(cfg Config, loop eventloop.Loop, dialer Dialer, credential string, handlers Handlers, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Commands == nil {
		cfg.Commands = def.Commands
	}
	c := &Client{
		cfg:        cfg,
		loop:       loop,
		dialer:     dialer,
		credential: credential,
		handlers:   handlers,
		logger:     logger.With(zap.String("component", "realtime")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy == nil {
		p, err := NewReconnectPolicy(cfg.Reconnect)
		if err != nil {
			return nil, err
		}
		c.policy = p
	}
	return c, nil
}

// State returns the current state.
func (c *Client) State() State { return c.state }

// Connected reports whether the channel is open.
func (c *Client) Connected() bool { return c.state == Open }

// Reconnecting reports whether a reconnect is scheduled.
func (c *Client) Reconnecting() bool { return c.reconnect != nil && c.state == Disconnected }

// Connect starts a connection attempt.
func (c *Client) Connect() {
	switch c.state {
	case Connecting, Open, Blocked:
		return
	}
	if c.credential == "" {
		return
	}
	eventloop.StopTimer(c.reconnect)
	c.reconnect = nil
	c.intentional = false
	c.gen++
	gen := c.gen
	c.setState(Connecting)

	var conn Conn
	c.loop.Go(func(ctx context.Context) error {
		var err error
		conn, err = c.dialer.Dial(ctx, c.cfg.URL)
		return err
	}, func(err error) {
		if err != nil {
			c.Dispatch(Event{Kind: EventError, Gen: gen, Err: err})
			c.Dispatch(Event{Kind: EventClose, Gen: gen, Err: err})
			return
		}
		c.Dispatch(Event{Kind: EventOpen, Gen: gen, Conn: conn})
	})
}

// Disconnect closes the channel without scheduling a reconnect.
func (c *Client) Disconnect() {
	c.intentional = true
	c.clearTimers()
	c.closeConn()
	if c.state != Blocked {
		c.setState(Disconnected)
	}
}

// Dispatch is the single entry point for channel events.
func (c *Client) Dispatch(ev Event) {
	if ev.Gen != c.gen {
		if ev.Kind == EventOpen && ev.Conn != nil {
			_ = ev.Conn.Close()
		}
		return
	}
	switch ev.Kind {
	case EventOpen:
		c.handleOpen(ev.Conn)
	case EventMessage:
		c.handleMessage(ev.Data)
	case EventClose:
		c.handleClose(ev.Err)
	case EventError:
		c.logger.Warn("channel error", zap.Error(ev.Err))
	}
}

func (c *Client) handleOpen(conn Conn) {
	if c.state != Connecting {
		_ = conn.Close()
		return
	}
	c.conn = conn
	gen := c.gen

	frame := authFrame{Code: c.credential}
	if c.cfg.AuthSecret != "" {
		token, err := signToken(c.cfg.AuthSecret, c.credential, c.loop.Now(), c.cfg.TokenTTL)
		if err != nil {
			c.logger.Error("sign auth token failed", zap.Error(err))
		} else {
			frame.Token = token
		}
	}
	payload, _ := json.Marshal(frame)
	c.send(payload)

	c.setState(Open)
	c.policy.Reset()
	c.exhausted = false
	c.startHeartbeat()
	c.startReader(conn, gen)
	if c.handlers.OnOpen != nil {
		c.handlers.OnOpen()
	}
}

// startReader pumps frames from conn onto the loop until the connection ends.
func (c *Client) startReader(conn Conn, gen uint64) {
	loop := c.loop
	go func() {
		for {
			data, err := conn.Read(context.Background())
			if err != nil {
				loop.Post(func() { c.Dispatch(Event{Kind: EventClose, Gen: gen, Err: err}) })
				return
			}
			loop.Post(func() { c.Dispatch(Event{Kind: EventMessage, Gen: gen, Data: data}) })
		}
	}()
}

func (c *Client) handleMessage(data []byte) {
	msg := ParseMessage(data, c.cfg.Commands)
	c.metrics.RecordChannelMessage(string(msg.Kind))

	switch msg.Kind {
	case KindPong:
		eventloop.StopTimer(c.pong)
		c.pong = nil
	case KindBlocked:
		c.logger.Warn("channel blocked by server")
		c.clearTimers()
		c.setState(Blocked)
		c.closeConn()
		if c.handlers.OnBlocked != nil {
			c.handlers.OnBlocked()
		}
	case KindBroadcast:
		if c.handlers.OnBroadcast != nil {
			c.handlers.OnBroadcast(*msg.Broadcast)
		}
	case KindCommand:
		if c.handlers.OnCommand != nil {
			c.handlers.OnCommand(*msg.Command)
		}
	default:
		c.logger.Debug("dropping unrecognised frame", zap.String("raw", msg.Raw))
	}
}

func (c *Client) handleClose(cause error) {
	if c.state != Connecting && c.state != Open {
		return
	}
	c.clearTimers()
	c.conn = nil
	c.setState(Disconnected)
	if cause != nil {
		c.logger.Info("channel closed", zap.Error(cause))
	}
	if c.intentional {
		return
	}

	delay, ok := c.policy.Next()
	if !ok {
		c.exhausted = true
		c.logger.Warn("reconnect attempts exhausted")
		if c.handlers.OnStateChange != nil {
			c.handlers.OnStateChange(c.state)
		}
		return
	}
	c.metrics.RecordReconnect()
	c.reconnect = c.loop.AfterFunc(delay, func() {
		c.reconnect = nil
		c.Connect()
	})
	// 通知观察者进入重连状态
	if c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(c.state)
	}
}

// Exhausted reports whether reconnection stopped permanently.
func (c *Client) Exhausted() bool { return c.exhausted }

func (c *Client) startHeartbeat() {
	eventloop.StopTimer(c.heartbeat)
	c.heartbeat = c.loop.Every(c.cfg.HeartbeatInterval, func() {
		if c.state != Open {
			return
		}
		c.send(pingFrame)
		eventloop.StopTimer(c.pong)
		gen := c.gen
		c.pong = c.loop.AfterFunc(c.cfg.PongTimeout, func() {
			c.pong = nil
			if gen != c.gen {
				return
			}
			c.logger.Warn("pong timeout, closing channel")
			conn := c.conn
			c.handleClose(errPongTimeout)
			if conn != nil {
				c.closeDetached(conn)
			}
		})
	})
}

var errPongTimeout = errors.New("pong timeout")

func (c *Client) send(payload []byte) {
	conn := c.conn
	if conn == nil {
		return
	}
	timeout := c.cfg.WriteTimeout
	c.loop.Go(func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return conn.Write(wctx, payload)
	}, func(err error) {
		if err != nil {
			c.logger.Debug("channel write failed", zap.Error(err))
		}
	})
}

func (c *Client) closeConn() {
	conn := c.conn
	c.conn = nil
	if conn != nil {
		c.closeDetached(conn)
	}
}

func (c *Client) closeDetached(conn Conn) {
	c.loop.Go(func(context.Context) error { return conn.Close() }, func(error) {})
}

func (c *Client) clearTimers() {
	eventloop.StopTimer(c.heartbeat)
	eventloop.StopTimer(c.pong)
	eventloop.StopTimer(c.reconnect)
	c.heartbeat, c.pong, c.reconnect = nil, nil, nil
}

func (c *Client) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.metrics.RecordChannelState(s.String(), stateNames)
	if c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(s)
	}
}
