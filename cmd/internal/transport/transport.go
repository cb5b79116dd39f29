// Package transport owns the one long-lived duplex connection to the Connex
// server. Physical reconnects are hidden behind a stable API: consumers see a
// frame stream, a send operation, and connection-state notifications.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	v1 "connex/shared/contracts/chat/v1"
)

// Tunables; zero Config fields fall back to these.
const (
	defaultBackoffBase = 1 * time.Second
	defaultBackoffCap  = 30 * time.Second
	backoffFactor      = 2
	backoffJitter      = 0.2 // +-20%

	defaultWriteTimeout     = 5 * time.Second
	defaultReadIdleTimeout  = 2 * time.Minute
	defaultHandshakeTimeout = 10 * time.Second

	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3

	defaultFrameQueueSize = 256
	stateQueueSize        = 16

	// Max bytes per inbound frame (hard limit).
	maxFrameBytes = 64 << 10
)

// State is a connection-state notification value.
type State string

// Connection states.
const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Errors.
var (
	// ErrNotConnected is returned by Send when no connection is currently
	// established. Queueing and retry live at a higher layer.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrShutdown is returned once Shutdown has been requested.
	ErrShutdown = errors.New("transport: shut down")
)

// Config carries the transport knobs.
type Config struct {
	URL   string
	Token string

	WriteTimeout     time.Duration
	ReadIdleTimeout  time.Duration
	HandshakeTimeout time.Duration

	BackoffBase time.Duration
	BackoffCap  time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	FrameQueueSize int
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdleTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = defaultBackoffCap
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.FrameQueueSize <= 0 {
		c.FrameQueueSize = defaultFrameQueueSize
	}
	return c
}

// Conn is one established, handshaken connection. The websocket
// implementation lives in ws.go; tests inject fakes through Dialer.
type Conn interface {
	// Read returns the next raw frame. Framing errors end the connection;
	// payload decode errors are the transport's to classify.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer establishes and handshakes one connection.
type Dialer func(ctx context.Context, cfg Config) (Conn, error)

// Transport maintains exactly one logical connection and reconnects with
// capped exponential backoff until Shutdown.
type Transport struct {
	log     *slog.Logger
	cfg     Config
	dial    Dialer
	metrics *Metrics

	frames chan v1.Envelope
	states chan State

	mu      sync.Mutex
	conn    Conn
	state   State
	running bool

	done      chan struct{}
	closeOnce sync.Once
}

// New constructs a Transport that dials over websocket.
func New(cfg Config, log *slog.Logger, m *Metrics) *Transport {
	return NewWithDialer(cfg, log, m, websocketDialer)
}

// NewWithDialer constructs a Transport with an injected dialer (tests).
func NewWithDialer(cfg Config, log *slog.Logger, m *Metrics, dial Dialer) *Transport {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cfg = cfg.withDefaults()

	return &Transport{
		log:     log,
		cfg:     cfg,
		dial:    dial,
		metrics: m,
		frames:  make(chan v1.Envelope, cfg.FrameQueueSize),
		states:  make(chan State, stateQueueSize),
		state:   StateDisconnected,
		done:    make(chan struct{}),
	}
}

// Frames returns the inbound frame stream. It is closed only when the
// transport shuts down, never on reconnects.
func (t *Transport) Frames() <-chan v1.Envelope { return t.frames }

// States returns connection-state notifications.
func (t *Transport) States() <-chan State { return t.states }

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect starts the connection loop in the background. Idempotent: a second
// call while running is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	select {
	case <-t.done:
		return ErrShutdown
	default:
	}

	t.mu.Lock()
	already := t.running
	t.running = already || true
	t.mu.Unlock()

	if already {
		return nil
	}
	go func() { _ = t.run(ctx) }()
	return nil
}

// Run drives the connection loop until ctx is done or Shutdown is called.
// It is the blocking alternative to Connect for supervised runtimes.
func (t *Transport) Run(ctx context.Context) error {
	t.mu.Lock()
	already := t.running
	t.running = true
	t.mu.Unlock()

	if already {
		<-t.done
		return nil
	}
	return t.run(ctx)
}

// Send enqueues one frame for transmission. Fails fast with ErrNotConnected
// when no connection is established; the sync engine owns queue/retry policy.
func (t *Transport) Send(ctx context.Context, env v1.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, data)
}

// Shutdown stops the transport (idempotent). The frame stream closes once the
// connection loop has wound down.
func (t *Transport) Shutdown() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// ---- connection loop ----

func (t *Transport) run(ctx context.Context) error {
	defer func() {
		t.setState(StateDisconnected)
		close(t.frames)
		close(t.states)
	}()

	backoff := t.cfg.BackoffBase
	attempt := 0

	for {
		if t.stopped(ctx) {
			return nil
		}

		t.setState(StateConnecting)
		if attempt > 0 {
			t.metrics.incReconnects()
		}
		attempt++

		dctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
		conn, err := t.dial(dctx, t.cfg)
		cancel()

		if err != nil {
			t.metrics.incDialFailures()
			t.log.Info("transport.dial.fail", "attempt", attempt, "backoff", backoff.String(), "err", err)
			t.setState(StateDisconnected)

			if !t.sleep(ctx, withJitter(backoff)) {
				return nil
			}
			backoff = nextBackoff(backoff, t.cfg.BackoffCap)
			continue
		}

		// Each successful connect resets the backoff to base.
		backoff = t.cfg.BackoffBase
		t.setConn(conn)
		t.setState(StateConnected)
		t.log.Info("transport.connected", "url", t.cfg.URL)

		t.serveConn(ctx, conn)

		t.setConn(nil)
		_ = conn.Close()
		t.setState(StateDisconnected)
		t.log.Info("transport.disconnected")
	}
}

// serveConn pumps inbound frames and heartbeats until the connection fails or
// shutdown is requested.
func (t *Transport) serveConn(ctx context.Context, conn Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		t.heartbeat(connCtx, conn)
	}()

	for {
		if t.stopped(ctx) {
			break
		}

		readCtx, readCancel := context.WithTimeout(connCtx, t.cfg.ReadIdleTimeout)
		data, err := conn.Read(readCtx)
		readCancel()

		if err != nil {
			t.log.Info("transport.read.fail", "err", err)
			break
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// A single malformed frame is logged and dropped; it does not
			// tear the connection down.
			t.metrics.incDecodeErrors()
			t.log.Info("transport.frame.decode.fail", "err", err)
			continue
		}

		t.metrics.incFrames()

		select {
		case <-connCtx.Done():
			break
		case <-t.done:
			break
		case t.frames <- env:
			continue
		}
		break
	}

	cancel()
	<-hbDone
}

func (t *Transport) heartbeat(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, t.cfg.HeartbeatTimeout)
			err := conn.Ping(pctx)
			cancel()

			if err != nil {
				failures++
				t.log.Info("transport.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					// Break the blocked read; run() reconnects.
					_ = conn.Close()
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// ---- helpers ----

func (t *Transport) setConn(c Conn) {
	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()

	t.metrics.setState(s)

	select {
	case t.states <- s:
	default:
		// Drop rather than block the connection loop; State() always has
		// the current value.
		t.log.Debug("transport.state.notify.drop", "state", string(s))
	}
}

func (t *Transport) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Transport) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.done:
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(cur, cap time.Duration) time.Duration {
	next := cur * backoffFactor
	if next > cap {
		return cap
	}
	return next
}

// withJitter spreads a delay by +-backoffJitter to avoid thundering herds.
func withJitter(d time.Duration) time.Duration {
	f := 1 - backoffJitter + 2*backoffJitter*rand.Float64()
	return time.Duration(float64(d) * f)
}
