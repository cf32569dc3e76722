package engicom

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	UserID        string
	Token         string
	AutoReconnect bool
	// MaxReconnectAttempts defaults to 10; negative retries forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// ReadLimit caps the size of one inbound frame in bytes.
	ReadLimit  int64
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
}

// RealtimeState represents the connection state. A dropped connection goes
// back to connecting while reconnect attempts run.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
)

// ReconnectAttempt describes one scheduled reconnect.
type ReconnectAttempt struct {
	Attempt int
	Delay   time.Duration
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential backoff with up to 50% jitter. A connection that
// stayed up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		// Only the first delay after a long-lived connection starts over.
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the session's single push connection: a WebSocket with
// heartbeat and auto-reconnect. It only moves frames; routing them is the
// Router's job.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig
	log     *zap.Logger
	recon   *reconnector

	envelopes    emitter[Envelope]
	connected    emitter[bool]
	disconnected emitter[error]
	reconnecting emitter[ReconnectAttempt]

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	life             context.Context
	cancel           context.CancelFunc
}

// NewRealtimeClient creates a client for the push endpoint under baseURL.
// Call Connect to establish the connection.
func NewRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		log:     cfg.Logger.Named("realtime"),
		recon:   newReconnector(&cfg),
		state:   StateDisconnected,
	}
}

// Realtime creates a push client that shares the REST client's base URL and token.
func (c *Client) Realtime(userID string, config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.UserID = userID
	if cfg.Token == "" {
		cfg.Token = c.Token()
	}
	if cfg.Logger == nil {
		cfg.Logger = c.log
	}
	return NewRealtimeClient(c.baseURL, &cfg)
}

// OnEnvelope registers a handler for every inbound frame. Handlers run on
// the read goroutine in arrival order.
func (ws *RealtimeClient) OnEnvelope(h func(Envelope)) { ws.envelopes.on(h) }

// OnConnected registers a handler called after each successful connect.
// reconnect is true when the connection was re-established after a drop.
func (ws *RealtimeClient) OnConnected(h func(reconnect bool)) { ws.connected.on(h) }

// OnDisconnected registers a handler for connection loss. err is nil after Disconnect.
func (ws *RealtimeClient) OnDisconnected(h func(err error)) { ws.disconnected.on(h) }

// OnReconnecting registers a handler called before each reconnect attempt.
func (ws *RealtimeClient) OnReconnecting(h func(ReconnectAttempt)) { ws.reconnecting.on(h) }

// State returns the current connection state.
func (ws *RealtimeClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *RealtimeClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

// URL returns the WebSocket endpoint for the configured identity.
func (ws *RealtimeClient) URL() string {
	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	q := url.Values{}
	q.Set("userId", ws.config.UserID)
	if ws.config.Token != "" {
		q.Set("token", ws.config.Token)
	}
	return wsURL + "/ws?" + q.Encode()
}

// Connect establishes the WebSocket connection. ctx bounds the dial only;
// the connection lives until Disconnect.
func (ws *RealtimeClient) Connect(ctx context.Context) error {
	if ws.config.UserID == "" {
		return validationError("realtime connect requires a user id")
	}

	ws.mu.Lock()
	if ws.state != StateDisconnected {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	if ws.life == nil {
		ws.life, ws.cancel = context.WithCancel(context.Background())
	}
	ws.mu.Unlock()

	ws.recon.reset()
	if err := ws.dial(ctx, false); err != nil {
		ws.setState(StateDisconnected)
		return err
	}
	return nil
}

func (ws *RealtimeClient) dial(ctx context.Context, reconnect bool) error {
	conn, _, err := websocket.Dial(ctx, ws.URL(), &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		return fmt.Errorf("%w: websocket dial: %w", ErrNetwork, err)
	}
	conn.SetReadLimit(ws.config.ReadLimit)

	ws.mu.Lock()
	if ws.intentionalClose || ws.life == nil {
		ws.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		return ErrNotConnected
	}
	ws.conn = conn
	ws.state = StateConnected
	life := ws.life
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.log.Info("realtime connected", zap.String("user_id", ws.config.UserID), zap.Bool("reconnect", reconnect))

	go ws.readLoop(life, conn)
	go ws.heartbeatLoop(life, conn)

	ws.connected.emit(reconnect)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (ws *RealtimeClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	cancel := ws.cancel
	ws.cancel, ws.life = nil, nil
	conn := ws.conn
	ws.conn = nil
	was := ws.state
	ws.state = StateDisconnected
	ws.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	if was != StateDisconnected {
		ws.disconnected.emit(nil)
	}
	return err
}

// Send writes a command frame. It fails with ErrNotConnected while there is
// no live connection; nothing is buffered.
func (ws *RealtimeClient) Send(ctx context.Context, cmd *Command) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			current := ws.conn == conn
			if current {
				ws.conn = nil
				ws.state = StateDisconnected
			}
			ws.mu.Unlock()
			if intentional || !current {
				return
			}

			ws.log.Warn("realtime connection lost", zap.Error(err))
			ws.disconnected.emit(err)

			if ws.config.AutoReconnect {
				ws.reconnectLoop(ctx)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ws.log.Warn("dropping undecodable frame", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		ws.envelopes.emit(env)
	}
}

func (ws *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			current := ws.conn == conn
			ws.mu.Unlock()
			if !current {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				ws.log.Warn("heartbeat failed, closing connection", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *RealtimeClient) reconnectLoop(ctx context.Context) {
	for ws.recon.shouldReconnect() {
		delay := ws.recon.nextDelay()
		ws.setState(StateConnecting)
		ws.config.Metrics.Reconnects.Inc()
		ws.reconnecting.emit(ReconnectAttempt{Attempt: ws.recon.attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := ws.dial(ctx, true)
		if err == nil {
			return
		}
		ws.log.Debug("reconnect attempt failed", zap.Int("attempt", ws.recon.attempt), zap.Error(err))
	}

	ws.log.Warn("giving up on realtime connection", zap.Int("attempts", ws.recon.attempt))
	ws.mu.Lock()
	if ws.conn == nil {
		ws.state = StateDisconnected
	}
	ws.mu.Unlock()
}
