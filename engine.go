package engicom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ============================================================================
// Engine
// ============================================================================

// EngineOptions configures an Engine. Zero values take defaults.
type EngineOptions struct {
	// StaleAfter is the cache's fetch-on-read window. Default 5s.
	StaleAfter time.Duration
	// PendingTTL bounds how long an unconfirmed send stays visible. Default 2m.
	PendingTTL time.Duration
	// SweepInterval is how often dangling pending messages are collected. Default 30s.
	SweepInterval    time.Duration
	MaxContentLength int
	MaxAttachments   int
	// Realtime overrides the push transport settings. UserID and Token are
	// filled in on Login.
	Realtime   *RealtimeConfig
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

func (o *EngineOptions) defaults() {
	if o.StaleAfter == 0 {
		o.StaleAfter = 5 * time.Second
	}
	if o.PendingTTL == 0 {
		o.PendingTTL = 2 * time.Minute
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.Realtime == nil {
		o.Realtime = &RealtimeConfig{AutoReconnect: true}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Engine wires the sync components into one session: the cache, presence,
// notifications, the optimistic pipeline and the push router, plus the
// realtime connection that feeds them.
type Engine struct {
	client *Client
	opts   EngineOptions
	log    *zap.Logger

	Metrics       *Metrics
	View          *ViewState
	Cache         *Cache
	Presence      *PresenceTracker
	Notifications *NotificationDispatcher
	Router        *Router
	Pipeline      *Pipeline

	mu        sync.Mutex
	userID    string
	rt        *RealtimeClient
	stopSweep context.CancelFunc
	sweepDone chan struct{}
}

// NewEngine builds an engine on top of a REST client. Nothing connects until Login.
func NewEngine(client *Client, opts *EngineOptions) (*Engine, error) {
	if client == nil {
		return nil, errors.New("engicom: nil client")
	}
	var o EngineOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()

	e := &Engine{
		client:  client,
		opts:    o,
		log:     o.Logger,
		Metrics: NewMetrics(o.Registerer),
		View:    &ViewState{},
	}
	e.Cache = NewCache(client.Chats, client.Messages, &CacheOptions{
		StaleAfter: o.StaleAfter,
		PendingTTL: o.PendingTTL,
		Logger:     o.Logger,
		Metrics:    e.Metrics,
	})
	e.Presence = NewPresenceTracker(e.Metrics)
	e.Notifications = NewNotificationDispatcher(client.Notifications, e.View, &DispatcherOptions{
		Logger:  o.Logger,
		Metrics: e.Metrics,
	})
	e.Router = NewRouter(e.Cache, e.Presence, e.Notifications, e.View, &RouterOptions{
		Self:    e.Self,
		Logger:  o.Logger,
		Metrics: e.Metrics,
	})
	e.Pipeline = NewPipeline(e.Cache, client.Messages, e.Router, &PipelineOptions{
		Self:             e.Self,
		MaxContentLength: o.MaxContentLength,
		MaxAttachments:   o.MaxAttachments,
		Logger:           o.Logger,
		Metrics:          e.Metrics,
	})
	return e, nil
}

// Self returns the logged-in user id, or "".
func (e *Engine) Self() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// Realtime returns the current push connection, or nil when logged out.
func (e *Engine) Realtime() *RealtimeClient {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rt
}

// Login starts a session for the identity carried by token. The push
// connection is opened only once that identity is known. Logging in again
// as the same user refreshes the token and reconnects if needed; a different
// user tears the previous session down first. A failed connect leaves the
// session logged in so REST reads keep working.
func (e *Engine) Login(ctx context.Context, token string) error {
	userID, err := IdentityFromToken(token)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.userID == userID && e.rt != nil {
		rt := e.rt
		e.mu.Unlock()
		e.client.SetToken(token)
		if rt.State() == StateDisconnected {
			return rt.Connect(ctx)
		}
		return nil
	}
	switching := e.userID != ""
	e.mu.Unlock()

	if switching {
		e.Logout()
	}

	e.client.SetToken(token)
	rtCfg := *e.opts.Realtime
	rtCfg.Token = token
	rtCfg.Logger = e.log
	rtCfg.Metrics = e.Metrics
	rt := e.client.Realtime(userID, &rtCfg)
	rt.OnEnvelope(func(env Envelope) {
		if err := e.Router.Handle(env); err != nil {
			e.log.Warn("push event rejected", zap.String("type", string(env.Type)), zap.Error(err))
		}
	})
	rt.OnConnected(func(reconnect bool) {
		e.Router.HandleConnected(context.Background(), reconnect)
	})

	e.mu.Lock()
	e.userID = userID
	e.rt = rt
	e.mu.Unlock()
	e.Router.Attach(rt)
	e.startSweeper()

	e.log.Info("session started", zap.String("user_id", userID))

	if err := e.Notifications.Load(ctx); err != nil {
		e.log.Warn("initial notification load failed", zap.Error(err))
	}
	if err := rt.Connect(ctx); err != nil {
		return fmt.Errorf("realtime connect: %w", err)
	}
	return nil
}

// Logout closes the push connection and forgets all session state.
func (e *Engine) Logout() {
	e.mu.Lock()
	rt := e.rt
	userID := e.userID
	e.rt = nil
	e.userID = ""
	e.mu.Unlock()

	e.Router.Attach(nil)
	if rt != nil {
		if err := rt.Disconnect(); err != nil {
			e.log.Debug("realtime close", zap.Error(err))
		}
	}
	e.stopSweeper()

	e.client.SetToken("")
	e.Cache.Clear()
	e.Presence.Clear()
	e.Notifications.Clear()
	e.View.Reset()
	e.Pipeline.Drafts.reset()

	if userID != "" {
		e.log.Info("session ended", zap.String("user_id", userID))
	}
}

func (e *Engine) startSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	e.mu.Lock()
	e.stopSweep = cancel
	e.sweepDone = done
	e.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := e.Cache.Sweep(e.opts.PendingTTL); n > 0 {
					e.log.Info("swept dangling pending messages", zap.Int("count", n))
				}
			}
		}
	}()
}

func (e *Engine) stopSweeper() {
	e.mu.Lock()
	cancel, done := e.stopSweep, e.sweepDone
	e.stopSweep, e.sweepDone = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// ============================================================================
// Identity
// ============================================================================

// IdentityFromToken extracts the user id from a JWT without verifying its
// signature; the server verifies it on every request. The id is read from
// the "id", "userId" or "sub" claim, in that order.
func IdentityFromToken(token string) (string, error) {
	if token == "" {
		return "", validationError("empty token")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", validationError("unreadable token: %v", err)
	}
	for _, key := range []string{"id", "userId", "sub"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", validationError("token carries no user id")
}
