// Package supervisor owns the MCS connection of one registration: it checks
// in, performs the login handshake, answers heartbeats, detects dead
// connections and reconnects with backoff until stopped.
package supervisor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/backoff"

	"github.com/and161185/fcm-listener/internal/checkin"
	"github.com/and161185/fcm-listener/internal/errs"
	"github.com/and161185/fcm-listener/internal/limiter"
	"github.com/and161185/fcm-listener/internal/mcs"
	"github.com/and161185/fcm-listener/internal/metrics"
	"github.com/and161185/fcm-listener/internal/model"
)

// DefaultAddr is the production MCS endpoint.
const DefaultAddr = "mtalk.google.com:5228"

// Defaults for Config.
const (
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultDrainTimeout     = 2 * time.Second
	DefaultAuthBudget       = 5
)

// Dialer opens the encrypted byte stream to the MCS endpoint.
// *tls.Dialer and *net.Dialer satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Clock schedules backoff waits.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Action tells the supervisor what to do after a frame was handled.
type Action uint8

const (
	// Continue reading.
	Continue Action = iota
	// AckHeartbeat answers the ping just handled.
	AckHeartbeat
	// Reconnect ends the connection and goes through backoff.
	Reconnect
)

// Handler consumes the frames of Active connections. All calls happen on the
// supervisor's goroutine, in wire order.
type Handler interface {
	// PersistentIDs returns the ids to replay in the next login request.
	PersistentIDs() []string
	// Connected is called once per successful handshake.
	Connected(resp *mcs.LoginResponse)
	// Handle classifies one inbound frame.
	Handle(f mcs.Frame) Action
}

// Config parameterizes a Supervisor. Zero values take the package defaults.
type Config struct {
	Addr             string
	Dialer           Dialer
	Checker          checkin.Checker
	Backoff          backoff.Config
	Rand             func() float64 // jitter source in [0, 1)
	Clock            Clock
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	DrainTimeout     time.Duration
	AuthBudget       int // consecutive auth rejections tolerated before giving up
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
	// OnState, if set, observes every state transition.
	OnState func(model.ConnectionState)
}

// Supervisor runs the connection state machine of a single registration.
type Supervisor struct {
	cfg     Config
	key     string
	handler Handler
	log     *zap.Logger
	backoff *Backoff
	auth    limiter.Limiter

	mu       sync.Mutex
	identity model.DeviceIdentity

	state    atomic.Int32
	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	live     atomic.Int32 // open transports, at most one
}

// New returns a Supervisor for the registration identified by key (used in
// logs and metrics) that starts from identity.
func New(cfg Config, key string, identity model.DeviceIdentity, h Handler) *Supervisor {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Dialer == nil {
		host, _, _ := net.SplitHostPort(cfg.Addr)
		cfg.Dialer = &tls.Dialer{Config: &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}}
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.AuthBudget <= 0 {
		cfg.AuthBudget = DefaultAuthBudget
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Backoff == (backoff.Config{}) {
		cfg.Backoff = DefaultBackoff
	}
	return &Supervisor{
		cfg:      cfg,
		key:      key,
		handler:  h,
		log:      cfg.Logger.With(zap.String("registration", key)),
		backoff:  NewBackoff(cfg.Backoff, cfg.Rand),
		auth:     limiter.NewMemory(0, cfg.AuthBudget, 0),
		identity: identity,
		stop:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (s *Supervisor) State() model.ConnectionState { return model.ConnectionState(s.state.Load()) }

// Identity returns the identity of the latest successful check-in.
func (s *Supervisor) Identity() model.DeviceIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Stop requests shutdown. It is idempotent and safe to call from any goroutine,
// before, during or after Run.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Stopped is closed once Stop has been called.
func (s *Supervisor) Stopped() <-chan struct{} { return s.stop }

func (s *Supervisor) setState(st model.ConnectionState) {
	if model.ConnectionState(s.state.Swap(int32(st))) == st {
		return
	}
	s.cfg.Metrics.SetState(s.key, st)
	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
	s.log.Debug("connection state", zap.String("state", st.String()))
}

// Run drives the state machine until Stop is called, ctx is cancelled, or the
// auth budget is exhausted. It returns nil on a requested stop and an error
// wrapping ErrAuth when the identity keeps being rejected. Run may be called
// only once.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errs.ErrAlreadyListening
	}
	select {
	case <-s.stop:
		return errs.ErrStopped
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer s.cfg.Metrics.Forget(s.key)
	defer s.setState(model.StateDisconnected)

	var (
		conn    *connection
		failed  bool
		lastErr error
	)
	state := model.StateDisconnected
	for {
		s.setState(state)
		switch state {
		case model.StateDisconnected:
			if ctx.Err() != nil {
				return nil
			}
			if failed {
				if err := s.wait(ctx, lastErr); err != nil {
					return nil
				}
				s.cfg.Metrics.Reconnect()
			}
			state = model.StateCheckingIn

		case model.StateCheckingIn:
			prior := s.Identity()
			id, err := s.cfg.Checker.Checkin(ctx, &prior)
			if err != nil {
				if terminal := s.fail(ctx, "checkin", err); terminal != nil {
					return terminal
				}
				failed, lastErr, state = true, err, model.StateDisconnected
				continue
			}
			s.mu.Lock()
			s.identity = id
			s.mu.Unlock()
			state = model.StateHandshaking

		case model.StateHandshaking:
			c, err := s.handshake(ctx, s.Identity())
			if err != nil {
				if terminal := s.fail(ctx, "handshake", err); terminal != nil {
					return terminal
				}
				failed, lastErr, state = true, err, model.StateDisconnected
				continue
			}
			_ = s.auth.Success(ctx, s.key)
			s.backoff.Reset()
			failed, lastErr = false, nil
			conn, state = c, model.StateActive

		case model.StateActive:
			err := s.serve(ctx, conn)
			if ctx.Err() != nil {
				state = model.StateDraining
				continue
			}
			s.log.Info("connection lost", zap.Error(err))
			conn.close()
			conn = nil
			failed, lastErr, state = true, err, model.StateDisconnected

		case model.StateDraining:
			conn.drain(s.cfg.DrainTimeout)
			conn = nil
			state = model.StateDisconnected
		}
	}
}

// fail classifies a failed check-in or handshake. It returns a non-nil error
// only when the session has to end.
func (s *Supervisor) fail(ctx context.Context, phase string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if !errors.Is(err, errs.ErrAuth) {
		s.log.Warn(phase+" failed", zap.Error(err))
		return nil
	}
	blocked, _, _ := s.auth.Failure(ctx, s.key)
	if blocked {
		s.log.Error("identity rejected, giving up", zap.Int("budget", s.cfg.AuthBudget), zap.Error(err))
		return fmt.Errorf("%w: %s rejected %d consecutive times: %w", errs.ErrAuth, phase, s.cfg.AuthBudget, err)
	}
	s.log.Warn(phase+" rejected", zap.Error(err))
	return nil
}

// wait sleeps for the next backoff delay. It fails only when stopped.
func (s *Supervisor) wait(ctx context.Context, cause error) error {
	d := s.backoff.Next()
	s.log.Info("reconnecting after backoff", zap.Duration("backoff", d), zap.Error(cause))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.cfg.Clock.After(d):
		return nil
	}
}
