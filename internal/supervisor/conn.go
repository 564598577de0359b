package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fcm-listener/internal/errs"
	"github.com/and161185/fcm-listener/internal/mcs"
	"github.com/and161185/fcm-listener/internal/model"
)

// Login request constants of the chrome client profile.
const (
	loginID              = "chrome-63.0.3234.0"
	loginDomain          = "mcs.android.com"
	authServiceAndroidID = 2
	networkTypeWiFi      = 1
)

// connection is one transport. A stop interrupts blocked I/O by expiring the
// deadlines so that drain can still write the close frame.
type connection struct {
	raw  net.Conn
	dec  *mcs.Decoder
	enc  *mcs.Encoder
	idle time.Duration

	mu        sync.Mutex
	draining  bool
	unwatch   func() bool
	closeOnce sync.Once
	onClose   func()
}

func (s *Supervisor) open(ctx context.Context) (*connection, error) {
	raw, err := s.cfg.Dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: dial %s: %v", errs.ErrNetwork, s.cfg.Addr, err)
	}
	if n := s.live.Add(1); n > 1 {
		s.log.Error("more than one live transport", zap.Int32("live", n))
	}
	c := &connection{
		raw:     raw,
		dec:     mcs.NewDecoder(raw),
		enc:     mcs.NewEncoder(raw),
		idle:    s.cfg.IdleTimeout,
		onClose: func() { s.live.Add(-1) },
	}
	c.unwatch = context.AfterFunc(ctx, c.interrupt)
	return c, nil
}

func (c *connection) interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.draining {
		_ = c.raw.SetDeadline(time.Now())
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.unwatch()
		_ = c.raw.Close()
		c.onClose()
	})
}

// drain announces the close and waits for the server to hang up, at most timeout.
func (c *connection) drain(timeout time.Duration) {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()
	defer c.close()

	_ = c.raw.SetDeadline(time.Now().Add(timeout))
	if err := c.enc.Encode(&mcs.Close{}); err != nil {
		return
	}
	for {
		if _, err := c.dec.Decode(); err != nil {
			return
		}
	}
}

func loginRequest(id model.DeviceIdentity, persistentIDs []string) *mcs.LoginRequest {
	user := strconv.FormatInt(id.DeviceID, 10)
	return &mcs.LoginRequest{
		ID:                    loginID,
		Domain:                loginDomain,
		User:                  user,
		Resource:              user,
		AuthToken:             strconv.FormatUint(id.SecurityToken, 10),
		DeviceID:              "android-" + strconv.FormatUint(uint64(id.DeviceID), 16),
		Settings:              []mcs.Setting{{Name: "new_vc", Value: "1"}},
		ReceivedPersistentIDs: persistentIDs,
		AdaptiveHeartbeat:     false,
		UseRMQ2:               true,
		AuthService:           authServiceAndroidID,
		NetworkType:           networkTypeWiFi,
	}
}

// handshake opens a transport and completes the login exchange on it.
func (s *Supervisor) handshake(ctx context.Context, id model.DeviceIdentity) (*connection, error) {
	c, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	// deadlines are set before checking ctx so that a concurrent interrupt always wins
	_ = c.raw.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	if ctx.Err() != nil {
		c.close()
		return nil, ctx.Err()
	}

	req := loginRequest(id, nil)
	if dropped := req.FitPersistentIDs(s.handler.PersistentIDs(), mcs.MaxPayloadLen); dropped > 0 {
		s.log.Warn("oldest persistent ids left out of the login request",
			zap.Int("dropped", dropped), zap.Int("replayed", len(req.ReceivedPersistentIDs)))
	}
	if err := c.enc.Encode(req); err != nil {
		c.close()
		return nil, err
	}
	for {
		f, err := c.dec.Decode()
		if err != nil {
			c.close()
			return nil, readError("login response", err)
		}
		switch m := f.Body.(type) {
		case *mcs.LoginResponse:
			if m.Error != nil {
				c.close()
				return nil, fmt.Errorf("%w: login rejected: code %d %s", errs.ErrAuth, m.Error.Code, m.Error.Message)
			}
			if m.HeartbeatConfig != nil && m.HeartbeatConfig.IntervalMS > 0 {
				interval := time.Duration(m.HeartbeatConfig.IntervalMS) * time.Millisecond
				if 2*interval > c.idle {
					c.idle = 2 * interval
				}
				s.log.Info("server heartbeat interval", zap.Duration("interval", interval), zap.Duration("idle_window", c.idle))
			}
			_ = c.raw.SetDeadline(time.Time{})
			if ctx.Err() != nil {
				c.close()
				return nil, ctx.Err()
			}
			s.log.Info("connected",
				zap.Int64("device_id", id.DeviceID),
				zap.Int("replayed_ids", len(req.ReceivedPersistentIDs)),
				zap.Uint8("server_version", c.dec.Version()))
			s.handler.Connected(m)
			return c, nil
		case *mcs.Close, *mcs.StreamErrorStanza:
			c.close()
			return nil, fmt.Errorf("%w: stream closed before login response", errs.ErrNetwork)
		case *mcs.HeartbeatPing:
			if err := c.enc.Encode(&mcs.HeartbeatAck{}); err != nil {
				c.close()
				return nil, err
			}
			s.cfg.Metrics.Heartbeat()
		default:
			s.log.Debug("frame before login response", zap.Stringer("tag", f.Tag))
		}
	}
}

// serve reads frames until the connection fails, the handler asks for a
// reconnect, or ctx is done.
func (s *Supervisor) serve(ctx context.Context, c *connection) error {
	for {
		if err := c.raw.SetReadDeadline(time.Now().Add(c.idle)); err != nil {
			return fmt.Errorf("%w: set deadline: %v", errs.ErrNetwork, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := c.dec.Decode()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return readError("read", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch s.handler.Handle(f) {
		case AckHeartbeat:
			_ = c.raw.SetWriteDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := c.enc.Encode(&mcs.HeartbeatAck{}); err != nil {
				return err
			}
			s.cfg.Metrics.Heartbeat()
		case Reconnect:
			return fmt.Errorf("%w: server ended the stream with %s", errs.ErrNetwork, f.Tag)
		}
	}
}

func readError(what string, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: %s: connection closed", errs.ErrNetwork, what)
	case errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: %s: timed out", errs.ErrNetwork, what)
	case errors.Is(err, errs.ErrFraming), errors.Is(err, errs.ErrProtocol):
		return fmt.Errorf("%s: %w", what, err)
	default:
		return fmt.Errorf("%w: %s: %v", errs.ErrNetwork, what, err)
	}
}
