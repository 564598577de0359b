// Package checkin performs the android check-in exchange that issues or
// refreshes a device identity.
package checkin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/fcm-listener/internal/errs"
	"github.com/and161185/fcm-listener/internal/limiter"
	"github.com/and161185/fcm-listener/internal/metrics"
	"github.com/and161185/fcm-listener/internal/model"
)

// DefaultURL is the production check-in endpoint.
const DefaultURL = "https://android.clients.google.com/checkin"

const (
	contentType  = "application/x-protobuf"
	maxBodyBytes = 64 << 10
)

// Checker issues or refreshes device identities. Safe for concurrent use.
type Checker interface {
	Checkin(ctx context.Context, prior *model.DeviceIdentity) (model.DeviceIdentity, error)
}

// Client is the HTTP implementation of Checker.
type Client struct {
	http    *http.Client
	url     string
	log     *zap.Logger
	limiter *limiter.Checkins
	metrics *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithURL overrides the check-in endpoint.
func WithURL(u string) Option { return func(c *Client) { c.url = u } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// WithLimiter throttles check-ins per device id.
func WithLimiter(l *limiter.Checkins) Option { return func(c *Client) { c.limiter = l } }

// WithMetrics counts check-in outcomes.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

// New constructs a Client. A nil httpClient means http.DefaultClient.
func New(httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{http: httpClient, url: DefaultURL, log: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// Checkin performs a fresh check-in when prior is nil (or zero) and a refresh
// check-in carrying the prior identity otherwise. Errors wrap ErrNetwork,
// ErrProtocol or ErrAuth.
func (c *Client) Checkin(ctx context.Context, prior *model.DeviceIdentity) (model.DeviceIdentity, error) {
	id, err := c.checkin(ctx, prior)
	c.metrics.Checkin(err)
	return id, err
}

func (c *Client) checkin(ctx context.Context, prior *model.DeviceIdentity) (model.DeviceIdentity, error) {
	var req request
	if prior != nil && !prior.IsZero() {
		req.AndroidID = prior.DeviceID
		req.SecurityToken = prior.SecurityToken
	}
	if err := c.limiter.Wait(ctx, req.AndroidID); err != nil {
		return model.DeviceIdentity{}, fmt.Errorf("checkin throttled: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(req.marshal()))
	if err != nil {
		return model.DeviceIdentity{}, fmt.Errorf("checkin request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return model.DeviceIdentity{}, ctx.Err()
		}
		return model.DeviceIdentity{}, fmt.Errorf("%w: checkin: %v", errs.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return model.DeviceIdentity{}, fmt.Errorf("%w: checkin body: %v", errs.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		// a refresh with credentials the server no longer knows comes back as 400
		sentinel := errs.FromStatus(resp.StatusCode)
		if resp.StatusCode == http.StatusBadRequest && req.AndroidID != 0 {
			sentinel = errs.ErrAuth
		}
		return model.DeviceIdentity{}, fmt.Errorf("%w: checkin status %d", sentinel, resp.StatusCode)
	}

	var out response
	if err := out.unmarshal(body); err != nil {
		return model.DeviceIdentity{}, fmt.Errorf("checkin response: %w", err)
	}
	if !out.StatsOK {
		return model.DeviceIdentity{}, fmt.Errorf("%w: checkin stats_ok=false", errs.ErrProtocol)
	}
	if out.AndroidID == 0 || out.SecurityToken == 0 {
		return model.DeviceIdentity{}, fmt.Errorf("%w: checkin issued no identity", errs.ErrAuth)
	}

	id := model.DeviceIdentity{DeviceID: int64(out.AndroidID), SecurityToken: out.SecurityToken}
	if req.AndroidID != 0 && id.DeviceID != req.AndroidID {
		c.log.Info("checkin reissued device id",
			zap.Int64("previous_device_id", req.AndroidID), zap.Int64("device_id", id.DeviceID))
		c.limiter.Retire(req.AndroidID)
	} else {
		c.log.Debug("checkin ok", zap.Int64("device_id", id.DeviceID), zap.Bool("refresh", req.AndroidID != 0))
	}
	return id, nil
}
