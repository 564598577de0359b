// Package gcm requests a GCM registration token for a checked-in device.
package gcm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/fcm-listener/internal/errs"
	"github.com/and161185/fcm-listener/internal/model"
)

// DefaultURL is the production register3 endpoint.
const DefaultURL = "https://android.clients.google.com/c2dm/register3"

const (
	// App is the application package sent with every registration.
	App = "org.chromium.linux"

	subtypePrefix         = "wp:receiver.push.com#"
	codePhoneRegistration = "PHONE_REGISTRATION_ERROR"
	maxBodyBytes          = 16 << 10

	defaultAttempts   = 5
	defaultRetryDelay = time.Second
)

// Token is the result of a successful register3 exchange.
type Token struct {
	Token   string
	Subtype string // X-subtype the token was issued for
}

// Client talks to register3.
type Client struct {
	http       *http.Client
	url        string
	log        *zap.Logger
	attempts   int
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithURL overrides the register3 endpoint.
func WithURL(u string) Option { return func(c *Client) { c.url = u } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// WithRetry sets how often a PHONE_REGISTRATION_ERROR is retried and the pause between attempts.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		c.attempts = attempts
		c.retryDelay = delay
	}
}

// New constructs a Client. A nil httpClient means http.DefaultClient.
func New(httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		http:       httpClient,
		url:        DefaultURL,
		log:        zap.NewNop(),
		attempts:   defaultAttempts,
		retryDelay: defaultRetryDelay,
	}
	for _, o := range opts {
		o(c)
	}
	if c.attempts <= 0 {
		c.attempts = 1
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// Register requests a token for id scoped to sender (the application server key).
func (c *Client) Register(ctx context.Context, id model.DeviceIdentity, sender string) (Token, error) {
	appID, err := uuid.NewV4()
	if err != nil {
		return Token{}, fmt.Errorf("subtype id: %w", err)
	}
	subtype := subtypePrefix + appID.String()

	form := url.Values{}
	form.Set("app", App)
	form.Set("X-subtype", subtype)
	form.Set("device", strconv.FormatInt(id.DeviceID, 10))
	form.Set("sender", sender)
	auth := fmt.Sprintf("AidLogin %d:%d", id.DeviceID, id.SecurityToken)

	for attempt := 1; ; attempt++ {
		tok, err := c.register(ctx, auth, form)
		if err == nil {
			return Token{Token: tok, Subtype: subtype}, nil
		}
		if !isPhoneRegistrationError(err) || attempt >= c.attempts {
			return Token{}, err
		}
		c.log.Debug("register3 retry", zap.Int("attempt", attempt), zap.Int64("device_id", id.DeviceID))
		t := time.NewTimer(c.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return Token{}, ctx.Err()
		case <-t.C:
		}
	}
}

// serverError is an Error=<code> reply.
type serverError struct{ code string }

func (e *serverError) Error() string { return "register3: " + e.code }

func (e *serverError) Unwrap() error {
	if e.code == "AUTHENTICATION_FAILED" {
		return errs.ErrAuth
	}
	return errs.ErrProtocol
}

func isPhoneRegistrationError(err error) bool {
	var se *serverError
	return errors.As(err, &se) && se.code == codePhoneRegistration
}

func (c *Client) register(ctx context.Context, auth string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("register3 request: %w", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: register3: %v", errs.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("%w: register3 body: %v", errs.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: register3 status %d", errs.FromStatus(resp.StatusCode), resp.StatusCode)
	}

	line, _, _ := strings.Cut(strings.TrimSpace(string(body)), "\n")
	key, value, ok := strings.Cut(line, "=")
	switch {
	case ok && key == "token" && value != "":
		return value, nil
	case ok && key == "Error":
		return "", &serverError{code: value}
	default:
		return "", fmt.Errorf("%w: register3 reply %q", errs.ErrProtocol, line)
	}
}
