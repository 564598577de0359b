// Package firebase creates a Firebase installation and registers its web push
// subscription with FCM, yielding the delivery token senders address.
package firebase

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/and161185/fcm-listener/internal/errs"
	"github.com/and161185/fcm-listener/internal/model"
)

// Production endpoints.
const (
	DefaultInstallationsURL = "https://firebaseinstallations.googleapis.com/v1"
	DefaultRegistrationsURL = "https://fcmregistrations.googleapis.com/v1"
	// SendEndpoint prefixes the gcm token to form the push endpoint.
	SendEndpoint = "https://fcm.googleapis.com/fcm/send/"
	// DefaultVAPIDKey is the public application server key of FCM itself.
	DefaultVAPIDKey = "BDOU99-h67HcA6JeFXHbSNMu7e2yNNu3RzoMj8TM4W88jITfq7ZmPvIM1Iv-4_l2LxQcYwhqby2xGpWwzjfAnG4"
)

const (
	authVersion  = "FIS_v2"
	sdkVersion   = "w:0.6.4"
	maxBodyBytes = 64 << 10
)

// Credentials identify the Firebase project the listener registers with.
type Credentials struct {
	AppID     string
	ProjectID string
	APIKey    string
	VAPIDKey  string // empty means DefaultVAPIDKey
}

// Vapid returns the application server key, falling back to DefaultVAPIDKey.
func (c Credentials) Vapid() string {
	if c.VAPIDKey == "" {
		return DefaultVAPIDKey
	}
	return c.VAPIDKey
}

// Validate reports missing fields.
func (c Credentials) Validate() error {
	var missing []string
	if c.AppID == "" {
		missing = append(missing, "app id")
	}
	if c.ProjectID == "" {
		missing = append(missing, "project id")
	}
	if c.APIKey == "" {
		missing = append(missing, "api key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("firebase credentials: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Installation is a created Firebase installation.
type Installation struct {
	FID          string
	RefreshToken string
	AuthToken    string
	ExpiresAt    time.Time
}

// Client talks to the installations and registrations APIs.
type Client struct {
	http             *http.Client
	installationsURL string
	registrationsURL string
	log              *zap.Logger
	now              func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithURLs overrides both API base URLs.
func WithURLs(installations, registrations string) Option {
	return func(c *Client) {
		c.installationsURL = installations
		c.registrationsURL = registrations
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// New constructs a Client. A nil httpClient means http.DefaultClient.
func New(httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		http:             httpClient,
		installationsURL: DefaultInstallationsURL,
		registrationsURL: DefaultRegistrationsURL,
		log:              zap.NewNop(),
		now:              time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// NewFID generates a Firebase installation id: 17 random bytes whose first
// byte carries the 0111 FID header, base64url encoded and cut to 22 chars.
func NewFID() (string, error) {
	b := make([]byte, 17)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("fid: %w", err)
	}
	b[0] = 0x70 | (b[0] & 0x0f)
	return base64.RawURLEncoding.EncodeToString(b)[:22], nil
}

type installationRequest struct {
	AppID       string `json:"appId"`
	AuthVersion string `json:"authVersion"`
	FID         string `json:"fid"`
	SDKVersion  string `json:"sdkVersion"`
}

type installationResponse struct {
	Name         string `json:"name"`
	FID          string `json:"fid"`
	RefreshToken string `json:"refreshToken"`
	AuthToken    struct {
		Token     string `json:"token"`
		ExpiresIn string `json:"expiresIn"`
	} `json:"authToken"`
}

// CreateInstallation registers a new installation for the app.
func (c *Client) CreateInstallation(ctx context.Context, creds Credentials) (Installation, error) {
	fid, err := NewFID()
	if err != nil {
		return Installation{}, err
	}
	u := fmt.Sprintf("%s/projects/%s/installations", c.installationsURL, creds.ProjectID)
	in := installationRequest{AppID: creds.AppID, AuthVersion: authVersion, FID: fid, SDKVersion: sdkVersion}

	var out installationResponse
	headers := http.Header{"X-Goog-Api-Key": {creds.APIKey}}
	if err := c.postJSON(ctx, u, headers, in, &out); err != nil {
		return Installation{}, fmt.Errorf("create installation: %w", err)
	}
	if out.AuthToken.Token == "" {
		return Installation{}, fmt.Errorf("%w: installation without auth token", errs.ErrProtocol)
	}
	if out.FID != "" {
		fid = out.FID
	}

	inst := Installation{
		FID:          fid,
		RefreshToken: out.RefreshToken,
		AuthToken:    out.AuthToken.Token,
		ExpiresAt:    c.expiry(out.AuthToken.Token, out.AuthToken.ExpiresIn),
	}
	c.log.Debug("firebase installation created", zap.String("fid", inst.FID), zap.Time("expires_at", inst.ExpiresAt))
	return inst, nil
}

// expiry prefers the advertised lifetime and falls back to the exp claim of the token.
func (c *Client) expiry(token, expiresIn string) time.Time {
	if d, err := time.ParseDuration(expiresIn); err == nil && d > 0 {
		return c.now().Add(d)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

type registrationRequest struct {
	Web webSubscription `json:"web"`
}

type webSubscription struct {
	ApplicationPubKey string `json:"applicationPubKey,omitempty"`
	Auth              string `json:"auth"`
	Endpoint          string `json:"endpoint"`
	P256DH            string `json:"p256dh"`
}

type registrationResponse struct {
	Token string `json:"token"`
}

// RegisterWebPush subscribes keys under the gcm token and returns the FCM token.
func (c *Client) RegisterWebPush(ctx context.Context, creds Credentials, inst Installation, gcmToken string, keys model.WebPushKeys) (string, error) {
	u := fmt.Sprintf("%s/projects/%s/registrations", c.registrationsURL, creds.ProjectID)
	in := registrationRequest{Web: webSubscription{
		ApplicationPubKey: creds.VAPIDKey,
		Auth:              base64.RawURLEncoding.EncodeToString(keys.AuthSecret),
		Endpoint:          SendEndpoint + gcmToken,
		P256DH:            base64.RawURLEncoding.EncodeToString(keys.PublicKey),
	}}
	headers := http.Header{
		"X-Goog-Api-Key":                     {creds.APIKey},
		"X-Goog-Firebase-Installations-Auth": {inst.AuthToken},
	}

	var out registrationResponse
	if err := c.postJSON(ctx, u, headers, in, &out); err != nil {
		return "", fmt.Errorf("fcm registration: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("%w: fcm registration without token", errs.ErrProtocol)
	}
	return out.Token, nil
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *Client) postJSON(ctx context.Context, u string, headers http.Header, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", errs.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: body: %v", errs.ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ae apiError
		msg := ""
		if json.Unmarshal(body, &ae) == nil && ae.Error.Message != "" {
			msg = ": " + ae.Error.Message
		}
		return fmt.Errorf("%w: status %d%s", errs.FromStatus(resp.StatusCode), resp.StatusCode, msg)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode: %v", errs.ErrProtocol, err)
	}
	return nil
}
