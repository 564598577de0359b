package firebase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/fcm-listener/internal/errs"
	"github.com/and161185/fcm-listener/internal/model"
)

var creds = Credentials{AppID: "1:2:web:3", ProjectID: "proj", APIKey: "key"}

func TestNewFID(t *testing.T) {
	for i := 0; i < 50; i++ {
		fid, err := NewFID()
		require.NoError(t, err)
		require.Len(t, fid, 22)
		raw, err := base64.RawURLEncoding.DecodeString(fid[:20])
		require.NoError(t, err)
		require.Equal(t, byte(0x70), raw[0]&0xf0)
	}
}

func TestCredentials(t *testing.T) {
	require.NoError(t, creds.Validate())
	require.Equal(t, DefaultVAPIDKey, creds.Vapid())
	require.Equal(t, "mine", Credentials{VAPIDKey: "mine"}.Vapid())
	err := Credentials{AppID: "a"}.Validate()
	require.ErrorContains(t, err, "project id, api key")
}

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return New(ts.Client(), WithURLs(ts.URL+"/fis", ts.URL+"/fcm"), WithLogger(zaptest.NewLogger(t)))
}

func TestCreateInstallation(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fis/projects/proj/installations", r.URL.Path)
		require.Equal(t, "key", r.Header.Get("x-goog-api-key"))
		var in installationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, "1:2:web:3", in.AppID)
		require.Equal(t, authVersion, in.AuthVersion)
		require.Equal(t, sdkVersion, in.SDKVersion)
		require.Len(t, in.FID, 22)
		_, _ = w.Write([]byte(`{"fid":"` + in.FID + `","refreshToken":"r","authToken":{"token":"t","expiresIn":"604800s"}}`))
	})
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	inst, err := c.CreateInstallation(context.Background(), creds)
	require.NoError(t, err)
	require.Equal(t, "t", inst.AuthToken)
	require.Equal(t, "r", inst.RefreshToken)
	require.Equal(t, now.Add(7*24*time.Hour), inst.ExpiresAt)
}

func TestCreateInstallation_ExpiryFromJWT(t *testing.T) {
	exp := time.Unix(1_800_000_000, 0)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)

	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"authToken":{"token":"` + tok + `"}}`))
	})
	inst, err := c.CreateInstallation(context.Background(), creds)
	require.NoError(t, err)
	require.True(t, exp.Equal(inst.ExpiresAt))
	require.Len(t, inst.FID, 22, "locally generated fid is kept when the server echoes none")
}

func TestCreateInstallation_Errors(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`))
	})
	_, err := c.CreateInstallation(context.Background(), creds)
	require.ErrorIs(t, err, errs.ErrAuth)
	require.ErrorContains(t, err, "API key not valid")

	c = newServer(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{}`)) })
	_, err = c.CreateInstallation(context.Background(), creds)
	require.ErrorIs(t, err, errs.ErrProtocol)

	c = newServer(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`not json`)) })
	_, err = c.CreateInstallation(context.Background(), creds)
	require.ErrorIs(t, err, errs.ErrProtocol)
}

func TestRegisterWebPush(t *testing.T) {
	keys := model.WebPushKeys{PublicKey: []byte{4, 1, 2}, AuthSecret: []byte{9, 9}}
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fcm/projects/proj/registrations", r.URL.Path)
		require.Equal(t, "key", r.Header.Get("x-goog-api-key"))
		require.Equal(t, "fis-token", r.Header.Get("x-goog-firebase-installations-auth"))
		var in registrationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, SendEndpoint+"gcm-1", in.Web.Endpoint)
		require.Equal(t, base64.RawURLEncoding.EncodeToString(keys.PublicKey), in.Web.P256DH)
		require.Equal(t, base64.RawURLEncoding.EncodeToString(keys.AuthSecret), in.Web.Auth)
		require.Empty(t, in.Web.ApplicationPubKey)
		_, _ = w.Write([]byte(`{"token":"fcm-token"}`))
	})

	tok, err := c.RegisterWebPush(context.Background(), creds, Installation{AuthToken: "fis-token"}, "gcm-1", keys)
	require.NoError(t, err)
	require.Equal(t, "fcm-token", tok)
}

func TestRegisterWebPush_ServerError(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) })
	_, err := c.RegisterWebPush(context.Background(), creds, Installation{AuthToken: "x"}, "g", model.WebPushKeys{})
	require.ErrorIs(t, err, errs.ErrNetwork)
}
