package gcm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/fcm-listener/internal/errs"
	"github.com/and161185/fcm-listener/internal/model"
)

var identity = model.DeviceIdentity{DeviceID: 123, SecurityToken: 456}

func TestRegister_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "AidLogin 123:456" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("app") != App || r.PostForm.Get("device") != "123" || r.PostForm.Get("sender") != "vapid" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		sub := r.PostForm.Get("X-subtype")
		if !strings.HasPrefix(sub, subtypePrefix) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, err := uuid.FromString(strings.TrimPrefix(sub, subtypePrefix)); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("token=gcm-token-1\n"))
	}))
	defer ts.Close()

	c := New(ts.Client(), WithURL(ts.URL), WithLogger(zaptest.NewLogger(t)))
	tok, err := c.Register(context.Background(), identity, "vapid")
	require.NoError(t, err)
	require.Equal(t, "gcm-token-1", tok.Token)
	require.True(t, strings.HasPrefix(tok.Subtype, subtypePrefix))
}

func TestRegister_RetriesPhoneRegistrationError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			_, _ = w.Write([]byte("Error=PHONE_REGISTRATION_ERROR"))
			return
		}
		_, _ = w.Write([]byte("token=abc"))
	}))
	defer ts.Close()

	c := New(ts.Client(), WithURL(ts.URL), WithRetry(5, time.Millisecond))
	tok, err := c.Register(context.Background(), identity, "vapid")
	require.NoError(t, err)
	require.Equal(t, "abc", tok.Token)
	require.Equal(t, int32(3), calls.Load())
}

func TestRegister_RetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("Error=PHONE_REGISTRATION_ERROR"))
	}))
	defer ts.Close()

	c := New(ts.Client(), WithURL(ts.URL), WithRetry(2, time.Millisecond))
	_, err := c.Register(context.Background(), identity, "vapid")
	require.ErrorIs(t, err, errs.ErrProtocol)
	require.Equal(t, int32(2), calls.Load())
}

func TestRegister_Errors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"auth failed", 0, "Error=AUTHENTICATION_FAILED", errs.ErrAuth},
		{"other error", 0, "Error=INVALID_SENDER", errs.ErrProtocol},
		{"garbage", 0, "<html>", errs.ErrProtocol},
		{"forbidden", http.StatusForbidden, "", errs.ErrAuth},
		{"unavailable", http.StatusServiceUnavailable, "", errs.ErrNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.status != 0 {
					w.WriteHeader(tc.status)
				}
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()
			_, err := New(ts.Client(), WithURL(ts.URL), WithRetry(1, 0)).Register(context.Background(), identity, "v")
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestRegister_CancelDuringRetryWait(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Error=PHONE_REGISTRATION_ERROR"))
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := New(ts.Client(), WithURL(ts.URL), WithRetry(5, time.Hour)).Register(ctx, identity, "v")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
