package service

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/fcm-listener/internal/crypto/webpush"
	"github.com/and161185/fcm-listener/internal/errs"
	"github.com/and161185/fcm-listener/internal/model"
	"github.com/and161185/fcm-listener/internal/supervisor"
)

// stallDialer never connects; each attempt blocks until its context ends.
type stallDialer struct{ dials chan struct{} }

func (d *stallDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	select {
	case d.dials <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func newListener(t *testing.T, checker *fakeChecker, regs *fakeRegs) (*ListenerServiceImpl, *stallDialer) {
	t.Helper()
	d := &stallDialer{dials: make(chan struct{}, 16)}
	cfg := supervisor.Config{
		Dialer:     d,
		Checker:    checker,
		AuthBudget: 1,
	}
	opts := ListenerOptions{Logger: zaptest.NewLogger(t)}
	if regs != nil {
		opts.Registrations = regs
	}
	l := NewListenerService(cfg, opts)
	t.Cleanup(l.Close)
	return l, d
}

func testListenRegistration(t *testing.T) model.Registration {
	t.Helper()
	keys, err := webpush.GenerateKeys()
	require.NoError(t, err)
	return model.Registration{
		ID:       uuid.Must(uuid.NewV4()),
		Identity: model.DeviceIdentity{DeviceID: 123, SecurityToken: 456},
		Keys:     keys,
	}
}

func waitDial(t *testing.T, d *stallDialer) {
	t.Helper()
	select {
	case <-d.dials:
	case <-time.After(5 * time.Second):
		t.Fatal("no dial attempt")
	}
}

func drain(t *testing.T, ch <-chan model.Event) []model.Event {
	t.Helper()
	var out []model.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event channel not closed")
		}
	}
}

func TestListen_SecondListenRejected(t *testing.T) {
	l, d := newListener(t, &fakeChecker{id: model.DeviceIdentity{DeviceID: 123, SecurityToken: 456}}, nil)
	reg := testListenRegistration(t)

	events, err := l.Listen(context.Background(), reg, nil)
	require.NoError(t, err)
	waitDial(t, d)

	_, err = l.Listen(context.Background(), reg, nil)
	require.ErrorIs(t, err, errs.ErrAlreadyListening)

	require.NoError(t, l.Stop(reg.ID))
	require.Empty(t, drain(t, events))

	// a stopped registration may listen again with a new session
	events, err = l.Listen(context.Background(), reg, []string{"msg-1"})
	require.NoError(t, err)
	waitDial(t, d)
	require.NoError(t, l.Stop(reg.ID))
	drain(t, events)
}

func TestStop_UnknownAndIdempotent(t *testing.T) {
	l, d := newListener(t, &fakeChecker{id: model.DeviceIdentity{DeviceID: 1, SecurityToken: 2}}, nil)

	require.ErrorIs(t, l.Stop(uuid.Must(uuid.NewV4())), errs.ErrNotFound)

	reg := testListenRegistration(t)
	events, err := l.Listen(context.Background(), reg, nil)
	require.NoError(t, err)
	waitDial(t, d)

	require.NoError(t, l.Stop(reg.ID))
	require.NoError(t, l.Stop(reg.ID))
	drain(t, events)

	st, err := l.State(reg.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateDisconnected, st)
}

func TestListen_NilRegistration(t *testing.T) {
	l, _ := newListener(t, &fakeChecker{}, nil)
	_, err := l.Listen(context.Background(), model.Registration{}, nil)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestListen_AuthBudgetEndsSession(t *testing.T) {
	l, _ := newListener(t, &fakeChecker{err: errs.ErrAuth}, nil)
	reg := testListenRegistration(t)

	events, err := l.Listen(context.Background(), reg, nil)
	require.NoError(t, err)

	got := drain(t, events)
	require.Len(t, got, 1)
	require.Equal(t, model.EventError, got[0].Kind)
	require.True(t, got[0].Terminal)
	require.ErrorIs(t, got[0].Err, errs.ErrAuth)

	// the ended session no longer blocks a new listen
	events, err = l.Listen(context.Background(), reg, nil)
	require.NoError(t, err)
	drain(t, events)
}

func TestListen_RefreshedIdentityStored(t *testing.T) {
	fresh := model.DeviceIdentity{DeviceID: 777, SecurityToken: 888}
	regs := &fakeRegs{}
	l, d := newListener(t, &fakeChecker{id: fresh}, regs)
	reg := testListenRegistration(t)

	events, err := l.Listen(context.Background(), reg, nil)
	require.NoError(t, err)
	waitDial(t, d)
	require.NoError(t, l.Stop(reg.ID))
	drain(t, events)
	l.Close()

	got, ok := regs.identity(reg.ID)
	require.True(t, ok)
	require.Equal(t, fresh, got)
}

func TestListen_ContextCancelEndsSession(t *testing.T) {
	l, d := newListener(t, &fakeChecker{id: model.DeviceIdentity{DeviceID: 1, SecurityToken: 2}}, nil)
	reg := testListenRegistration(t)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := l.Listen(ctx, reg, nil)
	require.NoError(t, err)
	waitDial(t, d)
	cancel()
	require.Empty(t, drain(t, events))
}
