package service

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/fcm-listener/internal/errs"
	"github.com/and161185/fcm-listener/internal/model"
	"github.com/and161185/fcm-listener/internal/repository"
	"github.com/and161185/fcm-listener/internal/stream"
	"github.com/and161185/fcm-listener/internal/supervisor"
)

// Listener manages listen sessions, at most one per registration.
type Listener interface {
	// Listen starts a session and returns its event sequence.
	Listen(ctx context.Context, reg model.Registration, seen []string) (<-chan model.Event, error)
	// Stop ends the session of a registration.
	Stop(regID uuid.UUID) error
}

// ListenerOptions configure sessions created by a ListenerServiceImpl.
type ListenerOptions struct {
	Stream       stream.Options
	MaxReplayIDs int // 0 replays every seen id
	// Registrations, if set, receives refreshed device identities when a session ends.
	Registrations repository.RegistrationRepository
	Logger        *zap.Logger
}

var _ Listener = (*ListenerServiceImpl)(nil)

type ListenerServiceImpl struct {
	cfg  supervisor.Config
	opts ListenerOptions
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*stream.Stream
	wg       sync.WaitGroup
}

// NewListenerService constructs a Listener whose sessions share cfg.
func NewListenerService(cfg supervisor.Config, opts ListenerOptions) *ListenerServiceImpl {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Stream.Logger == nil {
		opts.Stream.Logger = opts.Logger
	}
	return &ListenerServiceImpl{
		cfg:      cfg,
		opts:     opts,
		log:      opts.Logger,
		sessions: make(map[uuid.UUID]*stream.Stream),
	}
}

// Listen starts a session for reg seeded with the previously seen persistent
// ids. It returns errs.ErrAlreadyListening while another session of the same
// registration is running. The returned channel is closed when the session ends.
func (s *ListenerServiceImpl) Listen(ctx context.Context, reg model.Registration, seen []string) (<-chan model.Event, error) {
	if reg.ID == uuid.Nil {
		return nil, errs.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[reg.ID]; ok && !ended(cur) {
		return nil, errs.ErrAlreadyListening
	}

	ids := stream.NewPersistentIDSet(seen, s.opts.MaxReplayIDs)
	st := stream.New(s.cfg, reg, ids, s.opts.Stream)
	s.sessions[reg.ID] = st
	st.Start(ctx)
	s.log.Info("listen session started", zap.String("registration", reg.ID.String()), zap.Int("known_ids", ids.Len()))

	s.wg.Add(1)
	go s.watch(reg, st)
	return st.Events(), nil
}

// Stop ends the session of regID and waits until it emits nothing more.
// Stopping a session that already ended is a no-op; an unknown registration
// yields errs.ErrNotFound.
func (s *ListenerServiceImpl) Stop(regID uuid.UUID) error {
	s.mu.Lock()
	st, ok := s.sessions[regID]
	s.mu.Unlock()
	if !ok {
		return errs.ErrNotFound
	}
	st.Stop()
	return nil
}

// State returns the connection state of regID's latest session.
func (s *ListenerServiceImpl) State(regID uuid.UUID) (model.ConnectionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[regID]
	if !ok {
		return model.StateDisconnected, errs.ErrNotFound
	}
	return st.State(), nil
}

// Close stops every session and waits for their cleanup.
func (s *ListenerServiceImpl) Close() {
	s.mu.Lock()
	all := make([]*stream.Stream, 0, len(s.sessions))
	for _, st := range s.sessions {
		all = append(all, st)
	}
	s.mu.Unlock()
	for _, st := range all {
		st.Stop()
	}
	s.wg.Wait()
}

// watch persists a refreshed identity once the session ends.
func (s *ListenerServiceImpl) watch(reg model.Registration, st *stream.Stream) {
	defer s.wg.Done()
	<-st.Done()

	log := s.log.With(zap.String("registration", reg.ID.String()))
	if err := st.Err(); err != nil {
		log.Warn("listen session ended", zap.Error(err))
	} else {
		log.Info("listen session stopped")
	}

	id := st.Identity()
	if s.opts.Registrations == nil || id.IsZero() || id == reg.Identity {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.Registrations.UpdateIdentity(ctx, reg.ID, id); err != nil {
		log.Warn("refreshed identity not stored", zap.Error(err))
	}
}

func ended(st *stream.Stream) bool {
	select {
	case <-st.Done():
		return true
	default:
		return false
	}
}
