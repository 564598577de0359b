// Package service contains the application services for registering and listening.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/fcm-listener/internal/checkin"
	"github.com/and161185/fcm-listener/internal/crypto/webpush"
	"github.com/and161185/fcm-listener/internal/errs"
	"github.com/and161185/fcm-listener/internal/firebase"
	"github.com/and161185/fcm-listener/internal/gcm"
	"github.com/and161185/fcm-listener/internal/model"
	"github.com/and161185/fcm-listener/internal/repository"
)

// Registrar creates a new receiving identity.
type Registrar interface {
	// Register runs the full registration flow. It is all-or-nothing.
	Register(ctx context.Context, creds firebase.Credentials) (model.Registration, error)
}

// TokenRequester issues GCM tokens. It is implemented by *gcm.Client.
type TokenRequester interface {
	Register(ctx context.Context, id model.DeviceIdentity, sender string) (gcm.Token, error)
}

// PushRegistrar talks to the Firebase endpoints. It is implemented by *firebase.Client.
type PushRegistrar interface {
	CreateInstallation(ctx context.Context, creds firebase.Credentials) (firebase.Installation, error)
	RegisterWebPush(ctx context.Context, creds firebase.Credentials, inst firebase.Installation, gcmToken string, keys model.WebPushKeys) (string, error)
}

var _ Registrar = (*RegistrationServiceImpl)(nil)

type RegistrationServiceImpl struct {
	checker checkin.Checker
	tokens  TokenRequester
	push    PushRegistrar
	repo    repository.RegistrationRepository
	log     *zap.Logger

	genKeys func() (model.WebPushKeys, error)
	now     func() time.Time
}

// NewRegistrationService constructs the registration flow. repo may be nil,
// in which case registrations are only returned to the caller.
func NewRegistrationService(checker checkin.Checker, tokens TokenRequester, push PushRegistrar,
	repo repository.RegistrationRepository, logger *zap.Logger) *RegistrationServiceImpl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistrationServiceImpl{
		checker: checker,
		tokens:  tokens,
		push:    push,
		repo:    repo,
		log:     logger,
		genKeys: webpush.GenerateKeys,
		now:     time.Now,
	}
}

// Register performs check-in, GCM token request, Firebase installation, key
// generation and FCM registration in that order. Any failure is reported as
// errs.ErrRegistration wrapping the cause and yields no registration.
func (s *RegistrationServiceImpl) Register(ctx context.Context, creds firebase.Credentials) (model.Registration, error) {
	if err := creds.Validate(); err != nil {
		return model.Registration{}, fail("credentials", err)
	}

	identity, err := s.checker.Checkin(ctx, nil)
	if err != nil {
		return model.Registration{}, fail("checkin", err)
	}
	log := s.log.With(zap.Int64("device_id", identity.DeviceID), zap.String("project", creds.ProjectID))
	log.Debug("device checked in")

	tok, err := s.tokens.Register(ctx, identity, creds.Vapid())
	if err != nil {
		return model.Registration{}, fail("gcm register", err)
	}

	inst, err := s.push.CreateInstallation(ctx, creds)
	if err != nil {
		return model.Registration{}, fail("firebase installation", err)
	}

	keys, err := s.genKeys()
	if err != nil {
		return model.Registration{}, fail("keys", err)
	}

	fcmToken, err := s.push.RegisterWebPush(ctx, creds, inst, tok.Token, keys)
	if err != nil {
		return model.Registration{}, fail("fcm register", err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return model.Registration{}, fail("id", err)
	}
	reg := model.Registration{
		ID:             id,
		FCMToken:       fcmToken,
		GCMToken:       tok.Token,
		InstallationID: inst.FID,
		Identity:       identity,
		Keys:           keys,
		CreatedAt:      s.now().UTC(),
	}
	if s.repo != nil {
		if err := s.repo.Create(ctx, &reg); err != nil {
			return model.Registration{}, fail("store", err)
		}
	}
	log.Info("registered", zap.String("registration", id.String()))
	return reg, nil
}

func fail(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", errs.ErrRegistration, step, err)
}
