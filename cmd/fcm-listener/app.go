package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/and161185/fcm-listener/internal/checkin"
	"github.com/and161185/fcm-listener/internal/config"
	"github.com/and161185/fcm-listener/internal/crypto"
	"github.com/and161185/fcm-listener/internal/firebase"
	"github.com/and161185/fcm-listener/internal/gcm"
	"github.com/and161185/fcm-listener/internal/limiter"
	"github.com/and161185/fcm-listener/internal/metrics"
	"github.com/and161185/fcm-listener/internal/migrate"
	"github.com/and161185/fcm-listener/internal/model"
	"github.com/and161185/fcm-listener/internal/repository/postgres"
	"github.com/and161185/fcm-listener/internal/server"
	"github.com/and161185/fcm-listener/internal/service"
	"github.com/and161185/fcm-listener/internal/stream"
	"github.com/and161185/fcm-listener/internal/supervisor"
)

type store struct {
	db   *postgres.DB
	regs *postgres.RegistrationRepo
	ids  *postgres.PersistentIDRepo
}

type app struct {
	cfg config.Config
	log *zap.Logger

	store      store
	registrar  *service.RegistrationServiceImpl
	listener   *service.ListenerServiceImpl
	metricsSrv *http.Server
}

// newApp runs migrations, opens storage and wires the services.
func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	sealer, err := crypto.NewSealer(cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("key sealing (set -passphrase or FCM_PASSPHRASE): %w", err)
	}
	if err := migrate.Up(ctx, cfg.DSN); err != nil {
		return nil, fmt.Errorf("migrate up: %w", err)
	}
	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	checker := checkin.New(httpClient,
		checkin.WithURL(cfg.CheckinURL),
		checkin.WithLogger(logger.Named("checkin")),
		checkin.WithLimiter(limiter.NewCheckins(cfg.CheckinRate, cfg.CheckinBurst, 10*time.Minute)),
		checkin.WithMetrics(m),
	)

	a := &app{
		cfg: cfg,
		log: logger,
		store: store{
			db:   db,
			regs: postgres.NewRegistrationRepo(db, sealer),
			ids:  postgres.NewPersistentIDRepo(db),
		},
	}
	a.registrar = service.NewRegistrationService(
		checker,
		gcm.New(httpClient, gcm.WithLogger(logger.Named("gcm"))),
		firebase.New(httpClient, firebase.WithLogger(logger.Named("firebase"))),
		a.store.regs,
		logger.Named("register"),
	)
	a.listener = service.NewListenerService(supervisorConfig(cfg, checker, m, logger), service.ListenerOptions{
		Stream: stream.Options{
			Recorder: a.store.ids,
			Metrics:  m,
			Logger:   logger.Named("stream"),
		},
		MaxReplayIDs:  cfg.MaxReplayIDs,
		Registrations: a.store.regs,
		Logger:        logger.Named("listen"),
	})

	if cfg.MetricsAddr != "" {
		a.metricsSrv, _, err = server.Serve(cfg.MetricsAddr, server.Handler(reg, logger.Named("http")), logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// Close stops every session and releases storage and the metrics listener.
func (a *app) Close() {
	if a.listener != nil {
		a.listener.Close()
	}
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metricsSrv.Shutdown(ctx)
		cancel()
	}
	if a.store.db != nil {
		a.store.db.Close()
	}
}

func supervisorConfig(cfg config.Config, checker checkin.Checker, m *metrics.Metrics, logger *zap.Logger) supervisor.Config {
	return supervisor.Config{
		Addr:             cfg.MCSAddr,
		Checker:          checker,
		Backoff:          cfg.Backoff,
		IdleTimeout:      cfg.IdleTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		DrainTimeout:     cfg.DrainTimeout,
		AuthBudget:       cfg.AuthBudget,
		Logger:           logger.Named("mcs"),
		Metrics:          m,
	}
}

type registrationSummary struct {
	ID             string    `json:"registration_id"`
	FCMToken       string    `json:"fcm_token"`
	InstallationID string    `json:"installation_id"`
	DeviceID       int64     `json:"device_id"`
	CreatedAt      time.Time `json:"created_at"`
}

func summarize(r model.Registration) registrationSummary {
	return registrationSummary{
		ID:             r.ID.String(),
		FCMToken:       r.FCMToken,
		InstallationID: r.InstallationID,
		DeviceID:       r.Identity.DeviceID,
		CreatedAt:      r.CreatedAt,
	}
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// eventLine is the JSON form of one event on stdout.
type eventLine struct {
	Registration string            `json:"registration"`
	Kind         string            `json:"kind"`
	PersistentID string            `json:"persistent_id,omitempty"`
	From         string            `json:"from,omitempty"`
	Category     string            `json:"category,omitempty"`
	AppData      map[string]string `json:"app_data,omitempty"`
	Body         string            `json:"body,omitempty"`
	BodyBase64   []byte            `json:"body_base64,omitempty"`
	Sent         *time.Time        `json:"sent,omitempty"`
	TTLSeconds   int64             `json:"ttl_seconds,omitempty"`
	Tag          uint8             `json:"tag,omitempty"`
	Error        string            `json:"error,omitempty"`
	Terminal     bool              `json:"terminal,omitempty"`
}

func toLine(regID uuid.UUID, ev model.Event) eventLine {
	l := eventLine{Registration: regID.String(), Kind: ev.Kind.String(), Tag: ev.Tag, Terminal: ev.Terminal}
	if ev.Err != nil {
		l.Error = ev.Err.Error()
	}
	if m := ev.Message; m != nil {
		l.PersistentID = m.PersistentID
		l.From = m.From
		l.Category = m.Category
		l.AppData = m.AppData
		if utf8.Valid(m.Body) {
			l.Body = string(m.Body)
		} else {
			l.BodyBase64 = m.Body
		}
		if !m.Sent.IsZero() {
			sent := m.Sent.UTC()
			l.Sent = &sent
		}
		l.TTLSeconds = int64(m.TTL / time.Second)
	}
	return l
}

// eventWriter serializes JSON lines from concurrent sessions.
type eventWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEventWriter(w io.Writer) *eventWriter { return &eventWriter{enc: json.NewEncoder(w)} }

func (e *eventWriter) write(regID uuid.UUID, ev model.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.enc.Encode(toLine(regID, ev))
}
