// Package stream turns the frames of a supervised MCS connection into the
// event sequence of a listen session: decrypted data messages deduplicated by
// persistent id, plus heartbeat, close, passthrough and error events.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fcm-listener/internal/crypto/webpush"
	"github.com/and161185/fcm-listener/internal/errs"
	"github.com/and161185/fcm-listener/internal/mcs"
	"github.com/and161185/fcm-listener/internal/metrics"
	"github.com/and161185/fcm-listener/internal/model"
	"github.com/and161185/fcm-listener/internal/supervisor"
)

// App data keys that carry encryption parameters rather than payload.
const (
	keyCryptoKey       = "crypto-key"
	keyEncryption      = "encryption"
	keyContentEncoding = "content-encoding"
)

// IDRecorder persists newly delivered persistent ids. Failures are logged and
// do not affect delivery.
type IDRecorder interface {
	RecordPersistentID(ctx context.Context, registration, persistentID string) error
}

// Options tune a Stream.
type Options struct {
	Buffer   int // events buffered before the reader blocks
	Recorder IDRecorder
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Stream is one listen session. It is not restartable: after Stop or a
// terminal error a new Stream must be created.
type Stream struct {
	reg      model.Registration
	key      string
	ids      *PersistentIDSet
	sup      *supervisor.Supervisor
	recorder IDRecorder
	log      *zap.Logger
	metrics  *metrics.Metrics

	events    chan model.Event
	startOnce sync.Once
	cancelled <-chan struct{}
	done      chan struct{}
	err       error
}

// New builds a Stream for reg. cfg configures the underlying supervisor; its
// Metrics and Logger default to the ones in opts.
func New(cfg supervisor.Config, reg model.Registration, ids *PersistentIDSet, opts Options) *Stream {
	if ids == nil {
		ids = NewPersistentIDSet(nil, 0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = opts.Logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = opts.Metrics
	}
	key := reg.ID.String()
	s := &Stream{
		reg:      reg,
		key:      key,
		ids:      ids,
		recorder: opts.Recorder,
		log:      opts.Logger.With(zap.String("registration", key)),
		metrics:  opts.Metrics,
		events:   make(chan model.Event, opts.Buffer),
		done:     make(chan struct{}),
	}
	s.sup = supervisor.New(cfg, key, reg.Identity, s)
	return s
}

// Events returns the event sequence. It is closed when the session ends.
func (s *Stream) Events() <-chan model.Event { return s.events }

// Start runs the session in the background until Stop, ctx cancellation or
// a terminal error. Later calls are no-ops.
func (s *Stream) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.cancelled = ctx.Done()
		go s.run(ctx)
	})
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	err := s.sup.Run(ctx)
	if err != nil && !errors.Is(err, errs.ErrStopped) {
		s.err = err
		s.emit(model.Event{Kind: model.EventError, Err: err, Terminal: true})
	}
}

// Stop ends the session and waits until no further events can be emitted.
// It is idempotent.
func (s *Stream) Stop() {
	s.sup.Stop()
	s.startOnce.Do(func() { close(s.events); close(s.done) })
	<-s.done
}

// Done is closed once the session has ended.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the terminal error of an ended session, nil after a requested stop.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// State returns the supervisor state.
func (s *Stream) State() model.ConnectionState { return s.sup.State() }

// Identity returns the identity of the latest check-in.
func (s *Stream) Identity() model.DeviceIdentity { return s.sup.Identity() }

// PersistentIDs implements supervisor.Handler.
func (s *Stream) PersistentIDs() []string { return s.ids.Replay() }

// Connected implements supervisor.Handler.
func (s *Stream) Connected(*mcs.LoginResponse) {
	s.emit(model.Event{Kind: model.EventConnected})
}

// Handle implements supervisor.Handler. It runs on the supervisor goroutine,
// so membership checks and insertions for the registration are serialized.
func (s *Stream) Handle(f mcs.Frame) supervisor.Action {
	switch m := f.Body.(type) {
	case *mcs.DataMessageStanza:
		s.handleData(m)
		return supervisor.Continue
	case *mcs.HeartbeatPing:
		s.emit(model.Event{Kind: model.EventHeartbeat})
		return supervisor.AckHeartbeat
	case *mcs.Close, *mcs.StreamErrorStanza:
		s.emit(model.Event{Kind: model.EventClosed, Tag: uint8(f.Tag), Raw: f.Body.Marshal()})
		return supervisor.Reconnect
	default:
		s.emit(model.Event{Kind: model.EventOther, Tag: uint8(f.Tag), Raw: f.Body.Marshal()})
		return supervisor.Continue
	}
}

func (s *Stream) handleData(m *mcs.DataMessageStanza) {
	if m.PersistentID != "" && s.ids.Contains(m.PersistentID) {
		s.metrics.Message(metrics.Duplicate)
		s.log.Debug("duplicate message dropped", zap.String("persistent_id", m.PersistentID))
		return
	}

	msg, err := s.decode(m)
	if m.PersistentID != "" && s.ids.Add(m.PersistentID) {
		s.record(m.PersistentID)
	}
	if err != nil {
		s.metrics.Message(metrics.CryptoError)
		s.log.Warn("message not decrypted", zap.String("persistent_id", m.PersistentID), zap.Error(err))
		s.emit(model.Event{Kind: model.EventError, Message: msg, Err: err})
		return
	}
	s.metrics.Message(metrics.Delivered)
	s.emit(model.Event{Kind: model.EventData, Message: msg})
}

// decode builds the DataMessage and decrypts its body. On failure the
// returned message carries the metadata but no body.
func (s *Stream) decode(m *mcs.DataMessageStanza) (*model.DataMessage, error) {
	msg := &model.DataMessage{
		PersistentID: m.PersistentID,
		From:         m.From,
		Category:     m.Category,
		AppData:      make(map[string]string, len(m.AppData)),
		TTL:          time.Duration(m.TTL) * time.Second,
	}
	if m.Sent != 0 {
		msg.Sent = time.UnixMilli(m.Sent)
	}
	for _, a := range m.AppData {
		switch strings.ToLower(a.Key) {
		case keyCryptoKey, keyEncryption, keyContentEncoding:
		default:
			msg.AppData[a.Key] = a.Value
		}
	}

	p, encrypted, err := params(m)
	if err != nil {
		return msg, err
	}
	if !encrypted {
		msg.Body = m.RawData
		return msg, nil
	}
	body, err := webpush.Decrypt(m.RawData, p, s.reg.Keys)
	if err != nil {
		return msg, err
	}
	msg.Body = body
	return msg, nil
}

// params selects the content encoding from the stanza's app data. A stanza
// with neither raw data nor encryption headers carries plain app data only.
func params(m *mcs.DataMessageStanza) (webpush.Params, bool, error) {
	if ce, ok := m.Lookup(keyContentEncoding); ok && strings.EqualFold(ce, webpush.AES128GCM.String()) {
		return webpush.Params{Scheme: webpush.AES128GCM}, true, nil
	}
	cryptoKey, hasKey := m.Lookup(keyCryptoKey)
	encryption, hasEnc := m.Lookup(keyEncryption)
	switch {
	case hasKey && hasEnc:
		p, err := webpush.ParseHeaders(cryptoKey, encryption)
		return p, true, err
	case hasKey || hasEnc:
		return webpush.Params{}, true, fmt.Errorf("%w: incomplete encryption headers", errs.ErrCrypto)
	case len(m.RawData) > 0:
		return webpush.Params{Scheme: webpush.AES128GCM}, true, nil
	default:
		return webpush.Params{}, false, nil
	}
}

func (s *Stream) record(id string) {
	if s.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.recorder.RecordPersistentID(ctx, s.key, id); err != nil {
		s.log.Warn("persistent id not recorded", zap.String("persistent_id", id), zap.Error(err))
	}
}

// emit hands ev to the consumer unless the session is being stopped or its
// context is done.
func (s *Stream) emit(ev model.Event) {
	select {
	case <-s.sup.Stopped():
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.sup.Stopped():
	case <-s.cancelled:
	}
}
