// Package model defines domain entities shared by the protocol engine, services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// DeviceIdentity is the android-id / security-token pair issued by check-in.
// It is replaced wholesale on refresh, never mutated in place.
type DeviceIdentity struct {
	DeviceID      int64
	SecurityToken uint64
}

// IsZero reports whether the identity has not been issued yet.
func (d DeviceIdentity) IsZero() bool { return d.DeviceID == 0 && d.SecurityToken == 0 }

// WebPushKeys is the recipient key material registered with FCM.
type WebPushKeys struct {
	PrivateKey []byte // P-256 scalar, 32 bytes
	PublicKey  []byte // uncompressed P-256 point, 65 bytes
	AuthSecret []byte // 16 bytes
}

// Registration aggregates everything needed to listen for a registered identity.
type Registration struct {
	ID             uuid.UUID // local handle, assigned at registration time
	FCMToken       string    // delivery address handed to senders
	GCMToken       string    // token from c2dm/register3
	InstallationID string    // firebase installation id (FID)
	Identity       DeviceIdentity
	Keys           WebPushKeys
	CreatedAt      time.Time
}

// DataMessage is a decrypted data stanza handed to the consumer.
type DataMessage struct {
	PersistentID string // empty when the server did not assign one
	From         string
	Category     string
	AppData      map[string]string // non-encryption app data
	Body         []byte            // decrypted payload
	Sent         time.Time
	TTL          time.Duration
}

// EventKind classifies an Event.
type EventKind uint8

const (
	EventData EventKind = iota + 1
	EventHeartbeat
	EventClosed
	EventOther
	EventError
	EventConnected
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventHeartbeat:
		return "heartbeat"
	case EventClosed:
		return "closed"
	case EventOther:
		return "other"
	case EventError:
		return "error"
	case EventConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Event is one element of a listen session's sequence.
//
// Message is set for EventData. Err is set for EventError; when Terminal is
// true the session ends after this event. Tag carries the MCS tag for
// EventOther.
type Event struct {
	Kind     EventKind
	Message  *DataMessage
	Tag      uint8
	Raw      []byte
	Err      error
	Terminal bool
}

// ConnectionState is the supervisor state of a registration.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateCheckingIn
	StateHandshaking
	StateActive
	StateDraining
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateCheckingIn:
		return "checking-in"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}
