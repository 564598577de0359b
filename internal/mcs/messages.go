package mcs

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/and161185/fcm-listener/internal/pbwire"
)

// Message is a protobuf-encoded MCS body bound to a frame tag.
type Message interface {
	Tag() Tag
	Marshal() []byte
}

// Setting is a name/value pair carried by login request and response.
type Setting struct {
	Name  string
	Value string
}

func (s Setting) marshal() []byte {
	b := pbwire.AppendString(nil, 1, s.Name)
	return pbwire.AppendString(b, 2, s.Value)
}

func (s *Setting) unmarshal(b []byte) error {
	return pbwire.Walk(b, func(f pbwire.Field) (err error) {
		switch f.Num {
		case 1:
			s.Name, err = f.Text()
		case 2:
			s.Value, err = f.Text()
		}
		return err
	})
}

// ErrorInfo is the error block of a login response or iq stanza.
type ErrorInfo struct {
	Code    int32
	Message string
	Type    string
}

func (e ErrorInfo) marshal() []byte {
	b := pbwire.AppendInt64(nil, 1, int64(e.Code))
	if e.Message != "" {
		b = pbwire.AppendString(b, 2, e.Message)
	}
	if e.Type != "" {
		b = pbwire.AppendString(b, 3, e.Type)
	}
	return b
}

func (e *ErrorInfo) unmarshal(b []byte) error {
	return pbwire.Walk(b, func(f pbwire.Field) (err error) {
		switch f.Num {
		case 1:
			e.Code, err = f.Int32()
		case 2:
			e.Message, err = f.Text()
		case 3:
			e.Type, err = f.Text()
		}
		return err
	})
}

// HeartbeatPing is sent by the server to probe the connection.
type HeartbeatPing struct {
	StreamID             int32
	LastStreamIDReceived int32
	Status               int64
}

func (*HeartbeatPing) Tag() Tag { return TagHeartbeatPing }

func (m *HeartbeatPing) Marshal() []byte {
	return marshalHeartbeat(m.StreamID, m.LastStreamIDReceived, m.Status)
}

func (m *HeartbeatPing) Unmarshal(b []byte) error {
	return unmarshalHeartbeat(b, &m.StreamID, &m.LastStreamIDReceived, &m.Status)
}

// HeartbeatAck answers a HeartbeatPing.
type HeartbeatAck struct {
	StreamID             int32
	LastStreamIDReceived int32
	Status               int64
}

func (*HeartbeatAck) Tag() Tag { return TagHeartbeatAck }

func (m *HeartbeatAck) Marshal() []byte {
	return marshalHeartbeat(m.StreamID, m.LastStreamIDReceived, m.Status)
}

func (m *HeartbeatAck) Unmarshal(b []byte) error {
	return unmarshalHeartbeat(b, &m.StreamID, &m.LastStreamIDReceived, &m.Status)
}

func marshalHeartbeat(streamID, lastReceived int32, status int64) []byte {
	var b []byte
	if streamID != 0 {
		b = pbwire.AppendInt64(b, 1, int64(streamID))
	}
	if lastReceived != 0 {
		b = pbwire.AppendInt64(b, 2, int64(lastReceived))
	}
	if status != 0 {
		b = pbwire.AppendInt64(b, 3, status)
	}
	return b
}

func unmarshalHeartbeat(b []byte, streamID, lastReceived *int32, status *int64) error {
	return pbwire.Walk(b, func(f pbwire.Field) (err error) {
		switch f.Num {
		case 1:
			*streamID, err = f.Int32()
		case 2:
			*lastReceived, err = f.Int32()
		case 3:
			*status, err = f.Int64()
		}
		return err
	})
}

// LoginRequest authenticates the connection with the check-in identity.
type LoginRequest struct {
	ID                    string
	Domain                string
	User                  string
	Resource              string
	AuthToken             string
	DeviceID              string
	LastRMQID             int64
	Settings              []Setting
	ReceivedPersistentIDs []string
	AdaptiveHeartbeat     bool
	UseRMQ2               bool
	AccountID             int64
	AuthService           int32
	NetworkType           int32
	Status                int64
}

func (*LoginRequest) Tag() Tag { return TagLoginRequest }

// FitPersistentIDs sets ReceivedPersistentIDs to the longest suffix of ids
// that keeps the marshaled request within limit bytes. It returns the number
// of leading ids left out.
func (m *LoginRequest) FitPersistentIDs(ids []string, limit int) int {
	m.ReceivedPersistentIDs = nil
	budget := limit - len(m.Marshal())
	i := len(ids)
	for ; i > 0; i-- {
		n := protowire.SizeTag(10) + protowire.SizeBytes(len(ids[i-1]))
		if n > budget {
			break
		}
		budget -= n
	}
	m.ReceivedPersistentIDs = ids[i:]
	return i
}

func (m *LoginRequest) Marshal() []byte {
	b := pbwire.AppendString(nil, 1, m.ID)
	b = pbwire.AppendString(b, 2, m.Domain)
	b = pbwire.AppendString(b, 3, m.User)
	b = pbwire.AppendString(b, 4, m.Resource)
	b = pbwire.AppendString(b, 5, m.AuthToken)
	if m.DeviceID != "" {
		b = pbwire.AppendString(b, 6, m.DeviceID)
	}
	if m.LastRMQID != 0 {
		b = pbwire.AppendInt64(b, 7, m.LastRMQID)
	}
	for _, s := range m.Settings {
		b = pbwire.AppendBytes(b, 8, s.marshal())
	}
	for _, id := range m.ReceivedPersistentIDs {
		b = pbwire.AppendString(b, 10, id)
	}
	// sent explicitly even when false
	b = pbwire.AppendBool(b, 12, m.AdaptiveHeartbeat)
	if m.UseRMQ2 {
		b = pbwire.AppendBool(b, 14, true)
	}
	if m.AccountID != 0 {
		b = pbwire.AppendInt64(b, 15, m.AccountID)
	}
	if m.AuthService != 0 {
		b = pbwire.AppendInt64(b, 16, int64(m.AuthService))
	}
	if m.NetworkType != 0 {
		b = pbwire.AppendInt64(b, 17, int64(m.NetworkType))
	}
	if m.Status != 0 {
		b = pbwire.AppendInt64(b, 18, m.Status)
	}
	return b
}

func (m *LoginRequest) Unmarshal(b []byte) error {
	return pbwire.Walk(b, func(f pbwire.Field) (err error) {
		switch f.Num {
		case 1:
			m.ID, err = f.Text()
		case 2:
			m.Domain, err = f.Text()
		case 3:
			m.User, err = f.Text()
		case 4:
			m.Resource, err = f.Text()
		case 5:
			m.AuthToken, err = f.Text()
		case 6:
			m.DeviceID, err = f.Text()
		case 7:
			m.LastRMQID, err = f.Int64()
		case 8:
			var s Setting
			if err = embedded(f, &s); err == nil {
				m.Settings = append(m.Settings, s)
			}
		case 10:
			var id string
			if id, err = f.Text(); err == nil {
				m.ReceivedPersistentIDs = append(m.ReceivedPersistentIDs, id)
			}
		case 12:
			m.AdaptiveHeartbeat, err = f.Bool()
		case 14:
			m.UseRMQ2, err = f.Bool()
		case 15:
			m.AccountID, err = f.Int64()
		case 16:
			m.AuthService, err = f.Int32()
		case 17:
			m.NetworkType, err = f.Int32()
		case 18:
			m.Status, err = f.Int64()
		}
		return err
	})
}

// HeartbeatConfig is the server-advertised heartbeat policy.
type HeartbeatConfig struct {
	UploadStat bool
	IP         string
	IntervalMS int32
}

func (h HeartbeatConfig) marshal() []byte {
	var b []byte
	if h.UploadStat {
		b = pbwire.AppendBool(b, 1, true)
	}
	if h.IP != "" {
		b = pbwire.AppendString(b, 2, h.IP)
	}
	if h.IntervalMS != 0 {
		b = pbwire.AppendInt64(b, 3, int64(h.IntervalMS))
	}
	return b
}

func (h *HeartbeatConfig) unmarshal(b []byte) error {
	return pbwire.Walk(b, func(f pbwire.Field) (err error) {
		switch f.Num {
		case 1:
			h.UploadStat, err = f.Bool()
		case 2:
			h.IP, err = f.Text()
		case 3:
			h.IntervalMS, err = f.Int32()
		}
		return err
	})
}

// LoginResponse completes the handshake. A non-nil Error means the login was rejected.
type LoginResponse struct {
	ID                   string
	JID                  string
	Error                *ErrorInfo
	Settings             []Setting
	StreamID             int32
	LastStreamIDReceived int32
	HeartbeatConfig      *HeartbeatConfig
	ServerTimestamp      int64
}

func (*LoginResponse) Tag() Tag { return TagLoginResponse }

func (m *LoginResponse) Marshal() []byte {
	b := pbwire.AppendString(nil, 1, m.ID)
	if m.JID != "" {
		b = pbwire.AppendString(b, 2, m.JID)
	}
	if m.Error != nil {
		b = pbwire.AppendBytes(b, 3, m.Error.marshal())
	}
	for _, s := range m.Settings {
		b = pbwire.AppendBytes(b, 4, s.marshal())
	}
	if m.StreamID != 0 {
		b = pbwire.AppendInt64(b, 5, int64(m.StreamID))
	}
	if m.LastStreamIDReceived != 0 {
		b = pbwire.AppendInt64(b, 6, int64(m.LastStreamIDReceived))
	}
	if m.HeartbeatConfig != nil {
		b = pbwire.AppendBytes(b, 7, m.HeartbeatConfig.marshal())
	}
	if m.ServerTimestamp != 0 {
		b = pbwire.AppendInt64(b, 8, m.ServerTimestamp)
	}
	return b
}

func (m *LoginResponse) Unmarshal(b []byte) error {
	return pbwire.Walk(b, func(f pbwire.Field) (err error) {
		switch f.Num {
		case 1:
			m.ID, err = f.Text()
		case 2:
			m.JID, err = f.Text()
		case 3:
			m.Error = &ErrorInfo{}
			err = embedded(f, m.Error)
		case 4:
			var s Setting
			if err = embedded(f, &s); err == nil {
				m.Settings = append(m.Settings, s)
			}
		case 5:
			m.StreamID, err = f.Int32()
		case 6:
			m.LastStreamIDReceived, err = f.Int32()
		case 7:
			m.HeartbeatConfig = &HeartbeatConfig{}
			err = embedded(f, m.HeartbeatConfig)
		case 8:
			m.ServerTimestamp, err = f.Int64()
		}
		return err
	})
}

// Close is an empty message announcing a server-initiated close.
type Close struct{}

func (*Close) Tag() Tag { return TagClose }

func (*Close) Marshal() []byte { return nil }

func (*Close) Unmarshal([]byte) error { return nil }

// Extension is an opaque typed blob attached to iq stanzas.
type Extension struct {
	ID   int32
	Data []byte
}

func (e Extension) marshal() []byte {
	b := pbwire.AppendInt64(nil, 1, int64(e.ID))
	return pbwire.AppendBytes(b, 2, e.Data)
}

func (e *Extension) unmarshal(b []byte) error {
	return pbwire.Walk(b, func(f pbwire.Field) (err error) {
		switch f.Num {
		case 1:
			e.ID, err = f.Int32()
		case 2:
			e.Data, err = f.Raw()
		}
		return err
	})
}

// IqStanza types.
const (
	IqGet    int32 = 0
	IqSet    int32 = 1
	IqResult int32 = 2
	IqError  int32 = 3
)

// IqStanza is an info/query stanza; the receiver only passes it through.
type IqStanza struct {
	RMQID                int64
	Type                 int32
	ID                   string
	From                 string
	To                   string
	Error                *ErrorInfo
	Extension            *Extension
	PersistentID         string
	StreamID             int32
	LastStreamIDReceived int32
	AccountID            int64
	Status               int64
}

func (*IqStanza) Tag() Tag { return TagIqStanza }

func (m *IqStanza) Marshal() []byte {
	var b []byte
	if m.RMQID != 0 {
		b = pbwire.AppendInt64(b, 1, m.RMQID)
	}
	b = pbwire.AppendInt64(b, 2, int64(m.Type))
	b = pbwire.AppendString(b, 3, m.ID)
	if m.From != "" {
		b = pbwire.AppendString(b, 4, m.From)
	}
	if m.To != "" {
		b = pbwire.AppendString(b, 5, m.To)
	}
	if m.Error != nil {
		b = pbwire.AppendBytes(b, 6, m.Error.marshal())
	}
	if m.Extension != nil {
		b = pbwire.AppendBytes(b, 7, m.Extension.marshal())
	}
	if m.PersistentID != "" {
		b = pbwire.AppendString(b, 8, m.PersistentID)
	}
	if m.StreamID != 0 {
		b = pbwire.AppendInt64(b, 9, int64(m.StreamID))
	}
	if m.LastStreamIDReceived != 0 {
		b = pbwire.AppendInt64(b, 10, int64(m.LastStreamIDReceived))
	}
	if m.AccountID != 0 {
		b = pbwire.AppendInt64(b, 11, m.AccountID)
	}
	if m.Status != 0 {
		b = pbwire.AppendInt64(b, 12, m.Status)
	}
	return b
}

func (m *IqStanza) Unmarshal(b []byte) error {
	return pbwire.Walk(b, func(f pbwire.Field) (err error) {
		switch f.Num {
		case 1:
			m.RMQID, err = f.Int64()
		case 2:
			m.Type, err = f.Int32()
		case 3:
			m.ID, err = f.Text()
		case 4:
			m.From, err = f.Text()
		case 5:
			m.To, err = f.Text()
		case 6:
			m.Error = &ErrorInfo{}
			err = embedded(f, m.Error)
		case 7:
			m.Extension = &Extension{}
			err = embedded(f, m.Extension)
		case 8:
			m.PersistentID, err = f.Text()
		case 9:
			m.StreamID, err = f.Int32()
		case 10:
			m.LastStreamIDReceived, err = f.Int32()
		case 11:
			m.AccountID, err = f.Int64()
		case 12:
			m.Status, err = f.Int64()
		}
		return err
	})
}

// AppData is a key/value pair of a data stanza.
type AppData struct {
	Key   string
	Value string
}

func (a AppData) marshal() []byte {
	b := pbwire.AppendString(nil, 1, a.Key)
	return pbwire.AppendString(b, 2, a.Value)
}

func (a *AppData) unmarshal(b []byte) error {
	return pbwire.Walk(b, func(f pbwire.Field) (err error) {
		switch f.Num {
		case 1:
			a.Key, err = f.Text()
		case 2:
			a.Value, err = f.Text()
		}
		return err
	})
}

// DataMessageStanza carries a pushed message. RawData holds the encrypted body.
type DataMessageStanza struct {
	ID                   string
	From                 string
	To                   string
	Category             string
	Token                string
	AppData              []AppData
	FromTrustedServer    bool
	PersistentID         string
	StreamID             int32
	LastStreamIDReceived int32
	RegID                string
	DeviceUserID         int64
	TTL                  int32
	Sent                 int64
	Queued               int32
	Status               int64
	RawData              []byte
	ImmediateAck         bool
}

func (*DataMessageStanza) Tag() Tag { return TagDataMessageStanza }

// Lookup returns the value of the first app data entry with key.
func (m *DataMessageStanza) Lookup(key string) (string, bool) {
	for _, a := range m.AppData {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

func (m *DataMessageStanza) Marshal() []byte {
	var b []byte
	if m.ID != "" {
		b = pbwire.AppendString(b, 2, m.ID)
	}
	b = pbwire.AppendString(b, 3, m.From)
	if m.To != "" {
		b = pbwire.AppendString(b, 4, m.To)
	}
	b = pbwire.AppendString(b, 5, m.Category)
	if m.Token != "" {
		b = pbwire.AppendString(b, 6, m.Token)
	}
	for _, a := range m.AppData {
		b = pbwire.AppendBytes(b, 7, a.marshal())
	}
	if m.FromTrustedServer {
		b = pbwire.AppendBool(b, 8, true)
	}
	if m.PersistentID != "" {
		b = pbwire.AppendString(b, 9, m.PersistentID)
	}
	if m.StreamID != 0 {
		b = pbwire.AppendInt64(b, 10, int64(m.StreamID))
	}
	if m.LastStreamIDReceived != 0 {
		b = pbwire.AppendInt64(b, 11, int64(m.LastStreamIDReceived))
	}
	if m.RegID != "" {
		b = pbwire.AppendString(b, 13, m.RegID)
	}
	if m.DeviceUserID != 0 {
		b = pbwire.AppendInt64(b, 16, m.DeviceUserID)
	}
	if m.TTL != 0 {
		b = pbwire.AppendInt64(b, 17, int64(m.TTL))
	}
	if m.Sent != 0 {
		b = pbwire.AppendInt64(b, 18, m.Sent)
	}
	if m.Queued != 0 {
		b = pbwire.AppendInt64(b, 19, int64(m.Queued))
	}
	if m.Status != 0 {
		b = pbwire.AppendInt64(b, 20, m.Status)
	}
	if len(m.RawData) > 0 {
		b = pbwire.AppendBytes(b, 21, m.RawData)
	}
	if m.ImmediateAck {
		b = pbwire.AppendBool(b, 24, true)
	}
	return b
}

func (m *DataMessageStanza) Unmarshal(b []byte) error {
	return pbwire.Walk(b, func(f pbwire.Field) (err error) {
		switch f.Num {
		case 2:
			m.ID, err = f.Text()
		case 3:
			m.From, err = f.Text()
		case 4:
			m.To, err = f.Text()
		case 5:
			m.Category, err = f.Text()
		case 6:
			m.Token, err = f.Text()
		case 7:
			var a AppData
			if err = embedded(f, &a); err == nil {
				m.AppData = append(m.AppData, a)
			}
		case 8:
			m.FromTrustedServer, err = f.Bool()
		case 9:
			m.PersistentID, err = f.Text()
		case 10:
			m.StreamID, err = f.Int32()
		case 11:
			m.LastStreamIDReceived, err = f.Int32()
		case 13:
			m.RegID, err = f.Text()
		case 16:
			m.DeviceUserID, err = f.Int64()
		case 17:
			m.TTL, err = f.Int32()
		case 18:
			m.Sent, err = f.Int64()
		case 19:
			m.Queued, err = f.Int32()
		case 20:
			m.Status, err = f.Int64()
		case 21:
			m.RawData, err = f.Raw()
		case 24:
			m.ImmediateAck, err = f.Bool()
		}
		return err
	})
}

// StreamErrorStanza reports a server-side stream error; the connection is over.
type StreamErrorStanza struct {
	Type string
	Text string
}

func (*StreamErrorStanza) Tag() Tag { return TagStreamErrorStanza }

func (m *StreamErrorStanza) Marshal() []byte {
	b := pbwire.AppendString(nil, 1, m.Type)
	if m.Text != "" {
		b = pbwire.AppendString(b, 2, m.Text)
	}
	return b
}

func (m *StreamErrorStanza) Unmarshal(b []byte) error {
	return pbwire.Walk(b, func(f pbwire.Field) (err error) {
		switch f.Num {
		case 1:
			m.Type, err = f.Text()
		case 2:
			m.Text, err = f.Text()
		}
		return err
	})
}

// Other is any frame whose tag has no schema here. The payload is kept verbatim.
type Other struct {
	Kind Tag
	Raw  []byte
}

func (m *Other) Tag() Tag { return m.Kind }

func (m *Other) Marshal() []byte { return m.Raw }

type unmarshaler interface{ unmarshal([]byte) error }

func embedded(f pbwire.Field, m unmarshaler) error {
	b, err := f.Message()
	if err != nil {
		return err
	}
	return m.unmarshal(b)
}
