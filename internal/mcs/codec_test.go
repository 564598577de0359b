package mcs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/and161185/fcm-listener/internal/errs"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func sampleFrames() []Message {
	return []Message{
		&LoginRequest{
			ID:                    "chrome-63.0.3234.0",
			Domain:                "mcs.android.com",
			User:                  "123",
			Resource:              "123",
			AuthToken:             "456",
			DeviceID:              "android-7b",
			Settings:              []Setting{{Name: "new_vc", Value: "1"}},
			ReceivedPersistentIDs: []string{"0:1", "0:2"},
			UseRMQ2:               true,
			AuthService:           2,
			NetworkType:           1,
		},
		&LoginResponse{
			ID:              "resp",
			JID:             "user@mcs.android.com",
			Error:           &ErrorInfo{Code: 401, Message: "bad token"},
			Settings:        []Setting{{Name: "a", Value: "b"}},
			StreamID:        3,
			HeartbeatConfig: &HeartbeatConfig{IntervalMS: 60000},
			ServerTimestamp: 1700000000000,
		},
		&HeartbeatPing{StreamID: 4, LastStreamIDReceived: 2, Status: 7},
		&HeartbeatAck{StreamID: -1},
		&Close{},
		&IqStanza{Type: IqSet, ID: "iq-1", Extension: &Extension{ID: 12, Data: []byte{1, 2}}, PersistentID: "p"},
		&DataMessageStanza{
			ID:           "m1",
			From:         "123456",
			Category:     "org.chromium.linux",
			AppData:      []AppData{{Key: "crypto-key", Value: "dh=abc"}, {Key: "encryption", Value: "salt=xyz"}},
			PersistentID: "0:1700000000%7031b2e9f9fd7ecd",
			TTL:          2419200,
			Sent:         1700000000123,
			RawData:      []byte{0xde, 0xad, 0xbe, 0xef},
		},
		&StreamErrorStanza{Type: "conflict", Text: "replaced"},
		&Other{Kind: 15, Raw: []byte{0x08, 0x01}},
	}
}

func TestFrames_RoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	in := sampleFrames()
	for _, m := range in {
		require.NoError(t, enc.Encode(m))
	}
	require.Equal(t, Version, buf.Bytes()[0], "first byte must be the version marker")

	dec := NewDecoder(&buf)
	for _, want := range in {
		got, err := dec.Decode()
		require.NoError(t, err)
		require.Equal(t, want.Tag(), got.Tag)
		require.Equal(t, want, got.Body)
	}
	_, err := dec.Decode()
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, Version, dec.Version())
}

func TestEncoder_VersionOnlyOnFirstFrame(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(&HeartbeatAck{}))
	require.NoError(t, enc.Encode(&HeartbeatAck{}))
	require.Equal(t, []byte{Version, byte(TagHeartbeatAck), 0, byte(TagHeartbeatAck), 0}, buf.Bytes())
}

func TestLoginRequest_FitPersistentIDsSmallSet(t *testing.T) {
	t.Parallel()
	req := &LoginRequest{ID: "chrome", User: "1", AuthToken: "2"}
	ids := []string{"a", "b", "c"}
	require.Zero(t, req.FitPersistentIDs(ids, MaxPayloadLen))
	require.Equal(t, ids, req.ReceivedPersistentIDs)
}

func TestLoginRequest_FitPersistentIDsOverFrameLimit(t *testing.T) {
	t.Parallel()
	ids := make([]string, 120000)
	for i := range ids {
		ids[i] = fmt.Sprintf("0:%033d", i)
	}
	req := &LoginRequest{ID: "chrome", User: "1", AuthToken: "2", ReceivedPersistentIDs: ids}
	require.ErrorIs(t, NewEncoder(io.Discard).Encode(req), errs.ErrFraming)

	dropped := req.FitPersistentIDs(ids, MaxPayloadLen)
	require.Greater(t, dropped, 0)
	require.Len(t, req.ReceivedPersistentIDs, len(ids)-dropped)
	require.Equal(t, ids[dropped], req.ReceivedPersistentIDs[0], "the oldest ids are left out")
	require.Equal(t, ids[len(ids)-1], req.ReceivedPersistentIDs[len(req.ReceivedPersistentIDs)-1])
	require.LessOrEqual(t, len(req.Marshal()), MaxPayloadLen)
	require.NoError(t, NewEncoder(io.Discard).Encode(req))

	// one more id would not have fit
	req.ReceivedPersistentIDs = ids[dropped-1:]
	require.Greater(t, len(req.Marshal()), MaxPayloadLen)
}

func TestDecoder_UnknownTagIsOther(t *testing.T) {
	t.Parallel()
	b := []byte{Version, 42, 3, 'a', 'b', 'c'}
	f, err := NewDecoder(bytes.NewReader(b)).Decode()
	require.NoError(t, err)
	require.Equal(t, Tag(42), f.Tag)
	require.Equal(t, &Other{Kind: 42, Raw: []byte("abc")}, f.Body)
}

func TestDecoder_TruncatedPayload(t *testing.T) {
	t.Parallel()
	full := append([]byte{Version}, AppendFrame(nil, &StreamErrorStanza{Type: "x", Text: "long text"})...)
	for cut := 2; cut < len(full); cut++ {
		_, err := NewDecoder(bytes.NewReader(full[:cut])).Decode()
		if !errors.Is(err, errs.ErrFraming) {
			t.Fatalf("cut=%d: want ErrFraming, got %v", cut, err)
		}
	}
}

func TestDecoder_OversizedLength(t *testing.T) {
	t.Parallel()
	b := []byte{Version, byte(TagDataMessageStanza)}
	b = protowire.AppendVarint(b, MaxPayloadLen+1)
	_, err := NewDecoder(bytes.NewReader(b)).Decode()
	require.ErrorIs(t, err, errs.ErrFraming)
}

func TestDecoder_OverlongVarint(t *testing.T) {
	t.Parallel()
	b := []byte{Version, byte(TagClose), 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}
	_, err := NewDecoder(bytes.NewReader(b)).Decode()
	require.ErrorIs(t, err, errs.ErrFraming)
}

func TestDecoder_BadVersion(t *testing.T) {
	t.Parallel()
	_, err := NewDecoder(bytes.NewReader([]byte{7, 0, 0})).Decode()
	require.ErrorIs(t, err, errs.ErrFraming)
}

func TestDecoder_LegacyVersionAccepted(t *testing.T) {
	t.Parallel()
	f, err := NewDecoder(bytes.NewReader([]byte{38, byte(TagClose), 0})).Decode()
	require.NoError(t, err)
	require.Equal(t, TagClose, f.Tag)
}

func TestDecoder_MalformedBodyIsProtocolError(t *testing.T) {
	t.Parallel()
	// field 3 (from) declared as varint instead of string
	body := protowire.AppendTag(nil, 3, protowire.VarintType)
	body = protowire.AppendVarint(body, 1)
	b := append([]byte{Version, byte(TagDataMessageStanza), byte(len(body))}, body...)
	_, err := NewDecoder(bytes.NewReader(b)).Decode()
	require.ErrorIs(t, err, errs.ErrProtocol)
}

func TestDataMessageStanza_Lookup(t *testing.T) {
	t.Parallel()
	m := &DataMessageStanza{AppData: []AppData{{Key: "k", Value: "v"}}}
	v, ok := m.Lookup("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
	_, ok = m.Lookup("missing")
	require.False(t, ok)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestEncoder_WriteErrorIsNetwork(t *testing.T) {
	t.Parallel()
	err := NewEncoder(failingWriter{}).Encode(&HeartbeatAck{})
	require.ErrorIs(t, err, errs.ErrNetwork)
}
