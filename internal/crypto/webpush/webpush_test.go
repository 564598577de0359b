package webpush

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/fcm-listener/internal/crypto/webpush/webpushtest"
	"github.com/and161185/fcm-listener/internal/errs"
	"github.com/and161185/fcm-listener/internal/model"
)

func params(s webpushtest.Sealed) Params {
	return Params{Scheme: AESGCM, Salt: s.Salt, SenderPublicKey: s.SenderPublicKey, RecordSize: s.RecordSize}
}

func encryptAESGCM(t *testing.T, recv model.WebPushKeys, plaintext []byte, rs, pad int) ([]byte, Params) {
	s := webpushtest.AESGCM(t, recv, plaintext, rs, pad)
	return s.Ciphertext, params(s)
}

func sealAESGCM(t *testing.T, recv model.WebPushKeys, rs int, records [][]byte) ([]byte, Params) {
	s := webpushtest.SealRecords(t, recv, rs, records)
	return s.Ciphertext, params(s)
}

func newKeys(t *testing.T) model.WebPushKeys {
	t.Helper()
	k, err := GenerateKeys()
	require.NoError(t, err)
	return k
}

func TestGenerateKeys(t *testing.T) {
	t.Parallel()
	k := newKeys(t)
	require.Len(t, k.PrivateKey, PrivateKeyLen)
	require.Len(t, k.PublicKey, PublicKeyLen)
	require.Len(t, k.AuthSecret, AuthSecretLen)
	require.Equal(t, byte(0x04), k.PublicKey[0])
	require.NoError(t, ValidateKeys(k))

	other := newKeys(t)
	require.NotEqual(t, k.PrivateKey, other.PrivateKey)
	mixed := model.WebPushKeys{PrivateKey: k.PrivateKey, PublicKey: other.PublicKey, AuthSecret: k.AuthSecret}
	require.ErrorIs(t, ValidateKeys(mixed), errs.ErrCrypto)
}

func TestDecryptAESGCM_RoundTrip(t *testing.T) {
	t.Parallel()
	keys := newKeys(t)
	cases := []struct {
		name string
		size int
		rs   int
		pad  int
	}{
		{"empty", 0, DefaultRecordSize, 0},
		{"short", 41, DefaultRecordSize, 0},
		{"padded", 100, DefaultRecordSize, 17},
		{"multi record", 300, 32, 3},
		{"exact records", 90, 32, 0},
	}
	for _, tc := range cases {
		pt := make([]byte, tc.size)
		_, _ = rand.Read(pt)
		ct, p := encryptAESGCM(t, keys, pt, tc.rs, tc.pad)
		got, err := Decrypt(ct, p, keys)
		if err != nil {
			t.Fatalf("%s: Decrypt: %v", tc.name, err)
		}
		if !bytes.Equal(got, pt) {
			t.Fatalf("%s: roundtrip mismatch", tc.name)
		}
	}
}

func TestDecryptAES128GCM_RoundTrip(t *testing.T) {
	t.Parallel()
	keys := newKeys(t)
	for _, rs := range []int{4096, 40} {
		pt := []byte("When I grow up, I want to be a watermelon. Then a bigger watermelon.")
		body := webpushtest.AES128GCM(t, keys, pt, rs)
		got, err := Decrypt(body, Params{Scheme: AES128GCM}, keys)
		require.NoError(t, err, "rs=%d", rs)
		require.Equal(t, pt, got)
	}
}

func TestDecrypt_TamperedByteAlwaysFails(t *testing.T) {
	t.Parallel()
	keys := newKeys(t)
	ct, p := encryptAESGCM(t, keys, []byte("hello push"), DefaultRecordSize, 0)
	for i := range ct {
		bad := append([]byte(nil), ct...)
		bad[i] ^= 0x01
		got, err := Decrypt(bad, p, keys)
		if !errors.Is(err, errs.ErrCrypto) || got != nil {
			t.Fatalf("byte %d: want ErrCrypto and no plaintext, got %q %v", i, got, err)
		}
	}
}

func TestDecrypt_TamperedAES128GCMTag(t *testing.T) {
	t.Parallel()
	keys := newKeys(t)
	body := webpushtest.AES128GCM(t, keys, []byte("hello"), 4096)
	body[len(body)-1] ^= 0x80
	_, err := Decrypt(body, Params{Scheme: AES128GCM}, keys)
	require.ErrorIs(t, err, errs.ErrCrypto)
}

func TestDecrypt_WrongAuthSecret(t *testing.T) {
	t.Parallel()
	keys := newKeys(t)
	ct, p := encryptAESGCM(t, keys, []byte("hello"), DefaultRecordSize, 0)
	wrong := keys
	wrong.AuthSecret = make([]byte, AuthSecretLen)
	_, err := Decrypt(ct, p, wrong)
	require.ErrorIs(t, err, errs.ErrCrypto)
}

func TestDecrypt_MalformedPadding(t *testing.T) {
	t.Parallel()
	keys := newKeys(t)

	ct, p := sealAESGCM(t, keys, DefaultRecordSize, [][]byte{{0x00, 0x09, 'h', 'i'}})
	_, err := Decrypt(ct, p, keys)
	require.ErrorIs(t, err, errs.ErrCrypto, "padding length beyond record")

	ct, p = sealAESGCM(t, keys, DefaultRecordSize, [][]byte{{0x00, 0x01, 0xff, 'x'}})
	_, err = Decrypt(ct, p, keys)
	require.ErrorIs(t, err, errs.ErrCrypto, "non-zero padding")
}

func TestDecrypt_BadParams(t *testing.T) {
	t.Parallel()
	keys := newKeys(t)
	ct, p := encryptAESGCM(t, keys, []byte("hello"), DefaultRecordSize, 0)

	bad := p
	bad.RecordSize = 2
	_, err := Decrypt(ct, bad, keys)
	require.ErrorIs(t, err, errs.ErrCrypto)

	bad = p
	bad.Salt = bad.Salt[:8]
	_, err = Decrypt(ct, bad, keys)
	require.ErrorIs(t, err, errs.ErrCrypto)

	bad = p
	bad.SenderPublicKey = append([]byte{0x04}, make([]byte, 64)...)
	_, err = Decrypt(ct, bad, keys)
	require.ErrorIs(t, err, errs.ErrCrypto)

	_, err = Decrypt(ct, Params{}, keys)
	require.ErrorIs(t, err, errs.ErrCrypto)

	_, err = Decrypt(nil, p, keys)
	require.ErrorIs(t, err, errs.ErrCrypto)

	_, err = Decrypt([]byte{1, 2, 3}, Params{Scheme: AES128GCM}, keys)
	require.ErrorIs(t, err, errs.ErrCrypto)
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()
	keys := newKeys(t)
	_, p := encryptAESGCM(t, keys, []byte("x"), DefaultRecordSize, 0)

	got, err := ParseHeaders(
		"dh="+EncodeBase64(p.SenderPublicKey)+";p256ecdsa=ignored",
		"keyid=p256dh; salt="+base64.URLEncoding.EncodeToString(p.Salt)+"; rs=2048",
	)
	require.NoError(t, err)
	require.Equal(t, AESGCM, got.Scheme)
	require.Equal(t, p.SenderPublicKey, got.SenderPublicKey)
	require.Equal(t, p.Salt, got.Salt)
	require.Equal(t, 2048, got.RecordSize)

	got, err = ParseHeaders("dh="+EncodeBase64(p.SenderPublicKey), "salt="+EncodeBase64(p.Salt))
	require.NoError(t, err)
	require.Equal(t, DefaultRecordSize, got.RecordSize)

	_, err = ParseHeaders("p256ecdsa=abc", "salt=abc")
	require.ErrorIs(t, err, errs.ErrCrypto)
	_, err = ParseHeaders("dh="+EncodeBase64(p.SenderPublicKey), "rs=10")
	require.ErrorIs(t, err, errs.ErrCrypto)
	_, err = ParseHeaders("dh="+EncodeBase64(p.SenderPublicKey), "salt=abc;rs=zero")
	require.ErrorIs(t, err, errs.ErrCrypto)
}

func TestDecodeBase64_Alphabets(t *testing.T) {
	t.Parallel()
	raw := []byte{0xfb, 0xff, 0xfe, 0x01}
	for _, s := range []string{
		base64.StdEncoding.EncodeToString(raw),
		base64.RawStdEncoding.EncodeToString(raw),
		base64.URLEncoding.EncodeToString(raw),
		base64.RawURLEncoding.EncodeToString(raw),
	} {
		got, err := DecodeBase64(s)
		require.NoError(t, err, s)
		require.Equal(t, raw, got)
	}
}
