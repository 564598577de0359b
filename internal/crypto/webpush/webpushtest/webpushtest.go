// Package webpushtest is a reference Web Push encryptor for tests. It is
// written independently of the decryptor so each checks the other.
package webpushtest

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"io"
	"strconv"
	"testing"

	"golang.org/x/crypto/hkdf"

	"github.com/and161185/fcm-listener/internal/model"
)

// Sealed is an aesgcm message with its header parameters.
type Sealed struct {
	Ciphertext      []byte
	Salt            []byte
	SenderPublicKey []byte
	RecordSize      int
}

// CryptoKey renders the Crypto-Key header value.
func (s Sealed) CryptoKey() string {
	return "dh=" + base64.RawURLEncoding.EncodeToString(s.SenderPublicKey)
}

// Encryption renders the Encryption header value.
func (s Sealed) Encryption() string {
	return "salt=" + base64.RawURLEncoding.EncodeToString(s.Salt) + ";rs=" + strconv.Itoa(s.RecordSize)
}

func derive(tb testing.TB, secret, salt []byte, info string, n int) []byte {
	tb.Helper()
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out); err != nil {
		tb.Fatalf("hkdf: %v", err)
	}
	return out
}

func seal(tb testing.TB, cek, nonce []byte, records [][]byte) []byte {
	tb.Helper()
	block, err := aes.NewCipher(cek)
	if err != nil {
		tb.Fatalf("aes: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		tb.Fatalf("gcm: %v", err)
	}
	var out []byte
	for seq, r := range records {
		iv := append([]byte(nil), nonce...)
		for i := 0; i < 8; i++ {
			iv[11-i] ^= byte(uint64(seq) >> (8 * i))
		}
		out = gcm.Seal(out, iv, r, nil)
	}
	return out
}

func agree(tb testing.TB, recv model.WebPushKeys) (senderPub, secret, salt []byte) {
	tb.Helper()
	sender, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		tb.Fatalf("sender key: %v", err)
	}
	recvPub, err := ecdh.P256().NewPublicKey(recv.PublicKey)
	if err != nil {
		tb.Fatalf("recipient key: %v", err)
	}
	if secret, err = sender.ECDH(recvPub); err != nil {
		tb.Fatalf("ecdh: %v", err)
	}
	salt = make([]byte, 16)
	_, _ = rand.Read(salt)
	return sender.PublicKey().Bytes(), secret, salt
}

// SealRecords encrypts already padded aesgcm records.
func SealRecords(tb testing.TB, recv model.WebPushKeys, rs int, records [][]byte) Sealed {
	tb.Helper()
	senderPub, secret, salt := agree(tb, recv)

	ikm := derive(tb, secret, recv.AuthSecret, "Content-Encoding: auth\x00", 32)
	ctx := []byte("P-256\x00")
	ctx = append(ctx, 0, byte(len(recv.PublicKey)))
	ctx = append(ctx, recv.PublicKey...)
	ctx = append(ctx, 0, byte(len(senderPub)))
	ctx = append(ctx, senderPub...)
	cek := derive(tb, ikm, salt, "Content-Encoding: aesgcm\x00"+string(ctx), 16)
	nonce := derive(tb, ikm, salt, "Content-Encoding: nonce\x00"+string(ctx), 12)

	return Sealed{Ciphertext: seal(tb, cek, nonce, records), Salt: salt, SenderPublicKey: senderPub, RecordSize: rs}
}

// AESGCM encrypts plaintext with the legacy aesgcm scheme, putting pad bytes
// of padding in the first record.
func AESGCM(tb testing.TB, recv model.WebPushKeys, plaintext []byte, rs, pad int) Sealed {
	tb.Helper()
	var records [][]byte
	first := true
	for first || len(plaintext) > 0 {
		p := 0
		if first {
			p = pad
		}
		n := min(rs-2-p, len(plaintext))
		r := make([]byte, 2+p, 2+p+n)
		binary.BigEndian.PutUint16(r, uint16(p))
		r = append(r, plaintext[:n]...)
		plaintext = plaintext[n:]
		records = append(records, r)
		first = false
	}
	return SealRecords(tb, recv, rs, records)
}

// AES128GCM encrypts plaintext as an RFC 8188 body including its header.
func AES128GCM(tb testing.TB, recv model.WebPushKeys, plaintext []byte, rs int) []byte {
	tb.Helper()
	senderPub, secret, salt := agree(tb, recv)

	ikm := derive(tb, secret, recv.AuthSecret, "WebPush: info\x00"+string(recv.PublicKey)+string(senderPub), 32)
	cek := derive(tb, ikm, salt, "Content-Encoding: aes128gcm\x00", 16)
	nonce := derive(tb, ikm, salt, "Content-Encoding: nonce\x00", 12)

	var records [][]byte
	size := rs - 16 - 1
	for {
		n := min(size, len(plaintext))
		r := append([]byte(nil), plaintext[:n]...)
		plaintext = plaintext[n:]
		if len(plaintext) == 0 {
			records = append(records, append(r, 2))
			break
		}
		records = append(records, append(r, 1))
	}

	header := append([]byte(nil), salt...)
	header = binary.BigEndian.AppendUint32(header, uint32(rs))
	header = append(header, byte(len(senderPub)))
	header = append(header, senderPub...)
	return append(header, seal(tb, cek, nonce, records)...)
}
