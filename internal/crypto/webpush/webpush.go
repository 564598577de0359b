// Package webpush decrypts Web Push message bodies: P-256 ECDH between the
// recipient key and the sender's ephemeral key, HKDF-SHA256 key derivation
// with the recipient auth secret, and AES-128-GCM records.
//
// Two content encodings are supported: the legacy "aesgcm" scheme that FCM
// uses on the MCS stream (salt and sender key in the Encryption and
// Crypto-Key headers) and "aes128gcm" (RFC 8291), which carries them in a
// header inside the body.
package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/and161185/fcm-listener/internal/errs"
	"github.com/and161185/fcm-listener/internal/model"
	"golang.org/x/crypto/hkdf"
)

// Params
const (
	AuthSecretLen     = 16
	PublicKeyLen      = 65
	PrivateKeyLen     = 32
	SaltLen           = 16
	DefaultRecordSize = 4096
	MaxRecordSize     = 1 << 24

	keyLen   = 16
	nonceLen = 12
	tagLen   = 16
)

// Scheme is a Web Push content encoding.
type Scheme uint8

const (
	AESGCM Scheme = iota + 1
	AES128GCM
)

func (s Scheme) String() string {
	switch s {
	case AESGCM:
		return "aesgcm"
	case AES128GCM:
		return "aes128gcm"
	default:
		return "unknown"
	}
}

// Params are the encryption headers of one message. For AES128GCM only
// Scheme is read; the rest comes from the body header.
type Params struct {
	Scheme          Scheme
	Salt            []byte
	SenderPublicKey []byte
	RecordSize      int
}

// GenerateKeys creates fresh recipient key material.
func GenerateKeys() (model.WebPushKeys, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return model.WebPushKeys{}, fmt.Errorf("generate p256 key: %w", err)
	}
	auth := make([]byte, AuthSecretLen)
	if _, err := rand.Read(auth); err != nil {
		return model.WebPushKeys{}, fmt.Errorf("generate auth secret: %w", err)
	}
	return model.WebPushKeys{
		PrivateKey: priv.Bytes(),
		PublicKey:  priv.PublicKey().Bytes(),
		AuthSecret: auth,
	}, nil
}

// ValidateKeys checks that keys form a usable P-256 recipient key set.
func ValidateKeys(keys model.WebPushKeys) error {
	if len(keys.AuthSecret) != AuthSecretLen {
		return fmt.Errorf("%w: auth secret must be %d bytes, got %d", errs.ErrCrypto, AuthSecretLen, len(keys.AuthSecret))
	}
	priv, err := ecdh.P256().NewPrivateKey(keys.PrivateKey)
	if err != nil {
		return fmt.Errorf("%w: private key: %v", errs.ErrCrypto, err)
	}
	if string(priv.PublicKey().Bytes()) != string(keys.PublicKey) {
		return fmt.Errorf("%w: public key does not match private key", errs.ErrCrypto)
	}
	return nil
}

// Decrypt recovers the plaintext body. It has no side effects; every failure
// (tag mismatch, bad padding, bad parameters) is reported as ErrCrypto.
func Decrypt(ciphertext []byte, p Params, keys model.WebPushKeys) ([]byte, error) {
	switch p.Scheme {
	case AESGCM:
		return decryptAESGCM(ciphertext, p, keys)
	case AES128GCM:
		return decryptAES128GCM(ciphertext, keys)
	default:
		return nil, fmt.Errorf("%w: unsupported content encoding %d", errs.ErrCrypto, p.Scheme)
	}
}

func decryptAESGCM(ciphertext []byte, p Params, keys model.WebPushKeys) ([]byte, error) {
	if len(p.Salt) != SaltLen {
		return nil, fmt.Errorf("%w: salt must be %d bytes", errs.ErrCrypto, SaltLen)
	}
	rs := p.RecordSize
	if rs == 0 {
		rs = DefaultRecordSize
	}
	if rs < 3 || rs > MaxRecordSize {
		return nil, fmt.Errorf("%w: unsupported record size %d", errs.ErrCrypto, rs)
	}
	secret, err := sharedSecret(keys, p.SenderPublicKey)
	if err != nil {
		return nil, err
	}

	ikm, err := derive(secret, keys.AuthSecret, []byte("Content-Encoding: auth\x00"), 32)
	if err != nil {
		return nil, err
	}
	ctx := keyContext(keys.PublicKey, p.SenderPublicKey)
	cek, err := derive(ikm, p.Salt, append([]byte("Content-Encoding: aesgcm\x00"), ctx...), keyLen)
	if err != nil {
		return nil, err
	}
	nonce, err := derive(ikm, p.Salt, append([]byte("Content-Encoding: nonce\x00"), ctx...), nonceLen)
	if err != nil {
		return nil, err
	}
	return openRecords(ciphertext, rs+tagLen, cek, nonce, unpadAESGCM)
}

func decryptAES128GCM(body []byte, keys model.WebPushKeys) ([]byte, error) {
	// salt(16) | rs(4) | idlen(1) | keyid(idlen)
	const fixed = SaltLen + 4 + 1
	if len(body) < fixed {
		return nil, fmt.Errorf("%w: aes128gcm header truncated", errs.ErrCrypto)
	}
	salt := body[:SaltLen]
	rs := int(binary.BigEndian.Uint32(body[SaltLen : SaltLen+4]))
	idLen := int(body[SaltLen+4])
	if len(body) < fixed+idLen {
		return nil, fmt.Errorf("%w: aes128gcm key id truncated", errs.ErrCrypto)
	}
	if rs <= tagLen+1 || rs > MaxRecordSize {
		return nil, fmt.Errorf("%w: unsupported record size %d", errs.ErrCrypto, rs)
	}
	senderPub := body[fixed : fixed+idLen]
	secret, err := sharedSecret(keys, senderPub)
	if err != nil {
		return nil, err
	}

	info := make([]byte, 0, 14+len(keys.PublicKey)+len(senderPub))
	info = append(info, "WebPush: info\x00"...)
	info = append(info, keys.PublicKey...)
	info = append(info, senderPub...)
	ikm, err := derive(secret, keys.AuthSecret, info, 32)
	if err != nil {
		return nil, err
	}
	cek, err := derive(ikm, salt, []byte("Content-Encoding: aes128gcm\x00"), keyLen)
	if err != nil {
		return nil, err
	}
	nonce, err := derive(ikm, salt, []byte("Content-Encoding: nonce\x00"), nonceLen)
	if err != nil {
		return nil, err
	}
	return openRecords(body[fixed+idLen:], rs, cek, nonce, unpadAES128GCM)
}

func sharedSecret(keys model.WebPushKeys, senderPub []byte) ([]byte, error) {
	if len(keys.AuthSecret) != AuthSecretLen {
		return nil, fmt.Errorf("%w: auth secret must be %d bytes", errs.ErrCrypto, AuthSecretLen)
	}
	priv, err := ecdh.P256().NewPrivateKey(keys.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient private key: %v", errs.ErrCrypto, err)
	}
	pub, err := ecdh.P256().NewPublicKey(senderPub)
	if err != nil {
		return nil, fmt.Errorf("%w: sender public key: %v", errs.ErrCrypto, err)
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh: %v", errs.ErrCrypto, err)
	}
	return secret, nil
}

// keyContext builds the aesgcm context: "P-256\0" || len(ua) || ua || len(as) || as.
func keyContext(recipientPub, senderPub []byte) []byte {
	out := make([]byte, 0, 6+2+len(recipientPub)+2+len(senderPub))
	out = append(out, "P-256\x00"...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(recipientPub)))
	out = append(out, recipientPub...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(senderPub)))
	out = append(out, senderPub...)
	return out
}

// derive reads n bytes of HKDF-SHA256(secret, salt, info).
func derive(secret, salt, info []byte, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: hkdf: %v", errs.ErrCrypto, err)
	}
	return out, nil
}

// recordNonce xors the record sequence number into the low bytes of the base nonce.
func recordNonce(base []byte, seq uint64) []byte {
	iv := append([]byte(nil), base...)
	mask := binary.BigEndian.Uint64(iv[4:])
	binary.BigEndian.PutUint64(iv[4:], mask^seq)
	return iv
}

type unpadFunc func(record []byte, last bool) ([]byte, error)

func openRecords(ciphertext []byte, chunk int, cek, nonce []byte, unpad unpadFunc) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", errs.ErrCrypto)
	}
	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCrypto, err)
	}
	out := make([]byte, 0, len(ciphertext))
	for seq := uint64(0); len(ciphertext) > 0; seq++ {
		n := min(chunk, len(ciphertext))
		record := ciphertext[:n]
		ciphertext = ciphertext[n:]
		if len(record) <= tagLen {
			return nil, fmt.Errorf("%w: record %d too short", errs.ErrCrypto, seq)
		}
		pt, err := aead.Open(nil, recordNonce(nonce, seq), record, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: authentication failed", errs.ErrCrypto, seq)
		}
		data, err := unpad(pt, len(ciphertext) == 0)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", seq, err)
		}
		out = append(out, data...)
	}
	return out, nil
}

// unpadAESGCM strips the 2-byte big-endian padding length and the zero padding.
func unpadAESGCM(record []byte, _ bool) ([]byte, error) {
	if len(record) < 2 {
		return nil, fmt.Errorf("%w: record shorter than padding header", errs.ErrCrypto)
	}
	pad := int(binary.BigEndian.Uint16(record))
	if 2+pad > len(record) {
		return nil, fmt.Errorf("%w: padding length %d exceeds record", errs.ErrCrypto, pad)
	}
	for _, b := range record[2 : 2+pad] {
		if b != 0 {
			return nil, fmt.Errorf("%w: non-zero padding", errs.ErrCrypto)
		}
	}
	return record[2+pad:], nil
}

// unpadAES128GCM strips trailing zeros and the delimiter (0x02 on the last record, 0x01 otherwise).
func unpadAES128GCM(record []byte, last bool) ([]byte, error) {
	i := len(record) - 1
	for i >= 0 && record[i] == 0 {
		i--
	}
	if i < 0 {
		return nil, fmt.Errorf("%w: missing padding delimiter", errs.ErrCrypto)
	}
	want := byte(1)
	if last {
		want = 2
	}
	if record[i] != want {
		return nil, fmt.Errorf("%w: bad padding delimiter %#x", errs.ErrCrypto, record[i])
	}
	return record[:i], nil
}
