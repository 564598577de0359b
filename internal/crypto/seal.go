// Package crypto seals key material at rest with a passphrase-derived key.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/and161185/fcm-listener/internal/errs"
)

// Argon2id parameters for the key-encryption key.
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	kekLen       uint32 = chacha20poly1305.KeySize

	saltLen     = 16
	sealVersion = 1
)

// ErrNoPassphrase is returned when a Sealer is built without a passphrase.
var ErrNoPassphrase = errors.New("empty passphrase")

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKEK derives a key-encryption key from passphrase and salt using Argon2id.
func DeriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, kekLen)
}

// Sealer encrypts secrets with XChaCha20-Poly1305 under a key derived from a
// passphrase. Every blob carries its own salt and nonce:
//
//	version(1) | salt(16) | nonce(24) | ciphertext+tag
type Sealer struct {
	passphrase []byte
}

// NewSealer returns a Sealer for passphrase.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	return &Sealer{passphrase: []byte(passphrase)}, nil
}

// Seal encrypts plaintext. aad binds the blob to its owner (e.g. the registration id)
// and must be presented again to Open.
func (s *Sealer) Seal(aad, plaintext []byte) ([]byte, error) {
	salt, err := RandBytes(saltLen)
	if err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(DeriveKEK(s.passphrase, salt))
	if err != nil {
		return nil, err
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	out := make([]byte, 0, 1+saltLen+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, sealVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// Open decrypts a blob produced by Seal. A wrong passphrase, wrong aad or
// tampered blob fails with ErrCrypto.
func (s *Sealer) Open(aad, blob []byte) ([]byte, error) {
	const header = 1 + saltLen + chacha20poly1305.NonceSizeX
	if len(blob) < header+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: sealed blob too short", errs.ErrCrypto)
	}
	if blob[0] != sealVersion {
		return nil, fmt.Errorf("%w: sealed blob version %d", errs.ErrCrypto, blob[0])
	}
	salt := blob[1 : 1+saltLen]
	nonce := blob[1+saltLen : header]
	aead, err := chacha20poly1305.NewX(DeriveKEK(s.passphrase, salt))
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, blob[header:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: open sealed blob", errs.ErrCrypto)
	}
	return pt, nil
}
