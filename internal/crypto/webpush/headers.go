package webpush

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/and161185/fcm-listener/internal/errs"
)

// ParseHeaders builds aesgcm params from the Crypto-Key ("dh=...") and
// Encryption ("salt=...;rs=...") header values.
func ParseHeaders(cryptoKey, encryption string) (Params, error) {
	p := Params{Scheme: AESGCM, RecordSize: DefaultRecordSize}

	dh, ok := headerParam(cryptoKey, "dh")
	if !ok {
		return Params{}, fmt.Errorf("%w: crypto-key has no dh parameter", errs.ErrCrypto)
	}
	pub, err := DecodeBase64(dh)
	if err != nil {
		return Params{}, fmt.Errorf("%w: dh: %v", errs.ErrCrypto, err)
	}
	if len(pub) != PublicKeyLen {
		return Params{}, fmt.Errorf("%w: dh must be %d bytes, got %d", errs.ErrCrypto, PublicKeyLen, len(pub))
	}
	p.SenderPublicKey = pub

	salt, ok := headerParam(encryption, "salt")
	if !ok {
		return Params{}, fmt.Errorf("%w: encryption has no salt parameter", errs.ErrCrypto)
	}
	if p.Salt, err = DecodeBase64(salt); err != nil {
		return Params{}, fmt.Errorf("%w: salt: %v", errs.ErrCrypto, err)
	}
	if rs, ok := headerParam(encryption, "rs"); ok {
		n, err := strconv.Atoi(rs)
		if err != nil || n < 3 || n > MaxRecordSize {
			return Params{}, fmt.Errorf("%w: unsupported record size %q", errs.ErrCrypto, rs)
		}
		p.RecordSize = n
	}
	return p, nil
}

// headerParam finds name=value in a header made of ';' or ',' separated parameters.
func headerParam(header, name string) (string, bool) {
	for _, part := range strings.FieldsFunc(header, func(r rune) bool { return r == ';' || r == ',' }) {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), name) {
			continue
		}
		return strings.Trim(strings.TrimSpace(v), `"`), true
	}
	return "", false
}

// DecodeBase64 accepts base64 in URL or standard alphabet, with or without padding.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	return base64.RawURLEncoding.DecodeString(s)
}

// EncodeBase64 returns unpadded URL-safe base64, the encoding used by Web Push registrations.
func EncodeBase64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }
