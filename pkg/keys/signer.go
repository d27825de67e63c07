package keys

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"

	"github.com/proofcaptcha/proofcaptcha/pkg/common"
)

const (
	// SERVER_SECRET must carry at least this much entropy
	MinServerSecretLen = 32
)

var (
	dotBytes = []byte(".")
)

// Signer produces and checks HMAC-SHA256 signatures over canonical
// dot-joined field sequences with the server secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// NewSignerFromConfig reads SERVER_SECRET, generating an ephemeral one when
// it is absent. An ephemeral secret invalidates all outstanding challenges on
// restart, hence the loud warning.
func NewSignerFromConfig(ctx context.Context, cfg common.ConfigStore) (*Signer, error) {
	secret := cfg.Get(common.ServerSecretKey).Value()
	if len(secret) >= MinServerSecretLen {
		return NewSigner([]byte(secret)), nil
	}

	generated, err := RandomBytes(MinServerSecretLen)
	if err != nil {
		return nil, err
	}

	slog.WarnContext(ctx, "SERVER_SECRET is not set or too short, generated an ephemeral one. "+
		"All challenges and sessions will be invalidated on restart", "minLength", MinServerSecretLen)

	return NewSigner(generated), nil
}

func (s *Signer) Sign(parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	for i, part := range parts {
		if i > 0 {
			mac.Write(dotBytes)
		}
		mac.Write(part)
	}

	return mac.Sum(nil)
}

func (s *Signer) SignHex(parts ...[]byte) string {
	return hex.EncodeToString(s.Sign(parts...))
}

func (s *Signer) Verify(signature []byte, parts ...[]byte) bool {
	expected := s.Sign(parts...)
	return hmac.Equal(signature, expected)
}

func (s *Signer) VerifyHex(signature string, parts ...[]byte) bool {
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	return s.Verify(decoded, parts...)
}

// ConstantTimeEquals compares two secrets without leaking their contents
// through timing.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeEq(int32(len(a)), int32(len(b))) == 1 &&
		subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
