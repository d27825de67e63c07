package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/proofcaptcha/proofcaptcha/pkg/keys"
)

const (
	keyLen  = 32
	ivSize  = 12
	tagSize = 16
)

func deriveKey(secret, salt []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, salt, []byte(info))

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}

	return key, nil
}

// Payload is an encrypted challenge or solution body. All fields are
// base64; the GCM tag travels separately for Web Crypto interoperability.
type Payload struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
}

// Encrypt seals plaintext with the session's per-challenge key. The
// challenge id doubles as AAD so a payload cannot be replayed against
// another challenge.
func (i *Info) Encrypt(challengeID string, plaintext []byte) (*Payload, error) {
	key, err := i.challengeKey(challengeID)
	if err != nil {
		return nil, ErrCryptoFailure
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrCryptoFailure
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrCryptoFailure
	}

	iv, err := keys.RandomBytes(ivSize)
	if err != nil {
		return nil, ErrCryptoFailure
	}

	sealed := gcm.Seal(nil, iv, plaintext, []byte(challengeID))
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return &Payload{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt opens a payload. Every failure mode collapses into
// ErrCryptoFailure so the response can never be used as a padding or tag
// oracle.
func (i *Info) Decrypt(challengeID string, payload *Payload) ([]byte, error) {
	if payload == nil {
		return nil, ErrCryptoFailure
	}

	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, ErrCryptoFailure
	}

	iv, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil {
		return nil, ErrCryptoFailure
	}

	tag, err := base64.StdEncoding.DecodeString(payload.Tag)
	if err != nil {
		return nil, ErrCryptoFailure
	}

	if len(iv) != ivSize || len(tag) != tagSize {
		return nil, ErrCryptoFailure
	}

	key, err := i.challengeKey(challengeID)
	if err != nil {
		return nil, ErrCryptoFailure
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrCryptoFailure
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrCryptoFailure
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, []byte(challengeID))
	if err != nil {
		return nil, ErrCryptoFailure
	}

	return plaintext, nil
}
