package keys

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"
)

const (
	sitekeyBytes   = 16
	secretkeyBytes = 32
	tokenBytes     = 16
)

// GenerateKeyPair mints a sitekey/secretkey credential pair. The sitekey is
// public widget-side material, the secret key must only ever reach the site
// backend.
func GenerateKeyPair() (string, string, error) {
	var buf [sitekeyBytes + secretkeyBytes]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return "", "", err
	}

	sitekey := base64.RawURLEncoding.EncodeToString(buf[:sitekeyBytes])
	secretkey := hex.EncodeToString(buf[sitekeyBytes:])

	return sitekey, secretkey, nil
}

// RandomToken returns an opaque 128-bit challenge token.
func RandomToken() (string, error) {
	var buf [tokenBytes]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}

	return buf, nil
}
