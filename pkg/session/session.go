package session

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/proofcaptcha/proofcaptcha/pkg/common"
	"github.com/proofcaptcha/proofcaptcha/pkg/keys"
)

const (
	// clients must handshake again after this
	TTL       = 15 * time.Minute
	nonceSize = 16
	cacheSize = 500_000

	sessionInfo = "captcha-session-v1"
)

var (
	ErrBadClientKey = errors.New("client public key is not a valid P-256 point")
	// deliberately generic: decryption failures must not oracle
	ErrCryptoFailure = errors.New("crypto failure")
)

// Info is the negotiated key material shared with one connected client.
// The master key never leaves the process.
type Info struct {
	ClientPublicKey []byte
	ServerPublicKey []byte
	Nonce           []byte
	ExpiresAt       time.Time
	masterKey       []byte
}

func (i *Info) Expired(tnow time.Time) bool {
	return !tnow.Before(i.ExpiresAt)
}

// HandshakeResponse is returned to the widget; the signature proves the
// server parameters were not swapped in transit.
type HandshakeResponse struct {
	ServerPublicKey string `json:"serverPublicKey"`
	Nonce           string `json:"nonce"`
	Timestamp       int64  `json:"timestamp"`
	ExpiresIn       int    `json:"expiresIn"`
	Signature       string `json:"signature"`
}

type sessionOtterLogger struct{}

func (sessionOtterLogger) Warn(ctx context.Context, msg string, err error) {
	slog.WarnContext(ctx, msg, "source", "otter", common.ErrAttr(err))
}
func (sessionOtterLogger) Error(ctx context.Context, msg string, err error) {
	slog.ErrorContext(ctx, msg, "source", "otter", common.ErrAttr(err))
}

// Manager owns the ECDH handshake and the session cache. Sessions are keyed
// by the client public key; expired entries are evicted lazily on access.
type Manager struct {
	signer *keys.Signer
	curve  ecdh.Curve
	cache  *otter.Cache[string, *Info]
}

func NewManager(signer *keys.Signer) *Manager {
	return &Manager{
		signer: signer,
		curve:  ecdh.P256(),
		cache: otter.Must(&otter.Options[string, *Info]{
			MaximumSize:      cacheSize,
			InitialCapacity:  1_000,
			ExpiryCalculator: otter.ExpiryWriting[string, *Info](TTL),
			Logger:           &sessionOtterLogger{},
		}),
	}
}

// Handshake derives a fresh session: an ephemeral server P-256 pair, ECDH
// with the client point and HKDF over the shared secret with
// salt = serverPublicKey || nonce.
func (m *Manager) Handshake(ctx context.Context, clientPublicKey string, tnow time.Time) (*HandshakeResponse, error) {
	clientRaw, err := base64.StdEncoding.DecodeString(clientPublicKey)
	if err != nil {
		return nil, ErrBadClientKey
	}

	clientPub, err := m.curve.NewPublicKey(clientRaw)
	if err != nil {
		return nil, ErrBadClientKey
	}

	serverPriv, err := m.curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	serverPub := serverPriv.PublicKey().Bytes()

	shared, err := serverPriv.ECDH(clientPub)
	if err != nil {
		return nil, ErrBadClientKey
	}

	nonce, err := keys.RandomBytes(nonceSize)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, 0, len(serverPub)+len(nonce))
	salt = append(salt, serverPub...)
	salt = append(salt, nonce...)

	masterKey, err := deriveKey(shared, salt, sessionInfo)
	if err != nil {
		return nil, err
	}

	info := &Info{
		ClientPublicKey: clientRaw,
		ServerPublicKey: serverPub,
		Nonce:           nonce,
		ExpiresAt:       tnow.Add(TTL),
		masterKey:       masterKey,
	}
	m.cache.Set(clientPublicKey, info)

	timestamp := tnow.Unix()
	signature := m.signer.SignHex(serverPub, nonce, []byte(strconv.FormatInt(timestamp, 10)))

	slog.Log(ctx, common.LevelTrace, "Negotiated session", "expiresIn", int(TTL.Seconds()))

	return &HandshakeResponse{
		ServerPublicKey: base64.StdEncoding.EncodeToString(serverPub),
		Nonce:           base64.StdEncoding.EncodeToString(nonce),
		Timestamp:       timestamp,
		ExpiresIn:       int(TTL.Seconds()),
		Signature:       signature,
	}, nil
}

// Get returns the live session for a client key, evicting it when expired.
func (m *Manager) Get(clientPublicKey string, tnow time.Time) (*Info, bool) {
	info, ok := m.cache.GetIfPresent(clientPublicKey)
	if !ok {
		return nil, false
	}

	if info.Expired(tnow) {
		m.cache.Invalidate(clientPublicKey)
		return nil, false
	}

	return info, true
}

// NewClientInfo derives the client half of a negotiated session from the
// handshake response; Go clients mirroring the widget (and the load
// generator) use it to talk to the server.
func NewClientInfo(clientPriv *ecdh.PrivateKey, response *HandshakeResponse, tnow time.Time) (*Info, error) {
	serverPub, err := base64.StdEncoding.DecodeString(response.ServerPublicKey)
	if err != nil {
		return nil, ErrBadClientKey
	}

	nonce, err := base64.StdEncoding.DecodeString(response.Nonce)
	if err != nil {
		return nil, ErrBadClientKey
	}

	serverKey, err := ecdh.P256().NewPublicKey(serverPub)
	if err != nil {
		return nil, ErrBadClientKey
	}

	shared, err := clientPriv.ECDH(serverKey)
	if err != nil {
		return nil, ErrBadClientKey
	}

	salt := make([]byte, 0, len(serverPub)+len(nonce))
	salt = append(salt, serverPub...)
	salt = append(salt, nonce...)

	masterKey, err := deriveKey(shared, salt, sessionInfo)
	if err != nil {
		return nil, err
	}

	return &Info{
		ClientPublicKey: clientPriv.PublicKey().Bytes(),
		ServerPublicKey: serverPub,
		Nonce:           nonce,
		ExpiresAt:       tnow.Add(TTL),
		masterKey:       masterKey,
	}, nil
}

// challengeKeyInfo builds the HKDF info string for a per-challenge child
// key. NOTE: both call directions historically derive with the "encrypt"
// label, so encrypt and decrypt share one key per challenge; the direction
// segment stays in the info string for wire compatibility, not keyed
// separation.
func challengeKeyInfo(challengeID string) string {
	digest := sha256.Sum256([]byte(challengeID))
	return "captcha-challenge-v1:encrypt:" + hex.EncodeToString(digest[:])
}

func (i *Info) challengeKey(challengeID string) ([]byte, error) {
	return deriveKey(i.masterKey, nil, challengeKeyInfo(challengeID))
}
