package pow

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"math/big"
	"strconv"
)

const (
	MinDifficulty uint8 = 4
	MaxDifficulty uint8 = 8
	SaltSize            = 16
)

var (
	ErrBadDifficulty = errors.New("difficulty out of range")

	// expected client work is O(maxNumber/2) hashes
	maxNumbers = map[uint8]int64{
		4: 50_000,
		5: 200_000,
		6: 1_000_000,
		7: 5_000_000,
		8: 20_000_000,
	}
)

// MaxNumber maps a difficulty level to the size of the search space.
func MaxNumber(difficulty uint8) (int64, error) {
	n, ok := maxNumbers[difficulty]
	if !ok {
		return 0, ErrBadDifficulty
	}

	return n, nil
}

// ClampDifficulty forces a difficulty into the supported [4..8] range.
func ClampDifficulty(difficulty uint8) uint8 {
	if difficulty < MinDifficulty {
		return MinDifficulty
	}
	if difficulty > MaxDifficulty {
		return MaxDifficulty
	}

	return difficulty
}

// Puzzle is a single hash-preimage challenge: find n in [0, MaxNumber] such
// that sha256(salt || decimal(n)) equals Hash.
type Puzzle struct {
	Salt      []byte
	Hash      []byte
	MaxNumber int64
	secret    int64
}

// Generate picks a random secret in [0, maxNumber] (bounds inclusive) and a
// fresh salt.
func Generate(difficulty uint8) (*Puzzle, error) {
	maxNumber, err := MaxNumber(difficulty)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	n, err := rand.Int(rand.Reader, big.NewInt(maxNumber+1))
	if err != nil {
		return nil, err
	}
	secret := n.Int64()

	return &Puzzle{
		Salt:      salt,
		Hash:      hashPreimage(salt, secret),
		MaxNumber: maxNumber,
		secret:    secret,
	}, nil
}

// Secret exposes the picked preimage for tests and the debug solver.
func (p *Puzzle) Secret() int64 {
	return p.secret
}

func hashPreimage(salt []byte, n int64) []byte {
	hasher := sha256.New()
	hasher.Write(salt)
	hasher.Write([]byte(strconv.FormatInt(n, 10)))
	return hasher.Sum(nil)
}

// Verify recomputes the preimage hash and compares in constant time.
func Verify(salt, challengeHash []byte, solution int64) bool {
	if solution < 0 {
		return false
	}

	computed := hashPreimage(salt, solution)
	return subtle.ConstantTimeCompare(computed, challengeHash) == 1
}

// Data is the proof-of-work part of a challenge body, as sent to the widget.
type Data struct {
	Salt          string `json:"salt"`
	ChallengeHash string `json:"challengeHash"`
	MaxNumber     int64  `json:"maxNumber"`
}

func (p *Puzzle) Data() Data {
	return Data{
		Salt:          base64.StdEncoding.EncodeToString(p.Salt),
		ChallengeHash: hex.EncodeToString(p.Hash),
		MaxNumber:     p.MaxNumber,
	}
}

func (d *Data) Decode() (salt, challengeHash []byte, err error) {
	salt, err = base64.StdEncoding.DecodeString(d.Salt)
	if err != nil {
		return nil, nil, err
	}

	challengeHash, err = hex.DecodeString(d.ChallengeHash)
	if err != nil {
		return nil, nil, err
	}

	return salt, challengeHash, nil
}
