package pow

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	randv2 "math/rand/v2"
	"strconv"
)

// Solve performs the client-side search. The search space is shuffled
// (Fisher-Yates) before the scan to flatten timing side-channels; this is
// the reference policy for widget implementations and is used by tests and
// the load generator.
func Solve(ctx context.Context, salt, challengeHash []byte, maxNumber int64) (int64, bool) {
	space := make([]int64, maxNumber+1)
	for i := range space {
		space[i] = int64(i)
	}

	randv2.Shuffle(len(space), func(i, j int) {
		space[i], space[j] = space[j], space[i]
	})

	hasher := sha256.New()

	for i, candidate := range space {
		// checking every iteration would dominate the hash work
		if i%4096 == 0 && ctx.Err() != nil {
			return 0, false
		}

		hasher.Reset()
		hasher.Write(salt)
		hasher.Write([]byte(strconv.FormatInt(candidate, 10)))

		if subtle.ConstantTimeCompare(hasher.Sum(nil), challengeHash) == 1 {
			return candidate, true
		}
	}

	return 0, false
}
