package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/proofcaptcha/proofcaptcha/pkg/common"
	"github.com/proofcaptcha/proofcaptcha/pkg/pow"
)

func TestChallengeHappyPath(t *testing.T) {
	t.Parallel()

	server, memory := newTestServer(t)

	recorder, response := requestChallenge(t, server, &challengeRequest{PublicKey: testSitekey})
	if response == nil {
		t.Fatalf("Challenge failed: %v %v", recorder.Code, recorder.Body.String())
	}

	if response.Difficulty < pow.MinDifficulty || response.Difficulty > pow.MaxDifficulty {
		t.Errorf("Difficulty out of range: %v", response.Difficulty)
	}

	if len(response.Token) == 0 {
		t.Error("Token is empty")
	}

	var body pow.Body
	if err := json.Unmarshal(response.Challenge, &body); err != nil {
		t.Fatalf("Challenge body does not parse: %v", err)
	}

	if body.MaxNumber != 50_000 {
		t.Errorf("Unexpected maxNumber for difficulty 4: %v", body.MaxNumber)
	}

	stored, err := memory.GetChallengeByToken(context.Background(), response.Token)
	if err != nil {
		t.Fatalf("Challenge not persisted: %v", err)
	}

	if stored.IsUsed {
		t.Error("Fresh challenge marked used")
	}

	if ttl := stored.ExpiresAt.Sub(stored.CreatedAt); ttl > 120*time.Second {
		t.Errorf("Challenge TTL too long: %v", ttl)
	}

	if stored.ValidatedDomain != testDomain {
		t.Errorf("Unexpected validated domain: %v", stored.ValidatedDomain)
	}

	// the random kind stores no kind-specific expected answer
	if stored.Answer != "" {
		t.Errorf("Random challenge has an expected answer: %v", stored.Answer)
	}
}

func TestChallengeInvalidSitekey(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	recorder, _ := requestChallenge(t, server, &challengeRequest{PublicKey: "pk_missing"})
	expectErrorCode(t, recorder, http.StatusForbidden, CodeInvalidSitekey)
}

func TestChallengeInactiveKey(t *testing.T) {
	t.Parallel()

	server, memory := newTestServer(t)

	if err := memory.SetApiKeyActive(context.Background(), "key1", false); err != nil {
		t.Fatal(err)
	}

	recorder, _ := requestChallenge(t, server, &challengeRequest{PublicKey: testSitekey})
	expectErrorCode(t, recorder, http.StatusForbidden, CodeInvalidSitekey)
}

func TestChallengeDomainMismatch(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	r := jsonRequest(t, "https://captcha.test/"+common.ChallengeEndpoint, &challengeRequest{PublicKey: testSitekey})
	r.Header.Set(common.HeaderOrigin, "https://evil.test")

	recorder := newRecorder()
	server.challengeHandler(recorder, r)
	expectErrorCode(t, recorder, http.StatusForbidden, CodeDomainMismatch)
}

func TestChallengeRefererFallback(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	r := jsonRequest(t, "https://captcha.test/"+common.ChallengeEndpoint, &challengeRequest{PublicKey: testSitekey})
	r.Header.Del(common.HeaderOrigin)
	r.Header.Set(common.HeaderReferer, "https://"+testDomain+"/signup")

	recorder := newRecorder()
	server.challengeHandler(recorder, r)

	if recorder.Code != http.StatusOK {
		t.Fatalf("Referer fallback rejected: %v %v", recorder.Code, recorder.Body.String())
	}
}

func TestChallengeMathKind(t *testing.T) {
	t.Parallel()

	server, memory := newTestServer(t)

	recorder, response := requestChallenge(t, server, &challengeRequest{PublicKey: testSitekey, Type: "math"})
	if response == nil {
		t.Fatalf("Challenge failed: %v", recorder.Code)
	}

	var body pow.Body
	if err := json.Unmarshal(response.Challenge, &body); err != nil {
		t.Fatal(err)
	}

	if len(body.Expression) == 0 {
		t.Error("Math challenge has no expression")
	}

	stored, err := memory.GetChallengeByToken(context.Background(), response.Token)
	if err != nil {
		t.Fatal(err)
	}

	if len(stored.Answer) == 0 {
		t.Error("Math challenge has no stored answer")
	}
}

func TestChallengeUnknownKind(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	recorder, _ := requestChallenge(t, server, &challengeRequest{PublicKey: testSitekey, Type: "audio"})
	expectErrorCode(t, recorder, http.StatusBadRequest, CodeBadRequest)
}

func TestChallengeBadBody(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	r := jsonRequest(t, "https://captcha.test/"+common.ChallengeEndpoint, "not an object")
	recorder := newRecorder()
	server.challengeHandler(recorder, r)
	expectErrorCode(t, recorder, http.StatusBadRequest, CodeBadRequest)
}

func TestChallengeMinDifficultyFloor(t *testing.T) {
	t.Parallel()

	server, memory := newTestServer(t)

	// raise the per-key floor above the low-risk recommendation
	apiKey, err := memory.GetApiKeyBySitekey(context.Background(), testSitekey)
	if err != nil {
		t.Fatal(err)
	}
	if err := memory.DeleteApiKey(context.Background(), apiKey.ID); err != nil {
		t.Fatal(err)
	}
	apiKey.Settings.MinDifficulty = 6
	if err := memory.CreateApiKey(context.Background(), apiKey); err != nil {
		t.Fatal(err)
	}

	_, response := requestChallenge(t, server, &challengeRequest{PublicKey: testSitekey})
	if response == nil {
		t.Fatal("Challenge failed")
	}

	if response.Difficulty < 6 {
		t.Errorf("Difficulty floor not applied: %v", response.Difficulty)
	}
}
