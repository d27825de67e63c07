package api

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/proofcaptcha/proofcaptcha/pkg/common"
	"github.com/proofcaptcha/proofcaptcha/pkg/pow"
	"github.com/proofcaptcha/proofcaptcha/pkg/session"
)

func performHandshake(t *testing.T, server *Server) (*ecdh.PrivateKey, string, *session.HandshakeResponse) {
	t.Helper()

	clientPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	clientPub := base64.StdEncoding.EncodeToString(clientPriv.PublicKey().Bytes())

	recorder := httptest.NewRecorder()
	server.handshakeHandler(recorder, jsonRequest(t, "https://captcha.test/"+common.HandshakeEndpoint,
		&handshakeRequest{PublicKey: testSitekey, ClientPublicKey: clientPub}))

	if recorder.Code != http.StatusOK {
		t.Fatalf("Handshake failed: %v %v", recorder.Code, recorder.Body.String())
	}

	return clientPriv, clientPub, decodeResponse[session.HandshakeResponse](t, recorder)
}

func TestHandshakeResponse(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	_, _, response := performHandshake(t, server)

	if response.ExpiresIn != 900 {
		t.Errorf("Unexpected session TTL: %v", response.ExpiresIn)
	}

	if len(response.Signature) == 0 || len(response.Nonce) == 0 {
		t.Error("Incomplete handshake response")
	}
}

func TestHandshakeInvalidSitekey(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	recorder := httptest.NewRecorder()
	server.handshakeHandler(recorder, jsonRequest(t, "https://captcha.test/"+common.HandshakeEndpoint,
		&handshakeRequest{PublicKey: "pk_missing", ClientPublicKey: "AAAA"}))
	expectErrorCode(t, recorder, http.StatusForbidden, CodeInvalidSitekey)
}

func TestHandshakeBadClientKey(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	recorder := httptest.NewRecorder()
	server.handshakeHandler(recorder, jsonRequest(t, "https://captcha.test/"+common.HandshakeEndpoint,
		&handshakeRequest{PublicKey: testSitekey, ClientPublicKey: "bm90IGEga2V5"}))
	expectErrorCode(t, recorder, http.StatusBadRequest, CodeBadRequest)
}

func TestEncryptedChallengeFlow(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	clientPriv, clientPub, handshake := performHandshake(t, server)

	clientSession, err := session.NewClientInfo(clientPriv, handshake, time.Now().UTC())
	if err != nil {
		t.Fatalf("Client derivation failed: %v", err)
	}

	// challenge comes back encrypted when the session is referenced
	recorder := httptest.NewRecorder()
	server.challengeHandler(recorder, jsonRequest(t, "https://captcha.test/"+common.ChallengeEndpoint,
		&challengeRequest{PublicKey: testSitekey, ClientPublicKey: clientPub}))
	if recorder.Code != http.StatusOK {
		t.Fatalf("Challenge failed: %v %v", recorder.Code, recorder.Body.String())
	}

	challenge := decodeResponse[challengeResponse](t, recorder)
	if challenge.Encrypted == nil {
		t.Fatal("Challenge not encrypted despite session")
	}
	if len(challenge.Challenge) != 0 {
		t.Fatal("Plaintext challenge leaked alongside the encrypted body")
	}

	// the challenge id doubles as the AAD
	plaintext, err := clientSession.Decrypt(challenge.ID, challenge.Encrypted)
	if err != nil {
		t.Fatalf("Client decrypt failed: %v", err)
	}

	var body pow.Body
	if err := json.Unmarshal(plaintext, &body); err != nil {
		t.Fatalf("Decrypted challenge does not parse: %v", err)
	}

	salt, hash, err := body.Decode()
	if err != nil {
		t.Fatal(err)
	}

	number, ok := pow.Solve(context.Background(), salt, hash, body.MaxNumber)
	if !ok {
		t.Fatal("Solver gave up")
	}

	solutionJSON, err := json.Marshal(&pow.Solution{Number: number})
	if err != nil {
		t.Fatal(err)
	}

	encryptedSolution, err := clientSession.Encrypt(challenge.ID, solutionJSON)
	if err != nil {
		t.Fatal(err)
	}

	verifyRecorder := httptest.NewRecorder()
	server.verifyHandler(verifyRecorder, jsonRequest(t, "https://captcha.test/"+common.VerifyEndpoint,
		map[string]interface{}{
			"token":           challenge.Token,
			"encrypted":       encryptedSolution,
			"clientPublicKey": clientPub,
		}))

	if verifyRecorder.Code != http.StatusOK {
		t.Fatalf("Encrypted verify failed: %v %v", verifyRecorder.Code, verifyRecorder.Body.String())
	}

	if !decodeResponse[verifySuccessResponse](t, verifyRecorder).Success {
		t.Error("Encrypted verification did not succeed")
	}
}

func TestEncryptedVerifyWithoutSession(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	_, challenge := requestChallenge(t, server, &challengeRequest{PublicKey: testSitekey})
	if challenge == nil {
		t.Fatal("Challenge failed")
	}

	recorder := httptest.NewRecorder()
	server.verifyHandler(recorder, jsonRequest(t, "https://captcha.test/"+common.VerifyEndpoint,
		map[string]interface{}{
			"token": challenge.Token,
			"encrypted": &session.Payload{
				Ciphertext: "AAAA",
				IV:         base64.StdEncoding.EncodeToString(make([]byte, 12)),
				Tag:        base64.StdEncoding.EncodeToString(make([]byte, 16)),
			},
		}))

	expectErrorCode(t, recorder, http.StatusBadRequest, CodeCryptoFailure)
}
