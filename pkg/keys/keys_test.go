package keys

import (
	"strings"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	t.Parallel()

	sitekey, secretkey, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	if len(sitekey) != 22 {
		t.Errorf("Unexpected sitekey length: %v", len(sitekey))
	}

	if len(secretkey) != 64 {
		t.Errorf("Unexpected secretkey length: %v", len(secretkey))
	}

	if strings.ContainsAny(sitekey, "+/=") {
		t.Errorf("Sitekey is not url-safe: %v", sitekey)
	}
}

func TestGenerateKeyPairUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		sitekey, secretkey, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("Failed to generate key pair: %v", err)
		}

		if _, ok := seen[sitekey]; ok {
			t.Fatalf("Duplicate sitekey: %v", sitekey)
		}
		if _, ok := seen[secretkey]; ok {
			t.Fatalf("Duplicate secretkey: %v", secretkey)
		}

		seen[sitekey] = struct{}{}
		seen[secretkey] = struct{}{}
	}
}

func TestSignerRoundtrip(t *testing.T) {
	t.Parallel()

	signer := NewSigner([]byte("0123456789abcdef0123456789abcdef"))

	sig := signer.SignHex([]byte("id"), []byte("token"), []byte("data"))
	if !signer.VerifyHex(sig, []byte("id"), []byte("token"), []byte("data")) {
		t.Error("Signature does not verify")
	}

	if signer.VerifyHex(sig, []byte("id"), []byte("token"), []byte("tampered")) {
		t.Error("Tampered payload verified")
	}

	if signer.VerifyHex("zz"+sig[2:], []byte("id"), []byte("token"), []byte("data")) {
		t.Error("Malformed signature verified")
	}
}

func TestSignerPartsAreDelimited(t *testing.T) {
	t.Parallel()

	signer := NewSigner([]byte("0123456789abcdef0123456789abcdef"))

	// "ab" + "c" must not collide with "a" + "bc"
	one := signer.SignHex([]byte("ab"), []byte("c"))
	two := signer.SignHex([]byte("a"), []byte("bc"))

	if one == two {
		t.Error("Signature parts are not delimited")
	}
}

func TestConstantTimeEquals(t *testing.T) {
	t.Parallel()

	if !ConstantTimeEquals("secret", "secret") {
		t.Error("Equal strings reported as different")
	}

	if ConstantTimeEquals("secret", "secreT") {
		t.Error("Different strings reported as equal")
	}

	if ConstantTimeEquals("secret", "secre") {
		t.Error("Different lengths reported as equal")
	}
}
