package oauth

import (
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

func TestCodeChallengeForRFC7636Vector(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	got := codeChallengeFor(verifier)
	if got != want {
		t.Errorf("codeChallengeFor(%q) = %q, want %q", verifier, got, want)
	}
}

func TestGeneratePKCEShapeAndUniqueness(t *testing.T) {
	v1, c1, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE: %v", err)
	}
	if len(v1) != 43 {
		t.Errorf("verifier length = %d, want 43", len(v1))
	}
	if len(c1) != 43 {
		t.Errorf("challenge length = %d, want 43", len(c1))
	}
	for _, r := range v1 {
		if !isURLSafeBase64Char(r) {
			t.Fatalf("verifier %q contains non-url-safe-base64 char %q", v1, r)
		}
	}
	if got := codeChallengeFor(v1); got != c1 {
		t.Errorf("codeChallengeFor(v1) = %q, want %q", got, c1)
	}

	v2, _, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE: %v", err)
	}
	if v1 == v2 {
		t.Error("two generated verifiers were identical")
	}
}

func isURLSafeBase64Char(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		return true
	default:
		return false
	}
}

func TestGenerateDPoPKeyPairIsSignOnly(t *testing.T) {
	kp, err := GenerateDPoPKeyPair()
	if err != nil {
		t.Fatalf("GenerateDPoPKeyPair: %v", err)
	}
	if kp.PublicJWK() == nil {
		t.Fatal("PublicJWK returned nil")
	}
	if use, ok := kp.PublicJWK().Get(jwk.KeyUsageKey); ok && use != "sig" {
		t.Errorf("public JWK use = %v, want sig", use)
	}

	priv, err := marshalJWK(kp.PrivateJWK())
	if err != nil {
		t.Fatalf("marshalJWK(private): %v", err)
	}
	parsed, err := parsePrivateJWK(priv)
	if err != nil {
		t.Fatalf("parsePrivateJWK: %v", err)
	}
	if _, err := dpopKeyPairFromPrivateJWK(parsed); err != nil {
		t.Fatalf("dpopKeyPairFromPrivateJWK: %v", err)
	}
}
