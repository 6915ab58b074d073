package oauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// base64URLEncode encodes b as URL-safe base64 without padding, per §4.2.
func base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// generateRandomString returns n cryptographically-random bytes, base64url
// encoded without padding.
func generateRandomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", wrapf(KindDPoP, err, "generating random bytes")
	}
	return base64URLEncode(b), nil
}

// GeneratePKCE returns a fresh code verifier and its S256 challenge.
// verifier is 32 random bytes, base64url-encoded (43 chars); challenge is
// base64url(SHA-256(verifier)).
func GeneratePKCE() (verifier string, challenge string, err error) {
	verifier, err = generateRandomString(32)
	if err != nil {
		return "", "", err
	}
	challenge = codeChallengeFor(verifier)
	return verifier, challenge, nil
}

func codeChallengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64URLEncode(sum[:])
}

// generateState returns a fresh PKCE state token, same shape as a code
// verifier.
func generateState() (string, error) {
	return generateRandomString(32)
}

// DPoPKeyPair is an ES256 (ECDSA P-256) keypair, exported as JWK on demand.
// Created fresh per session at token-exchange time; exclusively owned by
// one session and destroyed with it.
type DPoPKeyPair struct {
	private jwk.Key
	public  jwk.Key
}

// GenerateDPoPKeyPair creates a fresh ES256 keypair for DPoP proof signing.
func GenerateDPoPKeyPair() (*DPoPKeyPair, error) {
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, wrapf(KindDPoP, err, "generating ES256 keypair")
	}
	return keyPairFromECDSA(raw)
}

func keyPairFromECDSA(raw *ecdsa.PrivateKey) (*DPoPKeyPair, error) {
	priv, err := jwk.FromRaw(raw)
	if err != nil {
		return nil, wrapf(KindDPoP, err, "importing ECDSA private key as JWK")
	}
	if err := priv.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, wrapf(KindDPoP, err, "setting JWK alg")
	}
	// Sign-only: clear any key-ops that would block a strict validator
	// from importing this as a signing key.
	if err := priv.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, wrapf(KindDPoP, err, "setting JWK use")
	}
	_ = priv.Remove(jwk.KeyOpsKey)

	pub, err := jwk.PublicKeyOf(priv)
	if err != nil {
		return nil, wrapf(KindDPoP, err, "deriving public JWK")
	}
	if err := pub.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, wrapf(KindDPoP, err, "setting public JWK alg")
	}

	return &DPoPKeyPair{private: priv, public: pub}, nil
}

// PrivateJWK returns the private key as a JWK (for session persistence).
func (k *DPoPKeyPair) PrivateJWK() jwk.Key { return k.private }

// PublicJWK returns the public key as a JWK (for the DPoP proof header).
func (k *DPoPKeyPair) PublicJWK() jwk.Key { return k.public }

// dpopKeyPairFromPrivateJWK re-imports a keypair from its stored private
// JWK, as done at session restore / refresh time.
func dpopKeyPairFromPrivateJWK(raw jwk.Key) (*DPoPKeyPair, error) {
	pub, err := jwk.PublicKeyOf(raw)
	if err != nil {
		return nil, wrapf(KindDPoP, err, "deriving public JWK from stored key")
	}
	if err := pub.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, wrapf(KindDPoP, err, "setting public JWK alg")
	}
	return &DPoPKeyPair{private: raw, public: pub}, nil
}

// parsePrivateJWK unmarshals a stored JWK JSON document back into a jwk.Key.
func parsePrivateJWK(raw []byte) (jwk.Key, error) {
	key, err := jwk.ParseKey(raw)
	if err != nil {
		return nil, wrapf(KindDPoP, err, "parsing stored DPoP private key")
	}
	return key, nil
}

// marshalJWK serializes a JWK to its JSON form for storage.
func marshalJWK(key jwk.Key) ([]byte, error) {
	b, err := json.Marshal(key)
	if err != nil {
		return nil, wrapf(KindDPoP, err, "marshaling JWK")
	}
	return b, nil
}
