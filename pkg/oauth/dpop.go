package oauth

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// dpopProofTTL is the lifetime of a single DPoP proof JWT (exp = iat + 300s).
const dpopProofTTL = 300 * time.Second

// normalizeHTU implements the htu normalization required by RFC 9449 §4.2:
// strip query string and fragment, keep scheme, host, port, and path only.
// The host is additionally lower-cased (see DESIGN.md Open Questions) since
// scheme/host casing is not meaningful in URLs but path casing is preserved
// verbatim.
func normalizeHTU(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", wrapf(KindDPoP, err, "parsing request URL %q", rawURL)
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String(), nil
}

// accessTokenHash computes the DPoP `ath` claim: base64url(SHA-256(token)).
func accessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64URLEncode(sum[:])
}

// buildDPoPProof produces a compact DPoP proof JWS per §4.3: header
// {typ:"dpop+jwt", alg:"ES256", jwk:<public JWK>}, payload {jti, htm, htu,
// iat, exp, ath?, nonce?}.
func buildDPoPProof(kp *DPoPKeyPair, method, targetURL string, accessToken, nonce string) (string, error) {
	htu, err := normalizeHTU(targetURL)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := map[string]any{
		"jti": uuid.NewString(),
		"htm": strings.ToUpper(method),
		"htu": htu,
		"iat": now.Unix(),
		"exp": now.Add(dpopProofTTL).Unix(),
	}
	if accessToken != "" {
		claims["ath"] = accessTokenHash(accessToken)
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}

	payload, err := marshalClaims(claims)
	if err != nil {
		return "", wrapf(KindDPoP, err, "marshaling DPoP payload")
	}

	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.TypeKey, "dpop+jwt"); err != nil {
		return "", wrapf(KindDPoP, err, "setting DPoP typ header")
	}
	if err := hdrs.Set(jws.JWKKey, kp.PublicJWK()); err != nil {
		return "", wrapf(KindDPoP, err, "setting DPoP jwk header")
	}

	rawPriv, err := privateRawKey(kp)
	if err != nil {
		return "", err
	}

	signed, err := jws.Sign(payload, jws.WithKey(jwa.ES256, rawPriv, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", wrapf(KindDPoP, err, "signing DPoP proof")
	}
	return string(signed), nil
}

// privateRawKey extracts the raw *ecdsa.PrivateKey jws.Sign expects.
func privateRawKey(kp *DPoPKeyPair) (any, error) {
	var raw any
	if err := kp.private.Raw(&raw); err != nil {
		return nil, wrapf(KindDPoP, err, "extracting raw private key")
	}
	return raw, nil
}

// marshalClaims produces deterministic JSON for a DPoP payload.
func marshalClaims(claims map[string]any) ([]byte, error) {
	return json.Marshal(claims)
}

// nonceCache maps a server origin (scheme+host+port) to the most recently
// observed DPoP-Nonce. Each Client owns one cache, shared by all of that
// Client's requests and sessions; separate Clients do not share nonces.
// Safe for concurrent use; benign races cost at most one extra retry (§5
// Shared resources).
type nonceCache struct {
	mu     sync.RWMutex
	values map[string]string
}

func newNonceCache() *nonceCache {
	return &nonceCache{values: make(map[string]string)}
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func (c *nonceCache) get(rawURL string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[originOf(rawURL)]
}

func (c *nonceCache) observe(rawURL string, resp *http.Response) {
	nonce := resp.Header.Get("DPoP-Nonce")
	if nonce == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[originOf(rawURL)] = nonce
}

// dpopPost issues an application/x-www-form-urlencoded POST with a DPoP
// proof header, retrying exactly once if the server responds 400 with a
// DPoP-Nonce challenge (§4.3 retry-with-nonce helper, used for token/PAR
// endpoints).
func dpopPost(httpClient *http.Client, nonces *nonceCache, kp *DPoPKeyPair, targetURL string, form url.Values) (*http.Response, []byte, error) {
	do := func(nonce string) (*http.Response, []byte, error) {
		proof, err := buildDPoPProof(kp, http.MethodPost, targetURL, "", nonce)
		if err != nil {
			return nil, nil, err
		}
		req, err := http.NewRequest(http.MethodPost, targetURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, nil, wrapf(KindNetwork, err, "building request to %s", targetURL)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("DPoP", proof)

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, nil, wrapf(KindNetwork, err, "POST %s", targetURL)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, nil, wrapf(KindNetwork, err, "reading response body from %s", targetURL)
		}
		nonces.observe(targetURL, resp)
		return resp, body, nil
	}

	resp, body, err := do(nonces.get(targetURL))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode == http.StatusBadRequest && resp.Header.Get("DPoP-Nonce") != "" {
		resp, body, err = do(nonces.get(targetURL))
		if err != nil {
			return nil, nil, err
		}
	}
	return resp, body, nil
}

// dpopResourceRequest issues an arbitrary resource-server request with
// `Authorization: DPoP <token>` and a DPoP proof carrying `ath`, retrying
// once on a 401 + DPoP-Nonce challenge (§4.3 per-resource request helper).
func dpopResourceRequest(httpClient *http.Client, nonces *nonceCache, kp *DPoPKeyPair, method, targetURL, accessToken string, body []byte, headers http.Header) (*http.Response, []byte, error) {
	do := func(nonce string) (*http.Response, []byte, error) {
		proof, err := buildDPoPProof(kp, method, targetURL, accessToken, nonce)
		if err != nil {
			return nil, nil, err
		}
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequest(method, targetURL, reqBody)
		if err != nil {
			return nil, nil, wrapf(KindNetwork, err, "building request to %s", targetURL)
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Authorization", "DPoP "+accessToken)
		req.Header.Set("DPoP", proof)

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, nil, wrapf(KindNetwork, err, "%s %s", method, targetURL)
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, nil, wrapf(KindNetwork, err, "reading response body from %s", targetURL)
		}
		nonces.observe(targetURL, resp)
		return resp, respBody, nil
	}

	resp, respBody, err := do(nonces.get(targetURL))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && resp.Header.Get("DPoP-Nonce") != "" {
		resp, respBody, err = do(nonces.get(targetURL))
		if err != nil {
			return nil, nil, err
		}
	}
	return resp, respBody, nil
}
