package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// refreshExpiryBuffer is the window before actual expiry at which a
// session is considered expired, forcing a proactive refresh (§3).
const refreshExpiryBuffer = 5 * time.Minute

// refreshFunc is the callback a Session invokes when makeRequest's response
// is still 401 after any nonce retry; installed by the owning OAuthClient at session
// creation/restore time rather than via a back-reference, to avoid cyclic
// ownership (§9 Design Notes: Coroutine control flow).
type refreshFunc func(ctx context.Context) error

// Session is the record in §3: did, handle, pdsUrl, accessToken,
// refreshToken, the DPoP keypair, and tokenExpiresAt. Mutated only via
// UpdateTokens or destroyed via sign-out.
type Session struct {
	DID               string
	Handle            string
	PDSURL            string
	AccessToken       string
	RefreshToken      string
	DPoPPrivateKeyJWK json.RawMessage
	DPoPPublicKeyJWK  json.RawMessage
	TokenExpiresAt    time.Time

	httpClient *http.Client
	nonces     *nonceCache
	onRefresh  refreshFunc
}

// IsExpired reports whether the session is within the five-minute refresh
// buffer of its expiry (§3).
func (s *Session) IsExpired() bool {
	return time.Now().Add(refreshExpiryBuffer).After(s.TokenExpiresAt)
}

// TimeUntilExpiry returns max(0, tokenExpiresAt - now).
func (s *Session) TimeUntilExpiry() time.Duration {
	d := time.Until(s.TokenExpiresAt)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateTokens overwrites accessToken (and refreshToken, if present) and
// recomputes tokenExpiresAt = now + expiresIn (§4.7).
func (s *Session) UpdateTokens(accessToken string, refreshToken string, expiresIn int64) {
	s.AccessToken = accessToken
	if refreshToken != "" {
		s.RefreshToken = refreshToken
	}
	s.TokenExpiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
}

// dpopKeyPair re-imports the session's DPoP keypair from its stored private
// JWK, as done by makeRequest and by refresh.
func (s *Session) dpopKeyPair() (*DPoPKeyPair, error) {
	priv, err := parsePrivateJWK(s.DPoPPrivateKeyJWK)
	if err != nil {
		return nil, err
	}
	return dpopKeyPairFromPrivateJWK(priv)
}

// MakeRequest issues a DPoP-authenticated request to the session's PDS per
// §4.7: a 401 with DPoP-Nonce retries once with the nonce (handled inside
// dpopResourceRequest); if the response is still 401 (including a first 401
// that carried no nonce), the attached refresh callback (if any) is invoked
// and the request is retried a final time. If the refresh callback fails,
// the 401 response is returned as is. Non-401 errors are not retried.
func (s *Session) MakeRequest(ctx context.Context, method, targetURL string, body []byte, headers http.Header) (*http.Response, []byte, error) {
	kp, err := s.dpopKeyPair()
	if err != nil {
		return nil, nil, err
	}

	resp, respBody, err := dpopResourceRequest(s.httpClient, s.nonces, kp, method, targetURL, s.AccessToken, body, headers)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || s.onRefresh == nil {
		return resp, respBody, nil
	}

	if err := s.onRefresh(ctx); err != nil {
		return resp, respBody, nil
	}
	kp, err = s.dpopKeyPair()
	if err != nil {
		return nil, nil, err
	}
	return dpopResourceRequest(s.httpClient, s.nonces, kp, method, targetURL, s.AccessToken, body, headers)
}

// sessionJSON is the wire shape for Session serialization (§4.7 toJSON /
// fromJSON round-trip).
type sessionJSON struct {
	DID               string          `json:"did"`
	Handle            string          `json:"handle"`
	PDSURL            string          `json:"pdsUrl"`
	AccessToken       string          `json:"accessToken"`
	RefreshToken      string          `json:"refreshToken"`
	DPoPPrivateKeyJWK json.RawMessage `json:"dpopPrivateKeyJwk"`
	DPoPPublicKeyJWK  json.RawMessage `json:"dpopPublicKeyJwk"`
	TokenExpiresAtMS  int64           `json:"tokenExpiresAt"`
}

// ToJSON serializes every field of the session record exactly (§4.7).
func (s *Session) ToJSON() ([]byte, error) {
	return json.Marshal(sessionJSON{
		DID:               s.DID,
		Handle:            s.Handle,
		PDSURL:            s.PDSURL,
		AccessToken:       s.AccessToken,
		RefreshToken:      s.RefreshToken,
		DPoPPrivateKeyJWK: s.DPoPPrivateKeyJWK,
		DPoPPublicKeyJWK:  s.DPoPPublicKeyJWK,
		TokenExpiresAtMS:  s.TokenExpiresAt.UnixMilli(),
	})
}

// SessionFromJSON deserializes a session record previously produced by
// ToJSON. httpClient and nonces wire the session back into the engine's
// shared HTTP/nonce infrastructure; onRefresh is attached separately by the
// owning client (restore/callback), matching the teacher's pattern of
// constructing a session then attaching its manager.
func SessionFromJSON(data []byte, httpClient *http.Client, nonces *nonceCache) (*Session, error) {
	var sj sessionJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return nil, wrapf(KindSession, err, "deserializing session")
	}
	return &Session{
		DID:               sj.DID,
		Handle:            sj.Handle,
		PDSURL:            sj.PDSURL,
		AccessToken:       sj.AccessToken,
		RefreshToken:      sj.RefreshToken,
		DPoPPrivateKeyJWK: sj.DPoPPrivateKeyJWK,
		DPoPPublicKeyJWK:  sj.DPoPPublicKeyJWK,
		TokenExpiresAt:    time.UnixMilli(sj.TokenExpiresAtMS),
		httpClient:        httpClient,
		nonces:            nonces,
	}, nil
}
