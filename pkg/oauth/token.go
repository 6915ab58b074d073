package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// oauthErrorBody is the structured {error, error_description} shape a token
// endpoint returns on failure (§4.6).
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// tokenError classifies a non-OK token-endpoint response per §4.1/§4.6:
// invalid_grant becomes RefreshTokenExpired, everything else stays
// TokenExchange with the server's error/error_description preserved.
func tokenError(status int, body []byte) error {
	var oe oauthErrorBody
	if err := json.Unmarshal(body, &oe); err != nil || oe.Error == "" {
		return newErr(KindTokenExchange, fmt.Sprintf("token endpoint returned status %d: %s", status, string(body)), nil)
	}
	kind := KindTokenExchange
	if oe.Error == "invalid_grant" {
		kind = KindRefreshTokenExpired
	}
	return &Error{
		Kind:             kind,
		Message:          fmt.Sprintf("token endpoint returned status %d", status),
		ErrorCode:        oe.Error,
		ErrorDescription: oe.ErrorDescription,
	}
}

// classifyRefreshFailure implements §4.8's refresh-failure classification:
// invalid_grant/Network/TokenExchange errors (already typed by tokenError
// or dpopPost) pass through unchanged; anything else is classified by
// message shape and wrapped as Network or TokenExchange.
func classifyRefreshFailure(err error) error {
	if k, ok := KindOf(err); ok {
		switch k {
		case KindRefreshTokenExpired, KindNetwork, KindTokenExchange:
			return err
		}
	}
	if isNetworkError(err) {
		return wrapf(KindNetwork, err, "refreshing tokens")
	}
	return wrapf(KindTokenExchange, err, "refreshing tokens")
}

// isReplayError reports whether err looks like a refresh-token-replay
// rejection (§4.6: a description or message containing "replayed").
func isReplayError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return strings.Contains(strings.ToLower(err.Error()), "replayed")
	}
	return strings.Contains(strings.ToLower(e.ErrorDescription), "replayed") ||
		strings.Contains(strings.ToLower(e.Message), "replayed")
}

// exchangeAuthorizationCode performs the authorization_code grant per §4.6:
// POST to the metadata's token_endpoint with {grant_type, client_id,
// redirect_uri, code, code_verifier} over DPoP with nonce-retry.
func exchangeAuthorizationCode(httpClient *http.Client, nonces *nonceCache, kp *DPoPKeyPair, meta *AuthServerMetadata, clientID, redirectURI, code, codeVerifier string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"code":          {code},
		"code_verifier": {codeVerifier},
	}
	return postTokenForm(httpClient, nonces, kp, meta.TokenEndpoint, form)
}

// refreshTokenGrant performs the refresh_token grant per §4.6: POST
// {grant_type, client_id, refresh_token} over DPoP with nonce-retry.
func refreshTokenGrant(httpClient *http.Client, nonces *nonceCache, kp *DPoPKeyPair, meta *AuthServerMetadata, clientID, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"refresh_token": {refreshToken},
	}
	return postTokenForm(httpClient, nonces, kp, meta.TokenEndpoint, form)
}

func postTokenForm(httpClient *http.Client, nonces *nonceCache, kp *DPoPKeyPair, tokenEndpoint string, form url.Values) (*TokenResponse, error) {
	resp, body, err := dpopPost(httpClient, nonces, kp, tokenEndpoint, form)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, tokenError(resp.StatusCode, body)
	}
	return validateTokenResponse(body)
}

// revokeToken is the best-effort, fire-and-forget revocation POST used by
// refresh-failure cleanup and sign-out (§4.8). Result is ignored.
func revokeToken(httpClient *http.Client, revocationEndpoint, token, clientID string) {
	if revocationEndpoint == "" || token == "" {
		return
	}
	form := url.Values{"token": {token}, "client_id": {clientID}}
	resp, err := httpClient.PostForm(revocationEndpoint, form)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}
