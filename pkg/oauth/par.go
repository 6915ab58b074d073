package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// parResponse is the {request_uri} body a successful PAR submission
// returns.
type parResponse struct {
	RequestURI string `json:"request_uri"`
}

// pushAuthorizationRequest submits a Pushed Authorization Request to the
// metadata's pushed_authorization_request_endpoint per §4.8, over DPoP with
// nonce-retry. It fails if the metadata advertises no such endpoint.
func pushAuthorizationRequest(httpClient *http.Client, nonces *nonceCache, kp *DPoPKeyPair, meta *AuthServerMetadata, form url.Values) (string, error) {
	if meta.PushedAuthorizationRequestURL == "" {
		return "", newErr(KindAuthorization, "authorization server does not advertise a pushed_authorization_request_endpoint", nil)
	}
	endpoint := meta.PushedAuthorizationRequestURL

	resp, body, err := dpopPost(httpClient, nonces, kp, endpoint, form)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", parError(resp.StatusCode, body)
	}

	var parResp parResponse
	if err := json.Unmarshal(body, &parResp); err != nil {
		return "", wrapf(KindAuthorization, err, "decoding PAR response")
	}
	if parResp.RequestURI == "" {
		return "", newErr(KindAuthorization, "PAR response missing request_uri", nil)
	}
	return parResp.RequestURI, nil
}

func parError(status int, body []byte) error {
	var oauthErr struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &oauthErr); err == nil && oauthErr.Error != "" {
		return &Error{
			Kind:             KindAuthorization,
			Message:          fmt.Sprintf("PAR request rejected with status %d", status),
			ErrorCode:        oauthErr.Error,
			ErrorDescription: oauthErr.ErrorDescription,
		}
	}
	return newErr(KindAuthorization, fmt.Sprintf("PAR request rejected with status %d: %s", status, string(body)), nil)
}
