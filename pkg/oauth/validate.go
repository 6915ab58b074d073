package oauth

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
)

// handleRegex enforces AT Protocol's handle grammar: dot-separated
// segments of alphanumerics and hyphens (no leading/trailing hyphen per
// segment), with a final segment (the TLD) that must start with a letter.
var handleRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

const maxHandleLength = 253

// disallowedHandleTLDs are reserved per the atproto handle spec and can
// never resolve to a real PDS.
var disallowedHandleTLDs = map[string]bool{
	".alt":       true,
	".arpa":      true,
	".example":   true,
	".internal":  true,
	".invalid":   true,
	".local":     true,
	".localhost": true,
	".onion":     true,
}

// validateHandleSyntax checks handle against AT Protocol's handle grammar
// (§4.8 "validate syntax"), raising InvalidHandle on failure.
func validateHandleSyntax(handle string) error {
	handle = strings.ToLower(strings.TrimSpace(handle))
	if handle == "" {
		return newErr(KindInvalidHandle, "handle cannot be empty", nil)
	}
	if len(handle) > maxHandleLength {
		return newErr(KindInvalidHandle, "handle exceeds maximum length", nil)
	}
	if !handleRegex.MatchString(handle) {
		return newErr(KindInvalidHandle, "handle must be domain-like (e.g. alice.bsky.social)", nil)
	}
	for tld := range disallowedHandleTLDs {
		if strings.HasSuffix(handle, tld) {
			return newErr(KindInvalidHandle, "handle uses a reserved TLD", nil)
		}
	}
	return nil
}

// AuthServerMetadata is the validated, typed form of an authorization
// server's `.well-known/oauth-authorization-server` document (§3).
type AuthServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	PushedAuthorizationRequestURL string   `json:"pushed_authorization_request_endpoint,omitempty"`
	RevocationEndpoint            string   `json:"revocation_endpoint,omitempty"`
	DPoPSigningAlgValuesSupported []string `json:"dpop_signing_alg_values_supported,omitempty"`
}

// rawAuthServerMetadata is the untyped document as received over the wire,
// before field-by-field validation (§9 Design Notes: no uninspected casts).
type rawAuthServerMetadata struct {
	Issuer                        any `json:"issuer"`
	AuthorizationEndpoint         any `json:"authorization_endpoint"`
	TokenEndpoint                 any `json:"token_endpoint"`
	PushedAuthorizationRequestURL any `json:"pushed_authorization_request_endpoint"`
	RevocationEndpoint            any `json:"revocation_endpoint"`
	DPoPSigningAlgValuesSupported any `json:"dpop_signing_alg_values_supported"`
}

// requireHTTPSURL parses rawURL and rejects anything but an absolute
// https:// URL, raising MetadataValidation with label identifying the field.
func requireHTTPSURL(rawURL, label string) (*url.URL, error) {
	if rawURL == "" {
		return nil, newErr(KindMetadataValidation, label+" is required", nil)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, wrapf(KindMetadataValidation, err, "%s is not a valid URL", label)
	}
	if u.Scheme != "https" {
		return nil, newErr(KindMetadataValidation, label+" must use HTTPS", nil)
	}
	return u, nil
}

// validateAuthServerMetadata validates raw JSON fetched from fetchedFrom per
// §4.4: issuer must be present and its origin must equal the origin of
// fetchedFrom; authorization_endpoint and token_endpoint are required and
// HTTPS; optional endpoints, if present, must be HTTPS; if
// dpop_signing_alg_values_supported is present it must include ES256.
func validateAuthServerMetadata(body []byte, fetchedFrom string) (*AuthServerMetadata, error) {
	var raw rawAuthServerMetadata
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, wrapf(KindMetadataValidation, err, "parsing authorization server metadata")
	}

	issuer, ok := raw.Issuer.(string)
	if !ok || issuer == "" {
		return nil, newErr(KindMetadataValidation, "issuer is required", nil)
	}
	issuerURL, err := requireHTTPSURL(issuer, "issuer")
	if err != nil {
		return nil, err
	}
	if origin(issuerURL) != origin(mustParse(fetchedFrom)) {
		return nil, newErr(KindMetadataValidation, "issuer origin does not match fetch origin", nil)
	}

	authEndpoint, ok := raw.AuthorizationEndpoint.(string)
	if !ok {
		return nil, newErr(KindMetadataValidation, "authorization_endpoint is required", nil)
	}
	if _, err := requireHTTPSURL(authEndpoint, "authorization_endpoint"); err != nil {
		return nil, err
	}

	tokenEndpoint, ok := raw.TokenEndpoint.(string)
	if !ok {
		return nil, newErr(KindMetadataValidation, "token_endpoint is required", nil)
	}
	if _, err := requireHTTPSURL(tokenEndpoint, "token_endpoint"); err != nil {
		return nil, err
	}

	meta := &AuthServerMetadata{
		Issuer:                issuerURL.String(),
		AuthorizationEndpoint: authEndpoint,
		TokenEndpoint:         tokenEndpoint,
	}

	if raw.PushedAuthorizationRequestURL != nil {
		v, ok := raw.PushedAuthorizationRequestURL.(string)
		if !ok || v == "" {
			return nil, newErr(KindMetadataValidation, "pushed_authorization_request_endpoint must be a string", nil)
		}
		if _, err := requireHTTPSURL(v, "pushed_authorization_request_endpoint"); err != nil {
			return nil, err
		}
		meta.PushedAuthorizationRequestURL = v
	}

	if raw.RevocationEndpoint != nil {
		v, ok := raw.RevocationEndpoint.(string)
		if !ok || v == "" {
			return nil, newErr(KindMetadataValidation, "revocation_endpoint must be a string", nil)
		}
		if _, err := requireHTTPSURL(v, "revocation_endpoint"); err != nil {
			return nil, err
		}
		meta.RevocationEndpoint = v
	}

	if raw.DPoPSigningAlgValuesSupported != nil {
		list, ok := raw.DPoPSigningAlgValuesSupported.([]any)
		if !ok {
			return nil, newErr(KindMetadataValidation, "dpop_signing_alg_values_supported must be a list", nil)
		}
		algs := make([]string, 0, len(list))
		hasES256 := false
		for _, item := range list {
			s, _ := item.(string)
			algs = append(algs, s)
			if s == "ES256" {
				hasES256 = true
			}
		}
		if !hasES256 {
			return nil, newErr(KindMetadataValidation, "dpop_signing_alg_values_supported must include ES256", nil)
		}
		meta.DPoPSigningAlgValuesSupported = algs
	}

	return meta, nil
}

func origin(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func mustParse(rawURL string) *url.URL {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &url.URL{}
	}
	return u
}

// TokenResponse is the validated form of a token-endpoint success body.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	Scope        string
	DID          string
	ExpiresIn    int64
	RefreshToken string
}

type rawTokenResponse struct {
	AccessToken  any `json:"access_token"`
	TokenType    any `json:"token_type"`
	Scope        any `json:"scope"`
	Sub          any `json:"sub"`
	ExpiresIn    any `json:"expires_in"`
	RefreshToken any `json:"refresh_token"`
}

// validateTokenResponse validates a token-endpoint success body per §4.4.
func validateTokenResponse(body []byte) (*TokenResponse, error) {
	var raw rawTokenResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, wrapf(KindTokenValidation, err, "parsing token response")
	}

	accessToken, ok := raw.AccessToken.(string)
	if !ok || accessToken == "" {
		return nil, newErr(KindTokenValidation, "access_token is required", nil)
	}

	tokenType, ok := raw.TokenType.(string)
	if !ok || !strings.EqualFold(tokenType, "DPoP") {
		return nil, newErr(KindTokenValidation, `token_type must be "DPoP"`, nil)
	}

	scope, ok := raw.Scope.(string)
	if !ok || scope == "" || !strings.Contains(scope, "atproto") {
		return nil, newErr(KindTokenValidation, `scope must contain "atproto"`, nil)
	}

	sub, ok := raw.Sub.(string)
	if !ok || !strings.HasPrefix(sub, "did:") {
		return nil, newErr(KindTokenValidation, `sub must start with "did:"`, nil)
	}

	expiresIn, ok := raw.ExpiresIn.(float64)
	if !ok || expiresIn <= 0 {
		return nil, newErr(KindTokenValidation, "expires_in must be a positive number", nil)
	}

	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   tokenType,
		Scope:       scope,
		DID:         sub,
		ExpiresIn:   int64(expiresIn),
	}

	if raw.RefreshToken != nil {
		rt, ok := raw.RefreshToken.(string)
		if !ok {
			return nil, newErr(KindTokenValidation, "refresh_token must be a string", nil)
		}
		resp.RefreshToken = rt
	}

	return resp, nil
}
