package oauth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestTokenErrorClassifiesInvalidGrantAsRefreshExpired(t *testing.T) {
	err := tokenError(http.StatusBadRequest, []byte(`{"error":"invalid_grant","error_description":"refresh token expired"}`))
	if k, _ := KindOf(err); k != KindRefreshTokenExpired {
		t.Errorf("Kind = %v, want RefreshTokenExpired", k)
	}
}

func TestTokenErrorKeepsOtherErrorsAsTokenExchange(t *testing.T) {
	err := tokenError(http.StatusBadRequest, []byte(`{"error":"invalid_request","error_description":"malformed request"}`))
	if k, _ := KindOf(err); k != KindTokenExchange {
		t.Errorf("Kind = %v, want TokenExchange", k)
	}
}

func TestTokenErrorFallsBackOnUnstructuredBody(t *testing.T) {
	err := tokenError(http.StatusInternalServerError, []byte("internal server error"))
	if k, _ := KindOf(err); k != KindTokenExchange {
		t.Errorf("Kind = %v, want TokenExchange", k)
	}
}

func TestIsReplayErrorDetectsReplayedDescription(t *testing.T) {
	err := &Error{Kind: KindTokenExchange, ErrorDescription: "Token has been replayed"}
	if !isReplayError(err) {
		t.Error("expected isReplayError to detect a replayed refresh token")
	}
}

func TestIsReplayErrorIgnoresUnrelatedError(t *testing.T) {
	err := errors.New("connection refused")
	if isReplayError(err) {
		t.Error("did not expect an unrelated error to be classified as a replay")
	}
}

func TestClassifyRefreshFailurePassesThroughKnownKinds(t *testing.T) {
	expired := newErr(KindRefreshTokenExpired, "expired", nil)
	if got := classifyRefreshFailure(expired); got != expired {
		t.Error("expected RefreshTokenExpired to pass through unchanged")
	}
}

func TestClassifyRefreshFailureWrapsUnknownAsTokenExchange(t *testing.T) {
	got := classifyRefreshFailure(errors.New("unexpected failure"))
	if k, _ := KindOf(got); k != KindTokenExchange {
		t.Errorf("Kind = %v, want TokenExchange", k)
	}
}

func TestClassifyRefreshFailureDetectsNetworkErrors(t *testing.T) {
	got := classifyRefreshFailure(errors.New("dial tcp: connection timeout"))
	if k, _ := KindOf(got); k != KindNetwork {
		t.Errorf("Kind = %v, want Network", k)
	}
}

func TestExchangeAuthorizationCodeSendsExpectedForm(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		gotForm = r.Form
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"DPoP","scope":"atproto transition:generic","sub":"did:plc:abc","expires_in":3600,"refresh_token":"rt-1"}`))
	}))
	defer srv.Close()

	kp, err := GenerateDPoPKeyPair()
	if err != nil {
		t.Fatalf("GenerateDPoPKeyPair: %v", err)
	}
	meta := &AuthServerMetadata{TokenEndpoint: srv.URL}
	nonces := newNonceCache()

	tok, err := exchangeAuthorizationCode(srv.Client(), nonces, kp, meta, "client-1", "https://app.example/cb", "auth-code-1", "verifier-1")
	if err != nil {
		t.Fatalf("exchangeAuthorizationCode: %v", err)
	}
	if tok.DID != "did:plc:abc" {
		t.Errorf("DID = %q", tok.DID)
	}
	if gotForm.Get("grant_type") != "authorization_code" {
		t.Errorf("grant_type = %q", gotForm.Get("grant_type"))
	}
	if gotForm.Get("code") != "auth-code-1" {
		t.Errorf("code = %q", gotForm.Get("code"))
	}
	if gotForm.Get("code_verifier") != "verifier-1" {
		t.Errorf("code_verifier = %q", gotForm.Get("code_verifier"))
	}
}

func TestRefreshTokenGrantSendsExpectedForm(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		gotForm = r.Form
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-2","token_type":"DPoP","scope":"atproto transition:generic","sub":"did:plc:abc","expires_in":3600}`))
	}))
	defer srv.Close()

	kp, err := GenerateDPoPKeyPair()
	if err != nil {
		t.Fatalf("GenerateDPoPKeyPair: %v", err)
	}
	meta := &AuthServerMetadata{TokenEndpoint: srv.URL}
	nonces := newNonceCache()

	tok, err := refreshTokenGrant(srv.Client(), nonces, kp, meta, "client-1", "rt-1")
	if err != nil {
		t.Fatalf("refreshTokenGrant: %v", err)
	}
	if tok.AccessToken != "tok-2" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	if gotForm.Get("grant_type") != "refresh_token" {
		t.Errorf("grant_type = %q", gotForm.Get("grant_type"))
	}
	if gotForm.Get("refresh_token") != "rt-1" {
		t.Errorf("refresh_token = %q", gotForm.Get("refresh_token"))
	}
}

func TestPostTokenFormSurfacesTokenError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"expired"}`))
	}))
	defer srv.Close()

	kp, err := GenerateDPoPKeyPair()
	if err != nil {
		t.Fatalf("GenerateDPoPKeyPair: %v", err)
	}
	nonces := newNonceCache()
	_, err = postTokenForm(srv.Client(), nonces, kp, srv.URL, url.Values{"grant_type": {"refresh_token"}})
	if err == nil {
		t.Fatal("expected an error")
	}
	if k, _ := KindOf(err); k != KindRefreshTokenExpired {
		t.Errorf("Kind = %v, want RefreshTokenExpired", k)
	}
}
