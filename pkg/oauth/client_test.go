package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestAuthServer spins up a single httptest.Server that plays the role of
// both PDS and auth server: it has no oauth-protected-resource document (so
// discoverAuthServer falls back to treating itself as the auth server), a
// valid oauth-authorization-server metadata document, and a token endpoint
// that counts how many times it is hit and always returns a fresh token.
func newTestAuthServer(t *testing.T, tokenCalls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"issuer": "` + srv.URL + `",
			"authorization_endpoint": "` + srv.URL + `/oauth/authorize",
			"token_endpoint": "` + srv.URL + `/oauth/token",
			"pushed_authorization_request_endpoint": "` + srv.URL + `/oauth/par",
			"revocation_endpoint": "` + srv.URL + `/oauth/revoke"
		}`))
	})
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(tokenCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"access_token": "access-` + string(rune('0'+n)) + `",
			"token_type": "DPoP",
			"scope": "atproto transition:generic",
			"sub": "did:plc:concurrenttest",
			"expires_in": 3600,
			"refresh_token": "refresh-` + string(rune('0'+n)) + `"
		}`))
	})

	srv = httptest.NewTLSServer(mux)
	return srv
}

func newExpiredTestSession(t *testing.T, pdsURL string) *Session {
	t.Helper()
	kp, err := GenerateDPoPKeyPair()
	if err != nil {
		t.Fatalf("GenerateDPoPKeyPair: %v", err)
	}
	priv, err := marshalJWK(kp.PrivateJWK())
	if err != nil {
		t.Fatalf("marshalJWK: %v", err)
	}
	pub, err := marshalJWK(kp.PublicJWK())
	if err != nil {
		t.Fatalf("marshalJWK: %v", err)
	}
	return &Session{
		DID:               "did:plc:concurrenttest",
		Handle:            "concurrent.test",
		PDSURL:            pdsURL,
		AccessToken:       "stale-access",
		RefreshToken:      "stale-refresh",
		DPoPPrivateKeyJWK: priv,
		DPoPPublicKeyJWK:  pub,
		TokenExpiresAt:    time.Now().Add(-time.Hour),
	}
}

func TestRefreshDedupesConcurrentCallsForSameDID(t *testing.T) {
	var tokenCalls int32
	srv := newTestAuthServer(t, &tokenCalls)
	defer srv.Close()

	storage := NewMemoryStorage()
	client, err := NewClient(Config{
		ClientID:    "client-1",
		RedirectURI: "https://app.example/cb",
		Storage:     storage,
		HTTPClient:  srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	session := newExpiredTestSession(t, srv.URL)
	client.attachRefreshCallback(session)

	const n = 10
	var wg sync.WaitGroup
	results := make([]*Session, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = client.Refresh(context.Background(), session)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Refresh[%d]: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&tokenCalls); got != 1 {
		t.Errorf("token endpoint was called %d times, want exactly 1", got)
	}
	for i, s := range results {
		if s.AccessToken != results[0].AccessToken {
			t.Errorf("result[%d].AccessToken = %q, want all calls to share the single refreshed token %q", i, s.AccessToken, results[0].AccessToken)
		}
	}
}

func TestRestoreDedupesConcurrentCallsForSameSessionID(t *testing.T) {
	var tokenCalls int32
	srv := newTestAuthServer(t, &tokenCalls)
	defer srv.Close()

	storage := NewMemoryStorage()
	client, err := NewClient(Config{
		ClientID:    "client-1",
		RedirectURI: "https://app.example/cb",
		Storage:     storage,
		HTTPClient:  srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	session := newExpiredTestSession(t, srv.URL)
	if err := client.Store(context.Background(), "sess-1", session); err != nil {
		t.Fatalf("Store: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]*Session, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = client.Restore(context.Background(), "sess-1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Restore[%d]: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&tokenCalls); got != 1 {
		t.Errorf("token endpoint was called %d times, want exactly 1", got)
	}
	for i, s := range results {
		if s.DID != "did:plc:concurrenttest" {
			t.Errorf("result[%d].DID = %q", i, s.DID)
		}
	}
}

func TestRestoreReturnsUnmodifiedSessionWhenNotExpired(t *testing.T) {
	var tokenCalls int32
	srv := newTestAuthServer(t, &tokenCalls)
	defer srv.Close()

	storage := NewMemoryStorage()
	client, err := NewClient(Config{
		ClientID:    "client-1",
		RedirectURI: "https://app.example/cb",
		Storage:     storage,
		HTTPClient:  srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	session := newExpiredTestSession(t, srv.URL)
	session.TokenExpiresAt = time.Now().Add(time.Hour)
	if err := client.Store(context.Background(), "sess-2", session); err != nil {
		t.Fatalf("Store: %v", err)
	}

	restored, err := client.Restore(context.Background(), "sess-2")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.AccessToken != "stale-access" {
		t.Errorf("AccessToken = %q, want the stored token to be returned unrefreshed", restored.AccessToken)
	}
	if atomic.LoadInt32(&tokenCalls) != 0 {
		t.Error("expected the token endpoint not to be hit for a non-expired session")
	}
}

func TestRestoreReturnsSessionNotFound(t *testing.T) {
	storage := NewMemoryStorage()
	client, err := NewClient(Config{
		ClientID:    "client-1",
		RedirectURI: "https://app.example/cb",
		Storage:     storage,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.Restore(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("expected an error for an unknown session id")
	}
	if k, _ := KindOf(err); k != KindSessionNotFound {
		t.Errorf("Kind = %v, want SessionNotFound", k)
	}
}

func TestNewClientFailsFastOnMissingRequiredConfig(t *testing.T) {
	if _, err := NewClient(Config{RedirectURI: "https://app.example/cb", Storage: NewMemoryStorage()}); err == nil {
		t.Error("expected an error when ClientID is missing")
	}
	if _, err := NewClient(Config{ClientID: "client-1", Storage: NewMemoryStorage()}); err == nil {
		t.Error("expected an error when RedirectURI is missing")
	}
	if _, err := NewClient(Config{ClientID: "client-1", RedirectURI: "https://app.example/cb"}); err == nil {
		t.Error("expected an error when Storage is missing")
	}
}

func TestSignOutDeletesSessionRegardlessOfRevocationOutcome(t *testing.T) {
	var tokenCalls int32
	srv := newTestAuthServer(t, &tokenCalls)
	defer srv.Close()

	storage := NewMemoryStorage()
	client, err := NewClient(Config{
		ClientID:    "client-1",
		RedirectURI: "https://app.example/cb",
		Storage:     storage,
		HTTPClient:  srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	session := newExpiredTestSession(t, srv.URL)
	if err := client.Store(context.Background(), "sess-3", session); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := client.SignOut(context.Background(), "sess-3", session); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if _, ok, _ := storage.Get(context.Background(), sessionKey("sess-3")); ok {
		t.Error("expected session record to be deleted after sign-out")
	}
}

// fakeHandleResolver resolves every handle to a fixed identity, so
// Authorize/Callback tests can run end-to-end without real DNS/PLC lookups.
type fakeHandleResolver struct {
	identity *Identity
}

func (f *fakeHandleResolver) Resolve(ctx context.Context, handle string) (*Identity, error) {
	return f.identity, nil
}

// newE2EAuthServer extends newTestAuthServer's PDS/auth-server role with a
// PAR endpoint, so the full authorize()→callback() path can be driven
// end-to-end against a fake server instead of the real network.
func newE2EAuthServer(t *testing.T, tokenCalls *int32, sub string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"issuer": "` + srv.URL + `",
			"authorization_endpoint": "` + srv.URL + `/oauth/authorize",
			"token_endpoint": "` + srv.URL + `/oauth/token",
			"pushed_authorization_request_endpoint": "` + srv.URL + `/oauth/par",
			"revocation_endpoint": "` + srv.URL + `/oauth/revoke"
		}`))
	})
	mux.HandleFunc("/oauth/par", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"request_uri":"urn:ietf:params:oauth:request_uri:e2e-abc"}`))
	})
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(tokenCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"access_token": "e2e-access",
			"token_type": "DPoP",
			"scope": "atproto transition:generic",
			"sub": "` + sub + `",
			"expires_in": 3600,
			"refresh_token": "e2e-refresh"
		}`))
	})

	srv = httptest.NewTLSServer(mux)
	return srv
}

func TestAuthorizeCallbackEndToEnd(t *testing.T) {
	var tokenCalls int32
	const did = "did:plc:e2etest"
	srv := newE2EAuthServer(t, &tokenCalls, did)
	defer srv.Close()

	storage := NewMemoryStorage()
	client, err := NewClient(Config{
		ClientID:       "client-1",
		RedirectURI:    "https://app.example/cb",
		Storage:        storage,
		HTTPClient:     srv.Client(),
		HandleResolver: &fakeHandleResolver{identity: &Identity{DID: did, PDSURL: srv.URL, Handle: "alice.test"}},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	authURL, err := client.Authorize(context.Background(), "alice.test", &AuthorizeOptions{State: "e2e-state"})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !strings.Contains(authURL, srv.URL+"/oauth/authorize") {
		t.Errorf("authURL = %q, want it to point at the auth server's authorization_endpoint", authURL)
	}
	if !strings.Contains(authURL, "request_uri=") {
		t.Errorf("authURL = %q, want it to carry the PAR request_uri", authURL)
	}

	recJSON, ok, err := storage.Get(context.Background(), pkceKey("e2e-state"))
	if err != nil || !ok {
		t.Fatalf("expected a PKCE record to be stored under state e2e-state: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(recJSON, "codeVerifier") {
		t.Errorf("stored PKCE record missing codeVerifier: %s", recJSON)
	}

	result, err := client.Callback(context.Background(), url.Values{
		"code":  {"auth-code-1"},
		"state": {"e2e-state"},
		"iss":   {srv.URL},
	})
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	if atomic.LoadInt32(&tokenCalls) != 1 {
		t.Errorf("token endpoint was called %d times, want exactly 1", tokenCalls)
	}
	if result.Session.DID != did {
		t.Errorf("Session.DID = %q, want %q", result.Session.DID, did)
	}
	if result.Session.Handle != "alice.test" {
		t.Errorf("Session.Handle = %q, want alice.test (populated from the resolved identity)", result.Session.Handle)
	}
	if result.Session.PDSURL != srv.URL {
		t.Errorf("Session.PDSURL = %q, want %q", result.Session.PDSURL, srv.URL)
	}
	if result.Session.AccessToken != "e2e-access" {
		t.Errorf("Session.AccessToken = %q", result.Session.AccessToken)
	}

	if _, ok, _ := storage.Get(context.Background(), pkceKey("e2e-state")); ok {
		t.Error("expected the PKCE record to be deleted after a successful callback")
	}
}

func TestCallbackRejectsIssuerMismatch(t *testing.T) {
	var tokenCalls int32
	const did = "did:plc:e2etest2"
	srv := newE2EAuthServer(t, &tokenCalls, did)
	defer srv.Close()

	storage := NewMemoryStorage()
	client, err := NewClient(Config{
		ClientID:       "client-1",
		RedirectURI:    "https://app.example/cb",
		Storage:        storage,
		HTTPClient:     srv.Client(),
		HandleResolver: &fakeHandleResolver{identity: &Identity{DID: did, PDSURL: srv.URL, Handle: "bob.test"}},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if _, err := client.Authorize(context.Background(), "bob.test", &AuthorizeOptions{State: "mismatch-state"}); err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	_, err = client.Callback(context.Background(), url.Values{
		"code":  {"auth-code-2"},
		"state": {"mismatch-state"},
		"iss":   {"https://not-the-auth-server.example"},
	})
	if err == nil {
		t.Fatal("expected an error for a mismatched iss parameter")
	}
	if k, _ := KindOf(err); k != KindIssuerMismatch {
		t.Errorf("Kind = %v, want IssuerMismatch", k)
	}
	if _, ok, _ := storage.Get(context.Background(), pkceKey("mismatch-state")); ok {
		t.Error("expected the PKCE record to be deleted even on a rejected callback")
	}
}

func TestAuthorizeRejectsInvalidHandleSyntax(t *testing.T) {
	storage := NewMemoryStorage()
	client, err := NewClient(Config{
		ClientID:    "client-1",
		RedirectURI: "https://app.example/cb",
		Storage:     storage,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.Authorize(context.Background(), "not a valid handle!!", nil)
	if err == nil {
		t.Fatal("expected an error for a syntactically invalid handle")
	}
	if k, _ := KindOf(err); k != KindInvalidHandle {
		t.Errorf("Kind = %v, want InvalidHandle", k)
	}
}
