package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultScope          = "atproto transition:generic"
	defaultRefreshTimeout = 30 * time.Second
	replayRecoveryWait    = 200 * time.Millisecond
)

// Config configures an OAuthClient. ClientID, RedirectURI, and Storage are
// required and fail fast in NewClient (§4.8).
type Config struct {
	ClientID       string
	RedirectURI    string
	Storage        Storage
	HandleResolver HandleResolver
	SlingshotURL   string
	Logger         Logger
	RefreshTimeout time.Duration
	HTTPClient     *http.Client
	RequestLock    RequestLock

	OnSessionUpdated func(sessionID string, session *Session)
	OnSessionDeleted func(sessionID string)
}

// Client orchestrates authorize→callback→store/restore→refresh→sign-out
// and owns per-identity locking (§4.8).
type Client struct {
	config     Config
	httpClient *http.Client
	nonces     *nonceCache
	locks      *locks
	resolver   HandleResolver
	logger     Logger
}

// NewClient validates config and constructs an OAuthClient.
func NewClient(config Config) (*Client, error) {
	if config.ClientID == "" {
		return nil, newErr(KindSession, "clientId is required", nil)
	}
	if config.RedirectURI == "" {
		return nil, newErr(KindSession, "redirectUri is required", nil)
	}
	if config.Storage == nil {
		return nil, newErr(KindSession, "storage is required", nil)
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = defaultRefreshTimeout
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := config.Logger
	if logger == nil {
		logger = NopLogger{}
	}
	resolver := config.HandleResolver
	if resolver == nil {
		resolver = NewDefaultHandleResolver(config.SlingshotURL, config.HTTPClient)
	}

	return &Client{
		config:     config,
		httpClient: config.HTTPClient,
		nonces:     newNonceCache(),
		locks:      newLocks(config.RequestLock),
		resolver:   resolver,
		logger:     logger,
	}, nil
}

// pkceRecord is the PKCE state persisted under pkce:<state> (§3). Identity
// fields are pointers: nil means "not yet known" (§9 Design Notes), rather
// than an empty-string sentinel.
type pkceRecord struct {
	CodeVerifier string  `json:"codeVerifier"`
	AuthServer   string  `json:"authServer"`
	Issuer       string  `json:"issuer"`
	Handle       *string `json:"handle,omitempty"`
	DID          *string `json:"did,omitempty"`
	PDSURL       *string `json:"pdsUrl,omitempty"`
}

// AuthorizeOptions carries the optional fields in §4.8's authorize().
type AuthorizeOptions struct {
	State     string
	Scope     string
	LoginHint string
	Prompt    string
}

// Authorize starts a login flow. input is either a handle or an HTTPS
// auth-server URL (distinguished by the "https://" prefix) per §4.8.
func (c *Client) Authorize(ctx context.Context, input string, opts *AuthorizeOptions) (string, error) {
	if opts == nil {
		opts = &AuthorizeOptions{}
	}

	var authServerURL string
	var rec pkceRecord

	if strings.HasPrefix(input, "https://") {
		authServerURL = input
	} else {
		if err := validateHandleSyntax(input); err != nil {
			return "", err
		}
		id, err := c.resolver.Resolve(ctx, input)
		if err != nil {
			return "", err
		}
		authServer, err := discoverAuthServer(ctx, c.httpClient, id.PDSURL)
		if err != nil {
			return "", err
		}
		did, pds := id.DID, id.PDSURL
		rec.DID = &did
		rec.PDSURL = &pds
		rec.Handle = &input
		authServerURL = authServer.Metadata.Issuer
		rec.AuthServer = authServer.Metadata.Issuer
		rec.Issuer = authServer.Metadata.Issuer
		return c.buildAuthorizationURL(ctx, authServer.Metadata, rec, opts)
	}

	meta, err := discoverAuthServerFromURL(ctx, c.httpClient, authServerURL)
	if err != nil {
		return "", err
	}
	rec.AuthServer = meta.Issuer
	rec.Issuer = meta.Issuer
	urlOpts := *opts
	urlOpts.LoginHint = "" // §4.8: loginHint omitted in the URL case
	return c.buildAuthorizationURL(ctx, meta, rec, &urlOpts)
}

// discoverAuthServerFromURL treats input directly as an auth-server base
// URL and fetches+validates its metadata (used by Authorize's URL-input
// branch).
func discoverAuthServerFromURL(ctx context.Context, httpClient *http.Client, authServerURL string) (*AuthServerMetadata, error) {
	return fetchAuthServerMetadata(ctx, httpClient, authServerURL)
}

func (c *Client) buildAuthorizationURL(ctx context.Context, meta *AuthServerMetadata, rec pkceRecord, opts *AuthorizeOptions) (string, error) {
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		return "", err
	}
	state := opts.State
	if state == "" {
		state, err = generateState()
		if err != nil {
			return "", err
		}
	}
	rec.CodeVerifier = verifier

	recJSON, err := json.Marshal(rec)
	if err != nil {
		return "", wrapf(KindSession, err, "serializing PKCE record")
	}
	if err := c.config.Storage.Set(ctx, pkceKey(state), string(recJSON), pkceTTL); err != nil {
		return "", wrapf(KindSession, err, "storing PKCE record")
	}

	kp, err := GenerateDPoPKeyPair()
	if err != nil {
		return "", err
	}

	scope := opts.Scope
	if scope == "" {
		scope = defaultScope
	}
	form := url.Values{
		"response_type":         {"code"},
		"client_id":             {c.config.ClientID},
		"redirect_uri":          {c.config.RedirectURI},
		"scope":                 {scope},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}
	if opts.LoginHint != "" {
		form.Set("login_hint", opts.LoginHint)
	}
	if opts.Prompt != "" {
		form.Set("prompt", opts.Prompt)
	}

	requestURI, err := pushAuthorizationRequest(c.httpClient, c.nonces, kp, meta, form)
	if err != nil {
		return "", err
	}

	authURL := meta.AuthorizationEndpoint + "?" +
		url.Values{"client_id": {c.config.ClientID}, "request_uri": {requestURI}}.Encode()
	return authURL, nil
}

// CallbackResult is returned by Callback: the freshly-minted session and
// the state value it was created under.
type CallbackResult struct {
	Session *Session
	State   string
}

// Callback completes a login from the authorization server's redirect
// query parameters (§4.8).
func (c *Client) Callback(ctx context.Context, params url.Values) (*CallbackResult, error) {
	if params.Get("response") != "" {
		return nil, newErr(KindAuthorization, "JARM responses are not supported", nil)
	}
	if errParam := params.Get("error"); errParam != "" {
		return nil, &Error{
			Kind:             KindAuthorization,
			Message:          "authorization server returned an error",
			ErrorCode:        errParam,
			ErrorDescription: params.Get("error_description"),
		}
	}
	code := params.Get("code")
	if code == "" {
		return nil, newErr(KindAuthorization, "callback is missing code", nil)
	}
	state := params.Get("state")

	recJSON, ok, err := c.config.Storage.Get(ctx, pkceKey(state))
	if err != nil {
		return nil, wrapf(KindSession, err, "loading PKCE record")
	}
	if !ok {
		return nil, newErr(KindInvalidState, "unknown or expired state", nil)
	}
	var rec pkceRecord
	if err := json.Unmarshal([]byte(recJSON), &rec); err != nil {
		_ = c.config.Storage.Delete(ctx, pkceKey(state))
		return nil, wrapf(KindInvalidState, err, "parsing PKCE record")
	}

	if iss := params.Get("iss"); iss != "" && iss != rec.Issuer {
		_ = c.config.Storage.Delete(ctx, pkceKey(state))
		return nil, &Error{Kind: KindIssuerMismatch, Message: "iss parameter does not match stored issuer", ExpectedIssuer: rec.Issuer, ActualIssuer: iss}
	}

	session, err := c.completeCallback(ctx, &rec, code)
	_ = c.config.Storage.Delete(ctx, pkceKey(state))
	if err != nil {
		return nil, err
	}

	if c.config.OnSessionUpdated != nil {
		c.config.OnSessionUpdated(session.DID, session)
	}
	return &CallbackResult{Session: session, State: state}, nil
}

func (c *Client) completeCallback(ctx context.Context, rec *pkceRecord, code string) (*Session, error) {
	kp, err := GenerateDPoPKeyPair()
	if err != nil {
		return nil, err
	}

	meta, err := fetchAuthServerMetadata(ctx, c.httpClient, rec.AuthServer)
	if err != nil {
		return nil, err
	}

	tok, err := exchangeAuthorizationCode(c.httpClient, c.nonces, kp, meta, c.config.ClientID, c.config.RedirectURI, code, rec.CodeVerifier)
	if err != nil {
		return nil, err
	}

	did := tok.DID
	handle := ""
	pdsURL := ""
	if rec.Handle != nil {
		handle = *rec.Handle
	}
	if rec.PDSURL != nil {
		pdsURL = *rec.PDSURL
	} else {
		// §4.8: "resolve {pdsUrl, handle} from the token's DID via
		// DID-document lookup" — the auth-server-URL Authorize flow never
		// learned the handle up front, so it comes from here instead.
		id, err := lookupIdentityByDID(ctx, c.httpClient, did)
		if err != nil {
			return nil, err
		}
		pdsURL = id.PDSURL
		if handle == "" {
			handle = id.Handle
		}
	}

	// Issuer verification (security-critical, §4.8): re-discover the
	// auth-server issuer from the DID's PDS and compare to the issuer
	// stored at authorize-time. Non-mismatch discovery failures are
	// logged but do not block; PKCE protection still held.
	rediscovered, err := discoverAuthServer(ctx, c.httpClient, pdsURL)
	if err != nil {
		c.logger.Warn("post-callback issuer re-discovery failed", "error", err, "did", did)
	} else if rediscovered.Metadata.Issuer != rec.Issuer {
		return nil, &Error{
			Kind:           KindIssuerMismatch,
			Message:        "re-discovered issuer does not match issuer stored at authorize-time",
			ExpectedIssuer: rec.Issuer,
			ActualIssuer:   rediscovered.Metadata.Issuer,
			Handle:         handle,
			DID:            did,
		}
	}

	privJWK, err := marshalJWK(kp.PrivateJWK())
	if err != nil {
		return nil, err
	}
	pubJWK, err := marshalJWK(kp.PublicJWK())
	if err != nil {
		return nil, err
	}

	session := &Session{
		DID:               did,
		Handle:            handle,
		PDSURL:            pdsURL,
		AccessToken:       tok.AccessToken,
		RefreshToken:      tok.RefreshToken,
		DPoPPrivateKeyJWK: privJWK,
		DPoPPublicKeyJWK:  pubJWK,
		TokenExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
		httpClient:        c.httpClient,
		nonces:            c.nonces,
	}
	c.attachRefreshCallback(session)
	return session, nil
}

func lookupIdentityByDID(ctx context.Context, httpClient *http.Client, did string) (*Identity, error) {
	r := &defaultHandleResolver{httpClient: httpClient}
	return r.lookupPDSForDID(ctx, did, "")
}

// attachRefreshCallback wires a Session's 401 auto-retry path back to this
// client's refresh machinery, per §9 Design Notes (Coroutine control flow):
// an injected callback rather than a back-reference.
func (c *Client) attachRefreshCallback(session *Session) {
	session.onRefresh = func(ctx context.Context) error {
		refreshed, err := c.Refresh(ctx, session)
		if err != nil {
			return err
		}
		*session = *refreshed
		return nil
	}
}

// Store persists session under session:<sessionId>, no TTL (§6).
func (c *Client) Store(ctx context.Context, sessionID string, session *Session) error {
	data, err := session.ToJSON()
	if err != nil {
		return err
	}
	if err := c.config.Storage.Set(ctx, sessionKey(sessionID), string(data), 0); err != nil {
		return wrapf(KindSession, err, "storing session %q", sessionID)
	}
	return nil
}

// Restore loads sessionId, refreshing it first if expired. Concurrent
// restores of the same sessionId observe exactly one underlying restore
// (§4.8, §5).
func (c *Client) Restore(ctx context.Context, sessionID string) (*Session, error) {
	v, err := c.locks.runRestore(ctx, sessionID, func() (any, error) {
		return c.doRestore(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (c *Client) doRestore(ctx context.Context, sessionID string) (*Session, error) {
	data, ok, err := c.config.Storage.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, wrapf(KindSession, err, "loading session %q", sessionID)
	}
	if !ok {
		return nil, newErr(KindSessionNotFound, "session not found", nil)
	}
	session, err := SessionFromJSON([]byte(data), c.httpClient, c.nonces)
	if err != nil {
		return nil, err
	}
	c.attachRefreshCallback(session)

	if !session.IsExpired() {
		return session, nil
	}

	refreshed, err := c.Refresh(ctx, session)
	if err != nil {
		if k, ok := KindOf(err); ok && (k == KindRefreshTokenExpired || k == KindNetwork || k == KindTokenExchange) {
			return nil, err
		}
		return nil, wrapf(KindSession, err, "restoring session %q", sessionID)
	}
	if err := c.Store(ctx, sessionID, refreshed); err != nil {
		return nil, err
	}
	return refreshed, nil
}

// Refresh refreshes session's tokens. Keyed by DID: concurrent refreshes
// for the same DID are serialized, via a custom RequestLock if configured,
// otherwise the in-memory group (§4.8, §5).
func (c *Client) Refresh(ctx context.Context, session *Session) (*Session, error) {
	v, err := c.locks.runRefresh(ctx, session.DID, func() (any, error) {
		return c.doRefresh(ctx, session)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (c *Client) doRefresh(ctx context.Context, session *Session) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RefreshTimeout)
	defer cancel()

	meta, err := discoverAuthServer(ctx, c.httpClient, session.PDSURL)
	if err != nil {
		return nil, err
	}

	kp, err := session.dpopKeyPair()
	if err != nil {
		return nil, err
	}

	tok, err := refreshTokenGrant(c.httpClient, c.nonces, kp, meta.Metadata, c.config.ClientID, session.RefreshToken)
	if err != nil {
		err = classifyRefreshFailure(err)
		if isReplayError(err) {
			time.Sleep(replayRecoveryWait)
			return c.reloadIfNoLongerExpired(ctx, session)
		}
		if k, _ := KindOf(err); k != KindNetwork {
			go revokeToken(c.httpClient, meta.Metadata.RevocationEndpoint, session.RefreshToken, c.config.ClientID)
		}
		return nil, err
	}

	session.UpdateTokens(tok.AccessToken, tok.RefreshToken, tok.ExpiresIn)
	if c.config.OnSessionUpdated != nil {
		c.config.OnSessionUpdated(session.DID, session)
	}
	return session, nil
}

// reloadIfNoLongerExpired implements the replay-recovery path (§4.6, §4.8):
// another concurrent refresher has already succeeded and persisted the
// result; reload it from storage.
func (c *Client) reloadIfNoLongerExpired(ctx context.Context, session *Session) (*Session, error) {
	data, ok, err := c.config.Storage.Get(ctx, sessionKey(session.DID))
	if err != nil || !ok {
		return nil, newErr(KindRefreshTokenExpired, "refresh token replayed and no recovered session found", nil)
	}
	reloaded, err := SessionFromJSON([]byte(data), c.httpClient, c.nonces)
	if err != nil {
		return nil, err
	}
	if reloaded.IsExpired() {
		return nil, newErr(KindRefreshTokenExpired, "refresh token replayed and stored session is still expired", nil)
	}
	c.attachRefreshCallback(reloaded)
	return reloaded, nil
}

// SignOut revokes session's refresh token best-effort and always deletes
// its storage record (§4.8).
func (c *Client) SignOut(ctx context.Context, sessionID string, session *Session) error {
	meta, err := discoverAuthServer(ctx, c.httpClient, session.PDSURL)
	if err == nil {
		revokeToken(c.httpClient, meta.Metadata.RevocationEndpoint, session.RefreshToken, c.config.ClientID)
	}

	if err := c.config.Storage.Delete(ctx, sessionKey(sessionID)); err != nil {
		return wrapf(KindSession, err, "deleting session %q", sessionID)
	}
	if c.config.OnSessionDeleted != nil {
		c.config.OnSessionDeleted(sessionID)
	}
	return nil
}
