package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Identity is what a HandleResolver produces: the DID, PDS URL, and handle
// backing an identity. Handle is empty when the caller resolved by DID
// rather than by handle and the DID document carries no alsoKnownAs entry.
type Identity struct {
	DID    string
	PDSURL string
	Handle string
}

// HandleResolver is the single pluggable capability for handle→identity
// lookup (§4.5, §9 Design Notes: one method). Callers may supply their own
// in place of the default Slingshot-style chain.
type HandleResolver interface {
	Resolve(ctx context.Context, handle string) (*Identity, error)
}

// defaultHandleResolver implements the four-step fallback chain described
// in §4.5, grounded in the teacher's xrpc.DIDResolver (did:plc / did:web
// split), generalized with a resolver-service front step and the
// `.well-known/atproto-did` direct-lookup fallback the teacher never wires
// (promoted from original_source's distilled description).
type defaultHandleResolver struct {
	httpClient   *http.Client
	slingshotURL string
}

// NewDefaultHandleResolver constructs the built-in resolver. slingshotURL,
// if empty, uses the public default.
func NewDefaultHandleResolver(slingshotURL string, httpClient *http.Client) HandleResolver {
	if slingshotURL == "" {
		slingshotURL = "https://slingshot.bsky.app"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &defaultHandleResolver{httpClient: httpClient, slingshotURL: slingshotURL}
}

func (r *defaultHandleResolver) Resolve(ctx context.Context, handle string) (*Identity, error) {
	if id, err := r.resolveViaSlingshotCombined(ctx, handle); err == nil {
		return id, nil
	}
	if id, err := r.resolveViaSlingshotHandle(ctx, handle); err == nil {
		return id, nil
	}
	if id, err := r.resolveViaDirectory(ctx, handle); err == nil {
		return id, nil
	}
	if id, err := r.resolveViaWellKnown(ctx, handle); err == nil {
		return id, nil
	}
	return nil, newErr(KindHandleResolution, fmt.Sprintf("no resolver returned an identity for handle %q", handle), nil)
}

// resolveViaSlingshotCombined is step 1: it calls the resolver service's
// resolveHandle endpoint (the same URL as step 2) and succeeds only when
// the response carries a pds field alongside the did; no separate
// combined-lookup endpoint is queried.
func (r *defaultHandleResolver) resolveViaSlingshotCombined(ctx context.Context, handle string) (*Identity, error) {
	url := fmt.Sprintf("%s/xrpc/com.atproto.identity.resolveHandle?handle=%s", r.slingshotURL, handle)
	var out struct {
		DID string `json:"did"`
		PDS string `json:"pds"`
	}
	if err := r.getJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	if out.DID == "" || out.PDS == "" {
		return nil, newErr(KindHandleResolution, "slingshot combined lookup missing did or pds", nil)
	}
	return &Identity{DID: out.DID, PDSURL: strings.TrimSuffix(out.PDS, "/"), Handle: handle}, nil
}

// resolveViaSlingshotHandle is step 2: the standard resolveHandle endpoint
// returning only a DID, followed by a DID-document lookup.
func (r *defaultHandleResolver) resolveViaSlingshotHandle(ctx context.Context, handle string) (*Identity, error) {
	url := fmt.Sprintf("%s/xrpc/com.atproto.identity.resolveHandle?handle=%s", r.slingshotURL, handle)
	var out struct {
		DID string `json:"did"`
	}
	if err := r.getJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	if out.DID == "" {
		return nil, newErr(KindHandleResolution, "slingshot resolveHandle missing did", nil)
	}
	return r.lookupPDSForDID(ctx, out.DID, handle)
}

// resolveViaDirectory is step 3: a reference directory API (plc.directory)
// returning only a DID, followed by a DID-document lookup.
func (r *defaultHandleResolver) resolveViaDirectory(ctx context.Context, handle string) (*Identity, error) {
	url := fmt.Sprintf("https://plc.directory/resolve?handle=%s", handle)
	var out struct {
		DID string `json:"did"`
	}
	if err := r.getJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	if out.DID == "" {
		return nil, newErr(KindHandleResolution, "directory lookup missing did", nil)
	}
	return r.lookupPDSForDID(ctx, out.DID, handle)
}

// resolveViaWellKnown is step 4: direct lookup of
// https://<handle>/.well-known/atproto-did, followed by a DID-document
// lookup. Requires a dotted handle.
func (r *defaultHandleResolver) resolveViaWellKnown(ctx context.Context, handle string) (*Identity, error) {
	if !strings.Contains(handle, ".") {
		return nil, newErr(KindHandleResolution, "handle is not dotted, well-known lookup unavailable", nil)
	}
	url := fmt.Sprintf("https://%s/.well-known/atproto-did", handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, wrapf(KindNetwork, err, "building well-known request for %s", handle)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, wrapf(KindNetwork, err, "fetching well-known atproto-did for %s", handle)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newErr(KindHandleResolution, fmt.Sprintf("well-known atproto-did returned status %d", resp.StatusCode), nil)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil {
		return nil, wrapf(KindNetwork, err, "reading well-known atproto-did body for %s", handle)
	}
	did := strings.TrimSpace(string(body))
	if did == "" {
		return nil, newErr(KindHandleResolution, "well-known atproto-did body empty", nil)
	}
	return r.lookupPDSForDID(ctx, did, handle)
}

func (r *defaultHandleResolver) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return wrapf(KindNetwork, err, "building request to %s", url)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return wrapf(KindNetwork, err, "GET %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return newErr(KindHandleResolution, fmt.Sprintf("%s returned status %d", url, resp.StatusCode), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return wrapf(KindHandleResolution, err, "decoding response from %s", url)
	}
	return nil
}

// didDocument is the subset of a DID document this engine cares about.
type didDocument struct {
	AlsoKnownAs []string `json:"alsoKnownAs"`
	Service     []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// lookupPDSForDID fetches the DID document from the canonical directory
// (did:plc → plc.directory, did:web → the domain itself) and extracts the
// PDS service endpoint per §4.5. knownHandle is the handle already in hand
// from the resolution step that produced did, if any; when empty, the
// handle is derived from the document's alsoKnownAs entries instead (§4.5:
// "The handle (if absent from context) is derived from alsoKnownAs").
func (r *defaultHandleResolver) lookupPDSForDID(ctx context.Context, did, knownHandle string) (*Identity, error) {
	docURL, err := didDocumentURL(did)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, wrapf(KindNetwork, err, "building DID document request for %s", did)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, wrapf(KindNetwork, err, "fetching DID document for %s", did)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newErr(KindHandleResolution, fmt.Sprintf("DID document fetch for %s returned status %d", did, resp.StatusCode), nil)
	}

	var doc didDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, wrapf(KindHandleResolution, err, "decoding DID document for %s", did)
	}

	pds, err := pdsFromDIDDocument(&doc)
	if err != nil {
		return nil, err
	}
	handle := knownHandle
	if handle == "" {
		if h, ok := handleFromDIDDocument(&doc); ok {
			handle = h
		}
	}
	return &Identity{DID: did, PDSURL: pds, Handle: handle}, nil
}

// pdsFromDIDDocument extracts and validates the PDS service endpoint per
// §4.5: a service entry whose type == "AtprotoPersonalDataServer" or id ==
// "#atproto_pds"; serviceEndpoint must be a string; trailing slash trimmed.
func pdsFromDIDDocument(doc *didDocument) (string, error) {
	for _, svc := range doc.Service {
		if svc.Type == "AtprotoPersonalDataServer" || svc.ID == "#atproto_pds" {
			if svc.ServiceEndpoint == "" {
				return "", newErr(KindHandleResolution, "PDS service entry has empty serviceEndpoint", nil)
			}
			return strings.TrimSuffix(svc.ServiceEndpoint, "/"), nil
		}
	}
	return "", newErr(KindHandleResolution, "no AtprotoPersonalDataServer service entry in DID document", nil)
}

// handleFromDIDDocument derives the handle from alsoKnownAs entries of the
// form at://<handle>, used when the context lacks one.
func handleFromDIDDocument(doc *didDocument) (string, bool) {
	for _, aka := range doc.AlsoKnownAs {
		if strings.HasPrefix(aka, "at://") {
			return strings.TrimPrefix(aka, "at://"), true
		}
	}
	return "", false
}

func didDocumentURL(did string) (string, error) {
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		return "https://plc.directory/" + did, nil
	case strings.HasPrefix(did, "did:web:"):
		domain := strings.TrimPrefix(did, "did:web:")
		return "https://" + domain + "/.well-known/did.json", nil
	default:
		return "", newErr(KindHandleResolution, fmt.Sprintf("unsupported DID method: %s", did), nil)
	}
}
