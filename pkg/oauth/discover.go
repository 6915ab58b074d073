package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// DiscoveredAuthServer bundles the validated metadata a client needs to
// drive PAR, token exchange, and revocation.
type DiscoveredAuthServer struct {
	Metadata *AuthServerMetadata
}

// discoverAuthServer implements §4.5's "auth-server discovery from PDS":
// fetch <pds>/.well-known/oauth-protected-resource; if it lists
// authorization_servers, use the first; otherwise fall back to the PDS
// itself. Then fetch and validate
// <authServer>/.well-known/oauth-authorization-server.
func discoverAuthServer(ctx context.Context, httpClient *http.Client, pdsURL string) (*DiscoveredAuthServer, error) {
	authServer, err := discoverAuthServerURL(ctx, httpClient, pdsURL)
	if err != nil {
		return nil, err
	}
	meta, err := fetchAuthServerMetadata(ctx, httpClient, authServer)
	if err != nil {
		return nil, err
	}
	return &DiscoveredAuthServer{Metadata: meta}, nil
}

func discoverAuthServerURL(ctx context.Context, httpClient *http.Client, pdsURL string) (string, error) {
	protectedResourceURL := pdsURL + "/.well-known/oauth-protected-resource"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, protectedResourceURL, nil)
	if err != nil {
		return "", wrapf(KindNetwork, err, "building protected-resource request")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", wrapf(KindNetwork, err, "fetching %s", protectedResourceURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// No protected-resource document: the PDS is its own auth server.
		return pdsURL, nil
	}

	var doc struct {
		AuthorizationServers []string `json:"authorization_servers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", wrapf(KindPDSDiscovery, err, "decoding protected-resource document")
	}
	if len(doc.AuthorizationServers) == 0 {
		return pdsURL, nil
	}
	return doc.AuthorizationServers[0], nil
}

// fetchAuthServerMetadata fetches and validates
// <authServer>/.well-known/oauth-authorization-server.
func fetchAuthServerMetadata(ctx context.Context, httpClient *http.Client, authServer string) (*AuthServerMetadata, error) {
	metadataURL := authServer + "/.well-known/oauth-authorization-server"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, wrapf(KindNetwork, err, "building auth-server metadata request")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, wrapf(KindNetwork, err, "fetching %s", metadataURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newErr(KindAuthServerDiscovery, fmt.Sprintf("%s returned status %d", metadataURL, resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapf(KindAuthServerDiscovery, err, "reading auth-server metadata body")
	}

	return validateAuthServerMetadata(body, authServer)
}
