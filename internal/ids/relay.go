// Package ids holds the identity-service surfaces the emulation
// harness touches: the relay that supplies the validation certificate
// and exchanges session info, and the provider interface the
// registration layer consumes.
package ids

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/blacktop/go-plist"
)

// Relay exchanges the two identity-service messages a validation run
// needs. Implementations talk to the real service; tests supply fakes.
type Relay interface {
	// Certificate fetches the validation certificate the binary's
	// initialization routine consumes.
	Certificate(ctx context.Context) ([]byte, error)
	// SessionInfo submits the binary's session-info request and
	// returns the service's response.
	SessionInfo(ctx context.Context, request []byte) ([]byte, error)
}

// Provider generates validation data. Implemented by the nac package;
// the registration layer depends on this interface only.
type Provider interface {
	GenerateValidationData(ctx context.Context) (string, error)
}

const (
	defaultCertURL        = "http://static.ess.apple.com/identity/validation/cert-1.0.plist"
	defaultSessionInfoURL = "https://identity.ess.apple.com/WebObjects/TDIdentityService.woa/wa/initializeValidation"

	relayTimeout = 30 * time.Second
)

// Client is the default Relay against the identity service's plist
// endpoints.
type Client struct {
	CertURL        string
	SessionInfoURL string
	HTTPClient     *http.Client
}

// NewClient returns a Client wired to the production endpoints.
func NewClient() *Client {
	return &Client{
		CertURL:        defaultCertURL,
		SessionInfoURL: defaultSessionInfoURL,
		HTTPClient:     &http.Client{Timeout: relayTimeout},
	}
}

func (c *Client) Certificate(ctx context.Context) ([]byte, error) {
	body, err := c.get(ctx, c.CertURL)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Cert []byte `plist:"cert"`
	}
	if _, err := plist.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("ids: decode certificate plist: %w", err)
	}
	if len(resp.Cert) == 0 {
		return nil, fmt.Errorf("ids: certificate plist has empty cert")
	}
	return resp.Cert, nil
}

func (c *Client) SessionInfo(ctx context.Context, request []byte) ([]byte, error) {
	payload, err := plist.Marshal(map[string]any{
		"session-info-request": request,
	}, plist.XMLFormat)
	if err != nil {
		return nil, fmt.Errorf("ids: encode session-info request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.SessionInfoURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ids: build session-info request: %w", err)
	}
	req.Header.Set("Content-Type", "text/x-xml-plist")
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var resp struct {
		SessionInfo []byte `plist:"session-info"`
	}
	if _, err := plist.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("ids: decode session-info response: %w", err)
	}
	if len(resp.SessionInfo) == 0 {
		return nil, fmt.Errorf("ids: session-info response has empty session-info")
	}
	return resp.SessionInfo, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ids: build request: %w", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ids: %s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ids: %s %s: unexpected status %s", req.Method, req.URL, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ids: read response body: %w", err)
	}
	return body, nil
}
