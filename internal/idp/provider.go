package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Credentials is a session credential pair minted by the identity provider.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Provider encapsulates outbound calls to the external identity provider
// that owns session issuance.
type Provider interface {
	IssueSession(ctx context.Context, userID int64, email string) (*Credentials, error)
}

// HTTPProvider is the default HTTP implementation.
type HTTPProvider struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProvider constructs the default Provider.
func NewHTTPProvider(endpoint, apiKey string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProvider{endpoint: endpoint, apiKey: apiKey, httpClient: client}
}

var _ Provider = (*HTTPProvider)(nil)

// IssueSession asks the provider to mint a session for an already-verified
// identity.
func (p *HTTPProvider) IssueSession(ctx context.Context, userID int64, email string) (*Credentials, error) {
	if strings.TrimSpace(p.endpoint) == "" {
		return nil, fmt.Errorf("session endpoint missing")
	}
	payload, err := json.Marshal(map[string]any{
		"user_id": userID,
		"email":   email,
	})
	if err != nil {
		return nil, fmt.Errorf("encode session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read session response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("session issuance failed: status=%d", resp.StatusCode)
	}

	var creds Credentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, fmt.Errorf("decode session response: %w", err)
	}
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("session response missing access token")
	}
	return &creds, nil
}
