// Package profile looks up customer context from the external context
// collaborator. A missing profile is not an error: lookups return nil so the
// session simply starts without attached context.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Profile is the customer context attached to a session at claim time.
type Profile struct {
	CustomerID string            `json:"customer_id"`
	Name       string            `json:"name,omitempty"`
	Tier       string            `json:"tier,omitempty"`
	Notes      string            `json:"notes,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Provider is the context collaborator contract.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Lookup fetches the profile for a customer. A nil profile with a nil
	// error means the customer is unknown.
	Lookup(ctx context.Context, customerID string) (*Profile, error)
}

// HTTPProvider fetches profiles from a REST context service.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTP creates a profile provider against the given base URL. A nil client
// falls back to http.DefaultClient.
func NewHTTP(baseURL, apiKey string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: client,
	}
}

// Name returns the provider identifier.
func (p *HTTPProvider) Name() string {
	return "http"
}

// Lookup fetches the profile for a customer. 404 maps to (nil, nil).
func (p *HTTPProvider) Lookup(ctx context.Context, customerID string) (*Profile, error) {
	endpoint := p.baseURL + "/v1/customers/" + url.PathEscape(customerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("customer context error %d: %s", resp.StatusCode, string(body))
	}

	var prof Profile
	if err := json.NewDecoder(resp.Body).Decode(&prof); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if prof.CustomerID == "" {
		prof.CustomerID = customerID
	}
	return &prof, nil
}

// Static serves profiles from a fixed map, for development setups without a
// context service.
type Static struct {
	profiles map[string]Profile
}

// NewStatic creates a provider over the given profiles, keyed by customer ID.
func NewStatic(profiles map[string]Profile) *Static {
	if profiles == nil {
		profiles = make(map[string]Profile)
	}
	return &Static{profiles: profiles}
}

// Name returns the provider identifier.
func (s *Static) Name() string {
	return "static"
}

// Lookup returns the configured profile, or (nil, nil) when unknown.
func (s *Static) Lookup(_ context.Context, customerID string) (*Profile, error) {
	prof, ok := s.profiles[customerID]
	if !ok {
		return nil, nil
	}
	out := prof
	return &out, nil
}
