// Package registry holds the statically provisioned set of OAuth clients.
//
// Clients are loaded once at startup and never change afterwards, so the Registry is
// safe for concurrent use without locking.
package registry

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-authz/internal/util"
)

// bcrypt cost bounds re-exported for callers that hash secrets.
const (
	MinCost     = bcrypt.MinCost
	DefaultCost = bcrypt.DefaultCost
)

// dummyHash is compared against when the client id is unknown, so the response
// time does not reveal whether a client exists (bcrypt hash of "test").
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// dangerousSchemes lists URI schemes that must never be registered as redirect targets.
var dangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// Client is a registered confidential client.
type Client struct {
	ID           string   `yaml:"id" json:"client_id"`
	Name         string   `yaml:"name,omitempty" json:"client_name,omitempty"`
	SecretHash   string   `yaml:"secret_hash" json:"-"`
	RedirectURIs []string `yaml:"redirect_uris" json:"redirect_uris"`
	Scopes       []string `yaml:"scopes" json:"scopes"`
}

// Registry answers authentication and policy questions about clients.
type Registry struct {
	clients map[string]*Client
}

// New validates clients and builds a Registry.
func New(clients ...Client) (*Registry, error) {
	r := &Registry{clients: make(map[string]*Client, len(clients))}

	for i := range clients {
		c := clients[i]
		if err := validateClient(&c); err != nil {
			return nil, fmt.Errorf("client %d (%q): %w", i, c.ID, err)
		}
		if _, dup := r.clients[c.ID]; dup {
			return nil, fmt.Errorf("client %q: duplicate client id", c.ID)
		}
		c.RedirectURIs = slices.Clone(c.RedirectURIs)
		c.Scopes = slices.Clone(c.Scopes)
		r.clients[c.ID] = &c
	}

	return r, nil
}

// HashSecret hashes a client secret for storage in the registry file.
func HashSecret(secret string) (string, error) {
	return HashSecretWithCost(secret, DefaultCost)
}

// HashSecretWithCost hashes a client secret with an explicit bcrypt cost.
func HashSecretWithCost(secret string, cost int) (string, error) {
	if secret == "" {
		return "", errors.New("secret must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// Authenticate verifies a client's secret. It never returns an error: unknown
// clients and wrong secrets are indistinguishable, both in result and in timing.
func (r *Registry) Authenticate(_ context.Context, clientID, secret string) bool {
	hash := dummyHash
	client, known := r.clients[clientID]
	if known {
		hash = client.SecretHash
	}

	// ALWAYS perform the bcrypt comparison, even for unknown clients.
	match := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil

	return known && match
}

// IsRedirectAllowed reports whether uri exactly matches a registered redirect URI.
func (r *Registry) IsRedirectAllowed(clientID, uri string) bool {
	client, ok := r.clients[clientID]
	if !ok || uri == "" {
		return false
	}
	for _, registered := range client.RedirectURIs {
		if subtle.ConstantTimeCompare([]byte(registered), []byte(uri)) == 1 {
			return true
		}
	}
	return false
}

// AreScopesAllowed reports whether every requested scope is registered for the client.
func (r *Registry) AreScopesAllowed(clientID string, scopes []string) bool {
	client, ok := r.clients[clientID]
	if !ok {
		return false
	}
	return util.ScopesSubset(scopes, client.Scopes)
}

// Get returns a copy of the client record.
func (r *Registry) Get(clientID string) (*Client, bool) {
	client, ok := r.clients[clientID]
	if !ok {
		return nil, false
	}
	c := *client
	c.RedirectURIs = slices.Clone(client.RedirectURIs)
	c.Scopes = slices.Clone(client.Scopes)
	return &c, true
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	return len(r.clients)
}

// IDs returns the registered client ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Scopes returns the sorted union of every client's scopes.
func (r *Registry) Scopes() []string {
	seen := make(map[string]struct{})
	for _, c := range r.clients {
		for _, s := range c.Scopes {
			seen[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func validateClient(c *Client) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("id is required")
	}
	if _, err := bcrypt.Cost([]byte(c.SecretHash)); err != nil {
		return fmt.Errorf("secret_hash is not a bcrypt hash: %w", err)
	}
	if len(c.RedirectURIs) == 0 {
		return errors.New("at least one redirect uri is required")
	}
	for _, uri := range c.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return fmt.Errorf("redirect uri %q: %w", uri, err)
		}
	}
	if len(c.Scopes) == 0 {
		return errors.New("at least one scope is required")
	}
	for _, s := range c.Scopes {
		if s == "" || strings.ContainsAny(s, " \t\r\n\"\\") {
			return fmt.Errorf("invalid scope %q", s)
		}
	}
	return nil
}

// validateRedirectURI applies the OAuth 2.1 registration rules: absolute, no
// fragment, https unless the host is loopback, and no script-capable schemes.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid uri: %w", err)
	}
	if !u.IsAbs() {
		return errors.New("must be absolute")
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return errors.New("must not contain a fragment")
	}

	scheme := strings.ToLower(u.Scheme)
	if slices.Contains(dangerousSchemes, scheme) {
		return fmt.Errorf("scheme %q is not allowed", scheme)
	}

	switch scheme {
	case "https":
		if u.Host == "" {
			return errors.New("must have a host")
		}
	case "http":
		if !util.IsLoopbackHostname(u.Hostname()) {
			return errors.New("http is only allowed for loopback hosts")
		}
	}
	return nil
}
