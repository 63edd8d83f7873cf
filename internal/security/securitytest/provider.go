// Package securitytest provides an in-process identity provider for tests of token verification.
package securitytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"device-session-control/internal/security"
)

// IdentityProvider is an httptest server serving an OIDC discovery document and a swappable JWKS.
// It counts key set fetches so tests can assert refresh behaviour.
type IdentityProvider struct {
	Server *httptest.Server

	mu         sync.Mutex
	keys       []*security.TestSigner
	extra      []json.RawMessage
	delay      time.Duration
	failJWKS   bool
	jwksHits   atomic.Int64
	discovered atomic.Int64
}

// NewIdentityProvider starts a provider publishing the given signers' keys. Close it with Close.
func NewIdentityProvider(signers ...*security.TestSigner) *IdentityProvider {
	p := &IdentityProvider{keys: signers}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		p.discovered.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   p.Issuer(),
			"jwks_uri": p.Server.URL + "/.well-known/jwks.json",
		})
	})
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		p.jwksHits.Add(1)
		p.mu.Lock()
		fail, signers := p.failJWKS, append([]*security.TestSigner(nil), p.keys...)
		extra, delay := append([]json.RawMessage(nil), p.extra...), p.delay
		p.mu.Unlock()
		// Keys are snapshotted on arrival, so a slow response reflects the set at request time.
		if delay > 0 {
			time.Sleep(delay)
		}
		if fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		keys := make([]any, 0, len(signers)+len(extra))
		for _, s := range signers {
			key, err := s.JWK()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			keys = append(keys, key)
		}
		for _, raw := range extra {
			keys = append(keys, raw)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	})
	p.Server = httptest.NewServer(mux)
	return p
}

// Issuer returns the provider's issuer with a trailing slash.
func (p *IdentityProvider) Issuer() string {
	return strings.TrimRight(p.Server.URL, "/") + "/"
}

// SetKeys replaces the published key set (simulates rotation).
func (p *IdentityProvider) SetKeys(signers ...*security.TestSigner) {
	p.mu.Lock()
	p.keys = signers
	p.mu.Unlock()
}

// AddRawKeys appends entries to the published set verbatim, e.g. keys of a type the verifier does not support.
func (p *IdentityProvider) AddRawKeys(entries ...string) {
	p.mu.Lock()
	for _, e := range entries {
		p.extra = append(p.extra, json.RawMessage(e))
	}
	p.mu.Unlock()
}

// SetJWKSDelay makes the JWKS endpoint wait d before answering.
func (p *IdentityProvider) SetJWKSDelay(d time.Duration) {
	p.mu.Lock()
	p.delay = d
	p.mu.Unlock()
}

// SetUnavailable makes the JWKS endpoint fail with 503.
func (p *IdentityProvider) SetUnavailable(fail bool) {
	p.mu.Lock()
	p.failJWKS = fail
	p.mu.Unlock()
}

// JWKSHits reports how many times the key set was fetched.
func (p *IdentityProvider) JWKSHits() int64 { return p.jwksHits.Load() }

// DiscoveryHits reports how many times the discovery document was fetched.
func (p *IdentityProvider) DiscoveryHits() int64 { return p.discovered.Load() }

// Close shuts down the server.
func (p *IdentityProvider) Close() { p.Server.Close() }
