package security

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrKeyNotFound is returned by a KeyResolver when the current key set has no key for the kid.
	// It signals possible key rotation, not misconfiguration.
	ErrKeyNotFound = errors.New("signing key not found")
	// ErrKeySetUnavailable is returned when the discovery document or key set cannot be fetched or parsed.
	ErrKeySetUnavailable = errors.New("signing key set unavailable")
)

const maxDocumentBytes = 1 << 20

// KeyResolver resolves token signing keys by kid.
// Refresh discards the cached key set and fetches it again; callers use it once per
// verification when ResolveKey reports ErrKeyNotFound.
type KeyResolver interface {
	ResolveKey(ctx context.Context, kid string) (crypto.PublicKey, error)
	Refresh(ctx context.Context) error
}

// FetchObserver is notified after every discovery or key set fetch.
// kind is "discovery" or "jwks"; result is "ok" or "error".
type FetchObserver func(kind, result string)

type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

type cachedKeySet struct {
	set       jwk.Set
	fetchedAt time.Time
	// generation orders fetches by start; a set never replaces a newer one.
	generation uint64
}

// KeyCache memoizes the issuer's OIDC discovery document and JWKS for the life of the process.
// Both are published through atomic pointers. Concurrent fetches of one generation share a single
// round trip. Refresh moves to a new generation once the current one has sent its JWKS request, so a
// refresh after a key rotation always observes the provider's state at or after the call.
type KeyCache struct {
	issuer   string
	client   *http.Client
	observer FetchObserver

	discovery atomic.Pointer[discoveryDocument]
	keys      atomic.Pointer[cachedKeySet]
	fetches   singleflight.Group

	mu         sync.Mutex
	generation uint64 // generation new callers join
	sent       uint64 // highest generation whose JWKS request was issued
}

// KeyCacheOption configures a KeyCache.
type KeyCacheOption func(*KeyCache)

// WithHTTPClient replaces the default HTTP client. The client should carry a timeout.
func WithHTTPClient(client *http.Client) KeyCacheOption {
	return func(c *KeyCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithFetchObserver registers a callback invoked after each fetch.
func WithFetchObserver(obs FetchObserver) KeyCacheOption {
	return func(c *KeyCache) {
		c.observer = obs
	}
}

// NewKeyCache returns a KeyCache for issuer (e.g. https://tenant.auth0.com/). Fetches time out after timeout.
func NewKeyCache(issuer string, timeout time.Duration, opts ...KeyCacheOption) *KeyCache {
	c := &KeyCache{
		issuer:     issuer,
		client:     &http.Client{Timeout: timeout},
		generation: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResolveKey returns the public key for kid from the cached key set, fetching the set on first use.
// Returns ErrKeyNotFound when the set has no usable key for kid and an error wrapping
// ErrKeySetUnavailable when the set cannot be fetched.
func (c *KeyCache) ResolveKey(ctx context.Context, kid string) (crypto.PublicKey, error) {
	ks := c.keys.Load()
	if ks == nil {
		var err error
		ks, err = c.load(ctx, false)
		if err != nil {
			return nil, err
		}
	}
	key, ok := ks.set.LookupKeyID(kid)
	if !ok {
		return nil, ErrKeyNotFound
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, ErrKeyNotFound
	}
	pub, err := publicKeyOf(raw)
	if err != nil {
		return nil, ErrKeyNotFound
	}
	return pub, nil
}

// Refresh re-fetches the key set. The discovery document stays memoized.
// A fetch already sent before the call is never reused.
func (c *KeyCache) Refresh(ctx context.Context) error {
	_, err := c.load(ctx, true)
	return err
}

// FetchedAt reports when the cached key set was fetched; zero if never.
func (c *KeyCache) FetchedAt() time.Time {
	if ks := c.keys.Load(); ks != nil {
		return ks.fetchedAt
	}
	return time.Time{}
}

// load joins the current fetch generation. With fresh set, a generation that has already sent its
// JWKS request is not joined; a new one is started instead.
func (c *KeyCache) load(ctx context.Context, fresh bool) (*cachedKeySet, error) {
	c.mu.Lock()
	if fresh && c.sent >= c.generation {
		c.generation++
	}
	gen := c.generation
	c.mu.Unlock()

	ch := c.fetches.DoChan("jwks/"+strconv.FormatUint(gen, 10), func() (any, error) {
		// Shared by every waiter: detached from this caller's cancellation; the client timeout bounds it.
		return c.fetch(context.WithoutCancel(ctx), gen)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cachedKeySet), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrKeySetUnavailable, ctx.Err())
	}
}

func (c *KeyCache) fetch(ctx context.Context, gen uint64) (*cachedKeySet, error) {
	doc, err := c.discoveryDocument(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if gen > c.sent {
		c.sent = gen
	}
	c.mu.Unlock()

	set, err := c.fetchKeySet(ctx, doc.JWKSURI)
	c.observe("jwks", err)
	if err != nil {
		return nil, err
	}
	ks := &cachedKeySet{set: set, fetchedAt: time.Now().UTC(), generation: gen}
	c.publish(ks)
	return ks, nil
}

// publish stores ks unless a set from a later fetch is already cached.
func (c *KeyCache) publish(ks *cachedKeySet) {
	for {
		cur := c.keys.Load()
		if cur != nil && cur.generation > ks.generation {
			return
		}
		if c.keys.CompareAndSwap(cur, ks) {
			return
		}
	}
}

func (c *KeyCache) discoveryDocument(ctx context.Context) (*discoveryDocument, error) {
	if doc := c.discovery.Load(); doc != nil {
		return doc, nil
	}
	issuer := strings.TrimRight(c.issuer, "/")
	if issuer == "" {
		return nil, fmt.Errorf("%w: issuer not configured", ErrKeySetUnavailable)
	}
	body, err := c.get(ctx, issuer+"/.well-known/openid-configuration")
	if err == nil {
		var doc discoveryDocument
		if jerr := json.Unmarshal(body, &doc); jerr != nil {
			err = fmt.Errorf("%w: parse discovery document: %v", ErrKeySetUnavailable, jerr)
		} else if doc.JWKSURI == "" {
			err = fmt.Errorf("%w: discovery document missing jwks_uri", ErrKeySetUnavailable)
		} else {
			c.discovery.Store(&doc)
			c.observe("discovery", nil)
			return &doc, nil
		}
	}
	c.observe("discovery", err)
	return nil, err
}

func (c *KeyCache) fetchKeySet(ctx context.Context, url string) (jwk.Set, error) {
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	set, err := parseKeySet(body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse key set: %v", ErrKeySetUnavailable, err)
	}
	return set, nil
}

// parseKeySet parses a JWKS document entry by entry. Entries that cannot be parsed (unknown kty,
// unsupported curve, malformed members) are skipped, as RFC 7517 section 5 asks of clients.
func parseKeySet(body []byte) (jwk.Set, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	if doc.Keys == nil {
		return nil, errors.New(`missing "keys" member`)
	}
	set := jwk.NewSet()
	for _, raw := range doc.Keys {
		key, err := jwk.ParseKey(raw)
		if err != nil {
			continue
		}
		if err := set.AddKey(key); err != nil {
			continue
		}
	}
	return set, nil
}

func (c *KeyCache) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrKeySetUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrKeySetUnavailable, url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrKeySetUnavailable, url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrKeySetUnavailable, url, err)
	}
	return body, nil
}

func (c *KeyCache) observe(kind string, err error) {
	if c.observer == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.observer(kind, result)
}

// publicKeyOf narrows an exported JWK to a verification key.
func publicKeyOf(raw any) (crypto.PublicKey, error) {
	switch k := raw.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		return k, nil
	case rsa.PublicKey:
		return &k, nil
	case ecdsa.PublicKey:
		return &k, nil
	case *rsa.PrivateKey:
		return &k.PublicKey, nil
	case *ecdsa.PrivateKey:
		return &k.PublicKey, nil
	default:
		return nil, ErrInvalidKey
	}
}
