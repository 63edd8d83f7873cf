package security_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"device-session-control/internal/security"
	"device-session-control/internal/security/securitytest"
)

func newSigner(t *testing.T, kid, issuer string) *security.TestSigner {
	t.Helper()
	s, err := security.NewTestSigner(kid, issuer)
	if err != nil {
		t.Fatalf("NewTestSigner: %v", err)
	}
	return s
}

func TestKeyCache_ResolveKeyFetchesOnce(t *testing.T) {
	idp := securitytest.NewIdentityProvider()
	defer idp.Close()
	idp.SetKeys(newSigner(t, "k1", idp.Issuer()))

	cache := security.NewKeyCache(idp.Issuer(), time.Second)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		pub, err := cache.ResolveKey(ctx, "k1")
		if err != nil {
			t.Fatalf("ResolveKey: %v", err)
		}
		if security.KeyAlg(pub) != "RS256" {
			t.Errorf("KeyAlg = %q, want RS256", security.KeyAlg(pub))
		}
	}
	if got := idp.JWKSHits(); got != 1 {
		t.Errorf("JWKS fetched %d times, want 1", got)
	}
	if got := idp.DiscoveryHits(); got != 1 {
		t.Errorf("discovery fetched %d times, want 1", got)
	}
	if cache.FetchedAt().IsZero() {
		t.Error("FetchedAt should be set after a fetch")
	}
}

func TestKeyCache_UnknownKid(t *testing.T) {
	idp := securitytest.NewIdentityProvider()
	defer idp.Close()
	idp.SetKeys(newSigner(t, "k1", idp.Issuer()))

	cache := security.NewKeyCache(idp.Issuer(), time.Second)
	_, err := cache.ResolveKey(context.Background(), "missing")
	if !errors.Is(err, security.ErrKeyNotFound) {
		t.Fatalf("ResolveKey: want ErrKeyNotFound, got %v", err)
	}
}

func TestKeyCache_RefreshPicksUpRotatedKey(t *testing.T) {
	idp := securitytest.NewIdentityProvider()
	defer idp.Close()
	idp.SetKeys(newSigner(t, "k1", idp.Issuer()))

	cache := security.NewKeyCache(idp.Issuer(), time.Second)
	ctx := context.Background()
	if _, err := cache.ResolveKey(ctx, "k1"); err != nil {
		t.Fatalf("ResolveKey k1: %v", err)
	}
	idp.SetKeys(newSigner(t, "k1", idp.Issuer()), newSigner(t, "k2", idp.Issuer()))

	if _, err := cache.ResolveKey(ctx, "k2"); !errors.Is(err, security.ErrKeyNotFound) {
		t.Fatalf("ResolveKey k2 before refresh: want ErrKeyNotFound, got %v", err)
	}
	if err := cache.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := cache.ResolveKey(ctx, "k2"); err != nil {
		t.Fatalf("ResolveKey k2 after refresh: %v", err)
	}
	if got := idp.JWKSHits(); got != 2 {
		t.Errorf("JWKS fetched %d times, want 2", got)
	}
	if got := idp.DiscoveryHits(); got != 1 {
		t.Errorf("discovery fetched %d times, want 1 (memoized)", got)
	}
}

func TestKeyCache_Unavailable(t *testing.T) {
	idp := securitytest.NewIdentityProvider()
	defer idp.Close()
	idp.SetUnavailable(true)

	var mu sync.Mutex
	results := map[string]int{}
	cache := security.NewKeyCache(idp.Issuer(), time.Second, security.WithFetchObserver(func(kind, result string) {
		mu.Lock()
		results[kind+"/"+result]++
		mu.Unlock()
	}))
	_, err := cache.ResolveKey(context.Background(), "k1")
	if !errors.Is(err, security.ErrKeySetUnavailable) {
		t.Fatalf("ResolveKey: want ErrKeySetUnavailable, got %v", err)
	}
	if errors.Is(err, security.ErrKeyNotFound) {
		t.Error("unavailable key set must not look like a missing key")
	}
	mu.Lock()
	defer mu.Unlock()
	if results["discovery/ok"] != 1 || results["jwks/error"] != 1 {
		t.Errorf("observer results = %v", results)
	}
}

func TestKeyCache_UnreachableIssuer(t *testing.T) {
	idp := securitytest.NewIdentityProvider()
	issuer := idp.Issuer()
	idp.Close()

	cache := security.NewKeyCache(issuer, 200*time.Millisecond)
	if err := cache.Refresh(context.Background()); !errors.Is(err, security.ErrKeySetUnavailable) {
		t.Fatalf("Refresh: want ErrKeySetUnavailable, got %v", err)
	}
}

func TestKeyCache_EmptyIssuer(t *testing.T) {
	cache := security.NewKeyCache("", time.Second)
	if _, err := cache.ResolveKey(context.Background(), "k1"); !errors.Is(err, security.ErrKeySetUnavailable) {
		t.Fatalf("ResolveKey: want ErrKeySetUnavailable, got %v", err)
	}
}

func TestKeyCache_ConcurrentResolve(t *testing.T) {
	idp := securitytest.NewIdentityProvider()
	defer idp.Close()
	idp.SetKeys(newSigner(t, "k1", idp.Issuer()))

	cache := security.NewKeyCache(idp.Issuer(), time.Second)
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.ResolveKey(context.Background(), "k1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("ResolveKey: %v", err)
	}
	// Cold-start fetches may race; all that matters is that every caller got the key.
	if got := idp.JWKSHits(); got < 1 || got > 20 {
		t.Errorf("JWKS fetched %d times", got)
	}
}

func TestKeyCache_SkipsUnsupportedEntries(t *testing.T) {
	idp := securitytest.NewIdentityProvider()
	defer idp.Close()
	idp.SetKeys(newSigner(t, "k1", idp.Issuer()))
	idp.AddRawKeys(
		`{"kty":"XYZ","kid":"other"}`,
		`{"kty":"EC","kid":"bad-curve","crv":"P-999","x":"AA","y":"AA"}`,
	)

	cache := security.NewKeyCache(idp.Issuer(), time.Second)
	ctx := context.Background()
	if _, err := cache.ResolveKey(ctx, "k1"); err != nil {
		t.Fatalf("ResolveKey k1 next to an unsupported entry: %v", err)
	}
	if _, err := cache.ResolveKey(ctx, "other"); !errors.Is(err, security.ErrKeyNotFound) {
		t.Errorf("ResolveKey other: want ErrKeyNotFound, got %v", err)
	}
}

func TestKeyCache_RefreshDoesNotReuseFetchSentBeforeRotation(t *testing.T) {
	idp := securitytest.NewIdentityProvider()
	defer idp.Close()
	idp.SetKeys(newSigner(t, "k1", idp.Issuer()))

	cache := security.NewKeyCache(idp.Issuer(), 5*time.Second)
	ctx := context.Background()
	if _, err := cache.ResolveKey(ctx, "k1"); err != nil {
		t.Fatalf("ResolveKey k1: %v", err)
	}

	// A refresh whose request reaches the provider before the rotation, answered slowly.
	idp.SetJWKSDelay(300 * time.Millisecond)
	early := make(chan error, 1)
	go func() { early <- cache.Refresh(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for idp.JWKSHits() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("first refresh never reached the provider")
		}
		time.Sleep(5 * time.Millisecond)
	}

	idp.SetKeys(newSigner(t, "k2", idp.Issuer()))
	if _, err := cache.ResolveKey(ctx, "k2"); !errors.Is(err, security.ErrKeyNotFound) {
		t.Fatalf("ResolveKey k2 before refresh: want ErrKeyNotFound, got %v", err)
	}
	if err := cache.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := cache.ResolveKey(ctx, "k2"); err != nil {
		t.Fatalf("ResolveKey k2 after refresh: %v", err)
	}
	if err := <-early; err != nil {
		t.Fatalf("first Refresh: %v", err)
	}
	if got := idp.JWKSHits(); got != 3 {
		t.Errorf("JWKS fetched %d times, want 3", got)
	}
	// The slower, older fetch must not overwrite the newer set.
	if _, err := cache.ResolveKey(ctx, "k2"); err != nil {
		t.Errorf("ResolveKey k2 after both refreshes: %v", err)
	}
}

func TestKeyCache_ConcurrentRefreshesShareUnsentFetch(t *testing.T) {
	idp := securitytest.NewIdentityProvider()
	defer idp.Close()
	idp.SetKeys(newSigner(t, "k1", idp.Issuer()))

	cache := security.NewKeyCache(idp.Issuer(), 5*time.Second)
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cache.Refresh(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Refresh: %v", err)
	}
	if got := idp.JWKSHits(); got < 1 || got > 10 {
		t.Errorf("JWKS fetched %d times", got)
	}
	if _, err := cache.ResolveKey(context.Background(), "k1"); err != nil {
		t.Errorf("ResolveKey after refreshes: %v", err)
	}
}

func TestKeyCache_CallerCancellation(t *testing.T) {
	idp := securitytest.NewIdentityProvider()
	defer idp.Close()
	idp.SetKeys(newSigner(t, "k1", idp.Issuer()))
	idp.SetJWKSDelay(200 * time.Millisecond)

	cache := security.NewKeyCache(idp.Issuer(), 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := cache.ResolveKey(ctx, "k1"); !errors.Is(err, security.ErrKeySetUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ResolveKey with expired context: got %v", err)
	}
	// The shared fetch completes anyway and later callers use it.
	if _, err := cache.ResolveKey(context.Background(), "k1"); err != nil {
		t.Fatalf("ResolveKey after cancelled caller: %v", err)
	}
}
