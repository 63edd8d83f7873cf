package security

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrInvalidToken is returned when a token is malformed, expired, or fails signature or claim checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrMalformedToken is returned (alongside ErrInvalidToken) when the token cannot be decoded.
	ErrMalformedToken = errors.New("malformed token")
	// ErrUnknownKey is returned when the token's kid is absent from the key set even after a refresh.
	ErrUnknownKey = errors.New("unknown signing key")
)

// Cause classifies why a token was rejected.
type Cause string

const (
	CauseMalformed        Cause = "malformed"
	CauseUnsupportedAlg   Cause = "unsupported_algorithm"
	CauseUnknownKey       Cause = "unknown_key"
	CauseBadSignature     Cause = "bad_signature"
	CauseExpired          Cause = "expired"
	CauseNotYetValid      Cause = "not_yet_valid"
	CauseIssuerMismatch   Cause = "issuer_mismatch"
	CauseAudienceMismatch Cause = "audience_mismatch"
	CauseMissingClaim     Cause = "missing_claim"
	CauseMissingSubject   Cause = "missing_subject"
	CauseInvalid          Cause = "invalid"
)

// VerificationError is returned by Verifier.Verify for every rejected token.
// errors.Is matches ErrUnknownKey for CauseUnknownKey and ErrInvalidToken otherwise;
// CauseMalformed also matches ErrMalformedToken.
type VerificationError struct {
	Cause Cause
	Err   error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return "invalid token: " + string(e.Cause) + ": " + e.Err.Error()
	}
	return "invalid token: " + string(e.Cause)
}

func (e *VerificationError) Unwrap() []error {
	var errs []error
	switch e.Cause {
	case CauseUnknownKey:
		errs = []error{ErrUnknownKey}
	case CauseMalformed:
		errs = []error{ErrInvalidToken, ErrMalformedToken}
	default:
		errs = []error{ErrInvalidToken}
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Claims is the verified identity carried by a bearer token.
type Claims struct {
	Subject string
	Name    *string
	Email   *string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
}

// DefaultAlgorithms are the asymmetric signing algorithms accepted when none are configured.
// HMAC and "none" are never accepted by default.
var DefaultAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
}

// Verifier validates bearer tokens against a KeyResolver and fixed issuer and audience.
type Verifier struct {
	keys       KeyResolver
	issuer     string
	audience   string
	algorithms []string
	leeway     time.Duration
	now        func() time.Time
	observe    func(result string)
	tracer     trace.Tracer
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithAlgorithms restricts accepted signing algorithms (default DefaultAlgorithms).
func WithAlgorithms(algs ...string) VerifierOption {
	return func(v *Verifier) {
		if len(algs) > 0 {
			v.algorithms = algs
		}
	}
}

// WithLeeway allows clock skew when checking exp, nbf and iat.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.leeway = d }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithResultObserver registers a callback receiving "ok" or the rejection cause of every verification.
func WithResultObserver(fn func(result string)) VerifierOption {
	return func(v *Verifier) { v.observe = fn }
}

// NewVerifier returns a Verifier for tokens issued by issuer for audience.
func NewVerifier(keys KeyResolver, issuer, audience string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:       keys,
		issuer:     issuer,
		audience:   audience,
		algorithms: DefaultAlgorithms,
		now:        time.Now,
		tracer:     otel.Tracer("device-session-control/internal/security"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks signature, expiry, issuer and audience and returns the token's claims.
// Rejections are *VerificationError. When the key set cannot be fetched the returned error
// wraps ErrKeySetUnavailable instead; callers should treat that as a server-side failure.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	ctx, span := v.tracer.Start(ctx, "security.Verify")
	defer span.End()

	claims, err := v.verify(ctx, strings.TrimSpace(token))
	result := "ok"
	var verr *VerificationError
	switch {
	case errors.As(err, &verr):
		result = string(verr.Cause)
	case err != nil:
		result = "key_set_unavailable"
	}
	span.SetAttributes(attribute.String("token.result", result))
	if err != nil {
		span.SetStatus(codes.Error, result)
	}
	if v.observe != nil {
		v.observe(result)
	}
	return claims, err
}

func (v *Verifier) verify(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, &VerificationError{Cause: CauseMalformed}
	}
	unverified, _, err := jwt.NewParser().ParseUnverified(token, &tokenClaims{})
	if err != nil {
		return nil, &VerificationError{Cause: CauseMalformed, Err: err}
	}
	if !v.algorithmAllowed(unverified.Method.Alg()) {
		return nil, &VerificationError{Cause: CauseUnsupportedAlg}
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, &VerificationError{Cause: CauseUnknownKey}
	}

	key, err := v.keys.ResolveKey(ctx, kid)
	if errors.Is(err, ErrKeyNotFound) {
		// Possibly rotated: refresh once, then give up.
		if err := v.keys.Refresh(ctx); err != nil {
			return nil, err
		}
		key, err = v.keys.ResolveKey(ctx, kid)
	}
	if errors.Is(err, ErrKeyNotFound) {
		return nil, &VerificationError{Cause: CauseUnknownKey}
	}
	if err != nil {
		return nil, err
	}

	var claims tokenClaims
	_, err = jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods(v.algorithms),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, &VerificationError{Cause: classify(err), Err: err}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, &VerificationError{Cause: CauseMissingSubject}
	}
	return &Claims{Subject: claims.Subject, Name: claims.Name, Email: claims.Email}, nil
}

func (v *Verifier) algorithmAllowed(alg string) bool {
	for _, a := range v.algorithms {
		if a == alg {
			return true
		}
	}
	return false
}

func classify(err error) Cause {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return CauseMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrInvalidKeyType):
		return CauseBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return CauseExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return CauseNotYetValid
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return CauseIssuerMismatch
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return CauseAudienceMismatch
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return CauseMissingClaim
	default:
		return CauseInvalid
	}
}
