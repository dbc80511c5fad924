package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultClockSkew is tolerated on the not-before check only.
const DefaultClockSkew = 2 * time.Second

// KeySource resolves a key id to a verification key. *KeyCache implements it.
type KeySource interface {
	GetKey(ctx context.Context, kid string) (SigningKey, error)
}

// VerifiedClaims lives for one request and is never persisted.
type VerifiedClaims struct {
	Issuer    string
	Audience  string
	Subject   string
	NotBefore time.Time
	ExpiresAt time.Time
}

// Validator checks self-contained identity tokens (RS256 JWTs).
type Validator struct {
	keys     KeySource
	audience string
	issuer   string
	skew     time.Duration
	now      func() time.Time
	parser   *jwt.Parser
}

type ValidatorOption func(*Validator)

func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

func WithClockSkew(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.skew = d }
}

func NewValidator(keys KeySource, audience, issuer string, opts ...ValidatorOption) *Validator {
	v := &Validator{
		keys:     keys,
		audience: audience,
		issuer:   issuer,
		skew:     DefaultClockSkew,
		now:      time.Now,
		// claim checks are done by hand below so that failures come out in a fixed order
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate returns the token's subject.
func (v *Validator) Validate(ctx context.Context, raw string) (string, error) {
	claims, err := v.Verify(ctx, raw)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Verify runs every check in order: header, key, signature, claim presence,
// not-before, expiry, audience, issuer. The first failure wins. Claims are
// not decoded into typed values until the signature has been checked.
func (v *Validator) Verify(ctx context.Context, raw string) (VerifiedClaims, error) {
	// 1) header, untrusted
	kid, err := headerKeyID(raw)
	if err != nil {
		return VerifiedClaims{}, tokenErr(Malformed, err)
	}

	// 2) key lookup and 3) signature
	claims := jwt.MapClaims{}
	_, err = v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		key, err := v.keys.GetKey(ctx, kid)
		if err != nil {
			return nil, err
		}
		if key.Algorithm != t.Method.Alg() {
			return nil, fmt.Errorf("%w: key %q is for %s, token uses %s", errAlgorithmMismatch, kid, key.Algorithm, t.Method.Alg())
		}
		return key.PublicKey, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, errAlgorithmMismatch):
		return VerifiedClaims{}, tokenErr(BadSignature, err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return VerifiedClaims{}, tokenErr(UnknownKey, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return VerifiedClaims{}, tokenErr(BadSignature, err)
	default:
		return VerifiedClaims{}, tokenErr(Malformed, err)
	}

	// 4) claims: present and well typed
	vc, aud, err := readClaims(claims)
	if err != nil {
		return VerifiedClaims{}, tokenErr(Malformed, err)
	}

	now := v.now()
	if now.Add(v.skew).Before(vc.NotBefore) {
		return VerifiedClaims{}, tokenErr(NotYetValid, nil)
	}
	// 5)
	if now.After(vc.ExpiresAt) {
		return VerifiedClaims{}, tokenErr(Expired, nil)
	}
	// 6)
	if len(aud) != 1 || aud[0] != v.audience {
		return VerifiedClaims{}, tokenErr(AudienceMismatch, nil)
	}
	// 7)
	if vc.Issuer != v.issuer {
		return VerifiedClaims{}, tokenErr(IssuerMismatch, nil)
	}
	return vc, nil
}

var errAlgorithmMismatch = errors.New("signing algorithm does not match key")

type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// headerKeyID decodes only the first segment of raw.
func headerKeyID(raw string) (string, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return "", errors.New("token must have three segments")
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[0], "="))
	if err != nil {
		return "", fmt.Errorf("header: %w", err)
	}
	var h tokenHeader
	if err := json.Unmarshal(b, &h); err != nil {
		return "", fmt.Errorf("header: %w", err)
	}
	if jwt.GetSigningMethod(h.Alg) == nil {
		return "", fmt.Errorf("unknown alg %q", h.Alg)
	}
	if h.Kid == "" {
		return "", errors.New("missing kid header")
	}
	return h.Kid, nil
}

// readClaims requires iss, aud, sub, nbf and exp, each of the right type.
func readClaims(c jwt.MapClaims) (VerifiedClaims, jwt.ClaimStrings, error) {
	iss, err := c.GetIssuer()
	if err != nil {
		return VerifiedClaims{}, nil, err
	}
	sub, err := c.GetSubject()
	if err != nil {
		return VerifiedClaims{}, nil, err
	}
	aud, err := c.GetAudience()
	if err != nil {
		return VerifiedClaims{}, nil, err
	}
	nbf, err := c.GetNotBefore()
	if err != nil {
		return VerifiedClaims{}, nil, err
	}
	exp, err := c.GetExpirationTime()
	if err != nil {
		return VerifiedClaims{}, nil, err
	}
	if iss == "" || sub == "" || len(aud) == 0 || nbf == nil || exp == nil {
		return VerifiedClaims{}, nil, errors.New("missing required claim")
	}

	vc := VerifiedClaims{
		Issuer:    iss,
		Subject:   sub,
		NotBefore: nbf.Time,
		ExpiresAt: exp.Time,
	}
	if len(aud) == 1 {
		vc.Audience = aud[0]
	}
	return vc, aud, nil
}
