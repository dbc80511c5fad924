package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testAudience = "client-123.apps.googleusercontent.com"
	testIssuer   = "https://accounts.google.com"
)

type mapKeys map[string]SigningKey

func (m mapKeys) GetKey(_ context.Context, kid string) (SigningKey, error) {
	k, ok := m[kid]
	if !ok {
		return SigningKey{}, fmt.Errorf("key %q: %w", kid, ErrKeyNotFound)
	}
	return k, nil
}

func keysOf(ks ...testKey) mapKeys {
	m := mapKeys{}
	for _, k := range ks {
		m[k.kid] = SigningKey{KeyID: k.kid, Algorithm: "RS256", PublicKey: &k.priv.PublicKey}
	}
	return m
}

func baseClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": "1098765",
		"nbf": now.Add(-time.Minute).Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
}

func with(c jwt.MapClaims, kv ...any) jwt.MapClaims {
	out := jwt.MapClaims{}
	for k, v := range c {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		k := kv[i].(string)
		if kv[i+1] == nil {
			delete(out, k)
			continue
		}
		out[k] = kv[i+1]
	}
	return out
}

func TestValidator_Valid(t *testing.T) {
	clock := newFakeClock()
	k1 := newTestKey(t, "k1")
	v := NewValidator(keysOf(k1), testAudience, testIssuer, WithValidatorClock(clock.Now))

	claims, err := v.Verify(context.Background(), k1.sign(t, baseClaims(clock.Now())))
	require.NoError(t, err)
	require.Equal(t, "1098765", claims.Subject)
	require.Equal(t, testAudience, claims.Audience)
	require.Equal(t, testIssuer, claims.Issuer)

	sub, err := v.Validate(context.Background(), k1.sign(t, baseClaims(clock.Now())))
	require.NoError(t, err)
	require.Equal(t, "1098765", sub)
}

func TestValidator_FailureKinds(t *testing.T) {
	clock := newFakeClock()
	now := clock.Now()
	k1 := newTestKey(t, "k1")
	other := newTestKey(t, "k1") // same kid, different key material
	stranger := newTestKey(t, "k9")
	v := NewValidator(keysOf(k1), testAudience, testIssuer, WithValidatorClock(clock.Now))

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims(now))
	hs.Header["kid"] = "k1"
	hsToken, err := hs.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	noKid := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims(now))
	noKidToken, err := noKid.SignedString(k1.priv)
	require.NoError(t, err)

	unknownAlg := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"XY99","kid":"k1"}`)) + ".e30.c2ln"

	cases := []struct {
		name  string
		token string
		want  ErrorKind
	}{
		{"garbage", "not-a-token", Malformed},
		{"two segments", "abc.def", Malformed},
		{"missing kid", noKidToken, Malformed},
		{"unknown kid", stranger.sign(t, baseClaims(now)), UnknownKey},
		{"wrong key", other.sign(t, baseClaims(now)), BadSignature},
		{"hmac", hsToken, BadSignature},
		{"bad signature beats expiry", other.sign(t, with(baseClaims(now), "exp", now.Add(-time.Hour).Unix())), BadSignature},
		{"bad signature beats mistyped exp", other.sign(t, with(baseClaims(now), "exp", "tomorrow")), BadSignature},
		{"unknown kid beats mistyped nbf", stranger.sign(t, with(baseClaims(now), "nbf", "soon")), UnknownKey},
		{"unknown alg", unknownAlg, Malformed},
		{"mistyped exp", k1.sign(t, with(baseClaims(now), "exp", "tomorrow")), Malformed},
		{"mistyped iss", k1.sign(t, with(baseClaims(now), "iss", 42)), Malformed},
		{"two audiences", k1.sign(t, with(baseClaims(now), "aud", []string{testAudience, "other"})), AudienceMismatch},
		{"missing sub", k1.sign(t, with(baseClaims(now), "sub", nil)), Malformed},
		{"missing nbf", k1.sign(t, with(baseClaims(now), "nbf", nil)), Malformed},
		{"missing aud", k1.sign(t, with(baseClaims(now), "aud", nil)), Malformed},
		{"not yet valid", k1.sign(t, with(baseClaims(now), "nbf", now.Add(time.Minute).Unix())), NotYetValid},
		{"expired", k1.sign(t, with(baseClaims(now), "exp", now.Add(-time.Second).Unix())), Expired},
		{"expiry beats audience", k1.sign(t, with(baseClaims(now), "exp", now.Add(-time.Second).Unix(), "aud", "other")), Expired},
		{"audience", k1.sign(t, with(baseClaims(now), "aud", "other")), AudienceMismatch},
		{"audience beats issuer", k1.sign(t, with(baseClaims(now), "aud", "other", "iss", "evil")), AudienceMismatch},
		{"issuer", k1.sign(t, with(baseClaims(now), "iss", "accounts.evil.com")), IssuerMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tc.token)
			require.Error(t, err)
			require.Equal(t, tc.want, KindOf(err), err.Error())
		})
	}
}

func TestValidator_KeyAlgorithmIsBound(t *testing.T) {
	clock := newFakeClock()
	k1 := newTestKey(t, "k1")
	keys := keysOf(k1)
	key := keys["k1"]
	key.Algorithm = "RS512"
	keys["k1"] = key
	v := NewValidator(keys, testAudience, testIssuer, WithValidatorClock(clock.Now))

	_, err := v.Verify(context.Background(), k1.sign(t, baseClaims(clock.Now())))
	require.Equal(t, BadSignature, KindOf(err), err.Error())
}

func TestValidator_NotBeforeSkew(t *testing.T) {
	clock := newFakeClock()
	now := clock.Now()
	k1 := newTestKey(t, "k1")
	v := NewValidator(keysOf(k1), testAudience, testIssuer, WithValidatorClock(clock.Now))

	_, err := v.Verify(context.Background(), k1.sign(t, with(baseClaims(now), "nbf", now.Add(time.Second).Unix())))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), k1.sign(t, with(baseClaims(now), "nbf", now.Add(3*time.Second).Unix())))
	require.Equal(t, NotYetValid, KindOf(err))
}

func TestValidator_WithKeyCache(t *testing.T) {
	clock := newFakeClock()
	k1 := newTestKey(t, "k1")
	srv := newJWKSServer(t, k1)
	cache := newTestCache(srv, clock)
	v := NewValidator(cache, testAudience, testIssuer, WithValidatorClock(clock.Now))

	sub, err := v.Validate(context.Background(), k1.sign(t, baseClaims(clock.Now())))
	require.NoError(t, err)
	require.Equal(t, "1098765", sub)

	// provider down with an empty cache: cannot trust anything
	srv2 := newJWKSServer(t)
	srv2.fail(502, "bad gateway")
	v2 := NewValidator(newTestCache(srv2, clock), testAudience, testIssuer, WithValidatorClock(clock.Now))
	_, err = v2.Validate(context.Background(), k1.sign(t, baseClaims(clock.Now())))
	require.Equal(t, UnknownKey, KindOf(err))
	require.ErrorIs(t, err, ErrRetrievalFailed)
}
