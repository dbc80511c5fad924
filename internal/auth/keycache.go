package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrKeyNotFound means the kid is absent from the key set. Callers must
	// treat it as "cannot trust this token", never as retryable.
	ErrKeyNotFound = errors.New("auth: signing key not found")

	// ErrRetrievalFailed means the provider's key set could not be fetched or parsed.
	ErrRetrievalFailed = errors.New("auth: key set retrieval failed")
)

// SigningKey is one public key published by the identity provider.
type SigningKey struct {
	KeyID     string
	Algorithm string
	PublicKey *rsa.PublicKey
}

// keySet is an immutable snapshot. A refresh builds a new one and swaps it in.
type keySet struct {
	keys      map[string]SigningKey
	expiresAt time.Time
}

// KeyCache holds the provider's signing keys and refreshes them when the
// snapshot is empty or older than its TTL. Reads never take a lock;
// concurrent refreshes collapse into a single fetch.
type KeyCache struct {
	certsURL     string
	ttl          time.Duration
	fetchTimeout time.Duration
	client       *http.Client
	now          func() time.Time
	log          *zap.Logger

	current atomic.Pointer[keySet]
	group   singleflight.Group
}

type KeyCacheOption func(*KeyCache)

func WithHTTPClient(c *http.Client) KeyCacheOption {
	return func(k *KeyCache) { k.client = c }
}

func WithClock(now func() time.Time) KeyCacheOption {
	return func(k *KeyCache) { k.now = now }
}

func WithLogger(l *zap.Logger) KeyCacheOption {
	return func(k *KeyCache) { k.log = l }
}

// WithFetchTimeout bounds a single key set download. Non-positive values keep
// the default.
func WithFetchTimeout(d time.Duration) KeyCacheOption {
	return func(k *KeyCache) {
		if d > 0 {
			k.fetchTimeout = d
		}
	}
}

func NewKeyCache(certsURL string, ttl time.Duration, opts ...KeyCacheOption) *KeyCache {
	if ttl <= 0 {
		ttl = 5 * time.Hour
	}
	c := &KeyCache{
		certsURL:     certsURL,
		ttl:          ttl,
		fetchTimeout: 10 * time.Second,
		client:       &http.Client{Timeout: 15 * time.Second},
		now:          time.Now,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetKey returns the key for kid, refreshing the snapshot first if it is
// empty or expired. When the refresh fails the stale snapshot (if any) is
// still consulted.
func (c *KeyCache) GetKey(ctx context.Context, kid string) (SigningKey, error) {
	set := c.current.Load()

	var refreshErr error
	if c.stale(set) {
		set, refreshErr = c.refresh(ctx)
		if refreshErr != nil {
			c.log.Warn("key set refresh failed, using cached keys",
				zap.String("kid", kid),
				zap.Error(refreshErr),
			)
		}
	}

	if set != nil {
		if k, ok := set.keys[kid]; ok {
			return k, nil
		}
	}
	if refreshErr != nil {
		return SigningKey{}, fmt.Errorf("auth: key %q: %w: %w", kid, ErrKeyNotFound, refreshErr)
	}
	return SigningKey{}, fmt.Errorf("auth: key %q: %w", kid, ErrKeyNotFound)
}

func (c *KeyCache) stale(set *keySet) bool {
	return set == nil || c.now().After(set.expiresAt)
}

// refresh coalesces concurrent callers. The download runs detached from any
// single caller's context so one cancelled request cannot fail the others;
// callers still stop waiting when their own ctx ends.
func (c *KeyCache) refresh(ctx context.Context) (*keySet, error) {
	ch := c.group.DoChan("keys", func() (any, error) {
		// another caller may have completed a refresh while we queued
		if set := c.current.Load(); !c.stale(set) {
			return set, nil
		}

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		set, err := c.fetch(fctx)
		if err != nil {
			return c.current.Load(), err
		}
		c.current.Store(set)
		c.log.Info("key set refreshed",
			zap.Int("keys", len(set.keys)),
			zap.Time("expires_at", set.expiresAt),
		)
		return set, nil
	})

	select {
	case res := <-ch:
		set, _ := res.Val.(*keySet)
		return set, res.Err
	case <-ctx.Done():
		return c.current.Load(), fmt.Errorf("%w: %w", ErrRetrievalFailed, ctx.Err())
	}
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

func (c *KeyCache) fetch(ctx context.Context) (*keySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.certsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetrievalFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetrievalFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: certs endpoint returned %d", ErrRetrievalFailed, resp.StatusCode)
	}

	var doc jwkSet
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrRetrievalFailed, err)
	}

	keys := make(map[string]SigningKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaPublicKey(k.N, k.E)
		if err != nil {
			c.log.Warn("skipping unusable key", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		alg := k.Alg
		if alg == "" {
			alg = "RS256"
		}
		keys[k.Kid] = SigningKey{KeyID: k.Kid, Algorithm: alg, PublicKey: pub}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no usable keys", ErrRetrievalFailed)
	}

	return &keySet{keys: keys, expiresAt: c.now().Add(c.ttl)}, nil
}

func rsaPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := decodeSegment(n)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := decodeSegment(e)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	if len(nb) == 0 || len(eb) == 0 || len(eb) > 4 {
		return nil, errors.New("bad key parameters")
	}

	exp := 0
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exp}, nil
}

// decodeSegment accepts base64url with or without padding.
func decodeSegment(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
