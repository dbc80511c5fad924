package auth

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// SubjectCache remembers introspection results. Implementations must
// expire entries after ttl.
type SubjectCache interface {
	GetSubject(ctx context.Context, key string) (subject string, ok bool, err error)
	SetSubject(ctx context.Context, key, subject string, ttl time.Duration) error
}

// Introspector validates opaque provider access tokens by asking the
// provider. There is no local signature check; the provider's answer is
// trusted as is.
type Introspector struct {
	endpoint string
	client   *http.Client
	cache    SubjectCache
	cacheTTL time.Duration
	log      *zap.Logger
}

func NewIntrospector(endpoint string, client *http.Client, cache SubjectCache, cacheTTL time.Duration, log *zap.Logger) *Introspector {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Introspector{endpoint: endpoint, client: client, cache: cache, cacheTTL: cacheTTL, log: log}
}

type tokenInfo struct {
	Subject   string   `json:"sub"`
	ExpiresIn flexUint `json:"expires_in"`
}

// Validate returns the subject the provider reports for token. Every
// failure, including network errors, is Invalid.
func (i *Introspector) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", tokenErr(Invalid, errors.New("empty token"))
	}

	key := cacheKey(token)
	if i.cache != nil && i.cacheTTL > 0 {
		sub, ok, err := i.cache.GetSubject(ctx, key)
		if err != nil {
			i.log.Warn("introspection cache read failed", zap.Error(err))
		} else if ok {
			return sub, nil
		}
	}

	info, err := i.introspect(ctx, token)
	if err != nil {
		return "", tokenErr(Invalid, err)
	}

	if i.cache != nil && i.cacheTTL > 0 {
		ttl := i.cacheTTL
		if info.ExpiresIn > 0 {
			if exp := time.Duration(info.ExpiresIn) * time.Second; exp < ttl {
				ttl = exp
			}
		}
		if err := i.cache.SetSubject(ctx, key, info.Subject, ttl); err != nil {
			i.log.Warn("introspection cache write failed", zap.Error(err))
		}
	}
	return info.Subject, nil
}

func (i *Introspector) introspect(ctx context.Context, token string) (tokenInfo, error) {
	u, err := url.Parse(i.endpoint)
	if err != nil {
		return tokenInfo{}, err
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return tokenInfo{}, err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return tokenInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return tokenInfo{}, fmt.Errorf("introspection returned %d", resp.StatusCode)
	}

	var info tokenInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&info); err != nil {
		return tokenInfo{}, fmt.Errorf("decode: %w", err)
	}
	if info.Subject == "" {
		return tokenInfo{}, errors.New("introspection response has no subject")
	}
	return info, nil
}

// cacheKey never stores the bearer token itself.
func cacheKey(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// flexUint accepts 3599 or "3599"; Google's tokeninfo sends strings.
type flexUint uint64

func (f *flexUint) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return err
	}
	*f = flexUint(n)
	return nil
}
