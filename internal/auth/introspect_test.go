package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memSubjects struct {
	mu      sync.Mutex
	entries map[string]string
	ttls    map[string]time.Duration
}

func newMemSubjects() *memSubjects {
	return &memSubjects{entries: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memSubjects) GetSubject(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.entries[key]
	return s, ok, nil
}

func (m *memSubjects) SetSubject(_ context.Context, key, subject string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = subject
	m.ttls[key] = ttl
	return nil
}

func newTokenInfoServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Query().Get("access_token") {
		case "good":
			_, _ = w.Write([]byte(`{"sub":"u1","aud":"x","expires_in":"60"}`))
		case "numeric":
			_, _ = w.Write([]byte(`{"sub":"u2","expires_in":3599}`))
		case "nosub":
			_, _ = w.Write([]byte(`{"aud":"x"}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_token"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIntrospector_Validate(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenInfoServer(t, &hits)
	in := NewIntrospector(srv.URL, srv.Client(), nil, 0, nil)

	sub, err := in.Validate(context.Background(), "good")
	require.NoError(t, err)
	require.Equal(t, "u1", sub)

	sub, err = in.Validate(context.Background(), "numeric")
	require.NoError(t, err)
	require.Equal(t, "u2", sub)

	for _, tok := range []string{"", "revoked", "nosub"} {
		_, err := in.Validate(context.Background(), tok)
		require.Equal(t, Invalid, KindOf(err), tok)
	}
}

func TestIntrospector_NetworkFailureIsInvalid(t *testing.T) {
	in := NewIntrospector("http://127.0.0.1:1/tokeninfo", &http.Client{Timeout: time.Second}, nil, 0, nil)
	_, err := in.Validate(context.Background(), "good")
	require.Equal(t, Invalid, KindOf(err))
}

func TestIntrospector_CachesBySubjectWithBoundedTTL(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenInfoServer(t, &hits)
	cache := newMemSubjects()
	in := NewIntrospector(srv.URL, srv.Client(), cache, 5*time.Minute, nil)

	for i := 0; i < 3; i++ {
		sub, err := in.Validate(context.Background(), "good")
		require.NoError(t, err)
		require.Equal(t, "u1", sub)
	}
	require.EqualValues(t, 1, hits.Load())

	key := cacheKey("good")
	require.Equal(t, 60*time.Second, cache.ttls[key])
	require.NotContains(t, cache.entries, "good")

	_, err := in.Validate(context.Background(), "numeric")
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, cache.ttls[cacheKey("numeric")])

	// failures are not cached
	_, err = in.Validate(context.Background(), "revoked")
	require.Error(t, err)
	_, err = in.Validate(context.Background(), "revoked")
	require.Error(t, err)
	require.EqualValues(t, 4, hits.Load())
}
