package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-0123456789"

func newTestManager(t *testing.T, now *time.Time) *Manager {
	t.Helper()
	s, err := NewSealer(testSecret)
	require.NoError(t, err)
	return NewManager(s, 30*24*time.Hour, CookieOptions{Secure: true}).WithClock(func() time.Time { return *now })
}

func requestWith(cookies ...*http.Cookie) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	return r
}

func issuedCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func TestSealer_RoundTripAndTamper(t *testing.T) {
	s, err := NewSealer(testSecret)
	require.NoError(t, err)

	tok, err := s.Seal("u1", time.Unix(1700000000, 0))
	require.NoError(t, err)

	c, err := s.Open(tok)
	require.NoError(t, err)
	require.Equal(t, Claims{Subject: "u1", IssuedAt: 1700000000}, c)

	b := []byte(tok)
	b[len(b)-3] ^= 0x01
	_, err = s.Open(string(b))
	require.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewSealer("another-secret-abcdefgh")
	require.NoError(t, err)
	_, err = other.Open(tok)
	require.ErrorIs(t, err, ErrInvalidToken)

	for _, bad := range []string{"", "v1.", "v2." + tok[3:], "v1.!!!!"} {
		_, err = s.Open(bad)
		require.ErrorIs(t, err, ErrInvalidToken, bad)
	}
}

func TestNewSealer_ShortSecret(t *testing.T) {
	_, err := NewSealer("short")
	require.Error(t, err)
}

func TestManager_StartThenCurrentSubject(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	m := newTestManager(t, &now)

	rec := httptest.NewRecorder()
	tok, reused, err := m.Start(rec, requestWith(), "u1")
	require.NoError(t, err)
	require.False(t, reused)

	ck := issuedCookie(t, rec)
	require.Equal(t, DefaultCookieName, ck.Name)
	require.Equal(t, tok, ck.Value)
	require.True(t, ck.HttpOnly)
	require.True(t, ck.Secure)
	require.Equal(t, "/", ck.Path)

	sub, ok := m.CurrentSubject(requestWith(ck))
	require.True(t, ok)
	require.Equal(t, "u1", sub)
}

func TestManager_StartShortCircuitsExistingSession(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	m := newTestManager(t, &now)

	rec := httptest.NewRecorder()
	first, _, err := m.Start(rec, requestWith(), "u1")
	require.NoError(t, err)
	ck := issuedCookie(t, rec)

	now = now.Add(time.Hour)
	rec2 := httptest.NewRecorder()
	second, reused, err := m.Start(rec2, requestWith(ck), "u1")
	require.NoError(t, err)
	require.True(t, reused)
	require.Equal(t, first, second)
	require.Empty(t, rec2.Result().Cookies())
}

func TestManager_Expiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	m := newTestManager(t, &now)

	rec := httptest.NewRecorder()
	_, _, err := m.Start(rec, requestWith(), "u1")
	require.NoError(t, err)
	ck := issuedCookie(t, rec)

	now = now.Add(30*24*time.Hour - time.Second)
	_, ok := m.CurrentSubject(requestWith(ck))
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = m.CurrentSubject(requestWith(ck))
	require.False(t, ok)

	// an expired cookie no longer short-circuits Start
	_, reused, err := m.Start(httptest.NewRecorder(), requestWith(ck), "u1")
	require.NoError(t, err)
	require.False(t, reused)
}

func TestManager_RejectsFutureIssuedAt(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	m := newTestManager(t, &now)

	tok, err := m.sealer.Seal("u1", now.Add(2*time.Hour))
	require.NoError(t, err)
	_, ok := m.CurrentSubject(requestWith(&http.Cookie{Name: DefaultCookieName, Value: tok}))
	require.False(t, ok)
}

func TestManager_EndIssuesExpiredCookie(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	m := newTestManager(t, &now)

	rec := httptest.NewRecorder()
	m.End(rec)
	ck := issuedCookie(t, rec)
	require.Equal(t, DefaultCookieName, ck.Name)
	require.Empty(t, ck.Value)
	require.Equal(t, -1, ck.MaxAge)

	_, ok := m.CurrentSubject(requestWith(ck))
	require.False(t, ok)
}

type fakeValidator map[string]string

func (f fakeValidator) Validate(_ context.Context, token string) (string, error) {
	if sub, ok := f[token]; ok {
		return sub, nil
	}
	return "", errors.New("rejected")
}

func TestChain_FirstMatchWins(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	m := newTestManager(t, &now)

	rec := httptest.NewRecorder()
	_, _, err := m.Start(rec, requestWith(), "cookie-user")
	require.NoError(t, err)
	ck := issuedCookie(t, rec)

	chain := Chain{
		m,
		BearerResolver(fakeValidator{"id-token": "bearer-user"}, nil),
		HeaderResolver(fakeValidator{"access": "access-user"}, "X-Access-Token", "", nil),
	}

	r := requestWith(ck)
	r.Header.Set("Authorization", "Bearer id-token")
	sub, ok := chain.Resolve(context.Background(), r)
	require.True(t, ok)
	require.Equal(t, "cookie-user", sub)

	r = requestWith()
	r.Header.Set("Authorization", "bearer id-token")
	sub, ok = chain.Resolve(context.Background(), r)
	require.True(t, ok)
	require.Equal(t, "bearer-user", sub)

	r = requestWith()
	r.Header.Set("Authorization", "Bearer wrong")
	r.Header.Set("X-Access-Token", "access")
	sub, ok = chain.Resolve(context.Background(), r)
	require.True(t, ok)
	require.Equal(t, "access-user", sub)

	r = requestWith()
	r.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	_, ok = chain.Resolve(context.Background(), r)
	require.False(t, ok)
}
