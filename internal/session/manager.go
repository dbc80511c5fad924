package session

import (
	"context"
	"net/http"
	"time"
)

const (
	DefaultCookieName = "__Host-session"
	DefaultTTL        = 30 * 24 * time.Hour

	// tokens minted slightly in the future (clock drift between replicas) are tolerated
	issuedAtSkew = time.Minute
)

// CookieOptions defines how session cookies are issued.
type CookieOptions struct {
	Name     string
	Path     string
	Domain   string // must stay empty for __Host- cookies
	Secure   bool
	SameSite http.SameSite
}

func (o CookieOptions) normalize() CookieOptions {
	if o.Name == "" {
		o.Name = DefaultCookieName
	}
	if o.Path == "" {
		o.Path = "/"
	}
	if o.SameSite == 0 {
		o.SameSite = http.SameSiteLaxMode
	}
	return o
}

// Manager keeps no server-side state: the sealed cookie is the session.
type Manager struct {
	sealer *Sealer
	ttl    time.Duration
	cookie CookieOptions
	now    func() time.Time
}

func NewManager(sealer *Sealer, ttl time.Duration, cookie CookieOptions) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{sealer: sealer, ttl: ttl, cookie: cookie.normalize(), now: time.Now}
}

// WithClock is for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	cp := *m
	cp.now = now
	return &cp
}

// CurrentSubject returns the subject of a present, authentic and unexpired session.
func (m *Manager) CurrentSubject(r *http.Request) (string, bool) {
	_, c, ok := m.current(r)
	if !ok {
		return "", false
	}
	return c.Subject, true
}

// Resolve makes Manager usable as a Resolver.
func (m *Manager) Resolve(_ context.Context, r *http.Request) (string, bool) {
	return m.CurrentSubject(r)
}

func (m *Manager) current(r *http.Request) (string, Claims, bool) {
	ck, err := r.Cookie(m.cookie.Name)
	if err != nil || ck.Value == "" {
		return "", Claims{}, false
	}
	c, err := m.sealer.Open(ck.Value)
	if err != nil {
		return "", Claims{}, false
	}

	now := m.now()
	issued := time.Unix(c.IssuedAt, 0)
	if issued.After(now.Add(issuedAtSkew)) || now.Sub(issued) > m.ttl {
		return "", Claims{}, false
	}
	return ck.Value, c, true
}

// Start issues a session for subject. If the request already carries a
// valid session it is returned unchanged and reused is true; a caller
// switching accounts must End first.
func (m *Manager) Start(w http.ResponseWriter, r *http.Request, subject string) (token string, reused bool, err error) {
	if existing, _, ok := m.current(r); ok {
		return existing, true, nil
	}

	now := m.now()
	token, err = m.sealer.Seal(subject, now)
	if err != nil {
		return "", false, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookie.Name,
		Value:    token,
		Path:     m.cookie.Path,
		Domain:   m.cookie.Domain,
		Expires:  now.Add(m.ttl),
		MaxAge:   int(m.ttl / time.Second),
		HttpOnly: true,
		Secure:   m.cookie.Secure,
		SameSite: m.cookie.SameSite,
	})
	return token, false, nil
}

// End replaces the client's session with an empty, already expired cookie.
func (m *Manager) End(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookie.Name,
		Value:    "",
		Path:     m.cookie.Path,
		Domain:   m.cookie.Domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cookie.Secure,
		SameSite: m.cookie.SameSite,
	})
}
