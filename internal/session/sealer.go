package session

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const tokenPrefix = "v1."

var ErrInvalidToken = errors.New("session: invalid token")

// Claims is everything a session token carries.
type Claims struct {
	Subject  string `json:"sub"`
	IssuedAt int64  `json:"iat"`
}

// Sealer encrypts and authenticates session tokens with XChaCha20-Poly1305.
// The key is derived from the configured secret, so rotating the secret
// invalidates every outstanding session.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(secret string) (*Sealer, error) {
	if len(secret) < 16 {
		return nil, errors.New("session: secret must be at least 16 bytes")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("convoshare session v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("session: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("session: cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

func (s *Sealer) Seal(subject string, issuedAt time.Time) (string, error) {
	plain, err := json.Marshal(Claims{Subject: subject, IssuedAt: issuedAt.Unix()})
	if err != nil {
		return "", err
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("session: nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plain, []byte(tokenPrefix))
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open authenticates and decrypts a token. It does not check age; see Manager.
func (s *Sealer) Open(token string) (Claims, error) {
	body, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil || len(raw) < s.aead.NonceSize()+s.aead.Overhead() {
		return Claims{}, ErrInvalidToken
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, []byte(tokenPrefix))
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var c Claims
	if err := json.Unmarshal(plain, &c); err != nil || c.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	return c, nil
}
