package token

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const issuer = "signflow"

var (
	// ErrMalformed covers undecodable tokens, bad signatures and missing claims.
	ErrMalformed = errors.New("token: malformed")
	// ErrExpired signals a well-formed token past its validity window.
	ErrExpired = errors.New("token: expired")
)

// Claims identifies exactly one signer of one envelope.
type Claims struct {
	EnvelopeID string
	Email      string
	Index      int
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

type signerClaims struct {
	jwt.RegisteredClaims
	EnvelopeID string `json:"env_id"`
	Email      string `json:"email"`
	Index      int    `json:"idx"`
}

// Codec mints and verifies signing-link tokens. It holds no per-token state.
type Codec struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewCodec derives the HMAC key from secret. ttl must be positive.
func NewCodec(secret string, ttl time.Duration) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token: secret is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token: ttl must be positive, got %s", ttl)
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("signflow signing link v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("token: derive key: %w", err)
	}
	return &Codec{key: key, ttl: ttl, now: time.Now}, nil
}

func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}

func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Mint issues a token scoped to (envelopeID, email, index).
func (c *Codec) Mint(envelopeID, email string, index int) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if envelopeID == "" || email == "" || index < 0 {
		return "", fmt.Errorf("token: incomplete claims for %q/%q/%d", envelopeID, email, index)
	}
	now := c.now().UTC()
	claims := signerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   email,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		EnvelopeID: envelopeID,
		Email:      email,
		Index:      index,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the embedded claims.
func (c *Codec) Verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrMalformed
	}

	var parsed signerClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}
	if parsed.EnvelopeID == "" || parsed.Email == "" || parsed.Index < 0 {
		return Claims{}, ErrMalformed
	}

	out := Claims{
		EnvelopeID: parsed.EnvelopeID,
		Email:      parsed.Email,
		Index:      parsed.Index,
		ExpiresAt:  parsed.ExpiresAt.Time.UTC(),
	}
	if parsed.IssuedAt != nil {
		out.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return out, nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpired
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}
