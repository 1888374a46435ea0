package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestMintVerify_RoundTrip(t *testing.T) {
	issued := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	codec, err := NewCodec("s3cret", time.Hour)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	codec.WithClock(fixedClock(issued))

	cases := []struct {
		id    string
		email string
		index int
	}{
		{"3b1f6a0e-0000-4000-8000-000000000001", "a@x.com", 0},
		{"3b1f6a0e-0000-4000-8000-000000000001", "b@x.com", 1},
		{"another", "c@example.org", 17},
	}
	for _, tc := range cases {
		tok, err := codec.Mint(tc.id, tc.email, tc.index)
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
		codec.WithClock(fixedClock(issued.Add(59 * time.Minute)))
		claims, err := codec.Verify(tok)
		codec.WithClock(fixedClock(issued))
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if claims.EnvelopeID != tc.id || claims.Email != tc.email || claims.Index != tc.index {
			t.Fatalf("claims mismatch: got %+v, want %s/%s/%d", claims, tc.id, tc.email, tc.index)
		}
		if !claims.ExpiresAt.Equal(issued.Add(time.Hour)) {
			t.Fatalf("unexpected expiry %v", claims.ExpiresAt)
		}
	}
}

func TestMint_DistinctPerSigner(t *testing.T) {
	codec, _ := NewCodec("s3cret", time.Hour)
	a, _ := codec.Mint("env", "a@x.com", 0)
	b, _ := codec.Mint("env", "b@x.com", 1)
	again, _ := codec.Mint("env", "a@x.com", 0)
	if a == b || a == again {
		t.Fatal("tokens must be unique per mint")
	}
}

func TestVerify_Expired(t *testing.T) {
	issued := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	codec, _ := NewCodec("s3cret", 10*time.Minute)
	codec.WithClock(fixedClock(issued))
	tok, err := codec.Mint("env", "a@x.com", 0)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	codec.WithClock(fixedClock(issued.Add(10*time.Minute + time.Second)))
	_, err = codec.Verify(tok)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestMint_SubjectMatchesNormalizedEmail(t *testing.T) {
	codec, _ := NewCodec("s3cret", time.Hour)
	tok, err := codec.Mint("env", " Ann.Lee@X.com ", 0)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	var claims signerClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "ann.lee@x.com" || claims.Email != claims.Subject {
		t.Fatalf("expected sub and email to be ann.lee@x.com, got sub=%q email=%q", claims.Subject, claims.Email)
	}
}

func TestVerify_Malformed(t *testing.T) {
	codec, _ := NewCodec("s3cret", time.Hour)
	other, _ := NewCodec("different", time.Hour)
	foreign, _ := other.Mint("env", "a@x.com", 0)
	good, _ := codec.Mint("env", "a@x.com", 0)

	parts := strings.Split(good, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"env_id": "env", "email": "a@x.com", "idx": 0, "iss": issuer})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, raw := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"wrong secret": foreign,
		"tampered":     tampered,
		"alg none":     unsigned,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := codec.Verify(raw); !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestNewCodec_Validation(t *testing.T) {
	if _, err := NewCodec("", time.Hour); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewCodec("s", 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestMint_RejectsIncompleteClaims(t *testing.T) {
	codec, _ := NewCodec("s3cret", time.Hour)
	if _, err := codec.Mint("", "a@x.com", 0); err == nil {
		t.Fatal("expected error for empty envelope id")
	}
	if _, err := codec.Mint("env", "   ", 0); err == nil {
		t.Fatal("expected error for blank email")
	}
	if _, err := codec.Mint("env", "a@x.com", -1); err == nil {
		t.Fatal("expected error for negative index")
	}
}
