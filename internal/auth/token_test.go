package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenRoundTrip(t *testing.T) {
	ti := NewTokenIssuer("test-secret", "quoteclaim")
	now := time.Now()

	signed, err := ti.Sign("u-1", "s-1", "admin", now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, err := ti.Parse(signed)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "u-1" || claims.ID != "s-1" || claims.Role != "admin" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestTokenExpired(t *testing.T) {
	ti := NewTokenIssuer("test-secret", "quoteclaim")
	past := time.Now().Add(-2 * time.Hour)

	signed, err := ti.Sign("u-1", "s-1", "customer", past, past.Add(time.Hour))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := ti.Parse(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	now := time.Now()
	signed, _ := NewTokenIssuer("one", "quoteclaim").Sign("u-1", "s-1", "customer", now, now.Add(time.Hour))

	if _, err := NewTokenIssuer("two", "quoteclaim").Parse(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestTokenWrongIssuer(t *testing.T) {
	now := time.Now()
	signed, _ := NewTokenIssuer("s", "other").Sign("u-1", "s-1", "customer", now, now.Add(time.Hour))

	if _, err := NewTokenIssuer("s", "quoteclaim").Parse(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestTokenRejectsNoneAlg(t *testing.T) {
	claims := &Claims{Role: "admin", RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "quoteclaim",
		Subject:   "u-1",
		ID:        "s-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	if _, err := NewTokenIssuer("s", "quoteclaim").Parse(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestTokenGarbage(t *testing.T) {
	if _, err := NewTokenIssuer("s", "quoteclaim").Parse("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}
