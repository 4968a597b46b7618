package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestHS256RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	claims := Claims{
		Sub:       "0xbuyer",
		BookingID: "booking-1",
		SlotID:    "slot-1",
		Iat:       now.Unix(),
		Exp:       now.Add(45 * time.Minute).Unix(),
	}
	secret := "test-secret"

	token, err := SignHS256(claims, secret)
	if err != nil {
		t.Fatalf("SignHS256 failed: %v", err)
	}
	parsed, err := ParseAndVerifyHS256(token, secret, now)
	if err != nil {
		t.Fatalf("ParseAndVerifyHS256 failed: %v", err)
	}
	if *parsed != claims {
		t.Fatalf("claims mismatch: got %+v", parsed)
	}
	if _, err := ParseAndVerifyHS256(token, "wrong-secret", now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken with wrong secret, got %v", err)
	}
	if _, err := ParseAndVerifyHS256(token, secret, now.Add(time.Hour)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestRejectsMalformedTokens(t *testing.T) {
	now := time.Now()
	for _, token := range []string{"", "a.b", "a.b.c.d", "!!.??.sig"} {
		if _, err := ParseAndVerifyHS256(token, "s", now); err == nil {
			t.Fatalf("expected error for %q", token)
		}
	}
	if _, err := SignHS256(Claims{Sub: "x"}, ""); err == nil {
		t.Fatal("expected error for empty secret")
	}

	token, _ := SignHS256(Claims{Sub: "x"}, "s")
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := ParseAndVerifyHS256(tampered, "s", now); err == nil {
		t.Fatal("expected error for tampered payload")
	}
}
