package auth

import (
	"testing"
	"time"
)

func TestIssueToken_RoundTrip(t *testing.T) {
	now := time.Now()
	tok, err := IssueToken(testSigningKey, TokenRequest{
		Subject: "spec-a", Name: "Dr. A", Role: RoleSpecialist, TTL: time.Minute,
	}, now)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	actor, err := NewVerifier(JWTConfig{SigningKey: testSigningKey}).Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if actor.ID != "spec-a" || actor.Role != RoleSpecialist || actor.Name != "Dr. A" {
		t.Errorf("unexpected actor %+v", actor)
	}
}

func TestIssueToken_Validation(t *testing.T) {
	now := time.Now()
	if _, err := IssueToken(nil, TokenRequest{Subject: "x", Role: RoleOperator}, now); err == nil {
		t.Error("expected error without key")
	}
	if _, err := IssueToken(testSigningKey, TokenRequest{Role: RoleOperator}, now); err == nil {
		t.Error("expected error without subject")
	}
	if _, err := IssueToken(testSigningKey, TokenRequest{Subject: "p", Role: RolePatient}, now); err == nil {
		t.Error("expected error for patient without MRN")
	}
}

func TestIssueToken_Expires(t *testing.T) {
	tok, err := IssueToken(testSigningKey, TokenRequest{Subject: "op", Role: RoleOperator, TTL: time.Minute},
		time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewVerifier(JWTConfig{SigningKey: testSigningKey}).Verify(tok); err == nil {
		t.Error("expected expired token to be rejected")
	}
}
