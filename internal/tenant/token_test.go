package tenant

import (
	"testing"
	"time"
)

func setSecret(t *testing.T) {
	t.Helper()
	t.Setenv("ATHENS_AUTH_SECRET", "unit-test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestTokenRoundtrip(t *testing.T) {
	setSecret(t)

	in := Principal{
		UserID:    "u1",
		TenantID:  "t1",
		ProjectID: "p1",
		Role:      RoleEPCUser,
		Grade:     GradeB,
	}
	tok, err := GenerateToken(in, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	out, err := ParseAndValidate(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out != in {
		t.Fatalf("principal = %+v want %+v", out, in)
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	setSecret(t)

	cases := []struct {
		name string
		p    Principal
		ttl  time.Duration
	}{
		{"no user", Principal{TenantID: "t1", Role: RoleEPCUser}, time.Hour},
		{"no role", Principal{UserID: "u1", TenantID: "t1"}, time.Hour},
		{"no tenant", Principal{UserID: "u1", Role: RoleEPCUser}, time.Hour},
		{"zero ttl", Principal{UserID: "u1", TenantID: "t1", Role: RoleEPCUser}, 0},
	}
	for _, tc := range cases {
		if _, err := GenerateToken(tc.p, tc.ttl); err == nil {
			t.Errorf("%s: no error", tc.name)
		}
	}

	// master principals are tenantless by design
	if _, err := GenerateToken(Principal{UserID: "u1", Role: RoleMaster}, time.Hour); err != nil {
		t.Errorf("master without tenant: %v", err)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	setSecret(t)

	tok, err := GenerateToken(Principal{UserID: "u1", TenantID: "t1", Role: RoleEPCUser}, time.Millisecond)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := ParseAndValidate(tok); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	setSecret(t)
	tok, err := GenerateToken(Principal{UserID: "u1", TenantID: "t1", Role: RoleEPCUser}, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	t.Setenv("ATHENS_AUTH_SECRET", "a-different-secret")
	ResetSecretForTests()
	if _, err := ParseAndValidate(tok); err == nil {
		t.Fatal("token signed with another secret accepted")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	setSecret(t)
	for _, tok := range []string{"", "   ", "x.y.z", "not a jwt at all"} {
		if _, err := ParseAndValidate(tok); err == nil {
			t.Errorf("accepted %q", tok)
		}
	}
}

func TestMissingSecretSurfaces(t *testing.T) {
	t.Setenv("ATHENS_AUTH_SECRET", "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken(Principal{UserID: "u1", TenantID: "t1", Role: RoleEPCUser}, time.Hour); err == nil {
		t.Fatal("token minted without a configured secret")
	}
}
