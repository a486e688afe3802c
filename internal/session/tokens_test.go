package session

import (
	"strings"
	"testing"
	"time"
)

func TestTokenPairRoundTrip(t *testing.T) {
	m := NewTokenManager("secret", time.Minute, time.Hour)
	pair, err := m.IssuePair(42, 7, "sess-1")
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}

	claims, err := m.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("verify access: %v", err)
	}
	if claims.SessionID != "sess-1" || claims.OrganizationID != 7 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	userID, err := claims.UserID()
	if err != nil || userID != 42 {
		t.Fatalf("user id = %d, err = %v", userID, err)
	}

	if _, err := m.VerifyRefresh(pair.RefreshToken); err != nil {
		t.Fatalf("verify refresh: %v", err)
	}
}

func TestTokenTypeSeparation(t *testing.T) {
	m := NewTokenManager("secret", time.Minute, time.Hour)
	pair, err := m.IssuePair(42, 7, "sess-1")
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}

	if _, err := m.VerifyRefresh(pair.AccessToken); err == nil {
		t.Fatal("access token must not pass refresh verification")
	}
	if _, err := m.VerifyAccess(pair.RefreshToken); err == nil {
		t.Fatal("refresh token must not pass access verification")
	}
}

func TestTokenTamperedSignatureRejected(t *testing.T) {
	m := NewTokenManager("secret", time.Minute, time.Hour)
	pair, err := m.IssuePair(42, 7, "sess-1")
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}

	other := NewTokenManager("different-secret", time.Minute, time.Hour)
	if _, err := other.VerifyAccess(pair.AccessToken); err == nil {
		t.Fatal("token signed with another secret must be rejected")
	}

	parts := strings.Split(pair.AccessToken, ".")
	forged := parts[0] + "." + parts[1] + ".AAAA"
	if _, err := m.VerifyAccess(forged); err == nil {
		t.Fatal("forged signature must be rejected")
	}
}

func TestHashTokenStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Fatal("hash must be deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Fatal("distinct tokens must not collide trivially here")
	}
	if len(HashToken("abc")) != 64 {
		t.Fatalf("expected hex sha256 length 64, got %d", len(HashToken("abc")))
	}
}

func BenchmarkIssuePair(b *testing.B) {
	tm := NewTokenManager("bench-secret", 15*time.Minute, 720*time.Hour)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := tm.IssuePair(7, 3, "d2c9a1de-8a5b-4f27-9f7e-1f0f2b9be001"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkVerifyAccess(b *testing.B) {
	tm := NewTokenManager("bench-secret", 15*time.Minute, 720*time.Hour)
	pair, err := tm.IssuePair(7, 3, "d2c9a1de-8a5b-4f27-9f7e-1f0f2b9be001")
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := tm.VerifyAccess(pair.AccessToken); err != nil {
			b.Fatal(err)
		}
	}
}
