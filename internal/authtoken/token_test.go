package authtoken

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func keys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return pub, priv
}

func TestMintVerify(t *testing.T) {
	pub, priv := keys(t)
	now := time.Unix(1_700_000_000, 0)
	tok, err := Mint(priv, Token{Subject: "u1", Session: "s1", Audience: "streamd", IssuedAt: now.Unix(), ExpiresAt: now.Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	got, err := NewVerifier(pub, "streamd").Verify(tok, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Subject != "u1" || got.Session != "s1" {
		t.Fatalf("claims = %+v", got)
	}
}

func TestVerifyRejections(t *testing.T) {
	pub, priv := keys(t)
	otherPub, _ := keys(t)
	now := time.Unix(1_700_000_000, 0)
	tok, _ := Mint(priv, Token{Subject: "u1", Audience: "streamd", ExpiresAt: now.Add(time.Minute).Unix()})

	cases := []struct {
		name string
		v    *Verifier
		tok  string
		at   time.Time
		want error
	}{
		{"wrong key", NewVerifier(otherPub, "streamd"), tok, now, ErrInvalidSignature},
		{"expired", NewVerifier(pub, "streamd"), tok, now.Add(2 * time.Minute), ErrExpired},
		{"audience", NewVerifier(pub, "other"), tok, now, ErrAudienceMismatch},
		{"garbage", NewVerifier(pub, ""), "!!", now, ErrMalformed},
		{"short", NewVerifier(pub, ""), "AAAA", now, ErrMalformed},
	}
	for _, c := range cases {
		if _, err := c.v.Verify(c.tok, c.at); !errors.Is(err, c.want) {
			t.Fatalf("%s: got %v want %v", c.name, err, c.want)
		}
	}
}

func TestLoadPublicKey(t *testing.T) {
	pub, _ := keys(t)
	path := filepath.Join(t.TempDir(), "key.pub")
	if err := os.WriteFile(path, []byte(hex.EncodeToString(pub)+"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := LoadPublicKey(path)
	if err != nil || !got.Equal(pub) {
		t.Fatalf("load: %v", err)
	}
	if _, err := ParsePublicKey("abc"); err == nil {
		t.Fatalf("expected error for short key")
	}
}
