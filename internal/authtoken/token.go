// Package authtoken validates the session tokens presented on stream
// requests. A token is a CBOR payload followed by a 64-byte Ed25519
// signature, carried base64url-encoded in the Authorization header. Issuing
// tokens is the identity provider's job; Mint exists for tests and local
// tooling.
package authtoken

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rzbill/streamd/internal/codec"
)

// Token is the signed claim set.
type Token struct {
	Subject   string `cbor:"1,keyasint"`
	Session   string `cbor:"2,keyasint,omitempty"`
	Audience  string `cbor:"3,keyasint"`
	ID        string `cbor:"4,keyasint,omitempty"`
	IssuedAt  int64  `cbor:"5,keyasint"`
	ExpiresAt int64  `cbor:"6,keyasint"`
}

var (
	ErrMalformed        = errors.New("authtoken: malformed token")
	ErrInvalidSignature = errors.New("authtoken: invalid signature")
	ErrExpired          = errors.New("authtoken: token has expired")
	ErrAudienceMismatch = errors.New("authtoken: audience does not match")
)

// Mint signs t and returns the header-ready string form.
func Mint(key ed25519.PrivateKey, t Token) (string, error) {
	payload, err := codec.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("authtoken: encode: %w", err)
	}
	raw := append(payload, ed25519.Sign(key, payload)...)
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Verifier checks signatures, expiry and audience.
type Verifier struct {
	pub      ed25519.PublicKey
	audience string
}

func NewVerifier(pub ed25519.PublicKey, audience string) *Verifier {
	return &Verifier{pub: pub, audience: audience}
}

// Verify decodes and validates s at time now.
func (v *Verifier) Verify(s string, now time.Time) (Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) <= ed25519.SignatureSize {
		return Token{}, fmt.Errorf("%w: too short", ErrMalformed)
	}
	split := len(raw) - ed25519.SignatureSize
	payload, sig := raw[:split], raw[split:]
	if !ed25519.Verify(v.pub, payload, sig) {
		return Token{}, ErrInvalidSignature
	}
	var t Token
	if err := codec.Unmarshal(payload, &t); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if now.Unix() >= t.ExpiresAt {
		return Token{}, ErrExpired
	}
	if v.audience != "" && t.Audience != v.audience {
		return Token{}, fmt.Errorf("%w: got %q", ErrAudienceMismatch, t.Audience)
	}
	return t, nil
}

// LoadPublicKey reads a hex or base64 encoded Ed25519 public key.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePublicKey(strings.TrimSpace(string(b)))
}

func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	if k, err := hex.DecodeString(s); err == nil && len(k) == ed25519.PublicKeySize {
		return ed25519.PublicKey(k), nil
	}
	if k, err := base64.StdEncoding.DecodeString(s); err == nil && len(k) == ed25519.PublicKeySize {
		return ed25519.PublicKey(k), nil
	}
	return nil, fmt.Errorf("authtoken: public key must be %d bytes hex or base64", ed25519.PublicKeySize)
}
