package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	MinVerifierLength     = 43
	MaxVerifierLength     = 128
	DefaultVerifierLength = 64

	// ChallengeMethodS256 is the only challenge method this service issues.
	ChallengeMethodS256 = "S256"
)

var ErrInvalidVerifier = errors.New("invalid code verifier")

// PKCE generates code verifiers and derives their S256 challenges.
type PKCE interface {
	GenerateCodeVerifier(length int) (string, error)
	GenerateCodeChallenge(verifier string) (string, error)
	ValidateChallenge(challenge, verifier string) bool
}

// PKCEGenerator is the crypto/rand backed PKCE implementation.
type PKCEGenerator struct {
	rand io.Reader
}

// NewPKCEGenerator creates a new PKCEGenerator.
func NewPKCEGenerator() *PKCEGenerator {
	return &PKCEGenerator{rand: rand.Reader}
}

// GenerateCodeVerifier returns a random verifier of exactly length characters
// drawn from the base64url alphabet, a subset of the RFC 7636 unreserved set.
func (g *PKCEGenerator) GenerateCodeVerifier(length int) (string, error) {
	if length < MinVerifierLength || length > MaxVerifierLength {
		return "", fmt.Errorf("%w: length must be between %d and %d, got %d",
			ErrInvalidVerifier, MinVerifierLength, MaxVerifierLength, length)
	}

	buf := make([]byte, base64.RawURLEncoding.DecodedLen(length)+1)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:length], nil
}

// GenerateCodeChallenge derives the S256 challenge for verifier.
func (g *PKCEGenerator) GenerateCodeChallenge(verifier string) (string, error) {
	if err := ValidateVerifier(verifier); err != nil {
		return "", err
	}
	return S256Challenge(verifier), nil
}

// ValidateChallenge reports whether challenge is the S256 challenge of verifier.
func (g *PKCEGenerator) ValidateChallenge(challenge, verifier string) bool {
	if challenge == "" || ValidateVerifier(verifier) != nil {
		return false
	}
	expected := S256Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) == 1
}

// S256Challenge computes BASE64URL(SHA256(ASCII(verifier))) without padding.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidateVerifier checks length and alphabet of a verifier.
func ValidateVerifier(verifier string) error {
	if verifier == "" {
		return fmt.Errorf("%w: verifier cannot be empty", ErrInvalidVerifier)
	}
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return fmt.Errorf("%w: length must be between %d and %d", ErrInvalidVerifier, MinVerifierLength, MaxVerifierLength)
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return fmt.Errorf("%w: character at %d is not unreserved", ErrInvalidVerifier, i)
		}
	}
	return nil
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
