// Package pkce implements Proof Key for Code Exchange (RFC 7636) with the S256 method.
//
// Only S256 is supported. The plain method is rejected everywhere because it offers no
// protection once the authorization request is observed.
package pkce

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCE parameter constraints (RFC 7636)
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128

	// ChallengeLength is the length of an unpadded base64url SHA-256 digest.
	ChallengeLength = 43

	MethodS256  = "S256"
	MethodPlain = "plain"
)

var (
	// ErrVerifierLength is returned for verifiers outside 43..128 characters.
	ErrVerifierLength = fmt.Errorf("code_verifier must be %d-%d characters", MinVerifierLength, MaxVerifierLength)

	// ErrVerifierCharset is returned for verifiers with characters outside [A-Za-z0-9-._~].
	ErrVerifierCharset = errors.New("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")

	// ErrChallengeFormat is returned for challenges that cannot be an S256 digest.
	ErrChallengeFormat = errors.New("code_challenge must be 43 base64url characters")

	// ErrUnsupportedMethod is returned for any method other than S256.
	ErrUnsupportedMethod = errors.New("code_challenge_method must be S256")
)

// GenerateVerifier returns a random 43-character verifier.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// ChallengeFrom computes base64url(sha256(verifier)) without padding.
func ChallengeFrom(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// Validate reports whether verifier hashes to challenge. Malformed verifiers never
// validate. The comparison is constant time.
func Validate(verifier, challenge string) bool {
	if ValidateVerifier(verifier) != nil {
		return false
	}
	computed := ChallengeFrom(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ValidateVerifier checks the RFC 7636 section 4.1 shape of a code_verifier.
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return ErrVerifierLength
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return ErrVerifierCharset
		}
	}
	return nil
}

// ValidateChallenge checks an authorization request's challenge and method.
// An empty method is rejected rather than defaulting to plain.
func ValidateChallenge(challenge, method string) error {
	if method != MethodS256 {
		return ErrUnsupportedMethod
	}
	if len(challenge) != ChallengeLength {
		return ErrChallengeFormat
	}
	for i := 0; i < len(challenge); i++ {
		c := challenge[i]
		if !isAlnum(c) && c != '-' && c != '_' {
			return ErrChallengeFormat
		}
	}
	return nil
}

func isAlnum(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

func isUnreserved(c byte) bool {
	return isAlnum(c) || c == '-' || c == '.' || c == '_' || c == '~'
}
