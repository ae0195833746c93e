package validation

import (
	"crypto/subtle"
	"fmt"

	"go.pilab.hu/ssoengine/domain"
	"golang.org/x/oauth2"
)

// RFC 7636 length bounds for code verifiers and challenges.
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

func isUnreserved(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') ||
		r == '-' || r == '.' || r == '_' || r == '~'
}

func checkPKCEValue(name, v string) error {
	if len(v) < MinCodeVerifierLength || len(v) > MaxCodeVerifierLength {
		return fmt.Errorf("%s must be between %d and %d characters", name, MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	for _, r := range v {
		if !isUnreserved(r) {
			return fmt.Errorf("%s contains invalid characters", name)
		}
	}
	return nil
}

// ValidateCodeChallenge checks the syntax of a code_challenge.
func ValidateCodeChallenge(challenge string) error {
	return checkPKCEValue("code_challenge", challenge)
}

// ValidateCodeVerifier checks the syntax of a code_verifier.
func ValidateCodeVerifier(verifier string) error {
	return checkPKCEValue("code_verifier", verifier)
}

// S256Challenge computes BASE64URL(SHA256(verifier)).
func S256Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE reports whether verifier satisfies challenge under method, comparing in
// constant time.
func VerifyPKCE(verifier, challenge, method string) bool {
	if ValidateCodeVerifier(verifier) != nil {
		return false
	}
	var computed string
	switch method {
	case domain.CodeChallengeMethodS256:
		computed = S256Challenge(verifier)
	case domain.CodeChallengeMethodPlain:
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
