package login

import (
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

// CodeGenerator produces a two-factor code for secret at the given instant.
type CodeGenerator func(secret string, at time.Time) (string, error)

// GenerateTOTPCode derives the RFC 6238 code for a base32 secret. Spaces and case are ignored.
func GenerateTOTPCode(secret string, at time.Time) (string, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	return totp.GenerateCode(normalized, at)
}
