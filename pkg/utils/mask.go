package utils

import "regexp"

var dsnPasswordRegex = regexp.MustCompile(`(:)([^:@]+)(@)`)

// MaskDSN hides the password portion of a connection string before logging.
func MaskDSN(dsn string) string {
	return dsnPasswordRegex.ReplaceAllString(dsn, ":***@")
}

// Mask keeps the first four characters of a secret and hides the rest, so
// logs can still distinguish which credential was used.
func Mask(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + "****"
}
