// Package service implements the tenant identity core: membership and
// invite lifecycles, RBAC resolution, magic links, session bootstrap,
// trusted devices, and passkeys.
package service

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

func snowflakeString(id int64) string {
	return strconv.FormatInt(id, 10)
}

// newSecretToken returns a 256-bit URL-safe bearer token.
func newSecretToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return false
	}
	return !strings.ContainsAny(email, " \t\r\n")
}
