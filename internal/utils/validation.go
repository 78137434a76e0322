package utils

import "strings"

// ValidateUsername enforces spec.md §3: alphanumeric + underscore, 3-32 bytes.
func ValidateUsername(username string) bool {
	if len(username) < 3 || len(username) > 32 {
		return false
	}
	for _, r := range username {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !isAlnum && r != '_' {
			return false
		}
	}
	return true
}

// ValidatePassword enforces the >= 12 byte minimum from spec.md §4.1.
func ValidatePassword(password string) bool {
	return len(password) >= 12
}

// ValidateSearchPrefix enforces the seed scenario in spec.md §8: empty or
// single-character prefixes are rejected.
func ValidateSearchPrefix(prefix string) bool {
	return len(strings.TrimSpace(prefix)) >= 2
}

// ValidateEmail performs the light-touch check the teacher applies to its
// optional email field — full RFC 5322 validation is not the core's job.
func ValidateEmail(email string) bool {
	if email == "" {
		return true
	}
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && len(email) <= 255
}
