package idempotency

import (
	"errors"
	"fmt"
)

const (
	minKeyLen = 8
	maxKeyLen = 128
)

// ErrInvalidKey is returned when a client-supplied idempotency key fails
// format validation. Validation runs before any store access so a malformed
// key never causes a side effect.
var ErrInvalidKey = errors.New("invalid idempotency key format")

// Key is a validated client-supplied idempotency key. It is a correlation
// token, not a resource: it carries no ownership.
type Key string

// ValidateKey enforces the key format: 8 to 128 characters drawn from
// letters, digits, and hyphens. The floor keeps accidental collisions
// unlikely without rejecting human-assembled keys like "abc123-REQ-0001".
func ValidateKey(raw string) (Key, error) {
	if len(raw) < minKeyLen || len(raw) > maxKeyLen {
		return "", fmt.Errorf("%w: length must be %d-%d characters", ErrInvalidKey, minKeyLen, maxKeyLen)
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return "", fmt.Errorf("%w: character %q not allowed", ErrInvalidKey, c)
		}
	}
	return Key(raw), nil
}

func (k Key) storeKey() string {
	return "idempotency:" + string(k)
}
