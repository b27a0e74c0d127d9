// Package util normalises customer contact details.
package util

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

var (
	ErrInvalidEmail = errors.New("invalid email address")
	ErrInvalidPhone = errors.New("invalid e164 phone number")
)

// NormalizeEmail returns the bare, lowercased address. Display names and
// anything mail.ParseAddress would rewrite are rejected.
func NormalizeEmail(value string) (string, error) {
	value = strings.TrimSpace(value)
	addr, err := mail.ParseAddress(value)
	switch {
	case value == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidEmail)
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	case addr.Name != "" || addr.Address != value:
		return "", fmt.Errorf("%w: %q is not a bare address", ErrInvalidEmail, value)
	}
	return strings.ToLower(addr.Address), nil
}

// NormalizeE164 strips grouping characters (space, dot, hyphen, parentheses)
// and checks the result is '+' followed by 2 to 15 digits with no leading zero.
func NormalizeE164(value string) (string, error) {
	value = strings.TrimSpace(value)
	digits := make([]rune, 0, len(value))
	for i, r := range value {
		switch {
		case r == '+' && i == 0:
		case r >= '0' && r <= '9':
			digits = append(digits, r)
		case strings.ContainsRune(" .-()", r):
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidPhone, value)
		}
	}
	if !strings.HasPrefix(value, "+") || len(digits) < 2 || len(digits) > 15 || digits[0] == '0' {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, value)
	}
	return "+" + string(digits), nil
}
