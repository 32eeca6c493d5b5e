package model

import (
	"errors"
	"fmt"
	"unicode"
)

const (
	MaxUsernameLength = 32
	MaxSecretLength   = 128
)

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")
var ErrSecretEmpty = errors.New("password must not be empty")
var ErrSecretTooLong = fmt.Errorf("password must not exceed %d characters", MaxSecretLength)
var ErrSecretInvalidChars = errors.New("password must not contain whitespace or control characters")

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric, underscore,
// or hyphen characters. Returns nil on success or a descriptive error.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}

// ValidateSecret checks a password as it arrives on the command channel,
// where whitespace separates arguments.
func ValidateSecret(secret string) error {
	if len(secret) == 0 {
		return ErrSecretEmpty
	}
	if len(secret) > MaxSecretLength {
		return ErrSecretTooLong
	}
	for _, r := range secret {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrSecretInvalidChars
		}
	}
	return nil
}
