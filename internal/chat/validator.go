package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max content size
	MaxTextChars    = 2000 // max character count
	MaxIDBytes      = 128
	MaxUserBytes    = 128
)

// ErrInvalidFrame is wrapped by every validation failure.
var ErrInvalidFrame = errors.New("chat: invalid frame")

// ValidateMessage checks that message text meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("%w: message text is empty", ErrInvalidFrame)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrInvalidFrame, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalidFrame)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrInvalidFrame, MaxTextChars)
	}
	return nil
}

// ValidateID checks a client-generated message id.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: missing message id", ErrInvalidFrame)
	}
	if len(id) > MaxIDBytes {
		return fmt.Errorf("%w: message id exceeds %d bytes", ErrInvalidFrame, MaxIDBytes)
	}
	return nil
}

// ValidateUser checks a client-asserted display name.
func ValidateUser(user string) error {
	if user == "" {
		return fmt.Errorf("%w: missing user", ErrInvalidFrame)
	}
	if len(user) > MaxUserBytes || !utf8.ValidString(user) {
		return fmt.Errorf("%w: invalid user name", ErrInvalidFrame)
	}
	return nil
}
