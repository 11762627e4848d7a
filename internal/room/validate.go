package room

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxTextBytes         = 8192
	MaxTextChars         = 2000
	DefaultMaxMediaBytes = 5 << 20
)

var (
	ErrEmptyMessage    = errors.New("room: message is empty")
	ErrMessageTooLong  = errors.New("room: message too long")
	ErrInvalidEncoding = errors.New("room: message is not valid UTF-8")
	ErrPayloadTooLarge = errors.New("room: media payload too large")
)

// ValidateText checks that a chat message meets content requirements.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if len(text) > MaxTextBytes {
		return fmt.Errorf("%w: exceeds %d bytes", ErrMessageTooLong, MaxTextBytes)
	}
	if !utf8.ValidString(text) {
		return ErrInvalidEncoding
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: exceeds %d characters", ErrMessageTooLong, MaxTextChars)
	}
	return nil
}

// ValidateMedia checks a voice note or doodle payload against limit bytes.
func ValidateMedia(payload string, limit int) error {
	if payload == "" {
		return ErrEmptyMessage
	}
	if len(payload) > limit {
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), limit)
	}
	return nil
}

// IsValidation reports whether err came from message validation, as opposed
// to room state.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyMessage) ||
		errors.Is(err, ErrMessageTooLong) ||
		errors.Is(err, ErrInvalidEncoding) ||
		errors.Is(err, ErrPayloadTooLarge)
}
