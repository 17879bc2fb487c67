// Package chat holds the content rules shared by the REST service and the
// push gateway for direct messages.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ErrEmptyMessage is returned for content that is empty after trimming.
var ErrEmptyMessage = errors.New("message text is empty")

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

// ValidateParticipants checks the sender/receiver pair of a message.
func ValidateParticipants(sender, receiver string) error {
	if sender == "" {
		return errors.New("message sender is empty")
	}
	if receiver == "" {
		return errors.New("message receiver is empty")
	}
	return nil
}
