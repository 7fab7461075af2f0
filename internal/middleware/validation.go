package middleware

import (
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const (
	maxUserIDLength   = 128
	maxClientIDLength = 128
	maxQueryLength    = 100
)

// ValidateID validates a server-issued conversation or message ID.
func ValidateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid ID format")
	}
	return nil
}

// ValidateUserID validates an opaque user ID supplied by a client.
func ValidateUserID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("user ID cannot be empty")
	}
	if len(id) > maxUserIDLength {
		return errors.New("user ID exceeds maximum length")
	}
	return nil
}

// ValidateClientID validates the idempotency key of a send.
func ValidateClientID(id string) error {
	if len(id) > maxClientIDLength {
		return errors.New("client ID exceeds maximum length")
	}
	return nil
}

// ValidateAttachmentURL accepts absolute http(s) URLs only.
func ValidateAttachmentURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return errors.New("attachment url must be absolute")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("attachment url must use http or https")
	}
	return nil
}

// ValidateSearchQuery validates a directory search query.
func ValidateSearchQuery(q string) error {
	if strings.TrimSpace(q) == "" {
		return errors.New("query cannot be empty")
	}
	if len(q) > maxQueryLength {
		return errors.New("query exceeds maximum length")
	}
	return nil
}
