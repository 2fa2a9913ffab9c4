package platform

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrRetryable marks a transient fault: rate limiting, 5xx or network errors.
	ErrRetryable = errors.New("platform transient error")
	// ErrFatal marks a credential fault that will not resolve by retrying.
	ErrFatal = errors.New("platform credential error")
	// ErrNotConnected is returned when the user has no usable platform connection.
	ErrNotConnected = errors.New("platform account not connected")
)

// Graph API error codes.
const (
	codeUnknown         = 1
	codeService         = 2
	codeAppRateLimit    = 4
	codePermission      = 10
	codeUserRateLimit   = 17
	codePageRateLimit   = 32
	codeInvalidToken    = 190
	codeCallRateLimit   = 613
	codePermissionFirst = 200
	codePermissionLast  = 299
)

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Subcode int    `json:"error_subcode"`
	} `json:"error"`
}

// classifyHTTPError maps a failed Graph API response onto the error taxonomy.
func classifyHTTPError(status int, body string) error {
	snippet := strings.TrimSpace(body)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}

	var ge graphError
	_ = json.Unmarshal([]byte(body), &ge)
	code := ge.Error.Code
	message := ge.Error.Message
	if message == "" {
		message = snippet
	}

	switch {
	case status == http.StatusUnauthorized,
		code == codeInvalidToken,
		code == codePermission,
		code >= codePermissionFirst && code <= codePermissionLast,
		status == http.StatusForbidden && strings.EqualFold(ge.Error.Type, "OAuthException"):
		return fmt.Errorf("%w: status=%d code=%d %s", ErrFatal, status, code, message)
	case status == http.StatusTooManyRequests,
		code == codeAppRateLimit,
		code == codeUserRateLimit,
		code == codePageRateLimit,
		code == codeCallRateLimit:
		return fmt.Errorf("%w: rate limited status=%d code=%d %s", ErrRetryable, status, code, message)
	case status >= http.StatusInternalServerError,
		code == codeUnknown,
		code == codeService:
		return fmt.Errorf("%w: status=%d code=%d %s", ErrRetryable, status, code, message)
	}
	return fmt.Errorf("instagram error: status=%d code=%d %s", status, code, message)
}

// IsRetryable reports whether err is a transient platform fault.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// IsFatal reports whether err is a credential fault.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
