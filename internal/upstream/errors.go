package upstream

import (
	"context"
	"errors"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
)

var (
	// ErrNotConnected indicates an operation needed a live upstream session.
	ErrNotConnected = errors.New("not connected to upstream server")

	// ErrConnectFailed wraps the final error after connection attempts are
	// exhausted.
	ErrConnectFailed = errors.New("failed to connect to upstream server")
)

// isAuthError reports whether err indicates the upstream rejected our
// credentials. These failures are worth retrying after invalidating the
// stored token.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	if mcpclient.IsOAuthAuthorizationRequiredError(err) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), []string{
		"401",
		"unauthorized",
		"invalid_token",
		"invalid token",
		"token expired",
		"authentication required",
	})
}

// isTimeoutError reports whether err is a deadline or cancellation rather
// than a server-side rejection.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), []string{
		"deadline exceeded",
		"timeout",
		"timed out",
	})
}

func containsAny(s string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
