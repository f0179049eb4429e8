// Package oauth implements the bridge-to-server OAuth 2.1 session:
// dynamic client registration, the Authorization-Code-with-PKCE flow, token
// exchange, refresh, and startup validation.
package oauth

import "errors"

// Sentinel errors for consistent classification across the bridge.
var (
	// ErrNonInteractive indicates no credential exists and the process runs
	// in a non-interactive automated environment, so starting a browser
	// flow would hang forever. Fail fast instead.
	ErrNonInteractive = errors.New("authentication required but no interactive session is available; provide PULSE_AUTH_TOKEN or run pulsebridge from an interactive environment")

	// ErrNoToken indicates no bridge token is stored.
	ErrNoToken = errors.New("no bridge token available")

	// ErrNoRefreshToken indicates the stored token has no refresh token.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrRefreshFailed indicates the refresh grant was rejected; the stored
	// credential is stale and a fresh authorization is required.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrRegistrationFailed indicates dynamic client registration failed.
	// Fatal for the current authorization attempt.
	ErrRegistrationFailed = errors.New("client registration failed; restart the bridge or configure PULSE_CLIENT_ID/PULSE_CLIENT_SECRET manually")

	// ErrStateMismatch indicates the authorization redirect carried an
	// unexpected state parameter.
	ErrStateMismatch = errors.New("authorization state mismatch")

	// ErrFlowTimeout indicates the user did not complete the browser flow
	// within the configured bound.
	ErrFlowTimeout = errors.New("timed out waiting for authorization to complete")

	// ErrUnsupportedScheme indicates an authorization URL that is not
	// http/https; such URLs are never passed to the system browser.
	ErrUnsupportedScheme = errors.New("authorization URL must use http or https")
)
