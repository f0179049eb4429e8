// Package provider drives the server-mediated fitness provider OAuth flow:
// the bridge opens the server's consent page for a provider (Strava,
// Fitbit) and waits for the server's completion notification.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/pulse-fitness/pulsebridge-go/internal/config"
	"github.com/pulse-fitness/pulsebridge-go/internal/oauth"
	"github.com/pulse-fitness/pulsebridge-go/internal/upstream"
)

// Supported fitness providers.
var supportedProviders = []string{"strava", "fitbit"}

const (
	statusTool = "get_connection_status"
)

var (
	// ErrUnknownProvider indicates a provider name outside the supported set.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrNoUserIdentity indicates the bridge token carries no subject claim,
	// so the provider consent URL cannot be built.
	ErrNoUserIdentity = errors.New("bridge token carries no user identity")

	// ErrWaitTimeout indicates the provider authorization did not complete in
	// time.
	ErrWaitTimeout = errors.New("timed out waiting for provider authorization")
)

// CompletionEvent is the payload of the server's oauth_completed
// notification.
type CompletionEvent struct {
	Provider string
	Success  bool
	Message  string
	UserID   string
}

// Connector runs provider connection flows on top of an authenticated
// upstream session.
type Connector struct {
	cfg    *config.Config
	auth   *oauth.Manager
	up     *upstream.Client
	logger *zap.Logger

	mu      sync.Mutex
	waiters map[string]chan CompletionEvent

	// launchBrowser is a seam for tests; production uses oauth.OpenBrowser.
	launchBrowser func(url string) error
}

// NewConnector creates a provider connector.
func NewConnector(cfg *config.Config, auth *oauth.Manager, up *upstream.Client, logger *zap.Logger) *Connector {
	return &Connector{
		cfg:           cfg,
		auth:          auth,
		up:            up,
		logger:        logger.Named("provider"),
		waiters:       make(map[string]chan CompletionEvent),
		launchBrowser: oauth.OpenBrowser,
	}
}

// Supported returns the provider names the bridge accepts.
func Supported() []string {
	return append([]string(nil), supportedProviders...)
}

// Valid reports whether name is a supported provider, case-insensitively.
func Valid(name string) bool {
	for _, p := range supportedProviders {
		if strings.EqualFold(name, p) {
			return true
		}
	}
	return false
}

// Normalize lowercases a provider name after validating it.
func Normalize(name string) (string, error) {
	if !Valid(name) {
		return "", fmt.Errorf("%w: %q (supported: %s)",
			ErrUnknownProvider, name, strings.Join(supportedProviders, ", "))
	}
	return strings.ToLower(name), nil
}

// Status asks the server whether the given provider is connected for the
// current user. The raw status text is returned alongside the parsed flag
// so callers can surface the server's own wording.
func (c *Connector) Status(ctx context.Context, provider string) (connected bool, raw string, err error) {
	result, err := c.up.CallTool(ctx, statusTool, nil)
	if err != nil {
		return false, "", fmt.Errorf("connection status check failed: %w", err)
	}
	raw = textContent(result)
	return providerConnected(raw, provider), raw, nil
}

// Connect runs the full provider connection flow: short-circuit when
// already connected, open the server's consent page for the user, and wait
// for the server's completion notification.
func (c *Connector) Connect(ctx context.Context, provider string) (*CompletionEvent, error) {
	provider, err := Normalize(provider)
	if err != nil {
		return nil, err
	}

	connected, _, err := c.Status(ctx, provider)
	if err != nil {
		return nil, err
	}
	if connected {
		c.logger.Info("Provider already connected", zap.String("provider", provider))
		return &CompletionEvent{Provider: provider, Success: true,
			Message: fmt.Sprintf("%s is already connected", provider)}, nil
	}

	userID, err := c.userID()
	if err != nil {
		return nil, err
	}

	authURL := fmt.Sprintf("%s/api/oauth/auth/%s/%s", c.cfg.BaseURL(), provider, userID)

	waiter := c.registerWaiter(provider)
	defer c.removeWaiter(provider)

	c.logger.Info("Opening provider authorization page",
		zap.String("provider", provider),
		zap.String("auth_url", authURL))
	if err := c.launchBrowser(authURL); err != nil {
		c.logger.Warn("Failed to open browser for provider authorization - open the URL manually",
			zap.String("auth_url", authURL),
			zap.Error(err))
	}

	select {
	case event := <-waiter:
		c.logger.Info("Provider authorization completed",
			zap.String("provider", event.Provider),
			zap.Bool("success", event.Success))
		return &event, nil
	case <-time.After(c.cfg.ProviderWaitTimeout):
		return nil, fmt.Errorf("%w: %s authorization not confirmed within %s; "+
			"complete the consent page in your browser, then ask for the connection status",
			ErrWaitTimeout, provider, c.cfg.ProviderWaitTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleCompletion delivers a server oauth_completed notification to the
// flow waiting on it. Unsolicited completions are logged and dropped.
func (c *Connector) HandleCompletion(event CompletionEvent) {
	provider := strings.ToLower(event.Provider)

	c.mu.Lock()
	waiter, ok := c.waiters[provider]
	if ok {
		delete(c.waiters, provider)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("Provider completion with no waiting flow",
			zap.String("provider", provider),
			zap.Bool("success", event.Success))
		return
	}
	waiter <- event
}

func (c *Connector) registerWaiter(provider string) chan CompletionEvent {
	ch := make(chan CompletionEvent, 1)
	c.mu.Lock()
	c.waiters[provider] = ch
	c.mu.Unlock()
	return ch
}

func (c *Connector) removeWaiter(provider string) {
	c.mu.Lock()
	delete(c.waiters, provider)
	c.mu.Unlock()
}

// userID extracts the subject claim from the bridge's access token. The
// signature is not verified; the server remains the authority, this is only
// routing information for the consent URL.
func (c *Connector) userID() (string, error) {
	tok := c.auth.Tokens()
	if tok == nil {
		return "", oauth.ErrNoToken
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoUserIdentity, err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrNoUserIdentity
	}
	return sub, nil
}

// textContent concatenates the text parts of a tool result.
func textContent(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	var parts []string
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// providerConnected digs a per-provider connected flag out of the status
// payload. The server reports either a providers array or a flat object
// keyed by provider name; both shapes are handled.
func providerConnected(raw, provider string) bool {
	if raw == "" {
		return false
	}

	if providers := gjson.Get(raw, "providers"); providers.IsArray() {
		found := false
		providers.ForEach(func(_, item gjson.Result) bool {
			if strings.EqualFold(item.Get("provider").String(), provider) {
				found = item.Get("connected").Bool()
				return false
			}
			return true
		})
		return found
	}

	if entry := gjson.Get(raw, provider); entry.Exists() {
		return entry.Get("connected").Bool()
	}

	return strings.EqualFold(gjson.Get(raw, "provider").String(), provider) &&
		gjson.Get(raw, "connected").Bool()
}
