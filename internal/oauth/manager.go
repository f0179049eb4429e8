package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulse-fitness/pulsebridge-go/internal/config"
	"github.com/pulse-fitness/pulsebridge-go/internal/credstore"
)

// Server OAuth 2.1 endpoints, relative to the configured base URL.
const (
	registerEndpoint  = "/oauth2/register"
	authorizeEndpoint = "/oauth2/authorize"
	tokenEndpoint     = "/oauth2/token"
	validateEndpoint  = "/oauth2/validate"
)

// defaultScope is requested when the server's registration response does
// not narrow it.
const defaultScope = "fitness:read fitness:write"

// ValidationStatus is the outcome of ValidateAndRefresh.
type ValidationStatus string

const (
	StatusValid     ValidationStatus = "valid"
	StatusRefreshed ValidationStatus = "refreshed"
	StatusInvalid   ValidationStatus = "invalid"
)

// Manager owns the bridge-to-server OAuth state machine. At most one
// authorization flow runs at a time.
type Manager struct {
	cfg    *config.Config
	store  *credstore.Store
	http   *http.Client
	logger *zap.Logger

	mu sync.Mutex

	// launchBrowser is a seam for tests; production uses openBrowser.
	launchBrowser func(url string) error
}

// NewManager creates the bridge OAuth session manager.
func NewManager(cfg *config.Config, store *credstore.Store, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:           cfg,
		store:         store,
		http:          &http.Client{Timeout: 30 * time.Second},
		logger:        logger.Named("oauth"),
		launchBrowser: openBrowser,
	}
}

// Tokens returns the current bridge TokenSet, or nil when none exists. A
// pre-provisioned bearer token from configuration takes precedence over
// stored credentials.
func (m *Manager) Tokens() *credstore.TokenSet {
	if m.cfg.AuthToken != "" {
		return &credstore.TokenSet{
			AccessToken: m.cfg.AuthToken,
			TokenType:   "Bearer",
		}
	}
	return m.store.BridgeToken()
}

// ClientInformation returns the persisted client registration, or the
// configured override, or nil when the bridge has no client identity yet.
func (m *Manager) ClientInformation() *credstore.ClientRegistration {
	if m.cfg.ClientID != "" {
		return &credstore.ClientRegistration{
			ClientID:     m.cfg.ClientID,
			ClientSecret: m.cfg.ClientSecret,
		}
	}
	return m.store.Registration()
}

// SaveClientInformation persists a client registration.
func (m *Manager) SaveClientInformation(reg *credstore.ClientRegistration) error {
	return m.store.SaveRegistration(reg)
}

// Invalidate drops the stored bridge token. The client registration is
// kept; it is never regenerated while valid.
func (m *Manager) Invalidate() error {
	return m.store.InvalidateBridgeToken()
}

// Authorize obtains a bridge token if none is usable: service-account
// password grant when configured, otherwise the interactive
// Authorization-Code-with-PKCE flow. It returns without work when a valid
// token already exists.
func (m *Manager) Authorize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tok := m.Tokens(); tok != nil && !tok.Expired(time.Now()) {
		return nil
	}

	if m.cfg.ServiceAccountEmail != "" {
		return m.passwordGrant(ctx)
	}

	if !interactiveSession() {
		m.logger.Warn("Refusing to start interactive OAuth flow in non-interactive automated environment")
		return ErrNonInteractive
	}

	return m.authorizationCodeFlow(ctx)
}

// authorizationCodeFlow runs one complete PKCE authorization attempt.
func (m *Manager) authorizationCodeFlow(ctx context.Context) error {
	correlationID := uuid.NewString()
	logger := m.logger.With(zap.String("flow_id", correlationID))
	logger.Info("Starting bridge authorization flow")

	callback, err := StartCallbackServer(m.preferredCallbackPort(), m.logger)
	if err != nil {
		return err
	}
	defer callback.Close()

	reg, err := m.ensureRegistration(ctx, callback.RedirectURI)
	if err != nil {
		return err
	}

	challenge, err := NewPKCEChallenge()
	if err != nil {
		return err
	}

	authURL := m.buildAuthorizeURL(reg, challenge, callback.RedirectURI)
	if err := m.redirectToAuthorization(authURL, logger); err != nil {
		return err
	}

	params, err := callback.Wait(ctx, m.cfg.OAuthFlowTimeout)
	if err != nil {
		logger.Warn("Authorization flow did not complete", zap.Error(err))
		return err
	}

	if errCode := params["error"]; errCode != "" {
		desc := params["error_description"]
		if desc == "" {
			desc = errCode
		}
		return fmt.Errorf("authorization denied: %s", desc)
	}
	if params["state"] != challenge.State {
		return ErrStateMismatch
	}
	code := params["code"]
	if code == "" {
		return fmt.Errorf("authorization redirect missing code parameter")
	}

	token, err := m.exchangeCode(ctx, reg, code, challenge.CodeVerifier, callback.RedirectURI)
	if err != nil {
		return err
	}

	if err := m.store.SaveBridgeToken(token); err != nil {
		return err
	}

	logger.Info("Bridge authorization completed",
		zap.String("token_type", token.TokenType),
		zap.Int64("expires_in", token.ExpiresIn))
	return nil
}

// redirectToAuthorization hands the consent URL to the system browser, or
// just logs it when auto-launch is disabled.
func (m *Manager) redirectToAuthorization(authURL string, logger *zap.Logger) error {
	if m.cfg.DisableBrowser {
		logger.Info("Browser auto-launch disabled - open the authorization URL manually",
			zap.String("auth_url", authURL))
		return nil
	}
	if err := m.launchBrowser(authURL); err != nil {
		// Not fatal: the user can still open the URL by hand.
		logger.Warn("Failed to open browser - open the authorization URL manually",
			zap.String("auth_url", authURL),
			zap.Error(err))
	}
	return nil
}

// ensureRegistration returns the bridge's client identity, running dynamic
// client registration once when none is cached. The registration is
// persisted before any PKCE flow starts.
func (m *Manager) ensureRegistration(ctx context.Context, redirectURI string) (*credstore.ClientRegistration, error) {
	if reg := m.ClientInformation(); reg != nil {
		return reg, nil
	}

	m.logger.Info("No client identity cached - running dynamic client registration")

	reqBody, err := json.Marshal(registrationRequest{
		ClientName:              "pulsebridge",
		RedirectURIs:            []string{redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scope:                   defaultScope,
		TokenEndpointAuthMethod: "client_secret_post",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.cfg.BaseURL()+registerEndpoint, strings.NewReader(string(reqBody)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: server returned %d: %s",
			ErrRegistrationFailed, resp.StatusCode, truncateBody(body))
	}

	var regResp registrationResponse
	if err := json.Unmarshal(body, &regResp); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrRegistrationFailed, err)
	}
	if regResp.ClientID == "" {
		return nil, fmt.Errorf("%w: response missing client_id", ErrRegistrationFailed)
	}

	reg := &credstore.ClientRegistration{
		ClientID:      regResp.ClientID,
		ClientSecret:  regResp.ClientSecret,
		RedirectURIs:  regResp.RedirectURIs,
		GrantTypes:    regResp.GrantTypes,
		ResponseTypes: regResp.ResponseTypes,
		Scope:         regResp.Scope,
	}
	if len(reg.RedirectURIs) == 0 {
		reg.RedirectURIs = []string{redirectURI}
	}

	if err := m.SaveClientInformation(reg); err != nil {
		return nil, fmt.Errorf("failed to persist client registration: %w", err)
	}

	m.logger.Info("Dynamic client registration completed",
		zap.String("client_id", reg.ClientID))
	return reg, nil
}

func (m *Manager) buildAuthorizeURL(reg *credstore.ClientRegistration, challenge *PKCEChallenge, redirectURI string) string {
	scope := reg.Scope
	if scope == "" {
		scope = defaultScope
	}

	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", reg.ClientID)
	query.Set("redirect_uri", redirectURI)
	query.Set("state", challenge.State)
	query.Set("code_challenge", challenge.CodeChallenge)
	query.Set("code_challenge_method", "S256")
	query.Set("scope", scope)

	return m.cfg.BaseURL() + authorizeEndpoint + "?" + query.Encode()
}

// preferredCallbackPort reuses the port baked into an existing
// registration's redirect URI, since authorization servers match redirect
// URIs exactly.
func (m *Manager) preferredCallbackPort() int {
	if m.cfg.CallbackPort > 0 {
		return m.cfg.CallbackPort
	}
	if reg := m.store.Registration(); reg != nil && len(reg.RedirectURIs) > 0 {
		if u, err := url.Parse(reg.RedirectURIs[0]); err == nil {
			if port, err := strconv.Atoi(u.Port()); err == nil {
				return port
			}
		}
	}
	return 0
}

// exchangeCode trades an authorization code for a TokenSet.
func (m *Manager) exchangeCode(ctx context.Context, reg *credstore.ClientRegistration, code, verifier, redirectURI string) (*credstore.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", reg.ClientID)
	form.Set("code_verifier", verifier)
	if reg.ClientSecret != "" {
		form.Set("client_secret", reg.ClientSecret)
	}

	return m.tokenRequest(ctx, form)
}

// Refresh exchanges the stored refresh token for a fresh TokenSet,
// mutating the stored credential in place.
func (m *Manager) Refresh(ctx context.Context) error {
	tok := m.store.BridgeToken()
	if tok == nil {
		return ErrNoToken
	}
	if tok.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	reg := m.ClientInformation()
	if reg == nil {
		return fmt.Errorf("%w: no client registration for refresh", ErrRefreshFailed)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", tok.RefreshToken)
	form.Set("client_id", reg.ClientID)
	if reg.ClientSecret != "" {
		form.Set("client_secret", reg.ClientSecret)
	}

	fresh, err := m.tokenRequest(ctx, form)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if fresh.RefreshToken == "" {
		// Servers may omit the refresh token on rotation; keep the old one.
		fresh.RefreshToken = tok.RefreshToken
	}

	if err := m.store.SaveBridgeToken(fresh); err != nil {
		return err
	}

	m.logger.Info("Bridge token refreshed", zap.Int64("expires_in", fresh.ExpiresIn))
	return nil
}

// passwordGrant authenticates a configured service account without any
// browser interaction.
func (m *Manager) passwordGrant(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", m.cfg.ServiceAccountEmail)
	form.Set("password", m.cfg.ServiceAccountPassword)
	form.Set("scope", defaultScope)
	if reg := m.ClientInformation(); reg != nil {
		form.Set("client_id", reg.ClientID)
		if reg.ClientSecret != "" {
			form.Set("client_secret", reg.ClientSecret)
		}
	}

	token, err := m.tokenRequest(ctx, form)
	if err != nil {
		return fmt.Errorf("service account authentication failed: %w", err)
	}

	m.logger.Info("Service account authenticated",
		zap.String("email", m.cfg.ServiceAccountEmail))
	return m.store.SaveBridgeToken(token)
}

// ValidateAndRefresh checks the stored token against the server's
// introspection endpoint at startup, refreshing once when it is expired or
// rejected. An unusable credential is cleared so later calls trigger a
// fresh authorization.
func (m *Manager) ValidateAndRefresh(ctx context.Context) (ValidationStatus, error) {
	tok := m.Tokens()
	if tok == nil {
		return StatusInvalid, ErrNoToken
	}

	if !tok.Expired(time.Now()) && m.introspect(ctx, tok.AccessToken) {
		return StatusValid, nil
	}

	if tok.RefreshToken == "" {
		_ = m.Invalidate()
		return StatusInvalid, ErrNoRefreshToken
	}

	if err := m.Refresh(ctx); err != nil {
		_ = m.Invalidate()
		return StatusInvalid, err
	}
	return StatusRefreshed, nil
}

// introspect reports whether the server accepts the access token. Network
// failure counts as acceptance: an unreachable server must not destroy a
// possibly valid credential.
func (m *Manager) introspect(ctx context.Context, accessToken string) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ValidateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		m.cfg.BaseURL()+validateEndpoint, http.NoBody)
	if err != nil {
		return true
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.http.Do(req)
	if err != nil {
		m.logger.Debug("Token introspection unreachable - assuming token is usable", zap.Error(err))
		return true
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden
}

// tokenRequest posts a form to the token endpoint and decodes the
// TokenSet.
func (m *Manager) tokenRequest(ctx context.Context, form url.Values) (*credstore.TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.cfg.BaseURL()+tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncateBody(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("malformed token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &credstore.TokenSet{
		AccessToken:  tr.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    tr.ExpiresIn,
		RefreshToken: tr.RefreshToken,
		Scope:        tr.Scope,
		SavedAt:      time.Now(),
	}, nil
}

// registrationRequest is the RFC 7591 dynamic registration payload.
type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

type registrationResponse struct {
	ClientID      string   `json:"client_id"`
	ClientSecret  string   `json:"client_secret,omitempty"`
	RedirectURIs  []string `json:"redirect_uris,omitempty"`
	GrantTypes    []string `json:"grant_types,omitempty"`
	ResponseTypes []string `json:"response_types,omitempty"`
	Scope         string   `json:"scope,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func truncateBody(body []byte) string {
	const max = 300
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
