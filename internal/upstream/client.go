// Package upstream owns the bridge's MCP client connection to the remote
// server: connection lifecycle with bounded retries, the tool catalog
// cache, and transparent re-authentication on expired credentials.
package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/pulse-fitness/pulsebridge-go/internal/config"
	"github.com/pulse-fitness/pulsebridge-go/internal/credstore"
	"github.com/pulse-fitness/pulsebridge-go/internal/oauth"
)

// Client is the bridge's connection to the upstream MCP server over
// streamable HTTP. All connection attempts are single-flight: concurrent
// callers share one attempt rather than racing their own.
type Client struct {
	cfg    *config.Config
	auth   *oauth.Manager
	logger *zap.Logger
	state  *StateManager

	// mu guards the session fields and the connect bookkeeping. It is
	// never held across network calls or the authorization flow, so
	// reads like session() stay non-blocking while a connect is in
	// flight.
	mu          sync.Mutex
	mcp         *mcpclient.Client
	serverInfo  *mcp.InitializeResult
	connecting  bool
	connectDone chan struct{}
	connectErr  error

	catalog catalogCache

	notifyMu sync.RWMutex
	onNotify func(mcp.JSONRPCNotification)

	firstDone     chan struct{}
	firstDoneOnce sync.Once
}

// NewClient creates an upstream client. No connection is attempted until
// Connect or the first tool call.
func NewClient(cfg *config.Config, auth *oauth.Manager, logger *zap.Logger) *Client {
	return &Client{
		cfg:       cfg,
		auth:      auth,
		logger:    logger.Named("upstream"),
		state:     NewStateManager(),
		firstDone: make(chan struct{}),
	}
}

// State returns the connection state manager.
func (c *Client) State() *StateManager { return c.state }

// Connected reports whether a live MCP session exists.
func (c *Client) Connected() bool {
	return c.state.State().Connected()
}

// OnNotification registers a handler for server-initiated notifications.
// Must be called before Connect; the handler is installed on every session.
func (c *Client) OnNotification(handler func(mcp.JSONRPCNotification)) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.onNotify = handler
}

// FirstAttemptDone is closed once the first connection attempt finishes,
// successfully or not. tools/list uses it to wait briefly on the proactive
// startup connect instead of serving an empty catalog.
func (c *Client) FirstAttemptDone() <-chan struct{} { return c.firstDone }

// Connect establishes the upstream MCP session. Credential rejections are
// retried up to MaxConnectAttempts with the stored token invalidated in
// between; structural handshake failures and timeouts are not retried.
// When an attempt is already in flight the caller waits for its outcome,
// honoring its own context.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.mcp != nil && c.state.State().Connected() {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		done := c.connectDone
		c.mu.Unlock()
		select {
		case <-done:
			c.mu.Lock()
			err := c.connectErr
			c.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.connecting = true
	done := make(chan struct{})
	c.connectDone = done
	c.mu.Unlock()

	err := c.runConnect(ctx)

	c.mu.Lock()
	c.connecting = false
	c.connectErr = err
	c.mu.Unlock()
	close(done)
	c.firstDoneOnce.Do(func() { close(c.firstDone) })
	return err
}

// runConnect is the single-flight connect attempt loop. It runs without
// holding c.mu so session reads and cached-catalog serving never block on
// the handshake or on an interactive authorization.
func (c *Client) runConnect(ctx context.Context) error {
	c.teardown()
	c.state.Transition(StateConnecting)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxConnectAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(c.cfg.RetryBackoff):
			case <-ctx.Done():
				c.state.Fail(ctx.Err())
				return ctx.Err()
			}
		}
		c.state.RecordAttempt()

		token := c.auth.Tokens()
		authenticated := token != nil

		err := c.dial(ctx, token)
		if err == nil {
			c.markConnected(authenticated)
			return nil
		}
		lastErr = err

		if isAuthError(err) {
			c.logger.Warn("Upstream rejected credentials - invalidating and re-authorizing",
				zap.Int("attempt", attempt),
				zap.Error(err))
			if authenticated {
				_ = c.auth.Invalidate()
			}
			if aerr := c.auth.Authorize(ctx); aerr != nil {
				lastErr = aerr
				break
			}
			continue
		}

		if isTimeoutError(err) {
			c.logger.Warn("Upstream connection timed out", zap.Error(err))
		} else {
			// Handshake failed structurally; a retry cannot change that.
			c.logger.Error("Upstream handshake failed", zap.Error(err))
		}
		break
	}

	c.state.Fail(lastErr)
	return fmt.Errorf("%w: %w", ErrConnectFailed, lastErr)
}

// dial creates the transport, starts the session, and runs the MCP
// initialize handshake. The session is installed only after the handshake
// succeeds.
func (c *Client) dial(ctx context.Context, token *credstore.TokenSet) error {
	var opts []transport.StreamableHTTPCOption
	if token != nil {
		opts = append(opts, transport.WithHTTPHeaders(map[string]string{
			"Authorization": token.TokenType + " " + token.AccessToken,
		}))
	}

	httpTransport, err := transport.NewStreamableHTTP(c.cfg.MCPEndpoint(), opts...)
	if err != nil {
		return fmt.Errorf("failed to create HTTP transport: %w", err)
	}

	session := mcpclient.NewClient(httpTransport)
	if err := session.Start(ctx); err != nil {
		return err
	}

	session.OnNotification(func(notification mcp.JSONRPCNotification) {
		c.notifyMu.RLock()
		handler := c.onNotify
		c.notifyMu.RUnlock()
		if handler != nil {
			handler(notification)
		}
	})

	initCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "pulsebridge",
		Version: "1.0.0",
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := session.Initialize(initCtx, initRequest)
	if err != nil {
		session.Close()
		return fmt.Errorf("MCP initialize failed: %w", err)
	}

	c.mu.Lock()
	c.mcp = session
	c.serverInfo = serverInfo
	c.mu.Unlock()
	c.state.SetServerInfo(serverInfo.ServerInfo.Name, serverInfo.ServerInfo.Version)

	c.logger.Info("Upstream MCP session established",
		zap.String("server_name", serverInfo.ServerInfo.Name),
		zap.String("server_version", serverInfo.ServerInfo.Version),
		zap.Bool("authenticated", token != nil))
	return nil
}

func (c *Client) markConnected(authenticated bool) {
	if authenticated {
		c.catalog.dropUnauthenticated()
		c.state.Transition(StateConnectedAuthenticated)
	} else {
		c.state.Transition(StateConnectedUnauthenticated)
	}
}

func (c *Client) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mcp != nil {
		c.mcp.Close()
		c.mcp = nil
	}
	c.serverInfo = nil
}

// session returns the live MCP client, or nil.
func (c *Client) session() *mcpclient.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mcp
}

// Ping checks upstream liveness over the current session.
func (c *Client) Ping(ctx context.Context) error {
	session := c.session()
	if session == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	return session.Ping(ctx)
}

// CachedCatalog returns the last fetched tool catalog, or nil.
func (c *Client) CachedCatalog() *ToolCatalogSnapshot {
	return c.catalog.get()
}

// ListTools fetches the upstream tool catalog, refreshing the cached
// snapshot. When disconnected it returns the cached snapshot alongside
// ErrNotConnected so the caller can still serve stale data.
func (c *Client) ListTools(ctx context.Context) (*ToolCatalogSnapshot, error) {
	session := c.session()
	if session == nil {
		return c.catalog.get(), ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	result, err := session.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return c.catalog.get(), fmt.Errorf("tools/list failed: %w", err)
	}

	snap := &ToolCatalogSnapshot{
		Tools:         result.Tools,
		FetchedAt:     time.Now(),
		Authenticated: c.state.State() == StateConnectedAuthenticated,
	}
	c.catalog.set(snap)

	c.logger.Debug("Upstream tool catalog refreshed",
		zap.Int("tool_count", len(snap.Tools)),
		zap.Bool("authenticated", snap.Authenticated))
	return snap, nil
}

// CallTool forwards one tool call to the upstream server. A missing
// credential triggers exactly one authentication before the call is
// forwarded, a missing connection is established lazily, and a credential
// rejection mid-call gets exactly one refresh-and-retry. The host never
// sees a separate login step.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if c.auth.Tokens() == nil {
		if err := c.auth.Authorize(ctx); err != nil {
			return nil, err
		}
		// The bearer header is fixed at transport creation, so any
		// session dialed without the fresh token must be rebuilt.
		connectCtx, cancel := context.WithTimeout(ctx, c.cfg.CallConnectTimeout)
		err := c.Reconnect(connectCtx)
		cancel()
		if err != nil {
			return nil, err
		}
	} else if c.session() == nil {
		connectCtx, cancel := context.WithTimeout(ctx, c.cfg.CallConnectTimeout)
		err := c.Connect(connectCtx)
		cancel()
		if err != nil {
			return nil, err
		}
	}

	result, err := c.callTool(ctx, name, args)
	if err == nil || !isAuthError(err) {
		return result, err
	}

	c.logger.Info("Tool call rejected as unauthorized - refreshing token and retrying once",
		zap.String("tool", name))
	if rerr := c.refreshAndReconnect(ctx); rerr != nil {
		return nil, fmt.Errorf("tool call unauthorized and re-authentication failed: %w", rerr)
	}
	return c.callTool(ctx, name, args)
}

func (c *Client) callTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	session := c.session()
	if session == nil {
		return nil, ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallToolTimeout)
	defer cancel()

	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args

	return session.CallTool(ctx, request)
}

// refreshAndReconnect refreshes the bridge token and rebuilds the session,
// since the bearer header is fixed at transport creation.
func (c *Client) refreshAndReconnect(ctx context.Context) error {
	if err := c.auth.Refresh(ctx); err != nil {
		_ = c.auth.Invalidate()
		return err
	}

	c.Disconnect()

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.CallConnectTimeout)
	defer cancel()
	return c.Connect(connectCtx)
}

// Reconnect tears the session down and dials again, picking up whatever
// credentials are now stored. Used after the bridge completes a fresh
// authorization.
func (c *Client) Reconnect(ctx context.Context) error {
	c.Disconnect()
	return c.Connect(ctx)
}

// ServerInfo returns the initialize result of the current session, or nil.
func (c *Client) ServerInfo() *mcp.InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Disconnect closes the session and returns to the Disconnected state.
func (c *Client) Disconnect() {
	c.teardown()
	c.state.Transition(StateDisconnected)
}
