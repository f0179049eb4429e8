// Package server exposes the bridge as an MCP stdio server to the host:
// bridge-owned tools, the mirrored upstream tool catalog, and the relay of
// upstream notifications.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/pulse-fitness/pulsebridge-go/internal/config"
	"github.com/pulse-fitness/pulsebridge-go/internal/logs"
	"github.com/pulse-fitness/pulsebridge-go/internal/oauth"
	"github.com/pulse-fitness/pulsebridge-go/internal/provider"
	"github.com/pulse-fitness/pulsebridge-go/internal/upstream"
)

const (
	serverName    = "pulsebridge"
	serverVersion = "1.0.0"

	toolConnectToPulse      = "connect_to_pulse"
	toolConnectProvider     = "connect_provider"
	toolGetConnectionStatus = "get_connection_status"
)

// bridgeTools are always present regardless of the upstream connection, so
// tools/list is never empty and the host can always start a connect flow.
var bridgeTools = map[string]bool{
	toolConnectToPulse:      true,
	toolConnectProvider:     true,
	toolGetConnectionStatus: true,
}

// Bridge is the MCP stdio server facing the host.
type Bridge struct {
	cfg       *config.Config
	logger    *logs.Logger
	auth      *oauth.Manager
	up        *upstream.Client
	connector *provider.Connector
	mcp       *mcpserver.MCPServer

	catalogMu sync.Mutex
	published map[string]bool
}

// New assembles the bridge MCP server and registers the bridge-owned tools.
func New(cfg *config.Config, logger *logs.Logger, auth *oauth.Manager, up *upstream.Client, connector *provider.Connector) *Bridge {
	b := &Bridge{
		cfg:       cfg,
		logger:    logger,
		auth:      auth,
		up:        up,
		connector: connector,
		published: make(map[string]bool),
	}

	hooks := &mcpserver.Hooks{}
	hooks.AddBeforeListTools(func(ctx context.Context, _ any, _ *mcp.ListToolsRequest) {
		b.awaitFirstConnect(ctx)
		b.syncCatalog(ctx)
	})
	hooks.AddAfterSetLevel(func(_ context.Context, _ any, message *mcp.SetLevelRequest, _ *mcp.EmptyResult) {
		if err := b.logger.SetLevel(string(message.Params.Level)); err != nil {
			b.logger.Warn("Ignoring unknown log level from host",
				zap.String("level", string(message.Params.Level)))
		}
	})

	// Resource and prompt capabilities are advertised even though the
	// bridge registers none: hosts may probe those methods and must get
	// empty lists, not method-not-found errors.
	b.mcp = mcpserver.NewMCPServer(
		serverName,
		serverVersion,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
		mcpserver.WithHooks(hooks),
	)

	b.registerBridgeTools()
	return b
}

// MCPServer exposes the underlying server, mainly for tests.
func (b *Bridge) MCPServer() *mcpserver.MCPServer { return b.mcp }

// Serve runs the stdio session until the host disconnects or ctx is
// cancelled. Stdin passes through the batch guard; all logging stays on
// stderr and the log file.
func (b *Bridge) Serve(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	b.up.OnNotification(b.handleUpstreamNotification)

	stdio := mcpserver.NewStdioServer(b.mcp)
	stdio.SetErrorLogger(zap.NewStdLog(b.logger.Logger))

	guarded := NewBatchGuard(stdin, b.logger.Logger)
	err := stdio.Listen(ctx, guarded, stdout)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("stdio session ended: %w", err)
	}
	return nil
}

func (b *Bridge) registerBridgeTools() {
	connectTool := mcp.NewTool(toolConnectToPulse,
		mcp.WithDescription("Connect and authenticate this bridge with the Pulse fitness server. "+
			"Run this when other tools report that authentication is required."),
	)
	b.mcp.AddTool(connectTool, b.handleConnectToPulse)

	providerTool := mcp.NewTool(toolConnectProvider,
		mcp.WithDescription("Connect a fitness data provider (Strava or Fitbit) to your Pulse account. "+
			"Opens the provider's consent page in your browser and waits for confirmation."),
		mcp.WithString("provider",
			mcp.Required(),
			mcp.Description("Provider to connect"),
			mcp.Enum(provider.Supported()...),
		),
	)
	b.mcp.AddTool(providerTool, b.handleConnectProvider)

	statusTool := mcp.NewTool(toolGetConnectionStatus,
		mcp.WithDescription("Show the bridge's connection to the Pulse server and the "+
			"connection status of each fitness provider."),
	)
	b.mcp.AddTool(statusTool, b.handleGetConnectionStatus)
}

// awaitFirstConnect gives the proactive startup connection a bounded head
// start so the first tools/list already carries the upstream catalog.
func (b *Bridge) awaitFirstConnect(ctx context.Context) {
	select {
	case <-b.up.FirstAttemptDone():
	case <-time.After(b.cfg.ListToolsWait):
	case <-ctx.Done():
	}
}

// syncCatalog mirrors the upstream tool catalog into the bridge's tool
// list. Bridge-owned tool names always win over upstream tools of the same
// name.
func (b *Bridge) syncCatalog(ctx context.Context) {
	snap, err := b.up.ListTools(ctx)
	if err != nil {
		if !errors.Is(err, upstream.ErrNotConnected) {
			b.logger.Warn("Upstream catalog refresh failed", zap.Error(err))
		}
		if snap == nil {
			return
		}
	}

	desired := make(map[string]mcp.Tool, len(snap.Tools))
	for _, tool := range snap.Tools {
		if bridgeTools[tool.Name] {
			continue
		}
		desired[tool.Name] = tool
	}

	b.catalogMu.Lock()
	defer b.catalogMu.Unlock()

	var stale []string
	for name := range b.published {
		if _, ok := desired[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		b.mcp.DeleteTools(stale...)
		for _, name := range stale {
			delete(b.published, name)
		}
	}

	added := 0
	for name, tool := range desired {
		if b.published[name] {
			continue
		}
		b.mcp.AddTool(tool, b.forwardHandler(name))
		b.published[name] = true
		added++
	}

	if added > 0 || len(stale) > 0 {
		b.logger.Info("Upstream tool catalog synced",
			zap.Int("published", len(b.published)),
			zap.Int("added", added),
			zap.Int("removed", len(stale)))
	}
}

// forwardHandler returns the handler that forwards one upstream tool call.
// Upstream failures surface as tool errors, never as protocol errors.
func (b *Bridge) forwardHandler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := b.up.CallTool(ctx, name, request.GetArguments())
		if err == nil {
			return result, nil
		}

		if errors.Is(err, oauth.ErrNonInteractive) || errors.Is(err, oauth.ErrNoToken) {
			return mcp.NewToolResultError(fmt.Sprintf(
				"%s requires authentication: %v. Run the %s tool first.",
				name, err, toolConnectToPulse)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", name, err)), nil
	}
}

func (b *Bridge) handleConnectToPulse(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if b.up.State().State() == upstream.StateConnectedAuthenticated {
		return mcp.NewToolResultText("Already connected and authenticated with the Pulse server."), nil
	}

	if err := b.auth.Authorize(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Authentication failed: %v", err)), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, b.cfg.CallConnectTimeout)
	defer cancel()
	if err := b.up.Reconnect(connectCtx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(
			"Authenticated, but connecting to the Pulse server failed: %v", err)), nil
	}

	info := b.up.State().Info()
	return mcp.NewToolResultText(fmt.Sprintf(
		"Connected to %s %s. Fitness tools are now available; use %s to link Strava or Fitbit.",
		info.ServerName, info.ServerVersion, toolConnectProvider)), nil
}

func (b *Bridge) handleConnectProvider(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("provider")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err = provider.Normalize(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := b.ensureAuthenticated(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(
			"Cannot connect %s before the bridge is authenticated: %v", name, err)), nil
	}

	event, err := b.connector.Connect(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Connecting %s failed: %v", name, err)), nil
	}
	if !event.Success {
		message := event.Message
		if message == "" {
			message = "the provider reported a failure"
		}
		return mcp.NewToolResultError(fmt.Sprintf("Connecting %s failed: %s", name, message)), nil
	}

	message := event.Message
	if message == "" {
		message = fmt.Sprintf("%s connected successfully", name)
	}
	return mcp.NewToolResultText(message), nil
}

func (b *Bridge) handleGetConnectionStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info := b.up.State().Info()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Bridge: %s", info.State)
	if info.ServerName != "" {
		fmt.Fprintf(&sb, " (%s %s)", info.ServerName, info.ServerVersion)
	}
	if info.LastError != nil {
		fmt.Fprintf(&sb, "; last error: %v", info.LastError)
	}

	if info.State == upstream.StateConnectedAuthenticated {
		for _, name := range provider.Supported() {
			connected, _, err := b.connector.Status(ctx, name)
			if err != nil {
				fmt.Fprintf(&sb, "\n%s: status unavailable (%v)", name, err)
				continue
			}
			if connected {
				fmt.Fprintf(&sb, "\n%s: connected", name)
			} else {
				fmt.Fprintf(&sb, "\n%s: not connected (use %s)", name, toolConnectProvider)
			}
		}
	} else {
		fmt.Fprintf(&sb, "\nRun %s to authenticate with the Pulse server.", toolConnectToPulse)
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// ensureAuthenticated brings the upstream session to the authenticated
// state, running the bridge OAuth flow if needed.
func (b *Bridge) ensureAuthenticated(ctx context.Context) error {
	if b.up.State().State() == upstream.StateConnectedAuthenticated {
		return nil
	}
	if err := b.auth.Authorize(ctx); err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, b.cfg.CallConnectTimeout)
	defer cancel()
	return b.up.Reconnect(connectCtx)
}
