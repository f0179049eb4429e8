package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/pulse-fitness/pulsebridge-go/internal/config"
	"github.com/pulse-fitness/pulsebridge-go/internal/credstore"
	"github.com/pulse-fitness/pulsebridge-go/internal/oauth"
)

// fakeUpstream is a minimal streamable HTTP MCP endpoint plus an OAuth
// token endpoint, both behind one base URL like the real server.
type fakeUpstream struct {
	*httptest.Server

	mu sync.Mutex
	// requireToken rejects every MCP request not carrying this bearer token.
	requireToken string
	// requireCallToken 401s tools/call (only) unless this bearer is present;
	// initialize stays open, like a server with a public surface.
	requireCallToken string
	// rejectCallToken 401s tools/call (only) for this bearer token.
	rejectCallToken string
	// initStatus overrides the initialize response status when non-zero.
	initStatus int
	// initDelay stalls the initialize response, simulating a slow handshake.
	initDelay time.Duration
	// tokenResponse is served by /oauth2/token when non-nil.
	tokenResponse map[string]any

	initCalls  int
	listCalls  int
	callCalls  int
	tokenCalls int
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", f.handleMCP)
	mux.HandleFunc("/oauth2/token", f.handleToken)

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeUpstream) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	method := gjson.GetBytes(body, "method").String()
	id := gjson.GetBytes(body, "id").Raw
	auth := r.Header.Get("Authorization")

	f.mu.Lock()
	requireToken := f.requireToken
	requireCallToken := f.requireCallToken
	rejectCallToken := f.rejectCallToken
	initStatus := f.initStatus
	initDelay := f.initDelay
	switch method {
	case "initialize":
		f.initCalls++
	case "tools/list":
		f.listCalls++
	case "tools/call":
		f.callCalls++
	}
	f.mu.Unlock()

	if requireToken != "" && auth != "Bearer "+requireToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch method {
	case "initialize":
		if initStatus != 0 {
			w.WriteHeader(initStatus)
			return
		}
		if initDelay > 0 {
			time.Sleep(initDelay)
		}
		proto := gjson.GetBytes(body, "params.protocolVersion").String()
		writeRPCResult(w, id, fmt.Sprintf(
			`{"protocolVersion":%q,"capabilities":{"tools":{"listChanged":true}},"serverInfo":{"name":"pulse-server","version":"0.9.0"}}`,
			proto))
	case "tools/list":
		writeRPCResult(w, id,
			`{"tools":[{"name":"get_activities","description":"List recent activities","inputSchema":{"type":"object"}}]}`)
	case "tools/call":
		if rejectCallToken != "" && auth == "Bearer "+rejectCallToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if requireCallToken != "" && auth != "Bearer "+requireCallToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeRPCResult(w, id, `{"content":[{"type":"text","text":"ok"}]}`)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (f *fakeUpstream) handleToken(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.tokenCalls++
	resp := f.tokenResponse
	f.mu.Unlock()

	if resp == nil {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeUpstream) counts() (inits, lists, calls, tokens int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls, f.listCalls, f.callCalls, f.tokenCalls
}

func writeRPCResult(w http.ResponseWriter, id, result string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, id, result)
}

func newTestClient(t *testing.T, serverURL string) (*Client, *credstore.Store, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.ServerURL = serverURL
	cfg.ConnectTimeout = 2 * time.Second
	cfg.CallConnectTimeout = 2 * time.Second
	cfg.CallToolTimeout = 2 * time.Second
	cfg.RetryBackoff = 10 * time.Millisecond
	cfg.MaxConnectAttempts = 3

	backend, err := credstore.NewEncryptedFileBackend(t.TempDir())
	require.NoError(t, err)
	store := credstore.NewWithBackend(backend, zap.NewNop())
	auth := oauth.NewManager(cfg, store, zap.NewNop())

	return NewClient(cfg, auth, zap.NewNop()), store, cfg
}

func TestConnectAuthenticated(t *testing.T) {
	fake := newFakeUpstream(t)
	fake.requireToken = "valid-at"

	c, store, _ := newTestClient(t, fake.URL)
	t.Cleanup(c.Disconnect)
	require.NoError(t, store.SaveBridgeToken(&credstore.TokenSet{
		AccessToken: "valid-at", TokenType: "Bearer", ExpiresIn: 3600,
	}))

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnectedAuthenticated, c.State().State())

	info := c.State().Info()
	assert.Equal(t, "pulse-server", info.ServerName)
	assert.Equal(t, "0.9.0", info.ServerVersion)

	// Idempotent while connected.
	require.NoError(t, c.Connect(context.Background()))
	inits, _, _, _ := fake.counts()
	assert.Equal(t, 1, inits)

	select {
	case <-c.FirstAttemptDone():
	default:
		t.Fatal("FirstAttemptDone not closed after Connect")
	}
}

func TestConnectUnauthenticated(t *testing.T) {
	t.Setenv("CI", "true") // no token and no browser: connect anonymously

	fake := newFakeUpstream(t)
	c, _, _ := newTestClient(t, fake.URL)
	t.Cleanup(c.Disconnect)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnectedUnauthenticated, c.State().State())
}

func TestConnectInvalidatesRejectedToken(t *testing.T) {
	t.Setenv("CI", "true")

	fake := newFakeUpstream(t)
	fake.requireToken = "good-at"
	fake.tokenResponse = map[string]any{
		"access_token": "good-at", "token_type": "Bearer", "expires_in": 3600,
	}

	c, store, cfg := newTestClient(t, fake.URL)
	t.Cleanup(c.Disconnect)
	cfg.ServiceAccountEmail = "svc@pulse.example"
	cfg.ServiceAccountPassword = "pw"

	require.NoError(t, store.SaveBridgeToken(&credstore.TokenSet{
		AccessToken: "stale-at", TokenType: "Bearer", ExpiresIn: 3600,
	}))

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnectedAuthenticated, c.State().State())
	_, _, _, tokens := fake.counts()
	assert.Equal(t, 1, tokens, "rejected token triggered one re-authorization")
	assert.Equal(t, "good-at", store.BridgeToken().AccessToken)
}

func TestConnectRetriesAreBounded(t *testing.T) {
	fake := newFakeUpstream(t)
	fake.requireToken = "never-matches"

	c, _, cfg := newTestClient(t, fake.URL)
	cfg.AuthToken = "wrong-at" // config tokens cannot be invalidated
	cfg.MaxConnectAttempts = 2

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, StateFailed, c.State().State())
	inits, _, _, _ := fake.counts()
	assert.Equal(t, 2, inits)
}

func TestConnectStructuralFailureNoRetry(t *testing.T) {
	fake := newFakeUpstream(t)
	fake.initStatus = http.StatusInternalServerError

	c, store, _ := newTestClient(t, fake.URL)
	require.NoError(t, store.SaveBridgeToken(&credstore.TokenSet{
		AccessToken: "at", TokenType: "Bearer", ExpiresIn: 3600,
	}))

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectFailed)
	inits, _, _, _ := fake.counts()
	assert.Equal(t, 1, inits, "handshake failures are not retried")
	assert.NotNil(t, store.BridgeToken(), "non-auth failures keep the credential")
}

func TestListToolsDoesNotBlockOnInflightConnect(t *testing.T) {
	fake := newFakeUpstream(t)
	fake.initDelay = 1 * time.Second

	c, store, _ := newTestClient(t, fake.URL)
	t.Cleanup(c.Disconnect)
	require.NoError(t, store.SaveBridgeToken(&credstore.TokenSet{
		AccessToken: "at", TokenType: "Bearer", ExpiresIn: 3600,
	}))

	connectDone := make(chan error, 1)
	go func() { connectDone <- c.Connect(context.Background()) }()

	// Let the handshake get in flight, then list: the cached (empty)
	// catalog must come back immediately, not after the handshake.
	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	snap, err := c.ListTools(context.Background())
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Nil(t, snap)
	assert.Less(t, elapsed, 500*time.Millisecond,
		"tools/list must not wait on the connect handshake")

	require.NoError(t, <-connectDone)
	assert.Equal(t, StateConnectedAuthenticated, c.State().State())
}

func TestConnectJoinerHonorsContext(t *testing.T) {
	fake := newFakeUpstream(t)
	fake.initDelay = 1 * time.Second

	c, store, _ := newTestClient(t, fake.URL)
	t.Cleanup(c.Disconnect)
	require.NoError(t, store.SaveBridgeToken(&credstore.TokenSet{
		AccessToken: "at", TokenType: "Bearer", ExpiresIn: 3600,
	}))

	leaderDone := make(chan error, 1)
	go func() { leaderDone <- c.Connect(context.Background()) }()
	time.Sleep(100 * time.Millisecond)

	joinCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.Connect(joinCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"a joining caller gives up with its own context")

	// The leader's attempt is unaffected.
	require.NoError(t, <-leaderDone)
	inits, _, _, _ := fake.counts()
	assert.Equal(t, 1, inits, "joiners share the in-flight attempt")
}

func TestListToolsCachesSnapshot(t *testing.T) {
	fake := newFakeUpstream(t)
	c, store, _ := newTestClient(t, fake.URL)
	t.Cleanup(c.Disconnect)
	require.NoError(t, store.SaveBridgeToken(&credstore.TokenSet{
		AccessToken: "at", TokenType: "Bearer", ExpiresIn: 3600,
	}))
	require.NoError(t, c.Connect(context.Background()))

	snap, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Tools, 1)
	assert.Equal(t, "get_activities", snap.Tools[0].Name)
	assert.True(t, snap.Authenticated)

	// Disconnected calls serve the stale snapshot alongside the error.
	c.Disconnect()
	stale, err := c.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	require.NotNil(t, stale)
	assert.Equal(t, snap.Tools, stale.Tools)
}

func TestCatalogDropsUnauthenticatedSnapshotOnAuth(t *testing.T) {
	var cc catalogCache
	cc.set(&ToolCatalogSnapshot{Authenticated: false})
	cc.dropUnauthenticated()
	assert.Nil(t, cc.get())

	cc.set(&ToolCatalogSnapshot{Authenticated: true})
	cc.dropUnauthenticated()
	assert.NotNil(t, cc.get())
}

func TestCallToolLazyConnect(t *testing.T) {
	fake := newFakeUpstream(t)
	c, store, _ := newTestClient(t, fake.URL)
	t.Cleanup(c.Disconnect)
	require.NoError(t, store.SaveBridgeToken(&credstore.TokenSet{
		AccessToken: "at", TokenType: "Bearer", ExpiresIn: 3600,
	}))

	result, err := c.CallTool(context.Background(), "get_activities", map[string]any{"limit": 5})
	require.NoError(t, err)
	require.NotNil(t, result)
	inits, _, calls, _ := fake.counts()
	assert.Equal(t, 1, inits, "call established the connection lazily")
	assert.Equal(t, 1, calls)
}

func TestCallToolAuthenticatesBeforeForwarding(t *testing.T) {
	// The server accepts an anonymous initialize but 401s tool calls, so a
	// bridge without a credential must authenticate before forwarding
	// instead of bouncing the host to a separate login step.
	fake := newFakeUpstream(t)
	fake.requireCallToken = "svc-at"
	fake.tokenResponse = map[string]any{
		"access_token": "svc-at", "token_type": "Bearer", "expires_in": 3600,
	}

	c, store, cfg := newTestClient(t, fake.URL)
	t.Cleanup(c.Disconnect)
	cfg.ServiceAccountEmail = "svc@pulse.example"
	cfg.ServiceAccountPassword = "pw"

	result, err := c.CallTool(context.Background(), "get_activities", nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	_, _, calls, tokens := fake.counts()
	assert.Equal(t, 1, tokens, "exactly one authentication attempt before forwarding")
	assert.Equal(t, 1, calls, "the call is forwarded already authenticated")
	assert.Equal(t, "svc-at", store.BridgeToken().AccessToken)
	assert.Equal(t, StateConnectedAuthenticated, c.State().State())
}

func TestCallToolAuthFailureSurfacesWithoutForwarding(t *testing.T) {
	t.Setenv("CI", "true") // no credential and no way to get one

	fake := newFakeUpstream(t)
	fake.requireCallToken = "svc-at"

	c, _, _ := newTestClient(t, fake.URL)
	t.Cleanup(c.Disconnect)

	_, err := c.CallTool(context.Background(), "get_activities", nil)
	require.ErrorIs(t, err, oauth.ErrNonInteractive)
	_, _, calls, _ := fake.counts()
	assert.Zero(t, calls, "nothing is forwarded without a credential")
}

func TestCallToolRefreshesOnceOnUnauthorized(t *testing.T) {
	fake := newFakeUpstream(t)
	fake.rejectCallToken = "stale-at"
	fake.tokenResponse = map[string]any{
		"access_token": "fresh-at", "token_type": "Bearer",
		"expires_in": 3600, "refresh_token": "good-rt",
	}

	c, store, cfg := newTestClient(t, fake.URL)
	t.Cleanup(c.Disconnect)
	cfg.ClientID = "cid"
	require.NoError(t, store.SaveBridgeToken(&credstore.TokenSet{
		AccessToken: "stale-at", TokenType: "Bearer",
		ExpiresIn: 3600, RefreshToken: "good-rt",
	}))
	require.NoError(t, c.Connect(context.Background()))

	result, err := c.CallTool(context.Background(), "get_activities", nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	_, _, calls, tokens := fake.counts()
	assert.Equal(t, 1, tokens, "exactly one refresh")
	assert.Equal(t, 2, calls, "exactly one retry")
	assert.Equal(t, "fresh-at", store.BridgeToken().AccessToken)
}

func TestCallToolRefreshFailureSurfacesError(t *testing.T) {
	fake := newFakeUpstream(t)
	fake.rejectCallToken = "stale-at"
	// tokenResponse nil: refresh is rejected

	c, store, cfg := newTestClient(t, fake.URL)
	t.Cleanup(c.Disconnect)
	cfg.ClientID = "cid"
	require.NoError(t, store.SaveBridgeToken(&credstore.TokenSet{
		AccessToken: "stale-at", TokenType: "Bearer",
		ExpiresIn: 3600, RefreshToken: "good-rt",
	}))
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.CallTool(context.Background(), "get_activities", nil)
	require.Error(t, err)
	assert.Nil(t, store.BridgeToken(), "failed refresh invalidates the credential")
}
