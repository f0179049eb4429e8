package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const callbackPath = "/oauth/callback"

// CallbackServer is the ephemeral local HTTP listener that receives the
// authorization-code redirect. It delivers exactly one set of callback
// parameters; the redirect wait is a single awaitable operation with an
// explicit timeout, like every other network operation in the bridge.
type CallbackServer struct {
	Port        int
	RedirectURI string

	server *http.Server
	params chan map[string]string
	once   sync.Once
	logger *zap.Logger
}

// StartCallbackServer binds 127.0.0.1:port (port 0 picks a free port) and
// begins serving the OAuth redirect endpoint.
func StartCallbackServer(port int, logger *zap.Logger) (*CallbackServer, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind OAuth callback listener: %w", err)
	}

	boundPort := listener.Addr().(*net.TCPAddr).Port
	cs := &CallbackServer{
		Port:        boundPort,
		RedirectURI: fmt.Sprintf("http://127.0.0.1:%d%s", boundPort, callbackPath),
		params:      make(chan map[string]string, 1),
		logger:      logger.Named("oauth-callback"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, cs.handleCallback)
	cs.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := cs.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			cs.logger.Warn("OAuth callback server stopped unexpectedly", zap.Error(err))
		}
	}()

	cs.logger.Debug("OAuth callback server started",
		zap.Int("port", boundPort),
		zap.String("redirect_uri", cs.RedirectURI))

	return cs, nil
}

func (cs *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	received := make(map[string]string, len(query))
	for key := range query {
		received[key] = query.Get(key)
	}

	delivered := false
	cs.once.Do(func() {
		cs.params <- received
		delivered = true
	})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if !delivered {
		http.Error(w, "authorization already completed", http.StatusGone)
		return
	}
	if received["error"] != "" {
		fmt.Fprint(w, "<html><body><h2>Authorization failed</h2><p>You can close this window and return to your assistant.</p></body></html>")
		return
	}
	fmt.Fprint(w, "<html><body><h2>Authorization complete</h2><p>You can close this window and return to your assistant.</p></body></html>")
}

// Wait blocks until the redirect arrives, the timeout lapses, or ctx is
// cancelled.
func (cs *CallbackServer) Wait(ctx context.Context, timeout time.Duration) (map[string]string, error) {
	select {
	case params := <-cs.params:
		return params, nil
	case <-time.After(timeout):
		return nil, ErrFlowTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the listener down. Safe to call after Wait returns.
func (cs *CallbackServer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = cs.server.Shutdown(ctx)
}
