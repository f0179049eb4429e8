package upstream

import (
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// ToolCatalogSnapshot is the last tool list fetched from the upstream
// server, together with the authentication level it was fetched under. An
// unauthenticated snapshot shows only the server's public surface and must
// not survive authentication.
type ToolCatalogSnapshot struct {
	Tools         []mcp.Tool
	FetchedAt     time.Time
	Authenticated bool
}

type catalogCache struct {
	mu   sync.RWMutex
	snap *ToolCatalogSnapshot
}

func (cc *catalogCache) get() *ToolCatalogSnapshot {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.snap
}

func (cc *catalogCache) set(snap *ToolCatalogSnapshot) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.snap = snap
}

// dropUnauthenticated clears the snapshot if it was fetched without
// credentials, forcing a refetch now that the session is authenticated.
func (cc *catalogCache) dropUnauthenticated() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.snap != nil && !cc.snap.Authenticated {
		cc.snap = nil
	}
}
