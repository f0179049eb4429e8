package upstream

import (
	"sync"
	"time"
)

// ConnectionState represents the state of the upstream connection.
type ConnectionState int

const (
	// StateDisconnected indicates no connection exists.
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates a connection attempt is in flight.
	StateConnecting
	// StateConnectedUnauthenticated indicates an MCP session exists but the
	// bridge holds no usable token; only the server's public surface is
	// reachable.
	StateConnectedUnauthenticated
	// StateConnectedAuthenticated indicates a fully authenticated MCP session.
	StateConnectedAuthenticated
	// StateFailed indicates the last connection attempt gave up.
	StateFailed
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnectedUnauthenticated:
		return "Connected (unauthenticated)"
	case StateConnectedAuthenticated:
		return "Connected (authenticated)"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Connected reports whether the state carries a live MCP session.
func (s ConnectionState) Connected() bool {
	return s == StateConnectedUnauthenticated || s == StateConnectedAuthenticated
}

// ConnectionInfo holds a point-in-time view of the connection.
type ConnectionInfo struct {
	State         ConnectionState `json:"state"`
	LastError     error           `json:"last_error,omitempty"`
	Attempts      int             `json:"attempts"`
	LastAttempt   time.Time       `json:"last_attempt,omitempty"`
	ServerName    string          `json:"server_name,omitempty"`
	ServerVersion string          `json:"server_version,omitempty"`
}

// StateManager serializes state transitions for the upstream connection.
type StateManager struct {
	mu            sync.RWMutex
	state         ConnectionState
	lastError     error
	attempts      int
	lastAttempt   time.Time
	serverName    string
	serverVersion string

	onChange func(old, new ConnectionState)
}

// NewStateManager creates a state manager in the Disconnected state.
func NewStateManager() *StateManager {
	return &StateManager{state: StateDisconnected}
}

// OnChange registers a callback invoked on every transition. The callback
// runs outside the manager's lock.
func (sm *StateManager) OnChange(callback func(old, new ConnectionState)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onChange = callback
}

// State returns the current connection state.
func (sm *StateManager) State() ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Info returns detailed connection information.
func (sm *StateManager) Info() ConnectionInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return ConnectionInfo{
		State:         sm.state,
		LastError:     sm.lastError,
		Attempts:      sm.attempts,
		LastAttempt:   sm.lastAttempt,
		ServerName:    sm.serverName,
		ServerVersion: sm.serverVersion,
	}
}

// Transition moves to a new state, clearing any previous error when the new
// state is not Failed.
func (sm *StateManager) Transition(to ConnectionState) {
	sm.transition(to, nil)
}

// Fail moves to the Failed state recording the cause.
func (sm *StateManager) Fail(cause error) {
	sm.transition(StateFailed, cause)
}

func (sm *StateManager) transition(to ConnectionState, cause error) {
	sm.mu.Lock()
	from := sm.state
	sm.state = to
	sm.lastError = cause
	if to.Connected() {
		sm.attempts = 0
	}
	callback := sm.onChange
	sm.mu.Unlock()

	if callback != nil && from != to {
		callback(from, to)
	}
}

// RecordAttempt counts one connection attempt.
func (sm *StateManager) RecordAttempt() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.attempts++
	sm.lastAttempt = time.Now()
	return sm.attempts
}

// SetServerInfo stores the identity the server reported during initialize.
func (sm *StateManager) SetServerInfo(name, version string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.serverName = name
	sm.serverVersion = version
}

// LastError returns the error recorded by the most recent Fail.
func (sm *StateManager) LastError() error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastError
}
