package oauth

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"runtime"

	"golang.org/x/term"

	"github.com/pulse-fitness/pulsebridge-go/internal/credstore"
)

const (
	osWindows = "windows"
	osDarwin  = "darwin"
	osLinux   = "linux"
)

// OpenBrowser launches the system browser at authURL. Exported for the
// provider connect flow, which opens the server's provider consent page.
func OpenBrowser(authURL string) error {
	return openBrowser(authURL)
}

// openBrowser launches the system browser at authURL through a direct
// process call. Server-supplied strings never pass through a shell, and
// only http/https URLs are accepted.
func openBrowser(authURL string) error {
	u, err := url.Parse(authURL)
	if err != nil {
		return fmt.Errorf("invalid authorization URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w, got %q", ErrUnsupportedScheme, u.Scheme)
	}

	var cmd string
	var args []string

	switch runtime.GOOS {
	case osWindows:
		cmd = "rundll32"
		args = []string{"url.dll,FileProtocolHandler", authURL}
	case osDarwin:
		cmd = "open"
		args = []string{authURL}
	case osLinux:
		if _, err := exec.LookPath("xdg-open"); err != nil {
			return fmt.Errorf("xdg-open not found in PATH: %w", err)
		}
		cmd = "xdg-open"
		args = []string{authURL}
	default:
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	return exec.Command(cmd, args...).Start()
}

// interactiveSession reports whether a human can plausibly complete a
// browser flow. Stdin/stdout carry the MCP channel and are always pipes,
// so the controlling-terminal check looks at stderr.
func interactiveSession() bool {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return true
	}
	// A host-launched bridge has no TTY anywhere, yet its user has a
	// browser. Only a recognized automation harness rules that out.
	return !credstore.AutomatedEnvironment()
}
