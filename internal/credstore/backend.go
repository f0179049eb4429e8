package credstore

import "os"

// Backend is a storage strategy for opaque credential blobs. Load reports
// found=false for a missing key; only genuine backend failures are errors.
type Backend interface {
	Name() string
	Load(key string) (data []byte, found bool, err error)
	Save(key string, data []byte) error
	Delete(key string) error
}

// automationEnvVars mark environments where keyring services are typically
// unavailable (no session bus, no user keychain) and where an interactive
// browser flow must never be started.
var automationEnvVars = []string{
	"CI",
	"GITHUB_ACTIONS",
	"GITLAB_CI",
	"JENKINS_URL",
	"BUILDKITE",
	"TF_BUILD",
}

// AutomatedEnvironment reports whether the process is running under a
// recognized CI/automation harness.
func AutomatedEnvironment() bool {
	for _, name := range automationEnvVars {
		if os.Getenv(name) != "" {
			return true
		}
	}
	return false
}
