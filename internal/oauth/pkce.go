package oauth

import (
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
)

// PKCEChallenge holds the ephemeral parameters of one authorization
// attempt. It exists only for the duration of the attempt and is never
// persisted.
type PKCEChallenge struct {
	State         string
	CodeVerifier  string
	CodeChallenge string
}

// NewPKCEChallenge generates a fresh S256 verifier/challenge pair plus a
// random state parameter.
func NewPKCEChallenge() (*PKCEChallenge, error) {
	verifier, err := mcpclient.GenerateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("generate code verifier: %w", err)
	}

	state, err := mcpclient.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}

	return &PKCEChallenge{
		State:         state,
		CodeVerifier:  verifier,
		CodeChallenge: mcpclient.GenerateCodeChallenge(verifier),
	}, nil
}
