package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const tokenAccount = "api_token"

// GetAPIToken returns the bearer token protecting the local HTTP API,
// generating and storing a fresh one on first use.
func GetAPIToken() (string, error) {
	if out, err := keychainExec(secretService, tokenAccount); err == nil {
		if token := strings.TrimSpace(string(out)); token != "" {
			return token, nil
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	token := hex.EncodeToString(buf)

	if err := keychainStore(secretService, tokenAccount, token); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return token, nil
}
