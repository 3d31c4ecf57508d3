package main

import (
	"CodexLane/internal/conf"
	"CodexLane/pkg/crypto"
	"CodexLane/pkg/openai"
)

// newTokenCryptor loads (or creates) the AES key file and builds the cryptor.
func newTokenCryptor(auth *conf.Auth) (*crypto.TokenCryptor, error) {
	key, err := crypto.LoadOrCreateKey(auth.EncryptionKeyFile)
	if err != nil {
		return nil, err
	}
	return crypto.NewTokenCryptor(key)
}

// newUpstreamClient creates the shared upstream ChatGPT backend client.
func newUpstreamClient(c *conf.Balancer) (*openai.Client, error) {
	return openai.NewClient(c.UpstreamBaseURL, c.ProxyURL)
}
