package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/vault/api"
)

// VaultClient provides a client wrapper for interacting with HashiCorp Vault
// to securely fetch secrets at a configured Vault path.
type VaultClient struct {
	client     *api.Client            // Vault API client instance
	path       string                 // Vault secret path to read from
	secretData map[string]interface{} // Cached secrets data read from Vault
}

// NewVaultClient initializes a new VaultClient using environment variables:
// VAULT_ADDR, VAULT_TOKEN, VAULT_PATH. It authenticates with Vault and fetches
// secrets from the given Vault path.
//
// Returns an error if any required environment variable is missing or
// Vault client initialization/fetching fails.
func NewVaultClient() (*VaultClient, error) {
	vaultAddr := os.Getenv("VAULT_ADDR")
	vaultToken := os.Getenv("VAULT_TOKEN")
	vaultPath := os.Getenv("VAULT_PATH")

	if vaultAddr == "" {
		return nil, fmt.Errorf("VAULT_ADDR environment variable is not set")
	}
	if vaultToken == "" {
		return nil, fmt.Errorf("VAULT_TOKEN environment variable is not set")
	}
	if vaultPath == "" {
		return nil, fmt.Errorf("VAULT_PATH environment variable is not set")
	}

	client, err := api.NewClient(&api.Config{Address: vaultAddr})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Vault client: %w", err)
	}
	client.SetToken(vaultToken)

	vaultClient := &VaultClient{
		client: client,
		path:   vaultPath,
	}

	if err := vaultClient.fetchSecrets(); err != nil {
		return nil, fmt.Errorf("failed to fetch secrets from Vault: %w", err)
	}

	return vaultClient, nil
}

// fetchSecrets reads secrets from Vault at the configured path and caches them.
// Both KV v2 (nested under "data") and KV v1 layouts are accepted.
func (v *VaultClient) fetchSecrets() error {
	secret, err := v.client.Logical().Read(v.path)
	if err != nil {
		return err
	}
	if secret == nil || secret.Data == nil {
		return fmt.Errorf("no secrets found at path: %s", v.path)
	}
	v.secretData = secret.Data
	if data, ok := secret.Data["data"].(map[string]interface{}); ok {
		v.secretData = data
	}
	return nil
}

// GetSecret retrieves a secret value by key from the cached Vault secrets.
// Returns empty string if key not found or not a string.
func (v *VaultClient) GetSecret(key string) string {
	if value, ok := v.secretData[key].(string); ok {
		return value
	}
	return ""
}

// Secrets returns every string secret keyed by its environment variable name.
func (v *VaultClient) Secrets() map[string]string {
	secrets := make(map[string]string, len(v.secretData))
	for key := range v.secretData {
		if value := v.GetSecret(key); value != "" {
			secrets[key] = value
		}
	}
	return secrets
}
