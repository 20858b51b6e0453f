/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	vaultHTTPTimeout = 30 * time.Second
	vaultTokenHeader = "X-Vault-Token"
	vaultAlgorithm   = "AES-256-GCM+VAULT-TRANSIT"
)

// vaultTransitClient abstracts the Vault Transit operations for testability.
type vaultTransitClient interface {
	EnsureKey(ctx context.Context, keyName string) error
	Encrypt(ctx context.Context, keyName string, plaintext []byte) (string, error)
	Decrypt(ctx context.Context, keyName, ciphertext string) ([]byte, error)
}

// VaultBackend wraps DEKs with HashiCorp Vault's transit engine. Each tenant
// gets its own transit key, created lazily on first wrap.
type VaultBackend struct {
	client vaultTransitClient
	mount  string
}

// NewVaultBackend creates a transit backend against the given Vault address.
func NewVaultBackend(addr, token, mount string) (*VaultBackend, error) {
	if addr == "" {
		return nil, fmt.Errorf("kms: vault URL is required")
	}
	if token == "" {
		return nil, fmt.Errorf("kms: vault token is required")
	}
	if mount == "" {
		mount = "transit"
	}
	client := &vaultHTTPClient{
		httpClient: &http.Client{Timeout: vaultHTTPTimeout},
		addr:       strings.TrimRight(addr, "/"),
		token:      token,
		mount:      mount,
	}
	return &VaultBackend{client: client, mount: mount}, nil
}

// Wrap encrypts dek under the tenant's transit key, creating the key first if
// it does not exist. The opaque vault:v1:... ciphertext is stored as the
// wrapped form.
func (b *VaultBackend) Wrap(ctx context.Context, keyName string, dek []byte) ([]byte, string, string, error) {
	if err := b.client.EnsureKey(ctx, keyName); err != nil {
		return nil, "", "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	ciphertext, err := b.client.Encrypt(ctx, keyName, dek)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %v", ErrWrapFailed, err)
	}
	return []byte(ciphertext), b.mount + "/" + keyName, vaultAlgorithm, nil
}

// Unwrap decrypts a transit ciphertext back into the DEK.
func (b *VaultBackend) Unwrap(ctx context.Context, keyName string, wrapped []byte) ([]byte, error) {
	dek, err := b.client.Decrypt(ctx, keyName, string(wrapped))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrapFailed, err)
	}
	return dek, nil
}

// Name identifies the backend.
func (b *VaultBackend) Name() string { return "vault" }

// Close is a no-op; the HTTP client holds no persistent connections worth
// tearing down explicitly.
func (b *VaultBackend) Close() error { return nil }

// vaultHTTPClient is the real HTTP implementation of vaultTransitClient.
type vaultHTTPClient struct {
	httpClient *http.Client
	addr       string
	token      string
	mount      string
}

// vaultAPIResponse is the generic Vault API JSON response wrapper.
type vaultAPIResponse struct {
	Data json.RawMessage `json:"data"`
}

// vaultEncryptData is the data field from the encrypt endpoint.
type vaultEncryptData struct {
	Ciphertext string `json:"ciphertext"`
}

// vaultDecryptData is the data field from the decrypt endpoint.
type vaultDecryptData struct {
	Plaintext string `json:"plaintext"`
}

func (c *vaultHTTPClient) EnsureKey(ctx context.Context, keyName string) error {
	url := fmt.Sprintf("%s/v1/%s/keys/%s", c.addr, c.mount, keyName)
	// Creating an existing key is a no-op in Vault.
	_, err := c.doRequest(ctx, http.MethodPost, url, []byte(`{"type":"aes256-gcm96"}`))
	if err != nil {
		return fmt.Errorf("vault create key request failed: %w", err)
	}
	return nil
}

func (c *vaultHTTPClient) Encrypt(ctx context.Context, keyName string, plaintext []byte) (string, error) {
	url := fmt.Sprintf("%s/v1/%s/encrypt/%s", c.addr, c.mount, keyName)

	reqBody, err := json.Marshal(map[string]string{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return "", fmt.Errorf("vault encrypt: failed to marshal request: %w", err)
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, url, reqBody)
	if err != nil {
		return "", fmt.Errorf("vault encrypt request failed: %w", err)
	}

	var apiResp vaultAPIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("vault encrypt: invalid response JSON: %w", err)
	}
	var data vaultEncryptData
	if err := json.Unmarshal(apiResp.Data, &data); err != nil {
		return "", fmt.Errorf("vault encrypt: invalid data JSON: %w", err)
	}
	if data.Ciphertext == "" {
		return "", fmt.Errorf("vault encrypt: empty ciphertext in response")
	}
	return data.Ciphertext, nil
}

func (c *vaultHTTPClient) Decrypt(ctx context.Context, keyName, ciphertext string) ([]byte, error) {
	url := fmt.Sprintf("%s/v1/%s/decrypt/%s", c.addr, c.mount, keyName)

	reqBody, err := json.Marshal(map[string]string{"ciphertext": ciphertext})
	if err != nil {
		return nil, fmt.Errorf("vault decrypt: failed to marshal request: %w", err)
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("vault decrypt request failed: %w", err)
	}

	var apiResp vaultAPIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("vault decrypt: invalid response JSON: %w", err)
	}
	var data vaultDecryptData
	if err := json.Unmarshal(apiResp.Data, &data); err != nil {
		return nil, fmt.Errorf("vault decrypt: invalid data JSON: %w", err)
	}

	plaintext, err := base64.StdEncoding.DecodeString(data.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("vault decrypt: invalid base64 plaintext: %w", err)
	}
	return plaintext, nil
}

func (c *vaultHTTPClient) doRequest(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(vaultTokenHeader, c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("vault returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
