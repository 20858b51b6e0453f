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
	"context"
	"fmt"
	"os"

	gcpkms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/api/option"
)

// gcpKMSClient abstracts the Cloud KMS operations for testability.
type gcpKMSClient interface {
	Encrypt(ctx context.Context, req *kmspb.EncryptRequest) (*kmspb.EncryptResponse, error)
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error)
	Close() error
}

// gcpKMSClientWrapper wraps the real KMS client to satisfy gcpKMSClient.
type gcpKMSClientWrapper struct {
	client *gcpkms.KeyManagementClient
}

func (w *gcpKMSClientWrapper) Encrypt(
	ctx context.Context, req *kmspb.EncryptRequest,
) (*kmspb.EncryptResponse, error) {
	return w.client.Encrypt(ctx, req)
}

func (w *gcpKMSClientWrapper) Decrypt(
	ctx context.Context, req *kmspb.DecryptRequest,
) (*kmspb.DecryptResponse, error) {
	return w.client.Decrypt(ctx, req)
}

func (w *gcpKMSClientWrapper) Close() error {
	return w.client.Close()
}

// GCPBackend wraps DEKs with a single Cloud KMS crypto key. The tenant key
// name is bound as additional authenticated data.
type GCPBackend struct {
	client gcpKMSClient
	keyID  string
}

// NewGCPBackend creates a backend against the given crypto key resource name
// (projects/.../locations/.../keyRings/.../cryptoKeys/...). Credentials come
// from application default credentials, or GOOGLE_APPLICATION_CREDENTIALS_JSON
// when set.
func NewGCPBackend(ctx context.Context, keyID string) (*GCPBackend, error) {
	if keyID == "" {
		return nil, fmt.Errorf("kms: GCP key ID is required")
	}

	var opts []option.ClientOption
	if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"); creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	}

	client, err := gcpkms.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to create GCP KMS client: %w", err)
	}

	return &GCPBackend{client: &gcpKMSClientWrapper{client: client}, keyID: keyID}, nil
}

// Wrap encrypts dek under the configured crypto key.
func (b *GCPBackend) Wrap(ctx context.Context, keyName string, dek []byte) ([]byte, string, string, error) {
	resp, err := b.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:                        b.keyID,
		Plaintext:                   dek,
		AdditionalAuthenticatedData: []byte(keyName),
	})
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: KMS Encrypt failed: %v", ErrWrapFailed, err)
	}
	return resp.GetCiphertext(), b.keyID, "AES-256-GCM+GCP-KMS", nil
}

// Unwrap decrypts wrapped bytes with the same additional authenticated data.
func (b *GCPBackend) Unwrap(ctx context.Context, keyName string, wrapped []byte) ([]byte, error) {
	resp, err := b.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:                        b.keyID,
		Ciphertext:                  wrapped,
		AdditionalAuthenticatedData: []byte(keyName),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: KMS Decrypt failed: %v", ErrUnwrapFailed, err)
	}
	return resp.GetPlaintext(), nil
}

// Name identifies the backend.
func (b *GCPBackend) Name() string { return "gcp" }

// Close releases the underlying gRPC client.
func (b *GCPBackend) Close() error { return b.client.Close() }
