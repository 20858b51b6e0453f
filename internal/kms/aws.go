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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
)

// awsKMSClient abstracts the AWS KMS operations for testability.
type awsKMSClient interface {
	Encrypt(
		ctx context.Context, params *awskms.EncryptInput, optFns ...func(*awskms.Options),
	) (*awskms.EncryptOutput, error)
	Decrypt(
		ctx context.Context, params *awskms.DecryptInput, optFns ...func(*awskms.Options),
	) (*awskms.DecryptOutput, error)
}

// AWSBackend wraps DEKs with a single customer master key in AWS KMS. The
// tenant key name travels in the encryption context so ciphertexts cannot be
// unwrapped for a different tenant.
type AWSBackend struct {
	client awsKMSClient
	keyID  string
}

// NewAWSBackend creates a backend against the given KMS key. Credentials come
// from the default chain; AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY are picked
// up explicitly when both are set.
func NewAWSBackend(ctx context.Context, keyID, region string) (*AWSBackend, error) {
	if keyID == "" {
		return nil, fmt.Errorf("kms: AWS key ID is required")
	}
	if region == "" {
		return nil, fmt.Errorf("kms: AWS region is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	accessKeyID := os.Getenv("AWS_ACCESS_KEY_ID")
	secretAccessKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to load AWS config: %w", err)
	}

	return &AWSBackend{client: awskms.NewFromConfig(awsCfg), keyID: keyID}, nil
}

// Wrap encrypts dek under the configured KMS key.
func (b *AWSBackend) Wrap(ctx context.Context, keyName string, dek []byte) ([]byte, string, string, error) {
	resp, err := b.client.Encrypt(ctx, &awskms.EncryptInput{
		KeyId:             aws.String(b.keyID),
		Plaintext:         dek,
		EncryptionContext: map[string]string{"tenant_key": keyName},
	})
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: KMS Encrypt failed: %v", ErrWrapFailed, err)
	}
	return resp.CiphertextBlob, b.keyID, "AES-256-GCM+AWS-KMS", nil
}

// Unwrap decrypts wrapped bytes under the same encryption context.
func (b *AWSBackend) Unwrap(ctx context.Context, keyName string, wrapped []byte) ([]byte, error) {
	resp, err := b.client.Decrypt(ctx, &awskms.DecryptInput{
		CiphertextBlob:    wrapped,
		KeyId:             aws.String(b.keyID),
		EncryptionContext: map[string]string{"tenant_key": keyName},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: KMS Decrypt failed: %v", ErrUnwrapFailed, err)
	}
	return resp.Plaintext, nil
}

// Name identifies the backend.
func (b *AWSBackend) Name() string { return "aws" }

// Close is a no-op; the SDK client needs no explicit shutdown.
func (b *AWSBackend) Close() error { return nil }
