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

package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDEK(t *testing.T) []byte {
	t.Helper()
	dek, err := GenerateDEK()
	require.NoError(t, err)
	return dek
}

func TestEncryptFieldRoundTrip(t *testing.T) {
	dek := testDEK(t)

	ciphertext, err := EncryptField(dek, "hello world", "acme:user-1", false)
	require.NoError(t, err)
	assert.NotEqual(t, "hello world", ciphertext)

	plaintext, err := DecryptField(dek, ciphertext, "acme:user-1")
	require.NoError(t, err)
	assert.Equal(t, "hello world", plaintext)
}

func TestEncryptFieldDeterministic(t *testing.T) {
	dek := testDEK(t)

	a, err := EncryptField(dek, "ada@example.com", "acme:user-1", true)
	require.NoError(t, err)
	b, err := EncryptField(dek, "ada@example.com", "acme:user-1", true)
	require.NoError(t, err)
	assert.Equal(t, a, b, "equal plaintexts must produce equal ciphertext")

	c, err := EncryptField(dek, "bob@example.com", "acme:user-1", true)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestEncryptFieldRandomized(t *testing.T) {
	dek := testDEK(t)

	a, err := EncryptField(dek, "same text", "acme:user-1", false)
	require.NoError(t, err)
	b, err := EncryptField(dek, "same text", "acme:user-1", false)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "randomized mode must not repeat ciphertext")
}

func TestDecryptFieldAADBinding(t *testing.T) {
	dek := testDEK(t)

	ciphertext, err := EncryptField(dek, "secret", "acme:user-1", false)
	require.NoError(t, err)

	// Moving the value to another tenant or row must fail authentication.
	_, err = DecryptField(dek, ciphertext, "other:user-1")
	require.ErrorIs(t, err, ErrDecryptFailed)
	_, err = DecryptField(dek, ciphertext, "acme:user-2")
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptFieldBadInput(t *testing.T) {
	dek := testDEK(t)

	_, err := DecryptField(dek, "not base64!!", "acme:user-1")
	require.ErrorIs(t, err, ErrDecryptFailed)
	_, err = DecryptField(dek, "AAAA", "acme:user-1")
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestEncryptFieldRejectsShortKey(t *testing.T) {
	_, err := EncryptField([]byte("short"), "x", "a:b", false)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestSealFieldRoundTrip(t *testing.T) {
	// 2048 bits keeps the test fast; production pairs are 4096.
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	sealed, err := SealField(&priv.PublicKey, "dream journal", "acme:moment-1")
	require.NoError(t, err)

	plaintext, err := DecryptSealed(priv, sealed, "acme:moment-1")
	require.NoError(t, err)
	assert.Equal(t, "dream journal", plaintext)

	// Wrong AAD must not decrypt.
	_, err = DecryptSealed(priv, sealed, "acme:moment-2")
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptSealedBadPayload(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, err = DecryptSealed(priv, "!!", "a:b")
	require.ErrorIs(t, err, ErrSealedFormat)
	_, err = DecryptSealed(priv, "AAAA", "a:b")
	require.ErrorIs(t, err, ErrSealedFormat)
}

func TestGenerateSealedKeyPair(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping RSA-4096 generation in short mode")
	}

	publicPEM, privatePEM, err := GenerateSealedKeyPair()
	require.NoError(t, err)

	pub, err := ParsePublicKey(publicPEM)
	require.NoError(t, err)
	priv, err := ParsePrivateKey(privatePEM)
	require.NoError(t, err)

	sealed, err := SealField(pub, "only the client reads this", "t:e")
	require.NoError(t, err)
	plaintext, err := DecryptSealed(priv, sealed, "t:e")
	require.NoError(t, err)
	assert.Equal(t, "only the client reads this", plaintext)
}

func TestFieldAADScope(t *testing.T) {
	// Deterministic ciphertext is bound to (tenant, table, field): equal
	// values collide within one column but never across columns or tenants.
	det := fieldAAD(ModeDeterministic, "acme", "users", "email", "row-1")
	assert.Equal(t, det, fieldAAD(ModeDeterministic, "acme", "users", "email", "row-2"))
	assert.NotEqual(t, det, fieldAAD(ModeDeterministic, "acme", "users", "content", "row-1"))
	assert.NotEqual(t, det, fieldAAD(ModeDeterministic, "acme", "messages", "email", "row-1"))
	assert.NotEqual(t, det, fieldAAD(ModeDeterministic, "globex", "users", "email", "row-1"))

	// Randomized ciphertext additionally binds the row.
	rnd := fieldAAD(ModeRandomized, "acme", "messages", "content", "row-1")
	assert.NotEqual(t, rnd, fieldAAD(ModeRandomized, "acme", "messages", "content", "row-2"))
}

func TestFieldRegistry(t *testing.T) {
	assert.True(t, IsEncrypted("users"))
	assert.True(t, IsEncrypted("messages"))
	assert.False(t, IsEncrypted("moments"))

	fields := FieldsFor("users")
	assert.Equal(t, ModeDeterministic, fields["email"])
	assert.Equal(t, ModeRandomized, fields["content"])
	assert.Nil(t, FieldsFor("task_queue"))
}
