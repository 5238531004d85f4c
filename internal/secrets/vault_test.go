package secrets

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef" // 32 raw bytes

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault(filepath.Join(t.TempDir(), "vault.db"), testKey)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestSetGetRoundTrip(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "groq_api_key", []byte("gsk_secret_value")))

	cred, err := v.Get(ctx, "groq_api_key", "dispatcher")
	require.NoError(t, err)
	assert.Equal(t, []byte("gsk_secret_value"), cred.Value)
	assert.Equal(t, 1, cred.AccessCount)
}

func TestGetNotFound(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Get(context.Background(), "missing", "dispatcher")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetUpserts(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "webhook_secret", []byte("old")))
	require.NoError(t, v.Set(ctx, "webhook_secret", []byte("new")))

	cred, err := v.Get(ctx, "webhook_secret", "gateway")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), cred.Value)

	names, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"webhook_secret"}, names)
}

func TestValueEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.db")
	v, err := NewVault(path, testKey)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, v.Set(ctx, "mistral_api_key", []byte("plaintext-marker")))
	require.NoError(t, v.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	var stored string
	require.NoError(t, db.QueryRow(`SELECT encrypted_value FROM credentials WHERE name = 'mistral_api_key'`).Scan(&stored))
	assert.NotContains(t, stored, "plaintext-marker")
}

func TestEncryptionKeyValidation(t *testing.T) {
	dir := t.TempDir()

	_, err := NewVault(filepath.Join(dir, "a.db"), "too-short")
	assert.ErrorIs(t, err, ErrInvalidEncryptionKey)

	hexKey := strings.Repeat("ab", 32) // 64 hex chars
	v, err := NewVault(filepath.Join(dir, "b.db"), hexKey)
	require.NoError(t, err)
	v.Close()
}

func TestRotateKeepsValue(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "openai_api_key", []byte("sk-value")))
	require.NoError(t, v.Rotate(ctx, "openai_api_key"))

	cred, err := v.Get(ctx, "openai_api_key", "dispatcher")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-value"), cred.Value)

	assert.ErrorIs(t, v.Rotate(ctx, "missing"), ErrNotFound)
}

func TestAuditLogRecordsReads(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "groq_api_key", []byte("x")))
	_, err := v.Get(ctx, "groq_api_key", "dispatcher")
	require.NoError(t, err)
	_, err = v.Get(ctx, "missing", "gateway")
	require.ErrorIs(t, err, ErrNotFound)

	records, err := v.AuditLog(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byName := map[string]AccessRecord{}
	for _, r := range records {
		byName[r.Name] = r
	}
	assert.True(t, byName["groq_api_key"].Found)
	assert.Equal(t, "dispatcher", byName["groq_api_key"].Caller)
	assert.False(t, byName["missing"].Found)

	scoped, err := v.AuditLog(ctx, "groq_api_key", 10)
	require.NoError(t, err)
	assert.Len(t, scoped, 1)
}
