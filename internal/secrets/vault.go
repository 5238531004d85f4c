// Package secrets provides the encrypted credential vault. Provider API keys
// and the webhook shared secret are encrypted at rest with AES-256-GCM and
// stored in SQLite. Every read is logged to an audit table.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	t21otel "github.com/soportecyclops/tienda21/internal/otel"
)

var (
	// ErrNotFound is returned when a credential name does not exist.
	ErrNotFound = errors.New("credential not found")
	// ErrInvalidEncryptionKey is returned when the vault key is not exactly
	// 32 bytes (required for AES-256).
	ErrInvalidEncryptionKey = errors.New("invalid encryption key")
)

var tracer = t21otel.Tracer("github.com/soportecyclops/tienda21/internal/secrets")

// Vault manages encrypted credentials with audit logging.
type Vault struct {
	db  *sql.DB
	gcm cipher.AEAD
}

// Credential is a decrypted credential with metadata.
type Credential struct {
	Name        string
	Value       []byte
	CreatedAt   time.Time
	AccessedAt  time.Time
	AccessCount int
}

// AccessRecord is one vault audit entry.
type AccessRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Caller    string    `json:"caller"`
	Timestamp time.Time `json:"timestamp"`
	Found     bool      `json:"found"`
}

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
    name TEXT PRIMARY KEY,
    encrypted_value TEXT NOT NULL,
    nonce TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    accessed_at TIMESTAMP,
    access_count INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS credential_access_log (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    caller TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    found BOOLEAN NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cred_log_name ON credential_access_log(name);
CREATE INDEX IF NOT EXISTS idx_cred_log_timestamp ON credential_access_log(timestamp);
`

// NewVault creates an encrypted vault backed by SQLite. The key must be
// exactly 32 raw bytes or 64 hex characters.
func NewVault(dbPath, encryptionKey string) (*Vault, error) {
	keyBytes, err := resolveEncryptionKey(encryptionKey)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening vault database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating vault schema: %w", err)
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Vault{db: db, gcm: gcm}, nil
}

// resolveEncryptionKey interprets the key as 32 raw bytes or 64 hex characters.
func resolveEncryptionKey(key string) ([]byte, error) {
	if len(key) == 64 {
		decoded, err := hex.DecodeString(key)
		if err == nil && len(decoded) == 32 {
			return decoded, nil
		}
	}
	if len(key) == 32 {
		return []byte(key), nil
	}
	return nil, fmt.Errorf("encryption key must be 32 bytes or 64 hex characters (got %d): %w", len(key), ErrInvalidEncryptionKey)
}

// Close releases the database connection.
func (v *Vault) Close() error {
	return v.db.Close()
}

// Set stores an encrypted credential. Upserts on conflict.
func (v *Vault) Set(ctx context.Context, name string, value []byte) error {
	ctx, span := tracer.Start(ctx, "secrets.set",
		trace.WithAttributes(attribute.String("credential.name", name)))
	defer span.End()

	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		span.RecordError(err)
		return fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := v.gcm.Seal(nil, nonce, value, nil)

	_, err := v.db.ExecContext(ctx, `
		INSERT INTO credentials (name, encrypted_value, nonce, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			encrypted_value = excluded.encrypted_value,
			nonce = excluded.nonce`,
		name,
		base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(nonce),
		time.Now())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing credential: %w", err)
	}
	return nil
}

// Get retrieves and decrypts a credential. caller identifies who asked, for
// the audit trail.
func (v *Vault) Get(ctx context.Context, name, caller string) (*Credential, error) {
	ctx, span := tracer.Start(ctx, "secrets.get",
		trace.WithAttributes(
			attribute.String("credential.name", name),
			attribute.String("credential.caller", caller),
		))
	defer span.End()

	var encryptedValue, nonceB64 string
	var createdAt, accessedAt sql.NullTime
	var accessCount int

	err := v.db.QueryRowContext(ctx, `
		SELECT encrypted_value, nonce, created_at, accessed_at, access_count
		FROM credentials WHERE name = ?`, name).Scan(
		&encryptedValue, &nonceB64, &createdAt, &accessedAt, &accessCount)
	if errors.Is(err, sql.ErrNoRows) {
		v.logAccess(ctx, name, caller, false)
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying credential: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encryptedValue)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	plaintext, err := v.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decrypting credential: %w", err)
	}

	now := time.Now()
	_, _ = v.db.ExecContext(ctx, `UPDATE credentials SET accessed_at = ?, access_count = access_count + 1 WHERE name = ?`,
		now, name)
	v.logAccess(ctx, name, caller, true)

	return &Credential{
		Name:        name,
		Value:       plaintext,
		CreatedAt:   createdAt.Time,
		AccessedAt:  now,
		AccessCount: accessCount + 1,
	}, nil
}

// List returns the stored credential names.
func (v *Vault) List(ctx context.Context) ([]string, error) {
	rows, err := v.db.QueryContext(ctx, `SELECT name FROM credentials ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Rotate re-encrypts an existing credential with a fresh nonce.
func (v *Vault) Rotate(ctx context.Context, name string) error {
	cred, err := v.Get(ctx, name, "rotate")
	if err != nil {
		return err
	}
	return v.Set(ctx, name, cred.Value)
}

// logAccess records a vault read for the audit trail.
func (v *Vault) logAccess(ctx context.Context, name, caller string, found bool) {
	_, _ = v.db.ExecContext(ctx, `
		INSERT INTO credential_access_log (id, name, caller, timestamp, found)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), name, caller, time.Now(), found)
}

// AuditLog returns access records, newest first. Empty name means all
// credentials; limit <= 0 means no limit.
func (v *Vault) AuditLog(ctx context.Context, name string, limit int) ([]AccessRecord, error) {
	query := `SELECT id, name, caller, timestamp, found FROM credential_access_log`
	args := []interface{}{}
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var records []AccessRecord
	for rows.Next() {
		var r AccessRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Caller, &r.Timestamp, &r.Found); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
