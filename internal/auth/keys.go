package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefix = "fk_"

// APIKey is a stored key record. SecretHash is a bcrypt hash of the
// secret half of the key; the secret itself is shown once at creation
// and never stored.
type APIKey struct {
	ID         string     `db:"id"`
	Name       string     `db:"name"`
	Role       Role       `db:"role"`
	SecretHash string     `db:"secret_hash"`
	Active     bool       `db:"active"`
	CreatedAt  time.Time  `db:"created_at"`
	LastUsed   *time.Time `db:"last_used"`
}

// KeySource looks up key records by ID. Lookup returns (nil, nil)
// when the ID is unknown.
type KeySource interface {
	Lookup(ctx context.Context, id string) (*APIKey, error)
	Touch(ctx context.Context, id string)
}

// GenerateKey mints a new API key. The returned raw string is the
// only copy of the full key; the record holds the bcrypt hash.
func GenerateKey(name string, role Role) (string, *APIKey, error) {
	if !role.Valid() {
		return "", nil, fmt.Errorf("unknown role %q", role)
	}

	idBytes := make([]byte, 4)
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(idBytes); err != nil {
		return "", nil, fmt.Errorf("generate key id: %w", err)
	}
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, fmt.Errorf("generate key secret: %w", err)
	}

	id := hex.EncodeToString(idBytes)
	secret := hex.EncodeToString(secretBytes)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash key secret: %w", err)
	}

	key := &APIKey{
		ID:         id,
		Name:       name,
		Role:       role,
		SecretHash: string(hash),
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	return keyPrefix + id + "." + secret, key, nil
}

// ParseKey splits a presented key into its ID and secret parts.
func ParseKey(raw string) (id, secret string, err error) {
	trimmed, ok := strings.CutPrefix(raw, keyPrefix)
	if !ok {
		return "", "", ErrInvalidKey
	}
	id, secret, ok = strings.Cut(trimmed, ".")
	if !ok || id == "" || secret == "" {
		return "", "", ErrInvalidKey
	}
	return id, secret, nil
}

// StaticKeys serves key records listed in the service config. Listing
// a key there makes it active.
type StaticKeys struct {
	keys map[string]APIKey
}

func NewStaticKeys(keys []APIKey) *StaticKeys {
	m := make(map[string]APIKey, len(keys))
	for _, k := range keys {
		if k.Role == "" {
			k.Role = RoleViewer
		}
		k.Active = true
		m[k.ID] = k
	}
	return &StaticKeys{keys: m}
}

func (s *StaticKeys) Lookup(_ context.Context, id string) (*APIKey, error) {
	k, ok := s.keys[id]
	if !ok {
		return nil, nil
	}
	return &k, nil
}

func (s *StaticKeys) Touch(context.Context, string) {}

const keySchema = `
CREATE TABLE IF NOT EXISTS api_keys (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT 'viewer',
    secret_hash TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    last_used TIMESTAMP
);
`

// SQLKeys serves key records from the mission database, sharing the
// store's connection pool.
type SQLKeys struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewSQLKeys(db *sqlx.DB, logger *zap.Logger) *SQLKeys {
	return &SQLKeys{db: db, logger: logger}
}

// EnsureSchema creates the key table when it does not exist.
func (s *SQLKeys) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, keySchema); err != nil {
		return fmt.Errorf("create api_keys table: %w", err)
	}
	return nil
}

// Insert stores a new key record.
func (s *SQLKeys) Insert(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, role, secret_hash, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.Name, string(key.Role), key.SecretHash, key.Active, key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *SQLKeys) Lookup(ctx context.Context, id string) (*APIKey, error) {
	var key APIKey
	err := s.db.GetContext(ctx, &key, `
		SELECT id, name, role, secret_hash, active, created_at, last_used
		FROM api_keys WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}
	return &key, nil
}

// Touch records key usage off the request path.
func (s *SQLKeys) Touch(_ context.Context, id string) {
	go func() {
		_, err := s.db.Exec("UPDATE api_keys SET last_used = $1 WHERE id = $2",
			time.Now().UTC(), id)
		if err != nil {
			s.logger.Warn("Failed to record API key use",
				zap.String("key_id", id),
				zap.Error(err),
			)
		}
	}()
}
