package db

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/store"
)

// Store is a store.Store on the courier_kv table.
type Store struct {
	db     *DB
	logger *zap.Logger
}

// NewStore creates a store. The courier_kv table must exist (see Migrate).
func NewStore(db *DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.Pool().QueryRow(ctx, `SELECT value FROM courier_kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Wrap("get", key, err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO courier_kv (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	if err != nil {
		s.logger.Error("failed to write key", zap.String("key", key), zap.Error(err))
		return store.Wrap("set", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Pool().Exec(ctx, `DELETE FROM courier_kv WHERE key = $1`, key); err != nil {
		return store.Wrap("delete", key, err)
	}
	return nil
}

// Keys orders by byte value so the result matches the other backends
// regardless of the database collation.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT key FROM courier_kv WHERE key LIKE $1 ESCAPE '\' ORDER BY key COLLATE "C"`,
		likePrefix(prefix),
	)
	if err != nil {
		return nil, store.Wrap("keys", prefix, err)
	}

	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, store.Wrap("keys", prefix, err)
	}
	return keys, nil
}

// likePrefix escapes LIKE metacharacters in prefix and appends the wildcard.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
