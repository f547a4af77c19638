package redis

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/lalithlochan/courier/internal/store"
)

// DefaultNamespace prefixes every key courier writes through Store.
const DefaultNamespace = "courier:"

const scanBatch = 500

// Store is a store.Store on Redis. Values never expire.
type Store struct {
	client    *Client
	namespace string
}

// NewStore creates a store writing under namespace. An empty namespace uses
// DefaultNamespace.
func NewStore(client *Client, namespace string) *Store {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Store{client: client, namespace: namespace}
}

func (s *Store) key(k string) string { return s.namespace + k }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Wrap("get", key, err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return store.Wrap("set", key, s.client.rdb.Set(ctx, s.key(key), value, 0).Err())
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return store.Wrap("delete", key, s.client.rdb.Del(ctx, s.key(key)).Err())
}

// Keys walks the keyspace with SCAN, so it never blocks the server the way
// KEYS would.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := escapeGlob(s.key(prefix)) + "*"

	var keys []string
	iter := s.client.rdb.Scan(ctx, 0, match, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.namespace))
	}
	if err := iter.Err(); err != nil {
		return nil, store.Wrap("keys", prefix, err)
	}

	// SCAN may return a key more than once.
	sort.Strings(keys)
	out := keys[:0]
	for _, k := range keys {
		if len(out) > 0 && out[len(out)-1] == k {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
