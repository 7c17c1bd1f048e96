package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the secret document as one JSON value under a single key.
// Updates run inside WATCH/MULTI so a concurrent writer surfaces as ErrStoreConflict.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a new Redis-backed secret store
func NewRedisStore(ctx context.Context, address, password string, db int, key string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: failed to connect to Redis: %v", ErrStoreUnavailable, err)
	}

	return NewRedisStoreWithClient(client, key), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "leakguard:secrets"
	}
	return &RedisStore{client: client, key: key}
}

// Name returns the backend name
func (r *RedisStore) Name() string {
	return "redis"
}

// ReadAll returns the whole document; a missing key is an empty document
func (r *RedisStore) ReadAll(ctx context.Context) (Document, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return make(Document), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return decodeDocument(data)
}

// ReadPath returns the value at path
func (r *RedisStore) ReadPath(ctx context.Context, path string) (any, error) {
	doc, err := r.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	v, ok := GetPath(doc, path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	return v, nil
}

// UpdatePath rewrites the document with value set at path
func (r *RedisStore) UpdatePath(ctx context.Context, path string, value string) error {
	txf := func(tx *redis.Tx) error {
		doc := make(Document)
		data, err := tx.Get(ctx, r.key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		default:
			if doc, err = decodeDocument(data); err != nil {
				return err
			}
		}

		if err := SetPath(doc, path, value); err != nil {
			return err
		}
		encoded, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode secret document: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.key, encoded, 0)
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txf, r.key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%w: %s changed during update", ErrStoreConflict, r.key)
	case errors.Is(err, ErrStoreConflict), errors.Is(err, ErrStoreUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func decodeDocument(data []byte) (Document, error) {
	doc := make(Document)
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: corrupt secret document: %v", ErrStoreUnavailable, err)
	}
	return doc, nil
}
