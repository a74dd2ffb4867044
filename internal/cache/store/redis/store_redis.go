// Package redis implements the backing-tier store on Redis. This is the
// production-recommended backend when the durable tier should survive process
// restarts or be shared between instances.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"livecache/internal/source"
	"livecache/pkg/domain"
	"livecache/pkg/platform/sentinel"
)

const (
	// Redis key prefixes. Documents by UniqueID live under plain keys; the
	// per-object coordinate map is a hash keyed by the coordinate, so a
	// field write is atomic and sibling coordinates are never lost (HSET is
	// the read-modify-write).
	docKeyPrefix       = "lc:doc:"
	versionedKeyPrefix = "lc:vc:"
)

// Store is a Redis-backed implementation of store.Store.
type Store struct {
	client *redis.Client
}

// New constructs a Redis-backed store.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func docKey(uid domain.UniqueID) string {
	return docKeyPrefix + uid.String()
}

func versionedKey(oid domain.ObjectID) string {
	return versionedKeyPrefix + oid.String()
}

// GetByUniqueID implements store.Store.
func (s *Store) GetByUniqueID(ctx context.Context, uid domain.UniqueID) (*source.Document, error) {
	raw, err := s.client.Get(ctx, docKey(uid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("unique id %s: %w", uid, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", uid, err)
	}
	return decode(raw)
}

// PutByUniqueID implements store.Store.
func (s *Store) PutByUniqueID(ctx context.Context, uid domain.UniqueID, doc *source.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", uid, err)
	}
	// No TTL: invalidation is change-driven, not time-driven.
	return s.client.Set(ctx, docKey(uid), raw, 0).Err()
}

// GetVersioned implements store.Store.
func (s *Store) GetVersioned(ctx context.Context, oid domain.ObjectID, vc domain.VersionCorrection) (*source.Document, error) {
	raw, err := s.client.HGet(ctx, versionedKey(oid), vc.Key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("object %s at %s: %w", oid, vc, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget %s: %w", oid, err)
	}
	return decode(raw)
}

// PutVersioned implements store.Store.
func (s *Store) PutVersioned(ctx context.Context, oid domain.ObjectID, vc domain.VersionCorrection, doc *source.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", oid, err)
	}
	return s.client.HSet(ctx, versionedKey(oid), vc.Key(), raw).Err()
}

// Invalidate implements store.Store.
func (s *Store) Invalidate(ctx context.Context, oid domain.ObjectID) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, versionedKey(oid))
	pipe.Del(ctx, docKey(oid.AtLatest()))
	_, err := pipe.Exec(ctx)
	return err
}

// Clear implements store.Store.
func (s *Store) Clear(ctx context.Context) error {
	for _, prefix := range []string{docKeyPrefix, versionedKeyPrefix} {
		iter := s.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
			if len(keys) >= 256 {
				if err := s.client.Del(ctx, keys...).Err(); err != nil {
					return err
				}
				keys = keys[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func decode(raw []byte) (*source.Document, error) {
	var doc source.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &doc, nil
}
