package store

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/pageviewer/internal/imagerender"
)

// PageStore keeps rendered pages in Redis, keyed by document fingerprint and
// page index. It implements pagecache.Store.
type PageStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPageStore(redisURL string, ttl time.Duration) (*PageStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &PageStore{client: c, ttl: ttl}, nil
}

func (s *PageStore) Close() error { return s.client.Close() }

// Ping checks the Redis connection.
func (s *PageStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *PageStore) pageKey(docKey string, page int) string {
	return fmt.Sprintf("doc:%s:page:%d", docKey, page)
}

// Save stores img losslessly with the store TTL.
func (s *PageStore) Save(ctx context.Context, docKey string, page int, img *image.RGBA) error {
	data, err := imagerender.EncodePNG(img)
	if err != nil {
		return err
	}
	key := s.pageKey(docKey, page)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "png", data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save page %d: %w", page, err)
	}
	return nil
}

// Load returns the stored page, or ok=false when absent.
func (s *PageStore) Load(ctx context.Context, docKey string, page int) (*image.RGBA, bool, error) {
	data, err := s.client.HGet(ctx, s.pageKey(docKey, page), "png").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis load page %d: %w", page, err)
	}
	img, err := imagerender.DecodeRGBA(data)
	if err != nil {
		return nil, false, err
	}
	return img, true, nil
}

// Forget removes every stored page of a document.
func (s *PageStore) Forget(ctx context.Context, docKey string) error {
	iter := s.client.Scan(ctx, 0, fmt.Sprintf("doc:%s:page:*", docKey), 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis delete: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}
