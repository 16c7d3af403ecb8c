// Package redisstore persists raw event logs and watermarks in Redis: one
// list of JSON events per provider, plus a key for the analysis watermark.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/lvonguyen/loginwatch/internal/config"
	"github.com/lvonguyen/loginwatch/internal/event"
	"github.com/lvonguyen/loginwatch/internal/normalize"
	"github.com/lvonguyen/loginwatch/internal/store"
)

// Store is a Redis-backed store.Store.
type Store struct {
	client *redis.Client
	prefix string
}

// New connects to Redis using the given settings. The password, if any, is
// read from the configured environment variable.
func New(cfg config.RedisConfig) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis persistence requested, but no addr specified")
	}
	var password string
	if cfg.PasswordEnv != "" {
		password = os.Getenv(cfg.PasswordEnv)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "loginwatch"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	return &Store{client: client, prefix: prefix}, nil
}

// GetLast rebuilds each provider's polling checkpoint from the tail of its
// event list.
func (s *Store) GetLast(ctx context.Context, fields map[string]event.FieldMap) (map[string]store.Checkpoint, error) {
	checkpoints := make(map[string]store.Checkpoint, len(fields))
	for provider, fm := range fields {
		line, err := s.client.LIndex(ctx, s.eventsKey(provider), -1).Result()
		if errors.Is(err, redis.Nil) {
			checkpoints[provider] = store.Checkpoint{}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s tail: %w", provider, err)
		}

		var raw event.Raw
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, fmt.Errorf("decoding last %s event: %w", provider, err)
		}
		ts, err := normalize.ParseTimestamp(raw.Field(fm.Timestamp))
		if err != nil {
			return nil, fmt.Errorf("last %s event: %w", provider, err)
		}
		checkpoints[provider] = store.Checkpoint{Time: ts, Raw: raw}
	}
	return checkpoints, nil
}

// Persist appends each provider's new events to its list.
func (s *Store) Persist(ctx context.Context, data map[string][]event.Raw) error {
	for provider, events := range data {
		if len(events) == 0 {
			continue
		}
		lines := make([]any, 0, len(events))
		for _, ev := range events {
			line, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encoding %s event: %w", provider, err)
			}
			lines = append(lines, line)
		}
		if err := s.client.RPush(ctx, s.eventsKey(provider), lines...).Err(); err != nil {
			return fmt.Errorf("appending %s events: %w", provider, err)
		}
	}
	return nil
}

// GetHistoricalData replays each provider's list, applying the retention
// limit relative to that provider's checkpoint.
func (s *Store) GetHistoricalData(ctx context.Context, fields map[string]event.FieldMap, historyLimit int64) (map[string][]event.Raw, error) {
	checkpoints, err := s.GetLast(ctx, fields)
	if err != nil {
		return nil, err
	}

	data := make(map[string][]event.Raw, len(fields))
	for provider, fm := range fields {
		var limit float64
		if historyLimit > 0 {
			limit = checkpoints[provider].Time - float64(historyLimit)
			if limit < 0 {
				limit = 0
			}
		}

		lines, err := s.client.LRange(ctx, s.eventsKey(provider), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("reading %s events: %w", provider, err)
		}
		var events []event.Raw
		for _, line := range lines {
			var raw event.Raw
			if err := json.Unmarshal([]byte(line), &raw); err != nil {
				return nil, fmt.Errorf("decoding %s event: %w", provider, err)
			}
			if limit > 0 {
				ts, err := normalize.ParseTimestamp(raw.Field(fm.Timestamp))
				if err != nil {
					return nil, fmt.Errorf("%s event: %w", provider, err)
				}
				if ts < limit {
					continue
				}
			}
			events = append(events, raw)
		}
		data[provider] = events
	}
	return data, nil
}

// GetLastAnalyzed reads the analysis watermark, 0 when unset.
func (s *Store) GetLastAnalyzed(ctx context.Context) (float64, error) {
	text, err := s.client.Get(ctx, s.watermarkKey()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading watermark: %w", err)
	}
	watermark, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing watermark: %w", err)
	}
	return watermark, nil
}

// PersistLastAnalyzed advances the analysis watermark.
func (s *Store) PersistLastAnalyzed(ctx context.Context, watermark float64) error {
	text := strconv.FormatFloat(watermark, 'f', -1, 64)
	if err := s.client.Set(ctx, s.watermarkKey(), text, 0).Err(); err != nil {
		return fmt.Errorf("writing watermark: %w", err)
	}
	return nil
}

// Close releases the client's connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) eventsKey(provider string) string {
	return s.prefix + ":events:" + provider
}

func (s *Store) watermarkKey() string {
	return s.prefix + ":last_analyzed"
}
