package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ispchecker/ispchecker/internal/model"
	"github.com/redis/go-redis/v9"
)

// listPage is how many run IDs List reads per round trip while filtering.
const listPage = 100

// Redis keeps each record as JSON under <prefix>:run:<id> and indexes all
// run IDs in the sorted set <prefix>:runs scored by timestamp.
type Redis struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to a redis:// URL and pings the server.
func OpenRedis(ctx context.Context, dsn, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedis(client, prefix), nil
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "ispchecker"
	}
	return &Redis{client: client, prefix: prefix}
}

func (s *Redis) runKey(runID string) string {
	return s.prefix + ":run:" + runID
}

func (s *Redis) indexKey() string {
	return s.prefix + ":runs"
}

func (s *Redis) Save(ctx context.Context, rec model.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.runKey(rec.RunID), data, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{
			Score:  float64(rec.Timestamp.UnixMilli()),
			Member: rec.RunID,
		})
		return nil
	})
	return err
}

func (s *Redis) Fetch(ctx context.Context, runID string) (model.Record, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Record{}, ErrNotFound
	}
	if err != nil {
		return model.Record{}, err
	}
	var rec model.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.Record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

func (s *Redis) List(ctx context.Context, filter Filter, limit, offset int) ([]model.Record, error) {
	out := []model.Record{}
	if limit == 0 {
		return out, nil
	}
	// without a filter the index can be paged directly
	if filter == (Filter{}) {
		ids, err := s.client.ZRevRange(ctx, s.indexKey(), int64(offset), int64(offset+limit-1)).Result()
		if err != nil {
			return nil, err
		}
		return s.fetchAll(ctx, ids, filter, out, limit, nil)
	}

	skip := offset
	for start := int64(0); ; start += listPage {
		ids, err := s.client.ZRevRange(ctx, s.indexKey(), start, start+listPage-1).Result()
		if err != nil {
			return nil, err
		}
		out, err = s.fetchAll(ctx, ids, filter, out, limit, &skip)
		if err != nil {
			return nil, err
		}
		if len(out) >= limit || len(ids) < listPage {
			return out, nil
		}
	}
}

// fetchAll appends matching records of ids to out until it holds limit
// records. skip, when set, counts matches still to be skipped.
func (s *Redis) fetchAll(ctx context.Context, ids []string, filter Filter, out []model.Record, limit int, skip *int) ([]model.Record, error) {
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// deleted between ZREVRANGE and MGET
			continue
		}
		var rec model.Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		if !filter.match(rec) {
			continue
		}
		if skip != nil && *skip > 0 {
			*skip--
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Redis) Delete(ctx context.Context, runID string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.runKey(runID))
		pipe.ZRem(ctx, s.indexKey(), runID)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Redis) Close() error {
	return s.client.Close()
}
