package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis stores records as JSON strings with a sorted-set index per session.
//
// Keys:
//
//	<prefix>record:<key>       JSON record
//	<prefix>session:<session>  ZSET of record keys scored by unix nanos
//	<prefix>all                ZSET of every record key
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis wraps a client. prefix defaults to "langswarm:memory:".
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "langswarm:memory:"
	}
	return &Redis{client: client, prefix: prefix}
}

// OpenRedis connects using a redis:// URL.
func OpenRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, ""), nil
}

func (r *Redis) recordKey(key string) string      { return r.prefix + "record:" + key }
func (r *Redis) sessionKey(session string) string { return r.prefix + "session:" + session }
func (r *Redis) allKey() string                   { return r.prefix + "all" }

func (r *Redis) Add(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	score := float64(rec.Timestamp.UnixNano())
	recordKey := r.recordKey(rec.Key)

	// An overwritten record leaves its previous session index.
	txf := func(tx *redis.Tx) error {
		prevSession := ""
		prev, err := tx.Get(ctx, recordKey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var old Record
			if err := json.Unmarshal(prev, &old); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			prevSession = old.SessionID
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prevSession != "" && prevSession != rec.SessionID {
				pipe.ZRem(ctx, r.sessionKey(prevSession), rec.Key)
			}
			pipe.Set(ctx, recordKey, b, 0)
			pipe.ZAdd(ctx, r.allKey(), redis.Z{Score: score, Member: rec.Key})
			if rec.SessionID != "" {
				pipe.ZAdd(ctx, r.sessionKey(rec.SessionID), redis.Z{Score: score, Member: rec.Key})
			}
			return nil
		})
		return err
	}
	for i := 0; i < redisMaxTxRetries; i++ {
		err = r.client.Watch(ctx, txf, recordKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("redis add: %w", err)
	}
	return nil
}

const redisMaxTxRetries = 5

func (r *Redis) load(ctx context.Context, keys []string) ([]Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.recordKey(k)
	}
	vals, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([]Record, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Redis) Session(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	keys, err := r.client.ZRange(ctx, r.sessionKey(sessionID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return r.load(ctx, keys)
}

// Search scans every record newest first; it is meant for small stores.
func (r *Redis) Search(ctx context.Context, q string, limit int) ([]Record, error) {
	keys, err := r.client.ZRevRange(ctx, r.allKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange: %w", err)
	}
	recs, err := r.load(ctx, keys)
	if err != nil {
		return nil, err
	}
	q = strings.ToLower(q)
	var out []Record
	for _, rec := range recs {
		if strings.Contains(strings.ToLower(rec.Text), q) {
			out = append(out, rec)
		}
	}
	return truncate(out, limit), nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	b, err := r.client.Get(ctx, r.recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.recordKey(key))
		pipe.ZRem(ctx, r.allKey(), key)
		if rec.SessionID != "" {
			pipe.ZRem(ctx, r.sessionKey(rec.SessionID), key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
