package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aussiebroadwan/wardgate/pkg/slogx"
	"github.com/go-redis/redis/v8"
)

// Redis keeps the tab's record in a hash whose key TTL enforces session scope.
// Used when several portal shells sit behind one kiosk host and share Redis.
type Redis struct {
	client *redis.Client
	tabID  string
	ttl    time.Duration
	sealer *Sealer
	logger *slog.Logger
	now    func() time.Time
}

// NewRedis returns a store backed by client.
func NewRedis(client *redis.Client, opts Options) (*Redis, error) {
	if opts.TabID == "" {
		return nil, errors.New("tokenstore: tab id is required")
	}

	return &Redis{
		client: client,
		tabID:  opts.TabID,
		ttl:    opts.TTL,
		sealer: opts.Sealer,
		logger: slogx.OrDefault(opts.Logger),
		now:    time.Now,
	}, nil
}

func tabKey(tabID string) string {
	return fmt.Sprintf("wardgate:tab:%s", tabID)
}

func (r *Redis) Save(ctx context.Context, rec Record) error {
	now := r.now()
	if rec.SavedAt.IsZero() {
		rec.SavedAt = now
	}

	fields, err := sealRecord(r.sealer, r.tabID, rec)
	if err != nil {
		return err
	}

	values := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		values[k] = v
	}
	values[FieldSavedAt] = strconv.FormatInt(rec.SavedAt.UnixMilli(), 10)

	key := tabKey(r.tabID)
	ttl := recordTTL(rec, r.ttl, now)

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, values)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save tab session: %w", err)
	}
	return nil
}

func (r *Redis) Read(ctx context.Context) (Record, error) {
	key := tabKey(r.tabID)

	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("failed to read tab session: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}

	var savedAt time.Time
	if ms, err := strconv.ParseInt(fields[FieldSavedAt], 10, 64); err == nil {
		savedAt = time.UnixMilli(ms)
	}

	rec, err := openRecord(r.sealer, r.tabID, fields, savedAt)
	if err != nil {
		r.logger.Warn("discarding unreadable tab session", "tab_id", r.tabID, "error", err)
		_ = r.Clear(ctx)
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, tabKey(r.tabID)).Err(); err != nil {
		return fmt.Errorf("failed to clear tab session: %w", err)
	}
	return nil
}
