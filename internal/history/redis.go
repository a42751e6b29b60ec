package history

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	KeySequence = "wh:seq"  // STRING. Last record id.
	KeyRecord   = "wh:rec:" // HASH. One record per id.
	KeyList     = "wh:list" // LIST. Record ids, newest first.

	MaxRecords = 1000
)

type RedisStore struct {
	cl  *redis.Client
	log *slog.Logger
}

func NewRedisStore(dsn string, log *slog.Logger) (*RedisStore, error) {
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot parse redis url: %w", err)
	}
	cl := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := cl.Ping(ctx).Err(); err != nil {
		cl.Close()
		return nil, fmt.Errorf("cannot reach redis: %w", err)
	}
	return NewRedisStoreWithClient(cl, log), nil
}

func NewRedisStoreWithClient(cl *redis.Client, log *slog.Logger) *RedisStore {
	return &RedisStore{cl: cl, log: log.With(slog.String("item", "RedisHistory"))}
}

func (s *RedisStore) Save(ctx context.Context, r Record) error {
	id, err := s.cl.Incr(ctx, KeySequence).Result()
	if err != nil {
		return fmt.Errorf("cannot allocate record id: %w", err)
	}
	key := KeyRecord + strconv.FormatInt(id, 10)

	_, err = s.cl.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"run_id":      r.RunID,
			"work_id":     r.WorkID,
			"code":        r.Code,
			"title":       r.Title,
			"state":       r.State.String(),
			"error":       r.Error,
			"downloaded":  r.Downloaded,
			"total":       r.Total,
			"started_at":  r.StartedAt.UTC().Format(time.RFC3339Nano),
			"finished_at": r.FinishedAt.UTC().Format(time.RFC3339Nano),
		})
		pipe.LPush(ctx, KeyList, id)
		pipe.LTrim(ctx, KeyList, 0, MaxRecords-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot save history record: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]Record, error) {
	ids, err := s.cl.LRange(ctx, KeyList, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot list history: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.cl.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, KeyRecord+id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot read history records: %w", err)
	}

	out := make([]Record, 0, len(ids))
	for _, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue // trimmed away
		}
		out = append(out, recordFromHash(m))
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.cl.Close()
}

func recordFromHash(m map[string]string) Record {
	r := Record{
		RunID: m["run_id"],
		Code:  m["code"],
		Title: m["title"],
		State: parseState(m["state"]),
		Error: m["error"],
	}
	r.WorkID, _ = strconv.Atoi(m["work_id"])
	r.Downloaded, _ = strconv.ParseInt(m["downloaded"], 10, 64)
	r.Total, _ = strconv.ParseInt(m["total"], 10, 64)
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, m["started_at"])
	r.FinishedAt, _ = time.Parse(time.RFC3339Nano, m["finished_at"])
	return r
}
