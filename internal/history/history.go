// Package history keeps a record of every work that reached a final state.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"workdl/internal/base"
	"workdl/internal/concurrencies"
	"workdl/internal/config"
)

const writeTimeout = 5 * time.Second

type Record struct {
	RunID      string
	WorkID     int
	Code       string
	Title      string
	State      base.QueueState
	Error      string
	Downloaded int64
	Total      int64
	StartedAt  time.Time
	FinishedAt time.Time
}

type Store interface {
	Save(ctx context.Context, r Record) error
	// List returns the newest records first.
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Open returns the store selected by cfg. The "none" driver keeps nothing.
func Open(cfg config.HistoryConfig, log *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case config.HistorySQLite:
		return NewSQLiteStore(cfg.DSN, log)
	case config.HistoryRedis:
		return NewRedisStore(cfg.DSN, log)
	case config.HistoryNone, "":
		return nopStore{}, nil
	}
	return nil, fmt.Errorf("unknown history driver %q", cfg.Driver)
}

type nopStore struct{}

func (nopStore) Save(context.Context, Record) error          { return nil }
func (nopStore) List(context.Context, int) ([]Record, error) { return nil, nil }
func (nopStore) Close() error                                { return nil }

// AsyncRecorder writes records on a single background worker so callers
// never wait on the store. Records are written in submission order.
type AsyncRecorder struct {
	store Store
	pool  *concurrencies.WorkerPool
	log   *slog.Logger
}

func NewAsyncRecorder(store Store, log *slog.Logger) *AsyncRecorder {
	return &AsyncRecorder{
		store: store,
		pool:  concurrencies.NewWorkerPool(1),
		log:   log.With(slog.String("item", "HistoryRecorder")),
	}
}

func (r *AsyncRecorder) Record(rec Record) {
	ok := r.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := r.store.Save(ctx, rec); err != nil {
			r.log.Error("Cannot save history record", slog.Int("work_id", rec.WorkID), slog.Any("error", err))
		}
	})
	if !ok {
		r.log.Warn("History closed, record dropped", slog.Int("work_id", rec.WorkID))
	}
}

func (r *AsyncRecorder) List(ctx context.Context, limit int) ([]Record, error) {
	return r.store.List(ctx, limit)
}

// Close flushes pending writes and closes the store.
func (r *AsyncRecorder) Close() error {
	r.pool.StopWait()
	return r.store.Close()
}

func parseState(s string) base.QueueState {
	for qs := base.Queued; qs <= base.Cancelled; qs++ {
		if qs.String() == s {
			return qs
		}
	}
	return base.Failed
}
