package progress

import (
	"log/slog"
	"sync"
)

// LogObserver writes lifecycle events to a structured logger. Progress is
// logged at debug level once per percent step.
type LogObserver struct {
	log  *slog.Logger
	mu   sync.Mutex
	last map[int]int
}

func NewLogObserver(log *slog.Logger) *LogObserver {
	return &LogObserver{
		log:  log.With(slog.String("item", "Progress")),
		last: make(map[int]int),
	}
}

func (o *LogObserver) Notify(e Event) {
	l := o.log.With(slog.Int("work_id", e.WorkID))

	switch e.Kind {
	case WorkStarted:
		l.Info("Work started")
	case FilterStats:
		l.Info("Files filtered",
			slog.Int("files", e.Stats.FileCount),
			slog.Int("skipped", e.Stats.SkippedCount),
			slog.String("catalog", FormatSize(e.Stats.CatalogTotal)),
			slog.String("download", FormatSize(e.Stats.ActualTotal)),
			slog.String("skipped_size", FormatSize(e.Stats.SkippedTotal)))
	case Progress:
		o.mu.Lock()
		prev, seen := o.last[e.WorkID]
		o.last[e.WorkID] = e.Percent
		o.mu.Unlock()
		if !seen || prev != e.Percent {
			l.Debug("Progress", slog.Int("percent", e.Percent), slog.Int64("downloaded", e.Downloaded),
				slog.Int64("total", e.Total), slog.String("status", e.Status))
		}
	case Speed:
	case WorkCompleted:
		o.forget(e.WorkID)
		l.Info("Work completed")
	case WorkFailed:
		o.forget(e.WorkID)
		l.Error("Work failed", slog.String("error", e.Message))
	case WorkCancelled:
		o.forget(e.WorkID)
		l.Info("Work cancelled", slog.String("reason", e.Message))
	}
}

func (o *LogObserver) forget(id int) {
	o.mu.Lock()
	delete(o.last, id)
	o.mu.Unlock()
}
