// Package progress carries download events from the engine to observers.
package progress

import "time"

type Kind int

const (
	WorkStarted Kind = iota
	Progress
	Speed
	FilterStats
	WorkCompleted
	WorkFailed
	WorkCancelled
)

func (k Kind) String() string {
	return [...]string{"work-started", "progress", "speed", "filter-stats", "work-completed", "work-failed", "work-cancelled"}[k]
}

// Stats summarises which files of a work pass the extension filter.
type Stats struct {
	CatalogTotal int64
	ActualTotal  int64
	SkippedTotal int64
	FileCount    int
	SkippedCount int
}

// Event is a single notification about a work. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind       Kind
	WorkID     int
	At         time.Time
	Percent    int
	Downloaded int64
	Total      int64
	Status     string
	KBps       float64
	Stats      Stats
	Message    string
}

// Observer receives events. Notify must not block for long; it runs on the
// transfer goroutine.
type Observer interface {
	Notify(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Hub fans an event out to every observer in order.
type Hub []Observer

func (h Hub) Notify(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	for _, o := range h {
		if o != nil {
			o.Notify(e)
		}
	}
}

// Discard drops every event.
var Discard Observer = ObserverFunc(func(Event) {})

// Percent computes an integer percentage clamped to [0, 100].
func Percent(done, total int64) int {
	if total <= 0 || done <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return int(done * 100 / total)
}
