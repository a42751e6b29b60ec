package queue

import (
	"context"
	"sync"
	"time"

	"workdl/internal/base"
	"workdl/internal/progress"
)

// Runner downloads one work. *work.Downloader implements it.
type Runner interface {
	Run(ctx context.Context) (base.Outcome, error)
	Pause() bool
	Resume() bool
	Paused() bool
	Progress() (int, int64, int64, string)
}

// Entry is a work owned by the manager. Its fields other than the event gate
// are guarded by the manager's lock.
type Entry struct {
	Work       base.WorkDescriptor
	State      base.QueueState
	Err        error
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	seq    int
	runner Runner
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when the runner has returned

	// The gate serialises events of this work and drops everything after
	// the terminal one.
	gateMu sync.Mutex
	closed bool
}

// EntrySnapshot is a copy of an entry's state with the runner's progress.
type EntrySnapshot struct {
	WorkID     int
	Code       string
	Title      string
	State      base.QueueState
	Percent    int
	Downloaded int64
	Total      int64
	Status     string
	Error      string
}

// entryObserver forwards the runner's events through the entry gate.
type entryObserver struct {
	e   *Entry
	obs progress.Observer
}

func (o entryObserver) Notify(ev progress.Event) {
	o.e.notify(o.obs, ev)
}

func (e *Entry) notify(obs progress.Observer, ev progress.Event) {
	e.gateMu.Lock()
	defer e.gateMu.Unlock()
	if e.closed {
		return
	}
	obs.Notify(ev)
}

// stopping reports whether the runner was started and has not returned yet.
func (e *Entry) stopping() bool {
	if e.done == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// close sends the terminal event. Only the first call has any effect.
func (e *Entry) close(obs progress.Observer, ev progress.Event) bool {
	e.gateMu.Lock()
	defer e.gateMu.Unlock()
	if e.closed {
		return false
	}
	e.closed = true
	obs.Notify(ev)
	return true
}
