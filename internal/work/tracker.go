package work

import (
	"sync"
	"time"

	"workdl/internal/progress"
)

const (
	StatusDownloading = "downloading"
	StatusPaused      = "paused"
	StatusCompleted   = "completed"
)

// tracker turns per-file disk offsets into work-level progress and speed
// events. Progress never goes backwards even if a file is discarded.
type tracker struct {
	mu      sync.Mutex
	id      int
	obs     progress.Observer
	total   int64
	sizes   []int64
	contrib []int64
	sum     int64
	emitted int64
	status  string

	every     time.Duration
	speedAt   time.Time
	speedSeen int64
}

func newTracker(id int, p *Plan, obs progress.Observer, every time.Duration) *tracker {
	t := &tracker{
		id:      id,
		obs:     obs,
		total:   p.Stats.ActualTotal,
		sizes:   make([]int64, len(p.Files)),
		contrib: make([]int64, len(p.Files)),
		sum:     p.Downloaded,
		emitted: -1,
		status:  StatusDownloading,
		every:   every,
	}
	for i, f := range p.Files {
		if f.Eligible {
			t.sizes[i] = f.Size
			t.contrib[i] = f.OnDisk
		}
	}
	t.speedAt = time.Now()
	t.speedSeen = t.sum
	return t
}

// update records that file i now has onDisk bytes.
func (t *tracker) update(i int, onDisk int64) {
	c := min(onDisk, t.sizes[i])

	t.mu.Lock()
	t.sum += c - t.contrib[i]
	t.contrib[i] = c
	ev, ok := t.progressLocked()

	var speed *progress.Event
	now := time.Now()
	if dt := now.Sub(t.speedAt); dt >= t.every {
		delta := max(t.sum-t.speedSeen, 0)
		speed = &progress.Event{Kind: progress.Speed, WorkID: t.id, At: now, KBps: float64(delta) / dt.Seconds() / 1024}
		t.speedAt = now
		t.speedSeen = t.sum
	}
	t.mu.Unlock()

	if ok {
		t.obs.Notify(ev)
	}
	if speed != nil {
		t.obs.Notify(*speed)
	}
}

func (t *tracker) setStatus(status string) {
	t.mu.Lock()
	t.status = status
	ev := t.eventLocked()
	if t.sum > t.emitted {
		t.emitted = t.sum
	}
	t.mu.Unlock()
	t.obs.Notify(ev)
}

// emit sends the current state unless it would move backwards.
func (t *tracker) emit() {
	t.mu.Lock()
	ev, ok := t.progressLocked()
	t.mu.Unlock()
	if ok {
		t.obs.Notify(ev)
	}
}

func (t *tracker) finish() {
	t.mu.Lock()
	t.status = StatusCompleted
	t.sum = t.total
	t.emitted = t.total
	ev := progress.Event{Kind: progress.Progress, WorkID: t.id, Percent: 100, Downloaded: t.total, Total: t.total, Status: StatusCompleted}
	t.mu.Unlock()
	t.obs.Notify(ev)
}

func (t *tracker) snapshot() (int, int64, int64, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return progress.Percent(t.sum, t.total), t.sum, t.total, t.status
}

func (t *tracker) progressLocked() (progress.Event, bool) {
	if t.sum < t.emitted {
		return progress.Event{}, false
	}
	t.emitted = t.sum
	return t.eventLocked(), true
}

func (t *tracker) eventLocked() progress.Event {
	downloaded := max(t.sum, t.emitted)
	return progress.Event{
		Kind:       progress.Progress,
		WorkID:     t.id,
		Percent:    progress.Percent(downloaded, t.total),
		Downloaded: downloaded,
		Total:      t.total,
		Status:     t.status,
	}
}
