// Package state keeps the latest known progress of every work for status queries.
package state

import (
	"sort"
	"sync"
	"time"

	"workdl/internal/base"
	"workdl/internal/progress"
)

type WorkProgress struct {
	WorkID     int
	State      base.QueueState
	Percent    int
	Downloaded int64
	Total      int64
	KBps       float64
	Status     string
	Message    string
	Files      int
	Skipped    int
	Updated    time.Time
}

// Store is a progress.Observer that remembers the last event of each kind
// per work.
type Store struct {
	mu    sync.RWMutex
	works map[int]*WorkProgress
	seq   map[int]int
	next  int
}

func New() *Store {
	return &Store{
		works: make(map[int]*WorkProgress),
		seq:   make(map[int]int),
	}
}

func (s *Store) Notify(e progress.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.works[e.WorkID]
	if !ok || e.Kind == progress.WorkStarted {
		w = &WorkProgress{WorkID: e.WorkID, State: base.Active}
		s.works[e.WorkID] = w
		s.seq[e.WorkID] = s.next
		s.next++
	}
	w.Updated = e.At

	switch e.Kind {
	case progress.FilterStats:
		w.Total = e.Stats.ActualTotal
		w.Files = e.Stats.FileCount - e.Stats.SkippedCount
		w.Skipped = e.Stats.SkippedCount
	case progress.Progress:
		w.Percent = e.Percent
		w.Downloaded = e.Downloaded
		w.Total = e.Total
		w.Status = e.Status
		if !w.State.Terminal() {
			if e.Status == "paused" {
				w.State = base.Paused
			} else {
				w.State = base.Active
			}
		}
	case progress.Speed:
		w.KBps = e.KBps
	case progress.WorkCompleted:
		w.State = base.Completed
		w.KBps = 0
	case progress.WorkFailed:
		w.State = base.Failed
		w.Message = e.Message
		w.KBps = 0
	case progress.WorkCancelled:
		w.State = base.Cancelled
		w.Message = e.Message
		w.KBps = 0
	}
}

func (s *Store) Get(id int) (WorkProgress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.works[id]
	if !ok {
		return WorkProgress{}, false
	}
	return *w, true
}

// All returns every known work in the order it was first seen.
func (s *Store) All() []WorkProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WorkProgress, 0, len(s.works))
	for _, w := range s.works {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].WorkID] < s.seq[out[j].WorkID] })
	return out
}
