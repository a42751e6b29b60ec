// Package queue runs works one after another (or a few at a time) from a
// FIFO queue and owns their lifecycle.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"workdl/internal/base"
	"workdl/internal/config"
	"workdl/internal/history"
	"workdl/internal/pathpolicy"
	"workdl/internal/progress"
	"workdl/internal/transfer"
	"workdl/internal/work"
	"workdl/rate"
)

const idlePoll = 50 * time.Millisecond

var (
	ErrEmptyWork     = errors.New("work has no files")
	ErrAlreadyQueued = errors.New("work is already queued or active")
	ErrNotFound      = errors.New("work not found")
	ErrNotActive     = errors.New("work is not active")
)

// Recorder receives a record for every work that reaches a final state.
type Recorder interface {
	Record(history.Record)
}

type RunnerFactory func(w base.WorkDescriptor, dir string, obs progress.Observer) Runner

type Option func(*Manager)

func WithObserver(obs progress.Observer) Option {
	return func(m *Manager) { m.obs = obs }
}

func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithCompletionHook runs fn after a work completes, outside the manager lock.
func WithCompletionHook(fn func(base.WorkDescriptor)) Option {
	return func(m *Manager) { m.onComplete = fn }
}

func WithFs(fs afero.Fs) Option {
	return func(m *Manager) { m.fs = fs }
}

// WithBackoff overrides the delays between transfer retries.
func WithBackoff(slow, transport time.Duration) Option {
	return func(m *Manager) {
		m.slowBackoff = slow
		m.retryBackoff = transport
	}
}

// WithRunnerFactory replaces how works are downloaded.
func WithRunnerFactory(f RunnerFactory) Option {
	return func(m *Manager) { m.newRunner = f }
}

type Manager struct {
	mu      sync.Mutex
	cfg     config.Config
	queue   deque.Deque[*Entry]
	active  map[int]*Entry
	entries map[int]*Entry
	seq     int
	running int // runners that have not returned yet

	limiter *rate.TokenBucket
	client  *http.Client
	policy  *pathpolicy.Policy
	fs      afero.Fs

	obs        progress.Observer
	recorder   Recorder
	onComplete func(base.WorkDescriptor)
	newRunner  RunnerFactory

	slowBackoff  time.Duration
	retryBackoff time.Duration

	runID string
	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup
	log   *slog.Logger
}

func New(cfg config.Config, log *slog.Logger, opts ...Option) *Manager {
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		cfg:          cfg,
		active:       make(map[int]*Entry),
		entries:      make(map[int]*Entry),
		limiter:      rate.NewTokenBucket(cfg.SpeedLimitBytes()),
		client:       transfer.NewClient(cfg.Timeout(), cfg.ProxyURL()),
		policy:       pathpolicy.New(cfg.Download.Root, cfg.Naming),
		fs:           afero.NewOsFs(),
		obs:          progress.Discard,
		slowBackoff:  base.SlowRetryDelay,
		retryBackoff: base.TransportRetryDelay,
		runID:        uuid.NewString(),
		ctx:          ctx,
		stop:         stop,
		log:          log.With(slog.String("item", "DownloadManager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.newRunner == nil {
		m.newRunner = m.defaultRunner
	}
	m.log.Info("Manager ready", slog.String("run_id", m.runID),
		slog.Int("concurrency", cfg.Download.Concurrency), slog.Int64("speed_limit", cfg.SpeedLimitBytes()))
	return m
}

func (m *Manager) RunID() string {
	return m.runID
}

// Enqueue appends a work to the back of the queue. It does not start it.
func (m *Manager) Enqueue(w base.WorkDescriptor) error {
	if len(w.Files) == 0 {
		return fmt.Errorf("%w: %d", ErrEmptyWork, w.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[w.ID]; ok && (!e.State.Terminal() || e.stopping()) {
		return fmt.Errorf("%w: %d", ErrAlreadyQueued, w.ID)
	}

	e := &Entry{Work: w, State: base.Queued, EnqueuedAt: time.Now(), seq: m.seq}
	m.seq++
	m.entries[w.ID] = e
	m.queue.PushBack(e)
	m.log.Info("Enqueued", slog.Int("work_id", w.ID), slog.Int("queued", m.queue.Len()))
	return nil
}

// Advance starts queued works in FIFO order while fewer than the configured
// number are active.
func (m *Manager) Advance() {
	m.mu.Lock()
	var started []*Entry
	for len(m.active) < m.cfg.Download.Concurrency && m.queue.Len() > 0 && m.ctx.Err() == nil {
		e := m.queue.PopFront()
		m.startLocked(e)
		started = append(started, e)
	}
	m.mu.Unlock()

	for _, e := range started {
		e.notify(m.obs, progress.Event{Kind: progress.WorkStarted, WorkID: e.Work.ID})
		go m.run(e)
	}
}

func (m *Manager) startLocked(e *Entry) {
	ctx, cancel := context.WithCancel(m.ctx)
	e.State = base.Active
	e.StartedAt = time.Now()
	e.cancel = cancel
	e.done = make(chan struct{})
	e.runner = m.newRunner(e.Work, m.policy.WorkDir(e.Work), entryObserver{e: e, obs: m.obs})
	m.active[e.Work.ID] = e
	m.running++
	m.wg.Add(1)
	e.ctx = ctx
	m.log.Info("Starting", slog.Int("work_id", e.Work.ID), slog.String("title", e.Work.Title))
}

func (m *Manager) run(e *Entry) {
	defer m.wg.Done()
	out, err := e.runner.Run(e.ctx)
	m.finish(e, out, err)
}

func (m *Manager) finish(e *Entry, out base.Outcome, err error) {
	defer func() {
		close(e.done)
		m.mu.Lock()
		m.running--
		m.mu.Unlock()
	}()

	m.mu.Lock()
	if m.active[e.Work.ID] == e {
		delete(m.active, e.Work.ID)
	}
	e.cancel()
	if e.State.Terminal() {
		// Cancelled while running; the cancellation was already reported.
		m.mu.Unlock()
		return
	}

	var dropped []*Entry
	e.FinishedAt = time.Now()
	switch {
	case err != nil:
		e.State = base.Failed
		e.Err = err
		dropped = m.clearQueueLocked()
	case out == base.Aborted:
		e.State = base.Cancelled
	default:
		e.State = base.Completed
	}
	state := e.State
	m.mu.Unlock()

	switch state {
	case base.Completed:
		e.close(m.obs, progress.Event{Kind: progress.WorkCompleted, WorkID: e.Work.ID})
		m.log.Info("Completed", slog.Int("work_id", e.Work.ID), slog.Duration("took", e.FinishedAt.Sub(e.StartedAt)))
		m.record(e)
		if m.onComplete != nil {
			m.onComplete(e.Work)
		}
		m.Advance()
	case base.Failed:
		e.close(m.obs, progress.Event{Kind: progress.WorkFailed, WorkID: e.Work.ID, Message: err.Error()})
		m.log.Error("Failed", slog.Int("work_id", e.Work.ID), slog.Int("dropped", len(dropped)), slog.Any("error", err))
		m.record(e)
		m.cancelled(dropped, fmt.Sprintf("queue cleared after work %d failed", e.Work.ID))
	case base.Cancelled:
		e.close(m.obs, progress.Event{Kind: progress.WorkCancelled, WorkID: e.Work.ID, Message: "aborted"})
		m.record(e)
	}
}

// clearQueueLocked drops every queued entry as cancelled.
func (m *Manager) clearQueueLocked() []*Entry {
	dropped := make([]*Entry, 0, m.queue.Len())
	now := time.Now()
	for m.queue.Len() > 0 {
		e := m.queue.PopFront()
		e.State = base.Cancelled
		e.FinishedAt = now
		dropped = append(dropped, e)
	}
	return dropped
}

func (m *Manager) cancelled(entries []*Entry, reason string) {
	for _, e := range entries {
		e.close(m.obs, progress.Event{Kind: progress.WorkCancelled, WorkID: e.Work.ID, Message: reason})
		m.record(e)
	}
}

// Pause holds an active work at its next chunk boundary.
func (m *Manager) Pause(id int) error {
	return m.setPaused(id, true)
}

func (m *Manager) Resume(id int) error {
	return m.setPaused(id, false)
}

// setPaused flips the runner outside the lock since the runner reports the
// new status to observers.
func (m *Manager) setPaused(id int, paused bool) error {
	m.mu.Lock()
	e, err := m.activeLocked(id)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if paused {
		e.runner.Pause()
	} else {
		e.runner.Resume()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e.State.Terminal() {
		return fmt.Errorf("%w: %d is %s", ErrNotActive, id, e.State)
	}
	e.State = base.Active
	if paused {
		e.State = base.Paused
	}
	m.log.Info("Paused", slog.Int("work_id", id), slog.Bool("paused", paused))
	return nil
}

// Cancel stops a work wherever it is. A queued work is removed from the
// queue; an active one stops at its next chunk boundary and keeps its
// partial files. Cancellation is reported as work-cancelled, never as a
// failure, and does not start the next work.
func (m *Manager) Cancel(id int) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	switch e.State {
	case base.Queued:
		if i := m.queue.Index(func(q *Entry) bool { return q == e }); i >= 0 {
			m.queue.Remove(i)
		}
	case base.Active, base.Paused:
		e.cancel()
		delete(m.active, id)
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: %d is %s", ErrNotActive, id, e.State)
	}
	e.State = base.Cancelled
	e.FinishedAt = time.Now()
	m.mu.Unlock()

	m.log.Info("Cancelled", slog.Int("work_id", id))
	m.cancelled([]*Entry{e}, "cancelled")
	return nil
}

// UpdateConfig swaps the configuration. The bandwidth cap applies at once to
// running transfers; other settings apply to works started afterwards.
func (m *Manager) UpdateConfig(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	old := m.cfg
	m.cfg = cfg
	m.limiter.SetRate(cfg.SpeedLimitBytes())
	if old.Timeout() != cfg.Timeout() || old.Proxy != cfg.Proxy {
		m.client = transfer.NewClient(cfg.Timeout(), cfg.ProxyURL())
	}
	m.policy = pathpolicy.New(cfg.Download.Root, cfg.Naming)
	m.mu.Unlock()

	m.log.Info("Config updated", slog.Int64("speed_limit", cfg.SpeedLimitBytes()),
		slog.Int("max_retries", cfg.Download.MaxRetries), slog.Int("concurrency", cfg.Download.Concurrency))
	m.Advance()
	return nil
}

// Config returns a copy of the current configuration.
func (m *Manager) Config() config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Manager) State(id int) (base.QueueState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return 0, false
	}
	return e.State, true
}

// Entries lists every work the manager knows in enqueue order.
func (m *Manager) Entries() []EntrySnapshot {
	m.mu.Lock()
	list := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		list = append(list, e)
	}
	snaps := make([]EntrySnapshot, len(list))
	runners := make([]Runner, len(list))
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	for i, e := range list {
		runners[i] = e.runner
		snaps[i] = EntrySnapshot{
			WorkID: e.Work.ID,
			Code:   pathpolicy.WorkCode(e.Work),
			Title:  e.Work.Title,
			State:  e.State,
		}
		if e.Err != nil {
			snaps[i].Error = e.Err.Error()
		}
	}
	m.mu.Unlock()

	for i, r := range runners {
		if r != nil {
			snaps[i].Percent, snaps[i].Downloaded, snaps[i].Total, snaps[i].Status = r.Progress()
		}
	}
	return snaps
}

// Idle reports whether nothing is queued and every started work has returned
// and reported its outcome.
func (m *Manager) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running == 0 && m.queue.Len() == 0
}

// WaitIdle blocks until the manager is idle or ctx ends.
func (m *Manager) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for !m.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Shutdown cancels every active work, drops the queue and waits for the
// transfers to stop. Partial files are kept.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.stop()
	dropped := m.clearQueueLocked()
	for id, e := range m.active {
		e.State = base.Cancelled
		e.FinishedAt = time.Now()
		dropped = append(dropped, e)
		delete(m.active, id)
	}
	m.mu.Unlock()

	m.cancelled(dropped, "shutdown")
	m.wg.Wait()
	m.log.Info("Manager stopped")
}

func (m *Manager) activeLocked(id int) (*Entry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if e.State != base.Active && e.State != base.Paused {
		return nil, fmt.Errorf("%w: %d is %s", ErrNotActive, id, e.State)
	}
	return e, nil
}

func (m *Manager) record(e *Entry) {
	if m.recorder == nil {
		return
	}
	rec := history.Record{
		RunID:      m.runID,
		WorkID:     e.Work.ID,
		Code:       pathpolicy.WorkCode(e.Work),
		Title:      e.Work.Title,
		State:      e.State,
		StartedAt:  e.StartedAt,
		FinishedAt: e.FinishedAt,
	}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}
	if e.runner != nil {
		_, rec.Downloaded, rec.Total, _ = e.runner.Progress()
	}
	m.recorder.Record(rec)
}

// defaultRunner is called with the manager lock held.
func (m *Manager) defaultRunner(w base.WorkDescriptor, dir string, obs progress.Observer) Runner {
	cfg := m.cfg
	worker := transfer.NewWorker(transfer.Options{
		Client:        m.client,
		Fs:            m.fs,
		Limiter:       m.limiter,
		ChunkSize:     cfg.Download.ChunkSize,
		MaxRetries:    cfg.Download.MaxRetries,
		MinSpeed:      cfg.MinSpeedBytes(),
		CheckInterval: cfg.CheckInterval(),
		StallTimeout:  cfg.StallTimeout(),
		SlowBackoff:   m.slowBackoff,
		RetryBackoff:  m.retryBackoff,
	}, m.log)
	return work.New(w, dir, work.Settings{
		FileTypes:  cfg.FileTypes,
		ProbeSizes: cfg.Download.ProbeSizes,
	}, worker, m.fs, obs, m.log)
}
