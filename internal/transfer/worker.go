// Package transfer moves one remote file to disk, resuming from whatever is
// already there and retrying until the file is complete or the budget runs out.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"workdl/internal/base"
	"workdl/internal/concurrencies"
	"workdl/rate"
)

// Target is one file to fetch.
type Target struct {
	URL  string
	Path string
	Size int64 // 0 means unknown
}

// ProgressFunc receives the on-disk size of the target after every chunk.
// The value drops when a corrupt partial file is discarded.
type ProgressFunc func(onDisk int64)

type Options struct {
	Client        *http.Client
	Fs            afero.Fs
	Limiter       *rate.TokenBucket // nil means unlimited
	ChunkSize     int
	MaxRetries    int
	MinSpeed      int64         // bytes per second, 0 disables the slow check
	CheckInterval time.Duration // window of the slow check
	StallTimeout  time.Duration // abort when no byte arrives for this long, 0 disables
	SlowBackoff   time.Duration
	RetryBackoff  time.Duration
}

type Worker struct {
	opts Options
	log  *slog.Logger
}

func NewWorker(opts Options, log *slog.Logger) *Worker {
	if opts.Client == nil {
		opts.Client = NewClient(base.DefaultTimeout, nil)
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = base.ChunkSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = base.DefaultMinSpeedCheck
	}
	return &Worker{
		opts: opts,
		log:  log.With(slog.String("item", "TransferWorker")),
	}
}

// Fetch downloads t.URL into t.Path. A file already at its declared size, or
// any non-empty file when the size is unknown, is reported as AlreadyComplete
// without touching the network. Cancelling ctx
// stops at the next chunk boundary, keeps the partial file and reports
// Aborted with a nil error.
func (w *Worker) Fetch(ctx context.Context, t Target, gate *concurrencies.Gate, onProgress ProgressFunc) (base.Outcome, error) {
	if gate == nil {
		gate = &concurrencies.Gate{}
	}
	if onProgress == nil {
		onProgress = func(int64) {}
	}
	log := w.log.With(slog.String("file", t.Path))

	if err := w.opts.Fs.MkdirAll(filepath.Dir(t.Path), 0o755); err != nil {
		return base.Done, fmt.Errorf("cannot create directory for %s: %w", t.Path, err)
	}
	onDisk, err := w.onDisk(t.Path)
	if err != nil {
		return base.Done, err
	}
	// Without a declared size any existing file counts as finished.
	if (t.Size > 0 && onDisk >= t.Size) || (t.Size == 0 && onDisk > 0) {
		log.Debug("Already complete", slog.Int64("size", onDisk))
		return base.AlreadyComplete, nil
	}

	retries := 0
	for {
		err := w.attempt(ctx, t, gate, onProgress, log)
		if err == nil {
			return base.Done, nil
		}
		if ctx.Err() != nil {
			return base.Aborted, nil
		}

		plan, ok := w.classify(err)
		if !ok {
			return base.Done, fmt.Errorf("cannot download %s: %w", t.URL, err)
		}
		retries++
		if retries > w.opts.MaxRetries {
			return base.Done, fmt.Errorf("%w for %s after %d attempts: %w", ErrRetriesExhausted, t.URL, retries, err)
		}
		if plan.destructive {
			if err := w.opts.Fs.Remove(t.Path); err != nil && !os.IsNotExist(err) {
				return base.Done, fmt.Errorf("cannot remove corrupt file %s: %w", t.Path, err)
			}
			onProgress(0)
		}

		log.Warn("Transfer failed, retrying",
			slog.Int("attempt", retries),
			slog.Int("max_retries", w.opts.MaxRetries),
			slog.Duration("backoff", plan.delay),
			slog.Bool("discarded", plan.destructive),
			slog.Any("error", err))

		if !sleep(ctx, plan.delay) {
			return base.Aborted, nil
		}
	}
}

// Probe asks the server for the size of url. It returns 0 if the server does
// not say.
func (w *Worker) Probe(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("cannot create request: %w", err)
	}
	resp, err := w.opts.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("cannot probe %s: %w", url, err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return 0, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength, nil
	}
	if total, ok := contentRangeTotal(resp.Header.Get("Content-Range")); ok {
		return total, nil
	}
	return 0, nil
}

func (w *Worker) attempt(ctx context.Context, t Target, gate *concurrencies.Gate, onProgress ProgressFunc, log *slog.Logger) error {
	offset, err := w.onDisk(t.Path)
	if err != nil {
		return err
	}
	if t.Size > 0 && offset >= t.Size {
		return nil
	}

	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(actx, http.MethodGet, t.URL, nil)
	if err != nil {
		return local("cannot create request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := w.opts.Client.Do(req)
	if err != nil {
		return cause(actx, err)
	}
	defer resp.Body.Close()

	flag := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	switch resp.StatusCode {
	case http.StatusPartialContent:
		if start, ok := contentRangeStart(resp.Header.Get("Content-Range")); ok && start != offset {
			return fmt.Errorf("%w: server resumed at %d, have %d", ErrIncompleteRead, start, offset)
		}
	case http.StatusOK:
		if offset > 0 {
			log.Debug("Range ignored by server, restarting", slog.Int64("offset", offset))
			// Append mode would write the new body after the old bytes.
			flag = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			offset = 0
			onProgress(0)
		}
	case http.StatusRequestedRangeNotSatisfiable:
		total, ok := contentRangeTotal(resp.Header.Get("Content-Range"))
		if (ok && total == offset) || (!ok && t.Size == 0 && offset > 0) {
			return nil
		}
		return fmt.Errorf("%w: range %d not satisfiable", ErrIncompleteRead, offset)
	default:
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	f, err := w.opts.Fs.OpenFile(t.Path, flag, 0o644)
	if err != nil {
		return local("cannot open file: %w", err)
	}
	defer f.Close()

	floor := float64(w.opts.MinSpeed)
	if w.opts.Limiter != nil && !w.opts.Limiter.Unlimited() {
		// A cap under the floor would make every window look slow.
		if capped := float64(w.opts.Limiter.Rate()) / 2; capped < floor {
			floor = capped
		}
	}
	win := newSpeedWindow(floor, w.opts.CheckInterval, w.opts.StallTimeout, time.Now())
	tick := w.opts.CheckInterval
	if w.opts.StallTimeout > 0 && (floor <= 0 || w.opts.StallTimeout < tick) {
		tick = w.opts.StallTimeout
	}
	if floor > 0 || w.opts.StallTimeout > 0 {
		go watch(actx, cancel, win, gate, watchTick(tick))
	}

	buf := make([]byte, w.opts.ChunkSize)
	written := offset
	for {
		if err := gate.Wait(actx); err != nil {
			return cause(actx, err)
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if w.opts.Limiter != nil {
				if err := w.opts.Limiter.Consume(actx, n); err != nil {
					return cause(actx, err)
				}
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return local("cannot write file: %w", err)
			}
			written += int64(n)
			win.add(n, time.Now())
			onProgress(written)
		}
		if rerr == nil {
			continue
		}
		if actx.Err() != nil {
			return cause(actx, rerr)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if errors.Is(rerr, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: %v", ErrIncompleteRead, rerr)
		}
		return rerr
	}

	if t.Size > 0 && written < t.Size {
		return fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, written, t.Size)
	}
	if t.Size > 0 && written > t.Size {
		log.Warn("File larger than declared", slog.Int64("declared", t.Size), slog.Int64("actual", written))
	}
	return nil
}

func (w *Worker) onDisk(path string) (int64, error) {
	fi, err := w.opts.Fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, local("cannot stat file: %w", err)
	}
	return fi.Size(), nil
}

// cause prefers the reason an attempt was aborted over the error it produced.
func cause(ctx context.Context, err error) error {
	if c := context.Cause(ctx); c != nil && !errors.Is(c, context.Canceled) {
		return c
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// contentRangeStart parses "bytes 100-199/200".
func contentRangeStart(v string) (int64, bool) {
	v, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return 0, false
	}
	dash := strings.IndexByte(v, '-')
	if dash < 0 {
		return 0, false
	}
	start, err := strconv.ParseInt(v[:dash], 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}

// contentRangeTotal parses the total of "bytes */200" or "bytes 0-9/200".
func contentRangeTotal(v string) (int64, bool) {
	slash := strings.LastIndexByte(v, '/')
	if slash < 0 || !strings.HasPrefix(strings.TrimSpace(v), "bytes ") {
		return 0, false
	}
	total, err := strconv.ParseInt(strings.TrimSpace(v[slash+1:]), 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}
