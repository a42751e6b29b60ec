// Package work downloads every eligible file of one work, in catalog order,
// and reports aggregate progress for the work as a whole.
package work

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"workdl/internal/base"
	"workdl/internal/concurrencies"
	"workdl/internal/pathpolicy"
	"workdl/internal/progress"
	"workdl/internal/transfer"
)

// Fetcher moves single files. *transfer.Worker implements it.
type Fetcher interface {
	Fetch(ctx context.Context, t transfer.Target, gate *concurrencies.Gate, onProgress transfer.ProgressFunc) (base.Outcome, error)
	Probe(ctx context.Context, url string) (int64, error)
}

type Settings struct {
	FileTypes     map[string]bool // uppercase extension -> download
	ProbeSizes    bool            // ask the server for sizes the catalog left at 0
	SpeedInterval time.Duration
}

type Downloader struct {
	work     base.WorkDescriptor
	dir      string
	settings Settings
	fetcher  Fetcher
	fs       afero.Fs
	obs      progress.Observer
	log      *slog.Logger

	gate    concurrencies.Gate
	tracker *tracker
	ready   chan struct{}
}

func New(w base.WorkDescriptor, dir string, settings Settings, fetcher Fetcher, fs afero.Fs, obs progress.Observer, log *slog.Logger) *Downloader {
	if settings.SpeedInterval <= 0 {
		settings.SpeedInterval = base.SpeedReportInterval
	}
	if obs == nil {
		obs = progress.Discard
	}
	return &Downloader{
		work:     w,
		dir:      dir,
		settings: settings,
		fetcher:  fetcher,
		fs:       fs,
		obs:      obs,
		log: log.With(slog.String("item", "WorkDownloader"),
			slog.Int("work_id", w.ID), slog.String("code", pathpolicy.WorkCode(w))),
		ready: make(chan struct{}),
	}
}

// Run downloads the work. It stops at the first file that fails for good and
// returns that error. Cancelling ctx returns Aborted and a nil error.
func (d *Downloader) Run(ctx context.Context) (base.Outcome, error) {
	w := d.probe(ctx)

	plan, err := BuildPlan(d.fs, w, d.dir, d.settings.FileTypes)
	if err != nil {
		return base.Done, fmt.Errorf("cannot plan work %d: %w", w.ID, err)
	}
	d.log.Info(plan.Summary(), slog.String("dir", d.dir))
	d.obs.Notify(progress.Event{Kind: progress.FilterStats, WorkID: w.ID, Stats: plan.Stats})

	d.tracker = newTracker(w.ID, plan, d.obs, d.settings.SpeedInterval)
	close(d.ready)
	if d.gate.Paused() {
		d.tracker.setStatus(StatusPaused)
	} else {
		d.tracker.emit()
	}

	for i, f := range plan.Files {
		if !f.Eligible {
			continue
		}
		if ctx.Err() != nil {
			return base.Aborted, nil
		}

		i := i
		out, err := d.fetcher.Fetch(ctx, transfer.Target{URL: f.URL, Path: f.Path, Size: f.Size}, &d.gate,
			func(n int64) { d.tracker.update(i, n) })
		if err != nil {
			return base.Done, fmt.Errorf("cannot download %q: %w", f.Title, err)
		}
		switch out {
		case base.Aborted:
			d.log.Info("Cancelled", slog.String("file", f.Title))
			return base.Aborted, nil
		case base.AlreadyComplete:
			d.log.Debug("Already complete", slog.String("file", f.Title))
		}
		d.tracker.update(i, f.Size)
	}

	d.tracker.finish()
	return base.Done, nil
}

// Pause holds the transfer at the next chunk boundary.
func (d *Downloader) Pause() bool {
	if !d.gate.Pause() {
		return false
	}
	if d.started() {
		d.tracker.setStatus(StatusPaused)
	}
	return true
}

func (d *Downloader) Resume() bool {
	if !d.gate.Resume() {
		return false
	}
	if d.started() {
		d.tracker.setStatus(StatusDownloading)
	}
	return true
}

func (d *Downloader) Paused() bool {
	return d.gate.Paused()
}

// Progress returns percent, downloaded and total bytes and the status text.
// Before planning finished every value is zero.
func (d *Downloader) Progress() (int, int64, int64, string) {
	if !d.started() {
		return 0, 0, 0, ""
	}
	return d.tracker.snapshot()
}

func (d *Downloader) started() bool {
	select {
	case <-d.ready:
		return true
	default:
		return false
	}
}

// probe fills in sizes the catalog did not know. Failures leave the size at 0.
func (d *Downloader) probe(ctx context.Context) base.WorkDescriptor {
	w := d.work
	if !d.settings.ProbeSizes {
		return w
	}
	files := make([]base.FileDescriptor, len(w.Files))
	copy(files, w.Files)
	for i, f := range files {
		if f.Size > 0 || !Eligible(f, d.settings.FileTypes) {
			continue
		}
		size, err := d.fetcher.Probe(ctx, f.URL)
		if err != nil {
			d.log.Warn("Cannot probe size", slog.String("file", f.Title), slog.Any("error", err))
			continue
		}
		files[i].Size = size
	}
	w.Files = files
	return w
}
