package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

const (
	barWidth    = 30
	barThrottle = 100 * time.Millisecond
	lineStep    = 10 // Percent between plain progress lines
)

type consoleWork struct {
	bar      *progressbar.ProgressBar
	speed    ewma.MovingAverage
	total    int64
	lastLine int
}

// Console renders events for a human. On a terminal every active work gets
// a progress bar; otherwise it prints a line every few percent.
type Console struct {
	mu    sync.Mutex
	out   io.Writer
	tty   bool
	works map[int]*consoleWork

	info *color.Color
	ok   *color.Color
	warn *color.Color
	fail *color.Color
}

// NewConsole writes to f and detects whether f is a terminal.
func NewConsole(f *os.File) *Console {
	tty := isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	return NewConsoleWriter(f, tty)
}

func NewConsoleWriter(w io.Writer, tty bool) *Console {
	c := &Console{
		out:   w,
		tty:   tty,
		works: make(map[int]*consoleWork),
		info:  color.New(color.FgCyan),
		ok:    color.New(color.FgGreen, color.Bold),
		warn:  color.New(color.FgYellow),
		fail:  color.New(color.FgRed, color.Bold),
	}
	if !tty {
		for _, col := range []*color.Color{c.info, c.ok, c.warn, c.fail} {
			col.DisableColor()
		}
	}
	return c
}

func (c *Console) Notify(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Kind {
	case WorkStarted:
		c.info.Fprintf(c.out, "work %d started\n", e.WorkID)
	case FilterStats:
		w := c.work(e.WorkID)
		w.total = e.Stats.ActualTotal
		c.info.Fprintf(c.out, "work %d: %d files, skipped %d (%s), downloading %d (%s)\n",
			e.WorkID, e.Stats.FileCount, e.Stats.SkippedCount, FormatSize(e.Stats.SkippedTotal),
			e.Stats.FileCount-e.Stats.SkippedCount, FormatSize(e.Stats.ActualTotal))
		if c.tty {
			w.bar = c.newBar(e.WorkID, w.total)
		}
	case Progress:
		w := c.work(e.WorkID)
		if w.bar != nil {
			_ = w.bar.Set64(e.Downloaded)
			return
		}
		if e.Percent >= w.lastLine+lineStep || (e.Percent == 100 && w.lastLine < 100) {
			w.lastLine = e.Percent - e.Percent%lineStep
			fmt.Fprintf(c.out, "work %d: %3d%% %s / %s %s\n", e.WorkID, e.Percent,
				FormatSize(e.Downloaded), FormatSize(e.Total), e.Status)
		}
	case Speed:
		w := c.work(e.WorkID)
		w.speed.Add(e.KBps)
		if w.bar != nil {
			w.bar.Describe(fmt.Sprintf("work %d %s", e.WorkID, FormatSpeed(w.speed.Value())))
		}
	case WorkCompleted:
		c.finish(e.WorkID, false)
		c.ok.Fprintf(c.out, "work %d completed\n", e.WorkID)
	case WorkFailed:
		c.finish(e.WorkID, true)
		c.fail.Fprintf(c.out, "work %d failed: %s\n", e.WorkID, e.Message)
	case WorkCancelled:
		c.finish(e.WorkID, true)
		c.warn.Fprintf(c.out, "work %d cancelled: %s\n", e.WorkID, e.Message)
	}
}

// SmoothedSpeed returns the averaged KB/s of a work, or 0 if unknown.
func (c *Console) SmoothedSpeed(id int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.works[id]; ok {
		return w.speed.Value()
	}
	return 0
}

func (c *Console) work(id int) *consoleWork {
	w, ok := c.works[id]
	if !ok {
		w = &consoleWork{speed: ewma.NewMovingAverage(), lastLine: -lineStep}
		c.works[id] = w
	}
	return w
}

func (c *Console) newBar(id int, total int64) *progressbar.ProgressBar {
	if total <= 0 {
		total = -1
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(c.out),
		progressbar.OptionSetDescription(fmt.Sprintf("work %d", id)),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(barWidth),
		progressbar.OptionThrottle(barThrottle),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(c.out) }),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func (c *Console) finish(id int, abort bool) {
	w, ok := c.works[id]
	if !ok {
		return
	}
	delete(c.works, id)
	if w.bar == nil {
		return
	}
	if abort {
		_ = w.bar.Exit()
		fmt.Fprintln(c.out)
		return
	}
	_ = w.bar.Finish()
}
