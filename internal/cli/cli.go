// Package cli reads operator commands from a terminal while works download.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"workdl/internal/config"
	"workdl/internal/history"
	"workdl/internal/progress"
	"workdl/internal/queue"
	"workdl/state"
)

const historyLimit = 20

// ErrExit is returned by HandleUserInput when the operator asks to quit.
var ErrExit = errors.New("exit requested")

const usage = "Commands: 'pause ID', 'resume ID', 'cancel ID', 'speed MB_PER_SEC', 'setretries NUM', 'status', 'history', 'exit'"

// Controller is the part of the download manager the console drives.
type Controller interface {
	Pause(id int) error
	Resume(id int) error
	Cancel(id int) error
	Advance()
	Config() config.Config
	UpdateConfig(cfg config.Config) error
	Entries() []queue.EntrySnapshot
}

type HistoryLister interface {
	List(ctx context.Context, limit int) ([]history.Record, error)
}

// SpeedSource reports a smoothed KB/s for a work, 0 when unknown.
type SpeedSource interface {
	SmoothedSpeed(id int) float64
}

type Shell struct {
	ctl    Controller
	status *state.Store
	speed  SpeedSource
	hist   HistoryLister
	out    io.Writer
	log    *slog.Logger

	ok   *color.Color
	warn *color.Color
	bad  *color.Color
}

// New returns a shell writing to out. status and hist may be nil.
func New(ctl Controller, status *state.Store, hist HistoryLister, out io.Writer, log *slog.Logger) *Shell {
	return &Shell{
		ctl:    ctl,
		status: status,
		hist:   hist,
		out:    out,
		log:    log.With(slog.String("item", "CLI")),
		ok:     color.New(color.FgGreen),
		warn:   color.New(color.FgYellow),
		bad:    color.New(color.FgRed),
	}
}

// UseSpeed makes status prefer src over the last raw speed sample.
func (s *Shell) UseSpeed(src SpeedSource) *Shell {
	s.speed = src
	return s
}

// HandleUserInput processes one command per line until in is exhausted or
// the operator types exit, in which case it returns ErrExit.
func (s *Shell) HandleUserInput(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if !s.ProcessCommand(scanner.Text()) {
			return ErrExit
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("cannot read commands: %w", err)
	}
	return nil
}

// ProcessCommand runs a single command line. It reports false for exit.
func (s *Shell) ProcessCommand(input string) bool {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return true
	}

	action := strings.ToLower(parts[0])
	switch action {
	case "exit", "quit":
		s.ok.Fprintln(s.out, "Exiting...")
		return false
	case "status":
		s.printStatus()
		return true
	case "history":
		s.printHistory()
		return true
	case "help":
		fmt.Fprintln(s.out, usage)
		return true
	}

	if len(parts) != 2 {
		s.warn.Fprintln(s.out, "Invalid command. "+usage)
		return true
	}

	switch action {
	case "pause", "resume", "cancel":
		id, err := strconv.Atoi(parts[1])
		if err != nil {
			s.warn.Fprintln(s.out, "Invalid work ID. Must be a number.")
			return true
		}
		s.control(action, id)
	case "speed":
		mbps, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || mbps < 0 {
			s.warn.Fprintln(s.out, "Invalid speed. Must be a non-negative number (MB/s, 0 for unlimited).")
			return true
		}
		s.update(func(cfg *config.Config) { cfg.Download.SpeedLimit = mbps },
			fmt.Sprintf("Speed limit set to %s MB/s", parts[1]))
	case "setretries":
		n, err := strconv.Atoi(parts[1])
		if err != nil || n < 0 {
			s.warn.Fprintln(s.out, "Invalid retries number. Must be a non-negative integer.")
			return true
		}
		s.update(func(cfg *config.Config) { cfg.Download.MaxRetries = n },
			fmt.Sprintf("Max retries set to %d", n))
	default:
		s.warn.Fprintln(s.out, "Invalid action. "+usage)
	}
	return true
}

func (s *Shell) control(action string, id int) {
	var err error
	switch action {
	case "pause":
		err = s.ctl.Pause(id)
	case "resume":
		err = s.ctl.Resume(id)
	case "cancel":
		err = s.ctl.Cancel(id)
		if err == nil {
			s.ctl.Advance()
		}
	}
	if err != nil {
		s.bad.Fprintf(s.out, "Cannot %s work %d: %v\n", action, id, err)
		return
	}
	s.log.Info("Operator command", slog.String("action", action), slog.Int("work_id", id))
	s.ok.Fprintf(s.out, "Work %d: %s\n", id, action)
}

func (s *Shell) update(change func(*config.Config), msg string) {
	cfg := s.ctl.Config()
	change(&cfg)
	if err := s.ctl.UpdateConfig(cfg); err != nil {
		s.bad.Fprintf(s.out, "Cannot update config: %v\n", err)
		return
	}
	s.ok.Fprintln(s.out, msg)
}

func (s *Shell) printStatus() {
	entries := s.ctl.Entries()
	if len(entries) == 0 {
		fmt.Fprintln(s.out, "No works.")
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%-10s %-9s %3d%%  %s / %s", e.Code, e.State, e.Percent,
			progress.FormatSize(e.Downloaded), progress.FormatSize(e.Total))
		if kbps := s.speedOf(e.WorkID); kbps > 0 && !e.State.Terminal() {
			line += "  " + progress.FormatSpeed(kbps)
		}
		if e.Error != "" {
			line += "  " + e.Error
		}
		fmt.Fprintf(s.out, "%d  %s  %s\n", e.WorkID, line, e.Title)
	}
}

func (s *Shell) speedOf(id int) float64 {
	if s.speed != nil {
		if v := s.speed.SmoothedSpeed(id); v > 0 {
			return v
		}
	}
	if s.status != nil {
		if p, ok := s.status.Get(id); ok {
			return p.KBps
		}
	}
	return 0
}

func (s *Shell) printHistory() {
	if s.hist == nil {
		fmt.Fprintln(s.out, "History is disabled.")
		return
	}
	records, err := s.hist.List(context.Background(), historyLimit)
	if err != nil {
		s.bad.Fprintf(s.out, "Cannot read history: %v\n", err)
		return
	}
	if len(records) == 0 {
		fmt.Fprintln(s.out, "History is empty.")
		return
	}
	for _, r := range records {
		fmt.Fprintf(s.out, "%s  %-10s %-9s %s / %s  %s\n", r.FinishedAt.Format("2006-01-02 15:04:05"),
			r.Code, r.State, progress.FormatSize(r.Downloaded), progress.FormatSize(r.Total), r.Title)
	}
}
