package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"workdl/internal/concurrencies"
)

// speedWindow measures throughput over fixed windows and remembers when the
// last byte arrived.
type speedWindow struct {
	mu       sync.Mutex
	floor    float64 // bytes per second, 0 disables the check
	interval time.Duration
	stall    time.Duration // 0 disables the stall check
	start    time.Time
	bytes    int64
	lastByte time.Time
}

func newSpeedWindow(floor float64, interval, stall time.Duration, now time.Time) *speedWindow {
	return &speedWindow{floor: floor, interval: interval, stall: stall, start: now, lastByte: now}
}

func (s *speedWindow) add(n int, now time.Time) {
	s.mu.Lock()
	s.bytes += int64(n)
	s.lastByte = now
	s.mu.Unlock()
}

// reset starts a fresh window, used while the transfer is held.
func (s *speedWindow) reset(now time.Time) {
	s.mu.Lock()
	s.start = now
	s.bytes = 0
	s.lastByte = now
	s.mu.Unlock()
}

// check returns a non-nil error when the window closed below the floor or
// nothing arrived for the stall timeout. A closed window that passed starts
// the next one.
func (s *speedWindow) check(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stall > 0 && now.Sub(s.lastByte) >= s.stall {
		return fmt.Errorf("%w: no data for %s", ErrStalled, now.Sub(s.lastByte).Truncate(time.Millisecond))
	}
	if s.floor <= 0 {
		return nil
	}
	elapsed := now.Sub(s.start)
	if elapsed < s.interval {
		return nil
	}
	speed := float64(s.bytes) / elapsed.Seconds()
	if speed < s.floor {
		return fmt.Errorf("%w: %.1f KB/s over %s, want %.1f KB/s",
			ErrSlowTransfer, speed/1024, elapsed.Truncate(time.Millisecond), s.floor/1024)
	}
	s.start = now
	s.bytes = 0
	return nil
}

func watchTick(interval time.Duration) time.Duration {
	tick := interval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}
	return tick
}

// watch aborts the attempt through cancel when the window reports a problem.
func watch(ctx context.Context, cancel context.CancelCauseFunc, win *speedWindow, gate *concurrencies.Gate, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if gate.Paused() {
				win.reset(now)
				continue
			}
			if err := win.check(now); err != nil {
				cancel(err)
				return
			}
		}
	}
}
