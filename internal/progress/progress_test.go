package progress

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercent(t *testing.T) {
	tests := []struct {
		done, total int64
		want        int
	}{
		{0, 100, 0},
		{50, 100, 50},
		{100, 100, 100},
		{150, 100, 100},
		{10, 0, 0},
		{-1, 10, 0},
		{1, 3, 33},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Percent(tt.done, tt.total), "%d/%d", tt.done, tt.total)
	}
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatSize(512))
	assert.Equal(t, "1.00 KB", FormatSize(1024))
	assert.Equal(t, "1.50 MB", FormatSize(1536*1024))
	assert.Equal(t, "2.00 GB", FormatSize(2<<30))
	assert.Equal(t, "2048.00 TB", FormatSize(2<<50))
	assert.Equal(t, "512.0 KB/s", FormatSpeed(512))
	assert.Equal(t, "2.00 MB/s", FormatSpeed(2048))
}

func TestHubFansOutInOrder(t *testing.T) {
	var got []string
	rec := func(name string) Observer {
		return ObserverFunc(func(e Event) {
			assert.False(t, e.At.IsZero())
			got = append(got, name+":"+e.Kind.String())
		})
	}

	h := Hub{rec("a"), nil, rec("b")}
	h.Notify(Event{Kind: WorkStarted, WorkID: 1})
	h.Notify(Event{Kind: WorkCompleted, WorkID: 1})

	assert.Equal(t, []string{"a:work-started", "b:work-started", "a:work-completed", "b:work-completed"}, got)
}

func TestConsolePlainLines(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleWriter(&buf, false)

	c.Notify(Event{Kind: WorkStarted, WorkID: 3})
	c.Notify(Event{Kind: FilterStats, WorkID: 3, Stats: Stats{FileCount: 4, SkippedCount: 1, ActualTotal: 2048, SkippedTotal: 10}})
	for _, p := range []int{0, 5, 10, 55, 100, 100} {
		c.Notify(Event{Kind: Progress, WorkID: 3, Percent: p, Downloaded: int64(p) * 20, Total: 2048, Status: "downloading"})
	}
	c.Notify(Event{Kind: Speed, WorkID: 3, KBps: 100})
	assert.InDelta(t, 100, c.SmoothedSpeed(3), 0.001)
	c.Notify(Event{Kind: WorkCompleted, WorkID: 3})

	out := buf.String()
	assert.Contains(t, out, "work 3 started")
	assert.Contains(t, out, "work 3: 4 files, skipped 1 (10 B), downloading 3 (2.00 KB)")
	assert.Contains(t, out, "work 3 completed")
	assert.Equal(t, 1, strings.Count(out, "100%"))
	assert.Equal(t, 4, strings.Count(out, "downloading\n"))
	assert.Zero(t, c.SmoothedSpeed(3))
}

func TestConsoleBarOnTerminal(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleWriter(&buf, true)

	c.Notify(Event{Kind: FilterStats, WorkID: 9, Stats: Stats{FileCount: 1, ActualTotal: 1000}})
	c.Notify(Event{Kind: Progress, WorkID: 9, Percent: 50, Downloaded: 500, Total: 1000})
	c.Notify(Event{Kind: WorkFailed, WorkID: 9, Message: "boom"})

	require.Contains(t, buf.String(), "work 9 failed: boom")
}

func TestLogObserverHandlesEveryKind(t *testing.T) {
	o := NewLogObserver(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
	for k := WorkStarted; k <= WorkCancelled; k++ {
		o.Notify(Event{Kind: k, WorkID: 1, Percent: 10})
	}
	assert.Empty(t, o.last)
}
