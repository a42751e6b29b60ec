package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workdl/internal/base"
	"workdl/internal/concurrencies"
	"workdl/rate"
)

const testPath = "/dl/work/file.bin"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fileServer struct {
	content []byte

	mu     sync.Mutex
	ranges []string
	// hook may take over a request; it returns false to fall back to serveRange.
	hook func(attempt int, w http.ResponseWriter, r *http.Request) bool
}

func (s *fileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.ranges = append(s.ranges, r.Header.Get("Range"))
	attempt := len(s.ranges)
	hook := s.hook
	s.mu.Unlock()

	if hook != nil && hook(attempt, w, r) {
		return
	}
	serveRange(w, r, s.content)
}

func (s *fileServer) requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

func serveRange(w http.ResponseWriter, r *http.Request, content []byte) {
	start := 0
	if v := r.Header.Get("Range"); v != "" {
		fmt.Sscanf(v, "bytes=%d-", &start)
		if start >= len(content) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(content)))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(content)-1, len(content)))
		w.Header().Set("Content-Length", strconv.Itoa(len(content)-start))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
	}
	w.Write(content[start:])
}

// stallAfter sends the first n bytes of a full response and then hangs until
// the client goes away.
func stallAfter(content []byte, n int) func(int, http.ResponseWriter, *http.Request) bool {
	return func(attempt int, w http.ResponseWriter, r *http.Request) bool {
		if attempt > 1 {
			return false
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content[:n])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		return true
	}
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func newTestWorker(fs afero.Fs, mod func(*Options)) *Worker {
	opts := Options{
		Client:        NewClient(5*time.Second, nil),
		Fs:            fs,
		MaxRetries:    3,
		CheckInterval: time.Minute,
		SlowBackoff:   time.Millisecond,
		RetryBackoff:  time.Millisecond,
	}
	if mod != nil {
		mod(&opts)
	}
	return NewWorker(opts, discard)
}

func readFile(t *testing.T, fs afero.Fs) []byte {
	t.Helper()
	b, err := afero.ReadFile(fs, testPath)
	require.NoError(t, err)
	return b
}

func TestFetchFreshFile(t *testing.T) {
	content := payload(50_000)
	srv := &fileServer{content: content}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	fs := afero.NewMemMapFs()
	var last int64
	out, err := newTestWorker(fs, nil).Fetch(context.Background(),
		Target{URL: ts.URL, Path: testPath, Size: int64(len(content))}, nil,
		func(n int64) {
			assert.GreaterOrEqual(t, n, last)
			last = n
		})

	require.NoError(t, err)
	assert.Equal(t, base.Done, out)
	assert.Equal(t, int64(len(content)), last)
	assert.Equal(t, content, readFile(t, fs))
	assert.Equal(t, []string{""}, srv.requests())
}

func TestFetchAlreadyCompleteMakesNoRequest(t *testing.T) {
	content := payload(1000)
	srv := &fileServer{content: content}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, testPath, content, 0o644))

	w := newTestWorker(fs, nil)
	for i := 0; i < 2; i++ {
		out, err := w.Fetch(context.Background(), Target{URL: ts.URL, Path: testPath, Size: 1000}, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, base.AlreadyComplete, out)
	}
	assert.Empty(t, srv.requests())
}

func TestFetchResumesWithRange(t *testing.T) {
	content := payload(20_000)
	srv := &fileServer{content: content}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, testPath, content[:7000], 0o644))

	out, err := newTestWorker(fs, nil).Fetch(context.Background(),
		Target{URL: ts.URL, Path: testPath, Size: int64(len(content))}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, base.Done, out)
	assert.Equal(t, []string{"bytes=7000-"}, srv.requests())
	assert.Equal(t, content, readFile(t, fs))
}

func TestFetchRestartsWhenRangeIgnored(t *testing.T) {
	content := payload(10_000)
	srv := &fileServer{content: content}
	srv.hook = func(_ int, w http.ResponseWriter, r *http.Request) bool {
		r.Header.Del("Range")
		serveRange(w, r, content)
		return true
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, testPath, []byte("stale"), 0o644))

	var progress []int64
	_, err := newTestWorker(fs, nil).Fetch(context.Background(),
		Target{URL: ts.URL, Path: testPath, Size: int64(len(content))}, nil,
		func(n int64) { progress = append(progress, n) })

	require.NoError(t, err)
	got := readFile(t, fs)
	assert.Len(t, got, len(content))
	assert.Equal(t, content[:8], got[:8])
	assert.Equal(t, content, got)
	assert.Equal(t, []string{"bytes=5-"}, srv.requests())
	require.NotEmpty(t, progress)
	assert.Equal(t, int64(0), progress[0])
}

func TestFetchSlowTransferResumesFromDisk(t *testing.T) {
	content := payload(30_000)
	srv := &fileServer{content: content}
	srv.hook = stallAfter(content, 100)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	fs := afero.NewMemMapFs()
	out, err := newTestWorker(fs, func(o *Options) {
		o.MinSpeed = 10_000
		o.CheckInterval = 100 * time.Millisecond
	}).Fetch(context.Background(), Target{URL: ts.URL, Path: testPath, Size: int64(len(content))}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, base.Done, out)
	assert.Equal(t, []string{"", "bytes=100-"}, srv.requests())
	assert.Equal(t, content, readFile(t, fs))
}

func TestFetchStallTimeout(t *testing.T) {
	content := payload(5000)
	srv := &fileServer{content: content}
	srv.hook = stallAfter(content, 10)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	fs := afero.NewMemMapFs()
	_, err := newTestWorker(fs, func(o *Options) {
		o.StallTimeout = 80 * time.Millisecond
	}).Fetch(context.Background(), Target{URL: ts.URL, Path: testPath, Size: int64(len(content))}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"", "bytes=10-"}, srv.requests())
	assert.Equal(t, content, readFile(t, fs))
}

func TestFetchTruncatedBodyDiscardsPartial(t *testing.T) {
	content := payload(40_000)
	srv := &fileServer{content: content}
	srv.hook = func(attempt int, w http.ResponseWriter, r *http.Request) bool {
		if attempt > 1 {
			return false
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content[:9000])
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	fs := afero.NewMemMapFs()
	var sawReset bool
	out, err := newTestWorker(fs, nil).Fetch(context.Background(),
		Target{URL: ts.URL, Path: testPath, Size: int64(len(content))}, nil,
		func(n int64) {
			if n == 0 {
				sawReset = true
			}
		})

	require.NoError(t, err)
	assert.Equal(t, base.Done, out)
	assert.True(t, sawReset)
	assert.Equal(t, []string{"", ""}, srv.requests())
	assert.Equal(t, content, readFile(t, fs))
}

func TestFetchRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := newTestWorker(afero.NewMemMapFs(), func(o *Options) { o.MaxRetries = 2 }).
		Fetch(context.Background(), Target{URL: ts.URL, Path: testPath, Size: 10}, nil, nil)

	require.ErrorIs(t, err, ErrRetriesExhausted)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchFatalStatusDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	_, err := newTestWorker(afero.NewMemMapFs(), nil).
		Fetch(context.Background(), Target{URL: ts.URL, Path: testPath, Size: 10}, nil, nil)

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchLocalErrorIsFatal(t *testing.T) {
	srv := &fileServer{content: payload(100)}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	_, err := newTestWorker(fs, nil).
		Fetch(context.Background(), Target{URL: ts.URL, Path: testPath, Size: 100}, nil, nil)

	require.Error(t, err)
	assert.LessOrEqual(t, len(srv.requests()), 1)
}

func TestFetchCancelKeepsPartialFile(t *testing.T) {
	content := payload(10_000)
	srv := &fileServer{content: content}
	srv.hook = stallAfter(content, 500)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	fs := afero.NewMemMapFs()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := newTestWorker(fs, nil).Fetch(ctx,
		Target{URL: ts.URL, Path: testPath, Size: int64(len(content))}, nil,
		func(n int64) {
			if n >= 500 {
				cancel()
			}
		})

	require.NoError(t, err)
	assert.Equal(t, base.Aborted, out)
	assert.Equal(t, content[:500], readFile(t, fs))
}

func TestFetchHoldsWhilePaused(t *testing.T) {
	content := payload(20_000)
	ts := httptest.NewServer(&fileServer{content: content})
	defer ts.Close()

	fs := afero.NewMemMapFs()
	gate := &concurrencies.Gate{}
	gate.Pause()

	var chunks atomic.Int32
	done := make(chan error, 1)
	go func() {
		_, err := newTestWorker(fs, nil).Fetch(context.Background(),
			Target{URL: ts.URL, Path: testPath, Size: int64(len(content))}, gate,
			func(int64) { chunks.Add(1) })
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, chunks.Load())

	gate.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not finish after resume")
	}
	assert.Equal(t, content, readFile(t, fs))
}

func TestFetchUnknownSizeExistingFileMakesNoRequest(t *testing.T) {
	content := payload(3000)
	srv := &fileServer{content: content}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, testPath, content, 0o644))

	out, err := newTestWorker(fs, nil).Fetch(context.Background(),
		Target{URL: ts.URL, Path: testPath}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, base.AlreadyComplete, out)
	assert.Empty(t, srv.requests())
	assert.Equal(t, content, readFile(t, fs))
}

func TestFetchUnknownSizeFreshFile(t *testing.T) {
	content := payload(3000)
	srv := &fileServer{content: content}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	fs := afero.NewMemMapFs()
	out, err := newTestWorker(fs, nil).Fetch(context.Background(),
		Target{URL: ts.URL, Path: testPath}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, base.Done, out)
	assert.Equal(t, []string{""}, srv.requests())
	assert.Equal(t, content, readFile(t, fs))
}

func TestFetchOverstatedSizeFinishesOn416(t *testing.T) {
	content := payload(3000)
	srv := &fileServer{content: content}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	fs := afero.NewMemMapFs()
	out, err := newTestWorker(fs, nil).Fetch(context.Background(),
		Target{URL: ts.URL, Path: testPath, Size: 3500}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, base.Done, out)
	assert.Equal(t, []string{"", "bytes=3000-"}, srv.requests())
}

func TestFetchRateLimited(t *testing.T) {
	content := payload(250_000)
	ts := httptest.NewServer(&fileServer{content: content})
	defer ts.Close()

	fs := afero.NewMemMapFs()
	start := time.Now()
	_, err := newTestWorker(fs, func(o *Options) {
		o.Limiter = rate.NewTokenBucket(100_000)
	}).Fetch(context.Background(), Target{URL: ts.URL, Path: testPath, Size: int64(len(content))}, nil, nil)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 1300*time.Millisecond)
	assert.True(t, bytes.Equal(content, readFile(t, fs)))
}

func TestProbe(t *testing.T) {
	ts := httptest.NewServer(&fileServer{content: payload(4321)})
	defer ts.Close()

	size, err := newTestWorker(afero.NewMemMapFs(), nil).Probe(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(4321), size)
}

func TestSpeedWindow(t *testing.T) {
	now := time.Now()
	win := newSpeedWindow(1000, time.Second, 0, now)

	win.add(5000, now.Add(100*time.Millisecond))
	require.NoError(t, win.check(now.Add(500*time.Millisecond)))
	require.NoError(t, win.check(now.Add(time.Second)))

	// The passing check opened a fresh window with no bytes in it.
	win.add(10, now.Add(1500*time.Millisecond))
	err := win.check(now.Add(2 * time.Second))
	require.ErrorIs(t, err, ErrSlowTransfer)

	win.reset(now.Add(3 * time.Second))
	require.NoError(t, win.check(now.Add(3500*time.Millisecond)))
}

func TestContentRange(t *testing.T) {
	start, ok := contentRangeStart("bytes 100-199/200")
	assert.True(t, ok)
	assert.Equal(t, int64(100), start)

	total, ok := contentRangeTotal("bytes */200")
	assert.True(t, ok)
	assert.Equal(t, int64(200), total)

	_, ok = contentRangeTotal("bytes 0-9/*")
	assert.False(t, ok)
	_, ok = contentRangeStart("items 1-2/3")
	assert.False(t, ok)
}
