package server

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSegmentCacheMemory(t *testing.T) {
	c, err := NewSegmentCache(t.TempDir(), time.Minute, -1, discardLogger())
	require.NoError(t, err)
	defer c.Close()

	_, _, ok := c.Get("http://a/seg1.m4s")
	require.False(t, ok)

	c.Set("http://a/seg1.m4s", []byte("clear"), Metadata{ContentType: "video/mp4", URL: "http://a/seg1.m4s"})
	data, meta, ok := c.Get("http://a/seg1.m4s")
	require.True(t, ok)
	require.Equal(t, []byte("clear"), data)
	require.Equal(t, int64(5), meta.Size)
	require.Equal(t, "video/mp4", meta.ContentType)

	report := c.Report()
	require.Equal(t, 1, report.Memory.Count)
	require.Equal(t, "5 B", report.Memory.TotalSize)
	require.Zero(t, report.File.Count)

	c.Delete("http://a/seg1.m4s")
	_, _, ok = c.Get("http://a/seg1.m4s")
	require.False(t, ok)
}

func TestSegmentCacheDisabled(t *testing.T) {
	c, err := NewSegmentCache(t.TempDir(), -1, -1, discardLogger())
	require.NoError(t, err)
	defer c.Close()

	c.Set("k", []byte("x"), Metadata{})
	_, _, ok := c.Get("k")
	require.False(t, ok)
}

func TestSegmentCacheFiles(t *testing.T) {
	dir := t.TempDir()
	c, err := NewSegmentCache(dir, -1, 0, discardLogger())
	require.NoError(t, err)
	c.Set("http://a/v/seg2.m4s?x=1", []byte("segment"), Metadata{URL: "http://a/v/seg2.m4s"})
	// Close waits for the queued write.
	c.Close()

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		require.True(t, strings.HasPrefix(f.Name(), "seg2.m4s_"), f.Name())
	}

	// A new cache over the same directory finds the file and promotes it.
	c, err = NewSegmentCache(dir, time.Minute, 0, discardLogger())
	require.NoError(t, err)
	defer c.Close()
	data, meta, ok := c.Get("http://a/v/seg2.m4s?x=1")
	require.True(t, ok)
	require.Equal(t, []byte("segment"), data)
	require.Equal(t, int64(7), meta.Size)

	report := c.Report()
	require.Equal(t, 1, report.Memory.Count)
	require.Equal(t, 1, report.File.Count)
	require.Equal(t, 2, report.Total.Count)
}

func TestSegmentCacheFileExpiry(t *testing.T) {
	dir := t.TempDir()
	c, err := NewSegmentCache(dir, -1, time.Hour, discardLogger())
	require.NoError(t, err)
	defer c.Close()

	name := fileNameFromKey("old")
	data := filepath.Join(dir, name+dataExt)
	require.NoError(t, os.WriteFile(data, []byte("x"), 0o644))
	require.NoError(t, saveMetadata(filepath.Join(dir, name+metaExt), Metadata{Size: 1}))
	_, _, ok := c.Get("old")
	require.True(t, ok)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(data, old, old))
	_, _, ok = c.Get("old")
	require.False(t, ok)

	require.Equal(t, 1, c.removeExpired(time.Now()))
	require.Equal(t, 1, c.removeExpired(time.Now().Add(2*time.Hour)))
	files, _ := os.ReadDir(dir)
	require.Empty(t, files)
}

func TestFileNameFromKey(t *testing.T) {
	a := fileNameFromKey("http://a/v/seg 1.m4s?init=x")
	b := fileNameFromKey("http://a/v/seg 1.m4s?init=y")
	require.NotEqual(t, a, b)
	require.True(t, strings.HasPrefix(a, "seg_1.m4s_"), a)
	require.NotContains(t, a, "/")
}

func TestRequestManager(t *testing.T) {
	rm := NewRequestManager()
	stored := map[string]any{}
	var mu sync.Mutex
	lookup := func() (any, bool) {
		mu.Lock()
		defer mu.Unlock()
		v, ok := stored["k"]
		return v, ok
	}

	release := make(chan struct{})
	var fetches atomic.Int32
	fetch := func() (any, error) {
		fetches.Add(1)
		<-release
		mu.Lock()
		stored["k"] = "segment"
		mu.Unlock()
		return "segment", nil
	}

	type result struct {
		v   any
		hit bool
		err error
	}
	results := make(chan result, 3)
	for i := 0; i < 3; i++ {
		go func() {
			v, hit, err := rm.Do("k", lookup, fetch)
			results <- result{v, hit, err}
		}()
	}
	require.Eventually(t, func() bool { return rm.InFlight() == 1 && fetches.Load() == 1 },
		time.Second, time.Millisecond)
	close(release)

	misses := 0
	for i := 0; i < 3; i++ {
		r := <-results
		require.NoError(t, r.err)
		require.Equal(t, "segment", r.v)
		if !r.hit {
			misses++
		}
	}
	require.Equal(t, 1, misses)
	require.Equal(t, int32(1), fetches.Load())
	require.Zero(t, rm.InFlight())

	v, hit, err := rm.Do("k", lookup, func() (any, error) {
		t.Fatal("fetch after the value was stored")
		return nil, nil
	})
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, "segment", v)
}

func TestRequestManagerSharesError(t *testing.T) {
	rm := NewRequestManager()
	miss := func() (any, bool) { return nil, false }
	boom := errors.New("origin down")

	started := make(chan struct{})
	release := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, _, err := rm.Do("k", miss, func() (any, error) {
			close(started)
			<-release
			return nil, boom
		})
		errCh <- err
	}()
	<-started

	type result struct {
		hit bool
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		_, hit, err := rm.Do("k", miss, func() (any, error) { return "second", nil })
		waiter <- result{hit, err}
	}()
	require.Eventually(t, func() bool { return rm.InFlight() == 1 }, time.Second, time.Millisecond)
	close(release)
	require.ErrorIs(t, <-errCh, boom)

	// The second call either waited on the failed fetch or ran its own after it.
	r := <-waiter
	require.False(t, r.hit)
	if r.err != nil {
		require.ErrorIs(t, r.err, boom)
	}
	require.Zero(t, rm.InFlight())
}
