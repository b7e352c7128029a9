package utils

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDGeneratorIncreasing(t *testing.T) {
	as := assert.New(t)
	g := NewIDGenerator()
	prev := g.Next()
	as.NotZero(prev)
	for i := 0; i < 10000; i++ {
		id := g.Next()
		as.Greater(id, prev)
		prev = id
	}
}

func TestIDGeneratorFrozenClock(t *testing.T) {
	frozen := time.UnixMilli(1700000000000)
	g := &IDGenerator{now: func() time.Time { return frozen }}
	seen := map[uint64]bool{}
	for i := 0; i < 1000; i++ {
		id := g.Next()
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestIDGeneratorConcurrent(t *testing.T) {
	g := NewIDGenerator()
	var mu sync.Mutex
	seen := map[uint64]bool{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				id := g.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 8*500)
}

func TestWriteFileAtomic(t *testing.T) {
	as := assert.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "HEAD")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0644))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0644))

	data, err := os.ReadFile(path)
	as.NoError(err)
	as.Equal("second", string(data))

	entries, err := os.ReadDir(dir)
	as.NoError(err)
	as.Len(entries, 1, "temporary files must not be left behind")
}

func TestReadyWaitCollapsesNotifications(t *testing.T) {
	as := assert.New(t)
	r := NewReadyWait()
	r.Notify()
	r.Notify()
	r.Notify()

	select {
	case <-r.Wait():
	case <-time.After(time.Second):
		t.Fatal("expected a wakeup")
	}
	select {
	case <-r.Wait():
		as.Fail("notifications should collapse into one wakeup")
	default:
	}
}

func TestEnsurePath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a", "b", "file")
	require.NoError(t, EnsurePath(file, false))
	st, err := os.Stat(filepath.Join(dir, "a", "b"))
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}
