package server

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLockBasicOperation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	ran := false
	err := WithLock(path, DefaultLockTimeout, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLockConcurrentAccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	var mu sync.Mutex
	counter := 0

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(path, 10*time.Second, func() error {
				mu.Lock()
				counter++
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, counter)
}

func TestWithLockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = WithLock(path, 10*time.Second, func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err := WithLock(path, 200*time.Millisecond, func() error {
		t.Error("should not run while lock is held")
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
