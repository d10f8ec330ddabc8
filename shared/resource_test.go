package shared

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceSingleAcquireRelease(t *testing.T) {
	r := New[int]()
	initCalls := 0
	init := func() (int, error) {
		initCalls++
		return 42, nil
	}

	v, id, err := r.Acquire(init)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, initCalls)

	var released int
	releaseCalls := 0
	r.Release(id, func(v int) { released = v; releaseCalls++ })
	assert.Equal(t, 42, released)
	assert.Equal(t, 1, releaseCalls)
}

func TestResourceRefcountsConcurrentAcquires(t *testing.T) {
	r := New[int]()
	init := func() (int, error) { return 7, nil }

	v1, id1, err := r.Acquire(init)
	require.NoError(t, err)
	v2, id2, err := r.Acquire(init)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.NotEqual(t, id1, id2)

	releases := 0
	r.Release(id1, func(int) { releases++ })
	assert.Equal(t, 0, releases, "refcount still 1, no release yet")
	r.Release(id2, func(int) { releases++ })
	assert.Equal(t, 1, releases)
}

func TestResourceReleaseUnknownIDIsNoop(t *testing.T) {
	r := New[int]()
	assert.NotPanics(t, func() { r.Release(999, func(int) { t.Fatal("should not be called") }) })
}

// TestResourceCancelledInitPassesToNextWaiter exercises scenario 5: three
// concurrent acquires; the first's init fails; the second's init succeeds;
// all three observe the same value; refcount is 2 (the first never held a
// reference); releasing both drops back to Uninitialized exactly once.
func TestResourceCancelledInitPassesToNextWaiter(t *testing.T) {
	r := New[string]()

	var mu sync.Mutex
	var order []string
	started := make(chan struct{})
	release1 := make(chan struct{})

	firstInit := func() (string, error) {
		mu.Lock()
		order = append(order, "first-start")
		mu.Unlock()
		close(started)
		<-release1
		return "", errors.New("cancelled")
	}
	secondInit := func() (string, error) { return "shared-value", nil }

	var wg sync.WaitGroup
	results := make([]struct {
		v   string
		id  uint64
		err error
	}, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		v, id, err := r.Acquire(firstInit)
		results[0] = struct {
			v   string
			id  uint64
			err error
		}{v, id, err}
	}()
	<-started // ensure the first call is the one driving init.

	wg.Add(1)
	go func() {
		defer wg.Done()
		v, id, err := r.Acquire(secondInit)
		results[1] = struct {
			v   string
			id  uint64
			err error
		}{v, id, err}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, id, err := r.Acquire(secondInit)
		results[2] = struct {
			v   string
			id  uint64
			err error
		}{v, id, err}
	}()

	// Give the waiters a moment to enqueue before unblocking the first.
	time.Sleep(20 * time.Millisecond)
	close(release1)
	wg.Wait()

	require.Error(t, results[0].err)
	require.NoError(t, results[1].err)
	require.NoError(t, results[2].err)
	assert.Equal(t, "shared-value", results[1].v)
	assert.Equal(t, "shared-value", results[2].v)
	assert.NotEqual(t, results[1].id, results[2].id)

	var releaseCount int
	var lastReleasedValue string
	r.Release(results[1].id, func(v string) { releaseCount++; lastReleasedValue = v })
	assert.Equal(t, 0, releaseCount)
	r.Release(results[2].id, func(v string) { releaseCount++; lastReleasedValue = v })
	assert.Equal(t, 1, releaseCount)
	assert.Equal(t, "shared-value", lastReleasedValue)
}

func TestResourceReInitializesAfterFullRelease(t *testing.T) {
	r := New[int]()
	calls := 0
	init := func() (int, error) { calls++; return calls, nil }

	v1, id1, err := r.Acquire(init)
	require.NoError(t, err)
	assert.Equal(t, 1, v1)
	r.Release(id1, nil)

	v2, _, err := r.Acquire(init)
	require.NoError(t, err)
	assert.Equal(t, 2, v2, "a fresh acquire after full release must re-run init")
}

func TestWithValue(t *testing.T) {
	r := New[int]()
	init := func() (int, error) { return 5, nil }
	released := false

	out, err := WithValue(r, init, func(int) { released = true }, func(v int) (int, error) {
		return v * 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10, out)
	assert.True(t, released)
}
