package authcache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a controllable time source for staleness tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func testCache(ttl time.Duration) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	return NewWithClock(ttl, clock.Now), clock
}

func TestGetPutRoundTrip(t *testing.T) {
	c, _ := testCache(time.Minute)

	_, ok := c.Get("cnv_missing")
	assert.False(t, ok)

	c.Put("cnv_key", "user-1")
	userID, ok := c.Get("cnv_key")
	assert.True(t, ok)
	assert.Equal(t, "user-1", userID)
}

func TestPutOverwrites(t *testing.T) {
	c, _ := testCache(time.Minute)

	c.Put("cnv_key", "user-1")
	c.Put("cnv_key", "user-2")

	userID, ok := c.Get("cnv_key")
	assert.True(t, ok)
	assert.Equal(t, "user-2", userID)
}

func TestTTLBoundary(t *testing.T) {
	ttl := 900000 * time.Millisecond
	c, clock := testCache(ttl)

	c.Put("cnv_key", "user-1")

	// One millisecond before expiry the entry still resolves.
	clock.Advance(ttl - time.Millisecond)
	_, ok := c.Get("cnv_key")
	assert.True(t, ok)

	// One millisecond past expiry it requires full re-verification.
	clock.Advance(2 * time.Millisecond)
	_, ok = c.Get("cnv_key")
	assert.False(t, ok)
}

func TestInvalidateRemovesAllEntriesForUser(t *testing.T) {
	c, _ := testCache(time.Minute)

	c.Put("cnv_old", "user-1")
	c.Put("cnv_new", "user-1")
	c.Put("cnv_other", "user-2")

	c.Invalidate("user-1")

	_, ok := c.Get("cnv_old")
	assert.False(t, ok)
	_, ok = c.Get("cnv_new")
	assert.False(t, ok)

	userID, ok := c.Get("cnv_other")
	assert.True(t, ok)
	assert.Equal(t, "user-2", userID)
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	c, clock := testCache(time.Minute)

	c.Put("cnv_stale", "user-1")
	clock.Advance(2 * time.Minute)
	c.Put("cnv_fresh", "user-2")

	c.Sweep()

	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("cnv_fresh")
	assert.True(t, ok)
}

func TestDefaultTTLApplied(t *testing.T) {
	c := NewWithClock(0, time.Now)
	assert.Equal(t, DefaultTTL, c.ttl)
}

func TestConcurrentAccess(t *testing.T) {
	c := New(time.Minute)
	t.Cleanup(c.Stop)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Put("cnv_key", "user-1")
				c.Get("cnv_key")
				c.Invalidate("user-1")
				c.Sweep()
			}
		}()
	}
	wg.Wait()
}
