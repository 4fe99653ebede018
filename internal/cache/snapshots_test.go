package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func testCache(backoff time.Duration) *SnapshotCache {
	return &SnapshotCache{
		client:      redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}),
		ttl:         time.Minute,
		logger:      zerolog.Nop(),
		maxFailures: 3,
		backoff:     backoff,
		healthy:     true,
	}
}

func TestBreakerTripsAfterRepeatedFailures(t *testing.T) {
	sc := testCache(time.Hour)
	for i := 0; i < 2; i++ {
		sc.recordFailure(errors.New("dial refused"))
	}
	if !sc.usable() {
		t.Fatal("breaker must stay closed below the failure threshold")
	}
	sc.recordFailure(errors.New("dial refused"))
	if sc.usable() {
		t.Fatal("breaker must open after the third consecutive failure")
	}
}

func TestBreakerRetriesAfterBackoffAndCloses(t *testing.T) {
	sc := testCache(50 * time.Millisecond)
	for i := 0; i < 3; i++ {
		sc.recordFailure(errors.New("dial refused"))
	}
	if sc.usable() {
		t.Fatal("breaker should be open right after tripping")
	}

	time.Sleep(60 * time.Millisecond)
	if !sc.usable() {
		t.Fatal("open breaker must let a request through once the backoff has passed")
	}
	// The retry slot is consumed until the next backoff window.
	if sc.usable() {
		t.Fatal("only one request may pass per backoff window")
	}

	sc.recordSuccess()
	if !sc.usable() {
		t.Fatal("a successful round trip must close the breaker")
	}
}

func TestDisabledCacheIsNeverUsable(t *testing.T) {
	sc := NewSnapshotCache(Config{Enabled: false}, zerolog.Nop())
	if sc.usable() {
		t.Fatal("a cache without a client must report unusable")
	}
	if sc.Close() != nil {
		t.Fatal("closing a disabled cache must be a no-op")
	}
}
