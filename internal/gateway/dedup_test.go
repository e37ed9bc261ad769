package gateway

import (
	"testing"
	"time"
)

type fakeCloser struct {
	closed bool
	code   string
}

func (f *fakeCloser) closeWithReason(code, _ string) {
	f.closed = true
	f.code = code
}

func TestDedupClaimEvictsWithinTTL(t *testing.T) {
	reg := newDedupRegistry(5 * time.Minute)
	now := time.Now()
	reg.now = func() time.Time { return now }

	first := &fakeCloser{}
	second := &fakeCloser{}

	if evicted := reg.claim("client-1", first); evicted != nil {
		t.Fatal("first claim should not evict")
	}

	now = now.Add(time.Minute)
	evicted := reg.claim("client-1", second)
	if evicted == nil {
		t.Fatal("second claim within TTL should evict the first connection")
	}
	evicted.closeWithReason("duplicate_connection", "test")
	if !first.closed {
		t.Fatal("evicted closer was not the first connection")
	}
	if second.closed {
		t.Fatal("new connection must not be closed")
	}
}

func TestDedupClaimAfterTTLDoesNotEvict(t *testing.T) {
	reg := newDedupRegistry(5 * time.Minute)
	now := time.Now()
	reg.now = func() time.Time { return now }

	first := &fakeCloser{}
	reg.claim("client-1", first)

	now = now.Add(5*time.Minute + time.Second)
	if evicted := reg.claim("client-1", &fakeCloser{}); evicted != nil {
		t.Fatal("claim after TTL expiry should not evict")
	}
}

func TestDedupTouchExtendsClaim(t *testing.T) {
	reg := newDedupRegistry(5 * time.Minute)
	now := time.Now()
	reg.now = func() time.Time { return now }

	first := &fakeCloser{}
	reg.claim("client-1", first)

	// Activity at minute 4 pushes expiry to minute 9.
	now = now.Add(4 * time.Minute)
	reg.touch("client-1")

	now = now.Add(4 * time.Minute)
	if evicted := reg.claim("client-1", &fakeCloser{}); evicted == nil {
		t.Fatal("touched claim should still be live at minute 8")
	}
}

func TestDedupReleaseOnlyByOwner(t *testing.T) {
	reg := newDedupRegistry(5 * time.Minute)
	first := &fakeCloser{}
	second := &fakeCloser{}

	reg.claim("client-1", first)
	reg.claim("client-1", second)

	// The evicted first connection must not free the slot the second
	// connection now owns.
	reg.release("client-1", first)
	if evicted := reg.claim("client-1", &fakeCloser{}); evicted == nil {
		t.Fatal("second connection's claim was lost")
	}

	reg.release("client-1", second)
}

func TestDedupEmptyClientID(t *testing.T) {
	reg := newDedupRegistry(time.Minute)
	if evicted := reg.claim("", &fakeCloser{}); evicted != nil {
		t.Fatal("empty client id should never evict")
	}
	if evicted := reg.claim("  ", &fakeCloser{}); evicted != nil {
		t.Fatal("whitespace client id should never evict")
	}
}
