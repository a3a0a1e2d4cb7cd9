package stream

import (
	"testing"
	"time"
)

func TestDedupSetMarkThenSeenConsumes(t *testing.T) {
	t.Parallel()
	d := newDedupSet(time.Minute)

	if d.Seen("hello") {
		t.Fatal("unmarked text should not be seen")
	}

	d.Mark("hello")
	if !d.Seen("hello") {
		t.Fatal("marked text should be seen once")
	}
	if d.Seen("hello") {
		t.Fatal("Seen should consume the entry, so a second check must miss")
	}
}

func TestDedupSetExpiry(t *testing.T) {
	t.Parallel()
	d := newDedupSet(10 * time.Millisecond)
	d.Mark("stale")
	time.Sleep(30 * time.Millisecond)
	if d.Seen("stale") {
		t.Fatal("expired entry should not be seen")
	}
}
