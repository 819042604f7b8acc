package pubsub

import "testing"

func TestSeenCacheMarksOnce(t *testing.T) {
	c := NewSeenCache(deliveryCacheDuration)
	fp := MessageFingerprint("fp-1")

	if c.MarkSeen(fp) {
		t.Fatal("first MarkSeen should report the fingerprint as new")
	}
	if !c.MarkSeen(fp) {
		t.Fatal("second MarkSeen for the same fingerprint should report it as already seen")
	}

	other := MessageFingerprint("fp-2")
	if c.MarkSeen(other) {
		t.Fatal("a distinct fingerprint should not be reported as already seen")
	}
}
