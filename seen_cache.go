package pubsub

import (
	"time"

	timecache "github.com/whyrusleeping/timecache"
)

// SeenCache is a presence-only, time-bounded memory of message
// fingerprints a host has already handed to a PeerScore engine. It
// mirrors the teacher's own seenMessages field (pubsub.go): before a
// message reaches DeliverMessage/RejectMessage/DuplicatedMessage, a
// host gates repeat deliveries of the exact same copy through here, so
// a message relayed twice by the same peer over the same link isn't
// mistaken for a second, independent observation. It holds no
// validation state -- that's DeliveryRecord's job -- just "have I
// already dispatched this fingerprint into the engine".
type SeenCache struct {
	cache *timecache.TimeCache
}

// NewSeenCache returns a SeenCache that forgets a fingerprint duration
// after it was first marked.
func NewSeenCache(duration time.Duration) *SeenCache {
	return &SeenCache{cache: timecache.NewTimeCache(duration)}
}

// MarkSeen records fp as seen and reports whether it had already been
// marked. A host should call this once per inbound copy of a message,
// before deciding whether to call into the scoring engine at all.
func (c *SeenCache) MarkSeen(fp MessageFingerprint) bool {
	id := string(fp)
	if c.cache.Has(id) {
		return true
	}
	c.cache.Add(id)
	return false
}
