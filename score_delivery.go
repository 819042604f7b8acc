package pubsub

import (
	"time"
)

// deliveryCacheDuration is how long a DeliveryRecord is retained after
// creation, matching the teacher's own TimeCacheDuration.
const deliveryCacheDuration = 120 * time.Second

// deliveryStatus is the tagged state of a DeliveryRecord. Implementing
// it as a sum type (rather than a handful of booleans on DeliveryRecord)
// keeps the "status != Unknown on entry" check in deliver/reject
// exhaustive.
type deliveryStatus int

const (
	// deliveryUnknown means validation hasn't completed yet.
	deliveryUnknown deliveryStatus = iota
	// deliveryValid means the message passed validation.
	deliveryValid
	// deliveryInvalid means the message failed validation.
	deliveryInvalid
	// deliveryIgnored means the validator told us to ignore the message
	// without penalizing anyone.
	deliveryIgnored
	// deliveryThrottled means validation never ran because it was
	// throttled (RejectValidationThrottled).
	deliveryThrottled
)

// DeliveryRecord tracks the validation status of one message fingerprint
// and the set of peers that have relayed it to us, so that first-delivery
// credit and invalid-message penalties are attributed exactly once per
// peer per message (spec.md §3, §4.5).
type DeliveryRecord struct {
	status    deliveryStatus
	firstSeen time.Time
	validated time.Time
	peers     map[PeerIdentifier]struct{}
}

func newDeliveryRecord(now time.Time) *DeliveryRecord {
	return &DeliveryRecord{
		status:    deliveryUnknown,
		firstSeen: now,
		peers:     make(map[PeerIdentifier]struct{}),
	}
}

// deliveryCache is a time-expiring map from MessageFingerprint to
// DeliveryRecord. Unlike a presence-only time cache (the teacher's own
// whyrusleeping/timecache, used for seenMessages), entries here carry a
// mutable payload, so eviction is swept lazily on every access rather
// than delegated to that library -- see DESIGN.md. A record expires
// deliveryCacheDuration after its own firstSeen, regardless of how many
// times it is subsequently looked up or rewritten (spec.md §3: "evicted
// when TIME_CACHE_DURATION has elapsed since its creation").
type deliveryCache struct {
	duration time.Duration
	entries  map[MessageFingerprint]*DeliveryRecord
}

func newDeliveryCache(duration time.Duration) *deliveryCache {
	return &deliveryCache{
		duration: duration,
		entries:  make(map[MessageFingerprint]*DeliveryRecord),
	}
}

// sweep evicts every entry whose record has outlived the cache
// duration. Called on every get/getOrCreate so the cache never grows
// past the messages it has actually seen recently.
func (c *deliveryCache) sweep(now time.Time) {
	for fp, record := range c.entries {
		if now.Sub(record.firstSeen) >= c.duration {
			delete(c.entries, fp)
		}
	}
}

// get returns the record for fp if present and not expired.
func (c *deliveryCache) get(fp MessageFingerprint, now time.Time) (*DeliveryRecord, bool) {
	c.sweep(now)
	record, ok := c.entries[fp]
	return record, ok
}

// getOrCreate returns the existing record for fp, or creates and stores
// a fresh Unknown record if none exists (or the prior one expired).
func (c *deliveryCache) getOrCreate(fp MessageFingerprint, now time.Time) *DeliveryRecord {
	c.sweep(now)
	record, ok := c.entries[fp]
	if ok {
		return record
	}
	record = newDeliveryRecord(now)
	c.entries[fp] = record
	return record
}

// set overwrites (or inserts) the record for fp. RejectMessage uses it
// to write a record back after looking it up (or creating it) and
// mutating it; the record's firstSeen is
// untouched so its expiry clock keeps running from its original
// creation.
func (c *deliveryCache) set(fp MessageFingerprint, record *DeliveryRecord, now time.Time) {
	c.sweep(now)
	c.entries[fp] = record
}
