package pubsub

import "time"

// RejectReason is the protocol-facing taxonomy of reasons a message can
// be rejected before or during validation (spec.md §4.5, §6). It is the
// contract between the validation pipeline and the scoring engine.
type RejectReason int

const (
	// RejectMissingSignature: the message had no signature. The peer
	// penalty for this is handled outside the scoring engine; no
	// delivery record is touched.
	RejectMissingSignature RejectReason = iota
	// RejectInvalidSignature: the signature didn't verify. Same
	// handling as RejectMissingSignature.
	RejectInvalidSignature
	// RejectBlacklistedPeer: the reporting peer is blacklisted. Same
	// handling as RejectMissingSignature.
	RejectBlacklistedPeer
	// RejectSelfOrigin: the message claims to originate from us but
	// wasn't locally published. The reporting peer is penalized as an
	// invalid delivery; no record is touched.
	RejectSelfOrigin
	// RejectBlacklistedSource: the message's claimed source is
	// blacklisted. We can't trust the fingerprint, so no record is
	// created or touched.
	RejectBlacklistedSource
	// RejectValidationQueueFull: rejected before entering the
	// validation pipeline. We don't know if the fingerprint is even
	// valid, so no record is created or touched.
	RejectValidationQueueFull
	// RejectValidationThrottled: validation never ran. Peers that
	// forwarded the message are not penalized, since we don't know if
	// it was valid.
	RejectValidationThrottled
	// RejectValidationIgnored: the validator explicitly asked us to
	// ignore the message without penalizing anyone.
	RejectValidationIgnored
	// RejectValidationFailed is the catch-all: the message was
	// validated and found invalid. The reporting peer and every peer
	// that already relayed it are penalized.
	RejectValidationFailed
)

// DeliverMessage applies first-delivery credit to from and marks the
// message's delivery record Valid, crediting every other peer already
// recorded against it as a duplicate delivery (spec.md §4.5).
func (ps *PeerScore) DeliverMessage(from PeerIdentifier, msg *Message) {
	ps.markFirstMessageDelivery(from, msg)

	now := ps.now()
	fp := ps.fingerprint(msg)
	record := ps.deliveries.getOrCreate(fp, now)

	if record.status != deliveryUnknown {
		log.Warningf("unexpected delivery trace: message from %s was first seen %s ago and has delivery status %d", from, now.Sub(record.firstSeen), record.status)
		return
	}

	record.status = deliveryValid
	record.validated = now

	for p := range record.peers {
		if p != from {
			ps.markDuplicateMessageDelivery(p, msg, nil)
		}
	}
}

// RejectMessage applies the delivery bookkeeping and peer penalties for
// a message the validation pipeline rejected, dispatching on reason
// per the taxonomy of spec.md §4.5.
func (ps *PeerScore) RejectMessage(from PeerIdentifier, msg *Message, reason RejectReason) {
	switch reason {
	case RejectMissingSignature, RejectInvalidSignature, RejectBlacklistedPeer:
		// Peer penalty handled outside; no record is touched.
		return
	case RejectSelfOrigin:
		ps.markInvalidMessageDelivery(from, msg)
		return
	case RejectBlacklistedSource, RejectValidationQueueFull:
		// We cannot trust the fingerprint; don't create a record.
		return
	}

	now := ps.now()
	fp := ps.fingerprint(msg)
	record, existed := ps.deliveries.get(fp, now)
	if !existed {
		record = newDeliveryRecord(now)
	}

	if record.status != deliveryUnknown {
		log.Warningf("unexpected delivery trace: message from %s was first seen %s ago and has delivery status %d", from, now.Sub(record.firstSeen), record.status)
		ps.deliveries.set(fp, record, now)
		return
	}

	switch reason {
	case RejectValidationThrottled:
		record.status = deliveryThrottled
		record.peers = nil
		ps.deliveries.set(fp, record, now)
		return
	case RejectValidationIgnored:
		record.status = deliveryIgnored
		record.peers = nil
		ps.deliveries.set(fp, record, now)
		return
	}

	// RejectValidationFailed and any other reason: the message is
	// invalid, and every peer that already relayed it is penalized
	// along with the reporter.
	record.status = deliveryInvalid

	ps.markInvalidMessageDelivery(from, msg)
	for p := range record.peers {
		ps.markInvalidMessageDelivery(p, msg)
	}

	record.peers = nil
	ps.deliveries.set(fp, record, now)
}

// DuplicatedMessage handles a report of a message we (may) already know
// about, crediting or penalizing from according to the record's current
// status (spec.md §4.5).
func (ps *PeerScore) DuplicatedMessage(from PeerIdentifier, msg *Message) {
	now := ps.now()
	fp := ps.fingerprint(msg)
	record := ps.deliveries.getOrCreate(fp, now)

	if _, already := record.peers[from]; already {
		// Calling DuplicatedMessage twice for the same (peer, message)
		// must not double-count (spec.md §8).
		return
	}

	switch record.status {
	case deliveryUnknown:
		// Still being validated: track from as an observer so
		// DeliverMessage/RejectMessage can later credit or penalize it.
		record.peers[from] = struct{}{}
	case deliveryValid:
		record.peers[from] = struct{}{}
		validated := record.validated
		ps.markDuplicateMessageDelivery(from, msg, &validated)
	case deliveryInvalid:
		// The peer set was cleared when the record became Invalid;
		// record from again so a repeat report isn't penalized twice.
		if record.peers == nil {
			record.peers = make(map[PeerIdentifier]struct{})
		}
		record.peers[from] = struct{}{}
		ps.markInvalidMessageDelivery(from, msg)
	case deliveryThrottled, deliveryIgnored:
		// We don't know if the message was valid; do nothing.
	}
}

// markFirstMessageDelivery increments first_message_deliveries (and, if
// the peer is in-mesh, mesh_message_deliveries) for every scored topic
// of msg, each capped independently (spec.md §4.6).
func (ps *PeerScore) markFirstMessageDelivery(p PeerIdentifier, msg *Message) {
	pstats, ok := ps.peerStats[p]
	if !ok {
		return
	}
	for _, topic := range msg.Topics {
		tstats := pstats.topicStatsOrNil(topic, ps.params)
		if tstats == nil {
			continue
		}
		topicParams := ps.params.Topics[topic]

		tstats.firstMessageDeliveries = capped(tstats.firstMessageDeliveries+1, topicParams.FirstMessageDeliveriesCap)

		if tstats.mesh.active {
			tstats.meshMessageDeliveries = capped(tstats.meshMessageDeliveries+1, topicParams.MeshMessageDeliveriesCap)
		}
	}
}

// markDuplicateMessageDelivery increments mesh_message_deliveries for
// every scored, in-mesh topic of msg, unless validatedTime is supplied
// and the delivery arrived outside the topic's delivery window (spec.md
// §4.6). A nil validatedTime means the duplicate arrived before
// validation completed, which always counts.
func (ps *PeerScore) markDuplicateMessageDelivery(p PeerIdentifier, msg *Message, validatedTime *time.Time) {
	pstats, ok := ps.peerStats[p]
	if !ok {
		return
	}
	now := ps.now()
	for _, topic := range msg.Topics {
		tstats := pstats.topicStatsOrNil(topic, ps.params)
		if tstats == nil || !tstats.mesh.active {
			continue
		}
		topicParams := ps.params.Topics[topic]

		if validatedTime != nil {
			windowEnd := validatedTime.Add(topicParams.MeshMessageDeliveriesWindow)
			if now.After(windowEnd) {
				continue
			}
		}

		tstats.meshMessageDeliveries = capped(tstats.meshMessageDeliveries+1, topicParams.MeshMessageDeliveriesCap)
	}
}

// markInvalidMessageDelivery increments invalid_message_deliveries by 1
// for every scored topic of msg (spec.md §4.6).
func (ps *PeerScore) markInvalidMessageDelivery(p PeerIdentifier, msg *Message) {
	pstats, ok := ps.peerStats[p]
	if !ok {
		return
	}
	for _, topic := range msg.Topics {
		tstats := pstats.topicStatsOrNil(topic, ps.params)
		if tstats == nil {
			continue
		}
		tstats.invalidMessageDeliveries++
	}
}

func capped(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	return v
}
