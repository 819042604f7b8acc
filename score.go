package pubsub

import (
	"time"

	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("pubsub")

// meshStatus records whether a peer is currently in our mesh for a
// topic, and if so since when.
type meshStatus struct {
	active    bool
	graftTime time.Time
	meshTime  time.Duration
}

// topicStats is the per-(peer,topic) counter table of spec.md §3.
type topicStats struct {
	mesh meshStatus

	firstMessageDeliveries      float64
	meshMessageDeliveries       float64
	meshMessageDeliveriesActive bool
	meshFailurePenalty          float64
	invalidMessageDeliveries    float64
}

// connStatus is a peer's connectedness to the local node.
type connStatus struct {
	connected bool
	// expire is only meaningful when connected == false.
	expire time.Time
}

// peerStats is the per-peer aggregate of spec.md §3.
type peerStats struct {
	status           connStatus
	topics           map[TopicIdentifier]*topicStats
	knownIPs         []SourceAddress
	behaviourPenalty float64
}

func newPeerStats() *peerStats {
	return &peerStats{
		status: connStatus{connected: true},
		topics: make(map[TopicIdentifier]*topicStats),
	}
}

// topicStatsOrNil returns the TopicStats for topic, creating a default
// one if and only if the topic is scored by params -- otherwise it
// returns the existing entry (which may be nil) without creating one.
// This is the "created on demand iff scored" rule spec.md §3 and §4.6
// both require.
func (ps *peerStats) topicStatsOrNil(topic TopicIdentifier, params *PeerScoreParams) *topicStats {
	if _, scored := params.Topics[topic]; scored {
		ts, ok := ps.topics[topic]
		if !ok {
			ts = &topicStats{}
			ps.topics[topic] = ts
		}
		return ts
	}
	return ps.topics[topic]
}

// PeerScore is the scoring engine of spec.md §2.6: it owns the
// per-(peer,topic) statistics table, the IP colocation index, and the
// delivery-record cache, and exposes peer lifecycle, topic membership,
// message event and refresh operations. It is designed as a
// single-owner, single-threaded mutator (spec.md §5): callers serialize
// access themselves if shared across goroutines.
type PeerScore struct {
	params *PeerScoreParams

	peerStats map[PeerIdentifier]*peerStats
	// peerIPs is an inverted, non-owning index: address -> peers seen
	// there. The forward list (peerStats.knownIPs) is authoritative;
	// both directions are updated together.
	peerIPs map[SourceAddress]map[PeerIdentifier]struct{}

	deliveries *deliveryCache

	fingerprint MessageFingerprintFunc
	now         func() time.Time
}

// PeerScoreOption configures a PeerScore at construction time. Unlike
// PeerScoreParams (validated domain configuration), these are test and
// integration seams.
type PeerScoreOption func(*PeerScore)

// WithMessageFingerprint overrides the default source+seqno fingerprint
// function.
func WithMessageFingerprint(fn MessageFingerprintFunc) PeerScoreOption {
	return func(ps *PeerScore) {
		ps.fingerprint = fn
	}
}

// WithClock overrides the time source PeerScore reads "now" through,
// so tests can advance time deterministically (spec.md §9).
func WithClock(now func() time.Time) PeerScoreOption {
	return func(ps *PeerScore) {
		ps.now = now
	}
}

// NewPeerScore validates params and constructs a PeerScore engine.
// Construction fails atomically: on a validation error no engine state
// is allocated.
func NewPeerScore(params *PeerScoreParams, opts ...PeerScoreOption) (*PeerScore, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	ps := &PeerScore{
		params:      params,
		peerStats:   make(map[PeerIdentifier]*peerStats),
		peerIPs:     make(map[SourceAddress]map[PeerIdentifier]struct{}),
		deliveries:  newDeliveryCache(deliveryCacheDuration),
		fingerprint: DefaultMessageFingerprint,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(ps)
	}

	return ps, nil
}

// Score computes the current score for peer (spec.md §4.1). It is pure:
// no call to Score mutates any engine state. Unknown peers score 0.
func (ps *PeerScore) Score(p PeerIdentifier) float64 {
	pstats, ok := ps.peerStats[p]
	if !ok {
		return 0
	}

	var score float64

	for topic, tstats := range pstats.topics {
		topicParams, scored := ps.params.Topics[topic]
		if !scored {
			continue
		}

		var topicScore float64

		// P1: time in mesh.
		if tstats.mesh.active {
			v := tstats.mesh.meshTime.Seconds() / topicParams.TimeInMeshQuantum.Seconds()
			if v > topicParams.TimeInMeshCap {
				v = topicParams.TimeInMeshCap
			}
			topicScore += v * topicParams.TimeInMeshWeight
		}

		// P2: first message deliveries.
		topicScore += tstats.firstMessageDeliveries * topicParams.FirstMessageDeliveriesWeight

		// P3: mesh message delivery rate.
		if tstats.meshMessageDeliveriesActive && tstats.meshMessageDeliveries < topicParams.MeshMessageDeliveriesThreshold {
			deficit := topicParams.MeshMessageDeliveriesThreshold - tstats.meshMessageDeliveries
			topicScore += deficit * deficit * topicParams.MeshMessageDeliveriesWeight
		}

		// P3b: sticky mesh failure penalty.
		topicScore += tstats.meshFailurePenalty * topicParams.MeshFailurePenaltyWeight

		// P4: invalid message deliveries.
		topicScore += tstats.invalidMessageDeliveries * tstats.invalidMessageDeliveries * topicParams.InvalidMessageDeliveriesWeight

		score += topicScore * topicParams.TopicWeight
	}

	if ps.params.TopicScoreCap > 0 && score > ps.params.TopicScoreCap {
		score = ps.params.TopicScoreCap
	}

	// P6: IP colocation.
	for _, addr := range pstats.knownIPs {
		if _, whitelisted := ps.params.IPColocationFactorWhitelist[addr]; whitelisted {
			continue
		}
		n := float64(len(ps.peerIPs[addr]))
		if n > ps.params.IPColocationFactorThreshold {
			surplus := n - ps.params.IPColocationFactorThreshold
			score += surplus * surplus * ps.params.IPColocationFactorWeight
		}
	}

	// P7: behavioural penalty.
	score += pstats.behaviourPenalty * pstats.behaviourPenalty * ps.params.BehaviourPenaltyWeight

	return score
}

// AddPeer upserts PeerStats for p, marks it Connected, and replaces its
// known addresses with ips, updating the IP index both directions
// (spec.md §4.2).
func (ps *PeerScore) AddPeer(p PeerIdentifier, ips []SourceAddress) {
	pstats, ok := ps.peerStats[p]
	if !ok {
		pstats = newPeerStats()
		ps.peerStats[p] = pstats
	}

	pstats.status = connStatus{connected: true}
	pstats.knownIPs = append([]SourceAddress(nil), ips...)

	for _, ip := range ips {
		ps.addToIPIndex(p, ip)
	}
}

func (ps *PeerScore) addToIPIndex(p PeerIdentifier, ip SourceAddress) {
	peers, ok := ps.peerIPs[ip]
	if !ok {
		peers = make(map[PeerIdentifier]struct{})
		ps.peerIPs[ip] = peers
	}
	peers[p] = struct{}{}
}

func (ps *PeerScore) removeFromIPIndex(p PeerIdentifier, ip SourceAddress) {
	peers, ok := ps.peerIPs[ip]
	if !ok {
		return
	}
	delete(peers, p)
	if len(peers) == 0 {
		delete(ps.peerIPs, ip)
	}
}

// RemovePeer handles peer disconnection (spec.md §4.2). If the peer's
// score is currently positive, its stats are erased immediately.
// Otherwise they are retained -- with first-message-delivery counters
// reset and a sticky mesh-failure penalty applied for any topic that was
// active and under threshold -- until RefreshScores expires them.
func (ps *PeerScore) RemovePeer(p PeerIdentifier) {
	if ps.Score(p) > 0 {
		ps.eraseStats(p)
		return
	}

	pstats, ok := ps.peerStats[p]
	if !ok {
		return
	}

	for topic, tstats := range pstats.topics {
		tstats.firstMessageDeliveries = 0

		topicParams, scored := ps.params.Topics[topic]
		if scored && tstats.mesh.active && tstats.meshMessageDeliveriesActive &&
			tstats.meshMessageDeliveries < topicParams.MeshMessageDeliveriesThreshold {
			deficit := topicParams.MeshMessageDeliveriesThreshold - tstats.meshMessageDeliveries
			tstats.meshFailurePenalty += deficit * deficit
		}

		tstats.mesh = meshStatus{}
	}

	pstats.status = connStatus{
		connected: false,
		expire:    ps.now().Add(ps.params.RetainScore),
	}
}

// eraseStats drops all stats for p, including its entries in the IP
// index.
func (ps *PeerScore) eraseStats(p PeerIdentifier) {
	pstats, ok := ps.peerStats[p]
	if !ok {
		return
	}
	for _, ip := range pstats.knownIPs {
		ps.removeFromIPIndex(p, ip)
	}
	delete(ps.peerStats, p)
}

// GetIPs returns the known addresses for p, or nil if p is unknown.
func (ps *PeerScore) GetIPs(p PeerIdentifier) []SourceAddress {
	pstats, ok := ps.peerStats[p]
	if !ok {
		return nil
	}
	return append([]SourceAddress(nil), pstats.knownIPs...)
}

// SetIPs replaces the known addresses for p with ips, keeping the IP
// index invariant intact in both directions.
func (ps *PeerScore) SetIPs(p PeerIdentifier, ips []SourceAddress) {
	pstats, ok := ps.peerStats[p]
	if !ok {
		return
	}
	for _, ip := range pstats.knownIPs {
		ps.removeFromIPIndex(p, ip)
	}
	pstats.knownIPs = append([]SourceAddress(nil), ips...)
	for _, ip := range ips {
		ps.addToIPIndex(p, ip)
	}
}

// RemoveIPs drops ips from p's known addresses, maintaining the IP
// index invariant.
func (ps *PeerScore) RemoveIPs(p PeerIdentifier, ips []SourceAddress) {
	pstats, ok := ps.peerStats[p]
	if !ok {
		return
	}
	remove := make(map[SourceAddress]struct{}, len(ips))
	for _, ip := range ips {
		remove[ip] = struct{}{}
		ps.removeFromIPIndex(p, ip)
	}
	kept := pstats.knownIPs[:0]
	for _, ip := range pstats.knownIPs {
		if _, drop := remove[ip]; !drop {
			kept = append(kept, ip)
		}
	}
	pstats.knownIPs = kept
}

// RefreshScores applies one tick of decay and retention eviction (spec.md
// §4.3). It is driven by an external scheduler; counters decay by one
// step per call regardless of elapsed wall-clock time, while retention
// expiry and mesh time are read from the clock.
func (ps *PeerScore) RefreshScores() {
	now := ps.now()

	for p, pstats := range ps.peerStats {
		if !pstats.status.connected {
			if now.After(pstats.status.expire) {
				ps.eraseStats(p)
			}
			// Disconnected and not yet expired: no decay, so a peer
			// can't reset a negative score by reconnecting before
			// retention elapses.
			continue
		}

		for topic, tstats := range pstats.topics {
			topicParams, scored := ps.params.Topics[topic]
			if !scored {
				continue
			}

			tstats.firstMessageDeliveries = decay(tstats.firstMessageDeliveries, topicParams.FirstMessageDeliveriesDecay, ps.params.DecayToZero)
			tstats.meshMessageDeliveries = decay(tstats.meshMessageDeliveries, topicParams.MeshMessageDeliveriesDecay, ps.params.DecayToZero)
			tstats.meshFailurePenalty = decay(tstats.meshFailurePenalty, topicParams.MeshFailurePenaltyDecay, ps.params.DecayToZero)
			tstats.invalidMessageDeliveries = decay(tstats.invalidMessageDeliveries, topicParams.InvalidMessageDeliveriesDecay, ps.params.DecayToZero)

			if tstats.mesh.active {
				tstats.mesh.meshTime = now.Sub(tstats.mesh.graftTime)
				if tstats.mesh.meshTime > topicParams.MeshMessageDeliveriesActivation {
					tstats.meshMessageDeliveriesActive = true
				}
			}
		}

		pstats.behaviourPenalty = decay(pstats.behaviourPenalty, ps.params.BehaviourPenaltyDecay, ps.params.DecayToZero)
	}
}

// decay multiplies v by factor, snapping to 0 if the result falls below
// floor (spec.md §4.3, §7: "decayed values snap to zero below
// decay_to_zero").
func decay(v, factor, floor float64) float64 {
	v *= factor
	if v < floor {
		return 0
	}
	return v
}

// Graft records that p has been added to our mesh for topic (spec.md
// §4.4). A no-op if topic isn't scored or p is unknown.
func (ps *PeerScore) Graft(p PeerIdentifier, topic TopicIdentifier) {
	pstats, ok := ps.peerStats[p]
	if !ok {
		return
	}
	tstats := pstats.topicStatsOrNil(topic, ps.params)
	if tstats == nil {
		return
	}
	tstats.mesh = meshStatus{active: true, graftTime: ps.now()}
	tstats.meshMessageDeliveriesActive = false
}

// Prune records that p has been removed from our mesh for topic,
// applying the sticky mesh-failure penalty if p was under the delivery
// threshold (spec.md §4.4).
func (ps *PeerScore) Prune(p PeerIdentifier, topic TopicIdentifier) {
	pstats, ok := ps.peerStats[p]
	if !ok {
		return
	}
	tstats := pstats.topicStatsOrNil(topic, ps.params)
	if tstats == nil {
		return
	}
	if topicParams, scored := ps.params.Topics[topic]; scored {
		if tstats.meshMessageDeliveriesActive && tstats.meshMessageDeliveries < topicParams.MeshMessageDeliveriesThreshold {
			deficit := topicParams.MeshMessageDeliveriesThreshold - tstats.meshMessageDeliveries
			tstats.meshFailurePenalty += deficit * deficit
		}
	}
	tstats.meshMessageDeliveriesActive = false
	tstats.mesh = meshStatus{}
}

// Join and Leave are reserved hooks for the mesh layer; the scoring core
// takes no action on either (spec.md §4.4).
func (ps *PeerScore) Join(topic TopicIdentifier)  {}
func (ps *PeerScore) Leave(topic TopicIdentifier) {}

// AddPenalty adds n to p's behavioural penalty counter (P7). A no-op for
// unknown peers.
func (ps *PeerScore) AddPenalty(p PeerIdentifier, n float64) {
	pstats, ok := ps.peerStats[p]
	if !ok {
		return
	}
	pstats.behaviourPenalty += n
}

// ValidateMessage is a reserved hook for pre-validation bookkeeping.
// It is a deliberate no-op: the delivery record is created lazily on
// first delivery/duplicate/reject regardless, so pre-creating an Unknown
// record here would have no observable effect (spec.md §9).
func (ps *PeerScore) ValidateMessage(msg *Message) {}
