package pubsub

import (
	"fmt"
	"time"
)

// PeerScoreThresholds are the score cutoffs the mesh-maintenance layer
// compares a peer's Score against when deciding whether to gossip to
// it, accept its published messages, graylist it outright, or extend
// it peer-exchange. PeerScore never reads or mutates these; they are a
// plain data holder handed to the (out-of-scope) router alongside
// PeerScoreParams.
type PeerScoreThresholds struct {
	// GossipThreshold is the score below which a peer's gossip
	// (IHAVE/IWANT) is ignored.
	GossipThreshold float64
	// PublishThreshold is the score below which self-published
	// messages are not forwarded to the peer.
	PublishThreshold float64
	// GraylistThreshold is the score below which the peer is graylisted
	// -- all RPCs from it are dropped outright.
	GraylistThreshold float64
	// AcceptPXThreshold is the score a pruning peer must have for us to
	// accept the peer-exchange it offers.
	AcceptPXThreshold float64
	// OpportunisticGraftThreshold is the median mesh score below which
	// opportunistic grafting kicks in to replace low-scoring mesh peers.
	OpportunisticGraftThreshold float64
}

// Validate checks the thresholds are ordered sensibly: the gossip cutoff
// must be the least restrictive, graylisting the most.
func (t *PeerScoreThresholds) Validate() error {
	if t.GossipThreshold > 0 {
		return fmt.Errorf("invalid gossip threshold; it must be <= 0")
	}
	if t.PublishThreshold > 0 || t.PublishThreshold > t.GossipThreshold {
		return fmt.Errorf("invalid publish threshold; it must be <= 0 and <= gossip threshold")
	}
	if t.GraylistThreshold > 0 || t.GraylistThreshold > t.PublishThreshold {
		return fmt.Errorf("invalid graylist threshold; it must be <= 0 and <= publish threshold")
	}
	if t.AcceptPXThreshold < 0 {
		return fmt.Errorf("invalid accept PX threshold; it must be >= 0")
	}
	if t.OpportunisticGraftThreshold < 0 {
		return fmt.Errorf("invalid opportunistic grafting threshold; it must be >= 0")
	}
	return nil
}

// TopicScoreParams are the per-topic weights and behavioural knobs
// feeding P1-P4 of the score computation (spec.md §4.1).
type TopicScoreParams struct {
	// TopicWeight multiplies the combined P1-P4 score for this topic
	// before it is added to the peer's running total.
	TopicWeight float64

	// P1: time in mesh.
	TimeInMeshWeight  float64
	TimeInMeshQuantum time.Duration
	TimeInMeshCap     float64

	// P2: first message deliveries.
	FirstMessageDeliveriesWeight float64
	FirstMessageDeliveriesDecay  float64
	FirstMessageDeliveriesCap    float64

	// P3: mesh message delivery rate.
	MeshMessageDeliveriesWeight     float64
	MeshMessageDeliveriesDecay      float64
	MeshMessageDeliveriesCap        float64
	MeshMessageDeliveriesThreshold  float64
	MeshMessageDeliveriesWindow     time.Duration
	MeshMessageDeliveriesActivation time.Duration

	// P3b: sticky mesh failure penalty.
	MeshFailurePenaltyWeight float64
	MeshFailurePenaltyDecay  float64

	// P4: invalid message deliveries.
	InvalidMessageDeliveriesWeight float64
	InvalidMessageDeliveriesDecay  float64
}

func (p *TopicScoreParams) validate() error {
	if p.TopicWeight < 0 {
		return fmt.Errorf("invalid topic weight; it must be >= 0")
	}

	if p.TimeInMeshQuantum == 0 {
		return fmt.Errorf("invalid time in mesh quantum; it must be non-zero")
	}
	if p.TimeInMeshCap <= 0 {
		return fmt.Errorf("invalid time in mesh cap; it must be positive")
	}
	if p.TimeInMeshWeight < 0 {
		return fmt.Errorf("invalid time in mesh weight; it must be >= 0")
	}

	if p.FirstMessageDeliveriesWeight < 0 {
		return fmt.Errorf("invalid first message deliveries weight; it must be >= 0")
	}
	if p.FirstMessageDeliveriesCap <= 0 {
		return fmt.Errorf("invalid first message deliveries cap; it must be positive")
	}
	if p.FirstMessageDeliveriesDecay <= 0 || p.FirstMessageDeliveriesDecay >= 1 {
		return fmt.Errorf("invalid first message deliveries decay; it must be between 0 and 1")
	}

	if p.MeshMessageDeliveriesWeight > 0 {
		return fmt.Errorf("invalid mesh message deliveries weight; it must be <= 0")
	}
	if p.MeshMessageDeliveriesCap < 0 {
		return fmt.Errorf("invalid mesh message deliveries cap; it must be >= 0")
	}
	if p.MeshMessageDeliveriesThreshold <= 0 {
		return fmt.Errorf("invalid mesh message deliveries threshold; it must be positive")
	}
	if p.MeshMessageDeliveriesWindow < 0 {
		return fmt.Errorf("invalid mesh message deliveries window; it must be >= 0")
	}
	if p.MeshMessageDeliveriesActivation < time.Second {
		return fmt.Errorf("invalid mesh message deliveries activation; it must be at least 1s")
	}
	if p.MeshMessageDeliveriesDecay <= 0 || p.MeshMessageDeliveriesDecay >= 1 {
		return fmt.Errorf("invalid mesh message deliveries decay; it must be between 0 and 1")
	}

	if p.MeshFailurePenaltyWeight > 0 {
		return fmt.Errorf("invalid mesh failure penalty weight; it must be <= 0")
	}
	if p.MeshFailurePenaltyDecay <= 0 || p.MeshFailurePenaltyDecay >= 1 {
		return fmt.Errorf("invalid mesh failure penalty decay; it must be between 0 and 1")
	}

	if p.InvalidMessageDeliveriesWeight > 0 {
		return fmt.Errorf("invalid invalid message deliveries weight; it must be <= 0")
	}
	if p.InvalidMessageDeliveriesDecay <= 0 || p.InvalidMessageDeliveriesDecay >= 1 {
		return fmt.Errorf("invalid invalid message deliveries decay; it must be between 0 and 1")
	}

	return nil
}

// PeerScoreParams is the immutable, validated configuration for a
// PeerScore engine (spec.md §3). Construct with NewPeerScore, which
// validates and fails atomically.
type PeerScoreParams struct {
	// Topics maps a scored topic to its weights.
	Topics map[TopicIdentifier]*TopicScoreParams

	// TopicScoreCap, if > 0, bounds the summed topic score before the
	// global P6/P7 terms are added.
	TopicScoreCap float64

	// AppSpecificScore is a P5 hook reserved for application-specific
	// reputation. It is carried on the params for API parity but is not
	// evaluated inside Score; see DESIGN.md for the resolved open
	// question.
	AppSpecificScore  func(PeerIdentifier) float64
	AppSpecificWeight float64

	// P6: IP colocation.
	IPColocationFactorWeight    float64
	IPColocationFactorThreshold float64
	IPColocationFactorWhitelist map[SourceAddress]struct{}

	// P7: behavioural penalty.
	BehaviourPenaltyWeight float64
	BehaviourPenaltyDecay  float64

	// DecayInterval documents the cadence the owner intends to call
	// RefreshScores at. It is validated but never read internally:
	// RefreshScores decays counters by one step per call, not in
	// proportion to wall-clock time (spec.md §4.3).
	DecayInterval time.Duration

	// DecayToZero is the floor below which a decayed counter snaps to
	// zero rather than asymptotically approaching it forever.
	DecayToZero float64

	// RetainScore is how long a disconnected peer's statistics (and
	// negative reputation) are kept before being erased.
	RetainScore time.Duration
}

// Validate checks every sign/range constraint from spec.md §3 and
// rejects the first violation found. Construction via NewPeerScore
// calls this before allocating any engine state.
func (p *PeerScoreParams) Validate() error {
	for topic, params := range p.Topics {
		if err := params.validate(); err != nil {
			return fmt.Errorf("invalid score parameters for topic %s: %w", topic, err)
		}
	}

	if p.TopicScoreCap < 0 {
		return fmt.Errorf("invalid topic score cap; must be >= 0")
	}

	if p.AppSpecificScore == nil {
		p.AppSpecificScore = func(PeerIdentifier) float64 { return 0 }
	}

	if p.IPColocationFactorWeight > 0 {
		return fmt.Errorf("invalid IP colocation factor weight; must be <= 0")
	}
	if p.IPColocationFactorWeight != 0 && p.IPColocationFactorThreshold < 1 {
		return fmt.Errorf("invalid IP colocation factor threshold; must be >= 1")
	}

	if p.BehaviourPenaltyDecay <= 0 || p.BehaviourPenaltyDecay >= 1 {
		return fmt.Errorf("invalid behaviour penalty decay; must be between 0 and 1")
	}
	if p.BehaviourPenaltyWeight > 0 {
		return fmt.Errorf("invalid behaviour penalty weight; must be <= 0")
	}

	if p.DecayInterval <= 0 {
		return fmt.Errorf("invalid decay interval; must be positive")
	}

	if p.DecayToZero <= 0 || p.DecayToZero >= 1 {
		return fmt.Errorf("invalid decay_to_zero; must be between 0 and 1")
	}

	if p.RetainScore < 0 {
		return fmt.Errorf("invalid retain score; must be >= 0")
	}

	return nil
}
