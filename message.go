package pubsub

import (
	"math/big"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/mr-tron/base58"
)

// PeerIdentifier names a peer participating in the overlay. It is
// opaque, comparable and printable.
type PeerIdentifier = peer.ID

// TopicIdentifier names a pubsub topic. Topics are plain strings
// throughout the router, matching the wire RPC's topic ids.
type TopicIdentifier = string

// SourceAddress is an opaque, comparable token describing where a peer
// was observed from (a remote multiaddr, a NAT-mapped IP, ...). The
// scoring core never parses it; it only compares addresses for
// colocation purposes.
type SourceAddress = string

// MessageFingerprint identifies a message for delivery-record
// bookkeeping. Two reports of the "same" message must produce the same
// fingerprint for first-delivery credit to be attributed correctly.
type MessageFingerprint string

// Message is the boundary type exchanged with the enclosing gossipsub
// router. The scoring engine only reads these fields; it never mutates
// a Message.
type Message struct {
	// Source is the peer that originated the message (the "from" field
	// of the wire message), not necessarily the peer that reported it
	// to us.
	Source PeerIdentifier
	// Data is the message payload.
	Data []byte
	// Seqno is the author-assigned sequence number.
	Seqno []byte
	// Topics lists every topic the message was published to.
	Topics []TopicIdentifier
}

// MessageFingerprintFunc computes a MessageFingerprint for a Message.
// The default, DefaultMessageFingerprint, concatenates the base58
// encoding of the source with the decimal encoding of the sequence
// number; a host may supply any deterministic, collision-resistant
// alternative at PeerScore construction.
type MessageFingerprintFunc func(msg *Message) MessageFingerprint

// DefaultMessageFingerprint is the default MessageFingerprintFunc:
// base58(source) concatenated with the decimal representation of the
// sequence number.
func DefaultMessageFingerprint(msg *Message) MessageFingerprint {
	seqno := new(big.Int).SetBytes(msg.Seqno).String()
	return MessageFingerprint(base58.Encode([]byte(msg.Source)) + seqno)
}
