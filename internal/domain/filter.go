package domain

// FilterDirection says which way a description travels relative to the
// local side: Send for locally-generated offers/answers, Receive for
// descriptions arriving from the remote peer.
type FilterDirection string

const (
	DirectionSend    FilterDirection = "send"
	DirectionReceive FilterDirection = "receive"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// FilterRule is an immutable bandwidth bound for one media kind in one
// direction. A zero BitrateKbps disables the rule.
type FilterRule struct {
	Direction   FilterDirection
	Kind        MediaKind
	BitrateKbps int
}
