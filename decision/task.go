package decision

import (
	cid "github.com/ipfs/go-cid"
	peer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/dt-labs/bitswap-decide/internal/wantlist"
)

// Task is the unit scheduled by the Request Queue: one pending
// response for one cid, for one peer.
type Task struct {
	Target       peer.ID
	Cid          cid.Cid
	Priority     int32
	WantType     wantlist.WantType
	SendDontHave bool

	// SizeHint is the byte cost this task will consume in an outbound
	// message: block size for WantBlock, a small constant for WantHave.
	SizeHint int

	seq   uint64 // insertion order, used for FIFO tie-breaking
	index int    // heap index, maintained by container/heap
}

// presenceSizeHint is the constant charged for a Have/DontHave entry
// when no block size is known yet (the entry occupies roughly this
// many bytes once encoded on the wire).
const presenceSizeHint = 128
