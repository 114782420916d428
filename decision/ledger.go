package decision

import (
	"sync"

	cid "github.com/ipfs/go-cid"
	peer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/dt-labs/bitswap-decide/internal/wantlist"
)

// ledger is per-peer bookkeeping: an active wantlist plus transfer
// counters. A single cid appears at most once in Wantlist: a repeated
// want for the same cid overwrites the earlier entry. The merge table in
// taskmerge.go governs queued tasks, not this wantlist.
type ledger struct {
	lk sync.Mutex

	Partner peer.ID

	Wantlist *wantlist.Wantlist

	BytesSent      uint64
	BytesReceived  uint64
	BlocksSent     uint64
	BlocksReceived uint64
	ExchangeCount  uint64
}

func newLedger(p peer.ID) *ledger {
	return &ledger{
		Partner:  p,
		Wantlist: wantlist.New(),
	}
}

// Wants records or updates a want for c. Returns true if this created a
// brand new entry (as opposed to updating one already present).
func (l *ledger) Wants(c cid.Cid, priority int32, wantType wantlist.WantType, sendDontHave bool) bool {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.ExchangeCount++
	return l.Wantlist.Add(c, priority, wantType, sendDontHave)
}

// CancelWant removes a want for c. Idempotent.
func (l *ledger) CancelWant(c cid.Cid) bool {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.Wantlist.Remove(c)
}

// ClearWantlist removes every entry, returning what was cleared. Used
// when a `full` wantlist message arrives and replaces everything this
// peer previously wanted.
func (l *ledger) ClearWantlist() []wantlist.Entry {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.Wantlist.Clear()
}

// PeerWants reports the WantType for c, if any.
func (l *ledger) PeerWants(c cid.Cid) (wantlist.WantType, bool) {
	l.lk.Lock()
	defer l.lk.Unlock()
	e, ok := l.Wantlist.Contains(c)
	if !ok {
		return 0, false
	}
	return e.WantType, true
}

func (l *ledger) Entries() []wantlist.Entry {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.Wantlist.Entries()
}

func (l *ledger) AccountSent(bytes uint64, blocks uint64) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.BytesSent += bytes
	l.BlocksSent += blocks
	l.ExchangeCount++
}

func (l *ledger) AccountReceived(bytes uint64, blocks uint64) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.BytesReceived += bytes
	l.BlocksReceived += blocks
	l.ExchangeCount++
}

func (l *ledger) Stats() (bytesSent, bytesRecv, blocksSent, blocksRecv uint64) {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.BytesSent, l.BytesReceived, l.BlocksSent, l.BlocksReceived
}
