// Package wantlist implements an ordered list of wants for a peer.
package wantlist

import (
	"sort"

	cid "github.com/ipfs/go-cid"
)

// WantType distinguishes a request for the full block from a request
// for mere presence information.
type WantType int

const (
	// WantBlock asks for the block bytes.
	WantBlock WantType = iota
	// WantHave asks only whether the peer holds the block.
	WantHave
)

func (t WantType) String() string {
	if t == WantHave {
		return "Have"
	}
	return "Block"
}

// Entry is a single entry in a wantlist, identifying a CID, its priority
// and the kind of response it is asking for.
type Entry struct {
	Cid          cid.Cid
	Priority     int32
	WantType     WantType
	SendDontHave bool
}

// Wantlist is an unordered map of Cid to Entry for a single peer. It is
// not safe for concurrent use; callers (the Ledger) are expected to
// serialize access.
type Wantlist struct {
	set map[cid.Cid]Entry
}

// New returns an empty Wantlist.
func New() *Wantlist {
	return &Wantlist{set: make(map[cid.Cid]Entry)}
}

// Len returns the number of entries in the wantlist.
func (w *Wantlist) Len() int {
	return len(w.set)
}

// Add inserts or overwrites the entry for c. Returns true if this is a
// new entry (not merely an update of an existing one).
func (w *Wantlist) Add(c cid.Cid, priority int32, wantType WantType, sendDontHave bool) bool {
	_, exists := w.set[c]
	w.set[c] = Entry{
		Cid:          c,
		Priority:     priority,
		WantType:     wantType,
		SendDontHave: sendDontHave,
	}
	return !exists
}

// Remove deletes the entry for c. Returns true if an entry was present.
func (w *Wantlist) Remove(c cid.Cid) bool {
	_, ok := w.set[c]
	if ok {
		delete(w.set, c)
	}
	return ok
}

// Contains reports whether c has a live entry, returning it if so.
func (w *Wantlist) Contains(c cid.Cid) (Entry, bool) {
	e, ok := w.set[c]
	return e, ok
}

// Entries returns the wantlist's entries sorted by descending priority,
// then by Cid string for determinism. Callers that need insertion-order
// FIFO behavior within a priority band should rely on the Request Queue,
// not on this ordering.
func (w *Wantlist) Entries() []Entry {
	out := make([]Entry, 0, len(w.set))
	for _, e := range w.set {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Cid.KeyString() < out[j].Cid.KeyString()
	})
	return out
}

// Clear empties the wantlist, returning the entries it held.
func (w *Wantlist) Clear() []Entry {
	old := w.Entries()
	w.set = make(map[cid.Cid]Entry)
	return old
}
