package decision

import "github.com/dt-labs/bitswap-decide/internal/wantlist"

// mergeAction is the outcome of resolving an incoming task against
// whatever is already queued for the same (peer, cid).
type mergeAction int

const (
	// mergeInsert means there was nothing queued for this cid; insert
	// the incoming task as a new pending entry.
	mergeInsert mergeAction = iota
	// mergeIgnore means drop the incoming task; the existing entry
	// (pending or active) stands as is.
	mergeIgnore
	// mergeUpgrade means replace the existing pending entry's fields
	// with the merged result computed by mergeUpgradedTask.
	mergeUpgrade
)

// resolveMerge decides what to do with a non-cancel incoming want:
// dedupe a repeated Have or Block, upgrade a pending Have to Block when
// a Block want for the same cid arrives, refuse to downgrade a pending
// Block back to Have, and leave an already-active task alone (it will
// be reconsidered after it completes if the want is still live).
// Cancellation is handled separately by RequestQueue.Cancel, which
// always removes a pending entry outright and always leaves an active
// one alone. existing is nil when there is nothing queued yet for
// (peer, cid). existingActive reports whether the existing entry (if
// any) is currently active rather than pending.
func resolveMerge(existing *Task, existingActive bool, incoming Task) mergeAction {
	if existing == nil {
		return mergeInsert
	}

	if existingActive {
		return mergeIgnore
	}

	switch {
	case existing.WantType == wantlist.WantHave && incoming.WantType == wantlist.WantHave:
		return mergeIgnore
	case existing.WantType == wantlist.WantHave && incoming.WantType == wantlist.WantBlock:
		return mergeUpgrade
	case existing.WantType == wantlist.WantBlock && incoming.WantType == wantlist.WantHave:
		return mergeIgnore
	default: // Block, Block
		return mergeIgnore
	}
}

// mergeUpgradedTask computes the merged task for the Have->Block
// upgrade case: the want type is promoted to Block, the priority takes
// the higher of the two (an upgraded want is never served less
// urgently than either of its constituent requests), and
// send_dont_have is inherited disjunctively — if either the original
// Have or the upgrading Block asked for an explicit negative ack, the
// merged task keeps asking for one.
func mergeUpgradedTask(existing Task, incoming Task) Task {
	merged := existing
	merged.WantType = wantlist.WantBlock
	if incoming.Priority > merged.Priority {
		merged.Priority = incoming.Priority
	}
	merged.SendDontHave = existing.SendDontHave || incoming.SendDontHave
	merged.SizeHint = incoming.SizeHint
	return merged
}
