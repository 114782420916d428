package decision

import (
	"container/heap"
	"container/list"
	"sync"

	cid "github.com/ipfs/go-cid"
	peer "github.com/libp2p/go-libp2p/core/peer"
)

// taskHeap orders a single peer's pending tasks by priority descending,
// then by insertion order (FIFO) for ties.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x interface{}) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// peerQueue holds one peer's scheduling state: an ordered pending set
// keyed by cid, plus the set of tasks currently active (popped but not
// yet marked done).
type peerQueue struct {
	pending    taskHeap
	pendingIdx map[cid.Cid]*Task
	active     map[cid.Cid]*Task
	elem       *list.Element // this peer's node in the rotation list
}

func newPeerQueue() *peerQueue {
	return &peerQueue{
		pendingIdx: make(map[cid.Cid]*Task),
		active:     make(map[cid.Cid]*Task),
	}
}

func (pq *peerQueue) empty() bool {
	return len(pq.pending) == 0 && len(pq.active) == 0
}

// RequestQueue is a two-level priority structure: an outer round-robin
// rotation across peers with non-empty pending work, and an inner
// per-peer priority ordering of tasks.
type RequestQueue struct {
	mu       sync.Mutex
	rotation *list.List // of peer.ID
	peers    map[peer.ID]*peerQueue
	seq      uint64
}

// NewRequestQueue returns an empty RequestQueue.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{
		rotation: list.New(),
		peers:    make(map[peer.ID]*peerQueue),
	}
}

func (q *RequestQueue) getOrCreate(p peer.ID) *peerQueue {
	pq, ok := q.peers[p]
	if ok {
		return pq
	}
	pq = newPeerQueue()
	q.peers[p] = pq
	return pq
}

// enterRotation places p at the tail of the rotation if it isn't
// already present there.
func (q *RequestQueue) enterRotation(p peer.ID, pq *peerQueue) {
	if pq.elem != nil {
		return
	}
	pq.elem = q.rotation.PushBack(p)
}

// leaveRotation removes p from the rotation and forgets it entirely.
// Only valid once both pending and active are empty.
func (q *RequestQueue) leaveRotation(p peer.ID, pq *peerQueue) {
	if pq.elem != nil {
		q.rotation.Remove(pq.elem)
	}
	delete(q.peers, p)
}

// PushTasks inserts tasks for peer p, resolving each against whatever
// is already queued for its cid via resolveMerge/mergeUpgradedTask.
// Cancellations are not handled here; callers use Cancel for those.
// PushTasks reports whether at least one task actually entered or
// updated the pending set, so callers can decide whether to trigger a
// Processor cycle.
func (q *RequestQueue) PushTasks(p peer.ID, tasks []Task) (pushed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pq := q.getOrCreate(p)
	for i := range tasks {
		t := tasks[i]
		existing, existsPending := pq.pendingIdx[t.Cid]
		existingActive, isActive := pq.active[t.Cid]

		var cur *Task
		var curActive bool
		if existsPending {
			cur = existing
		} else if isActive {
			cur = existingActive
			curActive = true
		}

		action := resolveMerge(cur, curActive, t)
		switch action {
		case mergeInsert:
			nt := t
			nt.seq = q.seq
			q.seq++
			heap.Push(&pq.pending, &nt)
			pq.pendingIdx[t.Cid] = &nt
			pushed = true
		case mergeUpgrade:
			merged := mergeUpgradedTask(*cur, t)
			cur.Priority = merged.Priority
			cur.WantType = merged.WantType
			cur.SendDontHave = merged.SendDontHave
			cur.SizeHint = merged.SizeHint
			heap.Fix(&pq.pending, cur.index)
			pushed = true
		case mergeIgnore:
			// nothing to do
		}
	}

	if len(pq.pending) > 0 {
		q.enterRotation(p, pq)
	}
	return pushed
}

// Cancel removes the pending task for (p, c), if any, and reports
// whether one was found. An active task for the same cid is left
// alone: it is already in flight and will ship regardless.
func (q *RequestQueue) Cancel(p peer.ID, c cid.Cid) (removed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pq, ok := q.peers[p]
	if !ok {
		return false
	}
	t, ok := pq.pendingIdx[c]
	if !ok {
		return false
	}
	heap.Remove(&pq.pending, t.index)
	delete(pq.pendingIdx, c)

	if pq.empty() {
		q.leaveRotation(p, pq)
	}
	return true
}

// PopTasks selects the next peer in rotation with non-empty pending
// work and pops tasks in priority order until the cumulative
// SizeHint would exceed maxBytes. At least one task is always
// returned if the selected peer has any pending, even if that single
// task's SizeHint alone exceeds maxBytes. The returned tasks move from
// pending to active atomically.
func (q *RequestQueue) PopTasks(maxBytes int) (peer.ID, []*Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.rotation.Len() == 0 {
		return "", nil
	}

	// Walk the rotation at most once looking for a peer with pending
	// work; peers with empty pending (but non-empty active) are skipped
	// without losing their place.
	start := q.rotation.Front()
	elem := start
	for i := 0; i < q.rotation.Len(); i++ {
		p := elem.Value.(peer.ID)
		pq := q.peers[p]
		if len(pq.pending) > 0 {
			tasks := q.popFrom(p, pq, maxBytes)
			q.rotation.MoveToBack(elem)
			return p, tasks
		}
		elem = elem.Next()
		if elem == nil {
			elem = q.rotation.Front()
		}
	}
	return "", nil
}

func (q *RequestQueue) popFrom(p peer.ID, pq *peerQueue, maxBytes int) []*Task {
	var out []*Task
	var total int
	for len(pq.pending) > 0 {
		t := heap.Pop(&pq.pending).(*Task)
		delete(pq.pendingIdx, t.Cid)

		if len(out) > 0 && total+t.SizeHint > maxBytes {
			// Would overflow the budget and we already have at least one
			// task: put it back and stop.
			heap.Push(&pq.pending, t)
			pq.pendingIdx[t.Cid] = t
			break
		}

		pq.active[t.Cid] = t
		out = append(out, t)
		total += t.SizeHint

		if total >= maxBytes {
			break
		}
	}
	return out
}

// TasksDone marks the given tasks for p as complete, removing them
// from active. If this empties both pending and active, p leaves the
// rotation entirely.
func (q *RequestQueue) TasksDone(p peer.ID, tasks []*Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pq, ok := q.peers[p]
	if !ok {
		return
	}
	for _, t := range tasks {
		delete(pq.active, t.Cid)
	}
	if pq.empty() {
		q.leaveRotation(p, pq)
	}
}

// Remove drops all pending and active tasks for p, used on disconnect.
func (q *RequestQueue) Remove(p peer.ID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pq, ok := q.peers[p]
	if !ok {
		return
	}
	q.leaveRotation(p, pq)
}

// PendingBytes sums the SizeHint of every task still pending for p, an
// informational hint the caller can carry in an outbound message to
// tell the recipient how much more work is queued for them.
func (q *RequestQueue) PendingBytes(p peer.ID) int32 {
	q.mu.Lock()
	defer q.mu.Unlock()

	pq, ok := q.peers[p]
	if !ok {
		return 0
	}
	var total int
	for _, t := range pq.pending {
		total += t.SizeHint
	}
	return int32(total)
}

// Peers returns the peers currently tracked by the rotation, i.e.
// those with at least one pending or active task.
func (q *RequestQueue) Peers() []peer.ID {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]peer.ID, 0, len(q.peers))
	for p := range q.peers {
		out = append(out, p)
	}
	return out
}
