// Package decision implements the Bitswap Decision Engine: the
// subsystem that decides which locally held blocks to send to which
// remote peer, in what order, in response to incoming wantlist
// messages and local block-store arrivals.
package decision

import (
	"context"
	"errors"
	"sync"
	"time"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	metrics "github.com/ipfs/go-metrics-interface"
	process "github.com/jbenet/goprocess"
	peer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/dt-labs/bitswap-decide/internal/blockstore"
	"github.com/dt-labs/bitswap-decide/internal/message"
	"github.com/dt-labs/bitswap-decide/internal/network"
	"github.com/dt-labs/bitswap-decide/internal/wantlist"
)

var log = logging.Logger("bitswap/decision")

// ErrNotStarted flags a facade call that landed before Start. The call
// still runs — ledger and queue mutations are cheap and harmless ahead
// of Start, and buffering wants before the Processor is running is a
// legitimate way to warm up an engine — but nothing will actually ship
// until Start is called, so an event is emitted to make that visible.
var ErrNotStarted = errors.New("decision: facade called before Start")

// Config carries the engine's tunables.
type Config struct {
	// MaxMessageSize caps the cumulative SizeHint of one outbound
	// message's tasks.
	MaxMessageSize int
	// MaxSizeReplaceHasWithBlock promotes a Have want to a Block
	// response when the arriving block is at most this many bytes.
	// Zero disables the promotion.
	MaxSizeReplaceHasWithBlock int
	// TaskCoalesceDelay is the Processor's debounce window.
	TaskCoalesceDelay time.Duration
	// TargetMessageSize is a soft target below MaxMessageSize; the
	// Processor does not currently shrink batches to hit it exactly,
	// but callers can use it to size upstream batching.
	TargetMessageSize int
	// SendTimeout bounds a single outbound send. It is combined with
	// the engine's own lifetime context: whichever is cancelled first
	// aborts the send.
	SendTimeout time.Duration
	// RebroadcastInterval, when non-zero, re-offers a peer's remaining
	// pending tasks on a fixed tick so a dropped wake-up doesn't strand
	// work indefinitely. Zero disables rebroadcast.
	RebroadcastInterval time.Duration
}

// DefaultConfig returns the engine's production defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:             512 * 1024,
		MaxSizeReplaceHasWithBlock: 1024,
		TaskCoalesceDelay:          10 * time.Millisecond,
		TargetMessageSize:          16 * 1024,
		SendTimeout:                30 * time.Second,
		RebroadcastInterval:        0,
	}
}

// EventType distinguishes telemetry events emitted by the engine. No
// error bubbles out of MessageReceived/ReceivedBlocks directly — this
// event stream is the only way callers observe failures and activity.
type EventType int

const (
	EventMessageSent EventType = iota
	EventMessageReceived
	EventError
)

// Event is one telemetry notification.
type Event struct {
	Type  EventType
	Peer  peer.ID
	Bytes int
	Err   error
}

// Engine is the Decision Engine facade: the narrow surface the rest of
// a Bitswap agent uses to feed it inbound messages and local block
// arrivals, and to read back per-peer accounting.
type Engine struct {
	bstore  blockstore.Blockstore
	network network.BitSwapNetwork
	cfg     Config

	mu      sync.RWMutex
	ledgers map[peer.ID]*ledger

	queue *RequestQueue

	wake chan struct{}

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	proc   process.Process
	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	started   bool
	startMu   sync.Mutex

	events chan Event

	wantlistGauge metrics.Gauge
	sentHist      metrics.Histogram
}

// NewEngine constructs an Engine. The returned engine must be started
// with Start before it will process any tasks; MessageReceived and
// ReceivedBlocks may be called before Start (they only mutate ledger
// and queue state), but nothing will be sent until the Processor is
// running.
func NewEngine(ctx context.Context, bstore blockstore.Blockstore, net network.BitSwapNetwork, cfg Config) *Engine {
	ectx, cancel := context.WithCancel(ctx)
	e := &Engine{
		bstore:        bstore,
		network:       net,
		cfg:           cfg,
		ledgers:       make(map[peer.ID]*ledger),
		queue:         NewRequestQueue(),
		wake:          make(chan struct{}, 1),
		ctx:           ectx,
		cancel:        cancel,
		events:        make(chan Event, 64),
		wantlistGauge: metrics.NewCtx(ectx, "wantlist_total", "Number of entries across all peer wantlists.").Gauge(),
		sentHist:      metrics.NewCtx(ectx, "sent_bytes", "Histogram of bytes sent per outbound message.").Histogram([]float64{64, 1024, 16 * 1024, 256 * 1024, 1024 * 1024}),
	}
	return e
}

// Events returns the engine's telemetry stream. Consumers should drain
// it promptly; it is bounded and drops events under sustained
// backpressure rather than block the hot path.
func (e *Engine) Events() <-chan Event { return e.events }

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// Start is idempotent: calling it more than once has no additional
// effect.
func (e *Engine) Start() {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return
	}
	e.started = true

	e.proc = process.WithTeardown(func() error { return nil })
	e.proc.Go(func(proc process.Process) {
		e.processorLoop()
	})
	if e.cfg.RebroadcastInterval > 0 {
		e.proc.Go(func(proc process.Process) {
			e.rebroadcastLoop()
		})
	}
	go func() {
		<-e.ctx.Done()
		e.proc.Close()
	}()
}

// Stop drains the queue, cancels any in-flight send, and empties all
// ledgers. No further SendMessage calls will be made after Stop
// returns.
func (e *Engine) Stop() {
	e.cancel()
	if e.proc != nil {
		<-e.proc.Closed()
	}

	e.mu.Lock()
	e.ledgers = make(map[peer.ID]*ledger)
	e.mu.Unlock()

	e.queue = NewRequestQueue()
}

// warnIfNotStarted emits an EventError carrying ErrNotStarted when a
// facade method is called before Start has run, without otherwise
// affecting the caller's mutation.
func (e *Engine) warnIfNotStarted(p peer.ID) {
	e.startMu.Lock()
	started := e.started
	e.startMu.Unlock()
	if !started {
		e.emit(Event{Type: EventError, Peer: p, Err: ErrNotStarted})
	}
}

func (e *Engine) getOrCreateLedger(p peer.ID) *ledger {
	e.mu.RLock()
	l, ok := e.ledgers[p]
	e.mu.RUnlock()
	if ok {
		return l
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok = e.ledgers[p]
	if ok {
		return l
	}
	l = newLedger(p)
	e.ledgers[p] = l
	return l
}

func (e *Engine) ledgerFor(p peer.ID) (*ledger, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l, ok := e.ledgers[p]
	return l, ok
}

// PeerConnected ensures a ledger row exists for p.
func (e *Engine) PeerConnected(p peer.ID) {
	e.getOrCreateLedger(p)
}

// PeerDisconnected drops p's ledger and any queued tasks.
func (e *Engine) PeerDisconnected(p peer.ID) {
	e.mu.Lock()
	delete(e.ledgers, p)
	e.mu.Unlock()
	e.queue.Remove(p)
}

// ReceiveMessage implements network.Receiver, letting an Engine be
// wired directly as a Network's delegate.
func (e *Engine) ReceiveMessage(ctx context.Context, sender peer.ID, incoming message.BitSwapMessage) {
	e.MessageReceived(sender, incoming)
}

// ReceiveError implements network.Receiver.
func (e *Engine) ReceiveError(err error) {
	log.Warnf("bitswap network error: %s", err)
	e.emit(Event{Type: EventError, Err: err})
}

// MessageReceived applies an inbound Bitswap message to the Ledger and
// Request Queue. It returns once the mutations are applied in memory;
// it never blocks on a send.
func (e *Engine) MessageReceived(from peer.ID, incoming message.BitSwapMessage) {
	e.warnIfNotStarted(from)
	e.emit(Event{Type: EventMessageReceived, Peer: from})

	l := e.getOrCreateLedger(from)

	// A full wantlist replaces everything this peer previously wanted:
	// entries missing from this message must stop being served even
	// though they were never explicitly cancelled. Entries the same
	// message re-asserts are re-added below, so only drop the ones it
	// doesn't repeat.
	if incoming.Full() {
		keep := make(map[cid.Cid]bool, len(incoming.Wantlist()))
		for _, entry := range incoming.Wantlist() {
			if !entry.Cancel {
				keep[entry.Cid] = true
			}
		}
		for _, cleared := range l.ClearWantlist() {
			if !keep[cleared.Cid] {
				e.queue.Cancel(from, cleared.Cid)
			}
		}
	}

	if blks := incoming.Blocks(); len(blks) > 0 {
		var n uint64
		for _, b := range blks {
			n += uint64(len(b.RawData()))
		}
		l.AccountReceived(n, uint64(len(blks)))
	}

	wasEmpty := len(e.queue.Peers()) == 0

	var tasks []Task
	for _, entry := range incoming.Wantlist() {
		c := entry.Cid
		if entry.Cancel {
			l.CancelWant(c)
			e.queue.Cancel(from, c)
			continue
		}

		l.Wants(c, entry.Priority, entry.WantType, entry.SendDontHave)

		has, err := e.bstore.Has(e.ctx, c)
		if err != nil {
			log.Errorf("blockstore Has(%s) failed: %s", c, err)
			e.emit(Event{Type: EventError, Peer: from, Err: err})
			continue
		}
		if !has && !entry.SendDontHave {
			// Absent and no negative ack requested: stay silent rather
			// than queue a task that would render nothing.
			continue
		}

		sizeHint := presenceSizeHint
		if has && entry.WantType == wantlist.WantBlock {
			if blk, err := e.bstore.Get(e.ctx, c); err == nil {
				sizeHint = len(blk.RawData())
			}
		}
		tasks = append(tasks, Task{
			Target:       from,
			Cid:          c,
			Priority:     entry.Priority,
			WantType:     entry.WantType,
			SendDontHave: entry.SendDontHave,
			SizeHint:     sizeHint,
		})
	}

	e.updateWantlistGauge()

	if len(tasks) == 0 {
		return
	}
	if pushed := e.queue.PushTasks(from, tasks); pushed {
		e.scheduleCycle(wasEmpty)
	}
}

// ReceivedBlocks is called by the wrapping agent after new blocks land
// in the Block Store. It scans every peer ledger for outstanding wants
// on each cid and pushes the corresponding tasks.
func (e *Engine) ReceivedBlocks(blks []blocks.Block) {
	e.warnIfNotStarted("")
	wasEmpty := len(e.queue.Peers()) == 0

	e.mu.RLock()
	ledgers := make([]*ledger, 0, len(e.ledgers))
	for _, l := range e.ledgers {
		ledgers = append(ledgers, l)
	}
	e.mu.RUnlock()

	pushed := false
	for _, b := range blks {
		c := b.Cid()
		size := len(b.RawData())
		for _, l := range ledgers {
			l.lk.Lock()
			entry, ok := l.Wantlist.Contains(c)
			l.lk.Unlock()
			if !ok {
				continue
			}

			wantType := entry.WantType
			sizeHint := presenceSizeHint
			if wantType == wantlist.WantBlock {
				sizeHint = size
			} else if e.cfg.MaxSizeReplaceHasWithBlock > 0 && size <= e.cfg.MaxSizeReplaceHasWithBlock {
				// Promote: it's cheaper to just ship the block than to
				// answer Have and make the peer ask again.
				wantType = wantlist.WantBlock
				sizeHint = size
			}

			t := Task{
				Target:       l.Partner,
				Cid:          c,
				Priority:     entry.Priority,
				WantType:     wantType,
				SendDontHave: entry.SendDontHave,
				SizeHint:     sizeHint,
			}
			if e.queue.PushTasks(l.Partner, []Task{t}) {
				pushed = true
			}
		}
	}

	if pushed {
		e.scheduleCycle(wasEmpty)
	}
}

// MessageSent updates bytes_sent/blocks_sent accounting for a single
// cid once its bytes have hit the wire. The Processor already performs
// this accounting for messages it sends itself; this entry point
// exists for external callers that track finer-grained per-block
// delivery.
func (e *Engine) MessageSent(p peer.ID, c cid.Cid, n int) {
	e.warnIfNotStarted(p)
	l := e.getOrCreateLedger(p)
	l.AccountSent(uint64(n), 1)
}

// Peers returns the peers with live ledgers.
func (e *Engine) Peers() []peer.ID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]peer.ID, 0, len(e.ledgers))
	for p := range e.ledgers {
		out = append(out, p)
	}
	return out
}

// NumBytesSentTo returns the accounted bytes sent to p.
func (e *Engine) NumBytesSentTo(p peer.ID) uint64 {
	l, ok := e.ledgerFor(p)
	if !ok {
		return 0
	}
	sent, _, _, _ := l.Stats()
	return sent
}

// NumBytesReceivedFrom returns the accounted bytes received from p.
func (e *Engine) NumBytesReceivedFrom(p peer.ID) uint64 {
	l, ok := e.ledgerFor(p)
	if !ok {
		return 0
	}
	_, recv, _, _ := l.Stats()
	return recv
}

// WantlistForPeer returns the live wantlist entries for p.
func (e *Engine) WantlistForPeer(p peer.ID) []wantlist.Entry {
	l, ok := e.ledgerFor(p)
	if !ok {
		return nil
	}
	return l.Entries()
}

func (e *Engine) updateWantlistGauge() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var total int
	for _, l := range e.ledgers {
		l.lk.Lock()
		total += l.Wantlist.Len()
		l.lk.Unlock()
	}
	e.wantlistGauge.Set(float64(total))
}

// scheduleCycle wakes the Processor. If wasEmpty is true (the global
// queue had no work before this push), it fires immediately to
// preserve latency; otherwise it coalesces with any already-pending
// debounce timer so a burst of near-simultaneous pushes collapses into
// one wake-up instead of a storm of tiny cycles.
func (e *Engine) scheduleCycle(wasEmpty bool) {
	if wasEmpty {
		e.fireWake()
		return
	}
	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()
	if e.debounceTimer != nil {
		return
	}
	e.debounceTimer = time.AfterFunc(e.cfg.TaskCoalesceDelay, func() {
		e.debounceMu.Lock()
		e.debounceTimer = nil
		e.debounceMu.Unlock()
		e.fireWake()
	})
}

func (e *Engine) fireWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) processorLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.wake:
			e.runCycles()
		}
	}
}

func (e *Engine) runCycles() {
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		p, tasks := e.queue.PopTasks(e.cfg.MaxMessageSize)
		if len(tasks) == 0 {
			return
		}
		e.runCycle(p, tasks)
	}
}

func (e *Engine) runCycle(p peer.ID, tasks []*Task) {
	msg := e.renderTasks(p, tasks)
	msg.SetPendingBytes(e.queue.PendingBytes(p))

	sendCtx, cancel := withDeadline(e.ctx, e.cfg.SendTimeout)
	defer cancel()

	err := e.network.SendMessage(sendCtx, p, msg)

	// Tasks are consumed either way: a send failure must not leave them
	// stranded in the active set, or they'd never be reconsidered.
	e.queue.TasksDone(p, tasks)

	if err != nil {
		log.Warnf("bitswap send to %s failed: %s", p, err)
		e.emit(Event{Type: EventError, Peer: p, Err: err})
		return
	}

	blocksSent := len(msg.Blocks())
	byteCount := 0
	for _, b := range msg.Blocks() {
		byteCount += len(b.RawData())
	}
	l := e.getOrCreateLedger(p)
	l.AccountSent(uint64(byteCount), uint64(blocksSent))
	e.sentHist.Observe(float64(byteCount))
	e.emit(Event{Type: EventMessageSent, Peer: p, Bytes: byteCount})
}

// renderTasks converts a batch of tasks into an outbound message: a
// Have/DontHave presence for want-have tasks, the block bytes (or a
// DontHave) for want-block tasks.
func (e *Engine) renderTasks(p peer.ID, tasks []*Task) message.BitSwapMessage {
	msg := message.New(false)
	for _, t := range tasks {
		switch t.WantType {
		case wantlist.WantHave:
			has, err := e.bstore.Has(e.ctx, t.Cid)
			if err != nil {
				log.Errorf("blockstore Has(%s) failed: %s", t.Cid, err)
				e.emit(Event{Type: EventError, Peer: p, Err: err})
				continue
			}
			if has {
				msg.AddHave(t.Cid)
			} else if t.SendDontHave {
				msg.AddDontHave(t.Cid)
			}
		case wantlist.WantBlock:
			blk, err := e.bstore.Get(e.ctx, t.Cid)
			if err == blockstore.ErrNotFound {
				if t.SendDontHave {
					msg.AddDontHave(t.Cid)
				}
				continue
			} else if err != nil {
				log.Errorf("blockstore Get(%s) failed: %s", t.Cid, err)
				e.emit(Event{Type: EventError, Peer: p, Err: err})
				continue
			}
			msg.AddBlock(blk)
		}
	}
	return msg
}

func (e *Engine) rebroadcastLoop() {
	ticker := time.NewTicker(e.cfg.RebroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			// Waking the processor re-walks the whole rotation; peers
			// with genuinely empty pending sets are simply skipped, so a
			// single wake suffices to re-offer everyone's remaining work.
			if len(e.queue.Peers()) > 0 {
				e.fireWake()
			}
		}
	}
}

// withDeadline composes ctx's cancellation with an independent timeout:
// whichever fires first cancels the returned context. A zero timeout
// means no additional deadline is applied.
func withDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
