package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	peer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/dt-labs/bitswap-decide/internal/blockstore"
	"github.com/dt-labs/bitswap-decide/internal/blocksutil"
	"github.com/dt-labs/bitswap-decide/internal/message"
	"github.com/dt-labs/bitswap-decide/internal/network"
	"github.com/dt-labs/bitswap-decide/internal/testnet"
	"github.com/dt-labs/bitswap-decide/internal/wantlist"
)

// --- capturingNetwork: a BitSwapNetwork double that records every
// outbound message instead of delivering it anywhere, so tests can
// assert on exactly what the Processor rendered. ---

type sentMsg struct {
	to  peer.ID
	msg message.BitSwapMessage
}

type capturingNetwork struct {
	mu       sync.Mutex
	sent     chan sentMsg
	failNext map[peer.ID]bool
}

func newCapturingNetwork() *capturingNetwork {
	return &capturingNetwork{sent: make(chan sentMsg, 256), failNext: make(map[peer.ID]bool)}
}

func (n *capturingNetwork) SendMessage(ctx context.Context, to peer.ID, m message.BitSwapMessage) error {
	n.mu.Lock()
	fail := n.failNext[to]
	if fail {
		delete(n.failNext, to)
	}
	n.mu.Unlock()
	if fail {
		return errors.New("capturingNetwork: injected failure")
	}
	n.sent <- sentMsg{to: to, msg: m}
	return nil
}

func (n *capturingNetwork) ConnectTo(ctx context.Context, p peer.ID) error { return nil }
func (n *capturingNetwork) SetDelegate(network.Receiver)                  {}

func (n *capturingNetwork) FailNext(p peer.ID) {
	n.mu.Lock()
	n.failNext[p] = true
	n.mu.Unlock()
}

// drainSent collects every message sent within idle of the last one
// received, then stops. Used to wait out a burst of Processor activity
// without hard-coding a message count.
func drainSent(ch chan sentMsg, idle time.Duration) []sentMsg {
	var out []sentMsg
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		select {
		case m := <-ch:
			out = append(out, m)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idle)
		case <-timer.C:
			return out
		}
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

// --- consistent accounting across two real engines over a virtual
// network: bytes sent by one side must equal bytes received by the
// other, in both directions. ---

func TestEngineConsistentAccounting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := testnet.VirtualNetwork(0)
	cfg := DefaultConfig()
	cfg.TaskCoalesceDelay = time.Millisecond

	aliceID, bobID := peer.ID("alice"), peer.ID("bob")
	aliceStore, bobStore := blockstore.NewMemStore(), blockstore.NewMemStore()

	aliceAdapter, bobAdapter := net.Adapter(aliceID), net.Adapter(bobID)
	alice := NewEngine(ctx, aliceStore, aliceAdapter, cfg)
	bob := NewEngine(ctx, bobStore, bobAdapter, cfg)
	aliceAdapter.SetDelegate(alice)
	bobAdapter.SetDelegate(bob)
	alice.Start()
	bob.Start()
	t.Cleanup(alice.Stop)
	t.Cleanup(bob.Stop)

	const n = 1000
	var aliceWantsFromBob, bobWantsFromAlice uint64
	wantFromBob := message.New(false)
	wantFromAlice := message.New(false)

	for i := 0; i < n; i++ {
		bBlk := blocksutil.PaddedBlock(fmt.Sprintf("bob-owns-%d", i), 16)
		require.NoError(t, bobStore.PutMany(ctx, []blocks.Block{bBlk}))
		aliceWantsFromBob += uint64(len(bBlk.RawData()))
		wantFromBob.AddEntry(bBlk.Cid(), 1, wantlist.WantBlock, false)

		aBlk := blocksutil.PaddedBlock(fmt.Sprintf("alice-owns-%d", i), 16)
		require.NoError(t, aliceStore.PutMany(ctx, []blocks.Block{aBlk}))
		bobWantsFromAlice += uint64(len(aBlk.RawData()))
		wantFromAlice.AddEntry(aBlk.Cid(), 1, wantlist.WantBlock, false)
	}

	bob.MessageReceived(aliceID, wantFromBob)
	alice.MessageReceived(bobID, wantFromAlice)

	waitForCondition(t, 5*time.Second, func() bool {
		return alice.NumBytesReceivedFrom(bobID) == aliceWantsFromBob &&
			bob.NumBytesReceivedFrom(aliceID) == bobWantsFromAlice
	})

	require.EqualValues(t, aliceWantsFromBob, alice.NumBytesReceivedFrom(bobID))
	require.EqualValues(t, aliceWantsFromBob, bob.NumBytesSentTo(aliceID))
	require.EqualValues(t, bobWantsFromAlice, bob.NumBytesReceivedFrom(aliceID))
	require.EqualValues(t, bobWantsFromAlice, alice.NumBytesSentTo(bobID))
}

// --- wants the alphabet, cancels the vowels before the Processor ever
// runs, expects only the 21 consonants to ship. ---

func TestEngineWantsThenCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := blockstore.NewMemStore()
	net := newCapturingNetwork()
	cfg := DefaultConfig()
	cfg.TaskCoalesceDelay = time.Millisecond
	eng := NewEngine(ctx, store, net, cfg)
	requester := peer.ID("reader")

	letters := make(map[rune]blocks.Block, 26)
	for c := 'a'; c <= 'z'; c++ {
		blk := blocksutil.NamedBlock(string(c))
		require.NoError(t, store.PutMany(ctx, []blocks.Block{blk}))
		letters[c] = blk
	}

	wantAll := message.New(false)
	for c := 'a'; c <= 'z'; c++ {
		wantAll.AddEntry(letters[c].Cid(), 1, wantlist.WantBlock, false)
	}
	cancelVowels := message.New(false)
	vowels := "aeiou"
	for _, v := range vowels {
		cancelVowels.Cancel(letters[v].Cid())
	}

	// Both messages land before the Processor ever runs, so the
	// cancellation is guaranteed to beat the send regardless of
	// scheduling.
	eng.MessageReceived(requester, wantAll)
	eng.MessageReceived(requester, cancelVowels)
	eng.Start()
	t.Cleanup(eng.Stop)

	sent := drainSent(net.sent, 200*time.Millisecond)
	seen := map[string]bool{}
	for _, s := range sent {
		for _, b := range s.msg.Blocks() {
			seen[b.Cid().String()] = true
		}
	}

	require.Len(t, seen, 21)
	for c := 'a'; c <= 'z'; c++ {
		_, isVowel := map[rune]bool{'a': true, 'e': true, 'i': true, 'o': true, 'u': true}[c]
		if isVowel {
			require.False(t, seen[letters[c].Cid().String()], "vowel %c must not be sent", c)
		} else {
			require.True(t, seen[letters[c].Cid().String()], "consonant %c must be sent", c)
		}
	}
}

// --- a full wantlist replacement must stop serving cids the new
// message doesn't repeat, even though they were never explicitly
// cancelled. ---

func TestEngineFullWantlistDropsOmittedCids(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := blockstore.NewMemStore()
	net := newCapturingNetwork()
	cfg := DefaultConfig()
	cfg.TaskCoalesceDelay = time.Millisecond
	eng := NewEngine(ctx, store, net, cfg)
	requester := peer.ID("replacer")

	a := blocksutil.NamedBlock("full-A")
	b := blocksutil.NamedBlock("full-B")
	require.NoError(t, store.PutMany(ctx, []blocks.Block{a, b}))

	wantA := message.New(false)
	wantA.AddEntry(a.Cid(), 1, wantlist.WantBlock, false)

	fullWantB := message.New(true)
	fullWantB.AddEntry(b.Cid(), 1, wantlist.WantBlock, false)

	// The full replacement lands before the Processor ever runs, so A's
	// want is purged from the queue before it could ever be served.
	eng.MessageReceived(requester, wantA)
	eng.MessageReceived(requester, fullWantB)
	eng.Start()
	t.Cleanup(eng.Stop)

	sent := drainSent(net.sent, 200*time.Millisecond)
	seen := map[string]bool{}
	for _, s := range sent {
		for _, blk := range s.msg.Blocks() {
			seen[blk.Cid().String()] = true
		}
	}

	require.False(t, seen[a.Cid().String()], "cid dropped by the full replacement must not be sent")
	require.True(t, seen[b.Cid().String()], "cid carried by the full replacement must be sent")

	wl := eng.WantlistForPeer(requester)
	for _, e := range wl {
		require.NotEqual(t, a.Cid(), e.Cid, "A must not remain in the live wantlist after a full replacement that omits it")
	}
}

// --- round-robin fairness across three peers each wanting the same
// number of 256KiB blocks: no peer should fall far behind the others
// over the course of delivery. ---

func TestEngineRoundRobinFairness(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := blockstore.NewMemStore()
	net := newCapturingNetwork()
	cfg := DefaultConfig()
	cfg.TaskCoalesceDelay = time.Millisecond
	cfg.MaxMessageSize = 256 * 1024
	eng := NewEngine(ctx, store, net, cfg)

	const peerCount = 3
	const blocksPerPeer = 20
	peers := make([]peer.ID, peerCount)
	for pi := 0; pi < peerCount; pi++ {
		p := peer.ID(fmt.Sprintf("rr-%d", pi))
		peers[pi] = p
		wl := message.New(false)
		for i := 0; i < blocksPerPeer; i++ {
			blk := blocksutil.PaddedBlock(fmt.Sprintf("rr-%d-blk-%d", pi, i), 256*1024)
			require.NoError(t, store.PutMany(ctx, []blocks.Block{blk}))
			wl.AddEntry(blk.Cid(), int32(blocksPerPeer-i), wantlist.WantBlock, false)
		}
		eng.MessageReceived(p, wl)
	}

	eng.Start()
	t.Cleanup(eng.Stop)

	served := map[peer.ID]int{}
	const total = peerCount * blocksPerPeer
	timeout := time.After(10 * time.Second)
	for len(served) < peerCount || sum(served) < total {
		select {
		case s := <-net.sent:
			served[s.to]++
			max, min := 0, blocksPerPeer
			for _, p := range peers {
				n := served[p]
				if n > max {
					max = n
				}
				if n < min {
					min = n
				}
			}
			require.Less(t, max-min, int(0.8*float64(blocksPerPeer))+1,
				"round-robin fairness bound violated mid-stream")
		case <-timeout:
			t.Fatalf("timed out waiting for round-robin deliveries, got %v", served)
		}
	}

	for _, p := range peers {
		require.Equal(t, blocksPerPeer, served[p])
	}
}

func sum(m map[peer.ID]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

// --- Have vs Block rendering: a present block answers a want-have
// with Have and a want-block with the bytes; an absent block with
// send_dont_have=false produces no response at all. ---

func TestEngineHaveVsBlockRendering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := blockstore.NewMemStore()
	net := newCapturingNetwork()
	cfg := DefaultConfig()
	cfg.TaskCoalesceDelay = time.Millisecond
	eng := NewEngine(ctx, store, net, cfg)
	requester := peer.ID("asker")

	b0 := blocksutil.NamedBlock("B0")
	b1 := blocksutil.NamedBlock("B1")
	b2 := blocksutil.NamedBlock("B2")
	b3 := blocksutil.NamedBlock("B3")
	require.NoError(t, store.PutMany(ctx, []blocks.Block{b0, b2})) // B1, B3 absent

	wl := message.New(false)
	wl.AddEntry(b0.Cid(), 1, wantlist.WantHave, false)
	wl.AddEntry(b1.Cid(), 1, wantlist.WantHave, false)
	wl.AddEntry(b2.Cid(), 1, wantlist.WantBlock, false)
	wl.AddEntry(b3.Cid(), 1, wantlist.WantBlock, false)

	eng.MessageReceived(requester, wl)
	eng.Start()
	t.Cleanup(eng.Stop)

	sent := drainSent(net.sent, 200*time.Millisecond)
	require.Len(t, sent, 1)
	out := sent[0].msg

	require.Len(t, out.Blocks(), 1)
	require.Equal(t, b2.Cid(), out.Blocks()[0].Cid())

	require.Len(t, out.BlockPresences(), 1)
	require.Equal(t, b0.Cid(), out.BlockPresences()[0].Cid)
	require.Equal(t, message.Have, out.BlockPresences()[0].Type)
}

// --- DontHave presences for absent-but-requested blocks, followed by a
// re-serve once one of them lands in the blockstore: a want that is
// still live when its block finally arrives must be served as a real
// block rather than left stranded behind its earlier DontHave (see
// DESIGN.md for the reasoning behind this choice). ---

func TestEngineDontHavePresenceThenReserve(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := blockstore.NewMemStore()
	net := newCapturingNetwork()
	cfg := DefaultConfig()
	cfg.TaskCoalesceDelay = time.Millisecond
	eng := NewEngine(ctx, store, net, cfg)
	requester := peer.ID("asker2")

	b0 := blocksutil.NamedBlock("D0")
	b1 := blocksutil.NamedBlock("D1")
	b2 := blocksutil.NamedBlock("D2")
	b3 := blocksutil.NamedBlock("D3")
	require.NoError(t, store.PutMany(ctx, []blocks.Block{b0, b2})) // B1, B3 absent for now

	wl := message.New(false)
	wl.AddEntry(b0.Cid(), 1, wantlist.WantHave, false)
	wl.AddEntry(b1.Cid(), 1, wantlist.WantHave, true)
	wl.AddEntry(b2.Cid(), 1, wantlist.WantBlock, false)
	wl.AddEntry(b3.Cid(), 1, wantlist.WantBlock, true)

	eng.MessageReceived(requester, wl)
	eng.Start()
	t.Cleanup(eng.Stop)

	first := drainSent(net.sent, 200*time.Millisecond)
	require.Len(t, first, 1)
	out := first[0].msg
	require.Len(t, out.Blocks(), 1)
	require.Equal(t, b2.Cid(), out.Blocks()[0].Cid())

	presences := map[string]message.BlockPresenceType{}
	for _, p := range out.BlockPresences() {
		presences[p.Cid.String()] = p.Type
	}
	require.Equal(t, message.Have, presences[b0.Cid().String()])
	require.Equal(t, message.DontHave, presences[b1.Cid().String()])
	require.Equal(t, message.DontHave, presences[b3.Cid().String()])

	// B3 arrives. The requester's wantlist entry for it is still live
	// (never cancelled), so the engine re-serves it as an actual block
	// rather than leaving it stranded behind its earlier DontHave.
	require.NoError(t, store.PutMany(ctx, []blocks.Block{b3}))
	eng.ReceivedBlocks([]blocks.Block{b3})

	second := drainSent(net.sent, 200*time.Millisecond)
	require.Len(t, second, 1)
	require.Len(t, second[0].msg.Blocks(), 1)
	require.Equal(t, b3.Cid(), second[0].msg.Blocks()[0].Cid())
}

// --- a send failure must not strand tasks in the active set, and the
// engine must keep serving subsequent requests. ---

func TestEngineSendFailureRecovers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := blockstore.NewMemStore()
	net := newCapturingNetwork()
	cfg := DefaultConfig()
	cfg.TaskCoalesceDelay = time.Millisecond
	eng := NewEngine(ctx, store, net, cfg)
	requester := peer.ID("flaky")

	first := blocksutil.NamedBlock("F0")
	second := blocksutil.NamedBlock("F1")
	require.NoError(t, store.PutMany(ctx, []blocks.Block{first, second}))

	net.FailNext(requester)

	wl1 := message.New(false)
	wl1.AddEntry(first.Cid(), 1, wantlist.WantBlock, false)
	eng.MessageReceived(requester, wl1)
	eng.Start()
	t.Cleanup(eng.Stop)

	// The injected failure consumed the first send attempt; nothing
	// should have reached the capturing network for it, and the peer
	// must not be left with a stranded active task.
	waitForCondition(t, time.Second, func() bool {
		return len(eng.queue.Peers()) == 0
	})

	wl2 := message.New(false)
	wl2.AddEntry(second.Cid(), 1, wantlist.WantBlock, false)
	eng.MessageReceived(requester, wl2)

	sent := drainSent(net.sent, 300*time.Millisecond)
	require.Len(t, sent, 1)
	require.Len(t, sent[0].msg.Blocks(), 1)
	require.Equal(t, second.Cid(), sent[0].msg.Blocks()[0].Cid())
}
