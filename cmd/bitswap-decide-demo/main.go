// Command bitswap-decide-demo wires two Decision Engines together over
// an in-memory virtual network and walks through a small want/serve
// exchange, logging what each side decides to do. It exists to give a
// human something to run and watch; it is not part of the library's
// test surface.
package main

import (
	"context"
	"fmt"
	"time"

	blocks "github.com/ipfs/go-block-format"
	peer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/dt-labs/bitswap-decide/decision"
	"github.com/dt-labs/bitswap-decide/internal/blockstore"
	"github.com/dt-labs/bitswap-decide/internal/blocksutil"
	"github.com/dt-labs/bitswap-decide/internal/message"
	"github.com/dt-labs/bitswap-decide/internal/testnet"
	"github.com/dt-labs/bitswap-decide/internal/wantlist"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := testnet.VirtualNetwork(5 * time.Millisecond)
	cfg := decision.DefaultConfig()
	cfg.TaskCoalesceDelay = 10 * time.Millisecond

	server := newPeerEngine(ctx, net, "server", cfg)
	client := newPeerEngine(ctx, net, "client", cfg)
	defer server.eng.Stop()
	defer client.eng.Stop()

	go logEvents("server", server.eng)
	go logEvents("client", client.eng)

	blk := blocksutil.NamedBlock("hello-bitswap")
	if err := server.store.PutMany(ctx, []blocks.Block{blk}); err != nil {
		fmt.Println("put block:", err)
		return
	}

	server.eng.Start()
	client.eng.Start()

	req := message.New(false)
	req.AddEntry(blk.Cid(), 1, wantlist.WantBlock, true)
	server.eng.MessageReceived(client.id, req)

	time.Sleep(200 * time.Millisecond)

	fmt.Printf("client received %d bytes from server\n", client.eng.NumBytesReceivedFrom(server.id))
	fmt.Printf("server sent %d bytes to client\n", server.eng.NumBytesSentTo(client.id))
}

type peerEngine struct {
	id    peer.ID
	store blockstore.Blockstore
	eng   *decision.Engine
}

func newPeerEngine(ctx context.Context, net testnet.Network, name string, cfg decision.Config) *peerEngine {
	id := peer.ID(name)
	store := blockstore.NewMemStore()
	adapter := net.Adapter(id)
	eng := decision.NewEngine(ctx, store, adapter, cfg)
	adapter.SetDelegate(eng)
	return &peerEngine{id: id, store: store, eng: eng}
}

func logEvents(name string, eng *decision.Engine) {
	for ev := range eng.Events() {
		switch ev.Type {
		case decision.EventMessageSent:
			fmt.Printf("[%s] sent %d bytes to %s\n", name, ev.Bytes, ev.Peer)
		case decision.EventMessageReceived:
			fmt.Printf("[%s] received a message from %s\n", name, ev.Peer)
		case decision.EventError:
			fmt.Printf("[%s] error: %s\n", name, ev.Err)
		}
	}
}
