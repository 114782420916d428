// Package testnet provides an in-memory BitSwapNetwork double: messages
// are handed directly between registered Receivers without any actual
// serialization or socket I/O, optionally after an injected delay.
package testnet

import (
	"context"
	"errors"
	"sync"
	"time"

	peer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/dt-labs/bitswap-decide/internal/message"
	"github.com/dt-labs/bitswap-decide/internal/network"
)

// Network is a registry of adapters sharing one virtual wire.
type Network interface {
	Adapter(p peer.ID) network.BitSwapNetwork
	HasPeer(p peer.ID) bool
}

type virtualNetwork struct {
	mu      sync.Mutex
	clients map[peer.ID]network.Receiver
	delay   time.Duration

	// failNext, when set for a peer, causes the next SendMessage to that
	// peer to fail instead of delivering, then clears itself. Used to
	// exercise a Processor's send-failure recovery path in tests.
	failNext map[peer.ID]bool
}

// VirtualNetwork returns a new in-memory network with a fixed per-message
// delivery delay (0 disables delay).
func VirtualNetwork(delay time.Duration) Network {
	return &virtualNetwork{
		clients:  make(map[peer.ID]network.Receiver),
		delay:    delay,
		failNext: make(map[peer.ID]bool),
	}
}

func (n *virtualNetwork) Adapter(p peer.ID) network.BitSwapNetwork {
	c := &client{local: p, net: n}
	n.mu.Lock()
	n.clients[p] = c
	n.mu.Unlock()
	return c
}

func (n *virtualNetwork) HasPeer(p peer.ID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.clients[p]
	return ok
}

// FailNextSend arranges for the next message sent to `to` to return an
// error instead of being delivered.
func (n *virtualNetwork) FailNextSend(to peer.ID) {
	n.mu.Lock()
	n.failNext[to] = true
	n.mu.Unlock()
}

func (n *virtualNetwork) send(ctx context.Context, from, to peer.ID, m message.BitSwapMessage) error {
	n.mu.Lock()
	receiver, ok := n.clients[to]
	fail := n.failNext[to]
	if fail {
		delete(n.failNext, to)
	}
	n.mu.Unlock()

	if !ok {
		return errors.New("testnet: no such peer")
	}
	if fail {
		return errors.New("testnet: injected send failure")
	}

	if n.delay > 0 {
		time.Sleep(n.delay)
	}
	receiver.ReceiveMessage(ctx, from, m)
	return nil
}

type client struct {
	local    peer.ID
	net      *virtualNetwork
	receiver network.Receiver
}

func (c *client) SendMessage(ctx context.Context, to peer.ID, m message.BitSwapMessage) error {
	return c.net.send(ctx, c.local, to, m)
}

func (c *client) ConnectTo(ctx context.Context, p peer.ID) error {
	if !c.net.HasPeer(p) {
		return errors.New("testnet: no such peer")
	}
	return nil
}

func (c *client) SetDelegate(r network.Receiver) {
	c.receiver = r
}

// ReceiveMessage, ReceiveError, PeerConnected and PeerDisconnected let
// *client itself satisfy network.Receiver, forwarding to whatever
// delegate was registered via SetDelegate. This is what the virtual
// network actually stores in its clients map and dispatches through.
func (c *client) ReceiveMessage(ctx context.Context, from peer.ID, m message.BitSwapMessage) {
	if c.receiver != nil {
		c.receiver.ReceiveMessage(ctx, from, m)
	}
}

func (c *client) ReceiveError(err error) {
	if c.receiver != nil {
		c.receiver.ReceiveError(err)
	}
}

func (c *client) PeerConnected(p peer.ID) {
	if c.receiver != nil {
		c.receiver.PeerConnected(p)
	}
}

func (c *client) PeerDisconnected(p peer.ID) {
	if c.receiver != nil {
		c.receiver.PeerDisconnected(p)
	}
}

// FailNextSend is a package-level convenience for tests that only hold
// the Network interface, not the concrete *virtualNetwork.
func FailNextSend(n Network, to peer.ID) {
	if vn, ok := n.(*virtualNetwork); ok {
		vn.FailNextSend(to)
	}
}
