// Package network defines the capability the decision engine depends
// on for delivering outbound messages, and the callback surface the
// engine implements to receive inbound ones. Stream multiplexing,
// framing, and peer dialing live in the transport layer; this package
// only states the contract in Go terms.
package network

import (
	"context"

	peer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/dt-labs/bitswap-decide/internal/message"
)

// Receiver is implemented by the Engine Facade. The Network layer
// delivers inbound messages and connectivity events through it.
type Receiver interface {
	ReceiveMessage(ctx context.Context, sender peer.ID, incoming message.BitSwapMessage)
	ReceiveError(err error)
	PeerConnected(p peer.ID)
	PeerDisconnected(p peer.ID)
}

// BitSwapNetwork is the capability the Processor and Facade use to
// talk to the outside world. Implementations are expected to be safe
// for concurrent use from multiple peer senders.
type BitSwapNetwork interface {
	SendMessage(ctx context.Context, to peer.ID, m message.BitSwapMessage) error
	ConnectTo(ctx context.Context, p peer.ID) error
	SetDelegate(Receiver)
}
