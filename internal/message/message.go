// Package message implements the Bitswap wire Message record: a
// wantlist (with entries and a full flag), a set of delivered blocks,
// a set of block presences, and a pending-bytes hint. It is Bitswap
// 1.2.0 compatible: presences and send-dont-have are carried, unknown
// fields are ignored on decode.
package message

import (
	"encoding/binary"
	"fmt"
	"io"

	proto "github.com/golang/protobuf/proto"
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	varint "github.com/multiformats/go-varint"

	pb "github.com/dt-labs/bitswap-decide/internal/message/pb"
	"github.com/dt-labs/bitswap-decide/internal/wantlist"
)

// BlockPresenceType mirrors the wire enum for block presences.
type BlockPresenceType int

const (
	Have BlockPresenceType = iota
	DontHave
)

// Entry is a wantlist entry plus the bookkeeping (Cancel) the wire
// format carries but the decision-layer Want Entry (see wantlist.Entry)
// does not need once it's been applied to a Ledger.
type Entry struct {
	wantlist.Entry
	Cancel bool
}

// BlockPresence is a single cid/type pair.
type BlockPresence struct {
	Cid  cid.Cid
	Type BlockPresenceType
}

// BitSwapMessage is the mutable builder/reader for a single outbound or
// inbound Bitswap message.
type BitSwapMessage interface {
	Full() bool
	SetFull(full bool)

	Wantlist() []Entry
	AddEntry(c cid.Cid, priority int32, wantType wantlist.WantType, sendDontHave bool)
	Cancel(c cid.Cid)

	Blocks() []blocks.Block
	AddBlock(b blocks.Block)

	BlockPresences() []BlockPresence
	AddHave(c cid.Cid)
	AddDontHave(c cid.Cid)

	PendingBytes() int32
	SetPendingBytes(n int32)

	Empty() bool
	Size() int

	ToNet(w io.Writer) error
}

type impl struct {
	full           bool
	wantlist       map[cid.Cid]Entry
	blocks         map[cid.Cid]blocks.Block
	blockPresences map[cid.Cid]BlockPresenceType
	pendingBytes   int32
}

// New returns an empty message. full indicates whether this message
// represents a complete replacement of the recipient's prior wantlist.
func New(full bool) BitSwapMessage {
	return newMsg(full)
}

func newMsg(full bool) *impl {
	return &impl{
		full:           full,
		wantlist:       make(map[cid.Cid]Entry),
		blocks:         make(map[cid.Cid]blocks.Block),
		blockPresences: make(map[cid.Cid]BlockPresenceType),
	}
}

func (m *impl) Full() bool      { return m.full }
func (m *impl) SetFull(f bool)  { m.full = f }
func (m *impl) Empty() bool {
	return len(m.wantlist) == 0 && len(m.blocks) == 0 && len(m.blockPresences) == 0
}

func (m *impl) Wantlist() []Entry {
	out := make([]Entry, 0, len(m.wantlist))
	for _, e := range m.wantlist {
		out = append(out, e)
	}
	return out
}

func (m *impl) AddEntry(c cid.Cid, priority int32, wantType wantlist.WantType, sendDontHave bool) {
	m.wantlist[c] = Entry{
		Entry: wantlist.Entry{
			Cid:          c,
			Priority:     priority,
			WantType:     wantType,
			SendDontHave: sendDontHave,
		},
	}
}

func (m *impl) Cancel(c cid.Cid) {
	m.wantlist[c] = Entry{
		Entry:  wantlist.Entry{Cid: c},
		Cancel: true,
	}
}

func (m *impl) Blocks() []blocks.Block {
	out := make([]blocks.Block, 0, len(m.blocks))
	for _, b := range m.blocks {
		out = append(out, b)
	}
	return out
}

func (m *impl) AddBlock(b blocks.Block) {
	m.blocks[b.Cid()] = b
	delete(m.blockPresences, b.Cid())
}

func (m *impl) BlockPresences() []BlockPresence {
	out := make([]BlockPresence, 0, len(m.blockPresences))
	for c, t := range m.blockPresences {
		out = append(out, BlockPresence{Cid: c, Type: t})
	}
	return out
}

func (m *impl) AddHave(c cid.Cid) {
	if _, ok := m.blocks[c]; ok {
		return
	}
	m.blockPresences[c] = Have
}

func (m *impl) AddDontHave(c cid.Cid) {
	if _, ok := m.blocks[c]; ok {
		return
	}
	m.blockPresences[c] = DontHave
}

func (m *impl) PendingBytes() int32     { return m.pendingBytes }
func (m *impl) SetPendingBytes(n int32) { m.pendingBytes = n }

// Size estimates the on-wire byte cost of this message: block bytes
// plus a small constant per wantlist/presence entry. Used only for
// logging/debugging; the authoritative size accounting for scheduling
// purposes lives in the decision package's size_hint bookkeeping.
func (m *impl) Size() int {
	n := 0
	for _, b := range m.blocks {
		n += len(b.RawData())
	}
	n += len(m.wantlist) * 40
	n += len(m.blockPresences) * 40
	return n
}

// ToNet serializes the message as a length-prefixed protobuf frame,
// matching the Bitswap wire convention: a varint byte length followed
// by the encoded Message.
func (m *impl) ToNet(w io.Writer) error {
	msg := m.toProto()
	data, err := proto.Marshal(msg)
	if err != nil {
		return err
	}
	szBuf := make([]byte, binary.MaxVarintLen64)
	n := varint.PutUvarint(szBuf, uint64(len(data)))
	if _, err := w.Write(szBuf[:n]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (m *impl) toProto() *pb.Message {
	pbm := new(pb.Message)
	pbm.Wantlist = &pb.Message_Wantlist{Full: m.full}
	for _, e := range m.wantlist {
		wt := pb.Message_Wantlist_Block
		if e.WantType == wantlist.WantHave {
			wt = pb.Message_Wantlist_Have
		}
		pbm.Wantlist.Entries = append(pbm.Wantlist.Entries, &pb.Message_Wantlist_Entry{
			Block:        e.Cid.Bytes(),
			Priority:     e.Priority,
			Cancel:       e.Cancel,
			WantType:     wt,
			SendDontHave: e.SendDontHave,
		})
	}
	for _, b := range m.blocks {
		pbm.Payload = append(pbm.Payload, &pb.Message_Block{
			Prefix: b.Cid().Prefix().Bytes(),
			Data:   b.RawData(),
		})
	}
	for c, t := range m.blockPresences {
		pt := pb.Message_Have
		if t == DontHave {
			pt = pb.Message_DontHave
		}
		pbm.BlockPresences = append(pbm.BlockPresences, &pb.Message_BlockPresence{
			Cid:  c.Bytes(),
			Type: pt,
		})
	}
	pbm.PendingBytes = m.pendingBytes
	return pbm
}

// FromNet reads one length-prefixed Message frame from r. Unknown
// fields in the decoded protobuf are ignored, per the wire contract.
func FromNet(r io.Reader) (BitSwapMessage, error) {
	reader := newVarintReader(r)
	size, err := varint.ReadUvarint(reader)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	var pbm pb.Message
	if err := proto.Unmarshal(buf, &pbm); err != nil {
		return nil, fmt.Errorf("unmarshal bitswap message: %w", err)
	}
	return fromProto(&pbm)
}

func fromProto(pbm *pb.Message) (BitSwapMessage, error) {
	full := false
	m := newMsg(false)
	if wl := pbm.GetWantlist(); wl != nil {
		full = wl.GetFull()
		for _, e := range wl.GetEntries() {
			c, err := cid.Cast(e.GetBlock())
			if err != nil {
				continue
			}
			if e.GetCancel() {
				m.Cancel(c)
				continue
			}
			wt := wantlist.WantBlock
			if e.GetWantType() == pb.Message_Wantlist_Have {
				wt = wantlist.WantHave
			}
			m.AddEntry(c, e.GetPriority(), wt, e.GetSendDontHave())
		}
	}
	m.full = full
	for _, b := range pbm.GetPayload() {
		prefix, err := cid.PrefixFromBytes(b.GetPrefix())
		if err != nil {
			continue
		}
		c, err := prefix.Sum(b.GetData())
		if err != nil {
			continue
		}
		blk, err := blocks.NewBlockWithCid(b.GetData(), c)
		if err != nil {
			continue
		}
		m.AddBlock(blk)
	}
	for _, bp := range pbm.GetBlockPresences() {
		c, err := cid.Cast(bp.GetCid())
		if err != nil {
			continue
		}
		if bp.GetType() == pb.Message_DontHave {
			m.AddDontHave(c)
		} else {
			m.AddHave(c)
		}
	}
	return m, nil
}

// varintReader adapts an io.Reader to the io.ByteReader varint needs.
type varintReader struct {
	io.Reader
	buf [1]byte
}

func newVarintReader(r io.Reader) *varintReader {
	return &varintReader{Reader: r}
}

func (v *varintReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(v, v.buf[:]); err != nil {
		return 0, err
	}
	return v.buf[0], nil
}
