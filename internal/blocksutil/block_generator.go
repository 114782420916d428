// Package blocksutil generates blocks for tests, in the style of
// go-ipfs's own blocksutil package.
package blocksutil

import (
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// BlockGenerator hands out distinct blocks with deterministic,
// sequentially increasing content.
type BlockGenerator struct {
	seq int
}

// NewBlockGenerator returns a fresh generator.
func NewBlockGenerator() *BlockGenerator {
	return &BlockGenerator{seq: 0}
}

// Next returns a new, unique block.
func (bg *BlockGenerator) Next() blocks.Block {
	bg.seq++
	return blockFromString(fmt.Sprintf("Block %d", bg.seq))
}

// Blocks returns n new, unique blocks.
func (bg *BlockGenerator) Blocks(n int) []blocks.Block {
	out := make([]blocks.Block, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, bg.Next())
	}
	return out
}

// NamedBlock deterministically derives a block from a caller-chosen
// label, so tests can refer to "block for letter b" without caring
// about generator sequencing.
func NamedBlock(label string) blocks.Block {
	return blockFromString(label)
}

// PaddedBlock returns a block whose content is at least n bytes,
// useful for exercising size-based scheduling (max message size,
// promotion thresholds).
func PaddedBlock(label string, n int) blocks.Block {
	data := []byte(label)
	if len(data) < n {
		pad := make([]byte, n-len(data))
		data = append(data, pad...)
	}
	return blockFromBytes(data)
}

func blockFromString(s string) blocks.Block {
	return blockFromBytes([]byte(s))
}

func blockFromBytes(data []byte) blocks.Block {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		panic(err)
	}
	c := cid.NewCidV1(cid.Raw, hash)
	b, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		panic(err)
	}
	return b
}
