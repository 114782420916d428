// Package blockstore defines the Block Store contract the decision
// engine reads from, plus a small in-memory implementation used by
// tests and the demo binary. The real store used in production is
// external to this module; this package exists only so the engine has
// something concrete to read blocks from while under test.
package blockstore

import (
	"context"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
)

// Blockstore is the read surface the Processor consults. Writes arrive
// from outside the engine (the wrapping Bitswap agent calls PutMany
// before notifying the engine via ReceivedBlocks).
type Blockstore interface {
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
	Has(ctx context.Context, c cid.Cid) (bool, error)
	PutMany(ctx context.Context, bs []blocks.Block) error
}

// ErrNotFound is returned by Get when the block is absent.
var ErrNotFound = ds.ErrNotFound

// memStore is a trivial, mutex-guarded Blockstore backed by an
// in-memory datastore. It is adequate for tests and the demo binary;
// it is not meant to survive a process restart.
type memStore struct {
	mu sync.RWMutex
	d  ds.Datastore
}

// NewMemStore returns a Blockstore backed by an in-memory datastore.
func NewMemStore() Blockstore {
	return &memStore{d: dssync.MutexWrap(ds.NewMapDatastore())}
}

func dsKey(c cid.Cid) ds.Key {
	return ds.NewKey(c.KeyString())
}

func (m *memStore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, err := m.d.Get(ctx, dsKey(c))
	if err != nil {
		if err == ds.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return blocks.NewBlockWithCid(data, c)
}

func (m *memStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Has(ctx, dsKey(c))
}

func (m *memStore) PutMany(ctx context.Context, bs []blocks.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bs {
		if err := m.d.Put(ctx, dsKey(b.Cid()), b.RawData()); err != nil {
			return err
		}
	}
	return nil
}
