package blockstore

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// Memory keeps blocks in maps. Tests and tooling use it where the disk
// layout would only add noise. Blocks round-trip through the wire codec so
// fetches never alias the stored value's memoisation state.
type Memory struct {
	mu sync.RWMutex

	byNum map[uint32][]byte
	byID  map[types.BlockID]uint32
	last  uint32
}

// NewMemory constructs an empty in-memory block store.
func NewMemory() *Memory {
	return &Memory{
		byNum: make(map[uint32][]byte),
		byID:  make(map[types.BlockID]uint32),
	}
}

// Close has nothing to release.
func (m *Memory) Close() error {
	return nil
}

// Store persists the block's wire form.
func (m *Memory) Store(block *types.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	num := block.BlockNum()
	m.byNum[num] = block.Marshal()
	m.byID[block.ID()] = num
	if num > m.last {
		m.last = num
	}

	return nil
}

// FetchOptional returns the block with the specified id, or nil.
func (m *Memory) FetchOptional(id types.BlockID) (*types.Block, error) {
	m.mu.RLock()
	num, exists := m.byID[id]
	m.mu.RUnlock()

	if !exists {
		return nil, nil
	}
	return m.FetchByNumber(num)
}

// FetchByNumber returns the block stored at the specified number, or nil.
func (m *Memory) FetchByNumber(num uint32) (*types.Block, error) {
	m.mu.RLock()
	data, exists := m.byNum[num]
	m.mu.RUnlock()

	if !exists {
		return nil, nil
	}
	return types.UnmarshalBlock(data)
}

// FetchBlockID returns the id of the block stored at the specified number.
func (m *Memory) FetchBlockID(num uint32) (types.BlockID, error) {
	block, err := m.FetchByNumber(num)
	if err != nil {
		return types.BlockID{}, err
	}
	if block == nil {
		return types.BlockID{}, errors.Errorf("no block stored at number %d", num)
	}
	return block.ID(), nil
}

// Last returns the highest numbered block, or nil when the store is empty.
func (m *Memory) Last() (*types.Block, error) {
	m.mu.RLock()
	last := m.last
	m.mu.RUnlock()

	if last == 0 {
		return nil, nil
	}
	return m.FetchByNumber(last)
}
