// Package forkdb maintains the in-memory tree of recently received blocks
// that are not yet known to be irreversible, and tracks which leaf is the
// longest chain.
package forkdb

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// Sentinel errors for callers that need to react to specific push failures.
var (
	ErrDuplicateBlock = errors.New("block already known")
	ErrUnlinkedBlock  = errors.New("previous block unknown")
)

// =============================================================================

// Item is one node of the fork tree.
type Item struct {
	Block    *types.Block
	ID       types.BlockID
	Previous types.BlockID
	Num      uint32

	// seq breaks ties between leaves of equal height: the earlier arrival
	// stays head.
	seq uint64
}

// =============================================================================

// ForkDB stores the tree of candidate blocks rooted just above the last
// irreversible block. Reads come from network goroutines under the reader
// lock; writes arrive through the serialising caller of the chain state.
type ForkDB struct {
	mu sync.RWMutex

	index   map[types.BlockID]*Item
	byNum   map[uint32][]*Item
	head    *Item
	maxSize uint32
	nextSeq uint64
}

// New constructs an empty fork database.
func New() *ForkDB {
	return &ForkDB{
		index:   make(map[types.BlockID]*Item),
		byNum:   make(map[uint32][]*Item),
		maxSize: 1024,
	}
}

// Reset drops every item.
func (f *ForkDB) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.index = make(map[types.BlockID]*Item)
	f.byNum = make(map[uint32][]*Item)
	f.head = nil
}

// SetMaxSize bounds how many block heights the tree retains below head.
func (f *ForkDB) SetMaxSize(n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.maxSize = n
}

// Head returns the deepest leaf of the tree, or nil when empty.
func (f *ForkDB) Head() *Item {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.head
}

// SetHead forces the head to the specified item. Used while recovering
// from a failed fork switch.
func (f *ForkDB) SetHead(item *Item) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.head = item
}

// =============================================================================

// Start seeds the tree with the current chain head so later blocks can
// link against it.
func (f *ForkDB) Start(block *types.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item := Item{
		Block:    block,
		ID:       block.ID(),
		Previous: block.Previous,
		Num:      block.BlockNum(),
		seq:      f.nextSeq,
	}
	f.nextSeq++

	f.index[item.ID] = &item
	f.byNum[item.Num] = append(f.byNum[item.Num], &item)
	f.head = &item
}

// PushBlock inserts the block and returns the head fork item: the deepest
// leaf, ties broken by earliest arrival. Duplicates are rejected, and so
// are blocks whose previous id is unknown; the caller then requests the
// missing ancestors from its peers.
func (f *ForkDB) PushBlock(block *types.Block) (*Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := block.ID()
	if _, exists := f.index[id]; exists {
		return nil, errors.Wrapf(ErrDuplicateBlock, "block %s", id)
	}

	if f.head != nil {
		if _, linked := f.index[block.Previous]; !linked {
			return nil, errors.Wrapf(ErrUnlinkedBlock, "block %s previous %s", id, block.Previous)
		}

		// Reject blocks that fell below the retained window.
		if f.head.Num >= f.maxSize && block.BlockNum() <= f.head.Num-f.maxSize {
			return nil, errors.Errorf("block %s is below the retained fork window", id)
		}
	}

	item := Item{
		Block:    block,
		ID:       id,
		Previous: block.Previous,
		Num:      block.BlockNum(),
		seq:      f.nextSeq,
	}
	f.nextSeq++

	f.index[id] = &item
	f.byNum[item.Num] = append(f.byNum[item.Num], &item)

	if f.head == nil || item.Num > f.head.Num {
		f.head = &item
	}

	return f.head, nil
}

// FetchBlock returns the item with the specified id, or nil.
func (f *ForkDB) FetchBlock(id types.BlockID) *Item {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.index[id]
}

// FetchBlocksByNumber returns every known item at the specified height;
// competing forks can hold several.
func (f *ForkDB) FetchBlocksByNumber(num uint32) []*Item {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return append([]*Item(nil), f.byNum[num]...)
}

// IsKnownBlock reports whether the id is in the tree.
func (f *ForkDB) IsKnownBlock(id types.BlockID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, exists := f.index[id]
	return exists
}

// =============================================================================

// FetchBranchFrom walks both ids back to their common ancestor and returns
// the two paths, each ordered descending from its tip. Both paths end at
// the common ancestor's immediate successor, so
// pathA[len-1].Previous == pathB[len-1].Previous is the shared ancestor id.
func (f *ForkDB) FetchBranchFrom(first types.BlockID, second types.BlockID) ([]*Item, []*Item, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var branchFirst, branchSecond []*Item

	walkFirst, exists := f.index[first]
	if !exists {
		return nil, nil, errors.Errorf("fetch branch: unknown block %s", first)
	}
	walkSecond, exists := f.index[second]
	if !exists {
		return nil, nil, errors.Errorf("fetch branch: unknown block %s", second)
	}

	for walkFirst.Num > walkSecond.Num {
		branchFirst = append(branchFirst, walkFirst)
		walkFirst = f.index[walkFirst.Previous]
		if walkFirst == nil {
			return nil, nil, errors.Errorf("fetch branch: broken link above %s", first)
		}
	}
	for walkSecond.Num > walkFirst.Num {
		branchSecond = append(branchSecond, walkSecond)
		walkSecond = f.index[walkSecond.Previous]
		if walkSecond == nil {
			return nil, nil, errors.Errorf("fetch branch: broken link above %s", second)
		}
	}

	for walkFirst.ID != walkSecond.ID {
		branchFirst = append(branchFirst, walkFirst)
		branchSecond = append(branchSecond, walkSecond)
		walkFirst = f.index[walkFirst.Previous]
		walkSecond = f.index[walkSecond.Previous]
		if walkFirst == nil || walkSecond == nil {
			return nil, nil, errors.New("fetch branch: the two blocks share no known ancestor")
		}
	}

	return branchFirst, branchSecond, nil
}

// Remove drops the item and its whole subtree; a failed block's
// descendants can never apply either. The head is recomputed if it was
// removed.
func (f *ForkDB) Remove(id types.BlockID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doomed := map[types.BlockID]struct{}{id: {}}

	item, exists := f.index[id]
	if !exists {
		return
	}

	// Sweep heights above the doomed block, marking descendants.
	for num := item.Num + 1; ; num++ {
		level := f.byNum[num]
		if len(level) == 0 {
			break
		}
		found := false
		for _, candidate := range level {
			if _, dead := doomed[candidate.Previous]; dead {
				doomed[candidate.ID] = struct{}{}
				found = true
			}
		}
		if !found {
			break
		}
	}

	for dead := range doomed {
		victim, exists := f.index[dead]
		if !exists {
			continue
		}
		delete(f.index, dead)

		level := f.byNum[victim.Num]
		for i, candidate := range level {
			if candidate.ID == dead {
				f.byNum[victim.Num] = append(level[:i], level[i+1:]...)
				break
			}
		}
		if len(f.byNum[victim.Num]) == 0 {
			delete(f.byNum, victim.Num)
		}
	}

	if f.head != nil {
		if _, dead := doomed[f.head.ID]; dead {
			f.head = f.recomputeHead()
		}
	}
}

// PopBlock moves the head item off the tree, returning it. The head
// becomes the popped block's parent.
func (f *ForkDB) PopBlock() (*Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.head == nil {
		return nil, errors.New("pop block from empty fork database")
	}

	popped := f.head
	parent := f.index[popped.Previous]

	delete(f.index, popped.ID)
	level := f.byNum[popped.Num]
	for i, candidate := range level {
		if candidate.ID == popped.ID {
			f.byNum[popped.Num] = append(level[:i], level[i+1:]...)
			break
		}
	}
	if len(f.byNum[popped.Num]) == 0 {
		delete(f.byNum, popped.Num)
	}

	f.head = parent
	return popped, nil
}

// Prune drops everything at or below the specified height; those blocks
// are irreversible and no fork switch may cross them.
func (f *ForkDB) Prune(irreversibleNum uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for num, level := range f.byNum {
		if num >= irreversibleNum {
			continue
		}
		for _, item := range level {
			delete(f.index, item.ID)
		}
		delete(f.byNum, num)
	}
}

// recomputeHead rescans for the deepest leaf with the earliest arrival.
func (f *ForkDB) recomputeHead() *Item {
	var best *Item
	for _, item := range f.index {
		switch {
		case best == nil:
			best = item
		case item.Num > best.Num:
			best = item
		case item.Num == best.Num && item.seq < best.seq:
			best = item
		}
	}
	return best
}
