package blockstore

import (
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/stakeforge/blockchain/foundation/blockchain/types"
)

// Disk stores each block in its own file named by block number, in the
// block's binary wire form. The id index is rebuilt by walking the files
// on open, so the directory alone is the source of truth.
type Disk struct {
	mu sync.RWMutex

	dbPath  string
	idToNum map[types.BlockID]uint32
	last    uint32
}

// NewDisk opens (creating if needed) a disk block store at the path and
// rebuilds the id index from the files already present.
func NewDisk(dbPath string) (*Disk, error) {
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, errors.Wrap(err, "create block store directory")
	}

	d := Disk{
		dbPath:  dbPath,
		idToNum: make(map[types.BlockID]uint32),
	}

	entries, err := os.ReadDir(dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "read block store directory")
	}

	var nums []uint32
	for _, entry := range entries {
		num, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		nums = append(nums, uint32(num))
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	for _, num := range nums {
		block, err := d.FetchByNumber(num)
		if err != nil {
			return nil, errors.Wrapf(err, "index block %d", num)
		}
		d.idToNum[block.ID()] = num
		d.last = num
	}

	return &d, nil
}

// Close has nothing to release: each block file is opened, written, and
// closed individually.
func (d *Disk) Close() error {
	return nil
}

// Store persists the block under its number and records its id in the
// index.
func (d *Disk) Store(block *types.Block) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.OpenFile(d.getPath(block.BlockNum()), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "create block file %d", block.BlockNum())
	}
	defer f.Close()

	if _, err := f.Write(block.Marshal()); err != nil {
		return errors.Wrapf(err, "write block %d", block.BlockNum())
	}

	d.idToNum[block.ID()] = block.BlockNum()
	if block.BlockNum() > d.last {
		d.last = block.BlockNum()
	}

	return nil
}

// FetchOptional returns the block with the specified id, or nil when the
// store has never seen it.
func (d *Disk) FetchOptional(id types.BlockID) (*types.Block, error) {
	d.mu.RLock()
	num, exists := d.idToNum[id]
	d.mu.RUnlock()

	if !exists {
		return nil, nil
	}
	return d.FetchByNumber(num)
}

// FetchByNumber reads and decodes the block stored at the specified
// number, or nil when absent.
func (d *Disk) FetchByNumber(num uint32) (*types.Block, error) {
	data, err := os.ReadFile(d.getPath(num))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read block %d", num)
	}

	block, err := types.UnmarshalBlock(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode block %d", num)
	}

	return block, nil
}

// FetchBlockID returns the id of the block stored at the specified number.
func (d *Disk) FetchBlockID(num uint32) (types.BlockID, error) {
	block, err := d.FetchByNumber(num)
	if err != nil {
		return types.BlockID{}, err
	}
	if block == nil {
		return types.BlockID{}, errors.Errorf("no block stored at number %d", num)
	}
	return block.ID(), nil
}

// Last returns the highest numbered block, or nil when the store is empty.
func (d *Disk) Last() (*types.Block, error) {
	d.mu.RLock()
	last := d.last
	d.mu.RUnlock()

	if last == 0 {
		return nil, nil
	}
	return d.FetchByNumber(last)
}

// getPath forms the path to the specified block's file.
func (d *Disk) getPath(blockNum uint32) string {
	return path.Join(d.dbPath, strconv.FormatUint(uint64(blockNum), 10))
}
