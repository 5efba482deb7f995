// Package blockcache provides a write-back cache of erase blocks. The data
// and hidden drives use it to batch page writes into whole-block rewrites,
// since NAND pages can only be programmed once between erases.
//
// Blocks are loaded on first access and only occupy memory while cached, so a
// cache can cover a drive much larger than available RAM as long as callers
// flush and evict as they go.
//
// All block indices begin at 0.

package blockcache

import (
	"fmt"
	"sort"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/nandmedia/errors"
)

// LogicalBlock is the index of a block as seen by the cache's user.
type LogicalBlock uint32

// FetchBlockCallback is a pointer to a function that writes the contents of a
// single block from the backing storage into `buffer`. The following guarantees
// apply:
//
// - `blockIndex` is in the range [0, TotalBlocks).
// - `buffer` is always BytesPerBlock bytes.
type FetchBlockCallback func(blockIndex LogicalBlock, buffer []byte) error

// FlushBlockCallback is a pointer to a function that writes the contents of the
// given buffer to a block in the backing storage. All restrictions and
// guarantees in [FetchBlockCallback] apply here too.
type FlushBlockCallback func(blockIndex LogicalBlock, buffer []byte) error

type BlockCache struct {
	loadedBlocks  bitmap.Bitmap
	dirtyBlocks   bitmap.Bitmap
	fetch         FetchBlockCallback
	flush         FlushBlockCallback
	bytesPerBlock uint
	totalBlocks   uint
	data          map[LogicalBlock][]byte
}

// New creates a new BlockCache. `fetchCb` reads a single block from the backing
// storage, and `flushCb` writes a single block to it.
func New(
	bytesPerBlock uint,
	totalBlocks uint,
	fetchCb FetchBlockCallback,
	flushCb FlushBlockCallback,
) *BlockCache {
	return &BlockCache{
		loadedBlocks:  bitmap.NewSlice(int(totalBlocks)),
		dirtyBlocks:   bitmap.NewSlice(int(totalBlocks)),
		data:          make(map[LogicalBlock][]byte),
		fetch:         fetchCb,
		flush:         flushCb,
		bytesPerBlock: bytesPerBlock,
		totalBlocks:   totalBlocks,
	}
}

// BytesPerBlock returns the size of a single block, in bytes.
func (cache *BlockCache) BytesPerBlock() uint {
	return cache.bytesPerBlock
}

// TotalBlocks returns the size of the cache, in blocks.
func (cache *BlockCache) TotalBlocks() uint {
	return cache.totalBlocks
}

// Size gives the size of the cache, in bytes (not blocks!).
func (cache *BlockCache) Size() int64 {
	return int64(cache.bytesPerBlock) * int64(cache.totalBlocks)
}

// CachedBlocks gives the number of blocks currently held in memory.
func (cache *BlockCache) CachedBlocks() int {
	return len(cache.data)
}

// checkBounds verifies that `size` bytes can be accessed in the cache starting
// at byte `offset` of block `start`.
func (cache *BlockCache) checkBounds(start LogicalBlock, offset, size uint) error {
	end := uint64(start)*uint64(cache.bytesPerBlock) + uint64(offset) + uint64(size)
	if uint(start) >= cache.totalBlocks || end > uint64(cache.Size()) {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"can't access %d bytes at offset %d of block %d; range not in [0, %d)",
				size,
				offset,
				start,
				cache.totalBlocks,
			),
		)
	}
	return nil
}

// GetSlice returns a slice pointing to the cache's storage for one block,
// loading it first if needed.
//
// If the returned slice is modified, the block MUST be marked as dirty.
func (cache *BlockCache) GetSlice(block LogicalBlock) ([]byte, error) {
	err := cache.checkBounds(block, 0, cache.bytesPerBlock)
	if err != nil {
		return nil, err
	}

	// Dirty blocks are present by definition, so we don't need to check
	// `dirtyBlocks` here.
	if cache.loadedBlocks.Get(int(block)) {
		return cache.data[block], nil
	}

	buffer := make([]byte, cache.bytesPerBlock)
	err = cache.fetch(block, buffer)
	if err != nil {
		return nil, fmt.Errorf("failed to load block %d from source: %w", block, err)
	}

	cache.data[block] = buffer
	cache.loadedBlocks.Set(int(block), true)
	cache.dirtyBlocks.Set(int(block), false)
	return buffer, nil
}

// ReadAt fills `buffer` with data beginning at byte `offset` of block `start`,
// loading any missing blocks first. The read may span blocks.
//
// Attempting to read past the end of the cache will result in an error, and
// `buffer` will be left unmodified.
func (cache *BlockCache) ReadAt(buffer []byte, start LogicalBlock, offset uint) error {
	err := cache.checkBounds(start, offset, uint(len(buffer)))
	if err != nil {
		return err
	}

	return cache.forEachBlock(start, offset, buffer, func(data, chunk []byte) {
		copy(chunk, data)
	})
}

// WriteAt copies `buffer` into the cache beginning at byte `offset` of block
// `start`. All modified blocks are marked as dirty.
//
// Attempting to write past the end of the cache will result in an error, and
// the cache will be left unmodified.
func (cache *BlockCache) WriteAt(buffer []byte, start LogicalBlock, offset uint) error {
	err := cache.checkBounds(start, offset, uint(len(buffer)))
	if err != nil {
		return err
	}

	block := start
	return cache.forEachBlock(start, offset, buffer, func(data, chunk []byte) {
		copy(data, chunk)
		cache.dirtyBlocks.Set(int(block), true)
		block++
	})
}

// forEachBlock splits `buffer` on block boundaries and calls `visit` with the
// cached storage of each block and the matching piece of `buffer`.
func (cache *BlockCache) forEachBlock(
	start LogicalBlock,
	offset uint,
	buffer []byte,
	visit func(data, chunk []byte),
) error {
	block := start
	for len(buffer) > 0 {
		data, err := cache.GetSlice(block)
		if err != nil {
			return err
		}

		chunkSize := cache.bytesPerBlock - offset
		if chunkSize > uint(len(buffer)) {
			chunkSize = uint(len(buffer))
		}
		visit(data[offset:offset+chunkSize], buffer[:chunkSize])

		buffer = buffer[chunkSize:]
		offset = 0
		block++
	}
	return nil
}

// IsDirty reports whether a block has been modified since it was last loaded
// or flushed.
func (cache *BlockCache) IsDirty(block LogicalBlock) bool {
	if uint(block) >= cache.totalBlocks {
		return false
	}
	return cache.dirtyBlocks.Get(int(block))
}

// MarkBlockDirty marks a block as modified, loading it if it isn't present.
// It'll be written out to the backing storage on the next flush.
func (cache *BlockCache) MarkBlockDirty(block LogicalBlock) error {
	_, err := cache.GetSlice(block)
	if err != nil {
		return err
	}
	cache.dirtyBlocks.Set(int(block), true)
	return nil
}

// FlushBlock writes a single block to storage if it's dirty, and marks it as
// clean. If the write fails the block stays dirty.
func (cache *BlockCache) FlushBlock(block LogicalBlock) error {
	if !cache.IsDirty(block) {
		return nil
	}

	err := cache.flush(block, cache.data[block])
	if err != nil {
		return fmt.Errorf("failed to flush block %d to storage: %w", block, err)
	}
	cache.dirtyBlocks.Set(int(block), false)
	return nil
}

// Flush writes all dirty blocks to storage in ascending order and marks them
// as clean. It stops at the first failure.
func (cache *BlockCache) Flush() error {
	blocks := make([]LogicalBlock, 0, len(cache.data))
	for block := range cache.data {
		blocks = append(blocks, block)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

	for _, block := range blocks {
		err := cache.FlushBlock(block)
		if err != nil {
			return err
		}
	}
	return nil
}

// Evict drops a clean block from memory. Evicting a dirty block fails; flush
// it first.
func (cache *BlockCache) Evict(block LogicalBlock) error {
	if cache.IsDirty(block) {
		return errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("block %d is dirty and can't be evicted", block))
	}
	if uint(block) < cache.totalBlocks {
		cache.loadedBlocks.Set(int(block), false)
	}
	delete(cache.data, block)
	return nil
}

// Invalidate drops a block from memory regardless of whether it's dirty. Any
// changes not yet flushed are lost.
func (cache *BlockCache) Invalidate(block LogicalBlock) {
	if uint(block) < cache.totalBlocks {
		cache.loadedBlocks.Set(int(block), false)
		cache.dirtyBlocks.Set(int(block), false)
	}
	delete(cache.data, block)
}

// EvictClean drops every clean block from memory and returns how many were
// dropped. Dirty blocks stay cached.
func (cache *BlockCache) EvictClean() int {
	evicted := 0
	for block := range cache.data {
		if cache.IsDirty(block) {
			continue
		}
		cache.loadedBlocks.Set(int(block), false)
		delete(cache.data, block)
		evicted++
	}
	return evicted
}
