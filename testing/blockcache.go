package testing

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/dargueta/nandmedia/blockcache"
	"github.com/dargueta/nandmedia/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// CreateRandomImage creates an image with the given number of blocks and bytes
// per block. It is guaranteed to either return a valid slice or fail the test
// and abort.
func CreateRandomImage(bytesPerBlock, totalBlocks uint, t *testing.T) []byte {
	backingData := make([]byte, bytesPerBlock*totalBlocks)

	_, err := rand.Read(backingData)
	require.NoErrorf(
		t,
		err,
		"failed to initialize %d blocks of size %d with random bytes",
		totalBlocks,
		bytesPerBlock,
	)
	return backingData
}

// CacheCounters records how many times a default cache's callbacks ran.
type CacheCounters struct {
	Fetches int
	Flushes int
}

// CreateDefaultCache creates a block cache backed by a byte slice.
//
// Arguments:
//
//   - bytesPerBlock: The number of bytes in a single block.
//   - totalBlocks: The number of blocks in the cache.
//   - writable: `true` if the image is writable, `false` otherwise. The flush
//     handler fails the test if this is false and a block is written out.
//   - backingData: Optional. A byte slice of at least `bytesPerBlock * totalBlocks`
//     that is used as the underlying storage the cache sits on top of. You can
//     pass `nil` for this to get completely random data.
//   - `t`: The testing fixture.
//
// The returned counters are updated as the callbacks run.
func CreateDefaultCache(
	bytesPerBlock,
	totalBlocks uint,
	writable bool,
	backingData []byte,
	t *testing.T,
) (*blockcache.BlockCache, *CacheCounters) {
	if backingData == nil {
		backingData = CreateRandomImage(bytesPerBlock, totalBlocks, t)
	}
	counters := &CacheCounters{}

	fetchCallback := func(blockIndex blockcache.LogicalBlock, buffer []byte) error {
		if uint(blockIndex) >= totalBlocks {
			message := fmt.Sprintf(
				"attempted to read outside bounds: block %d not in [0, %d)",
				blockIndex,
				totalBlocks,
			)
			t.Error(message)
			return errors.ErrIOFailed.WithMessage(message)
		}

		counters.Fetches++
		start := uint(blockIndex) * bytesPerBlock
		copy(buffer, backingData[start:start+bytesPerBlock])
		return nil
	}

	var flushCallback blockcache.FlushBlockCallback
	if writable {
		flushCallback = func(blockIndex blockcache.LogicalBlock, buffer []byte) error {
			if uint(blockIndex) >= totalBlocks {
				message := fmt.Sprintf(
					"attempted to write outside bounds: %d not in [0, %d)",
					blockIndex,
					totalBlocks,
				)
				t.Error(message)
				return errors.ErrIOFailed.WithMessage(message)
			}

			counters.Flushes++
			start := uint(blockIndex) * bytesPerBlock
			copy(backingData[start:start+bytesPerBlock], buffer)
			return nil
		}
	} else {
		flushCallback = func(blockIndex blockcache.LogicalBlock, buffer []byte) error {
			message := fmt.Sprintf(
				"attempted to write %d bytes to block %d of read-only image",
				len(buffer),
				blockIndex,
			)
			t.Error(message)
			return errors.ErrWriteProtected.WithMessage(message)
		}
	}

	cache := blockcache.New(bytesPerBlock, totalBlocks, fetchCallback, flushCallback)
	assert.EqualValues(t, bytesPerBlock, cache.BytesPerBlock(), "wrong bytes per block")
	assert.EqualValues(t, totalBlocks, cache.TotalBlocks(), "wrong total blocks")
	assert.EqualValues(t, bytesPerBlock*totalBlocks, cache.Size(), "total size is wrong")
	return cache, counters
}
