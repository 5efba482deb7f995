package bbt_test

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/dargueta/nandmedia/bbt"
	"github.com/dargueta/nandmedia/nand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTable(blocks ...nand.BlockAddress) *bbt.Table {
	table := &bbt.Table{}
	for _, block := range blocks {
		table.Insert(block)
	}
	return table
}

func TestAllocateTwiceFails(t *testing.T) {
	table := &bbt.Table{}
	require.NoError(t, table.Allocate(10))
	assert.EqualValues(t, 10, table.Capacity())
	assert.EqualValues(t, 0, table.Count())

	assert.Error(t, table.Allocate(10), "second allocate should have failed")

	table.Release()
	assert.NoError(t, table.Allocate(3), "allocate after release should succeed")
}

// Inserting into a full table grows it by a fixed chunk and keeps the old
// contents.
func TestInsertGrowsByChunk(t *testing.T) {
	table := &bbt.Table{}
	require.NoError(t, table.Allocate(2))

	table.Insert(9)
	table.Insert(3)
	assert.EqualValues(t, 2, table.Capacity())

	table.Insert(5)
	assert.EqualValues(t, 2+bbt.GrowthChunk, table.Capacity())
	assert.Equal(t, []nand.BlockAddress{3, 5, 9}, table.Entries())
}

func TestInsertDuplicateIsNoop(t *testing.T) {
	table := newTable(4, 4, 2, 4)
	assert.Equal(t, []nand.BlockAddress{2, 4}, table.Entries())
}

// For any insertion sequence the table stays strictly ascending and agrees
// with a plain set on membership.
func TestInsertMatchesReferenceSet(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))

	for round := 0; round < 20; round++ {
		table := &bbt.Table{}
		reference := map[nand.BlockAddress]bool{}

		for i := 0; i < 200; i++ {
			block := nand.BlockAddress(rng.Intn(500))
			table.Insert(block)
			reference[block] = true
		}

		entries := table.Entries()
		assert.True(t, sort.SliceIsSorted(entries, func(i, j int) bool {
			return entries[i] < entries[j]
		}))
		for i := 1; i < len(entries); i++ {
			require.Less(t, entries[i-1], entries[i], "entries not strictly ascending")
		}
		assert.EqualValues(t, len(reference), table.Count())

		for block := nand.BlockAddress(0); block < 520; block++ {
			assert.Equalf(
				t, reference[block], table.IsBlockBad(block), "membership differs for %v", block)
		}
	}
}

func TestIsBlockBadEmpty(t *testing.T) {
	table := &bbt.Table{}
	assert.False(t, table.IsBlockBad(0))
	assert.False(t, table.IsBlockBad(nand.InvalidBlock))
}

func TestSkipBadBlocks(t *testing.T) {
	empty := &bbt.Table{}
	assert.Equal(t, nand.BlockAddress(17), empty.SkipBadBlocks(17))

	table := newTable(5, 6, 7, 10)
	assert.Equal(t, nand.BlockAddress(4), table.SkipBadBlocks(4))
	assert.Equal(t, nand.BlockAddress(8), table.SkipBadBlocks(5))
	assert.Equal(t, nand.BlockAddress(11), table.SkipBadBlocks(10))
}

func TestCountBadBlocksInRange(t *testing.T) {
	table := newTable(5, 6, 500)
	assert.EqualValues(t, 0, table.CountBadBlocksInRange(0, 5))
	assert.EqualValues(t, 2, table.CountBadBlocksInRange(0, 7))
	assert.EqualValues(t, 3, table.CountBadBlocksInRange(0, 1024))
	assert.EqualValues(t, 1, table.CountBadBlocksInRange(500, 1))
	assert.EqualValues(t, 0, table.CountBadBlocksInRange(7, 0))
}

func TestAdjustGrowUp(t *testing.T) {
	table := newTable(5, 6, 9)

	start, count, ok := table.AdjustForBadBlocksInRange(2, 5, bbt.GrowUp, 1024)
	require.True(t, ok)
	// [2, 7) holds 5 and 6; extending to 8 adds good block 7, then 8. Block 9
	// isn't reached.
	assert.Equal(t, nand.BlockAddress(2), start)
	assert.EqualValues(t, 7, count)

	// A range that reaches a bad block while growing absorbs it too.
	start, count, ok = table.AdjustForBadBlocksInRange(4, 4, bbt.GrowUp, 1024)
	require.True(t, ok)
	assert.Equal(t, nand.BlockAddress(4), start)
	assert.EqualValues(t, 7, count) // 4 7 8 10 are good; 5 6 9 absorbed
}

func TestAdjustGrowDown(t *testing.T) {
	table := newTable(1020, 1018, 1017)

	start, count, ok := table.AdjustForBadBlocksInRange(1019, 5, bbt.GrowDown, 1024)
	require.True(t, ok)
	assert.EqualValues(t, 1024, uint32(start)+count, "end of range must not move")
	assert.Equal(t, nand.BlockAddress(1016), start)
	assert.EqualValues(t, 8, count)
}

func TestAdjustHitsEdge(t *testing.T) {
	table := newTable(1022)
	_, _, ok := table.AdjustForBadBlocksInRange(1020, 4, bbt.GrowUp, 1024)
	assert.False(t, ok, "growing past the end of the media must fail")

	table = newTable(0, 1)
	_, _, ok = table.AdjustForBadBlocksInRange(0, 3, bbt.GrowDown, 1024)
	assert.False(t, ok, "growing below block 0 must fail")

	_, _, ok = (&bbt.Table{}).AdjustForBadBlocksInRange(1000, 30, bbt.GrowUp, 1024)
	assert.False(t, ok, "a range that starts out too big must fail")
}

func TestAdjustNoBadBlocksIsIdentity(t *testing.T) {
	start, count, ok := (&bbt.Table{}).AdjustForBadBlocksInRange(100, 50, bbt.GrowDown, 1024)
	require.True(t, ok)
	assert.Equal(t, nand.BlockAddress(100), start)
	assert.EqualValues(t, 50, count)
}

// Once the range has absorbed its bad blocks, adjusting it again for the same
// number of good blocks doesn't grow it any further.
func TestAdjustIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	table := &bbt.Table{}
	for i := 0; i < 60; i++ {
		table.Insert(nand.BlockAddress(rng.Intn(1024)))
	}

	for _, direction := range []bbt.Direction{bbt.GrowUp, bbt.GrowDown} {
		for trial := 0; trial < 50; trial++ {
			wanted := uint32(rng.Intn(40) + 1)
			var start nand.BlockAddress
			if direction == bbt.GrowUp {
				start = nand.BlockAddress(rng.Intn(800))
			} else {
				start = nand.BlockAddress(200 + rng.Intn(800-int(wanted)))
			}

			adjStart, adjCount, ok := table.AdjustForBadBlocksInRange(start, wanted, direction, 1024)
			if !ok {
				continue
			}
			good := adjCount - table.CountBadBlocksInRange(adjStart, adjCount)
			require.Equal(t, wanted, good, "adjusted range must hold exactly the wanted good blocks")

			// Re-anchor at the adjusted range: the fixed end for GrowDown, the
			// fixed start for GrowUp.
			reStart := adjStart
			if direction == bbt.GrowDown {
				reStart = adjStart + nand.BlockAddress(adjCount-wanted)
			}
			againStart, againCount, ok := table.AdjustForBadBlocksInRange(
				reStart, wanted, direction, 1024)
			require.True(t, ok)
			assert.Equal(t, adjStart, againStart)
			assert.Equal(t, adjCount, againCount)
		}
	}
}
