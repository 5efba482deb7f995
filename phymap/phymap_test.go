package phymap_test

import (
	"testing"

	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/nand"
	"github.com/dargueta/nandmedia/phymap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMapIsFullyUsed(t *testing.T) {
	m := phymap.New(100)
	assert.EqualValues(t, 100, m.TotalBlocks())
	assert.EqualValues(t, 0, m.FreeCount())
	assert.False(t, m.IsFree(0))

	_, err := m.Allocate()
	assert.ErrorIs(t, err, errors.ErrNoSpace)
}

func TestMarkRanges(t *testing.T) {
	m := phymap.New(64)
	require.NoError(t, m.MarkRangeFree(10, 20))
	assert.EqualValues(t, 20, m.FreeCount())
	assert.True(t, m.IsFree(10))
	assert.True(t, m.IsFree(29))
	assert.False(t, m.IsFree(30))

	// Marking the same range twice doesn't double count.
	require.NoError(t, m.MarkRangeFree(10, 20))
	assert.EqualValues(t, 20, m.FreeCount())

	require.NoError(t, m.MarkUsed(15))
	assert.EqualValues(t, 19, m.FreeCount())
	assert.False(t, m.IsFree(15))

	assert.ErrorIs(t, m.MarkRangeFree(60, 5), errors.ErrInvalidArgument)
	assert.False(t, m.IsFree(1000))
}

func TestAllocateRotatesThroughRange(t *testing.T) {
	m := phymap.New(32)
	require.NoError(t, m.MarkRangeFree(8, 4))

	var got []nand.BlockAddress
	for i := 0; i < 4; i++ {
		block, err := m.AllocateInRange(8, 12)
		require.NoError(t, err)
		got = append(got, block)
	}
	assert.Equal(t, []nand.BlockAddress{8, 9, 10, 11}, got)

	_, err := m.AllocateInRange(8, 12)
	assert.ErrorIs(t, err, errors.ErrNoSpace)

	// Freeing block 8 and allocating again picks it up after wrapping around.
	require.NoError(t, m.Free(8))
	block, err := m.AllocateInRange(8, 12)
	require.NoError(t, err)
	assert.Equal(t, nand.BlockAddress(8), block)
}

func TestAllocateStaysInRange(t *testing.T) {
	m := phymap.New(32)
	require.NoError(t, m.MarkRangeFree(0, 32))

	block, err := m.AllocateInRange(20, 22)
	require.NoError(t, err)
	assert.Equal(t, nand.BlockAddress(20), block)

	_, err = m.AllocateInRange(22, 20)
	assert.Error(t, err)
}

func TestFreeTwiceFails(t *testing.T) {
	m := phymap.New(8)
	require.NoError(t, m.Free(3))
	assert.ErrorIs(t, m.Free(3), errors.ErrAlready)
	assert.ErrorIs(t, m.Free(8), errors.ErrInvalidArgument)
}

func TestFindFreeRun(t *testing.T) {
	m := phymap.New(40)
	require.NoError(t, m.MarkRangeFree(2, 3))
	require.NoError(t, m.MarkRangeFree(10, 6))

	start, err := m.FindFreeRun(3)
	require.NoError(t, err)
	assert.Equal(t, nand.BlockAddress(2), start)

	start, err = m.FindFreeRun(5)
	require.NoError(t, err)
	assert.Equal(t, nand.BlockAddress(10), start)

	_, err = m.FindFreeRun(7)
	assert.ErrorIs(t, err, errors.ErrNoSpace)

	start, err = m.FindFreeRun(1)
	require.NoError(t, err)
	assert.Equal(t, nand.BlockAddress(2), start)
}
