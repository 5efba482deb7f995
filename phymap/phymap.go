// Package phymap tracks which physical blocks of the media are free for the
// data drive mapper to use. A set bit means the block is in use, either
// because it holds data, belongs to a system region or is bad.

package phymap

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/nand"
)

type Phymap struct {
	usedBlocks    bitmap.Bitmap
	totalBlocks   uint32
	freeCount     uint32
	lastAllocated nand.BlockAddress
}

// New creates a map of `totalBlocks` blocks with every block marked in use.
// Free ranges are then released with [Phymap.MarkRangeFree].
func New(totalBlocks uint32) *Phymap {
	used := bitmap.New(int(totalBlocks))
	for i := 0; i < int(totalBlocks); i++ {
		used.Set(i, true)
	}
	return &Phymap{
		usedBlocks:    used,
		totalBlocks:   totalBlocks,
		lastAllocated: nand.InvalidBlock,
	}
}

// TotalBlocks gives the number of blocks the map covers.
func (m *Phymap) TotalBlocks() uint32 {
	return m.totalBlocks
}

// FreeCount gives the number of blocks currently free.
func (m *Phymap) FreeCount() uint32 {
	return m.freeCount
}

func (m *Phymap) checkRange(start nand.BlockAddress, count uint32) error {
	if uint64(start)+uint64(count) > uint64(m.totalBlocks) {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"invalid block range: [%d, %d) not in [0, %d)",
				start,
				uint64(start)+uint64(count),
				m.totalBlocks))
	}
	return nil
}

// IsFree reports whether a block is available. Blocks outside the map are
// never free.
func (m *Phymap) IsFree(block nand.BlockAddress) bool {
	if uint32(block) >= m.totalBlocks {
		return false
	}
	return !m.usedBlocks.Get(int(block))
}

func (m *Phymap) set(block nand.BlockAddress, used bool) {
	wasUsed := m.usedBlocks.Get(int(block))
	if wasUsed == used {
		return
	}
	m.usedBlocks.Set(int(block), used)
	if used {
		m.freeCount--
	} else {
		m.freeCount++
	}
}

// MarkRangeFree marks every block in [start, start + count) as free.
func (m *Phymap) MarkRangeFree(start nand.BlockAddress, count uint32) error {
	if err := m.checkRange(start, count); err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		m.set(start+nand.BlockAddress(i), false)
	}
	return nil
}

// MarkRangeUsed marks every block in [start, start + count) as in use.
func (m *Phymap) MarkRangeUsed(start nand.BlockAddress, count uint32) error {
	if err := m.checkRange(start, count); err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		m.set(start+nand.BlockAddress(i), true)
	}
	return nil
}

// MarkUsed marks a single block as in use. It's how a block found to hold data
// during a rebuild, or one that went bad, is taken out of circulation.
func (m *Phymap) MarkUsed(block nand.BlockAddress) error {
	return m.MarkRangeUsed(block, 1)
}

// Free returns an allocated block to the pool. Freeing a block that isn't
// allocated returns an error with code [errors.EALREADY].
func (m *Phymap) Free(block nand.BlockAddress) error {
	if err := m.checkRange(block, 1); err != nil {
		return err
	}
	if !m.usedBlocks.Get(int(block)) {
		return errors.NewWithMessage(
			errors.EALREADY, fmt.Sprintf("block %d is already free", block))
	}
	m.set(block, false)
	return nil
}

// AllocateInRange allocates a free block in [start, end). The search begins
// just after the most recently allocated block and wraps around, so writes get
// spread over the whole range instead of hammering its first few blocks.
func (m *Phymap) AllocateInRange(start, end nand.BlockAddress) (nand.BlockAddress, error) {
	if end < start {
		return nand.InvalidBlock, errors.ErrInvalidArgument.WithMessage("range end before start")
	}
	if err := m.checkRange(start, uint32(end-start)); err != nil {
		return nand.InvalidBlock, err
	}

	size := uint32(end - start)
	first := start
	if m.lastAllocated >= start && m.lastAllocated < end {
		first = m.lastAllocated + 1
	}

	for i := uint32(0); i < size; i++ {
		block := start + nand.BlockAddress((uint32(first-start)+i)%size)
		if !m.usedBlocks.Get(int(block)) {
			m.set(block, true)
			m.lastAllocated = block
			return block, nil
		}
	}

	return nand.InvalidBlock, errors.NewWithMessage(
		errors.ENOSPC,
		fmt.Sprintf("no free blocks in [%d, %d)", start, end))
}

// Allocate allocates a free block anywhere on the media.
func (m *Phymap) Allocate() (nand.BlockAddress, error) {
	return m.AllocateInRange(0, nand.BlockAddress(m.totalBlocks))
}

// FindFreeRun returns the start of the first run of `count` consecutive free
// blocks.
func (m *Phymap) FindFreeRun(count uint32) (nand.BlockAddress, error) {
	runSize := uint32(0)
	runStart := nand.BlockAddress(0)

	for i := uint32(0); i < m.totalBlocks; i++ {
		if m.usedBlocks.Get(int(i)) {
			// We hit a used block, so this is the end of the run. Reset the size
			// to 0 and try again.
			runSize = 0
			continue
		}

		runSize++
		if runSize == 1 {
			runStart = nand.BlockAddress(i)
		}
		if runSize == count {
			return runStart, nil
		}
	}

	return nand.InvalidBlock, errors.NewWithMessage(
		errors.ENOSPC, fmt.Sprintf("no run of %d free blocks", count))
}
