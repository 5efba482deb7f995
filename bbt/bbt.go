// Package bbt provides the sorted bad block table used both for the whole
// media while it is being allocated and for each system region afterwards.
package bbt

import (
	"sort"

	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/nand"
)

// GrowthChunk is how many entries are added each time an insert finds the
// table full.
const GrowthChunk = 5

// Direction selects which end of a range AdjustForBadBlocksInRange extends.
type Direction int

const (
	// GrowUp moves the end of the range toward higher block numbers.
	GrowUp Direction = iota
	// GrowDown moves the start of the range toward lower block numbers.
	GrowDown
)

// Table holds bad block addresses in strictly ascending order.
//
// The zero value is an empty, unallocated table. Insert allocates on demand,
// so calling Allocate first is only needed to reserve capacity.
type Table struct {
	entries []nand.BlockAddress
}

// Allocate reserves room for `maxEntries` addresses and empties the table.
// It fails if the table already has storage; call Release first.
func (t *Table) Allocate(maxEntries uint32) error {
	if t.entries != nil {
		return errors.NewWithMessage(
			errors.EALREADYINIT, "bad block table must be released before reallocating")
	}
	t.entries = make([]nand.BlockAddress, 0, maxEntries)
	return nil
}

// Release frees the table's storage and resets it to empty.
func (t *Table) Release() {
	t.entries = nil
}

// Count gives the number of bad blocks in the table.
func (t *Table) Count() uint32 {
	return uint32(len(t.entries))
}

// Capacity gives the number of entries the table can hold before it grows.
func (t *Table) Capacity() uint32 {
	return uint32(cap(t.entries))
}

// Entries returns the table contents in ascending order. The slice aliases
// the table's storage and must not be modified.
func (t *Table) Entries() []nand.BlockAddress {
	return t.entries
}

// Insert adds a block to the table, keeping it sorted. If the table is full
// it grows by [GrowthChunk] entries first. Inserting an address that's
// already present does nothing.
func (t *Table) Insert(block nand.BlockAddress) {
	// Find the first entry that is >= the new one. Tables are small enough
	// that a linear scan from the front is fine.
	index := 0
	for ; index < len(t.entries); index++ {
		if t.entries[index] >= block {
			break
		}
	}
	if index < len(t.entries) && t.entries[index] == block {
		return
	}

	if len(t.entries) == cap(t.entries) {
		grown := make([]nand.BlockAddress, len(t.entries), cap(t.entries)+GrowthChunk)
		copy(grown, t.entries)
		t.entries = grown
	}

	// Shift the tail right by one slot and drop the new entry into the gap.
	t.entries = t.entries[:len(t.entries)+1]
	copy(t.entries[index+1:], t.entries[index:])
	t.entries[index] = block
}

// IsBlockBad reports whether a block is in the table, using a binary search.
func (t *Table) IsBlockBad(block nand.BlockAddress) bool {
	if len(t.entries) == 0 {
		return false
	}
	index := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i] >= block
	})
	return index < len(t.entries) && t.entries[index] == block
}

// SkipBadBlocks returns the first block at or after `start` that isn't bad.
//
// The caller must guarantee that such a block exists; if every block from
// `start` onward is in the table this never returns.
func (t *Table) SkipBadBlocks(start nand.BlockAddress) nand.BlockAddress {
	block := start
	for t.IsBlockBad(block) {
		block++
	}
	return block
}

// CountBadBlocksInRange gives the number of bad blocks in
// [start, start + count).
func (t *Table) CountBadBlocksInRange(start nand.BlockAddress, count uint32) uint32 {
	total := uint32(0)
	for i := uint32(0); i < count; i++ {
		if t.IsBlockBad(start + nand.BlockAddress(i)) {
			total++
		}
	}
	return total
}

// AdjustForBadBlocksInRange grows [start, start + count) until it contains
// `count` good blocks. Each bad block found inside the range extends it by one
// block, either at the end (GrowUp) or at the start (GrowDown); the newly
// added block is itself tested, so runs of bad blocks are absorbed.
//
// `limit` is the exclusive upper bound of usable block addresses; the lower
// bound is block 0. If the range would have to cross either edge, it returns
// false and the range as far as it got.
func (t *Table) AdjustForBadBlocksInRange(
	start nand.BlockAddress,
	count uint32,
	direction Direction,
	limit nand.BlockAddress,
) (nand.BlockAddress, uint32, bool) {
	if uint64(start)+uint64(count) > uint64(limit) {
		return start, count, false
	}

	unaccounted := t.CountBadBlocksInRange(start, count)
	for unaccounted > 0 {
		var added nand.BlockAddress
		switch direction {
		case GrowUp:
			added = start + nand.BlockAddress(count)
			if added >= limit {
				return start, count, false
			}
		case GrowDown:
			if start == 0 {
				return start, count, false
			}
			start--
			added = start
		}

		count++
		unaccounted--
		if t.IsBlockBad(added) {
			unaccounted++
		}
	}
	return start, count, true
}
