package bootblock

import (
	"encoding/binary"
	"fmt"

	"github.com/dargueta/nandmedia/errors"
)

// ChipBadBlocks is the content of one DBBT bad block page: the chip it
// describes and that chip's bad blocks, as absolute block addresses.
type ChipBadBlocks struct {
	Chip   uint32
	Blocks []uint32
}

// EncodeChipBadBlocks writes a chip's bad block page. If there are more blocks
// than fit in a page the list is truncated; the number actually written is
// returned.
func EncodeChipBadBlocks(page []byte, chip uint32, blocks []uint32) uint32 {
	capacity := BadBlockEntriesPerPage(uint32(len(page)))
	count := uint32(len(blocks))
	if count > capacity {
		count = capacity
	}

	for i := range page {
		page[i] = 0
	}
	binary.LittleEndian.PutUint32(page[0:], chip)
	binary.LittleEndian.PutUint32(page[4:], count)
	for i := uint32(0); i < count; i++ {
		binary.LittleEndian.PutUint32(page[8+i*4:], blocks[i])
	}
	return count
}

// DecodeChipBadBlocks reads a chip's bad block page.
func DecodeChipBadBlocks(page []byte) (ChipBadBlocks, error) {
	if len(page) < 8 {
		return ChipBadBlocks{}, errors.ErrInvalidArgument.WithMessage("DBBT page too small")
	}

	chip := binary.LittleEndian.Uint32(page[0:])
	count := binary.LittleEndian.Uint32(page[4:])
	capacity := BadBlockEntriesPerPage(uint32(len(page)))
	if count > capacity {
		return ChipBadBlocks{}, errors.NewWithMessage(
			errors.EBADCOOKIE,
			fmt.Sprintf("DBBT page claims %d entries, max is %d", count, capacity))
	}

	blocks := make([]uint32, count)
	for i := range blocks {
		blocks[i] = binary.LittleEndian.Uint32(page[8+i*4:])
	}
	return ChipBadBlocks{Chip: chip, Blocks: blocks}, nil
}
