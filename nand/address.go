package nand

import (
	"fmt"
	"math"
)

// MaxChips is the largest number of chip selects the boot metadata can
// describe.
const MaxChips = 4

// BlockAddress is an absolute block number. Blocks are numbered chip-major:
// block 0 of chip 1 immediately follows the last block of chip 0. Use the
// [Geometry] helpers to convert to and from chip-relative form.
type BlockAddress uint32

// PageAddress is an absolute page number, numbered the same way as blocks.
type PageAddress uint32

const InvalidBlock = BlockAddress(math.MaxUint32)
const InvalidPage = PageAddress(math.MaxUint32)

func (b BlockAddress) String() string {
	if b == InvalidBlock {
		return "block(invalid)"
	}
	return fmt.Sprintf("block(%d)", uint32(b))
}

func (p PageAddress) String() string {
	if p == InvalidPage {
		return "page(invalid)"
	}
	return fmt.Sprintf("page(%d)", uint32(p))
}
