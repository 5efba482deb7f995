package nand

import (
	"fmt"
)

// Geometry describes the physical layout of the NAND array: how many chip
// selects there are and how each chip divides into dies, planes, blocks and
// pages. All chips in an array are assumed identical.
type Geometry struct {
	Name string `csv:"name" yaml:"name"`
	Slug string `csv:"slug" yaml:"slug"`

	// ChipCount is the number of chip selects populated. This isn't part of a
	// chip's datasheet geometry so the CSV table leaves it at 0; callers set it.
	ChipCount uint32 `csv:"-" yaml:"chips"`

	BlocksPerChip uint32 `csv:"blocks_per_chip" yaml:"blocksPerChip"`
	PagesPerBlock uint32 `csv:"pages_per_block" yaml:"pagesPerBlock"`

	// PageDataSize is the number of user data bytes in a page, excluding the
	// spare area.
	PageDataSize uint32 `csv:"page_data_size" yaml:"pageDataSize"`
	// PageMetadataSize is the number of spare-area bytes exposed to software
	// after ECC parity is accounted for. Byte 0 of page 0 is the bad block
	// marker.
	PageMetadataSize uint32 `csv:"page_metadata_size" yaml:"pageMetadataSize"`

	DiesPerChip  uint32 `csv:"dies_per_chip" yaml:"diesPerChip"`
	PlanesPerDie uint32 `csv:"planes_per_die" yaml:"planesPerDie"`

	// MaxBadBlockPercent is the manufacturer's guaranteed upper bound on the
	// fraction of blocks that go bad over the life of the part.
	MaxBadBlockPercent uint32 `csv:"max_bad_block_percent" yaml:"maxBadBlockPercent"`
}

// MinPageDataSize is the smallest page that can hold a boot block.
const MinPageDataSize = 2048

// Validate checks that the geometry is internally consistent and usable by the
// media layer.
func (g Geometry) Validate() error {
	if g.ChipCount == 0 || g.ChipCount > MaxChips {
		return fmt.Errorf("chip count must be in [1, %d], got %d", MaxChips, g.ChipCount)
	}
	if g.BlocksPerChip == 0 || g.PagesPerBlock == 0 {
		return fmt.Errorf(
			"blocks per chip and pages per block must be nonzero, got %d and %d",
			g.BlocksPerChip,
			g.PagesPerBlock)
	}
	if g.PageDataSize < MinPageDataSize {
		return fmt.Errorf(
			"page data size must be at least %d bytes, got %d", MinPageDataSize, g.PageDataSize)
	}
	if g.PageMetadataSize == 0 {
		return fmt.Errorf("page metadata size must be nonzero")
	}
	if g.DiesPerChip == 0 || g.BlocksPerChip%g.DiesPerChip != 0 {
		return fmt.Errorf(
			"blocks per chip (%d) must be a nonzero multiple of dies per chip (%d)",
			g.BlocksPerChip,
			g.DiesPerChip)
	}
	if g.PlanesPerDie == 0 || g.PlanesPerDie&(g.PlanesPerDie-1) != 0 {
		return fmt.Errorf("planes per die must be a power of two, got %d", g.PlanesPerDie)
	}
	return nil
}

// TotalBlocks gives the number of blocks across all chips.
func (g Geometry) TotalBlocks() uint32 {
	return g.ChipCount * g.BlocksPerChip
}

// PagesPerChip gives the number of pages in a single chip.
func (g Geometry) PagesPerChip() uint32 {
	return g.BlocksPerChip * g.PagesPerBlock
}

// TotalPages gives the number of pages across all chips.
func (g Geometry) TotalPages() uint32 {
	return g.TotalBlocks() * g.PagesPerBlock
}

// BlockDataSize gives the number of user data bytes in one erase block.
func (g Geometry) BlockDataSize() uint64 {
	return uint64(g.PageDataSize) * uint64(g.PagesPerBlock)
}

// BlocksPerDie gives the number of blocks in one die of a chip.
func (g Geometry) BlocksPerDie() uint32 {
	return g.BlocksPerChip / g.DiesPerChip
}

// BytesToBlocks gives the minimum number of blocks holding `size` bytes.
func (g Geometry) BytesToBlocks(size uint64) uint32 {
	blockSize := g.BlockDataSize()
	return uint32((size + blockSize - 1) / blockSize)
}

////////////////////////////////////////////////////////////////////////////////
// Address arithmetic

// Block converts a chip-relative block number into an absolute one.
func (g Geometry) Block(chip, relativeBlock uint32) BlockAddress {
	return BlockAddress(chip*g.BlocksPerChip + relativeBlock)
}

// ChipStart gives the absolute address of the first block of a chip.
func (g Geometry) ChipStart(chip uint32) BlockAddress {
	return g.Block(chip, 0)
}

// ChipEnd gives the absolute address one past the last block of a chip.
func (g Geometry) ChipEnd(chip uint32) BlockAddress {
	return g.Block(chip+1, 0)
}

// ChipOf returns the chip select a block lives on.
func (g Geometry) ChipOf(block BlockAddress) uint32 {
	return uint32(block) / g.BlocksPerChip
}

// RelativeBlock returns the chip-relative number of an absolute block.
func (g Geometry) RelativeBlock(block BlockAddress) uint32 {
	return uint32(block) % g.BlocksPerChip
}

// Page returns the absolute address of page `offset` in `block`.
func (g Geometry) Page(block BlockAddress, offset uint32) PageAddress {
	return PageAddress(uint32(block)*g.PagesPerBlock + offset)
}

// ChipPage converts a chip-relative page ("sector") number into an absolute
// page address.
func (g Geometry) ChipPage(chip, relativePage uint32) PageAddress {
	return PageAddress(chip*g.PagesPerChip() + relativePage)
}

// BlockOf returns the block containing a page.
func (g Geometry) BlockOf(page PageAddress) BlockAddress {
	return BlockAddress(uint32(page) / g.PagesPerBlock)
}

// PageOffset returns the index of a page within its block.
func (g Geometry) PageOffset(page PageAddress) uint32 {
	return uint32(page) % g.PagesPerBlock
}

// RelativePage returns the chip-relative page number of an absolute page.
func (g Geometry) RelativePage(page PageAddress) uint32 {
	return uint32(page) % g.PagesPerChip()
}

// IsValidBlock reports whether the address lies on the media.
func (g Geometry) IsValidBlock(block BlockAddress) bool {
	return uint32(block) < g.TotalBlocks()
}
