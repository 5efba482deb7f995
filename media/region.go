package media

import (
	"fmt"

	"github.com/dargueta/nandmedia"
	"github.com/dargueta/nandmedia/bbt"
	"github.com/dargueta/nandmedia/bootblock"
	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/nand"
)

// RegionKind selects how a region keeps track of its bad blocks.
type RegionKind int

const (
	// RegionBoot reserves the boot blocks at the start of a chip. It has no
	// drive.
	RegionBoot RegionKind = iota
	// RegionSystem backs a system drive. It keeps a full table of its bad blocks
	// because sectors are mapped by skipping them.
	RegionSystem
	// RegionData backs (part of) a data or hidden drive. Only the number of bad
	// blocks is kept; the mapper avoids them on its own.
	RegionData
)

func (k RegionKind) String() string {
	switch k {
	case RegionBoot:
		return "boot"
	case RegionSystem:
		return "system"
	case RegionData:
		return "data"
	}
	return fmt.Sprintf("RegionKind(%d)", int(k))
}

// Region is a contiguous run of blocks on one chip.
type Region struct {
	Kind       RegionKind
	Chip       uint32
	Start      nand.BlockAddress
	BlockCount uint32
	DriveType  nandmedia.DriveType
	Tag        nandmedia.DriveTag

	badBlocks     bbt.Table
	badBlockCount uint32
	dirty         bool
}

// newRegionFromConfig creates the right kind of region for a config block
// record.
func newRegionFromConfig(geometry *nand.Geometry, info bootblock.RegionInfo) Region {
	region := Region{
		Chip:       info.Chip,
		Start:      geometry.Block(info.Chip, info.StartBlock),
		BlockCount: info.BlockCount,
		DriveType:  nandmedia.DriveType(info.DriveType),
		Tag:        nandmedia.DriveTag(info.Tag),
	}

	switch {
	case region.Tag == nandmedia.DriveTagBootRegion || region.DriveType == nandmedia.DriveTypeUnknown:
		region.Kind = RegionBoot
	case region.DriveType == nandmedia.DriveTypeSystem:
		region.Kind = RegionSystem
	default:
		region.Kind = RegionData
	}
	return region
}

// End gives the block one past the end of the region.
func (r *Region) End() nand.BlockAddress {
	return r.Start + nand.BlockAddress(r.BlockCount)
}

func (r *Region) Contains(block nand.BlockAddress) bool {
	return block >= r.Start && block < r.End()
}

// tracksBlocks reports whether the region keeps the addresses of its bad
// blocks and not just a count.
func (r *Region) tracksBlocks() bool {
	return r.Kind != RegionData
}

// BadBlockCount gives the number of known bad blocks in the region.
func (r *Region) BadBlockCount() uint32 {
	if r.tracksBlocks() {
		return r.badBlocks.Count()
	}
	return r.badBlockCount
}

// BadBlocks returns the region's bad blocks. It's always empty for data
// regions.
func (r *Region) BadBlocks() []nand.BlockAddress {
	return r.badBlocks.Entries()
}

// IsBlockBad only knows about individual blocks in boot and system regions.
func (r *Region) IsBlockBad(block nand.BlockAddress) bool {
	return r.badBlocks.IsBlockBad(block)
}

// IsDirty reports whether the region gained bad blocks since the DBBT was last
// written.
func (r *Region) IsDirty() bool {
	return r.dirty
}

func (r *Region) clone() Region {
	copied := *r
	copied.badBlocks = bbt.Table{}
	for _, block := range r.badBlocks.Entries() {
		copied.badBlocks.Insert(block)
	}
	return copied
}

func (r *Region) resetBadBlocks() {
	r.badBlocks.Release()
	r.badBlockCount = 0
}

// extraBlocksForBadBlocks is the spare capacity a region of this size sets
// aside for blocks that go bad later.
func (r *Region) extraBlocksForBadBlocks(percent uint32) uint32 {
	return spareBlocks(r.BlockCount, percent)
}

// scanForBadBlocks calls `found` for every block in the region whose bad block
// marker is set.
func (r *Region) scanForBadBlocks(
	physical nand.PhysicalMedia, found func(nand.BlockAddress),
) error {
	for block := r.Start; block < r.End(); block++ {
		bad, err := physical.IsBlockMarkedBad(block)
		if err != nil {
			return err
		}
		if bad {
			found(block)
		}
	}
	return nil
}

// fillInBadBlocksByScanning rebuilds the region's bad block state from the
// markers on the NAND. Regions that track addresses count first, so the table
// can be sized once with room to spare.
func (r *Region) fillInBadBlocksByScanning(physical nand.PhysicalMedia, percent uint32) error {
	r.resetBadBlocks()

	count := uint32(0)
	err := r.scanForBadBlocks(physical, func(nand.BlockAddress) { count++ })
	if err != nil {
		return err
	}
	if !r.tracksBlocks() {
		r.badBlockCount = count
		return nil
	}
	if count == 0 {
		return nil
	}

	if err := r.badBlocks.Allocate(count + r.extraBlocksForBadBlocks(percent)); err != nil {
		return err
	}
	return r.scanForBadBlocks(physical, r.badBlocks.Insert)
}

// fillInBadBlocksFromDBBT takes the entries of a DBBT chip page that fall
// inside the region.
func (r *Region) fillInBadBlocksFromDBBT(page bootblock.ChipBadBlocks, percent uint32) error {
	if page.Chip != r.Chip {
		return errors.ErrChipMismatch.WithMessage(
			fmt.Sprintf("DBBT page is for chip %d, region is on chip %d", page.Chip, r.Chip))
	}
	r.resetBadBlocks()

	count := uint32(0)
	for _, entry := range page.Blocks {
		if r.Contains(nand.BlockAddress(entry)) {
			count++
		}
	}
	if count == 0 {
		return nil
	}

	if err := r.badBlocks.Allocate(count + r.extraBlocksForBadBlocks(percent)); err != nil {
		return err
	}
	for _, entry := range page.Blocks {
		if r.Contains(nand.BlockAddress(entry)) {
			r.badBlocks.Insert(nand.BlockAddress(entry))
		}
	}
	return nil
}

// fillInBadBlockCount sets a data region's count from its BBRC entry.
func (r *Region) fillInBadBlockCount(count uint32) {
	r.resetBadBlocks()
	r.badBlockCount = count
}

// fillInBadBlocksFromTable copies the region's share of an allocation-mode
// table.
func (r *Region) fillInBadBlocksFromTable(table *bbt.Table) {
	r.resetBadBlocks()
	for _, block := range table.Entries() {
		if !r.Contains(block) {
			continue
		}
		if r.tracksBlocks() {
			r.badBlocks.Insert(block)
		} else {
			r.badBlockCount++
		}
	}
}

// addNewBadBlock records a block that went bad at runtime.
func (r *Region) addNewBadBlock(block nand.BlockAddress) {
	if r.tracksBlocks() {
		r.badBlocks.Insert(block)
	} else {
		r.badBlockCount++
	}
	r.dirty = true
}

// configInfo gives the region's config block record.
func (r *Region) configInfo(geometry *nand.Geometry) bootblock.RegionInfo {
	return bootblock.RegionInfo{
		DriveType:  uint32(r.DriveType),
		Tag:        uint32(r.Tag),
		BlockCount: r.BlockCount,
		Chip:       r.Chip,
		StartBlock: geometry.RelativeBlock(r.Start),
	}
}

// regionIndexOf returns the index of the region holding a block, or -1.
func (m *Media) regionIndexOf(block nand.BlockAddress) int {
	for i := range m.regions {
		if m.regions[i].Contains(block) {
			return i
		}
	}
	return -1
}
