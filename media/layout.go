package media

import (
	"github.com/dargueta/nandmedia/bootblock"
	"github.com/dargueta/nandmedia/nand"
)

// Search area indices. On a single chip every boot block lives on chip 0 in
// its own area. With more chips the two copies are split across chips 0 and 1
// and each chip only holds one area per kind.
const (
	singleChipAreaNCB1 = iota
	singleChipAreaNCB2
	singleChipAreaLDLB1
	singleChipAreaLDLB2
	singleChipAreaDBBT1
	singleChipAreaDBBT2
	singleChipAreaConfig
	singleChipAreaCount
)

const (
	multiChipAreaNCB = iota
	multiChipAreaLDLB
	multiChipAreaDBBT
	multiChipAreaConfig
	multiChipAreaCount
)

// areaPages is the size of one search area in pages.
func (m *Media) areaPages() uint32 {
	return m.config.BootBlockSearchNumber * bootblock.BootBlockSearchStride
}

func (m *Media) areaBlocks() uint32 {
	return m.areaPages() / m.geometry.PagesPerBlock
}

func (m *Media) isMultiChip() bool {
	return m.geometry.ChipCount > 1
}

// areaStart gives the chip-relative first page of a search area.
func (m *Media) areaStart(area uint32) uint32 {
	return area * m.areaPages()
}

// bootBlockArea gives the chip and area of one copy (0 or 1) of a boot block.
func (m *Media) bootBlockArea(kind bootblock.Kind, copyIndex int) bootblock.SectorAddress {
	if !m.isMultiChip() {
		var area uint32
		switch kind {
		case bootblock.KindNCB:
			area = singleChipAreaNCB1
		case bootblock.KindLDLB:
			area = singleChipAreaLDLB1
		default:
			area = singleChipAreaDBBT1
		}
		return bootblock.SectorAddress{Chip: 0, Sector: m.areaStart(area + uint32(copyIndex))}
	}

	var area uint32
	switch kind {
	case bootblock.KindNCB:
		area = multiChipAreaNCB
	case bootblock.KindLDLB:
		area = multiChipAreaLDLB
	default:
		area = multiChipAreaDBBT
	}
	return bootblock.SectorAddress{Chip: uint32(copyIndex), Sector: m.areaStart(area)}
}

// ldlbSearchStart finds where to look for an LDLB given the NCB's area. It's
// a fixed number of areas after it.
func (m *Media) ldlbSearchStart(ncbArea bootblock.SectorAddress) bootblock.SectorAddress {
	areas := uint32(singleChipAreaLDLB1 - singleChipAreaNCB1)
	if m.isMultiChip() {
		areas = multiChipAreaLDLB - multiChipAreaNCB
	}
	return bootblock.SectorAddress{
		Chip:   ncbArea.Chip,
		Sector: ncbArea.Sector + areas*m.areaPages(),
	}
}

// configArea gives the area holding a chip's config block.
func (m *Media) configArea(chip uint32) bootblock.SectorAddress {
	switch {
	case !m.isMultiChip():
		return bootblock.SectorAddress{Chip: chip, Sector: m.areaStart(singleChipAreaConfig)}
	case chip < 2:
		return bootblock.SectorAddress{Chip: chip, Sector: m.areaStart(multiChipAreaConfig)}
	}
	return bootblock.SectorAddress{Chip: chip, Sector: 0}
}

// configIsStamped reports whether a chip's config block is found by
// fingerprint. On other chips it's found by looking at the first page of each
// block in the area.
func (m *Media) configIsStamped(chip uint32) bool {
	return chip < 2
}

// bootRegionBlocks is the number of blocks at the start of a chip reserved
// for boot blocks.
func (m *Media) bootRegionBlocks(chip uint32) uint32 {
	areas := uint32(1)
	switch {
	case !m.isMultiChip():
		areas = singleChipAreaCount
	case chip < 2:
		areas = multiChipAreaCount
	}
	return areas * m.areaBlocks()
}

// probePages lists the pages a search of the area at `start` looks at, leaving
// out any that don't leave room for `pages` pages before the end of their
// block.
func (m *Media) probePages(start bootblock.SectorAddress, pages uint32) []nand.PageAddress {
	first := m.geometry.ChipPage(start.Chip, start.Sector)
	probes := make([]nand.PageAddress, 0, m.config.BootBlockSearchNumber)
	for i := uint32(0); i < m.config.BootBlockSearchNumber; i++ {
		page := first + nand.PageAddress(i*bootblock.BootBlockSearchStride)
		if m.geometry.PageOffset(page)+pages > m.geometry.PagesPerBlock {
			continue
		}
		probes = append(probes, page)
	}
	return probes
}

// blockStartPages lists the first page of every block in the area at `start`.
func (m *Media) blockStartPages(start bootblock.SectorAddress) []nand.PageAddress {
	firstBlock := m.geometry.BlockOf(m.geometry.ChipPage(start.Chip, start.Sector))
	pages := make([]nand.PageAddress, 0, m.areaBlocks())
	for i := uint32(0); i < m.areaBlocks(); i++ {
		pages = append(pages, m.geometry.Page(firstBlock+nand.BlockAddress(i), 0))
	}
	return pages
}

// configCandidates lists where a chip's config block may start.
func (m *Media) configCandidates(chip uint32) []nand.PageAddress {
	if m.configIsStamped(chip) {
		return m.probePages(m.configArea(chip), 2)
	}
	return m.blockStartPages(m.configArea(chip))
}

func (m *Media) locationOf(page nand.PageAddress, state bootblock.LocationState) bootblock.Location {
	block := m.geometry.BlockOf(page)
	return bootblock.Location{
		Chip:  m.geometry.ChipOf(block),
		Block: m.geometry.RelativeBlock(block),
		State: state,
	}
}

func (m *Media) blockOfLocation(location bootblock.Location) nand.BlockAddress {
	return m.geometry.Block(location.Chip, location.Block)
}
