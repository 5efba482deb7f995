package media

import (
	"fmt"

	"github.com/dargueta/nandmedia"
	"github.com/dargueta/nandmedia/bootblock"
	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/nand"
	"github.com/sirupsen/logrus"
)

// programPages erases the block holding `first` and writes `pages` to it in
// order starting at `first`.
func (m *Media) programPages(first nand.PageAddress, pages [][]byte) error {
	if err := m.nand.EraseBlock(m.geometry.BlockOf(first)); err != nil {
		return err
	}
	for i, data := range pages {
		if err := m.nand.WritePage(first+nand.PageAddress(i), data, nil); err != nil {
			return err
		}
	}
	return nil
}

// writeInWindow writes `pages` at the first usable candidate. A block that
// fails to erase or program is retired and the next candidate tried; any other
// error gives up immediately.
func (m *Media) writeInWindow(candidates []nand.PageAddress, pages [][]byte) (nand.PageAddress, error) {
	for _, page := range candidates {
		block := m.geometry.BlockOf(page)
		usable, err := m.isBlockUsable(block)
		if err != nil {
			return nand.InvalidPage, err
		}
		if !usable {
			continue
		}

		err = m.programPages(page, pages)
		if err == nil {
			return page, nil
		}
		if !errors.IsWriteFailure(err) {
			return nand.InvalidPage, err
		}
		m.retireBlock(block, err)
	}
	return nand.InvalidPage, errors.ErrNoGoodBlocks.WithMessage(
		fmt.Sprintf("no usable block among %d candidates", len(candidates)))
}

// firstUsableCandidate returns the first candidate whose block is neither in
// the bad block tables nor marked bad.
func (m *Media) firstUsableCandidate(candidates []nand.PageAddress) (nand.PageAddress, error) {
	for _, page := range candidates {
		usable, err := m.isBlockUsable(m.geometry.BlockOf(page))
		if err != nil {
			return nand.InvalidPage, err
		}
		if usable {
			return page, nil
		}
	}
	return nand.InvalidPage, errors.ErrNoGoodBlocks.WithMessage(
		fmt.Sprintf("no usable block among %d candidates", len(candidates)))
}

func (m *Media) newPage() []byte {
	return make([]byte, m.geometry.PageDataSize)
}

func rowAddressCycles(pagesPerChip uint32) uint32 {
	cycles := uint32(1)
	for limit := uint64(256); uint64(pagesPerChip) > limit; limit <<= 8 {
		cycles++
	}
	return cycles
}

// buildNCB describes the NAND the way the boot ROM needs to read it.
func (m *Media) buildNCB() bootblock.NCB {
	ncb := bootblock.NCB{
		DataPageSize:        m.geometry.PageDataSize,
		TotalPageSize:       m.geometry.PageDataSize + m.geometry.PageMetadataSize,
		PagesPerBlock:       m.geometry.PagesPerBlock,
		NumberOfChips:       m.geometry.ChipCount,
		BlocksPerChip:       m.geometry.BlocksPerChip,
		ColumnAddressCycles: 2,
		RowAddressCycles:    rowAddressCycles(m.geometry.PagesPerChip()),
		MetadataBytes:       m.geometry.PageMetadataSize,
		EccBlockSize:        512,
		EccStrength:         4,
		BadBlockMarkerByte:  m.geometry.PageDataSize,
	}
	if m.chipParams.known {
		ncb.Timing = m.chipParams.ncb.Timing
	}
	return ncb
}

// firmwarePointer gives the LDLB pointer to a system region.
func (m *Media) firmwarePointer(region *Region) bootblock.FirmwarePointer {
	sectors := m.config.FirmwareSectors
	if sectors == 0 {
		sectors = region.BlockCount * m.geometry.PagesPerBlock
	}
	return bootblock.FirmwarePointer{
		Chip:        region.Chip,
		StartSector: m.geometry.RelativeBlock(region.Start) * m.geometry.PagesPerBlock,
		SectorCount: sectors,
	}
}

// systemRegionByTag returns the index of the first system region with a tag,
// or -1.
func (m *Media) systemRegionByTag(tag nandmedia.DriveTag) int {
	for i := range m.regions {
		if m.regions[i].Kind == RegionSystem && m.regions[i].Tag == tag {
			return i
		}
	}
	return -1
}

// buildLDLB fills in the LDLB from the current regions and DBBT search areas.
func (m *Media) buildLDLB() bootblock.LDLB {
	ldlb := bootblock.LDLB{
		VersionMajor: bootblock.LDLBVersionMajor,
		VersionMinor: bootblock.LDLBVersionMinor,
		ChipBitmap:   1<<m.geometry.ChipCount - 1,
		DbbtSearch:   m.dbbtSearch,
	}
	if index := m.systemRegionByTag(nandmedia.DriveTagBootPrimary); index >= 0 {
		ldlb.Primary = m.firmwarePointer(&m.regions[index])
	}
	if index := m.systemRegionByTag(nandmedia.DriveTagBootSecondary); index >= 0 {
		ldlb.Secondary = m.firmwarePointer(&m.regions[index])
	}
	return ldlb
}

func (m *Media) writeNCBs() error {
	page := m.newPage()
	if err := bootblock.EncodeNCB(page, m.buildNCB()); err != nil {
		return err
	}
	for i := 0; i < 2; i++ {
		candidates := m.probePages(m.bootBlockArea(bootblock.KindNCB, i), 1)
		written, err := m.writeInWindow(candidates, [][]byte{page})
		if err != nil {
			m.ncb[i].State = bootblock.LocationInvalid
			return err
		}
		m.ncb[i] = m.locationOf(written, bootblock.LocationValid)
	}
	return nil
}

// writeLDLBs writes both LDLB copies from m.ldlbInfo.
func (m *Media) writeLDLBs() error {
	page := m.newPage()
	if err := bootblock.EncodeLDLB(page, m.ldlbInfo); err != nil {
		return err
	}
	for i := 0; i < 2; i++ {
		start := m.ldlbSearchStart(m.bootBlockArea(bootblock.KindNCB, i))
		written, err := m.writeInWindow(m.probePages(start, 1), [][]byte{page})
		if err != nil {
			m.ldlb[i].State = bootblock.LocationInvalid
			return err
		}
		m.ldlb[i] = m.locationOf(written, bootblock.LocationValid)
	}
	return nil
}

// buildConfigBlock lists the regions on one chip.
func (m *Media) buildConfigBlock(chip uint32) bootblock.ConfigBlock {
	config := bootblock.ConfigBlock{NumReservedBlocks: m.bootRegionBlocks(chip)}
	for i := range m.regions {
		region := &m.regions[i]
		if region.Chip != chip {
			continue
		}
		config.Regions = append(config.Regions, region.configInfo(&m.geometry))
		config.NumBadBlocks += region.BadBlockCount()
	}
	return config
}

// writeConfigBlock writes a chip's config block. Chips found by fingerprint get
// a stamp page first; the others get the config page twice.
func (m *Media) writeConfigBlock(chip uint32) error {
	config := m.buildConfigBlock(chip)
	data := m.newPage()
	if err := bootblock.EncodeConfigBlock(data, config); err != nil {
		return err
	}

	var first []byte
	if m.configIsStamped(chip) {
		first = m.newPage()
		if err := bootblock.EncodeConfigStamp(first); err != nil {
			return err
		}
	} else {
		first = data
	}

	page, err := m.writeInWindow(m.configCandidates(chip), [][]byte{first, data})
	if err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"chip":      chip,
		"block":     uint32(m.geometry.BlockOf(page)),
		"regions":   len(config.Regions),
		"badBlocks": config.NumBadBlocks,
	}).Debug("wrote config block")
	return nil
}

// readConfigBlock finds and decodes a chip's config block.
func (m *Media) readConfigBlock(chip uint32) (bootblock.ConfigBlock, error) {
	data := m.newPage()

	if m.configIsStamped(chip) {
		page, _, err := m.bootBlockSearch(bootblock.KindConfig, m.configArea(chip))
		if err != nil {
			return bootblock.ConfigBlock{}, err
		}
		status, err := m.nand.ReadPage(page+bootblock.ConfigBlockPageOffset, data, nil)
		if err != nil {
			return bootblock.ConfigBlock{}, err
		}
		if !status.IsUsable() {
			return bootblock.ConfigBlock{}, errors.ErrUncorrectable.WithMessage(
				fmt.Sprintf("config block of chip %d is unreadable", chip))
		}
		return bootblock.DecodeConfigBlock(data)
	}

	for _, page := range m.blockStartPages(m.configArea(chip)) {
		bad, err := m.nand.IsBlockMarkedBad(m.geometry.BlockOf(page))
		if err != nil {
			return bootblock.ConfigBlock{}, err
		}
		if bad {
			continue
		}

		// Prefer the copy at the usual offset and fall back to the duplicate.
		for _, offset := range []uint32{bootblock.ConfigBlockPageOffset, 0} {
			status, err := m.nand.ReadPage(page+nand.PageAddress(offset), data, nil)
			if err != nil {
				return bootblock.ConfigBlock{}, err
			}
			if !status.IsUsable() {
				continue
			}
			config, err := bootblock.DecodeConfigBlock(data)
			if errors.CodeOf(err) == errors.EBADCOOKIE {
				break
			}
			return config, err
		}
	}
	return bootblock.ConfigBlock{}, errors.ErrConfigBlockNotFound.WithMessage(
		fmt.Sprintf("no config block on chip %d", chip))
}
