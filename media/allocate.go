package media

import (
	"fmt"
	"sort"

	"github.com/dargueta/nandmedia"
	"github.com/dargueta/nandmedia/bbt"
	"github.com/dargueta/nandmedia/bootblock"
	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/nand"
	"github.com/dargueta/nandmedia/phymap"
	"github.com/sirupsen/logrus"
)

// Allocate divides an erased media into the drives listed in `table` and
// writes the boot blocks and config blocks describing them. The media must
// have just been erased with [Media.Erase].
//
// Hidden drives are placed at the end of the last chip and system drives at
// the start of the first, in table order. The data drive takes the rest. If
// anything fails the media must be erased again before retrying.
func (m *Media) Allocate(table []nandmedia.AllocationEntry) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.checkInitialized(); err != nil {
		return err
	}
	if m.state != nandmedia.MediaStateErased {
		return errors.ErrMediaNotErased
	}

	hidden := 0
	data := 0
	for _, entry := range table {
		switch entry.Type {
		case nandmedia.DriveTypeHidden:
			hidden++
		case nandmedia.DriveTypeData:
			data++
		case nandmedia.DriveTypeSystem:
		default:
			return errors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("drive %d has invalid type %s", entry.DriveIndex, entry.Type))
		}
	}
	if hidden > nandmedia.MaxHiddenDrives {
		return errors.ErrTooManyHiddenDrives.WithMessage(
			fmt.Sprintf("%d hidden drives requested, at most %d allowed", hidden, nandmedia.MaxHiddenDrives))
	}
	if data > 1 {
		return errors.ErrInvalidArgument.WithMessage("only one data drive can be allocated")
	}

	if err := m.allocateLocked(table); err != nil {
		m.state = nandmedia.MediaStateUnknown
		return err
	}

	m.protectedTags = make(map[nandmedia.DriveTag]bool)
	hiddenIndex := 0
	for _, entry := range table {
		tag := entry.Tag
		if entry.Type == nandmedia.DriveTypeHidden {
			tag = nandmedia.HiddenDriveTags[hiddenIndex]
			hiddenIndex++
		}
		if entry.Flags&nandmedia.FlagWriteProtected != 0 {
			m.protectedTags[tag] = true
		}
	}

	m.state = nandmedia.MediaStateAllocated
	m.logger.WithFields(logrus.Fields{
		"chip":      m.ncb[0].Chip,
		"block":     m.ncb[0].Block,
		"regions":   len(m.regions),
		"badBlocks": m.globalBBT.Count(),
	}).Info("allocated media")
	return nil
}

// allocationPlan tracks the free space left on each chip while drives are
// being placed.
type allocationPlan struct {
	geometry *nand.Geometry
	// front is the first unused block of each chip.
	front []nand.BlockAddress
	// back is one past the last unused block of the last chip.
	back    nand.BlockAddress
	regions []Region
}

func (p *allocationPlan) lastChip() uint32 {
	return p.geometry.ChipCount - 1
}

// chipLimit is one past the last block of a chip that drives may use.
func (p *allocationPlan) chipLimit(chip uint32) nand.BlockAddress {
	if chip == p.lastChip() {
		return p.back
	}
	return p.geometry.ChipEnd(chip)
}

func (m *Media) requestedBlocks(entry nandmedia.AllocationEntry) uint32 {
	blocks := m.geometry.BytesToBlocks(entry.SizeInBytes)
	if blocks == 0 {
		blocks = 1
	}
	return blocks
}

func (m *Media) allocateLocked(table []nandmedia.AllocationEntry) error {
	m.drives = nil
	m.regions = nil

	if err := m.layoutBootBlocks(); err != nil {
		return err
	}

	plan := &allocationPlan{
		geometry: &m.geometry,
		front:    make([]nand.BlockAddress, m.geometry.ChipCount),
	}
	for chip := uint32(0); chip < m.geometry.ChipCount; chip++ {
		reserved := m.bootRegionBlocks(chip)
		if reserved >= m.geometry.BlocksPerChip {
			return errors.ErrDriveTooLarge.WithMessage(
				fmt.Sprintf("boot blocks need %d blocks, chip only has %d", reserved, m.geometry.BlocksPerChip))
		}
		plan.front[chip] = m.geometry.ChipStart(chip) + nand.BlockAddress(reserved)
		plan.regions = append(plan.regions, Region{
			Kind:       RegionBoot,
			Chip:       chip,
			Start:      m.geometry.ChipStart(chip),
			BlockCount: reserved,
			DriveType:  nandmedia.DriveTypeUnknown,
			Tag:        nandmedia.DriveTagBootRegion,
		})
	}
	plan.back = m.geometry.ChipEnd(plan.lastChip())

	if err := m.allocateHiddenDrives(plan, table); err != nil {
		return err
	}
	dataEntry, err := m.allocateSystemDrives(plan, table)
	if err != nil {
		return err
	}
	if dataEntry != nil {
		m.allocateDataDrive(plan, *dataEntry)
	}

	if len(plan.regions) > bootblock.MaxRegions {
		return errors.ErrRegionTableFull.WithMessage(
			fmt.Sprintf("%d regions needed, at most %d allowed", len(plan.regions), bootblock.MaxRegions))
	}

	// Config blocks list each chip's regions in block order.
	sort.Slice(plan.regions, func(i, j int) bool {
		return plan.regions[i].Start < plan.regions[j].Start
	})
	m.regions = plan.regions
	for i := range m.regions {
		m.regions[i].fillInBadBlocksFromTable(&m.globalBBT)
	}

	m.ldlbInfo = m.buildLDLB()
	if err := m.writeNCBs(); err != nil {
		return err
	}
	if err := m.writeLDLBs(); err != nil {
		return err
	}
	for chip := uint32(0); chip < m.geometry.ChipCount; chip++ {
		if err := m.writeConfigBlock(chip); err != nil {
			return err
		}
	}
	if err := m.eraseDBBT(); err != nil {
		return err
	}

	return m.buildPrebuiltPhymap()
}

// layoutBootBlocks makes sure every boot block has a usable block in its
// search area and records where each one will go.
func (m *Media) layoutBootBlocks() error {
	dbbtPages := uint32(bootblock.DbbtDataStartPageOffset) + m.geometry.ChipCount + 1

	for i := 0; i < 2; i++ {
		ncbArea := m.bootBlockArea(bootblock.KindNCB, i)
		page, err := m.firstUsableCandidate(m.probePages(ncbArea, 1))
		if err != nil {
			return fmt.Errorf("no room for NCB%d: %w", i+1, err)
		}
		m.ncb[i] = m.locationOf(page, bootblock.LocationValid)

		page, err = m.firstUsableCandidate(m.probePages(m.ldlbSearchStart(ncbArea), 1))
		if err != nil {
			return fmt.Errorf("no room for LDLB%d: %w", i+1, err)
		}
		m.ldlb[i] = m.locationOf(page, bootblock.LocationValid)

		m.dbbtSearch[i] = m.bootBlockArea(bootblock.KindDBBT, i)
		page, err = m.firstUsableCandidate(m.probePages(m.dbbtSearch[i], dbbtPages))
		if err != nil {
			return fmt.Errorf("no room for DBBT%d: %w", i+1, err)
		}
		m.dbbt[i] = m.locationOf(page, bootblock.LocationEmpty)
	}

	for chip := uint32(0); chip < m.geometry.ChipCount; chip++ {
		if _, err := m.firstUsableCandidate(m.configCandidates(chip)); err != nil {
			return fmt.Errorf("no room for the config block of chip %d: %w", chip, err)
		}
	}
	return nil
}

func (m *Media) keptRegion(tag nandmedia.DriveTag) (keptRegion, bool) {
	for _, kept := range m.keptHidden {
		if kept.tag == tag {
			return kept, true
		}
	}
	return keptRegion{}, false
}

// allocateHiddenDrives carves hidden drives from the end of the last chip,
// working backward. A hidden drive kept across the last erase is put back
// where it was.
func (m *Media) allocateHiddenDrives(plan *allocationPlan, table []nandmedia.AllocationEntry) error {
	lastChip := plan.lastChip()
	floor := plan.front[lastChip]
	hiddenIndex := 0

	for _, entry := range table {
		if entry.Type != nandmedia.DriveTypeHidden {
			continue
		}
		tag := nandmedia.HiddenDriveTags[hiddenIndex]
		hiddenIndex++

		var start nand.BlockAddress
		var count uint32
		if kept, ok := m.keptRegion(tag); ok {
			start, count = kept.start, kept.blockCount
			if start < floor || start+nand.BlockAddress(count) > plan.back {
				return errors.ErrDriveTooLarge.WithMessage(
					fmt.Sprintf("kept hidden drive %s overlaps another drive", tag))
			}
		} else {
			wanted := m.requestedBlocks(entry)
			if entry.Flags&nandmedia.FlagMinimumSize != 0 {
				wanted += spareBlocks(wanted, m.config.MaxBadBlockPercent)
			}
			if wanted > uint32(plan.back-floor) {
				return errors.ErrDriveTooLarge.WithMessage(
					fmt.Sprintf("hidden drive %s needs %d blocks", tag, wanted))
			}

			var ok bool
			start, count, ok = m.globalBBT.AdjustForBadBlocksInRange(
				plan.back-nand.BlockAddress(wanted), wanted, bbt.GrowDown, plan.back)
			if !ok || start < floor {
				return errors.ErrDriveTooLarge.WithMessage(
					fmt.Sprintf("hidden drive %s doesn't fit around the bad blocks", tag))
			}
		}

		plan.regions = append(plan.regions, Region{
			Kind:       RegionData,
			Chip:       lastChip,
			Start:      start,
			BlockCount: count,
			DriveType:  nandmedia.DriveTypeHidden,
			Tag:        tag,
		})
		plan.back = start
	}
	return nil
}

// allocateSystemDrives places system drives from the front of chip 0 in table
// order, moving to the next chip when one doesn't fit. Once the data drive's
// entry has been passed the rest go on another chip, since the boot ROM only
// reads chips 0 and 1. It returns the data drive's entry, if there is one.
func (m *Media) allocateSystemDrives(
	plan *allocationPlan, table []nandmedia.AllocationEntry,
) (*nandmedia.AllocationEntry, error) {
	var dataEntry *nandmedia.AllocationEntry
	chip := uint32(0)

	for i := range table {
		entry := &table[i]
		switch entry.Type {
		case nandmedia.DriveTypeData:
			dataEntry = entry
			if chip == 0 && m.geometry.ChipCount > 1 {
				chip = 1
			} else if chip > 0 {
				chip = plan.lastChip()
			}
			continue
		case nandmedia.DriveTypeSystem:
		default:
			continue
		}

		wanted := m.requestedBlocks(*entry)
		wanted += spareBlocks(wanted, m.config.MaxBadBlockPercent)

		for {
			if chip >= m.geometry.ChipCount {
				return nil, errors.ErrDriveTooLarge.WithMessage(
					fmt.Sprintf("system drive %s (%d blocks) doesn't fit", entry.Tag, wanted))
			}

			start := plan.front[chip]
			limit := plan.chipLimit(chip)
			if start < limit && wanted <= uint32(limit-start) {
				regionStart, count, ok := m.globalBBT.AdjustForBadBlocksInRange(
					start, wanted, bbt.GrowUp, limit)
				if ok {
					plan.regions = append(plan.regions, Region{
						Kind:       RegionSystem,
						Chip:       chip,
						Start:      regionStart,
						BlockCount: count,
						DriveType:  nandmedia.DriveTypeSystem,
						Tag:        entry.Tag,
					})
					plan.front[chip] = regionStart + nand.BlockAddress(count)
					break
				}
			}
			chip++
		}
	}
	return dataEntry, nil
}

// allocateDataDrive gives everything that's left to the data drive, one region
// per die. Regions are aligned to whole planes and tiny ones are dropped.
func (m *Media) allocateDataDrive(plan *allocationPlan, entry nandmedia.AllocationEntry) {
	planeMask := nand.BlockAddress(m.geometry.PlanesPerDie - 1)
	blocksPerDie := m.geometry.BlocksPerDie()

	for chip := uint32(0); chip < m.geometry.ChipCount; chip++ {
		for die := uint32(0); die < m.geometry.DiesPerChip; die++ {
			dieStart := m.geometry.ChipStart(chip) + nand.BlockAddress(die*blocksPerDie)
			dieEnd := dieStart + nand.BlockAddress(blocksPerDie)

			start := dieStart
			if plan.front[chip] > start {
				start = plan.front[chip]
			}
			end := dieEnd
			if limit := plan.chipLimit(chip); limit < end {
				end = limit
			}

			start = (start + planeMask) &^ planeMask
			if end <= start {
				continue
			}
			count := uint32((end - start) &^ planeMask)
			if count < m.config.MinDataDriveBlocks {
				m.logger.WithFields(logrus.Fields{
					"chip":  chip,
					"block": uint32(start),
				}).Debugf("skipping %d-block data segment", count)
				continue
			}

			plan.regions = append(plan.regions, Region{
				Kind:       RegionData,
				Chip:       chip,
				Start:      start,
				BlockCount: count,
				DriveType:  nandmedia.DriveTypeData,
				Tag:        entry.Tag,
			})
		}
	}
}

// buildPrebuiltPhymap marks the data and hidden regions free and every known
// bad block used, so the drives created at the next discovery don't have to
// scan an empty media.
func (m *Media) buildPrebuiltPhymap() error {
	m.phymap = phymap.New(m.geometry.TotalBlocks())
	for i := range m.regions {
		region := &m.regions[i]
		if region.Kind != RegionData {
			continue
		}
		if err := m.phymap.MarkRangeFree(region.Start, region.BlockCount); err != nil {
			return err
		}
	}
	for _, block := range m.globalBBT.Entries() {
		if err := m.phymap.MarkUsed(block); err != nil {
			return err
		}
	}
	m.phymapIsFresh = true
	return nil
}
