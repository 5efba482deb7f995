package media

import (
	"fmt"

	"github.com/dargueta/nandmedia/bootblock"
	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/nand"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// DBBTPageOffset gives the page, relative to the start of a DBBT, holding the
// bad blocks of `chip`. Pass [bootblock.BbrcSelector] for the BBRC page.
func (m *Media) DBBTPageOffset(chip uint32) uint32 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.dbbtLayout.PageOffset(chip)
}

// fillInLayout recomputes the DBBT layout from the regions. Each chip gets one
// page; a chip with more bad blocks than a page holds has its count clamped.
func (m *Media) fillInLayout() bootblock.DBBTLayout {
	capacity := bootblock.BadBlockEntriesPerPage(m.geometry.PageDataSize) * bootblock.MaxDbbtPagesPerNand

	var layout bootblock.DBBTLayout
	for chip := uint32(0); chip < m.geometry.ChipCount; chip++ {
		count := uint32(0)
		for i := range m.regions {
			if m.regions[i].Chip == chip {
				count += m.regions[i].BadBlockCount()
			}
		}
		if count > capacity {
			m.logger.WithFields(logrus.Fields{
				"chip":      chip,
				"badBlocks": count,
			}).Warnf("too many bad blocks for the DBBT, only %d will be saved", capacity)
			count = capacity
		}
		layout.NumberBB[chip] = count
		layout.NumberPagesBB[chip] = bootblock.MaxDbbtPagesPerNand
	}
	return layout
}

// chipBadBlockEntries lists the known bad blocks of a chip as stored in its
// DBBT page. Only boot and system regions know their bad blocks' addresses.
func (m *Media) chipBadBlockEntries(chip uint32) []uint32 {
	var entries []uint32
	for i := range m.regions {
		region := &m.regions[i]
		if region.Chip != chip || !region.tracksBlocks() {
			continue
		}
		for _, block := range region.BadBlocks() {
			entries = append(entries, uint32(block))
		}
	}
	return entries
}

func (m *Media) regionBadBlockCounts() []uint32 {
	counts := make([]uint32, len(m.regions))
	for i := range m.regions {
		counts[i] = m.regions[i].BadBlockCount()
	}
	return counts
}

// dbbtPages builds a whole DBBT: the layout page, blank filler up to the first
// chip page, one page per chip and then the BBRC. The pages are contiguous so
// they're always programmed in order.
func (m *Media) dbbtPages(layout bootblock.DBBTLayout) ([][]byte, error) {
	pages := make([][]byte, layout.TotalPages())
	for i := range pages {
		pages[i] = m.newPage()
	}

	if err := bootblock.EncodeDBBTLayout(pages[0], layout); err != nil {
		return nil, err
	}
	for chip := uint32(0); chip < m.geometry.ChipCount; chip++ {
		entries := m.chipBadBlockEntries(chip)
		bootblock.EncodeChipBadBlocks(pages[layout.PageOffset(chip)], chip, entries)
	}
	err := bootblock.EncodeBBRC(pages[layout.PageOffset(bootblock.BbrcSelector)], m.regionBadBlockCounts())
	if err != nil {
		return nil, err
	}
	return pages, nil
}

// writeOneBadBlockTable writes one DBBT copy in its search area. A block that
// fails is retired, which changes the tables being written, so the pages are
// rebuilt before every attempt.
func (m *Media) writeOneBadBlockTable(copyIndex int) error {
	for {
		layout := m.fillInLayout()
		pages, err := m.dbbtPages(layout)
		if err != nil {
			return err
		}

		candidates := m.probePages(m.dbbtSearch[copyIndex], layout.TotalPages())
		page, err := m.firstUsableCandidate(candidates)
		if err != nil {
			m.dbbt[copyIndex].State = bootblock.LocationInvalid
			return err
		}

		err = m.programPages(page, pages)
		if err == nil {
			m.dbbt[copyIndex] = m.locationOf(page, bootblock.LocationValid)
			m.dbbtLayout = layout
			return nil
		}
		if !errors.IsWriteFailure(err) {
			return err
		}
		m.retireBlock(m.geometry.BlockOf(page), err)
	}
}

// writeBadBlockTables writes both DBBT copies. Both are attempted even if the
// first fails.
func (m *Media) writeBadBlockTables() error {
	var result error
	for i := 0; i < 2; i++ {
		if err := m.writeOneBadBlockTable(i); err != nil {
			result = multierror.Append(
				result, fmt.Errorf("failed to write DBBT%d: %w", i+1, err))
		}
	}
	return result
}

// eraseDBBT erases whatever DBBT copies can be found. Missing copies are fine.
func (m *Media) eraseDBBT() error {
	var result error
	for i := 0; i < 2; i++ {
		page, _, err := m.findDBBT(i)
		if isNotFound(err) || errors.CodeOf(err) == errors.EBADCOOKIE {
			m.dbbt[i].State = bootblock.LocationEmpty
			continue
		}
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}

		block := m.geometry.BlockOf(page)
		err = m.nand.EraseBlock(block)
		if errors.IsWriteFailure(err) {
			m.retireBlock(block, err)
		} else if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		m.dbbt[i] = m.locationOf(page, bootblock.LocationEmpty)
	}
	return result
}

// saveDBBTLocked replaces the on-media DBBTs with the current region state.
func (m *Media) saveDBBTLocked() error {
	if err := m.eraseDBBT(); err != nil {
		return err
	}
	if err := m.writeBadBlockTables(); err != nil {
		return err
	}

	total := uint32(0)
	for i := range m.regions {
		m.regions[i].dirty = false
		total += m.regions[i].BadBlockCount()
	}
	m.dbbtSaveFailed = false
	m.logger.WithFields(logrus.Fields{
		"chip":      m.dbbt[0].Chip,
		"block":     m.dbbt[0].Block,
		"regions":   len(m.regions),
		"badBlocks": total,
	}).Info("saved DBBT")
	return nil
}

// SaveDBBT writes the bad block tables right away instead of waiting for the
// deferred task.
func (m *Media) SaveDBBT() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.checkInitialized(); err != nil {
		return err
	}
	if m.bbtMode != bbtModeDiscovery {
		return errors.ErrMediaState.WithMessage("the media must be discovered first")
	}
	return m.saveDBBTLocked()
}

// loadDBBT fills in every region's bad blocks from whichever DBBT copy was
// found. The BBRC must list exactly one count per region.
func (m *Media) loadDBBT() error {
	var lastErr error = errors.ErrDBBTNotFound
	for i := 0; i < 2; i++ {
		if m.dbbt[i].State != bootblock.LocationValid {
			continue
		}
		page, layout, err := m.findDBBT(i)
		if err == nil {
			err = m.loadDBBTAt(page, layout)
		}
		if err == nil {
			m.dbbtLayout = layout
			return nil
		}
		if !errors.Is(err, errors.ErrChipMismatch) &&
			!errors.Is(err, errors.ErrMediaState) &&
			!errors.Is(err, errors.ErrBadCookie) &&
			!errors.Is(err, errors.ErrUncorrectable) {
			return err
		}
		m.logger.WithError(err).WithField("copy", i+1).Warn("DBBT copy unusable")
		lastErr = err
	}
	return lastErr
}

func (m *Media) readPageStrict(page nand.PageAddress, buffer []byte) error {
	status, err := m.nand.ReadPage(page, buffer, nil)
	if err != nil {
		return err
	}
	if !status.IsUsable() {
		return errors.ErrUncorrectable.WithMessage(fmt.Sprintf("page %d is unreadable", page))
	}
	return nil
}

func (m *Media) loadDBBTAt(first nand.PageAddress, layout bootblock.DBBTLayout) error {
	if layout.TotalPages() > m.geometry.PagesPerBlock {
		return errors.ErrBadCookie.WithMessage("DBBT layout runs past the end of its block")
	}

	buffer := m.newPage()
	if err := m.readPageStrict(first+nand.PageAddress(layout.PageOffset(bootblock.BbrcSelector)), buffer); err != nil {
		return err
	}
	counts, err := bootblock.DecodeBBRC(buffer)
	if err != nil {
		return err
	}
	if len(counts) != len(m.regions) {
		return errors.ErrMediaState.WithMessage(
			fmt.Sprintf("BBRC lists %d regions, media has %d", len(counts), len(m.regions)))
	}

	chipPages := make(map[uint32]bootblock.ChipBadBlocks)
	for i := range m.regions {
		region := &m.regions[i]
		if !region.tracksBlocks() {
			region.fillInBadBlockCount(counts[i])
			continue
		}

		chipPage, ok := chipPages[region.Chip]
		if !ok {
			if region.Chip >= bootblock.MaxChips || layout.NumberPagesBB[region.Chip] == 0 {
				return errors.ErrChipMismatch.WithMessage(
					fmt.Sprintf("DBBT has no page for chip %d", region.Chip))
			}
			page := first + nand.PageAddress(layout.PageOffset(region.Chip))
			if err := m.readPageStrict(page, buffer); err != nil {
				return err
			}
			chipPage, err = bootblock.DecodeChipBadBlocks(buffer)
			if err != nil {
				return err
			}
			chipPages[region.Chip] = chipPage
		}

		if err := region.fillInBadBlocksFromDBBT(chipPage, m.config.MaxBadBlockPercent); err != nil {
			return err
		}
	}
	return nil
}

// scanAllRegions rebuilds every region's bad blocks from the NAND's markers.
func (m *Media) scanAllRegions() error {
	for i := range m.regions {
		err := m.regions[i].fillInBadBlocksByScanning(m.nand, m.config.MaxBadBlockPercent)
		if err != nil {
			return err
		}
	}
	return nil
}

// loadBadBlocks fills in the regions' bad blocks on a normal boot. The DBBT is
// used if there is one. If it can't be used it's erased and the NAND scanned
// instead, and a fresh DBBT is scheduled.
func (m *Media) loadBadBlocks() error {
	if m.dbbt[0].State == bootblock.LocationValid || m.dbbt[1].State == bootblock.LocationValid {
		err := m.loadDBBT()
		if err == nil {
			return nil
		}
		m.logger.WithError(err).Warn("DBBT doesn't match the media, rescanning")
		if err := m.eraseDBBT(); err != nil {
			return err
		}
	} else {
		m.logger.Info("no DBBT found, scanning for bad blocks")
	}

	if err := m.scanAllRegions(); err != nil {
		return err
	}
	for i := range m.regions {
		m.regions[i].dirty = true
	}
	m.postSaveDBBT()
	return nil
}
