package media

import (
	"fmt"

	"github.com/dargueta/nandmedia/bootblock"
	"github.com/dargueta/nandmedia/nand"
	"github.com/sirupsen/logrus"
)

// readPages reads `count` consecutive pages starting at `first`.
func (m *Media) readPages(first nand.PageAddress, count uint32) ([][]byte, error) {
	pages := make([][]byte, count)
	for i := range pages {
		pages[i] = m.newPage()
		if err := m.readPageStrict(first+nand.PageAddress(i), pages[i]); err != nil {
			return nil, err
		}
	}
	return pages, nil
}

// copyToPrimary copies the secondary copy of a boot block into the primary's
// search area.
func (m *Media) copyToPrimary(
	kind bootblock.Kind,
	secondary, primary bootblock.SectorAddress,
) (nand.PageAddress, error) {
	page, buffer, err := m.bootBlockSearch(kind, secondary)
	if err != nil {
		return nand.InvalidPage, err
	}

	count := uint32(1)
	if kind == bootblock.KindDBBT {
		layout, err := bootblock.DecodeDBBTLayout(buffer)
		if err != nil {
			return nand.InvalidPage, err
		}
		count = layout.TotalPages()
	}

	pages, err := m.readPages(page, count)
	if err != nil {
		return nand.InvalidPage, err
	}
	return m.writeInWindow(m.probePages(primary, count), pages)
}

// recoverBootControlBlocks rewrites the primary NCB, LDLB and DBBT from their
// secondaries. The NCB is only rewritten if the primary is known to be bad;
// the others also get rewritten if `force` is set.
func (m *Media) recoverBootControlBlocks(force bool) error {
	if m.ncb[0].State == bootblock.LocationInvalid {
		page, err := m.copyToPrimary(
			bootblock.KindNCB,
			m.bootBlockArea(bootblock.KindNCB, 1),
			m.bootBlockArea(bootblock.KindNCB, 0))
		if err != nil {
			return fmt.Errorf("failed to recover NCB1: %w", err)
		}
		m.ncb[0] = m.locationOf(page, bootblock.LocationValid)
		m.logger.WithField("block", m.ncb[0].Block).Info("recovered NCB1")
	}

	if force || m.ldlb[0].State == bootblock.LocationInvalid {
		page, err := m.copyToPrimary(
			bootblock.KindLDLB,
			m.ldlbSearchStart(m.bootBlockArea(bootblock.KindNCB, 1)),
			m.ldlbSearchStart(m.bootBlockArea(bootblock.KindNCB, 0)))
		if err != nil {
			return fmt.Errorf("failed to recover LDLB1: %w", err)
		}
		m.ldlb[0] = m.locationOf(page, bootblock.LocationValid)
		m.logger.WithField("block", m.ldlb[0].Block).Info("recovered LDLB1")
	}

	if force || m.dbbt[0].State == bootblock.LocationInvalid {
		page, err := m.copyToPrimary(bootblock.KindDBBT, m.dbbtSearch[1], m.dbbtSearch[0])
		switch {
		case err == nil:
			m.dbbt[0] = m.locationOf(page, bootblock.LocationValid)
			m.logger.WithField("block", m.dbbt[0].Block).Info("recovered DBBT1")
		case isNotFound(err) && m.bbtMode == bbtModeDiscovery:
			// No secondary to copy, but the tables are in memory.
			if err := m.writeOneBadBlockTable(0); err != nil {
				return fmt.Errorf("failed to rewrite DBBT1: %w", err)
			}
		case isNotFound(err):
			m.logger.Warn("no DBBT to recover from")
		default:
			return fmt.Errorf("failed to recover DBBT1: %w", err)
		}
	}
	return nil
}

// RepairBootBlocks checks the boot ROM's flags and, if it had to boot from the
// secondary boot blocks or asked for a rewrite, restores the primaries. The
// flags are cleared once the repair succeeds.
func (m *Media) RepairBootBlocks() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.checkInitialized(); err != nil {
		return err
	}
	registers := m.config.BootState
	if registers == nil {
		return nil
	}

	bootedFromSecondary := registers.BootedFromSecondary()
	rewriteNeeded := registers.RewriteNeeded()
	if !bootedFromSecondary && !rewriteNeeded {
		return nil
	}

	if !m.ncbAddressValid() {
		if err := m.findBootControlBlocks(); err != nil {
			return err
		}
	}
	if err := m.recoverBootControlBlocks(rewriteNeeded); err != nil {
		return err
	}

	registers.SetBootedFromSecondary(false)
	registers.SetRewriteNeeded(false)
	m.logger.WithFields(logrus.Fields{
		"chip":      m.ncb[0].Chip,
		"block":     m.ncb[0].Block,
		"regions":   len(m.regions),
		"badBlocks": m.badBlockTotal(),
	}).Info("repaired boot blocks")
	return nil
}

func (m *Media) badBlockTotal() uint32 {
	if m.bbtMode == bbtModeAllocation {
		return m.globalBBT.Count()
	}
	total := uint32(0)
	for i := range m.regions {
		total += m.regions[i].BadBlockCount()
	}
	return total
}
