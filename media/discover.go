package media

import (
	"fmt"

	"github.com/dargueta/nandmedia"
	"github.com/dargueta/nandmedia/bootblock"
	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/phymap"
	"github.com/sirupsen/logrus"
)

// Discover reads the boot blocks, config blocks and bad block tables written
// by a previous [Media.Allocate] and creates the drives they describe. The
// drives must be initialized before use.
//
// If it fails the media is left in the Unknown state with no drives.
func (m *Media) Discover() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.checkInitialized(); err != nil {
		return err
	}
	if m.state == nandmedia.MediaStateErased {
		return errors.ErrMediaErased
	}

	fresh := m.state == nandmedia.MediaStateAllocated && m.bbtMode == bbtModeAllocation
	if err := m.discoverLocked(fresh); err != nil {
		m.state = nandmedia.MediaStateUnknown
		m.drives = nil
		return err
	}

	m.state = nandmedia.MediaStateAllocated
	m.logger.WithFields(logrus.Fields{
		"chip":      m.ncb[0].Chip,
		"block":     m.ncb[0].Block,
		"regions":   len(m.regions),
		"badBlocks": m.badBlockTotal(),
	}).Info("discovered media")
	return nil
}

func (m *Media) discoverLocked(fresh bool) error {
	if err := m.shutdownDrivesLocked(); err != nil {
		m.logger.WithError(err).Warn("failed to shut down drives before discovery")
	}
	m.drives = nil

	if err := m.findBootControlBlocks(); err != nil {
		return err
	}

	regions, err := m.readRegions()
	if err != nil {
		return err
	}
	m.regions = regions

	if fresh {
		// Everything known about bad blocks is in the allocation-mode table, so
		// there's nothing to scan. The DBBT doesn't exist yet.
		for i := range m.regions {
			m.regions[i].fillInBadBlocksFromTable(&m.globalBBT)
			m.regions[i].dirty = true
		}
		m.globalBBT.Release()
		m.bbtMode = bbtModeDiscovery
		m.postSaveDBBT()
	} else {
		m.globalBBT.Release()
		m.bbtMode = bbtModeDiscovery
		m.phymap = nil
		m.phymapIsFresh = false
		if err := m.loadBadBlocks(); err != nil {
			return err
		}
	}

	if m.phymap == nil {
		m.phymap = phymap.New(m.geometry.TotalBlocks())
		for i := range m.regions {
			if m.regions[i].Kind != RegionData {
				continue
			}
			if err := m.phymap.MarkRangeFree(m.regions[i].Start, m.regions[i].BlockCount); err != nil {
				return err
			}
		}
	}

	m.createDrives()
	m.phymapIsFresh = false
	m.keptHidden = nil
	return nil
}

// readRegions reads every chip's config block and creates its regions.
func (m *Media) readRegions() ([]Region, error) {
	var regions []Region
	for chip := uint32(0); chip < m.geometry.ChipCount; chip++ {
		config, err := m.readConfigBlock(chip)
		if err != nil {
			return nil, fmt.Errorf("failed to read config block of chip %d: %w", chip, err)
		}

		for _, info := range config.Regions {
			if info.Chip != chip {
				return nil, errors.ErrChipMismatch.WithMessage(
					fmt.Sprintf("config block of chip %d lists a region on chip %d", chip, info.Chip))
			}
			if uint64(info.StartBlock)+uint64(info.BlockCount) > uint64(m.geometry.BlocksPerChip) {
				return nil, errors.ErrBadCookie.WithMessage(
					fmt.Sprintf(
						"region at block %d of chip %d runs off the end of the chip",
						info.StartBlock,
						chip))
			}
			regions = append(regions, newRegionFromConfig(&m.geometry, info))
		}
	}

	if len(regions) > bootblock.MaxRegions {
		return nil, errors.ErrRegionTableFull.WithMessage(
			fmt.Sprintf("config blocks list %d regions", len(regions)))
	}
	return regions, nil
}
