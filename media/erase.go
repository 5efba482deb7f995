package media

import (
	"github.com/dargueta/nandmedia"
	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/nand"
	"github.com/sirupsen/logrus"
)

// Erase wipes the media, boot blocks included, and leaves it ready for
// [Media.Allocate]. `magic` must be [nandmedia.EraseMagic].
//
// Blocks marked bad are left alone and blocks that fail to erase are marked
// bad; both end up in the table Allocate works from. With `keepHidden` set the
// hidden drives found by the last discovery are left intact, and the next
// Allocate puts them back where they were.
func (m *Media) Erase(magic uint32, keepHidden bool) error {
	if magic != nandmedia.EraseMagic {
		return errors.ErrBadMagic
	}

	m.lock.Lock()
	if !m.initialized {
		m.lock.Unlock()
		return errors.ErrNotInitialized
	}
	m.lock.Unlock()

	// Pending tasks refer to the regions about to be thrown away.
	m.tasks.Drain()

	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.shutdownDrivesLocked(); err != nil {
		m.logger.WithError(err).Warn("failed to shut down drives before erasing")
	}

	var kept []keptRegion
	if keepHidden {
		for i := range m.regions {
			region := &m.regions[i]
			if region.DriveType == nandmedia.DriveTypeHidden {
				kept = append(kept, keptRegion{
					tag:        region.Tag,
					start:      region.Start,
					blockCount: region.BlockCount,
				})
			}
		}
	}

	m.drives = nil
	m.regions = nil
	m.phymap = nil
	m.phymapIsFresh = false
	m.protectedTags = nil
	m.globalBBT.Release()
	m.bbtMode = bbtModeAllocation

	if err := m.eraseAllBlocks(kept); err != nil {
		m.state = nandmedia.MediaStateUnknown
		return err
	}

	m.resetLocations()
	m.keptHidden = kept
	m.state = nandmedia.MediaStateErased
	m.logger.WithFields(logrus.Fields{
		"badBlocks": m.globalBBT.Count(),
		"kept":      len(kept),
	}).Info("erased media")
	return nil
}

func isKept(kept []keptRegion, block nand.BlockAddress) bool {
	for _, region := range kept {
		if block >= region.start && block < region.start+nand.BlockAddress(region.blockCount) {
			return true
		}
	}
	return false
}

func (m *Media) eraseAllBlocks(kept []keptRegion) error {
	for block := nand.BlockAddress(0); uint32(block) < m.geometry.TotalBlocks(); block++ {
		bad, err := m.nand.IsBlockMarkedBad(block)
		if err != nil {
			return err
		}
		// Bad blocks of kept regions still count against them when they're
		// allocated again.
		if bad {
			m.globalBBT.Insert(block)
			continue
		}
		if isKept(kept, block) {
			continue
		}

		err = m.nand.EraseBlock(block)
		if errors.IsWriteFailure(err) {
			m.retireBlock(block, err)
		} else if err != nil {
			return err
		}
	}
	return nil
}
