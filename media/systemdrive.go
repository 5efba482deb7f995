package media

import (
	"context"
	"fmt"

	"github.com/dargueta/nandmedia"
	"github.com/dargueta/nandmedia/deferred"
	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/nand"
	"github.com/sirupsen/logrus"
)

// systemDrive maps sectors straight onto pages of its region, skipping bad
// blocks, so the boot ROM can read it without a mapper.
type systemDrive struct {
	baseDrive
	recoveryEnabled bool
}

func newSystemDrive(m *Media, regionIndex int) *systemDrive {
	region := &m.regions[regionIndex]
	return &systemDrive{
		baseDrive: baseDrive{
			media:     m,
			tag:       region.Tag,
			driveType: nandmedia.DriveTypeSystem,
			regions:   []int{regionIndex},
		},
		recoveryEnabled: true,
	}
}

func (d *systemDrive) region() *Region {
	return &d.media.regions[d.regions[0]]
}

// goodBlocksLocked is the number of blocks in the region not known to be bad.
func (d *systemDrive) goodBlocksLocked() uint32 {
	region := d.region()
	return region.BlockCount - region.BadBlockCount()
}

// usableBlocksLocked holds back part of the good blocks for ones that go bad
// later.
func (d *systemDrive) usableBlocksLocked() uint32 {
	good := d.goodBlocksLocked()
	percent := d.media.config.MaxBadBlockPercent
	reserve := (uint64(good)*uint64(percent) + uint64(100+percent) - 1) / uint64(100+percent)
	if uint64(good) <= reserve {
		return 0
	}
	return good - uint32(reserve)
}

func (d *systemDrive) sectorCountLocked() uint32 {
	return d.usableBlocksLocked() * d.media.geometry.PagesPerBlock
}

func (d *systemDrive) sizeInBytesLocked() uint64 {
	return uint64(d.sectorCountLocked()) * uint64(d.media.geometry.PageDataSize)
}

// sectorToPage finds the page holding a sector. Sector N is on the
// (N / pages per block)th good block of the region.
func (d *systemDrive) sectorToPage(sector uint32) (nand.PageAddress, error) {
	if sector >= d.sectorCountLocked() {
		return nand.InvalidPage, errors.ErrSectorOutOfRange.WithMessage(
			fmt.Sprintf("sector %d not in [0, %d)", sector, d.sectorCountLocked()))
	}

	geometry := &d.media.geometry
	wanted := sector / geometry.PagesPerBlock
	region := d.region()
	// The table only holds blocks of this region, so a good block always turns
	// up at or before the region's end.
	block := region.badBlocks.SkipBadBlocks(region.Start)
	for ; wanted > 0 && block < region.End(); wanted-- {
		block = region.badBlocks.SkipBadBlocks(block + 1)
	}
	if block < region.End() {
		return geometry.Page(block, sector%geometry.PagesPerBlock), nil
	}
	return nand.InvalidPage, errors.ErrSectorOutOfRange.WithMessage(
		fmt.Sprintf("sector %d is past the last good block", sector))
}

func (d *systemDrive) Init() error {
	d.media.lock.Lock()
	defer d.media.lock.Unlock()

	if d.initialized {
		return errors.ErrAlreadyInitialized
	}
	d.initialized = true
	return nil
}

func (d *systemDrive) Shutdown() error {
	// Let pending refreshes of this drive's blocks finish first.
	d.media.tasks.Drain()

	d.media.lock.Lock()
	defer d.media.lock.Unlock()
	return d.shutdownLocked()
}

func (d *systemDrive) shutdownLocked() error {
	d.initialized = false
	return nil
}

// Flush does nothing; system drive writes go straight to the NAND.
func (d *systemDrive) Flush() error {
	d.media.lock.Lock()
	defer d.media.lock.Unlock()
	return d.checkReady()
}

func (d *systemDrive) ReadSector(sector uint32, buffer []byte) error {
	d.media.lock.Lock()
	defer d.media.lock.Unlock()

	if err := d.checkReady(); err != nil {
		return err
	}
	if err := d.checkBuffer(buffer); err != nil {
		return err
	}
	return d.readSectorLocked(sector, buffer, d.recoveryEnabled)
}

func (d *systemDrive) readSectorLocked(sector uint32, buffer []byte, allowRecovery bool) error {
	page, err := d.sectorToPage(sector)
	if err != nil {
		return err
	}

	data := buffer[:d.media.geometry.PageDataSize]
	status, err := d.media.nand.ReadPage(page, data, nil)
	if err != nil {
		return err
	}

	switch status {
	case nand.ReadCorrectedNearThreshold:
		d.media.postRefresh(d.media.geometry.BlockOf(page))
	case nand.ReadUncorrectable:
		if !allowRecovery {
			return errors.ErrUncorrectable.WithMessage(
				fmt.Sprintf("sector %d of drive %s", sector, d.tag))
		}
		return d.recoverSectorLocked(sector, buffer)
	}
	return nil
}

// recoverSectorLocked reads a sector from the backup firmware copy instead.
func (d *systemDrive) recoverSectorLocked(sector uint32, buffer []byte) error {
	for _, tag := range []nandmedia.DriveTag{nandmedia.DriveTagBootMaster, nandmedia.DriveTagBootSecondary} {
		if tag == d.tag {
			continue
		}
		found, err := d.media.driveByTag(tag)
		if err != nil {
			continue
		}
		backup, ok := found.(*systemDrive)
		if !ok {
			continue
		}

		d.media.logger.WithFields(logrus.Fields{
			"drive":  d.tag.String(),
			"backup": tag.String(),
			"sector": sector,
		}).Warn("recovering unreadable sector from backup drive")
		return backup.readSectorLocked(sector, buffer, false)
	}
	return errors.ErrUncorrectable.WithMessage(
		fmt.Sprintf("sector %d of drive %s, and no backup drive", sector, d.tag))
}

// WriteSector programs one sector. Writing the first sector of a block erases
// the block first, so a drive is written block by block in order. A block that
// fails is retired and the write fails with [errors.EWRITEFAILED].
func (d *systemDrive) WriteSector(sector uint32, buffer []byte) error {
	d.media.lock.Lock()
	defer d.media.lock.Unlock()

	if err := d.checkWritable(); err != nil {
		return err
	}
	if err := d.checkBuffer(buffer); err != nil {
		return err
	}

	page, err := d.sectorToPage(sector)
	if err != nil {
		return err
	}
	geometry := &d.media.geometry
	block := geometry.BlockOf(page)

	if geometry.PageOffset(page) == 0 {
		err = d.media.nand.EraseBlock(block)
	}
	if err == nil {
		err = d.media.nand.WritePage(page, buffer[:geometry.PageDataSize], nil)
	}
	if errors.IsWriteFailure(err) {
		d.media.retireBlock(block, err)
		return errors.ErrWriteFailed.Wrap(err)
	}
	return err
}

// Erase erases every good block of the drive.
func (d *systemDrive) Erase() error {
	d.media.lock.Lock()
	defer d.media.lock.Unlock()

	if err := d.checkWritable(); err != nil {
		return err
	}

	region := d.region()
	for block := region.Start; block < region.End(); block++ {
		if region.IsBlockBad(block) {
			continue
		}
		err := d.media.nand.EraseBlock(block)
		if errors.IsWriteFailure(err) {
			d.media.retireBlock(block, err)
		} else if err != nil {
			return err
		}
	}
	return nil
}

func (d *systemDrive) GetInfo(selector nandmedia.InfoSelector) (any, error) {
	d.media.lock.Lock()
	defer d.media.lock.Unlock()

	switch selector {
	case nandmedia.InfoRecoveryEnabled:
		return d.recoveryEnabled, nil
	case nandmedia.InfoIsPrimaryFirmware:
		return d.media.isPrimaryFirmware(d.regions[0]), nil
	}
	return d.getInfoLocked(selector, d.sizeInBytesLocked())
}

func (d *systemDrive) SetInfo(selector nandmedia.InfoSelector, value any) error {
	d.media.lock.Lock()
	defer d.media.lock.Unlock()

	if selector == nandmedia.InfoRecoveryEnabled {
		enabled, ok := value.(bool)
		if !ok {
			return errors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("recovery flag must be a bool, got %T", value))
		}
		d.recoveryEnabled = enabled
		return nil
	}
	return d.setInfoLocked(selector, value)
}

////////////////////////////////////////////////////////////////////////////////
// Block refresh

// postRefresh schedules a block whose data is getting hard to correct to be
// rewritten in place.
func (m *Media) postRefresh(block nand.BlockAddress) {
	_, err := m.tasks.Post(deferred.Task{
		Type: deferred.TaskRefreshBlock,
		Key:  uint64(block),
		Run: func(ctx context.Context) error {
			return m.refreshBlockTask(block)
		},
	})
	if err != nil {
		m.logger.WithField("block", uint32(block)).WithError(err).Warn("couldn't schedule refresh")
	}
}

func isErasedPage(data, aux []byte) bool {
	for _, b := range data {
		if b != 0xff {
			return false
		}
	}
	for _, b := range aux {
		if b != 0xff {
			return false
		}
	}
	return true
}

// refreshBlockTask reads every programmed page of a block, erases it and
// writes them back.
func (m *Media) refreshBlockTask(block nand.BlockAddress) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.initialized {
		return nil
	}
	if usable, err := m.isBlockUsable(block); err != nil || !usable {
		return err
	}

	type savedPage struct {
		data []byte
		aux  []byte
	}
	var pages []savedPage
	for offset := uint32(0); offset < m.geometry.PagesPerBlock; offset++ {
		data := m.newPage()
		aux := make([]byte, m.geometry.PageMetadataSize)
		status, err := m.nand.ReadPage(m.geometry.Page(block, offset), data, aux)
		if err != nil {
			return err
		}
		if !status.IsUsable() {
			return errors.ErrUncorrectable.WithMessage(
				fmt.Sprintf("page %d of block %d can't be refreshed", offset, block))
		}
		if isErasedPage(data, aux) {
			break
		}
		pages = append(pages, savedPage{data: data, aux: aux})
	}

	err := m.nand.EraseBlock(block)
	for offset := 0; err == nil && offset < len(pages); offset++ {
		err = m.nand.WritePage(
			m.geometry.Page(block, uint32(offset)), pages[offset].data, pages[offset].aux)
	}
	if errors.IsWriteFailure(err) {
		m.retireBlock(block, err)
		return errors.ErrWriteFailed.Wrap(err)
	}
	if err == nil {
		m.logger.WithFields(logrus.Fields{
			"block": uint32(block),
			"pages": len(pages),
		}).Debug("refreshed block")
	}
	return err
}
