package media

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/dargueta/nandmedia"
	"github.com/dargueta/nandmedia/blockcache"
	"github.com/dargueta/nandmedia/deferred"
	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/nand"
	"github.com/sirupsen/logrus"
)

// Layout of the metadata bytes of every page a data drive writes. Byte 0 is
// the bad block marker and is always left erased.
const (
	auxLogicalOffset  = 1
	auxSequenceOffset = 5
	auxHeaderSize     = 9

	unmappedLogicalBlock = 0xffffffff
)

// maxCachedBlocks is how many erase blocks a data drive keeps in memory
// before writing them out.
const maxCachedBlocks = 4

type blockMapping struct {
	block    nand.BlockAddress
	sequence uint32
}

// dataDrive backs data and hidden drives. Logical blocks are mapped to any
// free physical block in the drive's regions; each rewrite goes to a new block
// and frees the old one. The mapping is stored in the metadata of every page,
// and a block with a higher sequence number wins if two claim the same logical
// block.
type dataDrive struct {
	baseDrive
	needsScan     bool
	logicalBlocks uint32
	mapping       map[uint32]blockMapping
	sequence      uint32
	cache         *blockcache.BlockCache
}

func newDataDrive(m *Media, regionIndex int, needsScan bool) *dataDrive {
	region := &m.regions[regionIndex]
	return &dataDrive{
		baseDrive: baseDrive{
			media:     m,
			tag:       region.Tag,
			driveType: region.DriveType,
			regions:   []int{regionIndex},
		},
		needsScan: needsScan,
	}
}

// logicalBlocksLocked is the number of blocks the drive exposes. Spare blocks
// are held back for bad blocks, plus one so a rewrite always has somewhere to
// go.
func (d *dataDrive) logicalBlocksLocked() uint32 {
	total := d.totalBlocksLocked()
	reserved := d.badBlockCountLocked() + spareBlocks(total, d.media.config.MaxBadBlockPercent) + 1
	if total <= reserved {
		return 0
	}
	return total - reserved
}

func (d *dataDrive) sizeInBytesLocked() uint64 {
	blocks := d.logicalBlocks
	if !d.initialized {
		blocks = d.logicalBlocksLocked()
	}
	return uint64(blocks) * d.media.geometry.BlockDataSize()
}

func (d *dataDrive) Init() error {
	d.media.lock.Lock()
	defer d.media.lock.Unlock()

	if d.initialized {
		return errors.ErrAlreadyInitialized
	}

	d.logicalBlocks = d.logicalBlocksLocked()
	d.mapping = make(map[uint32]blockMapping)
	d.sequence = 0
	if d.needsScan {
		if err := d.scanLocked(); err != nil {
			return err
		}
	}
	// The physical map now knows about this drive's blocks, so a later Init
	// only has to rebuild the mapping.
	d.needsScan = true

	d.cache = blockcache.New(
		uint(d.media.geometry.BlockDataSize()),
		uint(d.logicalBlocks),
		d.fetchBlock,
		d.flushBlock)
	d.initialized = true
	return nil
}

// Shutdown runs the drive's pending background flush before flushing whatever
// is left. It must not be called from a deferred task.
func (d *dataDrive) Shutdown() error {
	d.media.tasks.Drain()

	d.media.lock.Lock()
	defer d.media.lock.Unlock()
	return d.shutdownLocked()
}

func (d *dataDrive) shutdownLocked() error {
	if !d.initialized {
		return nil
	}
	err := d.cache.Flush()
	d.cache = nil
	d.initialized = false
	return err
}

func (d *dataDrive) forEachBlock(visit func(nand.BlockAddress) error) error {
	for _, index := range d.regions {
		region := &d.media.regions[index]
		for block := region.Start; block < region.End(); block++ {
			if err := visit(block); err != nil {
				return err
			}
		}
	}
	return nil
}

// scanLocked rebuilds the mapping from the page metadata and marks every block
// holding data, or marked bad, as used.
func (d *dataDrive) scanLocked() error {
	m := d.media
	data := m.newPage()
	aux := make([]byte, m.geometry.PageMetadataSize)

	return d.forEachBlock(func(block nand.BlockAddress) error {
		bad, err := m.nand.IsBlockMarkedBad(block)
		if err != nil {
			return err
		}
		if bad {
			return m.phymap.MarkUsed(block)
		}

		status, err := m.nand.ReadPage(m.geometry.Page(block, 0), data, aux)
		if err != nil {
			return err
		}
		if !status.IsUsable() {
			m.logger.WithField("block", uint32(block)).Warn("can't read block header, leaving it alone")
			return m.phymap.MarkUsed(block)
		}

		logical := binary.LittleEndian.Uint32(aux[auxLogicalOffset:])
		sequence := binary.LittleEndian.Uint32(aux[auxSequenceOffset:])
		if logical == unmappedLogicalBlock || logical >= d.logicalBlocks {
			// Free, or left over from some other layout. It gets erased before
			// it's used.
			return nil
		}

		if err := m.phymap.MarkUsed(block); err != nil {
			return err
		}
		if sequence > d.sequence {
			d.sequence = sequence
		}

		existing, ok := d.mapping[logical]
		if !ok {
			d.mapping[logical] = blockMapping{block: block, sequence: sequence}
			return nil
		}
		if sequence > existing.sequence {
			d.mapping[logical] = blockMapping{block: block, sequence: sequence}
			d.releaseBlockLocked(existing.block)
		} else {
			d.releaseBlockLocked(block)
		}
		return nil
	})
}

// releaseBlockLocked erases a block that no longer holds anything and returns
// it to the free pool.
func (d *dataDrive) releaseBlockLocked(block nand.BlockAddress) {
	m := d.media
	err := m.nand.EraseBlock(block)
	if errors.IsWriteFailure(err) {
		m.retireBlock(block, err)
		return
	}
	if err != nil {
		m.logger.WithField("block", uint32(block)).WithError(err).Warn("failed to erase stale block")
		return
	}
	if err := m.phymap.Free(block); err != nil && errors.CodeOf(err) != errors.EALREADY {
		m.logger.WithField("block", uint32(block)).WithError(err).Warn("failed to free block")
	}
}

// allocateBlockLocked takes a free block from one of the drive's regions.
func (d *dataDrive) allocateBlockLocked() (nand.BlockAddress, error) {
	for _, index := range d.regions {
		region := &d.media.regions[index]
		block, err := d.media.phymap.AllocateInRange(region.Start, region.End())
		if err == nil {
			return block, nil
		}
		if errors.CodeOf(err) != errors.ENOSPC {
			return nand.InvalidBlock, err
		}
	}
	return nand.InvalidBlock, errors.ErrNoSpace.WithMessage(
		fmt.Sprintf("drive %s has no free blocks", d.tag))
}

func (d *dataDrive) fetchBlock(logical blockcache.LogicalBlock, buffer []byte) error {
	m := d.media
	entry, ok := d.mapping[uint32(logical)]
	if !ok {
		for i := range buffer {
			buffer[i] = 0xff
		}
		return nil
	}

	pageSize := m.geometry.PageDataSize
	for offset := uint32(0); offset < m.geometry.PagesPerBlock; offset++ {
		page := m.geometry.Page(entry.block, offset)
		status, err := m.nand.ReadPage(page, buffer[offset*pageSize:(offset+1)*pageSize], nil)
		if err != nil {
			return err
		}
		switch status {
		case nand.ReadUncorrectable:
			return errors.ErrUncorrectable.WithMessage(
				fmt.Sprintf("page %d of logical block %d on drive %s", offset, logical, d.tag))
		case nand.ReadCorrectedNearThreshold:
			m.postRefresh(entry.block)
		}
	}
	return nil
}

func (d *dataDrive) programBlock(
	block nand.BlockAddress, logical, sequence uint32, buffer []byte,
) error {
	m := d.media
	if err := m.nand.EraseBlock(block); err != nil {
		return err
	}

	pageSize := m.geometry.PageDataSize
	aux := make([]byte, m.geometry.PageMetadataSize)
	for i := range aux {
		aux[i] = 0xff
	}
	binary.LittleEndian.PutUint32(aux[auxLogicalOffset:], logical)
	binary.LittleEndian.PutUint32(aux[auxSequenceOffset:], sequence)

	for offset := uint32(0); offset < m.geometry.PagesPerBlock; offset++ {
		page := m.geometry.Page(block, offset)
		err := m.nand.WritePage(page, buffer[offset*pageSize:(offset+1)*pageSize], aux)
		if err != nil {
			return err
		}
	}
	return nil
}

// flushBlock writes a logical block to a newly allocated physical block, then
// frees the one it replaces. Blocks that fail are retired and another one is
// tried.
func (d *dataDrive) flushBlock(logical blockcache.LogicalBlock, buffer []byte) error {
	m := d.media

	var block nand.BlockAddress
	for {
		var err error
		block, err = d.allocateBlockLocked()
		if err != nil {
			return err
		}

		usable, err := m.isBlockUsable(block)
		if err != nil {
			return err
		}
		if !usable {
			// Stays marked used so it isn't handed out again.
			continue
		}

		d.sequence++
		err = d.programBlock(block, uint32(logical), d.sequence, buffer)
		if err == nil {
			break
		}
		if !errors.IsWriteFailure(err) {
			_ = m.phymap.Free(block)
			return err
		}
		m.retireBlock(block, err)
	}

	old, hadOld := d.mapping[uint32(logical)]
	d.mapping[uint32(logical)] = blockMapping{block: block, sequence: d.sequence}
	if hadOld {
		d.releaseBlockLocked(old.block)
	}

	m.logger.WithFields(logrus.Fields{
		"drive":   d.tag.String(),
		"logical": uint32(logical),
		"block":   uint32(block),
	}).Debug("wrote logical block")
	return nil
}

func (d *dataDrive) sectorLocation(sector uint32) (blockcache.LogicalBlock, uint, error) {
	geometry := &d.media.geometry
	total := d.logicalBlocks * geometry.PagesPerBlock
	if sector >= total {
		return 0, 0, errors.ErrSectorOutOfRange.WithMessage(
			fmt.Sprintf("sector %d not in [0, %d)", sector, total))
	}
	logical := sector / geometry.PagesPerBlock
	offset := (sector % geometry.PagesPerBlock) * geometry.PageDataSize
	return blockcache.LogicalBlock(logical), uint(offset), nil
}

// trimCacheLocked writes out and drops cached blocks once there are too many.
func (d *dataDrive) trimCacheLocked() error {
	if d.cache.CachedBlocks() <= maxCachedBlocks {
		return nil
	}
	if err := d.cache.Flush(); err != nil {
		return err
	}
	d.cache.EvictClean()
	return nil
}

func (d *dataDrive) ReadSector(sector uint32, buffer []byte) error {
	d.media.lock.Lock()
	defer d.media.lock.Unlock()

	if err := d.checkReady(); err != nil {
		return err
	}
	if err := d.checkBuffer(buffer); err != nil {
		return err
	}
	logical, offset, err := d.sectorLocation(sector)
	if err != nil {
		return err
	}

	if err := d.cache.ReadAt(buffer[:d.media.geometry.PageDataSize], logical, offset); err != nil {
		return err
	}
	return d.trimCacheLocked()
}

func (d *dataDrive) WriteSector(sector uint32, buffer []byte) error {
	d.media.lock.Lock()
	defer d.media.lock.Unlock()

	if err := d.checkWritable(); err != nil {
		return err
	}
	if err := d.checkBuffer(buffer); err != nil {
		return err
	}
	logical, offset, err := d.sectorLocation(sector)
	if err != nil {
		return err
	}

	if err := d.cache.WriteAt(buffer[:d.media.geometry.PageDataSize], logical, offset); err != nil {
		return err
	}
	if err := d.trimCacheLocked(); err != nil {
		return err
	}
	d.postFlush()
	return nil
}

// postFlush schedules the drive's modified blocks to be written out in the
// background.
func (d *dataDrive) postFlush() {
	_, err := d.media.tasks.Post(deferred.Task{
		Type: deferred.TaskFlushDrive,
		Key:  uint64(d.tag),
		Run: func(ctx context.Context) error {
			d.media.lock.Lock()
			defer d.media.lock.Unlock()

			if !d.initialized {
				return nil
			}
			if err := d.cache.Flush(); err != nil {
				return err
			}
			d.cache.EvictClean()
			return nil
		},
	})
	if err != nil {
		d.media.logger.WithField("drive", d.tag.String()).WithError(err).Debug("couldn't schedule flush")
	}
}

// Flush writes every modified block to the NAND.
func (d *dataDrive) Flush() error {
	d.media.lock.Lock()
	defer d.media.lock.Unlock()

	if err := d.checkReady(); err != nil {
		return err
	}
	if err := d.cache.Flush(); err != nil {
		return err
	}
	d.cache.EvictClean()
	return nil
}

// Erase discards the drive's contents, cached or not.
func (d *dataDrive) Erase() error {
	d.media.lock.Lock()
	defer d.media.lock.Unlock()

	if err := d.checkWritable(); err != nil {
		return err
	}

	d.cache = blockcache.New(
		uint(d.media.geometry.BlockDataSize()),
		uint(d.logicalBlocks),
		d.fetchBlock,
		d.flushBlock)
	for logical, entry := range d.mapping {
		d.releaseBlockLocked(entry.block)
		delete(d.mapping, logical)
	}
	return nil
}

// MappedBlock returns the physical block a logical block is stored in. It's
// meant for tools and tests.
func (d *dataDrive) MappedBlock(logical uint32) (nand.BlockAddress, bool) {
	d.media.lock.Lock()
	defer d.media.lock.Unlock()
	entry, ok := d.mapping[logical]
	return entry.block, ok
}

func (d *dataDrive) GetInfo(selector nandmedia.InfoSelector) (any, error) {
	d.media.lock.Lock()
	defer d.media.lock.Unlock()

	switch selector {
	case nandmedia.InfoRecoveryEnabled, nandmedia.InfoIsPrimaryFirmware:
		return false, nil
	}
	return d.getInfoLocked(selector, d.sizeInBytesLocked())
}

func (d *dataDrive) SetInfo(selector nandmedia.InfoSelector, value any) error {
	d.media.lock.Lock()
	defer d.media.lock.Unlock()

	if selector == nandmedia.InfoRecoveryEnabled {
		return errors.ErrNotSupported.WithMessage("recovery only applies to system drives")
	}
	return d.setInfoLocked(selector, value)
}
