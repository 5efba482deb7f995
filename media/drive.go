package media

import (
	"fmt"

	"github.com/dargueta/nandmedia"
	"github.com/dargueta/nandmedia/errors"
	"github.com/hashicorp/go-multierror"
)

var (
	_ nandmedia.LogicalMedia = (*Media)(nil)
	_ drive                  = (*systemDrive)(nil)
	_ drive                  = (*dataDrive)(nil)
)

// drive is what the media needs from each of its drives on top of the public
// interface. Methods ending in Locked expect the media lock to be held.
type drive interface {
	nandmedia.LogicalDrive
	regionIndices() []int
	sizeInBytesLocked() uint64
	shutdownLocked() error
}

// baseDrive holds what system and data drives have in common.
type baseDrive struct {
	media          *Media
	tag            nandmedia.DriveTag
	driveType      nandmedia.DriveType
	regions        []int
	initialized    bool
	writeProtected bool
}

func (d *baseDrive) Tag() nandmedia.DriveTag {
	return d.tag
}

func (d *baseDrive) Type() nandmedia.DriveType {
	return d.driveType
}

func (d *baseDrive) regionIndices() []int {
	return d.regions
}

func (d *baseDrive) checkReady() error {
	if !d.initialized {
		return errors.ErrNotInitialized.WithMessage(fmt.Sprintf("drive %s", d.tag))
	}
	return nil
}

func (d *baseDrive) checkWritable() error {
	if err := d.checkReady(); err != nil {
		return err
	}
	if d.writeProtected {
		return errors.ErrWriteProtected.WithMessage(fmt.Sprintf("drive %s", d.tag))
	}
	return nil
}

func (d *baseDrive) checkBuffer(buffer []byte) error {
	if uint32(len(buffer)) < d.media.geometry.PageDataSize {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"sector buffer must be at least %d bytes, got %d",
				d.media.geometry.PageDataSize,
				len(buffer)))
	}
	return nil
}

// badBlockCountLocked sums the bad blocks of the drive's regions.
func (d *baseDrive) badBlockCountLocked() uint32 {
	total := uint32(0)
	for _, index := range d.regions {
		total += d.media.regions[index].BadBlockCount()
	}
	return total
}

// totalBlocksLocked sums the sizes of the drive's regions.
func (d *baseDrive) totalBlocksLocked() uint32 {
	total := uint32(0)
	for _, index := range d.regions {
		total += d.media.regions[index].BlockCount
	}
	return total
}

// getInfoLocked answers the selectors every kind of drive handles the same
// way. `size` is the usable size in bytes.
func (d *baseDrive) getInfoLocked(selector nandmedia.InfoSelector, size uint64) (any, error) {
	geometry := &d.media.geometry
	switch selector {
	case nandmedia.InfoSectorSize:
		return geometry.PageDataSize, nil
	case nandmedia.InfoEraseSize:
		return uint32(geometry.BlockDataSize()), nil
	case nandmedia.InfoSizeInBytes:
		return size, nil
	case nandmedia.InfoSizeInSectors:
		return uint32(size / uint64(geometry.PageDataSize)), nil
	case nandmedia.InfoWriteProtected:
		return d.writeProtected, nil
	case nandmedia.InfoTag:
		return d.tag, nil
	case nandmedia.InfoType:
		return d.driveType, nil
	case nandmedia.InfoSerialNumber:
		return d.media.nand.ReadID()
	case nandmedia.InfoBadBlockCount:
		return d.badBlockCountLocked(), nil
	}
	return nil, errors.ErrInvalidSelector.WithMessage(fmt.Sprintf("selector %d", selector))
}

func (d *baseDrive) setInfoLocked(selector nandmedia.InfoSelector, value any) error {
	if selector != nandmedia.InfoWriteProtected {
		return errors.ErrInvalidSelector.WithMessage(
			fmt.Sprintf("selector %d can't be set on drive %s", selector, d.tag))
	}
	protect, ok := value.(bool)
	if !ok {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("write protection must be a bool, got %T", value))
	}
	d.writeProtected = protect
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Media-level drive management

// createDrives makes a drive for each system region and one for each group of
// data regions sharing a tag. Boot regions get no drive.
func (m *Media) createDrives() {
	m.drives = nil
	for i := range m.regions {
		region := &m.regions[i]
		switch region.Kind {
		case RegionSystem:
			system := newSystemDrive(m, i)
			system.writeProtected = m.protectedTags[region.Tag]
			m.drives = append(m.drives, system)
		case RegionData:
			merged := false
			for _, existing := range m.drives {
				data, ok := existing.(*dataDrive)
				if ok && data.tag == region.Tag && data.driveType == region.DriveType {
					data.regions = append(data.regions, i)
					merged = true
					break
				}
			}
			if !merged {
				_, wasKept := m.keptRegion(region.Tag)
				needsScan := !m.phymapIsFresh || (region.DriveType == nandmedia.DriveTypeHidden && wasKept)
				data := newDataDrive(m, i, needsScan)
				data.writeProtected = m.protectedTags[region.Tag]
				m.drives = append(m.drives, data)
			}
		}
	}
}

func (m *Media) shutdownDrivesLocked() error {
	var result error
	for _, d := range m.drives {
		if err := d.shutdownLocked(); err != nil {
			result = multierror.Append(result, fmt.Errorf("drive %s: %w", d.Tag(), err))
		}
	}
	return result
}

func (m *Media) driveByTag(tag nandmedia.DriveTag) (drive, error) {
	for _, d := range m.drives {
		if d.Tag() == tag {
			return d, nil
		}
	}
	return nil, errors.ErrInvalidTag.WithMessage(fmt.Sprintf("no drive with tag %s", tag))
}

// Drive returns the drive with the given tag.
func (m *Media) Drive(tag nandmedia.DriveTag) (nandmedia.LogicalDrive, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.checkInitialized(); err != nil {
		return nil, err
	}
	return m.driveByTag(tag)
}

// Drives returns every drive, in region order.
func (m *Media) Drives() []nandmedia.LogicalDrive {
	m.lock.Lock()
	defer m.lock.Unlock()

	drives := make([]nandmedia.LogicalDrive, len(m.drives))
	for i, d := range m.drives {
		drives[i] = d
	}
	return drives
}

// GetMediaTable describes the drives the way they'd be requested from
// [Media.Allocate], with the sizes they actually ended up with.
func (m *Media) GetMediaTable() ([]nandmedia.AllocationEntry, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.checkInitialized(); err != nil {
		return nil, err
	}
	if m.state != nandmedia.MediaStateAllocated || m.drives == nil {
		return nil, errors.ErrMediaState.WithMessage("the media hasn't been discovered")
	}

	table := make([]nandmedia.AllocationEntry, len(m.drives))
	for i, d := range m.drives {
		flags := uint32(0)
		if m.protectedTags[d.Tag()] {
			flags |= nandmedia.FlagWriteProtected
		}
		table[i] = nandmedia.AllocationEntry{
			DriveIndex:  uint32(i),
			Type:        d.Type(),
			Tag:         d.Tag(),
			SizeInBytes: d.sizeInBytesLocked(),
			Flags:       flags,
		}
	}
	return table, nil
}

// SetBootDrive points the LDLB's primary firmware at the system drive with the
// given tag and rewrites both LDLB copies.
func (m *Media) SetBootDrive(tag nandmedia.DriveTag) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.checkInitialized(); err != nil {
		return err
	}
	if m.state != nandmedia.MediaStateAllocated {
		return errors.ErrMediaState.WithMessage("the media isn't allocated")
	}
	index := m.systemRegionByTag(tag)
	if index < 0 {
		return errors.ErrInvalidTag.WithMessage(fmt.Sprintf("no system drive with tag %s", tag))
	}

	m.ldlbInfo.Primary = m.firmwarePointer(&m.regions[index])
	if err := m.writeLDLBs(); err != nil {
		return err
	}
	m.logger.WithField("tag", tag.String()).Info("set boot drive")
	return nil
}

// isPrimaryFirmware reports whether the LDLB's primary pointer refers to a
// region.
func (m *Media) isPrimaryFirmware(regionIndex int) bool {
	region := &m.regions[regionIndex]
	pointer := m.ldlbInfo.Primary
	return pointer.SectorCount != 0 &&
		pointer.Chip == region.Chip &&
		pointer.StartSector == m.geometry.RelativeBlock(region.Start)*m.geometry.PagesPerBlock
}
