package media

import (
	"testing"

	"github.com/dargueta/nandmedia"
	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/nand"
	nt "github.com/dargueta/nandmedia/testing"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrives__CreatedPerRegion(t *testing.T) {
	sim := newScenarioSim(t)
	m, _ := newTestMedia(t, sim)
	allocateAndDiscover(t, m, twoFirmwareTable())

	drives := m.Drives()
	require.Len(t, drives, 4)
	assert.Equal(t, nandmedia.DriveTagBootMaster, drives[0].Tag())
	assert.Equal(t, nandmedia.DriveTypeSystem, drives[0].Type())
	assert.Equal(t, nandmedia.DriveTagBootSecondary, drives[1].Tag())
	assert.Equal(t, nandmedia.DriveTagData, drives[2].Tag())
	assert.Equal(t, nandmedia.DriveTypeData, drives[2].Type())
	assert.Equal(t, nandmedia.DriveTagHidden, drives[3].Tag())
	assert.Equal(t, nandmedia.DriveTypeHidden, drives[3].Type())

	_, err := m.Drive(0x42)
	assertCode(t, err, errors.EINVALIDTAG)
}

func TestDrives__MustBeInitialized(t *testing.T) {
	sim := newScenarioSim(t)
	m, _ := newTestMedia(t, sim)
	allocateAndDiscover(t, m, scenarioTable())

	for _, d := range m.Drives() {
		assertCode(t, d.ReadSector(0, make([]byte, testPageSize)), errors.ENOTINIT)
		require.NoError(t, d.Init())
		assertCode(t, d.Init(), errors.EALREADYINIT)
	}
}

////////////////////////////////////////////////////////////////////////////////
// System drives

func TestSystemDrive__Info(t *testing.T) {
	sim := newScenarioSim(t)
	m, _ := newTestMedia(t, sim)
	allocateAndDiscover(t, m, scenarioTable())
	d := openDrive(t, m, nandmedia.DriveTagBootMaster)

	// 11 good blocks, one of which is held back.
	size, err := d.GetInfo(nandmedia.InfoSizeInSectors)
	require.NoError(t, err)
	assert.EqualValues(t, 10*64, size)

	size, err = d.GetInfo(nandmedia.InfoSizeInBytes)
	require.NoError(t, err)
	assert.EqualValues(t, uint64(10*testBlockSize), size)

	sectorSize, err := d.GetInfo(nandmedia.InfoSectorSize)
	require.NoError(t, err)
	assert.EqualValues(t, testPageSize, sectorSize)

	serial, err := d.GetInfo(nandmedia.InfoSerialNumber)
	require.NoError(t, err)
	assert.NotEmpty(t, serial)

	recovery, err := d.GetInfo(nandmedia.InfoRecoveryEnabled)
	require.NoError(t, err)
	assert.Equal(t, true, recovery)

	_, err = d.GetInfo(nandmedia.InfoSelector(99))
	assertCode(t, err, errors.EINVALIDSELECTOR)
	assertCode(t, d.SetInfo(nandmedia.InfoSizeInBytes, uint64(5)), errors.EINVALIDSELECTOR)
	assertCode(t, d.SetInfo(nandmedia.InfoWriteProtected, "yes"), errors.EINVAL)
}

func TestSystemDrive__WriteReadBack(t *testing.T) {
	sim := newScenarioSim(t)
	m, _ := newTestMedia(t, sim)
	allocateAndDiscover(t, m, scenarioTable())
	d := openDrive(t, m, nandmedia.DriveTagBootMaster)

	for sector := uint32(0); sector < 70; sector++ {
		require.NoError(t, d.WriteSector(sector, sectorPattern(byte(sector))))
	}

	buffer := make([]byte, testPageSize)
	for sector := uint32(0); sector < 70; sector++ {
		require.NoError(t, d.ReadSector(sector, buffer))
		require.Equalf(t, sectorPattern(byte(sector)), buffer, "sector %d", sector)
	}

	assertCode(t, d.ReadSector(10*64, buffer), errors.ESECTORRANGE)
	assertCode(t, d.ReadSector(0, make([]byte, 10)), errors.EINVAL)
}

func TestSystemDrive__WriteProtected(t *testing.T) {
	sim := newScenarioSim(t)
	m, _ := newTestMedia(t, sim)
	allocateAndDiscover(t, m, scenarioTable())
	d := openDrive(t, m, nandmedia.DriveTagBootMaster)

	require.NoError(t, d.SetInfo(nandmedia.InfoWriteProtected, true))
	assertCode(t, d.WriteSector(0, sectorPattern(1)), errors.EWRITEPROTECTED)
	assertCode(t, d.Erase(), errors.EWRITEPROTECTED)

	require.NoError(t, d.SetInfo(nandmedia.InfoWriteProtected, false))
	assert.NoError(t, d.WriteSector(0, sectorPattern(1)))
}

// A block that fails to program is retired and the sectors that were on it
// move to the next good block.
func TestSystemDrive__WriteFailureRetiresBlock(t *testing.T) {
	sim := newScenarioSim(t)
	m, hook := newTestMedia(t, sim)
	allocateAndDiscover(t, m, scenarioTable())
	m.Tasks().Drain()
	d := openDrive(t, m, nandmedia.DriveTagBootMaster)

	sim.FailBlock(14)
	assertCode(t, d.WriteSector(0, sectorPattern(1)), errors.EWRITEFAILED)
	assert.True(t, hasLogEntry(hook, logrus.WarnLevel, "retiring block"))

	marked, err := sim.IsBlockMarkedBad(14)
	require.NoError(t, err)
	assert.True(t, marked)

	region := regionWithTag(t, m, nandmedia.DriveTagBootMaster)
	assert.Equal(t, []nand.BlockAddress{14}, region.BadBlocks())
	assert.Equal(t, 1, m.Tasks().Len(), "a DBBT save should be pending")

	// 10 good blocks now, one held back.
	size, err := d.GetInfo(nandmedia.InfoSizeInSectors)
	require.NoError(t, err)
	assert.EqualValues(t, 9*64, size)

	require.NoError(t, d.WriteSector(0, sectorPattern(2)))
	buffer := make([]byte, testPageSize)
	_, err = sim.ReadPage(m.geometry.Page(15, 0), buffer, nil)
	require.NoError(t, err)
	assert.Equal(t, sectorPattern(2), buffer)

	m.Tasks().Drain()
	rebooted, _ := reboot(t, m, sim)
	assert.Equal(
		t,
		[]nand.BlockAddress{14},
		regionWithTag(t, rebooted, nandmedia.DriveTagBootMaster).BadBlocks())
}

// An unreadable sector of the master firmware is read from the secondary
// copy instead.
func TestSystemDrive__RecoversFromBackup(t *testing.T) {
	sim := newScenarioSim(t)
	m, hook := newTestMedia(t, sim)
	allocateAndDiscover(t, m, twoFirmwareTable())
	master := openDrive(t, m, nandmedia.DriveTagBootMaster)
	secondary := openDrive(t, m, nandmedia.DriveTagBootSecondary)

	for sector := uint32(0); sector < 4; sector++ {
		require.NoError(t, master.WriteSector(sector, sectorPattern(byte(sector))))
		require.NoError(t, secondary.WriteSector(sector, sectorPattern(byte(sector))))
	}
	sim.SetReadStatus(m.geometry.Page(14, 2), nand.ReadUncorrectable)

	buffer := make([]byte, testPageSize)
	require.NoError(t, master.ReadSector(2, buffer))
	assert.Equal(t, sectorPattern(2), buffer)
	assert.True(t, hasLogEntry(hook, logrus.WarnLevel, "recovering unreadable sector from backup drive"))

	require.NoError(t, master.SetInfo(nandmedia.InfoRecoveryEnabled, false))
	assertCode(t, master.ReadSector(2, buffer), errors.EUNCORRECTABLE)
}

func TestSystemDrive__NearThresholdSchedulesRefresh(t *testing.T) {
	sim := newScenarioSim(t)
	m, _ := newTestMedia(t, sim)
	allocateAndDiscover(t, m, scenarioTable())
	m.Tasks().Drain()
	d := openDrive(t, m, nandmedia.DriveTagBootMaster)

	require.NoError(t, d.WriteSector(0, sectorPattern(9)))
	require.NoError(t, d.WriteSector(1, sectorPattern(10)))
	sim.SetReadStatus(m.geometry.Page(14, 1), nand.ReadCorrectedNearThreshold)

	buffer := make([]byte, testPageSize)
	require.NoError(t, d.ReadSector(1, buffer))
	assert.Equal(t, sectorPattern(10), buffer)
	require.Equal(t, 1, m.Tasks().Len())

	erasesBefore := sim.Stats().Erases
	m.Tasks().Drain()
	assert.Equal(t, erasesBefore+1, sim.Stats().Erases, "the block should have been rewritten")

	// The rewrite clears the forced status and keeps the data.
	require.NoError(t, d.ReadSector(0, buffer))
	assert.Equal(t, sectorPattern(9), buffer)
	require.NoError(t, d.ReadSector(1, buffer))
	assert.Equal(t, sectorPattern(10), buffer)
	assert.Equal(t, 0, m.Tasks().Len())
}

func TestSetBootDrive(t *testing.T) {
	sim := newScenarioSim(t)
	m, _ := newTestMedia(t, sim)
	allocateAndDiscover(t, m, twoFirmwareTable())
	master := openDrive(t, m, nandmedia.DriveTagBootMaster)
	secondary := openDrive(t, m, nandmedia.DriveTagBootSecondary)

	isPrimary := func(d nandmedia.LogicalDrive) bool {
		value, err := d.GetInfo(nandmedia.InfoIsPrimaryFirmware)
		require.NoError(t, err)
		return value.(bool)
	}

	require.NoError(t, m.SetBootDrive(nandmedia.DriveTagBootSecondary))
	assert.False(t, isPrimary(master))
	assert.True(t, isPrimary(secondary))

	assertCode(t, m.SetBootDrive(nandmedia.DriveTagData), errors.EINVALIDTAG)

	// The choice is stored in the LDLBs.
	rebooted, _ := reboot(t, m, sim)
	d := openDrive(t, rebooted, nandmedia.DriveTagBootSecondary)
	assert.True(t, isPrimary(d))
}

////////////////////////////////////////////////////////////////////////////////
// Data drives

func TestDataDrive__Size(t *testing.T) {
	sim := newScenarioSim(t)
	m, _ := newTestMedia(t, sim)
	allocateAndDiscover(t, m, scenarioTable())
	d := openDrive(t, m, nandmedia.DriveTagData)

	// 998 blocks, one bad, 20 spares and one for rewrites.
	size, err := d.GetInfo(nandmedia.InfoSizeInBytes)
	require.NoError(t, err)
	assert.EqualValues(t, uint64(976*testBlockSize), size)

	recovery, err := d.GetInfo(nandmedia.InfoRecoveryEnabled)
	require.NoError(t, err)
	assert.Equal(t, false, recovery)
	assertCode(t, d.SetInfo(nandmedia.InfoRecoveryEnabled, true), errors.ENOTSUP)
}

func TestDataDrive__UnwrittenSectorsReadErased(t *testing.T) {
	sim := newScenarioSim(t)
	m, _ := newTestMedia(t, sim)
	allocateAndDiscover(t, m, scenarioTable())
	d := openDrive(t, m, nandmedia.DriveTagData)

	buffer := make([]byte, testPageSize)
	require.NoError(t, d.ReadSector(12345, buffer))
	assert.Equal(t, erasedSector(), buffer)
	assertCode(t, d.ReadSector(976*64, buffer), errors.ESECTORRANGE)
}

func TestDataDrive__WriteSurvivesReboot(t *testing.T) {
	sim := newScenarioSim(t)
	m, _ := newTestMedia(t, sim)
	allocateAndDiscover(t, m, scenarioTable())
	d := openDrive(t, m, nandmedia.DriveTagData)

	sectors := []uint32{0, 1, 63, 64, 3*64 + 5, 975*64 + 63}
	for i, sector := range sectors {
		require.NoError(t, d.WriteSector(sector, sectorPattern(byte(i+1))))
	}
	require.NoError(t, d.Flush())

	data := d.(*dataDrive)
	first, ok := data.MappedBlock(0)
	require.True(t, ok)
	assert.Equal(t, nand.BlockAddress(26), first, "the first allocation takes the first free block")
	_, ok = data.MappedBlock(2)
	assert.False(t, ok, "untouched logical blocks aren't mapped")

	m.Tasks().Drain()
	rebooted, _ := reboot(t, m, nt.ReloadSimulator(t, sim))
	d = openDrive(t, rebooted, nandmedia.DriveTagData)

	buffer := make([]byte, testPageSize)
	for i, sector := range sectors {
		require.NoError(t, d.ReadSector(sector, buffer))
		assert.Equalf(t, sectorPattern(byte(i+1)), buffer, "sector %d", sector)
	}
	require.NoError(t, d.ReadSector(2*64, buffer))
	assert.Equal(t, erasedSector(), buffer)
}

// Rewriting a logical block moves it to a new physical block and frees the
// old one.
func TestDataDrive__RewriteMovesBlock(t *testing.T) {
	sim := newScenarioSim(t)
	m, _ := newTestMedia(t, sim)
	allocateAndDiscover(t, m, scenarioTable())
	d := openDrive(t, m, nandmedia.DriveTagData)
	data := d.(*dataDrive)

	require.NoError(t, d.WriteSector(5, sectorPattern(1)))
	require.NoError(t, d.Flush())
	old, ok := data.MappedBlock(0)
	require.True(t, ok)

	require.NoError(t, d.WriteSector(6, sectorPattern(2)))
	require.NoError(t, d.Flush())
	moved, ok := data.MappedBlock(0)
	require.True(t, ok)
	assert.NotEqual(t, old, moved)

	m.lock.Lock()
	assert.True(t, m.phymap.IsFree(old), "the old copy should be free again")
	assert.False(t, m.phymap.IsFree(moved))
	m.lock.Unlock()

	buffer := make([]byte, testPageSize)
	require.NoError(t, d.ReadSector(5, buffer))
	assert.Equal(t, sectorPattern(1), buffer)
	require.NoError(t, d.ReadSector(6, buffer))
	assert.Equal(t, sectorPattern(2), buffer)
}

// A stale copy left behind by an interrupted rewrite loses to the newer one
// when the mapping is rebuilt.
func TestDataDrive__ScanPrefersNewestCopy(t *testing.T) {
	sim := newScenarioSim(t)
	m, _ := newTestMedia(t, sim)
	allocateAndDiscover(t, m, scenarioTable())
	m.Tasks().Drain()
	d := openDrive(t, m, nandmedia.DriveTagData)
	data := d.(*dataDrive)

	require.NoError(t, d.WriteSector(0, sectorPattern(1)))
	require.NoError(t, d.Flush())
	oldBlock, _ := data.MappedBlock(0)

	// Keep a copy of the old block's first page, metadata included.
	oldData := make([]byte, testPageSize)
	oldAux := make([]byte, 16)
	_, err := sim.ReadPage(m.geometry.Page(oldBlock, 0), oldData, oldAux)
	require.NoError(t, err)

	require.NoError(t, d.WriteSector(0, sectorPattern(2)))
	require.NoError(t, d.Flush())

	// Put the stale copy back where the mapper erased it.
	require.NoError(t, sim.WritePage(m.geometry.Page(oldBlock, 0), oldData, oldAux))

	rebooted, _ := reboot(t, m, sim)
	d = openDrive(t, rebooted, nandmedia.DriveTagData)
	buffer := make([]byte, testPageSize)
	require.NoError(t, d.ReadSector(0, buffer))
	assert.Equal(t, sectorPattern(2), buffer)

	rebooted.lock.Lock()
	assert.True(t, rebooted.phymap.IsFree(oldBlock), "the stale copy should have been released")
	rebooted.lock.Unlock()
}

func TestDataDrive__WriteFailureRetiresBlock(t *testing.T) {
	sim := newScenarioSim(t)
	m, hook := newTestMedia(t, sim)
	allocateAndDiscover(t, m, scenarioTable())
	m.Tasks().Drain()
	d := openDrive(t, m, nandmedia.DriveTagData)
	data := d.(*dataDrive)

	sim.FailBlock(26)
	require.NoError(t, d.WriteSector(0, sectorPattern(7)))
	require.NoError(t, d.Flush())

	block, ok := data.MappedBlock(0)
	require.True(t, ok)
	assert.Equal(t, nand.BlockAddress(27), block)
	assert.True(t, hasLogEntry(hook, logrus.WarnLevel, "retiring block"))

	marked, err := sim.IsBlockMarkedBad(26)
	require.NoError(t, err)
	assert.True(t, marked)
	assert.EqualValues(t, 2, regionWithTag(t, m, nandmedia.DriveTagData).BadBlockCount())

	buffer := make([]byte, testPageSize)
	require.NoError(t, d.ReadSector(0, buffer))
	assert.Equal(t, sectorPattern(7), buffer)
}

func TestDataDrive__EraseDropsEverything(t *testing.T) {
	sim := newScenarioSim(t)
	m, _ := newTestMedia(t, sim)
	allocateAndDiscover(t, m, scenarioTable())
	d := openDrive(t, m, nandmedia.DriveTagData)
	data := d.(*dataDrive)

	require.NoError(t, d.WriteSector(64, sectorPattern(3)))
	require.NoError(t, d.Flush())
	require.NoError(t, d.WriteSector(0, sectorPattern(4)))

	require.NoError(t, d.Erase())
	_, ok := data.MappedBlock(1)
	assert.False(t, ok)

	buffer := make([]byte, testPageSize)
	require.NoError(t, d.ReadSector(0, buffer))
	assert.Equal(t, erasedSector(), buffer)
	require.NoError(t, d.ReadSector(64, buffer))
	assert.Equal(t, erasedSector(), buffer)
}

// Writes are flushed by the background task without an explicit Flush.
func TestDataDrive__FlushTask(t *testing.T) {
	sim := newScenarioSim(t)
	m, _ := newTestMedia(t, sim)
	allocateAndDiscover(t, m, scenarioTable())
	m.Tasks().Drain()
	d := openDrive(t, m, nandmedia.DriveTagData)
	data := d.(*dataDrive)

	require.NoError(t, d.WriteSector(0, sectorPattern(5)))
	require.NoError(t, d.WriteSector(1, sectorPattern(6)))
	assert.Equal(t, 1, m.Tasks().Len(), "one flush covers both writes")
	_, ok := data.MappedBlock(0)
	assert.False(t, ok)

	m.Tasks().Drain()
	_, ok = data.MappedBlock(0)
	assert.True(t, ok)
}

// Shutting a drive down runs its queued flush instead of leaving it to find
// the cache gone.
func TestDataDrive__ShutdownRunsPendingFlush(t *testing.T) {
	sim := newScenarioSim(t)
	m, _ := newTestMedia(t, sim)
	allocateAndDiscover(t, m, scenarioTable())
	m.Tasks().Drain()
	d := openDrive(t, m, nandmedia.DriveTagData)

	require.NoError(t, d.WriteSector(3, sectorPattern(8)))
	require.Equal(t, 1, m.Tasks().Len())
	require.NoError(t, d.Shutdown())
	assert.Equal(t, 0, m.Tasks().Len())

	rebooted, _ := reboot(t, m, sim)
	buffer := make([]byte, testPageSize)
	require.NoError(t, openDrive(t, rebooted, nandmedia.DriveTagData).ReadSector(3, buffer))
	assert.Equal(t, sectorPattern(8), buffer)
}

func TestDrives__WriteProtectedFlag(t *testing.T) {
	sim := newScenarioSim(t)
	m, _ := newTestMedia(t, sim)

	table := twoFirmwareTable()
	table[2].Flags = nandmedia.FlagWriteProtected
	allocateAndDiscover(t, m, table)

	hidden := openDrive(t, m, nandmedia.DriveTagHidden)
	assertCode(t, hidden.WriteSector(0, sectorPattern(1)), errors.EWRITEPROTECTED)

	mediaTable, err := m.GetMediaTable()
	require.NoError(t, err)
	for _, entry := range mediaTable {
		if entry.Tag == nandmedia.DriveTagHidden {
			assert.EqualValues(t, nandmedia.FlagWriteProtected, entry.Flags)
		} else {
			assert.EqualValues(t, 0, entry.Flags)
		}
	}
}
