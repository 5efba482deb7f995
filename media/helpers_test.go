package media

import (
	"bytes"
	"context"
	"testing"

	"github.com/dargueta/nandmedia"
	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/nand"
	"github.com/dargueta/nandmedia/nand/nandsim"
	nt "github.com/dargueta/nandmedia/testing"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPageSize  = 2048
	testBlockSize = 64 * testPageSize
)

var scenarioBadBlocks = []nand.BlockAddress{5, 6, 500}

// newTestMedia creates an initialized media over `sim` that only runs deferred
// tasks when the test drains the queue.
func newTestMedia(t *testing.T, sim *nandsim.Simulator) (*Media, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	m := New(sim, Config{
		BootBlockSearchNumber: 2,
		ManualTasks:           true,
		BootState:             sim.BootState(),
		Logger:                logger,
	})
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(func() {
		_ = m.Shutdown()
	})
	return m, hook
}

func newScenarioSim(t *testing.T) *nandsim.Simulator {
	return nt.NewSimulator(t, nt.ScenarioGeometry(t), scenarioBadBlocks...)
}

// scenarioTable is one 10-block firmware drive and a data drive.
func scenarioTable() []nandmedia.AllocationEntry {
	return []nandmedia.AllocationEntry{
		{
			DriveIndex:  0,
			Type:        nandmedia.DriveTypeSystem,
			Tag:         nandmedia.DriveTagBootMaster,
			SizeInBytes: 10 * testBlockSize,
		},
		{
			DriveIndex: 1,
			Type:       nandmedia.DriveTypeData,
			Tag:        nandmedia.DriveTagData,
		},
	}
}

// twoFirmwareTable adds a backup firmware drive and a 4-block hidden drive to
// the scenario table.
func twoFirmwareTable() []nandmedia.AllocationEntry {
	return []nandmedia.AllocationEntry{
		{
			DriveIndex:  0,
			Type:        nandmedia.DriveTypeSystem,
			Tag:         nandmedia.DriveTagBootMaster,
			SizeInBytes: 10 * testBlockSize,
		},
		{
			DriveIndex:  1,
			Type:        nandmedia.DriveTypeSystem,
			Tag:         nandmedia.DriveTagBootSecondary,
			SizeInBytes: 10 * testBlockSize,
		},
		{
			DriveIndex:  2,
			Type:        nandmedia.DriveTypeHidden,
			SizeInBytes: 4 * testBlockSize,
		},
		{
			DriveIndex: 3,
			Type:       nandmedia.DriveTypeData,
			Tag:        nandmedia.DriveTagData,
		},
	}
}

// allocateAndDiscover erases, allocates and discovers the media.
func allocateAndDiscover(t *testing.T, m *Media, table []nandmedia.AllocationEntry) {
	require.NoError(t, m.Erase(nandmedia.EraseMagic, false))
	require.NoError(t, m.Allocate(table))
	require.NoError(t, m.Discover())
}

// reboot shuts down `m` and discovers the same NAND with a new media.
func reboot(t *testing.T, m *Media, sim *nandsim.Simulator) (*Media, *logtest.Hook) {
	require.NoError(t, m.Shutdown())
	rebooted, hook := newTestMedia(t, sim)
	require.NoError(t, rebooted.Discover())
	return rebooted, hook
}

func openDrive(t *testing.T, m *Media, tag nandmedia.DriveTag) nandmedia.LogicalDrive {
	d, err := m.Drive(tag)
	require.NoError(t, err)
	require.NoError(t, d.Init())
	return d
}

func sectorPattern(seed byte) []byte {
	buffer := make([]byte, testPageSize)
	for i := range buffer {
		buffer[i] = seed ^ byte(i*7)
	}
	return buffer
}

func erasedSector() []byte {
	return bytes.Repeat([]byte{0xff}, testPageSize)
}

func regionWithTag(t *testing.T, m *Media, tag nandmedia.DriveTag) *Region {
	regions := m.Regions()
	for i := range regions {
		if regions[i].Tag == tag {
			return &regions[i]
		}
	}
	require.Failf(t, "region not found", "no region with tag %s", tag)
	return nil
}

func assertCode(t *testing.T, err error, code errors.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equalf(
		t,
		code,
		errors.CodeOf(err),
		"expected %s, got: %s",
		errors.StrError(code),
		err.Error())
}

func hasLogEntry(hook *logtest.Hook, level logrus.Level, message string) bool {
	for _, entry := range hook.AllEntries() {
		if entry.Level == level && entry.Message == message {
			return true
		}
	}
	return false
}
