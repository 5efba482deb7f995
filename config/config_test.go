package config_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dargueta/nandmedia"
	"github.com/dargueta/nandmedia/config"
	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/media"
	"github.com/dargueta/nandmedia/nand"
	"github.com/dargueta/nandmedia/nand/nandsim"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const deviceYAML = `
geometry: slc-1g-2k
chips: 1
factoryBadBlocks: [5, 6, 500]
media:
  bootBlockSearchNumber: 2
allocation:
  - index: 0
    type: system
    tag: 0x70
    size: 1310720
  - index: 1
    type: data
    tag: 0
  - index: 2
    type: hidden
    tag: 0x0a
    size: 262144
    flags: 2
`

const tableCSV = `index,type,tag,size,flags
0,system,0x70,1310720,0
1,system,0x60,1310720,0
2,data,0x00,0,0
`

func TestParse(t *testing.T) {
	device, err := config.Parse([]byte(deviceYAML), "")
	require.NoError(t, err)

	assert.Equal(t, []nand.BlockAddress{5, 6, 500}, device.FactoryBadBlocks)
	assert.EqualValues(t, 2, device.Media.BootBlockSearchNumber)
	require.Len(t, device.Allocation, 3)
	assert.Equal(
		t,
		nandmedia.AllocationEntry{
			DriveIndex:  0,
			Type:        nandmedia.DriveTypeSystem,
			Tag:         nandmedia.DriveTagBootMaster,
			SizeInBytes: 10 * 64 * 2048,
		},
		device.Allocation[0])
	assert.Equal(t, nandmedia.DriveTypeData, device.Allocation[1].Type)
	assert.Equal(t, nandmedia.DriveTagHidden, device.Allocation[2].Tag)
	assert.EqualValues(t, nandmedia.FlagWriteProtected, device.Allocation[2].Flags)

	geometry, err := device.NandGeometry()
	require.NoError(t, err)
	assert.EqualValues(t, 1, geometry.ChipCount)
	assert.EqualValues(t, 1024, geometry.BlocksPerChip)

	size, err := device.ImageSize()
	require.NoError(t, err)
	assert.EqualValues(t, (2048+16)*1024*64, size)
}

func TestParse__CustomGeometry(t *testing.T) {
	data := `
chips: 2
customGeometry:
  name: Tiny
  slug: tiny
  blocksPerChip: 128
  pagesPerBlock: 32
  pageDataSize: 2048
  pageMetadataSize: 16
  diesPerChip: 1
  planesPerDie: 1
`
	device, err := config.Parse([]byte(data), "")
	require.NoError(t, err)

	geometry, err := device.NandGeometry()
	require.NoError(t, err)
	assert.EqualValues(t, 2, geometry.ChipCount)
	assert.EqualValues(t, 128*2, geometry.TotalBlocks())
	assert.Empty(t, device.Allocation)
}

func TestParse__Errors(t *testing.T) {
	cases := map[string]string{
		"unknown part":      "geometry: no-such-part\n",
		"no geometry":       "chips: 1\n",
		"unknown field":     "geometry: slc-1g-2k\nblocks: 3\n",
		"bad block too far": "geometry: slc-1g-2k\nfactoryBadBlocks: [1024]\n",
		"bad drive type":    "geometry: slc-1g-2k\nallocation:\n  - type: floppy\n",
		"duplicate index": "geometry: slc-1g-2k\nallocation:\n" +
			"  - {index: 1, type: data}\n  - {index: 1, type: system, tag: 0x70}\n",
		"too many chips": "geometry: slc-1g-2k\nchips: 9\n",
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Parse([]byte(data), "")
			require.Error(t, err)
			assert.Equal(t, errors.EINVAL, errors.CodeOf(err))
		})
	}
}

func TestLoad__AllocationFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "table.csv"), []byte(tableCSV), 0o644))
	require.NoError(
		t,
		os.WriteFile(
			filepath.Join(dir, "device.yaml"),
			[]byte("geometry: slc-1g-2k\nallocationFile: table.csv\n"),
			0o644))

	device, err := config.Load(filepath.Join(dir, "device.yaml"))
	require.NoError(t, err)
	require.Len(t, device.Allocation, 3)
	assert.Equal(t, nandmedia.DriveTagBootSecondary, device.Allocation[1].Tag)
	assert.Equal(t, nandmedia.DriveTypeData, device.Allocation[2].Type)
}

func TestLoad__MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Equal(t, errors.EIO, errors.CodeOf(err))
}

func TestAllocationTable__RoundTrip(t *testing.T) {
	table, err := config.LoadAllocationTable(strings.NewReader(tableCSV))
	require.NoError(t, err)
	require.Len(t, table, 3)

	var buffer bytes.Buffer
	require.NoError(t, config.WriteAllocationTable(&buffer, table))

	reread, err := config.LoadAllocationTable(&buffer)
	require.NoError(t, err)
	assert.Equal(t, table, reread)
}

func TestAllocationTable__BadTag(t *testing.T) {
	_, err := config.LoadAllocationTable(
		strings.NewReader("index,type,tag,size,flags\n0,data,zero,0,0\n"))
	assert.Equal(t, errors.EINVAL, errors.CodeOf(err))
}

// A device description is enough to bring up a media and allocate it.
func TestDevice__DrivesAMedia(t *testing.T) {
	device, err := config.Parse([]byte(deviceYAML), "")
	require.NoError(t, err)

	options, err := device.SimulatorOptions(nil, false)
	require.NoError(t, err)
	sim, err := nandsim.New(options)
	require.NoError(t, err)

	logger, _ := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	mediaConfig := device.MediaConfig(logger, sim.BootState())
	mediaConfig.ManualTasks = true

	m := media.New(sim, mediaConfig)
	require.NoError(t, m.Init(context.Background()))
	defer m.Shutdown()

	require.NoError(t, m.Erase(nandmedia.EraseMagic, false))
	require.NoError(t, m.Allocate(device.Allocation))
	require.NoError(t, m.Discover())

	hidden, err := m.Drive(nandmedia.DriveTagHidden)
	require.NoError(t, err)
	protected, err := hidden.GetInfo(nandmedia.InfoWriteProtected)
	require.NoError(t, err)
	assert.Equal(t, true, protected)
}
