package testing

import (
	"bytes"
	"io"
	"testing"

	"github.com/dargueta/nandmedia/nand"
	"github.com/dargueta/nandmedia/nand/nandsim"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// ScenarioGeometry is a single 1 Gbit SLC chip: 1024 blocks of 64 pages of
// 2 KiB, two planes, 2% bad blocks.
func ScenarioGeometry(t *testing.T) nand.Geometry {
	geometry, err := nand.GetPredefinedGeometry("slc-1g-2k", 1)
	require.NoError(t, err)
	return geometry
}

// NewSimulator creates an in-memory simulator with the given factory bad
// blocks, failing the test if that isn't possible.
func NewSimulator(
	t *testing.T, geometry nand.Geometry, badBlocks ...nand.BlockAddress,
) *nandsim.Simulator {
	sim, err := nandsim.New(nandsim.Options{
		Geometry:         geometry,
		FactoryBadBlocks: badBlocks,
	})
	require.NoError(t, err)
	return sim
}

// NewStreamSimulator creates a simulator backed by a blank byte slice, the way
// an image file is used. The slice is returned so tests can look at the raw
// image.
func NewStreamSimulator(
	t *testing.T, geometry nand.Geometry, badBlocks ...nand.BlockAddress,
) (*nandsim.Simulator, []byte) {
	stride := uint64(geometry.PageDataSize + geometry.PageMetadataSize)
	image := make([]byte, stride*uint64(geometry.TotalPages()))

	sim, err := nandsim.New(nandsim.Options{
		Geometry:         geometry,
		FactoryBadBlocks: badBlocks,
		Stream:           bytesextra.NewReadWriteSeeker(image),
		Blank:            true,
	})
	require.NoError(t, err)
	return sim, image
}

// ReloadSimulator exports a simulator's contents and imports them into a new
// one, the way a device is power cycled. Injected failures don't survive.
func ReloadSimulator(t *testing.T, sim *nandsim.Simulator) *nandsim.Simulator {
	var snapshot bytes.Buffer
	require.NoError(t, sim.Export(&snapshot))
	require.Greater(t, snapshot.Len(), 0, "snapshot is empty")

	reloaded, err := nandsim.Import(&snapshot, nil)
	require.NoError(t, err)
	return reloaded
}

// LoadNandImage imports a compressed snapshot into a stream the size of the
// uncompressed array, returning the simulator and the stream.
func LoadNandImage(t *testing.T, snapshot []byte, geometry nand.Geometry) (*nandsim.Simulator, io.ReadWriteSeeker) {
	require.Greater(t, len(snapshot), 0, "snapshot is empty")

	stride := uint64(geometry.PageDataSize + geometry.PageMetadataSize)
	stream := bytesextra.NewReadWriteSeeker(make([]byte, stride*uint64(geometry.TotalPages())))

	sim, err := nandsim.Import(bytes.NewReader(snapshot), stream)
	require.NoError(t, err)
	require.Equal(t, geometry.TotalPages(), sim.Geometry().TotalPages(), "snapshot has wrong geometry")
	return sim, stream
}
