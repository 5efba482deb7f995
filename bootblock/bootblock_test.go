package bootblock_test

import (
	"encoding/binary"
	"testing"

	"github.com/dargueta/nandmedia/bootblock"
	"github.com/dargueta/nandmedia/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 2048

func TestFingerprintsAreDistinct(t *testing.T) {
	kinds := []bootblock.Kind{
		bootblock.KindNCB,
		bootblock.KindLDLB,
		bootblock.KindDBBT,
		bootblock.KindBBRC,
		bootblock.KindConfig,
	}
	seen := map[bootblock.Fingerprint]bootblock.Kind{}
	for _, kind := range kinds {
		fp := kind.Fingerprint()
		other, exists := seen[fp]
		assert.Falsef(t, exists, "%s and %s share a fingerprint", kind, other)
		seen[fp] = kind
	}
}

func TestNCBFingerprintIsASCII(t *testing.T) {
	page := make([]byte, testPageSize)
	require.NoError(t, bootblock.EncodeNCB(page, bootblock.NCB{}))
	assert.Equal(t, "STMP", string(page[0:4]))
	assert.Equal(t, "NCB ", string(page[4:8]))
	assert.True(t, bootblock.KindNCB.Fingerprint().Matches(page))
	assert.False(t, bootblock.KindLDLB.Fingerprint().Matches(page))
}

func TestBlankPageMatchesNothing(t *testing.T) {
	page := make([]byte, testPageSize)
	for i := range page {
		page[i] = 0xff
	}
	assert.False(t, bootblock.KindNCB.Fingerprint().Matches(page))
	assert.False(t, bootblock.KindConfig.Fingerprint().Matches(page))
	assert.False(t, bootblock.KindNCB.Fingerprint().Matches(page[:100]))
}

func TestNCBRoundTrip(t *testing.T) {
	ncb := bootblock.NCB{
		Timing: bootblock.NandTiming{
			DataSetup:      20,
			DataHold:       10,
			AddressSetup:   15,
			DataSampleTime: 6,
		},
		DataPageSize:        2048,
		TotalPageSize:       2112,
		PagesPerBlock:       64,
		NumberOfChips:       2,
		BlocksPerChip:       1024,
		ColumnAddressCycles: 2,
		RowAddressCycles:    3,
		EccType:             4,
		MetadataBytes:       16,
	}
	page := make([]byte, testPageSize)
	require.NoError(t, bootblock.EncodeNCB(page, ncb))

	decoded, err := bootblock.DecodeNCB(page)
	require.NoError(t, err)
	assert.Equal(t, ncb, decoded)

	major, minor := bootblock.Version(page)
	assert.EqualValues(t, bootblock.BootBlockVersionMajor, major)
	assert.EqualValues(t, bootblock.BootBlockVersionMinor, minor)
}

func TestDecodeWrongKindFails(t *testing.T) {
	page := make([]byte, testPageSize)
	require.NoError(t, bootblock.EncodeLDLB(page, bootblock.LDLB{}))

	_, err := bootblock.DecodeNCB(page)
	assert.ErrorIs(t, err, errors.ErrBadCookie)
}

func TestEncodeRejectsShortPage(t *testing.T) {
	err := bootblock.EncodeNCB(make([]byte, 512), bootblock.NCB{})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestLDLBRoundTrip(t *testing.T) {
	ldlb := bootblock.LDLB{
		VersionMajor: bootblock.LDLBVersionMajor,
		VersionMinor: bootblock.LDLBVersionMinor,
		ChipBitmap:   0x3,
		Primary: bootblock.FirmwarePointer{
			Chip: 0, StartSector: 2048, SectorCount: 300,
		},
		Secondary: bootblock.FirmwarePointer{
			Chip: 1, StartSector: 640, SectorCount: 300,
		},
		FirmwareSectorStride: 0,
		DbbtSearch: [2]bootblock.SectorAddress{
			{Chip: 0, Sector: 512},
			{Chip: 1, Sector: 512},
		},
	}
	page := make([]byte, testPageSize)
	require.NoError(t, bootblock.EncodeLDLB(page, ldlb))

	decoded, err := bootblock.DecodeLDLB(page)
	require.NoError(t, err)
	assert.Equal(t, ldlb, decoded)
}

func TestDBBTLayoutRoundTrip(t *testing.T) {
	layout := bootblock.DBBTLayout{
		NumberBB:      [bootblock.MaxChips]uint32{3, 0, 7, 1},
		NumberPagesBB: [bootblock.MaxChips]uint32{1, 0, 1, 1},
	}
	page := make([]byte, testPageSize)
	require.NoError(t, bootblock.EncodeDBBTLayout(page, layout))

	decoded, err := bootblock.DecodeDBBTLayout(page)
	require.NoError(t, err)
	assert.Equal(t, layout, decoded)
}

func TestBBRCRoundTrip(t *testing.T) {
	page := make([]byte, testPageSize)
	counts := []uint32{0, 2, 0, 5}
	require.NoError(t, bootblock.EncodeBBRC(page, counts))

	decoded, err := bootblock.DecodeBBRC(page)
	require.NoError(t, err)
	assert.Equal(t, counts, decoded)

	// A BBRC page isn't a DBBT.
	_, err = bootblock.DecodeDBBTLayout(page)
	assert.Error(t, err)
}

func TestBBRCTooManyRegions(t *testing.T) {
	page := make([]byte, testPageSize)
	err := bootblock.EncodeBBRC(page, make([]uint32, bootblock.MaxBbrcEntries+1))
	assert.ErrorIs(t, err, errors.ErrRegionTableFull)
}

func TestConfigStampIsConfigKind(t *testing.T) {
	page := make([]byte, testPageSize)
	require.NoError(t, bootblock.EncodeConfigStamp(page))
	assert.True(t, bootblock.KindConfig.Fingerprint().Matches(page))
}

func TestLocationPacking(t *testing.T) {
	location := bootblock.Location{Chip: 3, Block: 0x0abcdef, State: bootblock.LocationEmpty}
	packed := location.Pack()
	assert.Equal(t, uint32(0x0abcdef)|3<<28|2<<30, packed)
	assert.Equal(t, location, bootblock.UnpackLocation(packed))

	// Fields are masked rather than bleeding into each other.
	overflow := bootblock.Location{Chip: 5, Block: 0x1fffffff}
	unpacked := bootblock.UnpackLocation(overflow.Pack())
	assert.EqualValues(t, 1, unpacked.Chip)
	assert.EqualValues(t, 0x0fffffff, unpacked.Block)
	assert.Equal(t, bootblock.LocationValid, unpacked.State)
}

func TestConfigBlockRoundTrip(t *testing.T) {
	config := bootblock.ConfigBlock{
		NumBadBlocks:      2,
		NumReservedBlocks: 40,
		Regions: []bootblock.RegionInfo{
			{DriveType: 2, Tag: 0xff, BlockCount: 8, Chip: 0, StartBlock: 0},
			{DriveType: 1, Tag: 0x50, BlockCount: 12, Chip: 0, StartBlock: 8},
			{DriveType: 0, Tag: 0x00, BlockCount: 900, Chip: 0, StartBlock: 20},
		},
	}
	page := make([]byte, testPageSize)
	require.NoError(t, bootblock.EncodeConfigBlock(page, config))

	assert.EqualValues(t, bootblock.ConfigBlockMagicCookie, binary.LittleEndian.Uint32(page[0:]))
	assert.EqualValues(t, bootblock.ConfigBlockVersion, binary.LittleEndian.Uint32(page[4:]))
	assert.EqualValues(t, 3, binary.LittleEndian.Uint32(page[12:]))

	decoded, err := bootblock.DecodeConfigBlock(page)
	require.NoError(t, err)
	assert.Equal(t, config, decoded)
}

func TestConfigBlockRejectsBadCookieAndVersion(t *testing.T) {
	page := make([]byte, testPageSize)
	require.NoError(t, bootblock.EncodeConfigBlock(page, bootblock.ConfigBlock{}))

	binary.LittleEndian.PutUint32(page[4:], bootblock.ConfigBlockVersion+1)
	_, err := bootblock.DecodeConfigBlock(page)
	assert.ErrorIs(t, err, errors.ErrBadVersion)

	binary.LittleEndian.PutUint32(page[0:], 0xdeadbeef)
	_, err = bootblock.DecodeConfigBlock(page)
	assert.ErrorIs(t, err, errors.ErrBadCookie)
}

func TestConfigBlockTooManyRegions(t *testing.T) {
	page := make([]byte, testPageSize)
	config := bootblock.ConfigBlock{
		Regions: make([]bootblock.RegionInfo, bootblock.MaxRegions+1),
	}
	assert.ErrorIs(t, bootblock.EncodeConfigBlock(page, config), errors.ErrRegionTableFull)
}

func TestChipBadBlocksRoundTrip(t *testing.T) {
	page := make([]byte, testPageSize)
	written := bootblock.EncodeChipBadBlocks(page, 2, []uint32{2053, 2054, 2500})
	assert.EqualValues(t, 3, written)

	decoded, err := bootblock.DecodeChipBadBlocks(page)
	require.NoError(t, err)
	assert.EqualValues(t, 2, decoded.Chip)
	assert.Equal(t, []uint32{2053, 2054, 2500}, decoded.Blocks)
}

func TestChipBadBlocksTruncates(t *testing.T) {
	page := make([]byte, testPageSize)
	capacity := bootblock.BadBlockEntriesPerPage(testPageSize)
	assert.EqualValues(t, 510, capacity)

	blocks := make([]uint32, capacity+10)
	for i := range blocks {
		blocks[i] = uint32(i)
	}
	assert.Equal(t, capacity, bootblock.EncodeChipBadBlocks(page, 0, blocks))

	decoded, err := bootblock.DecodeChipBadBlocks(page)
	require.NoError(t, err)
	assert.Equal(t, blocks[:capacity], decoded.Blocks)
}

func TestChipBadBlocksRejectsBadCount(t *testing.T) {
	page := make([]byte, testPageSize)
	binary.LittleEndian.PutUint32(page[4:], 100000)
	_, err := bootblock.DecodeChipBadBlocks(page)
	assert.Error(t, err)
}

func TestDBBTPageOffset(t *testing.T) {
	layout := bootblock.DBBTLayout{
		NumberPagesBB: [bootblock.MaxChips]uint32{1, 1, 1, 0},
	}
	assert.EqualValues(t, bootblock.DbbtDataStartPageOffset, layout.PageOffset(0))
	assert.EqualValues(t, bootblock.DbbtDataStartPageOffset+2, layout.PageOffset(2))
	assert.EqualValues(
		t, bootblock.DbbtDataStartPageOffset+3, layout.PageOffset(bootblock.BbrcSelector))
	assert.EqualValues(t, bootblock.DbbtDataStartPageOffset+4, layout.TotalPages())
}
