package bootblock

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dargueta/nandmedia/errors"
	"github.com/noxer/bytewriter"
)

// RegionInfo is one region record in a config block.
type RegionInfo struct {
	DriveType  uint32
	Tag        uint32
	BlockCount uint32
	Chip       uint32
	// StartBlock is relative to the start of Chip.
	StartBlock uint32
}

// ConfigBlock is the per-chip record of how the chip is divided into regions.
// Each chip's config block only lists the regions that live on that chip.
type ConfigBlock struct {
	NumBadBlocks      uint32
	NumReservedBlocks uint32
	Regions           []RegionInfo
}

type rawConfigHeader struct {
	MagicCookie       uint32
	VersionInfo       uint32
	NumBadBlocks      uint32
	NumRegions        uint32
	NumReservedBlocks uint32
}

// regionInfoSize is the encoded size of a [RegionInfo].
const regionInfoSize = 5 * 4

const configHeaderSize = 5 * 4

// MaxRegionsPerPage gives the number of region records that fit in one config
// page of the given size, capped at [MaxRegions].
func MaxRegionsPerPage(pageDataSize uint32) uint32 {
	fit := (pageDataSize - configHeaderSize) / regionInfoSize
	if fit > MaxRegions {
		return MaxRegions
	}
	return fit
}

// EncodeConfigBlock writes a config block into `page`, which is cleared first.
func EncodeConfigBlock(page []byte, config ConfigBlock) error {
	maxRegions := MaxRegionsPerPage(uint32(len(page)))
	if uint32(len(config.Regions)) > maxRegions {
		return errors.NewWithMessage(
			errors.EREGIONTABLEFULL,
			fmt.Sprintf(
				"config block holds at most %d regions, got %d",
				maxRegions,
				len(config.Regions)))
	}

	for i := range page {
		page[i] = 0
	}

	header := rawConfigHeader{
		MagicCookie:       ConfigBlockMagicCookie,
		VersionInfo:       ConfigBlockVersion,
		NumBadBlocks:      config.NumBadBlocks,
		NumRegions:        uint32(len(config.Regions)),
		NumReservedBlocks: config.NumReservedBlocks,
	}

	writer := bytewriter.New(page)
	if err := binary.Write(writer, binary.LittleEndian, &header); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	if err := binary.Write(writer, binary.LittleEndian, config.Regions); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

// DecodeConfigBlock reads a config block. Both the cookie and the version must
// match exactly; older layouts aren't migrated.
func DecodeConfigBlock(page []byte) (ConfigBlock, error) {
	reader := bytes.NewReader(page)

	var header rawConfigHeader
	if err := binary.Read(reader, binary.LittleEndian, &header); err != nil {
		return ConfigBlock{}, errors.ErrIOFailed.Wrap(err)
	}

	if header.MagicCookie != ConfigBlockMagicCookie {
		return ConfigBlock{}, errors.NewWithMessage(
			errors.EBADCOOKIE,
			fmt.Sprintf(
				"expected config cookie %#08x, got %#08x",
				ConfigBlockMagicCookie,
				header.MagicCookie))
	}
	if header.VersionInfo != ConfigBlockVersion {
		return ConfigBlock{}, errors.NewWithMessage(
			errors.EBADVERSION,
			fmt.Sprintf(
				"expected config version %#08x, got %#08x",
				ConfigBlockVersion,
				header.VersionInfo))
	}

	maxRegions := MaxRegionsPerPage(uint32(len(page)))
	if header.NumRegions > maxRegions {
		return ConfigBlock{}, errors.NewWithMessage(
			errors.EREGIONTABLEFULL,
			fmt.Sprintf("config block claims %d regions, max is %d", header.NumRegions, maxRegions))
	}

	regions := make([]RegionInfo, header.NumRegions)
	if err := binary.Read(reader, binary.LittleEndian, regions); err != nil {
		return ConfigBlock{}, errors.ErrIOFailed.Wrap(err)
	}

	return ConfigBlock{
		NumBadBlocks:      header.NumBadBlocks,
		NumReservedBlocks: header.NumReservedBlocks,
		Regions:           regions,
	}, nil
}
