// Package bootblock encodes and decodes the metadata the media layer and the
// boot ROM keep on raw NAND: boot control blocks (NCB, LDLB, DBBT, BBRC), the
// per-chip config block, and the per-chip discovered bad block pages.
//
// All multi-byte fields are little endian and live at fixed byte offsets; the
// layouts here must not change without bumping the corresponding version.
package bootblock

// BootBlockSearchStride is the distance, in pages, between two probes of a
// boot block search.
const BootBlockSearchStride = 64

// DefaultBootBlockSearchNumber is the number of probes per search window when
// the caller doesn't override it.
const DefaultBootBlockSearchNumber = 4

// MaxChips is the number of chips a DBBT layout can describe.
const MaxChips = 4

// DbbtDataStartPageOffset is the page, relative to the start of a DBBT block,
// at which the first chip's bad block page is stored.
const DbbtDataStartPageOffset = 4

// MaxDbbtPagesPerNand is the number of bad block pages stored for each chip.
const MaxDbbtPagesPerNand = 1

// BbrcSelector can be passed as the chip number to page offset calculations
// to get the offset of the BBRC page, which follows every chip's bad block
// pages.
const BbrcSelector = MaxChips

// ConfigBlockPageOffset is the page within the config block that holds the
// config data. Page 0 holds either a fingerprint stamp or a duplicate.
const ConfigBlockPageOffset = 1

// MaxRegions is the largest number of regions a media can be divided into.
const MaxRegions = 64

const (
	ConfigBlockMagicCookie = 0x00010203
	ConfigBlockVersion     = 0x00010004
)

// Version numbers stored in the major/minor words of each boot block.
const (
	BootBlockVersionMajor = 1
	BootBlockVersionMinor = 0

	LDLBVersionMajor = 1
	LDLBVersionMinor = 2
)

// Byte offsets of the boot block page fields.
const (
	offsetFingerprint1  = 0
	offsetFingerprint2  = 4
	offsetBlock1        = 8
	offsetFingerprint2b = offsetBlock1 + unionSize
	offsetBlock2        = offsetFingerprint2b + 4
	offsetVersionMajor  = offsetBlock2 + unionSize
	offsetVersionMinor  = offsetVersionMajor + 4
	offsetFingerprint3  = offsetVersionMinor + 4
	offsetFirmware      = offsetFingerprint3 + 4

	// unionSize is the size of each of the three unions: 128 32-bit words.
	unionSize = 128 * 4

	// BootBlockSize is the number of bytes of a page a boot block occupies.
	BootBlockSize = offsetFirmware + unionSize
)

// BadBlockEntriesPerPage gives the number of bad block addresses that fit in
// one DBBT chip page of the given size, after the two header words.
func BadBlockEntriesPerPage(pageDataSize uint32) uint32 {
	return pageDataSize/4 - 2
}

// MaxBbrcEntries is the number of per-region counts a BBRC page can hold. The
// first word of the firmware union is the count itself.
const MaxBbrcEntries = unionSize/4 - 1
