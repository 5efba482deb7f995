package bootblock

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dargueta/nandmedia/errors"
	"github.com/noxer/bytewriter"
)

// Fingerprint is the three-word signature that identifies a boot block. The
// words are stored at fixed offsets spread across the page so that a partially
// programmed or shifted page won't match.
type Fingerprint [3]uint32

// Kind identifies which boot block a page holds.
type Kind int

const (
	KindNCB Kind = iota
	KindLDLB
	KindDBBT
	KindBBRC
	KindConfig
)

var fingerprints = map[Kind]Fingerprint{
	KindNCB:    {0x504d5453, 0x2042434e, 0x4e494252}, // "STMP" "NCB " "RBIN"
	KindLDLB:   {0x504d5453, 0x424c444c, 0x4c494252}, // "STMP" "LDLB" "RBIL"
	KindDBBT:   {0x504d5453, 0x54424244, 0x44494252}, // "STMP" "DBBT" "RBID"
	KindBBRC:   {0x504d5453, 0x43524242, 0x42494252}, // "STMP" "BBRC" "RBIB"
	KindConfig: {0x504d5453, 0x47464e43, 0x43494252}, // "STMP" "CNFG" "RBIC"
}

// Fingerprint returns the signature of this kind of boot block.
func (k Kind) Fingerprint() Fingerprint {
	return fingerprints[k]
}

func (k Kind) String() string {
	switch k {
	case KindNCB:
		return "NCB"
	case KindLDLB:
		return "LDLB"
	case KindDBBT:
		return "DBBT"
	case KindBBRC:
		return "BBRC"
	case KindConfig:
		return "CONFIG"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Matches reports whether the page carries this fingerprint. Only the three
// fingerprint words are compared; the redundant copy of the second word isn't.
func (f Fingerprint) Matches(page []byte) bool {
	if len(page) < BootBlockSize {
		return false
	}
	return binary.LittleEndian.Uint32(page[offsetFingerprint1:]) == f[0] &&
		binary.LittleEndian.Uint32(page[offsetFingerprint2:]) == f[1] &&
		binary.LittleEndian.Uint32(page[offsetFingerprint3:]) == f[2]
}

////////////////////////////////////////////////////////////////////////////////
// Raw on-media structures. These are written with encoding/binary so their
// field order and sizes are the layout; don't reorder them.

type rawNCBBlock1 struct {
	Timing            NandTiming
	DataPageSize      uint32
	TotalPageSize     uint32
	SectorsPerBlock   uint32
	SectorInPageMask  uint32
	SectorToPageShift uint32
	NumberOfNANDs     uint32
	BlocksPerNAND     uint32
}

type rawNCBBlock2 struct {
	NumColumnBytes     uint32
	NumRowBytes        uint32
	EccType            uint32
	MetadataBytes      uint32
	EccBlockSize       uint32
	EccStrength        uint32
	BadBlockMarkerByte uint32
}

type rawLDLBBlock1 struct {
	VersionMajor uint16
	VersionMinor uint16
	NANDBitmap   uint32
}

type rawLDLBBlock2 struct {
	FirmwareStartingNAND     uint32
	FirmwareStartingSector   uint32
	FirmwareSectorStride     uint32
	SectorsInFirmware        uint32
	FirmwareStartingNAND2    uint32
	FirmwareStartingSector2  uint32
	SectorsInFirmware2       uint32
	DiscoveredBBTableNAND    uint32
	DiscoveredBBTableSector  uint32
	DiscoveredBBTableNAND2   uint32
	DiscoveredBBTableSector2 uint32
}

type rawDBBTBlock1 struct {
	NumberBB      [MaxChips]uint32
	NumberPagesBB [MaxChips]uint32
}

type rawBBRC struct {
	NumberOfRegions uint32
	BadBlockCounts  [MaxBbrcEntries]uint32
}

////////////////////////////////////////////////////////////////////////////////
// Decoded forms

// NandTiming holds the GPMI timing parameters, in nanoseconds.
type NandTiming struct {
	DataSetup      uint8
	DataHold       uint8
	AddressSetup   uint8
	DataSampleTime uint8
}

// IsZero reports whether no timing has been set.
func (t NandTiming) IsZero() bool {
	return t == NandTiming{}
}

// NCB is the NAND control block: the geometry and timing the boot ROM needs
// to read anything else.
type NCB struct {
	Timing        NandTiming
	DataPageSize  uint32
	TotalPageSize uint32
	PagesPerBlock uint32
	NumberOfChips uint32
	BlocksPerChip uint32

	ColumnAddressCycles uint32
	RowAddressCycles    uint32
	EccType             uint32
	MetadataBytes       uint32
	EccBlockSize        uint32
	EccStrength         uint32
	BadBlockMarkerByte  uint32
}

// FirmwarePointer locates a firmware image. StartSector is a chip-relative
// page number.
type FirmwarePointer struct {
	Chip        uint32
	StartSector uint32
	SectorCount uint32
}

// SectorAddress is a chip and chip-relative page.
type SectorAddress struct {
	Chip   uint32
	Sector uint32
}

// LDLB is the logical drive layout block. It tells the ROM where the firmware
// is, and tells software where to start looking for the DBBT copies.
type LDLB struct {
	VersionMajor uint16
	VersionMinor uint16
	// ChipBitmap has bit N set if chip select N is populated.
	ChipBitmap uint32

	Primary              FirmwarePointer
	Secondary            FirmwarePointer
	FirmwareSectorStride uint32

	// DbbtSearch holds the start of the search areas of DBBT1 and DBBT2. The
	// DBBT itself is somewhere at or after this address.
	DbbtSearch [2]SectorAddress
}

// DBBTLayout describes what follows a DBBT header page: how many bad block
// pages are stored for each chip, and how many bad blocks they hold.
type DBBTLayout struct {
	NumberBB      [MaxChips]uint32
	NumberPagesBB [MaxChips]uint32
}

////////////////////////////////////////////////////////////////////////////////
// Encoding helpers

func checkPageSize(page []byte) error {
	if len(page) < BootBlockSize {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("page must be at least %d bytes, got %d", BootBlockSize, len(page)))
	}
	return nil
}

// startBootBlock clears the page and writes the fingerprints and version.
func startBootBlock(page []byte, kind Kind, major, minor uint32) error {
	if err := checkPageSize(page); err != nil {
		return err
	}
	for i := range page {
		page[i] = 0
	}

	fp := kind.Fingerprint()
	binary.LittleEndian.PutUint32(page[offsetFingerprint1:], fp[0])
	binary.LittleEndian.PutUint32(page[offsetFingerprint2:], fp[1])
	binary.LittleEndian.PutUint32(page[offsetFingerprint2b:], fp[1])
	binary.LittleEndian.PutUint32(page[offsetVersionMajor:], major)
	binary.LittleEndian.PutUint32(page[offsetVersionMinor:], minor)
	binary.LittleEndian.PutUint32(page[offsetFingerprint3:], fp[2])
	return nil
}

func putUnion(page []byte, offset int, value any) error {
	writer := bytewriter.New(page[offset : offset+unionSize])
	return binary.Write(writer, binary.LittleEndian, value)
}

func getUnion(page []byte, offset int, value any) error {
	reader := bytes.NewReader(page[offset : offset+unionSize])
	return binary.Read(reader, binary.LittleEndian, value)
}

func expectKind(page []byte, kind Kind) error {
	if err := checkPageSize(page); err != nil {
		return err
	}
	if !kind.Fingerprint().Matches(page) {
		return errors.NewWithMessage(
			errors.EBADCOOKIE, fmt.Sprintf("page does not hold a %s", kind))
	}
	return nil
}

// Version returns the major and minor version words of a boot block.
func Version(page []byte) (uint32, uint32) {
	return binary.LittleEndian.Uint32(page[offsetVersionMajor:]),
		binary.LittleEndian.Uint32(page[offsetVersionMinor:])
}

////////////////////////////////////////////////////////////////////////////////
// NCB

func EncodeNCB(page []byte, ncb NCB) error {
	err := startBootBlock(page, KindNCB, BootBlockVersionMajor, BootBlockVersionMinor)
	if err != nil {
		return err
	}

	sectorsPerPage := uint32(1)
	block1 := rawNCBBlock1{
		Timing:            ncb.Timing,
		DataPageSize:      ncb.DataPageSize,
		TotalPageSize:     ncb.TotalPageSize,
		SectorsPerBlock:   ncb.PagesPerBlock,
		SectorInPageMask:  sectorsPerPage - 1,
		SectorToPageShift: 0,
		NumberOfNANDs:     ncb.NumberOfChips,
		BlocksPerNAND:     ncb.BlocksPerChip,
	}
	block2 := rawNCBBlock2{
		NumColumnBytes:     ncb.ColumnAddressCycles,
		NumRowBytes:        ncb.RowAddressCycles,
		EccType:            ncb.EccType,
		MetadataBytes:      ncb.MetadataBytes,
		EccBlockSize:       ncb.EccBlockSize,
		EccStrength:        ncb.EccStrength,
		BadBlockMarkerByte: ncb.BadBlockMarkerByte,
	}

	if err = putUnion(page, offsetBlock1, &block1); err != nil {
		return err
	}
	return putUnion(page, offsetBlock2, &block2)
}

func DecodeNCB(page []byte) (NCB, error) {
	if err := expectKind(page, KindNCB); err != nil {
		return NCB{}, err
	}

	var block1 rawNCBBlock1
	var block2 rawNCBBlock2
	if err := getUnion(page, offsetBlock1, &block1); err != nil {
		return NCB{}, errors.ErrIOFailed.Wrap(err)
	}
	if err := getUnion(page, offsetBlock2, &block2); err != nil {
		return NCB{}, errors.ErrIOFailed.Wrap(err)
	}

	return NCB{
		Timing:              block1.Timing,
		DataPageSize:        block1.DataPageSize,
		TotalPageSize:       block1.TotalPageSize,
		PagesPerBlock:       block1.SectorsPerBlock,
		NumberOfChips:       block1.NumberOfNANDs,
		BlocksPerChip:       block1.BlocksPerNAND,
		ColumnAddressCycles: block2.NumColumnBytes,
		RowAddressCycles:    block2.NumRowBytes,
		EccType:             block2.EccType,
		MetadataBytes:       block2.MetadataBytes,
		EccBlockSize:        block2.EccBlockSize,
		EccStrength:         block2.EccStrength,
		BadBlockMarkerByte:  block2.BadBlockMarkerByte,
	}, nil
}

////////////////////////////////////////////////////////////////////////////////
// LDLB

func EncodeLDLB(page []byte, ldlb LDLB) error {
	err := startBootBlock(page, KindLDLB, BootBlockVersionMajor, BootBlockVersionMinor)
	if err != nil {
		return err
	}

	block1 := rawLDLBBlock1{
		VersionMajor: ldlb.VersionMajor,
		VersionMinor: ldlb.VersionMinor,
		NANDBitmap:   ldlb.ChipBitmap,
	}
	block2 := rawLDLBBlock2{
		FirmwareStartingNAND:     ldlb.Primary.Chip,
		FirmwareStartingSector:   ldlb.Primary.StartSector,
		FirmwareSectorStride:     ldlb.FirmwareSectorStride,
		SectorsInFirmware:        ldlb.Primary.SectorCount,
		FirmwareStartingNAND2:    ldlb.Secondary.Chip,
		FirmwareStartingSector2:  ldlb.Secondary.StartSector,
		SectorsInFirmware2:       ldlb.Secondary.SectorCount,
		DiscoveredBBTableNAND:    ldlb.DbbtSearch[0].Chip,
		DiscoveredBBTableSector:  ldlb.DbbtSearch[0].Sector,
		DiscoveredBBTableNAND2:   ldlb.DbbtSearch[1].Chip,
		DiscoveredBBTableSector2: ldlb.DbbtSearch[1].Sector,
	}

	if err = putUnion(page, offsetBlock1, &block1); err != nil {
		return err
	}
	return putUnion(page, offsetBlock2, &block2)
}

func DecodeLDLB(page []byte) (LDLB, error) {
	if err := expectKind(page, KindLDLB); err != nil {
		return LDLB{}, err
	}

	var block1 rawLDLBBlock1
	var block2 rawLDLBBlock2
	if err := getUnion(page, offsetBlock1, &block1); err != nil {
		return LDLB{}, errors.ErrIOFailed.Wrap(err)
	}
	if err := getUnion(page, offsetBlock2, &block2); err != nil {
		return LDLB{}, errors.ErrIOFailed.Wrap(err)
	}

	return LDLB{
		VersionMajor: block1.VersionMajor,
		VersionMinor: block1.VersionMinor,
		ChipBitmap:   block1.NANDBitmap,
		Primary: FirmwarePointer{
			Chip:        block2.FirmwareStartingNAND,
			StartSector: block2.FirmwareStartingSector,
			SectorCount: block2.SectorsInFirmware,
		},
		Secondary: FirmwarePointer{
			Chip:        block2.FirmwareStartingNAND2,
			StartSector: block2.FirmwareStartingSector2,
			SectorCount: block2.SectorsInFirmware2,
		},
		FirmwareSectorStride: block2.FirmwareSectorStride,
		DbbtSearch: [2]SectorAddress{
			{Chip: block2.DiscoveredBBTableNAND, Sector: block2.DiscoveredBBTableSector},
			{Chip: block2.DiscoveredBBTableNAND2, Sector: block2.DiscoveredBBTableSector2},
		},
	}, nil
}

////////////////////////////////////////////////////////////////////////////////
// DBBT header and BBRC

func EncodeDBBTLayout(page []byte, layout DBBTLayout) error {
	err := startBootBlock(page, KindDBBT, BootBlockVersionMajor, BootBlockVersionMinor)
	if err != nil {
		return err
	}
	block1 := rawDBBTBlock1{
		NumberBB:      layout.NumberBB,
		NumberPagesBB: layout.NumberPagesBB,
	}
	return putUnion(page, offsetBlock1, &block1)
}

func DecodeDBBTLayout(page []byte) (DBBTLayout, error) {
	if err := expectKind(page, KindDBBT); err != nil {
		return DBBTLayout{}, err
	}
	var block1 rawDBBTBlock1
	if err := getUnion(page, offsetBlock1, &block1); err != nil {
		return DBBTLayout{}, errors.ErrIOFailed.Wrap(err)
	}
	return DBBTLayout{
		NumberBB:      block1.NumberBB,
		NumberPagesBB: block1.NumberPagesBB,
	}, nil
}

// EncodeBBRC writes the per-region bad block counts, in region creation order.
func EncodeBBRC(page []byte, counts []uint32) error {
	if len(counts) > MaxBbrcEntries {
		return errors.NewWithMessage(
			errors.EREGIONTABLEFULL,
			fmt.Sprintf("BBRC holds at most %d regions, got %d", MaxBbrcEntries, len(counts)))
	}
	err := startBootBlock(page, KindBBRC, BootBlockVersionMajor, BootBlockVersionMinor)
	if err != nil {
		return err
	}

	bbrc := rawBBRC{NumberOfRegions: uint32(len(counts))}
	copy(bbrc.BadBlockCounts[:], counts)
	return putUnion(page, offsetFirmware, &bbrc)
}

func DecodeBBRC(page []byte) ([]uint32, error) {
	if err := expectKind(page, KindBBRC); err != nil {
		return nil, err
	}
	var bbrc rawBBRC
	if err := getUnion(page, offsetFirmware, &bbrc); err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}
	if bbrc.NumberOfRegions > MaxBbrcEntries {
		return nil, errors.NewWithMessage(
			errors.EBADCOOKIE,
			fmt.Sprintf("BBRC claims %d regions, max is %d", bbrc.NumberOfRegions, MaxBbrcEntries))
	}
	counts := make([]uint32, bbrc.NumberOfRegions)
	copy(counts, bbrc.BadBlockCounts[:bbrc.NumberOfRegions])
	return counts, nil
}

// EncodeConfigStamp writes the page that lets the config block be found by
// fingerprint search.
func EncodeConfigStamp(page []byte) error {
	return startBootBlock(
		page, KindConfig, ConfigBlockVersion>>16, ConfigBlockVersion&0xffff)
}

// PageOffset gives the page, relative to the DBBT header page, that holds the
// bad block list of `chip`. Passing [BbrcSelector] gives the offset of the
// BBRC page, which follows every chip's list.
func (l DBBTLayout) PageOffset(chip uint32) uint32 {
	offset := uint32(DbbtDataStartPageOffset)
	for i := uint32(0); i < chip && i < MaxChips; i++ {
		offset += l.NumberPagesBB[i]
	}
	return offset
}

// TotalPages gives the number of pages a DBBT with this layout occupies,
// including the header, the filler pages and the BBRC.
func (l DBBTLayout) TotalPages() uint32 {
	return l.PageOffset(BbrcSelector) + 1
}
