package nandmedia

import (
	"fmt"
	"strconv"
)

// DriveType says how a drive's blocks are managed. The values are stored in
// config blocks and must not change.
type DriveType uint32

const (
	// DriveTypeData drives go through the block mapper and can span chips.
	DriveTypeData DriveType = iota
	// DriveTypeSystem drives hold firmware images. They're contiguous within a
	// chip and bad blocks are skipped over, so the boot ROM can read them.
	DriveTypeSystem
	// DriveTypeHidden drives are like data drives but live at the end of the
	// last chip and survive a media erase if asked.
	DriveTypeHidden
	DriveTypeUnknown
)

func (t DriveType) String() string {
	switch t {
	case DriveTypeData:
		return "data"
	case DriveTypeSystem:
		return "system"
	case DriveTypeHidden:
		return "hidden"
	case DriveTypeUnknown:
		return "unknown"
	}
	return fmt.Sprintf("DriveType(%d)", uint32(t))
}

// UnmarshalText lets drive types be written by name in config files.
func (t *DriveType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "data":
		*t = DriveTypeData
	case "system":
		*t = DriveTypeSystem
	case "hidden":
		*t = DriveTypeHidden
	default:
		return fmt.Errorf("unknown drive type %q", string(text))
	}
	return nil
}

func (t DriveType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *DriveType) UnmarshalCSV(text string) error {
	return t.UnmarshalText([]byte(text))
}

func (t DriveType) MarshalCSV() (string, error) {
	return t.String(), nil
}

func (t *DriveType) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var text string
	if err := unmarshal(&text); err != nil {
		return err
	}
	return t.UnmarshalText([]byte(text))
}

// DriveTag is the opaque identifier of a drive.
type DriveTag uint32

const (
	DriveTagData          DriveTag = 0x00
	DriveTagHidden        DriveTag = 0x0a
	DriveTagHidden2       DriveTag = 0x0b
	DriveTagBootPrimary   DriveTag = 0x50
	DriveTagBootSecondary DriveTag = 0x60
	DriveTagBootMaster    DriveTag = 0x70

	// DriveTagBootRegion marks the regions that reserve each chip's boot
	// blocks. No drive is created for them.
	DriveTagBootRegion DriveTag = 0xff
)

// UnmarshalCSV accepts tags in decimal or with a 0x prefix.
func (t *DriveTag) UnmarshalCSV(text string) error {
	value, err := strconv.ParseUint(text, 0, 32)
	if err != nil {
		return err
	}
	*t = DriveTag(value)
	return nil
}

func (t DriveTag) MarshalCSV() (string, error) {
	return fmt.Sprintf("%#02x", uint32(t)), nil
}

func (t DriveTag) String() string {
	return fmt.Sprintf("%#02x", uint32(t))
}

// HiddenDriveTags are the tags hidden drives are given, in allocation order.
var HiddenDriveTags = []DriveTag{DriveTagHidden, DriveTagHidden2}

// InfoSelector picks the property GetInfo and SetInfo work on.
type InfoSelector int

const (
	// InfoSectorSize is the size of a sector in bytes (uint32).
	InfoSectorSize InfoSelector = iota
	// InfoEraseSize is the size of an erase block in bytes (uint32).
	InfoEraseSize
	// InfoSizeInBytes is the usable size of the drive (uint64).
	InfoSizeInBytes
	// InfoSizeInSectors is the usable size of the drive in sectors (uint32).
	InfoSizeInSectors
	// InfoWriteProtected (bool) can be set.
	InfoWriteProtected
	// InfoTag is the drive's [DriveTag].
	InfoTag
	// InfoType is the drive's [DriveType].
	InfoType
	// InfoSerialNumber is the NAND electronic signature ([]byte).
	InfoSerialNumber
	// InfoRecoveryEnabled (bool) can be set. It only has an effect on system
	// drives.
	InfoRecoveryEnabled
	// InfoBadBlockCount is the number of bad blocks in the drive (uint32).
	InfoBadBlockCount
	// InfoIsPrimaryFirmware reports whether the LDLB's primary firmware pointer
	// refers to this drive (bool).
	InfoIsPrimaryFirmware
)

// MediaState is where a media is in its lifecycle.
type MediaState int

const (
	MediaStateUnknown MediaState = iota
	MediaStateErased
	MediaStateAllocated
)

func (s MediaState) String() string {
	switch s {
	case MediaStateUnknown:
		return "unknown"
	case MediaStateErased:
		return "erased"
	case MediaStateAllocated:
		return "allocated"
	}
	return fmt.Sprintf("MediaState(%d)", int(s))
}

// AllocationEntry requests, or describes, one drive.
type AllocationEntry struct {
	DriveIndex uint32    `csv:"index" yaml:"index"`
	Type       DriveType `csv:"type" yaml:"type"`
	Tag        DriveTag  `csv:"tag" yaml:"tag"`
	// SizeInBytes is ignored for the data drive, which takes what's left.
	SizeInBytes uint64 `csv:"size" yaml:"size"`
	Flags       uint32 `csv:"flags" yaml:"flags"`
}

// LogicalDrive is a drive as seen by the file system layer.
type LogicalDrive interface {
	Init() error
	Shutdown() error
	ReadSector(sector uint32, buffer []byte) error
	WriteSector(sector uint32, buffer []byte) error
	// Erase erases every block of the drive.
	Erase() error
	Flush() error
	GetInfo(selector InfoSelector) (any, error)
	SetInfo(selector InfoSelector, value any) error
	Tag() DriveTag
	Type() DriveType
}

// LogicalMedia is a physical media divided into drives.
type LogicalMedia interface {
	Allocate(table []AllocationEntry) error
	Discover() error
	Erase(magic uint32, keepHidden bool) error
	Shutdown() error
	GetMediaTable() ([]AllocationEntry, error)
	SetBootDrive(tag DriveTag) error
	Drive(tag DriveTag) (LogicalDrive, error)
	State() MediaState
}
