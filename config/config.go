// Package config loads the description of a simulated NAND device from YAML:
// the chip geometry, the factory bad blocks, the media tunables and the drive
// allocation table. The allocation table can also be kept in a separate CSV
// file.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dargueta/nandmedia"
	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/media"
	"github.com/dargueta/nandmedia/nand"
	"github.com/dargueta/nandmedia/nand/nandsim"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// MediaOptions mirrors the tunables of [media.Config]. Zero values take the
// media's defaults.
type MediaOptions struct {
	MaxBadBlockPercent    uint32 `yaml:"maxBadBlockPercent"`
	BootBlockSearchNumber uint32 `yaml:"bootBlockSearchNumber"`
	MinDataDriveBlocks    uint32 `yaml:"minDataDriveBlocks"`
	FirmwareSectors       uint32 `yaml:"firmwareSectors"`
	TaskQueueCapacity     int    `yaml:"taskQueueCapacity"`
}

// Device describes a simulated NAND device.
type Device struct {
	// Geometry is the slug of one of the predefined parts. Ignored if
	// CustomGeometry is given.
	Geometry       string         `yaml:"geometry"`
	CustomGeometry *nand.Geometry `yaml:"customGeometry"`
	Chips          uint32         `yaml:"chips"`

	FactoryBadBlocks []nand.BlockAddress `yaml:"factoryBadBlocks"`
	Media            MediaOptions        `yaml:"media"`

	Allocation []nandmedia.AllocationEntry `yaml:"allocation"`
	// AllocationFile is a CSV allocation table, relative to the YAML file.
	// Entries in it come after any in Allocation.
	AllocationFile string `yaml:"allocationFile"`
}

// Load reads a device description from a YAML file.
func Load(path string) (*Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes a device description. `baseDir` is where a relative
// AllocationFile is looked for.
func Parse(data []byte, baseDir string) (*Device, error) {
	device := &Device{Chips: 1}
	if err := yaml.UnmarshalStrict(data, device); err != nil {
		return nil, errors.ErrInvalidArgument.Wrap(err)
	}

	if device.AllocationFile != "" {
		path := device.AllocationFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		table, err := LoadAllocationTableFile(path)
		if err != nil {
			return nil, err
		}
		device.Allocation = append(device.Allocation, table...)
	}

	if err := device.Validate(); err != nil {
		return nil, err
	}
	return device, nil
}

// NandGeometry resolves the device's geometry, with the chip count filled in.
func (d *Device) NandGeometry() (nand.Geometry, error) {
	if d.CustomGeometry != nil {
		geometry := *d.CustomGeometry
		geometry.ChipCount = d.Chips
		return geometry, nil
	}
	if d.Geometry == "" {
		return nand.Geometry{}, errors.ErrInvalidArgument.WithMessage(
			"either `geometry` or `customGeometry` must be given")
	}
	geometry, err := nand.GetPredefinedGeometry(d.Geometry, d.Chips)
	if err != nil {
		return nand.Geometry{}, errors.ErrInvalidArgument.Wrap(err)
	}
	return geometry, nil
}

// Validate checks the parts of the description that can be checked without
// touching the NAND.
func (d *Device) Validate() error {
	geometry, err := d.NandGeometry()
	if err != nil {
		return err
	}
	if err = geometry.Validate(); err != nil {
		return errors.ErrInvalidArgument.Wrap(err)
	}

	for _, block := range d.FactoryBadBlocks {
		if !geometry.IsValidBlock(block) {
			return errors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf(
					"factory bad block %d is past the end of the array (%d blocks)",
					block,
					geometry.TotalBlocks()))
		}
	}

	seen := make(map[uint32]bool, len(d.Allocation))
	for i, entry := range d.Allocation {
		if seen[entry.DriveIndex] {
			return errors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("allocation entry %d reuses drive index %d", i, entry.DriveIndex))
		}
		seen[entry.DriveIndex] = true
		if entry.Type == nandmedia.DriveTypeUnknown {
			return errors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("allocation entry %d has no usable drive type", i))
		}
	}
	return nil
}

// SimulatorOptions gives the options for a simulator of this device. A nil
// stream keeps the array in memory. With `blank` set the stream is erased
// first, otherwise it's assumed to hold an existing image and the factory bad
// blocks are marked again (which is harmless).
func (d *Device) SimulatorOptions(stream io.ReadWriteSeeker, blank bool) (nandsim.Options, error) {
	geometry, err := d.NandGeometry()
	if err != nil {
		return nandsim.Options{}, err
	}
	return nandsim.Options{
		Geometry:         geometry,
		FactoryBadBlocks: d.FactoryBadBlocks,
		Stream:           stream,
		Blank:            blank,
	}, nil
}

// ImageSize is the number of bytes a stream-backed simulator of this device
// needs.
func (d *Device) ImageSize() (int64, error) {
	geometry, err := d.NandGeometry()
	if err != nil {
		return 0, err
	}
	stride := int64(geometry.PageDataSize + geometry.PageMetadataSize)
	return stride * int64(geometry.TotalPages()), nil
}

// MediaConfig builds the media configuration. `bootState` may be nil.
func (d *Device) MediaConfig(
	logger logrus.FieldLogger, bootState nand.BootStateRegisters,
) media.Config {
	return media.Config{
		MaxBadBlockPercent:    d.Media.MaxBadBlockPercent,
		BootBlockSearchNumber: d.Media.BootBlockSearchNumber,
		MinDataDriveBlocks:    d.Media.MinDataDriveBlocks,
		FirmwareSectors:       d.Media.FirmwareSectors,
		TaskQueueCapacity:     d.Media.TaskQueueCapacity,
		BootState:             bootState,
		Logger:                logger,
	}
}
