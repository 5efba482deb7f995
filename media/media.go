// Package media divides a raw NAND array into drives and keeps the metadata the
// boot ROM and later boots need to find them again: the boot control blocks,
// the per-chip config blocks, and the discovered bad block table.
//
// A Media goes through three states. A blank or wiped array is erased with
// [Media.Erase], which leaves it in the Erased state with an in-memory table
// of every bad block. [Media.Allocate] lays out the boot blocks and drives and
// moves it to Allocated. On later boots [Media.Discover] reads everything back.
package media

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/dargueta/nandmedia"
	"github.com/dargueta/nandmedia/bbt"
	"github.com/dargueta/nandmedia/bootblock"
	"github.com/dargueta/nandmedia/deferred"
	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/nand"
	"github.com/dargueta/nandmedia/phymap"
	"github.com/sirupsen/logrus"
)

// DefaultMaxBadBlockPercent is used when neither the config nor the geometry
// gives a bad block allowance.
const DefaultMaxBadBlockPercent = 2

// DefaultMinDataDriveBlocks is the smallest die segment the data drive will
// bother using.
const DefaultMinDataDriveBlocks = 16

// Config holds the tunables of a [Media]. The zero value is usable.
type Config struct {
	// MaxBadBlockPercent is the share of a system drive reserved for blocks
	// that go bad later. Defaults to the geometry's value.
	MaxBadBlockPercent uint32
	// BootBlockSearchNumber is the number of probes in each boot block search
	// window.
	BootBlockSearchNumber uint32
	MinDataDriveBlocks    uint32
	// FirmwareSectors is recorded in the LDLB firmware pointers. Zero means the
	// whole system drive.
	FirmwareSectors uint32
	// Timing, if set, is used in place of whatever an NCB says.
	Timing bootblock.NandTiming

	TaskQueueCapacity int
	// ManualTasks stops Init from starting the background worker. Deferred
	// tasks then only run when the queue is drained, e.g. by Shutdown.
	ManualTasks bool

	// BootState gives access to the boot ROM's persistent flags. Without it
	// RepairBootBlocks does nothing.
	BootState nand.BootStateRegisters
	Logger    logrus.FieldLogger
}

type bbtMode int

const (
	// bbtModeAllocation means bad blocks are tracked in one table for the whole
	// media, as they are between an erase and the first discovery.
	bbtModeAllocation bbtMode = iota
	// bbtModeDiscovery means each region tracks its own bad blocks.
	bbtModeDiscovery
)

// chipParameters caches what an NCB says about the chips.
type chipParameters struct {
	known bool
	ncb   bootblock.NCB
}

// keptRegion is a hidden region preserved across an erase.
type keptRegion struct {
	tag        nandmedia.DriveTag
	start      nand.BlockAddress
	blockCount uint32
}

type Media struct {
	lock     sync.Mutex
	nand     nand.PhysicalMedia
	geometry nand.Geometry
	config   Config
	logger   logrus.FieldLogger
	tasks    *deferred.Queue

	initialized bool
	state       nandmedia.MediaState
	bbtMode     bbtMode
	globalBBT   bbt.Table
	regions     []Region
	drives      []drive

	phymap         *phymap.Phymap
	phymapIsFresh  bool
	chipParams     chipParameters
	keptHidden     []keptRegion
	dbbtSaveFailed bool
	// protectedTags are the drives allocated with FlagWriteProtected. They
	// aren't stored on the media, so they only last until the next Erase or
	// until the media is recreated.
	protectedTags map[nandmedia.DriveTag]bool

	// Where the boot blocks were last found or written.
	ncb        [2]bootblock.Location
	ldlb       [2]bootblock.Location
	dbbt       [2]bootblock.Location
	dbbtSearch [2]bootblock.SectorAddress
	dbbtLayout bootblock.DBBTLayout
	ldlbInfo   bootblock.LDLB
	// usingSecondary is set once the primary NCB couldn't be found.
	usingSecondary bool
}

// New creates a media over a physical NAND. Call Init before anything else.
func New(physical nand.PhysicalMedia, config Config) *Media {
	geometry := physical.Geometry()

	if config.MaxBadBlockPercent == 0 {
		config.MaxBadBlockPercent = geometry.MaxBadBlockPercent
		if config.MaxBadBlockPercent == 0 {
			config.MaxBadBlockPercent = DefaultMaxBadBlockPercent
		}
	}
	if config.BootBlockSearchNumber == 0 {
		config.BootBlockSearchNumber = bootblock.DefaultBootBlockSearchNumber
	}
	if config.MinDataDriveBlocks == 0 {
		config.MinDataDriveBlocks = DefaultMinDataDriveBlocks
	}
	if config.TaskQueueCapacity == 0 {
		config.TaskQueueCapacity = deferred.DefaultCapacity
	}
	if config.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetLevel(logrus.WarnLevel)
		config.Logger = logger
	}

	m := &Media{
		nand:     physical,
		geometry: geometry,
		config:   config,
		logger:   config.Logger.WithField("component", "media"),
		state:    nandmedia.MediaStateUnknown,
	}
	m.tasks = deferred.New(deferred.Config{
		Capacity: config.TaskQueueCapacity,
		Logger:   config.Logger,
	})
	m.resetLocations()
	return m
}

func (m *Media) resetLocations() {
	for i := 0; i < 2; i++ {
		m.ncb[i] = bootblock.Location{State: bootblock.LocationUnknown}
		m.ldlb[i] = bootblock.Location{State: bootblock.LocationUnknown}
		m.dbbt[i] = bootblock.Location{State: bootblock.LocationUnknown}
	}
	m.usingSecondary = false
}

// Init checks the geometry and starts the deferred task worker.
func (m *Media) Init(ctx context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.initialized {
		return errors.ErrAlreadyInitialized
	}
	if err := m.geometry.Validate(); err != nil {
		return errors.ErrInvalidArgument.Wrap(err)
	}
	if m.geometry.ChipCount > bootblock.MaxChips {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("at most %d chips are supported", bootblock.MaxChips))
	}
	if m.areaPages()%m.geometry.PagesPerBlock != 0 {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"boot block search area of %d pages isn't a whole number of %d-page blocks",
				m.areaPages(),
				m.geometry.PagesPerBlock))
	}
	if m.geometry.PageMetadataSize < auxHeaderSize {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("need at least %d metadata bytes per page", auxHeaderSize))
	}

	if !m.config.Timing.IsZero() {
		m.chipParams.known = true
		m.chipParams.ncb.Timing = m.config.Timing
	}

	if !m.config.ManualTasks {
		m.tasks.Start(ctx)
	}
	m.initialized = true
	return nil
}

// Shutdown runs any pending deferred work, flushes and shuts down every drive
// and stops the task worker. The media must be re-initialized to be used
// again.
//
// Tasks take the lock themselves, so the queue is only ever drained or
// stopped without holding it.
func (m *Media) Shutdown() error {
	m.lock.Lock()
	if !m.initialized {
		m.lock.Unlock()
		return errors.ErrNotInitialized
	}
	m.lock.Unlock()

	m.tasks.Drain()

	m.lock.Lock()
	err := m.shutdownDrivesLocked()
	m.lock.Unlock()

	// The final flush can retire blocks, which posts another DBBT save. Those
	// run here, on this goroutine, once the worker is gone.
	m.tasks.Stop()
	m.tasks.Drain()

	m.lock.Lock()
	m.initialized = false
	m.lock.Unlock()
	return err
}

// State returns where the media is in its lifecycle.
func (m *Media) State() nandmedia.MediaState {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}

// Geometry returns the geometry of the underlying NAND.
func (m *Media) Geometry() nand.Geometry {
	return m.geometry
}

// Tasks gives access to the deferred task queue, mainly so callers using
// [Config.ManualTasks] can drain it.
func (m *Media) Tasks() *deferred.Queue {
	return m.tasks
}

// Regions returns a copy of the region list.
func (m *Media) Regions() []Region {
	m.lock.Lock()
	defer m.lock.Unlock()

	regions := make([]Region, len(m.regions))
	for i := range m.regions {
		regions[i] = m.regions[i].clone()
	}
	return regions
}

// GlobalBadBlocks returns the bad blocks known to the allocation-mode table.
// It's empty once the media has been discovered.
func (m *Media) GlobalBadBlocks() []nand.BlockAddress {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]nand.BlockAddress(nil), m.globalBBT.Entries()...)
}

func (m *Media) checkInitialized() error {
	if !m.initialized {
		return errors.ErrNotInitialized
	}
	return nil
}

// spareBlocks is the number of extra blocks reserved alongside `count` blocks
// for ones that go bad later. It's never less than one.
func spareBlocks(count, percent uint32) uint32 {
	spare := (uint64(count)*uint64(percent) + 99) / 100
	if spare < 1 {
		spare = 1
	}
	return uint32(spare)
}

////////////////////////////////////////////////////////////////////////////////
// Bad block bookkeeping

// isBlockBad checks the in-memory tables for a block. In discovery mode
// only system regions know individual bad blocks, so data blocks always look
// good here; check the NAND marker for those.
func (m *Media) isBlockBad(block nand.BlockAddress) bool {
	if m.bbtMode == bbtModeAllocation {
		return m.globalBBT.IsBlockBad(block)
	}
	index := m.regionIndexOf(block)
	if index < 0 {
		return false
	}
	return m.regions[index].IsBlockBad(block)
}

// isBlockUsable checks both the tables and the NAND's bad block marker.
func (m *Media) isBlockUsable(block nand.BlockAddress) (bool, error) {
	if m.isBlockBad(block) {
		return false, nil
	}
	marked, err := m.nand.IsBlockMarkedBad(block)
	if err != nil {
		return false, err
	}
	return !marked, nil
}

// retireBlock marks a block bad on the NAND and records it wherever bad blocks
// are being tracked at the moment. Recording it in a region schedules a save of
// the DBBT.
func (m *Media) retireBlock(block nand.BlockAddress, reason error) {
	m.logger.WithFields(logrus.Fields{
		"block":  uint32(block),
		"reason": reason,
	}).Warn("retiring block")

	if err := m.nand.MarkBlockBad(block); err != nil {
		m.logger.WithField("block", uint32(block)).WithError(err).Error("failed to mark block bad")
	}
	if m.phymap != nil && m.phymap.TotalBlocks() > uint32(block) {
		_ = m.phymap.MarkUsed(block)
	}

	if m.bbtMode == bbtModeAllocation {
		m.globalBBT.Insert(block)
		return
	}
	if index := m.regionIndexOf(block); index >= 0 {
		m.addNewBadBlock(index, block)
	}
}

// addNewBadBlock records a bad block in a region and schedules a DBBT save.
// Only one save is ever pending at a time.
func (m *Media) addNewBadBlock(regionIndex int, block nand.BlockAddress) {
	m.regions[regionIndex].addNewBadBlock(block)
	m.postSaveDBBT()
}

func (m *Media) postSaveDBBT() {
	_, err := m.tasks.Post(deferred.Task{
		Type:     deferred.TaskSaveDBBT,
		Priority: 1,
		Run:      m.saveDBBTTask,
	})
	if err != nil {
		m.logger.WithError(err).Error("couldn't schedule DBBT save")
		m.dbbtSaveFailed = true
	}
}

func (m *Media) saveDBBTTask(ctx context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.initialized || m.state != nandmedia.MediaStateAllocated || m.bbtMode != bbtModeDiscovery {
		return nil
	}
	return m.saveDBBTLocked()
}
