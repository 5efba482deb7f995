// Package nandsim simulates a NAND array behind the [nand.PhysicalMedia]
// interface. It enforces the programming rules of real parts (pages are
// programmed in order and only once per erase) and can inject the failures the
// media layer has to survive: factory bad blocks, program and erase failures,
// and weak or unreadable pages.
package nandsim

import (
	"fmt"
	"io"
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/nand"
)

// DefaultID is the electronic signature returned by ReadID when none is given.
var DefaultID = []byte{0xec, 0xd3, 0x51, 0x95, 0x58}

// Options configures a new [Simulator].
type Options struct {
	Geometry nand.Geometry
	// ID is returned by ReadID. Defaults to [DefaultID].
	ID []byte
	// FactoryBadBlocks are marked bad when the simulator is created.
	FactoryBadBlocks []nand.BlockAddress
	// Stream, if set, holds the contents of the array instead of memory. Each
	// page takes PageDataSize + PageMetadataSize bytes.
	Stream io.ReadWriteSeeker
	// Blank erases the whole stream before use. Without it the stream is
	// assumed to hold an existing image.
	Blank bool
}

// Stats counts the operations a simulator has performed.
type Stats struct {
	Reads    int
	Programs int
	Erases   int
}

// Simulator is an in-memory or stream-backed NAND array. It's safe for
// concurrent use.
type Simulator struct {
	mutex     sync.Mutex
	geometry  nand.Geometry
	id        []byte
	store     pageStore
	stride    int
	nextPage  []uint32
	failing   bitmap.Bitmap
	eraseFail bitmap.Bitmap
	statuses  map[nand.PageAddress]nand.ReadStatus
	stats     Stats
	bootState *BootState
}

// New creates a simulator. The geometry must be valid.
func New(options Options) (*Simulator, error) {
	geometry := options.Geometry
	if err := geometry.Validate(); err != nil {
		return nil, errors.ErrInvalidArgument.Wrap(err)
	}

	id := options.ID
	if id == nil {
		id = DefaultID
	}

	stride := int(geometry.PageDataSize + geometry.PageMetadataSize)
	totalBlocks := int(geometry.TotalBlocks())

	sim := &Simulator{
		geometry:  geometry,
		id:        append([]byte(nil), id...),
		stride:    stride,
		nextPage:  make([]uint32, totalBlocks),
		failing:   bitmap.New(totalBlocks),
		eraseFail: bitmap.New(totalBlocks),
		statuses:  make(map[nand.PageAddress]nand.ReadStatus),
		bootState: &BootState{},
	}

	if options.Stream == nil {
		sim.store = newMemoryStore()
	} else {
		sim.store = newStreamStore(options.Stream, int64(stride))
		if options.Blank {
			err := sim.store.erasePages(0, geometry.TotalPages())
			if err != nil {
				return nil, err
			}
		} else if err := sim.recoverProgramState(); err != nil {
			return nil, err
		}
	}

	for _, block := range options.FactoryBadBlocks {
		if !geometry.IsValidBlock(block) {
			return nil, errors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("factory bad block %d is off the end of the array", block))
		}
		if err := sim.markBad(block); err != nil {
			return nil, err
		}
	}
	return sim, nil
}

// recoverProgramState works out how far each block has been programmed by
// looking for its last non-blank page.
func (sim *Simulator) recoverProgramState() error {
	for block := range sim.nextPage {
		for offset := sim.geometry.PagesPerBlock; offset > 0; offset-- {
			page := sim.geometry.Page(nand.BlockAddress(block), offset-1)
			blank, err := sim.store.isBlank(page)
			if err != nil {
				return err
			}
			if !blank {
				sim.nextPage[block] = offset
				break
			}
		}
	}
	return nil
}

func (sim *Simulator) Geometry() nand.Geometry {
	return sim.geometry
}

func (sim *Simulator) ReadID() ([]byte, error) {
	return append([]byte(nil), sim.id...), nil
}

// BootState returns the simulated boot-state registers.
func (sim *Simulator) BootState() *BootState {
	return sim.bootState
}

// Stats returns a copy of the operation counters.
func (sim *Simulator) Stats() Stats {
	sim.mutex.Lock()
	defer sim.mutex.Unlock()
	return sim.stats
}

func (sim *Simulator) checkPage(page nand.PageAddress) error {
	if uint32(page) >= sim.geometry.TotalPages() {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("page %d not in [0, %d)", page, sim.geometry.TotalPages()))
	}
	return nil
}

func (sim *Simulator) checkBlock(block nand.BlockAddress) error {
	if !sim.geometry.IsValidBlock(block) {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("block %d not in [0, %d)", block, sim.geometry.TotalBlocks()))
	}
	return nil
}

func (sim *Simulator) ReadPage(
	page nand.PageAddress, data, aux []byte,
) (nand.ReadStatus, error) {
	sim.mutex.Lock()
	defer sim.mutex.Unlock()

	if err := sim.checkPage(page); err != nil {
		return nand.ReadUncorrectable, err
	}
	sim.stats.Reads++

	raw := make([]byte, sim.stride)
	if err := sim.store.readPage(page, raw); err != nil {
		return nand.ReadUncorrectable, err
	}
	copy(data, raw[:sim.geometry.PageDataSize])
	if aux != nil {
		copy(aux, raw[sim.geometry.PageDataSize:])
	}

	status, forced := sim.statuses[page]
	if !forced {
		status = nand.ReadClean
	}
	return status, nil
}

func (sim *Simulator) WritePage(page nand.PageAddress, data, aux []byte) error {
	sim.mutex.Lock()
	defer sim.mutex.Unlock()

	if err := sim.checkPage(page); err != nil {
		return err
	}

	block := sim.geometry.BlockOf(page)
	offset := sim.geometry.PageOffset(page)
	if offset < sim.nextPage[block] {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf(
				"page %d of block %d programmed out of order; next programmable page is %d",
				offset,
				block,
				sim.nextPage[block]))
	}
	if sim.failing.Get(int(block)) {
		return errors.ErrWriteFailed.WithMessage(
			fmt.Sprintf("program of page %d in block %d failed", offset, block))
	}

	raw := make([]byte, sim.stride)
	fillErased(raw)
	copy(raw, data[:sim.geometry.PageDataSize])
	if aux != nil {
		copy(raw[sim.geometry.PageDataSize:], aux)
	}
	if err := sim.store.writePage(page, raw); err != nil {
		return err
	}

	sim.stats.Programs++
	sim.nextPage[block] = offset + 1
	delete(sim.statuses, page)
	return nil
}

func (sim *Simulator) EraseBlock(block nand.BlockAddress) error {
	sim.mutex.Lock()
	defer sim.mutex.Unlock()

	if err := sim.checkBlock(block); err != nil {
		return err
	}
	if sim.eraseFail.Get(int(block)) || sim.failing.Get(int(block)) {
		return errors.ErrWriteFailed.WithMessage(fmt.Sprintf("erase of block %d failed", block))
	}

	first := sim.geometry.Page(block, 0)
	if err := sim.store.erasePages(first, sim.geometry.PagesPerBlock); err != nil {
		return err
	}
	for i := uint32(0); i < sim.geometry.PagesPerBlock; i++ {
		delete(sim.statuses, first+nand.PageAddress(i))
	}

	sim.stats.Erases++
	sim.nextPage[block] = 0
	return nil
}

func (sim *Simulator) IsBlockMarkedBad(block nand.BlockAddress) (bool, error) {
	sim.mutex.Lock()
	defer sim.mutex.Unlock()

	if err := sim.checkBlock(block); err != nil {
		return false, err
	}

	raw := make([]byte, sim.stride)
	if err := sim.store.readPage(sim.geometry.Page(block, 0), raw); err != nil {
		return false, err
	}
	return raw[sim.geometry.PageDataSize] != 0xff, nil
}

func (sim *Simulator) MarkBlockBad(block nand.BlockAddress) error {
	sim.mutex.Lock()
	defer sim.mutex.Unlock()

	if err := sim.checkBlock(block); err != nil {
		return err
	}
	return sim.markBad(block)
}

// markBad clears the marker byte of the first page. Real parts allow this
// even on a programmed page since it only clears bits.
func (sim *Simulator) markBad(block nand.BlockAddress) error {
	page := sim.geometry.Page(block, 0)
	raw := make([]byte, sim.stride)
	if err := sim.store.readPage(page, raw); err != nil {
		return err
	}
	raw[sim.geometry.PageDataSize] = 0
	if err := sim.store.writePage(page, raw); err != nil {
		return err
	}
	if sim.nextPage[block] == 0 {
		sim.nextPage[block] = 1
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Fault injection

// FailBlock makes every later program or erase of `block` fail with
// [errors.EWRITEFAILED], the way a worn-out block behaves.
func (sim *Simulator) FailBlock(block nand.BlockAddress) {
	sim.mutex.Lock()
	defer sim.mutex.Unlock()
	sim.failing.Set(int(block), true)
}

// FailErase makes erases of `block` fail while programs still succeed.
func (sim *Simulator) FailErase(block nand.BlockAddress) {
	sim.mutex.Lock()
	defer sim.mutex.Unlock()
	sim.eraseFail.Set(int(block), true)
}

// HealBlock undoes [Simulator.FailBlock] and [Simulator.FailErase].
func (sim *Simulator) HealBlock(block nand.BlockAddress) {
	sim.mutex.Lock()
	defer sim.mutex.Unlock()
	sim.failing.Set(int(block), false)
	sim.eraseFail.Set(int(block), false)
}

// SetReadStatus makes reads of `page` report `status` until the page is
// reprogrammed or its block is erased.
func (sim *Simulator) SetReadStatus(page nand.PageAddress, status nand.ReadStatus) {
	sim.mutex.Lock()
	defer sim.mutex.Unlock()
	sim.statuses[page] = status
}

// CorruptPage inverts the first `count` data bytes of a page in place,
// without going through the programming rules.
func (sim *Simulator) CorruptPage(page nand.PageAddress, count int) error {
	sim.mutex.Lock()
	defer sim.mutex.Unlock()

	if err := sim.checkPage(page); err != nil {
		return err
	}
	raw := make([]byte, sim.stride)
	if err := sim.store.readPage(page, raw); err != nil {
		return err
	}
	for i := 0; i < count && i < int(sim.geometry.PageDataSize); i++ {
		raw[i] ^= 0xff
	}
	return sim.store.writePage(page, raw)
}
