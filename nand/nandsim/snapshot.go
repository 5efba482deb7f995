package nandsim

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/nand"
	"github.com/ulikunitz/xz"
)

var snapshotMagic = [8]byte{'N', 'A', 'N', 'D', 'S', 'I', 'M', '1'}

// endOfPages terminates the page records of a snapshot.
const endOfPages = ^uint32(0)

type snapshotHeader struct {
	Magic              [8]byte
	ChipCount          uint32
	BlocksPerChip      uint32
	PagesPerBlock      uint32
	PageDataSize       uint32
	PageMetadataSize   uint32
	DiesPerChip        uint32
	PlanesPerDie       uint32
	MaxBadBlockPercent uint32
	IDLength           uint32
}

// Export writes an xz-compressed snapshot of every non-blank page to `w`.
// Failure injection state isn't saved.
func (sim *Simulator) Export(w io.Writer) error {
	sim.mutex.Lock()
	defer sim.mutex.Unlock()

	xzWriter, err := xz.NewWriter(w)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	g := sim.geometry
	header := snapshotHeader{
		Magic:              snapshotMagic,
		ChipCount:          g.ChipCount,
		BlocksPerChip:      g.BlocksPerChip,
		PagesPerBlock:      g.PagesPerBlock,
		PageDataSize:       g.PageDataSize,
		PageMetadataSize:   g.PageMetadataSize,
		DiesPerChip:        g.DiesPerChip,
		PlanesPerDie:       g.PlanesPerDie,
		MaxBadBlockPercent: g.MaxBadBlockPercent,
		IDLength:           uint32(len(sim.id)),
	}
	if err = binary.Write(xzWriter, binary.LittleEndian, &header); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	if _, err = xzWriter.Write(sim.id); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	raw := make([]byte, sim.stride)
	for page := uint32(0); page < g.TotalPages(); page++ {
		blank, err := sim.store.isBlank(nand.PageAddress(page))
		if err != nil {
			return err
		}
		if blank {
			continue
		}
		if err = sim.store.readPage(nand.PageAddress(page), raw); err != nil {
			return err
		}
		if err = binary.Write(xzWriter, binary.LittleEndian, page); err != nil {
			return errors.ErrIOFailed.Wrap(err)
		}
		if _, err = xzWriter.Write(raw); err != nil {
			return errors.ErrIOFailed.Wrap(err)
		}
	}

	if err = binary.Write(xzWriter, binary.LittleEndian, endOfPages); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	if err = xzWriter.Close(); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

// Import reads a snapshot written by [Simulator.Export]. If `stream` is not
// nil the pages are loaded into it, otherwise into memory.
func Import(r io.Reader, stream io.ReadWriteSeeker) (*Simulator, error) {
	xzReader, err := xz.NewReader(r)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}

	var header snapshotHeader
	if err = binary.Read(xzReader, binary.LittleEndian, &header); err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}
	if header.Magic != snapshotMagic {
		return nil, errors.ErrBadMagic.WithMessage(
			fmt.Sprintf("not a NAND snapshot: magic is %q", header.Magic[:]))
	}

	id := make([]byte, header.IDLength)
	if _, err = io.ReadFull(xzReader, id); err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}

	sim, err := New(Options{
		Geometry: nand.Geometry{
			ChipCount:          header.ChipCount,
			BlocksPerChip:      header.BlocksPerChip,
			PagesPerBlock:      header.PagesPerBlock,
			PageDataSize:       header.PageDataSize,
			PageMetadataSize:   header.PageMetadataSize,
			DiesPerChip:        header.DiesPerChip,
			PlanesPerDie:       header.PlanesPerDie,
			MaxBadBlockPercent: header.MaxBadBlockPercent,
		},
		ID:     id,
		Stream: stream,
		Blank:  stream != nil,
	})
	if err != nil {
		return nil, err
	}

	raw := make([]byte, sim.stride)
	for {
		var page uint32
		if err = binary.Read(xzReader, binary.LittleEndian, &page); err != nil {
			return nil, errors.ErrIOFailed.Wrap(err)
		}
		if page == endOfPages {
			break
		}
		if err = sim.checkPage(nand.PageAddress(page)); err != nil {
			return nil, err
		}
		if _, err = io.ReadFull(xzReader, raw); err != nil {
			return nil, errors.ErrIOFailed.Wrap(err)
		}
		if err = sim.store.writePage(nand.PageAddress(page), raw); err != nil {
			return nil, err
		}

		block := sim.geometry.BlockOf(nand.PageAddress(page))
		offset := sim.geometry.PageOffset(nand.PageAddress(page))
		if offset+1 > sim.nextPage[block] {
			sim.nextPage[block] = offset + 1
		}
	}
	return sim, nil
}
