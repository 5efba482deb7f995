package nandsim

import (
	"io"

	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/nand"
)

// pageStore holds the raw contents of the array. Each page is stored as its
// data bytes followed by its spare bytes. Pages that were never programmed
// read back as all 0xFF.
type pageStore interface {
	readPage(page nand.PageAddress, buffer []byte) error
	writePage(page nand.PageAddress, buffer []byte) error
	erasePages(first nand.PageAddress, count uint32) error
	isBlank(page nand.PageAddress) (bool, error)
}

func fillErased(buffer []byte) {
	for i := range buffer {
		buffer[i] = 0xff
	}
}

func isErased(buffer []byte) bool {
	for _, b := range buffer {
		if b != 0xff {
			return false
		}
	}
	return true
}

////////////////////////////////////////////////////////////////////////////////

// memoryStore keeps only the pages that have been programmed, so a large
// simulated array costs memory in proportion to what's been written to it.
type memoryStore struct {
	pages map[nand.PageAddress][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{pages: make(map[nand.PageAddress][]byte)}
}

func (s *memoryStore) readPage(page nand.PageAddress, buffer []byte) error {
	stored, ok := s.pages[page]
	if !ok {
		fillErased(buffer)
		return nil
	}
	copy(buffer, stored)
	return nil
}

func (s *memoryStore) writePage(page nand.PageAddress, buffer []byte) error {
	stored, ok := s.pages[page]
	if !ok {
		stored = make([]byte, len(buffer))
		s.pages[page] = stored
	}
	copy(stored, buffer)
	return nil
}

func (s *memoryStore) erasePages(first nand.PageAddress, count uint32) error {
	for i := uint32(0); i < count; i++ {
		delete(s.pages, first+nand.PageAddress(i))
	}
	return nil
}

func (s *memoryStore) isBlank(page nand.PageAddress) (bool, error) {
	stored, ok := s.pages[page]
	return !ok || isErased(stored), nil
}

////////////////////////////////////////////////////////////////////////////////

// streamStore keeps the whole array in a seekable stream, such as an image
// file. Reading past the end of the stream gives erased pages.
type streamStore struct {
	stream     io.ReadWriteSeeker
	pageStride int64
	scratch    []byte
}

func newStreamStore(stream io.ReadWriteSeeker, pageStride int64) *streamStore {
	return &streamStore{
		stream:     stream,
		pageStride: pageStride,
		scratch:    make([]byte, pageStride),
	}
}

func (s *streamStore) seek(page nand.PageAddress) error {
	_, err := s.stream.Seek(int64(page)*s.pageStride, io.SeekStart)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (s *streamStore) readPage(page nand.PageAddress, buffer []byte) error {
	if err := s.seek(page); err != nil {
		return err
	}

	n, err := io.ReadFull(s.stream, buffer)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		fillErased(buffer[n:])
		return nil
	}
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (s *streamStore) writePage(page nand.PageAddress, buffer []byte) error {
	if err := s.seek(page); err != nil {
		return err
	}
	if _, err := s.stream.Write(buffer); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (s *streamStore) erasePages(first nand.PageAddress, count uint32) error {
	fillErased(s.scratch)
	for i := uint32(0); i < count; i++ {
		if err := s.writePage(first+nand.PageAddress(i), s.scratch); err != nil {
			return err
		}
	}
	return nil
}

func (s *streamStore) isBlank(page nand.PageAddress) (bool, error) {
	if err := s.readPage(page, s.scratch); err != nil {
		return false, err
	}
	return isErased(s.scratch), nil
}
