package config

import (
	"io"
	"os"

	"github.com/dargueta/nandmedia"
	"github.com/dargueta/nandmedia/errors"
	"github.com/gocarina/gocsv"
)

// LoadAllocationTable reads an allocation table from CSV. The header row names
// the columns: index, type, tag, size, flags. Types are written by name and
// tags may be given in hex with a 0x prefix.
func LoadAllocationTable(r io.Reader) ([]nandmedia.AllocationEntry, error) {
	var table []nandmedia.AllocationEntry
	if err := gocsv.Unmarshal(r, &table); err != nil {
		return nil, errors.ErrInvalidArgument.Wrap(err)
	}
	return table, nil
}

func LoadAllocationTableFile(path string) ([]nandmedia.AllocationEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}
	defer file.Close()
	return LoadAllocationTable(file)
}

// WriteAllocationTable writes a table in the format LoadAllocationTable reads.
func WriteAllocationTable(w io.Writer, table []nandmedia.AllocationEntry) error {
	if err := gocsv.Marshal(table, w); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}
