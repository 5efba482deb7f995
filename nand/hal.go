// Package nand defines the contract between the media layer and the physical
// NAND driver, along with the geometry and addressing helpers both sides use.
//
// The driver is a black box: it reads and writes whole pages, erases whole
// blocks, and reports ECC outcomes. How the ECC is computed, how the GPMI
// timings are programmed and how commands reach the chip are its business.
package nand

// ReadStatus is the ECC outcome of a page read that didn't hit a hard I/O
// error.
type ReadStatus int

const (
	// ReadClean means no bit errors were found.
	ReadClean ReadStatus = iota
	// ReadCorrected means bit errors were found and corrected.
	ReadCorrected
	// ReadCorrectedNearThreshold means the data was corrected but the number
	// of flipped bits is close to what the ECC can handle. The block should be
	// refreshed before it degrades further.
	ReadCorrectedNearThreshold
	// ReadUncorrectable means the data could not be corrected. The contents of
	// the buffers are undefined.
	ReadUncorrectable
)

// IsUsable reports whether the read returned valid data.
func (s ReadStatus) IsUsable() bool {
	return s != ReadUncorrectable
}

func (s ReadStatus) String() string {
	switch s {
	case ReadClean:
		return "clean"
	case ReadCorrected:
		return "corrected"
	case ReadCorrectedNearThreshold:
		return "corrected-near-threshold"
	case ReadUncorrectable:
		return "uncorrectable"
	}
	return "unknown"
}

// PhysicalMedia is the interface the NAND driver implements.
//
// `data` buffers are always Geometry().PageDataSize bytes and `aux` buffers
// Geometry().PageMetadataSize bytes. `aux` may be nil when the caller doesn't
// care about the spare area.
//
// Program and erase failures must be reported with an error whose code is
// errors.EWRITEFAILED; the media layer reacts to those by retiring the block.
// Any other error is treated as a hard failure.
type PhysicalMedia interface {
	Geometry() Geometry
	// ReadID returns the chip's electronic signature. The media layer uses it
	// as the drives' serial number.
	ReadID() ([]byte, error)
	ReadPage(page PageAddress, data, aux []byte) (ReadStatus, error)
	// WritePage programs one page. Pages within a block must be programmed in
	// increasing order and only once between erases.
	WritePage(page PageAddress, data, aux []byte) error
	EraseBlock(block BlockAddress) error
	// IsBlockMarkedBad checks the factory or runtime bad block marker.
	IsBlockMarkedBad(block BlockAddress) (bool, error)
	MarkBlockBad(block BlockAddress) error
}

// BootStateRegisters are the persistent bits the boot ROM uses to tell
// software how the last boot went.
type BootStateRegisters interface {
	// BootedFromSecondary is set by the ROM when it couldn't boot from the
	// primary boot blocks.
	BootedFromSecondary() bool
	// RewriteNeeded is set when the primary boot blocks should be rewritten
	// even if they look valid.
	RewriteNeeded() bool
	SetBootedFromSecondary(value bool)
	SetRewriteNeeded(value bool)
}
