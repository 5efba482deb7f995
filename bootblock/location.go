package bootblock

import "fmt"

// LocationState records what's known about one copy of a boot block.
type LocationState uint8

const (
	LocationValid LocationState = iota
	LocationInvalid
	LocationEmpty
	LocationUnknown
)

func (s LocationState) String() string {
	switch s {
	case LocationValid:
		return "valid"
	case LocationInvalid:
		return "invalid"
	case LocationEmpty:
		return "empty"
	case LocationUnknown:
		return "unknown"
	}
	return fmt.Sprintf("LocationState(%d)", uint8(s))
}

// Location is where a boot block copy lives, and whether it was any good when
// last checked. It packs into 32 bits: the block in bits 0-27, the chip in
// bits 28-29 and the state in bits 30-31.
type Location struct {
	Chip uint32
	// Block is relative to the start of Chip.
	Block uint32
	State LocationState
}

const (
	locationBlockMask  = 1<<28 - 1
	locationChipShift  = 28
	locationChipMask   = 0x3
	locationStateShift = 30
)

// Pack encodes the location into its 32-bit form. Chip and block numbers too
// large for their fields are masked.
func (l Location) Pack() uint32 {
	return (l.Block & locationBlockMask) |
		(l.Chip&locationChipMask)<<locationChipShift |
		uint32(l.State&0x3)<<locationStateShift
}

// UnpackLocation is the inverse of [Location.Pack].
func UnpackLocation(packed uint32) Location {
	return Location{
		Chip:  (packed >> locationChipShift) & locationChipMask,
		Block: packed & locationBlockMask,
		State: LocationState(packed >> locationStateShift),
	}
}

func (l Location) String() string {
	return fmt.Sprintf("chip %d block %d (%s)", l.Chip, l.Block, l.State)
}
