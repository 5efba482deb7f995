package nandmedia

// EraseMagic must be passed to a media's Erase. It keeps a stray call from
// wiping the boot blocks.
const EraseMagic = 0x45524153 // "ERAS"

// Allocation entry flags.
const (
	// FlagMinimumSize makes a hidden drive's size a minimum: spare blocks for
	// future bad blocks are added on top, as they are for system drives.
	// Without it a hidden drive gets exactly the good blocks it asked for.
	FlagMinimumSize = 1 << iota
	// FlagWriteProtected makes the drive start out write protected.
	FlagWriteProtected
)

// MaxHiddenDrives is the number of hidden drives a media can hold.
const MaxHiddenDrives = 2
