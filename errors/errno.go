// Error codes for the NAND media layer. They play the same role as POSIX errno
// values do for a file system driver: every error that crosses a package
// boundary carries one, so callers can branch on the kind of failure without
// parsing messages.

package errors

import (
	"fmt"
)

type Code int

const (
	EOK Code = iota
	EIO
	EINVAL
	ENOTSUP
	ENOTINIT
	EALREADYINIT
	EINVALIDTAG
	EINVALIDSELECTOR
	EMEDIANOTERASED
	EMEDIAERASED
	EMEDIASTATE
	EDRIVETOOLARGE
	EREGIONTABLEFULL
	ENOGOODBLOCKS
	ETOOMANYHIDDEN
	ENCBNOTFOUND
	ELDLBNOTFOUND
	EDBBTNOTFOUND
	ECONFIGNOTFOUND
	EBADCOOKIE
	EBADVERSION
	ECHIPMISMATCH
	EWRITEFAILED
	EUNCORRECTABLE
	EWRITEPROTECTED
	ESECTORRANGE
	EQUEUEFULL
	EBADMAGIC
	ENOSPC
	EALREADY
)

var ErrIOFailed = New(EIO)
var ErrInvalidArgument = New(EINVAL)
var ErrNotSupported = New(ENOTSUP)
var ErrNotInitialized = New(ENOTINIT)
var ErrAlreadyInitialized = New(EALREADYINIT)
var ErrInvalidTag = New(EINVALIDTAG)
var ErrInvalidSelector = New(EINVALIDSELECTOR)
var ErrMediaNotErased = New(EMEDIANOTERASED)
var ErrMediaErased = New(EMEDIAERASED)
var ErrMediaState = New(EMEDIASTATE)
var ErrDriveTooLarge = New(EDRIVETOOLARGE)
var ErrRegionTableFull = New(EREGIONTABLEFULL)
var ErrNoGoodBlocks = New(ENOGOODBLOCKS)
var ErrTooManyHiddenDrives = New(ETOOMANYHIDDEN)
var ErrNCBNotFound = New(ENCBNOTFOUND)
var ErrLDLBNotFound = New(ELDLBNOTFOUND)
var ErrDBBTNotFound = New(EDBBTNOTFOUND)
var ErrConfigBlockNotFound = New(ECONFIGNOTFOUND)
var ErrBadCookie = New(EBADCOOKIE)
var ErrBadVersion = New(EBADVERSION)
var ErrChipMismatch = New(ECHIPMISMATCH)
var ErrWriteFailed = New(EWRITEFAILED)
var ErrUncorrectable = New(EUNCORRECTABLE)
var ErrWriteProtected = New(EWRITEPROTECTED)
var ErrSectorOutOfRange = New(ESECTORRANGE)
var ErrQueueFull = New(EQUEUEFULL)
var ErrBadMagic = New(EBADMAGIC)
var ErrNoSpace = New(ENOSPC)
var ErrAlready = New(EALREADY)

var errorMessagesByCode = map[Code]string{
	EOK:              "Success",
	EIO:              "Input/output error",
	EINVAL:           "Invalid argument",
	ENOTSUP:          "Operation not supported",
	ENOTINIT:         "Not initialized",
	EALREADYINIT:     "Already initialized",
	EINVALIDTAG:      "No drive with that tag",
	EINVALIDSELECTOR: "Invalid info selector",
	EMEDIANOTERASED:  "Media must be erased first",
	EMEDIAERASED:     "Media is erased and must be allocated first",
	EMEDIASTATE:      "Media is in the wrong state",
	EDRIVETOOLARGE:   "Drive does not fit on the media",
	EREGIONTABLEFULL: "Region table is full",
	ENOGOODBLOCKS:    "No good blocks in search window",
	ETOOMANYHIDDEN:   "Too many hidden drives",
	ENCBNOTFOUND:     "NCB not found",
	ELDLBNOTFOUND:    "LDLB not found",
	EDBBTNOTFOUND:    "DBBT not found",
	ECONFIGNOTFOUND:  "Config block not found",
	EBADCOOKIE:       "Bad config block magic cookie",
	EBADVERSION:      "Unsupported config block version",
	ECHIPMISMATCH:    "Chip number mismatch",
	EWRITEFAILED:     "Write failed",
	EUNCORRECTABLE:   "Uncorrectable ECC error",
	EWRITEPROTECTED:  "Drive is write protected",
	ESECTORRANGE:     "Sector out of range",
	EQUEUEFULL:       "Deferred task queue is full",
	EBADMAGIC:        "Bad magic number",
	ENOSPC:           "No free blocks left",
	EALREADY:         "Operation already done",
}

// StrError returns the default message for an error code.
func StrError(code Code) string {
	message, ok := errorMessagesByCode[code]
	if ok {
		return message
	}
	return fmt.Sprintf("Unknown error %d", int(code))
}
