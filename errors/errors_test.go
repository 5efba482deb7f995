package errors_test

import (
	stderrors "errors"
	"testing"

	"github.com/dargueta/nandmedia/errors"
	"github.com/stretchr/testify/assert"
)

func TestDriverErrorWithMessage(t *testing.T) {
	newErr := errors.ErrNoGoodBlocks.WithMessage("chip 0 block 12")
	assert.Equal(
		t, "No good blocks in search window: chip 0 block 12", newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, errors.ErrNoGoodBlocks)
	assert.NotErrorIs(t, newErr, errors.ErrWriteFailed)
	assert.Equal(t, errors.ENOGOODBLOCKS, newErr.Code())
}

func TestDriverErrorWrap(t *testing.T) {
	originalErr := stderrors.New("original error")
	newErr := errors.ErrIOFailed.Wrap(originalErr)
	expectedMessage := "Input/output error: original error"

	assert.EqualValues(t, expectedMessage, newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, originalErr, "original error not set as parent")
	assert.ErrorIs(t, newErr, errors.ErrIOFailed, "driver error not set as parent")
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, errors.EOK, errors.CodeOf(nil))
	assert.Equal(t, errors.EIO, errors.CodeOf(stderrors.New("plain")))
	assert.Equal(
		t,
		errors.EBADCOOKIE,
		errors.CodeOf(errors.NewWithMessage(errors.EBADCOOKIE, "chip 2")))
}

func TestIsWriteFailure(t *testing.T) {
	assert.True(t, errors.IsWriteFailure(errors.ErrWriteFailed.WithMessage("block 7")))
	assert.False(t, errors.IsWriteFailure(errors.ErrUncorrectable))
	assert.False(t, errors.IsWriteFailure(nil))
}

func TestStrErrorUnknown(t *testing.T) {
	assert.Equal(t, "Unknown error 9999", errors.StrError(errors.Code(9999)))
}
