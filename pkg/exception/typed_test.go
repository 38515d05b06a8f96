package exception

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	yerrors "github.com/yanun0323/errors"
)

func TestTypedErrorsUnwrapToTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		root error
	}{
		{NewValidationError("id", "is nil"), ErrValidation},
		{&ThrottledError{Category: "new_orders"}, ErrThrottled},
		{&CodecError{Stage: StageCompress, Direction: DirectionDecode, Err: io.ErrUnexpectedEOF}, ErrCodec},
		{&TimeoutError{CorrelationID: 7, After: time.Second}, ErrTimeout},
		{&ConnectionError{Addr: "127.0.0.1:1", Err: io.EOF}, ErrConnection},
	}
	for _, c := range cases {
		assert.ErrorIs(t, c.err, c.root, c.err.Error())
	}
}

func TestCodecErrorKeepsCause(t *testing.T) {
	err := &CodecError{Stage: StageEncrypt, Direction: DirectionDecode, Type: "NewOrder", Size: 12, Err: io.ErrShortBuffer}
	assert.ErrorIs(t, err, io.ErrShortBuffer)
	assert.Contains(t, err.Error(), "decode encrypt")

	var target *CodecError
	assert.True(t, errors.As(error(err), &target))
	assert.Equal(t, 12, target.Size)
}

func TestWrappedSentinelsStayInChain(t *testing.T) {
	sentinels := []error{
		ErrMailboxFull, ErrBusClosed, ErrUnknownDestination, ErrNoHandler,
		ErrNotConnected, ErrServerClosed, ErrNilInstance, ErrValidation,
	}
	for _, s := range sentinels {
		wrapped := yerrors.Wrap(s, "send to slow")
		assert.ErrorIs(t, wrapped, s, wrapped.Error())
		assert.ErrorIs(t, yerrors.Wrapf(wrapped, "outer %d", 1), s)
	}
}
