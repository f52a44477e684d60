package errors_test

import (
	"fmt"
	"io"
	"testing"

	"codeberg.org/mutker/pcslog/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	f := errors.New()

	assert.Equal(t, "Invalid interval value", f.New(errors.ErrInvalidInterval).Error())
	assert.Equal(t, "Operation failed: EOF", f.Wrap(errors.ErrOperationFailed, io.EOF).Error())
	assert.Equal(t, "bad: 3", f.WithMessage(errors.ErrInvalidArgument, "bad").WithData(3).Error())
	assert.Equal(t, "some_unknown_code", f.New("some_unknown_code").Error())
}

func TestHasCode(t *testing.T) {
	f := errors.New()
	inner := f.Wrap(errors.ErrReadConfig, io.EOF)
	outer := f.Wrap(errors.ErrInvalidConfig, fmt.Errorf("loading: %w", inner))

	assert.True(t, errors.HasCode(outer, errors.ErrInvalidConfig))
	assert.False(t, errors.HasCode(io.EOF, errors.ErrReadConfig))
	assert.True(t, errors.Is(outer, io.EOF))
	assert.Equal(t, errors.ErrInvalidConfig, errors.CodeOf(outer))
	assert.Equal(t, errors.ErrInternal, errors.CodeOf(io.EOF))
}
