package rewind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorPredicates(t *testing.T) {
	cause := errors.New("disk full")

	tests := []struct {
		name string
		err  error
		want func(error) bool
	}{
		{"storage", storageErr("append snapshot", cause), IsStorage},
		{"encoding", encodingErr("encode substate", "profile", cause), IsEncoding},
		{"misuse", misuseErr("open", cause), IsMisuse},
		{"transform", transformErr(cause), IsTransform},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want(tt.err))
			assert.ErrorIs(t, tt.err, cause)

			// Each predicate matches only its own category
			for _, other := range tests {
				if other.name != tt.name {
					assert.False(t, other.want(tt.err),
						"%s predicate matched a %s error", other.name, tt.name)
				}
			}
		})
	}
}

func TestErrorPredicates_WrappedChain(t *testing.T) {
	inner := storageErr("commit", errors.New("locked"))
	outer := fmt.Errorf("update: %w", inner)

	assert.True(t, IsStorage(outer))
	assert.False(t, IsStorage(errors.New("plain")))
	assert.False(t, IsStorage(nil))
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("bad byte")

	assert.Equal(t, "ENCODING: restore substate (key=profile): bad byte",
		encodingErr("restore substate", "profile", cause).Error())
	assert.Equal(t, "STORAGE: open: bad byte",
		storageErr("open", cause).Error())
	assert.Equal(t, "MISUSE: update",
		(&Error{Code: CodeMisuse, Op: "update"}).Error())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root")
	e := transformErr(cause)
	assert.Same(t, cause, errors.Unwrap(e))
}
