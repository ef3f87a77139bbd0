package objerr

import (
	"errors"
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestErrorIs(t *testing.T) {
	err := At(InvalidTable, 0x40, "section headers: %d entries", 12)
	require.ErrorIs(t, err, InvalidTable)
	require.NotErrorIs(t, err, OutOfBounds)
	require.Equal(t, "invalid table: section headers: 12 entries at offset 0x40", err.Error())

	wrapped := fmt.Errorf("parse: %w", err)
	require.ErrorIs(t, wrapped, InvalidTable)
	require.Equal(t, InvalidTable, KindOf(wrapped))

	wrapped = pkgerrors.Wrap(err, "member libfoo.o")
	require.ErrorIs(t, wrapped, InvalidTable)
}

func TestWrap(t *testing.T) {
	inner := errors.New("zlib: invalid header")
	err := Wrap(UnsupportedFeature, inner, "compressed section %q", ".debug_info")
	require.ErrorIs(t, err, UnsupportedFeature)
	require.ErrorIs(t, err, inner)
	require.Nil(t, Wrap(InvalidHeader, nil, "unused"))
}

func TestIsUsage(t *testing.T) {
	tests := []struct {
		err   error
		usage bool
	}{
		{New(InvalidWriteOrder, "add section after layout"), true},
		{New(IncompleteWrite, "section .text"), true},
		{New(OutOfBounds, "read"), false},
		{InvalidWriteOrder, true},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			require.Equal(t, tt.usage, IsUsage(tt.err))
		})
	}
}

func TestKindString(t *testing.T) {
	require.Equal(t, "unknown format", UnknownFormat.String())
	require.Equal(t, "kind(99)", Kind(99).String())
}
