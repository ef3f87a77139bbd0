package pod

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/objfile/pkg/binread"
	"github.com/grafana/objfile/pkg/objerr"
)

type pair struct {
	A uint16
	B uint32
}

func TestRead(t *testing.T) {
	d := binread.Data{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0xff}
	v, err := Read[pair](d, 0, binary.BigEndian)
	require.NoError(t, err)
	require.Equal(t, pair{A: 0x0102, B: 0x03040506}, v)

	v, err = Read[pair](d, 0, Little.Order())
	require.NoError(t, err)
	require.Equal(t, pair{A: 0x0201, B: 0x06050403}, v)

	_, err = Read[pair](d, 2, binary.BigEndian)
	require.ErrorIs(t, err, objerr.OutOfBounds)
	_, err = Read[pair](d[:3], 0, binary.BigEndian)
	require.ErrorIs(t, err, objerr.OutOfBounds)
}

func TestReadSlice(t *testing.T) {
	d := make(binread.Data, 18)
	d[6] = 7
	got, err := ReadSlice[pair](d, 0, 3, binary.BigEndian)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, uint16(0x0700), got[1].A)

	_, err = ReadSlice[pair](d, 1, 3, binary.BigEndian)
	require.ErrorIs(t, err, objerr.InvalidTable)

	got, err = ReadSlice[pair](d, 18, 0, binary.BigEndian)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, uint64(16), AlignUp[uint64](10, 8))
	require.Equal(t, uint64(16), AlignUp[uint64](16, 8))
	require.Equal(t, uint32(13), AlignUp[uint32](13, 0))
	require.Equal(t, uint32(13), AlignUp[uint32](13, 1))
	require.True(t, IsPow2[uint64](4096))
	require.False(t, IsPow2[uint64](24))
}

func TestEndian(t *testing.T) {
	require.Equal(t, Big, EndianOf(Big.Order()))
	require.Equal(t, Little, EndianOf(binary.LittleEndian))
	require.Equal(t, Size[pair](), uint64(6))
	require.True(t, Width64.Is64())
}
