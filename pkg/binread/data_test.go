package binread

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/objfile/pkg/objerr"
)

func TestBytes(t *testing.T) {
	d := Data{1, 2, 3, 4, 5, 6, 7, 8}
	tests := []struct {
		name string
		off  uint64
		n    uint64
		want []byte
		err  error
	}{
		{"whole", 0, 8, []byte(d), nil},
		{"middle", 2, 3, []byte{3, 4, 5}, nil},
		{"empty at end", 8, 0, []byte{}, nil},
		{"one past", 1, 8, nil, objerr.OutOfBounds},
		{"offset past", 9, 0, nil, objerr.OutOfBounds},
		{"overflow", math.MaxUint64, 2, nil, objerr.OutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := d.Bytes(tt.off, tt.n)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, b)
		})
	}
}

func TestTable(t *testing.T) {
	d := make(Data, 64)
	_, err := d.Table(16, 3, 16)
	require.NoError(t, err, "exact boundary")
	_, err = d.Table(16, 4, 16)
	require.ErrorIs(t, err, objerr.InvalidTable)
	_, err = d.Table(0, math.MaxUint64, 64)
	require.ErrorIs(t, err, objerr.InvalidTable)
	b, err := d.Table(64, 0, 40)
	require.NoError(t, err)
	require.Empty(t, b)
	b, err = d.Table(1000, 0, 40)
	require.NoError(t, err, "empty table past the end")
	require.Empty(t, b)
}

func TestIntegers(t *testing.T) {
	d := Data{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	v16, err := d.Uint16(0, binary.BigEndian)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0102), v16)
	v32, err := d.Uint32(4, binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, uint32(0x08070605), v32)
	v64, err := d.Word(0, binary.LittleEndian, true)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0807060504030201), v64)
	_, err = d.Uint64(1, binary.LittleEndian)
	require.ErrorIs(t, err, objerr.OutOfBounds)
	_, err = d.Uint8(8)
	require.ErrorIs(t, err, objerr.OutOfBounds)
}

func TestBytesUntil(t *testing.T) {
	d := Data("abc\x00def")
	b, err := d.BytesUntil(0, d.Len(), 0)
	require.NoError(t, err)
	require.Equal(t, "abc", string(b))

	_, err = d.BytesUntil(4, d.Len(), 0)
	require.ErrorIs(t, err, objerr.OutOfBounds)

	// the range end caps the scan even though a terminator follows
	_, err = d.BytesUntil(0, 2, 0)
	require.ErrorIs(t, err, objerr.OutOfBounds)

	_, err = d.BytesUntil(6, 3, 0)
	require.ErrorIs(t, err, objerr.OutOfBounds)
}

func TestClamp(t *testing.T) {
	d := Data{1, 2, 3, 4}
	require.Equal(t, Data{3, 4}, d.Clamp(2, 10))
	require.Empty(t, d.Clamp(5, 1))
	require.Equal(t, Data{2}, d.Clamp(1, 1))
}

func TestStringTable(t *testing.T) {
	st := NewStringTable([]byte("\x00.text\x00.data\x00tail"))
	for i := 0; i < 2; i++ {
		s, err := st.String(1)
		require.NoError(t, err)
		require.Equal(t, ".text", s)
	}
	s, err := st.String(3)
	require.NoError(t, err)
	require.Equal(t, "ext", s)
	s, err = st.String(0)
	require.NoError(t, err)
	require.Equal(t, "", s)

	_, err = st.String(13)
	require.ErrorIs(t, err, objerr.OutOfBounds, "unterminated entry is capped at the table end")
	_, err = st.String(100)
	require.ErrorIs(t, err, objerr.OutOfBounds)
}

func TestCursor(t *testing.T) {
	c := NewCursor(Data{1, 0, 2, 0, 0, 0, 0xe5, 0x8e, 0x26}, 0, binary.LittleEndian)
	require.Equal(t, uint16(1), c.Uint16())
	require.Equal(t, uint32(2), c.Uint32())
	require.Equal(t, uint64(624485), c.Uleb128())
	require.NoError(t, c.Err())
	require.Zero(t, c.Remaining())

	require.Zero(t, c.Uint8())
	require.ErrorIs(t, c.Err(), objerr.OutOfBounds)
	require.Zero(t, c.Uint32(), "errors are sticky")
}

func TestLeb128(t *testing.T) {
	tests := []struct {
		in   []byte
		u    uint64
		s    int64
		size uint64
	}{
		{[]byte{0x02}, 2, 2, 1},
		{[]byte{0x7f}, 127, -1, 1},
		{[]byte{0x80, 0x01}, 128, 128, 2},
		{[]byte{0xc0, 0xbb, 0x78}, 1973696, -123456, 3},
	}
	for _, tt := range tests {
		u, n, err := Uleb128(tt.in, 0)
		require.NoError(t, err)
		require.Equal(t, tt.u, u)
		require.Equal(t, tt.size, n)
		s, n, err := Sleb128(tt.in, 0)
		require.NoError(t, err)
		require.Equal(t, tt.s, s)
		require.Equal(t, tt.size, n)
	}
	_, _, err := Uleb128(Data{0x80}, 0)
	require.ErrorIs(t, err, objerr.OutOfBounds)
	_, _, err = Sleb128(Data{0x80, 0x80}, 0)
	require.ErrorIs(t, err, objerr.OutOfBounds)
}
