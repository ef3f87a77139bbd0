package symtab

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddrIndex(t *testing.T) {
	it := NewAddrIndex(4)
	for i, v := range []uint64{0x1000, 0x2000, 0x2000, 0x3000} {
		it.Set(i, v)
	}
	require.True(t, it.Is32())
	require.Equal(t, -1, it.FindIndex(0xfff))
	require.Equal(t, 0, it.FindIndex(0x1000))
	require.Equal(t, 0, it.FindIndex(0x1fff))
	require.Equal(t, 1, it.FindIndex(0x2000))
	require.Equal(t, 1, it.FindIndex(0x2fff))
	require.Equal(t, 3, it.FindIndex(math.MaxUint64))

	it.Set(3, 0x1_0000_0000)
	require.False(t, it.Is32())
	require.Equal(t, uint64(0x2000), it.Get(2))
	require.Equal(t, 1, it.FindIndex(0xffff_ffff))
	require.Equal(t, 3, it.FindIndex(0x1_0000_0001))

	empty := NewAddrIndex(0)
	require.Equal(t, -1, empty.FindIndex(1))
}

func TestMap(t *testing.T) {
	m := NewMap([]Entry{
		{Address: 0x2000, Size: 0x10, Name: "b"},
		{Address: 0x1000, Name: "a"},
		{Address: 0x2000, Size: 0x10, Name: "b"},
	})
	require.Equal(t, 2, m.Len())

	tests := []struct {
		addr uint64
		name string
		ok   bool
	}{
		{0x0fff, "", false},
		{0x1000, "a", true},
		{0x1fff, "a", true},
		{0x200f, "b", true},
		{0x2010, "", false},
	}
	for _, tt := range tests {
		e, ok := m.Resolve(tt.addr)
		require.Equal(t, tt.ok, ok, "0x%x", tt.addr)
		require.Equal(t, tt.name, e.Name, "0x%x", tt.addr)
	}
}

type countingNames struct {
	names []string
	calls int
}

func (n *countingNames) Name(i int) string {
	n.calls++
	return n.names[i]
}

func TestSortedMapResolvesNamesOnDemand(t *testing.T) {
	index := NewAddrIndex(3)
	for i, v := range []uint64{0x100, 0x200, 0x300} {
		index.Set(i, v)
	}
	names := &countingNames{names: []string{"a", "b", "c"}}
	m := NewSortedMap(index, []uint64{0x10, 0, 0x10}, names)
	require.Equal(t, 3, m.Len())
	require.Zero(t, names.calls)

	e, ok := m.Resolve(0x2ff)
	require.True(t, ok)
	require.Equal(t, Entry{Address: 0x200, Name: "b"}, e)
	_, ok = m.Resolve(0x110)
	require.False(t, ok)
	require.Equal(t, 1, names.calls)

	require.Equal(t, Entry{Address: 0x300, Size: 0x10, Name: "c"}, m.Entry(2))
}
