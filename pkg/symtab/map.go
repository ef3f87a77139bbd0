package symtab

import "sort"

// Entry is one named address range.
type Entry struct {
	Address uint64
	Size    uint64
	Name    string
}

// Names resolves the name of the i-th entry of a Map. Formats with string
// tables decode the name only when an address resolves to it.
type Names interface {
	Name(i int) string
}

type stringNames []string

func (n stringNames) Name(i int) string { return n[i] }

// Map resolves addresses to the closest preceding entry.
type Map struct {
	index AddrIndex
	sizes []uint64
	names Names
}

// NewMap sorts entries by address, dropping exact duplicates.
func NewMap(entries []Entry) *Map {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Address < sorted[j].Address
	})
	uniq := sorted[:0]
	for i, e := range sorted {
		if i > 0 && e == sorted[i-1] {
			continue
		}
		uniq = append(uniq, e)
	}
	index := NewAddrIndex(len(uniq))
	sizes := make([]uint64, len(uniq))
	names := make(stringNames, len(uniq))
	for i, e := range uniq {
		index.Set(i, e.Address)
		sizes[i] = e.Size
		names[i] = e.Name
	}
	return &Map{index: index, sizes: sizes, names: names}
}

// NewSortedMap wraps entries that are already sorted by address. sizes and
// names are indexed like index.
func NewSortedMap(index AddrIndex, sizes []uint64, names Names) *Map {
	return &Map{index: index, sizes: sizes, names: names}
}

func (m *Map) Len() int { return m.index.Length() }

// Entry returns the i-th entry in address order.
func (m *Map) Entry(i int) Entry {
	return Entry{Address: m.index.Get(i), Size: m.sizes[i], Name: m.names.Name(i)}
}

// Resolve returns the entry covering addr. Entries with a zero size cover
// everything up to the next entry.
func (m *Map) Resolve(addr uint64) (Entry, bool) {
	i := m.index.FindIndex(addr)
	if i < 0 {
		return Entry{}, false
	}
	start, size := m.index.Get(i), m.sizes[i]
	if size != 0 && addr-start >= size {
		return Entry{}, false
	}
	return Entry{Address: start, Size: size, Name: m.names.Name(i)}, true
}
