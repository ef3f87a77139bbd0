// Package symtab holds address-sorted lookup structures shared by the format
// parsers and the unified object view.
package symtab

import (
	"math"
	"slices"
)

// AddrIndex is a sorted list of addresses stored as uint32 until a value
// needs 64 bits.
type AddrIndex struct {
	i32 []uint32
	i64 []uint64
}

func NewAddrIndex(sz int) AddrIndex {
	return AddrIndex{
		i32: make([]uint32, sz),
	}
}

func (it *AddrIndex) Set(idx int, value uint64) {
	if it.i32 != nil && value < math.MaxUint32 {
		it.i32[idx] = uint32(value)
		return
	}
	it.setImpl(idx, value)
}

func (it *AddrIndex) setImpl(idx int, value uint64) {
	if it.i32 == nil {
		it.i64[idx] = value
		return
	}
	values64 := make([]uint64, len(it.i32))
	for j := range it.i32 {
		values64[j] = uint64(it.i32[j])
	}
	it.i32 = nil
	values64[idx] = value
	it.i64 = values64
}

func (it *AddrIndex) Length() int {
	if it.i32 != nil {
		return len(it.i32)
	}
	return len(it.i64)
}

func (it *AddrIndex) Get(idx int) uint64 {
	if it.i32 != nil {
		return uint64(it.i32[idx])
	}
	return it.i64[idx]
}

func (it *AddrIndex) Is32() bool {
	return it.i32 != nil
}

// FindIndex returns the index of the last entry whose address is <= addr.
// Among equal addresses the first one wins. It returns -1 when addr precedes
// every entry.
func (it *AddrIndex) FindIndex(addr uint64) int {
	if it.Length() == 0 {
		return -1
	}
	if it.i32 != nil {
		if addr < uint64(it.i32[0]) {
			return -1
		}
		if addr > math.MaxUint32 {
			addr = math.MaxUint32
		}
		return findIndex(it.i32, uint32(addr))
	}
	if addr < it.i64[0] {
		return -1
	}
	return findIndex(it.i64, addr)
}

func findIndex[T uint32 | uint64](values []T, addr T) int {
	i, found := slices.BinarySearch(values, addr)
	if !found {
		i--
	}
	v := values[i]
	for i > 0 && values[i-1] == v {
		i--
	}
	return i
}
