package names

import "sort"

// freeList hands out the lowest integer at or above base that is not in use.
// Released values are reused before the list grows.
type freeList struct {
	base  int
	limit int
	used  map[int]struct{}
}

func newFreeList(base, limit int) *freeList {
	return &freeList{base: base, limit: limit, used: make(map[int]struct{})}
}

// get returns the next free value, or false when the range is exhausted.
func (f *freeList) get() (int, bool) {
	for n := f.base; f.limit <= 0 || n <= f.limit; n++ {
		if _, ok := f.used[n]; !ok {
			f.used[n] = struct{}{}
			return n, true
		}
	}
	return 0, false
}

// take marks n as used whether or not it is in range.
func (f *freeList) take(n int) {
	f.used[n] = struct{}{}
}

func (f *freeList) release(n int) {
	delete(f.used, n)
}

func (f *freeList) inUse(n int) bool {
	_, ok := f.used[n]
	return ok
}

func (f *freeList) values() []int {
	out := make([]int, 0, len(f.used))
	for n := range f.used {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
