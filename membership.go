package txbtree

import boom "github.com/tylertreat/BoomFilters"

// leafMembership is the advisory, in-memory-only acceleration
// structure described in SPEC_FULL.md §3.1: a scalable bloom filter
// over a leaf page's serialized keys, rebuilt whenever the page's
// tuple set changes. It is never part of the on-disk format (spec.md
// §6) and a false positive only costs one extra in-page scan, so it
// never needs to be exact.
type leafMembership struct {
	filter *boom.ScalableBloomFilter
}

func newLeafMembership() *leafMembership {
	return &leafMembership{filter: boom.NewDefaultScalableBloomFilter(0.01)}
}

func (m *leafMembership) add(key Field) {
	if m == nil {
		return
	}
	m.filter.Add(serializeKey(key))
}

// mayContain reports whether key might be present on the page. A
// false return is conclusive ("definitely not here"); a true return
// means the caller must still scan.
func (m *leafMembership) mayContain(key Field) bool {
	if m == nil {
		return true
	}
	return m.filter.Test(serializeKey(key))
}

// rebuild clears and repopulates the filter from the given keys,
// called after any structural change to the leaf's tuple set.
func (m *leafMembership) rebuild(keys []Field) {
	if m == nil {
		return
	}
	m.filter = boom.NewDefaultScalableBloomFilter(0.01)
	for _, k := range keys {
		m.filter.Add(serializeKey(k))
	}
}
