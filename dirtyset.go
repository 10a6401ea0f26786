package txbtree

// dirtySet is the transaction-local collection of pages one top-level
// B+tree operation has already touched with write intent (spec.md §9,
// "Recursion through a mutable dirty set"). It is threaded as an
// explicit argument through the descent so that, e.g., a parent split
// triggered mid-insert observes the child mutations the same descent
// already made, and it takes precedence over the buffer pool's cache
// for the lifetime of one operation.
type dirtySet struct {
	pages map[PageID]Page
	order []PageID
}

func newDirtySet() *dirtySet {
	return &dirtySet{pages: make(map[PageID]Page)}
}

func (d *dirtySet) get(pid PageID) (Page, bool) {
	p, ok := d.pages[pid]
	return p, ok
}

func (d *dirtySet) put(p Page) {
	pid := p.ID()
	if _, exists := d.pages[pid]; !exists {
		d.order = append(d.order, pid)
	}
	d.pages[pid] = p
}

// touched returns every page this operation wrote to, in the order
// first touched, for installing into the buffer pool's cache after the
// operation completes.
func (d *dirtySet) touched() []Page {
	out := make([]Page, 0, len(d.order))
	for _, pid := range d.order {
		out = append(out, d.pages[pid])
	}
	return out
}

// remove drops pid from the set, used when a page is freed mid-operation
// (a merge) so a freed page is never installed into the cache afterward.
func (d *dirtySet) remove(pid PageID) {
	delete(d.pages, pid)
	for i, p := range d.order {
		if p == pid {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}
