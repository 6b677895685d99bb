package bdb

import (
	"slices"

	"github.com/andreyvit/cabinet"
)

// searchLeaf descends to the leaf that holds or would hold key. The returned
// path lists the inner nodes visited, root first.
func (db *DB) searchLeaf(key []byte) (*leaf, []uint64, error) {
	var path []uint64
	id := db.meta.Root
	for isNode(id) {
		nd, err := db.loadNode(id)
		if err != nil {
			return nil, nil, err
		}
		path = append(path, id)
		if len(path) > 64 {
			return nil, nil, cabinet.DataErrorf(nil, 0, nil, "tree too deep at node %d", id)
		}
		id = nd.childFor(key, db.cmp)
	}
	lf, err := db.loadLeaf(id)
	if err != nil {
		return nil, nil, err
	}
	return lf, path, nil
}

func (db *DB) splitLeaf(lf *leaf, path []uint64) error {
	mid := len(lf.recs) / 2
	nl := db.newLeaf()
	nl.recs = slices.Clone(lf.recs[mid:])
	clear(lf.recs[mid:])
	lf.recs = lf.recs[:mid:mid]
	nl.prev = lf.id
	nl.next = lf.next
	if lf.next != 0 {
		nx, err := db.loadLeaf(lf.next)
		if err != nil {
			return err
		}
		nx.prev = nl.id
		nx.dirty = true
	} else {
		db.meta.Last = nl.id
		db.metaDirty = true
	}
	lf.next = nl.id
	lf.dirty = true
	return db.insertChild(path, lf.id, cabinet.Clone(nl.recs[0].key), nl.id)
}

// insertChild adds right as the sibling following left, separated by key, in
// the last node of path.
func (db *DB) insertChild(path []uint64, left uint64, key []byte, right uint64) error {
	if len(path) == 0 {
		nd := db.newNode()
		nd.heir = left
		nd.idxs = []index{{key, right}}
		db.meta.Root = nd.id
		db.metaDirty = true
		return nil
	}
	nd, err := db.loadNode(path[len(path)-1])
	if err != nil {
		return err
	}
	i := nd.upperBound(key, db.cmp)
	nd.idxs = slices.Insert(nd.idxs, i, index{key, right})
	nd.dirty = true
	if len(nd.idxs) > db.meta.NMemb {
		return db.splitNode(nd, path[:len(path)-1])
	}
	return nil
}

func (db *DB) splitNode(nd *node, path []uint64) error {
	mid := len(nd.idxs) / 2
	up := nd.idxs[mid]
	nn := db.newNode()
	nn.heir = up.child
	nn.idxs = slices.Clone(nd.idxs[mid+1:])
	nd.idxs = nd.idxs[:mid:mid]
	nd.dirty = true
	return db.insertChild(path, nd.id, up.key, nn.id)
}

// removeRecord deletes the record at i, removing the leaf if it became empty.
// Does not touch rnum.
func (db *DB) removeRecord(lf *leaf, i int, path []uint64) error {
	lf.recs = slices.Delete(lf.recs, i, i+1)
	lf.dirty = true
	if len(lf.recs) == 0 {
		return db.killLeaf(lf, path)
	}
	return nil
}

// killLeaf unlinks an empty leaf. The last remaining leaf stays as the root.
func (db *DB) killLeaf(lf *leaf, path []uint64) error {
	if len(path) == 0 {
		return nil
	}
	if lf.prev != 0 {
		pv, err := db.loadLeaf(lf.prev)
		if err != nil {
			return err
		}
		pv.next = lf.next
		pv.dirty = true
	} else {
		db.meta.First = lf.next
	}
	if lf.next != 0 {
		nx, err := db.loadLeaf(lf.next)
		if err != nil {
			return err
		}
		nx.prev = lf.prev
		nx.dirty = true
	} else {
		db.meta.Last = lf.prev
	}
	if err := db.dropLeaf(lf); err != nil {
		return err
	}
	return db.removeChild(path, lf.id)
}

// removeChild drops the reference to child from the last node of path,
// removing nodes left without children and collapsing a root with a single
// child.
func (db *DB) removeChild(path []uint64, child uint64) error {
	nd, err := db.loadNode(path[len(path)-1])
	if err != nil {
		return err
	}
	if nd.heir == child {
		if len(nd.idxs) == 0 {
			if len(path) == 1 {
				return cabinet.DataErrorf(nil, 0, nil, "root node %d left without children", nd.id)
			}
			if err := db.dropNode(nd); err != nil {
				return err
			}
			return db.removeChild(path[:len(path)-1], nd.id)
		}
		nd.heir = nd.idxs[0].child
		nd.idxs = slices.Delete(nd.idxs, 0, 1)
	} else {
		i := slices.IndexFunc(nd.idxs, func(x index) bool { return x.child == child })
		if i < 0 {
			return cabinet.DataErrorf(nil, 0, nil, "node %d does not link page %d", nd.id, child)
		}
		nd.idxs = slices.Delete(nd.idxs, i, i+1)
	}
	nd.dirty = true
	if len(path) == 1 {
		return db.collapseRoot()
	}
	return nil
}

func (db *DB) collapseRoot() error {
	for isNode(db.meta.Root) {
		nd, err := db.loadNode(db.meta.Root)
		if err != nil {
			return err
		}
		if len(nd.idxs) > 0 {
			return nil
		}
		db.meta.Root = nd.heir
		db.metaDirty = true
		if err := db.dropNode(nd); err != nil {
			return err
		}
	}
	return nil
}

// pos is a record position within a cached leaf. Valid only until the next
// structural change or cache adjustment.
type pos struct {
	lf *leaf
	i  int
}

func (p pos) rec() *record {
	return p.lf.recs[p.i]
}

// firstIn returns the first record at or after leaf id, skipping empty leaves.
func (db *DB) firstIn(id uint64) (pos, bool, error) {
	for id != 0 {
		lf, err := db.loadLeaf(id)
		if err != nil {
			return pos{}, false, err
		}
		if len(lf.recs) > 0 {
			return pos{lf, 0}, true, nil
		}
		id = lf.next
	}
	return pos{}, false, nil
}

// lastIn returns the last record at or before leaf id, skipping empty leaves.
func (db *DB) lastIn(id uint64) (pos, bool, error) {
	for id != 0 {
		lf, err := db.loadLeaf(id)
		if err != nil {
			return pos{}, false, err
		}
		if n := len(lf.recs); n > 0 {
			return pos{lf, n - 1}, true, nil
		}
		id = lf.prev
	}
	return pos{}, false, nil
}

func (db *DB) firstPos() (pos, bool, error) {
	return db.firstIn(db.meta.First)
}

func (db *DB) lastPos() (pos, bool, error) {
	return db.lastIn(db.meta.Last)
}

func (db *DB) nextPos(p pos) (pos, bool, error) {
	if p.i+1 < len(p.lf.recs) {
		return pos{p.lf, p.i + 1}, true, nil
	}
	return db.firstIn(p.lf.next)
}

func (db *DB) prevPos(p pos) (pos, bool, error) {
	if p.i > 0 {
		return pos{p.lf, p.i - 1}, true, nil
	}
	return db.lastIn(p.lf.prev)
}

// seek finds the first record with a key >= key.
func (db *DB) seek(key []byte) (pos, bool, error) {
	lf, _, err := db.searchLeaf(key)
	if err != nil {
		return pos{}, false, err
	}
	i, _ := lf.search(key, db.cmp)
	if i < len(lf.recs) {
		return pos{lf, i}, true, nil
	}
	return db.firstIn(lf.next)
}

// seekLast finds the last record with a key <= key.
func (db *DB) seekLast(key []byte) (pos, bool, error) {
	lf, _, err := db.searchLeaf(key)
	if err != nil {
		return pos{}, false, err
	}
	i, found := lf.search(key, db.cmp)
	if found {
		return pos{lf, i}, true, nil
	}
	if i > 0 {
		return pos{lf, i - 1}, true, nil
	}
	return db.lastIn(lf.prev)
}

// depth counts the levels from the root to the leaves.
func (db *DB) depth() (int, error) {
	n := 1
	id := db.meta.Root
	for isNode(id) {
		nd, err := db.loadNode(id)
		if err != nil {
			return 0, err
		}
		id = nd.heir
		n++
	}
	return n, nil
}
