package bdb

import (
	"encoding/binary"
	"errors"
	"slices"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/cabinet"
)

const (
	metaID     uint64 = 0
	firstLeaf  uint64 = 1
	nodeIDBase uint64 = 1 << 48
)

func isNode(id uint64) bool {
	return id >= nodeIDBase
}

func pageKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, id)
}

// meta is the tree root record, stored under page id 0.
type meta struct {
	Root     uint64 `msgpack:"root"`
	First    uint64 `msgpack:"first"`
	Last     uint64 `msgpack:"last"`
	NextLeaf uint64 `msgpack:"nleaf"`
	NextNode uint64 `msgpack:"nnode"`
	Rnum     int64  `msgpack:"rnum"`
	Leaves   int64  `msgpack:"leaves"`
	Nodes    int64  `msgpack:"nodes"`
	LMemb    int    `msgpack:"lmemb"`
	NMemb    int    `msgpack:"nmemb"`
	Cmp      string `msgpack:"cmp"`
}

// record is a key with its duplicate values, in insertion order.
type record struct {
	key  []byte
	vals [][]byte
	gen  uint64 // not stored
}

type leaf struct {
	id    uint64
	prev  uint64
	next  uint64
	recs  []*record
	dirty bool
}

func (lf *leaf) search(key []byte, cmp cabinet.Comparator) (int, bool) {
	return slices.BinarySearchFunc(lf.recs, key, func(r *record, k []byte) int {
		return cmp(r.key, k)
	})
}

func (lf *leaf) encode() []byte {
	var bb cabinet.Builder
	bb.AppendUvarint(lf.prev)
	bb.AppendUvarint(lf.next)
	bb.AppendUvarint(uint64(len(lf.recs)))
	for _, r := range lf.recs {
		bb.AppendVarBytes(r.key)
		bb.AppendUvarint(uint64(len(r.vals)))
		for _, v := range r.vals {
			bb.AppendVarBytes(v)
		}
	}
	return bb.Buf
}

func decodeLeaf(id uint64, data []byte) (*leaf, error) {
	d := cabinet.NewDecoder(data)
	lf := &leaf{id: id}
	var err error
	if lf.prev, err = d.Uvarint(); err != nil {
		return nil, err
	}
	if lf.next, err = d.Uvarint(); err != nil {
		return nil, err
	}
	n, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	if n > len(data) {
		return nil, cabinet.DataErrorf(data, d.Off(), nil, "leaf %d: bad record count %d", id, n)
	}
	lf.recs = make([]*record, 0, n)
	for range n {
		r := &record{}
		if r.key, err = d.VarBytes(); err != nil {
			return nil, err
		}
		nv, err := d.Uvarinti()
		if err != nil {
			return nil, err
		}
		if nv == 0 || nv > len(data) {
			return nil, cabinet.DataErrorf(data, d.Off(), nil, "leaf %d: record without values", id)
		}
		r.vals = make([][]byte, nv)
		for j := range r.vals {
			if r.vals[j], err = d.VarBytes(); err != nil {
				return nil, err
			}
		}
		lf.recs = append(lf.recs, r)
	}
	if !d.Done() {
		return nil, cabinet.DataErrorf(data, d.Off(), nil, "leaf %d: trailing bytes", id)
	}
	return lf, nil
}

// index routes keys >= key to child.
type index struct {
	key   []byte
	child uint64
}

// node routes keys below its first index to heir.
type node struct {
	id    uint64
	heir  uint64
	idxs  []index
	dirty bool
}

// upperBound returns the position of the first index with a key above key.
func (nd *node) upperBound(key []byte, cmp cabinet.Comparator) int {
	i, found := slices.BinarySearchFunc(nd.idxs, key, func(x index, k []byte) int {
		return cmp(x.key, k)
	})
	if found {
		i++
	}
	return i
}

func (nd *node) childFor(key []byte, cmp cabinet.Comparator) uint64 {
	i := nd.upperBound(key, cmp)
	if i == 0 {
		return nd.heir
	}
	return nd.idxs[i-1].child
}

func (nd *node) encode() []byte {
	var bb cabinet.Builder
	bb.AppendUvarint(nd.heir)
	bb.AppendUvarint(uint64(len(nd.idxs)))
	for _, x := range nd.idxs {
		bb.AppendVarBytes(x.key)
		bb.AppendUvarint(x.child)
	}
	return bb.Buf
}

func decodeNode(id uint64, data []byte) (*node, error) {
	d := cabinet.NewDecoder(data)
	nd := &node{id: id}
	var err error
	if nd.heir, err = d.Uvarint(); err != nil {
		return nil, err
	}
	n, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	if n > len(data) {
		return nil, cabinet.DataErrorf(data, d.Off(), nil, "node %d: bad index count %d", id, n)
	}
	nd.idxs = make([]index, n)
	for i := range nd.idxs {
		if nd.idxs[i].key, err = d.VarBytes(); err != nil {
			return nil, err
		}
		if nd.idxs[i].child, err = d.Uvarint(); err != nil {
			return nil, err
		}
	}
	if !d.Done() {
		return nil, cabinet.DataErrorf(data, d.Off(), nil, "node %d: trailing bytes", id)
	}
	return nd, nil
}

func newCache() *simplelru.LRU {
	// eviction is driven by adjustCache, which writes dirty pages back
	c, err := simplelru.NewLRU(1<<30, nil)
	if err != nil {
		panic(err)
	}
	return c
}

// moved marks r as changed in a way that gives its values new indexes.
func (db *DB) moved(r *record) {
	db.gen++
	r.gen = db.gen
}

func (db *DB) loadPage(id uint64) ([]byte, error) {
	data, err := db.hdb.Get(pageKey(id))
	if errors.Is(err, cabinet.ErrNotFound) {
		return nil, cabinet.DataErrorf(nil, 0, nil, "missing page %d", id)
	}
	return data, err
}

func (db *DB) loadLeaf(id uint64) (*leaf, error) {
	if v, ok := db.leaves.Get(id); ok {
		return v.(*leaf), nil
	}
	if isNode(id) || id == metaID {
		return nil, cabinet.DataErrorf(nil, 0, nil, "page %d is not a leaf", id)
	}
	data, err := db.loadPage(id)
	if err != nil {
		return nil, err
	}
	lf, err := decodeLeaf(id, data)
	if err != nil {
		return nil, err
	}
	for _, r := range lf.recs {
		r.gen = db.loadGen
	}
	db.leaves.Add(id, lf)
	return lf, nil
}

func (db *DB) loadNode(id uint64) (*node, error) {
	if v, ok := db.nodes.Get(id); ok {
		return v.(*node), nil
	}
	data, err := db.loadPage(id)
	if err != nil {
		return nil, err
	}
	nd, err := decodeNode(id, data)
	if err != nil {
		return nil, err
	}
	db.nodes.Add(id, nd)
	return nd, nil
}

func (db *DB) newLeaf() *leaf {
	lf := &leaf{id: db.meta.NextLeaf, dirty: true}
	db.meta.NextLeaf++
	db.meta.Leaves++
	db.metaDirty = true
	db.leaves.Add(lf.id, lf)
	return lf
}

func (db *DB) newNode() *node {
	nd := &node{id: db.meta.NextNode, dirty: true}
	db.meta.NextNode++
	db.meta.Nodes++
	db.metaDirty = true
	db.nodes.Add(nd.id, nd)
	return nd
}

func (db *DB) dropPage(id uint64) error {
	err := db.hdb.Out(pageKey(id))
	if errors.Is(err, cabinet.ErrNotFound) {
		// never written
		return nil
	}
	return err
}

func (db *DB) dropLeaf(lf *leaf) error {
	db.leaves.Remove(lf.id)
	db.meta.Leaves--
	db.metaDirty = true
	return db.dropPage(lf.id)
}

func (db *DB) dropNode(nd *node) error {
	db.nodes.Remove(nd.id)
	db.meta.Nodes--
	db.metaDirty = true
	return db.dropPage(nd.id)
}

func (db *DB) storeLeaf(lf *leaf) error {
	if err := db.hdb.Put(pageKey(lf.id), lf.encode()); err != nil {
		return err
	}
	lf.dirty = false
	return nil
}

func (db *DB) storeNode(nd *node) error {
	if err := db.hdb.Put(pageKey(nd.id), nd.encode()); err != nil {
		return err
	}
	nd.dirty = false
	return nil
}

func (db *DB) loadMeta() error {
	data, err := db.loadPage(metaID)
	if err != nil {
		return err
	}
	var m meta
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return cabinet.DataErrorf(data, 0, err, "bad tree meta")
	}
	if m.Root == metaID || m.LMemb <= 0 || m.NMemb <= 0 {
		return cabinet.DataErrorf(data, 0, nil, "bad tree meta")
	}
	db.meta = m
	db.metaDirty = false
	return nil
}

func (db *DB) storeMeta() error {
	data, err := msgpack.Marshal(&db.meta)
	if err != nil {
		return err
	}
	if err := db.hdb.Put(pageKey(metaID), data); err != nil {
		return err
	}
	db.metaDirty = false
	return nil
}

// flushPages writes every dirty cached page and the meta record.
func (db *DB) flushPages() error {
	for _, k := range db.leaves.Keys() {
		v, _ := db.leaves.Peek(k)
		if lf := v.(*leaf); lf.dirty {
			if err := db.storeLeaf(lf); err != nil {
				return err
			}
		}
	}
	for _, k := range db.nodes.Keys() {
		v, _ := db.nodes.Peek(k)
		if nd := v.(*node); nd.dirty {
			if err := db.storeNode(nd); err != nil {
				return err
			}
		}
	}
	if db.metaDirty {
		return db.storeMeta()
	}
	return nil
}

// adjustCache evicts the least recently used pages above the cache limits,
// writing back dirty ones.
func (db *DB) adjustCache() error {
	for db.leaves.Len() > db.lcnum {
		k, v, _ := db.leaves.RemoveOldest()
		lf := v.(*leaf)
		if lf.dirty {
			if err := db.storeLeaf(lf); err != nil {
				db.leaves.Add(k, lf)
				return err
			}
		}
		for _, r := range lf.recs {
			db.loadGen = max(db.loadGen, r.gen)
		}
	}
	for db.nodes.Len() > db.ncnum {
		k, v, _ := db.nodes.RemoveOldest()
		if nd := v.(*node); nd.dirty {
			if err := db.storeNode(nd); err != nil {
				db.nodes.Add(k, nd)
				return err
			}
		}
	}
	return nil
}

func (db *DB) purgeCache() {
	db.loadGen = db.gen
	db.leaves.Purge()
	db.nodes.Purge()
}
