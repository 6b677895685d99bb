package hdb

import (
	"cmp"
	"math/bits"
	"slices"
)

type freeBlock struct {
	off  int64
	size int64
}

// freePool tracks reusable blocks by power-of-two size class. Blocks that do
// not fit into the pool are leaked until the next Optimize.
type freePool struct {
	classes [64][]freeBlock
	byEnd   map[int64]freeBlock
	n       int
	max     int
}

func sizeClass(size int64) int {
	return bits.Len64(uint64(size)) - 1
}

func (p *freePool) reset(max int) {
	clear(p.classes[:])
	p.byEnd = make(map[int64]freeBlock)
	p.n = 0
	p.max = max
}

func (p *freePool) len() int {
	return p.n
}

func (p *freePool) add(b freeBlock) bool {
	if p.n >= p.max {
		return false
	}
	c := sizeClass(b.size)
	p.classes[c] = append(p.classes[c], b)
	p.byEnd[b.off+b.size] = b
	p.n++
	return true
}

func (p *freePool) remove(b freeBlock) {
	c := sizeClass(b.size)
	list := p.classes[c]
	for i, e := range list {
		if e.off == b.off {
			list[i] = list[len(list)-1]
			p.classes[c] = list[:len(list)-1]
			delete(p.byEnd, b.off+b.size)
			p.n--
			return
		}
	}
}

// take returns the best-fitting block of at least size bytes.
func (p *freePool) take(size int64) (freeBlock, bool) {
	c := sizeClass(size)
	best := -1
	for i, e := range p.classes[c] {
		if e.size >= size && (best < 0 || e.size < p.classes[c][best].size) {
			best = i
		}
	}
	if best >= 0 {
		b := p.classes[c][best]
		p.remove(b)
		return b, true
	}
	for c++; c < len(p.classes); c++ {
		if list := p.classes[c]; len(list) > 0 {
			b := list[len(list)-1]
			p.remove(b)
			return b, true
		}
	}
	return freeBlock{}, false
}

func (p *freePool) takeEndingAt(end int64) (freeBlock, bool) {
	b, ok := p.byEnd[end]
	if ok {
		p.remove(b)
	}
	return b, ok
}

// blocks returns up to max blocks ordered by offset.
func (p *freePool) blocks(max int) []freeBlock {
	var all []freeBlock
	for _, list := range p.classes {
		all = append(all, list...)
	}
	slices.SortFunc(all, func(a, b freeBlock) int {
		return cmp.Compare(a.off, b.off)
	})
	if len(all) > max {
		all = all[:max]
	}
	return all
}

func (p *freePool) totalSize() int64 {
	var n int64
	for _, list := range p.classes {
		for _, b := range list {
			n += b.size
		}
	}
	return n
}

// alloc finds room for a block of at least size bytes, returning its offset
// and actual size.
func (db *DB) alloc(size int64) (int64, int64, error) {
	if b, ok := db.pool.take(size); ok {
		if rem := b.size - size; rem >= minFreeBlock {
			if err := db.free(b.off+size, rem); err != nil {
				return 0, 0, err
			}
			b.size = size
		}
		return b.off, b.size, nil
	}
	off := db.fsiz
	db.fsiz += size
	return off, size, nil
}

// free releases a block. Blocks at the end of the file shrink it instead.
func (db *DB) free(off, size int64) error {
	if off+size == db.fsiz {
		db.fsiz = off
		for {
			b, ok := db.pool.takeEndingAt(db.fsiz)
			if !ok {
				break
			}
			db.fsiz = b.off
		}
		return nil
	}
	if err := db.writeFreeHeader(off, size); err != nil {
		return err
	}
	db.pool.add(freeBlock{off, size})
	return nil
}
