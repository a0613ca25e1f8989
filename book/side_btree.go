package book

import (
	sdkmath "cosmossdk.io/math"
	"github.com/google/btree"
)

// btreeDegree affects node size and cache efficiency.
const btreeDegree = 32

// levelItem wraps a price level for the btree.
type levelItem struct {
	price sdkmath.Int
	level *level
}

// Less orders items ascending by price.
func (a *levelItem) Less(b btree.Item) bool {
	return a.price.LT(b.(*levelItem).price)
}

// btreeSide keeps levels in a B-tree: O(log n) insert, delete and lookup
// with cache-friendly nodes.
type btreeSide struct {
	tree *btree.BTree
	desc bool // true for bids (iterate descending), false for asks
}

func newBTreeSide(desc bool) *btreeSide {
	return &btreeSide{
		tree: btree.New(btreeDegree),
		desc: desc,
	}
}

func (s *btreeSide) get(price sdkmath.Int) *level {
	item := s.tree.Get(&levelItem{price: price})
	if item == nil {
		return nil
	}
	return item.(*levelItem).level
}

func (s *btreeSide) getOrCreate(price sdkmath.Int) *level {
	if l := s.get(price); l != nil {
		return l
	}
	l := newLevel(price)
	s.tree.ReplaceOrInsert(&levelItem{price: price, level: l})
	return l
}

func (s *btreeSide) removeLevel(price sdkmath.Int) {
	s.tree.Delete(&levelItem{price: price})
}

// best returns the highest bid or lowest ask.
func (s *btreeSide) best() *level {
	var item btree.Item
	if s.desc {
		item = s.tree.Max()
	} else {
		item = s.tree.Min()
	}
	if item == nil {
		return nil
	}
	return item.(*levelItem).level
}

func (s *btreeSide) levels() int {
	return s.tree.Len()
}

func (s *btreeSide) iterate(fn func(*level) bool) {
	if s.desc {
		s.tree.Descend(func(item btree.Item) bool {
			return fn(item.(*levelItem).level)
		})
	} else {
		s.tree.Ascend(func(item btree.Item) bool {
			return fn(item.(*levelItem).level)
		})
	}
}
