package book

import (
	"math/big"

	sdkmath "cosmossdk.io/math"
	"github.com/huandu/skiplist"
)

// priceKeyAsc compares sdkmath.Int prices ascending (asks).
type priceKeyAsc struct{}

func (priceKeyAsc) Compare(lhs, rhs interface{}) int {
	l := lhs.(sdkmath.Int)
	r := rhs.(sdkmath.Int)
	if l.LT(r) {
		return -1
	}
	if l.GT(r) {
		return 1
	}
	return 0
}

func (priceKeyAsc) CalcScore(key interface{}) float64 {
	return intScore(key.(sdkmath.Int))
}

// priceKeyDesc compares descending (bids).
type priceKeyDesc struct{}

func (priceKeyDesc) Compare(lhs, rhs interface{}) int {
	return -priceKeyAsc{}.Compare(lhs, rhs)
}

func (priceKeyDesc) CalcScore(key interface{}) float64 {
	return -intScore(key.(sdkmath.Int))
}

// intScore gives the skip list a float hint consistent with Compare;
// precision loss is fine, ties fall back to Compare.
func intScore(v sdkmath.Int) float64 {
	f, _ := new(big.Float).SetInt(v.BigInt()).Float64()
	return f
}

// skipSide keeps levels in a skip list: O(log n) operations with cheap
// in-order traversal from the front.
type skipSide struct {
	list *skiplist.SkipList
}

func newSkipSide(desc bool) *skipSide {
	if desc {
		return &skipSide{list: skiplist.New(priceKeyDesc{})}
	}
	return &skipSide{list: skiplist.New(priceKeyAsc{})}
}

func (s *skipSide) get(price sdkmath.Int) *level {
	elem := s.list.Get(price)
	if elem == nil {
		return nil
	}
	return elem.Value.(*level)
}

func (s *skipSide) getOrCreate(price sdkmath.Int) *level {
	if l := s.get(price); l != nil {
		return l
	}
	l := newLevel(price)
	s.list.Set(price, l)
	return l
}

func (s *skipSide) removeLevel(price sdkmath.Int) {
	s.list.Remove(price)
}

func (s *skipSide) best() *level {
	elem := s.list.Front()
	if elem == nil {
		return nil
	}
	return elem.Value.(*level)
}

func (s *skipSide) levels() int {
	return s.list.Len()
}

func (s *skipSide) iterate(fn func(*level) bool) {
	for elem := s.list.Front(); elem != nil; elem = elem.Next() {
		if !fn(elem.Value.(*level)) {
			return
		}
	}
}
