package book

import (
	"fmt"
	"math/rand"
	"testing"

	sdkmath "cosmossdk.io/math"

	"github.com/openalpha/perp-engine/fixedpoint"
	"github.com/openalpha/perp-engine/types"
)

// generateRestingOrders builds n non-crossing limit orders so inserts rest
// instead of matching: bids spread below 50000, asks above.
func generateRestingOrders(n int) []*types.Order {
	r := rand.New(rand.NewSource(42))
	orders := make([]*types.Order, n)
	for i := 0; i < n; i++ {
		side := types.SideLong
		price := int64(50000 - r.Intn(100))
		if r.Float32() < 0.5 {
			side = types.SideShort
			price = int64(50001 + r.Intn(100))
		}
		size := sdkmath.NewInt(1 + int64(r.Intn(10))).Mul(fixedpoint.SizeScale)
		orders[i] = types.NewOrder(
			fmt.Sprintf("bench-%d", i),
			fmt.Sprintf("0xtrader%d", i%100),
			"BTC",
			side,
			types.OrderTypeLimit,
			size,
			sdkmath.NewInt(price).Mul(fixedpoint.PriceScale),
			int64(i),
		)
	}
	return orders
}

func benchmarkInsert(b *testing.B, impl string) {
	orders := generateRestingOrders(b.N)
	book := New("BTC", impl)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = book.Insert(orders[i], int64(i))
	}
}

func BenchmarkInsert_BTree(b *testing.B)    { benchmarkInsert(b, ImplBTree) }
func BenchmarkInsert_Skiplist(b *testing.B) { benchmarkInsert(b, ImplSkiplist) }

func benchmarkCancel(b *testing.B, impl string) {
	orders := generateRestingOrders(b.N)
	book := New("BTC", impl)
	for i, o := range orders {
		_, _ = book.Insert(o, int64(i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		book.Cancel(orders[i].ID)
	}
}

func BenchmarkCancel_BTree(b *testing.B)    { benchmarkCancel(b, ImplBTree) }
func BenchmarkCancel_Skiplist(b *testing.B) { benchmarkCancel(b, ImplSkiplist) }

func benchmarkDepth(b *testing.B, impl string) {
	orders := generateRestingOrders(1000)
	book := New("BTC", impl)
	for i, o := range orders {
		_, _ = book.Insert(o, int64(i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = book.Depth(10, int64(i))
	}
}

func BenchmarkDepth_BTree(b *testing.B)    { benchmarkDepth(b, ImplBTree) }
func BenchmarkDepth_Skiplist(b *testing.B) { benchmarkDepth(b, ImplSkiplist) }

func benchmarkBestPrice(b *testing.B, impl string) {
	orders := generateRestingOrders(1000)
	book := New("BTC", impl)
	for i, o := range orders {
		_, _ = book.Insert(o, int64(i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = book.BestBid()
		_, _ = book.BestAsk()
	}
}

func BenchmarkBestPrice_BTree(b *testing.B)    { benchmarkBestPrice(b, ImplBTree) }
func BenchmarkBestPrice_Skiplist(b *testing.B) { benchmarkBestPrice(b, ImplSkiplist) }

func benchmarkMatchHeavy(b *testing.B, impl string) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		book := New("BTC", impl)
		for j := 0; j < 100; j++ {
			ask := types.NewOrder(
				fmt.Sprintf("a-%d-%d", i, j), "0xmaker", "BTC",
				types.SideShort, types.OrderTypeLimit,
				fixedpoint.SizeScale,
				sdkmath.NewInt(int64(50000+j)).Mul(fixedpoint.PriceScale),
				int64(j),
			)
			_, _ = book.Insert(ask, int64(j))
		}
		taker := types.NewOrder(
			fmt.Sprintf("t-%d", i), "0xtaker", "BTC",
			types.SideLong, types.OrderTypeMarket,
			sdkmath.NewInt(100).Mul(fixedpoint.SizeScale),
			sdkmath.ZeroInt(),
			200,
		)
		_, _ = book.Insert(taker, 200)
	}
}

func BenchmarkMatchSweep_BTree(b *testing.B)    { benchmarkMatchHeavy(b, ImplBTree) }
func BenchmarkMatchSweep_Skiplist(b *testing.B) { benchmarkMatchHeavy(b, ImplSkiplist) }
