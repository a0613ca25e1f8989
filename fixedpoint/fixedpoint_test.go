package fixedpoint

import (
	"testing"

	sdkmath "cosmossdk.io/math"
)

func TestMulDiv(t *testing.T) {
	tests := []struct {
		name    string
		a, b, d int64
		want    int64
	}{
		{"exact", 10, 20, 4, 50},
		{"truncates toward zero", 10, 1, 3, 3},
		{"negative truncates toward zero", -10, 1, 3, -3},
		{"zero divisor", 10, 20, 0, 0},
		{"zero factor", 0, 20, 4, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MulDiv(sdkmath.NewInt(tt.a), sdkmath.NewInt(tt.b), sdkmath.NewInt(tt.d))
			if !got.Equal(sdkmath.NewInt(tt.want)) {
				t.Errorf("MulDiv(%d,%d,%d) = %s, want %d", tt.a, tt.b, tt.d, got, tt.want)
			}
		})
	}
}

func TestMulDivFullPrecision(t *testing.T) {
	// 1e18 * 1e18 overflows int64 and int128; the intermediate product must
	// survive at full precision.
	a := PriceScale
	b := SizeScale
	got := MulDiv(a, b, PriceScale)
	if !got.Equal(SizeScale) {
		t.Fatalf("MulDiv(1e18,1e18,1e18) = %s, want 1e18", got)
	}
}

func TestPnL(t *testing.T) {
	entry := sdkmath.NewInt(100).Mul(PriceScale)
	size := SizeScale // 1.0

	tests := []struct {
		name   string
		mark   sdkmath.Int
		isLong bool
		want   sdkmath.Int
	}{
		{"long gains on rise", sdkmath.NewInt(110).Mul(PriceScale), true, sdkmath.NewInt(10).Mul(PriceScale)},
		{"long loses on fall", sdkmath.NewInt(91).Mul(PriceScale), true, sdkmath.NewInt(-9).Mul(PriceScale)},
		{"short gains on fall", sdkmath.NewInt(90).Mul(PriceScale), false, sdkmath.NewInt(10).Mul(PriceScale)},
		{"short loses on rise", sdkmath.NewInt(103).Mul(PriceScale), false, sdkmath.NewInt(-3).Mul(PriceScale)},
		{"flat", entry, true, sdkmath.ZeroInt()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PnL(entry, tt.mark, size, tt.isLong)
			if !got.Equal(tt.want) {
				t.Errorf("PnL = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNotional(t *testing.T) {
	// 2.0 size at price 50.0 = 100.0 notional.
	size := sdkmath.NewInt(2).Mul(SizeScale)
	price := sdkmath.NewInt(50).Mul(PriceScale)
	want := sdkmath.NewInt(100).Mul(PriceScale)
	if got := Notional(size, price); !got.Equal(want) {
		t.Fatalf("Notional = %s, want %s", got, want)
	}
}

func TestApplyRate(t *testing.T) {
	amount := sdkmath.NewInt(1).Mul(PriceScale) // 1e18
	// 1 bp of 1e18 = 1e14.
	if got := ApplyRate(amount, 1); !got.Equal(sdkmath.NewInt(100_000_000_000_000)) {
		t.Fatalf("ApplyRate(1e18, 1bp) = %s, want 1e14", got)
	}
	// 0.05% taker fee = 5 bp.
	if got := ApplyRate(sdkmath.NewInt(10_000), 5); !got.Equal(sdkmath.NewInt(5)) {
		t.Fatalf("ApplyRate(10000, 5bp) = %s, want 5", got)
	}
}

func TestParseInt(t *testing.T) {
	fb := sdkmath.NewInt(-1)

	tests := []struct {
		name string
		in   string
		want sdkmath.Int
	}{
		{"integer", "25000000000000000000", mustInt(t, "25000000000000000000")},
		{"negative integer", "-42", sdkmath.NewInt(-42)},
		{"decimal truncates", "2.9", sdkmath.NewInt(2)},
		{"negative decimal truncates toward zero", "-2.9", sdkmath.NewInt(-2)},
		{"scientific", "1e18", PriceScale},
		{"scientific with mantissa", "1.5e4", sdkmath.NewInt(15000)},
		{"whitespace", "  7 ", sdkmath.NewInt(7)},
		{"empty", "", fb},
		{"garbage", "not-a-number", fb},
		{"hex rejected", "0x1f", fb},
		{"lone dot", ".", fb},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseInt(tt.in, fb)
			if !got.Equal(tt.want) {
				t.Errorf("ParseInt(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseInt64(t *testing.T) {
	if got := ParseInt64("100000", 0); got != 100000 {
		t.Fatalf("ParseInt64 = %d, want 100000", got)
	}
	// Beyond int64 falls back.
	if got := ParseInt64("99999999999999999999999999", 7); got != 7 {
		t.Fatalf("ParseInt64 overflow = %d, want fallback 7", got)
	}
}

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    sdkmath.Int
		wantErr bool
	}{
		{"whole", "100", PriceScale.MulRaw(100), false},
		{"fractional", "0.001", sdkmath.NewInt(1_000_000_000_000_000), false},
		{"half", "0.5", PriceScale.QuoRaw(2), false},
		{"whitespace", "  0.01 ", sdkmath.NewInt(10_000_000_000_000_000), false},
		{"negative", "-1", PriceScale.Neg(), false},
		{"empty", "", sdkmath.ZeroInt(), true},
		{"garbage", "abc", sdkmath.ZeroInt(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDecimal(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDecimal(%q) = %s, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDecimal(%q): %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseDecimal(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestScore(t *testing.T) {
	// 150e18 -> 150e6.
	price := sdkmath.NewInt(150).Mul(PriceScale)
	got, ok := Score(price)
	if !ok || got != 150_000_000 {
		t.Fatalf("Score(150e18) = %v ok=%v, want 150000000", got, ok)
	}

	// Sub-resolution digits truncate: 150.0000005 quote -> same score.
	price = price.AddRaw(500_000)
	got2, ok := Score(price)
	if !ok || got2 != got {
		t.Fatalf("Score truncation lost: %v vs %v", got2, got)
	}

	if _, ok := Score(MaxScorePrice.AddRaw(1)); ok {
		t.Fatal("Score beyond MaxScorePrice must be rejected")
	}
	if _, ok := Score(sdkmath.NewInt(-1)); ok {
		t.Fatal("negative price must be rejected")
	}

	// Round-trip at score resolution.
	back := ScorePrice(got)
	if !back.Equal(sdkmath.NewInt(150).Mul(PriceScale)) {
		t.Fatalf("ScorePrice(Score(p)) = %s", back)
	}
}

func TestPercentString(t *testing.T) {
	tests := []struct {
		bp   int64
		want string
	}{
		{8532, "85.32"},
		{10000, "100.00"},
		{5, "0.05"},
		{-250, "-2.50"},
		{0, "0.00"},
	}
	for _, tt := range tests {
		if got := PercentString(tt.bp); got != tt.want {
			t.Errorf("PercentString(%d) = %q, want %q", tt.bp, got, tt.want)
		}
	}
}

func mustInt(t *testing.T, s string) sdkmath.Int {
	t.Helper()
	v, ok := sdkmath.NewIntFromString(s)
	if !ok {
		t.Fatalf("bad int literal %q", s)
	}
	return v
}
