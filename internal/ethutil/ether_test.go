package ethutil

import (
	"math/big"
	"testing"
)

// TestEtherRoundTrip checks spec.md §8 invariant 8.
func TestEtherRoundTrip(t *testing.T) {
	cases := []string{
		"0", "1", "1000", "0.1", "0.000000000000000001",
		"1234.56789", "1000000.000000000000000001", "0.5",
	}
	for _, c := range cases {
		wei, err := ParseEther(c)
		if err != nil {
			t.Fatalf("ParseEther(%q): %v", c, err)
		}
		back := FormatEther(wei)
		wei2, err := ParseEther(back)
		if err != nil {
			t.Fatalf("ParseEther(FormatEther(%q)=%q): %v", c, back, err)
		}
		if wei.Cmp(wei2) != 0 {
			t.Fatalf("round trip mismatch for %q: %s vs %s", c, wei, wei2)
		}
	}
}

func TestParseEtherRejectsTooManyFractionalDigits(t *testing.T) {
	if _, err := ParseEther("1.1234567890123456789"); err == nil {
		t.Fatal("expected error for 19 fractional digits")
	}
}

func TestFormatEtherWholeNumber(t *testing.T) {
	got := FormatEther(big.NewInt(0))
	if got != "0" {
		t.Fatalf("expected \"0\", got %q", got)
	}
}
