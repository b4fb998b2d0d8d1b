// Package ethutil holds small helpers used by the RPC boundary: decimal
// ether<->wei conversion. The 0x-hex wire encoding itself is done directly
// with go-ethereum's hexutil in internal/rpc, not here.
package ethutil

import (
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

// weiPerEther is 10^18, the same constant go-ethereum's params.Ether uses.
var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ParseEther parses a decimal ether amount (up to 18 fractional digits)
// into wei. Round-trips with FormatEther (spec.md §8 invariant 8).
func ParseEther(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	whole, frac := s, ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		whole, frac = s[:idx], s[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 18 {
		return nil, errors.Errorf("ethutil: %q has more than 18 fractional digits", s)
	}
	frac = frac + strings.Repeat("0", 18-len(frac))

	wholeWei, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, errors.Errorf("ethutil: invalid ether amount %q", s)
	}
	fracWei, ok := new(big.Int).SetString(frac, 10)
	if !ok {
		return nil, errors.Errorf("ethutil: invalid ether amount %q", s)
	}

	wei := new(big.Int).Mul(wholeWei, weiPerEther)
	wei.Add(wei, fracWei)
	if neg {
		wei.Neg(wei)
	}
	return wei, nil
}

// FormatEther renders wei as a decimal ether string with no trailing
// zeros in the fractional part (spec.md §8 invariant 8).
func FormatEther(wei *big.Int) string {
	neg := wei.Sign() < 0
	abs := new(big.Int).Abs(wei)

	whole, frac := new(big.Int), new(big.Int)
	whole.DivMod(abs, weiPerEther, frac)

	fracStr := frac.String()
	fracStr = strings.Repeat("0", 18-len(fracStr)) + fracStr
	fracStr = strings.TrimRight(fracStr, "0")

	out := whole.String()
	if fracStr != "" {
		out += "." + fracStr
	}
	if neg {
		out = "-" + out
	}
	return out
}
