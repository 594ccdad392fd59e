package fixed

import (
	"github.com/dgraph-io/ristretto"
	"github.com/shopspring/decimal"
)

// powCache memoizes fractional powers. Every agent quotes against the same
// step-start reserves, so the curve invariant and spot price terms repeat
// many times per step. Entries cost 1, so MaxCost is an entry count.
var powCache = mustPowCache()

func mustPowCache() *ristretto.Cache {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 17,
		MaxCost:     1 << 13,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}
	return c
}

func powKey(base, exp decimal.Decimal) string {
	return base.String() + "^" + exp.String()
}

func cachedPow(base, exp decimal.Decimal) (decimal.Decimal, bool) {
	v, ok := powCache.Get(powKey(base, exp))
	if !ok {
		return decimal.Zero, false
	}
	return v.(decimal.Decimal), true
}

func storePow(base, exp, res decimal.Decimal) {
	powCache.Set(powKey(base, exp), res, 1)
}
