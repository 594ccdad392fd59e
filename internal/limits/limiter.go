// Package limits implements per-agent exposure limits that account for
// correlation between positions maturing close together.
//
// Positions are grouped into maturity buckets of BucketDays each. An agent
// long 1,000 bonds maturing on day 365 and long 1,000 maturing on day 366 is
// carrying one rate bet, not two, so buckets that fall in the same group of
// GroupBuckets consecutive buckets are summed against MaxCorrelated.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/bondsim/internal/model"
)

var (
	// ErrPerBucketLimitExceeded is returned when a trade would push the net
	// bond exposure of a single maturity bucket beyond the per-bucket maximum.
	ErrPerBucketLimitExceeded = errors.New("limits: per-bucket exposure limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// aggregate exposure across correlated buckets beyond the correlated
	// maximum.
	ErrCorrelatedLimitExceeded = errors.New("limits: correlated exposure limit exceeded")
)

// ExposureLimiter enforces bond exposure limits with maturity correlation.
// A zero limit disables that check.
type ExposureLimiter struct {
	// MaxPerBucket is the maximum absolute net bond exposure in one bucket.
	MaxPerBucket decimal.Decimal

	// MaxCorrelated is the maximum aggregate absolute exposure across all
	// buckets of the same group.
	MaxCorrelated decimal.Decimal

	// BucketDays is the width of a maturity bucket in days.
	BucketDays decimal.Decimal

	// GroupBuckets is how many consecutive buckets are considered correlated.
	GroupBuckets int64
}

// NewExposureLimiter creates a limiter. Non-positive bucket widths default
// to one day and group sizes to one bucket.
func NewExposureLimiter(maxPerBucket, maxCorrelated, bucketDays decimal.Decimal, groupBuckets int64) *ExposureLimiter {
	if !bucketDays.IsPositive() {
		bucketDays = decimal.NewFromInt(1)
	}
	if groupBuckets < 1 {
		groupBuckets = 1
	}
	return &ExposureLimiter{
		MaxPerBucket:  maxPerBucket,
		MaxCorrelated: maxCorrelated,
		BucketDays:    bucketDays,
		GroupBuckets:  groupBuckets,
	}
}

// Bucket returns the maturity bucket of a position maturing at maturity.
func (l *ExposureLimiter) Bucket(maturity decimal.Decimal) int64 {
	return maturity.Div(l.BucketDays).Floor().IntPart()
}

// Exposures sums the signed open bond exposure of w per bucket: longs count
// positive and shorts negative.
func (l *ExposureLimiter) Exposures(w model.Wallet) map[int64]decimal.Decimal {
	out := make(map[int64]decimal.Decimal)
	for _, p := range w.Positions {
		if p.Closed {
			continue
		}
		b := l.Bucket(p.MaturityTime)
		out[b] = out[b].Add(SignedExposure(p.Kind, p.BondAmount))
	}
	return out
}

// SignedExposure is +bonds for a long and -bonds for a short.
func SignedExposure(kind model.PositionKind, bonds decimal.Decimal) decimal.Decimal {
	if kind == model.Short {
		return bonds.Neg()
	}
	return bonds
}

// CheckLimit validates whether adding exposureDelta at maturity respects the
// limits given the agent's existing per-bucket exposures.
func (l *ExposureLimiter) CheckLimit(
	maturity decimal.Decimal,
	exposureDelta decimal.Decimal,
	existing map[int64]decimal.Decimal,
) error {
	target := l.Bucket(maturity)

	// 1. Per-bucket limit.
	newPosition := existing[target].Add(exposureDelta)
	if l.MaxPerBucket.IsPositive() && newPosition.Abs().GreaterThan(l.MaxPerBucket) {
		return ErrPerBucketLimitExceeded
	}
	if !l.MaxCorrelated.IsPositive() {
		return nil
	}

	// 2. Correlated exposure: sum |exposure| across buckets in the same group.
	group := l.group(target)
	total := newPosition.Abs()
	for bucket, exposure := range existing {
		if bucket == target {
			continue
		}
		if l.group(bucket) == group {
			total = total.Add(exposure.Abs())
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}

func (l *ExposureLimiter) group(bucket int64) int64 {
	g := bucket / l.GroupBuckets
	if bucket < 0 && bucket%l.GroupBuckets != 0 {
		g--
	}
	return g
}
