package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RoundingPolicy decides where the remainder of an uneven split goes.
type RoundingPolicy string

const (
	// RiskOn keeps the remainder in the last (runner) bucket.
	RiskOn RoundingPolicy = "risk_on"
	// RiskOff front-loads liquidation: every bucket rounds up except the last.
	RiskOff RoundingPolicy = "risk_off"
)

// ParseRoundingPolicy is case-insensitive.
func ParseRoundingPolicy(s string) (RoundingPolicy, error) {
	switch RoundingPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case RiskOn:
		return RiskOn, nil
	case RiskOff:
		return RiskOff, nil
	}
	return "", fmt.Errorf("rounding policy %q must be risk_on or risk_off: %w", s, ErrInvalidArgument)
}

// Bucket is one ordered tranche of the position. Immutable for the session.
type Bucket struct {
	Index  int
	Qty    int
	Target decimal.Decimal // absolute price level; zero for a runner
	Runner bool
}

// Bucketize splits totalQty into bucketCount ordered tranches whose sum is
// exactly totalQty.
//
// risk_on:  [base, base, ..., base+remainder]
// risk_off: [ceil, ceil, ..., rest]
//
// Under risk_off a bucket is lowered below ceil only when keeping ceil would
// leave a later bucket empty (e.g. 5 into 4), so every tranche stays > 0.
func Bucketize(totalQty, bucketCount int, policy string) ([]int, error) {
	if totalQty <= 0 || bucketCount <= 0 {
		return nil, fmt.Errorf("bucketize: qty=%d buckets=%d must be > 0: %w", totalQty, bucketCount, ErrInvalidArgument)
	}
	p, err := ParseRoundingPolicy(policy)
	if err != nil {
		return nil, fmt.Errorf("bucketize: %w", err)
	}
	if totalQty == 1 {
		return []int{1}, nil
	}
	if totalQty < bucketCount {
		return nil, fmt.Errorf("bucketize: qty=%d smaller than buckets=%d: %w", totalQty, bucketCount, ErrInvalidArgument)
	}

	base := totalQty / bucketCount
	remainder := totalQty % bucketCount
	out := make([]int, bucketCount)

	switch p {
	case RiskOn:
		for i := range out {
			out[i] = base
		}
		out[bucketCount-1] += remainder
	case RiskOff:
		ceil := (totalQty + bucketCount - 1) / bucketCount
		left := totalQty
		for i := 0; i < bucketCount-1; i++ {
			size := min(ceil, left-(bucketCount-1-i))
			out[i] = size
			left -= size
		}
		out[bucketCount-1] = left
	}
	return out, nil
}

// ProfitTargetLevels converts target fractions into absolute price levels:
// entry * (1 + fraction).
func ProfitTargetLevels(entry decimal.Decimal, fractions []float64) []decimal.Decimal {
	levels := make([]decimal.Decimal, len(fractions))
	one := decimal.NewFromInt(1)
	for i, f := range fractions {
		levels[i] = entry.Mul(one.Add(decimal.NewFromFloat(f)))
	}
	return levels
}

// BuildBuckets zips quantities with target levels. With runner set, the last
// bucket carries no target.
func BuildBuckets(quantities []int, targets []decimal.Decimal, runner bool) ([]Bucket, error) {
	if len(quantities) > len(targets) {
		return nil, fmt.Errorf("build buckets: %d quantities but %d targets: %w", len(quantities), len(targets), ErrInvalidArgument)
	}
	buckets := make([]Bucket, len(quantities))
	for i, q := range quantities {
		if q <= 0 {
			return nil, fmt.Errorf("build buckets: bucket %d has qty %d: %w", i, q, ErrInvalidArgument)
		}
		buckets[i] = Bucket{Index: i, Qty: q, Target: targets[i]}
	}
	if runner && len(buckets) > 0 {
		last := &buckets[len(buckets)-1]
		last.Runner = true
		last.Target = decimal.Zero
	}
	return buckets, nil
}

// RequiredQty sums what is still to sell across buckets. remaining returns
// the open quantity of a bucket, zero once it is resolved.
func RequiredQty(buckets []Bucket, remaining func(Bucket) int) int {
	total := 0
	for _, b := range buckets {
		if remaining == nil {
			total += b.Qty
			continue
		}
		total += remaining(b)
	}
	return total
}
