// Package census distributes section-level aggregates (families,
// population) over the buildings of each section and assigns buildings to
// sections.
package census

import (
	"math"

	"go.uber.org/zap"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/validate"
)

// Rounding selects how a proportional share becomes an integer.
type Rounding string

// Rounding modes.
const (
	RoundFloor   Rounding = "floor"
	RoundNearest Rounding = "nearest"
)

// Member is one building taking part in an allocation.
type Member struct {
	ID     string
	Group  string
	Weight float64
}

// Totals maps a group key to its aggregate count.
type Totals map[string]int

// Allocation maps building id to its integer share.
type Allocation map[string]int

// GroupResult summarises one group for logging and reporting.
type GroupResult struct {
	Group     string
	Aggregate int
	Allocated int
	Members   int
}

// Allocate spreads each group's aggregate over its members proportionally
// to weight. Shares are clamped to [0, aggregate] and then corrected so that
// a group's sum never exceeds its aggregate. Members of groups with no
// aggregate, or with non-positive total weight, get 0.
func Allocate(members []Member, totals Totals, rounding Rounding) (Allocation, []GroupResult) {
	type group struct {
		key     string
		idx     []int
		total   float64
		members int
	}
	var order []*group
	byKey := make(map[string]*group)
	for i, m := range members {
		g, ok := byKey[m.Group]
		if !ok {
			g = &group{key: m.Group}
			byKey[m.Group] = g
			order = append(order, g)
		}
		g.idx = append(g.idx, i)
		if m.Weight > 0 && !math.IsInf(m.Weight, 0) {
			g.total += m.Weight
		}
	}

	out := make(Allocation, len(members))
	results := make([]GroupResult, 0, len(order))
	for _, g := range order {
		agg, ok := totals[g.key]
		res := GroupResult{Group: g.key, Aggregate: agg, Members: len(g.idx)}
		if !ok || agg <= 0 || g.total <= 0 {
			for _, i := range g.idx {
				out[members[i].ID] = 0
			}
			if g.total <= 0 && agg > 0 {
				zap.L().Debug("census: group has no positive weight", zap.String("group", g.key))
			}
			results = append(results, res)
			continue
		}

		shares := make([]int, len(g.idx))
		for k, i := range g.idx {
			w := members[i].Weight
			if !(w > 0) || math.IsInf(w, 0) {
				continue
			}
			raw := w / g.total * float64(agg)
			var s int
			if rounding == RoundNearest {
				s = int(math.Round(raw))
			} else {
				s = int(math.Floor(raw))
			}
			shares[k] = min(max(s, 0), agg)
		}
		shares = CorrectShares(shares, agg)

		for k, i := range g.idx {
			out[members[i].ID] = shares[k]
			res.Allocated += shares[k]
		}
		results = append(results, res)
	}
	return out, results
}

// CorrectShares decrements the first maximum share until the sum no longer
// exceeds total. The input slice is modified and returned.
func CorrectShares(shares []int, total int) []int {
	sum := 0
	for _, s := range shares {
		sum += s
	}
	for sum > total {
		best := -1
		for i, s := range shares {
			if best < 0 || s > shares[best] {
				best = i
			}
		}
		if best < 0 || shares[best] <= 0 {
			break
		}
		shares[best]--
		sum--
	}
	return shares
}

func numeric(v building.Value) (float64, bool) {
	switch v.Kind {
	case building.KindNumber:
		return v.Num, true
	case building.KindString:
		return validate.ParseNumber(v.Str)
	default:
		return 0, false
	}
}

// TotalsFromAttribute reads each group's aggregate from an attribute carried
// on the group's buildings. The first building in the group holding a
// numeric value supplies it.
func TotalsFromAttribute(c *building.Collection, groupAttr, aggregateAttr string) Totals {
	totals := make(Totals)
	for _, g := range c.Groups(groupAttr) {
		for _, e := range g.Entities {
			if f, ok := numeric(e.Get(aggregateAttr)); ok {
				totals[g.Key] = int(math.Round(f))
				break
			}
		}
	}
	return totals
}
