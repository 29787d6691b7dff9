package reconciler

import (
	"net/netip"
	"slices"

	"github.com/cnaize/geofw/src/types"
)

// Plan turns the resident rules of one family into the next ones.
type Plan struct {
	Family types.Family
	// Insert holds new prefixes and prefixes with a changed entry.
	Insert []types.Rule
	Remove []netip.Prefix
}

func (p Plan) Empty() bool {
	return len(p.Insert) == 0 && len(p.Remove) == 0
}

type resident map[netip.Prefix]types.Entry

func residentOf(rules []types.Rule) resident {
	res := make(resident, len(rules))
	for _, rule := range rules {
		res[rule.Prefix] = rule.Entry
	}

	return res
}

func (r resident) apply(plan Plan) {
	for _, rule := range plan.Insert {
		r[rule.Prefix] = rule.Entry
	}
	for _, prefix := range plan.Remove {
		delete(r, prefix)
	}
}

// Diff returns the minimal operations from prev to next.
func Diff(family types.Family, prev, next []types.Rule) Plan {
	return diff(family, residentOf(prev), next)
}

func diff(family types.Family, res resident, next []types.Rule) Plan {
	plan := Plan{Family: family}

	seen := make(map[netip.Prefix]struct{}, len(next))
	for _, rule := range next {
		seen[rule.Prefix] = struct{}{}
		if entry, ok := res[rule.Prefix]; ok && entry == rule.Entry {
			continue
		}
		plan.Insert = append(plan.Insert, rule)
	}

	for prefix := range res {
		if _, ok := seen[prefix]; !ok {
			plan.Remove = append(plan.Remove, prefix)
		}
	}
	slices.SortFunc(plan.Remove, comparePrefix)

	return plan
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}

	return a.Bits() - b.Bits()
}
