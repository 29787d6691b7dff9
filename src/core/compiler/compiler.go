package compiler

import (
	"fmt"

	"github.com/cnaize/geofw/src/core/policy"
	"github.com/cnaize/geofw/src/types"
)

// RecordSource is a finite, non-restartable sequence of records.
type RecordSource interface {
	Next() bool
	Record() types.Record
	Err() error
}

type Stats struct {
	Records   int `json:"records"`
	Overrides int `json:"overrides"`
	Skipped   int `json:"skipped"`
}

type Compiler struct {
	policy              *policy.Policy
	materializeDefaults bool
}

type Option func(c *Compiler)

// WithMaterializeDefaults keeps classified ranges that resolve to the
// default verdict in the output so that events carry their country.
func WithMaterializeDefaults(enabled bool) Option {
	return func(c *Compiler) {
		c.materializeDefaults = enabled
	}
}

func New(p *policy.Policy, opts ...Option) *Compiler {
	c := Compiler{
		policy: p,
	}
	for _, opt := range opts {
		opt(&c)
	}

	return &c
}

func (c *Compiler) Policy() *policy.Policy {
	return c.policy
}

// Compile resolves every record against the policy and returns the next
// generation. Output rules never overlap, so lookups need no ordering.
// Records of the same prefix replace each other in input order, nested
// records resolve by longest prefix. ASN overrides win over any country
// prefix inside their range. The asns source may be nil.
func (c *Compiler) Compile(prev uint64, countries, asns RecordSource) (*types.RuleSet, Stats, error) {
	var stats Stats

	roots := map[types.Family]*[2]*node{
		types.FamilyV4: {new(node), new(node)},
		types.FamilyV6: {new(node), new(node)},
	}

	// country layer
	if countries != nil {
		for countries.Next() {
			rec := countries.Record()
			if !usable(rec) {
				stats.Skipped++
				continue
			}

			verdict, explicit := c.policy.Resolve(rec)
			roots[types.FamilyOf(rec.Prefix.Addr())][0].insert(
				rec.Prefix.Masked(),
				types.Entry{Verdict: verdict, Country: rec.Country},
				explicit,
			)
			stats.Records++
		}
		if err := countries.Err(); err != nil {
			return nil, stats, fmt.Errorf("country records: %w", err)
		}
	}

	// asn override layer
	if asns != nil {
		for asns.Next() {
			rec := asns.Record()
			if !usable(rec) {
				stats.Skipped++
				continue
			}

			verdict, ok := c.policy.ASN(rec.ASN)
			if !ok {
				continue
			}

			roots[types.FamilyOf(rec.Prefix.Addr())][1].insert(
				rec.Prefix.Masked(),
				types.Entry{Verdict: verdict},
				true,
			)
			stats.Overrides++
		}
		if err := asns.Err(); err != nil {
			return nil, stats, fmt.Errorf("asn records: %w", err)
		}
	}

	keep := func(s *span) bool {
		if s.explicit {
			return true
		}

		return c.materializeDefaults && !s.entry.Country.IsUnknown()
	}

	rs := types.RuleSet{
		Generation: prev + 1,
		Default:    c.policy.Default(),
	}
	for _, family := range types.Families {
		root := roots[family]
		tree := flatten(root[0], root[1], inherited{entry: types.Entry{Verdict: c.policy.Default()}}, inherited{})

		addr := make([]byte, 16)
		rules := emit(tree, family, addr, 0, keep, nil)
		if family == types.FamilyV4 {
			rs.V4 = rules
		} else {
			rs.V6 = rules
		}
	}

	if rs.Len() == 0 {
		return nil, stats, fmt.Errorf("%w: %d records produced no entries", types.ErrEmptyCompilation, stats.Records)
	}

	return &rs, stats, nil
}

func usable(rec types.Record) bool {
	return rec.Prefix.IsValid() && !rec.Prefix.Addr().Is4In6()
}
