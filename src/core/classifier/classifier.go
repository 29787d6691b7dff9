package classifier

import (
	"net/netip"

	"github.com/gaissmai/bart"

	"github.com/cnaize/geofw/src/types"
)

// Lookuper is a table read by the classifier. Entry and meta must come
// from the same generation.
type Lookuper interface {
	Lookup(addr netip.Addr) (types.Entry, types.Meta, bool)
}

// Classify is the per packet decision: the longest matching prefix wins,
// the generation default applies when nothing matches. Before the first
// generation everything passes.
func Classify(table Lookuper, addr netip.Addr) types.Decision {
	addr = addr.Unmap()

	entry, meta, ok := table.Lookup(addr)
	if meta.Generation == 0 {
		return types.Decision{Addr: addr, Verdict: types.VerdictAllow}
	}

	if !ok {
		return types.Decision{
			Addr:       addr,
			Verdict:    meta.Default,
			Generation: meta.Generation,
		}
	}

	return types.Decision{
		Addr:       addr,
		Verdict:    entry.Verdict,
		Country:    entry.Country,
		Generation: meta.Generation,
		Matched:    true,
	}
}

var _ Lookuper = (*Snapshot)(nil)

// Snapshot is a read only copy of one generation for userspace lookups.
type Snapshot struct {
	table *bart.Table[types.Entry]
	meta  types.Meta
}

func NewSnapshot(rs *types.RuleSet) *Snapshot {
	table := new(bart.Table[types.Entry])
	for _, family := range types.Families {
		for _, rule := range rs.Rules(family) {
			table.Insert(rule.Prefix, rule.Entry)
		}
	}

	return &Snapshot{
		table: table,
		meta:  rs.Meta(),
	}
}

func (s *Snapshot) Lookup(addr netip.Addr) (types.Entry, types.Meta, bool) {
	entry, ok := s.table.Lookup(addr)

	return entry, s.meta, ok
}

func (s *Snapshot) Meta() types.Meta {
	return s.meta
}
