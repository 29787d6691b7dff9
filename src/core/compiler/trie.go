package compiler

import (
	"net/netip"

	"github.com/cnaize/geofw/src/types"
)

// node is a binary trie node keyed by address bits.
type node struct {
	child [2]*node
	entry types.Entry
	set   bool
	// explicit marks entries resolved from a policy entry
	explicit bool
}

func (n *node) leaf() bool {
	return n == nil || (n.child[0] == nil && n.child[1] == nil)
}

func (n *node) next(bit uint8) *node {
	if n == nil {
		return nil
	}

	return n.child[bit]
}

// insert stores the entry at the prefix node. A second insert of the same
// prefix replaces the first one.
func (n *node) insert(prefix netip.Prefix, entry types.Entry, explicit bool) {
	addr := prefix.Addr().AsSlice()
	cur := n
	for i := range prefix.Bits() {
		bit := bitAt(addr, i)
		if cur.child[bit] == nil {
			cur.child[bit] = new(node)
		}
		cur = cur.child[bit]
	}

	cur.entry = entry
	cur.set = true
	cur.explicit = explicit
}

// leaf of the flattened output trie
type span struct {
	child    [2]*span
	entry    types.Entry
	explicit bool
}

func (s *span) leaf() bool {
	return s.child[0] == nil && s.child[1] == nil
}

type inherited struct {
	entry    types.Entry
	explicit bool
	set      bool
}

// flatten walks the country and override tries in lockstep and returns a
// trie whose leaves are disjoint and cover the whole address space. Each
// leaf carries the entry of the longest country prefix, replaced by the
// longest override prefix when one covers it.
func flatten(country, override *node, fromCountry, fromOverride inherited) *span {
	if country != nil && country.set {
		fromCountry = inherited{entry: country.entry, explicit: country.explicit, set: true}
	}
	if override != nil && override.set {
		fromOverride = inherited{entry: override.entry, explicit: true, set: true}
	}

	if country.leaf() && override.leaf() {
		return resolve(fromCountry, fromOverride)
	}

	left := flatten(country.next(0), override.next(0), fromCountry, fromOverride)
	right := flatten(country.next(1), override.next(1), fromCountry, fromOverride)

	if mergeable(left, right) {
		merged := &span{
			entry:    types.Entry{Verdict: left.entry.Verdict, Country: left.entry.Country},
			explicit: left.explicit,
		}
		if left.entry.Country != right.entry.Country {
			merged.entry.Country = types.CountryUnknown
		}

		return merged
	}

	return &span{child: [2]*span{left, right}}
}

// mergeable reports whether two sibling leaves can be replaced by their
// parent. Implicit leaves keep their country so it can be materialized.
func mergeable(left, right *span) bool {
	if !left.leaf() || !right.leaf() {
		return false
	}
	if left.entry.Verdict != right.entry.Verdict || left.explicit != right.explicit {
		return false
	}

	return left.explicit || left.entry.Country == right.entry.Country
}

func resolve(country, override inherited) *span {
	if override.set {
		return &span{
			entry:    types.Entry{Verdict: override.entry.Verdict, Country: country.entry.Country},
			explicit: true,
		}
	}

	return &span{
		entry:    country.entry,
		explicit: country.set && country.explicit,
	}
}

// emit appends the leaves selected by keep in address order.
func emit(s *span, family types.Family, addr []byte, depth int, keep func(*span) bool, out []types.Rule) []types.Rule {
	if s.leaf() {
		if !keep(s) {
			return out
		}

		return append(out, types.Rule{
			Prefix: prefixOf(family, addr, depth),
			Entry:  s.entry,
		})
	}

	out = emit(s.child[0], family, addr, depth+1, keep, out)

	setBit(addr, depth)
	out = emit(s.child[1], family, addr, depth+1, keep, out)
	clearBit(addr, depth)

	return out
}

func prefixOf(family types.Family, addr []byte, bits int) netip.Prefix {
	if family == types.FamilyV4 {
		return netip.PrefixFrom(netip.AddrFrom4([4]byte(addr[:4])), bits)
	}

	return netip.PrefixFrom(netip.AddrFrom16([16]byte(addr[:16])), bits)
}

func bitAt(addr []byte, i int) uint8 {
	return (addr[i/8] >> (7 - uint(i%8))) & 1
}

func setBit(addr []byte, i int) {
	addr[i/8] |= 1 << (7 - uint(i%8))
}

func clearBit(addr []byte, i int) {
	addr[i/8] &^= 1 << (7 - uint(i%8))
}
