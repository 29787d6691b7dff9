package types

import (
	"net/netip"
)

// Entry is the value stored per prefix in the classifier tables.
type Entry struct {
	Verdict Verdict     `json:"verdict"`
	Country CountryCode `json:"country"`
}

type Rule struct {
	Prefix netip.Prefix `json:"prefix"`
	Entry  Entry        `json:"entry"`
}

// RuleSet is one compiled generation. Rules per family are sorted
// by address and never overlap.
type RuleSet struct {
	Generation uint64  `json:"generation"`
	Default    Verdict `json:"default"`
	V4         []Rule  `json:"v4"`
	V6         []Rule  `json:"v6"`
}

func (rs *RuleSet) Rules(family Family) []Rule {
	if rs == nil {
		return nil
	}

	if family == FamilyV4 {
		return rs.V4
	}

	return rs.V6
}

func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}

	return len(rs.V4) + len(rs.V6)
}

func (rs *RuleSet) Meta() Meta {
	if rs == nil {
		return Meta{}
	}

	return Meta{
		Generation: rs.Generation,
		Default:    rs.Default,
	}
}

// Meta is published per table slot next to the rules.
type Meta struct {
	Generation uint64  `json:"generation"`
	Default    Verdict `json:"default"`
}
