package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/armon/go-radix"

	"github.com/cnaize/geofw/src/types"
)

type Kind string

const (
	KindCountry   Kind = "country"
	KindContinent Kind = "continent"
	KindASN       Kind = "asn"
)

var continents = map[string]bool{
	"AF": true, "AN": true, "AS": true, "EU": true, "NA": true, "OC": true, "SA": true,
}

type Entry struct {
	Kind    Kind          `json:"kind"`
	Key     string        `json:"key"`
	Verdict types.Verdict `json:"verdict"`
}

// Policy maps countries, continents and autonomous systems to verdicts.
// WARNING: immutable after New, safe for concurrent reads
type Policy struct {
	tree *radix.Tree
	def  types.Verdict
	asns int
}

func New(def types.Verdict, entries ...Entry) (*Policy, error) {
	p := Policy{
		tree: radix.New(),
		def:  def,
	}

	for _, entry := range entries {
		key, err := normalize(entry.Kind, entry.Key)
		if err != nil {
			return nil, err
		}

		if _, updated := p.tree.Insert(string(entry.Kind)+"/"+key, entry.Verdict); !updated && entry.Kind == KindASN {
			p.asns++
		}
	}

	return &p, nil
}

// Parse builds a policy from configuration maps of key -> verdict name.
func Parse(def string, countries, continents, asns map[string]string) (*Policy, error) {
	defVerdict, err := types.ParseVerdict(def)
	if err != nil {
		return nil, fmt.Errorf("default: %w", err)
	}

	var entries []Entry
	for kind, items := range map[Kind]map[string]string{
		KindCountry:   countries,
		KindContinent: continents,
		KindASN:       asns,
	} {
		for key, value := range items {
			verdict, err := types.ParseVerdict(value)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", kind, key, err)
			}

			entries = append(entries, Entry{Kind: kind, Key: key, Verdict: verdict})
		}
	}

	return New(defVerdict, entries...)
}

func (p *Policy) Default() types.Verdict {
	return p.def
}

func (p *Policy) Country(code types.CountryCode) (types.Verdict, bool) {
	if code.IsUnknown() {
		return p.def, false
	}

	return p.get(KindCountry, code.String())
}

func (p *Policy) Continent(code string) (types.Verdict, bool) {
	if code == "" {
		return p.def, false
	}

	return p.get(KindContinent, strings.ToUpper(code))
}

func (p *Policy) ASN(asn uint32) (types.Verdict, bool) {
	if asn == 0 {
		return p.def, false
	}

	return p.get(KindASN, strconv.FormatUint(uint64(asn), 10))
}

func (p *Policy) HasASN() bool {
	return p.asns > 0
}

// Resolve returns the verdict for a geolocation record. The country entry
// wins over the continent entry, the default applies otherwise. The bool
// result reports whether an explicit entry matched.
func (p *Policy) Resolve(rec types.Record) (types.Verdict, bool) {
	if verdict, ok := p.Country(rec.Country); ok {
		return verdict, true
	}

	if verdict, ok := p.Continent(rec.Continent); ok {
		return verdict, true
	}

	return p.def, false
}

// Entries returns all explicit entries sorted by kind and key.
func (p *Policy) Entries() []Entry {
	entries := make([]Entry, 0, p.tree.Len())
	p.tree.Walk(func(key string, value any) bool {
		kind, item, _ := strings.Cut(key, "/")
		entries = append(entries, Entry{
			Kind:    Kind(kind),
			Key:     item,
			Verdict: value.(types.Verdict),
		})

		return false
	})

	return entries
}

func (p *Policy) get(kind Kind, key string) (types.Verdict, bool) {
	value, ok := p.tree.Get(string(kind) + "/" + key)
	if !ok {
		return p.def, false
	}

	return value.(types.Verdict), true
}

func normalize(kind Kind, key string) (string, error) {
	key = strings.TrimSpace(key)

	switch kind {
	case KindCountry:
		code, ok := types.ParseCountryCode(key)
		if !ok {
			return "", fmt.Errorf("invalid country code: %q", key)
		}

		return code.String(), nil
	case KindContinent:
		key = strings.ToUpper(key)
		if !continents[key] {
			return "", fmt.Errorf("invalid continent code: %q", key)
		}

		return key, nil
	case KindASN:
		asn, err := strconv.ParseUint(strings.TrimPrefix(strings.ToUpper(key), "AS"), 10, 32)
		if err != nil || asn == 0 {
			return "", fmt.Errorf("invalid asn: %q", key)
		}

		return strconv.FormatUint(asn, 10), nil
	}

	return "", fmt.Errorf("invalid policy kind: %q", kind)
}
