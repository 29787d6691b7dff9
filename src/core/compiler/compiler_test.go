package compiler

import (
	"math/rand/v2"
	"net/netip"
	"testing"

	"github.com/gaissmai/bart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnaize/geofw/src/core/policy"
	"github.com/cnaize/geofw/src/types"
)

type sliceSource struct {
	records []types.Record
	pos     int
	err     error
}

func source(records ...types.Record) *sliceSource {
	return &sliceSource{records: records, pos: -1}
}

func (s *sliceSource) Next() bool {
	if s.pos+1 >= len(s.records) {
		return false
	}
	s.pos++

	return true
}

func (s *sliceSource) Record() types.Record {
	return s.records[s.pos]
}

func (s *sliceSource) Err() error {
	return s.err
}

func cc(code string) types.CountryCode {
	c, _ := types.ParseCountryCode(code)
	return c
}

func rec(prefix, country string) types.Record {
	return types.Record{Prefix: netip.MustParsePrefix(prefix), Country: cc(country)}
}

func testPolicy(t *testing.T, def types.Verdict) *policy.Policy {
	t.Helper()

	p, err := policy.New(def,
		policy.Entry{Kind: policy.KindCountry, Key: "US", Verdict: types.VerdictAllow},
		policy.Entry{Kind: policy.KindCountry, Key: "CN", Verdict: types.VerdictDrop},
		policy.Entry{Kind: policy.KindCountry, Key: "RU", Verdict: types.VerdictDrop},
		policy.Entry{Kind: policy.KindASN, Key: "64500", Verdict: types.VerdictAllow},
	)
	require.NoError(t, err)

	return p
}

func TestCompileScenario(t *testing.T) {
	c := New(testPolicy(t, types.VerdictAllow))

	rs, stats, err := c.Compile(7, source(rec("203.0.113.0/24", "CN")), nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(8), rs.Generation)
	assert.Equal(t, types.VerdictAllow, rs.Default)
	assert.Equal(t, 1, stats.Records)
	assert.Equal(t, []types.Rule{{
		Prefix: netip.MustParsePrefix("203.0.113.0/24"),
		Entry:  types.Entry{Verdict: types.VerdictDrop, Country: cc("CN")},
	}}, rs.V4)
	assert.Empty(t, rs.V6)
}

func TestCompileDeterministic(t *testing.T) {
	records := []types.Record{
		rec("203.0.113.0/24", "CN"),
		rec("198.51.100.0/24", "US"),
		rec("192.0.2.0/25", "RU"),
		rec("192.0.2.128/25", "CN"),
		rec("2001:db8::/32", "CN"),
		rec("2001:db8:1::/48", "US"),
	}

	c := New(testPolicy(t, types.VerdictDrop))
	first, _, err := c.Compile(1, source(records...), nil)
	require.NoError(t, err)
	second, _, err := c.Compile(1, source(records...), nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCompileMergesSiblings(t *testing.T) {
	c := New(testPolicy(t, types.VerdictAllow))

	rs, _, err := c.Compile(0, source(
		rec("192.0.2.0/25", "RU"),
		rec("192.0.2.128/26", "CN"),
		rec("192.0.2.192/26", "CN"),
	), nil)
	require.NoError(t, err)

	// both halves drop, countries differ
	assert.Equal(t, []types.Rule{{
		Prefix: netip.MustParsePrefix("192.0.2.0/24"),
		Entry:  types.Entry{Verdict: types.VerdictDrop, Country: types.CountryUnknown},
	}}, rs.V4)
}

func TestCompileKeepsCountryWhenMerged(t *testing.T) {
	c := New(testPolicy(t, types.VerdictAllow))

	rs, _, err := c.Compile(0, source(
		rec("192.0.2.0/25", "CN"),
		rec("192.0.2.128/25", "CN"),
	), nil)
	require.NoError(t, err)

	require.Len(t, rs.V4, 1)
	assert.Equal(t, netip.MustParsePrefix("192.0.2.0/24"), rs.V4[0].Prefix)
	assert.Equal(t, cc("CN"), rs.V4[0].Entry.Country)
}

func TestCompileNestedLongestWins(t *testing.T) {
	c := New(testPolicy(t, types.VerdictAllow))

	rs, _, err := c.Compile(0, source(
		rec("10.0.0.0/8", "CN"),
		rec("10.1.0.0/16", "US"),
	), nil)
	require.NoError(t, err)

	table := new(bart.Table[types.Entry])
	for _, rule := range rs.V4 {
		table.Insert(rule.Prefix, rule.Entry)
	}

	entry, ok := table.Lookup(netip.MustParseAddr("10.2.3.4"))
	require.True(t, ok)
	assert.Equal(t, types.VerdictDrop, entry.Verdict)

	entry, ok = table.Lookup(netip.MustParseAddr("10.1.2.3"))
	require.True(t, ok)
	assert.Equal(t, types.VerdictAllow, entry.Verdict)
	assert.Equal(t, cc("US"), entry.Country)

	assertDisjoint(t, rs.V4)
}

func TestCompileNestedUnlistedFallsBack(t *testing.T) {
	c := New(testPolicy(t, types.VerdictAllow))

	rs, _, err := c.Compile(0, source(
		rec("10.0.0.0/8", "CN"),
		rec("10.1.0.0/16", "DE"),
	), nil)
	require.NoError(t, err)

	table := new(bart.Table[types.Entry])
	for _, rule := range rs.V4 {
		table.Insert(rule.Prefix, rule.Entry)
	}

	entry, ok := table.Lookup(netip.MustParseAddr("10.2.3.4"))
	require.True(t, ok)
	assert.Equal(t, types.VerdictDrop, entry.Verdict)

	// unlisted country is not materialized, the default applies
	_, ok = table.Lookup(netip.MustParseAddr("10.1.2.3"))
	assert.False(t, ok)

	assertDisjoint(t, rs.V4)
}

func TestCompileASNOverride(t *testing.T) {
	c := New(testPolicy(t, types.VerdictAllow))

	rs, stats, err := c.Compile(0,
		source(
			rec("203.0.113.0/25", "CN"),
			rec("203.0.113.128/25", "CN"),
		),
		source(
			types.Record{Prefix: netip.MustParsePrefix("203.0.113.0/24"), ASN: 64500},
			types.Record{Prefix: netip.MustParsePrefix("198.51.100.0/24"), ASN: 64999},
		),
	)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Overrides)

	assert.Equal(t, []types.Rule{{
		Prefix: netip.MustParsePrefix("203.0.113.0/24"),
		Entry:  types.Entry{Verdict: types.VerdictAllow, Country: cc("CN")},
	}}, rs.V4)
}

func TestCompileEmpty(t *testing.T) {
	c := New(testPolicy(t, types.VerdictAllow))

	_, _, err := c.Compile(0, source(), nil)
	assert.ErrorIs(t, err, types.ErrEmptyCompilation)

	// only default verdict ranges
	_, _, err = c.Compile(0, source(rec("192.0.2.0/24", "FR")), nil)
	assert.ErrorIs(t, err, types.ErrEmptyCompilation)
}

func TestCompileMaterializeDefaults(t *testing.T) {
	c := New(testPolicy(t, types.VerdictAllow), WithMaterializeDefaults(true))

	rs, _, err := c.Compile(0, source(
		rec("192.0.2.0/24", "FR"),
		types.Record{Prefix: netip.MustParsePrefix("198.51.100.0/24")},
	), nil)
	require.NoError(t, err)

	assert.Equal(t, []types.Rule{{
		Prefix: netip.MustParsePrefix("192.0.2.0/24"),
		Entry:  types.Entry{Verdict: types.VerdictAllow, Country: cc("FR")},
	}}, rs.V4)
}

func TestCompileSourceError(t *testing.T) {
	c := New(testPolicy(t, types.VerdictAllow))

	src := source(rec("203.0.113.0/24", "CN"))
	src.err = types.ErrMalformedDatabase

	_, _, err := c.Compile(0, src, nil)
	assert.ErrorIs(t, err, types.ErrMalformedDatabase)
}

// Compiled tables must answer every lookup like a longest prefix match over
// the raw records does.
func TestCompileMatchesOracle(t *testing.T) {
	countries := []string{"US", "CN", "RU", "FR", "DE", ""}
	rng := rand.New(rand.NewPCG(1, 2))

	for round := range 20 {
		def := types.Verdict(round % 2)
		p := testPolicy(t, def)

		var records, overrides []types.Record
		for range 200 {
			records = append(records, randomRecord(rng, countries[rng.IntN(len(countries))]))
		}
		for range 10 {
			r := randomRecord(rng, "")
			r.ASN = 64500
			overrides = append(overrides, r)
		}

		rs, _, err := New(p).Compile(uint64(round), source(records...), source(overrides...))
		require.NoError(t, err)

		oracle := new(bart.Table[types.Verdict])
		for _, r := range records {
			verdict, _ := p.Resolve(r)
			oracle.Insert(r.Prefix, verdict)
		}
		overrideOracle := new(bart.Table[types.Verdict])
		for _, r := range overrides {
			overrideOracle.Insert(r.Prefix, types.VerdictAllow)
		}

		compiled := new(bart.Table[types.Entry])
		for _, family := range types.Families {
			assertDisjoint(t, rs.Rules(family))
			for _, rule := range rs.Rules(family) {
				compiled.Insert(rule.Prefix, rule.Entry)
			}
		}

		for range 2000 {
			addr := randomAddr(rng)

			want, ok := overrideOracle.Lookup(addr)
			if !ok {
				want, ok = oracle.Lookup(addr)
				if !ok {
					want = def
				}
			}

			got := def
			if entry, ok := compiled.Lookup(addr); ok {
				got = entry.Verdict
			}

			require.Equal(t, want, got, "round %d addr %s", round, addr)
		}
	}
}

func randomRecord(rng *rand.Rand, country string) types.Record {
	addr := randomAddr(rng)
	bits := 8 + rng.IntN(17)
	if addr.Is6() {
		bits = 16 + rng.IntN(33)
	}

	return types.Record{
		Prefix:  netip.PrefixFrom(addr, bits).Masked(),
		Country: cc(country),
	}
}

// addresses are drawn from a narrow space so prefixes collide and nest
func randomAddr(rng *rand.Rand) netip.Addr {
	if rng.IntN(2) == 0 {
		return netip.AddrFrom4([4]byte{10, byte(rng.IntN(4)), byte(rng.IntN(256)), byte(rng.IntN(256))})
	}

	var b [16]byte
	b[0], b[1] = 0x20, 0x01
	b[2], b[3] = 0x0d, byte(rng.IntN(4))
	b[4] = byte(rng.IntN(256))
	b[5] = byte(rng.IntN(256))
	b[15] = byte(rng.IntN(256))

	return netip.AddrFrom16(b)
}

func assertDisjoint(t *testing.T, rules []types.Rule) {
	t.Helper()

	for i := 1; i < len(rules); i++ {
		prev, cur := rules[i-1].Prefix, rules[i].Prefix
		require.False(t, prev.Overlaps(cur), "%s overlaps %s", prev, cur)
		require.True(t, prev.Addr().Less(cur.Addr()), "%s not before %s", prev, cur)
	}
}
