package geodb

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnaize/geofw/src/core/geodb/geodbtest"
	"github.com/cnaize/geofw/src/types"
)

func collect(t *testing.T, records *Records) map[netip.Prefix]types.Record {
	t.Helper()

	out := make(map[netip.Prefix]types.Record)
	for records.Next() {
		rec := records.Record()
		out[rec.Prefix] = rec
	}
	require.NoError(t, records.Err())

	return out
}

func TestOpenCountry(t *testing.T) {
	data := geodbtest.Country(t,
		geodbtest.Network{CIDR: "203.0.113.0/24", Country: "CN", Continent: "AS"},
		geodbtest.Network{CIDR: "198.51.100.0/24", Country: "US", Continent: "NA"},
		geodbtest.Network{CIDR: "2001:db8::/32", Country: "DE", Continent: "EU"},
	)

	db, err := Open(data, true)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, "GeoLite2-Country", db.Info().Type)
	assert.Equal(t, uint(6), db.Info().IPVersion)

	records := collect(t, db.Records())
	require.Len(t, records, 3)

	cn := records[netip.MustParsePrefix("203.0.113.0/24")]
	assert.Equal(t, "CN", cn.Country.String())
	assert.Equal(t, "AS", cn.Continent)

	de := records[netip.MustParsePrefix("2001:db8::/32")]
	assert.Equal(t, "DE", de.Country.String())
}

func TestRecordsSkipsFamilies(t *testing.T) {
	data := geodbtest.Country(t,
		geodbtest.Network{CIDR: "203.0.113.0/24", Country: "CN"},
		geodbtest.Network{CIDR: "2001:db8::/32", Country: "DE"},
	)

	db, err := Open(data, false)
	require.NoError(t, err)

	v4 := collect(t, db.Records(types.FamilyV4))
	require.Len(t, v4, 1)
	assert.Contains(t, v4, netip.MustParsePrefix("203.0.113.0/24"))

	v6 := collect(t, db.Records(types.FamilyV6))
	require.Len(t, v6, 1)
	assert.Contains(t, v6, netip.MustParsePrefix("2001:db8::/32"))
}

func TestRecordsAreNotRestartable(t *testing.T) {
	data := geodbtest.Country(t, geodbtest.Network{CIDR: "203.0.113.0/24", Country: "CN"})

	db, err := Open(data, false)
	require.NoError(t, err)

	records := db.Records()
	assert.Len(t, collect(t, records), 1)
	assert.False(t, records.Next())
}

func TestOpenASN(t *testing.T) {
	data := geodbtest.ASN(t,
		geodbtest.Network{CIDR: "192.0.2.0/24", ASN: 64500, Organization: "Example"},
	)

	db, err := Open(data, true)
	require.NoError(t, err)

	records := collect(t, db.Records())
	rec := records[netip.MustParsePrefix("192.0.2.0/24")]
	assert.Equal(t, uint32(64500), rec.ASN)
	assert.Equal(t, "Example", rec.Organization)
	assert.True(t, rec.Country.IsUnknown())
}

func TestOpenTruncated(t *testing.T) {
	data := geodbtest.Country(t, geodbtest.Network{CIDR: "203.0.113.0/24", Country: "CN"})

	for _, n := range []int{0, 1, 16, len(data) / 2} {
		_, err := Open(data[:n], true)
		assert.ErrorIs(t, err, types.ErrMalformedDatabase, "truncated to %d bytes", n)
	}
}

func TestOpenGarbage(t *testing.T) {
	_, err := Open([]byte("definitely not a maxmind database"), false)
	assert.ErrorIs(t, err, types.ErrMalformedDatabase)
}
