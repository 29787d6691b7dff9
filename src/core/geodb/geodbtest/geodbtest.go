// Package geodbtest builds small MaxMind databases for tests.
package geodbtest

import (
	"bytes"
	"net"
	"testing"

	"github.com/maxmind/mmdbwriter"
	"github.com/maxmind/mmdbwriter/mmdbtype"
	"github.com/stretchr/testify/require"
)

type Network struct {
	CIDR         string
	Country      string
	Continent    string
	ASN          uint32
	Organization string
}

func Country(t testing.TB, networks ...Network) []byte {
	t.Helper()

	return build(t, "GeoLite2-Country", networks, func(n Network) mmdbtype.Map {
		value := mmdbtype.Map{}
		if n.Country != "" {
			value["country"] = mmdbtype.Map{"iso_code": mmdbtype.String(n.Country)}
		}
		if n.Continent != "" {
			value["continent"] = mmdbtype.Map{"code": mmdbtype.String(n.Continent)}
		}

		return value
	})
}

func ASN(t testing.TB, networks ...Network) []byte {
	t.Helper()

	return build(t, "GeoLite2-ASN", networks, func(n Network) mmdbtype.Map {
		return mmdbtype.Map{
			"autonomous_system_number":       mmdbtype.Uint32(n.ASN),
			"autonomous_system_organization": mmdbtype.String(n.Organization),
		}
	})
}

func build(t testing.TB, kind string, networks []Network, valueFn func(Network) mmdbtype.Map) []byte {
	t.Helper()

	tree, err := mmdbwriter.New(mmdbwriter.Options{
		DatabaseType:            kind,
		Description:             map[string]string{"en": kind + " test database"},
		RecordSize:              24,
		IncludeReservedNetworks: true,
	})
	require.NoError(t, err)

	for _, n := range networks {
		_, network, err := net.ParseCIDR(n.CIDR)
		require.NoError(t, err)
		require.NoError(t, tree.Insert(network, valueFn(n)))
	}

	var buf bytes.Buffer
	_, err = tree.WriteTo(&buf)
	require.NoError(t, err)

	return buf.Bytes()
}
