package geodb

import (
	"fmt"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/oschwald/maxminddb-golang"

	"github.com/cnaize/geofw/src/types"
)

const binaryFormatMajorVersion = 2

// Database is a parsed MaxMind DB held in memory.
type Database struct {
	reader *maxminddb.Reader
}

type Info struct {
	Type      string    `json:"type"`
	BuildTime time.Time `json:"build_time"`
	IPVersion uint      `json:"ip_version"`
	NodeCount uint      `json:"node_count"`
}

// Open parses the database structure. With verify set the whole search tree
// and data section are checked before any record is returned.
func Open(data []byte, verify bool) (*Database, error) {
	reader, err := maxminddb.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", types.ErrMalformedDatabase, err)
	}

	meta := reader.Metadata
	if meta.BinaryFormatMajorVersion != binaryFormatMajorVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d.%d",
			types.ErrMalformedDatabase, meta.BinaryFormatMajorVersion, meta.BinaryFormatMinorVersion)
	}
	if meta.IPVersion != 4 && meta.IPVersion != 6 {
		return nil, fmt.Errorf("%w: unsupported ip version %d", types.ErrMalformedDatabase, meta.IPVersion)
	}

	if verify {
		if err := reader.Verify(); err != nil {
			return nil, fmt.Errorf("%w: verify: %w", types.ErrMalformedDatabase, err)
		}
	}

	return &Database{
		reader: reader,
	}, nil
}

func (d *Database) Info() Info {
	meta := d.reader.Metadata

	return Info{
		Type:      meta.DatabaseType,
		BuildTime: time.Unix(int64(meta.BuildEpoch), 0).UTC(),
		IPVersion: meta.IPVersion,
		NodeCount: meta.NodeCount,
	}
}

// Records returns a fresh iterator over every network with data.
// Networks of families not listed are skipped, no families means all.
func (d *Database) Records(families ...types.Family) *Records {
	return &Records{
		networks: d.reader.Networks(maxminddb.SkipAliasedNetworks),
		families: families,
	}
}

func (d *Database) Close() error {
	return d.reader.Close()
}

type record struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
	Continent struct {
		Code string `maxminddb:"code"`
	} `maxminddb:"continent"`
	AutonomousSystemNumber       uint32 `maxminddb:"autonomous_system_number"`
	AutonomousSystemOrganization string `maxminddb:"autonomous_system_organization"`
}

// WARNING: finite and non-restartable
type Records struct {
	networks *maxminddb.Networks
	families []types.Family

	current types.Record
	err     error
}

func (r *Records) Next() bool {
	if r.err != nil {
		return false
	}

	for r.networks.Next() {
		var rec record
		network, err := r.networks.Network(&rec)
		if err != nil {
			r.err = fmt.Errorf("%w: decode: %w", types.ErrMalformedDatabase, err)
			return false
		}

		prefix, ok := toPrefix(network)
		if !ok {
			continue
		}

		if len(r.families) > 0 && !slices.Contains(r.families, types.FamilyOf(prefix.Addr())) {
			continue
		}

		country, ok := types.ParseCountryCode(rec.Country.ISOCode)
		if !ok {
			country, _ = types.ParseCountryCode(rec.RegisteredCountry.ISOCode)
		}

		r.current = types.Record{
			Prefix:       prefix,
			Country:      country,
			Continent:    rec.Continent.Code,
			ASN:          rec.AutonomousSystemNumber,
			Organization: rec.AutonomousSystemOrganization,
		}

		return true
	}

	if err := r.networks.Err(); err != nil {
		r.err = fmt.Errorf("%w: traverse: %w", types.ErrMalformedDatabase, err)
	}

	return false
}

func (r *Records) Record() types.Record {
	return r.current
}

func (r *Records) Err() error {
	return r.err
}

func toPrefix(network *net.IPNet) (netip.Prefix, bool) {
	if network == nil {
		return netip.Prefix{}, false
	}

	addr, ok := netip.AddrFromSlice(network.IP)
	if !ok {
		return netip.Prefix{}, false
	}

	ones, bits := network.Mask.Size()
	if bits == 0 {
		return netip.Prefix{}, false
	}

	addr = addr.Unmap()
	if addr.Is4() && bits == 128 {
		if ones < 96 {
			return netip.Prefix{}, false
		}
		ones -= 96
	}

	return netip.PrefixFrom(addr, ones).Masked(), true
}
