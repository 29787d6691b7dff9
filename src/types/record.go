package types

import (
	"net/netip"
)

// Record is one network decoded from a geolocation database.
type Record struct {
	Prefix       netip.Prefix
	Country      CountryCode
	Continent    string
	ASN          uint32
	Organization string
}
