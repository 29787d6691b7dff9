package types

import (
	"net/netip"
)

type Decision struct {
	Addr       netip.Addr  `json:"addr"`
	Verdict    Verdict     `json:"verdict"`
	Country    CountryCode `json:"country"`
	Generation uint64      `json:"generation"`
	Matched    bool        `json:"matched"`
}
