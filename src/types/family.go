package types

import (
	"net/netip"
)

type Family uint8

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

var Families = []Family{FamilyV4, FamilyV6}

func FamilyOf(addr netip.Addr) Family {
	if addr.Is4() || addr.Is4In6() {
		return FamilyV4
	}

	return FamilyV6
}

func (f Family) Bits() int {
	if f == FamilyV4 {
		return 32
	}

	return 128
}

func (f Family) String() string {
	if f == FamilyV4 {
		return "ipv4"
	}

	return "ipv6"
}
