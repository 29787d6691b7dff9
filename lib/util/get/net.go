package get

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func IPVersion(payload []byte) uint8 {
	if len(payload) < 1 {
		return 0
	}

	return payload[0] >> 4
}

func SrcIP(packet gopacket.Packet) (netip.Addr, bool) {
	switch l := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		return Addr(l.SrcIP)
	case *layers.IPv6:
		return Addr(l.SrcIP)
	}

	return netip.Addr{}, false
}

// Addr converts and unmaps a raw ip.
func Addr(ip []byte) (netip.Addr, bool) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}

	return addr.Unmap(), true
}

func NetAddr(str string) (netip.Addr, bool) {
	if str == "" {
		return netip.Addr{}, false
	}

	addr, err := netip.ParseAddr(str)
	if err != nil {
		return netip.Addr{}, false
	}

	return addr.Unmap(), true
}
