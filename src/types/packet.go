package types

import (
	"errors"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/cnaize/geofw/lib/util/get"
)

var ErrUnknownProtocol = errors.New("unknown network protocol")

type Packet struct {
	packet gopacket.Packet
}

func NewPacket(payload []byte) (*Packet, error) {
	var first gopacket.LayerType
	switch get.IPVersion(payload) {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return nil, ErrUnknownProtocol
	}

	// WARNING:
	// 1. DON'T MODIFY PACKET (NoCopy: true)
	// 2. NOT THREAD SAFE (Lazy: true)
	packet := gopacket.NewPacket(payload, first, gopacket.DecodeOptions{NoCopy: true, Lazy: true})
	// transport errors don't matter, only the source address is used
	if packet.NetworkLayer() == nil {
		if err := packet.ErrorLayer(); err != nil {
			return nil, err.Error()
		}

		return nil, ErrUnknownProtocol
	}

	return &Packet{
		packet: packet,
	}, nil
}

func (p *Packet) GetSrcIP() (netip.Addr, bool) {
	return get.SrcIP(p.packet)
}
