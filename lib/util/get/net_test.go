package get

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetAddrUnmaps(t *testing.T) {
	addr, ok := NetAddr("::ffff:8.8.8.8")
	require.True(t, ok)
	assert.True(t, addr.Is4())
}

func TestSrcIP(t *testing.T) {
	buf := gopacket.NewSerializeBuffer()
	ip4 := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP("203.0.113.5").To4(),
		DstIP:    net.ParseIP("192.0.2.1").To4(),
	}
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, ip4))

	payload := buf.Bytes()
	assert.Equal(t, uint8(4), IPVersion(payload))

	packet := gopacket.NewPacket(payload, layers.LayerTypeIPv4, gopacket.Default)
	src, ok := SrcIP(packet)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("203.0.113.5"), src)
}
