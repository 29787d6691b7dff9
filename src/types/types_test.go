package types

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerdict(t *testing.T) {
	for str, want := range map[string]Verdict{
		"allow":  VerdictAllow,
		"PASS":   VerdictAllow,
		"drop":   VerdictDrop,
		" Block": VerdictDrop,
	} {
		got, err := ParseVerdict(str)
		require.NoError(t, err, str)
		assert.Equal(t, want, got, str)
	}

	_, err := ParseVerdict("maybe")
	assert.Error(t, err)
}

func TestParseCountryCode(t *testing.T) {
	code, ok := ParseCountryCode("cn")
	require.True(t, ok)
	assert.Equal(t, "CN", code.String())

	for _, bad := range []string{"", "c", "usa", "1a"} {
		_, ok := ParseCountryCode(bad)
		assert.False(t, ok, bad)
	}

	assert.Equal(t, "unknown", CountryUnknown.String())
	assert.True(t, CountryUnknown.IsUnknown())
}

func TestFamilyOf(t *testing.T) {
	assert.Equal(t, FamilyV4, FamilyOf(netip.MustParseAddr("8.8.8.8")))
	assert.Equal(t, FamilyV4, FamilyOf(netip.MustParseAddr("::ffff:8.8.8.8")))
	assert.Equal(t, FamilyV6, FamilyOf(netip.MustParseAddr("2001:db8::1")))
	assert.Equal(t, 32, FamilyV4.Bits())
	assert.Equal(t, 128, FamilyV6.Bits())
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "ok", ErrorKind(nil))
	assert.Equal(t, "fetch", ErrorKind(fmt.Errorf("%w: timeout", ErrFetch)))
	assert.Equal(t, "malformed_database", ErrorKind(fmt.Errorf("open: %w", ErrMalformedDatabase)))
	assert.Equal(t, "other", ErrorKind(errors.New("boom")))
}

func TestNewPacket(t *testing.T) {
	buf := gopacket.NewSerializeBuffer()
	ip6 := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolNoNextHeader,
		SrcIP:      net.ParseIP("2001:db8::5"),
		DstIP:      net.ParseIP("2001:db8::1"),
	}
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, ip6))

	packet, err := NewPacket(buf.Bytes())
	require.NoError(t, err)

	src, ok := packet.GetSrcIP()
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("2001:db8::5"), src)

	_, err = NewPacket([]byte{0x10, 0x00})
	assert.ErrorIs(t, err, ErrUnknownProtocol)
}
