//go:build linux

package dataplane

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnaize/geofw/src/types"
)

func TestSlotMetaLayout(t *testing.T) {
	// matches struct slot_meta in bpf/geofw.c
	require.Equal(t, 16, binary.Size(slotMeta{}))

	var buf bytes.Buffer
	meta := types.Meta{Generation: 7, Default: types.VerdictDrop}
	require.NoError(t, binary.Write(&buf, binary.NativeEndian, newSlotMeta(meta, true)))

	raw := buf.Bytes()
	assert.Equal(t, uint64(7), binary.NativeEndian.Uint64(raw[:8]))
	assert.Equal(t, uint8(types.VerdictDrop), raw[8])
	assert.Equal(t, uint8(1), raw[9])

	assert.Equal(t, uint8(0), newSlotMeta(meta, false).ReportAllowed)
}

func TestDecodeAllowedEvent(t *testing.T) {
	require.Equal(t, 32, binary.Size(xdpEvent{}))

	in := xdpEvent{
		Generation: 3,
		Family:     uint8(types.FamilyV4),
		Verdict:    uint8(types.VerdictAllow),
		Country:    [2]byte{'U', 'S'},
		Matched:    1,
	}
	copy(in.Addr[:], []byte{192, 0, 2, 1})

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.NativeEndian, in))

	var ev xdpEvent
	d, err := decodeEvent(buf.Bytes(), &ev)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), d.Addr)
	assert.Equal(t, types.VerdictAllow, d.Verdict)
	assert.Equal(t, types.CountryCode{'U', 'S'}, d.Country)
	assert.Equal(t, uint64(3), d.Generation)
	assert.True(t, d.Matched)

	_, err = decodeEvent([]byte{1, 2, 3}, &ev)
	assert.Error(t, err)
}
