package classifier

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnaize/geofw/src/types"
)

func rule(prefix string, verdict types.Verdict) types.Rule {
	return types.Rule{Prefix: netip.MustParsePrefix(prefix), Entry: types.Entry{Verdict: verdict}}
}

func TestClassifySnapshot(t *testing.T) {
	snap := NewSnapshot(&types.RuleSet{
		Generation: 3,
		Default:    types.VerdictAllow,
		V4:         []types.Rule{rule("203.0.113.0/24", types.VerdictDrop)},
		V6:         []types.Rule{rule("2001:db8::/32", types.VerdictDrop)},
	})

	d := Classify(snap, netip.MustParseAddr("203.0.113.5"))
	assert.Equal(t, types.VerdictDrop, d.Verdict)
	assert.True(t, d.Matched)
	assert.Equal(t, uint64(3), d.Generation)

	d = Classify(snap, netip.MustParseAddr("8.8.8.8"))
	assert.Equal(t, types.VerdictAllow, d.Verdict)
	assert.False(t, d.Matched)

	d = Classify(snap, netip.MustParseAddr("::ffff:203.0.113.5"))
	assert.Equal(t, types.VerdictDrop, d.Verdict)

	d = Classify(snap, netip.MustParseAddr("2001:db8::1"))
	assert.Equal(t, types.VerdictDrop, d.Verdict)
}

func TestClassifyDefaultDrop(t *testing.T) {
	snap := NewSnapshot(&types.RuleSet{
		Generation: 1,
		Default:    types.VerdictDrop,
		V4:         []types.Rule{rule("198.51.100.0/24", types.VerdictAllow)},
	})

	assert.Equal(t, types.VerdictDrop, Classify(snap, netip.MustParseAddr("8.8.8.8")).Verdict)
	assert.Equal(t, types.VerdictAllow, Classify(snap, netip.MustParseAddr("198.51.100.1")).Verdict)
}

func TestClassifyLongestPrefixAnyOrder(t *testing.T) {
	rules := []types.Rule{
		rule("10.0.0.0/8", types.VerdictDrop),
		rule("10.1.0.0/16", types.VerdictAllow),
		rule("10.1.1.0/24", types.VerdictDrop),
	}

	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}, {2, 0, 1}}
	for _, order := range orders {
		rs := &types.RuleSet{Generation: 1, Default: types.VerdictAllow}
		for _, i := range order {
			rs.V4 = append(rs.V4, rules[i])
		}
		snap := NewSnapshot(rs)

		assert.Equal(t, types.VerdictDrop, Classify(snap, netip.MustParseAddr("10.2.0.1")).Verdict, order)
		assert.Equal(t, types.VerdictAllow, Classify(snap, netip.MustParseAddr("10.1.2.1")).Verdict, order)
		assert.Equal(t, types.VerdictDrop, Classify(snap, netip.MustParseAddr("10.1.1.1")).Verdict, order)
	}
}

func TestClassifyBeforeFirstGeneration(t *testing.T) {
	snap := NewSnapshot(&types.RuleSet{Default: types.VerdictDrop})

	d := Classify(snap, netip.MustParseAddr("8.8.8.8"))
	assert.Equal(t, types.VerdictAllow, d.Verdict)
}

type fakeAttacher struct {
	attached  bool
	attachErr error
	detachErr error
}

func (f *fakeAttacher) Attach(ctx context.Context) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	f.attached = true

	return nil
}

func (f *fakeAttacher) Detach() error {
	f.attached = false

	return f.detachErr
}

func TestHook(t *testing.T) {
	a := &fakeAttacher{}
	h := NewHook(a)
	assert.Equal(t, StateDetached, h.State())

	err := h.Attach(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNoGeneration)
	assert.ErrorIs(t, err, types.ErrAttachment)
	assert.Equal(t, StateDetached, h.State())

	require.NoError(t, h.Attach(context.Background(), 1))
	assert.Equal(t, StateAttached, h.State())
	assert.True(t, a.attached)

	// idempotent
	require.NoError(t, h.Attach(context.Background(), 2))

	require.NoError(t, h.Detach())
	assert.Equal(t, StateDetached, h.State())
	assert.False(t, a.attached)
	require.NoError(t, h.Detach())
}

func TestHookErrors(t *testing.T) {
	a := &fakeAttacher{attachErr: errors.New("rejected")}
	h := NewHook(a)

	err := h.Attach(context.Background(), 1)
	assert.ErrorIs(t, err, types.ErrAttachment)
	assert.Equal(t, StateDetached, h.State())

	a.attachErr = nil
	a.detachErr = errors.New("busy")
	require.NoError(t, h.Attach(context.Background(), 1))
	assert.Error(t, h.Detach())
	assert.Equal(t, StateDetached, h.State())
}
