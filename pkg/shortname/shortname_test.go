package shortname

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceName_RoundTrip(t *testing.T) {
	namer := NewNamer(DefaultNamespace)

	cases := []struct {
		team, channel, device uint32
	}{
		{0, 0, 0},
		{1, 2, 5},
		{0xFFFFFFFF, 0xFFFFFFFF, 0xFFFF},
		{42, 0, 0xFFFF},
		{7, 0x80000000, 1},
	}

	for _, tc := range cases {
		name, err := namer.DeviceName(tc.team, tc.channel, tc.device)
		require.NoError(t, err)

		f := Decode(name)
		assert.Equal(t, DefaultNamespace, f.Namespace)
		assert.Equal(t, KindData, f.Kind)
		assert.Equal(t, tc.team, f.Team)
		assert.Equal(t, tc.channel, f.Channel)
		assert.Equal(t, tc.device, f.Device)
	}
}

func TestDeviceName_Injective(t *testing.T) {
	namer := NewNamer(DefaultNamespace)
	seen := make(map[ShortName]struct{})

	for team := uint32(0); team < 4; team++ {
		for channel := uint32(0); channel < 4; channel++ {
			for device := uint32(0); device < 4; device++ {
				name, err := namer.DeviceName(team, channel, device)
				require.NoError(t, err)
				_, dup := seen[name]
				require.False(t, dup, "duplicate name for %d/%d/%d", team, channel, device)
				seen[name] = struct{}{}
			}
		}
	}
}

func TestDeviceName_RangeError(t *testing.T) {
	namer := NewNamer(DefaultNamespace)

	_, err := namer.DeviceName(1, 2, 0x10000)
	require.Error(t, err)

	var rangeErr *RangeError
	require.True(t, errors.As(err, &rangeErr))
	assert.Equal(t, "device", rangeErr.Field)
	assert.Equal(t, uint64(0x10000), rangeErr.Value)
	assert.Equal(t, uint(DeviceBits), rangeErr.Bits)
}

func TestChannelGroup_MatchesDevicePrefix(t *testing.T) {
	namer := NewNamer(DefaultNamespace)
	group, mask := namer.ChannelGroup(1, 2)
	assert.Equal(t, MaskChannel, mask)

	for _, device := range []uint32{0, 5, 6, 0xFFFF} {
		name, err := namer.DeviceName(1, 2, device)
		require.NoError(t, err)
		assert.Equal(t, group, name.Prefix(mask))
	}

	other, err := namer.DeviceName(1, 3, 5)
	require.NoError(t, err)
	assert.NotEqual(t, group, other.Prefix(mask))
}

func TestChannelMask_ClearsLow16Bits(t *testing.T) {
	n := ShortName{Hi: 0x1122334455667788, Lo: 0x99aabbccddeeff00}
	p := n.Prefix(MaskChannel)
	assert.Equal(t, n.Hi, p.Hi)
	assert.Equal(t, n.Lo&0xFFFFffffFFFF0000, p.Lo)
}

func TestTeamGroup_SeparatesKinds(t *testing.T) {
	namer := NewNamer(DefaultNamespace)
	group, mask := namer.TeamGroup(9)

	data, err := namer.DeviceName(9, 100, 3)
	require.NoError(t, err)
	assert.Equal(t, group, data.Prefix(mask))

	commit := namer.CommitName(9)
	assert.NotEqual(t, group, commit.Prefix(mask))
	assert.Equal(t, data.Prefix(MaskKind), commit.Prefix(MaskKind))
}

func TestPrefix_Boundaries(t *testing.T) {
	all := ^uint64(0)
	n := ShortName{Hi: all, Lo: all}

	assert.Equal(t, n, n.Prefix(0))
	assert.Equal(t, ShortName{Hi: all, Lo: 0}, n.Prefix(64))
	assert.Equal(t, ShortName{Hi: all << 8, Lo: 0}, n.Prefix(72))
	assert.Equal(t, ShortName{}, n.Prefix(128))
}

func TestKindNames(t *testing.T) {
	namer := NewNamer(DefaultNamespace)

	assert.Equal(t, KindKeyPackage, Decode(namer.KeyPackageName(3)).Kind)
	assert.Equal(t, KindWelcome, Decode(namer.WelcomeName(3)).Kind)
	assert.Equal(t, KindCommit, Decode(namer.CommitName(3)).Kind)
	assert.Equal(t, uint32(3), Decode(namer.CommitName(3)).Team)
}

func TestStringParse(t *testing.T) {
	namer := NewNamer(DefaultNamespace)
	name, err := namer.DeviceName(1, 2, 5)
	require.NoError(t, err)

	s := name.String()
	assert.Len(t, s, 32)

	parsed, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, name, parsed)

	parsed, err = Parse("0x" + s)
	require.NoError(t, err)
	assert.Equal(t, name, parsed)

	_, err = Parse("abc")
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = Parse("zz" + s[2:])
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestCompare(t *testing.T) {
	a := ShortName{Hi: 1, Lo: 5}
	b := ShortName{Hi: 1, Lo: 6}
	c := ShortName{Hi: 2, Lo: 0}

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, -1, b.Compare(c))
	assert.Equal(t, 0, c.Compare(c))
}

func TestValidateMask(t *testing.T) {
	assert.NoError(t, ValidateMask(MaskChannel))
	assert.NoError(t, ValidateMask(MaxMask))
	assert.ErrorIs(t, ValidateMask(129), ErrInvalidMask)
}

func TestShortName_JSON(t *testing.T) {
	name, err := NewNamer(DefaultNamespace).DeviceName(1, 2, 5)
	require.NoError(t, err)

	b, err := json.Marshal(map[string]ShortName{"name": name})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"`+name.String()+`"}`, string(b))

	var out map[string]ShortName
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, name, out["name"])

	var bad ShortName
	assert.ErrorIs(t, bad.UnmarshalText([]byte("nope")), ErrInvalidName)
}
