package remap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domespan/atmosrender/internal/remap"
	"github.com/domespan/atmosrender/internal/warn"
)

func TestLoad_ParsesValidEntries(t *testing.T) {
	var csv = "layout,device\n0,2\n1,3\n# comment\n\n2,0\n"
	var tbl, err = remap.Load([]byte(csv), 4, 4, warn.New())
	require.NoError(t, err)
	require.Len(t, tbl.Entries, 3)
	assert.False(t, tbl.Identity)
}

func TestLoad_DropsOutOfRangeEntries(t *testing.T) {
	var csv = "layout,device\n0,0\n99,1\n1,99\n"
	var tbl, err = remap.Load([]byte(csv), 4, 4, warn.New())
	require.NoError(t, err)
	require.Len(t, tbl.Entries, 1)
	assert.Equal(t, 0, tbl.Entries[0].Layout)
	assert.Equal(t, 0, tbl.Entries[0].Device)
}

func TestLoad_DetectsIdentity(t *testing.T) {
	var csv = "layout,device\n0,0\n1,1\n2,2\n3,3\n"
	var tbl, err = remap.Load([]byte(csv), 4, 4, warn.New())
	require.NoError(t, err)
	assert.True(t, tbl.Identity)
}

func TestLoad_TrailingColumnsIgnored(t *testing.T) {
	var csv = "layout,device,note\n0,0,front\n1,1,side\n"
	var tbl, err = remap.Load([]byte(csv), 2, 2, warn.New())
	require.NoError(t, err)
	assert.True(t, tbl.Identity)
}

// Scenario 7 from spec.md §8: an identity-equivalent CSV must produce
// bit-equal output to the no-CSV case.
func TestApply_IdentityTableMatchesNilTable(t *testing.T) {
	var csv = "layout,device\n0,0\n1,1\n"
	var tbl, err = remap.Load([]byte(csv), 2, 2, warn.New())
	require.NoError(t, err)
	require.True(t, tbl.Identity)

	const n = 8
	var render = []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 1, 2, 3, 4, 5, 6, 7, 8}

	var withNil = make([]float32, n*2)
	remap.Apply(nil, render, 2, withNil, 2, n)

	var withIdentity = make([]float32, n*2)
	remap.Apply(tbl, render, 2, withIdentity, 2, n)

	assert.Equal(t, withNil, withIdentity)
}

func TestApply_SumsMultipleLayoutChannelsOntoOneDevice(t *testing.T) {
	var csv = "layout,device\n0,0\n1,0\n"
	var tbl, err = remap.Load([]byte(csv), 2, 1, warn.New())
	require.NoError(t, err)
	require.False(t, tbl.Identity)

	const n = 4
	var render = []float32{1, 1, 1, 1, 2, 2, 2, 2}
	var device = make([]float32, n)

	remap.Apply(tbl, render, 2, device, 1, n)

	for _, v := range device {
		assert.Equal(t, float32(3), v)
	}
}
