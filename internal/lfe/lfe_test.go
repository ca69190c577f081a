package lfe_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domespan/atmosrender/internal/layout"
	"github.com/domespan/atmosrender/internal/lfe"
)

// Scenario 3 from spec.md §8: LFE routing with two subwoofers.
func TestRouter_SplitsAcrossSubwoofers(t *testing.T) {
	var doc = []byte(`{
		"speakers": [
			{"azimuth": 0, "elevation": 0, "radius": 3, "deviceChannel": 0},
			{"azimuth": 3.141592653589793, "elevation": 0, "radius": 3, "deviceChannel": 1}
		],
		"subwoofers": [{"channel": 4}, {"channel": 5}]
	}`)
	var l, err = layout.Load(doc)
	require.NoError(t, err)
	assert.Equal(t, 6, l.OutputChans)

	var r = lfe.New(l, lfe.DefaultLFECompensation)

	const n = 4
	var in = make([]float32, n)
	in[0] = 1.0 // unit impulse at frame 0

	var out = make([]float32, l.OutputChans*n)
	r.RenderBlock("LFE", 1.0, in, out, n)

	assert.InDelta(t, 0.475, out[4*n+0], 1e-6)
	assert.InDelta(t, 0.475, out[5*n+0], 1e-6)
	for ch := 0; ch < 4; ch++ {
		for i := 0; i < n; i++ {
			assert.Equal(t, float32(0), out[ch*n+i])
		}
	}
	for i := 1; i < n; i++ {
		assert.Equal(t, float32(0), out[4*n+i])
		assert.Equal(t, float32(0), out[5*n+i])
	}

	var _, fired = r.DrainWarning()
	assert.False(t, fired)
}

func TestRouter_SilencesAndFlagsWarningOnceWhenNoSubwoofers(t *testing.T) {
	var doc = []byte(`{
		"speakers": [
			{"azimuth": 0, "elevation": 0, "radius": 3, "deviceChannel": 0}
		]
	}`)
	var l, err = layout.Load(doc)
	require.NoError(t, err)

	var r = lfe.New(l, lfe.DefaultLFECompensation)

	const n = 4
	var in = make([]float32, n)
	in[0] = 1.0
	var out = make([]float32, l.OutputChans*n)

	r.RenderBlock("LFE", 1.0, in, out, n)
	for _, v := range out {
		assert.Equal(t, float32(0), v)
	}

	var id, fired = r.DrainWarning()
	require.True(t, fired)
	assert.Equal(t, "LFE", id)

	// Draining clears the flag until RenderBlock hits the condition again.
	_, fired = r.DrainWarning()
	assert.False(t, fired)

	r.RenderBlock("LFE", 1.0, in, out, n)
	_, fired = r.DrainWarning()
	assert.True(t, fired)
}

func TestRouter_GainScalesWithMasterGain(t *testing.T) {
	var doc = []byte(`{
		"speakers": [{"azimuth": 0, "elevation": 0, "radius": 3, "deviceChannel": 0}],
		"subwoofers": [{"channel": 1}]
	}`)
	var l, err = layout.Load(doc)
	require.NoError(t, err)

	var r = lfe.New(l, 0.95)

	const n = 2
	var in = []float32{1.0, 1.0}
	var out = make([]float32, l.OutputChans*n)

	r.RenderBlock("LFE", 0.5, in, out, n)

	assert.InDelta(t, 0.475, out[1*n+0], 1e-6)
	assert.InDelta(t, 0.475, out[1*n+1], 1e-6)
}
