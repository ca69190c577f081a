package panner_test

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domespan/atmosrender/internal/layout"
	"github.com/domespan/atmosrender/internal/panner"
)

func fourSpeakerLayout(t *testing.T) *layout.Layout {
	t.Helper()
	var doc = []byte(`{
		"speakers": [
			{"azimuth": 0, "elevation": 0, "radius": 5, "deviceChannel": 0},
			{"azimuth": 1.5707963267948966, "elevation": 0, "radius": 5, "deviceChannel": 1},
			{"azimuth": 3.141592653589793, "elevation": 0, "radius": 5, "deviceChannel": 2},
			{"azimuth": 4.71238898038469, "elevation": 0, "radius": 5, "deviceChannel": 3}
		]
	}`)
	var l, err = layout.Load(doc)
	require.NoError(t, err)
	return l
}

func rms(samples []float32) float64 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Scenario 1 from spec.md §8: DBAP point source dead-ahead.
func TestDBAP_PointSourceFront(t *testing.T) {
	var l = fourSpeakerLayout(t)
	var p = panner.NewDBAP(l, 1.0)

	const n = 48000
	var in = make([]float32, n)
	for i := range in {
		in[i] = 0.5
	}

	var out = make([]float32, l.OutputChans*n)
	p.RenderBlock(r3.Vector{X: 0, Y: 1, Z: 0}, in, out, n)

	var ch0 = rms(out[0*n : 1*n])
	var ch1 = rms(out[1*n : 2*n])
	var ch2 = rms(out[2*n : 3*n])
	var ch3 = rms(out[3*n : 4*n])

	assert.Greater(t, ch0, ch1)
	assert.Greater(t, ch0, ch3)
	assert.Greater(t, ch1, ch2)
	assert.Greater(t, ch3, ch2)
	assert.InDelta(t, ch1, ch3, 1e-6)

	for _, v := range out {
		assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
		assert.LessOrEqual(t, v, float32(1.0))
	}
}

func TestDBAP_FocusHigherIsTighter(t *testing.T) {
	var l = fourSpeakerLayout(t)

	const n = 64
	var in = make([]float32, n)
	for i := range in {
		in[i] = 1.0
	}

	var lowFocus = panner.NewDBAP(l, 0.3)
	var outLow = make([]float32, l.OutputChans*n)
	lowFocus.RenderBlock(r3.Vector{X: 0, Y: 1, Z: 0}, in, outLow, n)

	var highFocus = panner.NewDBAP(l, 4.0)
	var outHigh = make([]float32, l.OutputChans*n)
	highFocus.RenderBlock(r3.Vector{X: 0, Y: 1, Z: 0}, in, outHigh, n)

	var lowRear = rms(outLow[2*n : 3*n])
	var highRear = rms(outHigh[2*n : 3*n])
	assert.Less(t, highRear, lowRear)
}

// Out-of-range focus exponents (spec.md's documented [0.2, 5.0] invariant)
// must not reach math.Pow unclamped.
func TestDBAP_FocusIsClampedAtConstruction(t *testing.T) {
	var l = fourSpeakerLayout(t)

	var tooNarrow = panner.NewDBAP(l, 100.0)
	var tooWide = panner.NewDBAP(l, 0.0)
	var clampedHigh = panner.NewDBAP(l, 5.0)
	var clampedLow = panner.NewDBAP(l, 0.2)

	const n = 16
	var in = make([]float32, n)
	for i := range in {
		in[i] = 1.0
	}

	var a, b = make([]float32, l.OutputChans*n), make([]float32, l.OutputChans*n)
	tooNarrow.RenderBlock(r3.Vector{X: 0, Y: 1, Z: 0}, in, a, n)
	clampedHigh.RenderBlock(r3.Vector{X: 0, Y: 1, Z: 0}, in, b, n)
	assert.Equal(t, a, b, "focus above 5.0 behaves identically to focus 5.0")

	a, b = make([]float32, l.OutputChans*n), make([]float32, l.OutputChans*n)
	tooWide.RenderBlock(r3.Vector{X: 0, Y: 1, Z: 0}, in, a, n)
	clampedLow.RenderBlock(r3.Vector{X: 0, Y: 1, Z: 0}, in, b, n)
	assert.Equal(t, a, b, "focus below 0.2 behaves identically to focus 0.2")
}

func TestDBAP_SetFocusChangesSubsequentRenderBlocks(t *testing.T) {
	var l = fourSpeakerLayout(t)
	var p = panner.NewDBAP(l, 1.0)

	const n = 64
	var in = make([]float32, n)
	for i := range in {
		in[i] = 1.0
	}

	var before = make([]float32, l.OutputChans*n)
	p.RenderBlock(r3.Vector{X: 0, Y: 1, Z: 0}, in, before, n)

	p.SetFocus(4.0)
	var after = make([]float32, l.OutputChans*n)
	p.RenderBlock(r3.Vector{X: 0, Y: 1, Z: 0}, in, after, n)

	assert.Less(t, rms(after[2*n:3*n]), rms(before[2*n:3*n]), "narrower focus quiets the rear speaker further")

	// Out-of-range updates are clamped the same as at construction.
	p.SetFocus(100.0)
	var clamped = panner.NewDBAP(l, 5.0)
	var want = make([]float32, l.OutputChans*n)
	var got = make([]float32, l.OutputChans*n)
	clamped.RenderBlock(r3.Vector{X: 0, Y: 1, Z: 0}, in, want, n)
	p.RenderBlock(r3.Vector{X: 0, Y: 1, Z: 0}, in, got, n)
	assert.Equal(t, want, got)
}
