package panner_test

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"

	"github.com/domespan/atmosrender/internal/panner"
)

// silentPanner always writes zeroes, simulating a VBAP coverage gap no
// matter what direction it's asked to render.
type silentPanner struct{}

func (silentPanner) RenderBlock(dir r3.Vector, in []float32, out []float32, n int) {}

// singleChannelPanner renders all its gain onto device channel 0 when the
// direction matches target, and produces silence otherwise: a stand-in for a
// real panner that only covers part of the sphere, used where a test needs
// output on channel 0 for one known direction.
type singleChannelPanner struct {
	target r3.Vector
}

func (s singleChannelPanner) RenderBlock(dir r3.Vector, in []float32, out []float32, n int) {
	if dir.Dot(s.target) < 0.999 {
		return
	}
	for i := 0; i < n; i++ {
		out[i] += in[i]
	}
}

func TestGuarded_RetargetsOnZeroBlock(t *testing.T) {
	var l = fourSpeakerLayout(t)
	var stats = &panner.Stats{}
	var g = panner.NewGuarded(silentPanner{}, l, stats, 64)

	const n = 64
	var in = make([]float32, n)
	for i := range in {
		in[i] = 1.0
	}
	var out = make([]float32, l.OutputChans*n)

	g.RenderBlock(r3.Vector{X: 0, Y: 1, Z: 0}, in, out, n)

	assert.Equal(t, 1, stats.ZeroBlocks)
	assert.Equal(t, 1, stats.Retargets)
}

func TestGuarded_NoRetargetWhenOutputPresent(t *testing.T) {
	var l = fourSpeakerLayout(t)
	var stats = &panner.Stats{}
	var target = r3.Vector{X: 0, Y: 1, Z: 0}
	var g = panner.NewGuarded(singleChannelPanner{target: target}, l, stats, 64)

	const n = 64
	var in = make([]float32, n)
	for i := range in {
		in[i] = 1.0
	}
	var out = make([]float32, l.OutputChans*n)

	g.RenderBlock(target, in, out, n)

	assert.Equal(t, 0, stats.ZeroBlocks)
	assert.Equal(t, 0, stats.Retargets)
	assert.Greater(t, out[0], float32(0))
}

func TestGuarded_SilentInputNeverRetargets(t *testing.T) {
	var l = fourSpeakerLayout(t)
	var stats = &panner.Stats{}
	var g = panner.NewGuarded(silentPanner{}, l, stats, 64)

	const n = 64
	var in = make([]float32, n) // all zero: no input energy
	var out = make([]float32, l.OutputChans*n)

	g.RenderBlock(r3.Vector{X: 0, Y: 1, Z: 0}, in, out, n)

	assert.Equal(t, 0, stats.ZeroBlocks)
	assert.Equal(t, 0, stats.Retargets)
}

func TestGuarded_RenderSubSteps_ScattersBackIntoOut(t *testing.T) {
	var l = fourSpeakerLayout(t)
	var stats = &panner.Stats{}
	var target = r3.Vector{X: 0, Y: 1, Z: 0}
	var g = panner.NewGuarded(singleChannelPanner{target: target}, l, stats, 64)

	const n = 64
	var in = make([]float32, n)
	for i := range in {
		in[i] = 1.0
	}
	var out = make([]float32, l.OutputChans*n)

	g.RenderSubSteps(func(frac float64) r3.Vector { return target }, in, out, n)

	assert.Equal(t, 1, stats.SubSteppedBlocks)
	for i := 0; i < n; i++ {
		assert.InDelta(t, 1.0, out[i], 1e-6)
	}
}

func TestGuarded_SetFocus_ForwardsToDBAPAndIsNoOpOtherwise(t *testing.T) {
	var l = fourSpeakerLayout(t)

	var dbapStats = &panner.Stats{}
	var dbapGuarded = panner.NewGuarded(panner.NewDBAP(l, 1.0), l, dbapStats, 64)
	assert.NotPanics(t, func() { dbapGuarded.SetFocus(4.0) })

	var otherStats = &panner.Stats{}
	var otherGuarded = panner.NewGuarded(silentPanner{}, l, otherStats, 64)
	assert.NotPanics(t, func() { otherGuarded.SetFocus(4.0) })
}

func TestIsFastMover(t *testing.T) {
	var a = r3.Vector{X: 0, Y: 1, Z: 0}
	var b = r3.Vector{X: 0, Y: 1, Z: 0}
	assert.False(t, panner.IsFastMover(a, b))

	var c = r3.Vector{X: 1, Y: 0, Z: 0}
	assert.True(t, panner.IsFastMover(a, c))
}
