package panner

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/domespan/atmosrender/internal/layout"
)

const (
	inputEnergyThreshold  = 1e-4 // per-sample sum-of-absolutes threshold, scaled by n
	zeroOutputThreshold   = 1e-6
	fastMoverAngleRadians = 0.25 // ~14 degrees
	subStepFrames         = 16
)

// Stats accumulates the robustness-layer counters that end up in RenderStats.
type Stats struct {
	ZeroBlocks       int
	Retargets        int
	SubSteppedBlocks int
}

// Guarded wraps a Panner with the coverage-gap retarget and fast-mover
// sub-stepping behaviours every panner variant shares (spec.md §4.E gates
// this uniformly across DBAP/VBAP/LBAP even though only VBAP's triangle
// mesh can truly produce a coverage gap — the cost of checking is
// negligible, per the Open Question in spec.md §9).
type Guarded struct {
	inner   Panner
	layout  *layout.Layout
	stats   *Stats
	maxN    int
	before  []float32 // reusable zero-block-detection scratch, sized maxN*channels
}

// NewGuarded wraps inner with the robustness layer, recording events in
// stats. maxBlockFrames bounds every future RenderBlock call's n, so the
// zero-block-detection scratch buffer can be allocated once here and never
// again — required for the real-time audio callback, which must not
// allocate per block.
func NewGuarded(inner Panner, l *layout.Layout, stats *Stats, maxBlockFrames int) *Guarded {
	return &Guarded{
		inner:  inner,
		layout: l,
		stats:  stats,
		maxN:   maxBlockFrames,
		before: make([]float32, maxBlockFrames*l.OutputChans),
	}
}

// SetFocus forwards to the wrapped panner when it implements FocusSetter
// (currently DBAP only); a silent no-op for VBAP/LBAP, so the real-time
// engine can call it unconditionally regardless of the configured variant.
func (g *Guarded) SetFocus(focus float64) {
	if fs, ok := g.inner.(FocusSetter); ok {
		fs.SetFocus(focus)
	}
}

// RenderBlock implements Panner, with retarget-on-silence recovery. n must
// not exceed the maxBlockFrames given to NewGuarded.
func (g *Guarded) RenderBlock(dir r3.Vector, in []float32, out []float32, n int) {
	var inputEnergy = sumAbs(in)
	var channels = g.layout.OutputChans
	var span = channels * n

	copy(g.before[:span], out[:span])

	g.inner.RenderBlock(dir, in, out, n)

	if inputEnergy <= inputEnergyThreshold*float64(n) {
		return
	}

	var produced = sumAbsDelta(out[:span], g.before[:span])
	if produced > zeroOutputThreshold {
		return
	}

	g.stats.ZeroBlocks++

	var retargeted = g.retarget(dir)
	g.stats.Retargets++
	g.inner.RenderBlock(retargeted, in, out, n)
}

// RenderSubSteps renders a block in fixed sub-step chunks, each evaluated at
// its own direction, for fast-moving sources (angular delta between the
// 25%/75% sample directions exceeds fastMoverAngleRadians). dirAt returns
// the direction at a given fractional position [0,1] through the block.
//
// This path is only used by the offline render driver, which already
// allocates per block; it is not reachable from the real-time audio
// callback, which instead accepts a single block-centre pose (see
// engine.Engine.callback).
func (g *Guarded) RenderSubSteps(dirAt func(frac float64) r3.Vector, in []float32, out []float32, n int) {
	g.stats.SubSteppedBlocks++

	var channels = g.layout.OutputChans
	var scratch = make([]float32, channels*subStepFrames)

	for start := 0; start < n; start += subStepFrames {
		var length = subStepFrames
		if start+length > n {
			length = n - start
		}

		var frac = (float64(start) + float64(length)/2) / float64(n)
		var dir = dirAt(frac)

		for i := range scratch {
			scratch[i] = 0
		}

		g.RenderBlock(dir, in[start:start+length], scratch[:channels*length], length)

		for ch := 0; ch < channels; ch++ {
			for i := 0; i < length; i++ {
				out[ch*n+start+i] += scratch[ch*length+i]
			}
		}
	}
}

// IsFastMover reports whether the angle between two sampled directions
// within a block exceeds the fast-mover threshold.
func IsFastMover(quarter, threeQuarter r3.Vector) bool {
	var dot = clampF(quarter.Dot(threeQuarter), -1, 1)
	return math.Acos(dot) > fastMoverAngleRadians
}

func (g *Guarded) retarget(dir r3.Vector) r3.Vector {
	var best = -2.0
	var bestIdx = -1
	for _, s := range g.layout.Speakers {
		var sv = speakerCanonicalPosition(s).Normalize()
		var d = dir.Dot(sv)
		if d > best {
			best = d
			bestIdx = s.Index
		}
	}
	if bestIdx < 0 {
		return dir
	}

	var target = speakerCanonicalPosition(g.layout.Speakers[bestIdx]).Normalize()
	var moved = dir.Add(target.Sub(dir).Mul(0.9))
	var n = moved.Norm()
	if n < 1e-9 {
		return dir
	}
	return moved.Mul(1.0 / n)
}

func sumAbs(in []float32) float64 {
	var sum float64
	for _, v := range in {
		sum += math.Abs(float64(v))
	}
	return sum
}

func sumAbsDelta(out []float32, before []float32) float64 {
	var sum float64
	for i, v := range out[:len(before)] {
		sum += math.Abs(float64(v) - float64(before[i]))
	}
	return sum
}
