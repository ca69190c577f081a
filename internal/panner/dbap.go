package panner

import (
	"math"
	"sync/atomic"

	"github.com/golang/geo/r3"

	"github.com/domespan/atmosrender/internal/layout"
)

// dbapEpsilon avoids a divide-by-zero when the virtual source coincides
// exactly with a speaker position.
const dbapEpsilon = 1e-6

// DBAP is distance-based amplitude panning: every speaker's gain is
// weighted by inverse distance to the virtual source, raised to the focus
// exponent, then normalised so the sum of squared weights is constant —
// this keeps perceived loudness stable regardless of how many speakers are
// near the source.
type DBAP struct {
	layout    *layout.Layout
	focus     atomic.Uint64 // math.Float64bits, always within [0.2, 5.0]
	positions []r3.Vector   // internal-convention speaker positions, by Index
	weights   []float64     // reusable scratch, sized once, never reallocated in RenderBlock
}

// NewDBAP prepares a DBAP panner from the layout's speaker sequence. focus
// is clamped to [0.2, 5.0] here, so callers (RenderConfig, the real-time
// engine) need not validate it themselves.
func NewDBAP(l *layout.Layout, focus float64) *DBAP {
	var positions = make([]r3.Vector, len(l.Speakers))
	for _, s := range l.Speakers {
		positions[s.Index] = toDBAPConvention(speakerCanonicalPosition(s))
	}

	var d = &DBAP{layout: l, positions: positions, weights: make([]float64, len(l.Speakers))}
	d.focus.Store(math.Float64bits(clampFocus(focus)))
	return d
}

// SetFocus updates the exponent used by the next RenderBlock call, clamped
// to [0.2, 5.0]. Lock-free: safe to call from the main thread while the
// audio thread concurrently calls RenderBlock.
func (d *DBAP) SetFocus(focus float64) {
	d.focus.Store(math.Float64bits(clampFocus(focus)))
}

func speakerCanonicalPosition(s layout.Speaker) r3.Vector {
	var cosEl = math.Cos(s.Elevation)
	return r3.Vector{
		X: s.Radius * cosEl * math.Sin(s.Azimuth),
		Y: s.Radius * cosEl * math.Cos(s.Azimuth),
		Z: s.Radius * math.Sin(s.Elevation),
	}
}

// RenderBlock implements Panner.
func (d *DBAP) RenderBlock(dir r3.Vector, in []float32, out []float32, n int) {
	var virtual = toDBAPConvention(dir.Mul(d.layout.Radius))
	var focus = math.Float64frombits(d.focus.Load())

	var sumSquares float64

	for i, pos := range d.positions {
		var dist = virtual.Sub(pos).Norm()
		if dist < dbapEpsilon {
			dist = dbapEpsilon
		}
		var w = 1.0 / math.Pow(dist, focus)
		d.weights[i] = w
		sumSquares += w * w
	}

	if sumSquares <= 0 {
		return
	}
	var norm = 1.0 / math.Sqrt(sumSquares)

	for _, s := range d.layout.Speakers {
		var gain = float32(d.weights[s.Index] * norm)
		var base = s.DeviceChannel * n
		for i := 0; i < n; i++ {
			out[base+i] += in[i] * gain
		}
	}
}
