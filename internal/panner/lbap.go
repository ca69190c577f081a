package panner

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"

	"github.com/domespan/atmosrender/internal/layout"
)

const layerElevationEpsilon = 1e-6 // radians; speakers within this band share a layer

// lbapLayer is one elevation-ordered ring of speakers, sorted by azimuth.
type lbapLayer struct {
	elevation float64
	speakers  []layout.Speaker // sorted ascending by azimuth
}

// LBAP is layer-based amplitude panning: speakers are partitioned into
// elevation layers; within a layer the source pans azimuthally between its
// two bracketing speakers; between layers the two bracketing layers are
// cross-weighted by elevation, spread controlled by dispersion.
type LBAP struct {
	layers     []lbapLayer
	dispersion float64
}

// NewLBAP groups l's speakers into elevation layers (speakers whose
// elevation differs by less than layerElevationEpsilon share a layer),
// each sorted by azimuth for neighbour lookup. dispersion in [0,1] controls
// how much signal spreads into the neighbouring layer at a boundary.
func NewLBAP(l *layout.Layout, dispersion float64) *LBAP {
	var byElevation = make(map[float64][]layout.Speaker)
	var elevations []float64

	for _, s := range l.Speakers {
		var key = roundTo(s.Elevation, layerElevationEpsilon)
		if _, ok := byElevation[key]; !ok {
			elevations = append(elevations, key)
		}
		byElevation[key] = append(byElevation[key], s)
	}

	sort.Float64s(elevations)

	var layers = make([]lbapLayer, len(elevations))
	for i, el := range elevations {
		var speakers = byElevation[el]
		sort.Slice(speakers, func(a, b int) bool { return speakers[a].Azimuth < speakers[b].Azimuth })
		layers[i] = lbapLayer{elevation: el, speakers: speakers}
	}

	return &LBAP{layers: layers, dispersion: clamp01(dispersion)}
}

func roundTo(v, eps float64) float64 {
	return math.Round(v/eps) * eps
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RenderBlock implements Panner.
func (p *LBAP) RenderBlock(dir r3.Vector, in []float32, out []float32, n int) {
	if len(p.layers) == 0 {
		return
	}

	var azimuth = math.Atan2(dir.X, dir.Y)
	var elevation = math.Asin(clampF(dir.Z, -1, 1))

	var lo, hi, u = bracketLayers(p.layers, elevation)

	if lo == hi {
		p.renderLayer(p.layers[lo], azimuth, 1.0, in, out, n)
		return
	}

	var weightLo, weightHi = crossLayerWeights(u, p.dispersion)
	p.renderLayer(p.layers[lo], azimuth, weightLo, in, out, n)
	p.renderLayer(p.layers[hi], azimuth, weightHi, in, out, n)
}

// crossLayerWeights blends a hard switch at the layer midpoint (dispersion
// 0: all energy in the nearer layer) toward a continuous equal-power blend
// across the whole span (dispersion 1), per spec.md's dispersion contract.
func crossLayerWeights(u, dispersion float64) (lo, hi float64) {
	var hardLo, hardHi = 1.0, 0.0
	if u >= 0.5 {
		hardLo, hardHi = 0.0, 1.0
	}

	var blendLo = math.Cos(u * math.Pi / 2)
	var blendHi = math.Sin(u * math.Pi / 2)

	lo = (1-dispersion)*hardLo + dispersion*blendLo
	hi = (1-dispersion)*hardHi + dispersion*blendHi
	return lo, hi
}

func bracketLayers(layers []lbapLayer, elevation float64) (lo, hi int, u float64) {
	if elevation <= layers[0].elevation {
		return 0, 0, 0
	}
	if elevation >= layers[len(layers)-1].elevation {
		var last = len(layers) - 1
		return last, last, 0
	}

	for i := 0; i < len(layers)-1; i++ {
		if elevation >= layers[i].elevation && elevation <= layers[i+1].elevation {
			var span = layers[i+1].elevation - layers[i].elevation
			if span < 1e-9 {
				return i, i, 0
			}
			return i, i + 1, (elevation - layers[i].elevation) / span
		}
	}

	return 0, 0, 0
}

// renderLayer pans azimuthally within one layer between its two nearest
// azimuth-bracketing speakers, scaled by weight (the cross-layer blend).
func (p *LBAP) renderLayer(layer lbapLayer, azimuth float64, weight float64, in []float32, out []float32, n int) {
	if weight <= 0 || len(layer.speakers) == 0 {
		return
	}

	if len(layer.speakers) == 1 {
		accumulate(layer.speakers[0], float32(weight), in, out, n)
		return
	}

	var a, b, u = bracketAzimuth(layer.speakers, azimuth)

	var gainA = float32(weight * math.Cos(u*math.Pi/2))
	var gainB = float32(weight * math.Sin(u*math.Pi/2))

	accumulate(a, gainA, in, out, n)
	accumulate(b, gainB, in, out, n)
}

// bracketAzimuth finds the two speakers (sorted ascending by azimuth) that
// bracket the target azimuth, wrapping around the circle, and the
// fractional position u between them.
func bracketAzimuth(speakers []layout.Speaker, azimuth float64) (a, b layout.Speaker, u float64) {
	var twoPi = 2 * math.Pi
	var norm = math.Mod(azimuth+twoPi, twoPi)

	for i := 0; i < len(speakers); i++ {
		var cur = math.Mod(speakers[i].Azimuth+twoPi, twoPi)
		var next = speakers[(i+1)%len(speakers)]
		var nextAz = math.Mod(next.Azimuth+twoPi, twoPi)

		var span = nextAz - cur
		if span <= 0 {
			span += twoPi
		}

		var offset = norm - cur
		if offset < 0 {
			offset += twoPi
		}

		if offset <= span {
			if span < 1e-9 {
				return speakers[i], next, 0
			}
			return speakers[i], next, offset / span
		}
	}

	return speakers[0], speakers[0], 0
}

func accumulate(s layout.Speaker, gain float32, in []float32, out []float32, n int) {
	if gain == 0 {
		return
	}
	var base = s.DeviceChannel * n
	for i := 0; i < n; i++ {
		out[base+i] += in[i] * gain
	}
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
