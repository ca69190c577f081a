// Package direction interpolates a source's trajectory at a given time and
// sanitises the result into a layout-appropriate unit vector: spherical
// linear interpolation between keyframes, degenerate-input recovery via a
// per-source last-good cache, and elevation remapping to the loudspeaker
// array's coverage.
package direction

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/domespan/atmosrender/internal/layout"
	"github.com/domespan/atmosrender/internal/scene"
)

// Front is the fallback direction used whenever nothing better is available.
var Front = r3.Vector{X: 0, Y: 1, Z: 0}

// ElevationMode selects how an interpolated elevation is remapped into the
// loudspeaker array's elevation range.
type ElevationMode int

const (
	ElevationClamp ElevationMode = iota
	ElevationRescaleAtmosUp
	ElevationRescaleFullSphere
)

const (
	slerpLinearThreshold    = 0.9995  // dot above this: linear lerp instead of SLERP
	slerpAntipodalThreshold = -0.9995 // dot below this: near-antipodal fallback rotation
	minSegmentSeconds       = 1e-9
	safeDirectionMinNorm    = 1e-4
)

// Cache holds the per-source last-good direction, so the engine can recover
// from a degenerate interpolation without crashing or producing silence.
// Audio-thread-owned in the real-time driver; not safe for concurrent use by
// multiple goroutines against the same source id.
type Cache struct {
	lastGood map[string]r3.Vector
}

// NewCache returns an empty last-good-direction cache.
func NewCache() *Cache {
	return &Cache{lastGood: make(map[string]r3.Vector)}
}

// Interpolate computes the unit direction for a source at time t, given its
// sanitised keyframe list, recovering through cache on degenerate results.
// fellBack reports whether the safe-direction fallback was invoked, so the
// caller can tally it once per source rather than once per block.
func Interpolate(sourceID string, keyframes []scene.Keyframe, t float64, cache *Cache) (dir r3.Vector, fellBack bool) {
	var raw = rawInterpolate(keyframes, t)
	return safeDirection(sourceID, raw, keyframes, t, cache)
}

func rawInterpolate(keyframes []scene.Keyframe, t float64) r3.Vector {
	if len(keyframes) == 0 {
		return Front
	}

	if len(keyframes) == 1 {
		return normalizeOrFront(toVector(keyframes[0]))
	}

	var first = keyframes[0]
	var last = keyframes[len(keyframes)-1]

	if t <= first.Time {
		return normalizeOrFront(toVector(first))
	}
	if t >= last.Time {
		return normalizeOrFront(toVector(last))
	}

	for i := 0; i < len(keyframes)-1; i++ {
		var a = keyframes[i]
		var b = keyframes[i+1]
		if t < a.Time || t > b.Time {
			continue
		}

		var dt = b.Time - a.Time
		if dt < minSegmentSeconds {
			return normalizeOrFront(toVector(b))
		}

		var u = clamp((t-a.Time)/dt, 0, 1)
		return slerp(normalizeOrFront(toVector(a)), normalizeOrFront(toVector(b)), u)
	}

	// Unreachable for a sorted, bracketed list, but fall back rather than panic.
	return Front
}

func toVector(k scene.Keyframe) r3.Vector {
	return r3.Vector{X: k.X, Y: k.Y, Z: k.Z}
}

func normalizeOrFront(v r3.Vector) r3.Vector {
	var n = v.Norm()
	if n < safeDirectionMinNorm || math.IsNaN(n) || math.IsInf(n, 0) {
		return Front
	}
	return v.Mul(1.0 / n)
}

// slerp implements spherical linear interpolation between two unit vectors,
// with the linear-lerp and near-antipodal special cases spec.md requires.
func slerp(a, b r3.Vector, u float64) r3.Vector {
	var dot = clamp(a.Dot(b), -1, 1)

	if dot > slerpLinearThreshold {
		var v = a.Add(b.Sub(a).Mul(u))
		return normalizeOrFront(v)
	}

	if dot < slerpAntipodalThreshold {
		var axis = arbitraryPerpendicular(a)
		return rotateToward(a, axis, math.Pi*u)
	}

	var theta = math.Acos(dot)
	var sinTheta = math.Sin(theta)
	var coeffA = math.Sin((1-u)*theta) / sinTheta
	var coeffB = math.Sin(u*theta) / sinTheta
	return a.Mul(coeffA).Add(b.Mul(coeffB))
}

// arbitraryPerpendicular returns some unit vector perpendicular to v, used
// as the rotation axis for the near-antipodal SLERP fallback.
func arbitraryPerpendicular(v r3.Vector) r3.Vector {
	var helper = r3.Vector{X: 1, Y: 0, Z: 0}
	if math.Abs(v.Dot(helper)) > 0.9 {
		helper = r3.Vector{X: 0, Y: 1, Z: 0}
	}
	return v.Cross(helper).Normalize()
}

// rotateToward rotates v by angle theta about axis, via Rodrigues' formula.
func rotateToward(v, axis r3.Vector, theta float64) r3.Vector {
	var cosT = math.Cos(theta)
	var sinT = math.Sin(theta)
	var term1 = v.Mul(cosT)
	var term2 = axis.Cross(v).Mul(sinT)
	var term3 = axis.Mul(axis.Dot(v) * (1 - cosT))
	return term1.Add(term2).Add(term3)
}

// safeDirection implements the fallback chain: non-finite or near-zero
// magnitude falls back to the last-good direction, then the temporally
// nearest keyframe, then Front.
func safeDirection(sourceID string, v r3.Vector, keyframes []scene.Keyframe, t float64, cache *Cache) (r3.Vector, bool) {
	if isValidDirection(v) {
		if cache != nil {
			cache.lastGood[sourceID] = v
		}
		return v, false
	}

	if cache != nil {
		if last, ok := cache.lastGood[sourceID]; ok && isValidDirection(last) {
			return last, true
		}
	}

	if nearest, ok := nearestKeyframeDirection(keyframes, t); ok {
		var n = normalizeOrFront(nearest)
		if isValidDirection(n) {
			if cache != nil {
				cache.lastGood[sourceID] = n
			}
			return n, true
		}
	}

	return Front, true
}

func isValidDirection(v r3.Vector) bool {
	if math.IsNaN(v.X) || math.IsNaN(v.Y) || math.IsNaN(v.Z) {
		return false
	}
	if math.IsInf(v.X, 0) || math.IsInf(v.Y, 0) || math.IsInf(v.Z, 0) {
		return false
	}
	var n = v.Norm()
	return n >= safeDirectionMinNorm && !math.IsNaN(n) && !math.IsInf(n, 0)
}

func nearestKeyframeDirection(keyframes []scene.Keyframe, t float64) (r3.Vector, bool) {
	if len(keyframes) == 0 {
		return r3.Vector{}, false
	}

	var best = keyframes[0]
	var bestDist = math.Abs(best.Time - t)
	for _, k := range keyframes[1:] {
		var d = math.Abs(k.Time - t)
		if d < bestDist {
			best = k
			bestDist = d
		}
	}
	return toVector(best), true
}

// Sanitise remaps the elevation of dir to the layout's coverage, per mode,
// and reconstructs a renormalised Cartesian vector. 2D layouts are
// flattened to the horizontal plane instead.
func Sanitise(dir r3.Vector, l *layout.Layout, mode ElevationMode) r3.Vector {
	if l.Is2D {
		var flat = r3.Vector{X: dir.X, Y: dir.Y, Z: 0}
		return normalizeOrFront(flat)
	}

	var azimuth = math.Atan2(dir.X, dir.Y)
	var elevation = math.Asin(clamp(dir.Z, -1, 1))

	var remapped = remapElevation(elevation, l.MinElevRad, l.MaxElevRad, mode)

	var cosEl = math.Cos(remapped)
	var out = r3.Vector{
		X: math.Sin(azimuth) * cosEl,
		Y: math.Cos(azimuth) * cosEl,
		Z: math.Sin(remapped),
	}
	return normalizeOrFront(out)
}

func remapElevation(el, minEl, maxEl float64, mode ElevationMode) float64 {
	switch mode {
	case ElevationClamp:
		return clamp(el, minEl, maxEl)
	case ElevationRescaleFullSphere:
		return rescale(el, -math.Pi/2, math.Pi/2, minEl, maxEl)
	default: // ElevationRescaleAtmosUp
		return rescale(el, 0, math.Pi/2, minEl, maxEl)
	}
}

// rescale linearly maps el from [srcLo, srcHi] to [dstLo, dstHi], clamping
// el to the source range first so monotonicity holds outside the range too.
func rescale(el, srcLo, srcHi, dstLo, dstHi float64) float64 {
	var clamped = clamp(el, srcLo, srcHi)
	var u = (clamped - srcLo) / (srcHi - srcLo)
	return dstLo + u*(dstHi-dstLo)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
