// Package panner implements the three amplitude-panning algorithms the
// spec requires — DBAP, VBAP, LBAP — plus the robustness layer that
// recovers from coverage gaps and fast-moving sources. The LFE router that
// bypasses them entirely lives in internal/lfe.
//
// Each panner is built once from a Layout (prepare) and then accumulates
// repeatedly into a per-block output buffer (RenderBlock); all three
// variants share the Panner interface so the render driver and real-time
// engine can select one at construction time without a type switch at the
// hot path.
package panner

import (
	"github.com/golang/geo/r3"

	"github.com/domespan/atmosrender/internal/layout"
)

// Kind selects which panning algorithm RenderConfig requests.
type Kind int

const (
	KindDBAP Kind = iota
	KindVBAP
	KindLBAP
)

// Panner pans one source's mono block into the shared output accumulator.
//
// out is sized layout.OutputChans * n, channel-major: out[ch*n+i] is sample
// i of device channel ch. RenderBlock accumulates (+=) rather than
// overwrites, so multiple sources sum naturally in one output buffer.
type Panner interface {
	RenderBlock(dir r3.Vector, in []float32, out []float32, n int)
}

// FocusSetter is implemented by panner variants whose spread can be
// adjusted after construction (currently DBAP only). Guarded forwards
// SetFocus to the wrapped panner when it satisfies this interface and is a
// silent no-op otherwise, so callers never need a type switch.
type FocusSetter interface {
	SetFocus(focus float64)
}

// clampFocus restricts the DBAP focus exponent to its documented range:
// below 0.2 the weighting is nearly flat across speakers, above 5.0 it
// collapses onto whichever speaker is closest.
func clampFocus(focus float64) float64 {
	if focus < 0.2 {
		return 0.2
	}
	if focus > 5.0 {
		return 5.0
	}
	return focus
}

// New constructs the requested panner variant from a prepared layout.
func New(kind Kind, l *layout.Layout, focus, dispersion float64) Panner {
	switch kind {
	case KindVBAP:
		return NewVBAP(l)
	case KindLBAP:
		return NewLBAP(l, dispersion)
	default:
		return NewDBAP(l, focus)
	}
}

// toDBAPConvention rewrites the canonical (x=right, y=front, z=up)
// direction into the panner's internal coordinate convention
// (x, -z, y) — the AlloLib-style adapter. Applied once per block, only for
// DBAP; changing the panner's internal convention instead would break every
// calibrated preset built against it.
func toDBAPConvention(v r3.Vector) r3.Vector {
	return r3.Vector{X: v.X, Y: -v.Z, Z: v.Y}
}
