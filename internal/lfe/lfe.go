// Package lfe routes low-frequency-effects sources directly to subwoofer
// device channels, bypassing every panning algorithm in internal/panner:
// LFE content carries no directional information worth spatialising.
package lfe

import (
	"sync/atomic"

	"github.com/domespan/atmosrender/internal/layout"
)

// DefaultLFECompensation is the gain applied to LFE content before it is
// split across subwoofers. 0.95 is the teacher preset's historical value;
// it is plausibly layout- or focus-dependent, but no such dependency is
// specified, so it stays a flat, configurable constant (spec.md §9).
const DefaultLFECompensation = 0.95

// Router distributes LFE blocks to every subwoofer device channel in a
// Layout, scaled by masterGain * Compensation / numSubwoofers. A Layout with
// no subwoofers silences LFE sources entirely. RenderBlock runs on the
// audio thread, so that condition is recorded as a lock-free flag rather
// than logged directly; DrainWarning reports it for the main thread.
type Router struct {
	layout       *layout.Layout
	compensation float64

	noSubwoofers  atomic.Bool
	firstOffender atomic.Pointer[string]
}

// New builds a Router for l. compensation should already be validated by the
// caller; DefaultLFECompensation is a reasonable default.
func New(l *layout.Layout, compensation float64) *Router {
	return &Router{layout: l, compensation: compensation}
}

// RenderBlock adds in, scaled by masterGain*compensation/numSubwoofers, into
// every subwoofer's device-channel slot of out. out is channel-major, sized
// layout.OutputChans * n, matching panner.Panner's buffer convention. Never
// allocates, locks, or performs I/O, so it is safe to call from the
// real-time audio callback.
func (r *Router) RenderBlock(sourceID string, masterGain float64, in []float32, out []float32, n int) {
	var subs = r.layout.Subwoofers
	if len(subs) == 0 {
		if r.noSubwoofers.CompareAndSwap(false, true) {
			var id = sourceID
			r.firstOffender.Store(&id)
		}
		return
	}

	var gain = float32(masterGain * r.compensation / float64(len(subs)))
	if gain == 0 {
		return
	}

	for _, sw := range subs {
		var base = sw.DeviceChannel * n
		for i := 0; i < n; i++ {
			out[base+i] += in[i] * gain
		}
	}
}

// DrainWarning reports, and clears, whether an LFE source has hit a
// layout with no subwoofers since construction or the last drain. Safe to
// call concurrently with RenderBlock; touches no mutex.
func (r *Router) DrainWarning() (sourceID string, fired bool) {
	if !r.noSubwoofers.CompareAndSwap(true, false) {
		return "", false
	}
	var p = r.firstOffender.Load()
	if p == nil {
		return "", true
	}
	return *p, true
}
