// Package engine is the real-time driver: one portaudio callback per
// hardware buffer, sequencing control snapshot, smoothing, pose
// computation, panning, LFE routing, mix trims, channel remap, and pause
// fade, all without allocating, locking, or touching a file inside the
// callback itself (spec.md §4.I).
package engine

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang/geo/r3"
	"github.com/gordonklaus/portaudio"

	"github.com/domespan/atmosrender/internal/direction"
	"github.com/domespan/atmosrender/internal/layout"
	"github.com/domespan/atmosrender/internal/lfe"
	"github.com/domespan/atmosrender/internal/panner"
	"github.com/domespan/atmosrender/internal/remap"
	"github.com/domespan/atmosrender/internal/scene"
	"github.com/domespan/atmosrender/internal/stream"
)

const (
	smoothingTauSeconds = 0.050
	pauseFadeSeconds    = 0.008
)

// Controls holds the live, atomically-updated control surface the main
// thread writes to and the audio callback reads each block. Values are
// stored as float32 bits so they fit in a lock-free atomic.Uint32.
type Controls struct {
	masterGain     atomic.Uint32
	focus          atomic.Uint32
	loudspeakerMix atomic.Uint32
	subMix         atomic.Uint32
	autoComp       atomic.Bool
	paused         atomic.Bool
}

// NewControls returns a Controls block at unity gain/mix and focus 1.0.
func NewControls() *Controls {
	var c = &Controls{}
	c.masterGain.Store(math.Float32bits(1.0))
	c.focus.Store(math.Float32bits(1.0))
	c.loudspeakerMix.Store(math.Float32bits(1.0))
	c.subMix.Store(math.Float32bits(1.0))
	return c
}

func (c *Controls) SetMasterGain(v float32)     { c.masterGain.Store(math.Float32bits(v)) }
func (c *Controls) SetFocus(v float32)          { c.focus.Store(math.Float32bits(v)) }
func (c *Controls) SetLoudspeakerMix(v float32) { c.loudspeakerMix.Store(math.Float32bits(v)) }
func (c *Controls) SetSubMix(v float32)         { c.subMix.Store(math.Float32bits(v)) }
func (c *Controls) SetAutoComp(v bool)          { c.autoComp.Store(v) }
func (c *Controls) AutoComp() bool              { return c.autoComp.Load() }
func (c *Controls) SetPaused(v bool)            { c.paused.Store(v) }
func (c *Controls) Paused() bool                { return c.paused.Load() }

// ControlSnapshot is one block's read of Controls, taken once at the top of
// the callback; every reference within that block uses the snapshot, not a
// fresh atomic load, so all per-block decisions are internally consistent.
type ControlSnapshot struct {
	MasterGain     float32
	Focus          float32
	LoudspeakerMix float32
	SubMix         float32
	AutoComp       bool
}

func snapshot(c *Controls) ControlSnapshot {
	return ControlSnapshot{
		MasterGain:     math.Float32frombits(c.masterGain.Load()),
		Focus:          math.Float32frombits(c.focus.Load()),
		LoudspeakerMix: math.Float32frombits(c.loudspeakerMix.Load()),
		SubMix:         math.Float32frombits(c.subMix.Load()),
		AutoComp:       c.autoComp.Load(),
	}
}

// EngineState is the process-wide status block the main thread polls for
// display; the audio callback is its only writer. Lock-free, read-mostly.
type EngineState struct {
	frameCounter    atomic.Uint64
	playbackTimeSec atomic.Uint64 // math.Float64bits
	cpuLoad         atomic.Uint32 // math.Float32bits
	xrunCount       atomic.Uint64
	paused          atomic.Bool
	running         atomic.Bool
}

func (s *EngineState) FrameCounter() uint64     { return s.frameCounter.Load() }
func (s *EngineState) PlaybackTimeSec() float64 { return math.Float64frombits(s.playbackTimeSec.Load()) }
func (s *EngineState) CPULoad() float32         { return math.Float32frombits(s.cpuLoad.Load()) }
func (s *EngineState) XrunCount() uint64        { return s.xrunCount.Load() }
func (s *EngineState) Paused() bool             { return s.paused.Load() }
func (s *EngineState) Running() bool            { return s.running.Load() }

// Config configures one Engine instance.
type Config struct {
	BufferSize      int
	PannerKind      panner.Kind
	Focus           float64 // DBAP focus exponent, clamped to [0.2, 5.0]; no-op for VBAP/LBAP
	Dispersion      float64
	ElevationMode   direction.ElevationMode
	LFECompensation float64
	Remap           *remap.Table // nil: identity fast path
}

// Engine owns one real-time audio callback's entire working state,
// allocated once before Start and never again: the portaudio stream, the
// panner, the streaming source manager, and every scratch buffer the
// callback touches.
type Engine struct {
	cfg      Config
	layout   *layout.Layout
	sc       *scene.Scene
	src      *stream.Manager
	panner   *panner.Guarded
	lfe      *lfe.Router
	stats    *panner.Stats
	cache    *direction.Cache
	controls *Controls
	state    *EngineState

	stream *portaudio.Stream

	// subChannels is a device-channel -> is-a-subwoofer lookup, built once
	// in New so applyMixTrims never allocates on the audio thread.
	subChannels []bool

	renderBuf []float32 // channel-major, layout.OutputChans * BufferSize
	monoBuf   []float32
	fadeEnv   float64
	wasPaused bool
	frame     int64
}

// New builds an Engine. src supplies mono blocks (a *stream.Manager started
// by the caller before Start).
func New(cfg Config, l *layout.Layout, sc *scene.Scene, src *stream.Manager, controls *Controls) *Engine {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 512
	}
	if cfg.LFECompensation == 0 {
		cfg.LFECompensation = lfe.DefaultLFECompensation
	}
	if cfg.Focus == 0 {
		cfg.Focus = 1.0
	}

	var stats = &panner.Stats{}
	var basePanner = panner.New(cfg.PannerKind, l, cfg.Focus, cfg.Dispersion)

	var subChannels = make([]bool, l.OutputChans)
	for _, sw := range l.Subwoofers {
		subChannels[sw.DeviceChannel] = true
	}

	return &Engine{
		cfg:         cfg,
		layout:      l,
		sc:          sc,
		src:         src,
		panner:      panner.NewGuarded(basePanner, l, stats, cfg.BufferSize),
		lfe:         lfe.New(l, cfg.LFECompensation),
		stats:       stats,
		cache:       direction.NewCache(),
		controls:    controls,
		state:       &EngineState{},
		subChannels: subChannels,
		renderBuf:   make([]float32, l.OutputChans*cfg.BufferSize),
		monoBuf:     make([]float32, cfg.BufferSize),
		fadeEnv:     1.0,
	}
}

// State returns the engine's lock-free status block for the main thread's
// monitoring loop.
func (e *Engine) State() *EngineState { return e.state }

// Start opens the default portaudio output stream and begins the callback.
func (e *Engine) Start() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("engine: portaudio init: %w", err)
	}

	var s, err = portaudio.OpenDefaultStream(0, e.layout.OutputChans, float64(e.sc.SampleRate), e.cfg.BufferSize, e.callback)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("engine: open stream: %w", err)
	}
	e.stream = s

	if err := s.Start(); err != nil {
		return fmt.Errorf("engine: start stream: %w", err)
	}

	e.state.running.Store(true)
	log.Debug("engine stream started", "buffer_size", e.cfg.BufferSize, "sample_rate", e.sc.SampleRate)
	return nil
}

// Stop halts the callback and releases the portaudio stream.
func (e *Engine) Stop() error {
	e.state.running.Store(false)
	if e.stream == nil {
		return nil
	}
	if err := e.stream.Stop(); err != nil {
		return fmt.Errorf("engine: stop stream: %w", err)
	}
	if err := e.stream.Close(); err != nil {
		return fmt.Errorf("engine: close stream: %w", err)
	}
	return portaudio.Terminate()
}

// callback is the ten-step sequence from spec.md §4.I. out is device-owned,
// channel-major, sized outputChannelCount * len(out)/outputChannelCount by
// portaudio's convention for a non-interleaved stream.
func (e *Engine) callback(out [][]float32) {
	var start = time.Now()
	var n = len(out[0])
	var channels = e.layout.OutputChans

	for ch := range out {
		for i := range out[ch] {
			out[ch][i] = 0
		}
	}

	var snap = snapshot(e.controls)
	var smoothed = e.smooth(snap)
	e.panner.SetFocus(float64(smoothed.Focus))

	var pausedNow = e.controls.Paused()
	var transitioned = pausedNow != e.wasPaused
	e.wasPaused = pausedNow
	if transitioned {
		if pausedNow {
			e.fadeEnv = 1.0 // begin fading out from wherever we are
		} else {
			e.fadeEnv = 0.0 // begin fading in
		}
	}

	if pausedNow && e.fadeEnv <= 0 {
		e.state.paused.Store(true)
		return // fully faded out: do not advance the frame counter
	}

	var blockCentreSec = float64(e.frame+int64(n)/2) / float64(e.sc.SampleRate)

	for i := range e.renderBuf[:channels*n] {
		e.renderBuf[i] = 0
	}

	for _, id := range e.sc.Order {
		var src = e.sc.Sources[id]
		e.src.GetBlock(id, e.frame, n, e.monoBuf[:n])

		if src.IsLFE {
			e.lfe.RenderBlock(id, float64(smoothed.MasterGain), e.monoBuf[:n], e.renderBuf[:channels*n], n)
			continue
		}

		var dir, _ = direction.Interpolate(id, src.Keyframes, blockCentreSec, e.cache)
		dir = direction.Sanitise(dir, e.layout, e.cfg.ElevationMode)

		if smoothed.MasterGain != 1.0 {
			for i, v := range e.monoBuf[:n] {
				e.monoBuf[i] = v * smoothed.MasterGain
			}
		}

		e.panner.RenderBlock(dir, e.monoBuf[:n], e.renderBuf[:channels*n], n)
	}

	e.applyMixTrims(smoothed, n)
	e.applyRemap(out, n)
	e.applyPauseFade(out, n, pausedNow)

	e.frame += int64(n)
	e.state.frameCounter.Store(uint64(e.frame))
	e.state.playbackTimeSec.Store(math.Float64bits(float64(e.frame) / float64(e.sc.SampleRate)))
	e.state.paused.Store(pausedNow && e.fadeEnv <= 0)

	var elapsed = time.Since(start).Seconds()
	var budget = float64(n) / float64(e.sc.SampleRate)
	var load = float32(elapsed / budget)
	if load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}
	e.state.cpuLoad.Store(math.Float32bits(load))
}

// smooth applies one-pole exponential smoothing and writes the result back
// into the shared controls, per spec.md §4.I step 3.
func (e *Engine) smooth(target ControlSnapshot) ControlSnapshot {
	var alpha = 1 - math.Exp(-(float64(e.cfg.BufferSize)/float64(e.sc.SampleRate))/smoothingTauSeconds)

	var cur = snapshot(e.controls)
	var smoothed = ControlSnapshot{
		MasterGain:     onePole(cur.MasterGain, target.MasterGain, alpha),
		Focus:          onePole(cur.Focus, target.Focus, alpha),
		LoudspeakerMix: onePole(cur.LoudspeakerMix, target.LoudspeakerMix, alpha),
		SubMix:         onePole(cur.SubMix, target.SubMix, alpha),
		AutoComp:       target.AutoComp,
	}

	e.controls.masterGain.Store(math.Float32bits(smoothed.MasterGain))
	e.controls.focus.Store(math.Float32bits(smoothed.Focus))
	e.controls.loudspeakerMix.Store(math.Float32bits(smoothed.LoudspeakerMix))
	e.controls.subMix.Store(math.Float32bits(smoothed.SubMix))

	return smoothed
}

func onePole(cur, target float32, alpha float64) float32 {
	return cur + float32(alpha)*(target-cur)
}

// applyMixTrims scales loudspeaker and subwoofer render channels by their
// smoothed mix trims, skipping entirely when a trim is unity. subChannels
// is precomputed once in New, so this never allocates.
func (e *Engine) applyMixTrims(snap ControlSnapshot, n int) {
	if snap.LoudspeakerMix != 1.0 {
		for _, spk := range e.layout.Speakers {
			var base = spk.DeviceChannel * n
			for i := 0; i < n; i++ {
				e.renderBuf[base+i] *= snap.LoudspeakerMix
			}
		}
	}
	if snap.SubMix != 1.0 {
		for ch, isSub := range e.subChannels {
			if !isSub {
				continue
			}
			var base = ch * n
			for i := 0; i < n; i++ {
				e.renderBuf[base+i] *= snap.SubMix
			}
		}
	}
}

// applyRemap copies (or redistributes, per the remap table) renderBuf's
// channel-major layout channels into portaudio's per-channel output slices.
func (e *Engine) applyRemap(out [][]float32, n int) {
	var channels = e.layout.OutputChans
	var deviceChannels = len(out)

	if e.cfg.Remap == nil || e.cfg.Remap.Identity {
		var m = channels
		if deviceChannels < m {
			m = deviceChannels
		}
		for ch := 0; ch < m; ch++ {
			var base = ch * n
			for i := 0; i < n; i++ {
				out[ch][i] += e.renderBuf[base+i]
			}
		}
		return
	}

	for _, entry := range e.cfg.Remap.Entries {
		if entry.Device >= deviceChannels {
			continue
		}
		var base = entry.Layout * n
		for i := 0; i < n; i++ {
			out[entry.Device][i] += e.renderBuf[base+i]
		}
	}
}

// applyPauseFade ramps the device output by the fade envelope when a pause
// transition is in progress, advancing the envelope sample by sample.
func (e *Engine) applyPauseFade(out [][]float32, n int, paused bool) {
	if e.fadeEnv >= 1.0 && !paused {
		return // steady-state playing: no fade to apply
	}
	if e.fadeEnv <= 0.0 && paused {
		return // already handled by the early return in callback
	}

	var step = 1.0 / (pauseFadeSeconds * float64(e.sc.SampleRate))
	for i := 0; i < n; i++ {
		if paused {
			e.fadeEnv -= step
		} else {
			e.fadeEnv += step
		}
		if e.fadeEnv < 0 {
			e.fadeEnv = 0
		}
		if e.fadeEnv > 1 {
			e.fadeEnv = 1
		}

		var g = float32(e.fadeEnv)
		for ch := range out {
			out[ch][i] *= g
		}
	}
}

// DrainLFEWarning reports, and clears, whether an LFE source has hit a
// layout with no subwoofers since the last drain, for the main thread's
// status loop to log without the audio thread ever touching a mutex.
func (e *Engine) DrainLFEWarning() (sourceID string, fired bool) {
	return e.lfe.DrainWarning()
}

// Stats returns a snapshot of robustness-layer counters accumulated so far.
func (e *Engine) Stats() panner.Stats { return *e.stats }

const autoCompProbeDirections = 16

// ComputeAutoCompensation runs a short DBAP simulation at the controls'
// current focus against a ring of probe directions on the horizon,
// comparing it to a unity-focus baseline, and sets the loudspeaker mix trim
// so overall level holds roughly constant as focus narrows or widens the
// panning curve (spec.md §4's auto-compensation control). Main-thread-only:
// it allocates scratch buffers and is only meaningful while the stream is
// paused, since a focus change mid-playback is itself being smoothed by the
// callback.
func (e *Engine) ComputeAutoCompensation() error {
	if !e.controls.Paused() {
		return fmt.Errorf("engine: auto-compensation requires the engine to be paused first")
	}
	if !e.controls.AutoComp() {
		return fmt.Errorf("engine: auto-compensation is disabled; toggle it on first")
	}

	var focus = float64(math.Float32frombits(e.controls.focus.Load()))
	e.controls.SetLoudspeakerMix(simulateAutoCompensation(e.layout, focus))
	return nil
}

// simulateAutoCompensation renders a unit impulse from evenly spaced
// horizon azimuths through a fresh DBAP panner at focus and at unity focus,
// returning the ratio of peak speaker gain that keeps perceived loudness
// roughly constant as focus changes the weighting curve's sharpness.
func simulateAutoCompensation(l *layout.Layout, focus float64) float32 {
	var focused = panner.NewDBAP(l, focus)
	var unity = panner.NewDBAP(l, 1.0)
	var scratch = make([]float32, l.OutputChans)
	var impulse = []float32{1}

	var focusedPeak, unityPeak float64
	for i := 0; i < autoCompProbeDirections; i++ {
		var az = 2 * math.Pi * float64(i) / autoCompProbeDirections
		var dir = r3.Vector{X: math.Sin(az), Y: math.Cos(az), Z: 0}

		for j := range scratch {
			scratch[j] = 0
		}
		focused.RenderBlock(dir, impulse, scratch, 1)
		focusedPeak += peakAbs(scratch)

		for j := range scratch {
			scratch[j] = 0
		}
		unity.RenderBlock(dir, impulse, scratch, 1)
		unityPeak += peakAbs(scratch)
	}

	if focusedPeak <= 0 {
		return 1.0
	}

	var ratio = unityPeak / focusedPeak
	if ratio < 0.25 {
		ratio = 0.25
	}
	if ratio > 4.0 {
		ratio = 4.0
	}
	return float32(ratio)
}

func peakAbs(buf []float32) float64 {
	var peak float64
	for _, v := range buf {
		if math.Abs(float64(v)) > peak {
			peak = math.Abs(float64(v))
		}
	}
	return peak
}
