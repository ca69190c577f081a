// Package render implements the offline render driver: it walks a Scene
// block by block, computing each source's direction, panning it (or
// routing it through the LFE router), and accumulating into one
// multichannel output buffer, per spec.md §4.G.
package render

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang/geo/r3"
	"github.com/lestrrat-go/strftime"

	"github.com/domespan/atmosrender/internal/direction"
	"github.com/domespan/atmosrender/internal/layout"
	"github.com/domespan/atmosrender/internal/lfe"
	"github.com/domespan/atmosrender/internal/panner"
	"github.com/domespan/atmosrender/internal/scene"
)

// TimeRepresentative names how a block's direction-sampling instant is
// chosen. Render does not read Config.TimeMode: whichever value is set,
// each block's direction is sampled at its centre, and fast-moving sources
// are sub-stepped in 16-frame chunks; PerSample has no effect.
type TimeRepresentative int

const (
	BlockCentre TimeRepresentative = iota
	PerSample
)

// Config controls one render pass. Zero-valued fields take the documented
// defaults: BlockSize 64, MasterGain 0.5, PannerKind KindDBAP, Focus 1.0.
type Config struct {
	BlockSize       int // frames; clamped to [32, 256]
	MasterGain      float64
	PannerKind      panner.Kind
	Focus           float64
	Dispersion      float64
	ElevationMode   direction.ElevationMode
	LFECompensation float64
	T0, T1          float64 // seconds; T1 <= 0 means render from T0 through the scene's duration
	TimeMode        TimeRepresentative
	DebugDir        string // when non-empty, write render_stats.json and block_stats.log
	StatsEveryN     int    // block_stats.log sampling period; default 50
	// DebugTimestampFormat, when non-empty, is an strftime pattern used to
	// prefix the diagnostics file names so repeated renders into the same
	// DebugDir don't clobber each other's output.
	DebugTimestampFormat string
	// SoloSource, when non-empty, renders only the matching scene source id
	// and silences every other source (every other source still counts
	// toward Stats.SourcesSkipped).
	SoloSource string
	// Force2D flattens every source's elevation to the horizon before
	// panning, regardless of the layout's own 2D/3D shape.
	Force2D bool
}

func (c Config) withDefaults() Config {
	if c.BlockSize <= 0 {
		c.BlockSize = 64
	}
	if c.BlockSize < 32 {
		c.BlockSize = 32
	}
	if c.BlockSize > 256 {
		c.BlockSize = 256
	}
	if c.MasterGain == 0 {
		c.MasterGain = 0.5
	}
	if c.Focus == 0 {
		c.Focus = 1.0
	}
	if c.LFECompensation == 0 {
		c.LFECompensation = lfe.DefaultLFECompensation
	}
	if c.StatsEveryN <= 0 {
		c.StatsEveryN = 50
	}
	return c
}

// BlockSource supplies mono audio blocks, satisfied by *stream.Manager.
type BlockSource interface {
	GetBlock(sourceID string, globalFrame int64, numFrames int, out []float32)
}

// Stats accumulates diagnostics across an entire render.
type Stats struct {
	Blocks          int
	Frames          int64
	NonFiniteFixed  int64
	PeakAbsSample   float32
	Panner          panner.Stats
	SourcesRendered int
	SourcesSkipped  int
}

// Render executes one offline pass, writing PCM into out (channel-major,
// length layout.OutputChans * numFrames) and returning diagnostics.
func Render(sc *scene.Scene, l *layout.Layout, src BlockSource, cfg Config) ([]float32, Stats, error) {
	cfg = cfg.withDefaults()

	var startSec, endSec = cfg.T0, cfg.T1
	if endSec <= 0 {
		endSec = sc.Duration
	}
	if endSec < startSec {
		return nil, Stats{}, fmt.Errorf("render: t1 %v is before t0 %v", endSec, startSec)
	}

	var startFrame = int64(startSec * float64(sc.SampleRate))
	var totalFrames = int64((endSec - startSec) * float64(sc.SampleRate))
	if totalFrames < 0 {
		totalFrames = 0
	}

	var channels = l.OutputChans
	var out = make([]float32, channels*int(totalFrames))

	var cache = direction.NewCache()
	var pannerStats = &panner.Stats{}
	var basePanner = panner.New(cfg.PannerKind, l, cfg.Focus, cfg.Dispersion)
	var guarded = panner.NewGuarded(basePanner, l, pannerStats, cfg.BlockSize)
	var lfeRouter = lfe.New(l, cfg.LFECompensation)

	var stats = Stats{}
	var mono = make([]float32, cfg.BlockSize)
	var blockOut = make([]float32, channels*cfg.BlockSize)

	var statsLog []string

	for blockStart := int64(0); blockStart < totalFrames; blockStart += int64(cfg.BlockSize) {
		var n = cfg.BlockSize
		if blockStart+int64(n) > totalFrames {
			n = int(totalFrames - blockStart)
		}

		for i := range blockOut[:channels*n] {
			blockOut[i] = 0
		}

		var blockStartSec = startSec + float64(blockStart)/float64(sc.SampleRate)
		var blockDurSec = float64(n) / float64(sc.SampleRate)
		var blockCentreSec = blockStartSec + blockDurSec/2

		var activeSpeakers int
		for _, id := range sc.Order {
			if cfg.SoloSource != "" && id != cfg.SoloSource {
				if blockStart == 0 {
					stats.SourcesSkipped++
				}
				continue
			}

			var s = sc.Sources[id]
			src.GetBlock(id, startFrame+blockStart, n, mono[:n])

			if s.IsLFE {
				lfeRouter.RenderBlock(id, cfg.MasterGain, mono[:n], blockOut[:channels*n], n)
				if blockStart == 0 {
					stats.SourcesRendered++
				}
				continue
			}

			var dirAt = func(frac float64) r3.Vector {
				var t = blockStartSec + frac*blockDurSec
				var d, _ = direction.Interpolate(id, s.Keyframes, t, cache)
				d = direction.Sanitise(d, l, cfg.ElevationMode)
				if cfg.Force2D {
					d = flattenTo2D(d)
				}
				return d
			}

			var scaled = mono[:n]
			if cfg.MasterGain != 1.0 {
				scaled = make([]float32, n)
				for i, v := range mono[:n] {
					scaled[i] = v * float32(cfg.MasterGain)
				}
			}

			// Fast-moving sources get sub-stepped (spec.md §4.E): a block
			// whose direction swings more than the threshold angle between
			// its quarter and three-quarter points is rendered in smaller
			// chunks, each evaluated at its own direction, instead of one
			// block-centre pose.
			if panner.IsFastMover(dirAt(0.25), dirAt(0.75)) {
				guarded.RenderSubSteps(dirAt, scaled, blockOut[:channels*n], n)
			} else {
				guarded.RenderBlock(dirAt(0.5), scaled, blockOut[:channels*n], n)
			}
			if blockStart == 0 {
				stats.SourcesRendered++
			}
			activeSpeakers++
		}

		var peak float32
		var nonFinite int64
		for i, v := range blockOut[:channels*n] {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				blockOut[i] = 0
				nonFinite++
				continue
			}
			if abs32(v) > peak {
				peak = abs32(v)
			}
		}
		stats.NonFiniteFixed += nonFinite
		if peak > stats.PeakAbsSample {
			stats.PeakAbsSample = peak
		}

		// out is channel-major over the whole render (matching Panner's
		// per-block convention, scaled to the full duration): channel c's
		// samples occupy out[c*totalFrames : (c+1)*totalFrames].
		for c := 0; c < channels; c++ {
			copy(out[int64(c)*totalFrames+blockStart:int64(c)*totalFrames+blockStart+int64(n)], blockOut[c*n:c*n+n])
		}

		stats.Blocks++
		stats.Frames += int64(n)

		if cfg.DebugDir != "" && stats.Blocks%cfg.StatsEveryN == 0 {
			statsLog = append(statsLog, fmt.Sprintf("%d,%.6f,%.6f,%d,%d",
				stats.Blocks, blockCentreSec, peak, nonFinite, activeSpeakers))
		}
	}

	stats.Panner = *pannerStats

	if id, fired := lfeRouter.DrainWarning(); fired {
		log.Warn("LFE source has no subwoofer to route to; silencing", "source", id)
	}

	if cfg.DebugDir != "" {
		if err := writeDiagnostics(cfg.DebugDir, cfg.DebugTimestampFormat, stats, statsLog); err != nil {
			log.Warn("failed to write render diagnostics", "err", err)
		}
	}

	return out, stats, nil
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// flattenTo2D projects dir onto the horizon, renormalising, for --force_2d.
func flattenTo2D(dir r3.Vector) r3.Vector {
	var flat = r3.Vector{X: dir.X, Y: dir.Y, Z: 0}
	var n = flat.Norm()
	if n < 1e-9 {
		return direction.Front
	}
	return flat.Mul(1.0 / n)
}

func writeDiagnostics(dir, timestampFormat string, stats Stats, lines []string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("render: create debug dir: %w", err)
	}

	var prefix string
	if timestampFormat != "" {
		var stamped, err = strftime.Format(timestampFormat, time.Now())
		if err != nil {
			log.Warn("invalid debug timestamp format; using unstamped file names", "err", err)
		} else {
			prefix = stamped + "_"
		}
	}

	var statsPath = filepath.Join(dir, prefix+"render_stats.json")
	var payload, err = json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("render: marshal stats: %w", err)
	}
	if err := os.WriteFile(statsPath, payload, 0o644); err != nil {
		return fmt.Errorf("render: write render_stats.json: %w", err)
	}

	var logPath = filepath.Join(dir, prefix+"block_stats.log")
	var body = "block,time_sec,peak,nonfinite_count,active_speakers\n"
	for _, l := range lines {
		body += l + "\n"
	}
	if err := os.WriteFile(logPath, []byte(body), 0o644); err != nil {
		return fmt.Errorf("render: write block_stats.log: %w", err)
	}

	return nil
}
