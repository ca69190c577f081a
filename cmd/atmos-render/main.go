// Command atmos-render offline-renders an ADM-style scene against a
// loudspeaker layout into a multichannel WAV (or RF64, once the output
// crosses the 4 GiB boundary).
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/domespan/atmosrender/internal/direction"
	"github.com/domespan/atmosrender/internal/layout"
	"github.com/domespan/atmosrender/internal/panner"
	"github.com/domespan/atmosrender/internal/remap"
	"github.com/domespan/atmosrender/internal/render"
	"github.com/domespan/atmosrender/internal/scene"
	"github.com/domespan/atmosrender/internal/stream"
	"github.com/domespan/atmosrender/internal/wavio"
	"github.com/domespan/atmosrender/internal/warn"
)

func main() {
	var layoutPath = pflag.StringP("layout", "l", "", "Loudspeaker layout document (JSON or YAML).")
	var scenePath = pflag.StringP("scene", "s", "", "Scene document (JSON or YAML).")
	var sourcesDir = pflag.StringP("sources", "d", "", "Folder of per-source mono WAV files, one per scene source ID.")
	var admChannels = pflag.StringP("adm-channels", "c", "", "Single interleaved multichannel WAV, ADM channel order, instead of --sources.")
	var outputPath = pflag.StringP("output", "o", "render.wav", "Output WAV/RF64 path.")
	var remapPath = pflag.StringP("remap", "r", "", "Optional CSV remap table (layout,device).")
	var pannerKindStr = pflag.StringP("panner", "p", "dbap", "Panning algorithm: dbap, vbap, or lbap.")
	var focus = pflag.Float64P("focus", "f", 1.0, "DBAP focus exponent.")
	var dispersion = pflag.Float64P("dispersion", "x", 0.0, "LBAP cross-layer dispersion, 0-1.")
	var masterGain = pflag.Float64P("gain", "g", 0.5, "Master gain multiplier applied before panning.")
	var lfeComp = pflag.Float64P("lfe-compensation", "", 0, "LFE compensation gain; 0 selects the documented default.")
	var elevModeStr = pflag.StringP("elevation-mode", "e", "rescale-atmos-up", "clamp, rescale-atmos-up, or rescale-full-sphere.")
	var blockSize = pflag.IntP("block-size", "b", 64, "Render block size in frames, clamped to [32, 256].")
	var t0 = pflag.Float64P("t0", "", 0, "Start time in seconds.")
	var t1 = pflag.Float64P("t1", "", 0, "End time in seconds; 0 renders through the scene's declared duration.")
	var soloSource = pflag.StringP("solo_source", "", "", "Render only this scene source id, silencing every other source.")
	var force2D = pflag.BoolP("force_2d", "", false, "Flatten every source's elevation to the horizon before panning.")
	var debugDir = pflag.StringP("debug-dir", "", "", "Optional directory to write render_stats.json and block_stats.log into.")
	var debugTimestampFormat = pflag.StringP("debug-timestamp-format", "", "", "strftime pattern to prefix debug file names, so repeated renders don't clobber each other.")
	var verbose = pflag.BoolP("verbose", "v", false, "Debug-level logging.")
	pflag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	if *layoutPath == "" || *scenePath == "" {
		fmt.Fprintln(os.Stderr, "atmos-render: --layout and --scene are required")
		pflag.Usage()
		os.Exit(1)
	}
	if *sourcesDir == "" && *admChannels == "" {
		fmt.Fprintln(os.Stderr, "atmos-render: one of --sources or --adm-channels is required")
		os.Exit(1)
	}

	if err := run(runArgs{
		layoutPath: *layoutPath, scenePath: *scenePath, sourcesDir: *sourcesDir, admChannels: *admChannels,
		outputPath: *outputPath, remapPath: *remapPath, pannerKindStr: *pannerKindStr, focus: *focus,
		dispersion: *dispersion, masterGain: *masterGain, lfeComp: *lfeComp, elevModeStr: *elevModeStr,
		blockSize: *blockSize, t0: *t0, t1: *t1, soloSource: *soloSource, force2D: *force2D,
		debugDir: *debugDir, debugTimestampFormat: *debugTimestampFormat,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "atmos-render: %s\n", err.Error())
		os.Exit(1)
	}
}

type runArgs struct {
	layoutPath, scenePath, sourcesDir, admChannels, outputPath, remapPath string
	pannerKindStr                                                        string
	focus, dispersion, masterGain, lfeComp                               float64
	elevModeStr                                                          string
	blockSize                                                            int
	t0, t1                                                               float64
	soloSource                                                           string
	force2D                                                              bool
	debugDir, debugTimestampFormat                                       string
}

func run(a runArgs) error {
	var layoutDoc, err = os.ReadFile(a.layoutPath)
	if err != nil {
		return fmt.Errorf("read layout: %w", err)
	}
	var l *layout.Layout
	l, err = layout.Load(layoutDoc)
	if err != nil {
		return fmt.Errorf("parse layout: %w", err)
	}

	var sceneDoc []byte
	sceneDoc, err = os.ReadFile(a.scenePath)
	if err != nil {
		return fmt.Errorf("read scene: %w", err)
	}
	var sc *scene.Scene
	sc, err = scene.Load(sceneDoc)
	if err != nil {
		return fmt.Errorf("parse scene: %w", err)
	}

	var mgr *stream.Manager
	if a.admChannels != "" {
		mgr, err = stream.LoadADMChannels(a.admChannels, sc)
	} else {
		mgr, err = stream.LoadMono(a.sourcesDir, sc)
	}
	if err != nil {
		return fmt.Errorf("load audio sources: %w", err)
	}
	mgr.StartLoader()
	defer mgr.Stop()

	var pannerKind, perr = parsePannerKind(a.pannerKindStr)
	if perr != nil {
		return perr
	}
	var elevMode, eerr = parseElevationMode(a.elevModeStr)
	if eerr != nil {
		return eerr
	}

	log.Info("rendering", "speakers", len(l.Speakers), "subwoofers", len(l.Subwoofers),
		"sources", len(sc.Order), "panner", a.pannerKindStr, "duration_sec", sc.Duration)

	var out, stats, rerr = render.Render(sc, l, mgr, render.Config{
		BlockSize:            a.blockSize,
		MasterGain:           a.masterGain,
		PannerKind:           pannerKind,
		Focus:                a.focus,
		Dispersion:           a.dispersion,
		ElevationMode:        elevMode,
		LFECompensation:      a.lfeComp,
		T0:                   a.t0,
		T1:                   a.t1,
		SoloSource:           a.soloSource,
		Force2D:              a.force2D,
		DebugDir:             a.debugDir,
		DebugTimestampFormat: a.debugTimestampFormat,
	})
	if rerr != nil {
		return fmt.Errorf("render: %w", rerr)
	}

	log.Info("render complete", "blocks", stats.Blocks, "frames", stats.Frames,
		"peak", stats.PeakAbsSample, "nonfinite_fixed", stats.NonFiniteFixed,
		"zero_blocks", stats.Panner.ZeroBlocks, "retargets", stats.Panner.Retargets)

	var table *remap.Table
	if a.remapPath != "" {
		var remapDoc []byte
		remapDoc, err = os.ReadFile(a.remapPath)
		if err != nil {
			return fmt.Errorf("read remap table: %w", err)
		}
		table, err = remap.Load(remapDoc, l.OutputChans, l.OutputChans, warn.New())
		if err != nil {
			return fmt.Errorf("parse remap table: %w", err)
		}
	}

	return writeOutput(a.outputPath, out, l.OutputChans, int(stats.Frames), sc.SampleRate, table)
}

// writeOutput transposes render's channel-major-over-duration buffer into
// wavio's frame-major interleaved convention one block at a time, applying
// the optional remap table along the way.
func writeOutput(path string, out []float32, renderChannels, frames, sampleRate int, table *remap.Table) error {
	var deviceChannels = renderChannels
	if table != nil {
		deviceChannels = maxDeviceChannel(table, renderChannels)
	}

	var w, err = wavio.Create(path, deviceChannels, sampleRate)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	const blockFrames = 4096
	var renderBlock = make([]float32, renderChannels*blockFrames)
	var deviceBlock = make([]float32, deviceChannels*blockFrames)
	var interleaved = make([]float32, deviceChannels*blockFrames)

	for start := 0; start < frames; start += blockFrames {
		var n = blockFrames
		if start+n > frames {
			n = frames - start
		}

		for c := 0; c < renderChannels; c++ {
			copy(renderBlock[c*n:c*n+n], out[c*frames+start:c*frames+start+n])
		}
		for i := range deviceBlock[:deviceChannels*n] {
			deviceBlock[i] = 0
		}

		remap.Apply(table, renderBlock[:renderChannels*n], renderChannels, deviceBlock[:deviceChannels*n], deviceChannels, n)

		for i := 0; i < n; i++ {
			for c := 0; c < deviceChannels; c++ {
				interleaved[i*deviceChannels+c] = deviceBlock[c*n+i]
			}
		}

		if err := w.WriteFrames(interleaved[:deviceChannels*n]); err != nil {
			return fmt.Errorf("write frames: %w", err)
		}
	}

	return w.Close()
}

func maxDeviceChannel(table *remap.Table, fallback int) int {
	var max int
	for _, e := range table.Entries {
		if e.Device+1 > max {
			max = e.Device + 1
		}
	}
	if max == 0 {
		return fallback
	}
	return max
}

func parsePannerKind(s string) (panner.Kind, error) {
	switch s {
	case "dbap":
		return panner.KindDBAP, nil
	case "vbap":
		return panner.KindVBAP, nil
	case "lbap":
		return panner.KindLBAP, nil
	default:
		return 0, fmt.Errorf("unknown panner %q (want dbap, vbap, or lbap)", s)
	}
}

func parseElevationMode(s string) (direction.ElevationMode, error) {
	switch s {
	case "clamp":
		return direction.ElevationClamp, nil
	case "rescale-atmos-up":
		return direction.ElevationRescaleAtmosUp, nil
	case "rescale-full-sphere":
		return direction.ElevationRescaleFullSphere, nil
	default:
		return 0, fmt.Errorf("unknown elevation mode %q", s)
	}
}
