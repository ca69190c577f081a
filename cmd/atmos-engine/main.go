// Command atmos-engine drives the real-time spatial audio engine against
// the default audio output device: space toggles pause, q quits.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/term"
	"github.com/spf13/pflag"
	"github.com/warthog618/go-gpiocdev"
	"golang.org/x/sys/unix"

	"github.com/domespan/atmosrender/internal/direction"
	"github.com/domespan/atmosrender/internal/engine"
	"github.com/domespan/atmosrender/internal/layout"
	"github.com/domespan/atmosrender/internal/panner"
	"github.com/domespan/atmosrender/internal/remap"
	"github.com/domespan/atmosrender/internal/scene"
	"github.com/domespan/atmosrender/internal/stream"
	"github.com/domespan/atmosrender/internal/warn"
)

func main() {
	var layoutPath = pflag.StringP("layout", "l", "", "Loudspeaker layout document (JSON or YAML).")
	var scenePath = pflag.StringP("scene", "s", "", "Scene document (JSON or YAML).")
	var sourcesDir = pflag.StringP("sources", "d", "", "Folder of per-source mono WAV files, one per scene source ID.")
	var remapPath = pflag.StringP("remap", "r", "", "Optional CSV remap table (layout,device).")
	var pannerKindStr = pflag.StringP("panner", "p", "dbap", "Panning algorithm: dbap, vbap, or lbap.")
	var focus = pflag.Float64P("focus", "f", 1.0, "DBAP focus exponent, clamped to [0.2, 5.0].")
	var dispersion = pflag.Float64P("dispersion", "x", 0.0, "LBAP cross-layer dispersion, 0-1.")
	var bufferSize = pflag.IntP("buffer-size", "b", 512, "Hardware callback buffer size in frames.")
	var gpioChip = pflag.StringP("gpio-chip", "", "", "Optional gpiocdev chip (e.g. gpiochip0) for a physical pause button.")
	var gpioLine = pflag.IntP("gpio-line", "", -1, "Optional gpiocdev line offset for the pause button.")
	var lockMemory = pflag.BoolP("lock-memory", "", false, "Attempt mlockall before starting the audio stream (Linux only).")
	var interactive = pflag.BoolP("interactive", "i", true, "Read space/q from the controlling terminal in raw mode.")
	var verbose = pflag.BoolP("verbose", "v", false, "Debug-level logging.")
	pflag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	if *layoutPath == "" || *scenePath == "" || *sourcesDir == "" {
		fmt.Fprintln(os.Stderr, "atmos-engine: --layout, --scene, and --sources are required")
		pflag.Usage()
		os.Exit(1)
	}

	if err := run(*layoutPath, *scenePath, *sourcesDir, *remapPath, *pannerKindStr, *focus, *dispersion,
		*bufferSize, *gpioChip, *gpioLine, *lockMemory, *interactive); err != nil {
		fmt.Fprintf(os.Stderr, "atmos-engine: %s\n", err.Error())
		os.Exit(1)
	}
}

func run(layoutPath, scenePath, sourcesDir, remapPath, pannerKindStr string, focus, dispersion float64,
	bufferSize int, gpioChip string, gpioLine int, lockMemory, interactive bool) error {
	var layoutDoc, err = os.ReadFile(layoutPath)
	if err != nil {
		return fmt.Errorf("read layout: %w", err)
	}
	var l *layout.Layout
	l, err = layout.Load(layoutDoc)
	if err != nil {
		return fmt.Errorf("parse layout: %w", err)
	}

	var sceneDoc []byte
	sceneDoc, err = os.ReadFile(scenePath)
	if err != nil {
		return fmt.Errorf("read scene: %w", err)
	}
	var sc *scene.Scene
	sc, err = scene.Load(sceneDoc)
	if err != nil {
		return fmt.Errorf("parse scene: %w", err)
	}

	var mgr *stream.Manager
	mgr, err = stream.LoadMono(sourcesDir, sc)
	if err != nil {
		return fmt.Errorf("load audio sources: %w", err)
	}
	mgr.StartLoader()
	defer mgr.Stop()

	var pannerKind, perr = parsePannerKind(pannerKindStr)
	if perr != nil {
		return perr
	}

	var table *remap.Table
	if remapPath != "" {
		var remapDoc []byte
		remapDoc, err = os.ReadFile(remapPath)
		if err != nil {
			return fmt.Errorf("read remap table: %w", err)
		}
		table, err = remap.Load(remapDoc, l.OutputChans, l.OutputChans, warn.New())
		if err != nil {
			return fmt.Errorf("parse remap table: %w", err)
		}
	}

	if lockMemory {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			log.Warn("mlockall failed; continuing without locked memory", "err", err)
		} else {
			log.Info("memory locked for real-time playback")
		}
	}

	var controls = engine.NewControls()
	controls.SetFocus(float32(focus))
	var eng = engine.New(engine.Config{
		BufferSize:    bufferSize,
		PannerKind:    pannerKind,
		Focus:         focus,
		Dispersion:    dispersion,
		ElevationMode: direction.ElevationRescaleAtmosUp,
		Remap:         table,
	}, l, sc, mgr, controls)

	if gpioChip != "" && gpioLine >= 0 {
		var stop, gerr = watchPauseButton(gpioChip, gpioLine, controls)
		if gerr != nil {
			log.Warn("gpio pause button unavailable; continuing without it", "err", gerr)
		} else {
			defer stop()
		}
	}

	if err := eng.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop()

	log.Info("engine running", "speakers", len(l.Speakers), "subwoofers", len(l.Subwoofers),
		"sample_rate", sc.SampleRate, "buffer_size", bufferSize)

	if interactive {
		return runInteractive(eng, controls)
	}
	return runHeadless(eng)
}

// runInteractive puts the controlling terminal in raw mode and reads single
// keystrokes until q, restoring cooked mode on every exit path including a
// caught signal.
func runInteractive(eng *engine.Engine, controls *engine.Controls) error {
	var tty, err = term.Open("/dev/tty", term.RawMode)
	if err != nil {
		log.Warn("could not open controlling terminal in raw mode; falling back to headless", "err", err)
		return runHeadless(eng)
	}
	defer tty.Restore()
	defer tty.Close()

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var statusTicker = time.NewTicker(2 * time.Second)
	defer statusTicker.Stop()

	var keyCh = make(chan byte)
	go func() {
		var buf [1]byte
		for {
			var n, rerr = tty.Read(buf[:])
			if rerr != nil || n == 0 {
				close(keyCh)
				return
			}
			keyCh <- buf[0]
		}
	}()

	fmt.Println("space = toggle pause, a = toggle auto-compensation, c = recompute it (while paused), q = quit")
	for {
		select {
		case <-sigCh:
			return nil
		case k, ok := <-keyCh:
			if !ok {
				return nil
			}
			switch k {
			case 'q', 'Q':
				return nil
			case ' ':
				controls.SetPaused(!controls.Paused())
				log.Info("pause toggled", "paused", controls.Paused())
			case 'a', 'A':
				controls.SetAutoComp(!controls.AutoComp())
				log.Info("auto-compensation toggled", "enabled", controls.AutoComp())
			case 'c', 'C':
				if err := eng.ComputeAutoCompensation(); err != nil {
					log.Warn("auto-compensation not applied", "err", err)
				} else {
					log.Info("auto-compensation recomputed")
				}
			}
		case <-statusTicker.C:
			logStatus(eng)
		}
	}
}

func runHeadless(eng *engine.Engine) error {
	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var statusTicker = time.NewTicker(5 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-sigCh:
			return nil
		case <-statusTicker.C:
			logStatus(eng)
		}
	}
}

func logStatus(eng *engine.Engine) {
	var st = eng.State()
	log.Info("status", "playback_sec", st.PlaybackTimeSec(), "cpu_load", st.CPULoad(),
		"xruns", st.XrunCount(), "paused", st.Paused())

	if sourceID, fired := eng.DrainLFEWarning(); fired {
		log.Warn("LFE source has no subwoofer to route to; silencing", "source", sourceID)
	}
}

// watchPauseButton subscribes to a falling edge on the given gpiocdev line
// and flips the pause control, mirroring the teacher's PTT edge-detection
// pattern in ptt.go but for a momentary pushbutton instead of a radio key
// line.
func watchPauseButton(chip string, line int, controls *engine.Controls) (stop func(), err error) {
	var lastEdge time.Time
	var req *gpiocdev.Line
	req, err = gpiocdev.RequestLine(chip, line,
		gpiocdev.AsInput,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			if evt.Type != gpiocdev.LineEventFallingEdge {
				return
			}
			if time.Since(lastEdge) < 200*time.Millisecond {
				return // debounce
			}
			lastEdge = time.Now()
			controls.SetPaused(!controls.Paused())
			log.Info("pause toggled via gpio", "paused", controls.Paused())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("request gpio line: %w", err)
	}
	return func() { _ = req.Close() }, nil
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
