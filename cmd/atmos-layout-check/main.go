// Command atmos-layout-check validates a layout/scene pair and reports
// whether every non-LFE scene source has a matching mono audio file at the
// declared sample rate, without running a render. A cheap pre-flight check
// for the other two commands, in the spirit of the teacher's small
// single-purpose verification utilities.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/domespan/atmosrender/internal/layout"
	"github.com/domespan/atmosrender/internal/scene"
	"github.com/domespan/atmosrender/internal/wavio"
)

func main() {
	var layoutPath = pflag.StringP("layout", "l", "", "Loudspeaker layout document (JSON or YAML).")
	var scenePath = pflag.StringP("scene", "s", "", "Scene document (JSON or YAML).")
	var sourcesDir = pflag.StringP("sources", "d", "", "Folder of per-source mono WAV files, one per scene source ID.")
	pflag.Parse()

	if *layoutPath == "" || *scenePath == "" {
		fmt.Fprintln(os.Stderr, "atmos-layout-check: --layout and --scene are required")
		pflag.Usage()
		os.Exit(1)
	}

	var problems, err = check(*layoutPath, *scenePath, *sourcesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "atmos-layout-check: %s\n", err.Error())
		os.Exit(1)
	}

	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Fprintln(os.Stderr, "atmos-layout-check: "+p)
		}
		os.Exit(1)
	}

	fmt.Println("atmos-layout-check: clean bill")
}

func check(layoutPath, scenePath, sourcesDir string) ([]string, error) {
	var layoutDoc, err = os.ReadFile(layoutPath)
	if err != nil {
		return nil, fmt.Errorf("read layout: %w", err)
	}
	var l *layout.Layout
	l, err = layout.Load(layoutDoc)
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}

	var sceneDoc []byte
	sceneDoc, err = os.ReadFile(scenePath)
	if err != nil {
		return nil, fmt.Errorf("read scene: %w", err)
	}
	var sc *scene.Scene
	sc, err = scene.Load(sceneDoc)
	if err != nil {
		return nil, fmt.Errorf("parse scene: %w", err)
	}

	var problems []string

	if len(l.Speakers) == 0 {
		problems = append(problems, "layout declares no speakers")
	}
	if len(sc.Order) == 0 {
		problems = append(problems, "scene declares no sources")
	}

	if sourcesDir != "" {
		for _, id := range sc.Order {
			var src = sc.Sources[id]
			if src.IsLFE {
				continue
			}

			var path = filepath.Join(sourcesDir, id+".wav")
			var info, rerr = wavio.Read(path)
			if rerr != nil {
				problems = append(problems, fmt.Sprintf("source %q: no readable audio file at %s: %s", id, path, rerr.Error()))
				continue
			}
			if info.Channels != 1 {
				problems = append(problems, fmt.Sprintf("source %q: %s has %d channels, want mono", id, path, info.Channels))
			}
			if info.SampleRate != sc.SampleRate {
				problems = append(problems, fmt.Sprintf("source %q: %s is %d Hz, scene declares %d Hz", id, path, info.SampleRate, sc.SampleRate))
			}
		}
	}

	return problems, nil
}
