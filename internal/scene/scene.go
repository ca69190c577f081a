// Package scene parses and holds per-source keyframe trajectories: the
// authoritative scene duration, the declared time unit, and one sanitised
// keyframe sequence per source id.
package scene

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// TimeUnit is the declared unit for a frame's "time" field.
type TimeUnit string

const (
	TimeUnitSeconds      TimeUnit = "seconds"
	TimeUnitSamples      TimeUnit = "samples"
	TimeUnitMilliseconds TimeUnit = "milliseconds"
)

// Keyframe is one (time, direction) sample of a source's trajectory.
// Time is always in seconds, after unit normalisation.
type Keyframe struct {
	Time float64
	X, Y, Z float64
}

// Source is a stable-id trajectory plus an optional LFE tag.
type Source struct {
	ID        string
	Keyframes []Keyframe
	IsLFE     bool
}

// Scene is immutable once constructed by Load.
type Scene struct {
	SampleRate int
	TimeUnit   TimeUnit
	Duration   float64 // authoritative, seconds
	Sources    map[string]*Source
	// Order preserves declaration order, for deterministic iteration and
	// stable diagnostics output.
	Order []string
}

type nodeDoc struct {
	ID   string     `json:"id" yaml:"id"`
	Type string     `json:"type" yaml:"type"`
	Cart [3]float64 `json:"cart" yaml:"cart"`
}

type frameDoc struct {
	Time  float64   `json:"time" yaml:"time"`
	Nodes []nodeDoc `json:"nodes" yaml:"nodes"`
}

type sceneDoc struct {
	Version    string                 `json:"version" yaml:"version"`
	SampleRate int                    `json:"sampleRate" yaml:"sampleRate"`
	TimeUnitRaw string                `json:"timeUnit" yaml:"timeUnit"`
	Duration   float64                `json:"duration" yaml:"duration"`
	Metadata   map[string]interface{} `json:"metadata" yaml:"metadata"`
	Frames     []frameDoc             `json:"frames" yaml:"frames"`
}

// nodeTypeAudioObject and nodeTypeDirectSpeaker are the node "type" values
// that carry position; nodeTypeLFE marks an LFE source.
const (
	nodeTypeAudioObject   = "audio_object"
	nodeTypeDirectSpeaker = "direct_speaker"
	nodeTypeLFE           = "LFE"
)

// Load parses a scene document (JSON or YAML) and sanitises every source's
// keyframe list: sort ascending by time, collapse same-time duplicates to
// the latest declaration, drop non-finite entries, replace zero-length
// directions with front (0,1,0).
func Load(source []byte) (*Scene, error) {
	var doc sceneDoc

	var trimmed = bytes.TrimLeft(source, " \t\r\n")
	var err error
	if len(trimmed) > 0 && trimmed[0] == '{' {
		err = json.Unmarshal(source, &doc)
	} else {
		err = yaml.Unmarshal(source, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("scene: parse error: %w", err)
	}

	if doc.SampleRate <= 0 {
		return nil, fmt.Errorf("scene: sampleRate must be positive, got %d", doc.SampleRate)
	}

	var unit = resolveTimeUnit(doc.TimeUnitRaw, doc.Frames, doc.Duration, doc.SampleRate)

	var sc = &Scene{
		SampleRate: doc.SampleRate,
		TimeUnit:   unit,
		Duration:   doc.Duration,
		Sources:    make(map[string]*Source),
	}

	// Collect raw (possibly duplicate/degenerate) keyframes per source id,
	// in declaration order, then sanitise once per source below.
	for _, frame := range doc.Frames {
		var t = normaliseTime(frame.Time, unit, doc.SampleRate)

		for _, n := range frame.Nodes {
			switch n.Type {
			case nodeTypeAudioObject, nodeTypeDirectSpeaker:
				var src = sc.sourceFor(n.ID)
				src.Keyframes = append(src.Keyframes, Keyframe{Time: t, X: n.Cart[0], Y: n.Cart[1], Z: n.Cart[2]})
			case nodeTypeLFE:
				var src = sc.sourceFor(n.ID)
				src.IsLFE = true
			default:
				log.Debug("scene: ignoring unrecognised node type", "id", n.ID, "type", n.Type)
			}
		}
	}

	for _, id := range sc.Order {
		sc.Sources[id].Keyframes = sanitiseKeyframes(sc.Sources[id].Keyframes)
	}

	if sc.Duration <= 0 {
		sc.Duration = deriveDurationFromKeyframes(sc)
	}

	return sc, nil
}

func (sc *Scene) sourceFor(id string) *Source {
	if src, ok := sc.Sources[id]; ok {
		return src
	}
	var src = &Source{ID: id}
	sc.Sources[id] = src
	sc.Order = append(sc.Order, id)
	return src
}

func resolveTimeUnit(raw string, frames []frameDoc, duration float64, sampleRate int) TimeUnit {
	switch TimeUnit(raw) {
	case TimeUnitSeconds, TimeUnitSamples, TimeUnitMilliseconds:
		return TimeUnit(raw)
	}

	// No declared unit: heuristic fallback. If the observed max frame time
	// grossly exceeds the duration but roughly matches duration*sampleRate,
	// the times are almost certainly samples.
	var maxTime float64
	for _, f := range frames {
		if f.Time > maxTime {
			maxTime = f.Time
		}
	}

	if duration > 0 && maxTime > duration*10 {
		var expectedSamples = duration * float64(sampleRate)
		if expectedSamples > 0 && math.Abs(maxTime-expectedSamples)/expectedSamples < 0.1 {
			log.Warn("scene: no timeUnit declared; inferring samples from observed frame times")
			return TimeUnitSamples
		}
	}

	log.Warn("scene: no timeUnit declared; assuming seconds")
	return TimeUnitSeconds
}

func normaliseTime(t float64, unit TimeUnit, sampleRate int) float64 {
	switch unit {
	case TimeUnitSamples:
		return t / float64(sampleRate)
	case TimeUnitMilliseconds:
		return t / 1000.0
	default:
		return t
	}
}

// sanitiseKeyframes sorts by time, collapses same-time duplicates to the
// latest-declared, drops non-finite entries, and replaces zero-length
// directions with front (0,1,0). It is idempotent:
// sanitiseKeyframes(sanitiseKeyframes(k)) == sanitiseKeyframes(k).
func sanitiseKeyframes(in []Keyframe) []Keyframe {
	var finite []Keyframe
	for _, k := range in {
		if !isFinite(k.Time) || !isFinite(k.X) || !isFinite(k.Y) || !isFinite(k.Z) {
			continue
		}
		if k.X == 0 && k.Y == 0 && k.Z == 0 {
			k.X, k.Y, k.Z = 0, 1, 0
		}
		finite = append(finite, k)
	}

	sort.SliceStable(finite, func(i, j int) bool { return finite[i].Time < finite[j].Time })

	// Collapse duplicates at the same time: keep the latest-declared, i.e.
	// after the stable sort, the last one seen for a given time among
	// entries that compare equal by time. SliceStable preserves original
	// relative order for equal keys, so the last among equal-time runs is
	// the latest declaration.
	var out []Keyframe
	for _, k := range finite {
		if len(out) > 0 && out[len(out)-1].Time == k.Time {
			out[len(out)-1] = k
			continue
		}
		out = append(out, k)
	}

	return out
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func deriveDurationFromKeyframes(sc *Scene) float64 {
	var maxT float64
	for _, id := range sc.Order {
		var kfs = sc.Sources[id].Keyframes
		if len(kfs) == 0 {
			continue
		}
		if last := kfs[len(kfs)-1].Time; last > maxT {
			maxT = last
		}
	}
	return maxT
}
