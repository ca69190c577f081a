// Package layout parses and holds a loudspeaker array description: speaker
// positions, subwoofer channels, and the derived attributes panners need
// (radius, elevation bounds, 2D/3D classification, output channel count).
package layout

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"gopkg.in/yaml.v3"
)

// twoDElevationSpanRadians is the elevation span below which a layout is
// considered 2D (3 degrees, per spec).
const twoDElevationSpanRadians = 3.0 * math.Pi / 180.0

// defaultRadiusMetres replaces any non-positive speaker radius.
const defaultRadiusMetres = 1.0

// Speaker is one loudspeaker position in the array.
//
// Azimuth and Elevation are radians as declared in the source document.
// DegAzimuth/DegElevation are the same angles converted to degrees once, at
// construction time. The panners in internal/panner compute their geometry
// from the radian fields.
type Speaker struct {
	Azimuth       float64
	Elevation     float64
	DegAzimuth    float64
	DegElevation  float64
	Radius        float64
	DeviceChannel int
	// Index is this speaker's consecutive 0-based position in Layout.Speakers.
	// Panners must build their internal state from Index, never from
	// DeviceChannel, so device channel gaps never leak into panner geometry.
	Index int
}

// Subwoofer is one LFE-bearing output channel.
type Subwoofer struct {
	DeviceChannel int
}

// Layout is immutable once constructed by Load.
type Layout struct {
	Speakers    []Speaker
	Subwoofers  []Subwoofer
	Radius      float64 // median of speaker radii
	MinElevRad  float64
	MaxElevRad  float64
	Is2D        bool
	OutputChans int
}

type speakerDoc struct {
	Azimuth       float64 `json:"azimuth" yaml:"azimuth"`
	Elevation     float64 `json:"elevation" yaml:"elevation"`
	Radius        float64 `json:"radius" yaml:"radius"`
	DeviceChannel int     `json:"deviceChannel" yaml:"deviceChannel"`
}

type subwooferDoc struct {
	Channel int `json:"channel" yaml:"channel"`
}

type layoutDoc struct {
	Speakers   []speakerDoc   `json:"speakers" yaml:"speakers"`
	Subwoofers []subwooferDoc `json:"subwoofers" yaml:"subwoofers"`
}

// Load parses a speaker-layout document (JSON or YAML, sniffed from the
// leading byte) and derives a Layout. Malformed input fails loudly.
func Load(source []byte) (*Layout, error) {
	var doc layoutDoc

	var trimmed = bytes.TrimLeft(source, " \t\r\n")
	var err error
	if len(trimmed) > 0 && trimmed[0] == '{' {
		err = json.Unmarshal(source, &doc)
	} else {
		err = yaml.Unmarshal(source, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("layout: parse error: %w", err)
	}

	if len(doc.Speakers) == 0 {
		return nil, fmt.Errorf("layout: no speakers declared")
	}

	var speakers = make([]Speaker, len(doc.Speakers))
	var radii = make([]float64, len(doc.Speakers))
	var minEl = math.Inf(1)
	var maxEl = math.Inf(-1)

	for i, s := range doc.Speakers {
		var radius = s.Radius
		if radius <= 0 {
			radius = defaultRadiusMetres
		}

		speakers[i] = Speaker{
			Azimuth:       s.Azimuth,
			Elevation:     s.Elevation,
			DegAzimuth:    s.Azimuth * 180.0 / math.Pi,
			DegElevation:  s.Elevation * 180.0 / math.Pi,
			Radius:        radius,
			DeviceChannel: s.DeviceChannel,
			Index:         i,
		}
		radii[i] = radius

		if s.Elevation < minEl {
			minEl = s.Elevation
		}
		if s.Elevation > maxEl {
			maxEl = s.Elevation
		}
	}

	var subwoofers = make([]Subwoofer, len(doc.Subwoofers))
	var maxSubChan = -1
	for i, sw := range doc.Subwoofers {
		subwoofers[i] = Subwoofer{DeviceChannel: sw.Channel}
		if sw.Channel > maxSubChan {
			maxSubChan = sw.Channel
		}
	}

	// Invariant: outputChannelCount = max(numSpeakers-1, max(subwooferDeviceChannel)) + 1.
	var outputChans = len(speakers)
	if maxSubChan+1 > outputChans {
		outputChans = maxSubChan + 1
	}

	var l = &Layout{
		Speakers:    speakers,
		Subwoofers:  subwoofers,
		Radius:      median(radii),
		MinElevRad:  minEl,
		MaxElevRad:  maxEl,
		Is2D:        (maxEl - minEl) < twoDElevationSpanRadians,
		OutputChans: outputChans,
	}

	return l, nil
}

// median computes the median of a slice without mutating the caller's copy.
func median(values []float64) float64 {
	if len(values) == 0 {
		return defaultRadiusMetres
	}

	var sorted = append([]float64(nil), values...)
	sort.Float64s(sorted)

	var mid = len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2.0
}

// SubwooferChannels returns the device channel indices of every subwoofer.
func (l *Layout) SubwooferChannels() []int {
	var chans = make([]int, len(l.Subwoofers))
	for i, sw := range l.Subwoofers {
		chans[i] = sw.DeviceChannel
	}
	return chans
}
