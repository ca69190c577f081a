// Package remap loads an optional output-channel remap table: a mapping
// from the render buffer's logical layout channels to the audio device's
// physical channels, so a layout authored for one interface can be played
// out through another without re-authoring the layout itself.
package remap

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/domespan/atmosrender/internal/warn"
)

// Entry is one layout-channel -> device-channel routing, accumulating (+=)
// rather than overwriting: several layout channels may sum onto one device
// channel.
type Entry struct {
	Layout int
	Device int
}

// Table is a loaded remap table. Identity reports whether it is exactly
// {(0,0), (1,1), ..., (N-1,N-1)} for N = renderChannels, letting the audio
// callback take a straight copy loop instead of iterating Entries.
type Table struct {
	Entries  []Entry
	Identity bool
}

// Load parses a two-column CSV (header "layout,device", trailing columns
// ignored, '#' and empty lines ignored). Entries whose layout or device
// index falls outside [0, renderChannels) or [0, deviceChannels) are
// dropped, warning once per call.
func Load(source []byte, renderChannels, deviceChannels int, warned *warn.Limiter) (*Table, error) {
	var scanner = bufio.NewScanner(bytes.NewReader(source))
	var entries []Entry
	var lineNo int
	var sawHeader bool
	var droppedAny bool

	for scanner.Scan() {
		lineNo++
		var line = strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var cols = strings.Split(line, ",")
		if !sawHeader {
			sawHeader = true
			if strings.EqualFold(strings.TrimSpace(cols[0]), "layout") {
				continue
			}
		}

		if len(cols) < 2 {
			continue
		}

		var layoutIdx, err1 = strconv.Atoi(strings.TrimSpace(cols[0]))
		var deviceIdx, err2 = strconv.Atoi(strings.TrimSpace(cols[1]))
		if err1 != nil || err2 != nil {
			continue
		}

		if layoutIdx < 0 || layoutIdx >= renderChannels || deviceIdx < 0 || deviceIdx >= deviceChannels {
			droppedAny = true
			continue
		}

		entries = append(entries, Entry{Layout: layoutIdx, Device: deviceIdx})
	}

	if droppedAny && warned.Allow("remap", "out-of-range-entry") {
		log.Warn("remap table dropped one or more out-of-range entries")
	}

	return &Table{Entries: entries, Identity: isIdentity(entries, renderChannels)}, nil
}

func isIdentity(entries []Entry, renderChannels int) bool {
	if len(entries) != renderChannels {
		return false
	}
	var seen = make(map[int]bool, renderChannels)
	for _, e := range entries {
		if e.Layout != e.Device {
			return false
		}
		if e.Layout < 0 || e.Layout >= renderChannels {
			return false
		}
		seen[e.Layout] = true
	}
	return len(seen) == renderChannels
}

// Apply accumulates render's layout-major channels into device's
// device-major channels, n samples per channel. renderChannels and
// deviceChannels are the channel counts of render and device respectively.
// With no table loaded (nil) or an identity table, it takes the straight
// per-channel copy-loop fast path for k < min(renderChannels, deviceChannels).
func Apply(t *Table, render []float32, renderChannels int, device []float32, deviceChannels int, n int) {
	if t == nil || t.Identity {
		var channels = renderChannels
		if deviceChannels < channels {
			channels = deviceChannels
		}
		for ch := 0; ch < channels; ch++ {
			var src = ch * n
			var dst = ch * n
			for i := 0; i < n; i++ {
				device[dst+i] += render[src+i]
			}
		}
		return
	}

	for _, e := range t.Entries {
		var src = e.Layout * n
		var dst = e.Device * n
		for i := 0; i < n; i++ {
			device[dst+i] += render[src+i]
		}
	}
}
