// Package stream implements the lock-free double-buffered disk streamer
// that feeds mono audio blocks to the panner without the audio thread ever
// allocating, locking, or touching a file handle.
//
// Each AudioSource owns two chunk buffers cycling Empty -> Loading -> Ready
// -> Playing -> Empty. The loader thread (started by StartLoader) owns the
// Empty -> Loading -> Ready transitions and all file I/O; the audio thread
// (GetBlock) owns Ready -> Playing -> Empty and never blocks.
package stream

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/domespan/atmosrender/internal/scene"
	"github.com/domespan/atmosrender/internal/wavio"
)

type bufferState int32

const (
	stateEmpty bufferState = iota
	stateLoading
	stateReady
	statePlaying
)

// DefaultChunkSeconds is the loader's disk-read granularity (spec.md §4.H).
const DefaultChunkSeconds = 5.0

// pollInterval is the loader thread's wake period.
const pollInterval = 2 * time.Millisecond

// consumedThreshold is the fraction of the active buffer's valid frames the
// audio thread must cross before the loader begins filling the next chunk.
const consumedThreshold = 0.5

// chunk is one double-buffer slot. state is the only field synchronised via
// atomics; chunkStart/validFrames/data are written by the loader strictly
// before the Ready store (an atomic store is a release in the Go memory
// model) and read by the audio thread strictly after observing Ready or
// Playing (an atomic load is the matching acquire).
type chunk struct {
	state       atomic.Int32
	data        []float32
	chunkStart  int64
	validFrames int
}

// AudioSource is one mono trajectory's streaming state: two chunk buffers,
// the currently-active index, and how far the audio thread has consumed
// into it.
type AudioSource struct {
	ID         string
	file       *os.File
	fileMu     sync.Mutex
	totalFrames int64
	sampleRate int

	chunks       [2]chunk
	active       atomic.Int32 // index into chunks of the buffer the audio thread reads
	consumed     atomic.Int64 // frames consumed from the active buffer so far
	chunkFrames  int

	// admChannel is set (and file is nil) in ADM-direct mode: the channel
	// index into the shared multichannel file this source reads from.
	admChannel int
}

// Manager owns every AudioSource for one render and the background loader
// goroutine that services them all.
type Manager struct {
	sources     map[string]*AudioSource
	order       []string
	chunkFrames int
	sampleRate  int

	// multichannel is non-nil in ADM-direct mode: one shared file handle.
	multichannel *os.File
	mcChannels   int
	mcMu         sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// LoadMono opens one mono WAV file per scene source, LFE sources included,
// from sourcesFolder (file name "<id>.wav"), validating each file's
// sample rate against the scene's. Missing files are skipped with a
// warning (spec.md §4.G failure policy): the source renders silence.
func LoadMono(sourcesFolder string, sc *scene.Scene) (*Manager, error) {
	var m = &Manager{
		sources:     make(map[string]*AudioSource),
		sampleRate:  sc.SampleRate,
		chunkFrames: int(DefaultChunkSeconds * float64(sc.SampleRate)),
	}

	for _, id := range sc.Order {
		var path = filepath.Join(sourcesFolder, id+".wav")

		var info, err = wavio.Read(path)
		if err != nil {
			log.Warn("source audio file missing or unreadable; rendering silence", "source", id, "path", path, "err", err)
			continue
		}
		if info.Channels != 1 {
			log.Warn("source audio file is not mono; rendering silence", "source", id, "channels", info.Channels)
			continue
		}
		if info.SampleRate != sc.SampleRate {
			return nil, fmt.Errorf("stream: source %s sample rate %d does not match scene sample rate %d", id, info.SampleRate, sc.SampleRate)
		}

		var f, operr = os.Open(path)
		if operr != nil {
			log.Warn("source audio file could not be reopened; rendering silence", "source", id, "err", operr)
			continue
		}

		var as = &AudioSource{
			ID:          id,
			file:        f,
			totalFrames: info.Frames,
			sampleRate:  info.SampleRate,
			chunkFrames: m.chunkFrames,
		}
		m.sources[id] = as
		m.order = append(m.order, id)
	}

	return m, nil
}

// LoadADMChannels opens a single shared multichannel file and maps each
// scene source onto one of its channels, per the convention in spec.md
// §4.H: source id "N.1" -> ADM channel N -> index N-1; "LFE" -> index 3.
func LoadADMChannels(path string, sc *scene.Scene) (*Manager, error) {
	var info, err = wavio.Read(path)
	if err != nil {
		return nil, fmt.Errorf("stream: open ADM file %s: %w", path, err)
	}
	if info.SampleRate != sc.SampleRate {
		return nil, fmt.Errorf("stream: ADM file sample rate %d does not match scene sample rate %d", info.SampleRate, sc.SampleRate)
	}

	var f, operr = os.Open(path)
	if operr != nil {
		return nil, fmt.Errorf("stream: reopen ADM file: %w", operr)
	}

	var m = &Manager{
		sources:      make(map[string]*AudioSource),
		sampleRate:   sc.SampleRate,
		chunkFrames:  int(DefaultChunkSeconds * float64(sc.SampleRate)),
		multichannel: f,
		mcChannels:   info.Channels,
	}

	for _, id := range sc.Order {
		var ch, ok = admChannelIndex(id)
		if !ok || ch >= info.Channels {
			log.Warn("ADM source has no matching channel; rendering silence", "source", id)
			continue
		}

		var as = &AudioSource{
			ID:          id,
			totalFrames: info.Frames,
			sampleRate:  info.SampleRate,
			chunkFrames: m.chunkFrames,
			admChannel:  ch,
		}
		m.sources[id] = as
		m.order = append(m.order, id)
	}

	return m, nil
}

// admChannelIndex implements the "N.1" -> N-1, "LFE" -> 3 convention.
func admChannelIndex(sourceID string) (int, bool) {
	if sourceID == "LFE" {
		return 3, true
	}
	var group int
	var level int
	var n, err = fmt.Sscanf(sourceID, "%d.%d", &group, &level)
	if n != 2 || err != nil || group <= 0 {
		return 0, false
	}
	return group - 1, true
}

// StartLoader launches the background polling goroutine. Stop must be
// called to release it.
func (m *Manager) StartLoader() {
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loaderLoop()
}

// Stop halts the loader goroutine and closes open file handles.
func (m *Manager) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
		m.wg.Wait()
	}
	for _, as := range m.sources {
		if as.file != nil {
			as.file.Close()
		}
	}
	if m.multichannel != nil {
		m.multichannel.Close()
	}
}

func (m *Manager) loaderLoop() {
	defer m.wg.Done()
	var ticker = time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pollOnce()
		}
	}
}

func (m *Manager) pollOnce() {
	for _, id := range m.order {
		var as = m.sources[id]
		m.serviceSource(as)
	}
}

func (m *Manager) serviceSource(as *AudioSource) {
	var activeIdx = as.active.Load()
	var active = &as.chunks[activeIdx]
	var otherIdx = int32(1) - activeIdx
	var other = &as.chunks[otherIdx]

	if bufferState(active.state.Load()) != stateEmpty && active.validFrames > 0 {
		var consumedFrac = float64(as.consumed.Load()) / float64(active.validFrames)
		if consumedFrac < consumedThreshold {
			return
		}
	}

	if bufferState(other.state.Load()) != stateEmpty {
		return
	}

	other.state.Store(int32(stateLoading))
	var nextStart = active.chunkStart + int64(active.validFrames)

	m.fillChunk(as, other, nextStart)
	other.state.Store(int32(stateReady))
}

// fillChunk reads chunkFrames of audio starting at globalFrame into dst's
// data buffer, zero-padding past end of file.
func (m *Manager) fillChunk(as *AudioSource, dst *chunk, globalFrame int64) {
	if cap(dst.data) < as.chunkFrames {
		dst.data = make([]float32, as.chunkFrames)
	}
	dst.data = dst.data[:as.chunkFrames]

	var framesAvailable = as.totalFrames - globalFrame
	if framesAvailable < 0 {
		framesAvailable = 0
	}
	var framesToRead = int64(as.chunkFrames)
	if framesToRead > framesAvailable {
		framesToRead = framesAvailable
	}

	if framesToRead > 0 {
		if as.admChannel >= 0 && as.file == nil {
			m.readInterleavedChannel(as, dst.data[:framesToRead], globalFrame)
		} else if as.file != nil {
			as.fileMu.Lock()
			readMonoAt(as.file, dst.data[:framesToRead], globalFrame)
			as.fileMu.Unlock()
		}
	}
	for i := framesToRead; i < int64(as.chunkFrames); i++ {
		dst.data[i] = 0
	}

	dst.chunkStart = globalFrame
	dst.validFrames = as.chunkFrames
}

// readMonoAt reads len(out) mono float32 frames at globalFrame from a
// single-channel WAV file, locating its data chunk by parsing the header
// (wavDataOffset) and zero-filling whatever the read does not cover.
func readMonoAt(f *os.File, out []float32, globalFrame int64) {
	var dataOffset, dataSize, ok = wavDataOffset(f)
	if !ok {
		for i := range out {
			out[i] = 0
		}
		return
	}

	var byteOffset = dataOffset + globalFrame*4
	var buf = make([]byte, len(out)*4)
	var n, _ = f.ReadAt(buf, byteOffset)
	decodeFloat32LE(buf[:n], out)
	for i := n / 4; i < len(out); i++ {
		out[i] = 0
	}
	_ = dataSize
}

// readInterleavedChannel reads one channel's worth of frames out of the
// shared ADM-direct multichannel file, de-interleaving on the fly.
func (m *Manager) readInterleavedChannel(as *AudioSource, out []float32, globalFrame int64) {
	m.mcMu.Lock()
	defer m.mcMu.Unlock()

	var dataOffset, _, ok = wavDataOffset(m.multichannel)
	if !ok {
		for i := range out {
			out[i] = 0
		}
		return
	}

	var channels = m.mcChannels
	var buf = make([]byte, len(out)*channels*4)
	var byteOffset = dataOffset + globalFrame*int64(channels)*4
	var n, _ = m.multichannel.ReadAt(buf, byteOffset)
	var framesRead = n / (channels * 4)

	for i := 0; i < framesRead; i++ {
		var base = i*channels*4 + as.admChannel*4
		out[i] = decodeOneFloat32LE(buf[base : base+4])
	}
	for i := framesRead; i < len(out); i++ {
		out[i] = 0
	}
}

// GetBlock copies numFrames of audio starting at globalFrame into out for
// sourceID, performing the buffer-flip dance described in spec.md §4.H.
// Unknown sources or an underrun (neither buffer covers the range) write
// zeros: this function never allocates, locks, or touches a file handle.
func (m *Manager) GetBlock(sourceID string, globalFrame int64, numFrames int, out []float32) {
	var as, ok = m.sources[sourceID]
	if !ok {
		zero(out)
		return
	}

	var activeIdx = as.active.Load()
	var active = &as.chunks[activeIdx]

	if covers(active, globalFrame, numFrames) {
		copyRange(active, globalFrame, out)
		as.consumed.Store(globalFrame + int64(numFrames) - active.chunkStart)
		return
	}

	var otherIdx = int32(1) - activeIdx
	var other = &as.chunks[otherIdx]
	if bufferState(other.state.Load()) == stateReady && covers(other, globalFrame, numFrames) {
		active.state.Store(int32(stateEmpty))
		other.state.Store(int32(statePlaying))
		as.active.Store(otherIdx)
		as.consumed.Store(globalFrame + int64(numFrames) - other.chunkStart)
		copyRange(other, globalFrame, out)
		return
	}

	zero(out) // underrun
}

func covers(c *chunk, globalFrame int64, numFrames int) bool {
	if bufferState(c.state.Load()) == stateEmpty {
		return false
	}
	return globalFrame >= c.chunkStart && globalFrame+int64(numFrames) <= c.chunkStart+int64(c.validFrames)
}

func copyRange(c *chunk, globalFrame int64, out []float32) {
	var offset = globalFrame - c.chunkStart
	copy(out, c.data[offset:offset+int64(len(out))])
}

func zero(out []float32) {
	for i := range out {
		out[i] = 0
	}
}

func decodeFloat32LE(buf []byte, out []float32) {
	var n = len(buf) / 4
	for i := 0; i < n; i++ {
		out[i] = decodeOneFloat32LE(buf[i*4 : i*4+4])
	}
}

func decodeOneFloat32LE(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// wavDataOffset returns f's data-chunk byte offset and size, caching
// nothing: called once per loader chunk fill, far below the audio thread's
// real-time deadline.
func wavDataOffset(f *os.File) (int64, int64, bool) {
	var _, offset, size, err = wavio.DataChunkOffset(f)
	if err != nil {
		return 0, 0, false
	}
	return offset, size, true
}
